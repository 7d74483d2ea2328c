package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type BetStatus string

const (
	BetActive    BetStatus = "active"
	BetCashedOut BetStatus = "cashed_out"
	BetLost      BetStatus = "lost"
)

// CrashBet references its round and user by id only. CashOutAt and WinAmount
// are written once, at settlement.
type CrashBet struct {
	ID        string              `json:"id" gorm:"primaryKey;type:varchar(36)"`
	RoundID   string              `json:"round_id" gorm:"type:varchar(36);index;not null"`
	UserID    string              `json:"user_id" gorm:"type:varchar(64);index;not null"`
	Username  string              `json:"username" gorm:"type:varchar(50);not null"`
	BetAmount decimal.Decimal     `json:"bet_amount" gorm:"type:numeric(10,2);not null"`
	CashOutAt decimal.NullDecimal `json:"cash_out_at" gorm:"type:numeric(6,2)"`
	WinAmount decimal.Decimal     `json:"win_amount" gorm:"type:numeric(10,2);not null"`
	Status    BetStatus           `json:"status" gorm:"type:varchar(16);not null"`
	CreatedAt time.Time           `json:"created_at"`
	SettledAt *time.Time          `json:"settled_at,omitempty"`
}

func (CrashBet) TableName() string {
	return "crash_bets"
}

func (b *CrashBet) Settled() bool {
	return b.Status != BetActive
}

type PlaceBetRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

type CashoutRequest struct {
	BetID string `json:"bet_id"`
}

type CashoutResult struct {
	RoundID    string          `json:"round_id"`
	BetID      string          `json:"bet_id"`
	Multiplier decimal.Decimal `json:"multiplier"`
	Payout     decimal.Decimal `json:"payout"`
}

type VerifyRequest struct {
	ServerSeed  string `json:"server_seed" binding:"required"`
	Salt        string `json:"salt" binding:"required"`
	RoundNumber int64  `json:"round_number" binding:"required,min=1"`
}

type VerificationData struct {
	ServerHash string `json:"server_hash"`
	Salt       string `json:"salt"`
	HouseEdge  string `json:"house_edge"`
}
