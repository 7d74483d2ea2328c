package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type RoundStatus string

const (
	RoundBetting  RoundStatus = "betting"
	RoundStarting RoundStatus = "starting"
	RoundActive   RoundStatus = "active"
	RoundCrashed  RoundStatus = "crashed"
)

// CrashRound is one shared round. CrashPoint is fixed at creation and must not
// leave the server before Status reaches RoundCrashed.
type CrashRound struct {
	ID             string          `json:"id" gorm:"primaryKey;type:varchar(36)"`
	RoundNumber    int64           `json:"round_number" gorm:"uniqueIndex;not null"`
	CrashPoint     decimal.Decimal `json:"-" gorm:"type:numeric(6,2);not null"`
	ServerSeedHash string          `json:"server_seed_hash" gorm:"type:varchar(64)"`
	Rigged         bool            `json:"-" gorm:"not null"`
	StartTime      time.Time       `json:"start_time"`
	EndTime        *time.Time      `json:"end_time,omitempty"`
	Status         RoundStatus     `json:"status" gorm:"type:varchar(16);not null"`
}

func (CrashRound) TableName() string {
	return "crash_rounds"
}

// RevealedCrashPoint returns the crash point once the round has crashed.
func (r *CrashRound) RevealedCrashPoint() (decimal.Decimal, bool) {
	if r.Status != RoundCrashed {
		return decimal.Decimal{}, false
	}
	return r.CrashPoint, true
}

// MaxStoredCrashPoint is the largest multiplier a numeric(6,2) column holds.
var MaxStoredCrashPoint = decimal.New(999999, -2)

// RoundSummary is the public record of a finished round.
type RoundSummary struct {
	RoundID     string          `json:"round_id"`
	RoundNumber int64           `json:"round_number"`
	CrashPoint  decimal.Decimal `json:"crash_point"`
	SeedHash    string          `json:"server_seed_hash"`
	EndedAt     time.Time       `json:"ended_at"`
}

// RoundView is the public state of the live round with its bets.
type RoundView struct {
	SnapshotData
	Bets []CrashBet `json:"bets"`
}
