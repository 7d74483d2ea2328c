package models

import "github.com/shopspring/decimal"

type MessageType string

const (
	MsgSnapshot        MessageType = "snapshot"
	MsgBettingOpened   MessageType = "betting_opened"
	MsgGameStarting    MessageType = "crash_game_starting"
	MsgGameStarted     MessageType = "crash_game_started"
	MsgMultiplier      MessageType = "multiplier_update"
	MsgGameCrashed     MessageType = "crash_game_crashed"
	MsgBetPlaced       MessageType = "bet_placed"
	MsgBetSettled      MessageType = "bet_settled"
	MsgCashOutAccepted MessageType = "cash_out_accepted"
	MsgError           MessageType = "error"
	MsgPong            MessageType = "PONG"
)

// Message is the push-channel envelope. UserID addresses a single user and is
// never serialized; empty means every observer.
type Message struct {
	Type   MessageType `json:"type"`
	UserID string      `json:"-"`
	Data   interface{} `json:"data,omitempty"`
}

type SnapshotData struct {
	Phase             RoundStatus      `json:"phase"`
	RoundID           string           `json:"roundId"`
	RoundNumber       int64            `json:"roundNumber"`
	CurrentMultiplier decimal.Decimal  `json:"currentMultiplier"`
	CountdownMs       int64            `json:"countdownMs"`
	ServerHash        string           `json:"serverHash"`
	CrashPoint        *decimal.Decimal `json:"crashPoint,omitempty"`
}

type BettingOpenedData struct {
	RoundID     string `json:"roundId"`
	RoundNumber int64  `json:"roundNumber"`
	CountdownMs int64  `json:"countdownMs"`
	ServerHash  string `json:"serverHash"`
}

type StartingData struct {
	RoundID     string `json:"roundId"`
	CountdownMs int64  `json:"countdownMs"`
}

type StartedData struct {
	RoundID string `json:"roundId"`
}

type MultiplierData struct {
	RoundID           string          `json:"roundId"`
	CurrentMultiplier decimal.Decimal `json:"currentMultiplier"`
	ElapsedMs         int64           `json:"elapsedMs"`
}

type CrashedData struct {
	RoundID    string          `json:"roundId"`
	CrashPoint decimal.Decimal `json:"crashPoint"`
}

type BetPlacedData struct {
	RoundID  string          `json:"roundId"`
	BetID    string          `json:"betId"`
	Username string          `json:"username"`
	Amount   decimal.Decimal `json:"amount"`
}

type BetSettledData struct {
	RoundID   string              `json:"roundId"`
	BetID     string              `json:"betId"`
	Username  string              `json:"username"`
	CashOutAt decimal.NullDecimal `json:"cashOutAt"`
	WinAmount decimal.Decimal     `json:"winAmount"`
}

type CashOutAcceptedData struct {
	BetID     string          `json:"betId"`
	CashOutAt decimal.Decimal `json:"cashOutAt"`
	WinAmount decimal.Decimal `json:"winAmount"`
}

type ErrorData struct {
	Message string `json:"message"`
}

// ClientMessage is what observers may send over the socket.
type ClientMessage struct {
	Type  string `json:"type"`
	BetID string `json:"bet_id,omitempty"`
}
