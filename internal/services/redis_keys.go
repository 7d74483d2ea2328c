package services

import "time"

const (
	KeyWallet           = "wallet:%s"
	KeyWalletRef        = "wallet:ref:%s:%s"
	KeyTransaction      = "transaction:%s"
	KeyUserTransactions = "user:%s:transactions"
	KeyRateLimit        = "ratelimit:%s:%s"
	KeyCrashHistory     = "crash:history"

	TTLWalletRef   = 24 * time.Hour
	TTLTransaction = 30 * 24 * time.Hour // 30 days

	DefaultRateLimitBets    = 30 // Max 30 bets per minute
	DefaultRateLimitCashout = 60 // Max 60 cashouts per minute

	// New wallets start with $100.00.
	DefaultStartingBalanceCents = 10000

	crashHistoryLen = 50
	userTxLimit     = 100
)
