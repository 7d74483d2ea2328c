package services

import "errors"

var (
	ErrInvalidPhase       = errors.New("round is not in a phase that accepts this request")
	ErrInsufficientFunds  = errors.New("insufficient balance")
	ErrAlreadySettled     = errors.New("bet already settled")
	ErrInvalidRigConfig   = errors.New("invalid rig configuration")
	ErrPersistenceTimeout = errors.New("persistence write timed out")

	ErrInvalidBet    = errors.New("invalid bet")
	ErrBetNotFound   = errors.New("bet not found")
	ErrRoundNotFound = errors.New("round not found")
	ErrDuplicateBet  = errors.New("user already has a bet in this round")
	ErrWalletTimeout = errors.New("balance service timed out")
	ErrRateLimited   = errors.New("rate limit exceeded")
	ErrNoLiveRound   = errors.New("no live round")

	errRoundStalled = errors.New("round loop stalled")
)
