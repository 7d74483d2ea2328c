package services

import "crash-round-backend/internal/models"

// Broadcaster delivers round events to observers. Publish must not block on
// any single observer.
type Broadcaster interface {
	Publish(msg models.Message)
}

// RoundRecorder hands rounds, bets and crash summaries to durable storage.
// Calls return immediately; failures are handled by the recorder.
type RoundRecorder interface {
	SaveRound(round models.CrashRound)
	SaveBet(bet models.CrashBet)
	RecordCrash(summary models.RoundSummary)
}

type nopRecorder struct{}

func (nopRecorder) SaveRound(models.CrashRound)     {}
func (nopRecorder) SaveBet(models.CrashBet)         {}
func (nopRecorder) RecordCrash(models.RoundSummary) {}
