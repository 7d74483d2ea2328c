package services_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"crash-round-backend/internal/models"
	"crash-round-backend/internal/services"

	"github.com/shopspring/decimal"
)

var fastRetry = services.RetryPolicy{
	MaxAttempts:   5,
	BaseDelay:     time.Millisecond,
	MaxDelay:      10 * time.Millisecond,
	BackoffFactor: 2,
}

// memWallet is an in-memory balance collaborator with the same ref
// semantics as the Redis scripts. Unknown users start with 100.00.
type memWallet struct {
	mu          sync.Mutex
	balances    map[string]decimal.Decimal
	refs        map[string]string
	credits     int
	debitDelay  time.Duration
	failCredits int
	creditCalls int
}

func newMemWallet() *memWallet {
	return &memWallet{
		balances: make(map[string]decimal.Decimal),
		refs:     make(map[string]string),
	}
}

func (w *memWallet) balanceLocked(userID string) decimal.Decimal {
	b, ok := w.balances[userID]
	if !ok {
		b = decimal.NewFromInt(100)
		w.balances[userID] = b
	}
	return b
}

func (w *memWallet) Balance(userID string) decimal.Decimal {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.balanceLocked(userID)
}

func (w *memWallet) SetBalance(userID string, amount decimal.Decimal) {
	w.mu.Lock()
	w.balances[userID] = amount
	w.mu.Unlock()
}

func (w *memWallet) Credits() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.credits
}

func (w *memWallet) Debit(ctx context.Context, userID string, amount decimal.Decimal, ref services.WalletRef) error {
	if w.debitDelay > 0 {
		time.Sleep(w.debitDelay)
	}

	w.mu.Lock()
	key := "bet:" + ref.BetID
	if _, seen := w.refs[key]; !seen {
		bal := w.balanceLocked(userID)
		if bal.LessThan(amount) {
			w.mu.Unlock()
			return services.ErrInsufficientFunds
		}
		w.balances[userID] = bal.Sub(amount)
		w.refs[key] = "debited"
	}
	w.mu.Unlock()
	return ctx.Err()
}

func (w *memWallet) FailCredits(n int) {
	w.mu.Lock()
	w.failCredits = n
	w.mu.Unlock()
}

func (w *memWallet) CreditCalls() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.creditCalls
}

func (w *memWallet) Credit(ctx context.Context, userID string, amount decimal.Decimal, ref services.WalletRef) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.creditCalls++
	if w.failCredits > 0 {
		w.failCredits--
		return errors.New("wallet unavailable")
	}
	key := "win:" + ref.BetID
	if _, seen := w.refs[key]; seen {
		return nil
	}
	w.balances[userID] = w.balanceLocked(userID).Add(amount)
	w.refs[key] = "credited"
	w.credits++
	return nil
}

func (w *memWallet) Reverse(ctx context.Context, userID string, amount decimal.Decimal, ref services.WalletRef) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	key := "bet:" + ref.BetID
	state := w.refs[key]
	w.refs[key] = "reversed"
	if state == "debited" {
		w.balances[userID] = w.balanceLocked(userID).Add(amount)
	}
	return nil
}

// recordingHub keeps every published message in order.
type recordingHub struct {
	mu   sync.Mutex
	msgs []models.Message
}

func (h *recordingHub) Publish(msg models.Message) {
	h.mu.Lock()
	h.msgs = append(h.msgs, msg)
	h.mu.Unlock()
}

func (h *recordingHub) Messages() []models.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]models.Message(nil), h.msgs...)
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}
