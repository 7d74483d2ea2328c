package services

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"crash-round-backend/internal/models"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// WalletRef ties a balance movement to the bet that caused it. Implementations
// use it to make Debit, Credit and Reverse idempotent.
type WalletRef struct {
	RoundID string
	BetID   string
}

// Wallet is the external balance collaborator.
type Wallet interface {
	Debit(ctx context.Context, userID string, amount decimal.Decimal, ref WalletRef) error
	Credit(ctx context.Context, userID string, amount decimal.Decimal, ref WalletRef) error
	// Reverse undoes a Debit with the same ref if, and only if, it was applied.
	Reverse(ctx context.Context, userID string, amount decimal.Decimal, ref WalletRef) error
}

type LedgerConfig struct {
	WalletTimeout time.Duration
	Retry         RetryPolicy
}

// PendingWalletOp is a credit or reversal the wallet has not confirmed yet.
type PendingWalletOp struct {
	Op       string          `json:"op"`
	UserID   string          `json:"user_id"`
	Amount   decimal.Decimal `json:"amount"`
	Ref      WalletRef       `json:"ref"`
	Attempts int             `json:"attempts"`
	LastErr  string          `json:"last_error,omitempty"`
}

// BetLedger keeps the bets of every open round, keyed by round id. All
// mutations of a round's bets go through that round's book lock.
type BetLedger struct {
	mu     sync.RWMutex
	books  map[string]*roundBook
	wallet Wallet
	cfg    LedgerConfig
	log    zerolog.Logger

	background sync.WaitGroup
	stop       context.Context
	halt       context.CancelFunc
	owedMu     sync.Mutex
	owed       map[string]PendingWalletOp
}

type roundBook struct {
	mu      sync.Mutex
	phase   models.RoundStatus
	bets    map[string]*models.CrashBet
	order   []string
	byUser  map[string]string
	pending int
	drained *sync.Cond

	settled bool
	losses  []models.CrashBet
}

func NewBetLedger(wallet Wallet, cfg LedgerConfig, log zerolog.Logger) *BetLedger {
	if cfg.WalletTimeout <= 0 {
		cfg.WalletTimeout = 2 * time.Second
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	if cfg.Retry.MaxDelay <= 0 {
		cfg.Retry.MaxDelay = DefaultRetryPolicy().MaxDelay
	}
	stop, halt := context.WithCancel(context.Background())
	return &BetLedger{
		books:  make(map[string]*roundBook),
		wallet: wallet,
		cfg:    cfg,
		log:    log,
		stop:   stop,
		halt:   halt,
		owed:   make(map[string]PendingWalletOp),
	}
}

// Open starts an empty book for a round in the betting phase.
func (l *BetLedger) Open(roundID string) {
	b := &roundBook{
		phase:  models.RoundBetting,
		bets:   make(map[string]*models.CrashBet),
		byUser: make(map[string]string),
	}
	b.drained = sync.NewCond(&b.mu)

	l.mu.Lock()
	l.books[roundID] = b
	l.mu.Unlock()
}

// Release drops a closed round's book.
func (l *BetLedger) Release(roundID string) {
	l.mu.Lock()
	delete(l.books, roundID)
	l.mu.Unlock()
}

func (l *BetLedger) book(roundID string) (*roundBook, error) {
	l.mu.RLock()
	b, ok := l.books[roundID]
	l.mu.RUnlock()
	if !ok {
		return nil, ErrRoundNotFound
	}
	return b, nil
}

// PlaceBet debits the player and appends an unsettled bet. The debit runs
// outside the book lock; the phase cannot leave betting until it returns.
func (l *BetLedger) PlaceBet(ctx context.Context, roundID string, player models.Player, amount decimal.Decimal) (models.CrashBet, error) {
	b, err := l.book(roundID)
	if err != nil {
		return models.CrashBet{}, err
	}

	bet := &models.CrashBet{
		ID:        models.NewID(),
		RoundID:   roundID,
		UserID:    player.ID,
		Username:  player.Username,
		BetAmount: amount,
		WinAmount: decimal.Zero,
		Status:    models.BetActive,
	}

	b.mu.Lock()
	if b.phase != models.RoundBetting {
		b.mu.Unlock()
		return models.CrashBet{}, ErrInvalidPhase
	}
	if _, ok := b.byUser[player.ID]; ok {
		b.mu.Unlock()
		return models.CrashBet{}, ErrDuplicateBet
	}
	b.byUser[player.ID] = bet.ID
	b.pending++
	b.mu.Unlock()

	ref := WalletRef{RoundID: roundID, BetID: bet.ID}
	debitCtx, cancel := context.WithTimeout(ctx, l.cfg.WalletTimeout)
	err = l.wallet.Debit(debitCtx, player.ID, amount, ref)
	expired := debitCtx.Err() != nil
	cancel()

	b.mu.Lock()
	defer func() {
		b.pending--
		b.drained.Broadcast()
		b.mu.Unlock()
	}()

	if err != nil {
		delete(b.byUser, player.ID)
		if !errors.Is(err, ErrInsufficientFunds) && (expired || isTimeout(err)) {
			// The debit may still land; undo it if it did.
			l.reverseLater(player.ID, amount, ref, err)
			return models.CrashBet{}, fmt.Errorf("%w: debit for %s", ErrWalletTimeout, player.ID)
		}
		return models.CrashBet{}, err
	}

	bet.CreatedAt = time.Now()
	b.bets[bet.ID] = bet
	b.order = append(b.order, bet.ID)
	return *bet, nil
}

// Lock closes betting and waits for placements already admitted to finish.
func (l *BetLedger) Lock(roundID string) error {
	return l.transition(roundID, models.RoundBetting, models.RoundStarting)
}

// Activate opens the round for cash-outs.
func (l *BetLedger) Activate(roundID string) error {
	return l.transition(roundID, models.RoundStarting, models.RoundActive)
}

func (l *BetLedger) transition(roundID string, from, to models.RoundStatus) error {
	b, err := l.book(roundID)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.phase != from {
		return fmt.Errorf("%w: %s -> %s from %s", ErrInvalidPhase, from, to, b.phase)
	}
	b.phase = to
	for b.pending > 0 {
		b.drained.Wait()
	}
	return nil
}

// CashOut settles a bet at multiplier. Only the first of several concurrent
// calls for the same bet records a result; the rest get ErrAlreadySettled.
// The settlement is committed before the credit; a credit that fails stays
// owed and is retried under the bet's ref until the wallet applies it.
func (l *BetLedger) CashOut(ctx context.Context, roundID, betID, userID string, multiplier decimal.Decimal) (models.CrashBet, error) {
	b, err := l.book(roundID)
	if err != nil {
		return models.CrashBet{}, err
	}

	b.mu.Lock()
	if b.phase != models.RoundActive {
		b.mu.Unlock()
		return models.CrashBet{}, ErrInvalidPhase
	}
	bet, ok := b.bets[betID]
	if !ok || bet.UserID != userID {
		b.mu.Unlock()
		return models.CrashBet{}, ErrBetNotFound
	}
	if bet.Settled() {
		b.mu.Unlock()
		return models.CrashBet{}, ErrAlreadySettled
	}
	now := time.Now()
	bet.Status = models.BetCashedOut
	bet.CashOutAt = decimal.NewNullDecimal(multiplier)
	bet.WinAmount = models.CalculatePayout(bet.BetAmount, multiplier)
	bet.SettledAt = &now
	settled := *bet
	b.mu.Unlock()

	ref := WalletRef{RoundID: roundID, BetID: betID}
	creditCtx, cancel := context.WithTimeout(ctx, l.cfg.WalletTimeout)
	err = l.wallet.Credit(creditCtx, userID, settled.WinAmount, ref)
	cancel()
	if err != nil {
		l.log.Warn().Err(err).Str("bet_id", betID).Str("user_id", userID).
			Str("win", settled.WinAmount.String()).Msg("credit failed, retrying in background")
		l.creditLater(userID, settled.WinAmount, ref, err)
	}

	return settled, nil
}

// SettleLosses marks every unsettled bet of the round as lost and returns
// them. It closes the round to cash-outs first. A second call returns the
// result of the first.
func (l *BetLedger) SettleLosses(roundID string) ([]models.CrashBet, error) {
	b, err := l.book(roundID)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.settled {
		return append([]models.CrashBet(nil), b.losses...), nil
	}
	b.phase = models.RoundCrashed
	for b.pending > 0 {
		b.drained.Wait()
	}

	now := time.Now()
	losses := make([]models.CrashBet, 0)
	for _, id := range b.order {
		bet := b.bets[id]
		if bet.Settled() {
			continue
		}
		bet.Status = models.BetLost
		bet.WinAmount = decimal.Zero
		bet.CashOutAt = decimal.NullDecimal{}
		bet.SettledAt = &now
		losses = append(losses, *bet)
	}
	b.settled = true
	b.losses = losses
	return append([]models.CrashBet(nil), losses...), nil
}

// Bets returns copies of the round's bets in placement order.
func (l *BetLedger) Bets(roundID string) []models.CrashBet {
	b, err := l.book(roundID)
	if err != nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]models.CrashBet, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, *b.bets[id])
	}
	return out
}

// BetFor returns the user's bet in the round, if any.
func (l *BetLedger) BetFor(roundID, userID string) (models.CrashBet, error) {
	b, err := l.book(roundID)
	if err != nil {
		return models.CrashBet{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	id, ok := b.byUser[userID]
	if !ok {
		return models.CrashBet{}, ErrBetNotFound
	}
	bet, ok := b.bets[id]
	if !ok {
		// Placement still in flight.
		return models.CrashBet{}, ErrBetNotFound
	}
	return *bet, nil
}

// Wait blocks until every owed credit and reversal has been applied.
func (l *BetLedger) Wait() {
	l.background.Wait()
}

// Close waits for owed credits and reversals. If ctx ends first the retries
// are stopped, each operation still owed is logged and an error is returned.
func (l *BetLedger) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		l.background.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}
	l.halt()
	<-done

	owed := l.Outstanding()
	if len(owed) == 0 {
		return nil
	}
	for _, op := range owed {
		l.log.Error().Str("op", op.Op).Str("user_id", op.UserID).Str("round_id", op.Ref.RoundID).
			Str("bet_id", op.Ref.BetID).Str("amount", op.Amount.String()).Int("attempts", op.Attempts).
			Msg("wallet operation outstanding at shutdown")
	}
	return fmt.Errorf("%d wallet operations outstanding", len(owed))
}

// Outstanding lists the credits and reversals not yet applied, by bet id.
func (l *BetLedger) Outstanding() []PendingWalletOp {
	l.owedMu.Lock()
	out := make([]PendingWalletOp, 0, len(l.owed))
	for _, op := range l.owed {
		out = append(out, op)
	}
	l.owedMu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Ref.BetID != out[j].Ref.BetID {
			return out[i].Ref.BetID < out[j].Ref.BetID
		}
		return out[i].Op < out[j].Op
	})
	return out
}

func (l *BetLedger) creditLater(userID string, amount decimal.Decimal, ref WalletRef, cause error) {
	op := PendingWalletOp{Op: "credit", UserID: userID, Amount: amount, Ref: ref, Attempts: 1, LastErr: cause.Error()}
	l.retryLater(op, func(ctx context.Context) error {
		return l.wallet.Credit(ctx, userID, amount, ref)
	})
}

func (l *BetLedger) reverseLater(userID string, amount decimal.Decimal, ref WalletRef, cause error) {
	op := PendingWalletOp{Op: "reverse", UserID: userID, Amount: amount, Ref: ref, LastErr: cause.Error()}
	l.retryLater(op, func(ctx context.Context) error {
		return l.wallet.Reverse(ctx, userID, amount, ref)
	})
}

// retryLater keeps op owed until fn succeeds or the ledger is closed. The
// wallet ops are idempotent per ref, so repeating one is safe.
func (l *BetLedger) retryLater(op PendingWalletOp, fn func(context.Context) error) {
	key := op.Op + ":" + op.Ref.BetID
	l.owedMu.Lock()
	l.owed[key] = op
	l.owedMu.Unlock()

	l.background.Add(1)
	go func() {
		defer l.background.Done()
		attempts, err := l.cfg.Retry.Forever(l.stop, l.cfg.WalletTimeout, fn, func(attempt int, err error) {
			l.owedMu.Lock()
			pending := l.owed[key]
			pending.Attempts++
			pending.LastErr = err.Error()
			l.owed[key] = pending
			l.owedMu.Unlock()

			if attempt == l.cfg.Retry.MaxAttempts {
				l.log.Error().Err(err).Str("op", op.Op).Str("round_id", op.Ref.RoundID).Str("bet_id", op.Ref.BetID).
					Int("attempts", attempt).Msg("wallet operation still failing, will keep retrying")
			}
		})
		if err != nil {
			return
		}

		l.owedMu.Lock()
		delete(l.owed, key)
		l.owedMu.Unlock()
		l.log.Info().Str("op", op.Op).Str("bet_id", op.Ref.BetID).Int("attempts", attempts).Msg("wallet operation applied")
	}()
}

// isTimeout reports whether err leaves the outcome of a wallet call unknown.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
