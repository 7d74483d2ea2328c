package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"crash-round-backend/internal/models"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

type SchedulerConfig struct {
	BettingWindow time.Duration
	StartingDelay time.Duration
	TickInterval  time.Duration
	Cooldown      time.Duration
	StallTimeout  time.Duration
	MinBet        decimal.Decimal
	MaxBet        decimal.Decimal
	HistorySize   int
}

// RoundScheduler drives one round at a time through betting, starting,
// active and crashed. Phase changes and ticks happen on the Run goroutine
// only; request handlers read the live round under mu and act through the
// ledger.
type RoundScheduler struct {
	cfg      SchedulerConfig
	gen      *MultiplierGenerator
	rig      *RigController
	ledger   *BetLedger
	hub      Broadcaster
	recorder RoundRecorder
	log      zerolog.Logger

	mu         sync.RWMutex
	live       *liveRound
	recent     []models.RoundSummary
	nextNumber int64

	// Unix nanos by which the loop must report progress.
	deadline atomic.Int64
}

type liveRound struct {
	round      models.CrashRound
	outcome    Outcome
	multiplier decimal.Decimal
	activeAt   time.Time
	phaseEnds  time.Time
	finishing  bool
}

func NewRoundScheduler(cfg SchedulerConfig, gen *MultiplierGenerator, rig *RigController, ledger *BetLedger, hub Broadcaster, recorder RoundRecorder, log zerolog.Logger) *RoundScheduler {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 50
	}
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = 5 * time.Second
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &RoundScheduler{
		cfg:        cfg,
		gen:        gen,
		rig:        rig,
		ledger:     ledger,
		hub:        hub,
		recorder:   recorder,
		log:        log,
		nextNumber: 1,
	}
}

// ResumeAfter makes the next round number follow the last persisted one.
func (s *RoundScheduler) ResumeAfter(lastRoundNumber int64) {
	s.mu.Lock()
	s.nextNumber = lastRoundNumber + 1
	s.mu.Unlock()
}

// Run plays rounds back to back until ctx is done.
func (s *RoundScheduler) Run(ctx context.Context) error {
	for {
		if err := s.runRound(ctx); err != nil {
			return err
		}
		if err := s.wait(ctx, s.cfg.Cooldown); err != nil {
			return err
		}
	}
}

func (s *RoundScheduler) runRound(ctx context.Context) error {
	lr := s.openRound()
	id := lr.round.ID

	if err := s.wait(ctx, s.cfg.BettingWindow); err != nil {
		return err
	}

	s.mu.Lock()
	lr.round.Status = models.RoundStarting
	lr.phaseEnds = time.Now().Add(s.cfg.StartingDelay)
	round := lr.round
	s.mu.Unlock()

	// Lock waits for admitted placements, each bounded by the wallet timeout.
	s.expect(0)
	if err := s.ledger.Lock(id); err != nil {
		return err
	}
	s.recorder.SaveRound(round)
	s.hub.Publish(models.Message{Type: models.MsgGameStarting, Data: models.StartingData{
		RoundID:     id,
		CountdownMs: s.cfg.StartingDelay.Milliseconds(),
	}})

	if err := s.wait(ctx, s.cfg.StartingDelay); err != nil {
		return err
	}

	if err := s.ledger.Activate(id); err != nil {
		return err
	}
	s.mu.Lock()
	lr.round.Status = models.RoundActive
	lr.activeAt = time.Now()
	lr.phaseEnds = time.Time{}
	lr.multiplier = decimal.New(100, -2)
	activeAt := lr.activeAt
	round = lr.round
	s.mu.Unlock()

	s.recorder.SaveRound(round)
	s.hub.Publish(models.Message{Type: models.MsgGameStarted, Data: models.StartedData{RoundID: id}})
	s.log.Debug().Int64("round", round.RoundNumber).Msg("round active")

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	s.expect(s.cfg.TickInterval)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			s.expect(s.cfg.TickInterval)

			elapsed := now.Sub(activeAt)
			m := s.gen.MultiplierAt(elapsed)
			if m.GreaterThanOrEqual(round.CrashPoint) {
				s.finishRound(lr, true)
				return nil
			}

			s.mu.Lock()
			if lr.finishing {
				s.mu.Unlock()
				return errRoundStalled
			}
			lr.multiplier = m
			s.mu.Unlock()

			s.hub.Publish(models.Message{Type: models.MsgMultiplier, Data: models.MultiplierData{
				RoundID:           id,
				CurrentMultiplier: m,
				ElapsedMs:         elapsed.Milliseconds(),
			}})
		}
	}
}

// openRound creates the next round with its crash point fixed from the rig
// snapshot taken now.
func (s *RoundScheduler) openRound() *liveRound {
	rig := s.rig.Snapshot()

	s.mu.Lock()
	number := s.nextNumber
	s.nextNumber++
	prev := s.live
	s.mu.Unlock()

	if prev != nil {
		s.ledger.Release(prev.round.ID)
	}

	out := s.gen.Generate(number, rig)
	now := time.Now()
	lr := &liveRound{
		round: models.CrashRound{
			ID:             models.NewID(),
			RoundNumber:    number,
			CrashPoint:     out.CrashPoint,
			ServerSeedHash: out.SeedHash,
			Rigged:         out.Rigged(),
			StartTime:      now,
			Status:         models.RoundBetting,
		},
		outcome:    out,
		multiplier: decimal.New(100, -2),
		phaseEnds:  now.Add(s.cfg.BettingWindow),
	}
	s.ledger.Open(lr.round.ID)

	s.mu.Lock()
	s.live = lr
	s.mu.Unlock()

	s.recorder.SaveRound(lr.round)
	s.hub.Publish(models.Message{Type: models.MsgBettingOpened, Data: models.BettingOpenedData{
		RoundID:     lr.round.ID,
		RoundNumber: number,
		CountdownMs: s.cfg.BettingWindow.Milliseconds(),
		ServerHash:  out.SeedHash,
	}})

	ev := s.log.Info().Int64("round", number).Str("round_id", lr.round.ID)
	if out.Rigged() {
		ev = ev.Str("path", string(out.Path)).Int64("rig_version", out.SettingsVersion)
	}
	ev.Msg("betting opened")
	return lr
}

// finishRound crashes the round, settles the remaining bets as losses and
// records the result. Only the first caller for a round does anything.
func (s *RoundScheduler) finishRound(lr *liveRound, completed bool) {
	s.mu.Lock()
	if lr.finishing {
		s.mu.Unlock()
		return
	}
	lr.finishing = true
	lr.round.Status = models.RoundCrashed
	lr.phaseEnds = time.Time{}
	id := lr.round.ID
	s.mu.Unlock()

	losses, err := s.ledger.SettleLosses(id)
	if err != nil {
		s.log.Error().Err(err).Str("round_id", id).Msg("failed to settle losses")
	}

	now := time.Now()
	s.mu.Lock()
	lr.round.EndTime = &now
	round := lr.round
	summary := models.RoundSummary{
		RoundID:     round.ID,
		RoundNumber: round.RoundNumber,
		CrashPoint:  round.CrashPoint,
		SeedHash:    round.ServerSeedHash,
		EndedAt:     now,
	}
	s.recent = append([]models.RoundSummary{summary}, s.recent...)
	if len(s.recent) > s.cfg.HistorySize {
		s.recent = s.recent[:s.cfg.HistorySize]
	}
	s.mu.Unlock()

	s.hub.Publish(models.Message{Type: models.MsgGameCrashed, Data: models.CrashedData{
		RoundID:    id,
		CrashPoint: round.CrashPoint,
	}})
	for _, bet := range losses {
		s.hub.Publish(models.Message{Type: models.MsgBetSettled, Data: betSettled(bet)})
		s.recorder.SaveBet(bet)
	}
	s.recorder.SaveRound(round)
	s.recorder.RecordCrash(summary)

	if completed && lr.outcome.Path == PathRounds {
		remaining, applied := s.rig.CompleteRiggedRound(lr.outcome.SettingsVersion)
		s.log.Info().Int("remaining", remaining).Bool("applied", applied).Msg("rigged round completed")
	}

	s.log.Info().Int64("round", round.RoundNumber).Str("crash_point", round.CrashPoint.StringFixed(2)).
		Int("losses", len(losses)).Bool("completed", completed).Msg("round crashed")
}

// Supervise runs the round loop and restarts it when it panics, returns an
// error or stops reporting progress. The live round of a failed loop is
// crashed with its outstanding bets settled as losses.
func (s *RoundScheduler) Supervise(ctx context.Context) {
	for {
		runCtx, cancel := context.WithCancel(ctx)
		done := make(chan error, 1)
		s.expect(0)

		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("round loop panic: %v", r)
				}
			}()
			done <- s.Run(runCtx)
		}()

		exited, err := s.watch(ctx, done)
		cancel()
		if !exited {
			select {
			case <-done:
			case <-time.After(s.cfg.StallTimeout):
				s.log.Error().Msg("round loop did not exit, abandoning it")
			}
		}

		if ctx.Err() != nil {
			s.abortLive("shutdown")
			return
		}

		s.log.Error().Err(err).Msg("round loop failed, restarting cycle")
		s.abortLive(err.Error())
	}
}

func (s *RoundScheduler) watch(ctx context.Context, done <-chan error) (bool, error) {
	every := s.cfg.StallTimeout / 4
	if every < 10*time.Millisecond {
		every = 10 * time.Millisecond
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case err := <-done:
			if err == nil {
				err = errors.New("round loop returned")
			}
			return true, err
		case now := <-ticker.C:
			if dl := s.deadline.Load(); dl != 0 && now.UnixNano() > dl {
				return false, errRoundStalled
			}
		}
	}
}

func (s *RoundScheduler) abortLive(reason string) {
	s.mu.RLock()
	lr := s.live
	s.mu.RUnlock()
	if lr == nil {
		return
	}
	s.log.Warn().Str("reason", reason).Str("round_id", lr.round.ID).Msg("aborting live round")
	s.finishRound(lr, false)
}

func (s *RoundScheduler) expect(d time.Duration) {
	s.deadline.Store(time.Now().Add(d + s.cfg.StallTimeout).UnixNano())
}

func (s *RoundScheduler) wait(ctx context.Context, d time.Duration) error {
	s.expect(d)
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// PlaceBet places a bet for player in the live round.
func (s *RoundScheduler) PlaceBet(ctx context.Context, player models.Player, amount decimal.Decimal) (models.CrashBet, error) {
	req := models.PlaceBetRequest{Amount: amount}
	if err := req.Validate(s.cfg.MinBet, s.cfg.MaxBet); err != nil {
		return models.CrashBet{}, fmt.Errorf("%w: %v", ErrInvalidBet, err)
	}

	s.mu.RLock()
	lr := s.live
	if lr == nil {
		s.mu.RUnlock()
		return models.CrashBet{}, ErrNoLiveRound
	}
	if lr.round.Status != models.RoundBetting {
		s.mu.RUnlock()
		return models.CrashBet{}, ErrInvalidPhase
	}
	id := lr.round.ID
	s.mu.RUnlock()

	bet, err := s.ledger.PlaceBet(ctx, id, player, amount)
	if err != nil {
		return models.CrashBet{}, err
	}

	s.hub.Publish(models.Message{Type: models.MsgBetPlaced, Data: models.BetPlacedData{
		RoundID:  id,
		BetID:    bet.ID,
		Username: bet.Username,
		Amount:   bet.BetAmount,
	}})
	s.recorder.SaveBet(bet)
	return bet, nil
}

// CashOut settles betID at the last published multiplier.
func (s *RoundScheduler) CashOut(ctx context.Context, player models.Player, betID string) (models.CashoutResult, error) {
	s.mu.RLock()
	lr := s.live
	if lr == nil {
		s.mu.RUnlock()
		return models.CashoutResult{}, ErrNoLiveRound
	}
	if lr.round.Status != models.RoundActive || lr.multiplier.GreaterThanOrEqual(lr.round.CrashPoint) {
		s.mu.RUnlock()
		return models.CashoutResult{}, ErrInvalidPhase
	}
	id := lr.round.ID
	m := lr.multiplier
	s.mu.RUnlock()

	bet, err := s.ledger.CashOut(ctx, id, betID, player.ID, m)
	if err != nil {
		return models.CashoutResult{}, err
	}

	s.hub.Publish(models.Message{Type: models.MsgCashOutAccepted, UserID: player.ID, Data: models.CashOutAcceptedData{
		BetID:     bet.ID,
		CashOutAt: m,
		WinAmount: bet.WinAmount,
	}})
	s.hub.Publish(models.Message{Type: models.MsgBetSettled, Data: betSettled(bet)})
	s.recorder.SaveBet(bet)

	return models.CashoutResult{
		RoundID:    id,
		BetID:      bet.ID,
		Multiplier: m,
		Payout:     bet.WinAmount,
	}, nil
}

// CashOutUser cashes out the player's bet in the live round.
func (s *RoundScheduler) CashOutUser(ctx context.Context, player models.Player) (models.CashoutResult, error) {
	s.mu.RLock()
	lr := s.live
	s.mu.RUnlock()
	if lr == nil {
		return models.CashoutResult{}, ErrNoLiveRound
	}
	bet, err := s.ledger.BetFor(lr.round.ID, player.ID)
	if err != nil {
		return models.CashoutResult{}, err
	}
	return s.CashOut(ctx, player, bet.ID)
}

// Snapshot is the public view of the live round. The crash point is only
// included once the round has crashed.
func (s *RoundScheduler) Snapshot() models.RoundView {
	s.mu.RLock()
	lr := s.live
	if lr == nil {
		s.mu.RUnlock()
		return models.RoundView{
			SnapshotData: models.SnapshotData{
				Phase:             models.RoundCrashed,
				CurrentMultiplier: decimal.New(100, -2),
				ServerHash:        s.gen.ServerHash(),
			},
			Bets: []models.CrashBet{},
		}
	}
	view := models.RoundView{SnapshotData: models.SnapshotData{
		Phase:             lr.round.Status,
		RoundID:           lr.round.ID,
		RoundNumber:       lr.round.RoundNumber,
		CurrentMultiplier: lr.multiplier,
		ServerHash:        lr.round.ServerSeedHash,
	}}
	if cp, ok := lr.round.RevealedCrashPoint(); ok {
		view.CrashPoint = &cp
	}
	if !lr.phaseEnds.IsZero() {
		if left := time.Until(lr.phaseEnds); left > 0 {
			view.CountdownMs = left.Milliseconds()
		}
	}
	id := lr.round.ID
	s.mu.RUnlock()

	view.Bets = s.ledger.Bets(id)
	if view.Bets == nil {
		view.Bets = []models.CrashBet{}
	}
	return view
}

// History returns up to limit crashed rounds, newest first.
func (s *RoundScheduler) History(limit int) []models.RoundSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.recent) {
		limit = len(s.recent)
	}
	out := make([]models.RoundSummary, limit)
	copy(out, s.recent[:limit])
	return out
}

func betSettled(bet models.CrashBet) models.BetSettledData {
	return models.BetSettledData{
		RoundID:   bet.RoundID,
		BetID:     bet.ID,
		Username:  bet.Username,
		CashOutAt: bet.CashOutAt,
		WinAmount: bet.WinAmount,
	}
}
