package services_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"crash-round-backend/internal/models"
	"crash-round-backend/internal/services"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

type schedulerFixture struct {
	gen    *services.MultiplierGenerator
	rig    *services.RigController
	ledger *services.BetLedger
	wallet *memWallet
	hub    *recordingHub
	sched  *services.RoundScheduler
}

func newSchedulerFixture(t *testing.T, cfg services.SchedulerConfig, hub services.Broadcaster) *schedulerFixture {
	t.Helper()
	gen, err := services.NewMultiplierGenerator(services.GeneratorConfig{
		ServerSeed:    testSeed,
		Salt:          "test-salt",
		HouseEdge:     dec("0.01"),
		MaxCrashPoint: dec("5.00"),
		GrowthRate:    3.0,
		Candidates:    4,
		HistoryWindow: 20,
	})
	if err != nil {
		t.Fatalf("Failed to create generator: %v", err)
	}

	if cfg.BettingWindow == 0 {
		cfg.BettingWindow = 150 * time.Millisecond
	}
	if cfg.StartingDelay == 0 {
		cfg.StartingDelay = 20 * time.Millisecond
	}
	if cfg.TickInterval == 0 {
		cfg.TickInterval = 5 * time.Millisecond
	}
	if cfg.Cooldown == 0 {
		cfg.Cooldown = 20 * time.Millisecond
	}
	if cfg.StallTimeout == 0 {
		cfg.StallTimeout = time.Second
	}
	cfg.MinBet = dec("0.10")
	cfg.MaxBet = dec("1000")

	f := &schedulerFixture{
		gen:    gen,
		rig:    services.NewRigController(zerolog.Nop()),
		wallet: newMemWallet(),
		hub:    &recordingHub{},
	}
	f.ledger = newLedger(f.wallet)
	if hub == nil {
		hub = f.hub
	}
	f.sched = services.NewRoundScheduler(cfg, f.gen, f.rig, f.ledger, hub, nil, zerolog.Nop())
	return f
}

// firstRoundReaching returns the first round number whose natural crash
// point is at least m.
func firstRoundReaching(gen *services.MultiplierGenerator, m string) int64 {
	for n := int64(1); ; n++ {
		if gen.NaturalCrashPoint(n).GreaterThanOrEqual(dec(m)) {
			return n
		}
	}
}

func (f *schedulerFixture) phase() models.RoundStatus {
	return f.sched.Snapshot().Phase
}

func TestSchedulerRoundLifecycle(t *testing.T) {
	f := newSchedulerFixture(t, services.SchedulerConfig{}, nil)
	n := firstRoundReaching(f.gen, "2.00")
	crashPoint := f.gen.NaturalCrashPoint(n)
	f.sched.ResumeAfter(n - 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.sched.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	waitFor(t, time.Second, "betting phase", func() bool { return f.phase() == models.RoundBetting })
	view := f.sched.Snapshot()
	if view.RoundNumber != n || view.CrashPoint != nil {
		t.Fatalf("Unexpected betting snapshot: %+v", view.SnapshotData)
	}

	betA, err := f.sched.PlaceBet(ctx, alice, dec("10.00"))
	if err != nil {
		t.Fatalf("Failed to place bet A: %v", err)
	}
	if _, err := f.sched.PlaceBet(ctx, bob, dec("10.00")); err != nil {
		t.Fatalf("Failed to place bet B: %v", err)
	}
	if _, err := f.sched.PlaceBet(ctx, models.Player{ID: "c"}, dec("0.01")); !errors.Is(err, services.ErrInvalidBet) {
		t.Errorf("Expected ErrInvalidBet below minimum, got %v", err)
	}
	if _, err := f.sched.CashOut(ctx, alice, betA.ID); !errors.Is(err, services.ErrInvalidPhase) {
		t.Errorf("Expected ErrInvalidPhase for cash out while betting, got %v", err)
	}

	waitFor(t, 2*time.Second, "multiplier 1.20", func() bool {
		v := f.sched.Snapshot()
		return v.Phase == models.RoundActive && v.CurrentMultiplier.GreaterThanOrEqual(dec("1.20"))
	})

	carol := models.Player{ID: "user-c", Username: "carol"}
	if _, err := f.sched.PlaceBet(ctx, carol, dec("10.00")); !errors.Is(err, services.ErrInvalidPhase) {
		t.Errorf("Expected ErrInvalidPhase for late bet, got %v", err)
	}
	if got := f.wallet.Balance(carol.ID); !got.Equal(dec("100")) {
		t.Errorf("Late bet changed balance to %s", got)
	}

	res, err := f.sched.CashOut(ctx, alice, betA.ID)
	if err != nil {
		t.Fatalf("Failed to cash out: %v", err)
	}
	if !res.Multiplier.LessThan(crashPoint) {
		t.Errorf("Cashed out at %s, not below crash point %s", res.Multiplier, crashPoint)
	}
	if want := dec("10.00").Mul(res.Multiplier).Round(2); !res.Payout.Equal(want) {
		t.Errorf("Expected payout %s, got %s", want, res.Payout)
	}
	if _, err := f.sched.CashOut(ctx, alice, betA.ID); !errors.Is(err, services.ErrAlreadySettled) {
		t.Errorf("Expected ErrAlreadySettled on second cash out, got %v", err)
	}

	waitFor(t, 3*time.Second, "crash", func() bool { return len(f.sched.History(0)) == 1 })

	hist := f.sched.History(0)
	if hist[0].RoundNumber != n || !hist[0].CrashPoint.Equal(crashPoint) {
		t.Errorf("Unexpected history entry %+v", hist[0])
	}
	if got := f.wallet.Balance(alice.ID); !got.Equal(dec("90.00").Add(res.Payout)) {
		t.Errorf("Expected alice balance %s, got %s", dec("90.00").Add(res.Payout), got)
	}
	if got := f.wallet.Balance(bob.ID); !got.Equal(dec("90.00")) {
		t.Errorf("Expected bob balance 90.00, got %s", got)
	}

	checkRoundEvents(t, f.hub.Messages(), crashPoint)
}

// checkRoundEvents verifies the first round's event order and that ticks
// only increase and stay below the crash point.
func checkRoundEvents(t *testing.T, msgs []models.Message, crashPoint decimal.Decimal) {
	t.Helper()
	order := []models.MessageType{models.MsgBettingOpened, models.MsgGameStarting, models.MsgGameStarted, models.MsgGameCrashed}
	idx := 0
	last := decimal.Zero
	lostSettled := false
	for _, msg := range msgs {
		if idx < len(order) && msg.Type == order[idx] {
			idx++
			continue
		}
		switch msg.Type {
		case models.MsgMultiplier:
			if idx != 3 {
				t.Fatalf("Tick outside active phase")
			}
			m := msg.Data.(models.MultiplierData).CurrentMultiplier
			if !m.GreaterThan(last) {
				t.Fatalf("Tick %s not above previous %s", m, last)
			}
			if m.GreaterThanOrEqual(crashPoint) {
				t.Fatalf("Tick %s at or above crash point %s", m, crashPoint)
			}
			last = m
		case models.MsgBetSettled:
			d := msg.Data.(models.BetSettledData)
			if d.Username == bob.Username {
				if idx != 4 || !d.WinAmount.IsZero() || d.CashOutAt.Valid {
					t.Errorf("Bob settled wrongly: %+v", d)
				}
				lostSettled = true
			}
		case models.MsgCashOutAccepted:
			if msg.UserID != alice.ID {
				t.Errorf("Cash out ack sent to %q", msg.UserID)
			}
		}
		if idx == len(order) && msg.Type == models.MsgBettingOpened {
			break
		}
	}
	if idx != len(order) {
		t.Fatalf("Lifecycle events out of order, reached step %d", idx)
	}
	if !lostSettled {
		t.Errorf("No bet_settled for the losing bet")
	}
}

func TestSchedulerRiggedRoundsConsumed(t *testing.T) {
	f := newSchedulerFixture(t, services.SchedulerConfig{BettingWindow: 20 * time.Millisecond}, nil)
	if err := f.rig.ArmRiggedRounds(2, models.RiggedUnder11x, dec("2")); err != nil {
		t.Fatalf("Failed to arm: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.sched.Run(ctx) }()

	waitFor(t, 5*time.Second, "three rounds", func() bool { return len(f.sched.History(0)) >= 3 })
	cancel()
	<-done

	hist := f.sched.History(0)
	// History is newest first.
	oldest := hist[len(hist)-1]
	second := hist[len(hist)-2]
	for _, r := range []models.RoundSummary{oldest, second} {
		if r.CrashPoint.GreaterThan(dec("1.09")) {
			t.Errorf("Rigged round %d crashed at %s", r.RoundNumber, r.CrashPoint)
		}
	}
	s := f.rig.Settings()
	if s.RiggedRoundsRemaining != 0 || s.RigMode != models.RigOff {
		t.Errorf("Expected rig consumed, got mode %s remaining %d", s.RigMode, s.RiggedRoundsRemaining)
	}
}

// stallingHub blocks the first starting event until released.
type stallingHub struct {
	recordingHub
	stalled atomic.Bool
	release chan struct{}
}

func (h *stallingHub) Publish(msg models.Message) {
	if msg.Type == models.MsgGameStarting && h.stalled.CompareAndSwap(false, true) {
		<-h.release
	}
	h.recordingHub.Publish(msg)
}

func TestSuperviseAbortsStalledRound(t *testing.T) {
	hub := &stallingHub{release: make(chan struct{})}
	f := newSchedulerFixture(t, services.SchedulerConfig{
		BettingWindow: 50 * time.Millisecond,
		StallTimeout:  100 * time.Millisecond,
	}, hub)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		f.sched.Supervise(ctx)
		close(stopped)
	}()

	waitFor(t, time.Second, "betting phase", func() bool { return f.phase() == models.RoundBetting })
	bet, err := f.sched.PlaceBet(ctx, alice, dec("10.00"))
	if err != nil {
		t.Fatalf("Failed to place bet: %v", err)
	}

	waitFor(t, 3*time.Second, "stalled round settled", func() bool {
		for _, msg := range hub.Messages() {
			if d, ok := msg.Data.(models.BetSettledData); ok && d.BetID == bet.ID {
				return d.WinAmount.IsZero()
			}
		}
		return false
	})

	// The cycle restarts with a new round.
	waitFor(t, 3*time.Second, "next round", func() bool {
		v := f.sched.Snapshot()
		return v.RoundID != bet.RoundID && v.RoundNumber == 2
	})

	close(hub.release)
	cancel()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Supervise did not stop")
	}

	if got := f.wallet.Balance(alice.ID); !got.Equal(dec("90.00")) {
		t.Errorf("Expected stalled bet lost once, balance %s", got)
	}
	if len(f.sched.History(0)) < 1 {
		t.Errorf("Aborted round missing from history")
	}
}
