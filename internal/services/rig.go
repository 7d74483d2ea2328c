package services

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"crash-round-backend/internal/models"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// RigController owns the operator rig configuration. Readers get an immutable
// copy; writers are serialized and bump Version on every change.
type RigController struct {
	mu       sync.Mutex
	current  atomic.Pointer[models.RigSettings]
	onChange func(models.RigSettings)
	log      zerolog.Logger
}

func NewRigController(log zerolog.Logger) *RigController {
	rc := &RigController{log: log}
	initial := models.DefaultRigSettings()
	rc.current.Store(&initial)
	return rc
}

// Load replaces the settings with a persisted row at startup. It does not
// trigger OnChange.
func (rc *RigController) Load(s models.RigSettings) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	s.ID = models.RigSettingsID
	rc.current.Store(&s)
}

// OnChange registers a callback run after every mutation, outside the lock.
func (rc *RigController) OnChange(fn func(models.RigSettings)) {
	rc.mu.Lock()
	rc.onChange = fn
	rc.mu.Unlock()
}

func (rc *RigController) Settings() models.RigSettings {
	return *rc.current.Load()
}

// Snapshot is the copy a round captures at creation.
func (rc *RigController) Snapshot() models.RigSettings {
	return rc.Settings()
}

func (rc *RigController) SetPercentageTargets(t models.PercentageTargets) error {
	if err := models.Validate(t); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRigConfig, err)
	}
	if err := checkTargetsConsistent(t); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRigConfig, err)
	}

	rc.mutate(func(s *models.RigSettings) {
		s.RigMode = models.RigPercentage
		s.Under101Percent = t.Under101
		s.Under11Percent = t.Under11
		s.Under15Percent = t.Under15
		s.Under2Percent = t.Under2
		s.Over10Percent = t.Over10
		s.Over50Percent = t.Over50
		s.RiggedRoundsRemaining = 0
	})
	rc.log.Info().Interface("targets", t).Msg("percentage rig armed")
	return nil
}

func (rc *RigController) ArmRiggedRounds(count int, mode models.RiggedMode, maxMultiplier decimal.Decimal) error {
	cmd := models.RiggedRoundsCommand{Count: count, Mode: mode, MaxMultiplier: maxMultiplier}
	if err := models.Validate(cmd); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRigConfig, err)
	}

	rc.mutate(func(s *models.RigSettings) {
		s.RigMode = models.RigRounds
		s.RiggedRoundsRemaining = count
		s.RiggedMode = mode
		s.RiggedMaxMultiplier = maxMultiplier.Truncate(2)
	})
	rc.log.Info().Int("count", count).Str("mode", string(mode)).Str("max", maxMultiplier.String()).Msg("rigged rounds armed")
	return nil
}

func (rc *RigController) Disable() {
	rc.mutate(func(s *models.RigSettings) {
		s.RigMode = models.RigOff
		s.RiggedRoundsRemaining = 0
	})
	rc.log.Info().Msg("rig disabled")
}

// CompleteRiggedRound decrements the remaining count after a forced round
// finished. usedVersion is the Version of the snapshot the round was generated
// from; if an operator changed the settings since, the new configuration is
// left alone.
func (rc *RigController) CompleteRiggedRound(usedVersion int64) (remaining int, applied bool) {
	rc.mu.Lock()
	cur := *rc.current.Load()
	if cur.Version != usedVersion || cur.RigMode != models.RigRounds || cur.RiggedRoundsRemaining <= 0 {
		rc.mu.Unlock()
		return cur.RiggedRoundsRemaining, false
	}
	cur.RiggedRoundsRemaining--
	if cur.RiggedRoundsRemaining == 0 {
		cur.RigMode = models.RigOff
	}
	cur = rc.storeLocked(cur)
	fn := rc.onChange
	rc.mu.Unlock()

	if fn != nil {
		fn(cur)
	}
	return cur.RiggedRoundsRemaining, true
}

func (rc *RigController) mutate(apply func(*models.RigSettings)) {
	rc.mu.Lock()
	next := *rc.current.Load()
	apply(&next)
	next = rc.storeLocked(next)
	fn := rc.onChange
	rc.mu.Unlock()

	if fn != nil {
		fn(next)
	}
}

func (rc *RigController) storeLocked(next models.RigSettings) models.RigSettings {
	next.ID = models.RigSettingsID
	next.Version++
	next.UpdatedAt = time.Now()
	rc.current.Store(&next)
	return next
}

// checkTargetsConsistent rejects target sets no sequence of crash points can
// satisfy. Zero targets are unconstrained and skipped.
func checkTargetsConsistent(t models.PercentageTargets) error {
	under := []struct {
		name string
		v    decimal.Decimal
	}{
		{"under_101", t.Under101},
		{"under_11", t.Under11},
		{"under_15", t.Under15},
		{"under_2", t.Under2},
	}

	// Every crash under 1.01x is also under 1.1x, and so on up the ladder.
	prev := -1
	for i, b := range under {
		if b.v.IsZero() {
			continue
		}
		if prev >= 0 && b.v.LessThan(under[prev].v) {
			return fmt.Errorf("%s (%s) must be >= %s (%s)", b.name, b.v, under[prev].name, under[prev].v)
		}
		prev = i
	}
	if !t.Over10.IsZero() && !t.Over50.IsZero() && t.Over50.GreaterThan(t.Over10) {
		return fmt.Errorf("over_50 (%s) must be <= over_10 (%s)", t.Over50, t.Over10)
	}

	widestUnder := decimal.Zero
	if prev >= 0 {
		widestUnder = under[prev].v
	}
	widestOver := t.Over50
	if !t.Over10.IsZero() {
		widestOver = t.Over10
	}
	// The under-2x and over-10x buckets are disjoint.
	if widestUnder.Add(widestOver).GreaterThan(decimal.NewFromInt(100)) {
		return fmt.Errorf("under and over targets add up to more than 100%%")
	}
	return nil
}
