package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"crash-round-backend/internal/models"

	"github.com/rs/zerolog"
)

// Store is the durable storage the Persister writes through. A nil Store
// turns round, bet and rig writes into no-ops.
type Store interface {
	SaveRound(ctx context.Context, round *models.CrashRound) error
	SaveBet(ctx context.Context, bet *models.CrashBet) error
	SaveRigSettings(ctx context.Context, s *models.RigSettings) error
}

// HistorySink receives crashed round summaries.
type HistorySink interface {
	PushHistory(ctx context.Context, summary models.RoundSummary) error
}

type persistJob struct {
	kind string
	id   string
	run  func(ctx context.Context) error
}

// Persister queues writes and applies them in order on one worker, so the
// round loop never waits on storage. Each write is bounded by a timeout and
// retried with backoff.
type Persister struct {
	store   Store
	history HistorySink
	queue   chan persistJob
	timeout time.Duration
	retry   RetryPolicy
	log     zerolog.Logger

	mu      sync.Mutex
	stopped bool
	done    chan struct{}
}

func NewPersister(store Store, history HistorySink, timeout time.Duration, retry RetryPolicy, log zerolog.Logger) *Persister {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if retry.MaxAttempts == 0 {
		retry = DefaultRetryPolicy()
	}
	return &Persister{
		store:   store,
		history: history,
		queue:   make(chan persistJob, 4096),
		timeout: timeout,
		retry:   retry,
		log:     log,
		done:    make(chan struct{}),
	}
}

// Run applies queued writes until ctx is done, then drains what is left
// with a fresh deadline per write.
func (p *Persister) Run(ctx context.Context) {
	defer close(p.done)
	for {
		select {
		case job := <-p.queue:
			p.apply(ctx, job)
		case <-ctx.Done():
			p.mu.Lock()
			p.stopped = true
			p.mu.Unlock()
			p.drain()
			return
		}
	}
}

// Done is closed once Run has returned.
func (p *Persister) Done() <-chan struct{} {
	return p.done
}

func (p *Persister) drain() {
	for {
		select {
		case job := <-p.queue:
			p.apply(context.Background(), job)
		default:
			return
		}
	}
}

func (p *Persister) apply(ctx context.Context, job persistJob) {
	attempts, err := p.retry.Do(ctx, p.timeout, job.run)
	if err == nil {
		if attempts > 1 {
			p.log.Info().Str("kind", job.kind).Str("id", job.id).Int("attempts", attempts).Msg("write succeeded after retry")
		}
		return
	}
	if errors.Is(err, context.DeadlineExceeded) {
		err = errors.Join(ErrPersistenceTimeout, err)
	}
	p.log.Error().Err(err).Str("kind", job.kind).Str("id", job.id).Int("attempts", attempts).Msg("write abandoned")
}

func (p *Persister) enqueue(job persistJob) {
	p.mu.Lock()
	stopped := p.stopped
	p.mu.Unlock()
	if stopped {
		p.log.Warn().Str("kind", job.kind).Str("id", job.id).Msg("persister stopped, write dropped")
		return
	}

	select {
	case p.queue <- job:
	default:
		p.log.Warn().Str("kind", job.kind).Str("id", job.id).Msg("persist queue full, write dropped")
	}
}

func (p *Persister) SaveRound(round models.CrashRound) {
	if p.store == nil {
		return
	}
	p.enqueue(persistJob{kind: "round", id: round.ID, run: func(ctx context.Context) error {
		r := round
		return p.store.SaveRound(ctx, &r)
	}})
}

func (p *Persister) SaveBet(bet models.CrashBet) {
	if p.store == nil {
		return
	}
	p.enqueue(persistJob{kind: "bet", id: bet.ID, run: func(ctx context.Context) error {
		b := bet
		return p.store.SaveBet(ctx, &b)
	}})
}

func (p *Persister) SaveRigSettings(s models.RigSettings) {
	if p.store == nil {
		return
	}
	p.enqueue(persistJob{kind: "rig", id: s.ID, run: func(ctx context.Context) error {
		v := s
		return p.store.SaveRigSettings(ctx, &v)
	}})
}

func (p *Persister) RecordCrash(summary models.RoundSummary) {
	if p.history == nil {
		return
	}
	p.enqueue(persistJob{kind: "history", id: summary.RoundID, run: func(ctx context.Context) error {
		return p.history.PushHistory(ctx, summary)
	}})
}
