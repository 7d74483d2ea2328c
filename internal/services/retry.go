package services

import (
	"context"
	"math"
	"math/rand"
	"time"
)

type RetryPolicy struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterFactor  float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:   6,
		BaseDelay:     200 * time.Millisecond,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
		JitterFactor:  0.1,
	}
}

// Delay is exponential backoff with jitter for the given zero-based attempt.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	delay := float64(p.BaseDelay) * math.Pow(p.BackoffFactor, float64(attempt))
	delay += delay * p.JitterFactor * (rand.Float64()*2 - 1)
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	return time.Duration(delay)
}

// Do calls fn until it succeeds, attempts run out or ctx is done. Each call
// gets its own timeout-bounded context. The last error is returned.
func (p RetryPolicy) Do(ctx context.Context, timeout time.Duration, fn func(context.Context) error) (int, error) {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for i := 0; i < attempts; i++ {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		err = fn(callCtx)
		cancel()
		if err == nil {
			return i + 1, nil
		}
		if i == attempts-1 {
			break
		}

		t := time.NewTimer(p.Delay(i))
		select {
		case <-ctx.Done():
			t.Stop()
			return i + 1, err
		case <-t.C:
		}
	}
	return attempts, err
}

// maxBackoffSteps bounds the exponent passed to Delay; MaxDelay is reached
// long before it.
const maxBackoffSteps = 32

// Forever calls fn until it succeeds or ctx is done, backing off up to
// MaxDelay between calls. onFailure, if set, sees every failed attempt.
func (p RetryPolicy) Forever(ctx context.Context, timeout time.Duration, fn func(context.Context) error, onFailure func(attempt int, err error)) (int, error) {
	for attempt := 1; ; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		err := fn(callCtx)
		cancel()
		if err == nil {
			return attempt, nil
		}
		if onFailure != nil {
			onFailure(attempt, err)
		}
		if ctx.Err() != nil {
			return attempt, err
		}

		t := time.NewTimer(p.Delay(min(attempt-1, maxBackoffSteps)))
		select {
		case <-ctx.Done():
			t.Stop()
			return attempt, err
		case <-t.C:
		}
	}
}
