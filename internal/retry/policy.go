// Package retry centralizes the retry/backoff policy shared by the pipeline
// workers so that retry behavior is configured in one place and testable in
// isolation.
package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy describes a bounded exponential backoff schedule.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64
}

// DefaultPolicy returns the pipeline-wide defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    2 * time.Minute,
		Jitter:      0.2,
	}
}

func (p Policy) withDefaults() Policy {
	defaults := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaults.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = defaults.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = defaults.MaxDelay
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		p.Jitter = defaults.Jitter
	}
	return p
}

// Delay returns the wait before the given attempt becomes eligible again.
// Attempt counting starts at 1 for the first failure.
func (p Policy) Delay(attempt int) time.Duration {
	p = p.withDefaults()
	if attempt < 1 {
		attempt = 1
	}

	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			delay = p.MaxDelay
			break
		}
	}
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}

	if p.Jitter > 0 {
		spread := float64(delay) * p.Jitter
		delay += time.Duration(rand.Float64()*2*spread - spread)
		if delay < 0 {
			delay = 0
		}
	}
	return delay
}

// Exhausted reports whether the given attempt count has used up the budget.
func (p Policy) Exhausted(attempts int) bool {
	return attempts >= p.withDefaults().MaxAttempts
}

// Do runs op with bounded exponential backoff, stopping early when ctx is
// canceled. Wrap permanent failures with backoff.Permanent to stop retrying.
func (p Policy) Do(ctx context.Context, op func() error) error {
	p = p.withDefaults()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.MaxInterval = p.MaxDelay
	b.RandomizationFactor = p.Jitter

	schedule := backoff.WithContext(
		backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1)),
		ctx,
	)
	return backoff.Retry(op, schedule)
}

// Permanent marks err as non-retryable for Do.
func Permanent(err error) error {
	return backoff.Permanent(err)
}
