// Package retry implements the bounded exponential-backoff policy shared by
// the transcode, upload, and webhook stages. Each stage instantiates its own
// policy with its own attempt budget and retryable-error predicate; budgets
// never leak across stages.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Policy describes one stage's retry behavior.
type Policy struct {
	// MaxAttempts bounds the total number of invocations, including the first.
	MaxAttempts int
	// BaseDelay seeds the exponential backoff: delay = BaseDelay * 2^attempt.
	BaseDelay time.Duration
	// MaxDelay caps a single backoff interval. Zero means uncapped.
	MaxDelay time.Duration
	// Retryable decides whether an error is worth another attempt. A nil
	// predicate treats every error as retryable.
	Retryable func(error) bool
	// Jitter adds up to one second of randomness to each delay when set.
	Jitter bool

	// sleep is injectable for tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// DelayFor returns the backoff interval preceding the given retry, where
// attempt 0 is the delay after the first failure. Intervals increase
// monotonically until MaxDelay.
func (p Policy) DelayFor(attempt int) time.Duration {
	delay := p.BaseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// Do runs op until it succeeds, returns a non-retryable error, exhausts the
// attempt budget, or the context ends. It reports the number of attempts
// made alongside the final error.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) (int, error) {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	sleep := p.sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt, err
		}
		lastErr = op(ctx)
		if lastErr == nil {
			return attempt + 1, nil
		}
		if p.Retryable != nil && !p.Retryable(lastErr) {
			return attempt + 1, lastErr
		}
		if attempt == attempts-1 {
			break
		}
		delay := p.DelayFor(attempt)
		if p.Jitter {
			delay += time.Duration(rand.Int63n(int64(time.Second)))
		}
		if err := sleep(ctx, delay); err != nil {
			return attempt + 1, err
		}
	}
	return attempts, lastErr
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
