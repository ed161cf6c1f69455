package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDelayForGrowsMonotonicallyToCap(t *testing.T) {
	policy := Policy{BaseDelay: time.Second, MaxDelay: 10 * time.Second}

	var prev time.Duration
	for attempt := 0; attempt < 8; attempt++ {
		delay := policy.DelayFor(attempt)
		if delay < prev {
			t.Fatalf("delay shrank at attempt %d: %s < %s", attempt, delay, prev)
		}
		if delay > policy.MaxDelay {
			t.Fatalf("delay %s exceeds cap %s", delay, policy.MaxDelay)
		}
		prev = delay
	}
	if policy.DelayFor(0) != time.Second {
		t.Fatalf("first delay = %s, want 1s", policy.DelayFor(0))
	}
	if policy.DelayFor(1) != 2*time.Second {
		t.Fatalf("second delay = %s, want 2s", policy.DelayFor(1))
	}
	if policy.DelayFor(20) != 10*time.Second {
		t.Fatalf("deep delay = %s, want cap", policy.DelayFor(20))
	}
}

func TestDoStopsAfterBudget(t *testing.T) {
	boom := errors.New("boom")
	policy := Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		sleep:       func(context.Context, time.Duration) error { return nil },
	}

	calls := 0
	attempts, err := policy.Do(context.Background(), func(context.Context) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if attempts != 3 || calls != 3 {
		t.Fatalf("attempts = %d, calls = %d, want 3", attempts, calls)
	}
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	terminal := errors.New("terminal")
	policy := Policy{
		MaxAttempts: 5,
		BaseDelay:   time.Millisecond,
		Retryable:   func(err error) bool { return !errors.Is(err, terminal) },
		sleep:       func(context.Context, time.Duration) error { return nil },
	}

	attempts, err := policy.Do(context.Background(), func(context.Context) error {
		return terminal
	})
	if !errors.Is(err, terminal) {
		t.Fatalf("err = %v, want terminal", err)
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1", attempts)
	}
}

func TestDoSucceedsMidBudget(t *testing.T) {
	policy := Policy{
		MaxAttempts: 5,
		BaseDelay:   time.Millisecond,
		sleep:       func(context.Context, time.Duration) error { return nil },
	}

	calls := 0
	attempts, err := policy.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("err = %v, want nil", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestDoHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := Policy{
		MaxAttempts: 5,
		BaseDelay:   time.Millisecond,
		sleep: func(ctx context.Context, _ time.Duration) error {
			return ctx.Err()
		},
	}

	attempts, err := policy.Do(ctx, func(context.Context) error {
		cancel()
		return errors.New("transient")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1", attempts)
	}
}
