package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

type countingSleeper struct {
	calls int
	total time.Duration
}

func (s *countingSleeper) sleep(ctx context.Context, d time.Duration) error {
	s.calls++
	s.total += d
	return nil
}

func TestDoStopsOnSuccess(t *testing.T) {
	sleeper := &countingSleeper{}
	attempts := 0
	err := Do(context.Background(), Policy{MaxAttempts: 5, Interval: time.Second, Sleep: sleeper.sleep},
		func(ctx context.Context, attempt int) error {
			attempts++
			if attempt < 3 {
				return errors.New("not ready")
			}
			return nil
		})
	if err != nil {
		t.Fatalf("Do returned error: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
	if sleeper.calls != 2 {
		t.Fatalf("expected 2 sleeps, got %d", sleeper.calls)
	}
}

func TestDoPermanentSkipsSleep(t *testing.T) {
	sentinel := errors.New("invalid")
	sleeper := &countingSleeper{}
	err := Do(context.Background(), Policy{MaxAttempts: 5, Interval: time.Second, Sleep: sleeper.sleep},
		func(ctx context.Context, attempt int) error {
			return Permanent(sentinel)
		})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel, got %v", err)
	}
	if sleeper.calls != 0 {
		t.Fatalf("expected zero sleeps, got %d", sleeper.calls)
	}
}

func TestDoExhausted(t *testing.T) {
	sleeper := &countingSleeper{}
	err := Do(context.Background(), Policy{MaxAttempts: 3, Interval: time.Millisecond, Sleep: sleeper.sleep},
		func(ctx context.Context, attempt int) error {
			return errors.New("flaky")
		})
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
	if sleeper.calls != 2 {
		t.Fatalf("expected 2 sleeps, got %d", sleeper.calls)
	}
}

func TestDoTotalTimeoutBeforeMaxAttempts(t *testing.T) {
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := func() time.Time { return clock }
	sleep := func(ctx context.Context, d time.Duration) error {
		clock = clock.Add(d)
		return nil
	}
	attempts := 0
	err := Do(context.Background(), Policy{
		MaxAttempts:  100,
		Interval:     10 * time.Second,
		TotalTimeout: 35 * time.Second,
		Sleep:        sleep,
		Now:          now,
	}, func(ctx context.Context, attempt int) error {
		attempts++
		return errors.New("not ready")
	})
	if !errors.Is(err, ErrDeadline) {
		t.Fatalf("expected ErrDeadline, got %v", err)
	}
	if attempts != 4 {
		t.Fatalf("expected 4 attempts within 35s at 10s interval, got %d", attempts)
	}
}
