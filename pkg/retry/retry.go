// Package retry implements a bounded polling combinator: at most MaxAttempts
// calls, Interval apart, all within TotalTimeout.
package retry

import (
	"context"
	"errors"
	"time"

	pkgerrors "github.com/pkg/errors"
)

var (
	// ErrExhausted is returned when every attempt failed.
	ErrExhausted = errors.New("retry attempts exhausted")
	// ErrDeadline is returned when TotalTimeout elapsed before success.
	ErrDeadline = errors.New("retry total timeout exceeded")
)

// Policy bounds a polling loop.
type Policy struct {
	MaxAttempts  int
	Interval     time.Duration
	TotalTimeout time.Duration

	// Sleep waits between attempts; defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
	// Now defaults to time.Now.
	Now func() time.Time
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as non-retryable; Do returns it unwrapped immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do calls fn until it returns nil, a Permanent error, or the policy is
// exhausted. attempt is 1-based.
func Do(ctx context.Context, policy Policy, fn func(ctx context.Context, attempt int) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if fn == nil {
		return pkgerrors.New("retry: fn is nil")
	}
	maxAttempts := policy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	sleep := policy.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	now := policy.Now
	if now == nil {
		now = time.Now
	}
	var deadline time.Time
	if policy.TotalTimeout > 0 {
		deadline = now().Add(policy.TotalTimeout)
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, policy.TotalTimeout)
		defer cancel()
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		lastErr = err
		if attempt == maxAttempts {
			break
		}
		if !deadline.IsZero() && !now().Add(policy.Interval).Before(deadline) {
			return pkgerrors.Wrapf(ErrDeadline, "after %d attempts: %v", attempt, lastErr)
		}
		if err := sleep(ctx, policy.Interval); err != nil {
			if !deadline.IsZero() && errors.Is(err, context.DeadlineExceeded) {
				return pkgerrors.Wrapf(ErrDeadline, "after %d attempts: %v", attempt, lastErr)
			}
			return err
		}
	}
	return pkgerrors.Wrapf(ErrExhausted, "after %d attempts: %v", maxAttempts, lastErr)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
