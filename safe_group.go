package fleetagent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// PanicError wraps a value recovered from a worker goroutine.
type PanicError struct {
	Name  string
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("%s panicked: %v", e.Name, e.Value)
}

// NewSafeGroup creates a SafeGroup backed by errgroup.WithContext.
//
// The returned SafeGroup:
//   - shares a derived context across goroutines (canceled on parent cancellation or first non-nil error from GoSafe),
//   - restarts long-running workers on panic via GoSafe,
//   - runs one-shot units via GoRecover, whose failures never cancel siblings,
//   - can wait with interruption semantics via WaitOrInterrupt.
func NewSafeGroup(ctx context.Context) *SafeGroup {
	if ctx == nil {
		ctx = context.Background()
	}
	group, groupCtx := errgroup.WithContext(ctx)
	return &SafeGroup{Group: group, ctx: groupCtx, parent: ctx, failures: make(map[string]error)}
}

// SafeGroup is an errgroup.Group with safer defaults for device lanes and
// long-running workers.
type SafeGroup struct {
	*errgroup.Group
	// ctx is the errgroup-derived context.
	ctx context.Context
	// parent is the caller-provided context (typically signal.NotifyContext).
	// WaitOrInterrupt uses it so a worker error is preserved as a real error
	// rather than being normalized into context.Canceled.
	parent context.Context

	mu       sync.Mutex
	failures map[string]error
}

// GoRecover runs a one-shot unit. A returned error or a panic is recorded
// under name and reported by Failures/Wait, but siblings keep running and the
// shared context is not canceled.
//
// Panics are printed to stderr rather than through the logger: the panic may
// come from the logger itself.
func (sg *SafeGroup) GoRecover(name string, fn func(context.Context) error) {
	if sg == nil || sg.Group == nil || fn == nil {
		return
	}
	sg.Group.Go(func() error {
		var err error
		func() {
			defer func() {
				if r := recover(); r != nil {
					stack := debug.Stack()
					_, _ = fmt.Fprintf(os.Stderr, "WARN: %s panicked: %v\n%s\n", name, r, stack)
					err = &PanicError{Name: name, Value: r, Stack: stack}
				}
			}()
			err = fn(sg.ctx)
		}()
		if err != nil {
			sg.mu.Lock()
			sg.failures[name] = err
			sg.mu.Unlock()
		}
		return nil
	})
}

// GoSafe runs fn in an errgroup goroutine, logs panics to stderr, and restarts
// the goroutine with exponential backoff.
//
// Returned errors keep errgroup semantics: a non-nil error cancels the
// group's derived context and makes Wait() return that error. Context
// cancellation stops the restart loop so Wait() can return promptly.
func (sg *SafeGroup) GoSafe(name string, fn func(context.Context) error) {
	if sg == nil || sg.Group == nil || fn == nil {
		return
	}
	sg.Group.Go(func() (err error) {
		backoff := 200 * time.Millisecond
		const maxBackoff = 30 * time.Second
		for {
			select {
			case <-sg.ctx.Done():
				return nil
			default:
			}

			panicked := false
			var recovered any
			func() {
				defer func() {
					if r := recover(); r != nil {
						panicked = true
						recovered = r
					}
				}()
				err = fn(sg.ctx)
			}()
			if !panicked {
				return err
			}

			_, _ = fmt.Fprintf(os.Stderr, "WARN: %s panicked: %v\n%s\n", name, recovered, debug.Stack())
			// deterministic jitter without math/rand
			jitter := time.Duration(0)
			if jitterMax := backoff / 2; jitterMax > 0 {
				jitter = time.Duration(time.Now().UnixNano() % int64(jitterMax))
			}
			select {
			case <-sg.ctx.Done():
				return nil
			case <-time.After(backoff + jitter):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	})
}

// Failures returns the errors recorded by GoRecover units, keyed by name.
func (sg *SafeGroup) Failures() map[string]error {
	sg.mu.Lock()
	defer sg.mu.Unlock()
	out := make(map[string]error, len(sg.failures))
	for name, err := range sg.failures {
		out[name] = err
	}
	return out
}

// Wait waits for every goroutine. The errgroup error, if any, is joined with
// the GoRecover failures in name order.
func (sg *SafeGroup) Wait() error {
	if sg == nil || sg.Group == nil {
		return nil
	}
	groupErr := sg.Group.Wait()
	failures := sg.Failures()
	names := make([]string, 0, len(failures))
	for name := range failures {
		names = append(names, name)
	}
	sort.Strings(names)
	errs := []error{groupErr}
	for _, name := range names {
		errs = append(errs, fmt.Errorf("%s: %w", name, failures[name]))
	}
	return errors.Join(errs...)
}

// WaitOrInterrupt waits for the group's goroutines to finish, but returns early
// with parent.Err() if the parent context is canceled.
//
// If gracePeriod > 0 it waits up to gracePeriod for Wait to finish after the
// interruption. Errors matching the parent's cancellation are normalized to
// parent.Err().
func (sg *SafeGroup) WaitOrInterrupt(gracePeriod time.Duration) error {
	if sg == nil || sg.Group == nil {
		return nil
	}
	ctx := sg.parent
	waitCh := make(chan error, 1)
	go func() {
		waitCh <- sg.Wait()
	}()

	select {
	case err := <-waitCh:
		return normalizeInterruptError(ctx, err)
	case <-ctx.Done():
		if gracePeriod <= 0 {
			return ctx.Err()
		}
		select {
		case err := <-waitCh:
			return normalizeInterruptError(ctx, err)
		case <-time.After(gracePeriod):
			return ctx.Err()
		}
	}
}

func normalizeInterruptError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return ctx.Err()
	}
	return err
}
