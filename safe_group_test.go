package fleetagent

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestGoRecoverKeepsSiblingsRunning(t *testing.T) {
	sg := NewSafeGroup(context.Background())
	var finished atomic.Bool
	sg.GoRecover("crasher", func(ctx context.Context) error {
		panic("boom")
	})
	sg.GoRecover("failer", func(ctx context.Context) error {
		return errors.New("failed")
	})
	sg.GoRecover("sibling", func(ctx context.Context) error {
		time.Sleep(20 * time.Millisecond)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		finished.Store(true)
		return nil
	})
	err := sg.Wait()
	if err == nil {
		t.Fatal("expected joined failures")
	}
	if !finished.Load() {
		t.Fatal("sibling must not be canceled by a failing unit")
	}
	failures := sg.Failures()
	var panicErr *PanicError
	if !errors.As(failures["crasher"], &panicErr) || panicErr.Value != "boom" {
		t.Fatalf("expected PanicError for crasher, got %v", failures["crasher"])
	}
	if _, ok := failures["sibling"]; ok || len(failures) != 2 {
		t.Fatalf("unexpected failures: %v", failures)
	}
}

func TestGoSafeRestartsAfterPanic(t *testing.T) {
	sg := NewSafeGroup(context.Background())
	var runs atomic.Int32
	sg.GoSafe("worker", func(ctx context.Context) error {
		if runs.Add(1) == 1 {
			panic("first run")
		}
		return nil
	})
	if err := sg.Wait(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if runs.Load() != 2 {
		t.Fatalf("expected a restart after panic, runs=%d", runs.Load())
	}
}

func TestWaitOrInterruptReturnsParentError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sg := NewSafeGroup(ctx)
	block := make(chan struct{})
	defer close(block)
	sg.Go(func() error {
		<-block
		return nil
	})
	cancel()
	if err := sg.WaitOrInterrupt(10 * time.Millisecond); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
