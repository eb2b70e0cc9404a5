package fleet

import (
	"errors"
	"testing"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to TaskStatus
		want     bool
	}{
		{TaskPending, TaskRunning, true},
		{TaskRunning, TaskCompleted, true},
		{TaskRunning, TaskNeedsManual, true},
		{TaskRunning, TaskPending, true},
		{TaskRunning, TaskFailed, true},
		{TaskPending, TaskCompleted, false},
		{TaskPending, TaskFailed, false},
		{TaskCompleted, TaskPending, false},
		{TaskFailed, TaskRunning, false},
		{TaskNeedsManual, TaskPending, false},
		{TaskRunning, TaskRunning, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Fatalf("CanTransition(%s, %s)=%v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestCheckTransitionWrapsSentinel(t *testing.T) {
	err := CheckTransition(TaskCompleted, TaskRunning)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestDecodeParamsRoundsTripVariant(t *testing.T) {
	typ, raw, err := EncodeParams(LoginParams{Username: "alice", Password: "pw", SecondFactor: " tok "})
	if err != nil {
		t.Fatalf("EncodeParams: %v", err)
	}
	if typ != TaskTypeLogin {
		t.Fatalf("unexpected type %s", typ)
	}
	params, err := DecodeParams(typ, raw)
	if err != nil {
		t.Fatalf("DecodeParams: %v", err)
	}
	login, ok := params.(LoginParams)
	if !ok {
		t.Fatalf("expected LoginParams, got %T", params)
	}
	if login.SecondFactorToken() != "tok" {
		t.Fatalf("expected trimmed token, got %q", login.SecondFactorToken())
	}
	if _, err := DecodeParams("bogus", "{}"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for unknown type, got %v", err)
	}
}

func TestKindOfDefaultsToTransient(t *testing.T) {
	if KindOf(errors.New("boom")) != KindTransient {
		t.Fatal("plain errors should classify as transient")
	}
	wrapped := NewExecError(KindChallenge, errors.New("captcha"))
	if KindOf(wrapped) != KindChallenge {
		t.Fatalf("unexpected kind %s", KindOf(wrapped))
	}
}
