package fleet

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation rejects malformed input such as an account without a device.
	ErrValidation = errors.New("validation error")
	// ErrInvalidTransition is returned for any status change outside the state machine.
	ErrInvalidTransition = errors.New("invalid task status transition")
	// ErrNotFound is returned when a task, account or token does not exist.
	ErrNotFound = errors.New("not found")
	// ErrBatchNotFound is returned for unknown or already purged batches.
	ErrBatchNotFound = errors.New("batch not found")
)

// ErrorKind classifies failures observed while executing a task.
type ErrorKind string

const (
	KindDeviceUnreachable   ErrorKind = "device_unreachable"
	KindTransient           ErrorKind = "transient_execution_error"
	KindChallenge           ErrorKind = "challenge_encountered"
	KindInvalidSecondFactor ErrorKind = "invalid_second_factor_token"
)

// ExecError is the executor-boundary error: every failure from the device
// connection, the second factor poll or the automation call is mapped to one
// of the kinds above.
type ExecError struct {
	Kind ErrorKind
	Err  error
}

func (e *ExecError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *ExecError) Unwrap() error { return e.Err }

// NewExecError wraps err with kind.
func NewExecError(kind ErrorKind, err error) *ExecError {
	return &ExecError{Kind: kind, Err: err}
}

// KindOf extracts the ExecError kind from err, defaulting to transient.
func KindOf(err error) ErrorKind {
	var execErr *ExecError
	if errors.As(err, &execErr) && execErr != nil {
		return execErr.Kind
	}
	return KindTransient
}
