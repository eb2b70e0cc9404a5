package fleet

import "github.com/pkg/errors"

// allowedTransitions is the task state machine. Terminal statuses have no
// outgoing edges; the operator requeue path is handled separately.
var allowedTransitions = map[TaskStatus][]TaskStatus{
	TaskPending: {TaskRunning},
	TaskRunning: {TaskCompleted, TaskNeedsManual, TaskPending, TaskFailed},
}

// CanTransition reports whether from → to is permitted.
func CanTransition(from, to TaskStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition returns ErrInvalidTransition describing the rejected edge.
func CheckTransition(from, to TaskStatus) error {
	if CanTransition(from, to) {
		return nil
	}
	return errors.Wrapf(ErrInvalidTransition, "%s -> %s", from, to)
}

// CanRequeue reports whether an operator may send a terminal task back to pending.
func CanRequeue(from TaskStatus) bool {
	return from == TaskFailed || from == TaskNeedsManual
}

// AccountStatusFor maps a terminal task status to the account status it implies.
func AccountStatusFor(status TaskStatus) AccountStatus {
	switch status {
	case TaskCompleted:
		return AccountActive
	case TaskFailed:
		return AccountFailed
	case TaskNeedsManual:
		return AccountNeedsManual
	case TaskRunning:
		return AccountRunning
	default:
		return AccountIdle
	}
}
