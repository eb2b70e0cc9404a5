// Package fleet holds the domain model shared by the scheduling engine and
// its storage: devices, accounts, tasks, sessions and second factor tokens.
package fleet

import "time"

// DeviceStatus 描述设备的可达状态。
type DeviceStatus string

const (
	DeviceOnline       DeviceStatus = "online"
	DeviceOffline      DeviceStatus = "offline"
	DeviceUnauthorized DeviceStatus = "unauthorized"
	DeviceUnknown      DeviceStatus = "unknown"
)

// Device is a physical automation-capable phone identified by its serial.
type Device struct {
	Serial     string
	Status     DeviceStatus
	LastSeenAt time.Time
	LastError  string
}

// AccountStatus mirrors the outcome of the account's most recent task.
type AccountStatus string

const (
	AccountIdle        AccountStatus = "idle"
	AccountQueued      AccountStatus = "queued"
	AccountRunning     AccountStatus = "running"
	AccountActive      AccountStatus = "active"
	AccountFailed      AccountStatus = "failed"
	AccountNeedsManual AccountStatus = "needs_manual"
)

// Window is an active time-of-day interval on a 24h clock. EndHour is
// exclusive; StartHour >= EndHour wraps past midnight.
type Window struct {
	StartHour int `json:"start" yaml:"start"`
	EndHour   int `json:"end" yaml:"end"`
}

// Account is a managed login bound to exactly one device.
type Account struct {
	ID           string
	Username     string
	Secret       string
	DeviceSerial string
	Status       AccountStatus
	Windows      []Window
	LastRunAt    *time.Time
}

// TaskStatus 任务状态机中的状态。
type TaskStatus string

const (
	TaskPending     TaskStatus = "pending"
	TaskRunning     TaskStatus = "running"
	TaskCompleted   TaskStatus = "completed"
	TaskFailed      TaskStatus = "failed"
	TaskNeedsManual TaskStatus = "needs_manual"
)

// Terminal reports whether the status ends the task's automatic lifecycle.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskNeedsManual:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known task status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskRunning, TaskCompleted, TaskFailed, TaskNeedsManual:
		return true
	default:
		return false
	}
}

// Task is a single device-bound automation unit.
type Task struct {
	ID           string
	AccountID    string
	DeviceSerial string
	Type         TaskType
	Params       Params
	Status       TaskStatus
	RetryCount   int
	MaxRetries   int
	Priority     int
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
	Error        string
}

// NewTask carries the inputs accepted by TaskStore.CreateTask.
type NewTask struct {
	AccountID    string
	DeviceSerial string
	Params       Params
	Priority     int
	MaxRetries   int
}

// TaskFilter narrows ListTasks. Zero values match everything.
type TaskFilter struct {
	IDs          []string
	Statuses     []TaskStatus
	DeviceSerial string
	AccountID    string
	Limit        int
}

// TransitionResult carries the result or error text written alongside a
// status transition.
type TransitionResult struct {
	Error  string
	Reason string
}

// TokenStatus 二次验证 token 状态。
type TokenStatus string

const (
	TokenActive  TokenStatus = "active"
	TokenInvalid TokenStatus = "invalid"
)

// SecondFactorToken binds a one-time-code service token to an account.
type SecondFactorToken struct {
	Token        string
	AccountID    string
	DeviceSerial string
	UsageCount   int
	Status       TokenStatus
}

// SessionStatus is the final state of an execution session.
type SessionStatus string

const (
	SessionOpen        SessionStatus = "open"
	SessionSuccess     SessionStatus = "success"
	SessionError       SessionStatus = "error"
	SessionNeedsManual SessionStatus = "needs_manual"
)

// Session records one unit of work for an account on a device.
type Session struct {
	ID           string
	DeviceSerial string
	AccountID    string
	TaskID       string
	StartedAt    time.Time
	EndedAt      *time.Time
	Status       SessionStatus
	Summary      string
}

// ActionRecord is an append-only entry describing a single action inside a session.
type ActionRecord struct {
	ID        string
	SessionID string
	Action    string
	Target    string
	Success   bool
	Error     string
	CreatedAt time.Time
}
