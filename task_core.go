package fleetagent

import (
	"context"
	"time"

	"github.com/httprunner/FleetAgent/pkg/fleet"
	"github.com/httprunner/FleetAgent/pkg/secondfactor"
)

// AutomationOutcome 自动化能力返回的三态结果。
type AutomationOutcome string

const (
	OutcomeSuccess        AutomationOutcome = "success"
	OutcomeChallenge      AutomationOutcome = "challenge"
	OutcomeTransientError AutomationOutcome = "transient_error"
)

// AutomationRequest is handed to the automation capability for one task.
type AutomationRequest struct {
	DeviceSerial string         `json:"device_serial"`
	TaskID       string         `json:"task_id"`
	TaskType     fleet.TaskType `json:"task_type"`
	Params       fleet.Params   `json:"params"`
	Code         string         `json:"code,omitempty"`
}

// AutomationResult is the structured answer of the automation capability.
// Only Outcome drives classification; Message is kept for operators.
type AutomationResult struct {
	Outcome AutomationOutcome `json:"outcome"`
	Message string            `json:"message,omitempty"`
}

// Automation drives the target application on a device. It is opaque to the engine.
type Automation interface {
	Run(ctx context.Context, req AutomationRequest) (AutomationResult, error)
}

// AutomationFunc adapts a function to Automation.
type AutomationFunc func(ctx context.Context, req AutomationRequest) (AutomationResult, error)

func (f AutomationFunc) Run(ctx context.Context, req AutomationRequest) (AutomationResult, error) {
	return f(ctx, req)
}

// DeviceSession is an exclusive automation session on one device.
type DeviceSession interface {
	Close() error
}

// DeviceConnector 建立设备会话并校验设备可响应。
type DeviceConnector interface {
	Connect(ctx context.Context, serial string) (DeviceSession, error)
}

// TaskStore 定义执行引擎依赖的任务队列能力。
type TaskStore interface {
	GetTask(ctx context.Context, id string) (*fleet.Task, error)
	ListTasks(ctx context.Context, filter fleet.TaskFilter) ([]*fleet.Task, error)
	Transition(ctx context.Context, id string, to fleet.TaskStatus, result fleet.TransitionResult) (*fleet.Task, error)
	IncrementRetry(ctx context.Context, id string) (int, error)
	Requeue(ctx context.Context, id string) (*fleet.Task, error)
}

// AccountStore 读取账号并回写账号状态。
type AccountStore interface {
	GetAccount(ctx context.Context, id string) (*fleet.Account, error)
	UpdateAccountStatus(ctx context.Context, id string, status fleet.AccountStatus, lastRunAt *time.Time) error
}

// SessionLogger 记录执行会话与动作，只追加不修改。
type SessionLogger interface {
	OpenSession(ctx context.Context, deviceSerial, accountID, taskID string) (string, error)
	LogAction(ctx context.Context, sessionID, action, target string, success bool, errText string) error
	CloseSession(ctx context.Context, sessionID string, status fleet.SessionStatus, summary string) error
}

// TokenRecorder keeps second factor token bookkeeping.
type TokenRecorder interface {
	RecordTokenUse(ctx context.Context, token, accountID, deviceSerial string) error
	MarkTokenInvalid(ctx context.Context, token, accountID, deviceSerial string) error
}

// CodeProvider resolves a second factor token into a one-time code.
type CodeProvider interface {
	GetCode(ctx context.Context, token string, opts secondfactor.Options) (string, error)
}

// EligibilityChecker decides whether an account may run now.
type EligibilityChecker interface {
	IsEligibleNow(account *fleet.Account, now time.Time) bool
	HasCooldownElapsed(ctx context.Context, account *fleet.Account, now time.Time, cooldown time.Duration) (bool, error)
}
