package api

import (
	"time"

	"github.com/httprunner/FleetAgent/pkg/fleet"
)

type taskView struct {
	ID           string           `json:"id"`
	AccountID    string           `json:"account_id"`
	DeviceSerial string           `json:"device_serial"`
	Type         fleet.TaskType   `json:"type"`
	Status       fleet.TaskStatus `json:"status"`
	RetryCount   int              `json:"retry_count"`
	MaxRetries   int              `json:"max_retries"`
	Priority     int              `json:"priority"`
	CreatedAt    time.Time        `json:"created_at"`
	StartedAt    *time.Time       `json:"started_at,omitempty"`
	CompletedAt  *time.Time       `json:"completed_at,omitempty"`
	Error        string           `json:"error,omitempty"`
}

func newTaskView(t *fleet.Task) taskView {
	return taskView{
		ID:           t.ID,
		AccountID:    t.AccountID,
		DeviceSerial: t.DeviceSerial,
		Type:         t.Type,
		Status:       t.Status,
		RetryCount:   t.RetryCount,
		MaxRetries:   t.MaxRetries,
		Priority:     t.Priority,
		CreatedAt:    t.CreatedAt,
		StartedAt:    t.StartedAt,
		CompletedAt:  t.CompletedAt,
		Error:        t.Error,
	}
}

func newTaskViews(tasks []*fleet.Task) []taskView {
	out := make([]taskView, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, newTaskView(t))
	}
	return out
}

// accountView never carries the account secret.
type accountView struct {
	ID             string              `json:"id"`
	Username       string              `json:"username"`
	DeviceSerial   string              `json:"device_serial"`
	Status         fleet.AccountStatus `json:"status"`
	Windows        []fleet.Window      `json:"windows"`
	LastRunAt      *time.Time          `json:"last_run_at,omitempty"`
	NextEligibleAt *time.Time          `json:"next_eligible_at,omitempty"`
}

func newAccountView(a *fleet.Account) accountView {
	windows := a.Windows
	if windows == nil {
		windows = []fleet.Window{}
	}
	return accountView{
		ID:           a.ID,
		Username:     a.Username,
		DeviceSerial: a.DeviceSerial,
		Status:       a.Status,
		Windows:      windows,
		LastRunAt:    a.LastRunAt,
	}
}

type deviceView struct {
	Serial     string             `json:"serial"`
	Status     fleet.DeviceStatus `json:"status"`
	LastSeenAt time.Time          `json:"last_seen_at"`
	LastError  string             `json:"last_error,omitempty"`
}

func newDeviceViews(devices []fleet.Device) []deviceView {
	out := make([]deviceView, 0, len(devices))
	for _, d := range devices {
		out = append(out, deviceView{Serial: d.Serial, Status: d.Status, LastSeenAt: d.LastSeenAt, LastError: d.LastError})
	}
	return out
}

type sessionView struct {
	ID           string              `json:"id"`
	DeviceSerial string              `json:"device_serial"`
	AccountID    string              `json:"account_id"`
	TaskID       string              `json:"task_id"`
	StartedAt    time.Time           `json:"started_at"`
	EndedAt      *time.Time          `json:"ended_at,omitempty"`
	Status       fleet.SessionStatus `json:"status"`
	Summary      string              `json:"summary,omitempty"`
}

type actionView struct {
	Action    string    `json:"action"`
	Target    string    `json:"target,omitempty"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
