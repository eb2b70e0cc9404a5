// Package window decides whether an account may run right now, based on its
// active time-of-day windows and the last session recorded for it.
package window

import (
	"context"
	"time"

	"github.com/httprunner/FleetAgent/pkg/fleet"
	"github.com/pkg/errors"
)

// DefaultCooldown prevents running the same account twice in one scheduling pass.
const DefaultCooldown = time.Hour

// SessionHistory looks up the most recent session start for a (device, account) pair.
type SessionHistory interface {
	LastSessionStart(ctx context.Context, deviceSerial, accountID string) (time.Time, bool, error)
}

// Scheduler evaluates account eligibility.
type Scheduler struct {
	history  SessionHistory
	location *time.Location
}

// NewScheduler builds a Scheduler. loc defaults to time.Local.
func NewScheduler(history SessionHistory, loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.Local
	}
	return &Scheduler{history: history, location: loc}
}

// IsEligibleNow reports whether any of the account's windows contains now.
func (s *Scheduler) IsEligibleNow(account *fleet.Account, now time.Time) bool {
	if account == nil {
		return false
	}
	return InWindows(account.Windows, s.hour(now))
}

// InWindows reports whether hour falls inside any window. No windows, or all
// windows (0,0), means always eligible.
func InWindows(windows []fleet.Window, hour int) bool {
	if alwaysOn(windows) {
		return true
	}
	for _, w := range windows {
		if contains(w, hour) {
			return true
		}
	}
	return false
}

func alwaysOn(windows []fleet.Window) bool {
	for _, w := range windows {
		if w.StartHour != 0 || w.EndHour != 0 {
			return false
		}
	}
	return true
}

func contains(w fleet.Window, hour int) bool {
	if w.StartHour < w.EndHour {
		return hour >= w.StartHour && hour < w.EndHour
	}
	// wraps past midnight
	return hour >= w.StartHour || hour < w.EndHour
}

// HasCooldownElapsed reports whether at least cooldown passed since the last
// session started for the account on its device.
func (s *Scheduler) HasCooldownElapsed(ctx context.Context, account *fleet.Account, now time.Time, cooldown time.Duration) (bool, error) {
	if account == nil {
		return false, errors.New("window: account is nil")
	}
	if cooldown <= 0 || s.history == nil {
		return true, nil
	}
	last, ok, err := s.history.LastSessionStart(ctx, account.DeviceSerial, account.ID)
	if err != nil {
		return false, errors.Wrapf(err, "lookup last session for account %s", account.ID)
	}
	if !ok {
		return true, nil
	}
	return now.Sub(last) >= cooldown, nil
}

// NextEligible returns the earliest whole hour at or after now at which the
// account is eligible, searching one day ahead.
func (s *Scheduler) NextEligible(account *fleet.Account, now time.Time) (time.Time, bool) {
	if account == nil {
		return time.Time{}, false
	}
	local := now.In(s.location)
	if InWindows(account.Windows, local.Hour()) {
		return now, true
	}
	next := time.Date(local.Year(), local.Month(), local.Day(), local.Hour(), 0, 0, 0, s.location)
	for i := 0; i < 24; i++ {
		next = next.Add(time.Hour)
		if InWindows(account.Windows, next.Hour()) {
			return next, true
		}
	}
	return time.Time{}, false
}

func (s *Scheduler) hour(now time.Time) int {
	return now.In(s.location).Hour()
}
