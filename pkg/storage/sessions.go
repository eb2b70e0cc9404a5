package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/httprunner/FleetAgent/pkg/fleet"
	pkgerrors "github.com/pkg/errors"
)

// OpenSession starts an execution session and returns its id.
func (s *Store) OpenSession(ctx context.Context, deviceSerial, accountID, taskID string) (string, error) {
	id := uuid.NewString()
	query := `INSERT INTO sessions (id, device_serial, account_id, task_id, started_at, status) VALUES (?, ?, ?, ?, ?, ?)`
	args := []any{id, deviceSerial, accountID, taskID, toMillis(s.now()), string(fleet.SessionOpen)}
	logStatement("open_session", query, args...)
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return "", pkgerrors.Wrap(err, "storage: open session failed")
	}
	return id, nil
}

// LogAction appends an action record to an open session.
func (s *Store) LogAction(ctx context.Context, sessionID, action, target string, success bool, errText string) error {
	query := `INSERT INTO session_actions (id, session_id, action, target, success, error, created_at)
		SELECT ?, id, ?, ?, ?, ?, ? FROM sessions WHERE id = ?`
	res, err := s.db.ExecContext(ctx, query, uuid.NewString(), action, target, boolToInt(success), errText,
		toMillis(s.now()), sessionID)
	if err != nil {
		return pkgerrors.Wrapf(err, "storage: log action %s failed", action)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return pkgerrors.Wrapf(fleet.ErrNotFound, "session %s", sessionID)
	}
	return nil
}

// CloseSession finalizes a session exactly once; closing twice is an error.
func (s *Store) CloseSession(ctx context.Context, sessionID string, status fleet.SessionStatus, summary string) error {
	if status == fleet.SessionOpen || status == "" {
		return pkgerrors.Wrap(fleet.ErrValidation, "session must close with a final status")
	}
	query := `UPDATE sessions SET status = ?, summary = ?, ended_at = ? WHERE id = ? AND status = ?`
	res, err := s.db.ExecContext(ctx, query, string(status), summary, toMillis(s.now()), sessionID, string(fleet.SessionOpen))
	if err != nil {
		return pkgerrors.Wrapf(err, "storage: close session %s failed", sessionID)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return pkgerrors.Wrapf(fleet.ErrInvalidTransition, "session %s is not open", sessionID)
	}
	return nil
}

// ListSessions returns sessions newest first; empty filters match all.
func (s *Store) ListSessions(ctx context.Context, deviceSerial, accountID string, limit int) ([]fleet.Session, error) {
	var (
		where []string
		args  []any
	)
	if deviceSerial = strings.TrimSpace(deviceSerial); deviceSerial != "" {
		where = append(where, "device_serial = ?")
		args = append(args, deviceSerial)
	}
	if accountID = strings.TrimSpace(accountID); accountID != "" {
		where = append(where, "account_id = ?")
		args = append(args, accountID)
	}
	query := `SELECT id, device_serial, account_id, task_id, started_at, ended_at, status, summary FROM sessions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY started_at DESC, rowid DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "storage: query sessions failed")
	}
	defer rows.Close()
	var out []fleet.Session
	for rows.Next() {
		var (
			sess    fleet.Session
			started int64
			ended   sql.NullInt64
			status  string
		)
		if err := rows.Scan(&sess.ID, &sess.DeviceSerial, &sess.AccountID, &sess.TaskID, &started, &ended, &status, &sess.Summary); err != nil {
			return nil, pkgerrors.Wrap(err, "storage: scan session failed")
		}
		sess.StartedAt = time.UnixMilli(started)
		sess.EndedAt = fromMillis(ended)
		sess.Status = fleet.SessionStatus(status)
		out = append(out, sess)
	}
	return out, pkgerrors.Wrap(rows.Err(), "storage: iterate sessions failed")
}

// ListActions returns the actions of a session in insertion order.
func (s *Store) ListActions(ctx context.Context, sessionID string) ([]fleet.ActionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, session_id, action, target, success, error, created_at
		FROM session_actions WHERE session_id = ? ORDER BY created_at, rowid`, sessionID)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "storage: query session actions failed")
	}
	defer rows.Close()
	var out []fleet.ActionRecord
	for rows.Next() {
		var (
			rec     fleet.ActionRecord
			success int
			created int64
		)
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.Action, &rec.Target, &success, &rec.Error, &created); err != nil {
			return nil, pkgerrors.Wrap(err, "storage: scan session action failed")
		}
		rec.Success = success != 0
		rec.CreatedAt = time.UnixMilli(created)
		out = append(out, rec)
	}
	return out, pkgerrors.Wrap(rows.Err(), "storage: iterate session actions failed")
}

// LastSessionStart returns the start time of the most recent session for the
// device/account pair. It backs the cooldown check.
func (s *Store) LastSessionStart(ctx context.Context, deviceSerial, accountID string) (time.Time, bool, error) {
	var started int64
	err := s.db.QueryRowContext(ctx, `SELECT started_at FROM sessions WHERE device_serial = ? AND account_id = ?
		ORDER BY started_at DESC LIMIT 1`, deviceSerial, accountID).Scan(&started)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, pkgerrors.Wrap(err, "storage: query last session failed")
	}
	return time.UnixMilli(started), true, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
