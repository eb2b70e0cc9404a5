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
	"github.com/rs/zerolog/log"
)

const taskColumns = `id, account_id, device_serial, type, params, status, retry_count, max_retries,
	priority, created_at, started_at, completed_at, error`

// CreateTask inserts a pending task. An account without a device is rejected
// with fleet.ErrValidation.
func (s *Store) CreateTask(ctx context.Context, in fleet.NewTask) (*fleet.Task, error) {
	accountID := strings.TrimSpace(in.AccountID)
	serial := strings.TrimSpace(in.DeviceSerial)
	if accountID == "" {
		return nil, pkgerrors.Wrap(fleet.ErrValidation, "task account is empty")
	}
	if serial == "" {
		return nil, pkgerrors.Wrapf(fleet.ErrValidation, "account %s has no device", accountID)
	}
	if in.MaxRetries < 0 {
		return nil, pkgerrors.Wrap(fleet.ErrValidation, "max retries must not be negative")
	}
	typ, raw, err := fleet.EncodeParams(in.Params)
	if err != nil {
		return nil, err
	}

	now := s.now()
	task := &fleet.Task{
		ID:           uuid.NewString(),
		AccountID:    accountID,
		DeviceSerial: serial,
		Type:         typ,
		Params:       in.Params,
		Status:       fleet.TaskPending,
		MaxRetries:   in.MaxRetries,
		Priority:     in.Priority,
		CreatedAt:    time.UnixMilli(toMillis(now)),
	}
	query := `INSERT INTO tasks (id, account_id, device_serial, type, params, status, retry_count,
		max_retries, priority, created_at, error, updated_at) VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?, '', ?)`
	args := []any{task.ID, task.AccountID, task.DeviceSerial, string(task.Type), raw, string(task.Status),
		task.MaxRetries, task.Priority, toMillis(now), toMillis(now)}
	logStatement("create_task", query, args...)
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return nil, pkgerrors.Wrap(err, "storage: insert task failed")
	}
	return task, nil
}

// GetTask loads a task by id.
func (s *Store) GetTask(ctx context.Context, id string) (*fleet.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, strings.TrimSpace(id))
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pkgerrors.Wrapf(fleet.ErrNotFound, "task %s", id)
	}
	if err != nil {
		return nil, err
	}
	return task, nil
}

// ListTasks returns tasks ordered by priority descending, then creation time ascending.
func (s *Store) ListTasks(ctx context.Context, filter fleet.TaskFilter) ([]*fleet.Task, error) {
	var (
		where []string
		args  []any
	)
	if len(filter.IDs) > 0 {
		where = append(where, "id IN ("+placeholders(len(filter.IDs))+")")
		for _, id := range filter.IDs {
			args = append(args, strings.TrimSpace(id))
		}
	}
	if len(filter.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(filter.Statuses))+")")
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	if serial := strings.TrimSpace(filter.DeviceSerial); serial != "" {
		where = append(where, "device_serial = ?")
		args = append(args, serial)
	}
	if accountID := strings.TrimSpace(filter.AccountID); accountID != "" {
		where = append(where, "account_id = ?")
		args = append(args, accountID)
	}
	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY priority DESC, created_at ASC, seq ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	logStatement("list_tasks", query, args...)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "storage: query tasks failed")
	}
	defer rows.Close()
	var tasks []*fleet.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, pkgerrors.Wrap(err, "storage: iterate tasks failed")
	}
	return tasks, nil
}

// Transition moves a task along the state machine. The update is conditional
// on the current status, so a concurrent change surfaces as
// fleet.ErrInvalidTransition instead of being overwritten.
func (s *Store) Transition(ctx context.Context, id string, to fleet.TaskStatus, result fleet.TransitionResult) (*fleet.Task, error) {
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fleet.CheckTransition(task.Status, to); err != nil {
		return nil, pkgerrors.Wrapf(err, "task %s", id)
	}
	now := s.now()
	nowMillis := toMillis(now)
	stamp := time.UnixMilli(nowMillis)

	var (
		set  string
		args []any
	)
	switch to {
	case fleet.TaskRunning:
		set = `status = ?, started_at = ?, completed_at = NULL, error = '', updated_at = ?`
		args = []any{string(to), nowMillis, nowMillis}
		task.StartedAt = &stamp
		task.CompletedAt = nil
		task.Error = ""
	case fleet.TaskPending:
		set = `status = ?, completed_at = NULL, error = ?, updated_at = ?`
		args = []any{string(to), result.Error, nowMillis}
		task.CompletedAt = nil
		task.Error = result.Error
	default:
		set = `status = ?, completed_at = ?, error = ?, updated_at = ?`
		args = []any{string(to), nowMillis, result.Error, nowMillis}
		task.CompletedAt = &stamp
		task.Error = result.Error
	}
	query := `UPDATE tasks SET ` + set + ` WHERE id = ? AND status = ?`
	args = append(args, task.ID, string(task.Status))
	logStatement("transition", query, args...)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "storage: transition task %s failed", id)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return nil, pkgerrors.Wrapf(fleet.ErrInvalidTransition, "task %s changed concurrently (expected %s)", id, task.Status)
	}
	log.Debug().
		Str("task_id", task.ID).
		Str("from", string(task.Status)).
		Str("to", string(to)).
		Str("reason", result.Reason).
		Msg("task status transition")
	task.Status = to
	return task, nil
}

// IncrementRetry bumps retry_count without touching the status. It refuses to
// exceed max_retries.
func (s *Store) IncrementRetry(ctx context.Context, id string) (int, error) {
	query := `UPDATE tasks SET retry_count = retry_count + 1, updated_at = ? WHERE id = ? AND retry_count < max_retries`
	res, err := s.db.ExecContext(ctx, query, toMillis(s.now()), id)
	if err != nil {
		return 0, pkgerrors.Wrapf(err, "storage: increment retry for task %s failed", id)
	}
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return 0, err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return task.RetryCount, pkgerrors.Wrapf(fleet.ErrInvalidTransition,
			"task %s retry budget exhausted (%d/%d)", id, task.RetryCount, task.MaxRetries)
	}
	return task.RetryCount, nil
}

// Requeue is the explicit operator retry path: a failed or needs_manual task
// returns to pending with a fresh retry budget.
func (s *Store) Requeue(ctx context.Context, id string) (*fleet.Task, error) {
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if !fleet.CanRequeue(task.Status) {
		return nil, pkgerrors.Wrapf(fleet.ErrInvalidTransition, "task %s cannot be requeued from %s", id, task.Status)
	}
	query := `UPDATE tasks SET status = ?, retry_count = 0, started_at = NULL, completed_at = NULL,
		error = '', updated_at = ? WHERE id = ? AND status = ?`
	res, err := s.db.ExecContext(ctx, query, string(fleet.TaskPending), toMillis(s.now()), id, string(task.Status))
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "storage: requeue task %s failed", id)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return nil, pkgerrors.Wrapf(fleet.ErrInvalidTransition, "task %s changed concurrently", id)
	}
	log.Info().Str("task_id", id).Str("from", string(task.Status)).Msg("task requeued")
	task.Status = fleet.TaskPending
	task.RetryCount = 0
	task.StartedAt = nil
	task.CompletedAt = nil
	task.Error = ""
	return task, nil
}

// DeleteTask removes a task that is not currently running.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ? AND status != ?`, id, string(fleet.TaskRunning))
	if err != nil {
		return pkgerrors.Wrapf(err, "storage: delete task %s failed", id)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		if _, err := s.GetTask(ctx, id); err != nil {
			return err
		}
		return pkgerrors.Wrapf(fleet.ErrInvalidTransition, "task %s is running", id)
	}
	return nil
}

// PurgeTerminalTasks deletes terminal tasks completed before now-olderThan.
func (s *Store) PurgeTerminalTasks(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, pkgerrors.New("storage: retention must be positive")
	}
	cutoff := toMillis(s.now().Add(-olderThan))
	query := `DELETE FROM tasks WHERE status IN (?, ?, ?) AND completed_at IS NOT NULL AND completed_at < ?`
	args := []any{string(fleet.TaskCompleted), string(fleet.TaskFailed), string(fleet.TaskNeedsManual), cutoff}
	logStatement("purge_tasks", query, args...)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, pkgerrors.Wrap(err, "storage: purge terminal tasks failed")
	}
	affected, _ := res.RowsAffected()
	return affected, nil
}

// RecoverRunning returns tasks left running by a crashed process to pending
// without consuming a retry.
func (s *Store) RecoverRunning(ctx context.Context) (int64, error) {
	query := `UPDATE tasks SET status = ?, error = ?, updated_at = ? WHERE status = ?`
	res, err := s.db.ExecContext(ctx, query, string(fleet.TaskPending), "recovered after interrupted run",
		toMillis(s.now()), string(fleet.TaskRunning))
	if err != nil {
		return 0, pkgerrors.Wrap(err, "storage: recover running tasks failed")
	}
	affected, _ := res.RowsAffected()
	if affected > 0 {
		log.Warn().Int64("tasks", affected).Msg("recovered tasks left running by a previous process")
	}
	return affected, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*fleet.Task, error) {
	var (
		task        fleet.Task
		typ, status string
		raw         string
		createdAt   int64
		startedAt   sql.NullInt64
		completedAt sql.NullInt64
	)
	if err := row.Scan(&task.ID, &task.AccountID, &task.DeviceSerial, &typ, &raw, &status,
		&task.RetryCount, &task.MaxRetries, &task.Priority, &createdAt, &startedAt, &completedAt, &task.Error); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, pkgerrors.Wrap(err, "storage: scan task failed")
	}
	task.Type = fleet.TaskType(typ)
	task.Status = fleet.TaskStatus(status)
	task.CreatedAt = time.UnixMilli(createdAt)
	task.StartedAt = fromMillis(startedAt)
	task.CompletedAt = fromMillis(completedAt)
	params, err := fleet.DecodeParams(task.Type, raw)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "storage: task %s", task.ID)
	}
	task.Params = params
	return &task, nil
}
