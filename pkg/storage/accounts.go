package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/httprunner/FleetAgent/pkg/fleet"
	pkgerrors "github.com/pkg/errors"
)

// UpsertAccount inserts or replaces an account. Status defaults to idle.
func (s *Store) UpsertAccount(ctx context.Context, acc *fleet.Account) error {
	if acc == nil || strings.TrimSpace(acc.ID) == "" {
		return pkgerrors.Wrap(fleet.ErrValidation, "account id is empty")
	}
	for _, w := range acc.Windows {
		if w.StartHour < 0 || w.StartHour > 23 || w.EndHour < 0 || w.EndHour > 23 {
			return pkgerrors.Wrapf(fleet.ErrValidation, "account %s window %d-%d out of range", acc.ID, w.StartHour, w.EndHour)
		}
	}
	windows := acc.Windows
	if windows == nil {
		windows = []fleet.Window{}
	}
	raw, err := json.Marshal(windows)
	if err != nil {
		return pkgerrors.Wrap(err, "storage: marshal account windows failed")
	}
	status := acc.Status
	if status == "" {
		status = fleet.AccountIdle
	}
	now := toMillis(s.now())
	query := `INSERT INTO accounts (id, username, secret, device_serial, status, windows, last_run_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET username = excluded.username, secret = excluded.secret,
			device_serial = excluded.device_serial, status = excluded.status, windows = excluded.windows,
			last_run_at = COALESCE(excluded.last_run_at, accounts.last_run_at), updated_at = excluded.updated_at`
	args := []any{strings.TrimSpace(acc.ID), acc.Username, acc.Secret, strings.TrimSpace(acc.DeviceSerial),
		string(status), string(raw), nullableMillis(acc.LastRunAt), now, now}
	logStatement("upsert_account", query, args...)
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return pkgerrors.Wrapf(err, "storage: upsert account %s failed", acc.ID)
	}
	acc.Status = status
	return nil
}

// GetAccount loads one account.
func (s *Store) GetAccount(ctx context.Context, id string) (*fleet.Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, username, secret, device_serial, status, windows, last_run_at
		FROM accounts WHERE id = ?`, strings.TrimSpace(id))
	acc, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pkgerrors.Wrapf(fleet.ErrNotFound, "account %s", id)
	}
	return acc, err
}

// ListAccounts returns every account ordered by id.
func (s *Store) ListAccounts(ctx context.Context) ([]*fleet.Account, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, username, secret, device_serial, status, windows, last_run_at
		FROM accounts ORDER BY id`)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "storage: query accounts failed")
	}
	defer rows.Close()
	var out []*fleet.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, acc)
	}
	if err := rows.Err(); err != nil {
		return nil, pkgerrors.Wrap(err, "storage: iterate accounts failed")
	}
	return out, nil
}

// UpdateAccountStatus sets the account status; a non-nil lastRunAt is recorded too.
func (s *Store) UpdateAccountStatus(ctx context.Context, id string, status fleet.AccountStatus, lastRunAt *time.Time) error {
	query := `UPDATE accounts SET status = ?, last_run_at = COALESCE(?, last_run_at), updated_at = ? WHERE id = ?`
	res, err := s.db.ExecContext(ctx, query, string(status), nullableMillis(lastRunAt), toMillis(s.now()), id)
	if err != nil {
		return pkgerrors.Wrapf(err, "storage: update account %s status failed", id)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return pkgerrors.Wrapf(fleet.ErrNotFound, "account %s", id)
	}
	return nil
}

func scanAccount(row rowScanner) (*fleet.Account, error) {
	var (
		acc       fleet.Account
		status    string
		windows   string
		lastRunAt sql.NullInt64
	)
	if err := row.Scan(&acc.ID, &acc.Username, &acc.Secret, &acc.DeviceSerial, &status, &windows, &lastRunAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, pkgerrors.Wrap(err, "storage: scan account failed")
	}
	acc.Status = fleet.AccountStatus(status)
	acc.LastRunAt = fromMillis(lastRunAt)
	if strings.TrimSpace(windows) != "" {
		if err := json.Unmarshal([]byte(windows), &acc.Windows); err != nil {
			return nil, pkgerrors.Wrapf(err, "storage: decode windows of account %s", acc.ID)
		}
	}
	return &acc, nil
}

// UpsertDevices records the latest observed state of each device.
func (s *Store) UpsertDevices(ctx context.Context, devices []fleet.Device) error {
	if len(devices) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return pkgerrors.Wrap(err, "storage: begin device upsert failed")
	}
	defer tx.Rollback()
	query := `INSERT INTO devices (serial, status, last_seen_at, last_error, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(serial) DO UPDATE SET status = excluded.status,
			last_seen_at = COALESCE(excluded.last_seen_at, devices.last_seen_at),
			last_error = excluded.last_error, updated_at = excluded.updated_at`
	now := toMillis(s.now())
	for _, d := range devices {
		serial := strings.TrimSpace(d.Serial)
		if serial == "" {
			continue
		}
		status := d.Status
		if status == "" {
			status = fleet.DeviceUnknown
		}
		var seen any
		if !d.LastSeenAt.IsZero() {
			seen = toMillis(d.LastSeenAt)
		}
		if _, err := tx.ExecContext(ctx, query, serial, string(status), seen, d.LastError, now); err != nil {
			return pkgerrors.Wrapf(err, "storage: upsert device %s failed", serial)
		}
	}
	return pkgerrors.Wrap(tx.Commit(), "storage: commit device upsert failed")
}

// ListDevices returns every known device ordered by serial.
func (s *Store) ListDevices(ctx context.Context) ([]fleet.Device, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT serial, status, last_seen_at, last_error FROM devices ORDER BY serial`)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "storage: query devices failed")
	}
	defer rows.Close()
	var out []fleet.Device
	for rows.Next() {
		var (
			d      fleet.Device
			status string
			seen   sql.NullInt64
		)
		if err := rows.Scan(&d.Serial, &status, &seen, &d.LastError); err != nil {
			return nil, pkgerrors.Wrap(err, "storage: scan device failed")
		}
		d.Status = fleet.DeviceStatus(status)
		if seen.Valid {
			d.LastSeenAt = time.UnixMilli(seen.Int64)
		}
		out = append(out, d)
	}
	return out, pkgerrors.Wrap(rows.Err(), "storage: iterate devices failed")
}

// UpsertToken registers a second factor token for an account.
func (s *Store) UpsertToken(ctx context.Context, tok fleet.SecondFactorToken) error {
	token := strings.TrimSpace(tok.Token)
	if token == "" {
		return pkgerrors.Wrap(fleet.ErrValidation, "token is empty")
	}
	status := tok.Status
	if status == "" {
		status = fleet.TokenActive
	}
	query := `INSERT INTO second_factor_tokens (token, account_id, device_serial, usage_count, status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(token) DO UPDATE SET account_id = excluded.account_id, device_serial = excluded.device_serial,
			status = excluded.status, updated_at = excluded.updated_at`
	_, err := s.db.ExecContext(ctx, query, token, tok.AccountID, tok.DeviceSerial, tok.UsageCount, string(status), toMillis(s.now()))
	return pkgerrors.Wrap(err, "storage: upsert token failed")
}

// GetToken loads a token's bookkeeping row.
func (s *Store) GetToken(ctx context.Context, token string) (*fleet.SecondFactorToken, error) {
	var (
		tok    fleet.SecondFactorToken
		status string
	)
	err := s.db.QueryRowContext(ctx, `SELECT token, account_id, device_serial, usage_count, status
		FROM second_factor_tokens WHERE token = ?`, strings.TrimSpace(token)).
		Scan(&tok.Token, &tok.AccountID, &tok.DeviceSerial, &tok.UsageCount, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pkgerrors.Wrap(fleet.ErrNotFound, "second factor token")
	}
	if err != nil {
		return nil, pkgerrors.Wrap(err, "storage: query token failed")
	}
	tok.Status = fleet.TokenStatus(status)
	return &tok, nil
}

// RecordTokenUse counts a successful code fetch, creating the row on first use.
func (s *Store) RecordTokenUse(ctx context.Context, token, accountID, deviceSerial string) error {
	query := `INSERT INTO second_factor_tokens (token, account_id, device_serial, usage_count, status, updated_at)
		VALUES (?, ?, ?, 1, ?, ?)
		ON CONFLICT(token) DO UPDATE SET usage_count = second_factor_tokens.usage_count + 1, updated_at = excluded.updated_at`
	_, err := s.db.ExecContext(ctx, query, strings.TrimSpace(token), accountID, deviceSerial,
		string(fleet.TokenActive), toMillis(s.now()))
	return pkgerrors.Wrap(err, "storage: record token use failed")
}

// MarkTokenInvalid flags a token the service rejected, creating the row if needed.
func (s *Store) MarkTokenInvalid(ctx context.Context, token, accountID, deviceSerial string) error {
	query := `INSERT INTO second_factor_tokens (token, account_id, device_serial, usage_count, status, updated_at)
		VALUES (?, ?, ?, 0, ?, ?)
		ON CONFLICT(token) DO UPDATE SET status = excluded.status, updated_at = excluded.updated_at`
	_, err := s.db.ExecContext(ctx, query, strings.TrimSpace(token), accountID, deviceSerial,
		string(fleet.TokenInvalid), toMillis(s.now()))
	return pkgerrors.Wrap(err, "storage: mark token invalid failed")
}

// ActiveTokenForAccount returns the most recently updated active token bound
// to the account.
func (s *Store) ActiveTokenForAccount(ctx context.Context, accountID string) (*fleet.SecondFactorToken, error) {
	var (
		tok    fleet.SecondFactorToken
		status string
	)
	err := s.db.QueryRowContext(ctx, `SELECT token, account_id, device_serial, usage_count, status
		FROM second_factor_tokens WHERE account_id = ? AND status = ? ORDER BY updated_at DESC LIMIT 1`,
		strings.TrimSpace(accountID), string(fleet.TokenActive)).
		Scan(&tok.Token, &tok.AccountID, &tok.DeviceSerial, &tok.UsageCount, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pkgerrors.Wrapf(fleet.ErrNotFound, "active token of account %s", accountID)
	}
	if err != nil {
		return nil, pkgerrors.Wrap(err, "storage: query account token failed")
	}
	tok.Status = fleet.TokenStatus(status)
	return &tok, nil
}
