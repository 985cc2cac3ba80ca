package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Account is a provisioned brokerage account row. Accounts are disabled, not
// deleted, when the operator or repeated FATAL failures take them offline.
type Account struct {
	ID             string
	Role           string // master | user
	Broker         string
	CredentialKey  string // opaque handle (env var prefix); never a secret
	Enabled        bool
	DisabledReason string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Position is the persisted layout of a tracked position. Ladder is the
// JSON-encoded take-profit ladder including per-rung consumption flags.
type Position struct {
	ID            string
	AccountID     string
	Symbol        string
	Side          string
	OriginalQty   float64
	RemainingQty  float64
	EntryPrice    float64
	EntryTime     time.Time
	StopPrice     float64
	Ladder        string
	Status        string
	LastPrice     float64
	LastCheckedAt time.Time
	ZombieAt      time.Time
	ZombieReason  string
	FailureNote   string
	LastIntentID  string
	CloseNote     string
	UpdatedAt     time.Time
}

// OrderIntent is the immutable record of a decided action. The decision
// fields never change; only the resolution columns are filled in afterwards.
type OrderIntent struct {
	ID         string
	AccountID  string
	PositionID string
	Symbol     string
	Side       string
	Qty        float64
	Kind       string // ENTRY, LADDER, STOP, EMERGENCY, EARLY_EXIT, LIQUIDATE, ROTATE
	Reason     string
	Status     string // PENDING, FILLED, REJECTED, FAILED
	FilledQty  float64
	AvgPrice   float64
	Error      string
	CreatedAt  time.Time
	ResolvedAt time.Time
}

// CircuitState is the persisted breaker state for one (account, broker).
type CircuitState struct {
	AccountID           string
	Broker              string
	State               string // CLOSED, OPEN, HALF_OPEN
	ConsecutiveFailures int
	LastFailureClass    string
	Cooldown            time.Duration
	OpenedAt            time.Time
	NextRetryAt         time.Time
	UpdatedAt           time.Time
}

// CapitalSnapshot records free balance and aggregate position value at a
// point in time; total capital = free + positions.
type CapitalSnapshot struct {
	ID            int64
	AccountID     string
	Free          float64
	PositionValue float64
	Total         float64
	CreatedAt     time.Time
}

// ----------------------------------------
// Accounts
// ----------------------------------------

// UpsertAccount registers or refreshes an account row, preserving the
// enabled flag and disabled reason of an existing row.
func (d *Database) UpsertAccount(ctx context.Context, a Account) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO accounts (id, role, broker, credential_key, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			role = excluded.role,
			broker = excluded.broker,
			credential_key = excluded.credential_key,
			updated_at = CURRENT_TIMESTAMP
	`, a.ID, a.Role, a.Broker, a.CredentialKey, boolToInt(a.Enabled))
	return err
}

// GetAccount returns an account row or nil if unknown.
func (d *Database) GetAccount(ctx context.Context, id string) (*Account, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT id, role, broker, COALESCE(credential_key,''), enabled, COALESCE(disabled_reason,''), created_at, updated_at
		FROM accounts WHERE id = ?
	`, id)
	var a Account
	var enabled int
	if err := row.Scan(&a.ID, &a.Role, &a.Broker, &a.CredentialKey, &enabled, &a.DisabledReason, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	a.Enabled = enabled == 1
	return &a, nil
}

// SetAccountEnabled flips the enabled flag with a reason for the audit trail.
func (d *Database) SetAccountEnabled(ctx context.Context, id string, enabled bool, reason string) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE accounts
		SET enabled = ?, disabled_reason = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, boolToInt(enabled), reason, id)
	return err
}

// ----------------------------------------
// Positions
// ----------------------------------------

// UpsertPosition stores the full persisted layout of a position.
func (d *Database) UpsertPosition(ctx context.Context, p Position) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO positions (
			id, account_id, symbol, side, original_qty, remaining_qty,
			entry_price, entry_time, stop_price, ladder, status,
			last_price, last_checked_at, zombie_at, zombie_reason,
			failure_note, last_intent_id, close_note, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			remaining_qty = excluded.remaining_qty,
			stop_price = excluded.stop_price,
			ladder = excluded.ladder,
			status = excluded.status,
			last_price = excluded.last_price,
			last_checked_at = excluded.last_checked_at,
			zombie_at = excluded.zombie_at,
			zombie_reason = excluded.zombie_reason,
			failure_note = excluded.failure_note,
			last_intent_id = excluded.last_intent_id,
			close_note = excluded.close_note,
			updated_at = CURRENT_TIMESTAMP
	`,
		p.ID, p.AccountID, p.Symbol, p.Side, p.OriginalQty, p.RemainingQty,
		p.EntryPrice, p.EntryTime, p.StopPrice, p.Ladder, p.Status,
		p.LastPrice, nullTime(p.LastCheckedAt), nullTime(p.ZombieAt), p.ZombieReason,
		p.FailureNote, p.LastIntentID, p.CloseNote,
	)
	return err
}

// GetPosition returns one position row or nil if unknown.
func (d *Database) GetPosition(ctx context.Context, id string) (*Position, error) {
	row := d.DB.QueryRowContext(ctx, positionSelect+` WHERE id = ?`, id)
	p, err := scanPosition(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return p, nil
}

// ListPositionsByAccount returns all position rows for one account.
func (d *Database) ListPositionsByAccount(ctx context.Context, accountID string) ([]Position, error) {
	rows, err := d.DB.QueryContext(ctx, positionSelect+` WHERE account_id = ? ORDER BY entry_time`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *p)
	}
	return res, rows.Err()
}

const positionSelect = `
	SELECT id, account_id, symbol, side, original_qty, remaining_qty,
	       entry_price, entry_time, stop_price, ladder, status,
	       last_price, last_checked_at, zombie_at, COALESCE(zombie_reason,''),
	       COALESCE(failure_note,''), COALESCE(last_intent_id,''), COALESCE(close_note,''), updated_at
	FROM positions`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPosition(row rowScanner) (*Position, error) {
	var p Position
	var lastChecked, zombieAt sql.NullTime
	if err := row.Scan(
		&p.ID, &p.AccountID, &p.Symbol, &p.Side, &p.OriginalQty, &p.RemainingQty,
		&p.EntryPrice, &p.EntryTime, &p.StopPrice, &p.Ladder, &p.Status,
		&p.LastPrice, &lastChecked, &zombieAt, &p.ZombieReason,
		&p.FailureNote, &p.LastIntentID, &p.CloseNote, &p.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if lastChecked.Valid {
		p.LastCheckedAt = lastChecked.Time
	}
	if zombieAt.Valid {
		p.ZombieAt = zombieAt.Time
	}
	return &p, nil
}

// ----------------------------------------
// Order intents
// ----------------------------------------

// CreateIntent inserts the immutable decision record before execution.
func (d *Database) CreateIntent(ctx context.Context, in OrderIntent) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO order_intents (
			id, account_id, position_id, symbol, side, qty, kind, reason, status, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'PENDING', COALESCE(?, CURRENT_TIMESTAMP))
	`, in.ID, in.AccountID, in.PositionID, in.Symbol, in.Side, in.Qty, in.Kind, in.Reason, nullTime(in.CreatedAt))
	return err
}

// ResolveIntent records the execution outcome of a pending intent.
func (d *Database) ResolveIntent(ctx context.Context, id, status string, filledQty, avgPrice float64, execErr string) error {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE order_intents
		SET status = ?, filled_qty = ?, avg_price = ?, error = ?, resolved_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = 'PENDING'
	`, status, filledQty, avgPrice, execErr, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("intent %s is not pending", id)
	}
	return nil
}

// ListPendingIntents returns unresolved intents for an account, oldest first.
func (d *Database) ListPendingIntents(ctx context.Context, accountID string) ([]OrderIntent, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, account_id, COALESCE(position_id,''), symbol, side, qty, kind,
		       COALESCE(reason,''), status, filled_qty, avg_price, COALESCE(error,''), created_at
		FROM order_intents
		WHERE account_id = ? AND status = 'PENDING'
		ORDER BY created_at
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []OrderIntent
	for rows.Next() {
		var in OrderIntent
		if err := rows.Scan(&in.ID, &in.AccountID, &in.PositionID, &in.Symbol, &in.Side, &in.Qty,
			&in.Kind, &in.Reason, &in.Status, &in.FilledQty, &in.AvgPrice, &in.Error, &in.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, in)
	}
	return res, rows.Err()
}

// ----------------------------------------
// Circuit states
// ----------------------------------------

// UpsertCircuitState persists breaker state so it survives restart.
func (d *Database) UpsertCircuitState(ctx context.Context, cs CircuitState) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO circuit_states (
			account_id, broker, state, consecutive_failures, last_failure_class,
			cooldown_ms, opened_at, next_retry_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(account_id, broker) DO UPDATE SET
			state = excluded.state,
			consecutive_failures = excluded.consecutive_failures,
			last_failure_class = excluded.last_failure_class,
			cooldown_ms = excluded.cooldown_ms,
			opened_at = excluded.opened_at,
			next_retry_at = excluded.next_retry_at,
			updated_at = CURRENT_TIMESTAMP
	`, cs.AccountID, cs.Broker, cs.State, cs.ConsecutiveFailures, cs.LastFailureClass,
		cs.Cooldown.Milliseconds(), nullTime(cs.OpenedAt), nullTime(cs.NextRetryAt))
	return err
}

// GetCircuitState returns persisted breaker state or nil if none.
func (d *Database) GetCircuitState(ctx context.Context, accountID, broker string) (*CircuitState, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT account_id, broker, state, consecutive_failures, COALESCE(last_failure_class,''),
		       cooldown_ms, opened_at, next_retry_at, updated_at
		FROM circuit_states WHERE account_id = ? AND broker = ?
	`, accountID, broker)

	var cs CircuitState
	var cooldownMs int64
	var openedAt, nextRetry sql.NullTime
	if err := row.Scan(&cs.AccountID, &cs.Broker, &cs.State, &cs.ConsecutiveFailures,
		&cs.LastFailureClass, &cooldownMs, &openedAt, &nextRetry, &cs.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	cs.Cooldown = time.Duration(cooldownMs) * time.Millisecond
	if openedAt.Valid {
		cs.OpenedAt = openedAt.Time
	}
	if nextRetry.Valid {
		cs.NextRetryAt = nextRetry.Time
	}
	return &cs, nil
}

// ----------------------------------------
// Capital snapshots
// ----------------------------------------

// InsertCapitalSnapshot appends one capital observation.
func (d *Database) InsertCapitalSnapshot(ctx context.Context, s CapitalSnapshot) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO capital_snapshots (account_id, free, position_value, total, created_at)
		VALUES (?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP))
	`, s.AccountID, s.Free, s.PositionValue, s.Total, nullTime(s.CreatedAt))
	return err
}

// LatestCapitalSnapshot returns the newest snapshot for an account or nil.
func (d *Database) LatestCapitalSnapshot(ctx context.Context, accountID string) (*CapitalSnapshot, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT id, account_id, free, position_value, total, created_at
		FROM capital_snapshots
		WHERE account_id = ?
		ORDER BY id DESC LIMIT 1
	`, accountID)
	var s CapitalSnapshot
	if err := row.Scan(&s.ID, &s.AccountID, &s.Free, &s.PositionValue, &s.Total, &s.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// nullTime maps the zero time to NULL so optional timestamps round-trip.
func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
