package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"modernc.org/sqlite" // Pure-Go SQLite driver.
	sqlite3 "modernc.org/sqlite/lib"

	"pyramid/internal/domain"
)

// Compile-time interface checks.
var _ OrderStore = (*SQLiteStore)(nil)
var _ PositionStore = (*SQLiteStore)(nil)
var _ TaskScheduleStore = (*SQLiteStore)(nil)
var _ ExecutionRecordStore = (*SQLiteStore)(nil)
var _ HeartbeatStore = (*SQLiteStore)(nil)

// SQLiteStore implements every repository interface backed by a single SQLite
// database. The pool is limited to one connection so transactions serialize.
type SQLiteStore struct {
	db *sql.DB
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const schema = `
CREATE TABLE IF NOT EXISTS orders (
	id              TEXT PRIMARY KEY,
	version         INTEGER NOT NULL,
	user_id         TEXT NOT NULL,
	symbol          TEXT NOT NULL,
	side            TEXT NOT NULL,
	order_type      TEXT NOT NULL,
	quantity        REAL NOT NULL,
	limit_price     REAL NOT NULL DEFAULT 0,
	status          TEXT NOT NULL,
	entry_type      TEXT NOT NULL,
	orig_source     TEXT NOT NULL,
	reentry_level   TEXT NOT NULL DEFAULT '',
	broker_order_id TEXT NOT NULL DEFAULT '',
	client_order_id TEXT NOT NULL,
	filled_qty      REAL NOT NULL DEFAULT 0,
	avg_fill_price  REAL NOT NULL DEFAULT 0,
	placed_at       INTEGER NOT NULL,
	filled_at       INTEGER,
	closed_at       INTEGER,
	updated_at      INTEGER NOT NULL,
	retry_attempts  INTEGER NOT NULL DEFAULT 0,
	next_attempt_at INTEGER NOT NULL DEFAULT 0,
	ref_price       REAL NOT NULL DEFAULT 0,
	last_error      TEXT NOT NULL DEFAULT '',
	reject_reason   TEXT NOT NULL DEFAULT ''
);
CREATE UNIQUE INDEX IF NOT EXISTS ux_orders_client_id ON orders (client_order_id);
CREATE UNIQUE INDEX IF NOT EXISTS ux_orders_open_key ON orders (user_id, symbol, side)
	WHERE orig_source = 'system' AND status IN ('PENDING', 'ONGOING', 'RETRY_PENDING');
CREATE INDEX IF NOT EXISTS idx_orders_user_status ON orders (user_id, status);
CREATE INDEX IF NOT EXISTS idx_orders_broker_id ON orders (user_id, broker_order_id);

CREATE TABLE IF NOT EXISTS positions (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	version          INTEGER NOT NULL,
	user_id          TEXT NOT NULL,
	symbol           TEXT NOT NULL,
	quantity         REAL NOT NULL,
	avg_entry_price  REAL NOT NULL,
	entry_oscillator REAL,
	levels_taken     TEXT NOT NULL DEFAULT '',
	reset_ready      INTEGER NOT NULL DEFAULT 0,
	reentry_cycle    INTEGER NOT NULL DEFAULT 0,
	reentry_count    INTEGER NOT NULL DEFAULT 0,
	reentry_history  TEXT NOT NULL DEFAULT '[]',
	realized_pnl     REAL NOT NULL DEFAULT 0,
	opened_at        INTEGER NOT NULL,
	closed_at        INTEGER,
	updated_at       INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS ux_positions_open ON positions (user_id, symbol) WHERE closed_at IS NULL;

CREATE TABLE IF NOT EXISTS task_schedules (
	task_name      TEXT PRIMARY KEY,
	enabled        INTEGER NOT NULL,
	scheduled_time TEXT NOT NULL DEFAULT '',
	start_time     TEXT NOT NULL DEFAULT '',
	end_time       TEXT NOT NULL DEFAULT '',
	is_hourly      INTEGER NOT NULL DEFAULT 0,
	is_continuous  INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS execution_records (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	task_name   TEXT NOT NULL,
	user_id     TEXT NOT NULL,
	run_key     TEXT NOT NULL,
	started_at  INTEGER NOT NULL,
	finished_at INTEGER NOT NULL,
	outcome     TEXT NOT NULL,
	error       TEXT NOT NULL DEFAULT ''
);
CREATE UNIQUE INDEX IF NOT EXISTS ux_exec_run ON execution_records (task_name, user_id, run_key);

CREATE TABLE IF NOT EXISTS heartbeats (
	user_id TEXT PRIMARY KEY,
	at      INTEGER NOT NULL
);
`

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, applies the
// schema and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data directory %q: %w", dir, err)
		}
	}
	dsn := "file:" + dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ---------------------------------------------------------------------------
// OrderStore implementation
// ---------------------------------------------------------------------------

const orderColumns = `id, version, user_id, symbol, side, order_type, quantity, limit_price, status,
	entry_type, orig_source, reentry_level, broker_order_id, client_order_id, filled_qty, avg_fill_price,
	placed_at, filled_at, closed_at, updated_at, retry_attempts, next_attempt_at, ref_price, last_error, reject_reason`

// CreateOrder inserts a new order.
func (s *SQLiteStore) CreateOrder(ctx context.Context, o *domain.Order) error {
	if o.Version == 0 {
		o.Version = domain.OrderVersion
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO orders (`+orderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.Version, o.UserID, o.Symbol, string(o.Side), string(o.Type), o.Quantity, o.LimitPrice,
		string(o.Status), string(o.EntryType), string(o.OrigSource), string(o.ReentryLevel), o.BrokerOrderID,
		o.ClientOrderID, o.FilledQty, o.AvgFillPrice, unixNano(o.PlacedAt), nullTime(o.FilledAt),
		nullTime(o.ClosedAt), unixNano(o.UpdatedAt), o.RetryAttempts, unixNano(o.NextAttemptAt), o.RefPrice,
		o.LastError, o.RejectReason)
	if err != nil {
		return mapWriteError("create order "+o.ID, err)
	}
	return nil
}

// UpdateOrder persists changes to an existing order.
func (s *SQLiteStore) UpdateOrder(ctx context.Context, o *domain.Order) error {
	res, err := s.db.ExecContext(ctx, `UPDATE orders SET
		version = ?, symbol = ?, side = ?, order_type = ?, quantity = ?, limit_price = ?, status = ?,
		entry_type = ?, orig_source = ?, reentry_level = ?, broker_order_id = ?, client_order_id = ?,
		filled_qty = ?, avg_fill_price = ?, placed_at = ?, filled_at = ?, closed_at = ?, updated_at = ?, retry_attempts = ?,
		next_attempt_at = ?, ref_price = ?, last_error = ?, reject_reason = ?
		WHERE id = ?`,
		domain.OrderVersion, o.Symbol, string(o.Side), string(o.Type), o.Quantity, o.LimitPrice,
		string(o.Status), string(o.EntryType), string(o.OrigSource), string(o.ReentryLevel), o.BrokerOrderID,
		o.ClientOrderID, o.FilledQty, o.AvgFillPrice, unixNano(o.PlacedAt), nullTime(o.FilledAt), nullTime(o.ClosedAt),
		unixNano(o.UpdatedAt), o.RetryAttempts, unixNano(o.NextAttemptAt), o.RefPrice, o.LastError,
		o.RejectReason, o.ID)
	if err != nil {
		return mapWriteError("update order "+o.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update order %s: %w", o.ID, ErrNotFound)
	}
	o.Version = domain.OrderVersion
	return nil
}

// GetOrder retrieves a single order by its ID.
func (s *SQLiteStore) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	return s.getOrder(ctx, `WHERE id = ?`, id)
}

// GetOrderByBrokerID retrieves an order by broker order ID.
func (s *SQLiteStore) GetOrderByBrokerID(ctx context.Context, userID, brokerOrderID string) (*domain.Order, error) {
	if brokerOrderID == "" {
		return nil, fmt.Errorf("get order: empty broker id: %w", ErrNotFound)
	}
	return s.getOrder(ctx, `WHERE user_id = ? AND broker_order_id = ?`, userID, brokerOrderID)
}

// GetOrderByClientID retrieves an order by client order ID.
func (s *SQLiteStore) GetOrderByClientID(ctx context.Context, clientOrderID string) (*domain.Order, error) {
	return s.getOrder(ctx, `WHERE client_order_id = ?`, clientOrderID)
}

// ListNonTerminalOrders returns the user's open orders, oldest first.
func (s *SQLiteStore) ListNonTerminalOrders(ctx context.Context, userID string) ([]*domain.Order, error) {
	return s.listOrders(ctx, `WHERE user_id = ? AND status IN ('PENDING', 'ONGOING', 'RETRY_PENDING') ORDER BY placed_at`, userID)
}

// ListOrdersByStatus returns the user's orders in status, oldest first.
func (s *SQLiteStore) ListOrdersByStatus(ctx context.Context, userID string, status domain.OrderStatus) ([]*domain.Order, error) {
	return s.listOrders(ctx, `WHERE user_id = ? AND status = ? ORDER BY placed_at`, userID, string(status))
}

// ListOrdersSince returns orders placed or updated at or after since.
func (s *SQLiteStore) ListOrdersSince(ctx context.Context, userID string, since time.Time) ([]*domain.Order, error) {
	n := unixNano(since)
	return s.listOrders(ctx, `WHERE user_id = ? AND (placed_at >= ? OR updated_at >= ?) ORDER BY placed_at`, userID, n, n)
}

func (s *SQLiteStore) getOrder(ctx context.Context, where string, args ...any) (*domain.Order, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders `+where, args...)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get order: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	return o, nil
}

func (s *SQLiteStore) listOrders(ctx context.Context, where string, args ...any) ([]*domain.Order, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+orderColumns+` FROM orders `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var out []*domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(sc scanner) (*domain.Order, error) {
	var (
		o                                       domain.Order
		side, typ, status, entry, source, level string
		placed, updated, nextAttempt            int64
		filled, closed                          sql.NullInt64
	)
	err := sc.Scan(&o.ID, &o.Version, &o.UserID, &o.Symbol, &side, &typ, &o.Quantity, &o.LimitPrice, &status,
		&entry, &source, &level, &o.BrokerOrderID, &o.ClientOrderID, &o.FilledQty, &o.AvgFillPrice,
		&placed, &filled, &closed, &updated, &o.RetryAttempts, &nextAttempt, &o.RefPrice, &o.LastError,
		&o.RejectReason)
	if err != nil {
		return nil, err
	}
	o.Side = domain.OrderSide(side)
	o.Type = domain.OrderType(typ)
	o.Status = domain.OrderStatus(status)
	o.EntryType = domain.EntryType(entry)
	o.OrigSource = domain.OrigSource(source)
	o.ReentryLevel = domain.Level(level)
	o.PlacedAt = fromUnixNano(placed)
	o.UpdatedAt = fromUnixNano(updated)
	o.NextAttemptAt = fromUnixNano(nextAttempt)
	o.FilledAt = fromNullTime(filled)
	o.ClosedAt = fromNullTime(closed)
	return &o, nil
}

// ---------------------------------------------------------------------------
// PositionStore implementation
// ---------------------------------------------------------------------------

const positionColumns = `id, version, user_id, symbol, quantity, avg_entry_price, entry_oscillator, levels_taken,
	reset_ready, reentry_cycle, reentry_count, reentry_history, realized_pnl, opened_at, closed_at, updated_at`

// UpsertBySymbol inserts pos or updates the open position for the same
// (user, symbol). Positions with an ID are updated by ID so a close is
// recorded on the right row.
func (s *SQLiteStore) UpsertBySymbol(ctx context.Context, pos *domain.Position) error {
	return upsertPosition(ctx, s.db, pos)
}

// GetOpenPosition returns the open position for (user, symbol).
func (s *SQLiteStore) GetOpenPosition(ctx context.Context, userID, symbol string) (*domain.Position, error) {
	return getOpenPosition(ctx, s.db, userID, symbol)
}

// ListOpenPositions returns the user's open positions ordered by symbol.
func (s *SQLiteStore) ListOpenPositions(ctx context.Context, userID string) ([]*domain.Position, error) {
	return s.listPositions(ctx, `WHERE user_id = ? AND closed_at IS NULL ORDER BY symbol`, userID)
}

// ListPositionsClosedSince returns positions closed at or after since.
func (s *SQLiteStore) ListPositionsClosedSince(ctx context.Context, userID string, since time.Time) ([]*domain.Position, error) {
	return s.listPositions(ctx, `WHERE user_id = ? AND closed_at >= ? ORDER BY closed_at`, userID, unixNano(since))
}

// Mutate runs fn against the open position inside one transaction.
func (s *SQLiteStore) Mutate(ctx context.Context, userID, symbol string, fn func(*domain.Position) (*domain.Position, error)) (*domain.Position, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin position tx: %w", err)
	}
	defer tx.Rollback()

	cur, err := getOpenPosition(ctx, tx, userID, symbol)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	next, err := fn(cur)
	if err != nil {
		return nil, err
	}
	if next == nil {
		return cur, nil
	}
	if err := upsertPosition(ctx, tx, next); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit position tx: %w", err)
	}
	return next, nil
}

func upsertPosition(ctx context.Context, q querier, p *domain.Position) error {
	history, err := json.Marshal(p.ReentryHistory)
	if err != nil {
		return fmt.Errorf("encode reentry history: %w", err)
	}
	p.Version = domain.PositionVersion
	args := []any{p.Version, p.UserID, p.Symbol, p.Quantity, p.AvgEntryPrice, nullFloat(p.EntryOscillator),
		p.LevelsTaken.String(), boolInt(p.ResetReady), p.ReentryCycle, p.ReentryCount, string(history),
		p.RealizedPnL, unixNano(p.OpenedAt), nullTime(p.ClosedAt), unixNano(p.UpdatedAt)}

	if p.ID != 0 {
		res, err := q.ExecContext(ctx, `UPDATE positions SET
			version = ?, user_id = ?, symbol = ?, quantity = ?, avg_entry_price = ?, entry_oscillator = ?,
			levels_taken = ?, reset_ready = ?, reentry_cycle = ?, reentry_count = ?, reentry_history = ?,
			realized_pnl = ?, opened_at = ?, closed_at = ?, updated_at = ?
			WHERE id = ?`, append(args, p.ID)...)
		if err != nil {
			return mapWriteError("update position "+p.Symbol, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("update position %d: %w", p.ID, ErrNotFound)
		}
		return nil
	}

	err = q.QueryRowContext(ctx, `INSERT INTO positions (
			version, user_id, symbol, quantity, avg_entry_price, entry_oscillator, levels_taken, reset_ready,
			reentry_cycle, reentry_count, reentry_history, realized_pnl, opened_at, closed_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, symbol) WHERE closed_at IS NULL DO UPDATE SET
			quantity = excluded.quantity, avg_entry_price = excluded.avg_entry_price,
			entry_oscillator = excluded.entry_oscillator, levels_taken = excluded.levels_taken,
			reset_ready = excluded.reset_ready, reentry_cycle = excluded.reentry_cycle,
			reentry_count = excluded.reentry_count, reentry_history = excluded.reentry_history,
			realized_pnl = excluded.realized_pnl, closed_at = excluded.closed_at,
			updated_at = excluded.updated_at
		RETURNING id`, args...).Scan(&p.ID)
	if err != nil {
		return mapWriteError("upsert position "+p.Symbol, err)
	}
	return nil
}

func getOpenPosition(ctx context.Context, q querier, userID, symbol string) (*domain.Position, error) {
	row := q.QueryRowContext(ctx, `SELECT `+positionColumns+` FROM positions
		WHERE user_id = ? AND symbol = ? AND closed_at IS NULL`, userID, strings.ToUpper(symbol))
	p, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get position %s: %w", symbol, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s: %w", symbol, err)
	}
	return p, nil
}

func (s *SQLiteStore) listPositions(ctx context.Context, where string, args ...any) ([]*domain.Position, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+positionColumns+` FROM positions `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	defer rows.Close()

	var out []*domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPosition(sc scanner) (*domain.Position, error) {
	var (
		p               domain.Position
		osc             sql.NullFloat64
		levels, history string
		resetReady      int
		opened, updated int64
		closed          sql.NullInt64
	)
	err := sc.Scan(&p.ID, &p.Version, &p.UserID, &p.Symbol, &p.Quantity, &p.AvgEntryPrice, &osc, &levels,
		&resetReady, &p.ReentryCycle, &p.ReentryCount, &history, &p.RealizedPnL, &opened, &closed, &updated)
	if err != nil {
		return nil, err
	}
	if osc.Valid {
		v := osc.Float64
		p.EntryOscillator = &v
	}
	if p.LevelsTaken, err = domain.DecodeLevels(p.Version, levels); err != nil {
		return nil, err
	}
	if history != "" {
		if err := json.Unmarshal([]byte(history), &p.ReentryHistory); err != nil {
			return nil, fmt.Errorf("decode reentry history: %w", err)
		}
	}
	p.ResetReady = resetReady != 0
	p.OpenedAt = fromUnixNano(opened)
	p.UpdatedAt = fromUnixNano(updated)
	p.ClosedAt = fromNullTime(closed)
	domain.MigratePosition(&p)
	return &p, nil
}

// ---------------------------------------------------------------------------
// TaskScheduleStore implementation
// ---------------------------------------------------------------------------

// ListTaskSchedules returns every task row ordered by name.
func (s *SQLiteStore) ListTaskSchedules(ctx context.Context) ([]domain.TaskSchedule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT task_name, enabled, scheduled_time, start_time, end_time,
		is_hourly, is_continuous FROM task_schedules ORDER BY task_name`)
	if err != nil {
		return nil, fmt.Errorf("list task schedules: %w", err)
	}
	defer rows.Close()

	var out []domain.TaskSchedule
	for rows.Next() {
		var (
			ts                    domain.TaskSchedule
			enabled, hourly, cont int
			at, start, end        string
		)
		if err := rows.Scan(&ts.TaskName, &enabled, &at, &start, &end, &hourly, &cont); err != nil {
			return nil, fmt.Errorf("scan task schedule: %w", err)
		}
		ts.Enabled, ts.IsHourly, ts.IsContinuous = enabled != 0, hourly != 0, cont != 0
		if ts.Kind() == domain.TaskKindPoint {
			ts.ScheduledTime, err = domain.ParseClock(at)
		} else {
			if ts.StartTime, err = domain.ParseClock(start); err == nil {
				ts.EndTime, err = domain.ParseClock(end)
			}
		}
		if err != nil {
			return nil, fmt.Errorf("task %s: %w", ts.TaskName, err)
		}
		out = append(out, ts)
	}
	return out, rows.Err()
}

// SaveTaskSchedule inserts or replaces a task row.
func (s *SQLiteStore) SaveTaskSchedule(ctx context.Context, ts domain.TaskSchedule) error {
	var at, start, end string
	if ts.Kind() == domain.TaskKindPoint {
		at = ts.ScheduledTime.String()
	} else {
		start, end = ts.StartTime.String(), ts.EndTime.String()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO task_schedules
		(task_name, enabled, scheduled_time, start_time, end_time, is_hourly, is_continuous)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (task_name) DO UPDATE SET enabled = excluded.enabled,
			scheduled_time = excluded.scheduled_time, start_time = excluded.start_time,
			end_time = excluded.end_time, is_hourly = excluded.is_hourly, is_continuous = excluded.is_continuous`,
		ts.TaskName, boolInt(ts.Enabled), at, start, end, boolInt(ts.IsHourly), boolInt(ts.IsContinuous))
	if err != nil {
		return fmt.Errorf("save task schedule %s: %w", ts.TaskName, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// ExecutionRecordStore implementation
// ---------------------------------------------------------------------------

// AppendExecution records a task run.
func (s *SQLiteStore) AppendExecution(ctx context.Context, rec *domain.ExecutionRecord) error {
	res, err := s.db.ExecContext(ctx, `INSERT INTO execution_records
		(task_name, user_id, run_key, started_at, finished_at, outcome, error) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.TaskName, rec.UserID, rec.RunKey, unixNano(rec.StartedAt), unixNano(rec.FinishedAt), rec.Outcome, rec.Error)
	if err != nil {
		return mapWriteError("append execution "+rec.TaskName, err)
	}
	rec.ID, _ = res.LastInsertId()
	return nil
}

// HasRun reports whether (task, user, run key) was recorded.
func (s *SQLiteStore) HasRun(ctx context.Context, taskName, userID, runKey string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM execution_records
		WHERE task_name = ? AND user_id = ? AND run_key = ?`, taskName, userID, runKey).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("has run %s: %w", taskName, err)
	}
	return n > 0, nil
}

// ListExecutions returns the user's records started at or after since.
func (s *SQLiteStore) ListExecutions(ctx context.Context, userID string, since time.Time) ([]domain.ExecutionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, task_name, user_id, run_key, started_at, finished_at,
		outcome, error FROM execution_records WHERE user_id = ? AND started_at >= ? ORDER BY id`,
		userID, unixNano(since))
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var out []domain.ExecutionRecord
	for rows.Next() {
		var r domain.ExecutionRecord
		var started, finished int64
		if err := rows.Scan(&r.ID, &r.TaskName, &r.UserID, &r.RunKey, &started, &finished, &r.Outcome, &r.Error); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		r.StartedAt, r.FinishedAt = fromUnixNano(started), fromUnixNano(finished)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// HeartbeatStore implementation
// ---------------------------------------------------------------------------

// WriteHeartbeat stores the latest heartbeat for userID.
func (s *SQLiteStore) WriteHeartbeat(ctx context.Context, userID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO heartbeats (user_id, at) VALUES (?, ?)
		ON CONFLICT (user_id) DO UPDATE SET at = excluded.at`, userID, unixNano(at))
	if err != nil {
		return fmt.Errorf("write heartbeat %s: %w", userID, err)
	}
	return nil
}

// ListHeartbeats returns every session's latest heartbeat.
func (s *SQLiteStore) ListHeartbeats(ctx context.Context) ([]domain.Heartbeat, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id, at FROM heartbeats ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("list heartbeats: %w", err)
	}
	defer rows.Close()

	var out []domain.Heartbeat
	for rows.Next() {
		var hb domain.Heartbeat
		var at int64
		if err := rows.Scan(&hb.UserID, &at); err != nil {
			return nil, fmt.Errorf("scan heartbeat: %w", err)
		}
		hb.At = fromUnixNano(at)
		out = append(out, hb)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func mapWriteError(op string, err error) error {
	var se *sqlite.Error
	if errors.As(err, &se) && (se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE || se.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY) {
		return fmt.Errorf("%s: %w: %w", op, ErrConflict, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func fromNullTime(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64).UTC()
	return &t
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
