// Package store persists rule books, strategy configs, fills, execution
// status and strategy events in SQLite, and keeps the process runtime files.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/gpboyer2/ppll-native-client-sub002/internal/core"
	"github.com/gpboyer2/ppll-native-client-sub002/internal/event"
	"github.com/gpboyer2/ppll-native-client-sub002/internal/grid"
	"github.com/gpboyer2/ppll-native-client-sub002/internal/logger"
)

// ruleBookVersions is how many rule book rows are kept per exchange market.
const ruleBookVersions = 5

type DB struct {
	db  *sql.DB
	now func() time.Time
}

func Open(path string) (*DB, error) {
	if path == "" {
		return nil, errors.New("sqlite path required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	d := &DB{db: db, now: time.Now}
	if err := d.initTables(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init sqlite %s: %w", path, err)
	}
	logger.Event("store_opened").WithField("path", path).Info("sqlite store ready")
	return d, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) initTables() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA busy_timeout=5000`,
		`CREATE TABLE IF NOT EXISTS rule_sets (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			exchange TEXT NOT NULL,
			market TEXT NOT NULL,
			rules TEXT NOT NULL,
			fetched_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_rule_sets_market ON rule_sets (exchange, market, id)`,
		`CREATE TABLE IF NOT EXISTS strategy_configs (
			id TEXT PRIMARY KEY,
			config TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS grid_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			strategy_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			action TEXT NOT NULL,
			order_id TEXT NOT NULL,
			requested_qty TEXT NOT NULL,
			executed_qty TEXT NOT NULL,
			avg_price TEXT NOT NULL,
			inferred INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_grid_history_strategy ON grid_history (strategy_id, id)`,
		`CREATE TABLE IF NOT EXISTS execution_status (
			strategy_id TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			status TEXT NOT NULL,
			reason TEXT NOT NULL,
			position TEXT NOT NULL,
			entry_price TEXT NOT NULL,
			next_rise TEXT,
			next_fall TEXT,
			history_depth INTEGER NOT NULL,
			last_error TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			strategy_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			event TEXT NOT NULL,
			status TEXT NOT NULL,
			reason TEXT NOT NULL,
			err_kind TEXT NOT NULL,
			err TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_strategy ON events (strategy_id, created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := d.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (d *DB) LoadLatestRuleBook(ctx context.Context, exchange string, market core.MarketType) (core.RuleBook, bool, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT rules, fetched_at FROM rule_sets WHERE exchange = ? AND market = ? ORDER BY id DESC LIMIT 1`,
		exchange, string(market))
	var raw string
	var fetched int64
	if err := row.Scan(&raw, &fetched); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.RuleBook{}, false, nil
		}
		return core.RuleBook{}, false, err
	}
	book := core.RuleBook{Exchange: exchange, Market: market, FetchedAt: time.UnixMilli(fetched).UTC()}
	if err := json.Unmarshal([]byte(raw), &book.Rules); err != nil {
		return core.RuleBook{}, false, fmt.Errorf("decode rule book %s/%s: %w", exchange, market, err)
	}
	return book, true, nil
}

func (d *DB) SaveRuleBook(ctx context.Context, book core.RuleBook) error {
	raw, err := json.Marshal(book.Rules)
	if err != nil {
		return err
	}
	fetched := book.FetchedAt
	if fetched.IsZero() {
		fetched = d.now()
	}
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO rule_sets (exchange, market, rules, fetched_at) VALUES (?, ?, ?, ?)`,
		book.Exchange, string(book.Market), string(raw), fetched.UnixMilli()); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM rule_sets WHERE exchange = ? AND market = ? AND id NOT IN (
			SELECT id FROM rule_sets WHERE exchange = ? AND market = ? ORDER BY id DESC LIMIT ?
		)`,
		book.Exchange, string(book.Market), book.Exchange, string(book.Market), ruleBookVersions); err != nil {
		return err
	}
	return tx.Commit()
}

func (d *DB) SaveStrategyConfig(ctx context.Context, cfg grid.Config) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = d.db.ExecContext(ctx,
		`INSERT INTO strategy_configs (id, config, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET config = excluded.config, updated_at = excluded.updated_at`,
		cfg.ID, string(raw), d.now().UnixMilli())
	return err
}

func (d *DB) LoadStrategyConfig(ctx context.Context, id string) (grid.Config, bool, error) {
	var raw string
	err := d.db.QueryRowContext(ctx, `SELECT config FROM strategy_configs WHERE id = ?`, id).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return grid.Config{}, false, nil
		}
		return grid.Config{}, false, err
	}
	var cfg grid.Config
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return grid.Config{}, false, fmt.Errorf("decode strategy config %s: %w", id, err)
	}
	return cfg, true, nil
}

func (d *DB) AppendHistoryRecord(ctx context.Context, fill core.Fill) error {
	at := fill.Time
	if at.IsZero() {
		at = d.now()
	}
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO grid_history (strategy_id, symbol, side, action, order_id, requested_qty, executed_qty, avg_price, inferred, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		fill.StrategyID, fill.Symbol, string(fill.Side), string(fill.Action), fill.OrderID,
		fill.RequestedQty.String(), fill.ExecutedQty.String(), fill.AvgPrice.String(), fill.Inferred, at.UnixMilli())
	return err
}

// ListHistory returns the newest fills of a strategy, oldest first.
func (d *DB) ListHistory(ctx context.Context, strategyID string, limit int) ([]core.Fill, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.db.QueryContext(ctx,
		`SELECT strategy_id, symbol, side, action, order_id, requested_qty, executed_qty, avg_price, inferred, created_at
		FROM grid_history WHERE strategy_id = ? ORDER BY id DESC LIMIT ?`, strategyID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []core.Fill
	for rows.Next() {
		var f core.Fill
		var side, action string
		var created int64
		if err := rows.Scan(&f.StrategyID, &f.Symbol, &side, &action, &f.OrderID,
			&f.RequestedQty, &f.ExecutedQty, &f.AvgPrice, &f.Inferred, &created); err != nil {
			return nil, err
		}
		f.Side = core.PositionSide(side)
		f.Action = core.Action(action)
		f.Time = time.UnixMilli(created).UTC()
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (d *DB) UpdateExecutionStatus(ctx context.Context, st core.ExecutionStatus) error {
	at := st.UpdatedAt
	if at.IsZero() {
		at = d.now()
	}
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO execution_status (strategy_id, symbol, side, status, reason, position, entry_price, next_rise, next_fall, history_depth, last_error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(strategy_id) DO UPDATE SET
			symbol = excluded.symbol,
			side = excluded.side,
			status = excluded.status,
			reason = excluded.reason,
			position = excluded.position,
			entry_price = excluded.entry_price,
			next_rise = excluded.next_rise,
			next_fall = excluded.next_fall,
			history_depth = excluded.history_depth,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at`,
		st.StrategyID, st.Symbol, string(st.Side), st.Status, st.Reason,
		st.Position.String(), st.EntryPrice.String(), nullText(st.NextRise), nullText(st.NextFall),
		st.HistoryDepth, st.LastError, at.UnixMilli())
	return err
}

func (d *DB) LoadExecutionStatus(ctx context.Context, strategyID string) (core.ExecutionStatus, bool, error) {
	var st core.ExecutionStatus
	var side string
	var updated int64
	err := d.db.QueryRowContext(ctx,
		`SELECT strategy_id, symbol, side, status, reason, position, entry_price, next_rise, next_fall, history_depth, last_error, updated_at
		FROM execution_status WHERE strategy_id = ?`, strategyID).
		Scan(&st.StrategyID, &st.Symbol, &side, &st.Status, &st.Reason, &st.Position, &st.EntryPrice,
			&st.NextRise, &st.NextFall, &st.HistoryDepth, &st.LastError, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.ExecutionStatus{}, false, nil
		}
		return core.ExecutionStatus{}, false, err
	}
	st.Side = core.PositionSide(side)
	st.UpdatedAt = time.UnixMilli(updated).UTC()
	return st, true, nil
}

func (d *DB) AppendEvent(ctx context.Context, ev event.Event) error {
	at := ev.Time
	if at.IsZero() {
		at = d.now()
	}
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO events (id, strategy_id, symbol, event, status, reason, err_kind, err, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.StrategyID, ev.Symbol, string(ev.Kind), ev.Status, ev.Reason, string(ev.ErrKind), ev.Err, at.UnixMilli())
	return err
}

// ListEvents returns the newest events of a strategy, newest first.
func (d *DB) ListEvents(ctx context.Context, strategyID string, limit int) ([]event.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, strategy_id, symbol, event, status, reason, err_kind, err, created_at
		FROM events WHERE strategy_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`, strategyID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []event.Event
	for rows.Next() {
		var ev event.Event
		var kind, errKind string
		var created int64
		if err := rows.Scan(&ev.ID, &ev.StrategyID, &ev.Symbol, &kind, &ev.Status, &ev.Reason, &errKind, &ev.Err, &created); err != nil {
			return nil, err
		}
		ev.Kind = event.Kind(kind)
		ev.ErrKind = core.ErrorKind(errKind)
		ev.Time = time.UnixMilli(created).UTC()
		out = append(out, ev)
	}
	return out, rows.Err()
}

// HandleEvent makes the DB an event sink: every event is logged, fills are
// appended to the grid history and state snapshots update the execution status.
func (d *DB) HandleEvent(ctx context.Context, ev event.Event) error {
	var errs []error
	if err := d.AppendEvent(ctx, ev); err != nil {
		errs = append(errs, fmt.Errorf("append event: %w", err))
	}
	if ev.Fill != nil && (ev.Kind == event.KindOpened || ev.Kind == event.KindClosed) {
		if err := d.AppendHistoryRecord(ctx, *ev.Fill); err != nil {
			errs = append(errs, fmt.Errorf("append history: %w", err))
		}
	}
	if ev.State != nil {
		if err := d.UpdateExecutionStatus(ctx, *ev.State); err != nil {
			errs = append(errs, fmt.Errorf("update status: %w", err))
		}
	}
	return errors.Join(errs...)
}

func nullText(v decimal.NullDecimal) sql.NullString {
	if !v.Valid {
		return sql.NullString{}
	}
	return sql.NullString{String: v.Decimal.String(), Valid: true}
}
