package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/amirphl/guarded-trader/internal/db/conf"
	"github.com/amirphl/guarded-trader/internal/journal"
	"github.com/amirphl/guarded-trader/internal/position"
)

// Transaction context key
type txKey struct{}

// WithTransaction adds a transaction to the context
func WithTransaction(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// GetTransaction retrieves a transaction from context, or returns nil if not present
func GetTransaction(ctx context.Context) *sql.Tx {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return nil
}

// sqliteTime is a fixed-width layout so text comparisons order correctly.
const sqliteTime = "2006-01-02T15:04:05.000000000Z07:00"

// Default is the database/sql store used for both sqlite and postgres.
type Default struct {
	db      *sql.DB
	dialect string
}

func New(c conf.Config) (*Default, error) {
	if _, err := conf.Schema(c.Driver); err != nil {
		return nil, err
	}
	return &Default{db: c.DB, dialect: c.Driver}, nil
}

func (p *Default) GetDB() *sql.DB {
	return p.db
}

func (p *Default) Close() error {
	return p.db.Close()
}

// rebind turns ? placeholders into $n for postgres.
func (p *Default) rebind(query string) string {
	if p.dialect != conf.DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// timeArg normalizes t for the dialect. Zero times become NULL.
func (p *Default) timeArg(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	if p.dialect == conf.DriverSQLite {
		return t.UTC().Format(sqliteTime)
	}
	return t.UTC()
}

// boundArg is timeArg for range bounds, where a zero time means "from the beginning".
func (p *Default) boundArg(t time.Time) any {
	if t.IsZero() {
		t = time.Unix(0, 0)
	}
	return p.timeArg(t)
}

// executeWithTransaction executes a function with proper transaction management
// If a transaction exists in context, it uses that. Otherwise, it creates a new one.
func (p *Default) executeWithTransaction(ctx context.Context, fn func(*sql.Tx) error) error {
	// Check if transaction exists in context
	if tx := GetTransaction(ctx); tx != nil {
		return fn(tx)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if fnErr := fn(tx); fnErr != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("transaction rollback failed: %w (original error: %v)", rbErr, fnErr)
		}
		return fnErr
	}

	if commitErr := tx.Commit(); commitErr != nil {
		return fmt.Errorf("transaction commit failed: %w", commitErr)
	}

	return nil
}

// queryWithTransaction executes a query using transaction from context if available
func (p *Default) queryWithTransaction(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	query = p.rebind(query)
	if tx := GetTransaction(ctx); tx != nil {
		return tx.QueryContext(ctx, query, args...)
	}
	return p.db.QueryContext(ctx, query, args...)
}

func (p *Default) queryRowWithTransaction(ctx context.Context, query string, args ...any) *sql.Row {
	query = p.rebind(query)
	if tx := GetTransaction(ctx); tx != nil {
		return tx.QueryRowContext(ctx, query, args...)
	}
	return p.db.QueryRowContext(ctx, query, args...)
}

// Atomic runs fn inside one transaction carried by ctx.
func (p *Default) Atomic(ctx context.Context, fn func(ctx context.Context) error) error {
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		return fn(WithTransaction(ctx, tx))
	})
}

// -------- position state --------

func (p *Default) SaveState(ctx context.Context, s position.State) error {
	var intent any
	if s.Intent != nil {
		raw, err := json.Marshal(s.Intent)
		if err != nil {
			return fmt.Errorf("failed to encode intent: %w", err)
		}
		intent = string(raw)
	}
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, p.rebind(`
		INSERT INTO position_state (id, symbol, shares, entry_price, entry_time, expected_action,
			signal_id, buy_order_id, last_sell_order_id, intent, reason, updated_at)
		VALUES (1,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT (id) DO UPDATE SET
			symbol=excluded.symbol, shares=excluded.shares, entry_price=excluded.entry_price,
			entry_time=excluded.entry_time, expected_action=excluded.expected_action,
			signal_id=excluded.signal_id, buy_order_id=excluded.buy_order_id,
			last_sell_order_id=excluded.last_sell_order_id, intent=excluded.intent,
			reason=excluded.reason, updated_at=excluded.updated_at`),
			s.Symbol, s.Shares, s.EntryPrice, p.timeArg(s.EntryTime), string(s.ExpectedAction),
			s.SignalID, s.BuyOrderID, s.LastSellOrderID, intent, s.Reason, p.timeArg(s.UpdatedAt))
		if err != nil {
			return fmt.Errorf("failed to save position state: %w", err)
		}
		return nil
	})
}

func (p *Default) LoadState(ctx context.Context) (*position.State, error) {
	var (
		s         position.State
		action    string
		entryTime nullTime
		updatedAt nullTime
		intent    sql.NullString
	)
	err := p.queryRowWithTransaction(ctx, `
		SELECT symbol, shares, entry_price, entry_time, expected_action, signal_id,
			buy_order_id, last_sell_order_id, intent, reason, updated_at
		FROM position_state WHERE id = 1`).Scan(
		&s.Symbol, &s.Shares, &s.EntryPrice, &entryTime, &action, &s.SignalID,
		&s.BuyOrderID, &s.LastSellOrderID, &intent, &s.Reason, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load position state: %w", err)
	}

	if s.ExpectedAction, err = position.ParseAction(action); err != nil {
		return nil, err
	}
	s.EntryTime = entryTime.Time
	s.UpdatedAt = updatedAt.Time
	if intent.Valid && intent.String != "" {
		var in position.Intent
		if err := json.Unmarshal([]byte(intent.String), &in); err != nil {
			return nil, fmt.Errorf("failed to decode persisted intent: %w", err)
		}
		s.Intent = &in
	}
	return &s, nil
}

// -------- reconciliations --------

func (p *Default) AppendReconciliation(ctx context.Context, r journal.Reconciliation) error {
	expected, _ := json.Marshal(orEmpty(r.Expected))
	broker, _ := json.Marshal(orEmpty(r.Broker))
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, p.rebind(`
		INSERT INTO reconciliations (time, purpose, expected, broker, matched, action_taken, detail)
		VALUES (?,?,?,?,?,?,?)`),
			p.timeArg(r.Time), r.Purpose, string(expected), string(broker), r.Match, r.Action, r.Detail)
		if err != nil {
			return fmt.Errorf("failed to append reconciliation: %w", err)
		}
		return nil
	})
}

func (p *Default) ListReconciliations(ctx context.Context, limit int) ([]journal.Reconciliation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.queryWithTransaction(ctx, `
		SELECT id, time, purpose, expected, broker, matched, action_taken, detail
		FROM reconciliations ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list reconciliations: %w", err)
	}
	defer rows.Close()

	var out []journal.Reconciliation
	for rows.Next() {
		var (
			r                journal.Reconciliation
			ts               nullTime
			expected, broker string
		)
		if err := rows.Scan(&r.ID, &ts, &r.Purpose, &expected, &broker, &r.Match, &r.Action, &r.Detail); err != nil {
			return nil, err
		}
		r.Time = ts.Time
		if err := json.Unmarshal([]byte(expected), &r.Expected); err != nil {
			return nil, fmt.Errorf("reconciliation %d: bad expected holdings: %w", r.ID, err)
		}
		if err := json.Unmarshal([]byte(broker), &r.Broker); err != nil {
			return nil, fmt.Errorf("reconciliation %d: bad broker holdings: %w", r.ID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func orEmpty(h []position.Holding) []position.Holding {
	if h == nil {
		return []position.Holding{}
	}
	return h
}

// -------- trades --------

func (p *Default) AppendTrade(ctx context.Context, t position.TradeRecord) error {
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, p.rebind(`
		INSERT INTO trades (mode, signal_id, symbol, action, shares, entry_price, exit_price,
			realized_pnl, broker_order_id, entry_time, exit_time, created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT (broker_order_id) DO NOTHING`),
			t.Mode, t.SignalID, t.Symbol, string(t.Action), t.Shares, t.EntryPrice, t.ExitPrice,
			t.RealizedPnL, t.BrokerOrderID, p.timeArg(t.EntryTime), p.timeArg(t.ExitTime), p.timeArg(t.CreatedAt))
		if err != nil {
			return fmt.Errorf("failed to append trade %s: %w", t.BrokerOrderID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to append trade %s: %w", t.BrokerOrderID, err)
		}
		if n == 0 {
			return fmt.Errorf("%w %s", ErrDuplicateTrade, t.BrokerOrderID)
		}
		return nil
	})
}

func (p *Default) ListTrades(ctx context.Context, since time.Time) ([]position.TradeRecord, error) {
	rows, err := p.queryWithTransaction(ctx, `
		SELECT id, mode, signal_id, symbol, action, shares, entry_price, exit_price, realized_pnl,
			broker_order_id, entry_time, exit_time, created_at
		FROM trades WHERE exit_time >= ? ORDER BY id ASC`, p.boundArg(since))
	if err != nil {
		return nil, fmt.Errorf("failed to list trades: %w", err)
	}
	defer rows.Close()

	var out []position.TradeRecord
	for rows.Next() {
		var (
			t                          position.TradeRecord
			action                     string
			entryTime, exitTime, ctime nullTime
		)
		if err := rows.Scan(&t.ID, &t.Mode, &t.SignalID, &t.Symbol, &action, &t.Shares, &t.EntryPrice,
			&t.ExitPrice, &t.RealizedPnL, &t.BrokerOrderID, &entryTime, &exitTime, &ctime); err != nil {
			return nil, err
		}
		t.Action = position.Side(action)
		t.EntryTime, t.ExitTime, t.CreatedAt = entryTime.Time, exitTime.Time, ctime.Time
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *Default) HasTradeForSignal(ctx context.Context, signalID string, since time.Time) (bool, error) {
	var n int
	err := p.queryRowWithTransaction(ctx,
		`SELECT COUNT(*) FROM trades WHERE signal_id = ? AND entry_time >= ?`,
		signalID, p.boundArg(since)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to look up trades for signal %s: %w", signalID, err)
	}
	return n > 0, nil
}

// -------- events --------

func (p *Default) LogEvent(ctx context.Context, event journal.Event) error {
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		data, err := json.Marshal(event.Data)
		if err != nil {
			return fmt.Errorf("failed to encode event data: %w", err)
		}
		_, err = tx.ExecContext(ctx, p.rebind(`INSERT INTO events (time, type, description, data) VALUES (?,?,?,?)`),
			p.timeArg(event.Time), event.Type, event.Description, string(data))
		if err != nil {
			return fmt.Errorf("failed to log event: %w", err)
		}
		return nil
	})
}

func (p *Default) GetEvents(ctx context.Context, eventType string, start, end time.Time) ([]journal.Event, error) {
	rows, err := p.queryWithTransaction(ctx,
		`SELECT id, time, type, description, data FROM events WHERE type=? AND time >= ? AND time <= ? ORDER BY id ASC`,
		eventType, p.boundArg(start), p.timeArg(end))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []journal.Event
	for rows.Next() {
		var (
			e    journal.Event
			ts   nullTime
			data sql.NullString
		)
		if err := rows.Scan(&e.ID, &ts, &e.Type, &e.Description, &data); err != nil {
			return nil, err
		}
		e.Time = ts.Time
		if data.Valid {
			if err := json.Unmarshal([]byte(data.String), &e.Data); err != nil {
				return nil, fmt.Errorf("event %d: bad data: %w", e.ID, err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// -------- jobs --------

func (p *Default) SaveJobRun(ctx context.Context, j journal.JobRun) error {
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, p.rebind(`
		INSERT INTO jobs (name, spec, last_run, last_status, last_error, next_run)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT (name) DO UPDATE SET
			spec=excluded.spec, last_run=excluded.last_run, last_status=excluded.last_status,
			last_error=excluded.last_error, next_run=excluded.next_run`),
			j.Name, j.Spec, p.timeArg(j.LastRun), j.LastStatus, j.LastError, p.timeArg(j.NextRun))
		if err != nil {
			return fmt.Errorf("failed to save job %s: %w", j.Name, err)
		}
		return nil
	})
}

func (p *Default) ListJobRuns(ctx context.Context) ([]journal.JobRun, error) {
	rows, err := p.queryWithTransaction(ctx,
		`SELECT name, spec, last_run, last_status, last_error, next_run FROM jobs ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var out []journal.JobRun
	for rows.Next() {
		var (
			j             journal.JobRun
			lastRun, next nullTime
		)
		if err := rows.Scan(&j.Name, &j.Spec, &lastRun, &j.LastStatus, &j.LastError, &next); err != nil {
			return nil, err
		}
		j.LastRun, j.NextRun = lastRun.Time, next.Time
		out = append(out, j)
	}
	return out, rows.Err()
}

// nullTime scans timestamps stored natively (postgres) or as text (sqlite).
type nullTime struct {
	Time  time.Time
	Valid bool
}

var timeLayouts = []string{
	sqliteTime,
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999 -0700 MST",
	"2006-01-02 15:04:05",
}

func (n *nullTime) Scan(v any) error {
	switch x := v.(type) {
	case nil:
		*n = nullTime{}
		return nil
	case time.Time:
		*n = nullTime{Time: x.UTC(), Valid: true}
		return nil
	case []byte:
		return n.parse(string(x))
	case string:
		return n.parse(x)
	}
	return fmt.Errorf("cannot scan %T into time", v)
}

func (n *nullTime) parse(s string) error {
	if s == "" {
		*n = nullTime{}
		return nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			*n = nullTime{Time: t.UTC(), Valid: true}
			return nil
		}
	}
	return fmt.Errorf("unrecognized time %q", s)
}

// compile-time check
var _ Storage = (*Default)(nil)
