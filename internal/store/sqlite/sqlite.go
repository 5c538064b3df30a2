// Package sqlite implements store.Store on an embedded SQLite database for
// single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/alfredjeanlab/turnqueue/internal/model"
	"github.com/alfredjeanlab/turnqueue/internal/store"
)

// SQLiteStore implements store.Store using SQLite. Timestamps are stored
// as unix milliseconds.
type SQLiteStore struct {
	db *sql.DB
}

// Compile-time check that SQLiteStore implements store.Store.
var _ store.Store = (*SQLiteStore)(nil)

// New opens (creating if needed) the database at dbPath and initializes
// the schema.
func New(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Pragmas in the DSN apply to every pooled connection.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)" +
		"&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS agents (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		joined_at INTEGER NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		status TEXT NOT NULL DEFAULT 'active',
		order_count INTEGER NOT NULL DEFAULT 0,
		average_completion_time REAL NOT NULL DEFAULT 0,
		turn_skips INTEGER NOT NULL DEFAULT 0,
		response_delay REAL NOT NULL DEFAULT 0,
		version INTEGER NOT NULL DEFAULT 1
	);
	CREATE INDEX IF NOT EXISTS idx_agents_joined ON agents(joined_at, id);

	CREATE TABLE IF NOT EXISTS orders (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		agent_id INTEGER NOT NULL REFERENCES agents(id),
		reference TEXT NOT NULL,
		submitted_at INTEGER NOT NULL,
		completion_time INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_orders_submitted ON orders(submitted_at);

	CREATE TABLE IF NOT EXISTS global_state (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		current_agent_id INTEGER,
		turn_start_time INTEGER,
		previous_agent_id INTEGER,
		last_cause TEXT NOT NULL DEFAULT '',
		updated_at INTEGER NOT NULL,
		version INTEGER NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS turn_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		cause TEXT NOT NULL,
		from_agent_id INTEGER,
		to_agent_id INTEGER,
		at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// RunInTransaction runs fn inside a single SQLite transaction.
func (s *SQLiteStore) RunInTransaction(ctx context.Context, fn func(tx store.Store) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(&txStore{q: queries{db: tx}}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *SQLiteStore) q() queries { return queries{db: s.db} }

func (s *SQLiteStore) CreateAgent(ctx context.Context, a *model.Agent) error {
	return s.q().createAgent(ctx, a)
}

func (s *SQLiteStore) GetAgent(ctx context.Context, id int64) (*model.Agent, error) {
	return s.q().getAgent(ctx, id)
}

func (s *SQLiteStore) ListAgents(ctx context.Context) ([]*model.Agent, error) {
	return s.q().listAgents(ctx)
}

func (s *SQLiteStore) UpdateAgent(ctx context.Context, id int64, p model.AgentPatch) (*model.Agent, error) {
	return s.q().updateAgent(ctx, id, p)
}

func (s *SQLiteStore) CreateOrder(ctx context.Context, o *model.Order) error {
	return s.q().createOrder(ctx, o)
}

func (s *SQLiteStore) ListOrders(ctx context.Context, f model.OrderFilter) ([]*model.Order, error) {
	return s.q().listOrders(ctx, f)
}

func (s *SQLiteStore) GetGlobalState(ctx context.Context) (*model.GlobalState, error) {
	return s.q().getGlobalState(ctx)
}

func (s *SQLiteStore) UpsertGlobalState(ctx context.Context, g *model.GlobalState) error {
	return s.q().upsertGlobalState(ctx, g)
}

func (s *SQLiteStore) CompareAndSetGlobalState(ctx context.Context, g *model.GlobalState, expected int64) error {
	return s.q().compareAndSetGlobalState(ctx, g, expected)
}

func (s *SQLiteStore) RecordTurnEvent(ctx context.Context, e *model.TurnEvent) error {
	return s.q().recordTurnEvent(ctx, e)
}

func (s *SQLiteStore) ListTurnEvents(ctx context.Context, limit int) ([]*model.TurnEvent, error) {
	return s.q().listTurnEvents(ctx, limit)
}

// txStore implements store.Store on an open transaction.
type txStore struct {
	q queries
}

var _ store.Store = (*txStore)(nil)

func (t *txStore) CreateAgent(ctx context.Context, a *model.Agent) error {
	return t.q.createAgent(ctx, a)
}

func (t *txStore) GetAgent(ctx context.Context, id int64) (*model.Agent, error) {
	return t.q.getAgent(ctx, id)
}

func (t *txStore) ListAgents(ctx context.Context) ([]*model.Agent, error) {
	return t.q.listAgents(ctx)
}

func (t *txStore) UpdateAgent(ctx context.Context, id int64, p model.AgentPatch) (*model.Agent, error) {
	return t.q.updateAgent(ctx, id, p)
}

func (t *txStore) CreateOrder(ctx context.Context, o *model.Order) error {
	return t.q.createOrder(ctx, o)
}

func (t *txStore) ListOrders(ctx context.Context, f model.OrderFilter) ([]*model.Order, error) {
	return t.q.listOrders(ctx, f)
}

func (t *txStore) GetGlobalState(ctx context.Context) (*model.GlobalState, error) {
	return t.q.getGlobalState(ctx)
}

func (t *txStore) UpsertGlobalState(ctx context.Context, g *model.GlobalState) error {
	return t.q.upsertGlobalState(ctx, g)
}

func (t *txStore) CompareAndSetGlobalState(ctx context.Context, g *model.GlobalState, expected int64) error {
	return t.q.compareAndSetGlobalState(ctx, g, expected)
}

func (t *txStore) RecordTurnEvent(ctx context.Context, e *model.TurnEvent) error {
	return t.q.recordTurnEvent(ctx, e)
}

func (t *txStore) ListTurnEvents(ctx context.Context, limit int) ([]*model.TurnEvent, error) {
	return t.q.listTurnEvents(ctx, limit)
}

// RunInTransaction reuses the open transaction.
func (t *txStore) RunInTransaction(_ context.Context, fn func(tx store.Store) error) error {
	return fn(t)
}

// Close is a no-op; the parent store owns the connection.
func (t *txStore) Close() error {
	return nil
}

// executor is the interface satisfied by both *sql.DB and *sql.Tx.
type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type queries struct {
	db executor
}

const agentColumns = `id, name, joined_at, active, status, order_count,
	average_completion_time, turn_skips, response_delay, version`

func (q queries) createAgent(ctx context.Context, a *model.Agent) error {
	res, err := q.db.ExecContext(ctx, `
		INSERT INTO agents (name, joined_at, active, status, order_count,
			average_completion_time, turn_skips, response_delay, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		a.Name, toMillis(a.JoinedAt), a.Active, string(a.Status), a.OrderCount,
		a.AverageCompletionTime, a.TurnSkips, a.ResponseDelay,
	)
	if err != nil {
		return fmt.Errorf("insert agent: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("agent id: %w", err)
	}
	a.ID = id
	a.Version = 1
	return nil
}

func (q queries) getAgent(ctx context.Context, id int64) (*model.Agent, error) {
	a, err := scanAgent(q.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("agent %d: %w", id, store.ErrNotFound)
	}
	return a, err
}

func (q queries) listAgents(ctx context.Context) ([]*model.Agent, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY joined_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()
	var out []*model.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (q queries) updateAgent(ctx context.Context, id int64, p model.AgentPatch) (*model.Agent, error) {
	var (
		sets []string
		args []any
	)
	if p.Active != nil {
		sets = append(sets, "active = ?")
		args = append(args, *p.Active)
	}
	if p.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*p.Status))
	}
	if p.OrderCount != nil {
		sets = append(sets, "order_count = ?")
		args = append(args, *p.OrderCount)
	}
	if p.AverageCompletionTime != nil {
		sets = append(sets, "average_completion_time = ?")
		args = append(args, *p.AverageCompletionTime)
	}
	if p.TurnSkips != nil {
		sets = append(sets, "turn_skips = ?")
		args = append(args, *p.TurnSkips)
	}
	if p.ResponseDelay != nil {
		sets = append(sets, "response_delay = ?")
		args = append(args, *p.ResponseDelay)
	}
	if len(sets) == 0 {
		return q.getAgent(ctx, id)
	}
	sets = append(sets, "version = version + 1")
	args = append(args, id)

	query := `UPDATE agents SET ` + strings.Join(sets, ", ") + ` WHERE id = ? RETURNING ` + agentColumns
	a, err := scanAgent(q.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("agent %d: %w", id, store.ErrNotFound)
	}
	return a, err
}

func (q queries) createOrder(ctx context.Context, o *model.Order) error {
	var completion any
	if o.CompletionTime != nil {
		completion = *o.CompletionTime
	}
	res, err := q.db.ExecContext(ctx, `
		INSERT INTO orders (agent_id, reference, submitted_at, completion_time)
		VALUES (?, ?, ?, ?)`,
		o.AgentID, o.Reference, toMillis(o.Timestamp), completion,
	)
	if err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY") {
			return fmt.Errorf("order agent %d: %w", o.AgentID, store.ErrNotFound)
		}
		return fmt.Errorf("insert order: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("order id: %w", err)
	}
	o.ID = id
	return nil
}

func (q queries) listOrders(ctx context.Context, f model.OrderFilter) ([]*model.Order, error) {
	var (
		where []string
		args  []any
	)
	if f.AgentID != nil {
		where = append(where, "agent_id = ?")
		args = append(args, *f.AgentID)
	}
	if f.Since != nil {
		where = append(where, "submitted_at >= ?")
		args = append(args, toMillis(*f.Since))
	}
	if f.Until != nil {
		where = append(where, "submitted_at <= ?")
		args = append(args, toMillis(*f.Until))
	}
	query := `SELECT id, agent_id, reference, submitted_at, completion_time FROM orders`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY submitted_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()
	var out []*model.Order
	for rows.Next() {
		var (
			o          model.Order
			ts         int64
			completion sql.NullInt64
		)
		if err := rows.Scan(&o.ID, &o.AgentID, &o.Reference, &ts, &completion); err != nil {
			return nil, err
		}
		o.Timestamp = fromMillis(ts)
		if completion.Valid {
			c := int(completion.Int64)
			o.CompletionTime = &c
		}
		out = append(out, &o)
	}
	return out, rows.Err()
}

func (q queries) getGlobalState(ctx context.Context) (*model.GlobalState, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT id, current_agent_id, turn_start_time, previous_agent_id,
		       last_cause, updated_at, version
		FROM global_state WHERE id = ?`, model.GlobalStateID)

	var (
		g                 model.GlobalState
		current, previous sql.NullInt64
		start             sql.NullInt64
		updated           int64
		cause             string
	)
	err := row.Scan(&g.ID, &current, &start, &previous, &cause, &updated, &g.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("global state: %w", store.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	g.CurrentAgentID = nullableInt64(current)
	g.PreviousAgentID = nullableInt64(previous)
	if start.Valid {
		t := fromMillis(start.Int64)
		g.TurnStartTime = &t
	}
	g.LastCause = model.AdvanceCause(cause)
	g.UpdatedAt = fromMillis(updated)
	return &g, nil
}

func (q queries) upsertGlobalState(ctx context.Context, g *model.GlobalState) error {
	row := q.db.QueryRowContext(ctx, `
		INSERT INTO global_state (id, current_agent_id, turn_start_time,
			previous_agent_id, last_cause, updated_at, version)
		VALUES (?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT(id) DO UPDATE SET
			current_agent_id = excluded.current_agent_id,
			turn_start_time = excluded.turn_start_time,
			previous_agent_id = excluded.previous_agent_id,
			last_cause = excluded.last_cause,
			updated_at = excluded.updated_at,
			version = global_state.version + 1
		RETURNING version`,
		stateArgs(g)...,
	)
	if err := row.Scan(&g.Version); err != nil {
		return fmt.Errorf("upsert global state: %w", err)
	}
	g.ID = model.GlobalStateID
	return nil
}

func (q queries) compareAndSetGlobalState(ctx context.Context, g *model.GlobalState, expected int64) error {
	var row *sql.Row
	if expected == 0 {
		row = q.db.QueryRowContext(ctx, `
			INSERT INTO global_state (id, current_agent_id, turn_start_time,
				previous_agent_id, last_cause, updated_at, version)
			VALUES (?, ?, ?, ?, ?, ?, 1)
			ON CONFLICT(id) DO NOTHING
			RETURNING version`,
			stateArgs(g)...,
		)
	} else {
		args := append(stateArgs(g)[1:], model.GlobalStateID, expected)
		row = q.db.QueryRowContext(ctx, `
			UPDATE global_state SET
				current_agent_id = ?,
				turn_start_time = ?,
				previous_agent_id = ?,
				last_cause = ?,
				updated_at = ?,
				version = version + 1
			WHERE id = ? AND version = ?
			RETURNING version`,
			args...,
		)
	}
	var version int64
	if err := row.Scan(&version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("global state expected version %d: %w", expected, store.ErrConflict)
		}
		return fmt.Errorf("compare-and-set global state: %w", err)
	}
	g.ID = model.GlobalStateID
	g.Version = version
	return nil
}

func (q queries) recordTurnEvent(ctx context.Context, e *model.TurnEvent) error {
	res, err := q.db.ExecContext(ctx, `
		INSERT INTO turn_events (cause, from_agent_id, to_agent_id, at)
		VALUES (?, ?, ?, ?)`,
		string(e.Cause), nullArg(e.FromAgentID), nullArg(e.ToAgentID), toMillis(e.At),
	)
	if err != nil {
		return fmt.Errorf("insert turn event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("turn event id: %w", err)
	}
	e.ID = id
	return nil
}

func (q queries) listTurnEvents(ctx context.Context, limit int) ([]*model.TurnEvent, error) {
	query := `SELECT id, cause, from_agent_id, to_agent_id, at FROM turn_events ORDER BY id DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list turn events: %w", err)
	}
	defer rows.Close()
	var out []*model.TurnEvent
	for rows.Next() {
		var (
			e        model.TurnEvent
			cause    string
			from, to sql.NullInt64
			at       int64
		)
		if err := rows.Scan(&e.ID, &cause, &from, &to, &at); err != nil {
			return nil, err
		}
		e.Cause = model.AdvanceCause(cause)
		e.FromAgentID = nullableInt64(from)
		e.ToAgentID = nullableInt64(to)
		e.At = fromMillis(at)
		out = append(out, &e)
	}
	return out, rows.Err()
}

func scanAgent(row interface{ Scan(...any) error }) (*model.Agent, error) {
	var (
		a      model.Agent
		joined int64
		status string
	)
	err := row.Scan(&a.ID, &a.Name, &joined, &a.Active, &status, &a.OrderCount,
		&a.AverageCompletionTime, &a.TurnSkips, &a.ResponseDelay, &a.Version)
	if err != nil {
		return nil, err
	}
	a.JoinedAt = fromMillis(joined)
	a.Status = model.Status(status)
	return &a, nil
}

func stateArgs(g *model.GlobalState) []any {
	var start any
	if g.TurnStartTime != nil {
		start = toMillis(*g.TurnStartTime)
	}
	return []any{
		model.GlobalStateID,
		nullArg(g.CurrentAgentID),
		start,
		nullArg(g.PreviousAgentID),
		string(g.LastCause),
		toMillis(g.UpdatedAt),
	}
}

func nullArg(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableInt64(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
