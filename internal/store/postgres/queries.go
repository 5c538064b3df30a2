package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/alfredjeanlab/turnqueue/internal/model"
	"github.com/alfredjeanlab/turnqueue/internal/store"
)

// agentColumns is the column list used for SELECT statements on the agents table.
const agentColumns = `id, name, joined_at, active, status, order_count,
	average_completion_time, turn_skips, response_delay, version`

const orderColumns = `id, agent_id, reference, submitted_at, completion_time`

const stateColumns = `id, current_agent_id, turn_start_time, previous_agent_id,
	last_cause, updated_at, version`

const turnEventColumns = `id, cause, from_agent_id, to_agent_id, at`

// executor is satisfied by *sql.DB and *sql.Tx.
type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries runs every statement against db, which is either the pool or an
// open transaction.
type queries struct {
	db executor
}

// notFound maps sql.ErrNoRows to store.ErrNotFound.
func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, store.ErrNotFound)
	}
	return err
}

func (q queries) CreateAgent(ctx context.Context, a *model.Agent) error {
	row := q.db.QueryRowContext(ctx, `
		INSERT INTO agents (
			name, joined_at, active, status, order_count,
			average_completion_time, turn_skips, response_delay, version
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1)
		RETURNING id, version`,
		a.Name,
		a.JoinedAt,
		a.Active,
		string(a.Status),
		a.OrderCount,
		a.AverageCompletionTime,
		a.TurnSkips,
		a.ResponseDelay,
	)
	return row.Scan(&a.ID, &a.Version)
}

func (q queries) GetAgent(ctx context.Context, id int64) (*model.Agent, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, id)
	a, err := scanAgent(row)
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("agent %d", id))
	}
	return a, nil
}

func (q queries) ListAgents(ctx context.Context) ([]*model.Agent, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY joined_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAgents(rows)
}

func (q queries) UpdateAgent(ctx context.Context, id int64, p model.AgentPatch) (*model.Agent, error) {
	var (
		sets   []string
		args   []any
		argIdx int
	)

	nextArg := func() string {
		argIdx++
		return fmt.Sprintf("$%d", argIdx)
	}

	if p.Active != nil {
		sets = append(sets, "active = "+nextArg())
		args = append(args, *p.Active)
	}
	if p.Status != nil {
		sets = append(sets, "status = "+nextArg())
		args = append(args, string(*p.Status))
	}
	if p.OrderCount != nil {
		sets = append(sets, "order_count = "+nextArg())
		args = append(args, *p.OrderCount)
	}
	if p.AverageCompletionTime != nil {
		sets = append(sets, "average_completion_time = "+nextArg())
		args = append(args, *p.AverageCompletionTime)
	}
	if p.TurnSkips != nil {
		sets = append(sets, "turn_skips = "+nextArg())
		args = append(args, *p.TurnSkips)
	}
	if p.ResponseDelay != nil {
		sets = append(sets, "response_delay = "+nextArg())
		args = append(args, *p.ResponseDelay)
	}
	if len(sets) == 0 {
		return q.GetAgent(ctx, id)
	}
	sets = append(sets, "version = version + 1")

	query := `UPDATE agents SET ` + strings.Join(sets, ", ") +
		` WHERE id = ` + nextArg() + ` RETURNING ` + agentColumns
	args = append(args, id)

	a, err := scanAgent(q.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("agent %d", id))
	}
	return a, nil
}

func (q queries) CreateOrder(ctx context.Context, o *model.Order) error {
	row := q.db.QueryRowContext(ctx, `
		INSERT INTO orders (agent_id, reference, submitted_at, completion_time)
		VALUES ($1, $2, $3, $4)
		RETURNING id`,
		o.AgentID,
		o.Reference,
		o.Timestamp,
		nullIntPtr(o.CompletionTime),
	)
	return row.Scan(&o.ID)
}

func (q queries) ListOrders(ctx context.Context, filter model.OrderFilter) ([]*model.Order, error) {
	var (
		whereClauses []string
		args         []any
		argIdx       int
	)

	nextArg := func() string {
		argIdx++
		return fmt.Sprintf("$%d", argIdx)
	}

	if filter.AgentID != nil {
		whereClauses = append(whereClauses, "agent_id = "+nextArg())
		args = append(args, *filter.AgentID)
	}
	if filter.Since != nil {
		whereClauses = append(whereClauses, "submitted_at >= "+nextArg())
		args = append(args, *filter.Since)
	}
	if filter.Until != nil {
		whereClauses = append(whereClauses, "submitted_at <= "+nextArg())
		args = append(args, *filter.Until)
	}

	query := `SELECT ` + orderColumns + ` FROM orders`
	if len(whereClauses) > 0 {
		query += " WHERE " + strings.Join(whereClauses, " AND ")
	}
	query += " ORDER BY submitted_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT " + nextArg()
		args = append(args, filter.Limit)
	}

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

func (q queries) GetGlobalState(ctx context.Context) (*model.GlobalState, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+stateColumns+` FROM global_state WHERE id = $1`, model.GlobalStateID)
	g, err := scanGlobalState(row)
	if err != nil {
		return nil, notFound(err, "global state")
	}
	return g, nil
}

func (q queries) UpsertGlobalState(ctx context.Context, g *model.GlobalState) error {
	row := q.db.QueryRowContext(ctx, `
		INSERT INTO global_state (
			id, current_agent_id, turn_start_time, previous_agent_id,
			last_cause, updated_at, version
		) VALUES ($1, $2, $3, $4, $5, $6, 1)
		ON CONFLICT (id) DO UPDATE SET
			current_agent_id = EXCLUDED.current_agent_id,
			turn_start_time = EXCLUDED.turn_start_time,
			previous_agent_id = EXCLUDED.previous_agent_id,
			last_cause = EXCLUDED.last_cause,
			updated_at = EXCLUDED.updated_at,
			version = global_state.version + 1
		RETURNING version`,
		model.GlobalStateID,
		nullInt64Ptr(g.CurrentAgentID),
		nullTimePtr(g.TurnStartTime),
		nullInt64Ptr(g.PreviousAgentID),
		string(g.LastCause),
		g.UpdatedAt,
	)
	if err := row.Scan(&g.Version); err != nil {
		return err
	}
	g.ID = model.GlobalStateID
	return nil
}

// queryCompareAndSetGlobalState writes g only when the stored version
// equals expected. Version 0 means the row must not exist yet.
func (q queries) CompareAndSetGlobalState(ctx context.Context, g *model.GlobalState, expected int64) error {
	var row *sql.Row
	if expected == 0 {
		row = q.db.QueryRowContext(ctx, `
			INSERT INTO global_state (
				id, current_agent_id, turn_start_time, previous_agent_id,
				last_cause, updated_at, version
			) VALUES ($1, $2, $3, $4, $5, $6, 1)
			ON CONFLICT (id) DO NOTHING
			RETURNING version`,
			model.GlobalStateID,
			nullInt64Ptr(g.CurrentAgentID),
			nullTimePtr(g.TurnStartTime),
			nullInt64Ptr(g.PreviousAgentID),
			string(g.LastCause),
			g.UpdatedAt,
		)
	} else {
		row = q.db.QueryRowContext(ctx, `
			UPDATE global_state SET
				current_agent_id = $2,
				turn_start_time = $3,
				previous_agent_id = $4,
				last_cause = $5,
				updated_at = $6,
				version = version + 1
			WHERE id = $1 AND version = $7
			RETURNING version`,
			model.GlobalStateID,
			nullInt64Ptr(g.CurrentAgentID),
			nullTimePtr(g.TurnStartTime),
			nullInt64Ptr(g.PreviousAgentID),
			string(g.LastCause),
			g.UpdatedAt,
			expected,
		)
	}

	var version int64
	if err := row.Scan(&version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("global state expected version %d: %w", expected, store.ErrConflict)
		}
		return err
	}
	g.ID = model.GlobalStateID
	g.Version = version
	return nil
}

func (q queries) RecordTurnEvent(ctx context.Context, e *model.TurnEvent) error {
	row := q.db.QueryRowContext(ctx, `
		INSERT INTO turn_events (cause, from_agent_id, to_agent_id, at)
		VALUES ($1, $2, $3, $4)
		RETURNING id`,
		string(e.Cause),
		nullInt64Ptr(e.FromAgentID),
		nullInt64Ptr(e.ToAgentID),
		e.At,
	)
	return row.Scan(&e.ID)
}

func (q queries) ListTurnEvents(ctx context.Context, limit int) ([]*model.TurnEvent, error) {
	query := `SELECT ` + turnEventColumns + ` FROM turn_events ORDER BY id DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT $1"
		args = append(args, limit)
	}
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTurnEvents(rows)
}
