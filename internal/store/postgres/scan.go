package postgres

import (
	"database/sql"
	"time"

	"github.com/alfredjeanlab/turnqueue/internal/model"
)

// scannable is the interface satisfied by both *sql.Row and *sql.Rows.
type scannable interface {
	Scan(dest ...any) error
}

// scanAgent scans a single row into a model.Agent.
// The row must contain columns in the order defined by agentColumns.
func scanAgent(row scannable) (*model.Agent, error) {
	var a model.Agent
	err := row.Scan(
		&a.ID,
		&a.Name,
		&a.JoinedAt,
		&a.Active,
		&a.Status,
		&a.OrderCount,
		&a.AverageCompletionTime,
		&a.TurnSkips,
		&a.ResponseDelay,
		&a.Version,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// scanAgents scans multiple rows into a slice of model.Agent pointers.
func scanAgents(rows *sql.Rows) ([]*model.Agent, error) {
	var agents []*model.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return agents, nil
}

func scanOrder(row scannable) (*model.Order, error) {
	var o model.Order
	var completion sql.NullInt64
	if err := row.Scan(&o.ID, &o.AgentID, &o.Reference, &o.Timestamp, &completion); err != nil {
		return nil, err
	}
	if completion.Valid {
		c := int(completion.Int64)
		o.CompletionTime = &c
	}
	return &o, nil
}

func scanOrders(rows *sql.Rows) ([]*model.Order, error) {
	var orders []*model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return orders, nil
}

// scanGlobalState scans a single row into a model.GlobalState.
// The row must contain columns in the order defined by stateColumns.
func scanGlobalState(row scannable) (*model.GlobalState, error) {
	var g model.GlobalState
	var (
		current   sql.NullInt64
		previous  sql.NullInt64
		turnStart sql.NullTime
		cause     string
	)
	err := row.Scan(&g.ID, &current, &turnStart, &previous, &cause, &g.UpdatedAt, &g.Version)
	if err != nil {
		return nil, err
	}
	g.CurrentAgentID = int64Ptr(current)
	g.PreviousAgentID = int64Ptr(previous)
	if turnStart.Valid {
		t := turnStart.Time
		g.TurnStartTime = &t
	}
	g.LastCause = model.AdvanceCause(cause)
	return &g, nil
}

func scanTurnEvent(row scannable) (*model.TurnEvent, error) {
	var e model.TurnEvent
	var from, to sql.NullInt64
	if err := row.Scan(&e.ID, &e.Cause, &from, &to, &e.At); err != nil {
		return nil, err
	}
	e.FromAgentID = int64Ptr(from)
	e.ToAgentID = int64Ptr(to)
	return &e, nil
}

func scanTurnEvents(rows *sql.Rows) ([]*model.TurnEvent, error) {
	var events []*model.TurnEvent
	for rows.Next() {
		e, err := scanTurnEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// nullTimePtr converts a *time.Time to sql.NullTime.
func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// nullInt64Ptr converts a *int64 to sql.NullInt64.
func nullInt64Ptr(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullIntPtr(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func int64Ptr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}
