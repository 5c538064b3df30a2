package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/alfredjeanlab/turnqueue/internal/model"
)

// Source is the read side of the queue an export needs.
// *statestore.Store satisfies it.
type Source interface {
	Agents(ctx context.Context) ([]*model.Agent, error)
	Orders(ctx context.Context, filter model.OrderFilter) ([]*model.Order, error)
	GlobalState(ctx context.Context) (*model.GlobalState, error)
	TurnEvents(ctx context.Context, limit int) ([]*model.TurnEvent, error)
}

// FormatVersion is written in every export header.
const FormatVersion = "1"

// header is the first JSONL record written by ExportJSONL.
type header struct {
	Version        string    `json:"version"`
	Type           string    `json:"type"`
	Timestamp      time.Time `json:"timestamp"`
	AgentCount     int       `json:"agent_count"`
	OrderCount     int       `json:"order_count"`
	TurnEventCount int       `json:"turn_event_count"`
}

// record wraps a single JSONL line with a type discriminator.
type record struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// ExportJSONL writes a snapshot of the queue to w: a header, the turn
// pointer (when one exists), then agents in join order, orders oldest
// first, and turn events oldest first.
func ExportJSONL(ctx context.Context, src Source, w io.Writer, now time.Time) error {
	agents, err := src.Agents(ctx)
	if err != nil {
		return fmt.Errorf("list agents: %w", err)
	}
	orders, err := src.Orders(ctx, model.OrderFilter{})
	if err != nil {
		return fmt.Errorf("list orders: %w", err)
	}
	state, err := src.GlobalState(ctx)
	if err != nil {
		return fmt.Errorf("read turn state: %w", err)
	}
	turns, err := src.TurnEvents(ctx, 0)
	if err != nil {
		return fmt.Errorf("list turn events: %w", err)
	}

	// Both lists come back newest first.
	slices.Reverse(orders)
	slices.Reverse(turns)

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)

	if err := enc.Encode(header{
		Version:        FormatVersion,
		Type:           "header",
		Timestamp:      now.UTC(),
		AgentCount:     len(agents),
		OrderCount:     len(orders),
		TurnEventCount: len(turns),
	}); err != nil {
		return fmt.Errorf("encode header: %w", err)
	}
	if state != nil {
		if err := enc.Encode(record{Type: "global_state", Data: state}); err != nil {
			return fmt.Errorf("encode turn state: %w", err)
		}
	}
	for _, a := range agents {
		if err := enc.Encode(record{Type: "agent", Data: a}); err != nil {
			return fmt.Errorf("encode agent %d: %w", a.ID, err)
		}
	}
	for _, o := range orders {
		if err := enc.Encode(record{Type: "order", Data: o}); err != nil {
			return fmt.Errorf("encode order %d: %w", o.ID, err)
		}
	}
	for _, e := range turns {
		if err := enc.Encode(record{Type: "turn_event", Data: e}); err != nil {
			return fmt.Errorf("encode turn event %d: %w", e.ID, err)
		}
	}
	return nil
}
