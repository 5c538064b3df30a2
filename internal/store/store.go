package store

import (
	"context"

	"github.com/alfredjeanlab/turnqueue/internal/model"
)

// Store defines the persistence interface for the turn queue.
type Store interface {
	// Agents
	CreateAgent(ctx context.Context, agent *model.Agent) error
	GetAgent(ctx context.Context, id int64) (*model.Agent, error)
	ListAgents(ctx context.Context) ([]*model.Agent, error) // ordered by joined_at, id
	UpdateAgent(ctx context.Context, id int64, patch model.AgentPatch) (*model.Agent, error)

	// Orders
	CreateOrder(ctx context.Context, order *model.Order) error
	ListOrders(ctx context.Context, filter model.OrderFilter) ([]*model.Order, error) // newest first

	// Turn pointer
	GetGlobalState(ctx context.Context) (*model.GlobalState, error)
	UpsertGlobalState(ctx context.Context, state *model.GlobalState) error
	// CompareAndSetGlobalState writes state only if the stored version equals
	// expected (0 meaning no row yet). On success state.Version is expected+1;
	// otherwise ErrConflict is returned.
	CompareAndSetGlobalState(ctx context.Context, state *model.GlobalState, expected int64) error

	// Turn events
	RecordTurnEvent(ctx context.Context, event *model.TurnEvent) error
	ListTurnEvents(ctx context.Context, limit int) ([]*model.TurnEvent, error) // newest first

	// Transaction support
	RunInTransaction(ctx context.Context, fn func(tx Store) error) error

	// Lifecycle
	Close() error
}
