// Package client provides the interface the turnq CLI uses to talk to a
// running server, and its HTTP/JSON implementation.
package client

import (
	"context"

	"github.com/alfredjeanlab/turnqueue/internal/events"
	"github.com/alfredjeanlab/turnqueue/internal/model"
	"github.com/alfredjeanlab/turnqueue/internal/orders"
)

// QueueClient is implemented by HTTPClient.
type QueueClient interface {
	// Agents
	ListAgents(ctx context.Context) (*AgentList, error)
	GetAgent(ctx context.Context, id int64) (*AgentEntry, error)
	AddAgent(ctx context.Context, name string) (*model.Agent, error)
	SetAgentActive(ctx context.Context, id int64, active bool) (*model.Agent, error)
	Notify(ctx context.Context, id int64, text, from string) (*events.Message, error)

	// Turn
	State(ctx context.Context) (*model.GlobalState, error)
	Advance(ctx context.Context, cause model.AdvanceCause) (*model.GlobalState, error)
	Force(ctx context.Context, id int64) (*model.GlobalState, error)
	TurnEvents(ctx context.Context, limit int) ([]*model.TurnEvent, error)

	// Orders
	ListOrders(ctx context.Context, req *ListOrdersRequest) ([]*model.Order, error)
	Submit(ctx context.Context, agentID int64, reference string) (*orders.Receipt, error)
	Stats(ctx context.Context, rng model.OrderRange) (*orders.Stats, error)

	Health(ctx context.Context) (string, error)
	Close() error
}

// AgentEntry is an agent as the server lists it.
type AgentEntry struct {
	model.Agent
	Current         bool `json:"current"`
	RecentlySkipped bool `json:"recently_skipped"`
}

// AgentList is the response of GET /v1/agents.
type AgentList struct {
	Agents         []AgentEntry `json:"agents"`
	CurrentAgentID *int64       `json:"current_agent_id"`
}

// ListOrdersRequest filters GET /v1/orders. Zero fields are omitted.
type ListOrdersRequest struct {
	AgentID int64
	Range   model.OrderRange
	Limit   int
}
