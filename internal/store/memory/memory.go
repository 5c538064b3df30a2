// Package memory implements store.Store in process memory. It backs tests
// and single-process demos; nothing survives a restart.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/alfredjeanlab/turnqueue/internal/model"
	"github.com/alfredjeanlab/turnqueue/internal/store"
)

// MemoryStore implements store.Store backed by maps guarded by a mutex.
type MemoryStore struct {
	mu      sync.Mutex
	agents  map[int64]*model.Agent
	orders  []*model.Order
	state   *model.GlobalState
	events  []*model.TurnEvent
	agentID int64
	orderID int64
	eventID int64
}

// Compile-time check that MemoryStore implements store.Store.
var _ store.Store = (*MemoryStore)(nil)

// New returns an empty store.
func New() *MemoryStore {
	return &MemoryStore{agents: make(map[int64]*model.Agent)}
}

func (s *MemoryStore) CreateAgent(_ context.Context, agent *model.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agentID++
	agent.ID = s.agentID
	agent.Version = 1
	s.agents[agent.ID] = agent.Clone()
	return nil
}

func (s *MemoryStore) GetAgent(_ context.Context, id int64) (*model.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, fmt.Errorf("agent %d: %w", id, store.ErrNotFound)
	}
	return a.Clone(), nil
}

func (s *MemoryStore) ListAgents(_ context.Context) ([]*model.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) UpdateAgent(_ context.Context, id int64, patch model.AgentPatch) (*model.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, fmt.Errorf("agent %d: %w", id, store.ErrNotFound)
	}
	patch.Apply(a)
	a.Version++
	return a.Clone(), nil
}

func (s *MemoryStore) CreateOrder(_ context.Context, order *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[order.AgentID]; !ok {
		return fmt.Errorf("order agent %d: %w", order.AgentID, store.ErrNotFound)
	}
	s.orderID++
	order.ID = s.orderID
	c := *order
	s.orders = append(s.orders, &c)
	return nil
}

func (s *MemoryStore) ListOrders(_ context.Context, filter model.OrderFilter) ([]*model.Order, error) {
	s.mu.Lock()
	newest := make([]*model.Order, 0, len(s.orders))
	for i := len(s.orders) - 1; i >= 0; i-- {
		c := *s.orders[i]
		newest = append(newest, &c)
	}
	s.mu.Unlock()
	sort.SliceStable(newest, func(i, j int) bool {
		return newest[i].Timestamp.After(newest[j].Timestamp)
	})
	return model.FilterOrders(newest, filter), nil
}

func (s *MemoryStore) GetGlobalState(_ context.Context) (*model.GlobalState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return nil, fmt.Errorf("global state: %w", store.ErrNotFound)
	}
	return s.state.Clone(), nil
}

func (s *MemoryStore) UpsertGlobalState(_ context.Context, state *model.GlobalState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(state, model.VersionOf(s.state)+1)
	return nil
}

func (s *MemoryStore) CompareAndSetGlobalState(_ context.Context, state *model.GlobalState, expected int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if model.VersionOf(s.state) != expected {
		return fmt.Errorf("global state at version %d, expected %d: %w",
			model.VersionOf(s.state), expected, store.ErrConflict)
	}
	s.put(state, expected+1)
	return nil
}

// put stores a copy of state at version. Caller holds mu.
func (s *MemoryStore) put(state *model.GlobalState, version int64) {
	state.ID = model.GlobalStateID
	state.Version = version
	s.state = state.Clone()
}

func (s *MemoryStore) RecordTurnEvent(_ context.Context, event *model.TurnEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eventID++
	event.ID = s.eventID
	c := *event
	s.events = append(s.events, &c)
	return nil
}

func (s *MemoryStore) ListTurnEvents(_ context.Context, limit int) ([]*model.TurnEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.TurnEvent
	for i := len(s.events) - 1; i >= 0; i-- {
		c := *s.events[i]
		out = append(out, &c)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// RunInTransaction runs fn against the store and restores the previous
// contents if fn fails. Concurrent callers are not isolated from each other.
func (s *MemoryStore) RunInTransaction(_ context.Context, fn func(tx store.Store) error) error {
	snap := s.snapshot()
	if err := fn(s); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}

type snapshot struct {
	agents  map[int64]*model.Agent
	orders  []*model.Order
	state   *model.GlobalState
	events  []*model.TurnEvent
	agentID int64
	orderID int64
	eventID int64
}

func (s *MemoryStore) snapshot() snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := snapshot{
		agents:  make(map[int64]*model.Agent, len(s.agents)),
		orders:  append([]*model.Order(nil), s.orders...),
		state:   s.state.Clone(),
		events:  append([]*model.TurnEvent(nil), s.events...),
		agentID: s.agentID,
		orderID: s.orderID,
		eventID: s.eventID,
	}
	for id, a := range s.agents {
		snap.agents[id] = a.Clone()
	}
	return snap
}

func (s *MemoryStore) restore(snap snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents = snap.agents
	s.orders = snap.orders
	s.state = snap.state
	s.events = snap.events
	s.agentID, s.orderID, s.eventID = snap.agentID, snap.orderID, snap.eventID
}
