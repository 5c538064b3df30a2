// Package projection keeps an in-memory mirror of the shared state, built
// by folding change notifications through a single reducer. Every entity
// carries a version; stale or repeated changes are ignored, so
// at-least-once delivery is safe.
package projection

import (
	"fmt"
	"sort"
	"sync"

	"github.com/alfredjeanlab/turnqueue/internal/events"
	"github.com/alfredjeanlab/turnqueue/internal/model"
)

// DefaultMaxOrders bounds how many recent orders the mirror retains.
const DefaultMaxOrders = 1000

// Snapshot is a consistent copy of the projection.
type Snapshot struct {
	Agents []*model.Agent     `json:"agents"`
	State  *model.GlobalState `json:"state"`
	Orders []*model.Order     `json:"orders"`
}

// Projection is safe for concurrent use.
type Projection struct {
	mu        sync.RWMutex
	agents    map[int64]*model.Agent
	state     *model.GlobalState
	orders    []*model.Order // newest first
	orderIDs  map[int64]bool
	maxOrders int
}

// New returns an empty projection.
func New() *Projection {
	return &Projection{
		agents:    make(map[int64]*model.Agent),
		orderIDs:  make(map[int64]bool),
		maxOrders: DefaultMaxOrders,
	}
}

// Reset replaces the projection contents with a freshly read snapshot.
// orders must be newest first.
func (p *Projection) Reset(agents []*model.Agent, state *model.GlobalState, orders []*model.Order) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.agents = make(map[int64]*model.Agent, len(agents))
	for _, a := range agents {
		p.agents[a.ID] = a.Clone()
	}
	p.state = state.Clone()
	p.orders = nil
	p.orderIDs = make(map[int64]bool, len(orders))
	for _, o := range orders {
		if len(p.orders) >= p.maxOrders {
			break
		}
		c := *o
		p.orders = append(p.orders, &c)
		p.orderIDs[o.ID] = true
	}
}

// Apply folds one change into the projection. It reports whether the
// change altered anything.
func (p *Projection) Apply(c *events.Change) (bool, error) {
	switch c.Table {
	case events.TableGlobalState:
		return p.applyState(c)
	case events.TableAgents:
		return p.applyAgent(c)
	case events.TableOrders:
		return p.applyOrder(c)
	case events.TableTurnEvents:
		return false, nil
	}
	return false, fmt.Errorf("projection: unknown table %q", c.Table)
}

func (p *Projection) applyState(c *events.Change) (bool, error) {
	if c.Type == events.Delete {
		p.mu.Lock()
		defer p.mu.Unlock()
		changed := p.state != nil
		p.state = nil
		return changed, nil
	}
	var g model.GlobalState
	if err := c.DecodeNew(&g); err != nil {
		return false, err
	}
	return p.ApplyState(&g), nil
}

// ApplyState installs g if it is newer than the mirrored state.
func (p *Projection) ApplyState(g *model.GlobalState) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != nil && g.Version <= p.state.Version {
		return false
	}
	p.state = g.Clone()
	return true
}

func (p *Projection) applyAgent(c *events.Change) (bool, error) {
	if c.Type == events.Delete {
		var old model.Agent
		if err := c.DecodeOld(&old); err != nil {
			return false, err
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		_, ok := p.agents[old.ID]
		delete(p.agents, old.ID)
		return ok, nil
	}
	var a model.Agent
	if err := c.DecodeNew(&a); err != nil {
		return false, err
	}
	return p.ApplyAgent(&a), nil
}

// ApplyAgent installs a if it is newer than the mirrored row.
func (p *Projection) ApplyAgent(a *model.Agent) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.agents[a.ID]; ok && a.Version <= cur.Version {
		return false
	}
	p.agents[a.ID] = a.Clone()
	return true
}

func (p *Projection) applyOrder(c *events.Change) (bool, error) {
	if c.Type == events.Delete {
		var old model.Order
		if err := c.DecodeOld(&old); err != nil {
			return false, err
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		if !p.orderIDs[old.ID] {
			return false, nil
		}
		delete(p.orderIDs, old.ID)
		for i, o := range p.orders {
			if o.ID == old.ID {
				p.orders = append(p.orders[:i], p.orders[i+1:]...)
				break
			}
		}
		return true, nil
	}
	var o model.Order
	if err := c.DecodeNew(&o); err != nil {
		return false, err
	}
	return p.ApplyOrder(&o), nil
}

// ApplyOrder records o unless it is already present. Orders are
// immutable, so a repeat is always a duplicate delivery.
func (p *Projection) ApplyOrder(o *model.Order) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.orderIDs[o.ID] {
		return false
	}
	c := *o
	p.orderIDs[o.ID] = true
	p.orders = append(p.orders, &c)
	sort.SliceStable(p.orders, func(i, j int) bool {
		if !p.orders[i].Timestamp.Equal(p.orders[j].Timestamp) {
			return p.orders[i].Timestamp.After(p.orders[j].Timestamp)
		}
		return p.orders[i].ID > p.orders[j].ID
	})
	if len(p.orders) > p.maxOrders {
		for _, dropped := range p.orders[p.maxOrders:] {
			delete(p.orderIDs, dropped.ID)
		}
		p.orders = p.orders[:p.maxOrders]
	}
	return true
}

// State returns a copy of the mirrored turn pointer, or nil.
func (p *Projection) State() *model.GlobalState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state.Clone()
}

// Agent returns a copy of one mirrored agent, or nil.
func (p *Projection) Agent(id int64) *model.Agent {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.agents[id].Clone()
}

// Agents returns copies of the mirrored agents in join order.
func (p *Projection) Agents() []*model.Agent {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.agentsLocked()
}

func (p *Projection) agentsLocked() []*model.Agent {
	out := make([]*model.Agent, 0, len(p.agents))
	for _, a := range p.agents {
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Orders returns copies of the mirrored orders, newest first.
func (p *Projection) Orders() []*model.Order {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.ordersLocked()
}

func (p *Projection) ordersLocked() []*model.Order {
	out := make([]*model.Order, len(p.orders))
	for i, o := range p.orders {
		c := *o
		out[i] = &c
	}
	return out
}

// Current returns the agent holding the turn, or nil.
func (p *Projection) Current() *model.Agent {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.state == nil || p.state.CurrentAgentID == nil {
		return nil
	}
	return p.agents[*p.state.CurrentAgentID].Clone()
}

// Snapshot returns a consistent copy of everything.
func (p *Projection) Snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Snapshot{
		Agents: p.agentsLocked(),
		State:  p.state.Clone(),
		Orders: p.ordersLocked(),
	}
}
