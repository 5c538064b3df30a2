package orders

import (
	"context"
	"fmt"
	"sort"

	"github.com/alfredjeanlab/turnqueue/internal/model"
)

// Query selects orders for History and Stats.
type Query struct {
	AgentID *int64
	Range   model.OrderRange
	Limit   int
}

func (q Query) filter(p *Pipeline) model.OrderFilter {
	f := q.Range.Filter(p.clock.Now())
	f.AgentID = q.AgentID
	f.Limit = q.Limit
	return f
}

// History lists matching orders, newest first.
func (p *Pipeline) History(ctx context.Context, q Query) ([]*model.Order, error) {
	orders, err := p.store.Orders(ctx, q.filter(p))
	if err != nil {
		return nil, fmt.Errorf("order history: %w", err)
	}
	return orders, nil
}

// AgentStats summarizes one agent's submissions.
type AgentStats struct {
	AgentID           int64   `json:"agent_id"`
	Name              string  `json:"name"`
	Active            bool    `json:"active"`
	Orders            int     `json:"orders"`
	AverageCompletion float64 `json:"average_completion"`
	TurnSkips         int     `json:"turn_skips"`
	RecentlySkipped   bool    `json:"recently_skipped"`
}

// Stats summarizes the queue.
type Stats struct {
	CompletedOrders   int          `json:"completed_orders"`
	ActiveAgents      int          `json:"active_agents"`
	AverageCompletion float64      `json:"average_completion"`
	Agents            []AgentStats `json:"agents"`
}

// Stats computes queue statistics over the orders matching q. Limit and
// AgentID are ignored.
func (p *Pipeline) Stats(ctx context.Context, q Query) (*Stats, error) {
	q.AgentID, q.Limit = nil, 0
	orders, err := p.store.Orders(ctx, q.filter(p))
	if err != nil {
		return nil, fmt.Errorf("order stats: %w", err)
	}
	agents, err := p.store.Agents(ctx)
	if err != nil {
		return nil, fmt.Errorf("order stats: %w", err)
	}
	state, err := p.store.GlobalState(ctx)
	if err != nil {
		return nil, fmt.Errorf("order stats: %w", err)
	}
	return ComputeStats(agents, orders, state), nil
}

// ComputeStats derives statistics from raw rows. Averages cover only
// orders with a recorded completion time. Agents without orders in the
// window are listed last, in join order.
func ComputeStats(agents []*model.Agent, orders []*model.Order, state *model.GlobalState) *Stats {
	type acc struct {
		orders, timed, total int
	}
	per := make(map[int64]*acc)
	st := &Stats{CompletedOrders: len(orders)}
	var timed, total int
	for _, o := range orders {
		a := per[o.AgentID]
		if a == nil {
			a = &acc{}
			per[o.AgentID] = a
		}
		a.orders++
		if o.CompletionTime != nil {
			a.timed++
			a.total += *o.CompletionTime
			timed++
			total += *o.CompletionTime
		}
	}
	if timed > 0 {
		st.AverageCompletion = float64(total) / float64(timed)
	}

	for _, ag := range agents {
		if ag.Active {
			st.ActiveAgents++
		}
		s := AgentStats{
			AgentID:         ag.ID,
			Name:            ag.Name,
			Active:          ag.Active,
			TurnSkips:       ag.TurnSkips,
			RecentlySkipped: model.RecentlySkipped(ag.ID, state),
		}
		if a := per[ag.ID]; a != nil {
			s.Orders = a.orders
			if a.timed > 0 {
				s.AverageCompletion = float64(a.total) / float64(a.timed)
			}
		}
		st.Agents = append(st.Agents, s)
	}
	sort.SliceStable(st.Agents, func(i, j int) bool {
		return st.Agents[i].Orders > st.Agents[j].Orders
	})
	return st
}
