// Package turn implements the round-robin rotation of the turn pointer.
//
// Every decision is made against a fresh read of the agent list and the
// turn pointer, and every write of the pointer is conditional on the
// version that was read, so two clients advancing at once cannot both win.
package turn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/benbjohnson/clock"

	"github.com/alfredjeanlab/turnqueue/internal/events"
	"github.com/alfredjeanlab/turnqueue/internal/metrics"
	"github.com/alfredjeanlab/turnqueue/internal/model"
	"github.com/alfredjeanlab/turnqueue/internal/projection"
	"github.com/alfredjeanlab/turnqueue/internal/statestore"
	"github.com/alfredjeanlab/turnqueue/internal/store"
)

var (
	// ErrNoEligibleAgents means no agent is both active and unfrozen.
	ErrNoEligibleAgents = errors.New("no active agents available")

	// ErrConcurrentAdvance means another client moved the turn pointer
	// between our read and our write. Nothing was written.
	ErrConcurrentAdvance = fmt.Errorf("turn advanced concurrently: %w", store.ErrConflict)

	// ErrAgentNotEligible means the target agent cannot hold the turn.
	ErrAgentNotEligible = errors.New("agent is not eligible for the turn")

	// ErrNotHolder means the agent does not hold the turn.
	ErrNotHolder = errors.New("agent does not hold the turn")
)

// handOffAttempts bounds how often a hand-off away from an ineligible
// holder is retried after losing a race.
const handOffAttempts = 3

// Engine moves the turn pointer.
type Engine struct {
	store   *statestore.Store
	proj    *projection.Projection
	metrics *metrics.Metrics
	clock   clock.Clock

	countTimeoutSkips bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithProjection mirrors every successful write into p.
func WithProjection(p *projection.Projection) Option {
	return func(e *Engine) { e.proj = p }
}

// WithMetrics records advances and conflicts.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithCountTimeoutSkips controls whether a timeout advance increments the
// turn_skips counter of the agent that lost the turn.
func WithCountTimeoutSkips(enabled bool) Option {
	return func(e *Engine) { e.countTimeoutSkips = enabled }
}

// New returns an engine writing through s. The engine uses s's clock.
func New(s *statestore.Store, opts ...Option) *Engine {
	e := &Engine{
		store:             s,
		proj:              projection.New(),
		clock:             s.Clock(),
		countTimeoutSkips: true,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Store returns the underlying state store.
func (e *Engine) Store() *statestore.Store { return e.store }

// Projection returns the engine's in-memory mirror.
func (e *Engine) Projection() *projection.Projection { return e.proj }

// AdvanceTurn hands the turn to the next eligible agent after the current
// holder, wrapping around. If the holder is no longer eligible the turn
// goes to the first eligible agent.
func (e *Engine) AdvanceTurn(ctx context.Context, cause model.AdvanceCause) (*model.GlobalState, error) {
	if !cause.IsValid() {
		return nil, fmt.Errorf("invalid advance cause %q", cause)
	}
	cur, err := e.store.GlobalState(ctx)
	if err != nil {
		return nil, fmt.Errorf("advance turn: %w", err)
	}
	return e.AdvanceFrom(ctx, cur, cause)
}

// AdvanceFrom hands the turn on from expected, the pointer the caller
// based its decision on. If the stored pointer has moved since expected
// was read, nothing is written and ErrConcurrentAdvance is returned.
func (e *Engine) AdvanceFrom(ctx context.Context, expected *model.GlobalState, cause model.AdvanceCause) (*model.GlobalState, error) {
	if !cause.IsValid() {
		return nil, fmt.Errorf("invalid advance cause %q", cause)
	}
	agents, err := e.store.Agents(ctx)
	if err != nil {
		return nil, fmt.Errorf("advance turn: %w", err)
	}
	next, err := Next(agents, model.CurrentOf(expected))
	if err != nil {
		return nil, err
	}
	return e.write(ctx, expected, &next.ID, cause)
}

// Next picks the agent that follows current in join order among the
// eligible agents. agents must be in join order.
func Next(agents []*model.Agent, current *int64) (*model.Agent, error) {
	eligible := model.Eligible(agents)
	if len(eligible) == 0 {
		return nil, ErrNoEligibleAgents
	}
	idx := model.IndexOf(eligible, current)
	return eligible[(idx+1)%len(eligible)], nil
}

// write moves the pointer from cur to next conditionally on cur's version.
func (e *Engine) write(ctx context.Context, cur *model.GlobalState, next *int64, cause model.AdvanceCause) (*model.GlobalState, error) {
	g := e.newState(cur, next, cause)
	if err := e.store.UpdateGlobalState(ctx, g, model.VersionOf(cur), cur); err != nil {
		if errors.Is(err, store.ErrConflict) {
			e.metrics.Conflict()
			slog.Info("turn: lost advance race", "cause", cause, "expected_version", model.VersionOf(cur))
			return nil, ErrConcurrentAdvance
		}
		return nil, fmt.Errorf("advance turn: %w", err)
	}
	e.afterAdvance(ctx, cur, g)
	return g, nil
}

func (e *Engine) newState(cur *model.GlobalState, next *int64, cause model.AdvanceCause) *model.GlobalState {
	now := e.clock.Now()
	g := &model.GlobalState{
		ID:        model.GlobalStateID,
		LastCause: cause,
		UpdatedAt: now,
	}
	if next != nil {
		g.CurrentAgentID = model.Int64Ptr(*next)
		g.TurnStartTime = &now
	}
	if prev := model.CurrentOf(cur); prev != nil {
		g.PreviousAgentID = model.Int64Ptr(*prev)
	}
	return g
}

// afterAdvance does the bookkeeping that follows a committed write. None
// of it can undo the advance, so failures are only logged.
func (e *Engine) afterAdvance(ctx context.Context, cur, g *model.GlobalState) {
	e.metrics.Advance(g.LastCause.String(), g.LastCause.IsSkip())
	e.proj.ApplyState(g)

	ev := &model.TurnEvent{
		Cause:       g.LastCause,
		FromAgentID: g.PreviousAgentID,
		ToAgentID:   g.CurrentAgentID,
		At:          g.UpdatedAt,
	}
	if err := e.store.RecordTurnEvent(ctx, ev); err != nil {
		slog.Warn("turn: recording turn event", "cause", g.LastCause, "err", err)
	}

	if e.countTimeoutSkips && g.PreviousAgentID != nil && model.RecentlySkipped(*g.PreviousAgentID, g) {
		e.countSkip(ctx, *g.PreviousAgentID)
	}
	slog.Debug("turn: advanced",
		"cause", g.LastCause,
		"from", formatID(model.CurrentOf(cur)),
		"to", formatID(g.CurrentAgentID),
		"version", g.Version)
}

func (e *Engine) countSkip(ctx context.Context, agentID int64) {
	a, err := e.store.Agent(ctx, agentID)
	if err != nil {
		slog.Warn("turn: reading skipped agent", "agent", agentID, "err", err)
		return
	}
	skips := a.TurnSkips + 1
	updated, err := e.store.UpdateAgent(ctx, agentID, model.AgentPatch{TurnSkips: &skips})
	if err != nil {
		slog.Warn("turn: counting skip", "agent", agentID, "err", err)
		return
	}
	e.proj.ApplyAgent(updated)
}

// SetAgentActive activates or deactivates an agent. Deactivating the
// current holder passes the turn on; if nobody is left the pointer is
// cleared. Activating an agent while nobody holds the turn gives it the
// turn.
func (e *Engine) SetAgentActive(ctx context.Context, id int64, active bool) (*model.Agent, error) {
	updated, err := e.setActive(ctx, id, active)
	if err != nil {
		return nil, err
	}
	cur, err := e.store.GlobalState(ctx)
	if err != nil {
		return updated, fmt.Errorf("set agent %d active=%t: %w", id, active, err)
	}
	switch {
	case !active && cur.IsCurrent(id):
		err = e.handOff(ctx, cur, id, model.CauseDeactivated)
	case active && model.CurrentOf(cur) == nil:
		_, err = e.write(ctx, cur, &id, model.CauseBootstrap)
		if errors.Is(err, ErrConcurrentAdvance) {
			err = nil
		}
	}
	return updated, err
}

// ReleaseTurn deactivates an agent whose client went away while it held
// the turn as of expected, and passes the turn on with cause tab_closed.
func (e *Engine) ReleaseTurn(ctx context.Context, expected *model.GlobalState, id int64) (*model.Agent, error) {
	if !expected.IsCurrent(id) {
		return nil, fmt.Errorf("release turn of agent %d: %w", id, ErrNotHolder)
	}
	updated, err := e.setActive(ctx, id, false)
	if err != nil {
		return nil, err
	}
	return updated, e.handOff(ctx, expected, id, model.CauseTabClosed)
}

func (e *Engine) setActive(ctx context.Context, id int64, active bool) (*model.Agent, error) {
	updated, err := e.store.UpdateAgent(ctx, id, model.ActivePatch(active))
	if err != nil {
		return nil, fmt.Errorf("set agent %d active=%t: %w", id, active, err)
	}
	e.proj.ApplyAgent(updated)
	return updated, nil
}

// handOff moves the turn off holder, which just became ineligible, and
// clears the pointer when nobody is left. A lost race is retried from a
// fresh read as long as the pointer still names holder.
func (e *Engine) handOff(ctx context.Context, cur *model.GlobalState, holder int64, cause model.AdvanceCause) error {
	for attempt := 1; ; attempt++ {
		_, err := e.AdvanceFrom(ctx, cur, cause)
		if errors.Is(err, ErrNoEligibleAgents) {
			_, err = e.write(ctx, cur, nil, model.CauseEmptied)
		}
		if !errors.Is(err, ErrConcurrentAdvance) || attempt == handOffAttempts {
			return err
		}
		if cur, err = e.store.GlobalState(ctx); err != nil {
			return fmt.Errorf("hand off turn of agent %d: %w", holder, err)
		}
		if !cur.IsCurrent(holder) {
			return nil
		}
	}
}

// AddAgent registers a new active agent. The first agent to join an empty
// queue takes the turn.
func (e *Engine) AddAgent(ctx context.Context, name string) (*model.Agent, error) {
	a := &model.Agent{
		Name:     strings.TrimSpace(name),
		JoinedAt: e.clock.Now(),
		Active:   true,
		Status:   model.StatusActive,
	}
	if err := model.ValidateAgent(a); err != nil {
		return nil, err
	}
	if err := e.store.InsertAgent(ctx, a); err != nil {
		return nil, fmt.Errorf("add agent: %w", err)
	}
	e.proj.ApplyAgent(a)

	cur, err := e.store.GlobalState(ctx)
	if err != nil {
		return a, fmt.Errorf("add agent: %w", err)
	}
	if model.CurrentOf(cur) == nil {
		// Someone else bootstrapping first is fine.
		if _, err := e.write(ctx, cur, &a.ID, model.CauseBootstrap); err != nil && !errors.Is(err, ErrConcurrentAdvance) {
			return a, err
		}
	}
	return a, nil
}

// ForceTurn gives the turn to id regardless of rotation order.
func (e *Engine) ForceTurn(ctx context.Context, id int64) (*model.GlobalState, error) {
	a, err := e.store.Agent(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("force turn: %w", err)
	}
	if !a.Eligible() {
		return nil, fmt.Errorf("force turn to %q: %w", a.Name, ErrAgentNotEligible)
	}
	cur, err := e.store.GlobalState(ctx)
	if err != nil {
		return nil, fmt.Errorf("force turn: %w", err)
	}
	g := e.newState(cur, &id, model.CauseForced)
	if err := e.store.UpsertGlobalState(ctx, g); err != nil {
		return nil, fmt.Errorf("force turn: %w", err)
	}
	e.afterAdvance(ctx, cur, g)
	return g, nil
}

// Refresh reloads the projection from the store.
func (e *Engine) Refresh(ctx context.Context) error {
	agents, err := e.store.Agents(ctx)
	if err != nil {
		return err
	}
	state, err := e.store.GlobalState(ctx)
	if err != nil {
		return err
	}
	orders, err := e.store.Orders(ctx, model.OrderFilter{Limit: projection.DefaultMaxOrders})
	if err != nil {
		return err
	}
	e.proj.Reset(agents, state, orders)
	return nil
}

// Follow keeps the projection current by applying every change
// notification. The returned cancel stops following.
func (e *Engine) Follow() (func(), error) {
	var cancels []func()
	stop := func() {
		for _, c := range cancels {
			c()
		}
	}
	for _, table := range []string{events.TableAgents, events.TableGlobalState, events.TableOrders} {
		cancel, err := e.store.Subscribe(table, events.AllTypes, func(c *events.Change) {
			if _, err := e.proj.Apply(c); err != nil {
				slog.Warn("turn: applying change", "table", c.Table, "type", c.Type, "err", err)
			}
		})
		if err != nil {
			stop()
			return nil, err
		}
		cancels = append(cancels, cancel)
	}
	return stop, nil
}

func formatID(id *int64) string {
	if id == nil {
		return "none"
	}
	return fmt.Sprint(*id)
}
