// Package orders records submissions from the agent holding the turn and
// hands the turn on afterwards.
package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/alfredjeanlab/turnqueue/internal/metrics"
	"github.com/alfredjeanlab/turnqueue/internal/model"
	"github.com/alfredjeanlab/turnqueue/internal/statestore"
	"github.com/alfredjeanlab/turnqueue/internal/turn"
)

// Submission preconditions. None of them mutate anything.
var (
	ErrNoIdentitySelected = errors.New("you must select an agent first")
	ErrNotYourTurn        = errors.New("it's not your turn yet")
	ErrInvalidOrderID     = errors.New("please enter a valid order ID")
)

// Receipt describes what a submission accomplished.
type Receipt struct {
	Order *model.Order       `json:"order"`
	Agent *model.Agent       `json:"agent,omitempty"`
	State *model.GlobalState `json:"state,omitempty"`

	// AdvanceLost is set when another client moved the turn after the
	// submitter's turn check. That client's move stands and nothing more
	// is written.
	AdvanceLost bool `json:"advance_lost,omitempty"`
}

// SubmitError is a failure to advance after the order and the agent's
// stats were committed. The turn stays on the submitter until a manual or
// timeout advance.
type SubmitError struct {
	Stage   string
	Receipt *Receipt
	Err     error
}

func (e *SubmitError) Error() string {
	return fmt.Sprintf("order %q saved but %s failed: %v", e.Receipt.Order.Reference, e.Stage, e.Err)
}

func (e *SubmitError) Unwrap() error { return e.Err }

// Pipeline validates and records submissions.
type Pipeline struct {
	engine  *turn.Engine
	store   *statestore.Store
	clock   clock.Clock
	metrics *metrics.Metrics
}

// New returns a pipeline that advances through engine.
func New(engine *turn.Engine, m *metrics.Metrics) *Pipeline {
	return &Pipeline{
		engine:  engine,
		store:   engine.Store(),
		clock:   engine.Store().Clock(),
		metrics: m,
	}
}

// Submit records orderRef for identity and advances the turn. The order
// and the stats patch commit together; if the advance then fails it
// returns both the partial receipt and a *SubmitError.
func (p *Pipeline) Submit(ctx context.Context, identity *model.Agent, orderRef string) (*Receipt, error) {
	if identity == nil {
		return nil, ErrNoIdentitySelected
	}
	state, err := p.store.GlobalState(ctx)
	if err != nil {
		return nil, fmt.Errorf("submit order: %w", err)
	}
	if !state.IsCurrent(identity.ID) {
		return nil, ErrNotYourTurn
	}
	ref := strings.TrimSpace(orderRef)
	if ref == "" {
		return nil, ErrInvalidOrderID
	}

	now := p.clock.Now()
	o := &model.Order{
		AgentID:        identity.ID,
		Reference:      ref,
		Timestamp:      now,
		CompletionTime: CompletionSeconds(state, now),
	}
	agent, err := p.store.RecordOrder(ctx, o, func(a *model.Agent) model.AgentPatch {
		return StatsPatch(a, o.CompletionTime)
	})
	if err != nil {
		return nil, fmt.Errorf("submit order: %w", err)
	}
	p.metrics.Order(o.CompletionTime)
	p.engine.Projection().ApplyAgent(agent)
	r := &Receipt{Order: o, Agent: agent}

	// Advance from the state the turn check saw. A turn moved since then
	// stays with its new holder.
	r.State, err = p.engine.AdvanceFrom(ctx, state, model.CauseSubmitted)
	switch {
	case errors.Is(err, turn.ErrConcurrentAdvance):
		slog.Info("orders: turn moved before advance", "agent", identity.ID, "order", o.ID)
		r.AdvanceLost = true
	case err != nil:
		return r, &SubmitError{Stage: "advancing turn", Receipt: r, Err: err}
	}
	return r, nil
}

// CompletionSeconds returns the whole seconds between the turn start and
// now, or nil when the turn has no recorded start.
func CompletionSeconds(state *model.GlobalState, now time.Time) *int {
	if state == nil || state.TurnStartTime == nil {
		return nil
	}
	secs := int(math.Round(now.Sub(*state.TurnStartTime).Seconds()))
	if secs < 0 {
		secs = 0
	}
	return &secs
}

// StatsPatch bumps the order count and, when completion is known, folds it
// into the running average.
func StatsPatch(a *model.Agent, completion *int) model.AgentPatch {
	count := a.OrderCount + 1
	patch := model.AgentPatch{OrderCount: &count}
	if completion != nil {
		avg := model.IncrementalAverage(a.AverageCompletionTime, a.OrderCount, float64(*completion))
		patch.AverageCompletionTime = &avg
	}
	return patch
}
