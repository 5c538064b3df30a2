package orders

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/alfredjeanlab/turnqueue/internal/model"
	"github.com/alfredjeanlab/turnqueue/internal/statestore"
	"github.com/alfredjeanlab/turnqueue/internal/store"
	"github.com/alfredjeanlab/turnqueue/internal/store/memory"
	"github.com/alfredjeanlab/turnqueue/internal/turn"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fixture struct {
	pipeline *Pipeline
	engine   *turn.Engine
	clock    *clock.Mock
	a, b     *model.Agent
}

func newFixture(t *testing.T, backend store.Store) *fixture {
	t.Helper()
	if backend == nil {
		backend = memory.New()
	}
	mock := clock.NewMock()
	mock.Set(t0)
	s := statestore.New(backend, nil, nil, statestore.WithClock(mock), statestore.WithRetry(0, 0))
	e := turn.New(s)
	ctx := context.Background()

	f := &fixture{pipeline: New(e, nil), engine: e, clock: mock}
	var err error
	if f.a, err = e.AddAgent(ctx, "A"); err != nil {
		t.Fatal(err)
	}
	mock.Add(time.Minute)
	if f.b, err = e.AddAgent(ctx, "B"); err != nil {
		t.Fatal(err)
	}
	// Start A's turn fresh so completion times are measured from here.
	if _, err := e.ForceTurn(ctx, f.a.ID); err != nil {
		t.Fatal(err)
	}
	return f
}

func TestSubmitEndToEnd(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.clock.Add(30 * time.Second)

	r, err := f.pipeline.Submit(ctx, f.a, "X")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if r.Order.AgentID != f.a.ID || r.Order.Reference != "X" {
		t.Errorf("order = %+v", r.Order)
	}
	if r.Order.CompletionTime == nil || *r.Order.CompletionTime != 30 {
		t.Errorf("completion_time = %v, want 30", r.Order.CompletionTime)
	}
	if r.Agent.OrderCount != 1 || r.Agent.AverageCompletionTime != 30 {
		t.Errorf("agent stats = count %d avg %v", r.Agent.OrderCount, r.Agent.AverageCompletionTime)
	}
	g, _ := f.engine.Store().GlobalState(ctx)
	if !g.IsCurrent(f.b.ID) {
		t.Errorf("current = %v, want B", g.CurrentAgentID)
	}
	if !g.TurnStartTime.Equal(f.clock.Now()) {
		t.Errorf("turn start = %v, want %v", g.TurnStartTime, f.clock.Now())
	}
	if g.LastCause != model.CauseSubmitted || r.AdvanceLost {
		t.Errorf("cause = %s, advanceLost = %v", g.LastCause, r.AdvanceLost)
	}
}

func TestSubmitPreconditions(t *testing.T) {
	tests := []struct {
		name     string
		identity func(f *fixture) *model.Agent
		ref      string
		wantErr  error
	}{
		{"no identity", func(*fixture) *model.Agent { return nil }, "X", ErrNoIdentitySelected},
		{"not your turn", func(f *fixture) *model.Agent { return f.b }, "X", ErrNotYourTurn},
		{"blank reference", func(f *fixture) *model.Agent { return f.a }, "  \t", ErrInvalidOrderID},
		{"empty reference", func(f *fixture) *model.Agent { return f.a }, "", ErrInvalidOrderID},
		// Identity is checked before the turn, the turn before the reference.
		{"not your turn beats blank", func(f *fixture) *model.Agent { return f.b }, "", ErrNotYourTurn},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			ctx := context.Background()
			before, _ := f.engine.Store().GlobalState(ctx)

			r, err := f.pipeline.Submit(ctx, tt.identity(f), tt.ref)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if r != nil {
				t.Error("rejected submission returned a receipt")
			}
			orders, _ := f.pipeline.History(ctx, Query{})
			if len(orders) != 0 {
				t.Errorf("rejected submission wrote %d orders", len(orders))
			}
			after, _ := f.engine.Store().GlobalState(ctx)
			if after.Version != before.Version {
				t.Error("rejected submission moved the turn")
			}
		})
	}
}

func TestSubmitTrimsReference(t *testing.T) {
	f := newFixture(t, nil)
	r, err := f.pipeline.Submit(context.Background(), f.a, "  ORD-7 \n")
	if err != nil {
		t.Fatal(err)
	}
	if r.Order.Reference != "ORD-7" {
		t.Errorf("reference = %q", r.Order.Reference)
	}
}

func TestCompletionSeconds(t *testing.T) {
	start := t0
	tests := []struct {
		name  string
		state *model.GlobalState
		now   time.Time
		want  *int
	}{
		{"no state", nil, t0, nil},
		{"no turn start", &model.GlobalState{}, t0, nil},
		{"exact", &model.GlobalState{TurnStartTime: &start}, t0.Add(45 * time.Second), intPtr(45)},
		{"rounds down", &model.GlobalState{TurnStartTime: &start}, t0.Add(12400 * time.Millisecond), intPtr(12)},
		{"rounds up", &model.GlobalState{TurnStartTime: &start}, t0.Add(12500 * time.Millisecond), intPtr(13)},
		{"clock skew clamps", &model.GlobalState{TurnStartTime: &start}, t0.Add(-3 * time.Second), intPtr(0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CompletionSeconds(tt.state, tt.now)
			if (got == nil) != (tt.want == nil) || (got != nil && *got != *tt.want) {
				t.Errorf("CompletionSeconds = %v, want %v", deref(got), deref(tt.want))
			}
		})
	}
}

func TestStatsPatch(t *testing.T) {
	a := &model.Agent{OrderCount: 3, AverageCompletionTime: 20}

	p := StatsPatch(a, intPtr(40))
	if *p.OrderCount != 4 || *p.AverageCompletionTime != 25 {
		t.Errorf("patch = count %d avg %v, want 4 and 25", *p.OrderCount, *p.AverageCompletionTime)
	}

	p = StatsPatch(a, nil)
	if *p.OrderCount != 4 || p.AverageCompletionTime != nil {
		t.Error("average must be left alone without a completion time")
	}
}

// failingAgentUpdates rejects agent updates made inside an order
// transaction.
type failingAgentUpdates struct {
	*memory.MemoryStore
	fail bool
}

func (f *failingAgentUpdates) RunInTransaction(ctx context.Context, fn func(tx store.Store) error) error {
	return f.MemoryStore.RunInTransaction(ctx, func(store.Store) error { return fn(f) })
}

func (f *failingAgentUpdates) UpdateAgent(ctx context.Context, id int64, p model.AgentPatch) (*model.Agent, error) {
	if f.fail {
		return nil, errors.New("disk full")
	}
	return f.MemoryStore.UpdateAgent(ctx, id, p)
}

func TestSubmitStatsFailureRollsBackOrder(t *testing.T) {
	backend := &failingAgentUpdates{MemoryStore: memory.New()}
	f := newFixture(t, backend)
	backend.fail = true
	ctx := context.Background()

	r, err := f.pipeline.Submit(ctx, f.a, "X")
	if err == nil || r != nil {
		t.Fatalf("Submit = %+v, %v; want nil receipt and an error", r, err)
	}
	orders, _ := f.pipeline.History(ctx, Query{})
	if len(orders) != 0 {
		t.Errorf("failed submission left %d orders", len(orders))
	}
	g, _ := f.engine.Store().GlobalState(ctx)
	if !g.IsCurrent(f.a.ID) {
		t.Error("turn should stay on the submitter")
	}
}

// failingPointerWrites rejects conditional turn pointer writes.
type failingPointerWrites struct {
	*memory.MemoryStore
	fail bool
}

func (f *failingPointerWrites) CompareAndSetGlobalState(ctx context.Context, g *model.GlobalState, expected int64) error {
	if f.fail {
		return errors.New("disk full")
	}
	return f.MemoryStore.CompareAndSetGlobalState(ctx, g, expected)
}

func TestSubmitPartialFailure(t *testing.T) {
	backend := &failingPointerWrites{MemoryStore: memory.New()}
	f := newFixture(t, backend)
	backend.fail = true
	ctx := context.Background()

	r, err := f.pipeline.Submit(ctx, f.a, "X")
	var se *SubmitError
	if !errors.As(err, &se) {
		t.Fatalf("expected *SubmitError, got %v", err)
	}
	if r == nil || r.Order == nil || r.Order.ID == 0 {
		t.Fatal("partial receipt should carry the saved order")
	}
	if r.Agent == nil || r.Agent.OrderCount != 1 {
		t.Errorf("partial receipt agent = %+v, want order_count 1", r.Agent)
	}
	if se.Stage != "advancing turn" {
		t.Errorf("stage = %q", se.Stage)
	}
	g, _ := f.engine.Store().GlobalState(ctx)
	if !g.IsCurrent(f.a.ID) {
		t.Error("turn should stay on the submitter after a partial failure")
	}
}

// turnMovesDuringRecord moves the turn to next with a timeout advance
// right after an order transaction commits.
type turnMovesDuringRecord struct {
	*memory.MemoryStore
	next int64
}

func (m *turnMovesDuringRecord) RunInTransaction(ctx context.Context, fn func(tx store.Store) error) error {
	if err := m.MemoryStore.RunInTransaction(ctx, fn); err != nil {
		return err
	}
	cur, err := m.MemoryStore.GetGlobalState(ctx)
	if err != nil {
		return err
	}
	moved := &model.GlobalState{
		CurrentAgentID:  model.Int64Ptr(m.next),
		PreviousAgentID: cur.CurrentAgentID,
		TurnStartTime:   cur.TurnStartTime,
		LastCause:       model.CauseTimeout,
		UpdatedAt:       cur.UpdatedAt,
	}
	return m.MemoryStore.CompareAndSetGlobalState(ctx, moved, cur.Version)
}

func TestSubmitDoesNotTakeTurnMovedByTimeout(t *testing.T) {
	backend := &turnMovesDuringRecord{MemoryStore: memory.New()}
	f := newFixture(t, backend)
	backend.next = f.b.ID
	ctx := context.Background()

	r, err := f.pipeline.Submit(ctx, f.a, "X")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !r.AdvanceLost || r.State != nil {
		t.Errorf("receipt = advanceLost %v state %+v, want a lost advance", r.AdvanceLost, r.State)
	}
	if r.Order.ID == 0 || r.Agent.OrderCount != 1 {
		t.Errorf("order and stats should still be recorded: %+v %+v", r.Order, r.Agent)
	}
	g, _ := f.engine.Store().GlobalState(ctx)
	if !g.IsCurrent(f.b.ID) || g.LastCause != model.CauseTimeout {
		t.Errorf("state = current %v cause %s, want B via timeout", g.CurrentAgentID, g.LastCause)
	}
}

func TestHistoryAndStats(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.clock.Add(10 * time.Second)
	if _, err := f.pipeline.Submit(ctx, f.a, "A-1"); err != nil {
		t.Fatal(err)
	}
	f.clock.Add(20 * time.Second)
	if _, err := f.pipeline.Submit(ctx, f.b, "B-1"); err != nil {
		t.Fatal(err)
	}
	f.clock.Add(30 * time.Second)
	if _, err := f.pipeline.Submit(ctx, f.a, "A-2"); err != nil {
		t.Fatal(err)
	}

	all, err := f.pipeline.History(ctx, Query{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].Reference != "A-2" {
		t.Fatalf("history = %+v", all)
	}
	mine, _ := f.pipeline.History(ctx, Query{AgentID: &f.a.ID})
	if len(mine) != 2 {
		t.Errorf("agent history has %d orders, want 2", len(mine))
	}
	f.clock.Add(2 * time.Hour)
	recent, _ := f.pipeline.History(ctx, Query{Range: model.RangeHour})
	if len(recent) != 0 {
		t.Errorf("hour window has %d orders, want 0", len(recent))
	}

	st, err := f.pipeline.Stats(ctx, Query{Range: model.RangeAll})
	if err != nil {
		t.Fatal(err)
	}
	if st.CompletedOrders != 3 || st.ActiveAgents != 2 {
		t.Errorf("stats = %+v", st)
	}
	if st.AverageCompletion != 20 {
		t.Errorf("average = %v, want 20", st.AverageCompletion)
	}
	if st.Agents[0].AgentID != f.a.ID || st.Agents[0].Orders != 2 || st.Agents[0].AverageCompletion != 20 {
		t.Errorf("top agent = %+v", st.Agents[0])
	}
}

func intPtr(v int) *int { return &v }

func deref(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}
