package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/alfredjeanlab/turnqueue/internal/countdown"
	"github.com/alfredjeanlab/turnqueue/internal/events"
	"github.com/alfredjeanlab/turnqueue/internal/model"
	"github.com/alfredjeanlab/turnqueue/internal/notify"
	"github.com/alfredjeanlab/turnqueue/internal/orders"
	"github.com/alfredjeanlab/turnqueue/internal/presence"
	"github.com/alfredjeanlab/turnqueue/internal/statestore"
	"github.com/alfredjeanlab/turnqueue/internal/store/memory"
	"github.com/alfredjeanlab/turnqueue/internal/turn"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fixture struct {
	ctx    context.Context
	clock  *clock.Mock
	store  *statestore.Store
	engine *turn.Engine
	flags  *presence.MemoryFlags
	hub    *presence.Hub
	a, b   *model.Agent
}

// newFixture builds a two-agent queue where A holds the turn.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(t0)
	bus := events.NewLocalBus()
	t.Cleanup(func() { bus.Close() })
	s := statestore.New(memory.New(), bus, bus, statestore.WithClock(mock), statestore.WithRetry(0, 0))
	engine := turn.New(s)
	f := &fixture{
		ctx:    context.Background(),
		clock:  mock,
		store:  s,
		engine: engine,
		flags:  presence.NewMemoryFlags(),
		hub:    presence.NewHub(),
	}
	var err error
	if f.a, err = engine.AddAgent(f.ctx, "Ana"); err != nil {
		t.Fatal(err)
	}
	if f.b, err = engine.AddAgent(f.ctx, "Ben"); err != nil {
		t.Fatal(err)
	}
	return f
}

// open starts a tab for agent id with engine state of its own, the way a
// second process would see the shared store.
func (f *fixture) open(t *testing.T, id int64, mutate func(*Config)) *Session {
	t.Helper()
	cfg := Config{
		AgentID:     id,
		Engine:      turn.New(f.store),
		Flags:       f.flags,
		Broadcaster: f.hub,
		Clock:       f.clock,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := New(f.ctx, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(f.ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close(context.Background()) })
	return s
}

func (f *fixture) current(t *testing.T) *model.GlobalState {
	t.Helper()
	g, err := f.store.GlobalState(f.ctx)
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestTurnStartsCountdownAndAlerts(t *testing.T) {
	f := newFixture(t)
	sink := &notify.MemorySink{}
	s := f.open(t, f.a.ID, func(c *Config) { c.Sinks = []notify.Sink{sink} })

	if !s.IsMyTurn() {
		t.Fatal("Ana should hold the turn")
	}
	if s.Remaining() != countdown.DefaultDuration {
		t.Errorf("Remaining = %v, want full turn", s.Remaining())
	}
	if sink.Count(notify.TurnStarted) != 1 {
		t.Errorf("started alerts = %d, want 1", sink.Count(notify.TurnStarted))
	}

	other := f.open(t, f.b.ID, nil)
	if other.IsMyTurn() {
		t.Error("Ben should be waiting")
	}
}

func TestTimeUpSkipsTurn(t *testing.T) {
	f := newFixture(t)
	var timeUps atomic.Int32
	s := f.open(t, f.a.ID, func(c *Config) {
		c.TurnDuration = 10 * time.Second
		c.OnTimeUp = func() { timeUps.Add(1) }
	})
	ben := f.open(t, f.b.ID, nil)

	f.clock.Add(11 * time.Second)
	waitFor(t, "turn to move", func() bool { return f.current(t).IsCurrent(f.b.ID) })

	g := f.current(t)
	if g.LastCause != model.CauseTimeout {
		t.Errorf("LastCause = %q, want timeout", g.LastCause)
	}
	waitFor(t, "OnTimeUp", func() bool { return timeUps.Load() == 1 })
	waitFor(t, "sessions to see the new turn", func() bool { return !s.IsMyTurn() && ben.IsMyTurn() })

	waitFor(t, "skip to be counted", func() bool {
		a, err := f.store.Agent(f.ctx, f.a.ID)
		return err == nil && a.TurnSkips == 1
	})
}

func TestTimeUpAfterTurnMovedIsIgnored(t *testing.T) {
	f := newFixture(t)
	s := f.open(t, f.a.ID, nil)
	if _, err := f.engine.ForceTurn(f.ctx, f.b.ID); err != nil {
		t.Fatal(err)
	}
	before := f.current(t).Version

	s.timeUp()
	if g := f.current(t); g.Version != before || !g.IsCurrent(f.b.ID) {
		t.Errorf("stale time up moved the turn: %+v", g)
	}
}

func TestDuplicateTab(t *testing.T) {
	f := newFixture(t)
	var dups atomic.Int32
	older := f.open(t, f.a.ID, func(c *Config) { c.OnDuplicate = func() { dups.Add(1) } })
	f.clock.Add(time.Millisecond)
	newer := f.open(t, f.a.ID, nil)

	waitFor(t, "older tab to yield", older.IsDuplicate)
	if newer.IsDuplicate() {
		t.Error("newest tab must win")
	}
	if dups.Load() != 1 {
		t.Errorf("OnDuplicate fired %d times", dups.Load())
	}
	if older.Remaining() != countdown.DefaultDuration || !newer.IsMyTurn() {
		t.Error("only the winning tab should count down")
	}
	if _, err := older.Submit(f.ctx, "ORD-1"); !errors.Is(err, ErrDuplicateTab) {
		t.Errorf("Submit from duplicate: err = %v", err)
	}
	if _, err := newer.Submit(f.ctx, "ORD-1"); err != nil {
		t.Errorf("Submit from winning tab: %v", err)
	}
}

func TestSubmitPassesTurn(t *testing.T) {
	f := newFixture(t)
	s := f.open(t, f.a.ID, nil)
	f.clock.Add(30 * time.Second)

	r, err := s.Submit(f.ctx, "  ORD-42 ")
	if err != nil {
		t.Fatal(err)
	}
	if r.Order.Reference != "ORD-42" || r.Order.CompletionTime == nil || *r.Order.CompletionTime != 30 {
		t.Errorf("order = %+v", r.Order)
	}
	if !r.State.IsCurrent(f.b.ID) {
		t.Errorf("turn after submit = %+v", r.State)
	}
	waitFor(t, "session to see the turn leave", func() bool { return !s.IsMyTurn() })
	if _, err := s.Submit(f.ctx, "ORD-43"); !errors.Is(err, orders.ErrNotYourTurn) {
		t.Errorf("second submit: err = %v, want ErrNotYourTurn", err)
	}
}

func TestClose(t *testing.T) {
	tests := []struct {
		name    string
		release bool
		want    int64 // index 0 = Ana, 1 = Ben
		cause   model.AdvanceCause
	}{
		{"keeps turn by default", false, 0, model.CauseBootstrap},
		{"releases turn and deactivates when asked", true, 1, model.CauseTabClosed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			s := f.open(t, f.a.ID, func(c *Config) { c.ReleaseOnClose = tt.release })
			if err := s.Close(f.ctx); err != nil {
				t.Fatal(err)
			}
			want := []int64{f.a.ID, f.b.ID}[tt.want]
			g := f.current(t)
			if !g.IsCurrent(want) || g.LastCause != tt.cause {
				t.Errorf("state after close = current %v cause %q", model.CurrentOf(g), g.LastCause)
			}
			if c, _ := f.flags.Get(f.a.ID); c != nil {
				t.Errorf("claim not released: %+v", c)
			}
			a, err := f.store.Agent(f.ctx, f.a.ID)
			if err != nil {
				t.Fatal(err)
			}
			if a.Active == tt.release {
				t.Errorf("agent active = %v after close with release=%v", a.Active, tt.release)
			}
			if err := s.Close(f.ctx); err != nil {
				t.Errorf("second Close: %v", err)
			}
		})
	}
}

func TestCloseWithoutTurnKeepsAgentActive(t *testing.T) {
	f := newFixture(t)
	s := f.open(t, f.b.ID, func(c *Config) { c.ReleaseOnClose = true })
	before := f.current(t).Version
	if err := s.Close(f.ctx); err != nil {
		t.Fatal(err)
	}
	b, _ := f.store.Agent(f.ctx, f.b.ID)
	if !b.Active || f.current(t).Version != before {
		t.Errorf("closing a waiting tab changed the queue: active=%v", b.Active)
	}
}

// solo deactivates Ben so Ana is alone in the queue.
func (f *fixture) solo(t *testing.T) {
	t.Helper()
	if _, err := f.engine.SetAgentActive(f.ctx, f.b.ID, false); err != nil {
		t.Fatal(err)
	}
}

func TestSingleAgentNewTurnRestartsCountdown(t *testing.T) {
	f := newFixture(t)
	f.solo(t)
	s := f.open(t, f.a.ID, nil)

	f.clock.Add(100 * time.Second)
	waitFor(t, "countdown to reach 20s", func() bool { return s.Remaining() == 20*time.Second })

	r, err := s.Submit(f.ctx, "ORD-1")
	if err != nil {
		t.Fatal(err)
	}
	if !r.State.IsCurrent(f.a.ID) {
		t.Fatalf("turn after submit = %+v, want Ana again", r.State)
	}
	waitFor(t, "countdown to restart", func() bool { return s.Remaining() == countdown.DefaultDuration })

	f.clock.Add(31 * time.Second)
	waitFor(t, "tick in the new turn", func() bool { return s.Remaining() == 89*time.Second })
	g := f.current(t)
	if g.Version != r.State.Version || g.LastCause != model.CauseSubmitted {
		t.Errorf("new turn was skipped early: %+v", g)
	}
}

func TestTimeUpForEarlierTurnIsIgnored(t *testing.T) {
	f := newFixture(t)
	f.solo(t)
	s := f.open(t, f.a.ID, nil)

	r, err := s.Submit(f.ctx, "ORD-1")
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "session to apply the new turn", func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.armed == r.State.Version
	})

	// An expiry from the first turn arriving now must not skip the second.
	s.timeUp()
	if g := f.current(t); g.Version != r.State.Version {
		t.Errorf("stale time up moved the turn: %+v", g)
	}
}

func TestHandleStateAppliesInVersionOrder(t *testing.T) {
	f := newFixture(t)
	var mu sync.Mutex
	var seen []int64
	s := f.open(t, f.a.ID, func(c *Config) {
		c.OnTurn = func(_ bool, g *model.GlobalState) {
			mu.Lock()
			seen = append(seen, model.VersionOf(g))
			mu.Unlock()
		}
	})

	var wg sync.WaitGroup
	for v := int64(100); v < 140; v++ {
		holder := []int64{f.a.ID, f.b.ID}[v%2]
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleState(&model.GlobalState{ID: model.GlobalStateID, CurrentAgentID: model.Int64Ptr(holder), Version: v})
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(seen); i++ {
		if seen[i] < seen[i-1] {
			t.Fatalf("OnTurn saw version %d after %d", seen[i], seen[i-1])
		}
	}
	if last := seen[len(seen)-1]; last != 139 {
		t.Errorf("last applied version = %d, want 139", last)
	}
}

func TestStartTwice(t *testing.T) {
	f := newFixture(t)
	s := f.open(t, f.a.ID, nil)
	if err := s.Start(f.ctx); err == nil {
		t.Error("second Start should fail")
	}
}

func TestUnknownAgent(t *testing.T) {
	f := newFixture(t)
	if _, err := New(f.ctx, Config{AgentID: 99, Engine: f.engine}); err == nil {
		t.Error("New with unknown agent should fail")
	}
}
