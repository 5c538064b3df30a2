// Package session runs one client tab for one agent: it keeps the tab's
// view of the queue current, guards against a second tab for the same
// agent, times the agent's turn, raises alerts, and submits orders.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/alfredjeanlab/turnqueue/internal/countdown"
	"github.com/alfredjeanlab/turnqueue/internal/events"
	"github.com/alfredjeanlab/turnqueue/internal/metrics"
	"github.com/alfredjeanlab/turnqueue/internal/model"
	"github.com/alfredjeanlab/turnqueue/internal/notify"
	"github.com/alfredjeanlab/turnqueue/internal/orders"
	"github.com/alfredjeanlab/turnqueue/internal/presence"
	"github.com/alfredjeanlab/turnqueue/internal/projection"
	"github.com/alfredjeanlab/turnqueue/internal/turn"
)

// ErrDuplicateTab is returned by Submit from a tab that lost the
// newest-tab-wins election to another tab of the same agent.
var ErrDuplicateTab = errors.New("this agent is already open in another tab")

// Config configures a Session.
type Config struct {
	// AgentID is the identity this tab is bound to.
	AgentID int64

	Engine      *turn.Engine
	Pipeline    *orders.Pipeline
	Flags       presence.FlagStore
	Broadcaster presence.Broadcaster
	Sinks       []notify.Sink
	Clock       clock.Clock
	Metrics     *metrics.Metrics

	TurnDuration     time.Duration
	Heartbeat        time.Duration
	ReminderInterval time.Duration

	// ReleaseOnClose deactivates the agent when the active tab closes
	// while the agent holds the turn. The turn passes on with cause
	// tab_closed.
	ReleaseOnClose bool

	// OnTurn is called whenever the turn pointer changes.
	OnTurn func(mine bool, g *model.GlobalState)
	// OnTick is called every second of a running countdown.
	OnTick func(remaining time.Duration)
	// OnTimeUp is called after the countdown expired and the turn was
	// skipped.
	OnTimeUp func()
	// OnDuplicate is called once if this tab becomes a duplicate.
	OnDuplicate func()
	// OnError receives failures from background work. Nothing in a
	// session panics or exits on error.
	OnError func(error)
}

// Session is one running tab.
type Session struct {
	cfg   Config
	agent *model.Agent

	guard      *presence.Guard
	countdown  *countdown.Countdown
	dispatcher *notify.Dispatcher

	ctx    context.Context
	cancel context.CancelFunc

	// applyMu serializes handleState so side effects land in version
	// order.
	applyMu sync.Mutex

	mu          sync.Mutex
	mine        bool
	version     int64
	armed       int64 // version the countdown was last armed for
	started     bool
	closed      bool
	heldFlag    bool
	unsubscribe []func()
}

// New binds a session to an existing agent. It does not start anything.
func New(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("session: engine is required")
	}
	if cfg.Pipeline == nil {
		cfg.Pipeline = orders.New(cfg.Engine, cfg.Metrics)
	}
	if cfg.Clock == nil {
		cfg.Clock = cfg.Engine.Store().Clock()
	}
	if cfg.Flags == nil {
		cfg.Flags = presence.NewMemoryFlags()
	}
	agent, err := cfg.Engine.Store().Agent(ctx, cfg.AgentID)
	if err != nil {
		return nil, fmt.Errorf("session: loading agent %d: %w", cfg.AgentID, err)
	}

	s := &Session{cfg: cfg, agent: agent}
	s.guard, err = presence.New(presence.Config{
		AgentID:     agent.ID,
		Flags:       cfg.Flags,
		Broadcaster: cfg.Broadcaster,
		Clock:       cfg.Clock,
		Heartbeat:   cfg.Heartbeat,
		Metrics:     cfg.Metrics,
		OnDuplicate: s.onDuplicate,
		OnClose:     func(wasActive bool) { s.heldFlag = wasActive },
	})
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	s.countdown = countdown.New(countdown.Config{
		Duration: cfg.TurnDuration,
		Clock:    cfg.Clock,
		OnTick:   cfg.OnTick,
		OnTimeUp: s.timeUp,
	})
	s.dispatcher = notify.New(notify.Config{
		AgentID:          agent.ID,
		AgentName:        agent.Name,
		Sinks:            cfg.Sinks,
		Clock:            cfg.Clock,
		ReminderInterval: cfg.ReminderInterval,
		Metrics:          cfg.Metrics,
	})
	return s, nil
}

// Agent returns the bound agent as loaded at New.
func (s *Session) Agent() *model.Agent { return s.agent.Clone() }

// TabID returns this tab's identifier.
func (s *Session) TabID() string { return s.guard.TabID() }

// IsDuplicate reports whether another, newer tab owns this agent.
func (s *Session) IsDuplicate() bool { return s.guard.IsDuplicate() }

// IsMyTurn reports whether the last seen turn pointer names this agent.
func (s *Session) IsMyTurn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mine
}

// Remaining returns the time left on the turn countdown.
func (s *Session) Remaining() time.Duration { return s.countdown.Remaining() }

// Snapshot returns the tab's current view of the queue.
func (s *Session) Snapshot() projection.Snapshot {
	return s.cfg.Engine.Projection().Snapshot()
}

// Start loads the queue, claims the tab, and begins following changes.
// The session runs until Close.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started || s.closed {
		s.mu.Unlock()
		return fmt.Errorf("session: already started")
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Unlock()

	if err := s.cfg.Engine.Refresh(ctx); err != nil {
		return fmt.Errorf("session: loading queue: %w", err)
	}
	if err := s.guard.Start(ctx); err != nil {
		return fmt.Errorf("session: %w", err)
	}

	st := s.cfg.Engine.Store()
	follow, err := s.cfg.Engine.Follow()
	if err != nil {
		return fmt.Errorf("session: following changes: %w", err)
	}
	s.track(follow)

	cancel, err := st.Subscribe(events.TableGlobalState, events.AllTypes, func(c *events.Change) {
		if c.Type == events.Delete {
			s.handleState(nil)
			return
		}
		var g model.GlobalState
		if err := c.DecodeNew(&g); err != nil {
			s.report(fmt.Errorf("decoding turn change: %w", err))
			return
		}
		s.handleState(&g)
	})
	if err != nil {
		return fmt.Errorf("session: %w", err)
	}
	s.track(cancel)

	cancel, err = st.SubscribeMessages(func(m *events.Message) {
		if s.IsDuplicate() {
			return
		}
		s.dispatcher.HandleMessage(s.ctx, m)
	})
	if err != nil {
		return fmt.Errorf("session: %w", err)
	}
	s.track(cancel)

	g, err := st.GlobalState(ctx)
	if err != nil {
		return fmt.Errorf("session: reading turn: %w", err)
	}
	s.handleState(g)
	return nil
}

func (s *Session) track(cancel func()) {
	s.mu.Lock()
	s.unsubscribe = append(s.unsubscribe, cancel)
	s.mu.Unlock()
}

// handleState applies a turn pointer. Notifications may arrive late or
// twice, so a state older than the last one seen is ignored. A newer
// state that leaves the turn with this agent is a new turn, as when the
// agent is alone in the queue.
func (s *Session) handleState(g *model.GlobalState) {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if g != nil && g.Version < s.version {
		s.mu.Unlock()
		return
	}
	version := model.VersionOf(g)
	newTurn := s.mine && version != s.version
	s.version = version
	mine := g.IsCurrent(s.agent.ID)
	s.mine = mine
	s.mu.Unlock()

	duplicate := s.guard.IsDuplicate()
	run := mine && !duplicate
	if run && newTurn {
		s.countdown.Restart()
	} else {
		s.countdown.SetActive(run)
	}
	if run {
		s.mu.Lock()
		s.armed = version
		s.mu.Unlock()
	}
	if !duplicate {
		s.dispatcher.HandleTurn(s.ctx, g)
	}
	if s.cfg.OnTurn != nil {
		s.cfg.OnTurn(mine, g.Clone())
	}
}

func (s *Session) onDuplicate() {
	s.countdown.SetActive(false)
	s.dispatcher.Close()
	if s.cfg.OnDuplicate != nil {
		s.cfg.OnDuplicate()
	}
}

// timeUp runs on the countdown goroutine. The turn is read again because
// it may have moved while the last tick was in flight. An expiry only
// skips the turn the countdown was armed for; once a newer turn re-armed
// the countdown it is stale.
func (s *Session) timeUp() {
	ctx := s.ctx
	g, err := s.cfg.Engine.Store().GlobalState(ctx)
	if err != nil {
		s.report(fmt.Errorf("checking turn after time up: %w", err))
		return
	}
	s.mu.Lock()
	armed := s.armed
	s.mu.Unlock()
	if s.countdown.Active() || model.VersionOf(g) != armed {
		return
	}
	if !g.IsCurrent(s.agent.ID) || s.guard.IsDuplicate() {
		return
	}
	if _, err := s.cfg.Engine.AdvanceFrom(ctx, g, model.CauseTimeout); err != nil {
		if errors.Is(err, turn.ErrConcurrentAdvance) {
			return
		}
		s.report(fmt.Errorf("failed to advance turn automatically: %w", err))
		return
	}
	slog.Info("session: turn skipped after time up", "agent", s.agent.ID, "tab", s.TabID())
	if s.cfg.OnTimeUp != nil {
		s.cfg.OnTimeUp()
	}
}

// Submit records an order for the bound agent and passes the turn on.
func (s *Session) Submit(ctx context.Context, orderRef string) (*orders.Receipt, error) {
	if s.guard.IsDuplicate() {
		return nil, ErrDuplicateTab
	}
	return s.cfg.Pipeline.Submit(ctx, s.agent, orderRef)
}

// Close stops the tab. When the tab held the agent's claim and
// ReleaseOnClose is set, an agent still holding the turn is deactivated
// and the turn passed on.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancels := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()

	for _, c := range cancels {
		c()
	}
	s.countdown.Stop()
	s.dispatcher.Close()
	err := s.guard.Close(ctx)

	if s.heldFlag && s.cfg.ReleaseOnClose {
		if rerr := s.release(ctx); rerr != nil {
			err = errors.Join(err, rerr)
		}
	}
	if s.cancel != nil {
		s.cancel()
	}
	return err
}

// release deactivates the agent if it still holds the turn, passing the
// turn on with cause tab_closed.
func (s *Session) release(ctx context.Context) error {
	g, err := s.cfg.Engine.Store().GlobalState(ctx)
	if err != nil {
		return err
	}
	if !g.IsCurrent(s.agent.ID) {
		return nil
	}
	_, err = s.cfg.Engine.ReleaseTurn(ctx, g, s.agent.ID)
	return err
}

func (s *Session) report(err error) {
	slog.Warn("session: "+err.Error(), "agent", s.agent.ID)
	if s.cfg.OnError != nil {
		s.cfg.OnError(err)
	}
}
