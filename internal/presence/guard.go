// Package presence keeps at most one active client session ("tab") per
// agent on a device.
//
// Each tab starts a Guard. Guards coordinate through a local flag store
// and a broadcast channel named after the agent; the most recently
// created tab wins and older tabs are told they are duplicates. The
// coordination is device-local by design: a missed message only means two
// tabs briefly both believe they are primary.
package presence

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/alfredjeanlab/turnqueue/internal/idgen"
	"github.com/alfredjeanlab/turnqueue/internal/metrics"
)

// DefaultHeartbeat is how often an active tab refreshes its claim.
const DefaultHeartbeat = 5 * time.Second

// Config configures a Guard.
type Config struct {
	AgentID int64
	Flags   FlagStore

	// Broadcaster may be nil, which disables message-based duplicate
	// detection.
	Broadcaster Broadcaster
	Clock       clock.Clock
	Heartbeat   time.Duration
	Metrics     *metrics.Metrics

	// OnDuplicate is called once when this tab is found to be a duplicate.
	OnDuplicate func()

	// OnClose is called by Close; wasActive reports whether this tab held
	// the flag.
	OnClose func(wasActive bool)
}

// Guard is one tab's membership in the agent's presence group.
type Guard struct {
	cfg  Config
	self Claim

	mu        sync.Mutex
	duplicate bool
	started   bool
	closed    bool

	ch      Channel
	ticker  *clock.Ticker
	unwatch func()
	poke    chan struct{}
	stop    chan struct{}
	done    chan struct{}
}

// New creates a guard with a fresh tab ID.
func New(cfg Config) (*Guard, error) {
	if cfg.Flags == nil {
		return nil, errors.New("presence: flag store is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = DefaultHeartbeat
	}
	now := cfg.Clock.Now()
	id, err := idgen.TabID(now)
	if err != nil {
		return nil, err
	}
	return &Guard{
		cfg:  cfg,
		self: Claim{TabID: id, Timestamp: time.UnixMilli(now.UnixMilli())},
		poke: make(chan struct{}, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}, nil
}

// TabID returns this tab's identifier.
func (g *Guard) TabID() string { return g.self.TabID }

// IsDuplicate reports whether a newer tab for the same agent exists.
func (g *Guard) IsDuplicate() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.duplicate
}

// Start claims the flag (or detects that a newer tab holds it), announces
// the tab and starts the heartbeat. It only fails on misuse; coordination
// problems degrade to a logged warning.
func (g *Guard) Start(ctx context.Context) error {
	g.mu.Lock()
	if g.started {
		g.mu.Unlock()
		return errors.New("presence: guard already started")
	}
	g.started = true
	g.mu.Unlock()

	g.claimOrYield()

	if g.cfg.Broadcaster == nil {
		slog.Warn("presence: no broadcast channel, duplicate detection disabled", "agent", g.cfg.AgentID)
	} else if ch, err := g.cfg.Broadcaster.Open(ChannelName(g.cfg.AgentID)); err != nil {
		slog.Warn("presence: opening broadcast channel failed, duplicate detection disabled",
			"agent", g.cfg.AgentID, "err", err)
	} else {
		g.ch = ch
		g.post(TabCheck)
		if !g.IsDuplicate() {
			g.post(TabActive)
		}
	}

	if w, ok := g.cfg.Flags.(Watcher); ok {
		unwatch, err := w.Watch(g.cfg.AgentID, func() {
			select {
			case g.poke <- struct{}{}:
			default:
			}
		})
		if err != nil {
			slog.Warn("presence: flag watch unavailable", "agent", g.cfg.AgentID, "err", err)
		} else {
			g.unwatch = unwatch
		}
	}

	g.ticker = g.cfg.Clock.Ticker(g.cfg.Heartbeat)
	go g.loop()
	slog.Debug("presence: tab started", "agent", g.cfg.AgentID, "tab", g.self.TabID, "duplicate", g.IsDuplicate())
	return nil
}

func (g *Guard) loop() {
	defer close(g.done)
	defer g.ticker.Stop()

	var msgs <-chan Message
	if g.ch != nil {
		msgs = g.ch.Messages()
	}
	for {
		select {
		case <-g.stop:
			return
		case m, ok := <-msgs:
			if !ok {
				msgs = nil
				continue
			}
			g.handle(m)
		case <-g.ticker.C:
			g.heartbeat()
		case <-g.poke:
			g.heartbeat()
		}
	}
}

func (g *Guard) handle(m Message) {
	if m.TabID == g.self.TabID {
		return
	}
	switch m.Type {
	case TabCheck:
		g.post(TabActive)
	case TabActive:
		if m.Claim().NewerThan(g.self) {
			g.markDuplicate("newer tab is active", m.TabID)
		}
	case TabClosed:
		slog.Debug("presence: peer tab closed", "agent", g.cfg.AgentID, "tab", m.TabID)
	}
}

// claimOrYield takes the flag unless a newer tab holds it.
func (g *Guard) claimOrYield() {
	held, err := g.cfg.Flags.Get(g.cfg.AgentID)
	if err != nil {
		slog.Warn("presence: reading flag", "agent", g.cfg.AgentID, "err", err)
		return
	}
	switch {
	case held == nil || held.TabID == g.self.TabID:
	case held.NewerThan(g.self):
		g.markDuplicate("newer tab holds the flag", held.TabID)
		return
	default:
		slog.Info("presence: taking over from older tab", "agent", g.cfg.AgentID, "previous", held.TabID)
	}
	if err := g.cfg.Flags.Set(g.cfg.AgentID, g.self); err != nil {
		slog.Warn("presence: writing flag", "agent", g.cfg.AgentID, "err", err)
	}
}

// heartbeat re-asserts the claim. A flag cleared externally is re-taken.
func (g *Guard) heartbeat() {
	if g.IsDuplicate() {
		return
	}
	g.claimOrYield()
	if !g.IsDuplicate() {
		g.post(TabActive)
	}
}

func (g *Guard) markDuplicate(reason, other string) {
	g.mu.Lock()
	if g.duplicate {
		g.mu.Unlock()
		return
	}
	g.duplicate = true
	g.mu.Unlock()

	g.cfg.Metrics.DuplicateTab()
	slog.Info("presence: tab is a duplicate", "agent", g.cfg.AgentID, "tab", g.self.TabID, "other", other, "reason", reason)
	if g.cfg.OnDuplicate != nil {
		g.cfg.OnDuplicate()
	}
}

func (g *Guard) post(t MessageType) {
	if g.ch == nil {
		return
	}
	m := Message{Type: t, TabID: g.self.TabID, Timestamp: g.self.Timestamp}
	if err := g.ch.Post(m); err != nil && !errors.Is(err, ErrChannelClosed) {
		slog.Warn("presence: posting tab message", "type", t, "err", err)
	}
}

// Close stops the heartbeat and, if this tab holds the flag, releases it
// and announces the closure. It is safe to call more than once.
func (g *Guard) Close(ctx context.Context) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	started := g.started
	g.mu.Unlock()

	if started {
		close(g.stop)
		<-g.done
	}
	if g.unwatch != nil {
		g.unwatch()
	}

	var err error
	wasActive := false
	held, gerr := g.cfg.Flags.Get(g.cfg.AgentID)
	if gerr != nil {
		err = gerr
	} else if held != nil && held.TabID == g.self.TabID {
		wasActive = true
		err = g.cfg.Flags.Remove(g.cfg.AgentID)
		g.post(TabClosed)
	}
	if g.ch != nil {
		g.ch.Close()
	}
	if g.cfg.OnClose != nil {
		g.cfg.OnClose(wasActive)
	}
	return err
}
