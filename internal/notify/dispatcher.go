// Package notify alerts an agent when the turn reaches them, keeps
// reminding them while it stays, and relays operator messages.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/alfredjeanlab/turnqueue/internal/events"
	"github.com/alfredjeanlab/turnqueue/internal/metrics"
	"github.com/alfredjeanlab/turnqueue/internal/model"
	"github.com/alfredjeanlab/turnqueue/internal/statestore"
)

// DefaultReminderInterval is how often a pending turn is re-announced.
const DefaultReminderInterval = 30 * time.Second

// Kind classifies an alert.
type Kind string

const (
	TurnStarted     Kind = "turn_started"
	TurnReminder    Kind = "turn_reminder"
	TurnEnded       Kind = "turn_ended"
	OperatorMessage Kind = "operator_message"
)

// Audible reports whether the alert should make a sound.
func (k Kind) Audible() bool {
	return k != TurnEnded
}

// Alert is one notification.
type Alert struct {
	Kind    Kind      `json:"kind"`
	AgentID int64     `json:"agent_id"`
	Title   string    `json:"title"`
	Body    string    `json:"body"`
	Tag     string    `json:"tag,omitempty"`
	At      time.Time `json:"at"`
}

// Config configures a Dispatcher.
type Config struct {
	AgentID          int64
	AgentName        string
	Sinks            []Sink
	Clock            clock.Clock
	ReminderInterval time.Duration
	Metrics          *metrics.Metrics
}

// Dispatcher turns state changes into alerts for one agent.
type Dispatcher struct {
	cfg Config

	mu       sync.Mutex
	mine     bool
	reminder *reminder
	disabled map[string]bool
	closed   bool
}

type reminder struct {
	ticker *clock.Ticker
	stop   chan struct{}
	done   chan struct{}
}

// New returns a dispatcher that has not yet seen any state.
func New(cfg Config) *Dispatcher {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.ReminderInterval <= 0 {
		cfg.ReminderInterval = DefaultReminderInterval
	}
	return &Dispatcher{cfg: cfg, disabled: make(map[string]bool)}
}

// HandleTurn reacts to a new turn pointer. Only transitions matter: the
// turn arriving starts alerts and reminders, the turn leaving stops them.
func (d *Dispatcher) HandleTurn(ctx context.Context, g *model.GlobalState) {
	mine := g.IsCurrent(d.cfg.AgentID)

	d.mu.Lock()
	if d.closed || mine == d.mine {
		d.mu.Unlock()
		return
	}
	d.mine = mine
	var stopped *reminder
	if mine {
		d.reminder = d.startReminderLocked()
	} else {
		stopped = d.reminder
		d.reminder = nil
	}
	d.mu.Unlock()

	if mine {
		d.dispatch(ctx, d.alert(TurnStarted, "It's your turn now!", "You can now submit an order in the queue", "turn-notification"))
		return
	}
	stopReminder(stopped)
	d.dispatch(ctx, d.alert(TurnEnded, "Turn moved on", "", "turn-notification"))
}

// HandleMessage alerts once for an operator message addressed to this agent.
func (d *Dispatcher) HandleMessage(ctx context.Context, m *events.Message) {
	if m == nil || m.AgentID != d.cfg.AgentID {
		return
	}
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return
	}
	from := m.From
	if from == "" {
		from = "operator"
	}
	d.dispatch(ctx, d.alert(OperatorMessage, "Message from "+from, m.Text, "operator-"+m.ID))
}

func (d *Dispatcher) alert(kind Kind, title, body, tag string) Alert {
	return Alert{
		Kind:    kind,
		AgentID: d.cfg.AgentID,
		Title:   title,
		Body:    body,
		Tag:     tag,
		At:      d.cfg.Clock.Now(),
	}
}

func (d *Dispatcher) reminderAlert() Alert {
	body := "You can submit an order now"
	if d.cfg.AgentName != "" {
		body = d.cfg.AgentName + ", you can submit an order now"
	}
	return d.alert(TurnReminder, "Still your turn!", body, "turn-reminder")
}

// dispatch sends a to every enabled sink. A sink reporting that it is
// unavailable or not permitted is disabled and logged once.
func (d *Dispatcher) dispatch(ctx context.Context, a Alert) {
	for _, s := range d.cfg.Sinks {
		name := s.Name()
		d.mu.Lock()
		off := d.disabled[name]
		d.mu.Unlock()
		if off {
			continue
		}
		err := s.Notify(ctx, a)
		d.cfg.Metrics.Notification(name, string(a.Kind), err)
		switch {
		case err == nil:
		case errors.Is(err, ErrUnavailable), errors.Is(err, ErrPermissionDenied):
			d.mu.Lock()
			d.disabled[name] = true
			d.mu.Unlock()
			slog.Warn("notify: disabling sink", "sink", name, "err", err)
		default:
			slog.Warn("notify: delivering alert", "sink", name, "kind", a.Kind, "err", err)
		}
	}
}

func (d *Dispatcher) startReminderLocked() *reminder {
	r := &reminder{
		ticker: d.cfg.Clock.Ticker(d.cfg.ReminderInterval),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go func() {
		defer close(r.done)
		defer r.ticker.Stop()
		for {
			select {
			case <-r.stop:
				return
			case <-r.ticker.C:
				d.dispatch(context.Background(), d.reminderAlert())
			}
		}
	}()
	return r
}

func stopReminder(r *reminder) {
	if r == nil {
		return
	}
	close(r.stop)
	<-r.done
}

// Close stops reminders. Later calls to HandleTurn and HandleMessage do
// nothing.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	r := d.reminder
	d.reminder = nil
	d.mu.Unlock()
	stopReminder(r)
}

// Run feeds the dispatcher from s until ctx is done, then closes it.
func (d *Dispatcher) Run(ctx context.Context, s *statestore.Store) error {
	g, err := s.GlobalState(ctx)
	if err != nil {
		return fmt.Errorf("notify: reading turn: %w", err)
	}
	d.HandleTurn(ctx, g)

	cancelState, err := s.Subscribe(events.TableGlobalState, events.Insert|events.Update, func(c *events.Change) {
		var g model.GlobalState
		if err := c.DecodeNew(&g); err != nil {
			slog.Warn("notify: decoding turn change", "err", err)
			return
		}
		d.HandleTurn(ctx, &g)
	})
	if err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	defer cancelState()

	cancelMsgs, err := s.SubscribeMessages(func(m *events.Message) {
		d.HandleMessage(ctx, m)
	})
	if err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	defer cancelMsgs()

	<-ctx.Done()
	d.Close()
	return nil
}
