// Package statestore is the single gateway between clients and the shared
// turn-queue state. It wraps a store.Store with a retry policy for
// transient timeouts and publishes a Change for every successful mutation.
package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"

	"github.com/alfredjeanlab/turnqueue/internal/events"
	"github.com/alfredjeanlab/turnqueue/internal/idgen"
	"github.com/alfredjeanlab/turnqueue/internal/metrics"
	"github.com/alfredjeanlab/turnqueue/internal/model"
	"github.com/alfredjeanlab/turnqueue/internal/store"
)

// Defaults for the retry policy.
const (
	DefaultRetries = 3
	DefaultBackoff = 2 * time.Second
)

// ErrNoSubscriber is returned by Subscribe when no event transport is wired.
var ErrNoSubscriber = errors.New("statestore: change notifications unavailable")

// Error is a state store failure surfaced after the retry policy gave up.
type Error struct {
	Op       string
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("%s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Timeout reports whether the final failure was a timeout.
func (e *Error) Timeout() bool { return store.IsTimeout(e.Err) }

// IsTimeout reports whether err is (or wraps) a timed-out store operation.
func IsTimeout(err error) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Timeout()
	}
	return store.IsTimeout(err)
}

// Store is the state store adapter.
type Store struct {
	backend store.Store
	pub     events.Publisher
	sub     events.Subscriber
	clock   clock.Clock
	metrics *metrics.Metrics

	retries int
	backoff time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithRetry sets how many times a timed-out operation is retried and the
// fixed delay between attempts.
func WithRetry(retries int, delay time.Duration) Option {
	return func(s *Store) {
		if retries >= 0 {
			s.retries = retries
		}
		if delay >= 0 {
			s.backoff = delay
		}
	}
}

// WithClock sets the clock used for change timestamps.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithMetrics records retries and failures.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// New wraps backend. pub may be nil (changes are not published); sub may
// be nil (Subscribe returns ErrNoSubscriber).
func New(backend store.Store, pub events.Publisher, sub events.Subscriber, opts ...Option) *Store {
	if pub == nil {
		pub = &events.NoopPublisher{}
	}
	s := &Store{
		backend: backend,
		pub:     pub,
		sub:     sub,
		clock:   clock.New(),
		retries: DefaultRetries,
		backoff: DefaultBackoff,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Backend returns the wrapped store.
func (s *Store) Backend() store.Store { return s.backend }

// Clock returns the store's clock.
func (s *Store) Clock() clock.Clock { return s.clock }

// do runs op, retrying timeouts with a constant backoff. Other errors
// are returned after the first attempt.
func (s *Store) do(ctx context.Context, name string, op func(ctx context.Context) error) error {
	attempts := 0
	var b backoff.BackOff = backoff.NewConstantBackOff(s.backoff)
	b = backoff.WithMaxRetries(b, uint64(s.retries))
	b = backoff.WithContext(b, ctx)

	err := backoff.RetryNotify(func() error {
		attempts++
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !store.IsTimeout(err) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, wait time.Duration) {
		s.metrics.StoreRetry(name)
		slog.Warn("statestore: retrying after timeout", "op", name, "attempt", attempts, "wait", wait, "err", err)
	})
	if err != nil {
		if store.IsTimeout(err) {
			s.metrics.StoreFailure(name)
		}
		return &Error{Op: name, Attempts: attempts, Err: err}
	}
	return nil
}

// Agents lists all agents in join order.
func (s *Store) Agents(ctx context.Context) ([]*model.Agent, error) {
	var out []*model.Agent
	err := s.do(ctx, "list agents", func(ctx context.Context) error {
		var err error
		out, err = s.backend.ListAgents(ctx)
		return err
	})
	return out, err
}

// Agent returns one agent.
func (s *Store) Agent(ctx context.Context, id int64) (*model.Agent, error) {
	var out *model.Agent
	err := s.do(ctx, "get agent", func(ctx context.Context) error {
		var err error
		out, err = s.backend.GetAgent(ctx, id)
		return err
	})
	return out, err
}

// Orders lists orders newest first.
func (s *Store) Orders(ctx context.Context, filter model.OrderFilter) ([]*model.Order, error) {
	var out []*model.Order
	err := s.do(ctx, "list orders", func(ctx context.Context) error {
		var err error
		out, err = s.backend.ListOrders(ctx, filter)
		return err
	})
	return out, err
}

// GlobalState returns the turn pointer, or nil if it was never written.
func (s *Store) GlobalState(ctx context.Context) (*model.GlobalState, error) {
	var out *model.GlobalState
	err := s.do(ctx, "get global state", func(ctx context.Context) error {
		var err error
		out, err = s.backend.GetGlobalState(ctx)
		if errors.Is(err, store.ErrNotFound) {
			out = nil
			return nil
		}
		return err
	})
	return out, err
}

// TurnEvents lists the most recent turn events, newest first.
func (s *Store) TurnEvents(ctx context.Context, limit int) ([]*model.TurnEvent, error) {
	var out []*model.TurnEvent
	err := s.do(ctx, "list turn events", func(ctx context.Context) error {
		var err error
		out, err = s.backend.ListTurnEvents(ctx, limit)
		return err
	})
	return out, err
}

// InsertAgent persists a new agent and assigns its ID.
func (s *Store) InsertAgent(ctx context.Context, a *model.Agent) error {
	if err := s.do(ctx, "insert agent", func(ctx context.Context) error {
		return s.backend.CreateAgent(ctx, a)
	}); err != nil {
		return err
	}
	s.publish(ctx, events.TableAgents, events.Insert, a, nil)
	return nil
}

// UpdateAgent applies patch and returns the updated row.
func (s *Store) UpdateAgent(ctx context.Context, id int64, patch model.AgentPatch) (*model.Agent, error) {
	if err := model.ValidatePatch(patch); err != nil {
		return nil, err
	}
	old, err := s.Agent(ctx, id)
	if err != nil {
		return nil, err
	}
	var updated *model.Agent
	if err := s.do(ctx, "update agent", func(ctx context.Context) error {
		var err error
		updated, err = s.backend.UpdateAgent(ctx, id, patch)
		return err
	}); err != nil {
		return nil, err
	}
	s.publish(ctx, events.TableAgents, events.Update, updated, old)
	return updated, nil
}

// RecordOrder inserts o and applies stats(agent) to the order's agent in
// one backend transaction, then publishes both changes. Either both rows
// are written or neither is.
func (s *Store) RecordOrder(ctx context.Context, o *model.Order, stats func(*model.Agent) model.AgentPatch) (*model.Agent, error) {
	var old, updated *model.Agent
	if err := s.do(ctx, "record order", func(ctx context.Context) error {
		o.ID = 0
		return s.backend.RunInTransaction(ctx, func(tx store.Store) error {
			if err := tx.CreateOrder(ctx, o); err != nil {
				return err
			}
			a, err := tx.GetAgent(ctx, o.AgentID)
			if err != nil {
				return err
			}
			patch := stats(a)
			if err := model.ValidatePatch(patch); err != nil {
				return err
			}
			u, err := tx.UpdateAgent(ctx, a.ID, patch)
			if err != nil {
				return err
			}
			old, updated = a, u
			return nil
		})
	}); err != nil {
		return nil, err
	}
	s.publish(ctx, events.TableOrders, events.Insert, o, nil)
	s.publish(ctx, events.TableAgents, events.Update, updated, old)
	return updated, nil
}

// UpsertGlobalState writes the turn pointer unconditionally.
func (s *Store) UpsertGlobalState(ctx context.Context, g *model.GlobalState) error {
	old, err := s.GlobalState(ctx)
	if err != nil {
		return err
	}
	if err := s.do(ctx, "upsert global state", func(ctx context.Context) error {
		return s.backend.UpsertGlobalState(ctx, g)
	}); err != nil {
		return err
	}
	s.publishState(ctx, g, old)
	return nil
}

// UpdateGlobalState writes the turn pointer only if the stored version
// still equals expected. A lost race returns an error wrapping
// store.ErrConflict.
func (s *Store) UpdateGlobalState(ctx context.Context, g *model.GlobalState, expected int64, old *model.GlobalState) error {
	attempt := 0
	if err := s.do(ctx, "update global state", func(ctx context.Context) error {
		attempt++
		err := s.backend.CompareAndSetGlobalState(ctx, g, expected)
		if attempt > 1 && errors.Is(err, store.ErrConflict) && s.landed(ctx, g, expected) {
			return nil
		}
		return err
	}); err != nil {
		return err
	}
	s.publishState(ctx, g, old)
	return nil
}

// landed reports whether the stored pointer is exactly g at expected+1,
// meaning an earlier attempt committed even though it reported a timeout.
func (s *Store) landed(ctx context.Context, g *model.GlobalState, expected int64) bool {
	cur, err := s.backend.GetGlobalState(ctx)
	if err != nil || cur.Version != expected+1 || !sameTurn(cur, g) {
		return false
	}
	slog.Info("statestore: timed-out pointer write had committed", "version", cur.Version)
	g.ID = cur.ID
	g.Version = cur.Version
	return true
}

func sameTurn(a, b *model.GlobalState) bool {
	return sameID(a.CurrentAgentID, b.CurrentAgentID) &&
		sameID(a.PreviousAgentID, b.PreviousAgentID) &&
		a.LastCause == b.LastCause &&
		sameInstant(a.TurnStartTime, b.TurnStartTime) &&
		sameInstant(&a.UpdatedAt, &b.UpdatedAt)
}

func sameID(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// sameInstant compares at millisecond precision; backends round stored
// timestamps.
func sameInstant(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Sub(*b).Abs() < time.Millisecond
}

func (s *Store) publishState(ctx context.Context, g, old *model.GlobalState) {
	typ := events.Update
	var oldRow any
	if old == nil {
		typ = events.Insert
	} else {
		oldRow = old
	}
	s.publish(ctx, events.TableGlobalState, typ, g, oldRow)
}

// RecordTurnEvent appends to the turn event log.
func (s *Store) RecordTurnEvent(ctx context.Context, e *model.TurnEvent) error {
	if err := s.do(ctx, "record turn event", func(ctx context.Context) error {
		return s.backend.RecordTurnEvent(ctx, e)
	}); err != nil {
		return err
	}
	s.publish(ctx, events.TableTurnEvents, events.Insert, e, nil)
	return nil
}

// publish emits a change. Failures are logged; the mutation already
// committed.
func (s *Store) publish(ctx context.Context, table string, typ events.EventType, newRow, oldRow any) {
	c, err := events.NewChange(table, typ, newRow, oldRow, s.clock.Now())
	if err != nil {
		slog.Warn("statestore: encoding change", "table", table, "err", err)
		return
	}
	if err := s.pub.Publish(ctx, c.Topic(), c); err != nil {
		slog.Warn("statestore: publishing change", "topic", c.Topic(), "err", err)
	}
}

// SendMessage delivers an operator message to every subscriber.
func (s *Store) SendMessage(ctx context.Context, msg *events.Message) error {
	if msg.ID == "" {
		id, err := idgen.MessageID()
		if err != nil {
			return err
		}
		msg.ID = id
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = s.clock.Now()
	}
	if err := s.pub.Publish(ctx, events.TopicMessages, msg); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// Subscribe invokes fn for every change on table whose type is in mask,
// in delivery order, on a dedicated goroutine. The returned cancel stops
// delivery and waits for an in-flight fn to return; it must not be
// called from within fn.
func (s *Store) Subscribe(table string, mask events.EventType, fn func(*events.Change)) (func(), error) {
	return s.listen(events.TableTopic(table), func(data []byte) {
		var c events.Change
		if err := json.Unmarshal(data, &c); err != nil {
			slog.Warn("statestore: decoding change", "table", table, "err", err)
			return
		}
		if c.Type&mask == 0 {
			return
		}
		fn(&c)
	})
}

// SubscribeMessages invokes fn for every operator message.
func (s *Store) SubscribeMessages(fn func(*events.Message)) (func(), error) {
	return s.listen(events.TopicMessages, func(data []byte) {
		var m events.Message
		if err := json.Unmarshal(data, &m); err != nil {
			slog.Warn("statestore: decoding message", "err", err)
			return
		}
		fn(&m)
	})
}

func (s *Store) listen(topic string, handle func([]byte)) (func(), error) {
	if s.sub == nil {
		return nil, ErrNoSubscriber
	}
	ch, unsubscribe, err := s.sub.Subscribe(topic)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for data := range ch {
			handle(data)
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			unsubscribe()
			<-done
		})
	}, nil
}
