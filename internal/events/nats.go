package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
)

// subscriberBuffer bounds each subscription's channel.
const subscriberBuffer = 64

// NATSBus publishes and subscribes over one NATS connection. The same
// connection can be handed to other NATS users through Conn.
type NATSBus struct {
	conn    *nats.Conn
	owned   bool
	dropped atomic.Int64
}

var (
	_ Publisher  = (*NATSBus)(nil)
	_ Subscriber = (*NATSBus)(nil)
)

// DialNATS connects to url and reconnects forever after a disconnect.
// Extra options are applied after the defaults.
func DialNATS(url string, opts ...nats.Option) (*NATSBus, error) {
	defaults := []nats.Option{
		nats.Name("turnq"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	}
	nc, err := nats.Connect(url, append(defaults, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	return &NATSBus{conn: nc, owned: true}, nil
}

// NewNATSBus wraps an existing connection. Close leaves it open.
func NewNATSBus(nc *nats.Conn) *NATSBus {
	return &NATSBus{conn: nc}
}

// Conn returns the underlying connection.
func (b *NATSBus) Conn() *nats.Conn { return b.conn }

// Publish JSON-encodes event onto subject topic.
func (b *NATSBus) Publish(ctx context.Context, topic string, event any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	if err := b.conn.Publish(topic, data); err != nil {
		return fmt.Errorf("publishing %s: %w", topic, err)
	}
	return nil
}

// Flush blocks until the server has processed everything published so far.
func (b *NATSBus) Flush() error {
	return b.conn.Flush()
}

// Dropped counts payloads discarded because a subscriber's channel was full.
func (b *NATSBus) Dropped() int64 { return b.dropped.Load() }

// natsSub guards its channel so the NATS callback never sends on it after
// cancel closed it.
type natsSub struct {
	bus    *NATSBus
	sub    *nats.Subscription
	ch     chan []byte
	mu     sync.Mutex
	closed bool
}

func (s *natsSub) deliver(msg *nats.Msg) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- msg.Data:
	default:
		s.bus.dropped.Add(1)
	}
}

func (s *natsSub) cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	_ = s.sub.Unsubscribe()
	close(s.ch)
}

// Subscribe delivers payloads for pattern, which may use NATS wildcards
// such as "turnq.>". The subscription is registered on the server before
// Subscribe returns.
func (b *NATSBus) Subscribe(pattern string) (<-chan []byte, func(), error) {
	s := &natsSub{bus: b, ch: make(chan []byte, subscriberBuffer)}
	sub, err := b.conn.Subscribe(pattern, s.deliver)
	if err != nil {
		return nil, nil, fmt.Errorf("subscribing to %s: %w", pattern, err)
	}
	s.sub = sub
	if err := b.conn.Flush(); err != nil {
		s.cancel()
		return nil, nil, fmt.Errorf("flushing subscription: %w", err)
	}
	return s.ch, s.cancel, nil
}

// Close closes the connection if DialNATS opened it.
func (b *NATSBus) Close() error {
	if b.owned {
		b.conn.Close()
	}
	return nil
}

// NoopPublisher discards every event. It stands in when nothing
// subscribes.
type NoopPublisher struct{}

func (*NoopPublisher) Publish(context.Context, string, any) error { return nil }

func (*NoopPublisher) Close() error { return nil }
