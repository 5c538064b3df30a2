package presence

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/alfredjeanlab/turnqueue/internal/events"
	"github.com/alfredjeanlab/turnqueue/internal/idgen"
)

// NATSBroadcaster carries tab messages over NATS. Subjects are scoped to
// one device, so tabs on different machines never see each other.
type NATSBroadcaster struct {
	conn   *nats.Conn
	device string
}

// NewNATSBroadcaster uses conn for channels scoped to device.
func NewNATSBroadcaster(conn *nats.Conn, device string) *NATSBroadcaster {
	return &NATSBroadcaster{conn: conn, device: subjectToken(device)}
}

// Subject returns the NATS subject for a channel name.
func (b *NATSBroadcaster) Subject(name string) string {
	return events.Prefix + ".tabs." + b.device + "." + subjectToken(name)
}

// subjectToken makes s safe to use as a single subject token.
func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}

// envelope tags each post with the sending end so it can skip its own.
type envelope struct {
	Origin  string  `json:"origin"`
	Message Message `json:"message"`
}

type natsChannel struct {
	conn    *nats.Conn
	subject string
	origin  string
	sub     *nats.Subscription
	ch      chan Message

	mu     sync.Mutex
	closed bool
}

func (b *NATSBroadcaster) Open(name string) (Channel, error) {
	origin, err := idgen.GenerateWithPrefix("")
	if err != nil {
		return nil, err
	}
	c := &natsChannel{
		conn:    b.conn,
		subject: b.Subject(name),
		origin:  origin,
		ch:      make(chan Message, channelBuffer),
	}
	c.sub, err = b.conn.Subscribe(c.subject, c.receive)
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", c.subject, err)
	}
	if err := b.conn.Flush(); err != nil {
		_ = c.sub.Unsubscribe()
		return nil, fmt.Errorf("flushing subscription: %w", err)
	}
	return c, nil
}

func (c *natsChannel) receive(msg *nats.Msg) {
	var env envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		slog.Warn("presence: dropping malformed tab message", "subject", msg.Subject, "err", err)
		return
	}
	if env.Origin == c.origin {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.ch <- env.Message:
	default:
	}
}

func (c *natsChannel) Post(m Message) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrChannelClosed
	}
	data, err := json.Marshal(envelope{Origin: c.origin, Message: m})
	if err != nil {
		return err
	}
	return c.conn.Publish(c.subject, data)
}

func (c *natsChannel) Messages() <-chan Message { return c.ch }

func (c *natsChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	err := c.sub.Unsubscribe()
	close(c.ch)
	return err
}
