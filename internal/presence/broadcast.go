package presence

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// MessageType identifies a tab coordination message.
type MessageType string

const (
	TabCheck  MessageType = "tab_check"
	TabActive MessageType = "tab_active"
	TabClosed MessageType = "tab_closed"
)

// Message is posted between tabs of the same agent. Timestamp is the
// sending tab's creation time, not the send time.
type Message struct {
	Type      MessageType `json:"type"`
	TabID     string      `json:"tab_id"`
	Timestamp time.Time   `json:"timestamp"`
}

// Claim returns the sender's identity as a claim for comparison.
func (m Message) Claim() Claim {
	return Claim{TabID: m.TabID, Timestamp: m.Timestamp}
}

// ChannelName returns the broadcast channel shared by an agent's tabs.
func ChannelName(agentID int64) string {
	return fmt.Sprintf("turnq_agent_%d", agentID)
}

// Broadcaster opens named channels between tabs on one device.
type Broadcaster interface {
	Open(name string) (Channel, error)
}

// Channel is one tab's end of a named broadcast channel. Posted messages
// reach every other open end; the sender does not receive its own.
type Channel interface {
	Post(m Message) error
	Messages() <-chan Message
	Close() error
}

// ErrChannelClosed is returned by Post after Close.
var ErrChannelClosed = errors.New("broadcast channel closed")

const channelBuffer = 16

// Hub is an in-process Broadcaster.
type Hub struct {
	mu       sync.RWMutex
	channels map[string]map[*hubChannel]struct{}
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{channels: make(map[string]map[*hubChannel]struct{})}
}

type hubChannel struct {
	hub    *Hub
	name   string
	ch     chan Message
	closed bool
}

func (h *Hub) Open(name string) (Channel, error) {
	c := &hubChannel{hub: h, name: name, ch: make(chan Message, channelBuffer)}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.channels[name] == nil {
		h.channels[name] = make(map[*hubChannel]struct{})
	}
	h.channels[name][c] = struct{}{}
	return c, nil
}

// Post delivers m to every other end. A full receiver drops the message.
func (c *hubChannel) Post(m Message) error {
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if c.closed {
		return ErrChannelClosed
	}
	for peer := range c.hub.channels[c.name] {
		if peer == c {
			continue
		}
		select {
		case peer.ch <- m:
		default:
		}
	}
	return nil
}

func (c *hubChannel) Messages() <-chan Message { return c.ch }

func (c *hubChannel) Close() error {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	delete(c.hub.channels[c.name], c)
	if len(c.hub.channels[c.name]) == 0 {
		delete(c.hub.channels, c.name)
	}
	close(c.ch)
	return nil
}
