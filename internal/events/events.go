package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Subject prefix shared by every turnq topic.
const Prefix = "turnq"

// Tables that emit change notifications.
const (
	TableAgents      = "agents"
	TableOrders      = "orders"
	TableGlobalState = "global_state"
	TableTurnEvents  = "turn_events"
)

// TopicMessages carries operator notifications addressed to agents.
const TopicMessages = Prefix + ".messages.sent"

// TopicAll matches every change and message topic.
const TopicAll = Prefix + ".>"

// EventType classifies a row change. Values are bit flags so callers can
// subscribe to a mask of types.
type EventType uint8

const (
	Insert EventType = 1 << iota
	Update
	Delete

	AllTypes = Insert | Update | Delete
)

// String returns the lower-case name used in topics.
func (t EventType) String() string {
	switch t {
	case Insert:
		return "insert"
	case Update:
		return "update"
	case Delete:
		return "delete"
	}
	return fmt.Sprintf("EventType(%d)", uint8(t))
}

// ParseEventType maps a topic token back to its type.
func ParseEventType(s string) (EventType, bool) {
	switch s {
	case "insert":
		return Insert, true
	case "update":
		return Update, true
	case "delete":
		return Delete, true
	}
	return 0, false
}

// MarshalText implements encoding.TextMarshaler.
func (t EventType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *EventType) UnmarshalText(b []byte) error {
	v, ok := ParseEventType(string(b))
	if !ok {
		return fmt.Errorf("unknown event type %q", b)
	}
	*t = v
	return nil
}

// Topic returns the subject for a change on table of type t,
// e.g. "turnq.global_state.update".
func Topic(table string, t EventType) string {
	return Prefix + "." + table + "." + t.String()
}

// TableTopic returns a wildcard subject matching every change on table.
func TableTopic(table string) string {
	return Prefix + "." + table + ".*"
}

// ParseTopic splits a change subject into table and type.
func ParseTopic(topic string) (table string, t EventType, ok bool) {
	parts := strings.Split(topic, ".")
	if len(parts) != 3 || parts[0] != Prefix {
		return "", 0, false
	}
	t, ok = ParseEventType(parts[2])
	return parts[1], t, ok
}

// Change is the payload published for every persisted row mutation.
type Change struct {
	Table string          `json:"table"`
	Type  EventType       `json:"type"`
	New   json.RawMessage `json:"new,omitempty"`
	Old   json.RawMessage `json:"old,omitempty"`
	At    time.Time       `json:"at"`
}

// NewChange encodes the new and old row images into a Change.
func NewChange(table string, t EventType, newRow, oldRow any, at time.Time) (*Change, error) {
	c := &Change{Table: table, Type: t, At: at}
	var err error
	if newRow != nil {
		if c.New, err = json.Marshal(newRow); err != nil {
			return nil, fmt.Errorf("marshaling new row: %w", err)
		}
	}
	if oldRow != nil {
		if c.Old, err = json.Marshal(oldRow); err != nil {
			return nil, fmt.Errorf("marshaling old row: %w", err)
		}
	}
	return c, nil
}

// Topic returns the subject this change is published on.
func (c *Change) Topic() string {
	return Topic(c.Table, c.Type)
}

// DecodeNew unmarshals the new row image into v.
func (c *Change) DecodeNew(v any) error {
	if len(c.New) == 0 {
		return fmt.Errorf("%s %s change has no new row", c.Table, c.Type)
	}
	return json.Unmarshal(c.New, v)
}

// DecodeOld unmarshals the old row image into v.
func (c *Change) DecodeOld(v any) error {
	if len(c.Old) == 0 {
		return fmt.Errorf("%s %s change has no old row", c.Table, c.Type)
	}
	return json.Unmarshal(c.Old, v)
}

// Message is an operator notification addressed to one agent.
type Message struct {
	ID      string    `json:"id"`
	AgentID int64     `json:"agent_id"`
	Text    string    `json:"text"`
	From    string    `json:"from,omitempty"`
	SentAt  time.Time `json:"sent_at"`
}

// Publisher emits JSON events on a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, event any) error
	Close() error
}

// Subscriber streams raw payloads for a topic pattern. The returned cancel
// function unsubscribes and closes the channel; it is safe to call twice.
type Subscriber interface {
	Subscribe(pattern string) (<-chan []byte, func(), error)
	Close() error
}
