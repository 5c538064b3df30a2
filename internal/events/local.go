package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrBusClosed is returned by LocalBus operations after Close.
var ErrBusClosed = errors.New("event bus closed")

// LocalBus is an in-process Publisher and Subscriber with NATS subject
// semantics. It serves single-process deployments and tests.
type LocalBus struct {
	mu     sync.RWMutex
	subs   map[int]*localSub
	nextID int
	closed bool
}

type localSub struct {
	pattern string
	ch      chan []byte
}

var (
	_ Publisher  = (*LocalBus)(nil)
	_ Subscriber = (*LocalBus)(nil)
)

// NewLocalBus returns an empty bus.
func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[int]*localSub)}
}

// Publish JSON-encodes event and delivers it to every matching subscriber.
// Full subscriber channels drop the message.
func (b *LocalBus) Publish(_ context.Context, topic string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}
	for _, s := range b.subs {
		if !MatchSubject(s.pattern, topic) {
			continue
		}
		select {
		case s.ch <- data:
		default:
		}
	}
	return nil
}

// Subscribe registers a subscription for pattern.
func (b *LocalBus) Subscribe(pattern string) (<-chan []byte, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, nil, ErrBusClosed
	}
	id := b.nextID
	b.nextID++
	s := &localSub{pattern: pattern, ch: make(chan []byte, subscriberBuffer)}
	b.subs[id] = s

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(s.ch)
			}
		})
	}
	return s.ch, cancel, nil
}

// Close closes every subscription channel.
func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for id, s := range b.subs {
		close(s.ch)
		delete(b.subs, id)
	}
	return nil
}

// MatchSubject reports whether subject matches pattern, where "*" matches
// one token and a trailing ">" matches one or more tokens.
func MatchSubject(pattern, subject string) bool {
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, p := range pt {
		if p == ">" {
			return i == len(pt)-1 && len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if p != "*" && p != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}
