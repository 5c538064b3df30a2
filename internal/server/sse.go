package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/alfredjeanlab/turnqueue/internal/events"
)

const (
	// sseReplaySize is how many recent events are kept for clients that
	// reconnect with Last-Event-ID.
	sseReplaySize = 512

	sseKeepaliveInterval = 15 * time.Second
	sseClientBuffer      = 64

	// sseRetry is the reconnect delay suggested to clients, in ms.
	sseRetry = 2000
)

// sseEvent is one framed change.
type sseEvent struct {
	ID    uint64
	Topic string
	Data  []byte
}

// sseHub fans change notifications out to stream clients and keeps a
// replay window. Slow clients miss events instead of blocking the hub.
type sseHub struct {
	mu      sync.Mutex
	clients map[*sseClient]struct{}
	lastID  uint64
	replay  []sseEvent // oldest first, at most sseReplaySize
}

type sseClient struct {
	patterns []string // NATS-style subject patterns; empty matches all
	ch       chan sseEvent
}

func newSSEHub() *sseHub {
	return &sseHub{clients: make(map[*sseClient]struct{})}
}

func (h *sseHub) broadcast(topic string, payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastID++
	evt := sseEvent{ID: h.lastID, Topic: topic, Data: payload}
	if len(h.replay) == sseReplaySize {
		copy(h.replay, h.replay[1:])
		h.replay = h.replay[:sseReplaySize-1]
	}
	h.replay = append(h.replay, evt)

	for c := range h.clients {
		if !c.wants(topic) {
			continue
		}
		select {
		case c.ch <- evt:
		default:
		}
	}
}

// subscribe registers a client and returns the buffered events after
// lastID it should see first. Registration and replay happen under one
// lock so nothing falls between them.
func (h *sseHub) subscribe(patterns []string, lastID uint64) (*sseClient, []sseEvent) {
	c := &sseClient{patterns: patterns, ch: make(chan sseEvent, sseClientBuffer)}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
	if lastID == 0 {
		return c, nil
	}
	var backlog []sseEvent
	for _, evt := range h.replay {
		if evt.ID > lastID && c.wants(evt.Topic) {
			backlog = append(backlog, evt)
		}
	}
	return c, backlog
}

func (h *sseHub) unsubscribe(c *sseClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

func (h *sseHub) clientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (c *sseClient) wants(topic string) bool {
	if len(c.patterns) == 0 {
		return true
	}
	for _, p := range c.patterns {
		if events.MatchSubject(p, topic) {
			return true
		}
	}
	return false
}

// parseTopics splits ?topics=a,b. Bare table names are widened to every
// change on that table, so "orders" means "turnq.orders.*".
func parseTopics(q string) []string {
	var out []string
	for _, t := range strings.Split(q, ",") {
		t = strings.TrimSpace(t)
		switch {
		case t == "":
		case strings.HasPrefix(t, events.Prefix+"."):
			out = append(out, t)
		default:
			out = append(out, events.TableTopic(t))
		}
	}
	return out
}

// handleEventStream handles GET /v1/events/stream?topics=...
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	var lastID uint64
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		lastID, _ = strconv.ParseUint(v, 10, 64)
	}

	client, backlog := s.sseHub.subscribe(parseTopics(r.URL.Query().Get("topics")), lastID)
	defer s.sseHub.unsubscribe(client)
	s.metrics.SSESubscribers(1)
	defer s.metrics.SSESubscribers(-1)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "retry:%d\n\n", sseRetry)
	for _, evt := range backlog {
		writeSSEEvent(w, evt)
	}
	flusher.Flush()

	keepalive := time.NewTicker(sseKeepaliveInterval)
	defer keepalive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case evt := <-client.ch:
			writeSSEEvent(w, evt)
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprint(w, ":keepalive\n\n")
			flusher.Flush()
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, evt sseEvent) {
	fmt.Fprintf(w, "id:%d\nevent:%s\ndata:%s\n\n", evt.ID, evt.Topic, evt.Data)
}
