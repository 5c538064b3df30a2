// Package server exposes the turn queue over HTTP (JSON API, SSE change
// stream, Prometheus metrics) and gRPC (health).
package server

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/alfredjeanlab/turnqueue/internal/events"
	"github.com/alfredjeanlab/turnqueue/internal/metrics"
	"github.com/alfredjeanlab/turnqueue/internal/orders"
	"github.com/alfredjeanlab/turnqueue/internal/statestore"
	"github.com/alfredjeanlab/turnqueue/internal/turn"
)

// Server serves the queue operations of one engine.
type Server struct {
	engine   *turn.Engine
	pipeline *orders.Pipeline
	store    *statestore.Store
	metrics  *metrics.Metrics
	logger   *slog.Logger
	sseHub   *sseHub

	mu      sync.Mutex
	cancels []func()
}

// New returns a server over engine. m and logger may be nil.
func New(engine *turn.Engine, pipeline *orders.Pipeline, m *metrics.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if pipeline == nil {
		pipeline = orders.New(engine, m)
	}
	return &Server{
		engine:   engine,
		pipeline: pipeline,
		store:    engine.Store(),
		metrics:  m,
		logger:   logger,
		sseHub:   newSSEHub(),
	}
}

// Follow relays every change notification and operator message to SSE
// clients until Close. Without a subscriber nothing is streamed.
func (s *Server) Follow() error {
	tables := []string{events.TableAgents, events.TableOrders, events.TableGlobalState, events.TableTurnEvents}
	for _, table := range tables {
		cancel, err := s.store.Subscribe(table, events.AllTypes, func(c *events.Change) {
			s.broadcastEvent(c.Topic(), c)
		})
		if err != nil {
			s.Close()
			return err
		}
		s.track(cancel)
	}
	cancel, err := s.store.SubscribeMessages(func(m *events.Message) {
		s.broadcastEvent(events.TopicMessages, m)
	})
	if err != nil {
		s.Close()
		return err
	}
	s.track(cancel)
	return nil
}

func (s *Server) track(cancel func()) {
	s.mu.Lock()
	s.cancels = append(s.cancels, cancel)
	s.mu.Unlock()
}

// Close stops following changes.
func (s *Server) Close() {
	s.mu.Lock()
	cancels := s.cancels
	s.cancels = nil
	s.mu.Unlock()
	for _, c := range cancels {
		c()
	}
}

// broadcastEvent fans an event out to SSE clients.
func (s *Server) broadcastEvent(topic string, event any) {
	payload, err := json.Marshal(event)
	if err != nil {
		s.logger.Warn("failed to marshal event for SSE broadcast", "topic", topic, "error", err)
		return
	}
	s.sseHub.broadcast(topic, payload)
}
