// Package sync periodically exports the queue as JSONL to backup
// destinations.
package sync

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/alfredjeanlab/turnqueue/internal/metrics"
)

// Destination is a backup target (S3, git, etc.).
type Destination interface {
	// Name labels the destination in logs and metrics.
	Name() string
	// Write stores the JSONL payload, replacing the previous one.
	Write(ctx context.Context, data []byte) error
}

// Scheduler runs periodic exports to one or more destinations.
type Scheduler struct {
	src          Source
	destinations []Destination
	interval     time.Duration
	logger       *slog.Logger
	clock        clock.Clock
	metrics      *metrics.Metrics

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock sets the clock driving the interval and export timestamps.
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithMetrics records one export result per destination.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// NewScheduler creates a scheduler that exports src to the given
// destinations every interval. logger may be nil.
func NewScheduler(src Source, destinations []Destination, interval time.Duration, logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		src:          src,
		destinations: destinations,
		interval:     interval,
		logger:       logger,
		clock:        clock.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start runs an export immediately, then on each tick until Stop.
func (s *Scheduler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
}

// Stop cancels the scheduler and waits for a running export to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) run(ctx context.Context) {
	s.SyncOnce(ctx)

	ticker := s.clock.Ticker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SyncOnce(ctx)
		}
	}
}

// SyncOnce exports once and writes the snapshot to every destination.
// A failing destination does not stop the others.
func (s *Scheduler) SyncOnce(ctx context.Context) {
	var buf bytes.Buffer
	if err := ExportJSONL(ctx, s.src, &buf, s.clock.Now()); err != nil {
		s.logger.Error("sync export failed", "err", err)
		s.metrics.SyncExport("export", err)
		return
	}
	data := buf.Bytes()

	failed := 0
	for _, dest := range s.destinations {
		err := dest.Write(ctx, data)
		s.metrics.SyncExport(dest.Name(), err)
		if err != nil {
			failed++
			s.logger.Error("sync destination write failed", "destination", dest.Name(), "err", err)
		}
	}
	s.logger.Info("sync completed", "destinations", len(s.destinations), "failed", failed, "bytes", len(data))
}
