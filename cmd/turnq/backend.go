package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/alfredjeanlab/turnqueue/internal/config"
	"github.com/alfredjeanlab/turnqueue/internal/events"
	"github.com/alfredjeanlab/turnqueue/internal/metrics"
	"github.com/alfredjeanlab/turnqueue/internal/orders"
	"github.com/alfredjeanlab/turnqueue/internal/statestore"
	"github.com/alfredjeanlab/turnqueue/internal/store"
	"github.com/alfredjeanlab/turnqueue/internal/store/postgres"
	"github.com/alfredjeanlab/turnqueue/internal/store/sqlite"
	"github.com/alfredjeanlab/turnqueue/internal/turn"
)

// backend is the storage and event plumbing shared by serve and join.
type backend struct {
	store    *statestore.Store
	engine   *turn.Engine
	pipeline *orders.Pipeline

	// conn is set when NATS is configured.
	conn *nats.Conn

	closers []func() error
}

func openStore(c *config.Config) (store.Store, error) {
	switch c.Backend() {
	case "postgres":
		return postgres.New(c.DatabaseURL)
	default:
		return sqlite.New(c.SQLitePath)
	}
}

// openBackend connects the configured store and event transport. Without
// NATS, changes are only visible inside this process.
func openBackend(c *config.Config, m *metrics.Metrics, logger *slog.Logger) (*backend, error) {
	raw, err := openStore(c)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", c.Backend(), err)
	}
	b := &backend{closers: []func() error{raw.Close}}

	var pub events.Publisher
	var sub events.Subscriber
	if c.NATSURL != "" {
		bus, err := events.DialNATS(c.NATSURL)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.closers = append(b.closers, bus.Close)
		b.conn = bus.Conn()
		pub, sub = bus, bus
		logger.Info("events enabled", "nats_url", c.NATSURL)
	} else {
		bus := events.NewLocalBus()
		b.closers = append(b.closers, bus.Close)
		pub, sub = bus, bus
		logger.Info("events are process-local (TURNQ_NATS_URL not set)")
	}

	b.store = statestore.New(raw, pub, sub,
		statestore.WithRetry(c.RetryAttempts, c.RetryBackoff),
		statestore.WithMetrics(m))
	b.engine = turn.New(b.store,
		turn.WithMetrics(m),
		turn.WithCountTimeoutSkips(c.CountTimeoutSkips))
	b.pipeline = orders.New(b.engine, m)
	logger.Info("store opened", "backend", c.Backend())
	return b, nil
}

// Close releases everything in reverse order of opening.
func (b *backend) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}
