// Package postgres stores the queue in PostgreSQL. Schema changes ship as
// embedded golang-migrate migrations applied by New.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"

	"github.com/alfredjeanlab/turnqueue/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is a store.Store over a *sql.DB pool.
type Store struct {
	queries
	db *sql.DB
}

var (
	_ store.Store = (*Store)(nil)
	_ store.Store = txStore{}
)

// New connects to databaseURL and migrates the schema to the latest
// version.
func New(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxIdleTime(time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}
	return NewWithDB(db), nil
}

// NewWithDB wraps db as is. The schema must already exist.
func NewWithDB(db *sql.DB) *Store {
	return &Store{queries: queries{db: db}, db: db}
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("migrations source: %w", err)
	}
	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("migrations driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// RunInTransaction commits when fn returns nil and rolls back otherwise.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx store.Store) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(txStore{queries{db: tx}}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// txStore runs queries inside an open transaction. Nested calls reuse it.
type txStore struct {
	queries
}

func (t txStore) RunInTransaction(_ context.Context, fn func(tx store.Store) error) error {
	return fn(t)
}

func (txStore) Close() error { return nil }
