// Package postgres implements the store repositories over a pooled
// lib/pq connection.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"arbitrage-md-ingest/internal/store"
)

//go:embed schema.sql
var schemaSQL string

// Config tunes the connection pool.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	QueryTimeout    time.Duration
}

// DefaultConfig returns pool settings suited to one service replica.
func DefaultConfig() Config {
	return Config{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
		QueryTimeout:    30 * time.Second,
	}
}

// Manager owns the pool and hands out repositories bound to it.
type Manager struct {
	db    *sqlx.DB
	cfg   Config
	repos *store.Repository
}

// NewManager opens and verifies the pool.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.DSN == "" {
		return nil, errors.New("store: postgres DSN is required")
	}
	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("store: open pool: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return NewManagerWithDB(db, cfg), nil
}

// NewManagerWithDB wraps an existing pool. Tests inject mocks here.
func NewManagerWithDB(db *sqlx.DB, cfg Config) *Manager {
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = DefaultConfig().QueryTimeout
	}
	return &Manager{
		db:  db,
		cfg: cfg,
		repos: &store.Repository{
			Tokens:     NewTokenRepo(db, cfg.QueryTimeout),
			Jobs:       NewCrawlerJobRepo(db, cfg.QueryTimeout),
			Iterations: NewCrawlerIterationRepo(db, cfg.QueryTimeout),
			Snapshots:  NewSnapshotRepo(db, cfg.QueryTimeout),
			Configs:    NewServiceConfigRepo(db, cfg.QueryTimeout),
		},
	}
}

// EnsureSchema creates missing tables and indexes. Every statement is
// idempotent, so running it at boot is safe.
func (m *Manager) EnsureSchema(ctx context.Context) error {
	if _, err := m.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("store: ensure schema: %w", err)
	}
	return nil
}

// Repository returns the repo bundle.
func (m *Manager) Repository() *store.Repository { return m.repos }

// DB exposes the raw pool for the unit-of-work.
func (m *Manager) DB() *sqlx.DB { return m.db }

// Close shuts the pool down.
func (m *Manager) Close() error { return m.db.Close() }

// uniqueViolation reports whether err is the postgres duplicate-key
// error.
func uniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
