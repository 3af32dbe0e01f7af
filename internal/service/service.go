// Package service carries the unit of work shared by long-running
// services and the registry resolving their persisted configuration.
package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"arbitrage-md-ingest/internal/store"
)

// UnitOfWork aggregates one database pool and one cache client.
type UnitOfWork struct {
	DB    *sqlx.DB
	Redis *redis.Client
	Log   zerolog.Logger
}

// Base gives a service named accessors to the unit of work.
type Base struct {
	uow  *UnitOfWork
	name string
}

// NewBase binds a service name to the unit of work.
func NewBase(name string, uow *UnitOfWork) Base {
	return Base{uow: uow, name: name}
}

// Name returns the service's registry name.
func (b *Base) Name() string { return b.name }

// DB returns the shared pool.
func (b *Base) DB() *sqlx.DB { return b.uow.DB }

// Redis returns the shared cache client.
func (b *Base) Redis() *redis.Client { return b.uow.Redis }

// Log returns a logger tagged with the service name.
func (b *Base) Log() zerolog.Logger {
	return b.uow.Log.With().Str("service", b.name).Logger()
}

// Unit returns the underlying unit of work.
func (b *Base) Unit() *UnitOfWork { return b.uow }

// ConfigRegistry resolves per-service configuration blobs. A service
// passes a dst pre-populated with its defaults; the first lookup
// persists those defaults so operators can edit them later.
type ConfigRegistry struct {
	configs store.ServiceConfigRepo
	log     zerolog.Logger
}

// NewConfigRegistry builds a registry over the config repo.
func NewConfigRegistry(configs store.ServiceConfigRepo, log zerolog.Logger) *ConfigRegistry {
	return &ConfigRegistry{configs: configs, log: log}
}

// Load fills dst from the stored blob for name. A missing blob keeps
// dst's defaults and writes them back; an unreadable blob or a failed
// lookup keeps the defaults without writing.
func (r *ConfigRegistry) Load(ctx context.Context, name string, dst any) error {
	defaults, err := json.Marshal(dst)
	if err != nil {
		return fmt.Errorf("service: encode %s defaults: %w", name, err)
	}

	raw, err := r.configs.Get(ctx, name)
	if err != nil {
		r.log.Warn().Err(err).Str("service", name).Msg("config lookup failed, using defaults")
		return nil
	}
	if raw == nil {
		if err := r.configs.Put(ctx, name, defaults); err != nil {
			r.log.Warn().Err(err).Str("service", name).Msg("persisting default config failed")
		} else {
			r.log.Info().Str("service", name).Msg("persisted default config")
		}
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		// A partial decode may have overwritten some defaults.
		_ = json.Unmarshal(defaults, dst)
		r.log.Warn().Err(err).Str("service", name).Msg("stored config unreadable, using defaults")
	}
	return nil
}
