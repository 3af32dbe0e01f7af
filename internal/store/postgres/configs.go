package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"arbitrage-md-ingest/internal/store"
)

type serviceConfigRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewServiceConfigRepo builds the postgres-backed config repository.
func NewServiceConfigRepo(db *sqlx.DB, timeout time.Duration) store.ServiceConfigRepo {
	return &serviceConfigRepo{db: db, timeout: timeout}
}

func (r *serviceConfigRepo) Get(ctx context.Context, name string) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var raw json.RawMessage
	err := r.db.GetContext(ctx, &raw,
		`SELECT config FROM service_config WHERE name = $1`, name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get config %s: %w", name, err)
	}
	return raw, nil
}

func (r *serviceConfigRepo) Put(ctx context.Context, name string, config json.RawMessage) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO service_config (name, config)
		VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET config = EXCLUDED.config, updated_at = now()`,
		name, []byte(config))
	if err != nil {
		return fmt.Errorf("store: put config %s: %w", name, err)
	}
	return nil
}
