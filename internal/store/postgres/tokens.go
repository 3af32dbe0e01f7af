package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"arbitrage-md-ingest/internal/store"
)

type tokenRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewTokenRepo builds the postgres-backed token repository.
func NewTokenRepo(db *sqlx.DB, timeout time.Duration) store.TokenRepo {
	return &tokenRepo{db: db, timeout: timeout}
}

func (r *tokenRepo) List(ctx context.Context) ([]store.Token, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var tokens []store.Token
	err := r.db.SelectContext(ctx, &tokens, `
		SELECT id, symbol, source, created_at, updated_at
		FROM token
		ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("store: list tokens: %w", err)
	}
	return tokens, nil
}

func (r *tokenRepo) Upsert(ctx context.Context, symbol, source string) (*store.Token, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var token store.Token
	err := r.db.GetContext(ctx, &token, `
		INSERT INTO token (symbol, source)
		VALUES ($1, $2)
		ON CONFLICT (symbol, source) DO UPDATE SET updated_at = now()
		RETURNING id, symbol, source, created_at, updated_at`,
		symbol, source)
	if err != nil {
		return nil, fmt.Errorf("store: upsert token %s: %w", symbol, err)
	}
	return &token, nil
}
