package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"arbitrage-md-ingest/internal/store"
)

type snapshotRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewSnapshotRepo builds the postgres-backed snapshot repository.
func NewSnapshotRepo(db *sqlx.DB, timeout time.Duration) store.SnapshotRepo {
	return &snapshotRepo{db: db, timeout: timeout}
}

func (r *snapshotRepo) Upsert(ctx context.Context, snap store.CurrencyPairSnapshot) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO currency_pair_snapshot
			(exchange_id, kind, symbol, align_to_minutes, aligned_timestamp, base, quote, ratio, utc)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (exchange_id, kind, symbol, align_to_minutes, aligned_timestamp)
		DO UPDATE SET ratio = EXCLUDED.ratio, utc = EXCLUDED.utc`,
		snap.ExchangeID, snap.Kind, snap.Symbol, snap.AlignToMinutes,
		snap.AlignedTimestamp, snap.Base, snap.Quote, snap.Ratio, snap.UTC)
	if err != nil {
		return fmt.Errorf("store: upsert snapshot %s: %w", snap.Symbol, err)
	}
	return nil
}

func (r *snapshotRepo) Latest(ctx context.Context, exchangeID, kind, symbol string, alignToMinutes int) (*store.CurrencyPairSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var snap store.CurrencyPairSnapshot
	err := r.db.GetContext(ctx, &snap, `
		SELECT id, exchange_id, kind, symbol, align_to_minutes, aligned_timestamp,
		       base, quote, ratio, utc
		FROM currency_pair_snapshot
		WHERE exchange_id = $1 AND kind = $2 AND symbol = $3 AND align_to_minutes = $4
		ORDER BY aligned_timestamp DESC
		LIMIT 1`,
		exchangeID, kind, symbol, alignToMinutes)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: latest snapshot %s: %w", symbol, err)
	}
	return &snap, nil
}
