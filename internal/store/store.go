// Package store defines the persistent entities of the ingestion core
// and the repository contracts the postgres implementation fulfills.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx/types"
)

// Token sources.
const (
	SourceManual        = "manual"
	SourceCoinMarketCap = "coinmarketcap"
)

// Crawler iteration statuses.
const (
	StatusInit    = "init"
	StatusPending = "pending"
	StatusSuccess = "success"
	StatusError   = "error"
	StatusIgnore  = "ignore"
)

// Token is one tracked base asset. (symbol, source) is unique.
type Token struct {
	ID        int64     `db:"id"`
	Symbol    string    `db:"symbol"`
	Source    string    `db:"source"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// CrawlerJob is the bookkeeping row of one (exchange, connector)
// crawler. A single row exists per pair; every run resets it.
type CrawlerJob struct {
	ID        int64      `db:"id"`
	Exchange  string     `db:"exchange"`
	Connector string     `db:"connector"`
	Start     time.Time  `db:"start"`
	Stop      *time.Time `db:"stop"`
	Error     *string    `db:"error"`
}

// CrawlerIteration tracks one token within one job. Artifact columns
// hold the JSON-encoded records of the latest successful fetch.
type CrawlerIteration struct {
	ID           int64      `db:"id"`
	CrawlerJobID int64      `db:"crawler_job_id"`
	Token        string     `db:"token"`
	Symbol       string     `db:"symbol"`
	Start        time.Time  `db:"start"`
	Stop         *time.Time `db:"stop"`
	Done         bool       `db:"done"`
	Status       string     `db:"status"`
	Comment      *string    `db:"comment"`
	Error        *string    `db:"error"`
	LastUpdate   time.Time  `db:"last_update"`

	CurrencyPair       types.NullJSONText `db:"currency_pair"`
	BookDepth          types.NullJSONText `db:"book_depth"`
	Klines             types.NullJSONText `db:"klines"`
	FundingRate        types.NullJSONText `db:"funding_rate"`
	NextFundingRate    types.NullJSONText `db:"next_funding_rate"`
	FundingRateHistory types.NullJSONText `db:"funding_rate_history"`
}

// MarshalArtifact encodes v for a JSONB artifact column. Nil values
// and values encoding to JSON null yield the invalid (NULL) text.
func MarshalArtifact(v any) (types.NullJSONText, error) {
	if v == nil {
		return types.NullJSONText{}, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return types.NullJSONText{}, err
	}
	if string(raw) == "null" {
		return types.NullJSONText{}, nil
	}
	return types.NullJSONText{JSONText: types.JSONText(raw), Valid: true}, nil
}

// CurrencyPairSnapshot is one aligned price bucket. The
// (exchange_id, kind, symbol, align_to_minutes, aligned_timestamp)
// tuple is unique; rewrites update ratio and utc in place.
type CurrencyPairSnapshot struct {
	ID               int64   `db:"id"`
	ExchangeID       string  `db:"exchange_id"`
	Kind             string  `db:"kind"`
	Symbol           string  `db:"symbol"`
	AlignToMinutes   int     `db:"align_to_minutes"`
	AlignedTimestamp int64   `db:"aligned_timestamp"`
	Base             string  `db:"base"`
	Quote            string  `db:"quote"`
	Ratio            float64 `db:"ratio"`
	UTC              int64   `db:"utc"`
}

// ServiceConfig is one JSON configuration blob keyed by the owning
// service's name.
type ServiceConfig struct {
	ID        int64          `db:"id"`
	Name      string         `db:"name"`
	Config    types.JSONText `db:"config"`
	CreatedAt time.Time      `db:"created_at"`
	UpdatedAt time.Time      `db:"updated_at"`
}

// TokenRepo stores the tracked token universe.
type TokenRepo interface {
	// List returns all tokens ordered by id.
	List(ctx context.Context) ([]Token, error)

	// Upsert inserts the (symbol, source) pair or refreshes its
	// updated_at stamp.
	Upsert(ctx context.Context, symbol, source string) (*Token, error)
}

// CrawlerJobRepo maintains the single bookkeeping row per
// (exchange, connector).
type CrawlerJobRepo interface {
	// Prepare resets or creates the job row for a new run.
	Prepare(ctx context.Context, exchange, connector string, start time.Time) (*CrawlerJob, error)

	// Finish stamps the run's stop time and optional error.
	Finish(ctx context.Context, id int64, stop time.Time, errMsg *string) error
}

// CrawlerIterationRepo stores per-token progress within a job.
type CrawlerIterationRepo interface {
	// FindOrCreate returns the (job, token) row, creating it with
	// status init when absent.
	FindOrCreate(ctx context.Context, jobID int64, token string, now time.Time) (*CrawlerIteration, error)

	// Update persists every mutable column of it.
	Update(ctx context.Context, it *CrawlerIteration) error

	// List returns every iteration of the job ordered by id.
	List(ctx context.Context, jobID int64) ([]CrawlerIteration, error)

	// ListByStatus returns the job's iterations in the given status
	// ordered by id.
	ListByStatus(ctx context.Context, jobID int64, status string) ([]CrawlerIteration, error)
}

// SnapshotRepo stores aligned price buckets.
type SnapshotRepo interface {
	// Upsert writes snap, updating ratio and utc when the aligned
	// bucket already exists.
	Upsert(ctx context.Context, snap CurrencyPairSnapshot) error

	// Latest returns the most recent bucket for the tuple, nil when
	// none exists.
	Latest(ctx context.Context, exchangeID, kind, symbol string, alignToMinutes int) (*CurrencyPairSnapshot, error)
}

// ServiceConfigRepo stores named JSON configuration blobs.
type ServiceConfigRepo interface {
	// Get returns the blob for name, nil when absent.
	Get(ctx context.Context, name string) (json.RawMessage, error)

	// Put inserts or replaces the blob for name.
	Put(ctx context.Context, name string, config json.RawMessage) error
}

// Repository bundles every repo behind one handle.
type Repository struct {
	Tokens     TokenRepo
	Jobs       CrawlerJobRepo
	Iterations CrawlerIterationRepo
	Snapshots  SnapshotRepo
	Configs    ServiceConfigRepo
}
