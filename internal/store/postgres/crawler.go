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

type crawlerJobRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewCrawlerJobRepo builds the postgres-backed crawler job repository.
func NewCrawlerJobRepo(db *sqlx.DB, timeout time.Duration) store.CrawlerJobRepo {
	return &crawlerJobRepo{db: db, timeout: timeout}
}

func (r *crawlerJobRepo) Prepare(ctx context.Context, exchange, connector string, start time.Time) (*store.CrawlerJob, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var job store.CrawlerJob
	err := r.db.GetContext(ctx, &job, `
		INSERT INTO crawler_job (exchange, connector, start, stop, error)
		VALUES ($1, $2, $3, NULL, NULL)
		ON CONFLICT (exchange, connector)
		DO UPDATE SET start = EXCLUDED.start, stop = NULL, error = NULL
		RETURNING id, exchange, connector, start, stop, error`,
		exchange, connector, start)
	if err != nil {
		return nil, fmt.Errorf("store: prepare crawler job %s-%s: %w", exchange, connector, err)
	}
	return &job, nil
}

func (r *crawlerJobRepo) Finish(ctx context.Context, id int64, stop time.Time, errMsg *string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if _, err := r.db.ExecContext(ctx,
		`UPDATE crawler_job SET stop = $2, error = $3 WHERE id = $1`,
		id, stop, errMsg); err != nil {
		return fmt.Errorf("store: finish crawler job %d: %w", id, err)
	}
	return nil
}

type crawlerIterationRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewCrawlerIterationRepo builds the postgres-backed iteration repository.
func NewCrawlerIterationRepo(db *sqlx.DB, timeout time.Duration) store.CrawlerIterationRepo {
	return &crawlerIterationRepo{db: db, timeout: timeout}
}

const iterationColumns = `id, crawler_job_id, token, symbol, start, stop, done, status,
	comment, error, last_update, currency_pair, book_depth, klines,
	funding_rate, next_funding_rate, funding_rate_history`

const findIterationQuery = `
	SELECT ` + iterationColumns + `
	FROM crawler_iteration
	WHERE crawler_job_id = $1 AND token = $2`

func (r *crawlerIterationRepo) FindOrCreate(ctx context.Context, jobID int64, token string, now time.Time) (*store.CrawlerIteration, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var it store.CrawlerIteration
	err := r.db.GetContext(ctx, &it, findIterationQuery, jobID, token)
	if err == nil {
		return &it, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: find crawler iteration %s: %w", token, err)
	}

	err = r.db.GetContext(ctx, &it, `
		INSERT INTO crawler_iteration (crawler_job_id, token, start, status, last_update)
		VALUES ($1, $2, $3, $4, $3)
		RETURNING `+iterationColumns,
		jobID, token, now, store.StatusInit)
	if err != nil {
		// Another replica may have slotted the row between the lookup
		// and the insert.
		if uniqueViolation(err) {
			if rerr := r.db.GetContext(ctx, &it, findIterationQuery, jobID, token); rerr == nil {
				return &it, nil
			}
		}
		return nil, fmt.Errorf("store: create crawler iteration %s: %w", token, err)
	}
	return &it, nil
}

const updateIterationQuery = `
	UPDATE crawler_iteration
	SET symbol = :symbol,
	    start = :start,
	    stop = :stop,
	    done = :done,
	    status = :status,
	    comment = :comment,
	    error = :error,
	    last_update = :last_update,
	    currency_pair = :currency_pair,
	    book_depth = :book_depth,
	    klines = :klines,
	    funding_rate = :funding_rate,
	    next_funding_rate = :next_funding_rate,
	    funding_rate_history = :funding_rate_history
	WHERE id = :id`

func (r *crawlerIterationRepo) Update(ctx context.Context, it *store.CrawlerIteration) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if _, err := r.db.NamedExecContext(ctx, updateIterationQuery, it); err != nil {
		return fmt.Errorf("store: update crawler iteration %d: %w", it.ID, err)
	}
	return nil
}

func (r *crawlerIterationRepo) List(ctx context.Context, jobID int64) ([]store.CrawlerIteration, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var its []store.CrawlerIteration
	err := r.db.SelectContext(ctx, &its, `
		SELECT `+iterationColumns+`
		FROM crawler_iteration
		WHERE crawler_job_id = $1
		ORDER BY id`,
		jobID)
	if err != nil {
		return nil, fmt.Errorf("store: list crawler iterations %d: %w", jobID, err)
	}
	return its, nil
}

func (r *crawlerIterationRepo) ListByStatus(ctx context.Context, jobID int64, status string) ([]store.CrawlerIteration, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var its []store.CrawlerIteration
	err := r.db.SelectContext(ctx, &its, `
		SELECT `+iterationColumns+`
		FROM crawler_iteration
		WHERE crawler_job_id = $1 AND status = $2
		ORDER BY id`,
		jobID, status)
	if err != nil {
		return nil, fmt.Errorf("store: list crawler iterations %d/%s: %w", jobID, status, err)
	}
	return its, nil
}
