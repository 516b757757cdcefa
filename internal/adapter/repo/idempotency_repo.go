package repo

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"restoration/internal/domain"
)

// IdempotencyRepositoryPG implements domain.IdempotencyRepository.
type IdempotencyRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewIdempotencyRepository creates a new idempotency repository backed by
// PostgreSQL.
func NewIdempotencyRepository(pool *pgxpool.Pool) *IdempotencyRepositoryPG {
	return &IdempotencyRepositoryPG{pool: pool}
}

// Get fetches a stored result by idempotency key.
func (r *IdempotencyRepositoryPG) Get(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	query := `
SELECT key, fingerprint, mode, job_id, result_url, quality, created_at
FROM idempotency_records
WHERE key = $1;
`
	row := r.pool.QueryRow(ctx, query, key)
	var rec domain.IdempotencyRecord
	if err := row.Scan(
		&rec.Key,
		&rec.Fingerprint,
		&rec.Mode,
		&rec.JobID,
		&rec.ResultURL,
		&rec.Quality,
		&rec.CreatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// Put stores a completed result. The last writer wins on key conflicts so a
// re-run with a fresher result replaces the stored URL.
func (r *IdempotencyRepositoryPG) Put(ctx context.Context, record *domain.IdempotencyRecord) error {
	query := `
INSERT INTO idempotency_records (key, fingerprint, mode, job_id, result_url, quality, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (key) DO UPDATE
SET job_id = EXCLUDED.job_id,
    result_url = EXCLUDED.result_url,
    quality = EXCLUDED.quality,
    created_at = EXCLUDED.created_at;
`
	_, err := r.pool.Exec(ctx, query,
		record.Key,
		record.Fingerprint,
		record.Mode,
		record.JobID,
		record.ResultURL,
		record.Quality,
		record.CreatedAt,
	)
	return err
}
