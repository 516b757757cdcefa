package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"restoration/internal/domain"
)

// BatchRepositoryPG implements domain.BatchRepository.
type BatchRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewBatchRepository creates a new batch repository backed by PostgreSQL.
func NewBatchRepository(pool *pgxpool.Pool) *BatchRepositoryPG {
	return &BatchRepositoryPG{pool: pool}
}

// Create inserts a new batch record.
func (r *BatchRepositoryPG) Create(ctx context.Context, batch *domain.Batch) error {
	configJSON, jobsJSON, deadJSON, progressJSON, err := encodeBatch(batch)
	if err != nil {
		return err
	}
	query := `
INSERT INTO batches (id, status, config_json, job_ids_json, dead_letter_json, progress_json,
                     stop_reason, created_at, updated_at, ended_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10);
`
	_, err = r.pool.Exec(ctx, query,
		batch.ID,
		batch.Status,
		configJSON,
		jobsJSON,
		deadJSON,
		progressJSON,
		nullableString(batch.StopReason),
		batch.CreatedAt,
		batch.UpdatedAt,
		batch.EndedAt,
	)
	if isUniqueViolation(err) {
		return domain.ErrJobExists
	}
	return err
}

// Update rewrites the mutable columns of a batch row.
func (r *BatchRepositoryPG) Update(ctx context.Context, batch *domain.Batch) error {
	configJSON, jobsJSON, deadJSON, progressJSON, err := encodeBatch(batch)
	if err != nil {
		return err
	}
	query := `
UPDATE batches
SET status = $2,
    config_json = $3,
    job_ids_json = $4,
    dead_letter_json = $5,
    progress_json = $6,
    stop_reason = $7,
    updated_at = $8,
    ended_at = $9
WHERE id = $1;
`
	tag, err := r.pool.Exec(ctx, query,
		batch.ID,
		batch.Status,
		configJSON,
		jobsJSON,
		deadJSON,
		progressJSON,
		nullableString(batch.StopReason),
		batch.UpdatedAt,
		batch.EndedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetByID fetches a batch by its identifier.
func (r *BatchRepositoryPG) GetByID(ctx context.Context, batchID string) (*domain.Batch, error) {
	query := `
SELECT id, status, config_json, job_ids_json, dead_letter_json, progress_json,
       COALESCE(stop_reason, ''), created_at, updated_at, ended_at
FROM batches
WHERE id = $1;
`
	batch, err := scanBatch(r.pool.QueryRow(ctx, query, batchID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return batch, nil
}

// ListActive returns every batch still accepting or running work, oldest
// first so adoption order matches submission order.
func (r *BatchRepositoryPG) ListActive(ctx context.Context) ([]*domain.Batch, error) {
	query := `
SELECT id, status, config_json, job_ids_json, dead_letter_json, progress_json,
       COALESCE(stop_reason, ''), created_at, updated_at, ended_at
FROM batches
WHERE status = $1
ORDER BY created_at;
`
	rows, err := r.pool.Query(ctx, query, domain.BatchActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var active []*domain.Batch
	for rows.Next() {
		batch, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		active = append(active, batch)
	}
	return active, rows.Err()
}

func scanBatch(row pgx.Row) (*domain.Batch, error) {
	var batch domain.Batch
	var configJSON, jobsJSON, deadJSON, progressJSON []byte
	if err := row.Scan(
		&batch.ID,
		&batch.Status,
		&configJSON,
		&jobsJSON,
		&deadJSON,
		&progressJSON,
		&batch.StopReason,
		&batch.CreatedAt,
		&batch.UpdatedAt,
		&batch.EndedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(configJSON, &batch.Config); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := json.Unmarshal(jobsJSON, &batch.JobIDs); err != nil {
		return nil, fmt.Errorf("decode job ids: %w", err)
	}
	if err := json.Unmarshal(deadJSON, &batch.DeadLetter); err != nil {
		return nil, fmt.Errorf("decode dead letter: %w", err)
	}
	if err := json.Unmarshal(progressJSON, &batch.Progress); err != nil {
		return nil, fmt.Errorf("decode progress: %w", err)
	}
	return &batch, nil
}

// DeleteEndedBefore removes batches that ended before the cutoff. Returns the
// number of rows deleted.
func (r *BatchRepositoryPG) DeleteEndedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	query := `
DELETE FROM batches
WHERE ended_at IS NOT NULL AND ended_at < $1;
`
	tag, err := r.pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func encodeBatch(batch *domain.Batch) (configJSON, jobsJSON, deadJSON, progressJSON []byte, err error) {
	if configJSON, err = json.Marshal(batch.Config); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("encode config: %w", err)
	}
	if batch.JobIDs == nil {
		batch.JobIDs = []string{}
	}
	if jobsJSON, err = json.Marshal(batch.JobIDs); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("encode job ids: %w", err)
	}
	if batch.DeadLetter == nil {
		batch.DeadLetter = []string{}
	}
	if deadJSON, err = json.Marshal(batch.DeadLetter); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("encode dead letter: %w", err)
	}
	if progressJSON, err = json.Marshal(batch.Progress); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("encode progress: %w", err)
	}
	return configJSON, jobsJSON, deadJSON, progressJSON, nil
}
