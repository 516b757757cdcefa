package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"restoration/internal/domain"
)

// JobRepositoryPG implements domain.JobRepository.
type JobRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewJobRepository creates a new job repository backed by PostgreSQL.
func NewJobRepository(pool *pgxpool.Pool) *JobRepositoryPG {
	return &JobRepositoryPG{pool: pool}
}

// jobRecord holds the JSON-encoded document columns of a job row.
type jobRecord struct {
	Params        []byte
	History       []byte
	Steps         []byte
	LastDecision  []byte
	RetryAttempts []byte
}

func encodeJob(job *domain.Job) (jobRecord, error) {
	var rec jobRecord
	var err error
	if rec.Params, err = json.Marshal(job.Params); err != nil {
		return rec, fmt.Errorf("encode params: %w", err)
	}
	if rec.History, err = json.Marshal(job.History); err != nil {
		return rec, fmt.Errorf("encode history: %w", err)
	}
	if rec.Steps, err = json.Marshal(job.Steps); err != nil {
		return rec, fmt.Errorf("encode steps: %w", err)
	}
	if rec.RetryAttempts, err = json.Marshal(job.RetryAttempts); err != nil {
		return rec, fmt.Errorf("encode retry attempts: %w", err)
	}
	if job.LastDecision != nil {
		if rec.LastDecision, err = json.Marshal(job.LastDecision); err != nil {
			return rec, fmt.Errorf("encode decision: %w", err)
		}
	}
	return rec, nil
}

func decodeJob(job *domain.Job, rec jobRecord) error {
	if len(rec.Params) > 0 {
		if err := json.Unmarshal(rec.Params, &job.Params); err != nil {
			return fmt.Errorf("decode params: %w", err)
		}
	}
	if len(rec.History) > 0 {
		if err := json.Unmarshal(rec.History, &job.History); err != nil {
			return fmt.Errorf("decode history: %w", err)
		}
	}
	if len(rec.Steps) > 0 {
		if err := json.Unmarshal(rec.Steps, &job.Steps); err != nil {
			return fmt.Errorf("decode steps: %w", err)
		}
	}
	if len(rec.RetryAttempts) > 0 {
		if err := json.Unmarshal(rec.RetryAttempts, &job.RetryAttempts); err != nil {
			return fmt.Errorf("decode retry attempts: %w", err)
		}
	}
	if len(rec.LastDecision) > 0 {
		job.LastDecision = &domain.QCDecision{}
		if err := json.Unmarshal(rec.LastDecision, job.LastDecision); err != nil {
			return fmt.Errorf("decode decision: %w", err)
		}
	}
	return nil
}

// Create inserts a new job record.
func (r *JobRepositoryPG) Create(ctx context.Context, job *domain.Job) error {
	rec, err := encodeJob(job)
	if err != nil {
		return err
	}
	query := `
INSERT INTO jobs (id, session_id, batch_id, photo_id, source_url, mode, state,
                  params_json, history_json, steps_json, decision_json, retry_attempts_json,
                  retry_count, dispatch_attempts, result_url, error_message,
                  created_at, updated_at, processing_started_at, processing_ended_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20);
`
	_, err = r.pool.Exec(ctx, query,
		job.ID,
		job.SessionID,
		nullableString(job.BatchID),
		job.PhotoID,
		job.SourceURL,
		job.Mode,
		job.State,
		rec.Params,
		rec.History,
		rec.Steps,
		nullableBytes(rec.LastDecision),
		rec.RetryAttempts,
		job.RetryCount,
		job.DispatchAttempts,
		nullableString(job.ResultURL),
		nullableString(job.ErrorMessage),
		job.CreatedAt,
		job.UpdatedAt,
		job.ProcessingStartedAt,
		job.ProcessingEndedAt,
	)
	if isUniqueViolation(err) {
		return domain.ErrJobExists
	}
	return err
}

// Update rewrites the mutable columns of a job row.
func (r *JobRepositoryPG) Update(ctx context.Context, job *domain.Job) error {
	rec, err := encodeJob(job)
	if err != nil {
		return err
	}
	query := `
UPDATE jobs
SET state = $2,
    params_json = $3,
    history_json = $4,
    steps_json = $5,
    decision_json = $6,
    retry_attempts_json = $7,
    retry_count = $8,
    dispatch_attempts = $9,
    result_url = $10,
    error_message = $11,
    updated_at = $12,
    processing_started_at = $13,
    processing_ended_at = $14
WHERE id = $1;
`
	tag, err := r.pool.Exec(ctx, query,
		job.ID,
		job.State,
		rec.Params,
		rec.History,
		rec.Steps,
		nullableBytes(rec.LastDecision),
		rec.RetryAttempts,
		job.RetryCount,
		job.DispatchAttempts,
		nullableString(job.ResultURL),
		nullableString(job.ErrorMessage),
		job.UpdatedAt,
		job.ProcessingStartedAt,
		job.ProcessingEndedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetByID fetches a job by its identifier.
func (r *JobRepositoryPG) GetByID(ctx context.Context, jobID string) (*domain.Job, error) {
	query := `
SELECT id, session_id, COALESCE(batch_id, ''), photo_id, source_url, mode, state,
       params_json, history_json, steps_json, decision_json, retry_attempts_json,
       retry_count, dispatch_attempts, COALESCE(result_url, ''), COALESCE(error_message, ''),
       created_at, updated_at, processing_started_at, processing_ended_at
FROM jobs
WHERE id = $1;
`
	row := r.pool.QueryRow(ctx, query, jobID)
	var job domain.Job
	var rec jobRecord
	if err := row.Scan(
		&job.ID,
		&job.SessionID,
		&job.BatchID,
		&job.PhotoID,
		&job.SourceURL,
		&job.Mode,
		&job.State,
		&rec.Params,
		&rec.History,
		&rec.Steps,
		&rec.LastDecision,
		&rec.RetryAttempts,
		&job.RetryCount,
		&job.DispatchAttempts,
		&job.ResultURL,
		&job.ErrorMessage,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.ProcessingStartedAt,
		&job.ProcessingEndedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	if err := decodeJob(&job, rec); err != nil {
		return nil, err
	}
	return &job, nil
}

func nullableBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
