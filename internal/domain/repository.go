package domain

import (
	"context"
	"time"
)

// JobRepository defines persistence for job entities. All job mutations
// funnel through the state machine; other components only read.
type JobRepository interface {
	Create(ctx context.Context, job *Job) error
	Update(ctx context.Context, job *Job) error
	GetByID(ctx context.Context, jobID string) (*Job, error)
}

// BatchRepository defines persistence for batch entities. ListActive lets a
// dispatcher pick up batches submitted by another process.
type BatchRepository interface {
	Create(ctx context.Context, batch *Batch) error
	Update(ctx context.Context, batch *Batch) error
	GetByID(ctx context.Context, batchID string) (*Batch, error)
	ListActive(ctx context.Context) ([]*Batch, error)
	DeleteEndedBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// IdempotencyRepository stores completed results keyed for deduplication.
type IdempotencyRepository interface {
	Get(ctx context.Context, key string) (*IdempotencyRecord, error)
	Put(ctx context.Context, record *IdempotencyRecord) error
}
