package domain

import "time"

// Priority selects which dispatch queue a batch's jobs enter.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// RetryPolicy governs batch-level redispatch of jobs that failed for
// transient reasons. Quality-driven retries are handled separately by the
// retry control loop.
type RetryPolicy string

const (
	RetryAggressive   RetryPolicy = "aggressive"
	RetryStandard     RetryPolicy = "standard"
	RetryConservative RetryPolicy = "conservative"
	RetryNone         RetryPolicy = "none"
)

// MaxDispatchAttempts returns how many dispatch attempts the policy allows.
func (p RetryPolicy) MaxDispatchAttempts() int {
	switch p {
	case RetryAggressive:
		return 5
	case RetryConservative:
		return 1
	case RetryNone:
		return 0
	default:
		return 3
	}
}

// BatchStatus enumerates batch lifecycle states.
type BatchStatus string

const (
	BatchActive    BatchStatus = "active"
	BatchCompleted BatchStatus = "completed"
	BatchCancelled BatchStatus = "cancelled"
	BatchStopped   BatchStatus = "stopped"
)

// BatchConfig is the caller-supplied configuration for a batch submission.
type BatchConfig struct {
	Mode             Mode          `json:"mode"`
	Priority         Priority      `json:"priority"`
	ConcurrencyLimit int           `json:"concurrency_limit"`
	RetryPolicy      RetryPolicy   `json:"retry_policy"`
	Timeout          time.Duration `json:"timeout"`
}

// BatchItem is one unit of work submitted inside a batch.
type BatchItem struct {
	PhotoID   string `json:"photo_id"`
	SessionID string `json:"session_id"`
	SourceURL string `json:"source_url"`
	Mode      Mode   `json:"mode,omitempty"`
}

// BatchProgress is a snapshot of a batch's counters. The invariant
// Queued+Processing+Completed+Failed == Total holds at every snapshot.
type BatchProgress struct {
	Total      int     `json:"total"`
	Queued     int     `json:"queued"`
	Processing int     `json:"processing"`
	Completed  int     `json:"completed"`
	Failed     int     `json:"failed"`
	Percent    float64 `json:"percent"`

	AvgQuality        float64       `json:"avg_quality"`
	AvgProcessingTime time.Duration `json:"avg_processing_time"`
	ETA               time.Duration `json:"eta"`
}

// Batch is a caller-defined set of jobs processed together under shared
// limits.
type Batch struct {
	ID         string
	Status     BatchStatus
	Config     BatchConfig
	JobIDs     []string
	DeadLetter []string
	Progress   BatchProgress
	StopReason string

	CreatedAt  time.Time
	UpdatedAt  time.Time
	EndedAt    *time.Time
}

// ProgressEventType classifies batch progress events.
type ProgressEventType string

const (
	EventJobQueued      ProgressEventType = "job_queued"
	EventJobStarted     ProgressEventType = "job_started"
	EventJobCompleted   ProgressEventType = "job_completed"
	EventJobFailed      ProgressEventType = "job_failed"
	EventJobDeadLetter  ProgressEventType = "job_dead_letter"
	EventBatchCompleted ProgressEventType = "batch_completed"
	EventBatchStopped   ProgressEventType = "batch_stopped"
	EventBatchCancelled ProgressEventType = "batch_cancelled"
)

// ProgressEvent is published on the batch manager's event channel. Events
// are ordered per batch; when the channel buffer is full the oldest event
// is dropped, and the Progress snapshot on later events supersedes it.
type ProgressEvent struct {
	Type     ProgressEventType `json:"type"`
	BatchID  string            `json:"batch_id"`
	JobID    string            `json:"job_id,omitempty"`
	Progress BatchProgress     `json:"progress"`
	At       time.Time         `json:"at"`
}

// IdempotencyRecord stores a completed result keyed by content fingerprint,
// mode and parameters so identical requests can reuse it.
type IdempotencyRecord struct {
	Key         string
	Fingerprint string
	Mode        Mode
	JobID       string
	ResultURL   string
	Quality     float64
	CreatedAt   time.Time
}
