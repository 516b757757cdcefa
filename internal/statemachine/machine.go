package statemachine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"restoration/internal/domain"
)

// allowedTransitions is the single source of truth for the job lifecycle.
// COMPLETED and CANCELLED have no outgoing edges; only ForceTransition can
// leave them.
var allowedTransitions = map[domain.JobState][]domain.JobState{
	domain.StateQueued:       {domain.StateAnalyzing, domain.StateCompleted, domain.StateCancelled},
	domain.StateAnalyzing:    {domain.StatePlanning, domain.StateFailed, domain.StateCancelled},
	domain.StatePlanning:     {domain.StateEditing, domain.StateFailed, domain.StateCancelled},
	domain.StateEditing:      {domain.StateValidating, domain.StateFailed, domain.StateCancelled},
	domain.StateValidating:   {domain.StateDecided, domain.StateFailed, domain.StateCancelled},
	domain.StateDecided:      {domain.StateCompleted, domain.StateQueued, domain.StateManualReview, domain.StateFailed},
	domain.StateFailed:       {domain.StateQueued},
	domain.StateManualReview: {domain.StateQueued, domain.StateCancelled},
	domain.StateCompleted:    {},
	domain.StateCancelled:    {},
}

func transitionAllowed(from, to domain.JobState) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// EntryHook runs after a transition into its registered state has been
// persisted. Hooks run outside the machine lock, so they may trigger
// further transitions.
type EntryHook func(ctx context.Context, job *domain.Job) error

// Machine owns the lifecycle of jobs and guarantees only valid transitions
// occur. Every mutation of a job record funnels through it.
type Machine struct {
	repo   domain.JobRepository
	logger zerolog.Logger

	mu    sync.Mutex
	hooks map[domain.JobState]EntryHook
	now   func() time.Time
}

// New constructs a state machine over the given job repository.
func New(repo domain.JobRepository, logger zerolog.Logger) *Machine {
	return &Machine{
		repo:   repo,
		logger: logger,
		hooks:  make(map[domain.JobState]EntryHook),
		now:    time.Now,
	}
}

// SetEntryHook registers a side effect to run whenever a job enters state.
// Must be called during wiring, before the machine is shared.
func (m *Machine) SetEntryHook(state domain.JobState, hook EntryHook) {
	m.hooks[state] = hook
}

// CreateJob registers a new job in QUEUED. Fails with ErrJobExists when the
// id is already taken.
func (m *Machine) CreateJob(ctx context.Context, job *domain.Job) (*domain.Job, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Mode == "" {
		job.Mode = domain.ModeRestore
	}
	if job.Params.IsZero() {
		job.Params = domain.DefaultParams(job.Mode)
	}
	now := m.now()
	job.State = domain.StateQueued
	job.CreatedAt = now
	job.UpdatedAt = now

	if err := m.repo.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("create job %s: %w", job.ID, err)
	}

	m.logger.Info().
		Str("job_id", job.ID).
		Str("batch_id", job.BatchID).
		Str("mode", string(job.Mode)).
		Msg("statemachine: job created")

	return job, nil
}

// GetJob loads a job by id.
func (m *Machine) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	return m.repo.GetByID(ctx, jobID)
}

// TransitionTo validates and applies a state change, appends the history
// entry, persists the record and runs the entry hook for the new state.
// Invalid transitions return ErrInvalidTransition and leave the job
// untouched.
func (m *Machine) TransitionTo(ctx context.Context, jobID string, next domain.JobState, reason string, opts ...TransitionOption) (*domain.Job, error) {
	return m.transition(ctx, jobID, next, reason, false, opts...)
}

// ForceTransition bypasses transition validation for operator intervention.
// The history entry is flagged so audits can tell it apart.
func (m *Machine) ForceTransition(ctx context.Context, jobID string, next domain.JobState, reason string, opts ...TransitionOption) (*domain.Job, error) {
	return m.transition(ctx, jobID, next, reason, true, opts...)
}

// RestartJob re-queues a job from FAILED or MANUAL_REVIEW.
func (m *Machine) RestartJob(ctx context.Context, jobID, reason string, opts ...TransitionOption) (*domain.Job, error) {
	return m.TransitionTo(ctx, jobID, domain.StateQueued, reason, opts...)
}

// CancelJob transitions a job to CANCELLED, preventing further side effects.
func (m *Machine) CancelJob(ctx context.Context, jobID, reason string) (*domain.Job, error) {
	return m.TransitionTo(ctx, jobID, domain.StateCancelled, reason)
}

func (m *Machine) transition(ctx context.Context, jobID string, next domain.JobState, reason string, forced bool, opts ...TransitionOption) (*domain.Job, error) {
	var cfg transitionConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	correlationID := cfg.correlationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	m.mu.Lock()
	job, err := m.repo.GetByID(ctx, jobID)
	if err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("load job %s: %w", jobID, err)
	}

	if !forced && !transitionAllowed(job.State, next) {
		m.mu.Unlock()
		m.logger.Error().
			Str("job_id", jobID).
			Str("from", string(job.State)).
			Str("to", string(next)).
			Str("correlation_id", correlationID).
			Msg("statemachine: invalid transition rejected")
		return nil, fmt.Errorf("%s -> %s: %w", job.State, next, domain.ErrInvalidTransition)
	}

	from := job.State
	now := m.now()
	job.State = next
	job.UpdatedAt = now
	job.History = append(job.History, domain.Transition{
		From:          from,
		To:            next,
		Reason:        reason,
		Forced:        forced,
		CorrelationID: correlationID,
		At:            now,
	})
	cfg.apply(job, now)

	if err := m.repo.Update(ctx, job); err != nil {
		// Roll back the in-memory change; the stored record is unchanged.
		m.mu.Unlock()
		return nil, fmt.Errorf("persist transition %s -> %s for %s: %w", from, next, jobID, err)
	}
	m.mu.Unlock()

	event := m.logger.Info()
	if forced {
		event = m.logger.Warn()
	}
	event.
		Str("job_id", jobID).
		Str("from", string(from)).
		Str("to", string(next)).
		Str("reason", reason).
		Bool("forced", forced).
		Str("correlation_id", correlationID).
		Msg("statemachine: transition")

	if hook := m.hooks[next]; hook != nil {
		if err := hook(ctx, job); err != nil {
			return job, fmt.Errorf("entry hook for %s on %s: %w", next, jobID, err)
		}
		// The hook may have transitioned the job further.
		if refreshed, err := m.repo.GetByID(ctx, jobID); err == nil {
			job = refreshed
		}
	}

	return job, nil
}
