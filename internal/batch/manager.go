package batch

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"restoration/internal/domain"
	"restoration/internal/statemachine"
)

const maxDispatchBackoff = 5 * time.Minute

// Stop condition thresholds. A batch is halted when more than half of its
// finished jobs failed (once enough have finished to be meaningful) or when
// failures come in an unbroken streak.
const (
	stopFailureRatioMinimum = 10
	stopConsecutiveFailures = 5
)

// JobRunner executes one job end to end. The runner owns all state-machine
// transitions past QUEUED; the manager only observes the final state.
type JobRunner interface {
	Run(ctx context.Context, jobID string) error
}

// Config tunes the batch manager.
type Config struct {
	GlobalConcurrency int
	MaxBatchSize      int
	SchedulerTick     time.Duration
	CleanupTick       time.Duration
	Retention         time.Duration
	JobTimeout        time.Duration
	EventBuffer       int
}

func (c *Config) applyDefaults() {
	if c.GlobalConcurrency <= 0 {
		c.GlobalConcurrency = 8
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 100
	}
	if c.SchedulerTick <= 0 {
		c.SchedulerTick = 2 * time.Second
	}
	if c.CleanupTick <= 0 {
		c.CleanupTick = 5 * time.Minute
	}
	if c.Retention <= 0 {
		c.Retention = time.Hour
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 5 * time.Minute
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 256
	}
}

// queuedJob is one dispatchable unit waiting in a priority queue. runAt gates
// redispatches behind their backoff.
type queuedJob struct {
	batchID  string
	jobID    string
	attempts int
	runAt    time.Time
}

// batchState is the in-memory runtime bookkeeping for one batch. The
// scheduling fields (priority, limit, inflight, tracked) are guarded by
// Manager.mu; mu serializes counter updates and store writes per batch so
// settling one batch never blocks the scheduler or other batches.
type batchState struct {
	priority domain.Priority
	limit    int
	inflight int
	tracked  map[string]struct{}

	mu                  sync.Mutex
	consecutiveFailures int
	completedDuration   time.Duration
	qualitySum          float64
	qualityCount        int
}

// Manager owns batch submissions: priority queues, the dispatch loop under a
// global concurrency cap, dispatch-level retries with a dead-letter queue,
// stop conditions and retention cleanup. Batches created by another process
// are picked up from the durable store on each scheduler pass.
type Manager struct {
	repo    domain.BatchRepository
	machine *statemachine.Machine
	runner  JobRunner
	sem     *semaphore.Weighted
	cfg     Config
	logger  zerolog.Logger
	now     func() time.Time

	mu     sync.Mutex
	queues map[domain.Priority][]queuedJob
	states map[string]*batchState
	events chan domain.ProgressEvent
	wg     sync.WaitGroup
}

// NewManager constructs a batch manager. Call Run to start the scheduler and
// cleanup loops.
func NewManager(repo domain.BatchRepository, machine *statemachine.Machine, runner JobRunner, cfg Config, logger zerolog.Logger) *Manager {
	cfg.applyDefaults()
	return &Manager{
		repo:    repo,
		machine: machine,
		runner:  runner,
		sem:     semaphore.NewWeighted(int64(cfg.GlobalConcurrency)),
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		queues: map[domain.Priority][]queuedJob{
			domain.PriorityHigh:   nil,
			domain.PriorityNormal: nil,
			domain.PriorityLow:    nil,
		},
		states: make(map[string]*batchState),
		events: make(chan domain.ProgressEvent, cfg.EventBuffer),
	}
}

// Events returns the progress event channel. Events are ordered per batch;
// when the buffer is full the oldest events are dropped rather than blocking
// the dispatch path.
func (m *Manager) Events() <-chan domain.ProgressEvent { return m.events }

// CreateBatch validates and registers a batch, creates its jobs in QUEUED and
// enqueues them for dispatch.
func (m *Manager) CreateBatch(ctx context.Context, items []domain.BatchItem, cfg domain.BatchConfig) (*domain.Batch, error) {
	if len(items) == 0 {
		return nil, errors.New("batch has no items")
	}
	if len(items) > m.cfg.MaxBatchSize {
		return nil, fmt.Errorf("batch of %d exceeds limit %d: %w", len(items), m.cfg.MaxBatchSize, domain.ErrBatchFull)
	}
	if cfg.Priority == "" {
		cfg.Priority = domain.PriorityNormal
	}
	if cfg.Mode == "" {
		cfg.Mode = domain.ModeRestore
	}
	if cfg.RetryPolicy == "" {
		cfg.RetryPolicy = domain.RetryStandard
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = m.cfg.JobTimeout
	}

	now := m.now()
	batch := &domain.Batch{
		ID:     uuid.NewString(),
		Status: domain.BatchActive,
		Config: cfg,
		Progress: domain.BatchProgress{
			Total:  len(items),
			Queued: len(items),
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	for _, item := range items {
		mode := item.Mode
		if mode == "" {
			mode = cfg.Mode
		}
		job, err := m.machine.CreateJob(ctx, &domain.Job{
			SessionID: item.SessionID,
			BatchID:   batch.ID,
			PhotoID:   item.PhotoID,
			SourceURL: item.SourceURL,
			Mode:      mode,
		})
		if err != nil {
			return nil, fmt.Errorf("create job for photo %s: %w", item.PhotoID, err)
		}
		batch.JobIDs = append(batch.JobIDs, job.ID)
	}

	if err := m.repo.Create(ctx, batch); err != nil {
		return nil, fmt.Errorf("persist batch: %w", err)
	}

	m.mu.Lock()
	state := &batchState{
		priority: cfg.Priority,
		limit:    cfg.ConcurrencyLimit,
		tracked:  make(map[string]struct{}, len(batch.JobIDs)),
	}
	m.states[batch.ID] = state
	for _, jobID := range batch.JobIDs {
		m.queues[cfg.Priority] = append(m.queues[cfg.Priority], queuedJob{batchID: batch.ID, jobID: jobID})
		state.tracked[jobID] = struct{}{}
		m.emit(domain.ProgressEvent{Type: domain.EventJobQueued, BatchID: batch.ID, JobID: jobID, Progress: batch.Progress, At: now})
	}
	m.mu.Unlock()

	m.logger.Info().
		Str("batch_id", batch.ID).
		Int("jobs", len(batch.JobIDs)).
		Str("priority", string(cfg.Priority)).
		Str("retry_policy", string(cfg.RetryPolicy)).
		Msg("batch: created")

	return batch, nil
}

// GetBatch loads a batch by id.
func (m *Manager) GetBatch(ctx context.Context, batchID string) (*domain.Batch, error) {
	return m.repo.GetByID(ctx, batchID)
}

// Run drives the scheduler and cleanup loops until ctx is cancelled, then
// waits for in-flight jobs to drain.
func (m *Manager) Run(ctx context.Context) error {
	scheduler := time.NewTicker(m.cfg.SchedulerTick)
	defer scheduler.Stop()
	cleanup := time.NewTicker(m.cfg.CleanupTick)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			m.wg.Wait()
			return ctx.Err()
		case <-scheduler.C:
			m.tick(ctx)
		case <-cleanup.C:
			m.cleanup(ctx)
		}
	}
}

// Tick runs one scheduler pass. Exposed for deterministic tests; Run calls it
// on every tick.
func (m *Manager) Tick(ctx context.Context) { m.tick(ctx) }

// Wait blocks until all in-flight dispatches have settled.
func (m *Manager) Wait() { m.wg.Wait() }

// tick adopts store-created batches, then drains the queues highest priority
// first, launching jobs while global and per-batch concurrency allow.
func (m *Manager) tick(ctx context.Context) {
	m.hydrate(ctx)
	for {
		job, ok := m.nextDispatchable()
		if !ok {
			return
		}
		if !m.sem.TryAcquire(1) {
			// Global capacity exhausted; put the job back at the front.
			m.requeueFront(job)
			return
		}
		m.wg.Add(1)
		go func(q queuedJob) {
			defer m.wg.Done()
			defer m.sem.Release(1)
			m.dispatch(ctx, q)
		}(job)
	}
}

// hydrate adopts active batches this process has not seen yet, re-queueing
// their QUEUED jobs from the durable store. The operator API creates batches
// in a separate process; without this pass the dispatcher would only ever
// see its own submissions.
func (m *Manager) hydrate(ctx context.Context) {
	active, err := m.repo.ListActive(ctx)
	if err != nil {
		m.logger.Error().Err(err).Msg("batch: list active batches failed")
		return
	}
	for _, b := range active {
		m.mu.Lock()
		_, known := m.states[b.ID]
		m.mu.Unlock()
		if !known {
			m.adopt(ctx, b)
		}
	}
}

// adopt registers a store-created batch with the local scheduler. Jobs still
// QUEUED are re-enqueued carrying their recorded dispatch budget; jobs that
// were mid-pipeline when a previous owner died stay counted as processing.
func (m *Manager) adopt(ctx context.Context, b *domain.Batch) {
	var entries []queuedJob
	for _, jobID := range b.JobIDs {
		job, err := m.machine.GetJob(ctx, jobID)
		if err != nil {
			m.logger.Warn().Err(err).Str("job_id", jobID).Msg("batch: load job during adoption failed")
			continue
		}
		if job.State == domain.StateQueued {
			entries = append(entries, queuedJob{batchID: b.ID, jobID: jobID, attempts: job.DispatchAttempts})
		}
	}

	priority := b.Config.Priority
	if priority == "" {
		priority = domain.PriorityNormal
	}
	state := &batchState{
		priority: priority,
		limit:    b.Config.ConcurrencyLimit,
		tracked:  make(map[string]struct{}, len(entries)),
	}

	m.mu.Lock()
	if _, known := m.states[b.ID]; known {
		m.mu.Unlock()
		return
	}
	m.states[b.ID] = state
	for _, entry := range entries {
		m.queues[priority] = append(m.queues[priority], entry)
		state.tracked[entry.jobID] = struct{}{}
	}
	m.mu.Unlock()

	state.mu.Lock()
	b.Progress.Queued = len(entries)
	processing := b.Progress.Total - b.Progress.Completed - b.Progress.Failed - len(entries)
	if processing < 0 {
		processing = 0
	}
	b.Progress.Processing = processing
	m.persistProgress(ctx, b, state)
	state.mu.Unlock()

	m.logger.Info().
		Str("batch_id", b.ID).
		Int("queued", len(entries)).
		Msg("batch: adopted from store")
}

// nextDispatchable pops the first queued job whose batch has per-batch
// capacity. Saturated or not-yet-due entries are kept in place. Runs entirely
// against in-memory state; the store is not consulted.
func (m *Manager) nextDispatchable() (queuedJob, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for _, priority := range []domain.Priority{domain.PriorityHigh, domain.PriorityNormal, domain.PriorityLow} {
		queue := m.queues[priority]
		for i, candidate := range queue {
			if candidate.runAt.After(now) {
				continue
			}
			state := m.states[candidate.batchID]
			if state == nil {
				state = &batchState{priority: priority, tracked: make(map[string]struct{})}
				m.states[candidate.batchID] = state
			}
			if state.limit > 0 && state.inflight >= state.limit {
				continue
			}
			state.inflight++
			m.queues[priority] = append(queue[:i:i], queue[i+1:]...)
			return candidate, true
		}
	}
	return queuedJob{}, false
}

// state returns the bookkeeping entry for a batch, creating a bare one for
// batches this process has not scheduled itself.
func (m *Manager) state(batchID string) *batchState {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.states[batchID]
	if s == nil {
		s = &batchState{tracked: make(map[string]struct{})}
		m.states[batchID] = s
	}
	return s
}

func (m *Manager) requeueFront(job queuedJob) {
	m.mu.Lock()
	defer m.mu.Unlock()
	priority := domain.PriorityNormal
	if state := m.states[job.batchID]; state != nil {
		if state.inflight > 0 {
			state.inflight--
		}
		if state.priority != "" {
			priority = state.priority
		}
	}
	m.queues[priority] = append([]queuedJob{job}, m.queues[priority]...)
}

// dispatch hands one job to the runner and folds the outcome back into the
// batch's progress and retry bookkeeping.
func (m *Manager) dispatch(ctx context.Context, q queuedJob) {
	batch, err := m.repo.GetByID(ctx, q.batchID)
	if err != nil {
		m.logger.Error().Err(err).Str("batch_id", q.batchID).Msg("batch: load before dispatch failed")
		m.requeueFront(q)
		return
	}
	if batch.Status != domain.BatchActive {
		// The batch ended between enqueue and pop, possibly in another
		// process. The job must not dangle in QUEUED.
		m.dropStale(ctx, batch, q)
		return
	}

	m.markProcessing(ctx, q)

	timeout := batch.Config.Timeout
	if timeout <= 0 {
		timeout = m.cfg.JobTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	runErr := m.runner.Run(runCtx, q.jobID)
	cancel()

	job, err := m.machine.GetJob(ctx, q.jobID)
	if err != nil {
		m.logger.Error().Err(err).Str("job_id", q.jobID).Msg("batch: load after dispatch failed")
		m.releaseInflight(q)
		return
	}

	switch {
	case runErr == nil && job.State == domain.StateQueued:
		// The quality loop resubmitted the job; put it back without
		// counting a dispatch failure.
		m.reenqueue(q.batchID, q.jobID, 0, time.Time{})
		m.settle(ctx, q.batchID, q.jobID, settleRequeued, 0, 0)

	case runErr == nil && (job.State == domain.StateCompleted || job.State == domain.StateManualReview):
		quality := 0.0
		if job.LastDecision != nil {
			quality = job.LastDecision.Scores.Overall
		}
		m.settle(ctx, q.batchID, q.jobID, settleCompleted, quality, processingDuration(job))

	case runErr == nil:
		// FAILED or CANCELLED reached through the pipeline itself; no
		// redispatch for quality-rejected or cancelled work.
		m.settle(ctx, q.batchID, q.jobID, settleFailed, 0, processingDuration(job))

	default:
		m.handleDispatchFailure(ctx, batch, q, runErr)
	}
}

// dropStale releases a queue entry whose batch already ended. The job is
// cancelled and folded into the final counters unless something else already
// moved it out of QUEUED.
func (m *Manager) dropStale(ctx context.Context, batch *domain.Batch, q queuedJob) {
	m.mu.Lock()
	if state := m.states[q.batchID]; state != nil {
		if state.inflight > 0 {
			state.inflight--
		}
		delete(state.tracked, q.jobID)
	}
	m.mu.Unlock()

	job, err := m.machine.GetJob(ctx, q.jobID)
	if err != nil || job.State != domain.StateQueued {
		return
	}
	reason := batch.StopReason
	if reason == "" {
		reason = fmt.Sprintf("batch %s", batch.Status)
	}
	if _, err := m.machine.CancelJob(ctx, q.jobID, reason); err != nil {
		m.logger.Warn().Err(err).Str("job_id", q.jobID).Msg("batch: cancel stale job failed")
		return
	}

	state := m.state(q.batchID)
	state.mu.Lock()
	defer state.mu.Unlock()
	fresh, err := m.repo.GetByID(ctx, batch.ID)
	if err != nil {
		m.logger.Error().Err(err).Str("batch_id", batch.ID).Msg("batch: load for stale settle failed")
		return
	}
	if fresh.Progress.Queued > 0 {
		fresh.Progress.Queued--
		fresh.Progress.Failed++
	}
	m.persistProgress(ctx, fresh, state)
	m.emit(domain.ProgressEvent{Type: domain.EventJobFailed, BatchID: batch.ID, JobID: q.jobID, Progress: fresh.Progress, At: m.now()})
}

func processingDuration(job *domain.Job) time.Duration {
	if job.ProcessingStartedAt == nil || job.ProcessingEndedAt == nil {
		return 0
	}
	return job.ProcessingEndedAt.Sub(*job.ProcessingStartedAt)
}

// handleDispatchFailure redispatches transient failures with exponential
// backoff until the batch's retry policy is exhausted, then dead-letters the
// job.
func (m *Manager) handleDispatchFailure(ctx context.Context, batch *domain.Batch, q queuedJob, runErr error) {
	attempts := q.attempts + 1
	maxAttempts := batch.Config.RetryPolicy.MaxDispatchAttempts()

	m.logger.Warn().
		Err(runErr).
		Str("batch_id", q.batchID).
		Str("job_id", q.jobID).
		Int("attempt", attempts).
		Int("max_attempts", maxAttempts).
		Msg("batch: dispatch failed")

	if attempts < maxAttempts {
		if job, err := m.machine.GetJob(ctx, q.jobID); err == nil && job.State == domain.StateFailed {
			if _, err := m.machine.RestartJob(ctx, q.jobID,
				fmt.Sprintf("redispatch attempt %d after: %v", attempts+1, runErr),
				statemachine.WithDispatchAttempts(attempts),
			); err != nil {
				m.logger.Error().Err(err).Str("job_id", q.jobID).Msg("batch: requeue for redispatch failed")
			}
		}
		m.reenqueue(q.batchID, q.jobID, attempts, m.now().Add(dispatchBackoff(attempts)))
		m.settle(ctx, q.batchID, q.jobID, settleRequeued, 0, 0)
		return
	}

	// Policy exhausted: park the job in the dead-letter queue.
	if job, err := m.machine.GetJob(ctx, q.jobID); err == nil && !job.State.Terminal() && job.State != domain.StateFailed {
		if _, err := m.machine.ForceTransition(ctx, q.jobID, domain.StateFailed,
			fmt.Sprintf("dead-lettered after %d dispatch attempts: %v", attempts, runErr),
			statemachine.WithError(runErr.Error()),
			statemachine.WithDispatchAttempts(attempts),
		); err != nil {
			m.logger.Error().Err(err).Str("job_id", q.jobID).Msg("batch: dead-letter transition failed")
		}
	}
	m.settle(ctx, q.batchID, q.jobID, settleDeadLetter, 0, 0)
}

// dispatchBackoff doubles per attempt, capped at maxDispatchBackoff.
func dispatchBackoff(attempts int) time.Duration {
	backoff := time.Duration(math.Pow(2, float64(attempts))) * time.Second
	if backoff > maxDispatchBackoff {
		return maxDispatchBackoff
	}
	return backoff
}

type settleKind int

const (
	settleCompleted settleKind = iota
	settleFailed
	settleDeadLetter
	settleRequeued
)

// markProcessing flips one queued counter to processing and emits the start
// event.
func (m *Manager) markProcessing(ctx context.Context, q queuedJob) {
	state := m.state(q.batchID)
	state.mu.Lock()
	defer state.mu.Unlock()
	batch, err := m.repo.GetByID(ctx, q.batchID)
	if err != nil {
		return
	}
	if batch.Progress.Queued > 0 {
		batch.Progress.Queued--
	}
	batch.Progress.Processing++
	m.persistProgress(ctx, batch, state)
	m.emit(domain.ProgressEvent{Type: domain.EventJobStarted, BatchID: q.batchID, JobID: q.jobID, Progress: batch.Progress, At: m.now()})
}

// settle folds one finished dispatch into the batch counters and evaluates
// stop and completion conditions.
func (m *Manager) settle(ctx context.Context, batchID, jobID string, kind settleKind, quality float64, took time.Duration) {
	m.mu.Lock()
	state := m.states[batchID]
	if state == nil {
		state = &batchState{tracked: make(map[string]struct{})}
		m.states[batchID] = state
	}
	if state.inflight > 0 {
		state.inflight--
	}
	if kind != settleRequeued {
		delete(state.tracked, jobID)
	}
	m.mu.Unlock()

	state.mu.Lock()
	defer state.mu.Unlock()

	batch, err := m.repo.GetByID(ctx, batchID)
	if err != nil {
		m.logger.Error().Err(err).Str("batch_id", batchID).Msg("batch: load for settle failed")
		return
	}
	if batch.Progress.Processing > 0 {
		batch.Progress.Processing--
	}

	now := m.now()
	switch kind {
	case settleCompleted:
		batch.Progress.Completed++
		state.consecutiveFailures = 0
		if quality > 0 {
			state.qualitySum += quality
			state.qualityCount++
		}
		if took > 0 {
			state.completedDuration += took
		}
		m.emit(domain.ProgressEvent{Type: domain.EventJobCompleted, BatchID: batchID, JobID: jobID, Progress: batch.Progress, At: now})

	case settleFailed:
		batch.Progress.Failed++
		state.consecutiveFailures++
		m.emit(domain.ProgressEvent{Type: domain.EventJobFailed, BatchID: batchID, JobID: jobID, Progress: batch.Progress, At: now})

	case settleDeadLetter:
		batch.Progress.Failed++
		state.consecutiveFailures++
		batch.DeadLetter = append(batch.DeadLetter, jobID)
		m.emit(domain.ProgressEvent{Type: domain.EventJobDeadLetter, BatchID: batchID, JobID: jobID, Progress: batch.Progress, At: now})

	case settleRequeued:
		batch.Progress.Queued++
	}

	if batch.Status == domain.BatchActive {
		if reason, stopped := m.stopCondition(batch, state); stopped {
			m.halt(ctx, batch, state, domain.BatchStopped, reason, domain.EventBatchStopped)
			return
		}
		if batch.Progress.Queued == 0 && batch.Progress.Processing == 0 {
			ended := now
			batch.Status = domain.BatchCompleted
			batch.EndedAt = &ended
			m.persistProgress(ctx, batch, state)
			m.emit(domain.ProgressEvent{Type: domain.EventBatchCompleted, BatchID: batchID, Progress: batch.Progress, At: now})
			m.logger.Info().Str("batch_id", batchID).Msg("batch: completed")
			return
		}
	}
	m.persistProgress(ctx, batch, state)
}

// stopCondition evaluates the failure-rate and failure-streak halts. Caller
// holds the batch's state lock.
func (m *Manager) stopCondition(batch *domain.Batch, state *batchState) (string, bool) {
	if state.consecutiveFailures >= stopConsecutiveFailures {
		return fmt.Sprintf("%d consecutive failures", state.consecutiveFailures), true
	}
	finished := batch.Progress.Completed + batch.Progress.Failed
	if finished >= stopFailureRatioMinimum && batch.Progress.Failed*2 > finished {
		return fmt.Sprintf("%d of %d finished jobs failed", batch.Progress.Failed, finished), true
	}
	return "", false
}

// halt ends a batch early. Every job still QUEUED in the store is cancelled
// and counted as failed, whether it sits in this process's queues or was
// enqueued by another one; jobs in flight here run to completion and settle
// on their own. Caller holds the batch's state lock.
func (m *Manager) halt(ctx context.Context, batch *domain.Batch, state *batchState, status domain.BatchStatus, reason string, event domain.ProgressEventType) {
	now := m.now()
	batch.Status = status
	batch.StopReason = reason
	batch.EndedAt = &now

	m.mu.Lock()
	removed := m.removeQueuedLocked(batch.ID)
	inflight := make(map[string]struct{}, len(state.tracked))
	for jobID := range state.tracked {
		inflight[jobID] = struct{}{}
	}
	m.mu.Unlock()

	seen := make(map[string]struct{}, len(removed))
	candidates := removed
	for _, jobID := range removed {
		seen[jobID] = struct{}{}
	}
	for _, jobID := range batch.JobIDs {
		if _, ok := seen[jobID]; ok {
			continue
		}
		if _, ok := inflight[jobID]; ok {
			continue
		}
		candidates = append(candidates, jobID)
	}

	cancelled := 0
	for _, jobID := range candidates {
		job, err := m.machine.GetJob(ctx, jobID)
		if err != nil || job.State != domain.StateQueued {
			continue
		}
		if _, err := m.machine.CancelJob(ctx, jobID, reason); err != nil {
			m.logger.Warn().Err(err).Str("job_id", jobID).Msg("batch: cancel queued job failed")
			continue
		}
		cancelled++
	}
	if batch.Progress.Queued >= cancelled {
		batch.Progress.Queued -= cancelled
	} else {
		batch.Progress.Queued = 0
	}
	batch.Progress.Failed += cancelled

	m.persistProgress(ctx, batch, state)
	m.emit(domain.ProgressEvent{Type: event, BatchID: batch.ID, Progress: batch.Progress, At: now})
	m.logger.Warn().
		Str("batch_id", batch.ID).
		Str("status", string(status)).
		Str("reason", reason).
		Int("cancelled", cancelled).
		Msg("batch: halted")
}

// removeQueuedLocked drops all queue entries for a batch and returns their
// job ids. Caller holds Manager.mu.
func (m *Manager) removeQueuedLocked(batchID string) []string {
	var removed []string
	state := m.states[batchID]
	for priority, queue := range m.queues {
		kept := queue[:0]
		for _, q := range queue {
			if q.batchID == batchID {
				removed = append(removed, q.jobID)
				if state != nil {
					delete(state.tracked, q.jobID)
				}
				continue
			}
			kept = append(kept, q)
		}
		m.queues[priority] = kept
	}
	return removed
}

// reenqueue appends a job to its batch's priority queue, optionally gated by
// a backoff deadline.
func (m *Manager) reenqueue(batchID, jobID string, attempts int, runAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	priority := domain.PriorityNormal
	if state := m.states[batchID]; state != nil {
		if state.priority != "" {
			priority = state.priority
		}
		state.tracked[jobID] = struct{}{}
	}
	m.queues[priority] = append(m.queues[priority], queuedJob{
		batchID:  batchID,
		jobID:    jobID,
		attempts: attempts,
		runAt:    runAt,
	})
}

// CancelBatch ends a batch on operator request. Queued jobs are cancelled;
// in-flight jobs finish.
func (m *Manager) CancelBatch(ctx context.Context, batchID, reason string) (*domain.Batch, error) {
	if _, err := m.repo.GetByID(ctx, batchID); err != nil {
		return nil, err
	}

	state := m.state(batchID)
	state.mu.Lock()
	defer state.mu.Unlock()

	batch, err := m.repo.GetByID(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if batch.Status != domain.BatchActive {
		return nil, fmt.Errorf("batch %s is %s: %w", batchID, batch.Status, domain.ErrBatchStopped)
	}
	if reason == "" {
		reason = "cancelled by operator"
	}
	m.halt(ctx, batch, state, domain.BatchCancelled, reason, domain.EventBatchCancelled)
	return batch, nil
}

// RetryDeadLetter re-enqueues a batch's dead-lettered jobs with a fresh
// dispatch budget and reactivates the batch.
func (m *Manager) RetryDeadLetter(ctx context.Context, batchID string) (int, error) {
	if _, err := m.repo.GetByID(ctx, batchID); err != nil {
		return 0, err
	}

	state := m.state(batchID)
	state.mu.Lock()
	defer state.mu.Unlock()

	batch, err := m.repo.GetByID(ctx, batchID)
	if err != nil {
		return 0, err
	}
	if len(batch.DeadLetter) == 0 {
		return 0, nil
	}
	state.consecutiveFailures = 0

	var restarted []string
	for _, jobID := range batch.DeadLetter {
		if _, err := m.machine.RestartJob(ctx, jobID, "dead-letter retry requested", statemachine.WithDispatchAttempts(0)); err != nil {
			m.logger.Warn().Err(err).Str("job_id", jobID).Msg("batch: dead-letter restart failed")
			continue
		}
		restarted = append(restarted, jobID)
		if batch.Progress.Failed > 0 {
			batch.Progress.Failed--
		}
		batch.Progress.Queued++
	}

	priority := batch.Config.Priority
	if priority == "" {
		priority = domain.PriorityNormal
	}
	m.mu.Lock()
	if state.priority == "" {
		state.priority = priority
	}
	if state.limit == 0 {
		state.limit = batch.Config.ConcurrencyLimit
	}
	for _, jobID := range restarted {
		m.queues[state.priority] = append(m.queues[state.priority], queuedJob{batchID: batchID, jobID: jobID})
		state.tracked[jobID] = struct{}{}
	}
	m.mu.Unlock()

	batch.DeadLetter = nil
	batch.Status = domain.BatchActive
	batch.StopReason = ""
	batch.EndedAt = nil

	m.persistProgress(ctx, batch, state)
	m.logger.Info().Str("batch_id", batchID).Int("requeued", len(restarted)).Msg("batch: dead-letter retried")
	return len(restarted), nil
}

// cleanup deletes batches whose records have aged out and prunes their local
// bookkeeping.
func (m *Manager) cleanup(ctx context.Context) {
	cutoff := m.now().Add(-m.cfg.Retention)
	deleted, err := m.repo.DeleteEndedBefore(ctx, cutoff)
	if err != nil {
		m.logger.Error().Err(err).Msg("batch: retention cleanup failed")
		return
	}
	if deleted == 0 {
		return
	}

	m.mu.Lock()
	idle := make([]string, 0, len(m.states))
	for id, state := range m.states {
		if state.inflight == 0 {
			idle = append(idle, id)
		}
	}
	m.mu.Unlock()

	for _, id := range idle {
		if _, err := m.repo.GetByID(ctx, id); errors.Is(err, domain.ErrNotFound) {
			m.mu.Lock()
			delete(m.states, id)
			m.mu.Unlock()
		}
	}
	m.logger.Info().Int("deleted", deleted).Msg("batch: retention cleanup")
}

// Cleanup runs one retention pass. Exposed for deterministic tests.
func (m *Manager) Cleanup(ctx context.Context) { m.cleanup(ctx) }

// persistProgress recomputes derived progress fields and writes the batch
// back. Caller holds the batch's state lock.
func (m *Manager) persistProgress(ctx context.Context, batch *domain.Batch, state *batchState) {
	p := &batch.Progress

	finished := p.Completed + p.Failed
	if p.Total > 0 {
		p.Percent = 100 * float64(finished) / float64(p.Total)
	}
	if state.qualityCount > 0 {
		p.AvgQuality = state.qualitySum / float64(state.qualityCount)
	}
	if p.Completed > 0 && state.completedDuration > 0 {
		p.AvgProcessingTime = state.completedDuration / time.Duration(p.Completed)
		remaining := p.Queued + p.Processing
		concurrency := batch.Config.ConcurrencyLimit
		if concurrency <= 0 || concurrency > m.cfg.GlobalConcurrency {
			concurrency = m.cfg.GlobalConcurrency
		}
		p.ETA = p.AvgProcessingTime * time.Duration((remaining+concurrency-1)/concurrency)
	}

	batch.UpdatedAt = m.now()
	if err := m.repo.Update(ctx, batch); err != nil {
		m.logger.Error().Err(err).Str("batch_id", batch.ID).Msg("batch: persist progress failed")
	}
}

// releaseInflight undoes the inflight reservation when a dispatch aborts
// before settling.
func (m *Manager) releaseInflight(q queuedJob) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if state := m.states[q.batchID]; state != nil && state.inflight > 0 {
		state.inflight--
	}
}

// emit publishes an event, dropping the oldest buffered event when the
// channel is full so dispatch never blocks on a slow consumer. Per-batch
// ordering comes from the callers holding that batch's state lock.
func (m *Manager) emit(event domain.ProgressEvent) {
	for {
		select {
		case m.events <- event:
			return
		default:
			select {
			case <-m.events:
			default:
			}
		}
	}
}
