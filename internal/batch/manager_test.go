package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"restoration/internal/domain"
	"restoration/internal/statemachine"
)

type memJobRepo struct {
	mu   sync.Mutex
	jobs map[string]domain.Job
}

func newMemJobRepo() *memJobRepo {
	return &memJobRepo{jobs: make(map[string]domain.Job)}
}

func (r *memJobRepo) Create(ctx context.Context, job *domain.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[job.ID]; ok {
		return domain.ErrJobExists
	}
	r.jobs[job.ID] = *job
	return nil
}

func (r *memJobRepo) Update(ctx context.Context, job *domain.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.ID] = *job
	return nil
}

func (r *memJobRepo) GetByID(ctx context.Context, jobID string) (*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copied := job
	return &copied, nil
}

type memBatchRepo struct {
	mu      sync.Mutex
	batches map[string]domain.Batch

	// updateHook, when set, runs before each Update is applied.
	updateHook func(*domain.Batch)
}

func newMemBatchRepo() *memBatchRepo {
	return &memBatchRepo{batches: make(map[string]domain.Batch)}
}

func (r *memBatchRepo) Create(ctx context.Context, batch *domain.Batch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.batches[batch.ID]; ok {
		return domain.ErrJobExists
	}
	r.batches[batch.ID] = *batch
	return nil
}

func (r *memBatchRepo) Update(ctx context.Context, batch *domain.Batch) error {
	if r.updateHook != nil {
		r.updateHook(batch)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches[batch.ID] = *batch
	return nil
}

func (r *memBatchRepo) ListActive(ctx context.Context) ([]*domain.Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var active []*domain.Batch
	for _, batch := range r.batches {
		if batch.Status == domain.BatchActive {
			copied := batch
			active = append(active, &copied)
		}
	}
	return active, nil
}

func (r *memBatchRepo) GetByID(ctx context.Context, batchID string) (*domain.Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	batch, ok := r.batches[batchID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copied := batch
	return &copied, nil
}

func (r *memBatchRepo) DeleteEndedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	deleted := 0
	for id, batch := range r.batches {
		if batch.EndedAt != nil && batch.EndedAt.Before(cutoff) {
			delete(r.batches, id)
			deleted++
		}
	}
	return deleted, nil
}

// runnerFunc adapts a function to the JobRunner interface.
type runnerFunc func(ctx context.Context, jobID string) error

func (f runnerFunc) Run(ctx context.Context, jobID string) error { return f(ctx, jobID) }

// completeJob walks a job through the full pipeline to COMPLETED.
func completeJob(machine *statemachine.Machine, jobID string, quality float64) error {
	ctx := context.Background()
	if _, err := machine.TransitionTo(ctx, jobID, domain.StateAnalyzing, "test", statemachine.MarkProcessingStarted()); err != nil {
		return err
	}
	for _, next := range []domain.JobState{domain.StatePlanning, domain.StateEditing, domain.StateValidating} {
		if _, err := machine.TransitionTo(ctx, jobID, next, "test"); err != nil {
			return err
		}
	}
	decision := &domain.QCDecision{
		Action: domain.ActionApprove,
		Scores: domain.ValidationScores{Overall: quality, Preservation: 90},
	}
	if _, err := machine.TransitionTo(ctx, jobID, domain.StateDecided, "test", statemachine.WithDecision(decision)); err != nil {
		return err
	}
	_, err := machine.TransitionTo(ctx, jobID, domain.StateCompleted, "test", statemachine.MarkProcessingEnded())
	return err
}

// failJob moves a job into FAILED through the pipeline.
func failJob(machine *statemachine.Machine, jobID string) error {
	ctx := context.Background()
	if _, err := machine.TransitionTo(ctx, jobID, domain.StateAnalyzing, "test", statemachine.MarkProcessingStarted()); err != nil {
		return err
	}
	_, err := machine.TransitionTo(ctx, jobID, domain.StateFailed, "step failed", statemachine.MarkProcessingEnded())
	return err
}

func newTestManager(t *testing.T, runner JobRunner, cfg Config) (*Manager, *statemachine.Machine) {
	t.Helper()
	machine := statemachine.New(newMemJobRepo(), zerolog.Nop())
	return NewManager(newMemBatchRepo(), machine, runner, cfg, zerolog.Nop()), machine
}

func makeItems(n int) []domain.BatchItem {
	items := make([]domain.BatchItem, n)
	for i := range items {
		items[i] = domain.BatchItem{
			PhotoID:   fmt.Sprintf("photo-%02d", i),
			SessionID: "session-1",
			SourceURL: fmt.Sprintf("https://photos.example/%02d.jpg", i),
		}
	}
	return items
}

// drainTicks runs scheduler passes until the queues stay empty.
func drainTicks(m *Manager, n int) {
	ctx := context.Background()
	for i := 0; i < n; i++ {
		m.Tick(ctx)
		m.Wait()
	}
}

func TestCreateBatchRejectsOversizedSubmission(t *testing.T) {
	m, _ := newTestManager(t, runnerFunc(func(ctx context.Context, jobID string) error { return nil }), Config{MaxBatchSize: 3})
	_, err := m.CreateBatch(context.Background(), makeItems(4), domain.BatchConfig{})
	if !errors.Is(err, domain.ErrBatchFull) {
		t.Fatalf("error = %v, want ErrBatchFull", err)
	}
}

func TestBatchCompletesAndProgressInvariantHolds(t *testing.T) {
	var machine *statemachine.Machine
	runner := runnerFunc(func(ctx context.Context, jobID string) error {
		return completeJob(machine, jobID, 85)
	})
	m, mc := newTestManager(t, runner, Config{GlobalConcurrency: 2})
	machine = mc

	batch, err := m.CreateBatch(context.Background(), makeItems(4), domain.BatchConfig{})
	if err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}

	drainTicks(m, 4)

	stored, err := m.GetBatch(context.Background(), batch.ID)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if stored.Status != domain.BatchCompleted {
		t.Fatalf("status = %s, want completed", stored.Status)
	}
	if stored.Progress.Completed != 4 || stored.Progress.Percent != 100 {
		t.Fatalf("progress = %+v", stored.Progress)
	}
	if stored.Progress.AvgQuality != 85 {
		t.Fatalf("avg quality = %v, want 85", stored.Progress.AvgQuality)
	}

	// Every published snapshot keeps the counters summing to the total.
	sawCompletion := false
	for {
		select {
		case event := <-m.Events():
			p := event.Progress
			if got := p.Queued + p.Processing + p.Completed + p.Failed; got != p.Total {
				t.Fatalf("event %s: counters sum to %d, total %d", event.Type, got, p.Total)
			}
			if event.Type == domain.EventBatchCompleted {
				sawCompletion = true
			}
		default:
			if !sawCompletion {
				t.Fatal("no batch_completed event published")
			}
			return
		}
	}
}

func TestPerBatchConcurrencyLimit(t *testing.T) {
	started := make(chan string, 10)
	release := make(chan struct{})
	runner := runnerFunc(func(ctx context.Context, jobID string) error {
		started <- jobID
		<-release
		return errors.New("halt")
	})
	m, _ := newTestManager(t, runner, Config{GlobalConcurrency: 8})

	_, err := m.CreateBatch(context.Background(), makeItems(10), domain.BatchConfig{
		ConcurrencyLimit: 3,
		RetryPolicy:      domain.RetryNone,
	})
	if err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}

	m.Tick(context.Background())

	for i := 0; i < 3; i++ {
		select {
		case <-started:
		case <-time.After(time.Second):
			t.Fatalf("only %d jobs started, want 3", i)
		}
	}

	// Further passes must not start a fourth while three are in flight.
	m.Tick(context.Background())
	select {
	case id := <-started:
		t.Fatalf("job %s started beyond the batch limit", id)
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	m.Wait()
}

func TestHighPriorityDispatchesFirst(t *testing.T) {
	var mu sync.Mutex
	var order []string
	var machine *statemachine.Machine
	runner := runnerFunc(func(ctx context.Context, jobID string) error {
		job, err := machine.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		mu.Lock()
		order = append(order, string(job.Mode))
		mu.Unlock()
		return completeJob(machine, jobID, 80)
	})
	m, mc := newTestManager(t, runner, Config{GlobalConcurrency: 1})
	machine = mc

	ctx := context.Background()
	// Mode doubles as a marker for which queue the job came from.
	for _, tc := range []struct {
		priority domain.Priority
		mode     domain.Mode
	}{
		{domain.PriorityLow, domain.ModeReimagine},
		{domain.PriorityNormal, domain.ModeEnhance},
		{domain.PriorityHigh, domain.ModeRestore},
	} {
		if _, err := m.CreateBatch(ctx, makeItems(1), domain.BatchConfig{Priority: tc.priority, Mode: tc.mode}); err != nil {
			t.Fatalf("CreateBatch %s: %v", tc.priority, err)
		}
	}

	drainTicks(m, 3)

	want := []string{string(domain.ModeRestore), string(domain.ModeEnhance), string(domain.ModeReimagine)}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != want[0] || order[1] != want[1] || order[2] != want[2] {
		t.Fatalf("dispatch order = %v, want %v", order, want)
	}
}

func TestDispatchFailureBacksOffThenDeadLetters(t *testing.T) {
	attempts := 0
	runner := runnerFunc(func(ctx context.Context, jobID string) error {
		attempts++
		return errors.New("engine unavailable")
	})
	m, _ := newTestManager(t, runner, Config{GlobalConcurrency: 1})
	base := time.Now()
	current := base
	m.now = func() time.Time { return current }

	batch, err := m.CreateBatch(context.Background(), makeItems(1), domain.BatchConfig{RetryPolicy: domain.RetryStandard})
	if err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}

	drainTicks(m, 1)
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1", attempts)
	}

	// Backoff gates the redispatch until its deadline passes.
	drainTicks(m, 1)
	if attempts != 1 {
		t.Fatalf("redispatch ran before backoff elapsed, attempts = %d", attempts)
	}

	current = base.Add(3 * time.Second)
	drainTicks(m, 1)
	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2", attempts)
	}

	current = current.Add(5 * time.Second)
	drainTicks(m, 1)
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}

	// The standard policy allows three attempts; the job is now parked.
	current = current.Add(time.Minute)
	drainTicks(m, 2)
	if attempts != 3 {
		t.Fatalf("dispatched past policy limit, attempts = %d", attempts)
	}

	stored, _ := m.GetBatch(context.Background(), batch.ID)
	if len(stored.DeadLetter) != 1 {
		t.Fatalf("dead letter = %v, want one entry", stored.DeadLetter)
	}
	if stored.Progress.Failed != 1 {
		t.Fatalf("failed = %d, want 1", stored.Progress.Failed)
	}
}

func TestRetryDeadLetterRequeues(t *testing.T) {
	fail := true
	var machine *statemachine.Machine
	runner := runnerFunc(func(ctx context.Context, jobID string) error {
		if fail {
			return errors.New("engine unavailable")
		}
		return completeJob(machine, jobID, 75)
	})
	m, mc := newTestManager(t, runner, Config{GlobalConcurrency: 1})
	machine = mc

	batch, err := m.CreateBatch(context.Background(), makeItems(1), domain.BatchConfig{RetryPolicy: domain.RetryNone})
	if err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}

	drainTicks(m, 1)
	stored, _ := m.GetBatch(context.Background(), batch.ID)
	if len(stored.DeadLetter) != 1 {
		t.Fatalf("dead letter = %v, want one entry", stored.DeadLetter)
	}

	fail = false
	requeued, err := m.RetryDeadLetter(context.Background(), batch.ID)
	if err != nil {
		t.Fatalf("RetryDeadLetter: %v", err)
	}
	if requeued != 1 {
		t.Fatalf("requeued = %d, want 1", requeued)
	}

	drainTicks(m, 1)
	stored, _ = m.GetBatch(context.Background(), batch.ID)
	if stored.Progress.Completed != 1 || len(stored.DeadLetter) != 0 {
		t.Fatalf("progress = %+v, dead letter = %v", stored.Progress, stored.DeadLetter)
	}
	if stored.Status != domain.BatchCompleted {
		t.Fatalf("status = %s, want completed", stored.Status)
	}
}

func TestConsecutiveFailuresStopBatch(t *testing.T) {
	var machine *statemachine.Machine
	runner := runnerFunc(func(ctx context.Context, jobID string) error {
		return failJob(machine, jobID)
	})
	m, mc := newTestManager(t, runner, Config{GlobalConcurrency: 1})
	machine = mc

	batch, err := m.CreateBatch(context.Background(), makeItems(8), domain.BatchConfig{
		ConcurrencyLimit: 1,
		RetryPolicy:      domain.RetryNone,
	})
	if err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}

	drainTicks(m, 8)

	stored, _ := m.GetBatch(context.Background(), batch.ID)
	if stored.Status != domain.BatchStopped {
		t.Fatalf("status = %s, want stopped", stored.Status)
	}
	if stored.StopReason == "" {
		t.Fatal("stop reason not recorded")
	}
	// Five failures trip the halt; the remaining three are cancelled and
	// counted as failed so the totals still reconcile.
	p := stored.Progress
	if p.Failed != 8 || p.Queued != 0 || p.Processing != 0 {
		t.Fatalf("progress = %+v", p)
	}

	// Queued jobs were cancelled, not left dangling.
	cancelled := 0
	for _, jobID := range stored.JobIDs {
		job, err := machine.GetJob(context.Background(), jobID)
		if err != nil {
			t.Fatalf("GetJob: %v", err)
		}
		if job.State == domain.StateCancelled {
			cancelled++
		}
	}
	if cancelled != 3 {
		t.Fatalf("cancelled jobs = %d, want 3", cancelled)
	}
}

func TestFailureRateStopsBatch(t *testing.T) {
	var machine *statemachine.Machine
	runner := runnerFunc(func(ctx context.Context, jobID string) error {
		job, err := machine.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		// Every third photo succeeds, so no failure streak forms but the
		// overall rate crosses one half.
		if job.PhotoID[len(job.PhotoID)-1]%3 == '2'%3 {
			return completeJob(machine, jobID, 70)
		}
		return failJob(machine, jobID)
	})
	m, mc := newTestManager(t, runner, Config{GlobalConcurrency: 1})
	machine = mc

	batch, err := m.CreateBatch(context.Background(), makeItems(15), domain.BatchConfig{
		ConcurrencyLimit: 1,
		RetryPolicy:      domain.RetryNone,
	})
	if err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}

	drainTicks(m, 15)

	stored, _ := m.GetBatch(context.Background(), batch.ID)
	if stored.Status != domain.BatchStopped {
		t.Fatalf("status = %s, want stopped", stored.Status)
	}
	finished := stored.Progress.Completed + stored.Progress.Failed
	if finished < stopFailureRatioMinimum {
		t.Fatalf("stopped too early: %d finished", finished)
	}
}

func TestQualityRequeueDoesNotCountAsFailure(t *testing.T) {
	resubmitted := false
	var machine *statemachine.Machine
	runner := runnerFunc(func(ctx context.Context, jobID string) error {
		if !resubmitted {
			resubmitted = true
			// First pass ends with the quality loop re-queueing the job.
			ctx := context.Background()
			for _, next := range []domain.JobState{
				domain.StateAnalyzing, domain.StatePlanning, domain.StateEditing,
				domain.StateValidating, domain.StateDecided,
			} {
				if _, err := machine.TransitionTo(ctx, jobID, next, "test"); err != nil {
					return err
				}
			}
			_, err := machine.TransitionTo(ctx, jobID, domain.StateQueued, "retry attempt 1: quality below threshold")
			return err
		}
		return completeJob(machine, jobID, 82)
	})
	m, mc := newTestManager(t, runner, Config{GlobalConcurrency: 1})
	machine = mc

	batch, err := m.CreateBatch(context.Background(), makeItems(1), domain.BatchConfig{})
	if err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}

	drainTicks(m, 2)

	stored, _ := m.GetBatch(context.Background(), batch.ID)
	if stored.Progress.Failed != 0 {
		t.Fatalf("quality requeue counted as failure: %+v", stored.Progress)
	}
	if stored.Progress.Completed != 1 || stored.Status != domain.BatchCompleted {
		t.Fatalf("batch did not complete after requeue: %+v", stored)
	}
}

func TestCancelBatchCancelsQueuedJobs(t *testing.T) {
	m, machine := newTestManager(t, runnerFunc(func(ctx context.Context, jobID string) error { return nil }), Config{})

	batch, err := m.CreateBatch(context.Background(), makeItems(3), domain.BatchConfig{})
	if err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}

	cancelled, err := m.CancelBatch(context.Background(), batch.ID, "operator abort")
	if err != nil {
		t.Fatalf("CancelBatch: %v", err)
	}
	if cancelled.Status != domain.BatchCancelled {
		t.Fatalf("status = %s, want cancelled", cancelled.Status)
	}
	for _, jobID := range batch.JobIDs {
		job, _ := machine.GetJob(context.Background(), jobID)
		if job.State != domain.StateCancelled {
			t.Fatalf("job %s state = %s, want CANCELLED", jobID, job.State)
		}
	}

	// A second cancel is rejected.
	if _, err := m.CancelBatch(context.Background(), batch.ID, ""); !errors.Is(err, domain.ErrBatchStopped) {
		t.Fatalf("second cancel error = %v, want ErrBatchStopped", err)
	}
}

func TestSchedulerAdoptsBatchesFromStore(t *testing.T) {
	jobRepo := newMemJobRepo()
	batchRepo := newMemBatchRepo()

	// The API process registers the batch but never runs a scheduler.
	apiMachine := statemachine.New(jobRepo, zerolog.Nop())
	api := NewManager(batchRepo, apiMachine, runnerFunc(func(ctx context.Context, jobID string) error { return nil }), Config{}, zerolog.Nop())

	workerMachine := statemachine.New(jobRepo, zerolog.Nop())
	worker := NewManager(batchRepo, workerMachine, runnerFunc(func(ctx context.Context, jobID string) error {
		return completeJob(workerMachine, jobID, 80)
	}), Config{GlobalConcurrency: 2}, zerolog.Nop())

	batch, err := api.CreateBatch(context.Background(), makeItems(3), domain.BatchConfig{})
	if err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}

	drainTicks(worker, 3)

	stored, err := worker.GetBatch(context.Background(), batch.ID)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if stored.Status != domain.BatchCompleted {
		t.Fatalf("status = %s, want completed", stored.Status)
	}
	if stored.Progress.Completed != 3 || stored.Progress.Queued != 0 {
		t.Fatalf("progress = %+v", stored.Progress)
	}
	for _, jobID := range stored.JobIDs {
		job, err := workerMachine.GetJob(context.Background(), jobID)
		if err != nil {
			t.Fatalf("GetJob: %v", err)
		}
		if job.State != domain.StateCompleted {
			t.Fatalf("job %s state = %s, want COMPLETED", jobID, job.State)
		}
	}
}

func TestCancelBatchWithoutLocalQueueCancelsStoredJobs(t *testing.T) {
	jobRepo := newMemJobRepo()
	batchRepo := newMemBatchRepo()

	apiMachine := statemachine.New(jobRepo, zerolog.Nop())
	api := NewManager(batchRepo, apiMachine, runnerFunc(func(ctx context.Context, jobID string) error { return nil }), Config{}, zerolog.Nop())

	batch, err := api.CreateBatch(context.Background(), makeItems(3), domain.BatchConfig{})
	if err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}

	// A different process, with empty local queues, handles the cancel.
	otherMachine := statemachine.New(jobRepo, zerolog.Nop())
	other := NewManager(batchRepo, otherMachine, runnerFunc(func(ctx context.Context, jobID string) error { return nil }), Config{}, zerolog.Nop())

	cancelled, err := other.CancelBatch(context.Background(), batch.ID, "operator abort")
	if err != nil {
		t.Fatalf("CancelBatch: %v", err)
	}
	if cancelled.Status != domain.BatchCancelled {
		t.Fatalf("status = %s, want cancelled", cancelled.Status)
	}
	if cancelled.Progress.Queued != 0 || cancelled.Progress.Failed != 3 {
		t.Fatalf("progress = %+v", cancelled.Progress)
	}
	for _, jobID := range batch.JobIDs {
		job, err := otherMachine.GetJob(context.Background(), jobID)
		if err != nil {
			t.Fatalf("GetJob: %v", err)
		}
		if job.State != domain.StateCancelled {
			t.Fatalf("job %s state = %s, want CANCELLED", jobID, job.State)
		}
	}
}

func TestStaleQueueEntryCancelsJob(t *testing.T) {
	jobRepo := newMemJobRepo()
	batchRepo := newMemBatchRepo()
	machine := statemachine.New(jobRepo, zerolog.Nop())

	dispatched := 0
	m := NewManager(batchRepo, machine, runnerFunc(func(ctx context.Context, jobID string) error {
		dispatched++
		return nil
	}), Config{GlobalConcurrency: 1}, zerolog.Nop())

	batch, err := m.CreateBatch(context.Background(), makeItems(1), domain.BatchConfig{})
	if err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}

	// Another process halts the batch while the entry sits in the queue.
	stored, err := batchRepo.GetByID(context.Background(), batch.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	ended := time.Now()
	stored.Status = domain.BatchStopped
	stored.StopReason = "stopped elsewhere"
	stored.EndedAt = &ended
	if err := batchRepo.Update(context.Background(), stored); err != nil {
		t.Fatalf("Update: %v", err)
	}

	drainTicks(m, 1)

	if dispatched != 0 {
		t.Fatalf("dispatched = %d jobs from an ended batch, want 0", dispatched)
	}
	job, err := machine.GetJob(context.Background(), batch.JobIDs[0])
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.State != domain.StateCancelled {
		t.Fatalf("job state = %s, want CANCELLED", job.State)
	}
	final, _ := m.GetBatch(context.Background(), batch.ID)
	if final.Progress.Queued != 0 || final.Progress.Failed != 1 {
		t.Fatalf("progress = %+v", final.Progress)
	}
}

func TestSlowPersistDoesNotBlockOtherBatches(t *testing.T) {
	jobRepo := newMemJobRepo()
	batchRepo := newMemBatchRepo()
	machine := statemachine.New(jobRepo, zerolog.Nop())

	m := NewManager(batchRepo, machine, runnerFunc(func(ctx context.Context, jobID string) error {
		return completeJob(machine, jobID, 80)
	}), Config{GlobalConcurrency: 4}, zerolog.Nop())

	ctx := context.Background()
	slow, err := m.CreateBatch(ctx, makeItems(1), domain.BatchConfig{})
	if err != nil {
		t.Fatalf("CreateBatch slow: %v", err)
	}

	// The first store write for the slow batch stalls until released.
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	batchRepo.updateHook = func(b *domain.Batch) {
		if b.ID != slow.ID {
			return
		}
		once.Do(func() {
			close(entered)
			<-release
		})
	}

	m.Tick(ctx)
	<-entered

	fast, err := m.CreateBatch(ctx, makeItems(2), domain.BatchConfig{})
	if err != nil {
		t.Fatalf("CreateBatch fast: %v", err)
	}
	m.Tick(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for {
		stored, err := m.GetBatch(ctx, fast.ID)
		if err == nil && stored.Status == domain.BatchCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("fast batch did not complete while the slow batch was persisting")
		}
		time.Sleep(10 * time.Millisecond)
	}

	close(release)
	m.Wait()
	stored, err := m.GetBatch(ctx, slow.ID)
	if err != nil {
		t.Fatalf("GetBatch slow: %v", err)
	}
	if stored.Status != domain.BatchCompleted || stored.Progress.Completed != 1 {
		t.Fatalf("slow batch = %s %+v", stored.Status, stored.Progress)
	}
}

func TestCleanupRemovesAgedBatches(t *testing.T) {
	var machine *statemachine.Machine
	runner := runnerFunc(func(ctx context.Context, jobID string) error {
		return completeJob(machine, jobID, 80)
	})
	m, mc := newTestManager(t, runner, Config{GlobalConcurrency: 1, Retention: time.Hour})
	machine = mc
	base := time.Now()
	current := base
	m.now = func() time.Time { return current }

	batch, err := m.CreateBatch(context.Background(), makeItems(1), domain.BatchConfig{})
	if err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}
	drainTicks(m, 1)

	// Still inside the retention window.
	m.Cleanup(context.Background())
	if _, err := m.GetBatch(context.Background(), batch.ID); err != nil {
		t.Fatalf("batch removed inside retention window: %v", err)
	}

	current = base.Add(2 * time.Hour)
	m.Cleanup(context.Background())
	if _, err := m.GetBatch(context.Background(), batch.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("aged batch still present, err = %v", err)
	}
}
