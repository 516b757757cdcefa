package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"restoration/internal/domain"
	"restoration/internal/idempotency"
	"restoration/internal/providers/restoration"
	"restoration/internal/qc"
	"restoration/internal/retryloop"
	"restoration/internal/statemachine"
	"restoration/internal/storage"
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

type memIdemRepo struct {
	mu      sync.Mutex
	records map[string]domain.IdempotencyRecord
}

func newMemIdemRepo() *memIdemRepo {
	return &memIdemRepo{records: make(map[string]domain.IdempotencyRecord)}
}

func (r *memIdemRepo) Get(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copied := rec
	return &copied, nil
}

func (r *memIdemRepo) Put(ctx context.Context, record *domain.IdempotencyRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[record.Key] = *record
	return nil
}

type mapFetcher map[string][]byte

func (f mapFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	data, ok := f[url]
	if !ok {
		return nil, errors.New("unknown source")
	}
	return data, nil
}

type fakeAnalyzer struct {
	analysis restoration.Analysis
}

func (a *fakeAnalyzer) Analyze(ctx context.Context, image []byte, requestID string) (*restoration.Analysis, error) {
	copied := a.analysis
	return &copied, nil
}

type fakeRestorer struct {
	mu       sync.Mutex
	calls    int
	steps    []string
	failStep string
}

func (r *fakeRestorer) Apply(ctx context.Context, image []byte, instruction string, temperature, topP float64, requestID string) (*restoration.Result, error) {
	r.mu.Lock()
	r.calls++
	r.steps = append(r.steps, instruction)
	fail := r.failStep != "" && strings.Contains(instruction, r.failStep)
	r.mu.Unlock()
	if fail {
		return nil, errors.New("model refused the edit")
	}
	out := append(append([]byte(nil), image...), []byte(requestID)...)
	return &restoration.Result{Data: out, Format: "image/png"}, nil
}

func (r *fakeRestorer) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type fakeValidator struct {
	mu     sync.Mutex
	scores []domain.ValidationScores
	calls  int
}

func (v *fakeValidator) Compare(ctx context.Context, original, candidate []byte, planSummary, requestID string) (domain.ValidationScores, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	idx := v.calls
	if idx >= len(v.scores) {
		idx = len(v.scores) - 1
	}
	v.calls++
	return v.scores[idx], nil
}

type fixture struct {
	processor *Processor
	machine   *statemachine.Machine
	restorer  *fakeRestorer
	loop      *retryloop.Loop
}

func newFixture(t *testing.T, restorer *fakeRestorer, validator *fakeValidator, portrait bool) *fixture {
	t.Helper()

	machine := statemachine.New(newMemJobRepo(), zerolog.Nop())
	loop := retryloop.New(machine, retryloop.Config{MaxAttempts: 3, RetriesPerMinute: 30}, zerolog.Nop())
	machine.SetEntryHook(domain.StateDecided, loop.DecisionHook())

	engine, err := qc.NewEngine(qc.DefaultRules(3), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	store, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	uploader, err := storage.NewUploader(store, "https://photos.example/public")
	if err != nil {
		t.Fatalf("NewUploader: %v", err)
	}

	idem := idempotency.NewManager(newMemIdemRepo(), time.Minute, zerolog.Nop())

	fetcher := mapFetcher{"https://photos.example/source.jpg": []byte("original-image-bytes")}

	processor := NewProcessor(
		machine,
		fetcher,
		&fakeAnalyzer{analysis: restoration.Analysis{Portrait: portrait, Era: "1950s", Defects: []string{"scratches"}}},
		restorer,
		validator,
		engine,
		uploader,
		idem,
		zerolog.Nop(),
	)
	return &fixture{processor: processor, machine: machine, restorer: restorer, loop: loop}
}

func goodScores() domain.ValidationScores {
	return domain.ValidationScores{
		Overall:          90,
		Preservation:     92,
		DefectRemoval:    88,
		Enhancement:      85,
		Naturalness:      90,
		TechnicalQuality: 91,
	}
}

func createQueuedJob(t *testing.T, machine *statemachine.Machine, id string) {
	t.Helper()
	_, err := machine.CreateJob(context.Background(), &domain.Job{
		ID:        id,
		SessionID: "session-1",
		PhotoID:   "photo-1",
		SourceURL: "https://photos.example/source.jpg",
		Mode:      domain.ModeRestore,
	})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
}

func TestRunCompletesApprovedJob(t *testing.T) {
	restorer := &fakeRestorer{}
	f := newFixture(t, restorer, &fakeValidator{scores: []domain.ValidationScores{goodScores()}}, false)
	createQueuedJob(t, f.machine, "job-1")

	if err := f.processor.Run(context.Background(), "job-1"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	job, err := f.machine.GetJob(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.State != domain.StateCompleted {
		t.Fatalf("state = %s, want COMPLETED", job.State)
	}
	if job.ResultURL == "" {
		t.Fatal("result URL not recorded")
	}
	if job.ProcessingStartedAt == nil || job.ProcessingEndedAt == nil {
		t.Fatal("processing timestamps not stamped")
	}
	// RESTORE plans three steps; every one ran and was logged.
	if len(job.Steps) != 3 {
		t.Fatalf("step results = %d, want 3", len(job.Steps))
	}
	for _, step := range job.Steps {
		if !step.Completed || step.Pass != 1 {
			t.Fatalf("step %s = %+v", step.Name, step)
		}
	}
	if job.LastDecision == nil || job.LastDecision.Action != domain.ActionApprove {
		t.Fatalf("decision = %+v", job.LastDecision)
	}
}

func TestDuplicateSubmissionNeverInvokesRestorer(t *testing.T) {
	restorer := &fakeRestorer{}
	f := newFixture(t, restorer, &fakeValidator{scores: []domain.ValidationScores{goodScores()}}, false)

	createQueuedJob(t, f.machine, "job-1")
	if err := f.processor.Run(context.Background(), "job-1"); err != nil {
		t.Fatalf("first run: %v", err)
	}
	firstCalls := restorer.callCount()
	first, _ := f.machine.GetJob(context.Background(), "job-1")

	// Same source, same mode, same params: the second job must reuse the
	// stored result without touching the engine.
	createQueuedJob(t, f.machine, "job-2")
	if err := f.processor.Run(context.Background(), "job-2"); err != nil {
		t.Fatalf("second run: %v", err)
	}

	if restorer.callCount() != firstCalls {
		t.Fatalf("restorer invoked %d extra times for duplicate", restorer.callCount()-firstCalls)
	}
	second, _ := f.machine.GetJob(context.Background(), "job-2")
	if second.State != domain.StateCompleted {
		t.Fatalf("duplicate state = %s, want COMPLETED", second.State)
	}
	if second.ResultURL != first.ResultURL {
		t.Fatalf("duplicate result = %s, want %s", second.ResultURL, first.ResultURL)
	}
}

func TestCriticalStepFailureFailsJob(t *testing.T) {
	restorer := &fakeRestorer{failStep: "Repair"}
	f := newFixture(t, restorer, &fakeValidator{scores: []domain.ValidationScores{goodScores()}}, false)
	createQueuedJob(t, f.machine, "job-1")

	err := f.processor.Run(context.Background(), "job-1")
	var stepErr *domain.StepError
	if !errors.As(err, &stepErr) {
		t.Fatalf("error = %v, want StepError", err)
	}
	if stepErr.Step != "repair_damage" || !stepErr.Critical {
		t.Fatalf("step error = %+v", stepErr)
	}

	job, _ := f.machine.GetJob(context.Background(), "job-1")
	if job.State != domain.StateFailed {
		t.Fatalf("state = %s, want FAILED", job.State)
	}
	if job.ErrorMessage == "" {
		t.Fatal("error message not recorded")
	}
	if len(job.Steps) != 1 || job.Steps[0].Completed {
		t.Fatalf("steps = %+v", job.Steps)
	}
}

func TestOptionalStepFailureContinues(t *testing.T) {
	restorer := &fakeRestorer{failStep: "Colorize"}
	f := newFixture(t, restorer, &fakeValidator{scores: []domain.ValidationScores{goodScores()}}, false)
	createQueuedJob(t, f.machine, "job-1")

	if err := f.processor.Run(context.Background(), "job-1"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	job, _ := f.machine.GetJob(context.Background(), "job-1")
	if job.State != domain.StateCompleted {
		t.Fatalf("state = %s, want COMPLETED", job.State)
	}
	completed := 0
	failed := 0
	for _, step := range job.Steps {
		if step.Completed {
			completed++
		} else if step.Error != "" {
			failed++
		}
	}
	if completed != 2 || failed != 1 {
		t.Fatalf("steps completed=%d failed=%d, want 2/1", completed, failed)
	}
}

func TestLowQualityRoutesThroughRetryLoop(t *testing.T) {
	restorer := &fakeRestorer{}
	validator := &fakeValidator{scores: []domain.ValidationScores{
		{Overall: 55, Preservation: 65, DefectRemoval: 60, Enhancement: 55, Naturalness: 60, TechnicalQuality: 58},
	}}
	f := newFixture(t, restorer, validator, false)
	createQueuedJob(t, f.machine, "job-1")

	if err := f.processor.Run(context.Background(), "job-1"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// The decision hook re-queued the job with lowered temperature.
	job, _ := f.machine.GetJob(context.Background(), "job-1")
	if job.State != domain.StateQueued {
		t.Fatalf("state = %s, want QUEUED after retry routing", job.State)
	}
	if job.RetryCount != 1 {
		t.Fatalf("retry count = %d, want 1", job.RetryCount)
	}
	if job.Params.Temperature >= 0.7 {
		t.Fatalf("temperature = %v, want lowered", job.Params.Temperature)
	}
	// A pass headed for retry must not publish its output.
	if job.ResultURL != "" {
		t.Fatalf("retry pass published a result: %s", job.ResultURL)
	}
}

func TestPortraitPreservationEscalates(t *testing.T) {
	restorer := &fakeRestorer{}
	// Preservation in the portrait danger band: fine for landscapes, a
	// critical failure for portraits.
	validator := &fakeValidator{scores: []domain.ValidationScores{
		{Overall: 86, Preservation: 55, DefectRemoval: 85, Enhancement: 85, Naturalness: 85, TechnicalQuality: 85},
	}}
	f := newFixture(t, restorer, validator, true)
	createQueuedJob(t, f.machine, "job-1")

	if err := f.processor.Run(context.Background(), "job-1"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	job, _ := f.machine.GetJob(context.Background(), "job-1")
	if job.State != domain.StateManualReview {
		t.Fatalf("state = %s, want MANUAL_REVIEW", job.State)
	}
	if job.ResultURL != "" {
		t.Fatalf("escalated pass published a result: %s", job.ResultURL)
	}
}

func TestFetchFailureLeavesJobQueued(t *testing.T) {
	restorer := &fakeRestorer{}
	f := newFixture(t, restorer, &fakeValidator{scores: []domain.ValidationScores{goodScores()}}, false)
	if _, err := f.machine.CreateJob(context.Background(), &domain.Job{
		ID:        "job-1",
		SessionID: "session-1",
		SourceURL: "https://photos.example/missing.jpg",
	}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	if err := f.processor.Run(context.Background(), "job-1"); err == nil {
		t.Fatal("expected fetch error")
	}
	job, _ := f.machine.GetJob(context.Background(), "job-1")
	if job.State != domain.StateQueued {
		t.Fatalf("state = %s, want QUEUED for redispatch", job.State)
	}
}
