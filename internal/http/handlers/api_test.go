package handlers_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"restoration/internal/batch"
	"restoration/internal/domain"
	"restoration/internal/http/handlers"
	"restoration/internal/http/httpapi"
	"restoration/internal/retryloop"
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
}

func newMemBatchRepo() *memBatchRepo {
	return &memBatchRepo{batches: make(map[string]domain.Batch)}
}

func (r *memBatchRepo) Create(ctx context.Context, b *domain.Batch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches[b.ID] = *b
	return nil
}

func (r *memBatchRepo) Update(ctx context.Context, b *domain.Batch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches[b.ID] = *b
	return nil
}

func (r *memBatchRepo) GetByID(ctx context.Context, batchID string) (*domain.Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.batches[batchID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copied := b
	return &copied, nil
}

func (r *memBatchRepo) ListActive(ctx context.Context) ([]*domain.Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var active []*domain.Batch
	for _, b := range r.batches {
		if b.Status == domain.BatchActive {
			copied := b
			active = append(active, &copied)
		}
	}
	return active, nil
}

func (r *memBatchRepo) DeleteEndedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	return 0, nil
}

type idleRunner struct{}

func (idleRunner) Run(ctx context.Context, jobID string) error { return nil }

func newTestServer(t *testing.T) (http.Handler, *statemachine.Machine) {
	t.Helper()
	machine := statemachine.New(newMemJobRepo(), zerolog.Nop())
	loop := retryloop.New(machine, retryloop.Config{MaxAttempts: 3, RetriesPerMinute: 30}, zerolog.Nop())
	manager := batch.NewManager(newMemBatchRepo(), machine, idleRunner{}, batch.Config{MaxBatchSize: 5}, zerolog.Nop())
	app := handlers.NewApp(machine, manager, loop, zerolog.Nop())
	return httpapi.NewRouter(app, httpapi.Options{}), machine
}

func doJSON(t *testing.T, handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("{}")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	handler, _ := newTestServer(t)
	rec := doJSON(t, handler, http.MethodGet, "/v1/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestCreateAndGetBatch(t *testing.T) {
	handler, _ := newTestServer(t)

	body := `{
		"items": [
			{"photo_id": "p1", "session_id": "s1", "source_url": "https://photos.example/1.jpg"},
			{"photo_id": "p2", "session_id": "s1", "source_url": "https://photos.example/2.jpg"}
		],
		"config": {"priority": "high", "retry_policy": "standard"}
	}`
	rec := doJSON(t, handler, http.MethodPost, "/v1/batches", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var created struct {
		ID       string `json:"id"`
		Status   string `json:"status"`
		JobIDs   []string `json:"job_ids"`
		Progress struct {
			Total  int `json:"total"`
			Queued int `json:"queued"`
		} `json:"progress"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if created.Status != "active" || len(created.JobIDs) != 2 || created.Progress.Queued != 2 {
		t.Fatalf("created = %+v", created)
	}

	rec = doJSON(t, handler, http.MethodGet, "/v1/batches/"+created.ID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
}

func TestCreateBatchValidation(t *testing.T) {
	handler, _ := newTestServer(t)

	rec := doJSON(t, handler, http.MethodPost, "/v1/batches", `{"items": []}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty items status = %d, want 400", rec.Code)
	}

	// Six items against the cap of five.
	var items []string
	for i := 0; i < 6; i++ {
		items = append(items, `{"photo_id": "p", "session_id": "s", "source_url": "https://photos.example/x.jpg"}`)
	}
	rec = doJSON(t, handler, http.MethodPost, "/v1/batches", `{"items": [`+strings.Join(items, ",")+`]}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("oversized status = %d, want 422", rec.Code)
	}
}

func TestCancelBatchConflictsWhenAlreadyEnded(t *testing.T) {
	handler, _ := newTestServer(t)

	body := `{"items": [{"photo_id": "p1", "session_id": "s1", "source_url": "https://photos.example/1.jpg"}]}`
	rec := doJSON(t, handler, http.MethodPost, "/v1/batches", body)
	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	if rec := doJSON(t, handler, http.MethodPost, "/v1/batches/"+created.ID+"/cancel", `{"reason": "abort"}`); rec.Code != http.StatusOK {
		t.Fatalf("cancel status = %d", rec.Code)
	}
	if rec := doJSON(t, handler, http.MethodPost, "/v1/batches/"+created.ID+"/cancel", ""); rec.Code != http.StatusConflict {
		t.Fatalf("second cancel status = %d, want 409", rec.Code)
	}
}

func TestGetJobAndForceTransition(t *testing.T) {
	handler, machine := newTestServer(t)
	if _, err := machine.CreateJob(context.Background(), &domain.Job{ID: "job-1", SessionID: "s1"}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	rec := doJSON(t, handler, http.MethodGet, "/v1/jobs/job-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodGet, "/v1/jobs/missing", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing job status = %d, want 404", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodPost, "/v1/jobs/job-1/force", `{"state": "MANUAL_REVIEW", "reason": "stuck"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("force status = %d, body %s", rec.Code, rec.Body.String())
	}
	job, _ := machine.GetJob(context.Background(), "job-1")
	if job.State != domain.StateManualReview {
		t.Fatalf("state = %s, want MANUAL_REVIEW", job.State)
	}
	if len(job.History) != 1 || !job.History[0].Forced {
		t.Fatalf("forced transition not flagged: %+v", job.History)
	}

	// Reason is mandatory for forced transitions.
	rec = doJSON(t, handler, http.MethodPost, "/v1/jobs/job-1/force", `{"state": "QUEUED"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing reason status = %d, want 400", rec.Code)
	}
}

func TestManualRetryEndpoint(t *testing.T) {
	handler, machine := newTestServer(t)
	if _, err := machine.CreateJob(context.Background(), &domain.Job{ID: "job-1", SessionID: "s1"}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if _, err := machine.ForceTransition(context.Background(), "job-1", domain.StateManualReview, "test setup"); err != nil {
		t.Fatalf("ForceTransition: %v", err)
	}

	body := `{"reason": "operator adjusted", "adjustments": {"temperature_delta": -0.2}}`
	rec := doJSON(t, handler, http.MethodPost, "/v1/jobs/job-1/retry", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("retry status = %d, body %s", rec.Code, rec.Body.String())
	}

	job, _ := machine.GetJob(context.Background(), "job-1")
	if job.State != domain.StateQueued {
		t.Fatalf("state = %s, want QUEUED", job.State)
	}
	if len(job.RetryAttempts) != 1 || !job.RetryAttempts[0].Manual {
		t.Fatalf("manual retry not recorded: %+v", job.RetryAttempts)
	}
}

func TestBreakerEndpoints(t *testing.T) {
	handler, _ := newTestServer(t)

	rec := doJSON(t, handler, http.MethodPost, "/v1/breakers/retry_execution/reset", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("reset status = %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodGet, "/v1/breakers/", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("states status = %d", rec.Code)
	}
	var states map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &states); err != nil {
		t.Fatalf("decode states: %v", err)
	}
	if states["retry_execution"] != "closed" {
		t.Fatalf("states = %v", states)
	}
}
