package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"restoration/internal/domain"
)

type createBatchRequest struct {
	Items  []domain.BatchItem `json:"items"`
	Config batchConfigPayload `json:"config"`
}

// batchConfigPayload mirrors domain.BatchConfig with the timeout expressed in
// seconds, which is friendlier for callers than nanosecond durations.
type batchConfigPayload struct {
	Mode             domain.Mode        `json:"mode"`
	Priority         domain.Priority    `json:"priority"`
	ConcurrencyLimit int                `json:"concurrency_limit"`
	RetryPolicy      domain.RetryPolicy `json:"retry_policy"`
	TimeoutSeconds   int                `json:"timeout_seconds"`
}

func (p batchConfigPayload) toDomain() domain.BatchConfig {
	return domain.BatchConfig{
		Mode:             p.Mode,
		Priority:         p.Priority,
		ConcurrencyLimit: p.ConcurrencyLimit,
		RetryPolicy:      p.RetryPolicy,
		Timeout:          time.Duration(p.TimeoutSeconds) * time.Second,
	}
}

// CreateBatch accepts a batch submission and enqueues its jobs.
func (a *App) CreateBatch(w http.ResponseWriter, r *http.Request) {
	var req createBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Items) == 0 {
		a.error(w, http.StatusBadRequest, "items is required")
		return
	}
	for _, item := range req.Items {
		if item.PhotoID == "" || item.SourceURL == "" {
			a.error(w, http.StatusBadRequest, "items require photo_id and source_url")
			return
		}
	}

	created, err := a.Batches.CreateBatch(r.Context(), req.Items, req.Config.toDomain())
	if err != nil {
		a.fail(w, err)
		return
	}
	a.json(w, http.StatusCreated, batchResponse(created))
}

// GetBatch returns a batch with its current progress snapshot.
func (a *App) GetBatch(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "id")
	found, err := a.Batches.GetBatch(r.Context(), batchID)
	if err != nil {
		a.fail(w, err)
		return
	}
	a.json(w, http.StatusOK, batchResponse(found))
}

// CancelBatch ends a batch early on operator request.
func (a *App) CancelBatch(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "id")
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	cancelled, err := a.Batches.CancelBatch(r.Context(), batchID, body.Reason)
	if err != nil {
		a.fail(w, err)
		return
	}
	a.json(w, http.StatusOK, batchResponse(cancelled))
}

// RetryDeadLetter re-enqueues a batch's dead-lettered jobs.
func (a *App) RetryDeadLetter(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "id")
	requeued, err := a.Batches.RetryDeadLetter(r.Context(), batchID)
	if err != nil {
		a.fail(w, err)
		return
	}
	a.json(w, http.StatusOK, map[string]int{"requeued": requeued})
}

func batchResponse(b *domain.Batch) map[string]any {
	return map[string]any{
		"id":          b.ID,
		"status":      b.Status,
		"config":      b.Config,
		"job_ids":     b.JobIDs,
		"dead_letter": b.DeadLetter,
		"progress":    b.Progress,
		"stop_reason": b.StopReason,
		"created_at":  b.CreatedAt,
		"updated_at":  b.UpdatedAt,
		"ended_at":    b.EndedAt,
	}
}
