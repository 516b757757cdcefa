package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"restoration/internal/domain"
)

// GetJob returns a job with its full history, steps and decision.
func (a *App) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	job, err := a.Machine.GetJob(r.Context(), jobID)
	if err != nil {
		a.fail(w, err)
		return
	}
	a.json(w, http.StatusOK, jobResponse(job))
}

type retryJobRequest struct {
	Reason      string                       `json:"reason"`
	Adjustments *domain.ParameterAdjustments `json:"adjustments"`
}

// RetryJob forces a manual retry with operator-supplied adjustments. The job
// must be in a state with an edge back to QUEUED.
func (a *App) RetryJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	var req retryJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Reason == "" {
		a.error(w, http.StatusBadRequest, "reason is required")
		return
	}
	adjustments := domain.ParameterAdjustments{}
	if req.Adjustments != nil {
		adjustments = *req.Adjustments
	}

	result, err := a.Loop.ManualRetry(r.Context(), jobID, adjustments, req.Reason)
	if err != nil {
		a.fail(w, err)
		return
	}
	a.json(w, http.StatusOK, map[string]any{
		"outcome": result.Outcome,
		"state":   result.State,
	})
}

type forceTransitionRequest struct {
	State  domain.JobState `json:"state"`
	Reason string          `json:"reason"`
}

// ForceTransition bypasses lifecycle validation for operator intervention.
// The transition is flagged in the job's history.
func (a *App) ForceTransition(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	var req forceTransitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.State == "" || req.Reason == "" {
		a.error(w, http.StatusBadRequest, "state and reason are required")
		return
	}

	job, err := a.Machine.ForceTransition(r.Context(), jobID, req.State, req.Reason)
	if err != nil {
		a.fail(w, err)
		return
	}
	a.json(w, http.StatusOK, jobResponse(job))
}

// CancelJob transitions a single job to CANCELLED.
func (a *App) CancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Reason == "" {
		body.Reason = "cancelled by operator"
	}

	job, err := a.Machine.CancelJob(r.Context(), jobID, body.Reason)
	if err != nil {
		a.fail(w, err)
		return
	}
	a.json(w, http.StatusOK, jobResponse(job))
}

func jobResponse(j *domain.Job) map[string]any {
	return map[string]any{
		"id":                    j.ID,
		"session_id":            j.SessionID,
		"batch_id":              j.BatchID,
		"photo_id":              j.PhotoID,
		"source_url":            j.SourceURL,
		"mode":                  j.Mode,
		"state":                 j.State,
		"params":                j.Params,
		"history":               j.History,
		"steps":                 j.Steps,
		"last_decision":         j.LastDecision,
		"retry_attempts":        j.RetryAttempts,
		"retry_count":           j.RetryCount,
		"dispatch_attempts":     j.DispatchAttempts,
		"result_url":            j.ResultURL,
		"error_message":         j.ErrorMessage,
		"created_at":            j.CreatedAt,
		"updated_at":            j.UpdatedAt,
		"processing_started_at": j.ProcessingStartedAt,
		"processing_ended_at":   j.ProcessingEndedAt,
	}
}
