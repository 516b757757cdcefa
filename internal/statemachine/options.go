package statemachine

import (
	"time"

	"restoration/internal/domain"
)

type transitionConfig struct {
	correlationID string
	decision      *domain.QCDecision
	params        *domain.ProcessParams
	attempt       *domain.RetryAttempt
	steps         []domain.StepResult
	errorMessage  string
	resultURL     string
	dispatchCount *int
	markStarted   bool
	markEnded     bool
}

// TransitionOption attaches state data to a transition.
type TransitionOption func(*transitionConfig)

// WithCorrelationID reuses an existing correlation id so related transitions
// can be tied together in the audit log.
func WithCorrelationID(id string) TransitionOption {
	return func(c *transitionConfig) { c.correlationID = id }
}

// WithDecision attaches the QC decision produced by the validation pass.
func WithDecision(d *domain.QCDecision) TransitionOption {
	return func(c *transitionConfig) { c.decision = d }
}

// WithParams replaces the job's processing parameters, used when a retry
// resubmits with adjustments applied.
func WithParams(p domain.ProcessParams) TransitionOption {
	return func(c *transitionConfig) { c.params = &p }
}

// WithRetryAttempt appends a retry attempt record and bumps the counter.
func WithRetryAttempt(a domain.RetryAttempt) TransitionOption {
	return func(c *transitionConfig) { c.attempt = &a }
}

// WithStepResults appends the step outcomes of an editing pass to the job's
// step log.
func WithStepResults(steps []domain.StepResult) TransitionOption {
	return func(c *transitionConfig) { c.steps = steps }
}

// WithDispatchAttempts records how many times the batch manager has handed
// this job to a worker. Independent from the quality retry counter.
func WithDispatchAttempts(n int) TransitionOption {
	return func(c *transitionConfig) { c.dispatchCount = &n }
}

// WithError records a human-readable failure reason on the job.
func WithError(msg string) TransitionOption {
	return func(c *transitionConfig) { c.errorMessage = msg }
}

// WithResultURL records the public URL of the final image.
func WithResultURL(url string) TransitionOption {
	return func(c *transitionConfig) { c.resultURL = url }
}

// MarkProcessingStarted stamps the processing start time.
func MarkProcessingStarted() TransitionOption {
	return func(c *transitionConfig) { c.markStarted = true }
}

// MarkProcessingEnded stamps the processing end time.
func MarkProcessingEnded() TransitionOption {
	return func(c *transitionConfig) { c.markEnded = true }
}

func (c *transitionConfig) apply(job *domain.Job, now time.Time) {
	if c.decision != nil {
		job.LastDecision = c.decision
	}
	if c.params != nil {
		job.Params = *c.params
	}
	if len(c.steps) > 0 {
		job.Steps = append(job.Steps, c.steps...)
	}
	if c.attempt != nil {
		job.RetryAttempts = append(job.RetryAttempts, *c.attempt)
		job.RetryCount = len(job.RetryAttempts)
	}
	if c.errorMessage != "" {
		job.ErrorMessage = c.errorMessage
	}
	if c.dispatchCount != nil {
		job.DispatchAttempts = *c.dispatchCount
	}
	if c.resultURL != "" {
		job.ResultURL = c.resultURL
	}
	if c.markStarted && job.ProcessingStartedAt == nil {
		t := now
		job.ProcessingStartedAt = &t
	}
	if c.markEnded {
		t := now
		job.ProcessingEndedAt = &t
	}
}
