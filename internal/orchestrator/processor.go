package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"restoration/internal/domain"
	"restoration/internal/idempotency"
	"restoration/internal/providers/restoration"
	"restoration/internal/providers/validation"
	"restoration/internal/qc"
	"restoration/internal/statemachine"
	"restoration/internal/storage"
)

// Processor drives one job through the full pipeline: fetch, duplicate
// check, analyze, plan, edit, validate, decide. Routing of the decision is
// owned by the DECIDED entry hook registered on the state machine.
type Processor struct {
	machine   *statemachine.Machine
	fetcher   Fetcher
	analyzer  restoration.Analyzer
	restorer  restoration.Engine
	validator validation.Engine
	engine    *qc.Engine
	uploader  *storage.Uploader
	idem      *idempotency.Manager
	stats     *qc.SessionStats
	logger    zerolog.Logger
	now       func() time.Time
}

// SetSessionStats enables per-session decision analytics.
func (p *Processor) SetSessionStats(stats *qc.SessionStats) { p.stats = stats }

// NewProcessor wires a processor from its collaborators.
func NewProcessor(
	machine *statemachine.Machine,
	fetcher Fetcher,
	analyzer restoration.Analyzer,
	restorer restoration.Engine,
	validator validation.Engine,
	engine *qc.Engine,
	uploader *storage.Uploader,
	idem *idempotency.Manager,
	logger zerolog.Logger,
) *Processor {
	return &Processor{
		machine:   machine,
		fetcher:   fetcher,
		analyzer:  analyzer,
		restorer:  restorer,
		validator: validator,
		engine:    engine,
		uploader:  uploader,
		idem:      idem,
		logger:    logger,
		now:       time.Now,
	}
}

// Run executes one processing pass for the job. Returning a non-nil error
// signals a transient dispatch failure to the batch manager; pipeline-level
// failures transition the job to FAILED and return the underlying error too.
func (p *Processor) Run(ctx context.Context, jobID string) error {
	job, err := p.machine.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	switch job.State {
	case domain.StateQueued:
	case domain.StateCompleted, domain.StateCancelled:
		// Nothing to do; a stale dispatch raced a cancel or duplicate.
		return nil
	default:
		return fmt.Errorf("job %s is %s, not dispatchable", jobID, job.State)
	}

	source, err := p.fetcher.Fetch(ctx, job.SourceURL)
	if err != nil {
		// The source never arrived, so no pipeline state was consumed; leave
		// the job QUEUED for the dispatcher's retry policy.
		return fmt.Errorf("fetch source for %s: %w", jobID, err)
	}

	fingerprint := idempotency.Fingerprint(source)
	key := idempotency.Key(fingerprint, job.Mode, job.Params)

	if prior, err := p.idem.CheckForDuplicate(ctx, source, job.Mode, job.Params); err != nil {
		return fmt.Errorf("duplicate check for %s: %w", jobID, err)
	} else if prior != nil {
		_, err := p.machine.TransitionTo(ctx, jobID, domain.StateCompleted,
			fmt.Sprintf("duplicate of job %s, reusing result", prior.JobID),
			statemachine.WithResultURL(prior.ResultURL),
			statemachine.MarkProcessingStarted(),
			statemachine.MarkProcessingEnded(),
		)
		return err
	}

	if _, err := p.machine.TransitionTo(ctx, jobID, domain.StateAnalyzing, "source fetched",
		statemachine.MarkProcessingStarted()); err != nil {
		return err
	}

	analysis, err := p.analyzer.Analyze(ctx, source, jobID)
	if err != nil {
		return p.fail(ctx, jobID, fmt.Errorf("analysis: %w", err))
	}

	if _, err := p.machine.TransitionTo(ctx, jobID, domain.StatePlanning, "analysis complete"); err != nil {
		return err
	}

	steps := PlanSteps(job.Mode, analysis, job.Params)
	if len(steps) == 0 {
		return p.fail(ctx, jobID, fmt.Errorf("plan produced no steps for mode %s", job.Mode))
	}

	if _, err := p.machine.TransitionTo(ctx, jobID, domain.StateEditing,
		fmt.Sprintf("plan ready: %s", PlanSummary(steps))); err != nil {
		return err
	}

	candidate, results, stepErr := p.runSteps(ctx, job, source, steps)
	if stepErr != nil {
		if _, err := p.machine.TransitionTo(ctx, jobID, domain.StateFailed,
			fmt.Sprintf("editing failed: %v", stepErr),
			statemachine.WithStepResults(results),
			statemachine.WithError(stepErr.Error()),
			statemachine.MarkProcessingEnded(),
		); err != nil {
			return err
		}
		return stepErr
	}

	if _, err := p.machine.TransitionTo(ctx, jobID, domain.StateValidating, "editing complete",
		statemachine.WithStepResults(results)); err != nil {
		return err
	}

	scores, err := p.validator.Compare(ctx, source, candidate, PlanSummary(steps), jobID)
	if err != nil {
		return p.fail(ctx, jobID, fmt.Errorf("validation: %w", err))
	}

	decision := p.engine.Decide(qc.Input{
		Scores:     scores,
		Portrait:   analysis.Portrait,
		RetryCount: job.RetryCount,
	})
	if p.stats != nil {
		p.stats.Record(job.SessionID, decision)
		if summary, ok := p.stats.Summary(job.SessionID); ok {
			p.logger.Debug().
				Str("session_id", job.SessionID).
				Int("decisions", summary.Decisions).
				Float64("approval_rate", summary.ApprovalRate).
				Float64("avg_quality", summary.AvgQuality).
				Msg("orchestrator: session stats")
		}
	}

	// Only approved outcomes publish to the public store; retry and reject
	// passes keep their output in the internal step store.
	opts := []statemachine.TransitionOption{statemachine.WithDecision(&decision)}
	var resultURL string
	if decision.Action == domain.ActionApprove || decision.Action == domain.ActionApproveWithNotes {
		resultURL, err = p.uploader.UploadResult(ctx, job.SessionID, jobID, candidate, "image/png")
		if err != nil {
			return p.fail(ctx, jobID, fmt.Errorf("upload result: %w", err))
		}
		opts = append(opts, statemachine.WithResultURL(resultURL))
	}

	// The DECIDED entry hook routes the decision; the job we get back is
	// already in its post-routing state.
	final, err := p.machine.TransitionTo(ctx, jobID, domain.StateDecided,
		fmt.Sprintf("decision %s by rule %s", decision.Action, decision.RuleName),
		opts...,
	)
	if err != nil {
		return err
	}

	if final.State == domain.StateCompleted {
		record := &domain.IdempotencyRecord{
			Key:         key,
			Fingerprint: fingerprint,
			Mode:        job.Mode,
			JobID:       jobID,
			ResultURL:   resultURL,
			Quality:     decision.Scores.Overall,
		}
		if err := p.idem.RecordResult(ctx, record); err != nil {
			// The result itself is safe; only future dedup is lost.
			p.logger.Warn().Err(err).Str("job_id", jobID).Msg("orchestrator: record result failed")
		}
	}

	return nil
}

// runSteps executes the plan, chaining each step's output into the next.
// Optional step failures are recorded and skipped; a critical failure aborts
// the pass.
func (p *Processor) runSteps(ctx context.Context, job *domain.Job, source []byte, steps []Step) ([]byte, []domain.StepResult, error) {
	current := source
	pass := job.RetryCount + 1
	results := make([]domain.StepResult, 0, len(steps))

	for i, step := range steps {
		result := domain.StepResult{
			Pass:        pass,
			Index:       i,
			Name:        step.Name,
			Instruction: step.Instruction,
			Temperature: job.Params.Temperature,
		}
		started := p.now()

		edited, err := p.restorer.Apply(ctx, current, step.Instruction, job.Params.Temperature, job.Params.TopP,
			fmt.Sprintf("%s-p%d-s%d", job.ID, pass, i))
		result.Duration = p.now().Sub(started)

		if err != nil {
			result.Error = err.Error()
			results = append(results, result)
			if step.Critical {
				return nil, results, &domain.StepError{Step: step.Name, Critical: true, Err: err}
			}
			p.logger.Warn().
				Err(err).
				Str("job_id", job.ID).
				Str("step", step.Name).
				Msg("orchestrator: optional step failed, continuing")
			continue
		}

		if key, err := p.uploader.UploadStepOutput(ctx, job.ID, i, edited.Data, edited.Format); err == nil {
			result.OutputKey = key
		}
		result.Completed = true
		results = append(results, result)
		current = edited.Data
	}

	if !anyCompleted(results) {
		return nil, results, &domain.StepError{Step: "plan", Err: errors.New("no step produced output")}
	}
	return current, results, nil
}

func anyCompleted(results []domain.StepResult) bool {
	for _, r := range results {
		if r.Completed {
			return true
		}
	}
	return false
}

// fail transitions the job to FAILED and returns the original error.
func (p *Processor) fail(ctx context.Context, jobID string, cause error) error {
	if _, err := p.machine.TransitionTo(ctx, jobID, domain.StateFailed, cause.Error(),
		statemachine.WithError(cause.Error()),
		statemachine.MarkProcessingEnded(),
	); err != nil {
		p.logger.Error().Err(err).Str("job_id", jobID).Msg("orchestrator: failure transition rejected")
	}
	return cause
}
