package retryloop

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"restoration/internal/domain"
	"restoration/internal/statemachine"
)

// depRetryExecution keys the breaker guarding retry execution itself.
const depRetryExecution = "retry_execution"

const (
	minTemperature = 0.1
	maxTemperature = 0.8
)

// Outcome classifies what the loop did with a decision.
type Outcome string

const (
	OutcomeRetried   Outcome = "RETRIED"
	OutcomeDelayed   Outcome = "DELAY_RETRY"
	OutcomeEscalated Outcome = "ESCALATED"
	OutcomeMapped    Outcome = "MAPPED"
)

// Result describes the loop's handling of one decision. RetryAfter is only
// set for OutcomeDelayed.
type Result struct {
	Outcome    Outcome
	State      domain.JobState
	RetryAfter time.Duration
}

// Loop turns QC decisions into safely bounded state-machine transitions.
// Quality-driven retry bookkeeping lives here; dispatch-level retries are
// the batch manager's separate concern.
type Loop struct {
	machine     *statemachine.Machine
	breakers    *BreakerSet
	limiter     *SlidingLimiter
	maxAttempts int
	logger      zerolog.Logger
	now         func() time.Time
}

// Config tunes the retry loop.
type Config struct {
	MaxAttempts      int
	BreakerThreshold int
	BreakerCooldown  time.Duration
	RetriesPerMinute int
}

// New constructs the retry control loop.
func New(machine *statemachine.Machine, cfg Config, logger zerolog.Logger) *Loop {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Loop{
		machine:     machine,
		breakers:    NewBreakerSet(cfg.BreakerThreshold, cfg.BreakerCooldown),
		limiter:     NewSlidingLimiter(cfg.RetriesPerMinute, time.Minute),
		maxAttempts: maxAttempts,
		logger:      logger,
		now:         time.Now,
	}
}

// Breakers exposes the breaker set for operator reset and status endpoints.
func (l *Loop) Breakers() *BreakerSet { return l.breakers }

// HandleDecision maps a decision onto the job's next transition. Non-retry
// actions map 1:1; RETRY passes through the breaker, the rate limiter and
// the attempt ceiling before re-entering the state machine at QUEUED.
func (l *Loop) HandleDecision(ctx context.Context, job *domain.Job, decision domain.QCDecision) (Result, error) {
	switch decision.Action {
	case domain.ActionApprove, domain.ActionApproveWithNotes:
		reason := "quality approved"
		if decision.Action == domain.ActionApproveWithNotes {
			reason = fmt.Sprintf("approved with notes: %s", decision.Reason)
		}
		_, err := l.machine.TransitionTo(ctx, job.ID, domain.StateCompleted, reason, statemachine.MarkProcessingEnded())
		return Result{Outcome: OutcomeMapped, State: domain.StateCompleted}, err

	case domain.ActionReject:
		_, err := l.machine.TransitionTo(ctx, job.ID, domain.StateFailed,
			fmt.Sprintf("rejected by quality control: %s", decision.Reason),
			statemachine.WithError(decision.Reason),
			statemachine.MarkProcessingEnded(),
		)
		return Result{Outcome: OutcomeMapped, State: domain.StateFailed}, err

	case domain.ActionManualReview:
		_, err := l.machine.TransitionTo(ctx, job.ID, domain.StateManualReview,
			l.reviewReason(decision),
			statemachine.MarkProcessingEnded(),
		)
		return Result{Outcome: OutcomeMapped, State: domain.StateManualReview}, err

	case domain.ActionRetry:
		return l.executeRetry(ctx, job, decision)

	default:
		return Result{}, fmt.Errorf("unknown decision action %q", decision.Action)
	}
}

func (l *Loop) executeRetry(ctx context.Context, job *domain.Job, decision domain.QCDecision) (Result, error) {
	if job.RetryCount >= l.maxAttempts {
		l.logger.Warn().
			Str("job_id", job.ID).
			Int("retry_count", job.RetryCount).
			Msg("retryloop: attempt ceiling reached, escalating")
		_, err := l.machine.TransitionTo(ctx, job.ID, domain.StateManualReview,
			fmt.Sprintf("retry ceiling of %d reached: %s", l.maxAttempts, l.reviewReason(decision)),
			statemachine.MarkProcessingEnded(),
		)
		return Result{Outcome: OutcomeEscalated, State: domain.StateManualReview}, err
	}

	breaker := l.breakers.Get(depRetryExecution)
	if err := breaker.Allow(); err != nil {
		l.logger.Warn().
			Str("job_id", job.ID).
			Str("breaker", depRetryExecution).
			Msg("retryloop: circuit open, escalating")
		_, terr := l.machine.TransitionTo(ctx, job.ID, domain.StateManualReview,
			fmt.Sprintf("retry refused, circuit open: %s", l.reviewReason(decision)),
			statemachine.MarkProcessingEnded(),
		)
		if terr != nil {
			return Result{}, terr
		}
		return Result{Outcome: OutcomeEscalated, State: domain.StateManualReview}, nil
	}

	if hint, ok := l.limiter.Allow(depRetryExecution, job.SessionID); !ok {
		l.logger.Info().
			Str("job_id", job.ID).
			Dur("retry_after", hint).
			Msg("retryloop: rate limited, deferring")
		return Result{Outcome: OutcomeDelayed, State: job.State, RetryAfter: hint}, nil
	}

	result, err := l.resubmit(ctx, job, decision, false, decision.Reason)
	if err != nil {
		breaker.RecordFailure()
		return result, err
	}
	breaker.RecordSuccess()
	return result, nil
}

// DecisionHook returns a state-machine entry hook for DECIDED that routes
// the job's stored decision. Rate-limit deferrals are waited out in place so
// the worker holding the job keeps driving it.
func (l *Loop) DecisionHook() statemachine.EntryHook {
	return func(ctx context.Context, job *domain.Job) error {
		if job.LastDecision == nil {
			return fmt.Errorf("job %s entered DECIDED without a decision", job.ID)
		}
		for {
			res, err := l.HandleDecision(ctx, job, *job.LastDecision)
			if err != nil || res.Outcome != OutcomeDelayed {
				return err
			}
			timer := time.NewTimer(res.RetryAfter)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
}

// ManualRetry bypasses quality control and forces a retry with
// operator-supplied adjustments. Always flagged as manual in history.
func (l *Loop) ManualRetry(ctx context.Context, jobID string, adjustments domain.ParameterAdjustments, reason string) (Result, error) {
	job, err := l.machine.GetJob(ctx, jobID)
	if err != nil {
		return Result{}, err
	}
	decision := domain.QCDecision{
		Action:      domain.ActionRetry,
		Adjustments: &adjustments,
		Reason:      reason,
	}
	if job.LastDecision != nil {
		decision.Scores = job.LastDecision.Scores
	}
	return l.resubmit(ctx, job, decision, true, reason)
}

func (l *Loop) resubmit(ctx context.Context, job *domain.Job, decision domain.QCDecision, manual bool, reason string) (Result, error) {
	params := job.Params
	if adj := decision.Adjustments; adj != nil {
		params.Temperature = clampTemperature(params.Temperature + adj.TemperatureDelta)
		params.SkipSteps = mergeUnique(params.SkipSteps, adj.DropSteps)
		params.FocusCriteria = append([]string(nil), adj.FocusCriteria...)
	}

	previousOverall := 0.0
	if n := len(job.RetryAttempts); n > 0 {
		previousOverall = job.RetryAttempts[n-1].OverallScore
	}

	attempt := domain.RetryAttempt{
		Number:       job.RetryCount + 1,
		At:           l.now(),
		OverallScore: decision.Scores.Overall,
		QualityDelta: decision.Scores.Overall - previousOverall,
		Manual:       manual,
		Reason:       reason,
	}
	if decision.Adjustments != nil {
		attempt.Adjustments = *decision.Adjustments
	}

	_, err := l.machine.TransitionTo(ctx, job.ID, domain.StateQueued,
		fmt.Sprintf("retry attempt %d: %s", attempt.Number, reason),
		statemachine.WithParams(params),
		statemachine.WithRetryAttempt(attempt),
	)
	if err != nil {
		return Result{}, fmt.Errorf("resubmit job %s: %w", job.ID, err)
	}

	l.logger.Info().
		Str("job_id", job.ID).
		Int("attempt", attempt.Number).
		Bool("manual", manual).
		Float64("temperature", params.Temperature).
		Msg("retryloop: job resubmitted")

	return Result{Outcome: OutcomeRetried, State: domain.StateQueued}, nil
}

func (l *Loop) reviewReason(decision domain.QCDecision) string {
	msg := fmt.Sprintf("%s (overall %.0f, preservation %.0f", decision.Reason,
		decision.Scores.Overall, decision.Scores.Preservation)
	for _, f := range decision.CriticalFailures {
		msg += "; " + f.Code
	}
	return msg + ")"
}

func clampTemperature(t float64) float64 {
	if t < minTemperature {
		return minTemperature
	}
	if t > maxTemperature {
		return maxTemperature
	}
	return t
}

func mergeUnique(existing, extra []string) []string {
	seen := make(map[string]bool, len(existing))
	out := append([]string(nil), existing...)
	for _, v := range existing {
		seen[v] = true
	}
	for _, v := range extra {
		if !seen[v] {
			out = append(out, v)
			seen[v] = true
		}
	}
	return out
}
