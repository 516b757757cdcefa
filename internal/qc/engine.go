package qc

import (
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"restoration/internal/domain"
)

const (
	// preservationFloor is the absolute score below which content loss is
	// treated as a critical failure regardless of the aggregate.
	preservationFloor = 40.0
	// portraitPreservationFloor is the stricter floor for portrait
	// subjects, where facial-region degradation is unacceptable.
	portraitPreservationFloor = 60.0
	// naturalnessFloor flags outputs that collapsed into artificial-looking
	// renderings.
	naturalnessFloor = 30.0

	// temperatureDelta is applied once per retry attempt, so the cumulative
	// adjustment after N attempts is temperatureDelta * N.
	temperatureDelta = -0.10
)

// Input is everything the engine needs to produce a decision. Decisions are
// a pure function of this input.
type Input struct {
	Scores     domain.ValidationScores
	Portrait   bool
	RetryCount int
}

// Engine maps a validation score vector to one decision, deterministically.
// The retry budget lives in the rule set itself; see DefaultRules.
type Engine struct {
	rules  []Rule
	logger zerolog.Logger
	now    func() time.Time
}

// NewEngine constructs a decision engine over a validated rule set.
func NewEngine(rules []Rule, logger zerolog.Logger) (*Engine, error) {
	if err := ValidateRules(rules); err != nil {
		return nil, fmt.Errorf("qc rule set: %w", err)
	}
	return &Engine{rules: rules, logger: logger, now: time.Now}, nil
}

// Decide evaluates the rule list in priority order and returns the first
// match. When no rule matches it falls safe to MANUAL_REVIEW rather than
// dropping the job.
func (e *Engine) Decide(in Input) domain.QCDecision {
	criticals := detectCriticalFailures(in)

	decision := domain.QCDecision{
		Action:           domain.ActionManualReview,
		Confidence:       domain.ConfidenceLow,
		RuleName:         "default",
		Reason:           "no rule matched; escalating for human review",
		Scores:           in.Scores,
		CriticalFailures: criticals,
		RetryCount:       in.RetryCount,
		DecidedAt:        e.now(),
	}

	for _, rule := range e.rules {
		if !rule.matches(in.Scores, len(criticals), in.RetryCount) {
			continue
		}
		decision.Action = rule.Action
		decision.Confidence = rule.Confidence
		decision.RuleName = rule.Name
		decision.Reason = rule.Reason
		break
	}

	// Critical failures escalate independent of the aggregate score: an
	// approval with criticals present is downgraded to review.
	if len(criticals) > 0 && (decision.Action == domain.ActionApprove || decision.Action == domain.ActionApproveWithNotes) {
		decision.Action = domain.ActionManualReview
		decision.Confidence = domain.ConfidenceLow
		decision.Reason = fmt.Sprintf("critical failure %s overrides %s", criticals[0].Code, decision.RuleName)
	}

	if decision.Action == domain.ActionRetry {
		adj := e.adjustmentsFor(in)
		decision.Adjustments = &adj
	}

	e.logger.Info().
		Str("action", string(decision.Action)).
		Str("rule", decision.RuleName).
		Float64("overall", in.Scores.Overall).
		Float64("preservation", in.Scores.Preservation).
		Int("critical_failures", len(criticals)).
		Int("retry_count", in.RetryCount).
		Msg("qc: decision")

	return decision
}

func detectCriticalFailures(in Input) []domain.CriticalFailure {
	var failures []domain.CriticalFailure
	if in.Scores.Preservation < preservationFloor {
		failures = append(failures, domain.CriticalFailure{
			Code:   "preservation_floor",
			Detail: fmt.Sprintf("preservation %.0f below floor %.0f", in.Scores.Preservation, preservationFloor),
		})
	}
	if in.Portrait && in.Scores.Preservation >= preservationFloor && in.Scores.Preservation < portraitPreservationFloor {
		failures = append(failures, domain.CriticalFailure{
			Code:   "facial_region_drop",
			Detail: fmt.Sprintf("portrait preservation %.0f below floor %.0f", in.Scores.Preservation, portraitPreservationFloor),
		})
	}
	if in.Scores.Naturalness < naturalnessFloor {
		failures = append(failures, domain.CriticalFailure{
			Code:   "naturalness_collapse",
			Detail: fmt.Sprintf("naturalness %.0f below floor %.0f", in.Scores.Naturalness, naturalnessFloor),
		})
	}
	return failures
}

// adjustmentsFor builds the concrete parameter changes for a retry: lower
// the generation temperature, drop steps known to risk the weak criteria,
// and narrow focus to the two worst-scoring criteria.
func (e *Engine) adjustmentsFor(in Input) domain.ParameterAdjustments {
	adj := domain.ParameterAdjustments{TemperatureDelta: temperatureDelta}

	if in.Scores.Naturalness < 50 {
		adj.DropSteps = append(adj.DropSteps, "creative_grade")
	}
	if in.Scores.Preservation < 60 {
		adj.DropSteps = append(adj.DropSteps, "colorize")
	}

	type criterion struct {
		name  string
		score float64
	}
	criteria := []criterion{
		{"preservation", in.Scores.Preservation},
		{"defect_removal", in.Scores.DefectRemoval},
		{"enhancement", in.Scores.Enhancement},
		{"naturalness", in.Scores.Naturalness},
		{"technical_quality", in.Scores.TechnicalQuality},
	}
	sort.SliceStable(criteria, func(i, j int) bool { return criteria[i].score < criteria[j].score })
	for i := 0; i < 2 && i < len(criteria); i++ {
		adj.FocusCriteria = append(adj.FocusCriteria, criteria[i].name)
	}

	return adj
}
