package domain

import "time"

// DecisionAction is the verdict of the quality decision engine.
type DecisionAction string

const (
	ActionApprove          DecisionAction = "APPROVE"
	ActionApproveWithNotes DecisionAction = "APPROVE_WITH_NOTES"
	ActionRetry            DecisionAction = "RETRY"
	ActionManualReview     DecisionAction = "MANUAL_REVIEW"
	ActionReject           DecisionAction = "REJECT"
)

// ConfidenceTier expresses how certain the engine is about its verdict.
type ConfidenceTier string

const (
	ConfidenceHigh   ConfidenceTier = "high"
	ConfidenceMedium ConfidenceTier = "medium"
	ConfidenceLow    ConfidenceTier = "low"
)

// ValidationScores is the per-criterion score vector returned by the
// validation engine. All scores are on a 0-100 scale.
type ValidationScores struct {
	Overall          float64  `json:"overall"`
	Preservation     float64  `json:"preservation"`
	DefectRemoval    float64  `json:"defect_removal"`
	Enhancement      float64  `json:"enhancement"`
	Naturalness      float64  `json:"naturalness"`
	TechnicalQuality float64  `json:"technical_quality"`
	Issues           []string `json:"issues,omitempty"`
}

// CriticalFailure flags a quality problem severe enough to escalate
// independent of the aggregate score.
type CriticalFailure struct {
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

// ParameterAdjustments are the concrete knob changes attached to a RETRY
// decision.
type ParameterAdjustments struct {
	TemperatureDelta float64  `json:"temperature_delta"`
	DropSteps        []string `json:"drop_steps,omitempty"`
	FocusCriteria    []string `json:"focus_criteria,omitempty"`
}

// QCDecision is the immutable outcome of one validation pass.
type QCDecision struct {
	Action           DecisionAction        `json:"action"`
	Confidence       ConfidenceTier        `json:"confidence"`
	RuleName         string                `json:"rule_name"`
	Reason           string                `json:"reason"`
	Scores           ValidationScores      `json:"scores"`
	CriticalFailures []CriticalFailure     `json:"critical_failures,omitempty"`
	Adjustments      *ParameterAdjustments `json:"adjustments,omitempty"`
	RetryCount       int                   `json:"retry_count"`
	DecidedAt        time.Time             `json:"decided_at"`
}
