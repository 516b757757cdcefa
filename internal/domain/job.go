package domain

import "time"

// Mode enumerates the supported restoration request categories.
type Mode string

const (
	ModeRestore   Mode = "RESTORE"
	ModeEnhance   Mode = "ENHANCE"
	ModeReimagine Mode = "REIMAGINE"
)

// JobState enumerates job lifecycle states.
type JobState string

const (
	StateQueued       JobState = "QUEUED"
	StateAnalyzing    JobState = "ANALYZING"
	StatePlanning     JobState = "PLANNING"
	StateEditing      JobState = "EDITING"
	StateValidating   JobState = "VALIDATING"
	StateDecided      JobState = "DECIDED"
	StateCompleted    JobState = "COMPLETED"
	StateFailed       JobState = "FAILED"
	StateCancelled    JobState = "CANCELLED"
	StateManualReview JobState = "MANUAL_REVIEW"
)

// Terminal reports whether no further transitions are permitted from s,
// short of an explicit operator-forced transition.
func (s JobState) Terminal() bool {
	return s == StateCompleted || s == StateCancelled
}

// Transition is one entry in a job's state history.
type Transition struct {
	From          JobState  `json:"from"`
	To            JobState  `json:"to"`
	Reason        string    `json:"reason"`
	Forced        bool      `json:"forced,omitempty"`
	CorrelationID string    `json:"correlation_id"`
	At            time.Time `json:"at"`
}

// ProcessParams are the tunable knobs a single restoration pass runs with.
// Quality-driven retries resubmit the job with adjusted copies of these.
type ProcessParams struct {
	Temperature   float64  `json:"temperature"`
	TopP          float64  `json:"top_p"`
	SkipSteps     []string `json:"skip_steps,omitempty"`
	FocusCriteria []string `json:"focus_criteria,omitempty"`
}

// IsZero reports whether no parameter has been set. Used to decide whether
// a newly created job needs the per-mode defaults.
func (p ProcessParams) IsZero() bool {
	return p.Temperature == 0 && p.TopP == 0 && len(p.SkipSteps) == 0 && len(p.FocusCriteria) == 0
}

// StepResult records the outcome of one plan step inside an editing pass.
type StepResult struct {
	Pass        int           `json:"pass"`
	Index       int           `json:"index"`
	Name        string        `json:"name"`
	Instruction string        `json:"instruction"`
	Temperature float64       `json:"temperature"`
	OutputKey   string        `json:"output_key,omitempty"`
	Duration    time.Duration `json:"duration"`
	Error       string        `json:"error,omitempty"`
	Completed   bool          `json:"completed"`
}

// RetryAttempt records one quality-driven resubmission of a job.
type RetryAttempt struct {
	Number       int                   `json:"number"`
	At           time.Time             `json:"at"`
	Adjustments  ParameterAdjustments  `json:"adjustments"`
	OverallScore float64               `json:"overall_score"`
	QualityDelta float64               `json:"quality_delta"`
	Manual       bool                  `json:"manual,omitempty"`
	Reason       string                `json:"reason"`
}

// Job encapsulates the lifecycle of a single photo restoration.
type Job struct {
	ID        string
	SessionID string
	BatchID   string
	PhotoID   string
	SourceURL string
	Mode      Mode
	State     JobState

	Params        ProcessParams
	History       []Transition
	Steps         []StepResult
	LastDecision  *QCDecision
	RetryAttempts []RetryAttempt
	RetryCount    int

	// DispatchAttempts counts batch-level (transient failure) redispatches.
	// It is independent from RetryCount, which counts quality-driven retries.
	DispatchAttempts int

	ResultURL    string
	ErrorMessage string

	CreatedAt           time.Time
	UpdatedAt           time.Time
	ProcessingStartedAt *time.Time
	ProcessingEndedAt   *time.Time
}

// DefaultParams returns the initial processing parameters for a mode.
// The 0.8 temperature ceiling matches what the generation models tolerate
// before preservation quality degrades.
func DefaultParams(mode Mode) ProcessParams {
	switch mode {
	case ModeReimagine:
		return ProcessParams{Temperature: 0.8, TopP: 0.95}
	case ModeEnhance:
		return ProcessParams{Temperature: 0.5, TopP: 0.95}
	default:
		return ProcessParams{Temperature: 0.7, TopP: 0.95}
	}
}
