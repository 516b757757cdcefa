package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrJobExists         = errors.New("job already exists")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrCircuitOpen       = errors.New("circuit breaker open")
	ErrRateLimited       = errors.New("rate limited")
	ErrBatchStopped      = errors.New("batch stopped")
	ErrBatchFull         = errors.New("batch exceeds size cap")
	ErrRetryExhausted    = errors.New("retry attempts exhausted")
)

// StepError marks the failure of a single plan step. Whether it aborts the
// job depends on whether the step was critical to the pipeline.
type StepError struct {
	Step     string
	Critical bool
	Err      error
}

func (e *StepError) Error() string {
	kind := "optional"
	if e.Critical {
		kind = "critical"
	}
	return fmt.Sprintf("%s step %q failed: %v", kind, e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }
