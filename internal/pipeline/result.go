package pipeline

import (
	"fmt"
	"time"
)

// Result is the single outcome record of one invocation request.
type Result struct {
	ID        string
	Step      string
	Success   bool
	Outcome   Outcome
	Stdout    string
	Stderr    string
	ExitCode  *int
	TimedOut  bool
	StartedAt time.Time
	Duration  time.Duration
	// Detail carries the underlying error text for start and cancel failures.
	Detail string
}

// Err returns nil for a successful run, otherwise an error wrapping the
// sentinel for the outcome.
func (r Result) Err() error {
	if r.Success {
		return nil
	}
	sentinel, ok := outcomeErrors[r.Outcome]
	if !ok {
		sentinel = ErrStartFailed
	}
	if r.Detail != "" {
		return fmt.Errorf("%w: %s", sentinel, r.Detail)
	}
	return sentinel
}

// Message returns the human-readable summary shown to callers.
func (r Result) Message() string {
	switch r.Outcome {
	case OutcomeSucceeded:
		return fmt.Sprintf("Pipeline step %s completed successfully", r.Step)
	case OutcomeNonZeroExit:
		code := -1
		if r.ExitCode != nil {
			code = *r.ExitCode
		}
		return fmt.Sprintf("Pipeline failed with code %d", code)
	case OutcomeTimeout:
		return fmt.Sprintf("Pipeline execution timeout (%s)", r.Duration.Round(time.Second))
	case OutcomeExecutableNotFound:
		return "Pipeline executable not found: " + r.Detail
	case OutcomeInvalidStep:
		return "Invalid step. Use 1, 2, 3, or all"
	case OutcomeBusy:
		return "Another pipeline invocation is already running"
	case OutcomeCanceled:
		return "Pipeline invocation canceled"
	default:
		if r.Detail != "" {
			return "Pipeline failed to start: " + r.Detail
		}
		return "Pipeline failed to start"
	}
}

// Output returns stdout for successful runs and stderr otherwise.
func (r Result) Output() string {
	if r.Success {
		return r.Stdout
	}
	return r.Stderr
}
