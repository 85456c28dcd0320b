package pipeline

import "errors"

var (
	// ErrInvalidStep marks a step outside the accepted set.
	ErrInvalidStep = errors.New("invalid pipeline step")
	// ErrBusy marks a request rejected because another invocation is running.
	ErrBusy = errors.New("pipeline busy")
	// ErrTimeout marks a run that exceeded its wall-clock bound.
	ErrTimeout = errors.New("pipeline timed out")
	// ErrExecutableNotFound marks a missing or non-executable binary.
	ErrExecutableNotFound = errors.New("pipeline executable not found")
	// ErrNonZeroExit marks a run whose process exited unsuccessfully.
	ErrNonZeroExit = errors.New("pipeline exited with non-zero status")
	// ErrStartFailed marks any other failure to spawn the process.
	ErrStartFailed = errors.New("pipeline start failed")
	// ErrCanceled marks a run killed by CancelRunning, or a queued request
	// whose caller gave up before the slot freed.
	ErrCanceled = errors.New("pipeline canceled")
)

// Outcome classifies how an invocation ended.
type Outcome string

// Outcomes reported in Result.Outcome.
const (
	OutcomeSucceeded          Outcome = "succeeded"
	OutcomeNonZeroExit        Outcome = "non_zero_exit"
	OutcomeTimeout            Outcome = "timeout"
	OutcomeExecutableNotFound Outcome = "executable_not_found"
	OutcomeInvalidStep        Outcome = "invalid_step"
	OutcomeBusy               Outcome = "busy"
	OutcomeStartFailed        Outcome = "start_failed"
	OutcomeCanceled           Outcome = "canceled"
)

var outcomeErrors = map[Outcome]error{
	OutcomeNonZeroExit:        ErrNonZeroExit,
	OutcomeTimeout:            ErrTimeout,
	OutcomeExecutableNotFound: ErrExecutableNotFound,
	OutcomeInvalidStep:        ErrInvalidStep,
	OutcomeBusy:               ErrBusy,
	OutcomeStartFailed:        ErrStartFailed,
	OutcomeCanceled:           ErrCanceled,
}

// outcomeFor maps a runner error onto an Outcome.
func outcomeFor(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeSucceeded
	case errors.Is(err, ErrTimeout):
		return OutcomeTimeout
	case errors.Is(err, ErrCanceled):
		return OutcomeCanceled
	case errors.Is(err, ErrExecutableNotFound):
		return OutcomeExecutableNotFound
	case errors.Is(err, ErrNonZeroExit):
		return OutcomeNonZeroExit
	case errors.Is(err, ErrBusy):
		return OutcomeBusy
	case errors.Is(err, ErrInvalidStep):
		return OutcomeInvalidStep
	default:
		return OutcomeStartFailed
	}
}
