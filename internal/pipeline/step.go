package pipeline

import (
	"fmt"
	"strings"
)

// Step selects which stage of the pipeline to run.
type Step string

// Recognized steps. StepAll runs every stage and passes no argument.
const (
	StepAll   Step = "all"
	StepOne   Step = "1"
	StepTwo   Step = "2"
	StepThree Step = "3"
)

// Steps lists the accepted values in display order.
var Steps = []Step{StepOne, StepTwo, StepThree, StepAll}

// ParseStep validates raw against the closed set of steps.
func ParseStep(raw string) (Step, error) {
	switch Step(strings.TrimSpace(raw)) {
	case StepAll:
		return StepAll, nil
	case StepOne:
		return StepOne, nil
	case StepTwo:
		return StepTwo, nil
	case StepThree:
		return StepThree, nil
	default:
		return "", fmt.Errorf("%w: %q (use 1, 2, 3, or all)", ErrInvalidStep, raw)
	}
}

// Args returns the command-line arguments for the step.
func (s Step) Args() []string {
	if s == StepAll {
		return nil
	}
	return []string{string(s)}
}

func (s Step) String() string { return string(s) }
