package workflow

import (
	"fmt"

	"github.com/openattest/certflow/model"
)

// NextStep resolves the step after stepID in the definition's order. A step
// with an explicit Next override jumps to that step instead of the positional
// successor. The last defined step (or an override of "completed") resolves
// to the terminal sentinel.
func NextStep(def model.WorkflowDefinition, stepID string) (string, error) {
	for i := range def.Steps {
		if def.Steps[i].ID != stepID {
			continue
		}
		if next := def.Steps[i].Next; next != "" {
			return next, nil
		}
		if i == len(def.Steps)-1 {
			return model.TerminalStep, nil
		}
		return def.Steps[i+1].ID, nil
	}
	return "", model.NewNotFoundError(
		fmt.Sprintf("step %q not found in definition %q", stepID, def.ID),
	)
}

// PreviousStep resolves the step to roll back to from stepID. It walks the
// instance's step history in reverse completion order and returns the entry
// immediately preceding the most recent occurrence of stepID, skipping
// repeated occurrences of the step itself. The second return value is false
// when no prior step exists.
func PreviousStep(inst *model.WorkflowInstance, stepID string) (string, bool) {
	start := len(inst.StepHistory) - 1
	for i := len(inst.StepHistory) - 1; i >= 0; i-- {
		if inst.StepHistory[i].StepID == stepID {
			start = i - 1
			break
		}
	}
	for j := start; j >= 0; j-- {
		if inst.StepHistory[j].StepID != stepID {
			return inst.StepHistory[j].StepID, true
		}
	}
	return "", false
}
