package model

// WorkflowDefinition is the ordered step sequence a workflow instance walks
// through. Definitions are loaded from static configuration; the engine only
// consumes the step order and overrides.
type WorkflowDefinition struct {
	ID    string           `yaml:"id"    json:"id"`
	Name  string           `yaml:"name"  json:"name"`
	SLA   string           `yaml:"sla"   json:"sla,omitempty"`
	Steps []StepDefinition `yaml:"steps" json:"steps"`
}

// StepDefinition is one step in a definition. Next, when set, overrides the
// positional successor and is used for conditional branching such as skipping
// inspection steps; the value "completed" jumps straight to the terminal
// sentinel.
type StepDefinition struct {
	ID   string `yaml:"id"   json:"id"`
	Name string `yaml:"name" json:"name"`
	Next string `yaml:"next" json:"next,omitempty"`
}

// Step returns the step definition with the given ID, or nil.
func (d WorkflowDefinition) Step(stepID string) *StepDefinition {
	for i := range d.Steps {
		if d.Steps[i].ID == stepID {
			return &d.Steps[i]
		}
	}
	return nil
}

// InitialStep returns the first step ID, or the terminal sentinel for an
// empty definition.
func (d WorkflowDefinition) InitialStep() string {
	if len(d.Steps) == 0 {
		return TerminalStep
	}
	return d.Steps[0].ID
}
