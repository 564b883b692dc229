// Package definition loads workflow definition YAML files and provides a
// fast-lookup registry with atomic pointer swap.
package definition

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/openattest/certflow/model"
)

// definitionsFile is the top-level YAML document shape.
type definitionsFile struct {
	Workflows []model.WorkflowDefinition `yaml:"workflows"`
}

// LoadFile loads, parses and validates a workflow definitions YAML file.
func LoadFile(path string) ([]model.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var file definitionsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	seen := make(map[string]bool, len(file.Workflows))
	for _, def := range file.Workflows {
		if err := validate(def); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if seen[def.ID] {
			return nil, fmt.Errorf("%s: duplicate workflow definition %q", path, def.ID)
		}
		seen[def.ID] = true
	}

	return file.Workflows, nil
}

// validate checks structural invariants of a single definition: non-empty ID
// and steps, unique step IDs, and next overrides that point at defined steps
// or the terminal sentinel.
func validate(def model.WorkflowDefinition) error {
	if def.ID == "" {
		return fmt.Errorf("workflow definition has empty id")
	}
	if len(def.Steps) == 0 {
		return fmt.Errorf("workflow definition %q has no steps", def.ID)
	}
	if def.SLA != "" {
		if _, err := time.ParseDuration(def.SLA); err != nil {
			return fmt.Errorf("workflow definition %q: invalid sla %q: %w", def.ID, def.SLA, err)
		}
	}

	steps := make(map[string]bool, len(def.Steps))
	for _, step := range def.Steps {
		if step.ID == "" {
			return fmt.Errorf("workflow definition %q has a step with empty id", def.ID)
		}
		if steps[step.ID] {
			return fmt.Errorf("workflow definition %q: duplicate step %q", def.ID, step.ID)
		}
		steps[step.ID] = true
	}

	for _, step := range def.Steps {
		if step.Next == "" || step.Next == model.TerminalStep {
			continue
		}
		if !steps[step.Next] {
			return fmt.Errorf("workflow definition %q: step %q next points at unknown step %q",
				def.ID, step.ID, step.Next)
		}
	}

	return nil
}
