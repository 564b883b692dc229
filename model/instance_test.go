package model

import "testing"

func TestWorkflowInstance_LastSnapshot(t *testing.T) {
	inst := &WorkflowInstance{
		StepHistory: []StepHistoryEntry{
			{StepID: "application", DataSnapshot: map[string]any{"company": "Acme"}},
			{StepID: "documents", DataSnapshot: map[string]any{"files": 2}},
			{StepID: "application", DataSnapshot: map[string]any{"company": "Acme Ltd"}},
		},
	}

	// The most recent entry for a recurring step wins.
	snap := inst.LastSnapshot("application")
	if snap["company"] != "Acme Ltd" {
		t.Errorf("snapshot = %v", snap)
	}

	if inst.LastSnapshot("review") != nil {
		t.Error("never-completed step should have nil snapshot")
	}
}

func TestWorkflowInstance_HasCompletedStep(t *testing.T) {
	inst := &WorkflowInstance{
		StepHistory: []StepHistoryEntry{{StepID: "application"}},
	}

	if !inst.HasCompletedStep("application") {
		t.Error("application should be completed")
	}
	if inst.HasCompletedStep("documents") {
		t.Error("documents should not be completed")
	}

	empty := &WorkflowInstance{}
	if empty.HasCompletedStep("application") {
		t.Error("empty history has no completed steps")
	}
}

func TestWorkflowDefinition_Step(t *testing.T) {
	def := WorkflowDefinition{
		ID: "cert.basic",
		Steps: []StepDefinition{
			{ID: "application", Name: "Application Form"},
			{ID: "review", Name: "Final Review"},
		},
	}

	step := def.Step("review")
	if step == nil || step.Name != "Final Review" {
		t.Errorf("Step = %+v", step)
	}
	if def.Step("missing") != nil {
		t.Error("unknown step should be nil")
	}
}

func TestWorkflowDefinition_InitialStep(t *testing.T) {
	def := WorkflowDefinition{
		Steps: []StepDefinition{{ID: "application"}, {ID: "review"}},
	}
	if got := def.InitialStep(); got != "application" {
		t.Errorf("InitialStep = %q", got)
	}

	if got := (WorkflowDefinition{}).InitialStep(); got != TerminalStep {
		t.Errorf("empty definition InitialStep = %q, want terminal sentinel", got)
	}
}
