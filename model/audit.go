package model

import "time"

// TransitionAuditRecord is one row of the append-only provenance trail. A
// record is written only for transitions that succeeded; it is never updated
// or deleted. StepID is empty for workflow-level transitions.
type TransitionAuditRecord struct {
	ID                 string         `json:"id"`
	WorkflowInstanceID string         `json:"workflow_instance_id"`
	StepID             string         `json:"step_id,omitempty"`
	TransitionType     string         `json:"transition_type"`
	FromState          string         `json:"from_state"`
	ToState            string         `json:"to_state"`
	Event              string         `json:"event"`
	TriggeredBy        string         `json:"triggered_by"`
	TriggeredByRole    string         `json:"triggered_by_role,omitempty"`
	Timestamp          time.Time      `json:"timestamp"`
	Comments           string         `json:"comments,omitempty"`
	DataSnapshot       map[string]any `json:"data_snapshot,omitempty"`
}
