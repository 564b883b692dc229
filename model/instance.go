package model

import "time"

// Workflow-level status constants.
const (
	WorkflowStatusDraft           = "draft"
	WorkflowStatusInProgress      = "in_progress"
	WorkflowStatusOnHold          = "on_hold"
	WorkflowStatusPendingApproval = "pending_approval"
	WorkflowStatusRevision        = "revision"
	WorkflowStatusCompleted       = "completed"
	WorkflowStatusCancelled       = "cancelled"
	WorkflowStatusFailed          = "failed"
	WorkflowStatusExpired         = "expired"
)

// Step-level status constants. A step's status is never stored; it is derived
// from CurrentStep and StepHistory at query time.
const (
	StepStatusNotStarted      = "not_started"
	StepStatusActive          = "active"
	StepStatusInProgress      = "in_progress"
	StepStatusSentBack        = "sent_back"
	StepStatusPendingApproval = "pending_approval"
	StepStatusCompleted       = "completed"
	StepStatusSkipped         = "skipped"
	StepStatusFailed          = "failed"
)

// TerminalStep is the sentinel CurrentStep value marking a workflow whose
// step sequence has been fully completed.
const TerminalStep = "completed"

// WorkflowInstance is one certification application in flight. It is mutated
// exclusively through the transition engine and never deleted, only moved to
// a terminal status.
type WorkflowInstance struct {
	ID            string             `json:"id"`
	DefinitionID  string             `json:"definition_id"`
	Status        string             `json:"status"`
	CurrentStep   string             `json:"current_step"`
	AssignedActor string             `json:"assigned_actor,omitempty"`
	StepHistory   []StepHistoryEntry `json:"step_history,omitempty"`
	StartedAt     time.Time          `json:"started_at"`
	CompletedAt   *time.Time         `json:"completed_at,omitempty"`
	SLADeadline   *time.Time         `json:"sla_deadline,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
	Version       int                `json:"version"`
}

// LastSnapshot returns the data snapshot of the most recent history entry for
// the given step, or nil if the step has never been completed.
func (i *WorkflowInstance) LastSnapshot(stepID string) map[string]any {
	for j := len(i.StepHistory) - 1; j >= 0; j-- {
		if i.StepHistory[j].StepID == stepID {
			return i.StepHistory[j].DataSnapshot
		}
	}
	return nil
}

// HasCompletedStep reports whether the given step appears in the history.
func (i *WorkflowInstance) HasCompletedStep(stepID string) bool {
	for j := range i.StepHistory {
		if i.StepHistory[j].StepID == stepID {
			return true
		}
	}
	return false
}

// StepHistoryEntry is the immutable record of one step completion. A step may
// recur after a send-back, producing multiple entries.
type StepHistoryEntry struct {
	StepID        string         `json:"step_id"`
	CompletedAt   time.Time      `json:"completed_at"`
	CompletedBy   string         `json:"completed_by"`
	ActorRole     string         `json:"actor_role,omitempty"`
	DataSnapshot  map[string]any `json:"data_snapshot,omitempty"`
	ChangedFields []string       `json:"changed_fields,omitempty"`
	Decision      string         `json:"decision,omitempty"`
	Comments      string         `json:"comments,omitempty"`
}

// Decision constants recorded on step completion.
const (
	DecisionApprove       = "approve"
	DecisionReject        = "reject"
	DecisionSendBack      = "send_back"
	DecisionClarification = "clarification"
)
