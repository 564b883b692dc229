package model

// Workflow-level events.
const (
	EventCreate   = "create"
	EventStart    = "start"
	EventSubmit   = "submit"
	EventApprove  = "approve"
	EventReject   = "reject"
	EventSendBack = "send_back"
	EventCancel   = "cancel"
	EventResume   = "resume"
	EventHold     = "hold"
	EventComplete = "complete"
	EventFail     = "fail"
	EventExpire   = "expire"
	EventReset    = "reset"
)

// Step-level events. Submit, Approve, Reject, SendBack, Complete, Fail and
// Reset are shared with the workflow level.
const (
	EventEnter  = "enter"
	EventSave   = "save"
	EventSkip   = "skip"
	EventGoBack = "go_back"
)

// Transition granularity recorded on audit records.
const (
	TransitionTypeWorkflow = "workflow"
	TransitionTypeStep     = "step"
)

// TransitionDefinition is one declarative transition rule. An empty
// RequiredRole means any actor may trigger the event; an admin actor always
// passes the role check.
type TransitionDefinition struct {
	FromState    string `json:"from_state"`
	Event        string `json:"event"`
	ToState      string `json:"to_state"`
	RequiredRole string `json:"required_role,omitempty"`
	Description  string `json:"description"`
}

// TransitionResult describes a successfully applied workflow-level transition.
type TransitionResult struct {
	PreviousState string `json:"previous_state"`
	NewState      string `json:"new_state"`
	Description   string `json:"description,omitempty"`
}

// StepTransitionResult describes a successfully applied step-level transition.
// NextStepID is set when the step pointer moved; WorkflowCompleted reports
// that the final step finished and the whole workflow was completed.
type StepTransitionResult struct {
	PreviousStepStatus string `json:"previous_step_status"`
	NewStepStatus      string `json:"new_step_status"`
	NextStepID         string `json:"next_step_id,omitempty"`
	WorkflowCompleted  bool   `json:"workflow_completed"`
}

// WorkflowStatusInfo is user-facing display metadata for a workflow status.
// AvailableActions is role-independent UI guidance, not an authorization
// decision; role checks happen in the engine.
type WorkflowStatusInfo struct {
	Status           string   `json:"status"`
	DisplayName      string   `json:"display_name"`
	Description      string   `json:"description"`
	Color            string   `json:"color"`
	CanEdit          bool     `json:"can_edit"`
	CanSubmit        bool     `json:"can_submit"`
	CanCancel        bool     `json:"can_cancel"`
	AvailableActions []string `json:"available_actions"`
}
