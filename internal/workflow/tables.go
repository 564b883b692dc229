// Package workflow implements the certification transition engine: static
// transition tables, the step sequencer, and the stores that persist workflow
// instances and their audit trail.
package workflow

import (
	"fmt"
	"strings"

	"github.com/openattest/certflow/model"
)

type tableKey struct {
	state string
	event string
}

// Table is an immutable set of transition rules indexed by (state, event).
// Each pair maps to exactly one destination state; duplicates are a
// programming error caught at construction.
type Table struct {
	rules []model.TransitionDefinition
	index map[tableKey]model.TransitionDefinition
}

func newTable(rules []model.TransitionDefinition) *Table {
	t := &Table{
		rules: rules,
		index: make(map[tableKey]model.TransitionDefinition, len(rules)),
	}
	for _, r := range rules {
		key := tableKey{state: strings.ToLower(r.FromState), event: strings.ToLower(r.Event)}
		if dup, exists := t.index[key]; exists {
			panic(fmt.Sprintf(
				"workflow: duplicate transition rule (%s, %s): %s and %s",
				r.FromState, r.Event, dup.ToState, r.ToState,
			))
		}
		t.index[key] = r
	}
	return t
}

// Lookup returns the unique rule for the given state and event. State and
// event matching is case-insensitive.
func (t *Table) Lookup(state, event string) (model.TransitionDefinition, bool) {
	r, ok := t.index[tableKey{state: strings.ToLower(state), event: strings.ToLower(event)}]
	return r, ok
}

// From returns all rules whose from-state matches, in declaration order.
func (t *Table) From(state string) []model.TransitionDefinition {
	state = strings.ToLower(state)
	var result []model.TransitionDefinition
	for _, r := range t.rules {
		if strings.ToLower(r.FromState) == state {
			result = append(result, r)
		}
	}
	return result
}

// Rules returns all rules in declaration order. The returned slice must not
// be modified.
func (t *Table) Rules() []model.TransitionDefinition {
	return t.rules
}

// workflowRules is the workflow-level transition table. Expire and Fail are
// system events gated behind the admin role; the SLA sweep triggers them as
// the system actor.
var workflowRules = []model.TransitionDefinition{
	{FromState: model.WorkflowStatusDraft, Event: model.EventStart, ToState: model.WorkflowStatusInProgress,
		Description: "Begin working on the application"},
	{FromState: model.WorkflowStatusDraft, Event: model.EventCancel, ToState: model.WorkflowStatusCancelled,
		Description: "Discard the draft application"},

	{FromState: model.WorkflowStatusInProgress, Event: model.EventSubmit, ToState: model.WorkflowStatusPendingApproval,
		RequiredRole: model.RoleCustomer, Description: "Submit the application for review"},
	{FromState: model.WorkflowStatusInProgress, Event: model.EventHold, ToState: model.WorkflowStatusOnHold,
		Description: "Put the application on hold"},
	{FromState: model.WorkflowStatusInProgress, Event: model.EventCancel, ToState: model.WorkflowStatusCancelled,
		Description: "Cancel the application"},
	{FromState: model.WorkflowStatusInProgress, Event: model.EventComplete, ToState: model.WorkflowStatusCompleted,
		RequiredRole: model.RoleAdmin, Description: "Force-complete the application"},
	{FromState: model.WorkflowStatusInProgress, Event: model.EventFail, ToState: model.WorkflowStatusFailed,
		RequiredRole: model.RoleAdmin, Description: "Mark the application as failed"},
	{FromState: model.WorkflowStatusInProgress, Event: model.EventExpire, ToState: model.WorkflowStatusExpired,
		RequiredRole: model.RoleAdmin, Description: "Expire the application past its SLA deadline"},

	{FromState: model.WorkflowStatusOnHold, Event: model.EventResume, ToState: model.WorkflowStatusInProgress,
		Description: "Resume work on the application"},
	{FromState: model.WorkflowStatusOnHold, Event: model.EventCancel, ToState: model.WorkflowStatusCancelled,
		Description: "Cancel the held application"},
	{FromState: model.WorkflowStatusOnHold, Event: model.EventExpire, ToState: model.WorkflowStatusExpired,
		RequiredRole: model.RoleAdmin, Description: "Expire the held application past its SLA deadline"},

	{FromState: model.WorkflowStatusPendingApproval, Event: model.EventApprove, ToState: model.WorkflowStatusInProgress,
		RequiredRole: model.RoleReviewer, Description: "Approve the submission and continue"},
	{FromState: model.WorkflowStatusPendingApproval, Event: model.EventReject, ToState: model.WorkflowStatusRevision,
		RequiredRole: model.RoleReviewer, Description: "Reject the submission for revision"},
	{FromState: model.WorkflowStatusPendingApproval, Event: model.EventSendBack, ToState: model.WorkflowStatusInProgress,
		RequiredRole: model.RoleReviewer, Description: "Send the submission back for clarification"},
	{FromState: model.WorkflowStatusPendingApproval, Event: model.EventCancel, ToState: model.WorkflowStatusCancelled,
		Description: "Cancel the application under review"},
	{FromState: model.WorkflowStatusPendingApproval, Event: model.EventExpire, ToState: model.WorkflowStatusExpired,
		RequiredRole: model.RoleAdmin, Description: "Expire the submission past its SLA deadline"},

	{FromState: model.WorkflowStatusRevision, Event: model.EventSubmit, ToState: model.WorkflowStatusPendingApproval,
		RequiredRole: model.RoleCustomer, Description: "Resubmit the revised application"},
	{FromState: model.WorkflowStatusRevision, Event: model.EventResume, ToState: model.WorkflowStatusInProgress,
		Description: "Return to working on the application"},
	{FromState: model.WorkflowStatusRevision, Event: model.EventCancel, ToState: model.WorkflowStatusCancelled,
		Description: "Cancel the application in revision"},
	{FromState: model.WorkflowStatusRevision, Event: model.EventExpire, ToState: model.WorkflowStatusExpired,
		RequiredRole: model.RoleAdmin, Description: "Expire the application past its SLA deadline"},

	{FromState: model.WorkflowStatusCancelled, Event: model.EventReset, ToState: model.WorkflowStatusDraft,
		RequiredRole: model.RoleAdmin, Description: "Reset the cancelled application to draft"},
	{FromState: model.WorkflowStatusFailed, Event: model.EventReset, ToState: model.WorkflowStatusDraft,
		RequiredRole: model.RoleAdmin, Description: "Reset the failed application to draft"},
	{FromState: model.WorkflowStatusExpired, Event: model.EventReset, ToState: model.WorkflowStatusDraft,
		RequiredRole: model.RoleAdmin, Description: "Reset the expired application to draft"},
}

// stepRules is the step-level transition table. No role gating at this
// granularity; role checks happen at the workflow level and in the calling
// layer.
var stepRules = []model.TransitionDefinition{
	{FromState: model.StepStatusNotStarted, Event: model.EventEnter, ToState: model.StepStatusActive,
		Description: "Enter the step"},
	{FromState: model.StepStatusNotStarted, Event: model.EventSkip, ToState: model.StepStatusSkipped,
		Description: "Skip the step"},

	{FromState: model.StepStatusActive, Event: model.EventSave, ToState: model.StepStatusInProgress,
		Description: "Save step data"},
	{FromState: model.StepStatusActive, Event: model.EventSubmit, ToState: model.StepStatusCompleted,
		Description: "Submit the step"},
	{FromState: model.StepStatusActive, Event: model.EventApprove, ToState: model.StepStatusCompleted,
		Description: "Approve the step"},
	{FromState: model.StepStatusActive, Event: model.EventComplete, ToState: model.StepStatusCompleted,
		Description: "Complete the step"},
	{FromState: model.StepStatusActive, Event: model.EventSendBack, ToState: model.StepStatusSentBack,
		Description: "Send the step back"},
	{FromState: model.StepStatusActive, Event: model.EventSkip, ToState: model.StepStatusSkipped,
		Description: "Skip the active step"},
	{FromState: model.StepStatusActive, Event: model.EventGoBack, ToState: model.StepStatusNotStarted,
		Description: "Go back to the previous step"},
	{FromState: model.StepStatusActive, Event: model.EventFail, ToState: model.StepStatusFailed,
		Description: "Mark the step as failed"},

	{FromState: model.StepStatusInProgress, Event: model.EventSave, ToState: model.StepStatusInProgress,
		Description: "Save step data"},
	{FromState: model.StepStatusInProgress, Event: model.EventSubmit, ToState: model.StepStatusCompleted,
		Description: "Submit the step"},
	{FromState: model.StepStatusInProgress, Event: model.EventComplete, ToState: model.StepStatusCompleted,
		Description: "Complete the step"},
	{FromState: model.StepStatusInProgress, Event: model.EventGoBack, ToState: model.StepStatusNotStarted,
		Description: "Go back to the previous step"},
	{FromState: model.StepStatusInProgress, Event: model.EventFail, ToState: model.StepStatusFailed,
		Description: "Mark the step as failed"},

	{FromState: model.StepStatusSentBack, Event: model.EventEnter, ToState: model.StepStatusActive,
		Description: "Re-enter the sent-back step"},
	{FromState: model.StepStatusSentBack, Event: model.EventSave, ToState: model.StepStatusInProgress,
		Description: "Save revised step data"},
	{FromState: model.StepStatusSentBack, Event: model.EventSubmit, ToState: model.StepStatusCompleted,
		Description: "Resubmit the revised step"},

	{FromState: model.StepStatusPendingApproval, Event: model.EventApprove, ToState: model.StepStatusCompleted,
		Description: "Approve the step"},
	{FromState: model.StepStatusPendingApproval, Event: model.EventReject, ToState: model.StepStatusSentBack,
		Description: "Reject the step"},
	{FromState: model.StepStatusPendingApproval, Event: model.EventSendBack, ToState: model.StepStatusSentBack,
		Description: "Send the step back for clarification"},

	{FromState: model.StepStatusCompleted, Event: model.EventSendBack, ToState: model.StepStatusSentBack,
		Description: "Send the completed step back"},
	{FromState: model.StepStatusCompleted, Event: model.EventReset, ToState: model.StepStatusNotStarted,
		Description: "Reset the completed step"},
	{FromState: model.StepStatusSkipped, Event: model.EventReset, ToState: model.StepStatusNotStarted,
		Description: "Reset the skipped step"},
	{FromState: model.StepStatusFailed, Event: model.EventReset, ToState: model.StepStatusNotStarted,
		Description: "Reset the failed step"},
}

var (
	workflowTable = newTable(workflowRules)
	stepTable     = newTable(stepRules)
)

// WorkflowTable returns the static workflow-level transition table.
func WorkflowTable() *Table { return workflowTable }

// StepTable returns the static step-level transition table.
func StepTable() *Table { return stepTable }
