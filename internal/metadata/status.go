// Package metadata provides display-oriented descriptions of workflow and
// step statuses for client rendering. The capability flags and available
// actions are derived from the same transition table the engine enforces, so
// the two can never disagree.
package metadata

import (
	"sort"

	"github.com/openattest/certflow/internal/workflow"
	"github.com/openattest/certflow/model"
)

// statusDisplay is the static presentation data for a workflow status.
type statusDisplay struct {
	DisplayName string
	Description string
	Color       string
	CanEdit     bool
	CanSubmit   bool
}

var workflowStatusDisplay = map[string]statusDisplay{
	model.WorkflowStatusDraft: {
		DisplayName: "Draft",
		Description: "The application has been created but not yet started.",
		Color:       "gray",
		CanEdit:     true,
	},
	model.WorkflowStatusInProgress: {
		DisplayName: "In Progress",
		Description: "The application is being filled in.",
		Color:       "blue",
		CanEdit:     true,
		CanSubmit:   true,
	},
	model.WorkflowStatusOnHold: {
		DisplayName: "On Hold",
		Description: "The application is paused and can be resumed.",
		Color:       "yellow",
	},
	model.WorkflowStatusPendingApproval: {
		DisplayName: "Pending Approval",
		Description: "The application is awaiting review.",
		Color:       "orange",
	},
	model.WorkflowStatusRevision: {
		DisplayName: "Revision",
		Description: "The application was sent back and needs changes.",
		Color:       "purple",
		CanEdit:     true,
		CanSubmit:   true,
	},
	model.WorkflowStatusCompleted: {
		DisplayName: "Completed",
		Description: "The application finished successfully.",
		Color:       "green",
	},
	model.WorkflowStatusCancelled: {
		DisplayName: "Cancelled",
		Description: "The application was cancelled.",
		Color:       "red",
	},
	model.WorkflowStatusFailed: {
		DisplayName: "Failed",
		Description: "The application failed.",
		Color:       "red",
	},
	model.WorkflowStatusExpired: {
		DisplayName: "Expired",
		Description: "The application passed its deadline without completing.",
		Color:       "red",
	},
}

var stepStatusDisplay = map[string]statusDisplay{
	model.StepStatusNotStarted:      {DisplayName: "Not Started", Color: "gray"},
	model.StepStatusActive:          {DisplayName: "Active", Color: "blue"},
	model.StepStatusInProgress:      {DisplayName: "In Progress", Color: "blue"},
	model.StepStatusSentBack:        {DisplayName: "Sent Back", Color: "purple"},
	model.StepStatusPendingApproval: {DisplayName: "Pending Approval", Color: "orange"},
	model.StepStatusCompleted:       {DisplayName: "Completed", Color: "green"},
	model.StepStatusSkipped:         {DisplayName: "Skipped", Color: "gray"},
	model.StepStatusFailed:          {DisplayName: "Failed", Color: "red"},
}

// StatusProvider resolves workflow statuses into display metadata. Actions
// are derived from the workflow transition table at construction time.
type StatusProvider struct {
	actions map[string][]string // status -> sorted event names
}

// NewStatusProvider creates a StatusProvider backed by the workflow
// transition table.
func NewStatusProvider() *StatusProvider {
	actions := make(map[string][]string)
	for _, rule := range workflow.WorkflowTable().Rules() {
		actions[rule.FromState] = append(actions[rule.FromState], rule.Event)
	}
	for state := range actions {
		sort.Strings(actions[state])
	}
	return &StatusProvider{actions: actions}
}

// StatusInfo returns display metadata for a workflow status. The second
// return is false for unknown statuses.
func (p *StatusProvider) StatusInfo(status string) (model.WorkflowStatusInfo, bool) {
	display, ok := workflowStatusDisplay[status]
	if !ok {
		return model.WorkflowStatusInfo{}, false
	}

	events := p.actions[status]
	actions := make([]string, len(events))
	copy(actions, events)

	return model.WorkflowStatusInfo{
		Status:           status,
		DisplayName:      display.DisplayName,
		Description:      display.Description,
		Color:            display.Color,
		CanEdit:          display.CanEdit,
		CanSubmit:        display.CanSubmit,
		CanCancel:        containsEvent(events, model.EventCancel),
		AvailableActions: actions,
	}, true
}

// AllStatuses returns display metadata for every known workflow status,
// sorted by status name.
func (p *StatusProvider) AllStatuses() []model.WorkflowStatusInfo {
	result := make([]model.WorkflowStatusInfo, 0, len(workflowStatusDisplay))
	for status := range workflowStatusDisplay {
		info, _ := p.StatusInfo(status)
		result = append(result, info)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Status < result[j].Status
	})
	return result
}

// StepStatusName returns the display name for a step status, or the raw
// status string if it is unknown.
func StepStatusName(status string) string {
	if display, ok := stepStatusDisplay[status]; ok {
		return display.DisplayName
	}
	return status
}

func containsEvent(events []string, event string) bool {
	for _, e := range events {
		if e == event {
			return true
		}
	}
	return false
}
