package workflow

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openattest/certflow/internal/observability"
	"github.com/openattest/certflow/model"
)

// DefinitionProvider supplies workflow definitions by ID. Read-only; the
// engine only consumes step order and overrides.
type DefinitionProvider interface {
	Definition(definitionID string) (model.WorkflowDefinition, bool)
}

// Engine validates and applies transitions against workflow instances. It
// performs no internal locking; callers must ensure at most one concurrent
// transition per instance, e.g. by holding a per-instance lock around the
// Attempt methods. Query methods are stateless and safe for concurrent use.
type Engine struct {
	workflowTable *Table
	stepTable     *Table
	definitions   DefinitionProvider
	instances     InstanceStore
	audit         AuditStore
	logger        *zap.Logger
	metrics       *observability.Metrics
}

// NewEngine creates a transition engine over the static tables. Logger and
// metrics may be nil.
func NewEngine(
	definitions DefinitionProvider,
	instances InstanceStore,
	audit AuditStore,
	logger *zap.Logger,
	metrics *observability.Metrics,
) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		workflowTable: WorkflowTable(),
		stepTable:     StepTable(),
		definitions:   definitions,
		instances:     instances,
		audit:         audit,
		logger:        logger,
		metrics:       metrics,
	}
}

// CreateInstance creates a new application in state draft, positioned at the
// definition's first step. The creation is recorded in the audit trail with
// the Create event.
func (e *Engine) CreateInstance(
	ctx context.Context,
	definitionID string,
	actor model.Actor,
) (model.WorkflowInstance, error) {
	def, ok := e.definitions.Definition(definitionID)
	if !ok {
		return model.WorkflowInstance{}, model.NewNotFoundError(
			fmt.Sprintf("workflow definition %q not found", definitionID),
		)
	}

	now := time.Now().UTC()
	var deadline *time.Time
	if def.SLA != "" {
		if dur, err := time.ParseDuration(def.SLA); err == nil {
			d := now.Add(dur)
			deadline = &d
		}
	}

	inst := model.WorkflowInstance{
		ID:            uuid.New().String(),
		DefinitionID:  definitionID,
		Status:        model.WorkflowStatusDraft,
		CurrentStep:   def.InitialStep(),
		AssignedActor: actor.ID,
		StartedAt:     now,
		SLADeadline:   deadline,
		CreatedAt:     now,
		UpdatedAt:     now,
		Version:       1,
	}

	if err := e.instances.Create(ctx, inst); err != nil {
		return model.WorkflowInstance{}, err
	}

	if e.metrics != nil {
		e.metrics.RecordInstanceCreated(definitionID)
	}

	e.appendAudit(ctx, model.TransitionAuditRecord{
		ID:                 uuid.New().String(),
		WorkflowInstanceID: inst.ID,
		TransitionType:     model.TransitionTypeWorkflow,
		FromState:          "",
		ToState:            model.WorkflowStatusDraft,
		Event:              model.EventCreate,
		TriggeredBy:        actor.ID,
		TriggeredByRole:    actor.Role,
		Timestamp:          now,
	})

	return inst, nil
}

// AttemptWorkflowTransition validates and applies a workflow-level transition.
// On failure the instance is not mutated and no audit record is written. On
// success the instance is persisted first; the audit write is best-effort and
// its failure is logged but does not roll back the committed state.
func (e *Engine) AttemptWorkflowTransition(
	ctx context.Context,
	inst *model.WorkflowInstance,
	event string,
	actor model.Actor,
	comments string,
) (model.TransitionResult, error) {
	ctx, span := observability.StartSpan(ctx, "engine.workflow_transition",
		observability.AttrInstanceID.String(inst.ID),
		observability.AttrEvent.String(event),
	)
	var err error
	defer func() { observability.EndSpanWithError(span, err) }()

	rule, ok := e.workflowTable.Lookup(inst.Status, event)
	if !ok {
		err = model.NewInvalidTransitionError(fmt.Sprintf(
			"no transition from state %q with event %q", inst.Status, event,
		))
		e.record(model.TransitionTypeWorkflow, event, "invalid")
		return model.TransitionResult{}, err
	}

	if !roleAllowed(rule, actor) {
		err = model.NewForbiddenError(fmt.Sprintf(
			"insufficient permissions: event %q from state %q requires role %q",
			event, inst.Status, rule.RequiredRole,
		))
		e.record(model.TransitionTypeWorkflow, event, "forbidden")
		return model.TransitionResult{}, err
	}

	prevStatus := inst.Status
	prevCompletedAt := inst.CompletedAt
	prevUpdatedAt := inst.UpdatedAt
	now := time.Now().UTC()

	inst.Status = rule.ToState
	if rule.ToState == model.WorkflowStatusCompleted {
		inst.CompletedAt = &now
	}
	inst.UpdatedAt = now

	if err = e.instances.Update(ctx, inst); err != nil {
		// The save failed; nothing is committed. Restore the caller's copy.
		inst.Status = prevStatus
		inst.CompletedAt = prevCompletedAt
		inst.UpdatedAt = prevUpdatedAt
		e.record(model.TransitionTypeWorkflow, event, "error")
		return model.TransitionResult{}, err
	}

	e.appendAudit(ctx, model.TransitionAuditRecord{
		ID:                 uuid.New().String(),
		WorkflowInstanceID: inst.ID,
		TransitionType:     model.TransitionTypeWorkflow,
		FromState:          prevStatus,
		ToState:            rule.ToState,
		Event:              rule.Event,
		TriggeredBy:        actor.ID,
		TriggeredByRole:    actor.Role,
		Timestamp:          now,
		Comments:           comments,
	})

	e.record(model.TransitionTypeWorkflow, event, "applied")
	if rule.ToState == model.WorkflowStatusCompleted && e.metrics != nil {
		e.metrics.RecordWorkflowCompletion(inst.DefinitionID)
	}
	e.logger.Info("workflow transition applied",
		zap.String("instance_id", inst.ID),
		zap.String("event", rule.Event),
		zap.String("from", prevStatus),
		zap.String("to", rule.ToState),
		zap.String("triggered_by", actor.ID),
	)

	return model.TransitionResult{
		PreviousState: prevStatus,
		NewState:      rule.ToState,
		Description:   rule.Description,
	}, nil
}

// AttemptStepTransition validates and applies a step-level transition. A
// transition resolving to the completed status appends an immutable history
// entry and advances the step pointer via the sequencer; completing the last
// defined step completes the whole workflow. GoBack moves the pointer to the
// previous step from history, or is a pointer no-op (still audited, with
// fromState equal to toState) when no prior step exists.
func (e *Engine) AttemptStepTransition(
	ctx context.Context,
	inst *model.WorkflowInstance,
	stepID string,
	event string,
	actor model.Actor,
	formData map[string]any,
) (model.StepTransitionResult, error) {
	ctx, span := observability.StartSpan(ctx, "engine.step_transition",
		observability.AttrInstanceID.String(inst.ID),
		observability.AttrStepID.String(stepID),
		observability.AttrEvent.String(event),
	)
	var err error
	defer func() { observability.EndSpanWithError(span, err) }()

	prevStatus := StepStatus(inst, stepID)
	rule, ok := e.stepTable.Lookup(prevStatus, event)
	if !ok {
		err = model.NewInvalidTransitionError(fmt.Sprintf(
			"no step transition from status %q with event %q", prevStatus, event,
		))
		e.record(model.TransitionTypeStep, event, "invalid")
		return model.StepTransitionResult{}, err
	}

	res := model.StepTransitionResult{
		PreviousStepStatus: prevStatus,
		NewStepStatus:      rule.ToState,
	}
	now := time.Now().UTC()
	auditTo := rule.ToState
	auditComments := ""

	prev := *inst
	prevHistoryLen := len(inst.StepHistory)

	switch {
	case rule.ToState == model.StepStatusCompleted:
		def, found := e.definitions.Definition(inst.DefinitionID)
		if !found {
			err = model.NewNotFoundError(fmt.Sprintf(
				"workflow definition %q not found", inst.DefinitionID,
			))
			return model.StepTransitionResult{}, err
		}

		var next string
		next, err = NextStep(def, stepID)
		if err != nil {
			return model.StepTransitionResult{}, err
		}

		inst.StepHistory = append(inst.StepHistory, model.StepHistoryEntry{
			StepID:        stepID,
			CompletedAt:   now,
			CompletedBy:   actor.ID,
			ActorRole:     actor.Role,
			DataSnapshot:  formData,
			ChangedFields: changedFields(prev.LastSnapshot(stepID), formData),
			Decision:      decisionForEvent(rule.Event),
		})

		res.NextStepID = next
		if next == model.TerminalStep {
			inst.Status = model.WorkflowStatusCompleted
			inst.CurrentStep = model.TerminalStep
			inst.CompletedAt = &now
			res.WorkflowCompleted = true
		} else {
			inst.CurrentStep = next
		}

	case strings.EqualFold(rule.Event, model.EventGoBack):
		if prevStep, found := PreviousStep(inst, stepID); found {
			inst.CurrentStep = prevStep
			res.NextStepID = prevStep
		} else {
			// Pointer no-op: recorded in the trail as from==to rather
			// than failed, so rollback attempts stay visible.
			auditTo = prevStatus
			auditComments = "no previous step"
			res.NewStepStatus = prevStatus
		}
	}

	inst.UpdatedAt = now

	if err = e.instances.Update(ctx, inst); err != nil {
		restoreInstance(inst, &prev, prevHistoryLen)
		e.record(model.TransitionTypeStep, event, "error")
		return model.StepTransitionResult{}, err
	}

	e.appendAudit(ctx, model.TransitionAuditRecord{
		ID:                 uuid.New().String(),
		WorkflowInstanceID: inst.ID,
		StepID:             stepID,
		TransitionType:     model.TransitionTypeStep,
		FromState:          prevStatus,
		ToState:            auditTo,
		Event:              rule.Event,
		TriggeredBy:        actor.ID,
		TriggeredByRole:    actor.Role,
		Timestamp:          now,
		Comments:           auditComments,
		DataSnapshot:       formData,
	})

	e.record(model.TransitionTypeStep, event, "applied")
	if res.WorkflowCompleted && e.metrics != nil {
		e.metrics.RecordWorkflowCompletion(inst.DefinitionID)
	}
	if len(formData) > 0 {
		e.logger.Debug("step form data",
			zap.String("instance_id", inst.ID),
			zap.String("step_id", stepID),
			zap.Any("form_data", observability.RedactBody(formData, nil)),
		)
	}
	e.logger.Info("step transition applied",
		zap.String("instance_id", inst.ID),
		zap.String("step_id", stepID),
		zap.String("event", rule.Event),
		zap.String("from", prevStatus),
		zap.String("to", auditTo),
		zap.Bool("workflow_completed", res.WorkflowCompleted),
	)

	return res, nil
}

// CanTransition reports whether the given event is currently legal for the
// instance and actor. No side effects.
func (e *Engine) CanTransition(inst *model.WorkflowInstance, event string, actor model.Actor) bool {
	rule, ok := e.workflowTable.Lookup(inst.Status, event)
	return ok && roleAllowed(rule, actor)
}

// CanStepTransition reports whether the given step event is currently legal.
func (e *Engine) CanStepTransition(inst *model.WorkflowInstance, stepID, event string) bool {
	_, ok := e.stepTable.Lookup(StepStatus(inst, stepID), event)
	return ok
}

// AvailableTransitions returns the workflow rules applicable from the
// instance's current state, filtered by role visibility: an admin sees all
// rules, other actors see rules with no role requirement or a matching role.
func (e *Engine) AvailableTransitions(inst *model.WorkflowInstance, role string) []model.TransitionDefinition {
	var result []model.TransitionDefinition
	for _, rule := range e.workflowTable.From(inst.Status) {
		if rule.RequiredRole == "" || role == model.RoleAdmin || rule.RequiredRole == role {
			result = append(result, rule)
		}
	}
	return result
}

// AvailableStepEvents returns the events currently legal for the given step.
func (e *Engine) AvailableStepEvents(inst *model.WorkflowInstance, stepID string) []string {
	var events []string
	for _, rule := range e.stepTable.From(StepStatus(inst, stepID)) {
		events = append(events, rule.Event)
	}
	return events
}

// TransitionHistory returns the instance's audit trail, newest first.
func (e *Engine) TransitionHistory(ctx context.Context, instanceID string) ([]model.TransitionAuditRecord, error) {
	return e.audit.ListByInstance(ctx, instanceID)
}

// ProcessExpired applies the Expire event as the system actor to every
// instance whose SLA deadline has passed. Instances whose current state has
// no Expire rule are skipped. Errors on individual instances are logged and
// do not stop the sweep.
func (e *Engine) ProcessExpired(ctx context.Context) error {
	now := time.Now().UTC()
	expired, err := e.instances.FindExpired(ctx, now)
	if err != nil {
		return fmt.Errorf("find expired instances: %w", err)
	}

	for i := range expired {
		inst := expired[i]
		if !e.CanTransition(&inst, model.EventExpire, model.SystemActor) {
			continue
		}
		if _, err := e.AttemptWorkflowTransition(ctx, &inst, model.EventExpire, model.SystemActor, "sla deadline passed"); err != nil {
			e.logger.Warn("sla expiry failed",
				zap.String("instance_id", inst.ID),
				zap.Error(err),
			)
			continue
		}
		if e.metrics != nil {
			e.metrics.SLAExpiriesTotal.Inc()
		}
	}
	return nil
}

// StepStatus derives a step's status from the instance: completed if the step
// appears in the history, active if it is the current step, not_started
// otherwise. The status is deliberately not stored, avoiding a second source
// of truth.
func StepStatus(inst *model.WorkflowInstance, stepID string) string {
	if inst.HasCompletedStep(stepID) {
		return model.StepStatusCompleted
	}
	if inst.CurrentStep == stepID {
		return model.StepStatusActive
	}
	return model.StepStatusNotStarted
}

// roleAllowed checks a rule's role requirement. An admin actor is always
// authorized; this is an explicit special case, not a role hierarchy.
func roleAllowed(rule model.TransitionDefinition, actor model.Actor) bool {
	if rule.RequiredRole == "" {
		return true
	}
	return actor.IsAdmin() || actor.Role == rule.RequiredRole
}

// appendAudit writes a record to the trail. Failure is logged and swallowed:
// the durable state mutation is authoritative even if its audit shadow fails.
func (e *Engine) appendAudit(ctx context.Context, rec model.TransitionAuditRecord) {
	if err := e.audit.Append(ctx, rec); err != nil {
		if e.metrics != nil {
			e.metrics.AuditWriteFailuresTotal.Inc()
		}
		e.logger.Warn("audit append failed",
			zap.String("instance_id", rec.WorkflowInstanceID),
			zap.String("event", rec.Event),
			zap.Error(err),
		)
	}
}

func (e *Engine) record(transitionType, event, result string) {
	if e.metrics != nil {
		e.metrics.TransitionsTotal.WithLabelValues(transitionType, event, result).Inc()
	}
}

// changedFields diffs the new snapshot against the step's prior snapshot and
// returns the keys whose values were added or changed, sorted.
func changedFields(prior, current map[string]any) []string {
	if len(current) == 0 {
		return nil
	}
	var changed []string
	for k, v := range current {
		old, existed := prior[k]
		if !existed || fmt.Sprint(old) != fmt.Sprint(v) {
			changed = append(changed, k)
		}
	}
	sort.Strings(changed)
	return changed
}

// decisionForEvent maps review events to recorded decisions. Plain submits
// and completions carry no decision.
func decisionForEvent(event string) string {
	switch strings.ToLower(event) {
	case model.EventApprove:
		return model.DecisionApprove
	case model.EventReject:
		return model.DecisionReject
	case model.EventSendBack:
		return model.DecisionSendBack
	default:
		return ""
	}
}

// restoreInstance undoes in-memory mutations after a failed save so the
// caller's copy does not drift from the store.
func restoreInstance(inst, prev *model.WorkflowInstance, historyLen int) {
	inst.Status = prev.Status
	inst.CurrentStep = prev.CurrentStep
	inst.CompletedAt = prev.CompletedAt
	inst.UpdatedAt = prev.UpdatedAt
	inst.StepHistory = inst.StepHistory[:historyLen]
}
