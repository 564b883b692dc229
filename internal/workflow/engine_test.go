package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/openattest/certflow/internal/definition"
	"github.com/openattest/certflow/internal/observability"
	"github.com/openattest/certflow/model"
)

// --- Test helpers ---

var (
	customer = model.Actor{ID: "user-alice", Role: model.RoleCustomer}
	reviewer = model.Actor{ID: "user-bob", Role: model.RoleReviewer}
	admin    = model.Actor{ID: "user-root", Role: model.RoleAdmin}
)

func testDefinitions() []model.WorkflowDefinition {
	return []model.WorkflowDefinition{
		{
			ID:   "cert.basic",
			Name: "Basic Certification",
			SLA:  "72h",
			Steps: []model.StepDefinition{
				{ID: "application", Name: "Application Form"},
				{ID: "documents", Name: "Document Upload"},
				{ID: "review", Name: "Final Review"},
			},
		},
		{
			ID:   "cert.express",
			Name: "Express Certification",
			Steps: []model.StepDefinition{
				{ID: "application", Name: "Application Form", Next: "review"},
				{ID: "documents", Name: "Document Upload"},
				{ID: "review", Name: "Final Review"},
			},
		},
	}
}

func newTestEngine(t *testing.T) (*Engine, *MemoryInstanceStore, *MemoryAuditStore) {
	t.Helper()
	instStore := NewMemoryInstanceStore()
	auditStore := NewMemoryAuditStore()
	reg := definition.NewRegistry(testDefinitions())
	engine := NewEngine(reg, instStore, auditStore, zap.NewNop(), nil)
	return engine, instStore, auditStore
}

func mustCreate(t *testing.T, engine *Engine, definitionID string, actor model.Actor) model.WorkflowInstance {
	t.Helper()
	inst, err := engine.CreateInstance(context.Background(), definitionID, actor)
	if err != nil {
		t.Fatalf("CreateInstance error: %v", err)
	}
	return inst
}

// failingInstanceStore fails every write.
type failingInstanceStore struct {
	*MemoryInstanceStore
}

func (s *failingInstanceStore) Update(_ context.Context, _ *model.WorkflowInstance) error {
	return model.NewInternalError()
}

// failingAuditStore fails every append.
type failingAuditStore struct {
	*MemoryAuditStore
}

func (s *failingAuditStore) Append(_ context.Context, _ model.TransitionAuditRecord) error {
	return model.NewInternalError()
}

// --- CreateInstance ---

func TestEngine_CreateInstance(t *testing.T) {
	engine, store, audit := newTestEngine(t)
	ctx := context.Background()

	inst, err := engine.CreateInstance(ctx, "cert.basic", customer)
	if err != nil {
		t.Fatalf("CreateInstance error: %v", err)
	}
	if inst.ID == "" {
		t.Error("expected non-empty instance ID")
	}
	if inst.Status != model.WorkflowStatusDraft {
		t.Errorf("Status = %q, want draft", inst.Status)
	}
	if inst.CurrentStep != "application" {
		t.Errorf("CurrentStep = %q, want application", inst.CurrentStep)
	}
	if inst.AssignedActor != customer.ID {
		t.Errorf("AssignedActor = %q", inst.AssignedActor)
	}
	if inst.SLADeadline == nil {
		t.Error("expected SLADeadline to be set (72h SLA)")
	}
	if inst.Version != 1 {
		t.Errorf("Version = %d, want 1", inst.Version)
	}
	if store.Len() != 1 {
		t.Errorf("store.Len() = %d", store.Len())
	}

	records, _ := audit.ListByInstance(ctx, inst.ID)
	if len(records) != 1 {
		t.Fatalf("audit records = %d, want 1", len(records))
	}
	rec := records[0]
	if rec.Event != model.EventCreate {
		t.Errorf("Event = %q, want create", rec.Event)
	}
	if rec.FromState != "" || rec.ToState != model.WorkflowStatusDraft {
		t.Errorf("FromState=%q ToState=%q, want \"\" -> draft", rec.FromState, rec.ToState)
	}
	if rec.TransitionType != model.TransitionTypeWorkflow {
		t.Errorf("TransitionType = %q", rec.TransitionType)
	}
	if rec.TriggeredBy != customer.ID || rec.TriggeredByRole != model.RoleCustomer {
		t.Errorf("TriggeredBy=%q role=%q", rec.TriggeredBy, rec.TriggeredByRole)
	}
}

func TestEngine_CreateInstance_unknownDefinition(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	_, err := engine.CreateInstance(context.Background(), "cert.nonexistent", customer)
	if err == nil {
		t.Fatal("expected error")
	}
	if model.ErrorCode(err) != model.ErrNotFound {
		t.Errorf("code = %s", model.ErrorCode(err))
	}
}

// --- AttemptWorkflowTransition ---

func TestEngine_WorkflowTransition_applied(t *testing.T) {
	engine, store, audit := newTestEngine(t)
	ctx := context.Background()
	inst := mustCreate(t, engine, "cert.basic", customer)

	result, err := engine.AttemptWorkflowTransition(ctx, &inst, model.EventStart, customer, "")
	if err != nil {
		t.Fatalf("AttemptWorkflowTransition error: %v", err)
	}
	if result.PreviousState != model.WorkflowStatusDraft {
		t.Errorf("PreviousState = %q", result.PreviousState)
	}
	if result.NewState != model.WorkflowStatusInProgress {
		t.Errorf("NewState = %q", result.NewState)
	}
	if inst.Status != model.WorkflowStatusInProgress {
		t.Errorf("inst.Status = %q", inst.Status)
	}
	if inst.Version != 2 {
		t.Errorf("Version = %d, want 2 after update", inst.Version)
	}

	stored, _ := store.Get(ctx, inst.ID)
	if stored.Status != model.WorkflowStatusInProgress {
		t.Errorf("stored.Status = %q", stored.Status)
	}

	// Newest record first.
	records, _ := audit.ListByInstance(ctx, inst.ID)
	if len(records) != 2 {
		t.Fatalf("audit records = %d, want 2", len(records))
	}
	if records[0].Event != model.EventStart {
		t.Errorf("records[0].Event = %q, want start", records[0].Event)
	}
	if records[1].Event != model.EventCreate {
		t.Errorf("records[1].Event = %q, want create", records[1].Event)
	}
}

func TestEngine_WorkflowTransition_invalidPairRejected(t *testing.T) {
	engine, _, audit := newTestEngine(t)
	ctx := context.Background()
	inst := mustCreate(t, engine, "cert.basic", customer)

	_, err := engine.AttemptWorkflowTransition(ctx, &inst, model.EventSubmit, customer, "")
	if err == nil {
		t.Fatal("expected error: draft has no submit rule")
	}
	if model.ErrorCode(err) != model.ErrInvalidTransition {
		t.Errorf("code = %s", model.ErrorCode(err))
	}
	if inst.Status != model.WorkflowStatusDraft {
		t.Errorf("instance mutated on rejected transition: Status = %q", inst.Status)
	}

	// Only the creation record exists; failed attempts are not audited.
	records, _ := audit.ListByInstance(ctx, inst.ID)
	if len(records) != 1 {
		t.Errorf("audit records = %d, want 1", len(records))
	}
}

func TestEngine_WorkflowTransition_roleEnforced(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()
	inst := mustCreate(t, engine, "cert.basic", customer)
	if _, err := engine.AttemptWorkflowTransition(ctx, &inst, model.EventStart, customer, ""); err != nil {
		t.Fatalf("start: %v", err)
	}

	// submit requires the customer role.
	_, err := engine.AttemptWorkflowTransition(ctx, &inst, model.EventSubmit, reviewer, "")
	if err == nil {
		t.Fatal("expected forbidden error for reviewer submit")
	}
	if model.ErrorCode(err) != model.ErrForbidden {
		t.Errorf("code = %s", model.ErrorCode(err))
	}
	if inst.Status != model.WorkflowStatusInProgress {
		t.Errorf("instance mutated on forbidden transition: Status = %q", inst.Status)
	}

	if _, err := engine.AttemptWorkflowTransition(ctx, &inst, model.EventSubmit, customer, ""); err != nil {
		t.Fatalf("customer submit: %v", err)
	}
	if inst.Status != model.WorkflowStatusPendingApproval {
		t.Errorf("Status = %q, want pending_approval", inst.Status)
	}
}

func TestEngine_WorkflowTransition_adminBypassesRoleCheck(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()
	inst := mustCreate(t, engine, "cert.basic", customer)
	if _, err := engine.AttemptWorkflowTransition(ctx, &inst, model.EventStart, admin, ""); err != nil {
		t.Fatalf("start: %v", err)
	}

	// submit requires customer; admin may trigger any rule.
	if _, err := engine.AttemptWorkflowTransition(ctx, &inst, model.EventSubmit, admin, ""); err != nil {
		t.Fatalf("admin submit: %v", err)
	}

	// approve requires reviewer; admin again.
	if _, err := engine.AttemptWorkflowTransition(ctx, &inst, model.EventApprove, admin, ""); err != nil {
		t.Fatalf("admin approve: %v", err)
	}
	if inst.Status != model.WorkflowStatusInProgress {
		t.Errorf("Status = %q", inst.Status)
	}
}

func TestEngine_WorkflowTransition_completedStampsTimestamp(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()
	inst := mustCreate(t, engine, "cert.basic", customer)
	if _, err := engine.AttemptWorkflowTransition(ctx, &inst, model.EventStart, customer, ""); err != nil {
		t.Fatalf("start: %v", err)
	}

	if _, err := engine.AttemptWorkflowTransition(ctx, &inst, model.EventComplete, admin, "forced"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if inst.Status != model.WorkflowStatusCompleted {
		t.Errorf("Status = %q", inst.Status)
	}
	if inst.CompletedAt == nil {
		t.Error("expected CompletedAt to be set")
	}
}

func TestEngine_WorkflowTransition_persistenceFailureRestoresInstance(t *testing.T) {
	instStore := &failingInstanceStore{NewMemoryInstanceStore()}
	auditStore := NewMemoryAuditStore()
	reg := definition.NewRegistry(testDefinitions())
	engine := NewEngine(reg, instStore, auditStore, zap.NewNop(), nil)
	ctx := context.Background()

	inst := model.WorkflowInstance{
		ID:           "inst-1",
		DefinitionID: "cert.basic",
		Status:       model.WorkflowStatusDraft,
		CurrentStep:  "application",
		Version:      1,
	}

	_, err := engine.AttemptWorkflowTransition(ctx, &inst, model.EventStart, customer, "")
	if err == nil {
		t.Fatal("expected error from failing store")
	}
	if inst.Status != model.WorkflowStatusDraft {
		t.Errorf("Status = %q, want draft restored", inst.Status)
	}
	if inst.CompletedAt != nil {
		t.Error("CompletedAt should not be set")
	}

	records, _ := auditStore.ListByInstance(ctx, inst.ID)
	if len(records) != 0 {
		t.Errorf("audit records = %d, want 0 on failed save", len(records))
	}
}

func TestEngine_WorkflowTransition_auditFailureIsSwallowed(t *testing.T) {
	instStore := NewMemoryInstanceStore()
	auditStore := &failingAuditStore{NewMemoryAuditStore()}
	reg := definition.NewRegistry(testDefinitions())
	engine := NewEngine(reg, instStore, auditStore, zap.NewNop(), nil)
	ctx := context.Background()

	inst, err := engine.CreateInstance(ctx, "cert.basic", customer)
	if err != nil {
		t.Fatalf("CreateInstance error: %v", err)
	}

	// The state change commits even though the audit write fails.
	if _, err := engine.AttemptWorkflowTransition(ctx, &inst, model.EventStart, customer, ""); err != nil {
		t.Fatalf("AttemptWorkflowTransition error: %v", err)
	}
	stored, _ := instStore.Get(ctx, inst.ID)
	if stored.Status != model.WorkflowStatusInProgress {
		t.Errorf("stored.Status = %q", stored.Status)
	}
}

// --- AttemptStepTransition ---

func advanceToInProgress(t *testing.T, engine *Engine, inst *model.WorkflowInstance) {
	t.Helper()
	if _, err := engine.AttemptWorkflowTransition(context.Background(), inst, model.EventStart, customer, ""); err != nil {
		t.Fatalf("start: %v", err)
	}
}

func TestEngine_StepTransition_submitCompletesAndAdvances(t *testing.T) {
	engine, store, audit := newTestEngine(t)
	ctx := context.Background()
	inst := mustCreate(t, engine, "cert.basic", customer)
	advanceToInProgress(t, engine, &inst)

	formData := map[string]any{"company": "Acme", "product": "Widget"}
	res, err := engine.AttemptStepTransition(ctx, &inst, "application", model.EventSubmit, customer, formData)
	if err != nil {
		t.Fatalf("AttemptStepTransition error: %v", err)
	}
	if res.PreviousStepStatus != model.StepStatusActive {
		t.Errorf("PreviousStepStatus = %q", res.PreviousStepStatus)
	}
	if res.NewStepStatus != model.StepStatusCompleted {
		t.Errorf("NewStepStatus = %q", res.NewStepStatus)
	}
	if res.NextStepID != "documents" {
		t.Errorf("NextStepID = %q, want documents", res.NextStepID)
	}
	if res.WorkflowCompleted {
		t.Error("WorkflowCompleted should be false")
	}
	if inst.CurrentStep != "documents" {
		t.Errorf("CurrentStep = %q", inst.CurrentStep)
	}

	if len(inst.StepHistory) != 1 {
		t.Fatalf("StepHistory len = %d, want 1", len(inst.StepHistory))
	}
	entry := inst.StepHistory[0]
	if entry.StepID != "application" {
		t.Errorf("entry.StepID = %q", entry.StepID)
	}
	if entry.CompletedBy != customer.ID || entry.ActorRole != model.RoleCustomer {
		t.Errorf("entry.CompletedBy=%q role=%q", entry.CompletedBy, entry.ActorRole)
	}
	if entry.DataSnapshot["company"] != "Acme" {
		t.Errorf("DataSnapshot = %v", entry.DataSnapshot)
	}
	if len(entry.ChangedFields) != 2 || entry.ChangedFields[0] != "company" || entry.ChangedFields[1] != "product" {
		t.Errorf("ChangedFields = %v", entry.ChangedFields)
	}
	if entry.Decision != "" {
		t.Errorf("Decision = %q, want empty for plain submit", entry.Decision)
	}

	stored, _ := store.Get(ctx, inst.ID)
	if len(stored.StepHistory) != 1 {
		t.Errorf("stored history len = %d", len(stored.StepHistory))
	}

	records, _ := audit.ListByInstance(ctx, inst.ID)
	rec := records[0]
	if rec.TransitionType != model.TransitionTypeStep {
		t.Errorf("TransitionType = %q", rec.TransitionType)
	}
	if rec.StepID != "application" {
		t.Errorf("StepID = %q", rec.StepID)
	}
	if rec.FromState != model.StepStatusActive || rec.ToState != model.StepStatusCompleted {
		t.Errorf("audit %q -> %q", rec.FromState, rec.ToState)
	}
	if rec.DataSnapshot["product"] != "Widget" {
		t.Errorf("audit DataSnapshot = %v", rec.DataSnapshot)
	}
}

func TestEngine_StepTransition_approveRecordsDecision(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()
	inst := mustCreate(t, engine, "cert.basic", reviewer)
	advanceToInProgress(t, engine, &inst)

	if _, err := engine.AttemptStepTransition(ctx, &inst, "application", model.EventApprove, reviewer, nil); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if inst.StepHistory[0].Decision != model.DecisionApprove {
		t.Errorf("Decision = %q, want approve", inst.StepHistory[0].Decision)
	}
}

func TestEngine_StepTransition_lastStepCompletesWorkflow(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()
	inst := mustCreate(t, engine, "cert.basic", customer)
	advanceToInProgress(t, engine, &inst)

	for _, step := range []string{"application", "documents"} {
		if _, err := engine.AttemptStepTransition(ctx, &inst, step, model.EventSubmit, customer, nil); err != nil {
			t.Fatalf("submit %s: %v", step, err)
		}
	}

	res, err := engine.AttemptStepTransition(ctx, &inst, "review", model.EventSubmit, customer, nil)
	if err != nil {
		t.Fatalf("submit review: %v", err)
	}
	if !res.WorkflowCompleted {
		t.Error("expected WorkflowCompleted")
	}
	if res.NextStepID != model.TerminalStep {
		t.Errorf("NextStepID = %q", res.NextStepID)
	}
	if inst.Status != model.WorkflowStatusCompleted {
		t.Errorf("Status = %q", inst.Status)
	}
	if inst.CurrentStep != model.TerminalStep {
		t.Errorf("CurrentStep = %q", inst.CurrentStep)
	}
	if inst.CompletedAt == nil {
		t.Error("expected CompletedAt to be set")
	}
}

func TestEngine_StepTransition_nextOverrideJumps(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()
	inst := mustCreate(t, engine, "cert.express", customer)
	advanceToInProgress(t, engine, &inst)

	res, err := engine.AttemptStepTransition(ctx, &inst, "application", model.EventSubmit, customer, nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.NextStepID != "review" {
		t.Errorf("NextStepID = %q, want review (documents skipped by override)", res.NextStepID)
	}
	if inst.CurrentStep != "review" {
		t.Errorf("CurrentStep = %q", inst.CurrentStep)
	}
}

func TestEngine_StepTransition_goBackMovesPointer(t *testing.T) {
	engine, _, audit := newTestEngine(t)
	ctx := context.Background()
	inst := mustCreate(t, engine, "cert.basic", customer)
	advanceToInProgress(t, engine, &inst)

	if _, err := engine.AttemptStepTransition(ctx, &inst, "application", model.EventSubmit, customer, nil); err != nil {
		t.Fatalf("submit: %v", err)
	}

	res, err := engine.AttemptStepTransition(ctx, &inst, "documents", model.EventGoBack, customer, nil)
	if err != nil {
		t.Fatalf("go_back: %v", err)
	}
	if res.NextStepID != "application" {
		t.Errorf("NextStepID = %q, want application", res.NextStepID)
	}
	if inst.CurrentStep != "application" {
		t.Errorf("CurrentStep = %q", inst.CurrentStep)
	}

	records, _ := audit.ListByInstance(ctx, inst.ID)
	rec := records[0]
	if rec.Event != model.EventGoBack {
		t.Errorf("Event = %q", rec.Event)
	}
	if rec.ToState != model.StepStatusNotStarted {
		t.Errorf("ToState = %q", rec.ToState)
	}
}

func TestEngine_StepTransition_goBackWithoutPreviousIsAuditedNoOp(t *testing.T) {
	engine, _, audit := newTestEngine(t)
	ctx := context.Background()
	inst := mustCreate(t, engine, "cert.basic", customer)
	advanceToInProgress(t, engine, &inst)

	res, err := engine.AttemptStepTransition(ctx, &inst, "application", model.EventGoBack, customer, nil)
	if err != nil {
		t.Fatalf("go_back should succeed as a no-op: %v", err)
	}
	if res.NewStepStatus != model.StepStatusActive {
		t.Errorf("NewStepStatus = %q, want active (unchanged)", res.NewStepStatus)
	}
	if inst.CurrentStep != "application" {
		t.Errorf("CurrentStep = %q, want application (unchanged)", inst.CurrentStep)
	}

	records, _ := audit.ListByInstance(ctx, inst.ID)
	rec := records[0]
	if rec.FromState != rec.ToState {
		t.Errorf("no-op should audit fromState == toState, got %q -> %q", rec.FromState, rec.ToState)
	}
	if rec.Comments != "no previous step" {
		t.Errorf("Comments = %q", rec.Comments)
	}
}

func TestEngine_StepTransition_invalidPairRejected(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()
	inst := mustCreate(t, engine, "cert.basic", customer)
	advanceToInProgress(t, engine, &inst)

	// documents is not the current step and not completed: not_started.
	_, err := engine.AttemptStepTransition(ctx, &inst, "documents", model.EventSubmit, customer, nil)
	if err == nil {
		t.Fatal("expected error: not_started has no submit rule")
	}
	if model.ErrorCode(err) != model.ErrInvalidTransition {
		t.Errorf("code = %s", model.ErrorCode(err))
	}
}

// --- Derived step status ---

func TestStepStatus_derivation(t *testing.T) {
	inst := &model.WorkflowInstance{
		CurrentStep: "documents",
		StepHistory: historyOf("application"),
	}

	if got := StepStatus(inst, "application"); got != model.StepStatusCompleted {
		t.Errorf("application = %q, want completed", got)
	}
	if got := StepStatus(inst, "documents"); got != model.StepStatusActive {
		t.Errorf("documents = %q, want active", got)
	}
	if got := StepStatus(inst, "review"); got != model.StepStatusNotStarted {
		t.Errorf("review = %q, want not_started", got)
	}
}

// --- Queries ---

func TestEngine_AvailableTransitions_filtersByRole(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()
	inst := mustCreate(t, engine, "cert.basic", customer)
	advanceToInProgress(t, engine, &inst)
	if _, err := engine.AttemptWorkflowTransition(ctx, &inst, model.EventHold, customer, ""); err != nil {
		t.Fatalf("hold: %v", err)
	}

	// A customer on hold sees only resume and cancel; expire is admin-gated.
	events := eventNames(engine.AvailableTransitions(&inst, model.RoleCustomer))
	if len(events) != 2 || events[0] != model.EventResume || events[1] != model.EventCancel {
		t.Errorf("customer events = %v, want [resume cancel]", events)
	}

	// An admin sees everything including the system expire rule.
	adminEvents := eventNames(engine.AvailableTransitions(&inst, model.RoleAdmin))
	if len(adminEvents) != 3 {
		t.Errorf("admin events = %v, want 3 rules", adminEvents)
	}
}

func eventNames(rules []model.TransitionDefinition) []string {
	names := make([]string, len(rules))
	for i, r := range rules {
		names[i] = r.Event
	}
	return names
}

func TestEngine_CanTransition(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	inst := mustCreate(t, engine, "cert.basic", customer)

	if !engine.CanTransition(&inst, model.EventStart, customer) {
		t.Error("draft + start should be allowed")
	}
	if engine.CanTransition(&inst, model.EventSubmit, customer) {
		t.Error("draft + submit should not be allowed")
	}

	advanceToInProgress(t, engine, &inst)
	if engine.CanTransition(&inst, model.EventSubmit, reviewer) {
		t.Error("reviewer must not submit")
	}
	if !engine.CanTransition(&inst, model.EventSubmit, admin) {
		t.Error("admin bypasses the role check")
	}
}

func TestEngine_AvailableStepEvents(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	inst := mustCreate(t, engine, "cert.basic", customer)
	advanceToInProgress(t, engine, &inst)

	events := engine.AvailableStepEvents(&inst, "application")
	want := map[string]bool{
		model.EventSave: true, model.EventSubmit: true, model.EventApprove: true,
		model.EventComplete: true, model.EventSendBack: true, model.EventSkip: true,
		model.EventGoBack: true, model.EventFail: true,
	}
	if len(events) != len(want) {
		t.Errorf("events = %v, want %d active-state events", events, len(want))
	}
	for _, e := range events {
		if !want[e] {
			t.Errorf("unexpected event %q", e)
		}
	}

	if events := engine.AvailableStepEvents(&inst, "review"); len(events) != 2 {
		t.Errorf("not_started events = %v, want [enter skip]", events)
	}
}

// --- ProcessExpired ---

func TestEngine_ProcessExpired(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Hour)

	// In progress and past deadline: expires.
	overdue := mustCreate(t, engine, "cert.basic", customer)
	advanceToInProgress(t, engine, &overdue)
	overdue.SLADeadline = &past
	if err := store.Update(ctx, &overdue); err != nil {
		t.Fatalf("seed update: %v", err)
	}

	// Draft has no expire rule: skipped even though overdue.
	draft := mustCreate(t, engine, "cert.basic", customer)
	draft.SLADeadline = &past
	if err := store.Update(ctx, &draft); err != nil {
		t.Fatalf("seed update: %v", err)
	}

	// Within deadline: untouched.
	fresh := mustCreate(t, engine, "cert.basic", customer)
	advanceToInProgress(t, engine, &fresh)

	if err := engine.ProcessExpired(ctx); err != nil {
		t.Fatalf("ProcessExpired error: %v", err)
	}

	got, _ := store.Get(ctx, overdue.ID)
	if got.Status != model.WorkflowStatusExpired {
		t.Errorf("overdue.Status = %q, want expired", got.Status)
	}
	got, _ = store.Get(ctx, draft.ID)
	if got.Status != model.WorkflowStatusDraft {
		t.Errorf("draft.Status = %q, want draft", got.Status)
	}
	got, _ = store.Get(ctx, fresh.ID)
	if got.Status != model.WorkflowStatusInProgress {
		t.Errorf("fresh.Status = %q, want in_progress", got.Status)
	}
}

// --- Metrics and logging ---

func TestEngine_RecordsLifecycleMetrics(t *testing.T) {
	reg := definition.NewRegistry(testDefinitions())
	metrics := observability.InitMetrics(prometheus.NewRegistry())
	engine := NewEngine(reg, NewMemoryInstanceStore(), NewMemoryAuditStore(), zap.NewNop(), metrics)
	ctx := context.Background()

	inst := mustCreate(t, engine, "cert.express", customer)
	if got := testutil.ToFloat64(metrics.InstancesCreatedTotal.WithLabelValues("cert.express")); got != 1 {
		t.Errorf("instances created counter = %v, want 1", got)
	}

	if _, err := engine.AttemptWorkflowTransition(ctx, &inst, model.EventStart, customer, ""); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if _, err := engine.AttemptStepTransition(ctx, &inst, "application", model.EventSubmit, customer, nil); err != nil {
		t.Fatalf("submit application error: %v", err)
	}
	if got := testutil.ToFloat64(metrics.WorkflowCompletionsTotal.WithLabelValues("cert.express")); got != 0 {
		t.Errorf("completions after intermediate step = %v, want 0", got)
	}

	res, err := engine.AttemptStepTransition(ctx, &inst, "review", model.EventSubmit, customer, nil)
	if err != nil {
		t.Fatalf("submit review error: %v", err)
	}
	if !res.WorkflowCompleted {
		t.Fatalf("WorkflowCompleted = false, want true")
	}
	if got := testutil.ToFloat64(metrics.WorkflowCompletionsTotal.WithLabelValues("cert.express")); got != 1 {
		t.Errorf("completions after final step = %v, want 1", got)
	}

	// Force-completion at the workflow level counts too.
	other := mustCreate(t, engine, "cert.basic", customer)
	if _, err := engine.AttemptWorkflowTransition(ctx, &other, model.EventStart, customer, ""); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if _, err := engine.AttemptWorkflowTransition(ctx, &other, model.EventComplete, admin, "closing out"); err != nil {
		t.Fatalf("Complete error: %v", err)
	}
	if got := testutil.ToFloat64(metrics.WorkflowCompletionsTotal.WithLabelValues("cert.basic")); got != 1 {
		t.Errorf("forced completions counter = %v, want 1", got)
	}
}

func TestEngine_RedactsFormDataInDebugLog(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	reg := definition.NewRegistry(testDefinitions())
	engine := NewEngine(reg, NewMemoryInstanceStore(), NewMemoryAuditStore(), zap.New(core), nil)
	ctx := context.Background()

	inst := mustCreate(t, engine, "cert.basic", customer)
	if _, err := engine.AttemptWorkflowTransition(ctx, &inst, model.EventStart, customer, ""); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	form := map[string]any{"company": "ACME Ltd", "password": "hunter2"}
	if _, err := engine.AttemptStepTransition(ctx, &inst, "application", model.EventSubmit, customer, form); err != nil {
		t.Fatalf("submit error: %v", err)
	}

	entries := logs.FilterMessage("step form data").All()
	if len(entries) != 1 {
		t.Fatalf("form data log entries = %d, want 1", len(entries))
	}
	data, ok := entries[0].ContextMap()["form_data"].(map[string]any)
	if !ok {
		t.Fatalf("form_data field missing or wrong type: %v", entries[0].ContextMap())
	}
	if data["password"] != "[REDACTED]" {
		t.Errorf("password = %v, want [REDACTED]", data["password"])
	}
	if data["company"] != "ACME Ltd" {
		t.Errorf("company = %v, want original value", data["company"])
	}

	// The audit snapshot keeps the raw submission; only the log is redacted.
	if form["password"] != "hunter2" {
		t.Errorf("caller map mutated: %v", form["password"])
	}
}

// --- helpers under test ---

func TestChangedFields(t *testing.T) {
	prior := map[string]any{"a": 1, "b": "x"}

	got := changedFields(prior, map[string]any{"a": 1, "b": "y", "c": true})
	if len(got) != 2 || got[0] != "b" || got[1] != "c" {
		t.Errorf("changedFields = %v, want [b c]", got)
	}

	if got := changedFields(prior, nil); got != nil {
		t.Errorf("changedFields(nil) = %v", got)
	}
	if got := changedFields(nil, map[string]any{"a": 1}); len(got) != 1 || got[0] != "a" {
		t.Errorf("changedFields from empty prior = %v", got)
	}
}

func TestDecisionForEvent(t *testing.T) {
	tests := map[string]string{
		model.EventApprove:  model.DecisionApprove,
		model.EventReject:   model.DecisionReject,
		model.EventSendBack: model.DecisionSendBack,
		model.EventSubmit:   "",
		model.EventComplete: "",
	}
	for event, want := range tests {
		if got := decisionForEvent(event); got != want {
			t.Errorf("decisionForEvent(%q) = %q, want %q", event, got, want)
		}
	}
}
