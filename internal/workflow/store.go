package workflow

import (
	"context"
	"time"

	"github.com/openattest/certflow/model"
)

// InstanceStore persists workflow instances.
type InstanceStore interface {
	// Create persists a new workflow instance.
	Create(ctx context.Context, inst model.WorkflowInstance) error

	// Get retrieves a workflow instance by ID. Returns NOT_FOUND if the
	// instance doesn't exist.
	Get(ctx context.Context, instanceID string) (model.WorkflowInstance, error)

	// Update persists a mutated instance with optimistic locking. The
	// instance's Version must match the stored version; on success the
	// Version field is incremented in place. Returns CONFLICT if the
	// version has changed.
	Update(ctx context.Context, inst *model.WorkflowInstance) error

	// FindByStatus returns instances in the given status, newest first,
	// optionally filtered by assigned actor.
	FindByStatus(ctx context.Context, status, assignedActor string) ([]model.WorkflowInstance, error)

	// FindExpired returns non-terminal instances whose SLA deadline is
	// before the given cutoff time, oldest deadline first.
	FindExpired(ctx context.Context, cutoff time.Time) ([]model.WorkflowInstance, error)
}

// AuditStore is the append-only transition audit trail. No mutation or
// deletion operation is exposed.
type AuditStore interface {
	// Append adds a record to the trail.
	Append(ctx context.Context, rec model.TransitionAuditRecord) error

	// ListByInstance returns all records for an instance in
	// reverse-chronological order.
	ListByInstance(ctx context.Context, instanceID string) ([]model.TransitionAuditRecord, error)
}
