package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/openattest/certflow/model"
)

// MemoryInstanceStore is an in-memory InstanceStore for tests and local
// development.
type MemoryInstanceStore struct {
	mu        sync.RWMutex
	instances map[string]model.WorkflowInstance // key: instance ID
}

// NewMemoryInstanceStore creates a new in-memory instance store.
func NewMemoryInstanceStore() *MemoryInstanceStore {
	return &MemoryInstanceStore{
		instances: make(map[string]model.WorkflowInstance),
	}
}

// Create persists a new workflow instance.
func (s *MemoryInstanceStore) Create(_ context.Context, inst model.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.instances[inst.ID]; exists {
		return model.NewConflictError(
			fmt.Sprintf("workflow instance %q already exists", inst.ID),
		)
	}

	s.instances[inst.ID] = cloneInstance(inst)
	return nil
}

// Get retrieves a workflow instance by ID.
func (s *MemoryInstanceStore) Get(_ context.Context, instanceID string) (model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, exists := s.instances[instanceID]
	if !exists {
		return model.WorkflowInstance{}, model.NewNotFoundError(
			fmt.Sprintf("workflow instance %q not found", instanceID),
		)
	}
	return cloneInstance(inst), nil
}

// Update persists a mutated instance with optimistic locking.
func (s *MemoryInstanceStore) Update(_ context.Context, inst *model.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.instances[inst.ID]
	if !exists {
		return model.NewNotFoundError(
			fmt.Sprintf("workflow instance %q not found", inst.ID),
		)
	}

	// Optimistic lock check.
	if existing.Version != inst.Version {
		return model.NewConflictError(
			fmt.Sprintf("workflow instance %q version conflict (expected %d, got %d)", inst.ID, inst.Version, existing.Version),
		)
	}

	inst.Version++
	s.instances[inst.ID] = cloneInstance(*inst)
	return nil
}

// FindByStatus returns instances in the given status, newest first.
func (s *MemoryInstanceStore) FindByStatus(_ context.Context, status, assignedActor string) ([]model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.WorkflowInstance
	for _, inst := range s.instances {
		if status != "" && inst.Status != status {
			continue
		}
		if assignedActor != "" && inst.AssignedActor != assignedActor {
			continue
		}
		result = append(result, cloneInstance(inst))
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

// FindExpired returns non-terminal instances past their SLA deadline, oldest
// deadline first.
func (s *MemoryInstanceStore) FindExpired(_ context.Context, cutoff time.Time) ([]model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.WorkflowInstance
	for _, inst := range s.instances {
		if terminalWorkflowStatus(inst.Status) {
			continue
		}
		if inst.SLADeadline == nil || !inst.SLADeadline.Before(cutoff) {
			continue
		}
		result = append(result, cloneInstance(inst))
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].SLADeadline.Before(*result[j].SLADeadline)
	})
	return result, nil
}

// Len returns the total number of instances. For testing.
func (s *MemoryInstanceStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.instances)
}

// cloneInstance deep-copies the step history so callers cannot alias the
// store's state.
func cloneInstance(inst model.WorkflowInstance) model.WorkflowInstance {
	if inst.StepHistory != nil {
		history := make([]model.StepHistoryEntry, len(inst.StepHistory))
		copy(history, inst.StepHistory)
		inst.StepHistory = history
	}
	return inst
}

func terminalWorkflowStatus(status string) bool {
	switch status {
	case model.WorkflowStatusCompleted,
		model.WorkflowStatusCancelled,
		model.WorkflowStatusFailed,
		model.WorkflowStatusExpired:
		return true
	}
	return false
}

// MemoryAuditStore is an in-memory append-only AuditStore for tests and
// local development.
type MemoryAuditStore struct {
	mu      sync.RWMutex
	records map[string][]model.TransitionAuditRecord // key: instance ID
}

// NewMemoryAuditStore creates a new in-memory audit store.
func NewMemoryAuditStore() *MemoryAuditStore {
	return &MemoryAuditStore{
		records: make(map[string][]model.TransitionAuditRecord),
	}
}

// Append adds a record to the trail.
func (s *MemoryAuditStore) Append(_ context.Context, rec model.TransitionAuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[rec.WorkflowInstanceID] = append(s.records[rec.WorkflowInstanceID], rec)
	return nil
}

// ListByInstance returns all records for an instance, newest first.
func (s *MemoryAuditStore) ListByInstance(_ context.Context, instanceID string) ([]model.TransitionAuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := s.records[instanceID]
	result := make([]model.TransitionAuditRecord, len(records))
	for i, rec := range records {
		result[len(records)-1-i] = rec
	}
	return result, nil
}
