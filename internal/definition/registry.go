package definition

import (
	"sync/atomic"

	"github.com/openattest/certflow/model"
)

// snapshot is an immutable collection of workflow definitions indexed by ID.
type snapshot struct {
	workflows map[string]model.WorkflowDefinition
}

// Registry is a read-optimized, thread-safe store of loaded workflow
// definitions. It uses atomic pointer swap for lock-free concurrent reads.
type Registry struct {
	snap atomic.Pointer[snapshot]
}

// NewRegistry creates a Registry from the given definitions.
func NewRegistry(defs []model.WorkflowDefinition) *Registry {
	r := &Registry{}
	r.Replace(defs)
	return r
}

// Replace atomically swaps the registry contents with a new snapshot built
// from the given definitions.
func (r *Registry) Replace(defs []model.WorkflowDefinition) {
	s := &snapshot{
		workflows: make(map[string]model.WorkflowDefinition, len(defs)),
	}
	for _, def := range defs {
		s.workflows[def.ID] = def
	}
	r.snap.Store(s)
}

func (r *Registry) current() *snapshot {
	return r.snap.Load()
}

// Definition returns the workflow definition with the given ID.
func (r *Registry) Definition(definitionID string) (model.WorkflowDefinition, bool) {
	d, ok := r.current().workflows[definitionID]
	return d, ok
}

// All returns all loaded workflow definitions.
func (r *Registry) All() []model.WorkflowDefinition {
	s := r.current()
	defs := make([]model.WorkflowDefinition, 0, len(s.workflows))
	for _, d := range s.workflows {
		defs = append(defs, d)
	}
	return defs
}

// Len returns the number of loaded definitions.
func (r *Registry) Len() int {
	return len(r.current().workflows)
}
