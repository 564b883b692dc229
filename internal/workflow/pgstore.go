package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openattest/certflow/model"
)

// PgInstanceStore is a PostgreSQL-backed InstanceStore using pgx/v5. Step
// history is stored as a JSONB column, keeping the append-only entries in a
// single row with the instance they belong to.
type PgInstanceStore struct {
	pool *pgxpool.Pool
}

// NewPgInstanceStore creates a new PostgreSQL instance store.
func NewPgInstanceStore(pool *pgxpool.Pool) *PgInstanceStore {
	return &PgInstanceStore{pool: pool}
}

// HealthCheck verifies database connectivity.
func (s *PgInstanceStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Create inserts a new workflow instance.
func (s *PgInstanceStore) Create(ctx context.Context, inst model.WorkflowInstance) error {
	historyJSON, err := json.Marshal(inst.StepHistory)
	if err != nil {
		return fmt.Errorf("marshal step history: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflow_instances (
			id, definition_id, status, current_step, assigned_actor,
			step_history, version,
			started_at, completed_at, sla_deadline, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7,
			$8, $9, $10, $11, $12
		)`,
		inst.ID, inst.DefinitionID, inst.Status, inst.CurrentStep, inst.AssignedActor,
		historyJSON, inst.Version,
		inst.StartedAt, inst.CompletedAt, inst.SLADeadline, inst.CreatedAt, inst.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert workflow instance: %w", err)
	}
	return nil
}

// Get retrieves a workflow instance by ID.
func (s *PgInstanceStore) Get(ctx context.Context, instanceID string) (model.WorkflowInstance, error) {
	var inst model.WorkflowInstance
	var historyJSON []byte

	err := s.pool.QueryRow(ctx, `
		SELECT id, definition_id, status, current_step, assigned_actor,
		       step_history, version,
		       started_at, completed_at, sla_deadline, created_at, updated_at
		FROM workflow_instances
		WHERE id = $1`,
		instanceID,
	).Scan(
		&inst.ID, &inst.DefinitionID, &inst.Status, &inst.CurrentStep, &inst.AssignedActor,
		&historyJSON, &inst.Version,
		&inst.StartedAt, &inst.CompletedAt, &inst.SLADeadline, &inst.CreatedAt, &inst.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return model.WorkflowInstance{}, model.NewNotFoundError(
			fmt.Sprintf("workflow instance %q not found", instanceID),
		)
	}
	if err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("query workflow instance: %w", err)
	}

	if historyJSON != nil {
		if err := json.Unmarshal(historyJSON, &inst.StepHistory); err != nil {
			return model.WorkflowInstance{}, fmt.Errorf("unmarshal step history: %w", err)
		}
	}

	return inst, nil
}

// Update persists a mutated instance with optimistic locking. On success the
// caller's Version is incremented to match the stored row.
func (s *PgInstanceStore) Update(ctx context.Context, inst *model.WorkflowInstance) error {
	historyJSON, err := json.Marshal(inst.StepHistory)
	if err != nil {
		return fmt.Errorf("marshal step history: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_instances SET
			status = $1,
			current_step = $2,
			step_history = $3,
			version = $4,
			completed_at = $5,
			sla_deadline = $6,
			updated_at = $7
		WHERE id = $8 AND version = $9`,
		inst.Status, inst.CurrentStep, historyJSON, inst.Version+1,
		inst.CompletedAt, inst.SLADeadline, inst.UpdatedAt,
		inst.ID, inst.Version,
	)
	if err != nil {
		return fmt.Errorf("update workflow instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(
			fmt.Sprintf("workflow instance %q version conflict (expected %d)", inst.ID, inst.Version),
		)
	}
	inst.Version++
	return nil
}

// FindByStatus returns instances in the given status, newest first.
func (s *PgInstanceStore) FindByStatus(ctx context.Context, status, assignedActor string) ([]model.WorkflowInstance, error) {
	query := `SELECT id, definition_id, status, current_step, assigned_actor,
	                 step_history, version,
	                 started_at, completed_at, sla_deadline, created_at, updated_at
	          FROM workflow_instances
	          WHERE 1 = 1`
	var args []any
	argIdx := 1

	if status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, status)
		argIdx++
	}
	if assignedActor != "" {
		query += fmt.Sprintf(" AND assigned_actor = $%d", argIdx)
		args = append(args, assignedActor)
	}

	query += " ORDER BY created_at DESC"
	return s.queryInstances(ctx, query, args...)
}

// FindExpired returns non-terminal instances past their SLA deadline.
func (s *PgInstanceStore) FindExpired(ctx context.Context, cutoff time.Time) ([]model.WorkflowInstance, error) {
	query := `SELECT id, definition_id, status, current_step, assigned_actor,
	                 step_history, version,
	                 started_at, completed_at, sla_deadline, created_at, updated_at
	          FROM workflow_instances
	          WHERE status NOT IN ('completed', 'cancelled', 'failed', 'expired')
	            AND sla_deadline IS NOT NULL AND sla_deadline < $1
	          ORDER BY sla_deadline ASC`
	return s.queryInstances(ctx, query, cutoff)
}

// queryInstances executes a query and returns workflow instances.
func (s *PgInstanceStore) queryInstances(ctx context.Context, query string, args ...any) ([]model.WorkflowInstance, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query workflow instances: %w", err)
	}
	defer rows.Close()

	var instances []model.WorkflowInstance
	for rows.Next() {
		var inst model.WorkflowInstance
		var historyJSON []byte
		if err := rows.Scan(
			&inst.ID, &inst.DefinitionID, &inst.Status, &inst.CurrentStep, &inst.AssignedActor,
			&historyJSON, &inst.Version,
			&inst.StartedAt, &inst.CompletedAt, &inst.SLADeadline, &inst.CreatedAt, &inst.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan workflow instance: %w", err)
		}
		if historyJSON != nil {
			_ = json.Unmarshal(historyJSON, &inst.StepHistory)
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

// PgAuditStore is a PostgreSQL-backed AuditStore using pgx/v5. Only insert
// and select are issued against the table; the trail has no update or delete
// path.
type PgAuditStore struct {
	pool *pgxpool.Pool
}

// NewPgAuditStore creates a new PostgreSQL audit store.
func NewPgAuditStore(pool *pgxpool.Pool) *PgAuditStore {
	return &PgAuditStore{pool: pool}
}

// Append adds a record to the trail.
func (s *PgAuditStore) Append(ctx context.Context, rec model.TransitionAuditRecord) error {
	snapshotJSON, err := json.Marshal(rec.DataSnapshot)
	if err != nil {
		return fmt.Errorf("marshal data snapshot: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO transition_audit (
			id, workflow_instance_id, step_id, transition_type,
			from_state, to_state, event,
			triggered_by, triggered_by_role, comments, data_snapshot, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		rec.ID, rec.WorkflowInstanceID, rec.StepID, rec.TransitionType,
		rec.FromState, rec.ToState, rec.Event,
		rec.TriggeredBy, rec.TriggeredByRole, rec.Comments, snapshotJSON, rec.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

// ListByInstance returns all records for an instance, newest first.
func (s *PgAuditStore) ListByInstance(ctx context.Context, instanceID string) ([]model.TransitionAuditRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, workflow_instance_id, step_id, transition_type,
		       from_state, to_state, event,
		       triggered_by, triggered_by_role, comments, data_snapshot, created_at
		FROM transition_audit
		WHERE workflow_instance_id = $1
		ORDER BY created_at DESC`,
		instanceID,
	)
	if err != nil {
		return nil, fmt.Errorf("query audit records: %w", err)
	}
	defer rows.Close()

	var records []model.TransitionAuditRecord
	for rows.Next() {
		var rec model.TransitionAuditRecord
		var snapshotJSON []byte
		if err := rows.Scan(
			&rec.ID, &rec.WorkflowInstanceID, &rec.StepID, &rec.TransitionType,
			&rec.FromState, &rec.ToState, &rec.Event,
			&rec.TriggeredBy, &rec.TriggeredByRole, &rec.Comments, &snapshotJSON, &rec.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		if snapshotJSON != nil {
			_ = json.Unmarshal(snapshotJSON, &rec.DataSnapshot)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
