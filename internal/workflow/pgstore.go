package workflow

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/approvals/model"
)

//go:embed schema.sql
var schemaSQL string

const instanceColumns = `id, definition_id, tenant_id, title, status,
	target_type, target_id, current_runtime_id, initiator_id,
	assigned_users, assigned_groups, state, cancel_reason,
	version, created_at, updated_at`

const runtimeColumns = `id, instance_id, action_id, sequence, finished,
	actor_id, comment, created_at, finished_at`

// PgWorkflowStore is a PostgreSQL-backed WorkflowStore using pgx/v5.
type PgWorkflowStore struct {
	pool *pgxpool.Pool
}

// NewPgWorkflowStore creates a new PostgreSQL workflow store.
func NewPgWorkflowStore(pool *pgxpool.Pool) *PgWorkflowStore {
	return &PgWorkflowStore{pool: pool}
}

// Migrate creates the tables and indexes if they do not exist.
func (s *PgWorkflowStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate workflow schema: %w", err)
	}
	return nil
}

// HealthCheck pings the database.
func (s *PgWorkflowStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// CreateInstance inserts a new instance and its first runtime in one
// transaction.
func (s *PgWorkflowStore) CreateInstance(ctx context.Context, inst *model.WorkflowInstance, first model.ActionRuntime) error {
	stateJSON, err := marshalState(inst.State)
	if err != nil {
		return err
	}
	targetType, targetID := targetColumns(inst.Target)

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO workflow_instances (`+instanceColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
			inst.ID, inst.DefinitionID, inst.TenantID, inst.Title, inst.Status,
			targetType, targetID, inst.CurrentRuntimeID, inst.InitiatorID,
			nonNil(inst.AssignedUsers), nonNil(inst.AssignedGroups), stateJSON, inst.CancelReason,
			inst.Version, inst.CreatedAt, inst.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert workflow instance: %w", err)
		}
		return upsertRuntime(ctx, tx, first)
	})
}

// GetInstance retrieves an instance by ID, scoped to tenant.
func (s *PgWorkflowStore) GetInstance(ctx context.Context, tenantID, instanceID string) (model.WorkflowInstance, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+instanceColumns+`
		FROM workflow_instances
		WHERE id = $1 AND tenant_id = $2`,
		instanceID, tenantID,
	)
	inst, err := scanInstance(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowInstance{}, model.NewNotFoundError(
			fmt.Sprintf("workflow instance %q not found", instanceID),
		)
	}
	if err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("query workflow instance: %w", err)
	}
	return inst, nil
}

// Save persists an updated instance with optimistic locking and upserts the
// given runtimes in the same transaction.
func (s *PgWorkflowStore) Save(ctx context.Context, inst *model.WorkflowInstance, runtimes ...model.ActionRuntime) error {
	stateJSON, err := marshalState(inst.State)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE workflow_instances SET
				title = $1,
				status = $2,
				current_runtime_id = $3,
				assigned_users = $4,
				assigned_groups = $5,
				state = $6,
				cancel_reason = $7,
				version = $8,
				updated_at = $9
			WHERE id = $10 AND version = $11`,
			inst.Title, inst.Status, inst.CurrentRuntimeID,
			nonNil(inst.AssignedUsers), nonNil(inst.AssignedGroups), stateJSON,
			inst.CancelReason, inst.Version+1, now,
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
		for _, rt := range runtimes {
			if err := upsertRuntime(ctx, tx, rt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	inst.Version++
	inst.UpdatedAt = now
	return nil
}

// GetRuntime retrieves one runtime of an instance.
func (s *PgWorkflowStore) GetRuntime(ctx context.Context, instanceID, runtimeID string) (model.ActionRuntime, error) {
	var rt model.ActionRuntime
	err := s.pool.QueryRow(ctx, `
		SELECT `+runtimeColumns+`
		FROM action_runtimes
		WHERE id = $1 AND instance_id = $2`,
		runtimeID, instanceID,
	).Scan(
		&rt.ID, &rt.InstanceID, &rt.ActionID, &rt.Sequence, &rt.Finished,
		&rt.ActorID, &rt.Comment, &rt.CreatedAt, &rt.FinishedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ActionRuntime{}, model.NewNotFoundError(
			fmt.Sprintf("action runtime %q not found", runtimeID),
		)
	}
	if err != nil {
		return model.ActionRuntime{}, fmt.Errorf("query action runtime: %w", err)
	}
	return rt, nil
}

// ListRuntimes returns the runtime history of an instance ordered by sequence.
func (s *PgWorkflowStore) ListRuntimes(ctx context.Context, instanceID string) ([]model.ActionRuntime, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+runtimeColumns+`
		FROM action_runtimes
		WHERE instance_id = $1
		ORDER BY sequence ASC`,
		instanceID,
	)
	if err != nil {
		return nil, fmt.Errorf("query action runtimes: %w", err)
	}
	defer rows.Close()

	var result []model.ActionRuntime
	for rows.Next() {
		var rt model.ActionRuntime
		if err := rows.Scan(
			&rt.ID, &rt.InstanceID, &rt.ActionID, &rt.Sequence, &rt.Finished,
			&rt.ActorID, &rt.Comment, &rt.CreatedAt, &rt.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("scan action runtime: %w", err)
		}
		result = append(result, rt)
	}
	return result, rows.Err()
}

// FindInstances returns a page of a tenant's instances, newest first.
func (s *PgWorkflowStore) FindInstances(ctx context.Context, tenantID string, filters model.WorkflowFilters) ([]model.WorkflowInstance, int, error) {
	offset := normalizePage(&filters)

	where := " WHERE tenant_id = $1"
	args := []any{tenantID}
	argIdx := 2

	if filters.Status != "" {
		where += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filters.Status)
		argIdx++
	}
	if filters.DefinitionID != "" {
		where += fmt.Sprintf(" AND definition_id = $%d", argIdx)
		args = append(args, filters.DefinitionID)
		argIdx++
	}
	if filters.Target != nil {
		where += fmt.Sprintf(" AND target_type = $%d AND target_id = $%d", argIdx, argIdx+1)
		args = append(args, filters.Target.Type, filters.Target.ID)
		argIdx += 2
	}

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT count(*) FROM workflow_instances"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count workflow instances: %w", err)
	}

	query := "SELECT " + instanceColumns + " FROM workflow_instances" + where +
		fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", argIdx, argIdx+1)
	args = append(args, filters.PageSize, offset)

	instances, err := s.queryInstances(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return instances, total, nil
}

// FindByStatus pages through instances in a status by ascending ID.
func (s *PgWorkflowStore) FindByStatus(ctx context.Context, status model.InstanceStatus, afterID string, limit int) ([]model.WorkflowInstance, error) {
	return s.queryInstances(ctx, `
		SELECT `+instanceColumns+`
		FROM workflow_instances
		WHERE status = $1 AND id > $2
		ORDER BY id ASC
		LIMIT $3`,
		status, afterID, limit,
	)
}

// FindByTarget returns the non-terminal instances bound to target.
func (s *PgWorkflowStore) FindByTarget(ctx context.Context, target model.TargetRef) ([]model.WorkflowInstance, error) {
	return s.queryInstances(ctx, `
		SELECT `+instanceColumns+`
		FROM workflow_instances
		WHERE target_type = $1 AND target_id = $2
		  AND status IN ('active', 'paused')
		ORDER BY id ASC`,
		target.Type, target.ID,
	)
}

// queryInstances executes a query and returns workflow instances.
func (s *PgWorkflowStore) queryInstances(ctx context.Context, query string, args ...any) ([]model.WorkflowInstance, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query workflow instances: %w", err)
	}
	defer rows.Close()

	instances := []model.WorkflowInstance{}
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow instance: %w", err)
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

func scanInstance(row pgx.Row) (model.WorkflowInstance, error) {
	var inst model.WorkflowInstance
	var targetType, targetID *string
	var stateJSON []byte

	err := row.Scan(
		&inst.ID, &inst.DefinitionID, &inst.TenantID, &inst.Title, &inst.Status,
		&targetType, &targetID, &inst.CurrentRuntimeID, &inst.InitiatorID,
		&inst.AssignedUsers, &inst.AssignedGroups, &stateJSON, &inst.CancelReason,
		&inst.Version, &inst.CreatedAt, &inst.UpdatedAt,
	)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	if targetType != nil && targetID != nil {
		inst.Target = &model.TargetRef{Type: *targetType, ID: *targetID}
	}
	if stateJSON != nil {
		if err := json.Unmarshal(stateJSON, &inst.State); err != nil {
			return model.WorkflowInstance{}, fmt.Errorf("unmarshal state: %w", err)
		}
	}
	return inst, nil
}

func upsertRuntime(ctx context.Context, tx pgx.Tx, rt model.ActionRuntime) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO action_runtimes (`+runtimeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			finished = EXCLUDED.finished,
			actor_id = EXCLUDED.actor_id,
			comment = EXCLUDED.comment,
			finished_at = EXCLUDED.finished_at`,
		rt.ID, rt.InstanceID, rt.ActionID, rt.Sequence, rt.Finished,
		rt.ActorID, rt.Comment, rt.CreatedAt, rt.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert action runtime: %w", err)
	}
	return nil
}

func marshalState(state map[string]any) ([]byte, error) {
	if state == nil {
		return nil, nil
	}
	b, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}
	return b, nil
}

func targetColumns(t *model.TargetRef) (*string, *string) {
	if t == nil {
		return nil, nil
	}
	return &t.Type, &t.ID
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
