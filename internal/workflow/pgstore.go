package workflow

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/loom/model"
)

//go:embed schema.sql
var schemaSQL string

// PgStore is a PostgreSQL-backed Store and outbox store using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Migrate creates the tables and indexes when they do not exist.
func (s *PgStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// HealthCheck implements observability.HealthChecker.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Definitions ---

// GetDefinition retrieves a definition by ID, scoped to tenant.
func (s *PgStore) GetDefinition(ctx context.Context, tenantID, id string) (model.WorkflowDefinition, error) {
	var def model.WorkflowDefinition
	var dsl []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, name, version, dsl, is_published, published_at, created_at
		FROM workflow_definitions
		WHERE tenant_id = $1 AND id = $2`,
		tenantID, id,
	).Scan(&def.ID, &def.TenantID, &def.Name, &def.Version, &dsl, &def.IsPublished, &def.PublishedAt, &def.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowDefinition{}, model.NewNotFoundError(
			fmt.Sprintf("workflow definition %q not found", id),
		)
	}
	if err != nil {
		return model.WorkflowDefinition{}, fmt.Errorf("query workflow definition: %w", err)
	}
	def.DSL = dsl
	return def, nil
}

// SaveDefinition inserts or replaces a draft definition. Published rows are
// never overwritten.
func (s *PgStore) SaveDefinition(ctx context.Context, def model.WorkflowDefinition) error {
	if def.CreatedAt.IsZero() {
		def.CreatedAt = time.Now().UTC()
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO workflow_definitions (
			tenant_id, id, name, version, dsl, is_published, published_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (tenant_id, id) DO UPDATE SET
			name = EXCLUDED.name,
			version = EXCLUDED.version,
			dsl = EXCLUDED.dsl,
			is_published = EXCLUDED.is_published,
			published_at = EXCLUDED.published_at
		WHERE NOT workflow_definitions.is_published`,
		def.TenantID, def.ID, def.Name, def.Version, []byte(def.DSL),
		def.IsPublished, def.PublishedAt, def.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save workflow definition: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(
			fmt.Sprintf("workflow definition %q is published and immutable", def.ID),
		)
	}
	return nil
}

// --- Instances ---

const instanceColumns = `id, tenant_id, definition_id, definition_version, status,
	current_node_ids, context, started_by, started_at, completed_at,
	error_message, updated_at, version`

// GetInstance retrieves a workflow instance by ID, scoped to tenant.
func (s *PgStore) GetInstance(ctx context.Context, tenantID, instanceID string) (model.WorkflowInstance, error) {
	instances, err := s.queryInstances(ctx, `
		SELECT `+instanceColumns+`
		FROM workflow_instances
		WHERE id = $1 AND tenant_id = $2`,
		instanceID, tenantID,
	)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	if len(instances) == 0 {
		return model.WorkflowInstance{}, model.NewNotFoundError(
			fmt.Sprintf("workflow instance %q not found", instanceID),
		)
	}
	return instances[0], nil
}

// FindActive returns running instances for a tenant, newest first.
func (s *PgStore) FindActive(ctx context.Context, tenantID string, filters InstanceFilters) ([]model.WorkflowInstance, error) {
	query := `SELECT ` + instanceColumns + `
	          FROM workflow_instances
	          WHERE tenant_id = $1 AND status = 'Running'`
	args := []any{tenantID}
	argIdx := 2

	if filters.DefinitionID != "" {
		query += fmt.Sprintf(" AND definition_id = $%d", argIdx)
		args = append(args, filters.DefinitionID)
		argIdx++
	}

	query += " ORDER BY started_at DESC"

	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filters.Limit)
		argIdx++
	}
	if filters.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, filters.Offset)
	}

	return s.queryInstances(ctx, query, args...)
}

// FindInstancesWithParallelGroups returns running instances carrying join
// bookkeeping, least recently updated first.
func (s *PgStore) FindInstancesWithParallelGroups(ctx context.Context, limit int) ([]model.WorkflowInstance, error) {
	query := `SELECT ` + instanceColumns + `
	          FROM workflow_instances
	          WHERE status = 'Running' AND context ? '` + parallelGroupsKey + `'
	          ORDER BY updated_at ASC`
	var args []any
	if limit > 0 {
		query += " LIMIT $1"
		args = append(args, limit)
	}
	return s.queryInstances(ctx, query, args...)
}

// Commit applies a mutation in one transaction. The instance row is written
// with an optimistic version check.
func (s *PgStore) Commit(ctx context.Context, m Mutation) (model.WorkflowInstance, error) {
	inst := m.Instance
	nodesJSON, err := json.Marshal(inst.CurrentNodeIDs)
	if err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("marshal current nodes: %w", err)
	}
	ctxJSON, err := json.Marshal(inst.Context)
	if err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("marshal context: %w", err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("begin commit: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	if m.Create {
		inst.Version = 1
		inst.UpdatedAt = now
		_, err = tx.Exec(ctx, `
			INSERT INTO workflow_instances (`+instanceColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			inst.ID, inst.TenantID, inst.DefinitionID, inst.DefinitionVersion, inst.Status,
			nodesJSON, ctxJSON, inst.StartedBy, inst.StartedAt, inst.CompletedAt,
			inst.ErrorMessage, inst.UpdatedAt, inst.Version,
		)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return model.WorkflowInstance{}, model.NewConflictError(
				fmt.Sprintf("workflow instance %q already exists", inst.ID),
			)
		}
		if err != nil {
			return model.WorkflowInstance{}, fmt.Errorf("insert workflow instance: %w", err)
		}
	} else {
		inst.Version = m.ExpectedVersion + 1
		inst.UpdatedAt = now
		tag, err := tx.Exec(ctx, `
			UPDATE workflow_instances SET
				status = $1,
				current_node_ids = $2,
				context = $3,
				completed_at = $4,
				error_message = $5,
				updated_at = $6,
				version = $7
			WHERE id = $8 AND tenant_id = $9 AND version = $10`,
			inst.Status, nodesJSON, ctxJSON, inst.CompletedAt, inst.ErrorMessage,
			inst.UpdatedAt, inst.Version,
			inst.ID, inst.TenantID, m.ExpectedVersion,
		)
		if err != nil {
			return model.WorkflowInstance{}, fmt.Errorf("update workflow instance: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return model.WorkflowInstance{}, model.NewConflictError(
				fmt.Sprintf("workflow instance %q version conflict (expected %d)", inst.ID, m.ExpectedVersion),
			)
		}
	}

	batch := &pgx.Batch{}
	for _, t := range m.Tasks {
		var completion []byte
		if len(t.CompletionData) > 0 {
			completion = t.CompletionData
		}
		batch.Queue(`
			INSERT INTO workflow_tasks (
				id, tenant_id, instance_id, node_id, type, status, assignee, assignee_role,
				due_date, completion_data, completed_by, created_at, completed_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			ON CONFLICT (id) DO UPDATE SET
				status = EXCLUDED.status,
				due_date = EXCLUDED.due_date,
				completion_data = EXCLUDED.completion_data,
				completed_by = EXCLUDED.completed_by,
				completed_at = EXCLUDED.completed_at`,
			t.ID, t.TenantID, t.InstanceID, t.NodeID, t.Type, t.Status, t.Assignee, t.AssigneeRole,
			t.DueDate, completion, t.CompletedBy, t.CreatedAt, t.CompletedAt,
		)
	}
	for _, e := range m.Events {
		dataJSON, err := json.Marshal(e.Data)
		if err != nil {
			return model.WorkflowInstance{}, fmt.Errorf("marshal event data: %w", err)
		}
		batch.Queue(`
			INSERT INTO workflow_events (
				id, tenant_id, instance_id, node_id, type, name, actor_id, data, occurred_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			e.ID, e.TenantID, e.InstanceID, e.NodeID, e.Type, e.Name, e.ActorID, dataJSON, e.OccurredAt,
		)
	}
	for _, o := range m.Outbox {
		batch.Queue(`
			INSERT INTO outbox_messages (
				id, tenant_id, instance_id, event_type, payload, idempotency_key, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (idempotency_key) DO NOTHING`,
			o.ID, o.TenantID, o.InstanceID, o.EventType, []byte(o.Payload), o.IdempotencyKey, o.CreatedAt,
		)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return model.WorkflowInstance{}, fmt.Errorf("write mutation rows: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("commit mutation: %w", err)
	}
	return inst, nil
}

// queryInstances executes a query and returns workflow instances.
func (s *PgStore) queryInstances(ctx context.Context, query string, args ...any) ([]model.WorkflowInstance, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query workflow instances: %w", err)
	}
	defer rows.Close()

	var instances []model.WorkflowInstance
	for rows.Next() {
		var inst model.WorkflowInstance
		var nodesJSON, ctxJSON []byte
		if err := rows.Scan(
			&inst.ID, &inst.TenantID, &inst.DefinitionID, &inst.DefinitionVersion, &inst.Status,
			&nodesJSON, &ctxJSON, &inst.StartedBy, &inst.StartedAt, &inst.CompletedAt,
			&inst.ErrorMessage, &inst.UpdatedAt, &inst.Version,
		); err != nil {
			return nil, fmt.Errorf("scan workflow instance: %w", err)
		}
		if err := json.Unmarshal(nodesJSON, &inst.CurrentNodeIDs); err != nil {
			return nil, fmt.Errorf("unmarshal current nodes: %w", err)
		}
		if err := json.Unmarshal(ctxJSON, &inst.Context); err != nil {
			return nil, fmt.Errorf("unmarshal context: %w", err)
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

// --- Tasks and events ---

// ListTasks returns the instance's tasks ordered by creation.
func (s *PgStore) ListTasks(ctx context.Context, tenantID, instanceID string) ([]model.WorkflowTask, error) {
	if _, err := s.GetInstance(ctx, tenantID, instanceID); err != nil {
		return nil, err
	}
	return s.queryTasks(ctx, `
		SELECT id, tenant_id, instance_id, node_id, type, status, assignee, assignee_role,
		       due_date, completion_data, completed_by, created_at, completed_at
		FROM workflow_tasks
		WHERE instance_id = $1 AND tenant_id = $2
		ORDER BY created_at ASC, id ASC`,
		instanceID, tenantID,
	)
}

// FindDueTimerTasks returns open timer tasks of running instances due at or
// before cutoff.
func (s *PgStore) FindDueTimerTasks(ctx context.Context, cutoff time.Time, limit int) ([]model.WorkflowTask, error) {
	query := `
		SELECT t.id, t.tenant_id, t.instance_id, t.node_id, t.type, t.status, t.assignee, t.assignee_role,
		       t.due_date, t.completion_data, t.completed_by, t.created_at, t.completed_at
		FROM workflow_tasks t
		JOIN workflow_instances i ON i.id = t.instance_id
		WHERE t.type = 'timer'
		  AND t.status IN ('Created', 'Claimed', 'InProgress')
		  AND t.due_date IS NOT NULL AND t.due_date <= $1
		  AND i.status = 'Running'
		ORDER BY t.due_date ASC`
	args := []any{cutoff}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}
	return s.queryTasks(ctx, query, args...)
}

func (s *PgStore) queryTasks(ctx context.Context, query string, args ...any) ([]model.WorkflowTask, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query workflow tasks: %w", err)
	}
	defer rows.Close()

	var tasks []model.WorkflowTask
	for rows.Next() {
		var t model.WorkflowTask
		var completion []byte
		if err := rows.Scan(
			&t.ID, &t.TenantID, &t.InstanceID, &t.NodeID, &t.Type, &t.Status, &t.Assignee, &t.AssigneeRole,
			&t.DueDate, &completion, &t.CompletedBy, &t.CreatedAt, &t.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("scan workflow task: %w", err)
		}
		if len(completion) > 0 {
			t.CompletionData = completion
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// ListEvents retrieves all events for a workflow instance in write order.
func (s *PgStore) ListEvents(ctx context.Context, tenantID, instanceID string) ([]model.WorkflowEvent, error) {
	if _, err := s.GetInstance(ctx, tenantID, instanceID); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, instance_id, node_id, type, name, actor_id, data, occurred_at
		FROM workflow_events
		WHERE instance_id = $1 AND tenant_id = $2
		ORDER BY seq ASC`,
		instanceID, tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("query workflow events: %w", err)
	}
	defer rows.Close()

	var events []model.WorkflowEvent
	for rows.Next() {
		var evt model.WorkflowEvent
		var dataJSON []byte
		if err := rows.Scan(
			&evt.ID, &evt.TenantID, &evt.InstanceID, &evt.NodeID, &evt.Type,
			&evt.Name, &evt.ActorID, &dataJSON, &evt.OccurredAt,
		); err != nil {
			return nil, fmt.Errorf("scan workflow event: %w", err)
		}
		if dataJSON != nil {
			_ = json.Unmarshal(dataJSON, &evt.Data)
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

// --- Outbox ---

// FetchUnprocessed returns unprocessed outbox messages in creation order.
func (s *PgStore) FetchUnprocessed(ctx context.Context, limit int) ([]model.OutboxMessage, error) {
	query := `
		SELECT id, tenant_id, instance_id, event_type, payload, idempotency_key,
		       is_processed, processed_at, retry_count, last_error, created_at
		FROM outbox_messages
		WHERE NOT is_processed
		ORDER BY created_at ASC`
	var args []any
	if limit > 0 {
		query += " LIMIT $1"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var msgs []model.OutboxMessage
	for rows.Next() {
		var m model.OutboxMessage
		var payload []byte
		if err := rows.Scan(
			&m.ID, &m.TenantID, &m.InstanceID, &m.EventType, &payload, &m.IdempotencyKey,
			&m.IsProcessed, &m.ProcessedAt, &m.RetryCount, &m.LastError, &m.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan outbox message: %w", err)
		}
		m.Payload = payload
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// MarkProcessed flags a message as processed if it is not already. It
// reports whether this call made the change.
func (s *PgStore) MarkProcessed(ctx context.Context, id string, at time.Time, lastError string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE outbox_messages SET
			is_processed = TRUE,
			processed_at = $2,
			last_error = CASE WHEN $3::text = '' THEN last_error ELSE $3::text END
		WHERE id = $1 AND NOT is_processed`,
		id, at.UTC(), lastError,
	)
	if err != nil {
		return false, fmt.Errorf("mark outbox message processed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// RecordFailure stores the retry count and last error of a failed dispatch.
func (s *PgStore) RecordFailure(ctx context.Context, id string, retryCount int, lastError string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE outbox_messages SET retry_count = $2, last_error = $3
		WHERE id = $1`,
		id, retryCount, lastError,
	)
	if err != nil {
		return fmt.Errorf("record outbox failure: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(fmt.Sprintf("outbox message %q not found", id))
	}
	return nil
}
