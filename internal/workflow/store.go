package workflow

import (
	"context"
	"time"

	"github.com/pitabwire/loom/model"
)

// Store persists definitions, instances, tasks, events and outbox messages.
// All tenant-scoped reads return NOT_FOUND for rows of another tenant.
type Store interface {
	// GetDefinition retrieves a definition by ID, scoped to a tenant.
	GetDefinition(ctx context.Context, tenantID, id string) (model.WorkflowDefinition, error)

	// SaveDefinition creates or replaces a draft definition. Returns CONFLICT
	// when a published definition with the same ID already exists.
	SaveDefinition(ctx context.Context, def model.WorkflowDefinition) error

	// GetInstance retrieves a workflow instance by ID, scoped to a tenant.
	GetInstance(ctx context.Context, tenantID, instanceID string) (model.WorkflowInstance, error)

	// ListTasks returns the instance's tasks ordered by creation.
	ListTasks(ctx context.Context, tenantID, instanceID string) ([]model.WorkflowTask, error)

	// ListEvents returns the instance's audit trail ordered by occurrence.
	ListEvents(ctx context.Context, tenantID, instanceID string) ([]model.WorkflowEvent, error)

	// FindActive returns running instances for a tenant.
	FindActive(ctx context.Context, tenantID string, filters InstanceFilters) ([]model.WorkflowInstance, error)

	// Commit atomically applies a Mutation. Returns CONFLICT when the stored
	// instance version differs from Mutation.ExpectedVersion.
	Commit(ctx context.Context, m Mutation) (model.WorkflowInstance, error)

	// FindDueTimerTasks returns open timer tasks of running instances that
	// are due at or before cutoff, oldest first, at most limit.
	FindDueTimerTasks(ctx context.Context, cutoff time.Time, limit int) ([]model.WorkflowTask, error)

	// FindInstancesWithParallelGroups returns running instances whose context carries
	// parallel join bookkeeping, at most limit.
	FindInstancesWithParallelGroups(ctx context.Context, limit int) ([]model.WorkflowInstance, error)
}

// Mutation is the unit of work produced by one runtime call: the instance row
// plus every task, event and outbox message written alongside it.
type Mutation struct {
	Instance model.WorkflowInstance
	// Create inserts the instance instead of updating it.
	Create bool
	// ExpectedVersion is the version the instance was loaded at.
	ExpectedVersion int
	// Tasks are upserted by ID.
	Tasks  []model.WorkflowTask
	Events []model.WorkflowEvent
	// Outbox messages with an idempotency key that already exists are skipped.
	Outbox []model.OutboxMessage
}

// InstanceFilters are optional filters for listing workflow instances.
type InstanceFilters struct {
	DefinitionID string
	Limit        int
	Offset       int
}
