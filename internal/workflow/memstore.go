package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/loom/model"
)

// MemoryStore is an in-memory Store and outbox store. It is used by tests
// and by single-process deployments.
type MemoryStore struct {
	mu          sync.RWMutex
	definitions map[string]model.WorkflowDefinition // key: tenant/id
	instances   map[string]model.WorkflowInstance   // key: instance ID
	tasks       map[string]model.WorkflowTask       // key: task ID
	taskOrder   map[string][]string                 // key: instance ID
	events      map[string][]model.WorkflowEvent    // key: instance ID
	outbox      []model.OutboxMessage
	outboxKeys  map[string]bool
	now         func() time.Time
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		definitions: make(map[string]model.WorkflowDefinition),
		instances:   make(map[string]model.WorkflowInstance),
		tasks:       make(map[string]model.WorkflowTask),
		taskOrder:   make(map[string][]string),
		events:      make(map[string][]model.WorkflowEvent),
		outboxKeys:  make(map[string]bool),
		now:         time.Now,
	}
}

// GetDefinition retrieves a definition by ID, scoped to tenant.
func (s *MemoryStore) GetDefinition(_ context.Context, tenantID, id string) (model.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	def, ok := s.definitions[tenantID+"/"+id]
	if !ok {
		return model.WorkflowDefinition{}, model.NewNotFoundError(
			fmt.Sprintf("workflow definition %q not found", id),
		)
	}
	return def, nil
}

// SaveDefinition stores a definition unless a published one already exists.
func (s *MemoryStore) SaveDefinition(_ context.Context, def model.WorkflowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := def.TenantID + "/" + def.ID
	if existing, ok := s.definitions[key]; ok && existing.IsPublished {
		return model.NewConflictError(
			fmt.Sprintf("workflow definition %q is published and immutable", def.ID),
		)
	}
	s.definitions[key] = def
	return nil
}

// GetInstance retrieves a workflow instance by ID, scoped to tenant.
func (s *MemoryStore) GetInstance(_ context.Context, tenantID, instanceID string) (model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, exists := s.instances[instanceID]
	if !exists || inst.TenantID != tenantID {
		return model.WorkflowInstance{}, model.NewNotFoundError(
			fmt.Sprintf("workflow instance %q not found", instanceID),
		)
	}
	return cloneInstance(inst), nil
}

// ListTasks returns the instance's tasks in creation order.
func (s *MemoryStore) ListTasks(_ context.Context, tenantID, instanceID string) ([]model.WorkflowTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if inst, ok := s.instances[instanceID]; !ok || inst.TenantID != tenantID {
		return nil, model.NewNotFoundError(
			fmt.Sprintf("workflow instance %q not found", instanceID),
		)
	}

	ids := s.taskOrder[instanceID]
	result := make([]model.WorkflowTask, 0, len(ids))
	for _, id := range ids {
		result = append(result, s.tasks[id])
	}
	return result, nil
}

// ListEvents retrieves all events for a workflow instance, ordered by time.
func (s *MemoryStore) ListEvents(_ context.Context, tenantID, instanceID string) ([]model.WorkflowEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, exists := s.instances[instanceID]
	if !exists || inst.TenantID != tenantID {
		return nil, model.NewNotFoundError(
			fmt.Sprintf("workflow instance %q not found", instanceID),
		)
	}

	events := s.events[instanceID]
	result := make([]model.WorkflowEvent, len(events))
	copy(result, events)
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].OccurredAt.Before(result[j].OccurredAt)
	})
	return result, nil
}

// FindActive returns running workflow instances for a tenant.
func (s *MemoryStore) FindActive(_ context.Context, tenantID string, filters InstanceFilters) ([]model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.WorkflowInstance
	for _, inst := range s.instances {
		if inst.TenantID != tenantID || inst.Status != model.InstanceStatusRunning {
			continue
		}
		if filters.DefinitionID != "" && inst.DefinitionID != filters.DefinitionID {
			continue
		}
		result = append(result, cloneInstance(inst))
	}

	// Sort by started_at descending.
	sort.Slice(result, func(i, j int) bool {
		return result[i].StartedAt.After(result[j].StartedAt)
	})

	if filters.Offset > 0 {
		if filters.Offset >= len(result) {
			return []model.WorkflowInstance{}, nil
		}
		result = result[filters.Offset:]
	}
	if filters.Limit > 0 && filters.Limit < len(result) {
		result = result[:filters.Limit]
	}
	return result, nil
}

// Commit applies a mutation atomically with optimistic locking.
func (s *MemoryStore) Commit(_ context.Context, m Mutation) (model.WorkflowInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst := cloneInstance(m.Instance)
	existing, exists := s.instances[inst.ID]
	switch {
	case m.Create && exists:
		return model.WorkflowInstance{}, model.NewConflictError(
			fmt.Sprintf("workflow instance %q already exists", inst.ID),
		)
	case !m.Create && !exists:
		return model.WorkflowInstance{}, model.NewNotFoundError(
			fmt.Sprintf("workflow instance %q not found", inst.ID),
		)
	case !m.Create && existing.Version != m.ExpectedVersion:
		return model.WorkflowInstance{}, model.NewConflictError(
			fmt.Sprintf("workflow instance %q version conflict (expected %d, got %d)", inst.ID, m.ExpectedVersion, existing.Version),
		)
	}

	if m.Create {
		inst.Version = 1
	} else {
		inst.Version = existing.Version + 1
	}
	inst.UpdatedAt = s.now().UTC()
	s.instances[inst.ID] = inst

	for _, t := range m.Tasks {
		if _, seen := s.tasks[t.ID]; !seen {
			s.taskOrder[t.InstanceID] = append(s.taskOrder[t.InstanceID], t.ID)
		}
		s.tasks[t.ID] = t
	}
	s.events[inst.ID] = append(s.events[inst.ID], m.Events...)
	for _, msg := range m.Outbox {
		if msg.IdempotencyKey != "" && s.outboxKeys[msg.IdempotencyKey] {
			continue
		}
		s.outboxKeys[msg.IdempotencyKey] = true
		s.outbox = append(s.outbox, msg)
	}

	return cloneInstance(inst), nil
}

// FindDueTimerTasks returns open timer tasks of running instances due at or
// before cutoff.
func (s *MemoryStore) FindDueTimerTasks(_ context.Context, cutoff time.Time, limit int) ([]model.WorkflowTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.WorkflowTask
	for _, t := range s.tasks {
		if t.Type != model.TaskTypeTimer || !model.IsOpenTaskStatus(t.Status) || t.DueDate == nil {
			continue
		}
		if t.DueDate.After(cutoff) {
			continue
		}
		if inst, ok := s.instances[t.InstanceID]; !ok || inst.Status != model.InstanceStatusRunning {
			continue
		}
		result = append(result, t)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].DueDate.Before(*result[j].DueDate)
	})
	if limit > 0 && limit < len(result) {
		result = result[:limit]
	}
	return result, nil
}

// FindInstancesWithParallelGroups returns running instances carrying join bookkeeping.
func (s *MemoryStore) FindInstancesWithParallelGroups(_ context.Context, limit int) ([]model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.WorkflowInstance
	for _, inst := range s.instances {
		if inst.Status != model.InstanceStatusRunning {
			continue
		}
		if _, ok := inst.Context[parallelGroupsKey]; !ok {
			continue
		}
		result = append(result, cloneInstance(inst))
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.Before(result[j].UpdatedAt)
	})
	if limit > 0 && limit < len(result) {
		result = result[:limit]
	}
	return result, nil
}

// --- Outbox ---

// FetchUnprocessed returns unprocessed outbox messages in creation order.
func (s *MemoryStore) FetchUnprocessed(_ context.Context, limit int) ([]model.OutboxMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.OutboxMessage
	for _, msg := range s.outbox {
		if msg.IsProcessed {
			continue
		}
		result = append(result, msg)
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if limit > 0 && limit < len(result) {
		result = result[:limit]
	}
	return result, nil
}

// MarkProcessed flags a message as processed if it is not already. It
// reports whether this call made the change.
func (s *MemoryStore) MarkProcessed(_ context.Context, id string, at time.Time, lastError string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.outbox {
		if s.outbox[i].ID != id {
			continue
		}
		if s.outbox[i].IsProcessed {
			return false, nil
		}
		processedAt := at.UTC()
		s.outbox[i].IsProcessed = true
		s.outbox[i].ProcessedAt = &processedAt
		if lastError != "" {
			s.outbox[i].LastError = lastError
		}
		return true, nil
	}
	return false, model.NewNotFoundError(fmt.Sprintf("outbox message %q not found", id))
}

// RecordFailure stores the retry count and last error of a failed dispatch.
func (s *MemoryStore) RecordFailure(_ context.Context, id string, retryCount int, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.outbox {
		if s.outbox[i].ID == id {
			s.outbox[i].RetryCount = retryCount
			s.outbox[i].LastError = lastError
			return nil
		}
	}
	return model.NewNotFoundError(fmt.Sprintf("outbox message %q not found", id))
}

// OutboxMessages returns a copy of every outbox message. For testing.
func (s *MemoryStore) OutboxMessages() []model.OutboxMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]model.OutboxMessage, len(s.outbox))
	copy(result, s.outbox)
	return result
}

// AddOutbox appends outbox messages directly. For testing.
func (s *MemoryStore) AddOutbox(msgs ...model.OutboxMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outbox = append(s.outbox, msgs...)
}

// HealthCheck implements observability.HealthChecker.
func (s *MemoryStore) HealthCheck(context.Context) error { return nil }

// Len returns the total number of instances. For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.instances)
}

// cloneInstance deep-copies the mutable parts of an instance so callers
// never share maps with the store.
func cloneInstance(inst model.WorkflowInstance) model.WorkflowInstance {
	inst.CurrentNodeIDs = append([]string(nil), inst.CurrentNodeIDs...)
	if inst.Context != nil {
		raw, err := json.Marshal(inst.Context)
		if err == nil {
			var ctx map[string]any
			if json.Unmarshal(raw, &ctx) == nil {
				inst.Context = ctx
			}
		}
	}
	return inst
}
