package model

import (
	"encoding/json"
	"time"
)

// Workflow instance status constants.
const (
	InstanceStatusRunning   = "Running"
	InstanceStatusCompleted = "Completed"
	InstanceStatusFailed    = "Failed"
	InstanceStatusCancelled = "Cancelled"
	InstanceStatusSuspended = "Suspended"
)

// IsTerminalStatus reports whether an instance in the given status can never
// progress again.
func IsTerminalStatus(status string) bool {
	switch status {
	case InstanceStatusCompleted, InstanceStatusFailed, InstanceStatusCancelled:
		return true
	}
	return false
}

// Task type constants.
const (
	TaskTypeHuman = "humanTask"
	TaskTypeTimer = "timer"
)

// Task status constants.
const (
	TaskStatusCreated    = "Created"
	TaskStatusClaimed    = "Claimed"
	TaskStatusInProgress = "InProgress"
	TaskStatusCompleted  = "Completed"
	TaskStatusCancelled  = "Cancelled"
	TaskStatusFailed     = "Failed"
)

// IsOpenTaskStatus reports whether a task in the given status still awaits
// completion.
func IsOpenTaskStatus(status string) bool {
	switch status {
	case TaskStatusCreated, TaskStatusClaimed, TaskStatusInProgress:
		return true
	}
	return false
}

// Workflow event type constants.
const (
	EventInstanceStarted   = "InstanceStarted"
	EventNodeEntered       = "NodeEntered"
	EventNodeCompleted     = "NodeCompleted"
	EventTaskCreated       = "TaskCreated"
	EventTaskCompleted     = "TaskCompleted"
	EventTaskCancelled     = "TaskCancelled"
	EventGatewayRouted     = "GatewayRouted"
	EventParallelForked    = "ParallelForked"
	EventJoinArrived       = "JoinArrived"
	EventJoinSatisfied     = "JoinSatisfied"
	EventJoinLateArrival   = "JoinLateArrival"
	EventJoinTimedOut      = "JoinTimedOut"
	EventBranchCancelled   = "BranchCancelled"
	EventTimerFired        = "TimerFired"
	EventActionSucceeded   = "ActionSucceeded"
	EventActionFailed      = "ActionFailed"
	EventInstanceSuspended = "InstanceSuspended"
	EventInstanceResumed   = "InstanceResumed"
	EventInstanceCompleted = "InstanceCompleted"
	EventInstanceFailed    = "InstanceFailed"
	EventInstanceCancelled = "InstanceCancelled"
)

// WorkflowDefinition is a versioned, tenant-scoped workflow DSL document.
// Published definitions are immutable.
type WorkflowDefinition struct {
	ID          string          `json:"id"`
	TenantID    string          `json:"tenant_id"`
	Name        string          `json:"name"`
	Version     int             `json:"version"`
	DSL         json.RawMessage `json:"dsl"`
	IsPublished bool            `json:"is_published"`
	PublishedAt *time.Time      `json:"published_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// WorkflowInstance is one execution of a published definition.
type WorkflowInstance struct {
	ID                string         `json:"id"`
	TenantID          string         `json:"tenant_id"`
	DefinitionID      string         `json:"definition_id"`
	DefinitionVersion int            `json:"definition_version"`
	Status            string         `json:"status"`
	CurrentNodeIDs    []string       `json:"current_node_ids"`
	Context           map[string]any `json:"context"`
	StartedBy         string         `json:"started_by"`
	StartedAt         time.Time      `json:"started_at"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty"`
	ErrorMessage      string         `json:"error_message,omitempty"`
	UpdatedAt         time.Time      `json:"updated_at"`
	Version           int            `json:"version"`
}

// WorkflowTask is a human or timer task created when a token rests on a node.
type WorkflowTask struct {
	ID             string          `json:"id"`
	TenantID       string          `json:"tenant_id"`
	InstanceID     string          `json:"instance_id"`
	NodeID         string          `json:"node_id"`
	Type           string          `json:"type"`
	Status         string          `json:"status"`
	Assignee       string          `json:"assignee,omitempty"`
	AssigneeRole   string          `json:"assignee_role,omitempty"`
	DueDate        *time.Time      `json:"due_date,omitempty"`
	CompletionData json.RawMessage `json:"completion_data,omitempty"`
	CompletedBy    string          `json:"completed_by,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

// WorkflowEvent records an entry in an instance's append-only audit trail.
type WorkflowEvent struct {
	ID         string         `json:"id"`
	TenantID   string         `json:"tenant_id"`
	InstanceID string         `json:"instance_id"`
	NodeID     string         `json:"node_id,omitempty"`
	Type       string         `json:"type"`
	Name       string         `json:"name,omitempty"`
	ActorID    string         `json:"actor_id,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// OutboxMessage is an integration event persisted in the same transaction as
// the state change that produced it.
type OutboxMessage struct {
	ID             string          `json:"id"`
	TenantID       string          `json:"tenant_id"`
	InstanceID     string          `json:"instance_id"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotency_key"`
	IsProcessed    bool            `json:"is_processed"`
	ProcessedAt    *time.Time      `json:"processed_at,omitempty"`
	RetryCount     int             `json:"retry_count"`
	LastError      string          `json:"last_error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}
