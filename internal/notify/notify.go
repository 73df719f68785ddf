// Package notify delivers best-effort change notifications after a workflow
// mutation commits. Delivery failures never affect the committed state.
package notify

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/pitabwire/loom/internal/observability"
)

// Notification kinds.
const (
	KindTaskCreated       = "task.created"
	KindTaskCompleted     = "task.completed"
	KindTaskCancelled     = "task.cancelled"
	KindInstanceCompleted = "instance.completed"
	KindInstanceFailed    = "instance.failed"
	KindInstanceSuspended = "instance.suspended"
	KindInstanceCancelled = "instance.cancelled"
)

// Notification describes one instance or task state change.
type Notification struct {
	Kind       string         `json:"kind"`
	TenantID   string         `json:"tenant_id"`
	InstanceID string         `json:"instance_id"`
	NodeID     string         `json:"node_id,omitempty"`
	TaskID     string         `json:"task_id,omitempty"`
	Assignee   string         `json:"assignee,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

// Notifier receives notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Nop discards notifications.
type Nop struct{}

// Notify implements Notifier.
func (Nop) Notify(context.Context, Notification) error { return nil }

// Log writes notifications to a zap logger, redacting sensitive data fields.
type Log struct {
	logger          *zap.Logger
	sensitiveFields []string
}

// NewLog creates a logging Notifier.
func NewLog(logger *zap.Logger, sensitiveFields ...string) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{logger: logger, sensitiveFields: sensitiveFields}
}

// Notify implements Notifier.
func (l *Log) Notify(_ context.Context, n Notification) error {
	l.logger.Info("workflow notification",
		zap.String("kind", n.Kind),
		zap.String("tenant_id", n.TenantID),
		zap.String("instance_id", n.InstanceID),
		zap.String("node_id", n.NodeID),
		zap.String("task_id", n.TaskID),
		zap.String("assignee", n.Assignee),
		zap.Any("data", observability.Redact(n.Data, l.sensitiveFields...)),
	)
	return nil
}

// Func adapts a function to Notifier.
type Func func(ctx context.Context, n Notification) error

// Notify implements Notifier.
func (f Func) Notify(ctx context.Context, n Notification) error { return f(ctx, n) }

// Deliver sends each notification in order. Errors and panics are logged and
// swallowed.
func Deliver(ctx context.Context, notifier Notifier, logger *zap.Logger, notes ...Notification) {
	if notifier == nil {
		return
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	for _, n := range notes {
		if err := safeNotify(ctx, notifier, n); err != nil {
			logger.Warn("notification delivery failed",
				zap.String("kind", n.Kind),
				zap.String("instance_id", n.InstanceID),
				zap.Error(err),
			)
		}
	}
}

func safeNotify(ctx context.Context, notifier Notifier, n Notification) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("notifier panic: %v", rec)
		}
	}()
	return notifier.Notify(ctx, n)
}
