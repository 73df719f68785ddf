package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/loom/internal/action"
	"github.com/pitabwire/loom/internal/condition"
	"github.com/pitabwire/loom/internal/definition"
	"github.com/pitabwire/loom/internal/lock"
	"github.com/pitabwire/loom/internal/notify"
	"github.com/pitabwire/loom/internal/observability"
	"github.com/pitabwire/loom/model"
)

const (
	defaultMaxHops         = 10000
	defaultLockTTL         = 30 * time.Second
	defaultConflictRetries = 3
	defaultConflictBackoff = 50 * time.Millisecond
)

// Runtime executes workflow instances against published definitions.
type Runtime struct {
	store       Store
	definitions *definition.Registry
	actions     *action.Registry
	evaluator   condition.Evaluator
	locker      lock.Locker
	notifier    notify.Notifier
	metrics     *observability.Metrics
	logger      *zap.Logger

	maxHops         int
	lockTTL         time.Duration
	conflictRetries int
	conflictBackoff time.Duration
	now             func() time.Time
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithEvaluator sets the condition evaluator used by exclusive gateways.
func WithEvaluator(e condition.Evaluator) Option {
	return func(rt *Runtime) { rt.evaluator = e }
}

// WithLocker sets the per-instance lock.
func WithLocker(l lock.Locker, ttl time.Duration) Option {
	return func(rt *Runtime) {
		rt.locker = l
		if ttl > 0 {
			rt.lockTTL = ttl
		}
	}
}

// WithNotifier sets the post-commit notifier.
func WithNotifier(n notify.Notifier) Option {
	return func(rt *Runtime) { rt.notifier = n }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(rt *Runtime) { rt.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(rt *Runtime) {
		if l != nil {
			rt.logger = l
		}
	}
}

// WithMaxHops bounds the node transitions of a single call.
func WithMaxHops(n int) Option {
	return func(rt *Runtime) {
		if n > 0 {
			rt.maxHops = n
		}
	}
}

// WithConflictRetry sets how often a call that lost a lock or version race is
// retried, and the constant delay between attempts.
func WithConflictRetry(retries int, interval time.Duration) Option {
	return func(rt *Runtime) {
		if retries >= 0 {
			rt.conflictRetries = retries
		}
		if interval > 0 {
			rt.conflictBackoff = interval
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(rt *Runtime) { rt.now = now }
}

// NewRuntime creates a workflow runtime.
func NewRuntime(store Store, definitions *definition.Registry, actions *action.Registry, opts ...Option) *Runtime {
	rt := &Runtime{
		store:           store,
		definitions:     definitions,
		actions:         actions,
		evaluator:       condition.NewEngine(0),
		locker:          lock.Nop{},
		notifier:        notify.Nop{},
		logger:          zap.NewNop(),
		maxHops:         defaultMaxHops,
		lockTTL:         defaultLockTTL,
		conflictRetries: defaultConflictRetries,
		conflictBackoff: defaultConflictBackoff,
		now:             time.Now,
	}
	if rt.actions == nil {
		rt.actions = action.NewRegistry(nil, action.Noop{})
	}
	for _, opt := range opts {
		opt(rt)
	}
	return rt
}

// CompleteTaskRequest identifies the human task being completed.
type CompleteTaskRequest struct {
	InstanceID string
	NodeID     string
	// UserID overrides the request context user as the completing actor.
	UserID string
	// Data is merged into the instance context under "task_<nodeId>".
	Data json.RawMessage
	// CancelSiblings cancels every other open human task of the instance.
	CancelSiblings bool
}

// Start creates an instance of a published definition and advances it until
// every token waits or the instance finishes.
func (rt *Runtime) Start(ctx context.Context, definitionID string, initialContext json.RawMessage, startedBy string) (inst model.WorkflowInstance, err error) {
	rctx, err := model.TenantFrom(ctx)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	ctx, span := observability.StartSpan(ctx, "workflow.start",
		observability.AttrTenantID.String(rctx.TenantID),
		observability.AttrDefinitionID.String(definitionID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	// 1. Resolve the published definition.
	compiled, err := rt.definitions.Published(ctx, rctx.TenantID, definitionID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	start, err := compiled.Graph.StartNode()
	if err != nil {
		return model.WorkflowInstance{}, err
	}

	// 2. Seed the context.
	seed, err := payloadObject(initialContext)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	if startedBy == "" {
		startedBy = rctx.ActorID()
	}

	// 3. Build the instance with a single token on the start node.
	now := rt.now().UTC()
	inst = model.WorkflowInstance{
		ID:                uuid.New().String(),
		TenantID:          rctx.TenantID,
		DefinitionID:      compiled.Definition.ID,
		DefinitionVersion: compiled.Definition.Version,
		Status:            model.InstanceStatusRunning,
		CurrentNodeIDs:    []string{start.ID},
		Context:           seed,
		StartedBy:         startedBy,
		StartedAt:         now,
		UpdatedAt:         now,
	}

	r, err := rt.newRun(ctx, compiled, inst, nil, startedBy)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	r.create = true
	r.emit(start.ID, model.EventInstanceStarted, "", map[string]any{"definitionVersion": inst.DefinitionVersion})
	r.enqueue(model.EventInstanceStarted, "started", map[string]any{
		"definitionId":      inst.DefinitionID,
		"definitionVersion": inst.DefinitionVersion,
		"startedBy":         startedBy,
	})

	// 4. Initial advance. Configuration errors abort before anything persists.
	if err := r.advance(); err != nil {
		return model.WorkflowInstance{}, err
	}

	// 5. Persist everything in one commit.
	saved, err := rt.commit(r)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	rt.metrics.RecordWorkflowStart(inst.DefinitionID)
	r.logger().Info("workflow started", zap.String("status", saved.Status))
	return saved, nil
}

// Continue re-runs the instance's current nodes. It is safe to call at any
// time; instances that are not running are returned unchanged.
func (rt *Runtime) Continue(ctx context.Context, instanceID string) (model.WorkflowInstance, error) {
	inst, err := rt.mutate(ctx, "continue", instanceID, func(r *run) error {
		if r.inst.Status != model.InstanceStatusRunning {
			return nil
		}
		return r.advance()
	})
	if isLostRace(err) {
		rt.metrics.RecordLostRace("continue")
		observability.InstanceLogger(ctx, rt.logger, instanceID, "").Warn("continue abandoned after lost race", zap.Error(err))
		return rt.Get(ctx, instanceID)
	}
	return inst, err
}

// CompleteTask completes the open human task at req.NodeID and advances the
// instance past it.
func (rt *Runtime) CompleteTask(ctx context.Context, req CompleteTaskRequest) (model.WorkflowInstance, error) {
	data, err := payloadObject(req.Data)
	if err != nil {
		return model.WorkflowInstance{}, err
	}

	return rt.mutate(ctx, "complete_task", req.InstanceID, func(r *run) error {
		// 1. The instance must be running with an open task at the node.
		if r.inst.Status != model.InstanceStatusRunning {
			return model.NewInstanceNotActiveError(r.inst.ID, r.inst.Status)
		}
		node, ok := r.graph.Node(req.NodeID)
		if !ok || node.Type != "humanTask" {
			return model.NewTaskNotOpenError(r.inst.ID, req.NodeID)
		}
		task := r.openTask(req.NodeID, model.TaskTypeHuman)
		if task == nil || !r.hasToken(req.NodeID) {
			return model.NewTaskNotOpenError(r.inst.ID, req.NodeID)
		}

		// 2. Complete the task and merge its data.
		actor := req.UserID
		if actor == "" {
			actor = r.actor
		}
		r.actor = actor
		raw, _ := json.Marshal(data)
		r.completeTask(task, actor, raw)
		r.mergeContext("task_"+req.NodeID, data)

		// 3. Optionally cancel the remaining open human tasks.
		if req.CancelSiblings {
			for _, other := range r.openTasks(model.TaskTypeHuman) {
				if other.NodeID == req.NodeID {
					continue
				}
				r.cancelTask(other, "sibling completed")
				r.removeToken(other.NodeID)
				r.withdraw(other.NodeID)
			}
		}

		// 4. Move past the node and advance.
		targets, err := r.next(node)
		if err != nil {
			return err
		}
		r.move(node.ID, targets)
		return r.advance()
	})
}

// Resume reactivates a suspended instance and re-runs its current nodes.
func (rt *Runtime) Resume(ctx context.Context, instanceID string) (model.WorkflowInstance, error) {
	return rt.mutate(ctx, "resume", instanceID, func(r *run) error {
		if r.inst.Status != model.InstanceStatusSuspended {
			return model.NewInstanceNotActiveError(r.inst.ID, r.inst.Status)
		}
		r.setStatus(model.InstanceStatusRunning)
		r.inst.ErrorMessage = ""
		r.emit("", model.EventInstanceResumed, "", nil)
		r.enqueue(model.EventInstanceResumed, "", nil)
		return r.advance()
	})
}

// Cancel stops a running or suspended instance, cancelling its open tasks.
func (rt *Runtime) Cancel(ctx context.Context, instanceID, reason string) (model.WorkflowInstance, error) {
	return rt.mutate(ctx, "cancel", instanceID, func(r *run) error {
		if model.IsTerminalStatus(r.inst.Status) {
			return model.NewInstanceNotActiveError(r.inst.ID, r.inst.Status)
		}
		r.cancel(reason)
		return nil
	})
}

// Get returns an instance of the caller's tenant.
func (rt *Runtime) Get(ctx context.Context, instanceID string) (model.WorkflowInstance, error) {
	rctx, err := model.TenantFrom(ctx)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	return rt.store.GetInstance(ctx, rctx.TenantID, instanceID)
}

// Listing bounds for Active.
const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Active lists the caller's running instances, newest first. A missing or
// oversized limit falls back to the listing bounds.
func (rt *Runtime) Active(ctx context.Context, filters InstanceFilters) ([]model.WorkflowInstance, error) {
	rctx, err := model.TenantFrom(ctx)
	if err != nil {
		return nil, err
	}
	if filters.Limit <= 0 {
		filters.Limit = defaultListLimit
	}
	if filters.Limit > maxListLimit {
		filters.Limit = maxListLimit
	}
	if filters.Offset < 0 {
		filters.Offset = 0
	}
	return rt.store.FindActive(ctx, rctx.TenantID, filters)
}

// Tasks returns the instance's tasks.
func (rt *Runtime) Tasks(ctx context.Context, instanceID string) ([]model.WorkflowTask, error) {
	rctx, err := model.TenantFrom(ctx)
	if err != nil {
		return nil, err
	}
	return rt.store.ListTasks(ctx, rctx.TenantID, instanceID)
}

// Events returns the instance's audit trail.
func (rt *Runtime) Events(ctx context.Context, instanceID string) ([]model.WorkflowEvent, error) {
	rctx, err := model.TenantFrom(ctx)
	if err != nil {
		return nil, err
	}
	return rt.store.ListEvents(ctx, rctx.TenantID, instanceID)
}

// ResolveJoinTimeouts applies every due join timeout of the instance. It
// reports whether any timeout was applied. State is re-read under the lock so
// concurrent scanners apply each timeout once.
func (rt *Runtime) ResolveJoinTimeouts(ctx context.Context, instanceID string, now time.Time) (bool, error) {
	applied := false
	_, err := rt.mutate(ctx, "join_timeout", instanceID, func(r *run) error {
		if r.inst.Status != model.InstanceStatusRunning {
			return nil
		}
		n, err := r.applyJoinTimeouts(now)
		if err != nil {
			return err
		}
		applied = n > 0
		if !applied || r.inst.Status != model.InstanceStatusRunning {
			return nil
		}
		return r.advance()
	})
	if isLostRace(err) {
		rt.metrics.RecordLostRace("join_timeout")
		return false, nil
	}
	return applied, err
}

// mutate runs fn against a freshly loaded instance under the instance lock
// and commits the result. Lost lock or version races are retried.
func (rt *Runtime) mutate(ctx context.Context, operation, instanceID string, fn func(r *run) error) (inst model.WorkflowInstance, err error) {
	rctx, err := model.TenantFrom(ctx)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	ctx, span := observability.StartSpan(ctx, "workflow."+operation,
		observability.AttrTenantID.String(rctx.TenantID),
		observability.AttrInstanceID.String(instanceID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	attempt := func() error {
		var opErr error
		inst, opErr = rt.mutateOnce(ctx, rctx, instanceID, fn)
		if opErr != nil && !isLostRace(opErr) {
			return backoff.Permanent(opErr)
		}
		return opErr
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(rt.conflictBackoff), uint64(rt.conflictRetries)),
		ctx,
	)
	if err := backoff.Retry(attempt, policy); err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return model.WorkflowInstance{}, perm.Err
		}
		return model.WorkflowInstance{}, err
	}
	return inst, nil
}

func (rt *Runtime) mutateOnce(ctx context.Context, rctx *model.RequestContext, instanceID string, fn func(r *run) error) (model.WorkflowInstance, error) {
	// 1. Take the instance lock.
	lease, err := rt.locker.Acquire(ctx, lock.InstanceKey(rctx.TenantID, instanceID), rt.lockTTL)
	if errors.Is(err, lock.ErrNotAcquired) {
		return model.WorkflowInstance{}, model.NewLockedError(fmt.Sprintf("workflow instance %q is locked", instanceID))
	}
	if err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("acquire instance lock: %w", err)
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			observability.InstanceLogger(ctx, rt.logger, instanceID, "").Warn("instance lock release failed", zap.Error(err))
		}
	}()

	// 2. Load the instance, its definition and tasks.
	inst, err := rt.store.GetInstance(ctx, rctx.TenantID, instanceID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	compiled, err := rt.definitions.Published(ctx, inst.TenantID, inst.DefinitionID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	tasks, err := rt.store.ListTasks(ctx, inst.TenantID, inst.ID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}

	// 3. Mutate.
	r, err := rt.newRun(ctx, compiled, inst, tasks, rctx.ActorID())
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	if err := fn(r); err != nil {
		return model.WorkflowInstance{}, err
	}
	if !r.dirty {
		return inst, nil
	}

	// 4. Commit with the loaded version.
	return rt.commit(r)
}

// commit persists a run and delivers its notifications.
func (rt *Runtime) commit(r *run) (model.WorkflowInstance, error) {
	m, err := r.mutation()
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	saved, err := rt.store.Commit(r.ctx, m)
	if err != nil {
		return model.WorkflowInstance{}, err
	}

	if saved.Status != r.loadedStatus {
		switch saved.Status {
		case model.InstanceStatusCompleted, model.InstanceStatusFailed, model.InstanceStatusCancelled, model.InstanceStatusSuspended:
			rt.metrics.RecordWorkflowCompletion(saved.DefinitionID, saved.Status)
			r.logger().Info("workflow status changed",
				zap.String("from", r.loadedStatus),
				zap.String("to", saved.Status),
				zap.String("error_message", saved.ErrorMessage),
			)
		}
	}

	notify.Deliver(context.WithoutCancel(r.ctx), rt.notifier, rt.logger, r.notes...)
	return saved, nil
}

// isLostRace reports whether err came from a lock or version conflict.
func isLostRace(err error) bool {
	return model.IsCode(err, model.ErrConflict) || model.IsCode(err, model.ErrLocked)
}

// payloadObject decodes a JSON payload into an object. Empty payloads yield
// an empty object; non-object values are wrapped as {"raw": value}.
func payloadObject(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, model.NewConfigurationError("payload is not valid JSON: %v", err)
	}
	switch val := v.(type) {
	case map[string]any:
		return val, nil
	case nil:
		return map[string]any{}, nil
	default:
		return map[string]any{"raw": val}, nil
	}
}
