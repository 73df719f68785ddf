package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/loom/internal/definition"
	"github.com/pitabwire/loom/internal/dsl"
	"github.com/pitabwire/loom/internal/notify"
	"github.com/pitabwire/loom/internal/observability"
	"github.com/pitabwire/loom/model"
)

// parallelGroupsKey is the reserved context key holding parallel join
// bookkeeping, keyed by gateway ID.
const parallelGroupsKey = "_parallelGroups"

// run is the in-memory working copy of one instance during a single runtime
// call. Nothing it records is visible until the Mutation it builds commits.
type run struct {
	rt    *Runtime
	ctx   context.Context
	graph *dsl.Graph

	inst         model.WorkflowInstance
	loadedStatus string
	create       bool

	tasks   []*model.WorkflowTask
	touched map[string]bool
	events  []model.WorkflowEvent
	outbox  []model.OutboxMessage
	notes   []notify.Notification

	groups map[string]*parallelGroup

	hops  int
	held  map[string]bool
	dirty bool
	now   time.Time
	actor string
}

func (rt *Runtime) newRun(ctx context.Context, compiled *definition.Compiled, inst model.WorkflowInstance, tasks []model.WorkflowTask, actor string) (*run, error) {
	if inst.Context == nil {
		inst.Context = map[string]any{}
	}
	r := &run{
		rt:           rt,
		ctx:          ctx,
		graph:        compiled.Graph,
		inst:         inst,
		loadedStatus: inst.Status,
		touched:      map[string]bool{},
		held:         map[string]bool{},
		now:          rt.now().UTC(),
		actor:        actor,
	}
	for i := range tasks {
		t := tasks[i]
		r.tasks = append(r.tasks, &t)
	}
	groups, err := decodeGroups(inst.Context[parallelGroupsKey])
	if err != nil {
		return nil, fmt.Errorf("instance %s: %w", inst.ID, err)
	}
	r.groups = groups
	return r, nil
}

func (r *run) logger() *zap.Logger {
	return observability.InstanceLogger(r.ctx, r.rt.logger, r.inst.ID, r.inst.DefinitionID)
}

// mutation builds the commit for everything the run recorded.
func (r *run) mutation() (Mutation, error) {
	if len(r.groups) > 0 {
		encoded, err := encodeGroups(r.groups)
		if err != nil {
			return Mutation{}, err
		}
		r.inst.Context[parallelGroupsKey] = encoded
	} else {
		delete(r.inst.Context, parallelGroupsKey)
	}
	if r.inst.CurrentNodeIDs == nil {
		r.inst.CurrentNodeIDs = []string{}
	}

	m := Mutation{
		Instance:        r.inst,
		Create:          r.create,
		ExpectedVersion: r.inst.Version,
		Events:          r.events,
		Outbox:          r.outbox,
	}
	for _, t := range r.tasks {
		if r.touched[t.ID] {
			m.Tasks = append(m.Tasks, *t)
		}
	}
	return m, nil
}

// ---------------------------------------------------------------------------
// Tokens
// ---------------------------------------------------------------------------

func (r *run) hasToken(nodeID string) bool {
	return slices.Contains(r.inst.CurrentNodeIDs, nodeID)
}

func (r *run) addToken(nodeID string) {
	if r.hasToken(nodeID) {
		return
	}
	r.inst.CurrentNodeIDs = append(r.inst.CurrentNodeIDs, nodeID)
	r.dirty = true
}

func (r *run) removeToken(nodeID string) {
	idx := slices.Index(r.inst.CurrentNodeIDs, nodeID)
	if idx < 0 {
		return
	}
	r.inst.CurrentNodeIDs = slices.Delete(r.inst.CurrentNodeIDs, idx, idx+1)
	r.dirty = true
}

// move replaces the token on from with tokens on targets, carrying every
// parallel branch positioned on from along with it.
func (r *run) move(from string, targets []string) {
	r.removeToken(from)
	r.emit(from, model.EventNodeCompleted, "", nil)
	for _, g := range r.groups {
		g.move(from, targets)
	}
	for _, to := range targets {
		if !r.hasToken(to) {
			r.emit(to, model.EventNodeEntered, "", nil)
		}
		r.addToken(to)
		// A node re-entered in this call runs again.
		delete(r.held, to)
	}
}

// next returns the target of the first declared outgoing edge.
func (r *run) next(node *dsl.Node) ([]string, error) {
	edges := r.graph.Outgoing(node.ID)
	if len(edges) == 0 {
		return nil, model.NewConfigurationError("node %q has no outgoing edges", node.ID)
	}
	return []string{edges[0].To}, nil
}

// ---------------------------------------------------------------------------
// Tasks
// ---------------------------------------------------------------------------

func (r *run) openTask(nodeID, taskType string) *model.WorkflowTask {
	for _, t := range r.tasks {
		if t.NodeID == nodeID && t.Type == taskType && model.IsOpenTaskStatus(t.Status) {
			return t
		}
	}
	return nil
}

func (r *run) openTasks(taskType string) []*model.WorkflowTask {
	var out []*model.WorkflowTask
	for _, t := range r.tasks {
		if (taskType == "" || t.Type == taskType) && model.IsOpenTaskStatus(t.Status) {
			out = append(out, t)
		}
	}
	return out
}

func (r *run) addTask(t model.WorkflowTask) *model.WorkflowTask {
	t.ID = uuid.New().String()
	t.TenantID = r.inst.TenantID
	t.InstanceID = r.inst.ID
	t.Status = model.TaskStatusCreated
	t.CreatedAt = r.now
	r.tasks = append(r.tasks, &t)
	r.touch(&t)
	return &t
}

func (r *run) touch(t *model.WorkflowTask) {
	r.touched[t.ID] = true
	r.dirty = true
}

// completeTask marks a human task completed and records the audit event,
// outbox message and notification.
func (r *run) completeTask(t *model.WorkflowTask, actor string, data json.RawMessage) {
	now := r.now
	t.Status = model.TaskStatusCompleted
	t.CompletedAt = &now
	t.CompletedBy = actor
	t.CompletionData = data
	r.touch(t)

	r.emit(t.NodeID, model.EventTaskCompleted, "", map[string]any{"taskId": t.ID, "completedBy": actor})
	r.enqueue(model.EventTaskCompleted, t.ID, map[string]any{"taskId": t.ID, "nodeId": t.NodeID, "completedBy": actor})
	r.notify(notify.KindTaskCompleted, t)
}

func (r *run) cancelTask(t *model.WorkflowTask, reason string) {
	now := r.now
	t.Status = model.TaskStatusCancelled
	t.CompletedAt = &now
	r.touch(t)

	r.emit(t.NodeID, model.EventTaskCancelled, "", map[string]any{"taskId": t.ID, "reason": reason})
	if t.Type == model.TaskTypeHuman {
		r.notify(notify.KindTaskCancelled, t)
	}
}

// ---------------------------------------------------------------------------
// Context
// ---------------------------------------------------------------------------

func (r *run) mergeContext(key string, value any) {
	r.inst.Context[key] = value
	r.dirty = true
}

// ---------------------------------------------------------------------------
// Status transitions
// ---------------------------------------------------------------------------

func (r *run) setStatus(status string) {
	r.inst.Status = status
	r.dirty = true
}

func (r *run) finish(status string) {
	now := r.now
	r.setStatus(status)
	r.inst.CompletedAt = &now
}

// complete moves a running instance without tokens to Completed. The status
// check keeps the terminal event single.
func (r *run) complete() {
	if r.inst.Status != model.InstanceStatusRunning {
		return
	}
	r.finish(model.InstanceStatusCompleted)
	r.emit("", model.EventInstanceCompleted, "", nil)
	r.enqueue(model.EventInstanceCompleted, "final", nil)
	r.notes = append(r.notes, r.instanceNote(notify.KindInstanceCompleted))
}

// fail moves the instance to Failed and cancels its open tasks.
func (r *run) fail(msg string) {
	if model.IsTerminalStatus(r.inst.Status) {
		return
	}
	for _, t := range r.openTasks("") {
		r.cancelTask(t, "instance failed")
	}
	r.finish(model.InstanceStatusFailed)
	r.inst.ErrorMessage = msg
	r.emit("", model.EventInstanceFailed, "", map[string]any{"error": msg})
	r.enqueue(model.EventInstanceFailed, "final", map[string]any{"error": msg})
	note := r.instanceNote(notify.KindInstanceFailed)
	note.Data = map[string]any{"error": msg}
	r.notes = append(r.notes, note)
}

// suspend parks the instance until an operator resumes it. Tokens and tasks
// are kept.
func (r *run) suspend(nodeID, reason string) {
	if r.inst.Status != model.InstanceStatusRunning {
		return
	}
	r.setStatus(model.InstanceStatusSuspended)
	r.inst.ErrorMessage = reason
	r.emit(nodeID, model.EventInstanceSuspended, "", map[string]any{"reason": reason})
	r.enqueue(model.EventInstanceSuspended, "", map[string]any{"nodeId": nodeID, "reason": reason})
	note := r.instanceNote(notify.KindInstanceSuspended)
	note.NodeID = nodeID
	note.Data = map[string]any{"reason": reason}
	r.notes = append(r.notes, note)
}

func (r *run) cancel(reason string) {
	for _, t := range r.openTasks("") {
		r.cancelTask(t, "instance cancelled")
	}
	r.inst.CurrentNodeIDs = []string{}
	r.finish(model.InstanceStatusCancelled)
	r.emit("", model.EventInstanceCancelled, "", map[string]any{"reason": reason})
	r.enqueue(model.EventInstanceCancelled, "final", map[string]any{"reason": reason})
	note := r.instanceNote(notify.KindInstanceCancelled)
	note.Data = map[string]any{"reason": reason}
	r.notes = append(r.notes, note)
}

// ---------------------------------------------------------------------------
// Events, outbox and notifications
// ---------------------------------------------------------------------------

func (r *run) emit(nodeID, eventType, name string, data map[string]any) {
	r.events = append(r.events, model.WorkflowEvent{
		ID:         uuid.New().String(),
		TenantID:   r.inst.TenantID,
		InstanceID: r.inst.ID,
		NodeID:     nodeID,
		Type:       eventType,
		Name:       name,
		ActorID:    r.actor,
		Data:       data,
		OccurredAt: r.now,
	})
	r.dirty = true
}

// enqueue records an outbox message keyed "<instance>:<type>:<discriminator>".
// An empty discriminator uses the ID of the most recently emitted event.
func (r *run) enqueue(eventType, discriminator string, payload map[string]any) {
	if discriminator == "" && len(r.events) > 0 {
		discriminator = r.events[len(r.events)-1].ID
	}
	body := map[string]any{
		"instanceId":   r.inst.ID,
		"tenantId":     r.inst.TenantID,
		"definitionId": r.inst.DefinitionID,
		"status":       r.inst.Status,
		"occurredAt":   r.now.Format(time.RFC3339Nano),
	}
	for k, v := range payload {
		body[k] = v
	}
	raw, err := json.Marshal(body)
	if err != nil {
		raw = []byte(`{}`)
	}
	r.outbox = append(r.outbox, model.OutboxMessage{
		ID:             uuid.New().String(),
		TenantID:       r.inst.TenantID,
		InstanceID:     r.inst.ID,
		EventType:      eventType,
		Payload:        raw,
		IdempotencyKey: fmt.Sprintf("%s:%s:%s", r.inst.ID, eventType, discriminator),
		CreatedAt:      r.now,
	})
	r.dirty = true
}

func (r *run) notify(kind string, t *model.WorkflowTask) {
	r.notes = append(r.notes, notify.Notification{
		Kind:       kind,
		TenantID:   r.inst.TenantID,
		InstanceID: r.inst.ID,
		NodeID:     t.NodeID,
		TaskID:     t.ID,
		Assignee:   t.Assignee,
	})
}

func (r *run) instanceNote(kind string) notify.Notification {
	return notify.Notification{
		Kind:       kind,
		TenantID:   r.inst.TenantID,
		InstanceID: r.inst.ID,
	}
}
