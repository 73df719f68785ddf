package workflow

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/loom/internal/action"
	"github.com/pitabwire/loom/internal/dsl"
	"github.com/pitabwire/loom/internal/notify"
	"github.com/pitabwire/loom/internal/observability"
	"github.com/pitabwire/loom/model"
)

type outcome int

const (
	// outcomeHold leaves the token on the node.
	outcomeHold outcome = iota
	// outcomeAdvance moves the token to the step targets.
	outcomeAdvance
	// outcomeConsume removes the token without successors.
	outcomeConsume
)

func (o outcome) String() string {
	switch o {
	case outcomeHold:
		return "hold"
	case outcomeAdvance:
		return "advance"
	default:
		return "consume"
	}
}

type step struct {
	outcome outcome
	targets []string
}

func hold() step                       { return step{outcome: outcomeHold} }
func consume() step                    { return step{outcome: outcomeConsume} }
func advanceTo(targets ...string) step { return step{outcome: outcomeAdvance, targets: targets} }

// advance runs every current node through its executor, pass after pass,
// until no token progresses or the instance leaves Running. A running
// instance left without tokens completes.
func (r *run) advance() error {
	for r.inst.Status == model.InstanceStatusRunning {
		progressed := false
		snapshot := append([]string(nil), r.inst.CurrentNodeIDs...)

		for _, nodeID := range snapshot {
			if r.inst.Status != model.InstanceStatusRunning {
				break
			}
			if r.held[nodeID] || !r.hasToken(nodeID) {
				continue
			}
			node, ok := r.graph.Node(nodeID)
			if !ok {
				return model.NewConfigurationError("current node %q is not part of the definition", nodeID)
			}

			st, err := r.executeTraced(node)
			if err != nil {
				r.rt.metrics.RecordNodeExecution(node.Type, "error")
				return err
			}

			switch st.outcome {
			case outcomeHold:
				r.held[nodeID] = true
				r.rt.metrics.RecordNodeExecution(node.Type, "hold")
			case outcomeAdvance:
				if err := r.hop(); err != nil {
					return err
				}
				r.rt.metrics.RecordNodeExecution(node.Type, "advance")
				r.move(nodeID, st.targets)
				progressed = true
			case outcomeConsume:
				if err := r.hop(); err != nil {
					return err
				}
				r.rt.metrics.RecordNodeExecution(node.Type, "consume")
				r.removeToken(nodeID)
				r.emit(nodeID, model.EventNodeCompleted, "", nil)
				progressed = true
			}
		}

		if !progressed {
			break
		}
	}

	if r.inst.Status == model.InstanceStatusRunning && len(r.inst.CurrentNodeIDs) == 0 {
		if gw, join := r.stalledJoin(); join != "" {
			r.fail(fmt.Sprintf("no tokens left but join %q of gateway %q never released", join, gw))
			return nil
		}
		r.complete()
	}
	return nil
}

func (r *run) hop() error {
	r.hops++
	if r.hops > r.rt.maxHops {
		r.logger().Warn("advance hop bound exceeded", zap.Int("max_hops", r.rt.maxHops))
		return model.NewPossibleInfiniteLoopError(r.rt.maxHops)
	}
	return nil
}

// executeTraced runs node inside its own span. r.ctx carries the span while
// the executor runs so outbound action calls join the trace.
func (r *run) executeTraced(node *dsl.Node) (st step, err error) {
	parent := r.ctx
	ctx, span := observability.StartNodeSpan(parent, r.inst.ID, node.ID, node.Type)
	r.ctx = ctx
	defer func() {
		r.ctx = parent
		if err == nil {
			span.SetAttributes(observability.AttrOutcome.String(st.outcome.String()))
		}
		observability.EndSpanWithError(span, err)
	}()
	return r.execute(node)
}

func (r *run) execute(node *dsl.Node) (step, error) {
	switch cfg := node.Config.(type) {
	case *dsl.StartConfig:
		targets, err := r.next(node)
		if err != nil {
			return step{}, err
		}
		return advanceTo(targets...), nil
	case *dsl.EndConfig:
		return consume(), nil
	case *dsl.HumanTaskConfig:
		return r.executeHumanTask(node, cfg)
	case *dsl.TimerConfig:
		return r.executeTimer(node, cfg)
	case *dsl.GatewayConfig:
		return r.executeGateway(node, cfg)
	case *dsl.JoinConfig:
		return r.executeJoin(node, cfg)
	case *dsl.AutomaticConfig:
		return r.executeAutomatic(node, cfg)
	default:
		return step{}, model.NewConfigurationError("node %q has unsupported type %q", node.ID, node.Type)
	}
}

// ---------------------------------------------------------------------------
// Human tasks
// ---------------------------------------------------------------------------

func (r *run) executeHumanTask(node *dsl.Node, cfg *dsl.HumanTaskConfig) (step, error) {
	if r.openTask(node.ID, model.TaskTypeHuman) != nil {
		return hold(), nil
	}

	task := model.WorkflowTask{
		NodeID:       node.ID,
		Type:         model.TaskTypeHuman,
		Assignee:     cfg.Assignee,
		AssigneeRole: cfg.AssigneeRole,
	}
	if cfg.DueInSeconds > 0 {
		due := r.now.Add(time.Duration(cfg.DueInSeconds) * time.Second)
		task.DueDate = &due
	}
	t := r.addTask(task)

	data := map[string]any{"taskId": t.ID}
	if t.Assignee != "" {
		data["assignee"] = t.Assignee
	}
	if t.AssigneeRole != "" {
		data["assigneeRole"] = t.AssigneeRole
	}
	r.emit(node.ID, model.EventTaskCreated, node.Name, data)
	r.enqueue(model.EventTaskCreated, t.ID, map[string]any{
		"taskId":       t.ID,
		"nodeId":       node.ID,
		"assignee":     t.Assignee,
		"assigneeRole": t.AssigneeRole,
	})
	r.notify(notify.KindTaskCreated, t)
	return hold(), nil
}

// ---------------------------------------------------------------------------
// Timers
// ---------------------------------------------------------------------------

func (r *run) executeTimer(node *dsl.Node, cfg *dsl.TimerConfig) (step, error) {
	if cfg.Cron != "" {
		r.fail(model.NewNotImplementedError("timer cron schedules are not implemented").Message)
		return hold(), nil
	}

	task := r.openTask(node.ID, model.TaskTypeTimer)
	if task == nil {
		due, err := r.timerDue(node, cfg)
		if err != nil {
			return step{}, err
		}
		task = r.addTask(model.WorkflowTask{
			NodeID:  node.ID,
			Type:    model.TaskTypeTimer,
			DueDate: &due,
		})
		r.emit(node.ID, model.EventTaskCreated, node.Name, map[string]any{
			"taskId":  task.ID,
			"dueDate": due.Format(time.RFC3339Nano),
		})
	}

	if task.DueDate != nil && task.DueDate.After(r.now) {
		return hold(), nil
	}

	now := r.now
	task.Status = model.TaskStatusCompleted
	task.CompletedAt = &now
	task.CompletedBy = model.SystemUserID
	r.touch(task)
	r.emit(node.ID, model.EventTimerFired, node.Name, map[string]any{"taskId": task.ID})

	targets, err := r.next(node)
	if err != nil {
		return step{}, err
	}
	return advanceTo(targets...), nil
}

// timerDue resolves the timer deadline. Absolute dates win over relative
// durations; relative durations count from node entry unless relativeTo is
// "instance".
func (r *run) timerDue(node *dsl.Node, cfg *dsl.TimerConfig) (time.Time, error) {
	for _, abs := range []string{cfg.UntilISO, cfg.DueDate} {
		if abs == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, abs)
		if err != nil {
			return time.Time{}, model.NewConfigurationError("timer %q: invalid date %q: %v", node.ID, abs, err)
		}
		return t.UTC(), nil
	}

	base := r.now
	if strings.EqualFold(cfg.RelativeTo, dsl.TimerRelativeToInstance) {
		base = r.inst.StartedAt.UTC()
	}
	switch {
	case cfg.Duration != "":
		d, err := dsl.ParseDuration(cfg.Duration)
		if err != nil {
			return time.Time{}, model.NewConfigurationError("timer %q: %v", node.ID, err)
		}
		return base.Add(d), nil
	case cfg.DelaySeconds > 0:
		return base.Add(time.Duration(cfg.DelaySeconds) * time.Second), nil
	}
	return time.Time{}, model.NewConfigurationError("timer %q has no schedule", node.ID)
}

// ---------------------------------------------------------------------------
// Automatic actions
// ---------------------------------------------------------------------------

func (r *run) executeAutomatic(node *dsl.Node, cfg *dsl.AutomaticConfig) (step, error) {
	kind := strings.TrimSpace(cfg.Action.Kind)
	if kind == "" {
		return step{}, model.NewConfigurationError("automatic node %q has no action kind", node.ID)
	}
	if _, ok := r.rt.actions.Lookup(kind); !ok {
		return step{}, model.NewConfigurationError("automatic node %q: unknown action kind %q", node.ID, kind)
	}
	policy := cfg.EffectivePolicy()
	switch policy {
	case dsl.PolicyProceed, dsl.PolicySuspend, dsl.PolicyFailInstance:
	default:
		return step{}, model.NewConfigurationError("automatic node %q: unknown onFailure %q", node.ID, policy)
	}

	start := time.Now()
	res := r.rt.actions.Execute(r.ctx, kind, action.Request{
		TenantID:       r.inst.TenantID,
		InstanceID:     r.inst.ID,
		InstanceStatus: r.inst.Status,
		NodeID:         node.ID,
		Config:         cfg.Action.Raw,
		Context:        r.inst.Context,
	})
	outputKey := "action_" + node.ID

	if res.Success {
		r.rt.metrics.RecordActionExecution(kind, "success", time.Since(start))
		r.mergeContext(outputKey, map[string]any{"success": true, "output": res.Output})
		r.emit(node.ID, model.EventActionSucceeded, node.Name, map[string]any{"kind": kind})
		if res.HaltTraversal {
			return hold(), nil
		}
		targets, err := r.next(node)
		if err != nil {
			return step{}, err
		}
		return advanceTo(targets...), nil
	}

	actionErr := res.Error
	if actionErr == nil {
		actionErr = &action.Error{Kind: action.ErrorKindInternal, Message: "action reported failure without detail"}
	}
	r.rt.metrics.RecordActionExecution(kind, string(actionErr.Kind), time.Since(start))
	if actionErr.Kind == action.ErrorKindConfiguration {
		return step{}, model.NewConfigurationError("automatic node %q: %s", node.ID, actionErr.Message)
	}

	r.emit(node.ID, model.EventActionFailed, node.Name, map[string]any{
		"kind":      kind,
		"errorKind": string(actionErr.Kind),
		"error":     actionErr.Message,
	})
	msg := fmt.Sprintf("action %s on node %s failed: %s", kind, node.ID, actionErr.Message)

	switch policy {
	case dsl.PolicyProceed:
		r.mergeContext(outputKey, map[string]any{
			"success": false,
			"error":   map[string]any{"kind": string(actionErr.Kind), "message": actionErr.Message},
		})
		targets, err := r.next(node)
		if err != nil {
			return step{}, err
		}
		return advanceTo(targets...), nil
	case dsl.PolicySuspend:
		r.suspend(node.ID, msg)
	default:
		r.fail(msg)
	}
	return hold(), nil
}
