package workflow

import (
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/pitabwire/loom/internal/dsl"
	"github.com/pitabwire/loom/model"
)

// joinTimeoutGrace absorbs scan interval jitter when checking deadlines.
const joinTimeoutGrace = 100 * time.Millisecond

// parallelGroup tracks the branches spawned by one parallel gateway visit.
// Positions maps each branch to the nodes its tokens currently occupy.
type parallelGroup struct {
	GatewayID    string              `json:"gatewayId"`
	Seq          int                 `json:"seq"`
	Branches     []string            `json:"branches"`
	Positions    map[string][]string `json:"positions"`
	StartedAtUTC time.Time           `json:"startedAtUtc"`
	Withdrawn    []string            `json:"withdrawn,omitempty"`
	Join         *joinState          `json:"join,omitempty"`
}

// joinState is the coordination record of the join reconciling a group.
// Once Satisfied or TimeoutTriggered is set no arrival changes the outcome.
type joinState struct {
	NodeID           string     `json:"nodeId"`
	Mode             string     `json:"mode"`
	ThresholdCount   int        `json:"thresholdCount,omitempty"`
	ThresholdPercent float64    `json:"thresholdPercent,omitempty"`
	CancelRemaining  bool       `json:"cancelRemaining,omitempty"`
	Arrivals         []string   `json:"arrivals"`
	Satisfied        bool       `json:"satisfied"`
	Released         bool       `json:"released"`
	TimeoutSeconds   int        `json:"timeoutSeconds,omitempty"`
	TimeoutAtUTC     *time.Time `json:"timeoutAtUtc,omitempty"`
	OnTimeout        string     `json:"onTimeout,omitempty"`
	TimeoutTarget    string     `json:"timeoutTarget,omitempty"`
	TimeoutTriggered bool       `json:"timeoutTriggered"`
}

func (g *parallelGroup) seedJoin(nodeID string, cfg *dsl.JoinConfig) {
	j := &joinState{
		NodeID:           nodeID,
		Mode:             cfg.EffectiveMode(),
		ThresholdCount:   cfg.ThresholdCount,
		ThresholdPercent: cfg.ThresholdPercent,
		CancelRemaining:  cfg.CancelRemaining,
		Arrivals:         []string{},
		TimeoutSeconds:   cfg.TimeoutSeconds,
		OnTimeout:        cfg.OnTimeout,
		TimeoutTarget:    cfg.TimeoutTarget,
	}
	if j.OnTimeout == "" {
		j.OnTimeout = dsl.JoinTimeoutForce
	}
	if cfg.TimeoutSeconds > 0 {
		at := g.StartedAtUTC.Add(time.Duration(cfg.TimeoutSeconds) * time.Second)
		j.TimeoutAtUTC = &at
	}
	g.Join = j
}

func (g *parallelGroup) move(from string, targets []string) {
	for branch, positions := range g.Positions {
		idx := slices.Index(positions, from)
		if idx < 0 {
			continue
		}
		positions = slices.Delete(positions, idx, idx+1)
		for _, t := range targets {
			if !slices.Contains(positions, t) {
				positions = append(positions, t)
			}
		}
		g.Positions[branch] = positions
	}
}

// at returns the branches with a token positioned on nodeID, in branch order.
func (g *parallelGroup) at(nodeID string) []string {
	var out []string
	for _, b := range g.Branches {
		if slices.Contains(g.Positions[b], nodeID) {
			out = append(out, b)
		}
	}
	return out
}

// clear drops nodeID from every branch position.
func (g *parallelGroup) clear(nodeID string) {
	for branch, positions := range g.Positions {
		if idx := slices.Index(positions, nodeID); idx >= 0 {
			g.Positions[branch] = slices.Delete(positions, idx, idx+1)
		}
	}
}

// active is the number of branches still expected at the join.
func (g *parallelGroup) active() int {
	return len(g.Branches) - len(g.Withdrawn)
}

// pending reports whether the group's join has started coordinating but has
// neither released nor timed out.
func (g *parallelGroup) pending() bool {
	return g.Join != nil && !g.Join.Released && !g.Join.TimeoutTriggered
}

func (j *joinState) satisfied(total int) bool {
	arrived := len(j.Arrivals)
	switch j.Mode {
	case dsl.JoinCount:
		need := j.ThresholdCount
		if need <= 0 || need > total {
			need = total
		}
		return arrived >= need
	case dsl.JoinPercent:
		pct := j.ThresholdPercent
		if pct <= 0 || pct > 100 {
			pct = 100
		}
		return float64(arrived)*100 >= pct*float64(total)
	default:
		return arrived >= total
	}
}

// groupForJoin picks the group a token on the join belongs to: the group
// named by gatewayId, else the most recent group with a branch positioned on
// the join, else the most recent group already coordinated by it.
func (r *run) groupForJoin(nodeID string, cfg *dsl.JoinConfig) *parallelGroup {
	if cfg.GatewayID != "" {
		return r.groups[cfg.GatewayID]
	}
	var positioned, coordinated *parallelGroup
	for _, g := range r.groups {
		if len(g.at(nodeID)) > 0 && (positioned == nil || g.Seq > positioned.Seq) {
			positioned = g
		}
		if g.Join != nil && g.Join.NodeID == nodeID && (coordinated == nil || g.Seq > coordinated.Seq) {
			coordinated = g
		}
	}
	if positioned != nil {
		return positioned
	}
	return coordinated
}

func (r *run) executeJoin(node *dsl.Node, cfg *dsl.JoinConfig) (step, error) {
	g := r.groupForJoin(node.ID, cfg)
	if g == nil {
		// Not downstream of a parallel gateway.
		targets, err := r.next(node)
		if err != nil {
			return step{}, err
		}
		return advanceTo(targets...), nil
	}
	if g.Join == nil {
		g.seedJoin(node.ID, cfg)
		r.dirty = true
	}
	j := g.Join

	// 1. Late arrivals after release or a non-forcing timeout are absorbed.
	if j.Released || (j.TimeoutTriggered && j.OnTimeout != dsl.JoinTimeoutForce) {
		branches := g.at(node.ID)
		g.clear(node.ID)
		r.emit(node.ID, model.EventJoinLateArrival, node.Name, map[string]any{
			"gatewayId": g.GatewayID,
			"branches":  branches,
		})
		return consume(), nil
	}

	// 2. A forced timeout releases the join with whatever has arrived.
	if j.TimeoutTriggered {
		if j.CancelRemaining {
			r.cancelBranches(g)
		}
		return r.release(node, g)
	}

	// 3. Record arrivals and check the threshold.
	for _, b := range g.at(node.ID) {
		if slices.Contains(j.Arrivals, b) {
			continue
		}
		j.Arrivals = append(j.Arrivals, b)
		r.emit(node.ID, model.EventJoinArrived, node.Name, map[string]any{
			"gatewayId": g.GatewayID,
			"branch":    b,
			"arrivals":  len(j.Arrivals),
			"branches":  len(g.Branches),
		})
	}
	if !j.satisfied(g.active()) {
		return consume(), nil
	}

	j.Satisfied = true
	r.emit(node.ID, model.EventJoinSatisfied, node.Name, map[string]any{
		"gatewayId": g.GatewayID,
		"mode":      j.Mode,
		"arrivals":  j.Arrivals,
	})
	if j.CancelRemaining {
		r.cancelBranches(g)
	}
	return r.release(node, g)
}

func (r *run) release(node *dsl.Node, g *parallelGroup) (step, error) {
	targets, err := r.next(node)
	if err != nil {
		return step{}, err
	}
	g.Join.Released = true
	g.clear(node.ID)
	r.dirty = true
	return advanceTo(targets...), nil
}

// cancelBranches removes the tokens of every branch that has not arrived and
// cancels the tasks open on them.
func (r *run) cancelBranches(g *parallelGroup) {
	for _, b := range g.Branches {
		if slices.Contains(g.Join.Arrivals, b) {
			continue
		}
		for _, pos := range g.Positions[b] {
			if pos == g.Join.NodeID {
				continue
			}
			for _, t := range r.openTasks("") {
				if t.NodeID == pos {
					r.cancelTask(t, "branch cancelled")
				}
			}
			r.removeToken(pos)
			delete(r.held, pos)
			r.emit(pos, model.EventBranchCancelled, "", map[string]any{
				"gatewayId": g.GatewayID,
				"branch":    b,
			})
		}
		g.Positions[b] = nil
	}
	r.dirty = true
}

// withdraw drops nodeID from the branch positions of every group after its
// token was removed outside a join. A branch left with no position no longer
// counts towards its join, and a join the remaining arrivals now satisfy is
// scheduled to release on the next pass.
func (r *run) withdraw(nodeID string) {
	for _, g := range r.groups {
		branches := g.at(nodeID)
		if len(branches) == 0 {
			continue
		}
		g.clear(nodeID)
		r.dirty = true
		for _, b := range branches {
			if len(g.Positions[b]) > 0 || slices.Contains(g.Withdrawn, b) {
				continue
			}
			if g.Join != nil && slices.Contains(g.Join.Arrivals, b) {
				continue
			}
			g.Withdrawn = append(g.Withdrawn, b)
			r.emit(nodeID, model.EventBranchCancelled, "", map[string]any{
				"gatewayId": g.GatewayID,
				"branch":    b,
			})
		}

		j := g.Join
		if !g.pending() || len(j.Arrivals) == 0 || !j.satisfied(g.active()) {
			continue
		}
		r.addToken(j.NodeID)
		delete(r.held, j.NodeID)
	}
}

// stalledJoin returns the join node of a group still waiting for branches,
// or "" when every coordinated group has resolved.
func (r *run) stalledJoin() (gatewayID, joinID string) {
	for _, g := range r.groups {
		if g.pending() {
			return g.GatewayID, g.Join.NodeID
		}
	}
	return "", ""
}

// applyJoinTimeouts triggers every join whose deadline has passed and returns
// how many were applied.
func (r *run) applyJoinTimeouts(now time.Time) (int, error) {
	groups := make([]*parallelGroup, 0, len(r.groups))
	for _, g := range r.groups {
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, k int) bool { return groups[i].Seq < groups[k].Seq })

	applied := 0
	for _, g := range groups {
		j := g.Join
		if j == nil || j.TimeoutAtUTC == nil || j.Satisfied || j.Released || j.TimeoutTriggered {
			continue
		}
		if now.Add(joinTimeoutGrace).Before(*j.TimeoutAtUTC) {
			continue
		}

		j.TimeoutTriggered = true
		r.dirty = true
		applied++
		r.rt.metrics.RecordJoinTimeout(j.OnTimeout)
		r.emit(j.NodeID, model.EventJoinTimedOut, "", map[string]any{
			"gatewayId": g.GatewayID,
			"onTimeout": j.OnTimeout,
			"arrivals":  j.Arrivals,
			"branches":  len(g.Branches),
		})

		switch j.OnTimeout {
		case dsl.JoinTimeoutFail:
			r.fail("join-timeout")
			return applied, nil
		case dsl.JoinTimeoutRoute:
			if _, ok := r.graph.Node(j.TimeoutTarget); !ok || j.TimeoutTarget == "" {
				r.fail(fmt.Sprintf("join-timeout: route target %q not found", j.TimeoutTarget))
				return applied, nil
			}
			if j.CancelRemaining {
				r.cancelBranches(g)
			}
			if !r.hasToken(j.TimeoutTarget) {
				r.emit(j.TimeoutTarget, model.EventNodeEntered, "", nil)
			}
			r.addToken(j.TimeoutTarget)
			delete(r.held, j.TimeoutTarget)
		default:
			r.addToken(j.NodeID)
			delete(r.held, j.NodeID)
		}
	}
	return applied, nil
}

func decodeGroups(v any) (map[string]*parallelGroup, error) {
	groups := map[string]*parallelGroup{}
	if v == nil {
		return groups, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode parallel groups: %w", err)
	}
	if err := json.Unmarshal(raw, &groups); err != nil {
		return nil, fmt.Errorf("decode parallel groups: %w", err)
	}
	for _, g := range groups {
		if g.Positions == nil {
			g.Positions = map[string][]string{}
		}
	}
	return groups, nil
}

// encodeGroups renders the groups as plain JSON values so the context stays
// storable as a document.
func encodeGroups(groups map[string]*parallelGroup) (map[string]any, error) {
	raw, err := json.Marshal(groups)
	if err != nil {
		return nil, fmt.Errorf("encode parallel groups: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode parallel groups: %w", err)
	}
	return out, nil
}
