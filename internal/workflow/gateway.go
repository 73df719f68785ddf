package workflow

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/spaolacci/murmur3"

	"github.com/pitabwire/loom/internal/condition"
	"github.com/pitabwire/loom/internal/dsl"
	"github.com/pitabwire/loom/model"
)

// abTestSeed fixes the bucketing hash so assignments are stable across
// processes and deployments.
const abTestSeed uint32 = 0x6c6f6f6d

func (r *run) executeGateway(node *dsl.Node, cfg *dsl.GatewayConfig) (step, error) {
	switch cfg.Strategy.Kind {
	case dsl.GatewayExclusive, "":
		return r.routeExclusive(node, cfg)
	case dsl.GatewayParallel:
		return r.fork(node, cfg)
	case dsl.GatewayABTest:
		return r.routeABTest(node, cfg)
	default:
		return step{}, model.NewConfigurationError("gateway %q: unknown strategy %q", node.ID, cfg.Strategy.Kind)
	}
}

// routeExclusive follows the edge labelled with the condition result, falling
// back to the first else or unlabeled edge.
func (r *run) routeExclusive(node *dsl.Node, cfg *dsl.GatewayConfig) (step, error) {
	result, err := r.rt.evaluator.Evaluate(cfg.ConditionExpr(), r.inst.Context)
	if err != nil {
		r.fail(fmt.Sprintf("gateway %s condition failed: %v", node.ID, err))
		return hold(), nil
	}

	edge, ok := selectExclusiveEdge(r.graph.Outgoing(node.ID), result)
	if !ok {
		return step{}, model.NewConfigurationError("gateway %q has no edge for result %t and no else edge", node.ID, result)
	}
	r.emit(node.ID, model.EventGatewayRouted, node.Name, map[string]any{
		"strategy": dsl.GatewayExclusive,
		"result":   result,
		"label":    edge.Label,
		"target":   edge.To,
	})
	return advanceTo(edge.To), nil
}

func selectExclusiveEdge(edges []dsl.Edge, result bool) (dsl.Edge, bool) {
	want := strconv.FormatBool(result)
	for _, e := range edges {
		if strings.EqualFold(strings.TrimSpace(e.Label), want) {
			return e, true
		}
	}
	for _, e := range edges {
		label := strings.TrimSpace(e.Label)
		if label == "" || strings.EqualFold(label, "else") {
			return e, true
		}
	}
	return dsl.Edge{}, false
}

// fork follows every outgoing edge and opens a parallel group tracking the
// branches until their join.
func (r *run) fork(node *dsl.Node, cfg *dsl.GatewayConfig) (step, error) {
	var targets []string
	for _, e := range r.graph.Outgoing(node.ID) {
		if !slices.Contains(targets, e.To) {
			targets = append(targets, e.To)
		}
	}
	if len(targets) == 0 {
		return step{}, model.NewConfigurationError("parallel gateway %q has no outgoing edges", node.ID)
	}

	seq := 0
	for _, g := range r.groups {
		seq = max(seq, g.Seq)
	}
	g := &parallelGroup{
		GatewayID:    node.ID,
		Seq:          seq + 1,
		Branches:     targets,
		Positions:    make(map[string][]string, len(targets)),
		StartedAtUTC: r.now,
	}
	for _, t := range targets {
		g.Positions[t] = []string{t}
	}

	if joinID := cfg.Strategy.JoinNodeID; joinID != "" {
		joinNode, ok := r.graph.Node(joinID)
		if !ok {
			return step{}, model.NewConfigurationError("parallel gateway %q: join node %q not found", node.ID, joinID)
		}
		joinCfg, ok := joinNode.Config.(*dsl.JoinConfig)
		if !ok {
			return step{}, model.NewConfigurationError("parallel gateway %q: node %q is not a join", node.ID, joinID)
		}
		g.seedJoin(joinNode.ID, joinCfg)
	}
	r.groups[node.ID] = g

	r.emit(node.ID, model.EventParallelForked, node.Name, map[string]any{"branches": targets})
	return advanceTo(targets...), nil
}

// routeABTest assigns the instance to a weighted variant by hashing a stable
// key from the context.
func (r *run) routeABTest(node *dsl.Node, cfg *dsl.GatewayConfig) (step, error) {
	if err := validateVariants(r.graph, node.ID, cfg.Strategy.Variants); err != nil {
		return step{}, err
	}

	key := r.inst.ID
	if cfg.Strategy.KeyPath != "" {
		if v, ok := condition.LookupPath(r.inst.Context, cfg.Strategy.KeyPath); ok && v != nil {
			key = stableKey(v)
		}
	}
	bucket := abBucket(key)
	variant := pickVariant(cfg.Strategy.Variants, bucket)

	r.emit(node.ID, model.EventGatewayRouted, node.Name, map[string]any{
		"strategy": dsl.GatewayABTest,
		"bucket":   bucket,
		"variant":  variant.Name,
		"target":   variant.Target,
	})
	return advanceTo(variant.Target), nil
}

// abBucket maps key onto 0..99.
func abBucket(key string) int {
	return int(murmur3.Sum64WithSeed([]byte(key), abTestSeed) % 100)
}

// pickVariant returns the variant whose cumulative weight range, in array
// order, contains bucket.
func pickVariant(variants []dsl.Variant, bucket int) dsl.Variant {
	upper := 0
	for _, v := range variants {
		upper += int(v.Weight)
		if bucket < upper {
			return v
		}
	}
	return variants[len(variants)-1]
}

func validateVariants(g *dsl.Graph, gatewayID string, variants []dsl.Variant) error {
	if len(variants) < 2 {
		return model.NewConfigurationError("abTest gateway %q needs at least 2 variants, got %d", gatewayID, len(variants))
	}
	total := 0
	seen := make(map[string]bool, len(variants))
	for i, v := range variants {
		if v.Weight <= 0 || v.Weight != math.Trunc(v.Weight) {
			return model.NewConfigurationError("abTest gateway %q: variant %d weight %v is not a positive integer", gatewayID, i, v.Weight)
		}
		total += int(v.Weight)
		if v.Target == "" {
			return model.NewConfigurationError("abTest gateway %q: variant %d has no target", gatewayID, i)
		}
		if seen[v.Target] {
			return model.NewConfigurationError("abTest gateway %q: duplicate target %q", gatewayID, v.Target)
		}
		seen[v.Target] = true
		if _, ok := g.Node(v.Target); !ok {
			return model.NewConfigurationError("abTest gateway %q: target %q not found", gatewayID, v.Target)
		}
	}
	if total != 100 {
		return model.NewConfigurationError("abTest gateway %q: weights sum to %d, want 100", gatewayID, total)
	}
	return nil
}

// stableKey renders a context value as the bucketing key. Integral numbers
// render without a fractional part so 42 and "42" bucket alike.
func stableKey(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(b)
	}
}
