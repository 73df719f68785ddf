package dsl

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// NodeConfig is the typed configuration decoded from a node's properties.
// Exactly one concrete type exists per node type.
type NodeConfig interface {
	nodeType() string
}

// StartConfig configures a start node.
type StartConfig struct{}

// EndConfig configures an end node.
type EndConfig struct{}

// HumanTaskConfig configures a human task node.
type HumanTaskConfig struct {
	Assignee     string `json:"assignee,omitempty"`
	AssigneeRole string `json:"assigneeRole,omitempty"`
	DueInSeconds int    `json:"dueInSeconds,omitempty"`
}

// Timer RelativeTo values.
const (
	TimerRelativeToNode     = "node"
	TimerRelativeToInstance = "instance"
)

// TimerConfig configures a timer node. The first non-empty of DelaySeconds,
// Duration, UntilISO, DueDate and Cron wins.
type TimerConfig struct {
	DelaySeconds int    `json:"delaySeconds,omitempty"`
	Duration     string `json:"duration,omitempty"`
	UntilISO     string `json:"untilIso,omitempty"`
	DueDate      string `json:"dueDate,omitempty"`
	Cron         string `json:"cron,omitempty"`
	RelativeTo   string `json:"relativeTo,omitempty"`
}

// Gateway strategy kinds.
const (
	GatewayExclusive = "exclusive"
	GatewayParallel  = "parallel"
	GatewayABTest    = "abTest"
)

// GatewayConfig configures a gateway node.
type GatewayConfig struct {
	Strategy  GatewayStrategy `json:"strategy"`
	Condition json.RawMessage `json:"condition,omitempty"`
}

// GatewayStrategy selects how a gateway routes tokens.
type GatewayStrategy struct {
	Kind       string          `json:"kind"`
	KeyPath    string          `json:"keyPath,omitempty"`
	Variants   []Variant       `json:"variants,omitempty"`
	JoinNodeID string          `json:"joinNodeId,omitempty"`
	Condition  json.RawMessage `json:"condition,omitempty"`
}

// Variant is one weighted arm of an abTest gateway.
type Variant struct {
	Name   string  `json:"name,omitempty"`
	Weight float64 `json:"weight"`
	Target string  `json:"target"`
}

// ConditionExpr returns the exclusive gateway condition, preferring the
// properties level over the strategy level.
func (c *GatewayConfig) ConditionExpr() json.RawMessage {
	if len(c.Condition) > 0 {
		return c.Condition
	}
	return c.Strategy.Condition
}

// Join modes.
const (
	JoinAll     = "all"
	JoinCount   = "count"
	JoinPercent = "percent"
)

// Join timeout actions.
const (
	JoinTimeoutForce = "force"
	JoinTimeoutRoute = "route"
	JoinTimeoutFail  = "fail"
)

// JoinConfig configures a join node.
type JoinConfig struct {
	GatewayID        string  `json:"gatewayId,omitempty"`
	Mode             string  `json:"mode,omitempty"`
	ThresholdCount   int     `json:"thresholdCount,omitempty"`
	ThresholdPercent float64 `json:"thresholdPercent,omitempty"`
	CancelRemaining  bool    `json:"cancelRemaining,omitempty"`
	TimeoutSeconds   int     `json:"timeoutSeconds,omitempty"`
	OnTimeout        string  `json:"onTimeout,omitempty"`
	TimeoutTarget    string  `json:"timeoutTarget,omitempty"`
}

// EffectiveMode returns Mode defaulted to "all".
func (c *JoinConfig) EffectiveMode() string {
	if c.Mode == "" {
		return JoinAll
	}
	return c.Mode
}

// Failure policies for automatic nodes.
const (
	PolicyProceed      = "proceed"
	PolicySuspend      = "suspend"
	PolicyFailInstance = "failInstance"
)

// AutomaticConfig configures an automatic node.
type AutomaticConfig struct {
	Action    ActionRef `json:"action"`
	OnFailure string    `json:"onFailure,omitempty"`
}

// EffectivePolicy returns OnFailure defaulted to failInstance.
func (c *AutomaticConfig) EffectivePolicy() string {
	if c.OnFailure == "" {
		return PolicyFailInstance
	}
	return c.OnFailure
}

// ActionRef names the registered action kind. Raw carries the complete action
// object so executors can decode their own settings.
type ActionRef struct {
	Kind string          `json:"kind"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON keeps the raw action object alongside the kind.
func (a *ActionRef) UnmarshalJSON(b []byte) error {
	var head struct {
		Kind string `json:"kind"`
		Type string `json:"type"`
	}
	if err := json.Unmarshal(b, &head); err != nil {
		return err
	}
	a.Kind = head.Kind
	if a.Kind == "" {
		a.Kind = head.Type
	}
	a.Raw = append(json.RawMessage(nil), b...)
	return nil
}

// MarshalJSON writes the raw action object when present.
func (a ActionRef) MarshalJSON() ([]byte, error) {
	if len(a.Raw) > 0 {
		return a.Raw, nil
	}
	return json.Marshal(struct {
		Kind string `json:"kind"`
	}{a.Kind})
}

func (StartConfig) nodeType() string { return NodeStart }
func (EndConfig) nodeType() string { return NodeEnd }
func (HumanTaskConfig) nodeType() string { return NodeHumanTask }
func (TimerConfig) nodeType() string { return NodeTimer }
func (GatewayConfig) nodeType() string { return NodeGateway }
func (JoinConfig) nodeType() string { return NodeJoin }
func (AutomaticConfig) nodeType() string { return NodeAutomatic }

func decodeConfig(nodeType string, props json.RawMessage) (NodeConfig, error) {
	var cfg NodeConfig
	switch nodeType {
	case NodeStart:
		cfg = &StartConfig{}
	case NodeEnd:
		cfg = &EndConfig{}
	case NodeHumanTask:
		cfg = &HumanTaskConfig{}
	case NodeTimer:
		cfg = &TimerConfig{}
	case NodeGateway:
		cfg = &GatewayConfig{}
	case NodeJoin:
		cfg = &JoinConfig{}
	case NodeAutomatic:
		cfg = &AutomaticConfig{}
	default:
		return nil, fmt.Errorf("unknown node type %q", nodeType)
	}

	trimmed := bytes.TrimSpace(props)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return cfg, nil
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, trimmed); err != nil {
		return nil, fmt.Errorf("properties: %w", err)
	}
	if err := json.Unmarshal(compact.Bytes(), cfg); err != nil {
		return nil, fmt.Errorf("properties: %w", err)
	}

	switch c := cfg.(type) {
	case *GatewayConfig:
		if c.Strategy.Kind == "" {
			c.Strategy.Kind = GatewayExclusive
		}
	case *JoinConfig:
		// A percentage, not a ratio: 60 means sixty percent.
		if p := c.ThresholdPercent; p != 0 && (p < 1 || p > 100) {
			return nil, fmt.Errorf("thresholdPercent %v must be between 1 and 100", p)
		}
	}
	return cfg, nil
}

var isoDurationPattern = regexp.MustCompile(`^P(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+(?:\.\d+)?)S)?)?$`)

// ParseDuration accepts Go duration strings ("90s", "1h30m") and the
// day/time subset of ISO-8601 durations ("P1DT2H", "PT5M").
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	m := isoDurationPattern.FindStringSubmatch(strings.ToUpper(s))
	if m == nil || s == "P" || strings.HasSuffix(strings.ToUpper(s), "T") {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	var total time.Duration
	units := []time.Duration{24 * time.Hour, time.Hour, time.Minute}
	for i, unit := range units {
		if m[i+1] == "" {
			continue
		}
		n, err := strconv.Atoi(m[i+1])
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", s, err)
		}
		total += time.Duration(n) * unit
	}
	if m[4] != "" {
		secs, err := strconv.ParseFloat(m[4], 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", s, err)
		}
		total += time.Duration(secs * float64(time.Second))
	}
	return total, nil
}
