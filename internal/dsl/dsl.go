// Package dsl models the JSON workflow graph: nodes, edges and the typed
// per-node configuration decoded from each node's properties.
package dsl

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/pitabwire/loom/model"
)

// Node type constants.
const (
	NodeStart     = "start"
	NodeEnd       = "end"
	NodeHumanTask = "humanTask"
	NodeTimer     = "timer"
	NodeGateway   = "gateway"
	NodeJoin      = "join"
	NodeAutomatic = "automatic"
)

// Graph is a parsed workflow DSL document.
type Graph struct {
	Nodes []*Node `json:"nodes"`
	Edges []Edge  `json:"edges"`

	byID     map[string]*Node
	outgoing map[string][]Edge
}

// Node is a single vertex of the graph. Properties holds the raw JSON as
// authored; Config holds its typed decoding.
type Node struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Name       string          `json:"name,omitempty"`
	Properties json.RawMessage `json:"properties,omitempty"`

	Config NodeConfig `json:"-"`
}

// Edge connects two nodes. Label is optional and only meaningful on edges
// leaving gateways.
type Edge struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Label string `json:"label,omitempty"`
}

// Parse decodes and indexes a DSL document. Structural problems are reported
// as configuration errors.
func Parse(raw []byte) (*Graph, error) {
	var g Graph
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&g); err != nil {
		return nil, model.NewConfigurationError("dsl: decode: %v", err)
	}
	if err := g.index(); err != nil {
		return nil, err
	}
	return &g, nil
}

// Marshal encodes the graph back to its JSON form. Parse(Marshal(g)) yields an
// equivalent graph.
func (g *Graph) Marshal() ([]byte, error) {
	return json.Marshal(g)
}

func (g *Graph) index() error {
	g.byID = make(map[string]*Node, len(g.Nodes))
	g.outgoing = make(map[string][]Edge, len(g.Nodes))

	for _, n := range g.Nodes {
		if n == nil || n.ID == "" {
			return model.NewConfigurationError("dsl: node without id")
		}
		if _, dup := g.byID[n.ID]; dup {
			return model.NewConfigurationError("dsl: duplicate node id %q", n.ID)
		}
		cfg, err := decodeConfig(n.Type, n.Properties)
		if err != nil {
			return model.NewConfigurationError("dsl: node %q: %v", n.ID, err)
		}
		n.Config = cfg
		g.byID[n.ID] = n
	}

	for _, e := range g.Edges {
		if _, ok := g.byID[e.From]; !ok {
			return model.NewConfigurationError("dsl: edge from unknown node %q", e.From)
		}
		if _, ok := g.byID[e.To]; !ok {
			return model.NewConfigurationError("dsl: edge to unknown node %q", e.To)
		}
		g.outgoing[e.From] = append(g.outgoing[e.From], e)
	}
	return nil
}

// Node returns the node with the given id.
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.byID[id]
	return n, ok
}

// Outgoing returns the edges leaving the node in declaration order.
func (g *Graph) Outgoing(id string) []Edge {
	return g.outgoing[id]
}

// StartNode returns the single start node of the graph.
func (g *Graph) StartNode() (*Node, error) {
	var start *Node
	for _, n := range g.Nodes {
		if n.Type != NodeStart {
			continue
		}
		if start != nil {
			return nil, model.NewConfigurationError("dsl: multiple start nodes (%q, %q)", start.ID, n.ID)
		}
		start = n
	}
	if start == nil {
		return nil, model.NewConfigurationError("dsl: no start node")
	}
	return start, nil
}

// String is used in log fields.
func (n *Node) String() string {
	return fmt.Sprintf("%s(%s)", n.Type, n.ID)
}
