package engine

import (
	"github.com/fitops/relay/pkg/schema"
)

// Graph is a compiled index over a workflow definition: node lookup and
// outgoing-edge lookup by handle. Compiled once per run resume.
type Graph struct {
	nodes   map[string]*schema.Node
	out     map[string]map[string][]*schema.Edge
	trigger *schema.Node
	budget  int
}

// Compile indexes a definition. It assumes the definition already passed
// publish validation; only violations that would break execution outright
// are re-checked here.
func Compile(def *schema.Definition) (*Graph, error) {
	g := &Graph{
		nodes: make(map[string]*schema.Node, len(def.Nodes)),
		out:   make(map[string]map[string][]*schema.Edge, len(def.Nodes)),
	}

	loopBudget := 0
	for i := range def.Nodes {
		n := &def.Nodes[i]
		if _, exists := g.nodes[n.ID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate node id %q", n.ID)
		}
		g.nodes[n.ID] = n

		switch n.Kind {
		case schema.NodeTrigger:
			if g.trigger != nil {
				return nil, schema.NewError(schema.ErrCodeValidation, "definition has multiple trigger nodes")
			}
			g.trigger = n
		case schema.NodeLoop:
			cfg, err := n.LoopConfig()
			if err != nil {
				return nil, err
			}
			loopBudget += cfg.MaxIterations
		}
	}
	if g.trigger == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "definition has no trigger node")
	}

	for i := range def.Edges {
		e := &def.Edges[i]
		if _, ok := g.nodes[e.Source]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "edge %q has unknown source %q", e.ID, e.Source)
		}
		if _, ok := g.nodes[e.Target]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "edge %q has unknown target %q", e.ID, e.Target)
		}
		if g.out[e.Source] == nil {
			g.out[e.Source] = make(map[string][]*schema.Edge)
		}
		g.out[e.Source][e.Handle] = append(g.out[e.Source][e.Handle], e)
	}

	// Worst case every loop replays the whole node set per iteration.
	g.budget = len(def.Nodes) * (1 + loopBudget)
	return g, nil
}

// NodeByID returns the node with the given ID, or nil.
func (g *Graph) NodeByID(id string) *schema.Node {
	return g.nodes[id]
}

// Trigger returns the graph's single trigger node.
func (g *Graph) Trigger() *schema.Node {
	return g.trigger
}

// EdgeFrom returns the first outgoing edge of a node for the given handle,
// or nil when the node has none. Validation caps multi-edge handles, so
// "first" is unambiguous for executable graphs.
func (g *Graph) EdgeFrom(nodeID, handle string) *schema.Edge {
	edges := g.out[nodeID][handle]
	if len(edges) == 0 {
		return nil
	}
	return edges[0]
}

// HasEdge reports whether a node has an outgoing edge for the handle.
func (g *Graph) HasEdge(nodeID, handle string) bool {
	return len(g.out[nodeID][handle]) > 0
}

// StepBudget bounds the number of node executions a run may perform.
// A valid graph terminates well inside it; exceeding it means the walk is
// stuck and the run is failed.
func (g *Graph) StepBudget() int {
	return g.budget
}
