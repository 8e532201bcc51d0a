package schema

import (
	"encoding/json"
	"time"
)

// WorkflowStatus is the lifecycle state of a workflow definition.
type WorkflowStatus string

const (
	WorkflowDraft    WorkflowStatus = "draft"
	WorkflowActive   WorkflowStatus = "active"
	WorkflowPaused   WorkflowStatus = "paused"
	WorkflowArchived WorkflowStatus = "archived"
)

// NodeKind identifies what a graph node does.
type NodeKind string

const (
	NodeTrigger   NodeKind = "trigger"
	NodeAction    NodeKind = "action"
	NodeCondition NodeKind = "condition"
	NodeLoop      NodeKind = "loop"
)

// Edge handles. An empty handle is the unconditional next edge.
const (
	HandleDefault = ""
	HandleSuccess = "success"
	HandleFailure = "failure"
	HandleLoop    = "loop"
	HandleDone    = "done"
)

// MaxGraphNodes caps the size of a published graph.
const MaxGraphNodes = 200

// DefaultMaxIterations caps loop iterations when a loop config asks for more.
const DefaultMaxIterations = 1000

// Workflow is a published automation with a pinned, versioned definition.
// Runs always execute against the version they were reserved with.
type Workflow struct {
	ID          string         `json:"id"`
	TenantID    string         `json:"tenant_id"`
	Name        string         `json:"name"`
	Status      WorkflowStatus `json:"status"`
	Version     int            `json:"version"`
	TriggerType string         `json:"trigger_type"`
	Definition  Definition     `json:"definition"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Definition is the executable graph: nodes, labeled edges, and
// workflow-level variable defaults seeded into every run.
type Definition struct {
	Nodes     []Node         `json:"nodes"`
	Edges     []Edge         `json:"edges"`
	Variables map[string]any `json:"variables,omitempty"`
}

// Node is a single vertex in the workflow graph. Config is decoded per kind
// via the typed accessors below.
type Node struct {
	ID     string          `json:"id"`
	Kind   NodeKind        `json:"kind"`
	Name   string          `json:"name,omitempty"`
	Config json.RawMessage `json:"config,omitempty"`
}

// Edge is a directed, optionally labeled connection between two nodes.
// Handle selects which outcome of the source node routes here.
type Edge struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	Target string `json:"target"`
	Handle string `json:"handle,omitempty"`
}

// Filter is a single predicate over a trigger event payload.
type Filter struct {
	Field  string   `json:"field"`
	Op     string   `json:"op"`
	Values []string `json:"values"`
}

// Filter operators.
const (
	OpEquals    = "equals"
	OpNotEquals = "not_equals"
	OpIn        = "in"
)

// FilterWildcard matches any payload value when present in Filter.Values.
const FilterWildcard = "all"

// TriggerConfig narrows which events of the workflow's trigger type start a run.
type TriggerConfig struct {
	Filters []Filter `json:"filters,omitempty"`
	// Cron holds the schedule expression for trigger_type "schedule".
	Cron string `json:"cron,omitempty"`
}

// ActionConfig describes a dispatchable action node.
type ActionConfig struct {
	ActionType string          `json:"action_type"`
	Params     json.RawMessage `json:"params,omitempty"`
	Timeout    string          `json:"timeout,omitempty"` // e.g. "30s", "5m"
}

// ConditionConfig holds a boolean expression routed to success or failure.
type ConditionConfig struct {
	Expression string `json:"expression"`
	Engine     string `json:"engine,omitempty"` // expr (default) | cel
}

// LoopConfig iterates the loop edge once per item produced by ItemsExpression.
type LoopConfig struct {
	ItemsExpression string `json:"items_expression"`
	MaxIterations   int    `json:"max_iterations"`
	Engine          string `json:"engine,omitempty"` // expr (default) | cel
}

// TriggerConfig decodes the node config as a trigger configuration.
func (n *Node) TriggerConfig() (*TriggerConfig, error) {
	var cfg TriggerConfig
	if err := n.decodeConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ActionConfig decodes the node config as an action configuration.
func (n *Node) ActionConfig() (*ActionConfig, error) {
	var cfg ActionConfig
	if err := n.decodeConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ConditionConfig decodes the node config as a condition configuration.
func (n *Node) ConditionConfig() (*ConditionConfig, error) {
	var cfg ConditionConfig
	if err := n.decodeConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoopConfig decodes the node config as a loop configuration. Iteration
// counts above DefaultMaxIterations are clamped.
func (n *Node) LoopConfig() (*LoopConfig, error) {
	var cfg LoopConfig
	if err := n.decodeConfig(&cfg); err != nil {
		return nil, err
	}
	if cfg.MaxIterations > DefaultMaxIterations {
		cfg.MaxIterations = DefaultMaxIterations
	}
	return &cfg, nil
}

func (n *Node) decodeConfig(out any) error {
	if len(n.Config) == 0 {
		return nil
	}
	if err := json.Unmarshal(n.Config, out); err != nil {
		return NewErrorf(ErrCodeValidation, "invalid %s config", n.Kind).
			WithNode(n.ID).WithCause(err)
	}
	return nil
}

// Trigger returns the workflow's trigger node, or nil if absent.
func (d *Definition) Trigger() *Node {
	for i := range d.Nodes {
		if d.Nodes[i].Kind == NodeTrigger {
			return &d.Nodes[i]
		}
	}
	return nil
}

// NodeByID returns the node with the given ID, or nil.
func (d *Definition) NodeByID(id string) *Node {
	for i := range d.Nodes {
		if d.Nodes[i].ID == id {
			return &d.Nodes[i]
		}
	}
	return nil
}
