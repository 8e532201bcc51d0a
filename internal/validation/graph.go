package validation

import (
	"fmt"
	"sort"

	"github.com/fitops/relay/pkg/schema"
)

// ActionLookup reports whether an action type has a registered handler.
// *actions.Registry satisfies it.
type ActionLookup interface {
	Has(name string) bool
}

// validateGraph performs the structural analysis JSON Schema cannot express:
// trigger cardinality, per-kind edge rules, config contents, endpoint
// existence, cycles, and reachability.
func validateGraph(def *schema.Definition, lookup ActionLookup) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	if len(def.Nodes) > schema.MaxGraphNodes {
		result.AddError("nodes", schema.ErrCodeValidation,
			fmt.Sprintf("graph has %d nodes, maximum is %d", len(def.Nodes), schema.MaxGraphNodes))
		return result
	}

	nodes := make(map[string]*schema.Node, len(def.Nodes))
	for i := range def.Nodes {
		n := &def.Nodes[i]
		if _, exists := nodes[n.ID]; exists {
			result.AddError(fmt.Sprintf("nodes[%d]", i), schema.ErrCodeValidation,
				fmt.Sprintf("duplicate node id %q", n.ID))
			continue
		}
		nodes[n.ID] = n
	}

	validateEdgeEndpoints(def, nodes, result)
	validateTriggerCardinality(def, result)
	if !result.Valid() {
		return result
	}

	for i := range def.Nodes {
		validateNode(&def.Nodes[i], fmt.Sprintf("nodes[%d]", i), def, lookup, result)
	}

	// Cycle and reachability analysis only makes sense on a graph whose
	// local rules hold.
	if result.Valid() {
		result.Merge(validateAcyclic(def, nodes))
		validateReachability(def, nodes, result)
	}

	return result
}

// validateEdgeEndpoints checks edge IDs for uniqueness and both endpoints
// for existence.
func validateEdgeEndpoints(def *schema.Definition, nodes map[string]*schema.Node, result *schema.ValidationResult) {
	seen := make(map[string]bool, len(def.Edges))
	for i, e := range def.Edges {
		path := fmt.Sprintf("edges[%d]", i)
		if seen[e.ID] {
			result.AddError(path, schema.ErrCodeValidation,
				fmt.Sprintf("duplicate edge id %q", e.ID))
		}
		seen[e.ID] = true

		if _, ok := nodes[e.Source]; !ok {
			result.AddError(path+".source", schema.ErrCodeValidation,
				fmt.Sprintf("references non-existent node %q", e.Source))
		}
		if _, ok := nodes[e.Target]; !ok {
			result.AddError(path+".target", schema.ErrCodeValidation,
				fmt.Sprintf("references non-existent node %q", e.Target))
		}
	}
}

// validateTriggerCardinality requires exactly one trigger node with no
// incoming edges.
func validateTriggerCardinality(def *schema.Definition, result *schema.ValidationResult) {
	var triggers []string
	for _, n := range def.Nodes {
		if n.Kind == schema.NodeTrigger {
			triggers = append(triggers, n.ID)
		}
	}

	switch len(triggers) {
	case 0:
		result.AddError("nodes", schema.ErrCodeValidation, "graph has no trigger node")
		return
	case 1:
	default:
		result.AddError("nodes", schema.ErrCodeValidation,
			fmt.Sprintf("graph has %d trigger nodes, expected exactly one", len(triggers)))
		return
	}

	for i, e := range def.Edges {
		if e.Target == triggers[0] {
			result.AddError(fmt.Sprintf("edges[%d]", i), schema.ErrCodeValidation,
				fmt.Sprintf("trigger node %q cannot have incoming edges", triggers[0]))
		}
	}
}

// validateNode checks a node's out-edge shape and its typed config.
func validateNode(n *schema.Node, path string, def *schema.Definition, lookup ActionLookup, result *schema.ValidationResult) {
	byHandle := make(map[string]int)
	for _, e := range def.Edges {
		if e.Source == n.ID {
			byHandle[e.Handle]++
		}
	}

	switch n.Kind {
	case schema.NodeTrigger:
		for handle, count := range byHandle {
			if handle != schema.HandleDefault && count > 0 {
				result.AddError(path, schema.ErrCodeValidation,
					fmt.Sprintf("trigger node %q cannot use handle %q", n.ID, handle))
			}
		}
		if byHandle[schema.HandleDefault] > 1 {
			result.AddError(path, schema.ErrCodeValidation,
				fmt.Sprintf("trigger node %q has %d outgoing edges, expected at most one", n.ID, byHandle[schema.HandleDefault]))
		}
		if _, err := n.TriggerConfig(); err != nil {
			result.AddError(path+".config", schema.ErrCodeValidation, err.Error())
		}

	case schema.NodeAction:
		if byHandle[schema.HandleDefault] > 1 {
			result.AddError(path, schema.ErrCodeValidation,
				fmt.Sprintf("action node %q has %d unconditional out-edges, expected at most one", n.ID, byHandle[schema.HandleDefault]))
		}
		if byHandle[schema.HandleFailure] > 1 {
			result.AddError(path, schema.ErrCodeValidation,
				fmt.Sprintf("action node %q has %d failure out-edges, expected at most one", n.ID, byHandle[schema.HandleFailure]))
		}
		for _, handle := range []string{schema.HandleSuccess, schema.HandleLoop, schema.HandleDone} {
			if byHandle[handle] > 0 {
				result.AddError(path, schema.ErrCodeValidation,
					fmt.Sprintf("action node %q cannot use handle %q", n.ID, handle))
			}
		}

		cfg, err := n.ActionConfig()
		if err != nil {
			result.AddError(path+".config", schema.ErrCodeValidation, err.Error())
			return
		}
		if cfg.ActionType == "" {
			result.AddError(path+".config.action_type", schema.ErrCodeValidation,
				fmt.Sprintf("action node %q has no action_type", n.ID))
		} else if lookup != nil && !lookup.Has(cfg.ActionType) {
			result.AddError(path+".config.action_type", schema.ErrCodeValidation,
				fmt.Sprintf("action type %q not registered", cfg.ActionType))
		}

	case schema.NodeCondition:
		if byHandle[schema.HandleSuccess] != 1 || byHandle[schema.HandleFailure] != 1 {
			result.AddError(path, schema.ErrCodeValidation,
				fmt.Sprintf("condition node %q needs exactly one success and one failure out-edge", n.ID))
		}
		for _, handle := range []string{schema.HandleDefault, schema.HandleLoop, schema.HandleDone} {
			if byHandle[handle] > 0 {
				result.AddError(path, schema.ErrCodeValidation,
					fmt.Sprintf("condition node %q cannot use handle %q", n.ID, handle))
			}
		}

		cfg, err := n.ConditionConfig()
		if err != nil {
			result.AddError(path+".config", schema.ErrCodeValidation, err.Error())
			return
		}
		if cfg.Expression == "" {
			result.AddError(path+".config.expression", schema.ErrCodeValidation,
				fmt.Sprintf("condition node %q has no expression", n.ID))
		}

	case schema.NodeLoop:
		if byHandle[schema.HandleLoop] != 1 || byHandle[schema.HandleDone] != 1 {
			result.AddError(path, schema.ErrCodeValidation,
				fmt.Sprintf("loop node %q needs exactly one loop and one done out-edge", n.ID))
		}
		for _, handle := range []string{schema.HandleSuccess, schema.HandleFailure} {
			if byHandle[handle] > 0 {
				result.AddError(path, schema.ErrCodeValidation,
					fmt.Sprintf("loop node %q cannot use handle %q", n.ID, handle))
			}
		}

		cfg, err := n.LoopConfig()
		if err != nil {
			result.AddError(path+".config", schema.ErrCodeValidation, err.Error())
			return
		}
		if cfg.ItemsExpression == "" {
			result.AddError(path+".config.items_expression", schema.ErrCodeValidation,
				fmt.Sprintf("loop node %q has no items_expression", n.ID))
		}
		if cfg.MaxIterations < 1 {
			result.AddError(path+".config.max_iterations", schema.ErrCodeValidation,
				fmt.Sprintf("loop node %q needs max_iterations >= 1", n.ID))
		}
	}
}

// validateAcyclic runs Kahn's algorithm over the forward edges, excluding
// every edge whose target is a loop node. That removes the loop-closing back
// edge along with the loop's entry edge; the loop's iteration bound keeps
// runs terminating, so only cycles outside the loop construct are errors.
func validateAcyclic(def *schema.Definition, nodes map[string]*schema.Node) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	forward := make(map[string][]string, len(nodes))
	inDegree := make(map[string]int, len(nodes))
	for id := range nodes {
		inDegree[id] = 0
	}

	for _, e := range def.Edges {
		if target, ok := nodes[e.Target]; ok && target.Kind == schema.NodeLoop {
			continue // loop-closing or loop-entry edge, excluded from cycle analysis
		}
		forward[e.Source] = append(forward[e.Source], e.Target)
		inDegree[e.Target]++
	}

	queue := make([]string, 0, len(nodes))
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range forward[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if visited != len(nodes) {
		result.AddError("edges", schema.ErrCodeCycleDetected,
			"graph contains a cycle outside the loop construct")
	}
	return result
}

// validateReachability warns about nodes the trigger can never reach.
func validateReachability(def *schema.Definition, nodes map[string]*schema.Node, result *schema.ValidationResult) {
	trigger := def.Trigger()
	if trigger == nil {
		return
	}

	forward := make(map[string][]string, len(nodes))
	for _, e := range def.Edges {
		forward[e.Source] = append(forward[e.Source], e.Target)
	}

	reachable := map[string]bool{trigger.ID: true}
	queue := []string{trigger.ID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, next := range forward[id] {
			if !reachable[next] {
				reachable[next] = true
				queue = append(queue, next)
			}
		}
	}

	for i, n := range def.Nodes {
		if !reachable[n.ID] {
			result.AddWarning(fmt.Sprintf("nodes[%d]", i), schema.ErrCodeValidation,
				fmt.Sprintf("node %q is unreachable from the trigger", n.ID))
		}
	}
}
