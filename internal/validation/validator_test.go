package validation

import (
	"encoding/json"
	"testing"

	"github.com/fitops/relay/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type lookupFunc func(name string) bool

func (f lookupFunc) Has(name string) bool { return f(name) }

var allowAll = lookupFunc(func(string) bool { return true })

func newValidator(t *testing.T, lookup ActionLookup) *WorkflowValidator {
	t.Helper()
	wv, err := NewWorkflowValidator(lookup)
	require.NoError(t, err)
	return wv
}

func triggerNode(id string) schema.Node {
	return schema.Node{ID: id, Kind: schema.NodeTrigger}
}

func actionNode(id, actionType string) schema.Node {
	cfg, _ := json.Marshal(map[string]any{"action_type": actionType})
	return schema.Node{ID: id, Kind: schema.NodeAction, Config: cfg}
}

func conditionNode(id, expression string) schema.Node {
	cfg, _ := json.Marshal(map[string]any{"expression": expression})
	return schema.Node{ID: id, Kind: schema.NodeCondition, Config: cfg}
}

func loopNode(id, items string, maxIterations int) schema.Node {
	cfg, _ := json.Marshal(map[string]any{"items_expression": items, "max_iterations": maxIterations})
	return schema.Node{ID: id, Kind: schema.NodeLoop, Config: cfg}
}

func edge(id, source, target, handle string) schema.Edge {
	return schema.Edge{ID: id, Source: source, Target: target, Handle: handle}
}

// linearDefinition is trigger -> send_email.
func linearDefinition() *schema.Definition {
	return &schema.Definition{
		Nodes: []schema.Node{triggerNode("t"), actionNode("a", "send_email")},
		Edges: []schema.Edge{edge("e1", "t", "a", "")},
	}
}

func TestValidateLinearGraph(t *testing.T) {
	wv := newValidator(t, allowAll)

	result := wv.Validate(linearDefinition())
	assert.True(t, result.Valid())
	assert.Empty(t, result.Warnings)
}

func TestValidateNilDefinition(t *testing.T) {
	wv := newValidator(t, allowAll)

	result := wv.Validate(nil)
	assert.False(t, result.Valid())
}

func TestValidateRejectsEmptyNodes(t *testing.T) {
	wv := newValidator(t, allowAll)

	result := wv.Validate(&schema.Definition{Edges: []schema.Edge{}})
	assert.False(t, result.Valid())
}

func TestValidateRejectsUnknownKind(t *testing.T) {
	wv := newValidator(t, allowAll)

	result := wv.Validate(&schema.Definition{
		Nodes: []schema.Node{{ID: "x", Kind: "teleport"}},
	})
	assert.False(t, result.Valid())
}

func TestValidateRejectsBadHandle(t *testing.T) {
	wv := newValidator(t, allowAll)

	def := linearDefinition()
	def.Edges[0].Handle = "maybe"
	result := wv.Validate(def)
	assert.False(t, result.Valid())
}

func TestValidateRequiresExactlyOneTrigger(t *testing.T) {
	wv := newValidator(t, allowAll)

	def := &schema.Definition{
		Nodes: []schema.Node{actionNode("a", "send_email")},
		Edges: []schema.Edge{},
	}
	result := wv.Validate(def)
	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "no trigger")

	def = &schema.Definition{
		Nodes: []schema.Node{triggerNode("t1"), triggerNode("t2")},
		Edges: []schema.Edge{},
	}
	result = wv.Validate(def)
	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "trigger nodes")
}

func TestValidateRejectsEdgeIntoTrigger(t *testing.T) {
	wv := newValidator(t, allowAll)

	def := linearDefinition()
	def.Edges = append(def.Edges, edge("e2", "a", "t", ""))
	result := wv.Validate(def)
	assert.False(t, result.Valid())
}

func TestValidateRejectsDanglingEdge(t *testing.T) {
	wv := newValidator(t, allowAll)

	def := linearDefinition()
	def.Edges = append(def.Edges, edge("e2", "a", "ghost", ""))
	result := wv.Validate(def)
	assert.False(t, result.Valid())
}

func TestValidateRejectsDuplicateNodeIDs(t *testing.T) {
	wv := newValidator(t, allowAll)

	def := linearDefinition()
	def.Nodes = append(def.Nodes, actionNode("a", "send_sms"))
	result := wv.Validate(def)
	assert.False(t, result.Valid())
}

func TestValidateRejectsUnregisteredAction(t *testing.T) {
	wv := newValidator(t, lookupFunc(func(name string) bool { return name == "send_email" }))

	def := linearDefinition()
	def.Nodes[1] = actionNode("a", "send_fax")
	result := wv.Validate(def)
	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "not registered")
}

func TestValidateConditionNeedsBothBranches(t *testing.T) {
	wv := newValidator(t, allowAll)

	def := &schema.Definition{
		Nodes: []schema.Node{
			triggerNode("t"),
			conditionNode("c", `lead.source == "website"`),
			actionNode("yes", "send_email"),
		},
		Edges: []schema.Edge{
			edge("e1", "t", "c", ""),
			edge("e2", "c", "yes", "success"),
		},
	}
	result := wv.Validate(def)
	assert.False(t, result.Valid())

	def.Nodes = append(def.Nodes, actionNode("no", "send_sms"))
	def.Edges = append(def.Edges, edge("e3", "c", "no", "failure"))
	result = wv.Validate(def)
	assert.True(t, result.Valid())
}

func TestValidateConditionNeedsExpression(t *testing.T) {
	wv := newValidator(t, allowAll)

	def := &schema.Definition{
		Nodes: []schema.Node{
			triggerNode("t"),
			conditionNode("c", ""),
			actionNode("yes", "send_email"),
			actionNode("no", "send_sms"),
		},
		Edges: []schema.Edge{
			edge("e1", "t", "c", ""),
			edge("e2", "c", "yes", "success"),
			edge("e3", "c", "no", "failure"),
		},
	}
	result := wv.Validate(def)
	assert.False(t, result.Valid())
}

// loopDefinition is trigger -> loop, body action edges back to the loop.
func loopDefinition(maxIterations int) *schema.Definition {
	return &schema.Definition{
		Nodes: []schema.Node{
			triggerNode("t"),
			loopNode("l", "members", maxIterations),
			actionNode("body", "send_email"),
			actionNode("after", "send_notification"),
		},
		Edges: []schema.Edge{
			edge("e1", "t", "l", ""),
			edge("e2", "l", "body", "loop"),
			edge("e3", "body", "l", ""),
			edge("e4", "l", "after", "done"),
		},
	}
}

func TestValidateLoopGraph(t *testing.T) {
	wv := newValidator(t, allowAll)

	result := wv.Validate(loopDefinition(10))
	assert.True(t, result.Valid(), "errors: %v", result.Errors)
}

func TestValidateLoopNeedsMaxIterations(t *testing.T) {
	wv := newValidator(t, allowAll)

	result := wv.Validate(loopDefinition(0))
	assert.False(t, result.Valid())
}

func TestValidateLoopNeedsBothHandles(t *testing.T) {
	wv := newValidator(t, allowAll)

	def := loopDefinition(10)
	def.Edges = def.Edges[:3] // drop the done edge
	def.Nodes = def.Nodes[:3]
	result := wv.Validate(def)
	assert.False(t, result.Valid())
}

func TestValidateDetectsCycle(t *testing.T) {
	wv := newValidator(t, allowAll)

	def := &schema.Definition{
		Nodes: []schema.Node{
			triggerNode("t"),
			actionNode("a", "send_email"),
			conditionNode("c", "true"),
		},
		Edges: []schema.Edge{
			edge("e1", "t", "a", ""),
			edge("e2", "a", "c", ""),
			edge("e3", "c", "a", "success"),
			edge("e4", "c", "a", "failure"),
		},
	}
	result := wv.Validate(def)
	require.False(t, result.Valid())

	found := false
	for _, issue := range result.Errors {
		if issue.Code == schema.ErrCodeCycleDetected {
			found = true
		}
	}
	assert.True(t, found)
}

func TestValidateLoopBackEdgeIsNotACycle(t *testing.T) {
	wv := newValidator(t, allowAll)

	result := wv.Validate(loopDefinition(3))
	for _, issue := range result.Errors {
		assert.NotEqual(t, schema.ErrCodeCycleDetected, issue.Code)
	}
}

func TestValidateWarnsUnreachableNode(t *testing.T) {
	wv := newValidator(t, allowAll)

	def := linearDefinition()
	def.Nodes = append(def.Nodes, actionNode("orphan", "send_sms"))
	result := wv.Validate(def)
	assert.True(t, result.Valid())
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0].Message, "unreachable")
}

func TestValidateActionEdgeRules(t *testing.T) {
	wv := newValidator(t, allowAll)

	def := linearDefinition()
	def.Nodes = append(def.Nodes, actionNode("b", "send_sms"), actionNode("c2", "send_sms"))
	def.Edges = append(def.Edges,
		edge("e2", "a", "b", ""),
		edge("e3", "a", "c2", ""),
	)
	result := wv.Validate(def)
	assert.False(t, result.Valid())
}

func TestValidateActionFailureEdgeAllowed(t *testing.T) {
	wv := newValidator(t, allowAll)

	def := linearDefinition()
	def.Nodes = append(def.Nodes, actionNode("fallback", "send_notification"))
	def.Edges = append(def.Edges, edge("e2", "a", "fallback", "failure"))
	result := wv.Validate(def)
	assert.True(t, result.Valid(), "errors: %v", result.Errors)
}

func TestValidateDefinitionToError(t *testing.T) {
	wv := newValidator(t, allowAll)

	assert.NoError(t, wv.ValidateDefinition(linearDefinition()))

	err := wv.ValidateDefinition(&schema.Definition{Nodes: []schema.Node{actionNode("a", "x")}})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
}

func TestValidateTooManyNodes(t *testing.T) {
	wv := newValidator(t, allowAll)

	def := &schema.Definition{Nodes: []schema.Node{triggerNode("t")}}
	for i := 0; i < schema.MaxGraphNodes+1; i++ {
		def.Nodes = append(def.Nodes, actionNode(nodeID(i), "send_email"))
	}
	result := wv.Validate(def)
	assert.False(t, result.Valid())
}

func nodeID(i int) string {
	return "n" + string(rune('a'+i%26)) + string(rune('a'+(i/26)%26)) + string(rune('a'+(i/676)%26))
}
