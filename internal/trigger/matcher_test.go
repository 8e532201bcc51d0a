package trigger

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/fitops/relay/internal/store"
	"github.com/fitops/relay/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func leadWorkflow(id string, filters []schema.Filter) *schema.Workflow {
	triggerCfg, _ := json.Marshal(map[string]any{"filters": filters})
	actionCfg, _ := json.Marshal(map[string]any{"action_type": "send_email"})
	return &schema.Workflow{
		ID:          id,
		TenantID:    "t-1",
		Name:        "welcome " + id,
		Status:      schema.WorkflowActive,
		Version:     1,
		TriggerType: "lead.created",
		Definition: schema.Definition{
			Nodes: []schema.Node{
				{ID: "trig", Kind: schema.NodeTrigger, Config: triggerCfg},
				{ID: "a", Kind: schema.NodeAction, Config: actionCfg},
			},
			Edges:     []schema.Edge{{ID: "e1", Source: "trig", Target: "a"}},
			Variables: map[string]any{"brand": "FitOps"},
		},
	}
}

func leadEvent(id string, payload map[string]any) *schema.DomainEvent {
	return &schema.DomainEvent{
		ID:         id,
		TenantID:   "t-1",
		Type:       "lead.created",
		OccurredAt: time.Now().UTC(),
		Payload:    payload,
	}
}

func TestHandleEventReservesMatchingRun(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, st.PublishWorkflow(ctx, leadWorkflow("wf-1", []schema.Filter{
		{Field: "lead.source", Op: schema.OpEquals, Values: []string{"website"}},
	})))

	m := NewMatcher(st, discardLogger())
	started, err := m.HandleEvent(ctx, leadEvent("evt-1", map[string]any{
		"lead": map[string]any{"source": "website", "email": "ana@example.com"},
	}))
	require.NoError(t, err)
	assert.Equal(t, 1, started)

	runs, err := st.ListRuns(ctx, store.RunFilter{TenantID: "t-1"})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "wf-1", runs[0].WorkflowID)
	assert.Equal(t, "evt-1", runs[0].TriggerEventID)
	assert.Equal(t, "trig", runs[0].CurrentNodeID)
	assert.Equal(t, schema.RunPending, runs[0].Status)

	vars, err := runs[0].DecodeVariables()
	require.NoError(t, err)
	assert.Equal(t, "FitOps", vars["brand"])
	assert.Contains(t, vars, "lead")
	assert.Contains(t, vars, "event")
	trigger, _ := vars["trigger"].(map[string]any)
	assert.Equal(t, "evt-1", trigger["event_id"])
	assert.Equal(t, "lead.created", trigger["type"])
}

func TestHandleEventFilterMismatch(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, st.PublishWorkflow(ctx, leadWorkflow("wf-1", []schema.Filter{
		{Field: "lead.source", Op: schema.OpEquals, Values: []string{"website"}},
	})))

	m := NewMatcher(st, discardLogger())
	started, err := m.HandleEvent(ctx, leadEvent("evt-1", map[string]any{
		"lead": map[string]any{"source": "phone"},
	}))
	require.NoError(t, err)
	assert.Zero(t, started)
}

func TestHandleEventRedeliveryIsNoop(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, st.PublishWorkflow(ctx, leadWorkflow("wf-1", nil)))

	m := NewMatcher(st, discardLogger())
	event := leadEvent("evt-1", map[string]any{"lead": map[string]any{"source": "website"}})

	started, err := m.HandleEvent(ctx, event)
	require.NoError(t, err)
	assert.Equal(t, 1, started)

	started, err = m.HandleEvent(ctx, event)
	require.NoError(t, err)
	assert.Zero(t, started)

	runs, err := st.ListRuns(ctx, store.RunFilter{TenantID: "t-1"})
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestHandleEventMatchesMultipleWorkflows(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, st.PublishWorkflow(ctx, leadWorkflow("wf-1", nil)))
	require.NoError(t, st.PublishWorkflow(ctx, leadWorkflow("wf-2", []schema.Filter{
		{Field: "lead.source", Op: schema.OpIn, Values: []string{"website", "referral"}},
	})))

	m := NewMatcher(st, discardLogger())
	started, err := m.HandleEvent(ctx, leadEvent("evt-1", map[string]any{
		"lead": map[string]any{"source": "referral"},
	}))
	require.NoError(t, err)
	assert.Equal(t, 2, started)
}

func TestHandleEventIgnoresPausedWorkflows(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, st.PublishWorkflow(ctx, leadWorkflow("wf-1", nil)))
	require.NoError(t, st.SetWorkflowStatus(ctx, "wf-1", schema.WorkflowPaused))

	m := NewMatcher(st, discardLogger())
	started, err := m.HandleEvent(ctx, leadEvent("evt-1", nil))
	require.NoError(t, err)
	assert.Zero(t, started)
}

func TestHandleEventRejectsMissingID(t *testing.T) {
	m := NewMatcher(store.NewMemoryStore(), discardLogger())

	_, err := m.HandleEvent(context.Background(), &schema.DomainEvent{TenantID: "t-1"})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
}

func TestMatchFiltersOperators(t *testing.T) {
	payload := map[string]any{
		"lead":   map[string]any{"source": "website", "score": float64(7)},
		"status": "new",
	}

	assert.True(t, MatchFilters(nil, payload))

	assert.True(t, MatchFilters([]schema.Filter{
		{Field: "status", Op: schema.OpEquals, Values: []string{"new"}},
	}, payload))
	assert.False(t, MatchFilters([]schema.Filter{
		{Field: "status", Op: schema.OpEquals, Values: []string{"won"}},
	}, payload))

	assert.True(t, MatchFilters([]schema.Filter{
		{Field: "status", Op: schema.OpNotEquals, Values: []string{"won"}},
	}, payload))
	assert.False(t, MatchFilters([]schema.Filter{
		{Field: "status", Op: schema.OpNotEquals, Values: []string{"new"}},
	}, payload))

	assert.True(t, MatchFilters([]schema.Filter{
		{Field: "lead.source", Op: schema.OpIn, Values: []string{"phone", "website"}},
	}, payload))

	// Numbers compare against their canonical rendering.
	assert.True(t, MatchFilters([]schema.Filter{
		{Field: "lead.score", Op: schema.OpEquals, Values: []string{"7"}},
	}, payload))

	// All filters must pass.
	assert.False(t, MatchFilters([]schema.Filter{
		{Field: "status", Op: schema.OpEquals, Values: []string{"new"}},
		{Field: "lead.source", Op: schema.OpEquals, Values: []string{"phone"}},
	}, payload))
}

func TestMatchFiltersWildcard(t *testing.T) {
	payload := map[string]any{"status": "new"}

	assert.True(t, MatchFilters([]schema.Filter{
		{Field: "anything", Op: schema.OpEquals, Values: []string{schema.FilterWildcard}},
	}, payload))

	// Wildcard matches even when the field is missing.
	assert.True(t, MatchFilters([]schema.Filter{
		{Field: "ghost.field", Op: schema.OpEquals, Values: []string{schema.FilterWildcard}},
	}, payload))
}

func TestMatchFiltersMissingFieldNeverMatches(t *testing.T) {
	payload := map[string]any{"status": "new"}

	assert.False(t, MatchFilters([]schema.Filter{
		{Field: "ghost", Op: schema.OpEquals, Values: []string{"x"}},
	}, payload))
	assert.False(t, MatchFilters([]schema.Filter{
		{Field: "ghost", Op: schema.OpNotEquals, Values: []string{"x"}},
	}, payload))
	assert.False(t, MatchFilters([]schema.Filter{
		{Field: "ghost", Op: schema.OpIn, Values: []string{"x"}},
	}, payload))
}

func TestMatchFiltersUnknownOp(t *testing.T) {
	payload := map[string]any{"status": "new"}

	assert.False(t, MatchFilters([]schema.Filter{
		{Field: "status", Op: "regex", Values: []string{"new"}},
	}, payload))
}
