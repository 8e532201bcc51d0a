package scheduler

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/fitops/relay/internal/store"
	"github.com/fitops/relay/internal/trigger"
	"github.com/fitops/relay/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scheduleWorkflow(id, cronExpr string) *schema.Workflow {
	triggerCfg, _ := json.Marshal(map[string]any{"cron": cronExpr})
	actionCfg, _ := json.Marshal(map[string]any{"action_type": "send_notification"})
	return &schema.Workflow{
		ID:          id,
		TenantID:    "t-1",
		Name:        "digest " + id,
		Status:      schema.WorkflowActive,
		Version:     1,
		TriggerType: schema.TriggerSchedule,
		Definition: schema.Definition{
			Nodes: []schema.Node{
				{ID: "trig", Kind: schema.NodeTrigger, Config: triggerCfg},
				{ID: "a", Kind: schema.NodeAction, Config: actionCfg},
			},
			Edges: []schema.Edge{{ID: "e1", Source: "trig", Target: "a"}},
		},
	}
}

func newCronFixture(t *testing.T, at time.Time, workflows ...*schema.Workflow) (*CronScheduler, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	for _, wf := range workflows {
		require.NoError(t, st.PublishWorkflow(context.Background(), wf))
	}
	s := NewCronScheduler(st, trigger.NewMatcher(st, discardLogger()), discardLogger())
	s.now = func() time.Time { return at }
	return s, st
}

func TestCronTickFiresDueWorkflow(t *testing.T) {
	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	s, st := newCronFixture(t, at, scheduleWorkflow("wf-digest", "0 9 * * *"))

	s.Tick(context.Background())

	runs, err := st.ListRuns(context.Background(), store.RunFilter{TenantID: "t-1"})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "wf-digest", runs[0].WorkflowID)
	assert.Contains(t, runs[0].TriggerEventID, "sched:wf-digest:")
}

func TestCronTickSkipsOffScheduleMinute(t *testing.T) {
	at := time.Date(2026, 3, 2, 9, 1, 0, 0, time.UTC)
	s, st := newCronFixture(t, at, scheduleWorkflow("wf-digest", "0 9 * * *"))

	s.Tick(context.Background())

	runs, err := st.ListRuns(context.Background(), store.RunFilter{TenantID: "t-1"})
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestCronTickDeduplicatesSameMinute(t *testing.T) {
	at := time.Date(2026, 3, 2, 9, 0, 30, 0, time.UTC)
	s, st := newCronFixture(t, at, scheduleWorkflow("wf-digest", "0 9 * * *"))

	s.Tick(context.Background())
	s.Tick(context.Background()) // second scheduler instance, same minute

	runs, err := st.ListRuns(context.Background(), store.RunFilter{TenantID: "t-1"})
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestCronTickEveryFiveMinutes(t *testing.T) {
	wf := scheduleWorkflow("wf-ping", "*/5 * * * *")

	at := time.Date(2026, 3, 2, 10, 5, 0, 0, time.UTC)
	s, st := newCronFixture(t, at, wf)
	s.Tick(context.Background())

	runs, err := st.ListRuns(context.Background(), store.RunFilter{TenantID: "t-1"})
	require.NoError(t, err)
	assert.Len(t, runs, 1)

	s.now = func() time.Time { return at.Add(2 * time.Minute) }
	s.Tick(context.Background())

	runs, err = st.ListRuns(context.Background(), store.RunFilter{TenantID: "t-1"})
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestCronTickIgnoresInvalidExpression(t *testing.T) {
	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	s, st := newCronFixture(t, at,
		scheduleWorkflow("wf-bad", "not a cron"),
		scheduleWorkflow("wf-good", "0 9 * * *"))

	s.Tick(context.Background())

	runs, err := st.ListRuns(context.Background(), store.RunFilter{TenantID: "t-1"})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "wf-good", runs[0].WorkflowID)
}

func TestCronSchedulerStartStop(t *testing.T) {
	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	s, _ := newCronFixture(t, at)

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()))
	s.Stop()
	s.Stop()
}

func TestScheduleEventID(t *testing.T) {
	wf := scheduleWorkflow("wf-1", "0 9 * * *")
	minute := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	event := ScheduleEvent(wf, minute)
	assert.Equal(t, "sched:wf-1:"+"1772442000", event.ID)
	assert.Equal(t, schema.TriggerSchedule, event.Type)
	assert.Equal(t, "t-1", event.TenantID)
}
