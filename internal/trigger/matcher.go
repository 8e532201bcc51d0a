package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/fitops/relay/internal/logging"
	"github.com/fitops/relay/internal/store"
	"github.com/fitops/relay/pkg/schema"
)

// Matcher turns domain events into workflow runs. For each active workflow
// subscribed to the event type it evaluates the trigger filters and reserves
// a run per match. Reservation is the dedup point: event redelivery hits the
// (workflow_id, trigger_event_id) unique constraint and is a no-op.
type Matcher struct {
	store  store.Store
	logger *slog.Logger
}

// NewMatcher creates a Matcher.
func NewMatcher(st store.Store, logger *slog.Logger) *Matcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Matcher{store: st, logger: logger}
}

// HandleEvent matches an event against the tenant's active workflows and
// reserves a run for every match. Returns the number of runs started.
func (m *Matcher) HandleEvent(ctx context.Context, event *schema.DomainEvent) (int, error) {
	if event == nil || event.ID == "" {
		return 0, schema.NewError(schema.ErrCodeValidation, "event has no id")
	}

	log := logging.LogWith(logging.WithTenantID(ctx, event.TenantID), m.logger)

	workflows, err := m.store.ListWorkflowsByTrigger(ctx, event.TenantID, event.Type)
	if err != nil {
		return 0, err
	}

	started := 0
	for _, wf := range workflows {
		trigger := wf.Definition.Trigger()
		if trigger == nil {
			log.Warn("active workflow has no trigger node", "workflow_id", wf.ID)
			continue
		}

		cfg, err := trigger.TriggerConfig()
		if err != nil {
			log.Warn("invalid trigger config", "workflow_id", wf.ID, "error", err)
			continue
		}
		if !MatchFilters(cfg.Filters, event.Payload) {
			continue
		}

		_, err = m.store.Reserve(ctx, store.ReserveRequest{
			WorkflowID:      wf.ID,
			WorkflowVersion: wf.Version,
			TenantID:        wf.TenantID,
			TriggerEventID:  event.ID,
			StartNodeID:     trigger.ID,
			Variables:       seedVariables(wf, event),
		})
		if err != nil {
			if schema.ErrorCode(err) == schema.ErrCodeDuplicateRun {
				log.Debug("event already reserved", "workflow_id", wf.ID, "event_id", event.ID)
				continue
			}
			return started, err
		}

		log.Info("run reserved", "workflow_id", wf.ID, "workflow_version", wf.Version, "event_id", event.ID)
		started++
	}
	return started, nil
}

// FireSchedule reserves a run for a schedule workflow's tick. Filters do not
// apply; the synthetic event ID makes concurrent schedulers collide on the
// reservation constraint, so each tick starts at most one run.
func (m *Matcher) FireSchedule(ctx context.Context, wf *schema.Workflow, event *schema.DomainEvent) (bool, error) {
	trigger := wf.Definition.Trigger()
	if trigger == nil {
		return false, schema.NewErrorf(schema.ErrCodeValidation, "workflow %s has no trigger node", wf.ID)
	}

	_, err := m.store.Reserve(ctx, store.ReserveRequest{
		WorkflowID:      wf.ID,
		WorkflowVersion: wf.Version,
		TenantID:        wf.TenantID,
		TriggerEventID:  event.ID,
		StartNodeID:     trigger.ID,
		Variables:       seedVariables(wf, event),
	})
	if err != nil {
		if schema.ErrorCode(err) == schema.ErrCodeDuplicateRun {
			m.logger.Debug("schedule tick already reserved", "workflow_id", wf.ID, "event_id", event.ID)
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// seedVariables builds the initial run scope: workflow defaults, then the
// event payload at top level, then the payload again under "event", then
// trigger metadata. Later layers win on key collisions.
func seedVariables(wf *schema.Workflow, event *schema.DomainEvent) map[string]any {
	vars := make(map[string]any, len(wf.Definition.Variables)+len(event.Payload)+2)
	for k, v := range wf.Definition.Variables {
		vars[k] = v
	}
	for k, v := range event.Payload {
		vars[k] = v
	}
	vars["event"] = event.Payload
	vars["trigger"] = map[string]any{
		"event_id":    event.ID,
		"type":        event.Type,
		"occurred_at": event.OccurredAt,
	}
	return vars
}

// MatchFilters reports whether a payload passes every trigger filter.
// No filters means match everything.
func MatchFilters(filters []schema.Filter, payload map[string]any) bool {
	for _, f := range filters {
		if !matchFilter(f, payload) {
			return false
		}
	}
	return true
}

func matchFilter(f schema.Filter, payload map[string]any) bool {
	if containsWildcard(f.Values) {
		return true
	}

	value, ok := lookupField(payload, f.Field)
	switch f.Op {
	case schema.OpEquals, "":
		return ok && containsValue(f.Values, value)
	case schema.OpNotEquals:
		// A missing field never matches, not even negatively.
		return ok && !containsValue(f.Values, value)
	case schema.OpIn:
		return ok && containsValue(f.Values, value)
	}
	return false
}

func containsWildcard(values []string) bool {
	for _, v := range values {
		if v == schema.FilterWildcard {
			return true
		}
	}
	return false
}

func containsValue(values []string, actual any) bool {
	rendered := renderScalar(actual)
	for _, v := range values {
		if v == rendered {
			return true
		}
	}
	return false
}

// renderScalar normalizes payload values for comparison against the
// filter's string values.
func renderScalar(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case json.Number:
		return t.String()
	default:
		return fmt.Sprintf("%v", t)
	}
}

// lookupField resolves a dot path into the payload.
func lookupField(payload map[string]any, field string) (any, bool) {
	if field == "" {
		return nil, false
	}
	if v, ok := payload[field]; ok {
		return v, true
	}

	parts := strings.Split(field, ".")
	var current any = payload
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}
