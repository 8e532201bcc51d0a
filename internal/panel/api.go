package panel

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/fitops/relay/internal/store"
	"github.com/fitops/relay/pkg/schema"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleMetrics reports the worker pool counters.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.deps.Metrics == nil {
		writeError(w, http.StatusNotFound, "metrics not enabled")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Metrics.Snapshot())
}

// handleListWorkflows lists the latest version of each workflow for a tenant.
func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		writeError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}

	workflows, err := s.deps.Store.ListWorkflows(r.Context(), tenantID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": workflows})
}

// handleCreateWorkflow validates and publishes a workflow definition. A body
// with an existing workflow ID publishes the next version; without one a new
// workflow is created at version 1.
func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body struct {
		ID          string            `json:"id"`
		TenantID    string            `json:"tenant_id"`
		Name        string            `json:"name"`
		TriggerType string            `json:"trigger_type"`
		Definition  schema.Definition `json:"definition"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if body.TenantID == "" {
		writeError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}
	if body.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if body.TriggerType == "" {
		writeError(w, http.StatusBadRequest, "trigger_type is required")
		return
	}

	if err := s.deps.Validator.ValidateDefinition(&body.Definition); err != nil {
		writeStoreError(w, err)
		return
	}

	version := 1
	id := body.ID
	if id == "" {
		id = uuid.NewString()
	} else {
		prev, err := s.deps.Store.GetLatestWorkflow(ctx, id)
		switch {
		case err == nil:
			if prev.TenantID != body.TenantID {
				writeError(w, http.StatusNotFound, "workflow not found")
				return
			}
			version = prev.Version + 1
		case schema.ErrorCode(err) == schema.ErrCodeNotFound:
			// First publish under a caller-chosen ID.
		default:
			writeStoreError(w, err)
			return
		}
	}

	now := time.Now().UTC()
	wf := &schema.Workflow{
		ID:          id,
		TenantID:    body.TenantID,
		Name:        body.Name,
		Status:      schema.WorkflowActive,
		Version:     version,
		TriggerType: body.TriggerType,
		Definition:  body.Definition,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.deps.Store.PublishWorkflow(ctx, wf); err != nil {
		writeStoreError(w, err)
		return
	}

	s.deps.Logger.Info("workflow published", "workflow_id", wf.ID, "version", wf.Version, "tenant_id", wf.TenantID)
	writeJSON(w, http.StatusCreated, wf)
}

// handleGetWorkflow returns a workflow, latest version unless ?version= pins one.
func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var (
		wf  *schema.Workflow
		err error
	)
	if version := queryInt(r, "version", 0); version > 0 {
		wf, err = s.deps.Store.GetWorkflow(r.Context(), id, version)
	} else {
		wf, err = s.deps.Store.GetLatestWorkflow(r.Context(), id)
	}
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

// handleSetWorkflowStatus pauses, resumes, or archives a workflow.
func (s *Server) handleSetWorkflowStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var body struct {
		Status schema.WorkflowStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	switch body.Status {
	case schema.WorkflowActive, schema.WorkflowPaused, schema.WorkflowArchived:
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid status %q", body.Status))
		return
	}

	if err := s.deps.Store.SetWorkflowStatus(r.Context(), id, body.Status); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"workflow_id": id,
		"status":      string(body.Status),
	})
}

// handleListRuns lists runs, filterable by tenant, workflow, and status.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	filter := store.RunFilter{
		TenantID:   r.URL.Query().Get("tenant_id"),
		WorkflowID: r.URL.Query().Get("workflow_id"),
		Status:     schema.RunStatus(r.URL.Query().Get("status")),
		Limit:      queryInt(r, "limit", 50),
	}

	runs, err := s.deps.Store.ListRuns(r.Context(), filter)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// handleGetRun returns a run together with its recorded steps.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	run, err := s.deps.Store.GetRun(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	steps, err := s.deps.Store.ListSteps(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run, "steps": steps})
}

// handleCancelRun requests cancellation of a pending or running run.
func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if err := s.deps.Store.CancelRun(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}

	s.deps.Logger.Info("run cancelled", "run_id", id)
	writeJSON(w, http.StatusOK, map[string]string{
		"ok":     "true",
		"run_id": id,
	})
}

// handleIngestEvent routes a domain event through the trigger matcher and
// reports how many runs it started. Redelivery of an event ID is a no-op.
func (s *Server) handleIngestEvent(w http.ResponseWriter, r *http.Request) {
	var event schema.DomainEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if event.ID == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}
	if event.TenantID == "" {
		writeError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}
	if event.Type == "" {
		writeError(w, http.StatusBadRequest, "type is required")
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	started, err := s.deps.Matcher.HandleEvent(r.Context(), &event)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"event_id": event.ID,
		"started":  started,
	})
}
