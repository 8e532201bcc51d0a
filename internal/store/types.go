package store

import (
	"encoding/json"
	"time"

	"github.com/fitops/relay/pkg/schema"
	"github.com/google/uuid"
)

// Run is the persisted execution state of a single workflow run.
// CurrentNodeID is the durable cursor: after a crash, a new worker resumes
// exactly there.
type Run struct {
	ID              string           `json:"id"`
	WorkflowID      string           `json:"workflow_id"`
	WorkflowVersion int              `json:"workflow_version"`
	TenantID        string           `json:"tenant_id"`
	TriggerEventID  string           `json:"trigger_event_id"`
	Status          schema.RunStatus `json:"status"`
	CurrentNodeID   string           `json:"current_node_id"`
	Variables       json.RawMessage  `json:"variables,omitempty"`
	StepSeq         int              `json:"step_seq"`
	AttemptCount    int              `json:"attempt_count"`
	RetryAt         *time.Time       `json:"retry_at,omitempty"`
	LeaseOwner      string           `json:"lease_owner,omitempty"`
	LeaseExpiresAt  int64            `json:"lease_expires_at,omitempty"` // unix nanos, 0 = no lease
	LastError       string           `json:"last_error,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	StartedAt       *time.Time       `json:"started_at,omitempty"`
	CompletedAt     *time.Time       `json:"completed_at,omitempty"`
}

// DecodeVariables unmarshals the run's variable scope, never returning nil.
func (r *Run) DecodeVariables() (map[string]any, error) {
	vars := map[string]any{}
	if len(r.Variables) == 0 {
		return vars, nil
	}
	if err := json.Unmarshal(r.Variables, &vars); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "corrupt run variables").WithCause(err)
	}
	return vars, nil
}

// Step is one entry in a run's append-only execution log.
// (run_id, seq) is unique; replaying an already-applied seq is a no-op.
type Step struct {
	RunID     string             `json:"run_id"`
	Seq       int                `json:"seq"`
	NodeID    string             `json:"node_id"`
	Outcome   schema.StepOutcome `json:"outcome"`
	Response  json.RawMessage    `json:"response,omitempty"`
	Detail    string             `json:"detail,omitempty"`
	EnteredAt time.Time          `json:"entered_at"`
	ExitedAt  time.Time          `json:"exited_at"`
}

// ReserveRequest creates a pending run for a matched trigger event.
type ReserveRequest struct {
	WorkflowID      string
	WorkflowVersion int
	TenantID        string
	TriggerEventID  string
	StartNodeID     string
	Variables       map[string]any
}

// RunFilter narrows ListRuns queries. Zero fields are ignored.
type RunFilter struct {
	TenantID       string
	WorkflowID     string
	TriggerEventID string
	Status         schema.RunStatus
	Limit          int
}

// Notification is an in-app notification row written by the
// send_notification action.
type Notification struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	RunID     string    `json:"run_id"`
	Title     string    `json:"title"`
	Body      string    `json:"body,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func newRunID() string {
	return uuid.NewString()
}

// Sentinel errors shared by both store implementations.
var (
	// ErrDuplicateRun signals that a run for (workflow_id, trigger_event_id)
	// already exists. Trigger redelivery treats this as success.
	ErrDuplicateRun = schema.NewError(schema.ErrCodeDuplicateRun, "run already reserved for this trigger event")

	// ErrLeaseLost signals that another worker holds the run's lease.
	ErrLeaseLost = schema.NewError(schema.ErrCodeLeaseLost, "lease is held by another worker")

	// ErrRunFinished signals a write against a terminal run.
	ErrRunFinished = schema.NewError(schema.ErrCodeRunFinished, "run already reached a terminal status")
)
