package schema

import "time"

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	}
	return false
}

// StepOutcome is the recorded result of executing one node.
type StepOutcome string

const (
	StepSuccess StepOutcome = "success"
	StepFailure StepOutcome = "failure"
	StepRetried StepOutcome = "retried"
	StepSkipped StepOutcome = "skipped"
)

// DomainEvent is an event emitted by the platform (lead created, booking
// confirmed, message received) that can start workflow runs.
type DomainEvent struct {
	ID         string         `json:"id"`
	TenantID   string         `json:"tenant_id"`
	Type       string         `json:"type"`
	OccurredAt time.Time      `json:"occurred_at"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// TriggerSchedule is the trigger type for cron-driven workflows.
const TriggerSchedule = "schedule"
