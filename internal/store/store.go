package store

import (
	"context"
	"time"

	"github.com/fitops/relay/pkg/schema"
)

// Store is the persistence layer for workflows, runs, and the per-run
// execution log. Two implementations exist: LibSQLStore (durable) and
// MemoryStore (tests).
//
// Every mutation that moves a run forward is a single transaction, so a
// crash between nodes leaves the run either fully advanced or untouched.
type Store interface {
	// --- Workflow catalog ---

	// PublishWorkflow inserts a new workflow version. Versions are immutable
	// once published; runs pin the version they were reserved with.
	PublishWorkflow(ctx context.Context, wf *schema.Workflow) error

	// GetWorkflow fetches a specific published version.
	GetWorkflow(ctx context.Context, id string, version int) (*schema.Workflow, error)

	// GetLatestWorkflow fetches the highest published version.
	GetLatestWorkflow(ctx context.Context, id string) (*schema.Workflow, error)

	// ListWorkflowsByTrigger returns active workflows for a tenant and
	// trigger type. Used by the trigger matcher on every domain event.
	ListWorkflowsByTrigger(ctx context.Context, tenantID, triggerType string) ([]*schema.Workflow, error)

	// ListWorkflows returns the latest version of every workflow for a tenant.
	ListWorkflows(ctx context.Context, tenantID string) ([]*schema.Workflow, error)

	// ListScheduledWorkflows returns active schedule-triggered workflows
	// across all tenants. Used by the cron scheduler's tick.
	ListScheduledWorkflows(ctx context.Context) ([]*schema.Workflow, error)

	// SetWorkflowStatus updates the lifecycle status across all versions.
	SetWorkflowStatus(ctx context.Context, id string, status schema.WorkflowStatus) error

	// --- Run lifecycle ---

	// Reserve creates a pending run for a matched trigger event.
	// Returns ErrDuplicateRun if (workflow_id, trigger_event_id) exists.
	Reserve(ctx context.Context, req ReserveRequest) (*Run, error)

	// ClaimNext atomically claims the oldest eligible run: status pending,
	// retry_at absent or due, lease free or expired. The claimed run is
	// flipped to running with a lease stamped for the owner. Returns
	// (nil, nil) when no run is eligible.
	ClaimNext(ctx context.Context, owner string, ttl time.Duration) (*Run, error)

	// RenewLease extends the owner's lease. ErrLeaseLost if the lease moved.
	RenewLease(ctx context.Context, runID, owner string, ttl time.Duration) error

	// ReleaseLease clears the lease if still held by owner. Idempotent.
	ReleaseLease(ctx context.Context, runID, owner string) error

	// ReclaimExpired flips running runs with expired leases back to pending
	// so another worker can claim them. Returns the number reclaimed.
	ReclaimExpired(ctx context.Context) (int, error)

	// Advance appends the step and moves the run cursor to nextNodeID in one
	// transaction, persisting the variable scope and resetting the attempt
	// counter. Replaying an already-applied step seq is a no-op.
	Advance(ctx context.Context, runID string, step *Step, nextNodeID string, variables map[string]any) error

	// ScheduleRetry appends a retried step, bumps attempt_count, releases the
	// lease, and parks the run as pending until retryAt. One transaction.
	ScheduleRetry(ctx context.Context, runID string, step *Step, retryAt time.Time, lastError string) error

	// Complete appends the final step (nil allowed), persists the final
	// variable scope (nil leaves the stored scope unchanged), and sets a
	// terminal status. ErrRunFinished if the run is already terminal.
	Complete(ctx context.Context, runID string, step *Step, variables map[string]any, status schema.RunStatus, lastError string) error

	// CancelRun marks a pending or running run cancelled. The executor
	// observes the flag at its next node boundary. ErrRunFinished if the run
	// is already terminal.
	CancelRun(ctx context.Context, runID string) error

	// --- Inspection ---

	GetRun(ctx context.Context, runID string) (*Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)
	ListSteps(ctx context.Context, runID string) ([]*Step, error)

	Close() error
}
