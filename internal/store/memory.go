package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/fitops/relay/pkg/schema"
)

// MemoryStore is an in-memory Store with the same semantics as LibSQLStore.
// It backs engine, trigger, and scheduler tests; nothing survives a restart.
type MemoryStore struct {
	mu            sync.Mutex
	workflows     map[string][]*schema.Workflow // id -> versions ascending
	runs          map[string]*Run
	steps         map[string][]*Step // runID -> ordered by seq
	reserved      map[string]string  // workflowID+"\x00"+eventID -> runID
	notifications []*Notification
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows: make(map[string][]*schema.Workflow),
		runs:      make(map[string]*Run),
		steps:     make(map[string][]*Step),
		reserved:  make(map[string]string),
	}
}

func (s *MemoryStore) Close() error { return nil }

// --- Workflow catalog ---

func (s *MemoryStore) PublishWorkflow(ctx context.Context, wf *schema.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.workflows[wf.ID] {
		if existing.Version == wf.Version {
			return schema.NewErrorf(schema.ErrCodeConflict,
				"workflow %s version %d already published", wf.ID, wf.Version)
		}
	}
	cp := *wf
	cp.CreatedAt = timeOrNow(wf.CreatedAt)
	cp.UpdatedAt = time.Now().UTC()
	s.workflows[wf.ID] = append(s.workflows[wf.ID], &cp)
	sort.Slice(s.workflows[wf.ID], func(i, j int) bool {
		return s.workflows[wf.ID][i].Version < s.workflows[wf.ID][j].Version
	})
	return nil
}

func (s *MemoryStore) GetWorkflow(ctx context.Context, id string, version int) (*schema.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, wf := range s.workflows[id] {
		if wf.Version == version {
			cp := *wf
			return &cp, nil
		}
	}
	return nil, storeNotFound("workflow", id)
}

func (s *MemoryStore) GetLatestWorkflow(ctx context.Context, id string) (*schema.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	versions := s.workflows[id]
	if len(versions) == 0 {
		return nil, storeNotFound("workflow", id)
	}
	cp := *versions[len(versions)-1]
	return &cp, nil
}

func (s *MemoryStore) ListWorkflowsByTrigger(ctx context.Context, tenantID, triggerType string) ([]*schema.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*schema.Workflow
	for _, versions := range s.workflows {
		wf := versions[len(versions)-1]
		if wf.TenantID == tenantID && wf.TriggerType == triggerType && wf.Status == schema.WorkflowActive {
			cp := *wf
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) ListWorkflows(ctx context.Context, tenantID string) ([]*schema.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*schema.Workflow
	for _, versions := range s.workflows {
		wf := versions[len(versions)-1]
		if wf.TenantID == tenantID {
			cp := *wf
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) ListScheduledWorkflows(ctx context.Context) ([]*schema.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*schema.Workflow
	for _, versions := range s.workflows {
		wf := versions[len(versions)-1]
		if wf.TriggerType == schema.TriggerSchedule && wf.Status == schema.WorkflowActive {
			cp := *wf
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) SetWorkflowStatus(ctx context.Context, id string, status schema.WorkflowStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	versions := s.workflows[id]
	if len(versions) == 0 {
		return storeNotFound("workflow", id)
	}
	now := time.Now().UTC()
	for _, wf := range versions {
		wf.Status = status
		wf.UpdatedAt = now
	}
	return nil
}

// --- Run lifecycle ---

func (s *MemoryStore) Reserve(ctx context.Context, req ReserveRequest) (*Run, error) {
	vars, err := marshalMapOrDefault(req.Variables)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := req.WorkflowID + "\x00" + req.TriggerEventID
	if _, exists := s.reserved[key]; exists {
		return nil, ErrDuplicateRun
	}

	run := &Run{
		ID:              newRunID(),
		WorkflowID:      req.WorkflowID,
		WorkflowVersion: req.WorkflowVersion,
		TenantID:        req.TenantID,
		TriggerEventID:  req.TriggerEventID,
		Status:          schema.RunPending,
		CurrentNodeID:   req.StartNodeID,
		Variables:       vars,
		CreatedAt:       time.Now().UTC(),
	}
	s.runs[run.ID] = run
	s.reserved[key] = run.ID

	cp := *run
	return &cp, nil
}

func (s *MemoryStore) ClaimNext(ctx context.Context, owner string, ttl time.Duration) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var oldest *Run
	for _, run := range s.runs {
		if run.Status != schema.RunPending {
			continue
		}
		if run.RetryAt != nil && run.RetryAt.After(now) {
			continue
		}
		if run.LeaseOwner != "" && run.LeaseExpiresAt > now.UnixNano() {
			continue
		}
		if oldest == nil || run.CreatedAt.Before(oldest.CreatedAt) {
			oldest = run
		}
	}
	if oldest == nil {
		return nil, nil
	}

	oldest.Status = schema.RunRunning
	oldest.LeaseOwner = owner
	oldest.LeaseExpiresAt = now.Add(ttl).UnixNano()
	if oldest.StartedAt == nil {
		started := now
		oldest.StartedAt = &started
	}

	cp := *oldest
	return &cp, nil
}

func (s *MemoryStore) RenewLease(ctx context.Context, runID, owner string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return storeNotFound("run", runID)
	}
	if run.LeaseOwner != owner || run.Status != schema.RunRunning {
		return ErrLeaseLost
	}
	run.LeaseExpiresAt = time.Now().UTC().Add(ttl).UnixNano()
	return nil
}

func (s *MemoryStore) ReleaseLease(ctx context.Context, runID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if run, ok := s.runs[runID]; ok && run.LeaseOwner == owner {
		run.LeaseOwner = ""
		run.LeaseExpiresAt = 0
	}
	return nil
}

func (s *MemoryStore) ReclaimExpired(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC().UnixNano()
	count := 0
	for _, run := range s.runs {
		if run.Status == schema.RunRunning && run.LeaseExpiresAt > 0 && run.LeaseExpiresAt <= now {
			run.Status = schema.RunPending
			run.LeaseOwner = ""
			run.LeaseExpiresAt = 0
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) Advance(ctx context.Context, runID string, step *Step, nextNodeID string, variables map[string]any) error {
	vars, err := marshalMapOrDefault(variables)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return storeNotFound("run", runID)
	}

	s.appendStepLocked(step)

	if run.StepSeq < step.Seq {
		run.CurrentNodeID = nextNodeID
		run.Variables = vars
		run.StepSeq = step.Seq
		run.AttemptCount = 0
		run.RetryAt = nil
		run.LastError = ""
	}
	return nil
}

func (s *MemoryStore) ScheduleRetry(ctx context.Context, runID string, step *Step, retryAt time.Time, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return storeNotFound("run", runID)
	}
	if run.Status.Terminal() {
		return ErrRunFinished
	}

	s.appendStepLocked(step)

	at := retryAt.UTC()
	run.Status = schema.RunPending
	run.RetryAt = &at
	run.StepSeq = step.Seq
	run.AttemptCount++
	run.LastError = lastError
	run.LeaseOwner = ""
	run.LeaseExpiresAt = 0
	return nil
}

func (s *MemoryStore) Complete(ctx context.Context, runID string, step *Step, variables map[string]any, status schema.RunStatus, lastError string) error {
	if !status.Terminal() {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "%s is not a terminal status", status)
	}

	var vars json.RawMessage
	if variables != nil {
		var err error
		if vars, err = marshalMapOrDefault(variables); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return storeNotFound("run", runID)
	}
	if run.Status.Terminal() {
		return ErrRunFinished
	}

	if step != nil {
		s.appendStepLocked(step)
		run.StepSeq = step.Seq
	}
	if vars != nil {
		run.Variables = vars
	}

	now := time.Now().UTC()
	run.Status = status
	run.LastError = lastError
	run.CompletedAt = &now
	run.LeaseOwner = ""
	run.LeaseExpiresAt = 0
	return nil
}

func (s *MemoryStore) CancelRun(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return storeNotFound("run", runID)
	}
	if run.Status.Terminal() {
		return ErrRunFinished
	}

	now := time.Now().UTC()
	run.Status = schema.RunCancelled
	run.CompletedAt = &now
	run.LeaseOwner = ""
	run.LeaseExpiresAt = 0
	return nil
}

// --- Inspection ---

func (s *MemoryStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, storeNotFound("run", runID)
	}
	cp := *run
	return &cp, nil
}

func (s *MemoryStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Run
	for _, run := range s.runs {
		if filter.TenantID != "" && run.TenantID != filter.TenantID {
			continue
		}
		if filter.WorkflowID != "" && run.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.TriggerEventID != "" && run.TriggerEventID != filter.TriggerEventID {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		cp := *run
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) ListSteps(ctx context.Context, runID string) ([]*Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	steps := s.steps[runID]
	out := make([]*Step, len(steps))
	for i, st := range steps {
		cp := *st
		out[i] = &cp
	}
	return out, nil
}

// --- Notifications ---

func (s *MemoryStore) AddNotification(ctx context.Context, n *Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *n
	cp.CreatedAt = timeOrNow(n.CreatedAt)
	s.notifications = append(s.notifications, &cp)
	return nil
}

// Notifications returns a snapshot of recorded notifications, newest last.
func (s *MemoryStore) Notifications() []*Notification {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Notification, len(s.notifications))
	copy(out, s.notifications)
	return out
}

// appendStepLocked inserts the step unless (run_id, seq) already exists.
func (s *MemoryStore) appendStepLocked(step *Step) {
	for _, existing := range s.steps[step.RunID] {
		if existing.Seq == step.Seq {
			return
		}
	}
	cp := *step
	cp.EnteredAt = timeOrNow(step.EnteredAt)
	cp.ExitedAt = timeOrNow(step.ExitedAt)
	s.steps[step.RunID] = append(s.steps[step.RunID], &cp)
	sort.Slice(s.steps[step.RunID], func(i, j int) bool {
		return s.steps[step.RunID][i].Seq < s.steps[step.RunID][j].Seq
	})
}

var _ Store = (*MemoryStore)(nil)
