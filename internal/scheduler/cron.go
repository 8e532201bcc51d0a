package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/fitops/relay/internal/store"
	"github.com/fitops/relay/internal/trigger"
	"github.com/fitops/relay/pkg/schema"
)

// CronScheduler starts runs for schedule-triggered workflows. Each minute it
// checks every active schedule workflow's cron expression and fires a
// synthetic event for the due ones. The event ID encodes the minute, so a
// fleet of schedulers produces at most one run per workflow per tick.
type CronScheduler struct {
	store   store.Store
	matcher *trigger.Matcher
	parser  cron.Parser
	logger  *slog.Logger

	interval time.Duration
	now      func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewCronScheduler creates a CronScheduler with a standard 5-field parser.
func NewCronScheduler(st store.Store, matcher *trigger.Matcher, logger *slog.Logger) *CronScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &CronScheduler{
		store:    st,
		matcher:  matcher,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		interval: time.Minute,
		now:      time.Now,
	}
}

// Start launches the background tick loop.
func (s *CronScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("cron scheduler already started")
	}
	tickCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(tickCtx)
	s.logger.Info("cron scheduler started")
	return nil
}

// Stop shuts the loop down and waits for it to exit.
func (s *CronScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil
	s.logger.Info("cron scheduler stopped")
}

func (s *CronScheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick fires every schedule workflow whose cron expression covers the
// current minute.
func (s *CronScheduler) Tick(ctx context.Context) {
	workflows, err := s.store.ListScheduledWorkflows(ctx)
	if err != nil {
		s.logger.Error("list scheduled workflows", "error", err)
		return
	}

	minute := s.now().UTC().Truncate(time.Minute)
	for _, wf := range workflows {
		due, err := s.dueAt(wf, minute)
		if err != nil {
			s.logger.Warn("invalid cron expression", "workflow_id", wf.ID, "error", err)
			continue
		}
		if !due {
			continue
		}

		event := ScheduleEvent(wf, minute)
		started, err := s.matcher.FireSchedule(ctx, wf, event)
		if err != nil {
			s.logger.Error("fire schedule", "workflow_id", wf.ID, "error", err)
			continue
		}
		if started {
			s.logger.Info("schedule tick fired", "workflow_id", wf.ID, "event_id", event.ID)
		}
	}
}

// dueAt reports whether the workflow's cron expression fires at the given
// minute boundary.
func (s *CronScheduler) dueAt(wf *schema.Workflow, minute time.Time) (bool, error) {
	trig := wf.Definition.Trigger()
	if trig == nil {
		return false, schema.NewErrorf(schema.ErrCodeValidation, "workflow %s has no trigger node", wf.ID)
	}
	cfg, err := trig.TriggerConfig()
	if err != nil {
		return false, err
	}
	if cfg.Cron == "" {
		return false, schema.NewErrorf(schema.ErrCodeValidation, "workflow %s has no cron expression", wf.ID)
	}

	schedule, err := s.parser.Parse(cfg.Cron)
	if err != nil {
		return false, fmt.Errorf("parse cron expression %q: %w", cfg.Cron, err)
	}
	return schedule.Next(minute.Add(-time.Second)).Equal(minute), nil
}

// ScheduleEvent builds the synthetic event for a workflow's tick.
func ScheduleEvent(wf *schema.Workflow, minute time.Time) *schema.DomainEvent {
	return &schema.DomainEvent{
		ID:         fmt.Sprintf("sched:%s:%d", wf.ID, minute.Unix()),
		TenantID:   wf.TenantID,
		Type:       schema.TriggerSchedule,
		OccurredAt: minute,
		Payload:    map[string]any{"tick": minute.Format(time.RFC3339)},
	}
}
