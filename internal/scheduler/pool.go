package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fitops/relay/internal/store"
	"github.com/fitops/relay/pkg/schema"
	"github.com/google/uuid"
)

// RunExecutor drives a claimed run forward. Satisfied by engine.Executor.
type RunExecutor interface {
	ExecuteRun(ctx context.Context, run *store.Run) error
}

// PoolMetrics counts pool activity. All fields are atomics; read them via
// Snapshot.
type PoolMetrics struct {
	Claimed   atomic.Int64
	Completed atomic.Int64
	Failed    atomic.Int64
	Retried   atomic.Int64
	Active    atomic.Int64
}

// MetricsSnapshot is a point-in-time copy of the pool counters.
type MetricsSnapshot struct {
	Claimed   int64 `json:"claimed"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Retried   int64 `json:"retried"`
	Active    int64 `json:"active"`
}

// Snapshot reads all counters.
func (m *PoolMetrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Claimed:   m.Claimed.Load(),
		Completed: m.Completed.Load(),
		Failed:    m.Failed.Load(),
		Retried:   m.Retried.Load(),
		Active:    m.Active.Load(),
	}
}

// PoolConfig sizes the worker pool.
type PoolConfig struct {
	Size         int
	PollInterval time.Duration
	LeaseTTL     time.Duration
}

// Pool runs a fixed set of workers, each looping claim -> execute -> release.
// A reaper goroutine returns runs whose lease expired (worker crash) to the
// queue every half lease TTL.
type Pool struct {
	store  store.Store
	exec   RunExecutor
	cfg    PoolConfig
	name   string
	logger *slog.Logger

	metrics PoolMetrics

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool creates a Pool. Zero config fields fall back to defaults
// (4 workers, 1s poll, 30s lease).
func NewPool(st store.Store, exec RunExecutor, cfg PoolConfig, logger *slog.Logger) *Pool {
	if cfg.Size <= 0 {
		cfg.Size = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		store:  st,
		exec:   exec,
		cfg:    cfg,
		name:   "pool-" + uuid.NewString()[:8],
		logger: logger,
	}
}

// Metrics exposes the pool counters.
func (p *Pool) Metrics() *PoolMetrics {
	return &p.metrics
}

// Start launches the workers and the lease reaper.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel != nil {
		return fmt.Errorf("pool already started")
	}
	poolCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	for i := 0; i < p.cfg.Size; i++ {
		owner := fmt.Sprintf("%s-worker-%d", p.name, i)
		p.wg.Add(1)
		go p.worker(poolCtx, owner)
	}

	p.wg.Add(1)
	go p.reaper(poolCtx)

	p.logger.Info("worker pool started", "size", p.cfg.Size, "lease_ttl", p.cfg.LeaseTTL)
	return nil
}

// Stop cancels the workers and waits for in-flight runs to yield.
func (p *Pool) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

func (p *Pool) worker(ctx context.Context, owner string) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		run, err := p.store.ClaimNext(ctx, owner, p.cfg.LeaseTTL)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Error("claim failed", "owner", owner, "error", err)
			p.sleep(ctx)
			continue
		}
		if run == nil {
			p.sleep(ctx)
			continue
		}

		p.metrics.Claimed.Add(1)
		p.metrics.Active.Add(1)
		p.runOne(ctx, owner, run)
		p.metrics.Active.Add(-1)
	}
}

// runOne executes a claimed run with panic isolation and classifies the end
// state for the metrics.
func (p *Pool) runOne(ctx context.Context, owner string, run *store.Run) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("run panicked", "run_id", run.ID, "panic", fmt.Sprint(r))
			detail := schema.NewErrorf(schema.ErrCodeExecution, "worker panic: %v", r).Error()
			if err := p.store.Complete(context.WithoutCancel(ctx), run.ID, nil, nil, schema.RunFailed, detail); err != nil {
				p.logger.Error("mark panicked run failed", "run_id", run.ID, "error", err)
			}
			p.metrics.Failed.Add(1)
		}
	}()

	if err := p.exec.ExecuteRun(ctx, run); err != nil {
		if ctx.Err() == nil {
			p.logger.Error("run execution error", "run_id", run.ID, "error", err)
		}
		return
	}

	// Lease release after a retry park is a no-op; ScheduleRetry cleared it.
	if err := p.store.ReleaseLease(context.WithoutCancel(ctx), run.ID, owner); err != nil {
		p.logger.Warn("release lease", "run_id", run.ID, "error", err)
	}

	final, err := p.store.GetRun(context.WithoutCancel(ctx), run.ID)
	if err != nil {
		return
	}
	switch final.Status {
	case schema.RunCompleted:
		p.metrics.Completed.Add(1)
	case schema.RunFailed:
		p.metrics.Failed.Add(1)
	case schema.RunPending:
		p.metrics.Retried.Add(1)
	}
}

// sleep waits one poll interval with jitter, or until shutdown.
func (p *Pool) sleep(ctx context.Context) {
	jitter := time.Duration(rand.Int63n(int64(p.cfg.PollInterval) / 2))
	select {
	case <-ctx.Done():
	case <-time.After(p.cfg.PollInterval + jitter):
	}
}

// reaper reclaims expired leases every half TTL.
func (p *Pool) reaper(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.LeaseTTL / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.store.ReclaimExpired(ctx)
			if err != nil {
				if ctx.Err() == nil {
					p.logger.Error("reclaim expired leases", "error", err)
				}
				continue
			}
			if n > 0 {
				p.logger.Warn("reclaimed expired runs", "count", n)
			}
		}
	}
}
