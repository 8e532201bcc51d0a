package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/fitops/relay/internal/actions"
	"github.com/fitops/relay/internal/expressions"
	"github.com/fitops/relay/internal/logging"
	"github.com/fitops/relay/internal/store"
	"github.com/fitops/relay/pkg/schema"
)

// Reserved variable keys maintained by the executor.
const (
	varSteps = "steps"
	varLoop  = "loop"
	varLoops = "__loops__"
)

// Executor walks a claimed run through its graph one node at a time.
// Every node boundary is a durable checkpoint: the step log entry, the new
// cursor, and the variable scope commit in a single store transaction, so a
// crashed worker's successor resumes at the exact node the crash interrupted.
type Executor struct {
	store    store.Store
	registry *actions.Registry
	engines  *expressions.Engines
	interp   *expressions.Interpolator
	policy   RetryPolicy
	logger   *slog.Logger
	now      func() time.Time

	// LeaseTTL enables the between-node lease heartbeat when set. The pool
	// wires it to its claim TTL.
	LeaseTTL time.Duration
}

// NewExecutor creates an Executor.
func NewExecutor(st store.Store, registry *actions.Registry, engines *expressions.Engines, policy RetryPolicy, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		store:    st,
		registry: registry,
		engines:  engines,
		interp:   expressions.NewInterpolator(),
		policy:   policy,
		logger:   logger,
		now:      time.Now,
	}
}

// stepResult is the outcome of executing one node, before persistence.
type stepResult struct {
	outcome  schema.StepOutcome
	response json.RawMessage
	detail   string
	next     string // next node id; empty means no out-edge, the run completes
	fail     bool   // permanent failure with nowhere to route
	retry    bool   // park the run and retry after retryIn
	retryIn  time.Duration
}

// ExecuteRun drives a claimed run until it reaches a terminal status, parks
// for a retry, or the context is cancelled. The caller owns the lease.
func (e *Executor) ExecuteRun(ctx context.Context, run *store.Run) error {
	wf, err := e.store.GetWorkflow(ctx, run.WorkflowID, run.WorkflowVersion)
	if err != nil {
		return e.failRun(ctx, run, nil, fmt.Sprintf("load workflow %s v%d: %v", run.WorkflowID, run.WorkflowVersion, err))
	}

	graph, err := Compile(&wf.Definition)
	if err != nil {
		return e.failRun(ctx, run, nil, fmt.Sprintf("compile graph: %v", err))
	}

	vars, err := run.DecodeVariables()
	if err != nil {
		return e.failRun(ctx, run, nil, err.Error())
	}

	leaseExpiry := time.Unix(0, run.LeaseExpiresAt)

	for executed := 0; ; executed++ {
		select {
		case <-ctx.Done():
			// Keep the lease; the reaper hands the run to another worker.
			return ctx.Err()
		default:
		}

		// Heartbeat: renew once less than half the TTL remains. A lost lease
		// means another worker owns the run now; abort without writes.
		if e.LeaseTTL > 0 && run.LeaseOwner != "" && e.now().After(leaseExpiry.Add(-e.LeaseTTL/2)) {
			if err := e.store.RenewLease(ctx, run.ID, run.LeaseOwner, e.LeaseTTL); err != nil {
				return err
			}
			leaseExpiry = e.now().Add(e.LeaseTTL)
		}

		// Node boundary cancellation check.
		current, err := e.store.GetRun(ctx, run.ID)
		if err != nil {
			return err
		}
		if current.Status.Terminal() {
			logging.LogWith(logging.WithRunID(ctx, run.ID), e.logger).
				Info("run reached terminal status outside executor", "status", current.Status)
			return nil
		}

		if executed > graph.StepBudget() {
			return e.failRun(ctx, run, nil, fmt.Sprintf("step budget %d exceeded at node %q", graph.StepBudget(), run.CurrentNodeID))
		}

		node := graph.NodeByID(run.CurrentNodeID)
		if node == nil {
			return e.failRun(ctx, run, nil, fmt.Sprintf("run cursor points at unknown node %q", run.CurrentNodeID))
		}

		nodeCtx := logging.WithIDs(ctx, run.ID, node.ID, run.TenantID)
		log := logging.LogWith(nodeCtx, e.logger)
		entered := e.now()

		var result *stepResult
		switch node.Kind {
		case schema.NodeTrigger:
			result = e.execTrigger(graph, node)
		case schema.NodeCondition:
			result = e.execCondition(nodeCtx, graph, node, vars)
		case schema.NodeLoop:
			result = e.execLoop(nodeCtx, graph, node, vars)
		case schema.NodeAction:
			result = e.execAction(nodeCtx, graph, node, run, vars, log)
		default:
			result = &stepResult{outcome: schema.StepFailure, fail: true,
				detail: fmt.Sprintf("unknown node kind %q", node.Kind)}
		}

		step := &store.Step{
			RunID:     run.ID,
			Seq:       run.StepSeq + 1,
			NodeID:    node.ID,
			Outcome:   result.outcome,
			Response:  result.response,
			Detail:    result.detail,
			EnteredAt: entered,
			ExitedAt:  e.now(),
		}

		switch {
		case result.retry:
			step.Outcome = schema.StepRetried
			retryAt := e.now().Add(result.retryIn)
			log.Warn("action failed, retry scheduled",
				"attempt", run.AttemptCount+1, "retry_at", retryAt, "detail", result.detail)
			return e.store.ScheduleRetry(ctx, run.ID, step, retryAt, result.detail)

		case result.fail:
			log.Warn("run failed", "detail", result.detail)
			return e.complete(ctx, run, step, vars, schema.RunFailed, result.detail)

		case result.next == "":
			log.Info("run completed", "steps", step.Seq)
			return e.complete(ctx, run, step, vars, schema.RunCompleted, "")

		default:
			if err := e.store.Advance(ctx, run.ID, step, result.next, vars); err != nil {
				return err
			}
			run.StepSeq++
			run.CurrentNodeID = result.next
			run.AttemptCount = 0
		}
	}
}

// execTrigger records the trigger node and moves on. The matcher already
// evaluated filters; by the time a run exists the trigger has fired.
func (e *Executor) execTrigger(graph *Graph, node *schema.Node) *stepResult {
	result := &stepResult{outcome: schema.StepSuccess}
	if edge := graph.EdgeFrom(node.ID, schema.HandleDefault); edge != nil {
		result.next = edge.Target
	}
	return result
}

// execCondition evaluates the node expression and routes the success or
// failure edge. The step outcome records the branch taken. Evaluation errors
// (including non-bool results) never fail the run: they route the failure
// edge with the error in the step detail.
func (e *Executor) execCondition(ctx context.Context, graph *Graph, node *schema.Node, vars map[string]any) *stepResult {
	cfg, err := node.ConditionConfig()
	if err != nil {
		return &stepResult{outcome: schema.StepFailure, fail: true, detail: err.Error()}
	}

	pass, err := e.engines.EvalBool(ctx, cfg.Engine, cfg.Expression, vars)
	if err != nil {
		return e.actionFailure(graph, node, err.Error(), nil)
	}

	handle := schema.HandleFailure
	outcome := schema.StepFailure
	if pass {
		handle = schema.HandleSuccess
		outcome = schema.StepSuccess
	}
	response, _ := json.Marshal(map[string]any{"result": pass})

	result := &stepResult{outcome: outcome, response: response}
	if edge := graph.EdgeFrom(node.ID, handle); edge != nil {
		result.next = edge.Target
	}
	return result
}

// execLoop iterates the items produced by the loop expression. The frame
// (items, cursor, iteration count) lives in the run variables under a
// reserved key, so a resumed run continues mid-loop without re-evaluating
// the items expression.
func (e *Executor) execLoop(ctx context.Context, graph *Graph, node *schema.Node, vars map[string]any) *stepResult {
	cfg, err := node.LoopConfig()
	if err != nil {
		return &stepResult{outcome: schema.StepFailure, fail: true, detail: err.Error()}
	}

	frames := subMap(vars, varLoops)
	frame, ok := frames[node.ID].(map[string]any)
	if !ok {
		items, err := e.engines.EvalItems(ctx, cfg.Engine, cfg.ItemsExpression, vars)
		if err != nil {
			return &stepResult{outcome: schema.StepFailure, fail: true, detail: err.Error()}
		}
		frame = map[string]any{"items": items, "next": 0, "iterations": 0}
		frames[node.ID] = frame
	}

	items, _ := frame["items"].([]any)
	next := asInt(frame["next"])
	iterations := asInt(frame["iterations"])

	if next < len(items) && iterations < cfg.MaxIterations {
		vars[varLoop] = map[string]any{"item": items[next], "index": next}
		frame["next"] = next + 1
		frame["iterations"] = iterations + 1

		response, _ := json.Marshal(map[string]any{"index": next, "total": len(items)})
		result := &stepResult{outcome: schema.StepSuccess, response: response}
		if edge := graph.EdgeFrom(node.ID, schema.HandleLoop); edge != nil {
			result.next = edge.Target
		}
		return result
	}

	// Exhausted: drop the binding and the frame, take the done edge.
	delete(vars, varLoop)
	delete(frames, node.ID)

	response, _ := json.Marshal(map[string]any{"done": true, "iterations": iterations})
	result := &stepResult{outcome: schema.StepSuccess, response: response}
	if edge := graph.EdgeFrom(node.ID, schema.HandleDone); edge != nil {
		result.next = edge.Target
	}
	return result
}

// execAction interpolates params, dispatches the handler, and classifies
// the outcome: success advances, transient failures park with backoff until
// the attempt budget runs out, permanent failures route the failure edge or
// fail the run.
func (e *Executor) execAction(ctx context.Context, graph *Graph, node *schema.Node, run *store.Run, vars map[string]any, log *slog.Logger) *stepResult {
	cfg, err := node.ActionConfig()
	if err != nil {
		return e.actionFailure(graph, node, err.Error(), nil)
	}

	params, missing, err := e.interp.InterpolateParams(cfg.Params, vars)
	if err != nil {
		return e.actionFailure(graph, node, err.Error(), nil)
	}
	for _, path := range missing {
		log.Warn("param placeholder resolved empty", "path", path)
	}

	dispatchCtx := ctx
	if cfg.Timeout != "" {
		if d, err := time.ParseDuration(cfg.Timeout); err == nil && d > 0 {
			var cancel context.CancelFunc
			dispatchCtx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
	}

	outcome := e.registry.Dispatch(dispatchCtx, cfg.ActionType, &actions.Input{
		TenantID:  run.TenantID,
		RunID:     run.ID,
		NodeID:    node.ID,
		RawParams: params,
		Variables: vars,
	})

	if outcome.OK() {
		if len(outcome.Response) > 0 {
			var decoded any
			if json.Unmarshal(outcome.Response, &decoded) == nil {
				subMap(vars, varSteps)[node.ID] = decoded
			}
		}
		for k, v := range outcome.Variables {
			vars[k] = v
		}

		result := &stepResult{outcome: schema.StepSuccess, response: outcome.Response}
		if edge := graph.EdgeFrom(node.ID, schema.HandleDefault); edge != nil {
			result.next = edge.Target
		}
		return result
	}

	if outcome.Transient {
		if !e.policy.Exhausted(run.AttemptCount) {
			return &stepResult{
				outcome: schema.StepRetried,
				detail:  outcome.Detail,
				retry:   true,
				retryIn: e.policy.Backoff(run.AttemptCount),
			}
		}
		// The final attempt still logs a retried step, so the audit trail
		// shows MaxAttempts of them; only the routing is the permanent kind.
		detail := fmt.Sprintf("retries exhausted after %d attempts: %s", run.AttemptCount+1, outcome.Detail)
		result := e.actionFailure(graph, node, detail, outcome.Response)
		result.outcome = schema.StepRetried
		return result
	}

	return e.actionFailure(graph, node, outcome.Detail, outcome.Response)
}

// actionFailure routes a permanent failure through the node's failure edge
// when one exists, otherwise fails the run.
func (e *Executor) actionFailure(graph *Graph, node *schema.Node, detail string, response json.RawMessage) *stepResult {
	result := &stepResult{outcome: schema.StepFailure, detail: detail, response: response}
	if edge := graph.EdgeFrom(node.ID, schema.HandleFailure); edge != nil {
		result.next = edge.Target
		return result
	}
	result.fail = true
	return result
}

// failRun terminates a run before a node executed (bad cursor, missing
// workflow, corrupt variables).
func (e *Executor) failRun(ctx context.Context, run *store.Run, step *store.Step, detail string) error {
	logging.LogWith(logging.WithRunID(ctx, run.ID), e.logger).Error("run failed", "detail", detail)
	return e.complete(ctx, run, step, nil, schema.RunFailed, detail)
}

func (e *Executor) complete(ctx context.Context, run *store.Run, step *store.Step, vars map[string]any, status schema.RunStatus, lastError string) error {
	if err := CheckTransition(run.Status, status); err != nil {
		return err
	}
	err := e.store.Complete(ctx, run.ID, step, vars, status, lastError)
	if schema.ErrorCode(err) == schema.ErrCodeRunFinished {
		// Lost a race with a cancel; the terminal status stands.
		return nil
	}
	return err
}

// subMap fetches vars[key] as a map, creating it when absent.
func subMap(vars map[string]any, key string) map[string]any {
	if m, ok := vars[key].(map[string]any); ok {
		return m
	}
	m := map[string]any{}
	vars[key] = m
	return m
}

// asInt coerces JSON-decoded numbers back to int.
func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	}
	return 0
}
