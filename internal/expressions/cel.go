package expressions

import (
	"context"
	"fmt"
	"sync"

	"github.com/fitops/relay/pkg/schema"
	"github.com/google/cel-go/cel"
)

// CELEngine implements the Engine interface using Google's Common Expression
// Language, selected per node with `"engine": "cel"`.
// Thread-safe: compiled programs are cached and reused across goroutines.
type CELEngine struct {
	env *cel.Env

	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewCELEngine creates a new CEL expression engine with a sandboxed environment.
// CEL requires declared top-level variables, so the run scope is exposed under
// fixed namespaces:
//   - vars:    map(string, dyn) — the full run variable scope
//   - event:   map(string, dyn) — the trigger event payload
//   - loop:    map(string, dyn) — current loop bindings (item, index)
//   - trigger: map(string, dyn) — trigger metadata (event_id, type)
func NewCELEngine() (*CELEngine, error) {
	mapType := cel.MapType(cel.StringType, cel.DynType)

	env, err := cel.NewEnv(
		cel.Variable("vars", mapType),
		cel.Variable("event", mapType),
		cel.Variable("loop", mapType),
		cel.Variable("trigger", mapType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	return &CELEngine{
		env:   env,
		cache: make(map[string]cel.Program),
	}, nil
}

// Name returns the engine identifier.
func (e *CELEngine) Name() string {
	return "cel"
}

// Evaluate compiles (or retrieves from cache) a CEL expression and evaluates it
// against the provided scope. The full scope is bound to `vars`; the event,
// loop, and trigger namespaces are lifted out of the scope when present.
func (e *CELEngine) Evaluate(ctx context.Context, expression string, scope map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty CEL expression")
	}

	prg, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	out, _, err := prg.Eval(buildActivation(scope))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"CEL evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	return out.Value(), nil
}

// getOrCompile returns a cached compiled program or compiles and caches a new one.
func (e *CELEngine) getOrCompile(expression string) (cel.Program, error) {
	e.mu.RLock()
	if prg, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	// Double-check after acquiring write lock.
	if prg, ok := e.cache[expression]; ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"CEL compile error in %q: %s", expression, issues.Err().Error()).
			WithCause(issues.Err()).
			WithDetails(map[string]any{"expression": expression})
	}

	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"CEL program error for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.cache[expression] = prg
	return prg, nil
}

// buildActivation binds the run scope to the declared CEL namespaces.
// Missing namespaces default to empty maps to prevent runtime nil-ref errors.
func buildActivation(scope map[string]any) map[string]any {
	activation := map[string]any{
		"vars":    map[string]any{},
		"event":   map[string]any{},
		"loop":    map[string]any{},
		"trigger": map[string]any{},
	}
	if scope == nil {
		return activation
	}

	activation["vars"] = scope
	for _, key := range []string{"event", "loop", "trigger"} {
		if m, ok := scope[key].(map[string]any); ok && m != nil {
			activation[key] = m
		}
	}
	return activation
}

var _ Engine = (*CELEngine)(nil)
