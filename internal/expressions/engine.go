package expressions

import (
	"context"

	"github.com/fitops/relay/pkg/schema"
)

// Engine evaluates condition and loop expressions against a run's variable scope.
// Two implementations: Expr (default, arbitrary top-level variables) and CEL
// (namespaced under vars/event/loop/trigger).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, scope map[string]any) (any, error)
}

// Engines holds the configured engine set and resolves by config name.
type Engines struct {
	expr *ExprEngine
	cel  *CELEngine
}

// NewEngines builds the standard engine set.
func NewEngines() (*Engines, error) {
	celEng, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &Engines{expr: NewExprEngine(), cel: celEng}, nil
}

// ByName resolves an engine by its config name. Empty name selects expr.
func (s *Engines) ByName(name string) (Engine, error) {
	switch name {
	case "", "expr":
		return s.expr, nil
	case "cel":
		return s.cel, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown expression engine %q", name)
}

// EvalBool evaluates an expression and coerces the result to a boolean.
// Non-boolean results are an expression error, never a silent false.
func (s *Engines) EvalBool(ctx context.Context, engine, expression string, scope map[string]any) (bool, error) {
	eng, err := s.ByName(engine)
	if err != nil {
		return false, err
	}
	out, err := eng.Evaluate(ctx, expression, scope)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeExpression,
			"expression %q evaluated to %T, expected bool", expression, out)
	}
	return b, nil
}

// EvalItems evaluates an expression expected to produce a list of items.
func (s *Engines) EvalItems(ctx context.Context, engine, expression string, scope map[string]any) ([]any, error) {
	eng, err := s.ByName(engine)
	if err != nil {
		return nil, err
	}
	out, err := eng.Evaluate(ctx, expression, scope)
	if err != nil {
		return nil, err
	}
	items, ok := toSlice(out)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"expression %q evaluated to %T, expected a list", expression, out)
	}
	return items, nil
}

// toSlice normalizes list-shaped results into []any.
func toSlice(v any) ([]any, bool) {
	switch t := v.(type) {
	case nil:
		return nil, true
	case []any:
		return t, true
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out, true
	case []map[string]any:
		out := make([]any, len(t))
		for i, m := range t {
			out[i] = m
		}
		return out, true
	}
	return nil, false
}
