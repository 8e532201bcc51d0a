package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExprEngine_Name(t *testing.T) {
	assert.Equal(t, "expr", NewExprEngine().Name())
}

func TestExprEngine_Comparison(t *testing.T) {
	eng := NewExprEngine()
	scope := map[string]any{
		"lead": map[string]any{"source": "website", "score": 80},
	}

	out, err := eng.Evaluate(context.Background(), `lead.source == "website" && lead.score >= 50`, scope)
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestExprEngine_ArrayOperations(t *testing.T) {
	eng := NewExprEngine()
	scope := map[string]any{
		"members": []any{
			map[string]any{"name": "a", "active": true},
			map[string]any{"name": "b", "active": false},
		},
	}

	out, err := eng.Evaluate(context.Background(), "filter(members, .active)", scope)
	require.NoError(t, err)
	require.Len(t, out, 1)
}

func TestExprEngine_UndefinedVariableIsNil(t *testing.T) {
	eng := NewExprEngine()

	out, err := eng.Evaluate(context.Background(), "missing == nil", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestExprEngine_EmptyExpression(t *testing.T) {
	eng := NewExprEngine()

	_, err := eng.Evaluate(context.Background(), "", map[string]any{})
	assert.Error(t, err)
}

func TestExprEngine_CompileError(t *testing.T) {
	eng := NewExprEngine()

	_, err := eng.Evaluate(context.Background(), "lead ==", map[string]any{})
	assert.Error(t, err)
}

func TestExprEngine_CacheReuse(t *testing.T) {
	eng := NewExprEngine()
	scope := map[string]any{"n": 1}

	_, err := eng.Evaluate(context.Background(), "n + 1", scope)
	require.NoError(t, err)
	assert.Len(t, eng.cache, 1)

	_, err = eng.Evaluate(context.Background(), "n + 1", map[string]any{"n": 2})
	require.NoError(t, err)
	assert.Len(t, eng.cache, 1)
}
