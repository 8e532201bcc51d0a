package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoJQEngine_Name(t *testing.T) {
	assert.Equal(t, "jq", NewGoJQEngine().Name())
}

func TestGoJQEngine_Reshape(t *testing.T) {
	eng := NewGoJQEngine()
	scope := map[string]any{
		"lead": map[string]any{"name": "Sam", "email": "sam@example.com"},
	}

	out, err := eng.Evaluate(context.Background(), "{contact: .lead.email}", scope)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"contact": "sam@example.com"}, out)
}

func TestGoJQEngine_MultipleOutputs(t *testing.T) {
	eng := NewGoJQEngine()
	scope := map[string]any{
		"items": []any{float64(1), float64(2), float64(3)},
	}

	out, err := eng.Evaluate(context.Background(), ".items[]", scope)
	require.NoError(t, err)
	assert.Equal(t, []any{float64(1), float64(2), float64(3)}, out)
}

func TestGoJQEngine_MissingFieldIsNil(t *testing.T) {
	eng := NewGoJQEngine()

	out, err := eng.Evaluate(context.Background(), ".absent", map[string]any{})
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestGoJQEngine_NormalizesIntegers(t *testing.T) {
	eng := NewGoJQEngine()
	scope := map[string]any{"n": 2}

	out, err := eng.Evaluate(context.Background(), ".n * 2", scope)
	require.NoError(t, err)
	assert.Equal(t, float64(4), out)
}

func TestGoJQEngine_ParseError(t *testing.T) {
	eng := NewGoJQEngine()

	_, err := eng.Evaluate(context.Background(), ".[|", map[string]any{})
	assert.Error(t, err)
}

func TestGoJQEngine_EnvBlocked(t *testing.T) {
	eng := NewGoJQEngine()

	out, err := eng.Evaluate(context.Background(), "$ENV | length", map[string]any{})
	require.NoError(t, err)
	assert.EqualValues(t, 0, out)
}
