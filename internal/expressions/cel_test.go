package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCELEngine_Name(t *testing.T) {
	eng, err := NewCELEngine()
	require.NoError(t, err)
	assert.Equal(t, "cel", eng.Name())
}

func TestCELEngine_VarsNamespace(t *testing.T) {
	eng, err := NewCELEngine()
	require.NoError(t, err)

	scope := map[string]any{
		"lead": map[string]any{"source": "website"},
	}

	out, err := eng.Evaluate(context.Background(), `vars.lead.source == "website"`, scope)
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestCELEngine_LoopNamespace(t *testing.T) {
	eng, err := NewCELEngine()
	require.NoError(t, err)

	scope := map[string]any{
		"loop": map[string]any{"index": 3},
	}

	out, err := eng.Evaluate(context.Background(), "loop.index < 5", scope)
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestCELEngine_MissingNamespaceDefaultsEmpty(t *testing.T) {
	eng, err := NewCELEngine()
	require.NoError(t, err)

	out, err := eng.Evaluate(context.Background(), "size(event) == 0", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestCELEngine_CompileError(t *testing.T) {
	eng, err := NewCELEngine()
	require.NoError(t, err)

	_, err = eng.Evaluate(context.Background(), "vars.", map[string]any{})
	assert.Error(t, err)
}

func TestCELEngine_EmptyExpression(t *testing.T) {
	eng, err := NewCELEngine()
	require.NoError(t, err)

	_, err = eng.Evaluate(context.Background(), "", map[string]any{})
	assert.Error(t, err)
}

func TestCELEngine_CacheReuse(t *testing.T) {
	eng, err := NewCELEngine()
	require.NoError(t, err)

	_, err = eng.Evaluate(context.Background(), "1 + 1 == 2", nil)
	require.NoError(t, err)
	assert.Len(t, eng.cache, 1)

	_, err = eng.Evaluate(context.Background(), "1 + 1 == 2", nil)
	require.NoError(t, err)
	assert.Len(t, eng.cache, 1)
}
