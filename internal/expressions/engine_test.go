package expressions

import (
	"context"
	"testing"

	"github.com/fitops/relay/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEngines(t *testing.T) *Engines {
	t.Helper()
	engines, err := NewEngines()
	require.NoError(t, err)
	return engines
}

func TestEngines_ByName(t *testing.T) {
	engines := newEngines(t)

	eng, err := engines.ByName("")
	require.NoError(t, err)
	assert.Equal(t, "expr", eng.Name())

	eng, err = engines.ByName("expr")
	require.NoError(t, err)
	assert.Equal(t, "expr", eng.Name())

	eng, err = engines.ByName("cel")
	require.NoError(t, err)
	assert.Equal(t, "cel", eng.Name())
}

func TestEngines_ByName_Unknown(t *testing.T) {
	engines := newEngines(t)

	_, err := engines.ByName("lua")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
}

func TestEvalBool_TrueBranch(t *testing.T) {
	engines := newEngines(t)
	scope := map[string]any{
		"lead": map[string]any{"source": "website"},
	}

	ok, err := engines.EvalBool(context.Background(), "", `lead.source == "website"`, scope)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvalBool_FalseBranch(t *testing.T) {
	engines := newEngines(t)
	scope := map[string]any{
		"lead": map[string]any{"source": "phone"},
	}

	ok, err := engines.EvalBool(context.Background(), "", `lead.source == "website"`, scope)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvalBool_Deterministic(t *testing.T) {
	engines := newEngines(t)
	scope := map[string]any{
		"booking": map[string]any{"attendees": 5},
	}

	// Same scope, same expression, same result every time.
	for i := 0; i < 10; i++ {
		ok, err := engines.EvalBool(context.Background(), "", "booking.attendees > 3", scope)
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

func TestEvalBool_NonBoolResult(t *testing.T) {
	engines := newEngines(t)

	_, err := engines.EvalBool(context.Background(), "", `"not a bool"`, map[string]any{})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeExpression, schema.ErrorCode(err))
}

func TestEvalItems_List(t *testing.T) {
	engines := newEngines(t)
	scope := map[string]any{
		"members": []any{"a", "b", "c"},
	}

	items, err := engines.EvalItems(context.Background(), "", "members", scope)
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b", "c"}, items)
}

func TestEvalItems_NilIsEmpty(t *testing.T) {
	engines := newEngines(t)

	items, err := engines.EvalItems(context.Background(), "", "missing", map[string]any{})
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestEvalItems_NonList(t *testing.T) {
	engines := newEngines(t)

	_, err := engines.EvalItems(context.Background(), "", "42", map[string]any{})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeExpression, schema.ErrorCode(err))
}
