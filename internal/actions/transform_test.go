package actions

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransformValidation(t *testing.T) {
	h := NewTransformHandler(nil)

	assert.Error(t, h.Validate(map[string]any{"target": "names"}))
	assert.Error(t, h.Validate(map[string]any{"expression": ".leads"}))
	assert.NoError(t, h.Validate(map[string]any{"expression": ".leads", "target": "names"}))
}

func TestTransformWritesTargetVariable(t *testing.T) {
	h := NewTransformHandler(nil)

	outcome, err := h.Execute(context.Background(), &Input{
		Params: map[string]any{
			"expression": "[.leads[].name]",
			"target":     "lead_names",
		},
		Variables: map[string]any{
			"leads": []any{
				map[string]any{"name": "ana"},
				map[string]any{"name": "bo"},
			},
		},
	})
	require.NoError(t, err)
	assert.True(t, outcome.OK())
	assert.Equal(t, []any{"ana", "bo"}, outcome.Variables["lead_names"])

	var resp map[string]any
	require.NoError(t, json.Unmarshal(outcome.Response, &resp))
	assert.Equal(t, "lead_names", resp["target"])
}

func TestTransformBadProgramIsPermanent(t *testing.T) {
	h := NewTransformHandler(nil)

	outcome, err := h.Execute(context.Background(), &Input{
		Params:    map[string]any{"expression": ".[ broken", "target": "x"},
		Variables: map[string]any{},
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailure, outcome.Status)
	assert.False(t, outcome.Transient)
}
