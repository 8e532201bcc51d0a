package actions

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fitops/relay/internal/expressions"
	"github.com/fitops/relay/pkg/schema"
)

// transformHandler implements transform: it runs a jq program over the run
// variables and stores the result under a named variable.
type transformHandler struct {
	jq *expressions.GoJQEngine
}

// NewTransformHandler creates the transform handler.
func NewTransformHandler(jq *expressions.GoJQEngine) Handler {
	if jq == nil {
		jq = expressions.NewGoJQEngine()
	}
	return &transformHandler{jq: jq}
}

func (h *transformHandler) Name() string { return "transform" }

func (h *transformHandler) Validate(params map[string]any) error {
	if stringParam(params, "expression", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "transform: missing required param 'expression'")
	}
	if stringParam(params, "target", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "transform: missing required param 'target'")
	}
	return nil
}

func (h *transformHandler) Execute(ctx context.Context, input *Input) (*Outcome, error) {
	expression := stringParam(input.Params, "expression", "")
	target := stringParam(input.Params, "target", "")

	result, err := h.jq.Evaluate(ctx, expression, input.Variables)
	if err != nil {
		// A jq program that does not parse or errors mid-stream will keep
		// failing on retry, so report it as permanent.
		return PermanentFailure(err.Error()), nil
	}

	response, err := json.Marshal(map[string]any{"target": target, "value": result})
	if err != nil {
		return PermanentFailure(fmt.Sprintf("transform: result is not JSON-encodable: %v", err)), nil
	}

	outcome := Success(response)
	outcome.Variables = map[string]any{target: result}
	return outcome, nil
}
