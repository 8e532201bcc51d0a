package actions

import (
	"context"
	"encoding/json"
)

// Outcome status values.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Handler executes one kind of action node (send_email, call_webhook, ...).
// Implementations receive params with all {{...}} placeholders already
// resolved by the executor.
type Handler interface {
	Name() string

	// Validate checks params before execution. A validation error is always
	// a permanent failure.
	Validate(params map[string]any) error

	// Execute performs the action. Expected failures (a 4xx from a gateway,
	// a rejected recipient) are reported through the Outcome; an error return
	// means the handler itself broke and is classified transient.
	Execute(ctx context.Context, input *Input) (*Outcome, error)
}

// Input is the data handed to a handler at dispatch time.
type Input struct {
	TenantID  string          `json:"tenant_id"`
	RunID     string          `json:"run_id"`
	NodeID    string          `json:"node_id"`
	Params    map[string]any  `json:"params"`
	RawParams json.RawMessage `json:"raw_params,omitempty"`
	Variables map[string]any  `json:"variables,omitempty"`
}

// Outcome is the classified result of a dispatch. Transient failures are
// retried by the engine with backoff; permanent failures route the node's
// failure edge or fail the run.
type Outcome struct {
	Status    string          `json:"status"` // success | failure
	Transient bool            `json:"transient,omitempty"`
	Response  json.RawMessage `json:"response,omitempty"`
	Detail    string          `json:"detail,omitempty"`

	// Variables, when set, are merged into the run's variables by the
	// executor after a successful step. Used by transform.
	Variables map[string]any `json:"variables,omitempty"`
}

// Success builds a success outcome with an optional response payload.
func Success(response json.RawMessage) *Outcome {
	return &Outcome{Status: OutcomeSuccess, Response: response}
}

// PermanentFailure builds a non-retryable failure outcome.
func PermanentFailure(detail string) *Outcome {
	return &Outcome{Status: OutcomeFailure, Detail: detail}
}

// TransientFailure builds a retryable failure outcome.
func TransientFailure(detail string) *Outcome {
	return &Outcome{Status: OutcomeFailure, Transient: true, Detail: detail}
}

// OK reports whether the outcome is a success.
func (o *Outcome) OK() bool {
	return o != nil && o.Status == OutcomeSuccess
}
