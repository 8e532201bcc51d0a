package actions

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/fitops/relay/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubHandler struct {
	name        string
	validateErr error
	outcome     *Outcome
	execErr     error
	lastInput   *Input
}

func (s *stubHandler) Name() string { return s.name }

func (s *stubHandler) Validate(params map[string]any) error { return s.validateErr }

func (s *stubHandler) Execute(ctx context.Context, input *Input) (*Outcome, error) {
	s.lastInput = input
	return s.outcome, s.execErr
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Register(&stubHandler{name: "send_email"}))
	require.NoError(t, r.Register(&stubHandler{name: "call_webhook"}))

	h, err := r.Get("send_email")
	require.NoError(t, err)
	assert.Equal(t, "send_email", h.Name())

	assert.True(t, r.Has("call_webhook"))
	assert.False(t, r.Has("send_fax"))
	assert.Equal(t, 2, r.Count())
	assert.Equal(t, []string{"call_webhook", "send_email"}, r.Names())
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Register(&stubHandler{name: "wait"}))
	err := r.Register(&stubHandler{name: "wait"})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeConflict, schema.ErrorCode(err))
}

func TestRegistryRejectsNilAndUnnamed(t *testing.T) {
	r := NewRegistry()

	assert.Error(t, r.Register(nil))
	assert.Error(t, r.Register(&stubHandler{name: ""}))
}

func TestRegistryGetUnknown(t *testing.T) {
	r := NewRegistry()

	_, err := r.Get("nope")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNotFound, schema.ErrorCode(err))
}

func TestDispatchUnknownTypeIsPermanent(t *testing.T) {
	r := NewRegistry()

	outcome := r.Dispatch(context.Background(), "send_fax", &Input{})
	require.NotNil(t, outcome)
	assert.Equal(t, OutcomeFailure, outcome.Status)
	assert.False(t, outcome.Transient)
}

func TestDispatchValidationErrorIsPermanent(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(&stubHandler{
		name:        "send_email",
		validateErr: schema.NewError(schema.ErrCodeValidation, "missing 'to'"),
	})

	outcome := r.Dispatch(context.Background(), "send_email", &Input{})
	assert.Equal(t, OutcomeFailure, outcome.Status)
	assert.False(t, outcome.Transient)
	assert.Contains(t, outcome.Detail, "missing 'to'")
}

func TestDispatchHandlerErrorIsTransient(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(&stubHandler{
		name:    "call_webhook",
		execErr: errors.New("connection refused"),
	})

	outcome := r.Dispatch(context.Background(), "call_webhook", &Input{})
	assert.Equal(t, OutcomeFailure, outcome.Status)
	assert.True(t, outcome.Transient)
}

func TestDispatchDecodesRawParams(t *testing.T) {
	h := &stubHandler{name: "send_sms", outcome: Success(nil)}
	r := NewRegistry()
	r.MustRegister(h)

	outcome := r.Dispatch(context.Background(), "send_sms", &Input{
		RawParams: json.RawMessage(`{"to":"+15550100","body":"hi"}`),
	})
	require.True(t, outcome.OK())
	require.NotNil(t, h.lastInput)
	assert.Equal(t, "+15550100", h.lastInput.Params["to"])
}

func TestDispatchMalformedRawParamsIsPermanent(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(&stubHandler{name: "send_sms", outcome: Success(nil)})

	outcome := r.Dispatch(context.Background(), "send_sms", &Input{
		RawParams: json.RawMessage(`[1,2,3]`),
	})
	assert.Equal(t, OutcomeFailure, outcome.Status)
	assert.False(t, outcome.Transient)
}

func TestDispatchNilOutcomeIsPermanent(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(&stubHandler{name: "wait"})

	outcome := r.Dispatch(context.Background(), "wait", &Input{})
	assert.Equal(t, OutcomeFailure, outcome.Status)
	assert.False(t, outcome.Transient)
}
