package actions

import (
	"context"

	"github.com/fitops/relay/pkg/schema"
)

// Messaging channels handled by the gateway.
const (
	ChannelEmail    = "email"
	ChannelSMS      = "sms"
	ChannelWhatsApp = "whatsapp"
)

// messageHandler implements send_email, send_sms, and send_whatsapp.
// All three post the same envelope to the messaging gateway; only the
// channel and the required params differ.
type messageHandler struct {
	name    string
	channel string
	gw      *Gateway
}

// NewSendEmailHandler creates the send_email handler.
func NewSendEmailHandler(gw *Gateway) Handler {
	return &messageHandler{name: "send_email", channel: ChannelEmail, gw: gw}
}

// NewSendSMSHandler creates the send_sms handler.
func NewSendSMSHandler(gw *Gateway) Handler {
	return &messageHandler{name: "send_sms", channel: ChannelSMS, gw: gw}
}

// NewSendWhatsAppHandler creates the send_whatsapp handler.
func NewSendWhatsAppHandler(gw *Gateway) Handler {
	return &messageHandler{name: "send_whatsapp", channel: ChannelWhatsApp, gw: gw}
}

func (h *messageHandler) Name() string { return h.name }

func (h *messageHandler) Validate(params map[string]any) error {
	if stringParam(params, "to", "") == "" {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s: missing required param 'to'", h.name)
	}
	if stringParam(params, "body", "") == "" {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s: missing required param 'body'", h.name)
	}
	if h.channel == ChannelEmail && stringParam(params, "subject", "") == "" {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s: missing required param 'subject'", h.name)
	}
	return nil
}

func (h *messageHandler) Execute(ctx context.Context, input *Input) (*Outcome, error) {
	envelope := map[string]any{
		"channel":   h.channel,
		"tenant_id": input.TenantID,
		"run_id":    input.RunID,
		"to":        stringParam(input.Params, "to", ""),
		"body":      stringParam(input.Params, "body", ""),
	}
	if subject := stringParam(input.Params, "subject", ""); subject != "" {
		envelope["subject"] = subject
	}
	if from := stringParam(input.Params, "from", ""); from != "" {
		envelope["from"] = from
	}

	resp, err := h.gw.PostJSON(ctx, "/v1/messages", envelope)
	if err != nil {
		return nil, err
	}
	return classifyStatus(resp.StatusCode, resp.Body), nil
}

// aiTaskHandler implements create_ai_task: it files a task with the AI
// gateway (lead follow-up drafting, call summaries) and succeeds once the
// task is accepted, not when it finishes.
type aiTaskHandler struct {
	gw *Gateway
}

// NewCreateAITaskHandler creates the create_ai_task handler.
func NewCreateAITaskHandler(gw *Gateway) Handler {
	return &aiTaskHandler{gw: gw}
}

func (h *aiTaskHandler) Name() string { return "create_ai_task" }

func (h *aiTaskHandler) Validate(params map[string]any) error {
	if stringParam(params, "task_type", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "create_ai_task: missing required param 'task_type'")
	}
	return nil
}

func (h *aiTaskHandler) Execute(ctx context.Context, input *Input) (*Outcome, error) {
	payload := map[string]any{
		"tenant_id": input.TenantID,
		"run_id":    input.RunID,
		"task_type": stringParam(input.Params, "task_type", ""),
		"prompt":    stringParam(input.Params, "prompt", ""),
	}
	if ctxData := mapParam(input.Params, "context"); ctxData != nil {
		payload["context"] = ctxData
	}

	resp, err := h.gw.PostJSON(ctx, "/v1/tasks", payload)
	if err != nil {
		return nil, err
	}
	return classifyStatus(resp.StatusCode, resp.Body), nil
}
