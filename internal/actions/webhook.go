package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fitops/relay/pkg/schema"
)

// WebhookHandler implements call_webhook: an arbitrary HTTP request to an
// external system, with the response captured (truncated) into the outcome.
type WebhookHandler struct {
	client  *http.Client
	maxBody int64
}

// NewWebhookHandler creates the call_webhook handler.
func NewWebhookHandler(timeout time.Duration) *WebhookHandler {
	if timeout <= 0 {
		timeout = defaultGatewayTimeout
	}
	return &WebhookHandler{
		client:  &http.Client{Timeout: timeout},
		maxBody: defaultMaxResponseBody,
	}
}

func (h *WebhookHandler) Name() string { return "call_webhook" }

func (h *WebhookHandler) Validate(params map[string]any) error {
	rawURL := stringParam(params, "url", "")
	if rawURL == "" {
		return schema.NewError(schema.ErrCodeValidation, "call_webhook: missing required param 'url'")
	}
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return schema.NewErrorf(schema.ErrCodeValidation, "call_webhook: invalid url %q", rawURL)
	}
	switch method := strings.ToUpper(stringParam(params, "method", "POST")); method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "call_webhook: unsupported method %q", method)
	}
	return nil
}

func (h *WebhookHandler) Execute(ctx context.Context, input *Input) (*Outcome, error) {
	method := strings.ToUpper(stringParam(input.Params, "method", "POST"))
	rawURL := stringParam(input.Params, "url", "")

	var body io.Reader
	if payload, ok := input.Params["body"]; ok && payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return PermanentFailure("call_webhook: body is not JSON-encodable"), nil
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return PermanentFailure(fmt.Sprintf("call_webhook: %v", err)), nil
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range mapParam(input.Params, "headers") {
		if s, ok := v.(string); ok {
			req.Header.Set(k, s)
		}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		// DNS failures, refused connections, timeouts: all worth a retry.
		return nil, fmt.Errorf("call_webhook: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, h.maxBody))
	if err != nil {
		return nil, fmt.Errorf("call_webhook: read response: %w", err)
	}

	response, err := json.Marshal(map[string]any{
		"status_code": resp.StatusCode,
		"body":        normalizeBody(data),
	})
	if err != nil {
		return nil, fmt.Errorf("call_webhook: encode response: %w", err)
	}

	outcome := classifyStatus(resp.StatusCode, nil)
	outcome.Response = response
	return outcome, nil
}

var _ Handler = (*WebhookHandler)(nil)
