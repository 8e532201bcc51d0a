package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	defaultMaxResponseBody = 1 * 1024 * 1024 // 1MB
	defaultGatewayTimeout  = 30 * time.Second
)

// Gateway is the shared HTTP client for platform-internal services
// (messaging gateway, AI gateway). The engine itself never talks to
// Twilio/Resend/etc. directly; the gateway owns provider credentials.
type Gateway struct {
	baseURL string
	client  *http.Client
	maxBody int64
}

// NewGateway creates a Gateway client for the given base URL.
func NewGateway(baseURL string, timeout time.Duration) *Gateway {
	if timeout <= 0 {
		timeout = defaultGatewayTimeout
	}
	return &Gateway{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		maxBody: defaultMaxResponseBody,
	}
}

// GatewayResponse is the raw result of a gateway call.
type GatewayResponse struct {
	StatusCode int             `json:"status_code"`
	Body       json.RawMessage `json:"body,omitempty"`
}

// PostJSON posts a JSON payload to baseURL+path and returns the response.
// Network-level failures return an error (classified transient by the caller).
func (g *Gateway) PostJSON(ctx context.Context, path string, payload any) (*GatewayResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal gateway payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build gateway request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, g.maxBody))
	if err != nil {
		return nil, fmt.Errorf("read gateway response: %w", err)
	}

	return &GatewayResponse{StatusCode: resp.StatusCode, Body: normalizeBody(data)}, nil
}

// classifyStatus maps an HTTP status to an Outcome: 2xx success, 429 and 5xx
// transient, remaining 4xx permanent.
func classifyStatus(status int, body json.RawMessage) *Outcome {
	switch {
	case status >= 200 && status < 300:
		return Success(body)
	case status == http.StatusTooManyRequests || status >= 500:
		o := TransientFailure(fmt.Sprintf("upstream returned %d", status))
		o.Response = body
		return o
	default:
		o := PermanentFailure(fmt.Sprintf("upstream returned %d", status))
		o.Response = body
		return o
	}
}

// normalizeBody keeps JSON bodies as-is and wraps everything else as a
// JSON string so Outcome.Response stays valid JSON.
func normalizeBody(data []byte) json.RawMessage {
	if len(data) == 0 {
		return nil
	}
	if json.Valid(data) {
		return json.RawMessage(data)
	}
	wrapped, err := json.Marshal(string(data))
	if err != nil {
		return nil
	}
	return json.RawMessage(wrapped)
}

// Param helpers used by all handler files.

func stringParam(m map[string]any, key, defaultVal string) string {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	s, ok := v.(string)
	if !ok {
		return defaultVal
	}
	return s
}

func intParam(m map[string]any, key string, defaultVal int) int {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return defaultVal
		}
		return int(i)
	default:
		return defaultVal
	}
}

func mapParam(m map[string]any, key string) map[string]any {
	v, ok := m[key]
	if !ok {
		return nil
	}
	out, _ := v.(map[string]any)
	return out
}
