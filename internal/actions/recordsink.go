package actions

import (
	"context"
	"fmt"
	"net/http"

	"github.com/fitops/relay/pkg/schema"
)

// GatewayRecordSink applies record patches through the platform's CRUD
// gateway. The engine never touches lead/member/booking tables itself.
type GatewayRecordSink struct {
	gw *Gateway
}

// NewGatewayRecordSink creates a RecordSink backed by the given gateway.
func NewGatewayRecordSink(gw *Gateway) *GatewayRecordSink {
	return &GatewayRecordSink{gw: gw}
}

// ApplyPatch posts the patch to the gateway. Client errors other than 429
// are non-retryable; 429 and server errors surface as plain errors so the
// dispatcher treats them as transient.
func (s *GatewayRecordSink) ApplyPatch(ctx context.Context, tenantID, entity, recordID string, patch map[string]any) error {
	resp, err := s.gw.PostJSON(ctx, "/internal/records/patch", map[string]any{
		"tenant_id": tenantID,
		"entity":    entity,
		"record_id": recordID,
		"patch":     patch,
	})
	if err != nil {
		return err
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusUnprocessableEntity:
		return schema.NewErrorf(schema.ErrCodeNonRetryable,
			"record patch rejected for %s/%s: status %d", entity, recordID, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("record gateway returned %d", resp.StatusCode)
	default:
		return schema.NewErrorf(schema.ErrCodeNonRetryable,
			"record gateway returned %d", resp.StatusCode)
	}
}
