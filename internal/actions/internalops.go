package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fitops/relay/internal/store"
	"github.com/fitops/relay/pkg/schema"
	"github.com/google/uuid"
)

// NotificationSink receives in-app notifications. Both store
// implementations satisfy it.
type NotificationSink interface {
	AddNotification(ctx context.Context, n *store.Notification) error
}

// notifyHandler implements send_notification: an in-app notification for
// the tenant's staff dashboard.
type notifyHandler struct {
	sink NotificationSink
}

// NewSendNotificationHandler creates the send_notification handler.
func NewSendNotificationHandler(sink NotificationSink) Handler {
	return &notifyHandler{sink: sink}
}

func (h *notifyHandler) Name() string { return "send_notification" }

func (h *notifyHandler) Validate(params map[string]any) error {
	if stringParam(params, "title", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "send_notification: missing required param 'title'")
	}
	return nil
}

func (h *notifyHandler) Execute(ctx context.Context, input *Input) (*Outcome, error) {
	n := &store.Notification{
		ID:       uuid.NewString(),
		TenantID: input.TenantID,
		RunID:    input.RunID,
		Title:    stringParam(input.Params, "title", ""),
		Body:     stringParam(input.Params, "body", ""),
	}
	if err := h.sink.AddNotification(ctx, n); err != nil {
		return nil, fmt.Errorf("send_notification: %w", err)
	}

	response, _ := json.Marshal(map[string]any{"notification_id": n.ID})
	return Success(response), nil
}

// RecordSink applies patches to domain records (leads, members, bookings).
// The platform's CRUD layer provides the real implementation; the engine
// only knows entities and field patches.
type RecordSink interface {
	ApplyPatch(ctx context.Context, tenantID, entity, recordID string, patch map[string]any) error
}

// ErrUnknownEntity is returned by RecordSink implementations for entities
// the platform does not manage. It maps to a permanent failure.
var ErrUnknownEntity = schema.NewError(schema.ErrCodeNonRetryable, "unknown record entity")

// writeRecordHandler implements write_record: tagging a lead, updating a
// member field, stamping a booking.
type writeRecordHandler struct {
	sink RecordSink
}

// NewWriteRecordHandler creates the write_record handler.
func NewWriteRecordHandler(sink RecordSink) Handler {
	return &writeRecordHandler{sink: sink}
}

func (h *writeRecordHandler) Name() string { return "write_record" }

func (h *writeRecordHandler) Validate(params map[string]any) error {
	if stringParam(params, "entity", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "write_record: missing required param 'entity'")
	}
	if stringParam(params, "record_id", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "write_record: missing required param 'record_id'")
	}
	if mapParam(params, "patch") == nil {
		return schema.NewError(schema.ErrCodeValidation, "write_record: missing required param 'patch'")
	}
	return nil
}

func (h *writeRecordHandler) Execute(ctx context.Context, input *Input) (*Outcome, error) {
	entity := stringParam(input.Params, "entity", "")
	recordID := stringParam(input.Params, "record_id", "")
	patch := mapParam(input.Params, "patch")

	err := h.sink.ApplyPatch(ctx, input.TenantID, entity, recordID, patch)
	if err != nil {
		if schema.ErrorCode(err) == schema.ErrCodeNonRetryable {
			return PermanentFailure(err.Error()), nil
		}
		return nil, fmt.Errorf("write_record: %w", err)
	}
	return Success(nil), nil
}

// waitHandler implements wait: it validates the configured pause and
// completes, echoing the wake time. Long durable waits are not part of
// this engine; use a scheduled workflow instead.
type waitHandler struct{}

// NewWaitHandler creates the wait handler.
func NewWaitHandler() Handler {
	return &waitHandler{}
}

func (h *waitHandler) Name() string { return "wait" }

func (h *waitHandler) Validate(params map[string]any) error {
	raw := stringParam(params, "duration", "")
	if raw == "" {
		return schema.NewError(schema.ErrCodeValidation, "wait: missing required param 'duration'")
	}
	if _, err := time.ParseDuration(raw); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "wait: invalid duration %q", raw)
	}
	return nil
}

func (h *waitHandler) Execute(ctx context.Context, input *Input) (*Outcome, error) {
	d, _ := time.ParseDuration(stringParam(input.Params, "duration", ""))

	response, _ := json.Marshal(map[string]any{
		"duration": d.String(),
		"wake_at":  time.Now().UTC().Add(d).Format(time.RFC3339),
	})
	return Success(response), nil
}
