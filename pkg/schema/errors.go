package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeDuplicateRun      = "DUPLICATE_RUN"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeCycleDetected     = "CYCLE_DETECTED"
	ErrCodeInterpolation     = "INTERPOLATION_ERROR"
	ErrCodeExpression        = "EXPRESSION_ERROR"
	ErrCodeNonRetryable      = "NON_RETRYABLE"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeLeaseLost         = "LEASE_LOST"
	ErrCodeRunFinished       = "RUN_FINISHED"
	ErrCodeStore             = "STORE_ERROR"
)

// RelayError is the structured error type for all engine operations.
type RelayError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	NodeID  string         `json:"node_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *RelayError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *RelayError) Unwrap() error {
	return e.Cause
}

// NewError creates a new RelayError.
func NewError(code, message string) *RelayError {
	return &RelayError{Code: code, Message: message}
}

// NewErrorf creates a new RelayError with a formatted message.
func NewErrorf(code, format string, args ...any) *RelayError {
	return &RelayError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches a node ID to the error.
func (e *RelayError) WithNode(nodeID string) *RelayError {
	e.NodeID = nodeID
	return e
}

// WithCause attaches an underlying cause.
func (e *RelayError) WithCause(err error) *RelayError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *RelayError) WithDetails(details map[string]any) *RelayError {
	e.Details = details
	return e
}

// ErrorCode extracts the code from a RelayError, or "" for other errors.
func ErrorCode(err error) string {
	if re, ok := err.(*RelayError); ok {
		return re.Code
	}
	return ""
}
