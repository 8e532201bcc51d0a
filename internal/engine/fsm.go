package engine

import "github.com/fitops/relay/pkg/schema"

// ValidRunTransitions defines the allowed run status transitions.
// Terminal statuses admit none; running may park back to pending for a retry.
var ValidRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunPending:   {schema.RunRunning, schema.RunCancelled},
	schema.RunRunning:   {schema.RunPending, schema.RunCompleted, schema.RunFailed, schema.RunCancelled},
	schema.RunCompleted: {},
	schema.RunFailed:    {},
	schema.RunCancelled: {},
}

// CanTransition reports whether a run may move from one status to another.
func CanTransition(from, to schema.RunStatus) bool {
	for _, allowed := range ValidRunTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// CheckTransition returns an INVALID_TRANSITION error for disallowed moves.
func CheckTransition(from, to schema.RunStatus) error {
	if !CanTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid run transition: %s -> %s", from, to)
	}
	return nil
}
