package panel

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/fitops/relay/pkg/schema"
)

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeStoreError maps a store or validation error onto an HTTP status,
// carrying structured details through when the error has them.
func writeStoreError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch schema.ErrorCode(err) {
	case schema.ErrCodeNotFound:
		status = http.StatusNotFound
	case schema.ErrCodeValidation:
		status = http.StatusUnprocessableEntity
	case schema.ErrCodeConflict, schema.ErrCodeDuplicateRun,
		schema.ErrCodeInvalidTransition, schema.ErrCodeRunFinished:
		status = http.StatusConflict
	}

	var relayErr *schema.RelayError
	if errors.As(err, &relayErr) && len(relayErr.Details) > 0 {
		writeJSON(w, status, map[string]any{
			"error":   relayErr.Message,
			"details": relayErr.Details,
		})
		return
	}
	writeError(w, status, err.Error())
}

// queryInt extracts an integer query param with a default value.
func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
