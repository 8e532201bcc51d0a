package expressions

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/fitops/relay/pkg/schema"
)

// Interpolator resolves {{...}} placeholders in templates against a run's
// variable scope. Tokens are plain dot paths ({{lead.name}}, {{loop.index}}),
// never expressions. Missing paths resolve to the empty string and are
// reported as warnings rather than failing the run.
type Interpolator struct{}

// NewInterpolator creates a new Interpolator.
func NewInterpolator() *Interpolator {
	return &Interpolator{}
}

// Interpolate replaces every {{path}} token in the template with the value
// found at that path in the scope. Returns the rendered string and the list
// of paths that could not be resolved.
func (interp *Interpolator) Interpolate(tmpl string, scope map[string]any) (string, []string) {
	if !strings.Contains(tmpl, "{{") {
		return tmpl, nil
	}

	var result strings.Builder
	result.Grow(len(tmpl))
	var missing []string

	i := 0
	for i < len(tmpl) {
		idx := strings.Index(tmpl[i:], "{{")
		if idx == -1 {
			result.WriteString(tmpl[i:])
			break
		}

		// Write everything before the marker.
		result.WriteString(tmpl[i : i+idx])
		start := i + idx + 2

		end := strings.Index(tmpl[start:], "}}")
		if end == -1 {
			// Unclosed marker renders literally.
			result.WriteString(tmpl[i+idx:])
			break
		}
		end += start

		path := strings.TrimSpace(tmpl[start:end])
		if path == "" {
			missing = append(missing, "{{}}")
			i = end + 2
			continue
		}

		val, ok := lookupPath(scope, path)
		if !ok {
			missing = append(missing, path)
		} else {
			result.WriteString(renderValue(val))
		}

		i = end + 2
	}

	return result.String(), missing
}

// InterpolateParams renders every string leaf of a JSON params blob against
// the scope. Non-string values pass through untouched.
func (interp *Interpolator) InterpolateParams(raw json.RawMessage, scope map[string]any) (json.RawMessage, []string, error) {
	if len(raw) == 0 || !HasPlaceholders(string(raw)) {
		return raw, nil, nil
	}

	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, nil, schema.NewError(schema.ErrCodeInterpolation, "params are not valid JSON").WithCause(err)
	}

	var missing []string
	rendered := interp.walkValue(decoded, scope, &missing)

	out, err := json.Marshal(rendered)
	if err != nil {
		return nil, nil, schema.NewError(schema.ErrCodeInterpolation, "failed to re-encode params").WithCause(err)
	}
	return out, missing, nil
}

// walkValue recursively interpolates string leaves.
func (interp *Interpolator) walkValue(v any, scope map[string]any, missing *[]string) any {
	switch t := v.(type) {
	case string:
		rendered, miss := interp.Interpolate(t, scope)
		*missing = append(*missing, miss...)
		return rendered
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = interp.walkValue(val, scope, missing)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = interp.walkValue(val, scope, missing)
		}
		return out
	default:
		return v
	}
}

// HasPlaceholders reports whether a string contains any {{...}} tokens.
func HasPlaceholders(s string) bool {
	return strings.Contains(s, "{{")
}

// lookupPath navigates nested maps (and slice indices) along a dot path.
func lookupPath(root map[string]any, path string) (any, bool) {
	if root == nil {
		return nil, false
	}

	// Direct key lookup first (supports keys containing dots).
	if val, ok := root[path]; ok {
		return val, true
	}

	var current any = root
	for _, seg := range strings.Split(path, ".") {
		if seg == "" {
			return nil, false
		}
		switch v := current.(type) {
		case map[string]any:
			val, ok := v[seg]
			if !ok {
				return nil, false
			}
			current = val
		case []any:
			n, err := strconv.Atoi(seg)
			if err != nil || n < 0 || n >= len(v) {
				return nil, false
			}
			current = v[n]
		default:
			return nil, false
		}
	}
	return current, true
}

// renderValue converts a resolved value into its template representation.
// Strings embed as-is; scalars use canonical formatting; maps and slices
// render as compact JSON.
func renderValue(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return ""
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.Number:
		return v.String()
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}
