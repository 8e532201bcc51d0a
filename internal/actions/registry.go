package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/fitops/relay/pkg/schema"
)

// Registry is the thread-safe dispatch table from action type to Handler.
// The graph validator consults it at publish time so that unknown action
// types never reach execution.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
	}
}

// Register adds a handler. Returns an error on duplicate name.
func (r *Registry) Register(h Handler) error {
	if h == nil {
		return schema.NewError(schema.ErrCodeValidation, "handler is nil")
	}
	name := h.Name()
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "handler name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "handler %q already registered", name)
	}

	r.handlers[name] = h
	return nil
}

// MustRegister registers a handler and panics on error. Wiring-time only.
func (r *Registry) MustRegister(h Handler) {
	if err := r.Register(h); err != nil {
		panic(fmt.Sprintf("register handler: %v", err))
	}
}

// Get retrieves a handler by action type.
func (r *Registry) Get(name string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "action type %q not registered", name)
	}
	return h, nil
}

// Has checks if an action type is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[name]
	return ok
}

// Names returns all registered action types, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered handlers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

// Dispatch resolves the handler for actionType and executes it.
// Classification happens here: unknown types and validation errors are
// permanent failures, handler errors are transient.
func (r *Registry) Dispatch(ctx context.Context, actionType string, input *Input) *Outcome {
	h, err := r.Get(actionType)
	if err != nil {
		return PermanentFailure(fmt.Sprintf("unknown action type %q", actionType))
	}

	if input.Params == nil && len(input.RawParams) > 0 {
		params := map[string]any{}
		if err := json.Unmarshal(input.RawParams, &params); err != nil {
			return PermanentFailure("action params are not a JSON object")
		}
		input.Params = params
	}
	if input.Params == nil {
		input.Params = map[string]any{}
	}

	if err := h.Validate(input.Params); err != nil {
		return PermanentFailure(err.Error())
	}

	outcome, err := h.Execute(ctx, input)
	if err != nil {
		if ctx.Err() == context.Canceled {
			return PermanentFailure("dispatch cancelled")
		}
		return TransientFailure(err.Error())
	}
	if outcome == nil {
		return PermanentFailure(fmt.Sprintf("handler %q returned no outcome", actionType))
	}
	return outcome
}
