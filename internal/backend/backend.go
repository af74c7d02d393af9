package backend

import (
	"context"
	"sort"
	"sync"

	"github.com/renfold/weft/pkg/schema"
)

// Result is what a backend hands back for one task dispatch.
type Result struct {
	Success      bool           `json:"success"`
	Output       map[string]any `json:"output,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
}

// Backend dispatches a task ref with its resolved input and returns the
// task's output. Implementations must honor ctx cancellation and be safe
// for concurrent calls; the orchestrator dispatches whole levels at once.
type Backend interface {
	Execute(ctx context.Context, taskRef string, input map[string]any) (*Result, error)
}

// Handler is a single task implementation registered under a task ref.
type Handler func(ctx context.Context, input map[string]any) (map[string]any, error)

// Registry is a thread-safe Backend backed by registered handler funcs.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
	}
}

// Register adds a handler under a task ref. Duplicate refs are a conflict.
func (r *Registry) Register(taskRef string, h Handler) error {
	if taskRef == "" {
		return schema.NewError(schema.ErrCodeValidation, "task ref is empty")
	}
	if h == nil {
		return schema.NewError(schema.ErrCodeValidation, "handler is nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[taskRef]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "task ref %q already registered", taskRef)
	}
	r.handlers[taskRef] = h
	return nil
}

// Has checks whether a task ref is registered.
func (r *Registry) Has(taskRef string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[taskRef]
	return ok
}

// List returns the registered task refs, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	refs := make([]string, 0, len(r.handlers))
	for ref := range r.handlers {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs
}

// Execute dispatches the handler registered under taskRef. An unknown ref
// is NOT_FOUND; a handler error surfaces as a failed Result rather than an
// infrastructure error, so the orchestrator can apply retry policy.
func (r *Registry) Execute(ctx context.Context, taskRef string, input map[string]any) (*Result, error) {
	r.mu.RLock()
	h, ok := r.handlers[taskRef]
	r.mu.RUnlock()

	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "task ref %q not registered", taskRef)
	}

	output, err := h(ctx, input)
	if err != nil {
		if ctx.Err() != nil {
			return nil, schema.NewErrorf(schema.ErrCodeCancelled,
				"task ref %q cancelled", taskRef).WithCause(ctx.Err())
		}
		return &Result{Success: false, ErrorMessage: err.Error()}, nil
	}
	if output == nil {
		output = map[string]any{}
	}
	return &Result{Success: true, Output: output}, nil
}

var _ Backend = (*Registry)(nil)
