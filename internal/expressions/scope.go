package expressions

import (
	"sync"

	"github.com/renfold/weft/pkg/schema"
)

// ForEachContext is one frame of an iteration scope chain. Frames are
// immutable: a nested loop links a new frame onto its parent rather than
// mutating shared state, so concurrent iterations never observe each other.
type ForEachContext struct {
	ItemVar string
	Item    any
	Index   int
	Parent  *ForEachContext
}

// NewForEachContext links a new iteration frame onto parent.
func NewForEachContext(parent *ForEachContext, itemVar string, item any, index int) *ForEachContext {
	return &ForEachContext{ItemVar: itemVar, Item: item, Index: index, Parent: parent}
}

// Depth returns how many frames deep this scope is (outermost frame is 1).
func (c *ForEachContext) Depth() int {
	depth := 0
	for cur := c; cur != nil; cur = cur.Parent {
		depth++
	}
	return depth
}

// Root walks to the outermost frame of the chain.
func (c *ForEachContext) Root() *ForEachContext {
	cur := c
	for cur.Parent != nil {
		cur = cur.Parent
	}
	return cur
}

// Find returns the nearest enclosing frame bound to itemVar, or nil.
func (c *ForEachContext) Find(itemVar string) *ForEachContext {
	for cur := c; cur != nil; cur = cur.Parent {
		if cur.ItemVar == itemVar {
			return cur
		}
	}
	return nil
}

// TemplateContext is the read-only resolution environment handed to the
// template resolver: workflow inputs, completed task outputs, the skipped
// set, and the innermost iteration frame (nil outside a loop).
type TemplateContext struct {
	Inputs  map[string]any
	Tasks   map[string]map[string]any
	Skipped map[string]bool
	Loop    *ForEachContext
}

// WithLoop derives a context bound to a different iteration frame. The
// shared maps are not copied; they are frozen snapshots already.
func (t *TemplateContext) WithLoop(loop *ForEachContext) *TemplateContext {
	return &TemplateContext{
		Inputs:  t.Inputs,
		Tasks:   t.Tasks,
		Skipped: t.Skipped,
		Loop:    loop,
	}
}

// OutputRegistry accumulates task outputs during a run. Outputs are
// append-only: a task's output is deep-copied on registration and never
// modified afterward, so snapshots handed to resolvers are safe to read
// from any goroutine.
type OutputRegistry struct {
	mu      sync.RWMutex
	inputs  map[string]any
	tasks   map[string]map[string]any
	skipped map[string]bool
}

// NewOutputRegistry creates a registry seeded with the run's inputs.
// The inputs are deep-copied so later caller mutation cannot leak in.
func NewOutputRegistry(inputs map[string]any) *OutputRegistry {
	return &OutputRegistry{
		inputs:  deepCopyMap(inputs),
		tasks:   make(map[string]map[string]any),
		skipped: make(map[string]bool),
	}
}

// AddOutput registers a completed task's output. Registering the same task
// twice is a conflict.
func (r *OutputRegistry) AddOutput(taskID string, output map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tasks[taskID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"output for task %q already registered", taskID).WithTask(taskID)
	}
	r.tasks[taskID] = deepCopyMap(output)
	return nil
}

// MarkSkipped records that a task was skipped, so references to its output
// resolve as absent rather than undefined.
func (r *OutputRegistry) MarkSkipped(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.skipped[taskID] = true
}

// Output returns the registered output for a task, if present.
func (r *OutputRegistry) Output(taskID string) (map[string]any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out, ok := r.tasks[taskID]
	return out, ok
}

// Snapshot produces a TemplateContext over the registry's current state.
// Registered outputs are frozen, so the snapshot shares them directly.
func (r *OutputRegistry) Snapshot() *TemplateContext {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tasks := make(map[string]map[string]any, len(r.tasks))
	for id, out := range r.tasks {
		tasks[id] = out
	}
	skipped := make(map[string]bool, len(r.skipped))
	for id := range r.skipped {
		skipped[id] = true
	}
	return &TemplateContext{Inputs: r.inputs, Tasks: tasks, Skipped: skipped}
}

func deepCopyMap(src map[string]any) map[string]any {
	if src == nil {
		return map[string]any{}
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = deepCopyValue(v)
	}
	return dst
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = deepCopyValue(item)
		}
		return out
	default:
		return val
	}
}
