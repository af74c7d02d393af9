package schema

// WorkflowSpec is the declarative workflow format: an ordered list of task
// steps plus optional input defaults and input/output schema declarations.
// Immutable once loaded; the graph builder and orchestrator never mutate it.
type WorkflowSpec struct {
	Name         string            `json:"name,omitempty"`
	Tasks        []TaskStep        `json:"tasks"`
	Inputs       map[string]any    `json:"inputs,omitempty"`
	InputSchema  []byte            `json:"input_schema,omitempty"`
	OutputSchema []byte            `json:"output_schema,omitempty"`
	Timeout      string            `json:"timeout,omitempty"` // run-level timeout (e.g. "5m")
	Metadata     map[string]any    `json:"metadata,omitempty"`
}

// TaskStep describes a single named task in a workflow.
type TaskStep struct {
	ID        string            `json:"id"`
	TaskRef   string            `json:"task_ref"`             // behavior identifier resolved by the execution backend
	Input     map[string]string `json:"input,omitempty"`      // field name -> value, values may embed {{...}} expressions
	DependsOn []string          `json:"depends_on,omitempty"` // explicit dependency declarations
	Condition string            `json:"condition,omitempty"`  // boolean expression gating execution
	Switch    *SwitchSpec       `json:"switch,omitempty"`
	ForEach   *ForEachSpec      `json:"for_each,omitempty"`
	Timeout   string            `json:"timeout,omitempty"` // task-level timeout (e.g. "30s", "5m")
	Retry     *RetryPolicy      `json:"retry,omitempty"`
	Fallback  *FallbackSpec     `json:"fallback,omitempty"` // substituted when the circuit breaker is open
}

// SwitchSpec routes a task to one of several cases based on a resolved value.
type SwitchSpec struct {
	Value   string       `json:"value"` // expression resolved once per evaluation
	Cases   []SwitchCase `json:"cases"` // compared in declaration order, first match wins
	Default *SwitchCase  `json:"default,omitempty"`
}

// SwitchCase is one branch of a switch: a literal to match and the effective
// task to run when it matches.
type SwitchCase struct {
	Match   string            `json:"match"`
	TaskRef string            `json:"task_ref"`
	Input   map[string]string `json:"input,omitempty"`
}

// ForEachSpec expands a task into one invocation per element of a resolved
// list. Loops nest by declaring an Inner spec: the outer loop binds its item
// variable, then the inner loop runs once per outer iteration with the outer
// scope reachable via $parent/$root references.
type ForEachSpec struct {
	Items       string       `json:"items"`    // expression producing an ordered list
	ItemVar     string       `json:"item_var"` // name bound in iteration scope
	MaxParallel int          `json:"max_parallel,omitempty"`
	Inner       *ForEachSpec `json:"for_each,omitempty"`
}

// NestingDepth returns the length of the loop chain rooted at this spec.
// A spec with no Inner loop has depth 1.
func (f *ForEachSpec) NestingDepth() int {
	depth := 0
	for cur := f; cur != nil; cur = cur.Inner {
		depth++
	}
	return depth
}

// MaxNestingDepth is the deepest forEach chain a spec may declare.
const MaxNestingDepth = 3

// RetryPolicy configures retry behavior for a task.
type RetryPolicy struct {
	Max      int    `json:"max"`                 // max retry attempts
	Backoff  string `json:"backoff,omitempty"`   // none | constant | linear | exponential
	Delay    string `json:"delay,omitempty"`     // initial delay (e.g. "1s", "500ms")
	MaxDelay string `json:"max_delay,omitempty"` // cap on the computed delay
}

// FallbackSpec is the substitute task dispatched when the circuit breaker
// for the original task ref is open.
type FallbackSpec struct {
	TaskRef string            `json:"task_ref"`
	Input   map[string]string `json:"input,omitempty"`
}
