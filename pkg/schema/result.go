package schema

import "time"

// TaskState is the lifecycle state of a single task within a run.
type TaskState string

const (
	TaskStatePending   TaskState = "pending"
	TaskStateReady     TaskState = "ready"
	TaskStateRunning   TaskState = "running"
	TaskStateSucceeded TaskState = "succeeded"
	TaskStateFailed    TaskState = "failed"
	TaskStateSkipped   TaskState = "skipped"
)

// ValidTaskTransitions defines the allowed task state transitions.
// Ready -> Failed covers pre-dispatch errors: a condition that cannot be
// evaluated fails the task before it ever runs.
var ValidTaskTransitions = map[TaskState][]TaskState{
	TaskStatePending:   {TaskStateReady, TaskStateSkipped},
	TaskStateReady:     {TaskStateRunning, TaskStateFailed, TaskStateSkipped},
	TaskStateRunning:   {TaskStateSucceeded, TaskStateFailed},
	TaskStateSucceeded: {},
	TaskStateFailed:    {},
	TaskStateSkipped:   {},
}

// IsTerminal reports whether the state is one a task never leaves.
func (s TaskState) IsTerminal() bool {
	return s == TaskStateSucceeded || s == TaskStateFailed || s == TaskStateSkipped
}

// CanTransition reports whether from -> to is a legal task transition.
func CanTransition(from, to TaskState) bool {
	for _, allowed := range ValidTaskTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ExecutionResult is the overall outcome of one workflow run.
// It is always complete: a failed or cancelled run still carries every
// terminal task result produced before the failure.
type ExecutionResult struct {
	RunID           string                          `json:"run_id"`
	Success         bool                            `json:"success"`
	Tasks           map[string]*TaskExecutionResult `json:"tasks"`
	TotalDurationMs int64                           `json:"total_duration_ms"`
	StartedAt       time.Time                       `json:"started_at"`
	CompletedAt     time.Time                       `json:"completed_at"`
	Error           *WeftError                      `json:"error,omitempty"`
}

// TaskExecutionResult is the outcome of a single task (or, for forEach
// tasks, the aggregate across all iterations, detailed in Loop).
type TaskExecutionResult struct {
	TaskID       string         `json:"task_id"`
	State        TaskState      `json:"state"`
	Success      bool           `json:"success"`
	Output       map[string]any `json:"output,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	DurationMs   int64          `json:"duration_ms"`
	Loop         *LoopResult    `json:"loop,omitempty"`
}

// LoopResult aggregates the per-iteration outcomes of a forEach expansion.
// Outputs preserves iteration order regardless of completion order.
type LoopResult struct {
	Outputs      []map[string]any `json:"outputs"`
	SuccessCount int              `json:"success_count"`
	FailureCount int              `json:"failure_count"`
	ItemCount    int              `json:"item_count"`
}

// ExecutionPlan is the dry-run preview derived purely from the graph.
type ExecutionPlan struct {
	TaskCount           int        `json:"task_count"`
	ParallelGroups      [][]string `json:"parallel_groups"`
	EstimatedDurationMs int64      `json:"estimated_duration_ms,omitempty"`
}
