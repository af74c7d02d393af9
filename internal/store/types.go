package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/renfold/weft/pkg/schema"
)

// RunRecord is the persisted summary of one workflow run.
type RunRecord struct {
	RunID        string          `json:"run_id"`
	WorkflowName string          `json:"workflow_name"`
	Success      bool            `json:"success"`
	Error        string          `json:"error,omitempty"`
	Spec         json.RawMessage `json:"spec,omitempty"`
	StartedAt    time.Time       `json:"started_at"`
	CompletedAt  time.Time       `json:"completed_at"`
	DurationMs   int64           `json:"duration_ms"`
}

// TaskRecord is the persisted terminal result of one task in a run.
type TaskRecord struct {
	RunID        string           `json:"run_id"`
	TaskID       string           `json:"task_id"`
	State        schema.TaskState `json:"state"`
	Success      bool             `json:"success"`
	Output       json.RawMessage  `json:"output,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
	DurationMs   int64            `json:"duration_ms"`
	Loop         json.RawMessage  `json:"loop,omitempty"`
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	WorkflowName string
	OnlyFailed   bool
	Limit        int
}

// Store is the run history persistence interface. The engine writes through
// it as a HistorySink; callers read back past runs for inspection.
type Store interface {
	RecordRun(ctx context.Context, spec *schema.WorkflowSpec, result *schema.ExecutionResult) error
	GetRun(ctx context.Context, runID string) (*RunRecord, []*TaskRecord, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*RunRecord, error)
	DeleteRun(ctx context.Context, runID string) error
	Migrate(ctx context.Context) error
	Close() error
}
