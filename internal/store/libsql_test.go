package store

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/renfold/weft/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	path := "file:" + filepath.Join(t.TempDir(), "runs.db")
	s, err := NewLibSQLStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	werr, ok := err.(*schema.WeftError)
	require.True(t, ok, "expected *schema.WeftError, got %T: %v", err, err)
	require.Equal(t, code, werr.Code, "message: %s", werr.Message)
}

func sampleResult(runID string, started time.Time) *schema.ExecutionResult {
	completed := started.Add(340 * time.Millisecond)
	return &schema.ExecutionResult{
		RunID:   runID,
		Success: false,
		Error:   schema.NewError(schema.ErrCodeTaskFailed, "1 of 3 tasks failed"),
		Tasks: map[string]*schema.TaskExecutionResult{
			"fetch": {
				TaskID: "fetch", State: schema.TaskStateSucceeded, Success: true,
				Output: map[string]any{"count": float64(3)}, DurationMs: 120,
			},
			"transform": {
				TaskID: "transform", State: schema.TaskStateFailed, Success: false,
				ErrorMessage: "backend exploded", DurationMs: 80,
			},
			"batch": {
				TaskID: "batch", State: schema.TaskStateSucceeded, Success: true,
				Output:     map[string]any{"item_count": float64(2)},
				DurationMs: 140,
				Loop: &schema.LoopResult{
					Outputs:      []map[string]any{{"v": "a"}, {"v": "b"}},
					SuccessCount: 2, ItemCount: 2,
				},
			},
		},
		TotalDurationMs: 340,
		StartedAt:       started,
		CompletedAt:     completed,
	}
}

func TestLibSQLStore_RecordAndGetRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	spec := &schema.WorkflowSpec{
		Name:  "etl",
		Tasks: []schema.TaskStep{{ID: "fetch", TaskRef: "fetch-data"}},
	}
	started := time.Now().UTC()
	require.NoError(t, s.RecordRun(ctx, spec, sampleResult("run-1", started)))

	rec, tasks, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)

	assert.Equal(t, "run-1", rec.RunID)
	assert.Equal(t, "etl", rec.WorkflowName)
	assert.False(t, rec.Success)
	assert.Contains(t, rec.Error, "1 of 3 tasks failed")
	assert.Equal(t, int64(340), rec.DurationMs)

	var storedSpec schema.WorkflowSpec
	require.NoError(t, json.Unmarshal(rec.Spec, &storedSpec))
	assert.Equal(t, "etl", storedSpec.Name)

	// Task results come back ordered by task id.
	require.Len(t, tasks, 3)
	assert.Equal(t, "batch", tasks[0].TaskID)
	assert.Equal(t, "fetch", tasks[1].TaskID)
	assert.Equal(t, "transform", tasks[2].TaskID)

	assert.Equal(t, schema.TaskStateSucceeded, tasks[1].State)
	var output map[string]any
	require.NoError(t, json.Unmarshal(tasks[1].Output, &output))
	assert.Equal(t, float64(3), output["count"])

	assert.Equal(t, schema.TaskStateFailed, tasks[2].State)
	assert.Equal(t, "backend exploded", tasks[2].ErrorMessage)
	assert.Nil(t, tasks[2].Output)
	assert.Nil(t, tasks[2].Loop)

	var loop schema.LoopResult
	require.NoError(t, json.Unmarshal(tasks[0].Loop, &loop))
	assert.Equal(t, 2, loop.ItemCount)
	assert.Equal(t, 2, loop.SuccessCount)
}

func TestLibSQLStore_DuplicateRunConflicts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	started := time.Now().UTC()

	require.NoError(t, s.RecordRun(ctx, nil, sampleResult("run-1", started)))
	err := s.RecordRun(ctx, nil, sampleResult("run-1", started))
	requireCode(t, err, schema.ErrCodeConflict)
}

func TestLibSQLStore_GetRunNotFound(t *testing.T) {
	s := newTestStore(t)
	_, _, err := s.GetRun(context.Background(), "ghost")
	requireCode(t, err, schema.ErrCodeNotFound)
}

func TestLibSQLStore_ListRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	for i := 0; i < 3; i++ {
		result := sampleResult(fmt.Sprintf("run-%d", i), base.Add(time.Duration(i)*time.Minute))
		result.Success = i != 1
		result.Error = nil
		spec := &schema.WorkflowSpec{Name: "etl"}
		if i == 2 {
			spec.Name = "deploy"
		}
		require.NoError(t, s.RecordRun(ctx, spec, result))
	}

	all, err := s.ListRuns(ctx, RunFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	// Newest first.
	assert.Equal(t, "run-2", all[0].RunID)
	assert.Equal(t, "run-0", all[2].RunID)

	etl, err := s.ListRuns(ctx, RunFilter{WorkflowName: "etl"})
	require.NoError(t, err)
	assert.Len(t, etl, 2)

	failed, err := s.ListRuns(ctx, RunFilter{OnlyFailed: true})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "run-1", failed[0].RunID)

	limited, err := s.ListRuns(ctx, RunFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "run-2", limited[0].RunID)
}

func TestLibSQLStore_DeleteRunCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordRun(ctx, nil, sampleResult("run-1", time.Now().UTC())))
	require.NoError(t, s.DeleteRun(ctx, "run-1"))

	_, _, err := s.GetRun(ctx, "run-1")
	requireCode(t, err, schema.ErrCodeNotFound)

	var count int
	require.NoError(t, s.DB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM task_results WHERE run_id = ?`, "run-1").Scan(&count))
	assert.Zero(t, count)

	err = s.DeleteRun(ctx, "run-1")
	requireCode(t, err, schema.ErrCodeNotFound)
}

func TestLibSQLStore_MigrateIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, s.Migrate(context.Background()))
}

func TestLibSQLStore_NilResultRejected(t *testing.T) {
	s := newTestStore(t)
	requireCode(t, s.RecordRun(context.Background(), nil, nil), schema.ErrCodeValidation)
}
