package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/renfold/weft/pkg/schema"
)

// LibSQLStore implements Store using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path. The path should
// be a file URI, e.g. "file:/path/to/runs.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Connection-level PRAGMAs. Some return rows, so QueryRow is used.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate applies pending migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// RecordRun persists a run summary and every task's terminal result in one
// transaction.
func (s *LibSQLStore) RecordRun(ctx context.Context, spec *schema.WorkflowSpec, result *schema.ExecutionResult) error {
	if result == nil {
		return schema.NewError(schema.ErrCodeValidation, "result is nil")
	}

	var name string
	var specJSON any
	if spec != nil {
		name = spec.Name
		raw, err := json.Marshal(spec)
		if err != nil {
			return schema.NewError(schema.ErrCodeStore, "marshal spec").WithCause(err)
		}
		specJSON = string(raw)
	}

	var errMsg any
	if result.Error != nil {
		errMsg = result.Error.Error()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "begin record run").WithCause(err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runs (run_id, workflow_name, success, error, spec, started_at, completed_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		result.RunID, name, boolToInt(result.Success), errMsg, specJSON,
		result.StartedAt, result.CompletedAt, result.TotalDurationMs,
	); err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return schema.NewErrorf(schema.ErrCodeConflict, "run %q already recorded", result.RunID)
		}
		return schema.NewError(schema.ErrCodeStore, "insert run").WithCause(err)
	}

	// Deterministic insert order keeps the transaction reproducible.
	taskIDs := make([]string, 0, len(result.Tasks))
	for id := range result.Tasks {
		taskIDs = append(taskIDs, id)
	}
	sort.Strings(taskIDs)

	for _, id := range taskIDs {
		tr := result.Tasks[id]
		output, err := nullableJSON(tr.Output)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "marshal output for task %s", id).WithCause(err)
		}
		var loop any
		if tr.Loop != nil {
			loop, err = nullableJSON(tr.Loop)
			if err != nil {
				return schema.NewErrorf(schema.ErrCodeStore, "marshal loop for task %s", id).WithCause(err)
			}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO task_results (run_id, task_id, state, success, output, error_message, duration_ms, loop)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			result.RunID, id, string(tr.State), boolToInt(tr.Success),
			output, nullStr(tr.ErrorMessage), tr.DurationMs, loop,
		); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "insert task result %s", id).WithCause(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return schema.NewError(schema.ErrCodeStore, "commit record run").WithCause(err)
	}
	return nil
}

// GetRun loads a run summary and its task results.
func (s *LibSQLStore) GetRun(ctx context.Context, runID string) (*RunRecord, []*TaskRecord, error) {
	rec := &RunRecord{}
	var errMsg, specRaw sql.NullString
	var success int
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, workflow_name, success, error, spec, started_at, completed_at, duration_ms
		 FROM runs WHERE run_id = ?`, runID,
	).Scan(&rec.RunID, &rec.WorkflowName, &success, &errMsg, &specRaw,
		&rec.StartedAt, &rec.CompletedAt, &rec.DurationMs)
	if err == sql.ErrNoRows {
		return nil, nil, schema.NewErrorf(schema.ErrCodeNotFound, "run %q not found", runID)
	}
	if err != nil {
		return nil, nil, schema.NewError(schema.ErrCodeStore, "load run").WithCause(err)
	}
	rec.Success = success != 0
	rec.Error = errMsg.String
	if specRaw.Valid {
		rec.Spec = json.RawMessage(specRaw.String)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, task_id, state, success, output, error_message, duration_ms, loop
		 FROM task_results WHERE run_id = ? ORDER BY task_id`, runID)
	if err != nil {
		return nil, nil, schema.NewError(schema.ErrCodeStore, "load task results").WithCause(err)
	}
	defer rows.Close()

	var tasks []*TaskRecord
	for rows.Next() {
		tr := &TaskRecord{}
		var state string
		var taskSuccess int
		var output, taskErr, loop sql.NullString
		if err := rows.Scan(&tr.RunID, &tr.TaskID, &state, &taskSuccess,
			&output, &taskErr, &tr.DurationMs, &loop); err != nil {
			return nil, nil, schema.NewError(schema.ErrCodeStore, "scan task result").WithCause(err)
		}
		tr.State = schema.TaskState(state)
		tr.Success = taskSuccess != 0
		tr.ErrorMessage = taskErr.String
		if output.Valid {
			tr.Output = json.RawMessage(output.String)
		}
		if loop.Valid {
			tr.Loop = json.RawMessage(loop.String)
		}
		tasks = append(tasks, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, schema.NewError(schema.ErrCodeStore, "iterate task results").WithCause(err)
	}
	return rec, tasks, nil
}

// ListRuns returns run summaries matching the filter, newest first.
func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*RunRecord, error) {
	query := `SELECT run_id, workflow_name, success, error, started_at, completed_at, duration_ms FROM runs`
	var conds []string
	var args []any
	if filter.WorkflowName != "" {
		conds = append(conds, "workflow_name = ?")
		args = append(args, filter.WorkflowName)
	}
	if filter.OnlyFailed {
		conds = append(conds, "success = 0")
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY started_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "list runs").WithCause(err)
	}
	defer rows.Close()

	var records []*RunRecord
	for rows.Next() {
		rec := &RunRecord{}
		var success int
		var errMsg sql.NullString
		if err := rows.Scan(&rec.RunID, &rec.WorkflowName, &success, &errMsg,
			&rec.StartedAt, &rec.CompletedAt, &rec.DurationMs); err != nil {
			return nil, schema.NewError(schema.ErrCodeStore, "scan run").WithCause(err)
		}
		rec.Success = success != 0
		rec.Error = errMsg.String
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "iterate runs").WithCause(err)
	}
	return records, nil
}

// DeleteRun removes a run and, via the foreign key cascade, its task results.
func (s *LibSQLStore) DeleteRun(ctx context.Context, runID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE run_id = ?`, runID)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "delete run").WithCause(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "delete run").WithCause(err)
	}
	if n == 0 {
		return schema.NewErrorf(schema.ErrCodeNotFound, "run %q not found", runID)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableJSON(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if m, ok := v.(map[string]any); ok && len(m) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

var _ Store = (*LibSQLStore)(nil)
