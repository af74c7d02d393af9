package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/renfold/weft/internal/backend"
	"github.com/renfold/weft/internal/expressions"
	"github.com/renfold/weft/internal/flow"
	"github.com/renfold/weft/internal/graph"
	"github.com/renfold/weft/internal/logging"
	"github.com/renfold/weft/pkg/schema"
)

// DefaultPoolSize is the default worker pool concurrency.
const DefaultPoolSize = 10

// HistorySink receives completed run results for persistence. Recording is
// best effort: a sink failure is logged, never surfaced to the caller.
type HistorySink interface {
	RecordRun(ctx context.Context, spec *schema.WorkflowSpec, result *schema.ExecutionResult) error
}

// Config holds orchestrator configuration.
type Config struct {
	PoolSize       int                   // max concurrent task goroutines
	CircuitBreaker *CircuitBreakerConfig // nil = defaults
	History        HistorySink           // nil = no persistence
	Logger         *slog.Logger          // nil = slog.Default()
}

// Orchestrator walks a workflow graph level by level, dispatching each
// level's tasks to the worker pool and blocking on the level before moving
// on. All coordination state lives in per-run structs; one orchestrator
// serves concurrent runs.
type Orchestrator struct {
	backend    backend.Backend
	pool       *WorkerPool
	circuitBkr *CircuitBreakerRegistry
	resolver   *expressions.Resolver
	conditions *flow.ConditionEvaluator
	switches   *flow.SwitchRouter
	loops      *flow.Expander
	history    HistorySink
	logger     *slog.Logger

	// dispatchSem caps backend calls in flight across the whole run at the
	// pool size. The pool bounds task goroutines, but forEach iterations
	// dispatch from inside a single task's slot; every backend call acquires
	// from this semaphore so loop fan-out cannot exceed the ceiling.
	dispatchSem *semaphore.Weighted
}

// taskRun tracks coordination state for one in-flight run.
type taskRun struct {
	runID    string
	g        *graph.Graph
	registry *expressions.OutputRegistry

	mu      sync.Mutex
	states  map[string]schema.TaskState
	tasks   map[string]*schema.TaskExecutionResult
	tainted map[string]bool // skipped because an upstream task failed
}

// New creates an Orchestrator over the given backend.
func New(be backend.Backend, cfg Config) (*Orchestrator, error) {
	if be == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "backend is nil")
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	cbConfig := DefaultCircuitBreakerConfig()
	if cfg.CircuitBreaker != nil {
		cbConfig = *cfg.CircuitBreaker
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	resolver := expressions.NewResolver()
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}

	return &Orchestrator{
		backend:     be,
		pool:        NewWorkerPool(cfg.PoolSize),
		circuitBkr:  NewCircuitBreakerRegistry(cbConfig),
		resolver:    resolver,
		conditions:  flow.NewConditionEvaluator(resolver, cel, expressions.NewExprEngine()),
		switches:    flow.NewSwitchRouter(resolver),
		loops:       flow.NewExpander(resolver, expressions.NewGoJQEngine()),
		history:     cfg.History,
		logger:      logger,
		dispatchSem: semaphore.NewWeighted(int64(cfg.PoolSize)),
	}, nil
}

// Shutdown stops the worker pool after in-flight work drains.
func (o *Orchestrator) Shutdown() {
	o.pool.Shutdown()
}

// Plan builds the graph and returns the dry-run preview without dispatching
// anything. The duration estimate sums, per level, the largest declared task
// timeout in that level (levels run sequentially, tasks within a level in
// parallel).
func (o *Orchestrator) Plan(spec *schema.WorkflowSpec) (*schema.ExecutionPlan, error) {
	g, err := graph.Build(spec)
	if err != nil {
		return nil, err
	}
	plan := g.Plan()

	var total time.Duration
	for _, level := range g.Levels {
		var levelMax time.Duration
		for _, id := range level {
			t := g.Tasks[id].Timeout
			if t == "" {
				continue
			}
			if d, err := time.ParseDuration(t); err == nil && d > levelMax {
				levelMax = d
			}
		}
		total += levelMax
	}
	plan.EstimatedDurationMs = total.Milliseconds()
	return plan, nil
}

// Execute runs a workflow to completion. The returned result is always
// complete: task failures, skips, and cancellation are recorded per task
// and reflected in Success and Error, not returned as the function error.
// The function error is reserved for spec-level problems (nil spec, cycles,
// undefined references, invalid timeouts).
func (o *Orchestrator) Execute(ctx context.Context, spec *schema.WorkflowSpec, inputs map[string]any) (*schema.ExecutionResult, error) {
	g, err := graph.Build(spec)
	if err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	ctx = logging.WithRunID(ctx, runID)
	log := logging.LogWith(ctx, o.logger)

	runCtx := ctx
	cancel := context.CancelFunc(func() {})
	if spec.Timeout != "" {
		dur, parseErr := time.ParseDuration(spec.Timeout)
		if parseErr != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"invalid workflow timeout %q: %s", spec.Timeout, parseErr.Error())
		}
		runCtx, cancel = context.WithTimeout(ctx, dur)
	}
	defer cancel()

	run := &taskRun{
		runID:    runID,
		g:        g,
		registry: expressions.NewOutputRegistry(mergeInputs(spec.Inputs, inputs)),
		states:   make(map[string]schema.TaskState, len(g.Tasks)),
		tasks:    make(map[string]*schema.TaskExecutionResult, len(g.Tasks)),
		tainted:  make(map[string]bool),
	}
	for id := range g.Tasks {
		run.states[id] = schema.TaskStatePending
	}

	startedAt := time.Now().UTC()
	log.InfoContext(ctx, "run started",
		slog.String("workflow", spec.Name),
		slog.Int("tasks", len(g.Tasks)),
		slog.Int("levels", len(g.Levels)))

	var runErr *schema.WeftError

levels:
	for _, level := range g.Levels {
		if runCtx.Err() != nil {
			break
		}

		var wg sync.WaitGroup
		for _, taskID := range level {
			task := g.Tasks[taskID]

			// A failed dependency, or one skipped because of an upstream
			// failure, skips the dependent before dispatch. The taint mark
			// carries the failure transitively down the graph.
			if dep, reason := o.failedDependency(run, taskID); dep != "" {
				run.markTainted(taskID)
				o.recordSkip(run, taskID, reason)
				continue
			}

			run.setState(taskID, schema.TaskStateReady)

			wg.Add(1)
			id, t := taskID, task
			err := o.pool.Submit(runCtx, func(taskCtx context.Context) error {
				defer wg.Done()
				o.executeTask(taskCtx, run, id, t)
				return nil
			})
			if err != nil {
				wg.Done()
				o.recordSkip(run, id, "run cancelled before dispatch")
			}
		}
		wg.Wait()

		if runCtx.Err() != nil {
			break levels
		}
	}

	// Anything not terminal at this point was cut off by cancellation.
	if runCtx.Err() != nil {
		for id, state := range run.snapshotStates() {
			if !state.IsTerminal() {
				o.recordSkip(run, id, "run cancelled")
			}
		}
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			runErr = schema.NewErrorf(schema.ErrCodeTimeout,
				"run exceeded workflow timeout %s", spec.Timeout)
		} else {
			runErr = schema.NewError(schema.ErrCodeCancelled, "run cancelled")
		}
	}

	completedAt := time.Now().UTC()
	result := &schema.ExecutionResult{
		RunID:           runID,
		Tasks:           run.snapshotTasks(),
		TotalDurationMs: completedAt.Sub(startedAt).Milliseconds(),
		StartedAt:       startedAt,
		CompletedAt:     completedAt,
	}

	failed := 0
	for _, tr := range result.Tasks {
		if tr.State == schema.TaskStateFailed {
			failed++
		}
	}
	result.Success = failed == 0 && runErr == nil
	if runErr == nil && failed > 0 {
		runErr = schema.NewErrorf(schema.ErrCodeTaskFailed, "%d of %d tasks failed", failed, len(result.Tasks))
	}
	result.Error = runErr

	log.InfoContext(ctx, "run finished",
		slog.Bool("success", result.Success),
		slog.Int("failed", failed),
		slog.Int64("duration_ms", result.TotalDurationMs))

	if o.history != nil {
		if err := o.history.RecordRun(ctx, spec, result); err != nil {
			log.WarnContext(ctx, "record run history", slog.String("error", err.Error()))
		}
	}
	return result, nil
}

// executeTask evaluates a task's gates and dispatches it, recording the
// terminal result on the run.
func (o *Orchestrator) executeTask(ctx context.Context, run *taskRun, taskID string, task *schema.TaskStep) {
	ctx = logging.WithTaskID(ctx, taskID)
	log := logging.LogWith(ctx, o.logger)
	started := time.Now()

	tctx := run.registry.Snapshot()

	// Condition gate.
	if task.Condition != "" {
		pass, err := o.conditions.Evaluate(ctx, task.Condition, tctx)
		if err != nil {
			o.recordFailure(run, taskID, started, err)
			return
		}
		if !pass {
			log.DebugContext(ctx, "condition not met, skipping")
			o.recordSkip(run, taskID, "condition not met")
			return
		}
	}

	run.setState(taskID, schema.TaskStateRunning)

	if task.ForEach != nil {
		o.executeLoopTask(ctx, run, taskID, task, tctx, started)
		return
	}

	output, err := o.dispatchOnce(ctx, taskID, task, tctx)
	if err != nil {
		o.recordFailure(run, taskID, started, err)
		return
	}
	o.recordSuccess(run, taskID, started, output, nil)
}

// executeLoopTask expands a forEach chain, dispatching the task body once
// per (innermost) iteration.
func (o *Orchestrator) executeLoopTask(ctx context.Context, run *taskRun, taskID string, task *schema.TaskStep, tctx *expressions.TemplateContext, started time.Time) {
	loopResult, err := o.loops.Expand(ctx, taskID, task.ForEach, tctx,
		func(iterCtx context.Context, scope *expressions.ForEachContext) (map[string]any, error) {
			return o.dispatchOnce(iterCtx, taskID, task, tctx.WithLoop(scope))
		})
	if err != nil {
		o.recordFailure(run, taskID, started, err)
		return
	}

	output := map[string]any{
		"outputs":       outputsAsAny(loopResult.Outputs),
		"success_count": loopResult.SuccessCount,
		"failure_count": loopResult.FailureCount,
		"item_count":    loopResult.ItemCount,
	}
	if loopResult.FailureCount > 0 {
		err := schema.NewErrorf(schema.ErrCodeTaskFailed,
			"%d of %d iterations failed", loopResult.FailureCount, loopResult.ItemCount).
			WithTask(taskID)
		o.recordLoopFailure(run, taskID, started, output, loopResult, err)
		return
	}
	o.recordSuccess(run, taskID, started, output, loopResult)
}

// dispatchOnce resolves the effective task ref and input (applying switch
// routing under the given template context) and dispatches it through the
// circuit breaker and retry policy.
func (o *Orchestrator) dispatchOnce(ctx context.Context, taskID string, task *schema.TaskStep, tctx *expressions.TemplateContext) (map[string]any, error) {
	taskRef := task.TaskRef
	inputSpec := task.Input

	if task.Switch != nil {
		picked, err := o.switches.Select(ctx, taskID, task.Switch, tctx)
		if err != nil {
			return nil, err
		}
		if picked.TaskRef != "" {
			taskRef = picked.TaskRef
		}
		if picked.Input != nil {
			inputSpec = picked.Input
		}
	}

	input, err := o.resolver.ResolveInput(inputSpec, tctx)
	if err != nil {
		if werr, ok := err.(*schema.WeftError); ok && werr.TaskID == "" {
			werr.TaskID = taskID
		}
		return nil, err
	}

	timeout, err := taskTimeout(task)
	if err != nil {
		return nil, err
	}

	// Circuit check happens before the first attempt; an open circuit with
	// a declared fallback substitutes the fallback dispatch instead.
	if err := o.circuitBkr.AllowRequest(taskRef); err != nil {
		if task.Fallback == nil {
			return nil, withTaskID(err, taskID)
		}
		fbInput, ferr := o.resolver.ResolveInput(task.Fallback.Input, tctx)
		if ferr != nil {
			return nil, withTaskID(ferr, taskID)
		}
		out, ferr := o.attempt(ctx, taskID, task.Fallback.TaskRef, fbInput, timeout)
		if ferr != nil {
			return nil, ferr
		}
		return out, nil
	}

	return o.dispatchWithRetry(ctx, taskID, taskRef, input, task.Retry, timeout)
}

// dispatchWithRetry runs attempts against the backend under the task's
// retry policy. Only retryable errors consume retry attempts; deterministic
// failures surface immediately.
func (o *Orchestrator) dispatchWithRetry(ctx context.Context, taskID, taskRef string, input map[string]any, policy *schema.RetryPolicy, timeout time.Duration) (map[string]any, error) {
	maxAttempts := 1
	if policy != nil && policy.Max > 0 {
		maxAttempts = policy.Max + 1
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			if err := WaitForBackoff(ctx, ComputeBackoff(policy, attempt-1)); err != nil {
				return nil, schema.NewError(schema.ErrCodeCancelled,
					"cancelled during retry backoff").WithTask(taskID).WithCause(err)
			}
		}

		output, err := o.attempt(ctx, taskID, taskRef, input, timeout)
		if err == nil {
			return output, nil
		}
		lastErr = err
		if !IsRetryableError(err) {
			break
		}
	}
	return nil, lastErr
}

// attempt is a single dispatch through the backend with the per-task
// timeout applied and the circuit breaker updated from the outcome. Every
// attempt holds a run-wide dispatch slot for the duration of the backend
// call, so a loop's effective parallelism is min(max_parallel, pool size).
func (o *Orchestrator) attempt(ctx context.Context, taskID, taskRef string, input map[string]any, timeout time.Duration) (map[string]any, error) {
	if err := o.dispatchSem.Acquire(ctx, 1); err != nil {
		return nil, schema.NewError(schema.ErrCodeCancelled,
			"cancelled while waiting for a dispatch slot").WithTask(taskID).WithCause(err)
	}
	defer o.dispatchSem.Release(1)

	attemptCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	res, err := o.backend.Execute(attemptCtx, taskRef, input)
	if err != nil {
		o.circuitBkr.RecordFailure(taskRef)
		if errors.Is(err, context.DeadlineExceeded) || (attemptCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil) {
			return nil, schema.NewErrorf(schema.ErrCodeTimeout,
				"task ref %q exceeded timeout %s", taskRef, timeout).WithTask(taskID).WithCause(err)
		}
		return nil, withTaskID(err, taskID)
	}
	if !res.Success {
		o.circuitBkr.RecordFailure(taskRef)
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"task ref %q failed: %s", taskRef, res.ErrorMessage).WithTask(taskID)
	}

	o.circuitBkr.RecordSuccess(taskRef)
	return res.Output, nil
}

// failedDependency returns the id of a dependency that failed, or that was
// itself skipped because an upstream task failed, together with the skip
// reason. Condition-skipped dependencies do not count: only failure taints
// dependents.
func (o *Orchestrator) failedDependency(run *taskRun, taskID string) (string, string) {
	run.mu.Lock()
	defer run.mu.Unlock()
	for _, dep := range run.g.Deps[taskID] {
		if run.states[dep] == schema.TaskStateFailed {
			return dep, "dependency " + dep + " failed"
		}
		if run.tainted[dep] {
			return dep, "dependency " + dep + " skipped after an upstream failure"
		}
	}
	return "", ""
}

func (r *taskRun) markTainted(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tainted[taskID] = true
}

func (o *Orchestrator) recordSkip(run *taskRun, taskID, reason string) {
	run.registry.MarkSkipped(taskID)
	run.mu.Lock()
	defer run.mu.Unlock()
	run.states[taskID] = schema.TaskStateSkipped
	run.tasks[taskID] = &schema.TaskExecutionResult{
		TaskID:       taskID,
		State:        schema.TaskStateSkipped,
		Success:      false,
		ErrorMessage: reason,
	}
}

func (o *Orchestrator) recordSuccess(run *taskRun, taskID string, started time.Time, output map[string]any, loop *schema.LoopResult) {
	if err := run.registry.AddOutput(taskID, output); err != nil {
		o.logger.Warn("register output", slog.String("task_id", taskID), slog.String("error", err.Error()))
	}
	run.mu.Lock()
	defer run.mu.Unlock()
	run.states[taskID] = schema.TaskStateSucceeded
	run.tasks[taskID] = &schema.TaskExecutionResult{
		TaskID:     taskID,
		State:      schema.TaskStateSucceeded,
		Success:    true,
		Output:     output,
		DurationMs: time.Since(started).Milliseconds(),
		Loop:       loop,
	}
}

func (o *Orchestrator) recordFailure(run *taskRun, taskID string, started time.Time, err error) {
	run.mu.Lock()
	defer run.mu.Unlock()
	run.states[taskID] = schema.TaskStateFailed
	run.tasks[taskID] = &schema.TaskExecutionResult{
		TaskID:       taskID,
		State:        schema.TaskStateFailed,
		Success:      false,
		ErrorMessage: err.Error(),
		DurationMs:   time.Since(started).Milliseconds(),
	}
}

func (o *Orchestrator) recordLoopFailure(run *taskRun, taskID string, started time.Time, output map[string]any, loop *schema.LoopResult, err error) {
	run.mu.Lock()
	defer run.mu.Unlock()
	run.states[taskID] = schema.TaskStateFailed
	run.tasks[taskID] = &schema.TaskExecutionResult{
		TaskID:       taskID,
		State:        schema.TaskStateFailed,
		Success:      false,
		Output:       output,
		ErrorMessage: err.Error(),
		DurationMs:   time.Since(started).Milliseconds(),
		Loop:         loop,
	}
}

func (r *taskRun) setState(taskID string, to schema.TaskState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if schema.CanTransition(r.states[taskID], to) {
		r.states[taskID] = to
	}
}

func (r *taskRun) snapshotStates() map[string]schema.TaskState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]schema.TaskState, len(r.states))
	for id, s := range r.states {
		out[id] = s
	}
	return out
}

func (r *taskRun) snapshotTasks() map[string]*schema.TaskExecutionResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]*schema.TaskExecutionResult, len(r.tasks))
	for id, tr := range r.tasks {
		out[id] = tr
	}
	return out
}

// taskTimeout resolves the per-attempt timeout from the task declaration.
// The workflow-level timeout bounds the whole run, not single attempts.
func taskTimeout(task *schema.TaskStep) (time.Duration, error) {
	raw := task.Timeout
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, schema.NewErrorf(schema.ErrCodeValidation,
			"invalid timeout %q for task %s", raw, task.ID).WithTask(task.ID)
	}
	return d, nil
}

func withTaskID(err error, taskID string) error {
	if werr, ok := err.(*schema.WeftError); ok && werr.TaskID == "" {
		werr.TaskID = taskID
	}
	return err
}

func mergeInputs(defaults, overrides map[string]any) map[string]any {
	merged := make(map[string]any, len(defaults)+len(overrides))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged
}

func outputsAsAny(outputs []map[string]any) []any {
	out := make([]any, len(outputs))
	for i, o := range outputs {
		out[i] = o
	}
	return out
}
