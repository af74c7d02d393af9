package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/renfold/weft/pkg/schema"
)

// Runner is the interface the scheduler drives. Satisfied by the engine
// orchestrator (avoids an import cycle).
type Runner interface {
	Execute(ctx context.Context, spec *schema.WorkflowSpec, inputs map[string]any) (*schema.ExecutionResult, error)
}

// Schedule is one registered recurring run.
type Schedule struct {
	ID         string               `json:"id"`
	CronExpr   string               `json:"cron_expr"`
	Spec       *schema.WorkflowSpec `json:"spec"`
	Inputs     map[string]any       `json:"inputs,omitempty"`
	Enabled    bool                 `json:"enabled"`
	NextRunAt  time.Time            `json:"next_run_at"`
	LastRunAt  *time.Time           `json:"last_run_at,omitempty"`
	LastStatus string               `json:"last_status,omitempty"`
}

// Scheduler keeps an in-memory registry of cron schedules and fires due
// ones against the runner on a polling tick. A schedule whose previous
// firing is still executing is not fired again (in-flight dedup).
type Scheduler struct {
	runner   Runner
	parser   cron.Parser
	logger   *slog.Logger
	interval time.Duration

	mu        sync.Mutex
	schedules map[string]*Schedule
	cancel    context.CancelFunc
	done      chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

// New creates a Scheduler polling at the given interval (<= 0 means 60s).
func New(runner Runner, logger *slog.Logger, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		runner:    runner,
		parser:    cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:    logger,
		interval:  interval,
		schedules: make(map[string]*Schedule),
		inflight:  make(map[string]struct{}),
	}
}

// Add registers a schedule. The cron expression is validated and the first
// due time computed immediately.
func (s *Scheduler) Add(id, cronExpr string, spec *schema.WorkflowSpec, inputs map[string]any) error {
	if id == "" {
		return schema.NewError(schema.ErrCodeValidation, "schedule id is empty")
	}
	if spec == nil {
		return schema.NewError(schema.ErrCodeValidation, "schedule spec is nil")
	}
	next, err := s.CalculateNextRun(cronExpr, time.Now().UTC())
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"invalid cron expression %q: %s", cronExpr, err.Error())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.schedules[id]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "schedule %q already registered", id)
	}
	s.schedules[id] = &Schedule{
		ID:        id,
		CronExpr:  cronExpr,
		Spec:      spec,
		Inputs:    inputs,
		Enabled:   true,
		NextRunAt: next,
	}
	return nil
}

// Remove deletes a schedule.
func (s *Scheduler) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.schedules[id]; !exists {
		return schema.NewErrorf(schema.ErrCodeNotFound, "schedule %q not found", id)
	}
	delete(s.schedules, id)
	return nil
}

// SetEnabled toggles a schedule.
func (s *Scheduler) SetEnabled(id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sched, exists := s.schedules[id]
	if !exists {
		return schema.NewErrorf(schema.ErrCodeNotFound, "schedule %q not found", id)
	}
	sched.Enabled = enabled
	return nil
}

// List returns snapshots of all schedules, sorted by id.
func (s *Scheduler) List() []Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Schedule, 0, len(s.schedules))
	for _, sched := range s.schedules {
		out = append(out, *sched)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Start launches the background polling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Duration("interval", s.interval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Run an initial tick immediately.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick fires every enabled schedule that is due.
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now().UTC()

	s.mu.Lock()
	var due []*Schedule
	for _, sched := range s.schedules {
		if sched.Enabled && !sched.NextRunAt.After(now) {
			due = append(due, sched)
		}
	}
	s.mu.Unlock()

	for _, sched := range due {
		if !s.tryAcquire(sched.ID) {
			continue
		}
		go func(sched *Schedule) {
			defer s.release(sched.ID)
			s.fire(ctx, sched, now)
		}(sched)
	}
}

// fire runs one due schedule and advances its timestamps.
func (s *Scheduler) fire(ctx context.Context, sched *Schedule, now time.Time) {
	s.logger.Info("firing schedule", slog.String("schedule_id", sched.ID))

	result, err := s.runner.Execute(ctx, sched.Spec, sched.Inputs)
	status := "success"
	if err != nil {
		status = "error"
		s.logger.Error("scheduled run failed",
			slog.String("schedule_id", sched.ID),
			slog.String("error", err.Error()))
	} else if !result.Success {
		status = "failed"
		s.logger.Warn("scheduled run completed with failures",
			slog.String("schedule_id", sched.ID),
			slog.String("run_id", result.RunID))
	}

	next, calcErr := s.CalculateNextRun(sched.CronExpr, now)

	s.mu.Lock()
	defer s.mu.Unlock()
	fired := now
	sched.LastRunAt = &fired
	sched.LastStatus = status
	if calcErr == nil {
		sched.NextRunAt = next
	} else {
		sched.Enabled = false
		s.logger.Error("disabling schedule with unparseable cron",
			slog.String("schedule_id", sched.ID),
			slog.String("error", calcErr.Error()))
	}
}

func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}

// CalculateNextRun computes the next fire time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the polling loop. The lock is released before
// waiting: the loop's tick takes it too.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done

	s.logger.Info("scheduler stopped")
	return nil
}
