package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/renfold/weft/pkg/schema"
)

// fakeRunner records executions and signals each firing on a channel.
type fakeRunner struct {
	mu    sync.Mutex
	runs  []string
	fired chan string
	block chan struct{} // non-nil: firings wait here before returning
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{fired: make(chan string, 16)}
}

func (f *fakeRunner) Execute(ctx context.Context, spec *schema.WorkflowSpec, inputs map[string]any) (*schema.ExecutionResult, error) {
	f.mu.Lock()
	f.runs = append(f.runs, spec.Name)
	f.mu.Unlock()
	f.fired <- spec.Name
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
		}
	}
	return &schema.ExecutionResult{RunID: "run-1", Success: true}, nil
}

func (f *fakeRunner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.runs)
}

func minimalSpec(name string) *schema.WorkflowSpec {
	return &schema.WorkflowSpec{
		Name:  name,
		Tasks: []schema.TaskStep{{ID: "a", TaskRef: "noop"}},
	}
}

func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	werr, ok := err.(*schema.WeftError)
	require.True(t, ok, "expected *schema.WeftError, got %T: %v", err, err)
	require.Equal(t, code, werr.Code)
}

func TestScheduler_AddValidatesCron(t *testing.T) {
	s := New(newFakeRunner(), nil, time.Minute)

	require.NoError(t, s.Add("nightly", "0 2 * * *", minimalSpec("backup"), nil))

	err := s.Add("bad", "every tuesday", minimalSpec("x"), nil)
	requireCode(t, err, schema.ErrCodeValidation)

	err = s.Add("", "0 2 * * *", minimalSpec("x"), nil)
	requireCode(t, err, schema.ErrCodeValidation)

	err = s.Add("no-spec", "0 2 * * *", nil, nil)
	requireCode(t, err, schema.ErrCodeValidation)
}

func TestScheduler_AddDuplicateConflicts(t *testing.T) {
	s := New(newFakeRunner(), nil, time.Minute)
	require.NoError(t, s.Add("nightly", "0 2 * * *", minimalSpec("backup"), nil))

	err := s.Add("nightly", "0 3 * * *", minimalSpec("other"), nil)
	requireCode(t, err, schema.ErrCodeConflict)
}

func TestScheduler_RemoveAndSetEnabled(t *testing.T) {
	s := New(newFakeRunner(), nil, time.Minute)
	require.NoError(t, s.Add("nightly", "0 2 * * *", minimalSpec("backup"), nil))

	require.NoError(t, s.SetEnabled("nightly", false))
	assert.False(t, s.List()[0].Enabled)
	require.NoError(t, s.SetEnabled("nightly", true))

	requireCode(t, s.SetEnabled("ghost", true), schema.ErrCodeNotFound)

	require.NoError(t, s.Remove("nightly"))
	requireCode(t, s.Remove("nightly"), schema.ErrCodeNotFound)
	assert.Empty(t, s.List())
}

func TestScheduler_ListSortedSnapshots(t *testing.T) {
	s := New(newFakeRunner(), nil, time.Minute)
	require.NoError(t, s.Add("zeta", "0 2 * * *", minimalSpec("z"), nil))
	require.NoError(t, s.Add("alpha", "0 2 * * *", minimalSpec("a"), nil))

	list := s.List()
	require.Len(t, list, 2)
	assert.Equal(t, "alpha", list[0].ID)
	assert.Equal(t, "zeta", list[1].ID)

	// Snapshots do not alias registry state.
	list[0].Enabled = false
	assert.True(t, s.List()[0].Enabled)
}

func TestScheduler_CalculateNextRun(t *testing.T) {
	s := New(newFakeRunner(), nil, time.Minute)
	from := time.Date(2026, 3, 10, 1, 30, 0, 0, time.UTC)

	next, err := s.CalculateNextRun("0 2 * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 10, 2, 0, 0, 0, time.UTC), next)

	next, err = s.CalculateNextRun("*/15 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 10, 1, 45, 0, 0, time.UTC), next)

	_, err = s.CalculateNextRun("nope", from)
	require.Error(t, err)
}

func TestScheduler_FiresDueSchedule(t *testing.T) {
	runner := newFakeRunner()
	s := New(runner, nil, 10*time.Millisecond)

	require.NoError(t, s.Add("every-minute", "* * * * *", minimalSpec("heartbeat"), nil))
	// Force the schedule due so the first tick fires it.
	s.mu.Lock()
	s.schedules["every-minute"].NextRunAt = time.Now().UTC().Add(-time.Second)
	s.mu.Unlock()

	require.NoError(t, s.Start(context.Background()))
	defer func() { require.NoError(t, s.Stop()) }()

	select {
	case name := <-runner.fired:
		assert.Equal(t, "heartbeat", name)
	case <-time.After(time.Second):
		t.Fatal("schedule never fired")
	}

	// Firing advances the due time and records the outcome.
	deadline := time.Now().Add(time.Second)
	for {
		sched := s.List()[0]
		if sched.LastRunAt != nil {
			assert.Equal(t, "success", sched.LastStatus)
			assert.True(t, sched.NextRunAt.After(time.Now().UTC().Add(-time.Minute)))
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("schedule state never updated")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestScheduler_InflightDedup(t *testing.T) {
	runner := newFakeRunner()
	runner.block = make(chan struct{})
	s := New(runner, nil, 5*time.Millisecond)

	require.NoError(t, s.Add("slow", "* * * * *", minimalSpec("slow-job"), nil))
	s.mu.Lock()
	// Keep the schedule permanently due so every tick would re-fire it.
	s.schedules["slow"].NextRunAt = time.Now().UTC().Add(-time.Hour)
	s.mu.Unlock()

	require.NoError(t, s.Start(context.Background()))

	<-runner.fired
	// Several poll intervals pass while the first firing is still running.
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, runner.count())

	close(runner.block)
	require.NoError(t, s.Stop())
}

func TestScheduler_DisabledScheduleDoesNotFire(t *testing.T) {
	runner := newFakeRunner()
	s := New(runner, nil, 5*time.Millisecond)

	require.NoError(t, s.Add("paused", "* * * * *", minimalSpec("paused-job"), nil))
	s.mu.Lock()
	s.schedules["paused"].NextRunAt = time.Now().UTC().Add(-time.Hour)
	s.mu.Unlock()
	require.NoError(t, s.SetEnabled("paused", false))

	require.NoError(t, s.Start(context.Background()))
	time.Sleep(25 * time.Millisecond)
	require.NoError(t, s.Stop())

	assert.Zero(t, runner.count())
}

func TestScheduler_StartTwiceFails(t *testing.T) {
	s := New(newFakeRunner(), nil, time.Minute)
	require.NoError(t, s.Start(context.Background()))
	defer func() { require.NoError(t, s.Stop()) }()

	require.Error(t, s.Start(context.Background()))
}

func TestScheduler_StopWithoutStart(t *testing.T) {
	s := New(newFakeRunner(), nil, time.Minute)
	require.NoError(t, s.Stop())
}
