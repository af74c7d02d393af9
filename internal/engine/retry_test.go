package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/renfold/weft/pkg/schema"
)

func TestIsRetryableError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"cancelled", context.Canceled, false},
		{"execution error", schema.NewError(schema.ErrCodeExecution, "backend failed"), true},
		{"timeout error", schema.NewError(schema.ErrCodeTimeout, "attempt timed out"), true},
		{"validation error", schema.NewError(schema.ErrCodeValidation, "bad spec"), false},
		{"undefined ref", schema.NewError(schema.ErrCodeUndefinedRef, "no such task"), false},
		{"type mismatch", schema.NewError(schema.ErrCodeTypeMismatch, "not a list"), false},
		{"connection refused", errors.New("dial tcp: connection refused"), true},
		{"generic error", errors.New("something odd"), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsRetryableError(tc.err); got != tc.want {
				t.Fatalf("IsRetryableError(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestComputeBackoff(t *testing.T) {
	cases := []struct {
		name    string
		policy  *schema.RetryPolicy
		attempt int
		want    time.Duration
	}{
		{"nil policy", nil, 0, 0},
		{"no delay", &schema.RetryPolicy{Max: 3}, 0, 0},
		{"constant", &schema.RetryPolicy{Delay: "100ms", Backoff: "constant"}, 2, 100 * time.Millisecond},
		{"none defaults to base", &schema.RetryPolicy{Delay: "100ms"}, 2, 100 * time.Millisecond},
		{"linear first", &schema.RetryPolicy{Delay: "100ms", Backoff: "linear"}, 0, 100 * time.Millisecond},
		{"linear third", &schema.RetryPolicy{Delay: "100ms", Backoff: "linear"}, 2, 300 * time.Millisecond},
		{"exponential first", &schema.RetryPolicy{Delay: "100ms", Backoff: "exponential"}, 0, 100 * time.Millisecond},
		{"exponential third", &schema.RetryPolicy{Delay: "100ms", Backoff: "exponential"}, 2, 400 * time.Millisecond},
		{"max delay cap", &schema.RetryPolicy{Delay: "1s", Backoff: "exponential", MaxDelay: "2s"}, 5, 2 * time.Second},
		{"bad delay", &schema.RetryPolicy{Delay: "not-a-duration"}, 1, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ComputeBackoff(tc.policy, tc.attempt); got != tc.want {
				t.Fatalf("ComputeBackoff = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestWaitForBackoff_ZeroReturnsImmediately(t *testing.T) {
	start := time.Now()
	if err := WaitForBackoff(context.Background(), 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Millisecond {
		t.Fatalf("zero backoff waited %v", elapsed)
	}
}

func TestWaitForBackoff_CancelledDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	err := WaitForBackoff(ctx, time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
