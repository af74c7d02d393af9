package flow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/renfold/weft/internal/expressions"
	"github.com/renfold/weft/pkg/schema"
)

func newConditionEvaluator(t *testing.T) *ConditionEvaluator {
	t.Helper()
	cel, err := expressions.NewCELEngine()
	require.NoError(t, err)
	return NewConditionEvaluator(expressions.NewResolver(), cel, expressions.NewExprEngine())
}

func conditionContext() *expressions.TemplateContext {
	return &expressions.TemplateContext{
		Inputs: map[string]any{"env": "prod", "count": float64(12)},
		Tasks: map[string]map[string]any{
			"check": {"status": "ok", "score": float64(0.8)},
		},
		Skipped: map[string]bool{"opt": true},
	}
}

func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	werr, ok := err.(*schema.WeftError)
	require.True(t, ok, "expected *schema.WeftError, got %T: %v", err, err)
	require.Equal(t, code, werr.Code, "message: %s", werr.Message)
}

func TestConditionEvaluator_Operators(t *testing.T) {
	e := newConditionEvaluator(t)
	ctx := context.Background()
	tctx := conditionContext()

	cases := []struct {
		cond string
		want bool
	}{
		{`{{tasks.check.output.status}} == "ok"`, true},
		{`{{tasks.check.output.status}} != "ok"`, false},
		{`{{input.count}} > 10`, true},
		{`{{input.count}} <= 10`, false},
		{`{{input.count}} >= 12`, true},
		{`{{tasks.check.output.score}} < 0.9`, true},
		{`{{input.env}} == "prod" && {{input.count}} > 10`, true},
		{`{{input.env}} == "dev" || {{input.count}} > 10`, true},
		{`!({{input.env}} == "dev")`, true},
	}
	for _, tc := range cases {
		got, err := e.Evaluate(ctx, tc.cond, tctx)
		require.NoError(t, err, "condition %q", tc.cond)
		assert.Equal(t, tc.want, got, "condition %q", tc.cond)
	}
}

func TestConditionEvaluator_EmptyAlwaysPasses(t *testing.T) {
	e := newConditionEvaluator(t)
	got, err := e.Evaluate(context.Background(), "", conditionContext())
	require.NoError(t, err)
	assert.True(t, got)
}

func TestConditionEvaluator_ExprPrefix(t *testing.T) {
	e := newConditionEvaluator(t)
	got, err := e.Evaluate(context.Background(),
		`expr: {{input.count}} > 10 && {{input.env}} != "dev"`, conditionContext())
	require.NoError(t, err)
	assert.True(t, got)
}

func TestConditionEvaluator_NonBooleanIsTypeMismatch(t *testing.T) {
	e := newConditionEvaluator(t)
	_, err := e.Evaluate(context.Background(), `{{input.count}}`, conditionContext())
	requireCode(t, err, schema.ErrCodeTypeMismatch)
}

func TestConditionEvaluator_UndefinedRefSurfaces(t *testing.T) {
	e := newConditionEvaluator(t)
	_, err := e.Evaluate(context.Background(), `{{tasks.ghost.output.x}} == 1`, conditionContext())
	requireCode(t, err, schema.ErrCodeUndefinedRef)
}

func TestConditionEvaluator_SkippedRefIsNull(t *testing.T) {
	e := newConditionEvaluator(t)
	got, err := e.Evaluate(context.Background(),
		`{{tasks.opt.output.flag}} == null`, conditionContext())
	require.NoError(t, err)
	assert.True(t, got)
}
