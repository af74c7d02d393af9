package flow

import (
	"context"
	"strings"

	"github.com/renfold/weft/internal/expressions"
)

// exprPrefix selects the expr-lang engine for a condition instead of the
// default CEL engine.
const exprPrefix = "expr:"

// ConditionEvaluator decides whether a guarded task runs. Conditions are
// boolean expressions over resolved {{...}} references; a non-boolean
// result is a type mismatch, never a truthiness coercion.
type ConditionEvaluator struct {
	resolver *expressions.Resolver
	cel      *expressions.CELEngine
	expr     *expressions.ExprEngine
}

// NewConditionEvaluator wires the evaluator to its engines.
func NewConditionEvaluator(resolver *expressions.Resolver, cel *expressions.CELEngine, expr *expressions.ExprEngine) *ConditionEvaluator {
	return &ConditionEvaluator{resolver: resolver, cel: cel, expr: expr}
}

// Evaluate resolves the condition's template references and evaluates the
// rewritten expression. An empty condition always passes.
func (e *ConditionEvaluator) Evaluate(ctx context.Context, condition string, tctx *expressions.TemplateContext) (bool, error) {
	condition = strings.TrimSpace(condition)
	if condition == "" {
		return true, nil
	}

	var eng expressions.Engine = e.cel
	if rest, ok := strings.CutPrefix(condition, exprPrefix); ok {
		eng = e.expr
		condition = strings.TrimSpace(rest)
	}

	rewritten, refs, err := e.resolver.RewriteForEval(condition, tctx)
	if err != nil {
		return false, err
	}

	env := map[string]any{
		"refs":  refs,
		"input": tctx.Inputs,
		"tasks": tasksAsAny(tctx.Tasks),
		"iter":  iterScope(tctx.Loop),
	}
	return expressions.EvaluateBool(ctx, eng, rewritten, env)
}

func tasksAsAny(tasks map[string]map[string]any) map[string]any {
	out := make(map[string]any, len(tasks))
	for id, output := range tasks {
		out[id] = output
	}
	return out
}

func iterScope(loop *expressions.ForEachContext) map[string]any {
	if loop == nil {
		return map[string]any{}
	}
	return map[string]any{
		"item":  loop.Item,
		"index": loop.Index,
		"var":   loop.ItemVar,
	}
}
