package expressions

import (
	"context"

	"github.com/renfold/weft/pkg/schema"
)

// Engine evaluates an expression against an environment map. Engines cache
// compiled expressions internally and are safe for concurrent use.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, env map[string]any) (any, error)
}

// EvaluateBool evaluates an expression and requires a boolean result.
// Non-boolean results are a type mismatch, not a truthiness coercion.
func EvaluateBool(ctx context.Context, eng Engine, expression string, env map[string]any) (bool, error) {
	out, err := eng.Evaluate(ctx, expression, env)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeTypeMismatch,
			"condition %q evaluated to %T, expected bool", expression, out)
	}
	return b, nil
}
