package flow

import (
	"context"

	"github.com/renfold/weft/internal/expressions"
	"github.com/renfold/weft/pkg/schema"
)

// SwitchRouter picks the effective task for a switch step. The switch value
// is resolved exactly once per evaluation; cases are compared in declaration
// order against their literal match strings and the first match wins.
type SwitchRouter struct {
	resolver *expressions.Resolver
}

// NewSwitchRouter creates a switch router.
func NewSwitchRouter(resolver *expressions.Resolver) *SwitchRouter {
	return &SwitchRouter{resolver: resolver}
}

// Select resolves the switch value and returns the matching case. When no
// case matches and no default is declared, the error carries the resolved
// value and the candidate literals.
func (r *SwitchRouter) Select(ctx context.Context, taskID string, sw *schema.SwitchSpec, tctx *expressions.TemplateContext) (*schema.SwitchCase, error) {
	if sw == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "switch spec is nil").WithTask(taskID)
	}
	if len(sw.Cases) == 0 && sw.Default == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "switch has no cases and no default").WithTask(taskID)
	}

	resolved, err := r.resolver.ResolveValue(sw.Value, tctx)
	if err != nil {
		return nil, err
	}
	value := expressions.FromAny(resolved).Stringify()

	for i := range sw.Cases {
		if sw.Cases[i].Match == value {
			return &sw.Cases[i], nil
		}
	}
	if sw.Default != nil {
		return sw.Default, nil
	}

	candidates := make([]string, len(sw.Cases))
	for i, c := range sw.Cases {
		candidates[i] = c.Match
	}
	return nil, schema.NewErrorf(schema.ErrCodeNoMatchingCase,
		"switch value %q matched no case", value).
		WithTask(taskID).
		WithDetails(map[string]any{"value": value, "cases": candidates})
}
