package flow

import (
	"context"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/renfold/weft/internal/expressions"
	"github.com/renfold/weft/pkg/schema"
)

// jqPrefix selects the gojq engine for an items expression, letting a loop
// iterate a filtered or reshaped projection of upstream data.
const jqPrefix = "jq:"

// IterationFunc runs one loop iteration under its scope frame and returns
// the iteration's output.
type IterationFunc func(ctx context.Context, scope *expressions.ForEachContext) (map[string]any, error)

// iterationOutcome is the recorded result of a single iteration.
type iterationOutcome struct {
	output map[string]any
	err    error
}

// Expander runs forEach expansions: it resolves the items expression to an
// ordered list, spawns one iteration per element bounded by max_parallel,
// and aggregates outcomes in iteration order regardless of completion order.
// Nested loops expand recursively with the outer frame linked as parent.
type Expander struct {
	resolver *expressions.Resolver
	jq       *expressions.GoJQEngine
}

// NewExpander creates a forEach expander.
func NewExpander(resolver *expressions.Resolver, jq *expressions.GoJQEngine) *Expander {
	return &Expander{resolver: resolver, jq: jq}
}

// Expand runs a loop chain for one task. One iteration's failure never
// cancels its siblings; it is recorded in the aggregate counts and the run
// continues. The returned LoopResult's Outputs align index-for-index with
// the resolved items list.
func (e *Expander) Expand(ctx context.Context, taskID string, fe *schema.ForEachSpec, tctx *expressions.TemplateContext, run IterationFunc) (*schema.LoopResult, error) {
	if fe == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "forEach spec is nil").WithTask(taskID)
	}
	if depth := fe.NestingDepth(); depth > schema.MaxNestingDepth {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"forEach nesting depth %d exceeds maximum %d", depth, schema.MaxNestingDepth).
			WithTask(taskID)
	}
	return e.expand(ctx, taskID, fe, tctx, run)
}

func (e *Expander) expand(ctx context.Context, taskID string, fe *schema.ForEachSpec, tctx *expressions.TemplateContext, run IterationFunc) (*schema.LoopResult, error) {
	items, err := e.resolveItems(ctx, taskID, fe.Items, tctx)
	if err != nil {
		return nil, err
	}

	result := &schema.LoopResult{
		Outputs:   make([]map[string]any, len(items)),
		ItemCount: len(items),
	}
	if len(items) == 0 {
		return result, nil
	}

	limit := int64(fe.MaxParallel)
	if limit <= 0 {
		limit = int64(len(items))
	}
	sem := semaphore.NewWeighted(limit)

	outcomes := make([]iterationOutcome, len(items))
	var wg sync.WaitGroup
	for i, item := range items {
		if err := sem.Acquire(ctx, 1); err != nil {
			outcomes[i] = iterationOutcome{err: schema.NewError(schema.ErrCodeCancelled,
				"iteration cancelled before start").WithTask(taskID).WithCause(err)}
			continue
		}

		wg.Add(1)
		go func(i int, item any) {
			defer wg.Done()
			defer sem.Release(1)

			scope := expressions.NewForEachContext(tctx.Loop, fe.ItemVar, item, i)
			if fe.Inner != nil {
				inner, err := e.expand(ctx, taskID, fe.Inner, tctx.WithLoop(scope), run)
				if err != nil {
					outcomes[i] = iterationOutcome{err: err}
					return
				}
				out := map[string]any{
					"outputs":       inner.Outputs,
					"success_count": inner.SuccessCount,
					"failure_count": inner.FailureCount,
					"item_count":    inner.ItemCount,
				}
				if inner.FailureCount > 0 {
					outcomes[i] = iterationOutcome{output: out, err: schema.NewErrorf(
						schema.ErrCodeTaskFailed, "%d of %d inner iterations failed",
						inner.FailureCount, inner.ItemCount).WithTask(taskID)}
					return
				}
				outcomes[i] = iterationOutcome{output: out}
				return
			}

			out, err := run(ctx, scope)
			outcomes[i] = iterationOutcome{output: out, err: err}
		}(i, item)
	}
	wg.Wait()

	for i, oc := range outcomes {
		result.Outputs[i] = oc.output
		if oc.err != nil {
			result.FailureCount++
		} else {
			result.SuccessCount++
		}
	}
	return result, nil
}

// resolveItems evaluates the items expression to an ordered list. The
// "jq:" prefix routes the expression through gojq with the input and task
// outputs as the query document; otherwise it is a template reference.
func (e *Expander) resolveItems(ctx context.Context, taskID, itemsExpr string, tctx *expressions.TemplateContext) ([]any, error) {
	var resolved any
	var err error

	if query, ok := strings.CutPrefix(itemsExpr, jqPrefix); ok {
		doc := map[string]any{
			"input": tctx.Inputs,
			"tasks": tasksAsAny(tctx.Tasks),
			"iter":  iterScope(tctx.Loop),
		}
		resolved, err = e.jq.Evaluate(ctx, strings.TrimSpace(query), doc)
	} else {
		resolved, err = e.resolver.ResolveValue(itemsExpr, tctx)
	}
	if err != nil {
		return nil, err
	}

	items, err := expressions.FromAny(resolved).AsList()
	if err != nil {
		if werr, ok := err.(*schema.WeftError); ok {
			werr.Message = "forEach items expression " + itemsExpr + ": " + werr.Message
			return nil, werr.WithTask(taskID)
		}
		return nil, err
	}
	return items, nil
}
