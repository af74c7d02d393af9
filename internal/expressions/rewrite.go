package expressions

import (
	"fmt"
	"strings"
)

// RewriteForEval prepares a condition or switch expression for an engine:
// each {{...}} reference is resolved against tctx and replaced with a
// generated refs.refN variable, so the engine sees plain identifiers and the
// comparison operators apply to already-resolved values.
//
// "{{tasks.a.output.n}} > 5 && {{input.flag}}" becomes
// "refs.ref0 > 5 && refs.ref1" with refs = {ref0: <n>, ref1: <flag>}.
func (r *Resolver) RewriteForEval(s string, tctx *TemplateContext) (string, map[string]any, error) {
	parts, err := splitTemplate(s)
	if err != nil {
		return "", nil, err
	}

	refs := make(map[string]any)
	var sb strings.Builder
	n := 0
	for _, p := range parts {
		if !p.expr {
			sb.WriteString(p.text)
			continue
		}
		v, err := r.resolveExpr(p.text, tctx)
		if err != nil {
			return "", nil, err
		}
		name := fmt.Sprintf("ref%d", n)
		n++
		refs[name] = v.Interface()
		sb.WriteString("refs." + name)
	}
	return sb.String(), refs, nil
}
