package expressions

import (
	"strconv"
	"strings"

	"github.com/renfold/weft/pkg/schema"
)

// Resolver evaluates {{...}} template expressions against a TemplateContext.
// Three namespaces are supported:
//
//	input.<path>                  workflow inputs
//	tasks.<id>.output.<path>      a completed task's output
//	forEach.<var|$parent|$root>   the current iteration scope chain
//
// Paths use dotted fields with optional [n] index suffixes, e.g.
// "items[0].name". A string containing a single expression resolves to the
// referenced value with its type preserved; mixed literal and expression
// content concatenates the stringified pieces.
type Resolver struct{}

// NewResolver creates a template resolver.
func NewResolver() *Resolver {
	return &Resolver{}
}

// HasTemplate reports whether s contains at least one template expression.
func HasTemplate(s string) bool {
	open := strings.Index(s, "{{")
	return open >= 0 && strings.Index(s[open:], "}}") > 0
}

// ResolveValue resolves a string that may be a template. If the string is
// exactly one expression, the referenced value is returned with its type
// preserved (numbers stay numbers, lists stay lists). Otherwise the result
// is the concatenated string form.
func (r *Resolver) ResolveValue(s string, tctx *TemplateContext) (any, error) {
	parts, err := splitTemplate(s)
	if err != nil {
		return nil, err
	}
	if len(parts) == 1 && parts[0].expr {
		v, err := r.resolveExpr(parts[0].text, tctx)
		if err != nil {
			return nil, err
		}
		return v.Interface(), nil
	}
	return r.joinParts(parts, tctx)
}

// ResolveString resolves a template to its string form, concatenating
// literal and expression segments.
func (r *Resolver) ResolveString(s string, tctx *TemplateContext) (string, error) {
	parts, err := splitTemplate(s)
	if err != nil {
		return "", err
	}
	return r.joinParts(parts, tctx)
}

// ResolveInput resolves every value of a task input map.
func (r *Resolver) ResolveInput(input map[string]string, tctx *TemplateContext) (map[string]any, error) {
	resolved := make(map[string]any, len(input))
	for key, raw := range input {
		v, err := r.ResolveValue(raw, tctx)
		if err != nil {
			return nil, err
		}
		resolved[key] = v
	}
	return resolved, nil
}

func (r *Resolver) joinParts(parts []templatePart, tctx *TemplateContext) (string, error) {
	var sb strings.Builder
	for _, p := range parts {
		if !p.expr {
			sb.WriteString(p.text)
			continue
		}
		v, err := r.resolveExpr(p.text, tctx)
		if err != nil {
			return "", err
		}
		sb.WriteString(v.Stringify())
	}
	return sb.String(), nil
}

// resolveExpr evaluates a single bare expression (the content between the
// braces, already trimmed).
func (r *Resolver) resolveExpr(expr string, tctx *TemplateContext) (Value, error) {
	segs, err := parsePath(expr)
	if err != nil {
		return Value{}, err
	}
	if len(segs) == 0 {
		return Value{}, schema.NewError(schema.ErrCodeUndefinedRef, "empty expression")
	}

	switch segs[0].key {
	case "input":
		return navigate(FromAny(tctx.Inputs), segs[1:], expr)
	case "tasks":
		return r.resolveTaskRef(segs[1:], expr, tctx)
	case "forEach":
		return r.resolveLoopRef(segs[1:], expr, tctx)
	default:
		return Value{}, schema.NewErrorf(schema.ErrCodeUndefinedRef,
			"unknown namespace %q in expression %q", segs[0].key, expr)
	}
}

func (r *Resolver) resolveTaskRef(segs []pathSeg, expr string, tctx *TemplateContext) (Value, error) {
	if len(segs) < 2 || segs[0].isIndex || segs[1].isIndex || segs[1].key != "output" {
		return Value{}, schema.NewErrorf(schema.ErrCodeUndefinedRef,
			"malformed task reference %q: expected tasks.<id>.output.<path>", expr)
	}
	taskID := segs[0].key

	// A skipped task's output is absent, not an error.
	if tctx.Skipped[taskID] {
		return Value{kind: KindNull}, nil
	}
	output, ok := tctx.Tasks[taskID]
	if !ok {
		return Value{}, schema.NewErrorf(schema.ErrCodeUndefinedRef,
			"task %q has no registered output", taskID).WithTask(taskID)
	}
	return navigate(FromAny(output), segs[2:], expr)
}

func (r *Resolver) resolveLoopRef(segs []pathSeg, expr string, tctx *TemplateContext) (Value, error) {
	if len(segs) == 0 || segs[0].isIndex {
		return Value{}, schema.NewErrorf(schema.ErrCodeUndefinedRef,
			"malformed loop reference %q", expr)
	}

	scope := tctx.Loop
	switch segs[0].key {
	case "$parent":
		if scope == nil || scope.Parent == nil {
			return Value{}, schema.NewErrorf(schema.ErrCodeNoParentScope,
				"no parent scope available for %q", expr)
		}
		scope = scope.Parent
		segs = segs[1:]
	case "$root":
		if scope == nil {
			return Value{}, schema.NewErrorf(schema.ErrCodeNoParentScope,
				"no loop scope available for %q", expr)
		}
		scope = scope.Root()
		segs = segs[1:]
	}

	if len(segs) == 0 || segs[0].isIndex {
		return Value{}, schema.NewErrorf(schema.ErrCodeUndefinedRef,
			"loop reference %q is missing an item variable", expr)
	}
	if scope == nil {
		return Value{}, schema.NewErrorf(schema.ErrCodeUndefinedRef,
			"loop variable %q referenced outside a forEach scope", segs[0].key)
	}

	// A bare name searches the chain; after $parent/$root the name must
	// match the selected scope's variable exactly.
	if scope == tctx.Loop {
		found := scope.Find(segs[0].key)
		if found == nil {
			return Value{}, schema.NewErrorf(schema.ErrCodeUndefinedRef,
				"no enclosing loop binds variable %q", segs[0].key)
		}
		scope = found
	} else if scope.ItemVar != segs[0].key {
		return Value{}, schema.NewErrorf(schema.ErrCodeUndefinedRef,
			"scope binds variable %q, not %q", scope.ItemVar, segs[0].key)
	}
	segs = segs[1:]

	// <var>.index yields the iteration index instead of the item.
	if len(segs) == 1 && !segs[0].isIndex && segs[0].key == "index" {
		return FromAny(scope.Index), nil
	}
	return navigate(FromAny(scope.Item), segs, expr)
}

func navigate(root Value, segs []pathSeg, expr string) (Value, error) {
	cur := root
	for _, seg := range segs {
		var err error
		if seg.isIndex {
			cur, err = cur.Index(seg.index)
		} else {
			cur, err = cur.Field(seg.key)
		}
		if err != nil {
			werr, ok := err.(*schema.WeftError)
			if ok {
				werr.Message = werr.Message + " (in expression " + strconv.Quote(expr) + ")"
			}
			return Value{}, err
		}
	}
	return cur, nil
}

type templatePart struct {
	text string
	expr bool
}

// splitTemplate breaks a raw string into alternating literal and expression
// parts. An unterminated "{{" is a validation error.
func splitTemplate(s string) ([]templatePart, error) {
	var parts []templatePart
	rest := s
	for {
		open := strings.Index(rest, "{{")
		if open < 0 {
			if rest != "" || len(parts) == 0 {
				parts = append(parts, templatePart{text: rest})
			}
			return parts, nil
		}
		close := strings.Index(rest[open+2:], "}}")
		if close < 0 {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"unterminated template expression in %q", s)
		}
		if open > 0 {
			parts = append(parts, templatePart{text: rest[:open]})
		}
		inner := strings.TrimSpace(rest[open+2 : open+2+close])
		parts = append(parts, templatePart{text: inner, expr: true})
		rest = rest[open+2+close+2:]
	}
}

type pathSeg struct {
	key     string
	isIndex bool
	index   int
}

// parsePath splits a dotted path with optional [n] suffixes into segments.
// "tasks.list.output.items[0].name" becomes
// [tasks list output items [0] name].
func parsePath(path string) ([]pathSeg, error) {
	var segs []pathSeg
	for _, field := range strings.Split(path, ".") {
		if field == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"empty path segment in %q", path)
		}
		name := field
		var brackets []int
		for {
			open := strings.Index(name, "[")
			if open < 0 {
				break
			}
			close := strings.Index(name, "]")
			if close < open {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"malformed index in path segment %q", field)
			}
			idx, err := strconv.Atoi(name[open+1 : close])
			if err != nil || idx < 0 {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"invalid index in path segment %q", field)
			}
			brackets = append(brackets, idx)
			name = name[:open] + name[close+1:]
		}
		if name != "" {
			segs = append(segs, pathSeg{key: name})
		}
		for _, idx := range brackets {
			segs = append(segs, pathSeg{isIndex: true, index: idx})
		}
	}
	return segs, nil
}
