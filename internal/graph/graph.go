package graph

import (
	"sort"
	"strings"

	"github.com/renfold/weft/internal/expressions"
	"github.com/renfold/weft/pkg/schema"
)

// Graph is the immutable dependency graph built from a workflow spec.
// Dependencies merge two sources: explicit depends_on declarations and
// implicit edges discovered from tasks.<id>.output references in task
// inputs, conditions, switch specs, and forEach items expressions.
type Graph struct {
	Tasks      map[string]*schema.TaskStep
	Deps       map[string][]string // task id -> merged dependencies
	Explicit   map[string][]string // declared via depends_on
	Implicit   map[string][]string // discovered from template references
	Dependents map[string][]string // reverse edges
	Order      []string            // deterministic topological order
	Levels     [][]string          // parallel execution waves, ids sorted

	Warnings []schema.ValidationIssue
}

// Build parses a workflow spec into an executable Graph. It registers tasks
// (last declaration wins on duplicate ids, with a warning), collects explicit
// and implicit dependencies, rejects references to unknown tasks, detects
// cycles with the full cycle path in the error, and computes parallel levels
// by topological depth. An empty spec builds an empty graph.
func Build(spec *schema.WorkflowSpec) (*Graph, error) {
	if spec == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow spec is nil")
	}

	g := &Graph{
		Tasks:      make(map[string]*schema.TaskStep, len(spec.Tasks)),
		Deps:       make(map[string][]string, len(spec.Tasks)),
		Explicit:   make(map[string][]string, len(spec.Tasks)),
		Implicit:   make(map[string][]string, len(spec.Tasks)),
		Dependents: make(map[string][]string, len(spec.Tasks)),
		Order:      []string{},
		Levels:     [][]string{},
	}

	// First pass: register tasks. Later declarations shadow earlier ones.
	for i := range spec.Tasks {
		task := &spec.Tasks[i]
		if task.ID == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"task at index %d has empty id", i)
		}
		if _, exists := g.Tasks[task.ID]; exists {
			g.Warnings = append(g.Warnings, schema.ValidationIssue{
				Path:     "tasks." + task.ID,
				Code:     "duplicate_task_id",
				Message:  "task id " + task.ID + " declared more than once; last declaration wins",
				Severity: schema.SeverityWarning,
			})
		}
		g.Tasks[task.ID] = task
	}

	if len(g.Tasks) == 0 {
		return g, nil
	}

	// Second pass: build adjacency lists.
	for id, task := range g.Tasks {
		explicit := make([]string, 0, len(task.DependsOn))
		seen := make(map[string]bool, len(task.DependsOn))
		for _, dep := range task.DependsOn {
			if _, exists := g.Tasks[dep]; !exists {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"task %s depends on non-existent task %s", id, dep).WithTask(id)
			}
			if seen[dep] {
				continue
			}
			seen[dep] = true
			explicit = append(explicit, dep)
		}
		sort.Strings(explicit)
		g.Explicit[id] = explicit

		implicit := make([]string, 0)
		for _, ref := range collectTaskRefs(task) {
			if _, exists := g.Tasks[ref]; !exists {
				return nil, schema.NewErrorf(schema.ErrCodeUndefinedRef,
					"task %s references output of unknown task %s", id, ref).WithTask(id)
			}
			if !seen[ref] {
				seen[ref] = true
				implicit = append(implicit, ref)
			}
		}
		sort.Strings(implicit)
		g.Implicit[id] = implicit

		merged := make([]string, 0, len(explicit)+len(implicit))
		merged = append(merged, explicit...)
		merged = append(merged, implicit...)
		sort.Strings(merged)
		g.Deps[id] = merged
		for _, dep := range merged {
			g.Dependents[dep] = append(g.Dependents[dep], id)
		}
	}
	for id := range g.Dependents {
		sort.Strings(g.Dependents[id])
	}

	if err := detectCycle(g); err != nil {
		return nil, err
	}

	g.Levels = computeLevels(g)
	for _, level := range g.Levels {
		g.Order = append(g.Order, level...)
	}

	return g, nil
}

// collectTaskRefs gathers every tasks.<id>.output reference a task step can
// carry: input values, the gating condition, switch value and case inputs,
// forEach items expressions down the nesting chain, and fallback inputs.
func collectTaskRefs(task *schema.TaskStep) []string {
	var sources []string
	for _, v := range task.Input {
		sources = append(sources, v)
	}
	if task.Condition != "" {
		sources = append(sources, task.Condition)
	}
	if task.Switch != nil {
		sources = append(sources, task.Switch.Value)
		for _, c := range task.Switch.Cases {
			for _, v := range c.Input {
				sources = append(sources, v)
			}
		}
		if task.Switch.Default != nil {
			for _, v := range task.Switch.Default.Input {
				sources = append(sources, v)
			}
		}
	}
	for fe := task.ForEach; fe != nil; fe = fe.Inner {
		sources = append(sources, fe.Items)
	}
	if task.Fallback != nil {
		for _, v := range task.Fallback.Input {
			sources = append(sources, v)
		}
	}
	return expressions.ExtractTaskRefsAll(sources...)
}

const (
	colorWhite = 0
	colorGray  = 1
	colorBlack = 2
)

// detectCycle runs a depth-first search over the dependency edges and, when
// a back edge closes a cycle, reports the full cycle path in the error.
func detectCycle(g *Graph) error {
	color := make(map[string]int, len(g.Tasks))

	ids := make([]string, 0, len(g.Tasks))
	for id := range g.Tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var stack []string
	var visit func(id string) error
	visit = func(id string) error {
		color[id] = colorGray
		stack = append(stack, id)

		for _, dep := range g.Deps[id] {
			switch color[dep] {
			case colorWhite:
				if err := visit(dep); err != nil {
					return err
				}
			case colorGray:
				// Slice the stack from the first occurrence of dep to get
				// exactly the tasks on the cycle.
				start := 0
				for i, s := range stack {
					if s == dep {
						start = i
						break
					}
				}
				cycle := append(append([]string{}, stack[start:]...), dep)
				return schema.NewErrorf(schema.ErrCodeCycle,
					"workflow contains a cycle: %s", strings.Join(cycle, " -> ")).
					WithDetails(map[string]any{"cycle": cycle})
			}
		}

		stack = stack[:len(stack)-1]
		color[id] = colorBlack
		return nil
	}

	for _, id := range ids {
		if color[id] == colorWhite {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}

// computeLevels groups tasks into parallel waves by topological depth:
// a task's level is one past the deepest level among its dependencies.
// Ids within a level are sorted, so levels do not depend on declaration
// order.
func computeLevels(g *Graph) [][]string {
	depth := make(map[string]int, len(g.Tasks))

	var resolve func(id string) int
	resolve = func(id string) int {
		if d, ok := depth[id]; ok {
			return d
		}
		maxDep := -1
		for _, dep := range g.Deps[id] {
			if d := resolve(dep); d > maxDep {
				maxDep = d
			}
		}
		depth[id] = maxDep + 1
		return maxDep + 1
	}

	maxLevel := 0
	for id := range g.Tasks {
		if d := resolve(id); d > maxLevel {
			maxLevel = d
		}
	}

	levels := make([][]string, maxLevel+1)
	for id, d := range depth {
		levels[d] = append(levels[d], id)
	}
	for _, level := range levels {
		sort.Strings(level)
	}
	return levels
}

// Roots returns the tasks with no dependencies.
func (g *Graph) Roots() []string {
	if len(g.Levels) == 0 {
		return nil
	}
	return g.Levels[0]
}

// Plan derives the dry-run execution preview from the graph alone.
func (g *Graph) Plan() *schema.ExecutionPlan {
	groups := make([][]string, len(g.Levels))
	for i, level := range g.Levels {
		groups[i] = append([]string{}, level...)
	}
	return &schema.ExecutionPlan{
		TaskCount:      len(g.Tasks),
		ParallelGroups: groups,
	}
}
