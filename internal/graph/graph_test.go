package graph

import (
	"reflect"
	"strings"
	"testing"

	"github.com/renfold/weft/pkg/schema"
)

// --- helpers ---

func task(id string, depends ...string) schema.TaskStep {
	return schema.TaskStep{
		ID:        id,
		TaskRef:   "noop",
		DependsOn: depends,
	}
}

func taskWithInput(id string, input map[string]string, depends ...string) schema.TaskStep {
	t := task(id, depends...)
	t.Input = input
	return t
}

func spec(tasks ...schema.TaskStep) *schema.WorkflowSpec {
	return &schema.WorkflowSpec{Name: "test", Tasks: tasks}
}

func assertError(t *testing.T, err error, expectedCode string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error with code %s, got nil", expectedCode)
	}
	werr, ok := err.(*schema.WeftError)
	if !ok {
		t.Fatalf("expected *schema.WeftError, got %T: %v", err, err)
	}
	if werr.Code != expectedCode {
		t.Fatalf("expected code %s, got %s (%s)", expectedCode, werr.Code, werr.Message)
	}
}

// --- structure ---

func TestBuild_LinearChain(t *testing.T) {
	g, err := Build(spec(task("a"), task("b", "a"), task("c", "b")))
	if err != nil {
		t.Fatal(err)
	}

	want := []string{"a", "b", "c"}
	if !reflect.DeepEqual(g.Order, want) {
		t.Fatalf("order = %v, want %v", g.Order, want)
	}
	wantLevels := [][]string{{"a"}, {"b"}, {"c"}}
	if !reflect.DeepEqual(g.Levels, wantLevels) {
		t.Fatalf("levels = %v, want %v", g.Levels, wantLevels)
	}
}

func TestBuild_Diamond(t *testing.T) {
	g, err := Build(spec(task("a"), task("b", "a"), task("c", "a"), task("d", "b", "c")))
	if err != nil {
		t.Fatal(err)
	}

	wantLevels := [][]string{{"a"}, {"b", "c"}, {"d"}}
	if !reflect.DeepEqual(g.Levels, wantLevels) {
		t.Fatalf("levels = %v, want %v", g.Levels, wantLevels)
	}
}

func TestBuild_IndependentTasksShareLevel(t *testing.T) {
	g, err := Build(spec(task("task-1"), task("task-2")))
	if err != nil {
		t.Fatal(err)
	}

	if len(g.Levels) != 1 {
		t.Fatalf("levels = %v, want a single level", g.Levels)
	}
	if !reflect.DeepEqual(g.Levels[0], []string{"task-1", "task-2"}) {
		t.Fatalf("level 0 = %v", g.Levels[0])
	}
}

func TestBuild_ImplicitDepsFromInputRefs(t *testing.T) {
	g, err := Build(spec(
		task("fetch-user"),
		task("fetch-products"),
		taskWithInput("merge", map[string]string{
			"user":     "{{tasks.fetch-user.output.profile}}",
			"products": "{{tasks.fetch-products.output.items}}",
		}),
	))
	if err != nil {
		t.Fatal(err)
	}

	wantLevels := [][]string{{"fetch-products", "fetch-user"}, {"merge"}}
	if !reflect.DeepEqual(g.Levels, wantLevels) {
		t.Fatalf("levels = %v, want %v", g.Levels, wantLevels)
	}
	if !reflect.DeepEqual(g.Implicit["merge"], []string{"fetch-products", "fetch-user"}) {
		t.Fatalf("implicit deps = %v", g.Implicit["merge"])
	}
	if len(g.Explicit["merge"]) != 0 {
		t.Fatalf("explicit deps = %v, want none", g.Explicit["merge"])
	}
}

func TestBuild_ImplicitDepFromCondition(t *testing.T) {
	check := task("check")
	gated := task("gated")
	gated.Condition = `{{tasks.check.output.ok}} == true`

	g, err := Build(spec(check, gated))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(g.Deps["gated"], []string{"check"}) {
		t.Fatalf("deps = %v, want [check]", g.Deps["gated"])
	}
}

func TestBuild_ImplicitDepFromSwitchAndForEach(t *testing.T) {
	src := task("src")
	routed := task("routed")
	routed.Switch = &schema.SwitchSpec{
		Value: "{{tasks.src.output.kind}}",
		Cases: []schema.SwitchCase{{Match: "x", TaskRef: "noop"}},
	}
	loop := task("loop")
	loop.ForEach = &schema.ForEachSpec{
		Items:   "{{tasks.src.output.items}}",
		ItemVar: "item",
	}

	g, err := Build(spec(src, routed, loop))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(g.Deps["routed"], []string{"src"}) {
		t.Fatalf("routed deps = %v", g.Deps["routed"])
	}
	if !reflect.DeepEqual(g.Deps["loop"], []string{"src"}) {
		t.Fatalf("loop deps = %v", g.Deps["loop"])
	}
}

func TestBuild_ExplicitAndImplicitMerge(t *testing.T) {
	g, err := Build(spec(
		task("a"),
		task("b"),
		taskWithInput("c", map[string]string{"v": "{{tasks.b.output.x}}"}, "a", "b"),
	))
	if err != nil {
		t.Fatal(err)
	}
	// b appears in both sources but only once in the merged list.
	if !reflect.DeepEqual(g.Deps["c"], []string{"a", "b"}) {
		t.Fatalf("deps = %v, want [a b]", g.Deps["c"])
	}
}

func TestBuild_OrderInvariantToDeclarationOrder(t *testing.T) {
	forward, err := Build(spec(task("a"), task("b", "a"), task("c", "a"), task("d", "b", "c")))
	if err != nil {
		t.Fatal(err)
	}
	reversed, err := Build(spec(task("d", "b", "c"), task("c", "a"), task("b", "a"), task("a")))
	if err != nil {
		t.Fatal(err)
	}

	if !reflect.DeepEqual(forward.Order, reversed.Order) {
		t.Fatalf("order differs: %v vs %v", forward.Order, reversed.Order)
	}
	if !reflect.DeepEqual(forward.Levels, reversed.Levels) {
		t.Fatalf("levels differ: %v vs %v", forward.Levels, reversed.Levels)
	}
}

func TestBuild_Idempotent(t *testing.T) {
	s := spec(task("a"), task("b", "a"), task("c", "a"))
	first, err := Build(s)
	if err != nil {
		t.Fatal(err)
	}
	second, err := Build(s)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(first.Order, second.Order) || !reflect.DeepEqual(first.Levels, second.Levels) {
		t.Fatal("two builds of the same spec disagree")
	}
}

func TestBuild_TopologicalValidity(t *testing.T) {
	g, err := Build(spec(
		task("e", "c", "d"), task("d", "b"), task("c", "a"), task("b", "a"), task("a"),
	))
	if err != nil {
		t.Fatal(err)
	}

	pos := make(map[string]int, len(g.Order))
	for i, id := range g.Order {
		pos[id] = i
	}
	for id, deps := range g.Deps {
		for _, dep := range deps {
			if pos[dep] >= pos[id] {
				t.Fatalf("dependency %s appears after %s in order %v", dep, id, g.Order)
			}
		}
	}
}

// --- edge cases ---

func TestBuild_EmptySpec(t *testing.T) {
	g, err := Build(spec())
	if err != nil {
		t.Fatal(err)
	}
	if len(g.Order) != 0 || len(g.Levels) != 0 {
		t.Fatalf("empty spec produced order %v levels %v", g.Order, g.Levels)
	}
}

func TestBuild_NilSpec(t *testing.T) {
	_, err := Build(nil)
	assertError(t, err, schema.ErrCodeValidation)
}

func TestBuild_DuplicateIDLastWins(t *testing.T) {
	first := taskWithInput("dup", map[string]string{"v": "first"})
	second := taskWithInput("dup", map[string]string{"v": "second"})

	g, err := Build(spec(first, second))
	if err != nil {
		t.Fatal(err)
	}
	if got := g.Tasks["dup"].Input["v"]; got != "second" {
		t.Fatalf("registered input = %q, want the later declaration", got)
	}
	if len(g.Warnings) != 1 || g.Warnings[0].Code != "duplicate_task_id" {
		t.Fatalf("warnings = %v, want one duplicate_task_id warning", g.Warnings)
	}
}

func TestBuild_UnknownExplicitDependency(t *testing.T) {
	_, err := Build(spec(task("a", "ghost")))
	assertError(t, err, schema.ErrCodeValidation)
}

func TestBuild_UnknownImplicitReference(t *testing.T) {
	_, err := Build(spec(taskWithInput("a", map[string]string{"v": "{{tasks.ghost.output.x}}"})))
	assertError(t, err, schema.ErrCodeUndefinedRef)
}

// --- cycles ---

func TestBuild_TwoNodeCycle(t *testing.T) {
	_, err := Build(spec(task("a", "b"), task("b", "a")))
	assertError(t, err, schema.ErrCodeCycle)
}

func TestBuild_SelfCycle(t *testing.T) {
	_, err := Build(spec(taskWithInput("a", map[string]string{"v": "{{tasks.a.output.x}}"})))
	assertError(t, err, schema.ErrCodeCycle)
}

func TestBuild_CycleErrorNamesEveryTask(t *testing.T) {
	_, err := Build(spec(task("a", "c"), task("b", "a"), task("c", "b")))
	assertError(t, err, schema.ErrCodeCycle)

	msg := err.Error()
	for _, id := range []string{"a", "b", "c"} {
		if !strings.Contains(msg, id) {
			t.Fatalf("cycle message %q does not name task %s", msg, id)
		}
	}
	if !strings.Contains(msg, "->") {
		t.Fatalf("cycle message %q does not show the path", msg)
	}
}

func TestBuild_CycleInSubgraph(t *testing.T) {
	_, err := Build(spec(task("ok"), task("x", "y"), task("y", "x")))
	assertError(t, err, schema.ErrCodeCycle)
}

// --- plan ---

func TestPlan_Groups(t *testing.T) {
	g, err := Build(spec(task("a"), task("b", "a"), task("c", "a")))
	if err != nil {
		t.Fatal(err)
	}
	plan := g.Plan()
	if plan.TaskCount != 3 {
		t.Fatalf("task count = %d", plan.TaskCount)
	}
	want := [][]string{{"a"}, {"b", "c"}}
	if !reflect.DeepEqual(plan.ParallelGroups, want) {
		t.Fatalf("groups = %v, want %v", plan.ParallelGroups, want)
	}
}

func TestRoots(t *testing.T) {
	g, err := Build(spec(task("a"), task("b"), task("c", "a")))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(g.Roots(), []string{"a", "b"}) {
		t.Fatalf("roots = %v", g.Roots())
	}
}
