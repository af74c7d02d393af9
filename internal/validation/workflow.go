package validation

import (
	"fmt"
	"strings"
	"time"

	"github.com/renfold/weft/internal/graph"
	"github.com/renfold/weft/pkg/schema"
)

var validBackoffs = map[string]bool{
	"":            true,
	"none":        true,
	"constant":    true,
	"linear":      true,
	"exponential": true,
}

// SpecValidator performs structural validation of a workflow spec before
// execution: task shapes, control-flow declarations, template brace
// balance, and graph construction (unknown references, cycles).
type SpecValidator struct {
	inputs *InputValidator
}

// NewSpecValidator creates a spec validator.
func NewSpecValidator() *SpecValidator {
	return &SpecValidator{inputs: NewInputValidator()}
}

// Validate runs every structural check and returns the aggregate result.
// Graph-level failures (cycles, references to unknown tasks) are appended
// after the per-task checks so a single pass reports as much as possible.
func (sv *SpecValidator) Validate(spec *schema.WorkflowSpec) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if spec == nil {
		result.AddError("", "nil_spec", "workflow spec is nil")
		return result
	}

	for i := range spec.Tasks {
		validateTask(result, i, &spec.Tasks[i])
	}

	if spec.Timeout != "" {
		if _, err := time.ParseDuration(spec.Timeout); err != nil {
			result.AddError("timeout", "invalid_timeout",
				fmt.Sprintf("invalid workflow timeout %q", spec.Timeout))
		}
	}

	if !result.Valid() {
		return result
	}

	g, err := graph.Build(spec)
	if err != nil {
		werr, ok := err.(*schema.WeftError)
		code := "graph_error"
		msg := err.Error()
		if ok {
			code = strings.ToLower(werr.Code)
			msg = werr.Message
		}
		result.AddError("tasks", code, msg)
		return result
	}
	result.Warnings = append(result.Warnings, g.Warnings...)
	return result
}

// ValidateInputs checks run inputs against the spec's declared input schema.
func (sv *SpecValidator) ValidateInputs(spec *schema.WorkflowSpec, inputs map[string]any) error {
	if spec == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow spec is nil")
	}
	return sv.inputs.Validate(inputs, spec.InputSchema)
}

// ValidateOutput checks a run's final task outputs against the declared
// output schema.
func (sv *SpecValidator) ValidateOutput(spec *schema.WorkflowSpec, output map[string]any) error {
	if spec == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow spec is nil")
	}
	return sv.inputs.Validate(output, spec.OutputSchema)
}

func validateTask(result *schema.ValidationResult, index int, task *schema.TaskStep) {
	path := fmt.Sprintf("tasks[%d]", index)
	if task.ID != "" {
		path = "tasks." + task.ID
	}

	if task.ID == "" {
		result.AddError(path, "empty_id", fmt.Sprintf("task at index %d has empty id", index))
	}
	if task.TaskRef == "" && task.Switch == nil {
		result.AddError(path, "empty_task_ref", "task declares no task_ref and no switch")
	}

	for field, value := range task.Input {
		checkBraces(result, path+".input."+field, value)
	}
	checkBraces(result, path+".condition", task.Condition)

	if task.Timeout != "" {
		if _, err := time.ParseDuration(task.Timeout); err != nil {
			result.AddError(path+".timeout", "invalid_timeout",
				fmt.Sprintf("invalid timeout %q", task.Timeout))
		}
	}

	if task.Retry != nil {
		validateRetry(result, path+".retry", task.Retry)
	}
	if task.Switch != nil {
		validateSwitch(result, path+".switch", task.Switch)
	}
	if task.ForEach != nil {
		validateForEach(result, path+".for_each", task.ForEach)
	}
	if task.Fallback != nil && task.Fallback.TaskRef == "" {
		result.AddError(path+".fallback", "empty_task_ref", "fallback declares no task_ref")
	}
}

func validateRetry(result *schema.ValidationResult, path string, retry *schema.RetryPolicy) {
	if retry.Max < 0 {
		result.AddError(path, "invalid_retry_max", "retry max must be >= 0")
	}
	if !validBackoffs[retry.Backoff] {
		result.AddError(path, "invalid_backoff",
			fmt.Sprintf("unknown backoff strategy %q", retry.Backoff))
	}
	if retry.Delay != "" {
		if _, err := time.ParseDuration(retry.Delay); err != nil {
			result.AddError(path, "invalid_delay", fmt.Sprintf("invalid retry delay %q", retry.Delay))
		}
	}
	if retry.MaxDelay != "" {
		if _, err := time.ParseDuration(retry.MaxDelay); err != nil {
			result.AddError(path, "invalid_max_delay", fmt.Sprintf("invalid retry max_delay %q", retry.MaxDelay))
		}
	}
}

func validateSwitch(result *schema.ValidationResult, path string, sw *schema.SwitchSpec) {
	if sw.Value == "" {
		result.AddError(path, "empty_switch_value", "switch declares no value expression")
	}
	checkBraces(result, path+".value", sw.Value)
	if len(sw.Cases) == 0 && sw.Default == nil {
		result.AddError(path, "empty_switch", "switch has no cases and no default")
	}
	seen := make(map[string]bool, len(sw.Cases))
	for i, c := range sw.Cases {
		casePath := fmt.Sprintf("%s.cases[%d]", path, i)
		if c.TaskRef == "" {
			result.AddError(casePath, "empty_task_ref", "switch case declares no task_ref")
		}
		if seen[c.Match] {
			result.AddWarning(casePath, "duplicate_case",
				fmt.Sprintf("duplicate case literal %q is unreachable", c.Match))
		}
		seen[c.Match] = true
	}
	if sw.Default != nil && sw.Default.TaskRef == "" {
		result.AddError(path+".default", "empty_task_ref", "switch default declares no task_ref")
	}
}

func validateForEach(result *schema.ValidationResult, path string, fe *schema.ForEachSpec) {
	if depth := fe.NestingDepth(); depth > schema.MaxNestingDepth {
		result.AddError(path, "nesting_too_deep",
			fmt.Sprintf("forEach nesting depth %d exceeds maximum %d", depth, schema.MaxNestingDepth))
	}

	vars := make(map[string]bool)
	for cur := fe; cur != nil; cur = cur.Inner {
		if cur.Items == "" {
			result.AddError(path, "empty_items", "forEach declares no items expression")
		}
		checkBraces(result, path+".items", cur.Items)
		if cur.ItemVar == "" {
			result.AddError(path, "empty_item_var", "forEach declares no item_var")
		} else if strings.HasPrefix(cur.ItemVar, "$") {
			result.AddError(path, "reserved_item_var",
				fmt.Sprintf("item_var %q collides with reserved $-tokens", cur.ItemVar))
		} else if vars[cur.ItemVar] {
			result.AddError(path, "shadowed_item_var",
				fmt.Sprintf("item_var %q shadows an enclosing loop variable", cur.ItemVar))
		}
		vars[cur.ItemVar] = true
		if cur.MaxParallel < 0 {
			result.AddError(path, "invalid_max_parallel", "max_parallel must be >= 0")
		}
	}
}

// checkBraces verifies that every "{{" in a value has a closing "}}".
func checkBraces(result *schema.ValidationResult, path, value string) {
	rest := value
	for {
		open := strings.Index(rest, "{{")
		if open < 0 {
			return
		}
		close := strings.Index(rest[open+2:], "}}")
		if close < 0 {
			result.AddError(path, "unterminated_template",
				fmt.Sprintf("unterminated template expression in %q", value))
			return
		}
		rest = rest[open+2+close+2:]
	}
}
