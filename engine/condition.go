package engine

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/stepflow-io/stepflow/core"
)

// Condition evaluation. Structured v2.0 trees are walked directly; legacy
// expressions go through the restricted parser in condition_expr.go. Any
// evaluation error yields false so conditional routing always takes exactly
// one branch; the reason is logged and returned for observability.

// EvalContext is the run state a condition can reference.
type EvalContext struct {
	StepResults map[string]*StepResult
	StepOutputs map[string]string
	SessionRefs map[string]string
	ThreadID    string
	ProjectID   string
}

// EvalContextFromState builds an EvalContext over a state snapshot.
func EvalContextFromState(state *WorkflowState) *EvalContext {
	return &EvalContext{
		StepResults: state.StepResults,
		StepOutputs: state.StepOutputs,
		SessionRefs: state.SessionRefs,
		ThreadID:    state.ThreadID,
		ProjectID:   state.ProjectID,
	}
}

// EvalResult is the outcome of a condition evaluation. Result is always
// exactly true or false; Error carries the reason when evaluation failed and
// the false branch was chosen.
type EvalResult struct {
	Result bool
	Error  string
}

// ConditionEvaluator evaluates structured and legacy conditions.
type ConditionEvaluator struct {
	logger core.Logger
}

// NewConditionEvaluator creates an evaluator. A nil logger is replaced with
// a no-op one.
func NewConditionEvaluator(logger core.Logger) *ConditionEvaluator {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("engine/condition")
	}
	return &ConditionEvaluator{logger: logger}
}

// Evaluate runs a condition against the context. Errors are folded into
// {false, reason} and logged.
func (e *ConditionEvaluator) Evaluate(cond *Condition, ctx *EvalContext) EvalResult {
	if cond == nil {
		return e.fail("", "condition is nil")
	}
	if ctx == nil {
		ctx = &EvalContext{}
	}

	if cond.IsStructured() {
		result, err := e.evaluateGroup(cond.RootGroup, ctx)
		if err != nil {
			return e.fail(fmt.Sprintf("structured v%s", cond.Version), err.Error())
		}
		return EvalResult{Result: result}
	}

	if cond.Expression != "" {
		result, err := evaluateExpression(cond.Expression, ctx)
		if err != nil {
			return e.fail(cond.Expression, err.Error())
		}
		return EvalResult{Result: result}
	}

	return e.fail("", "condition has neither rootGroup nor expression")
}

func (e *ConditionEvaluator) fail(condition, reason string) EvalResult {
	e.logger.Warn("Condition evaluation failed, taking false branch", map[string]interface{}{
		"operation": "condition_evaluate",
		"condition": condition,
		"error":     reason,
	})
	return EvalResult{Result: false, Error: reason}
}

// evaluateGroup applies the combinator over rules and subgroups with
// short-circuiting. An empty AND group is true; an empty OR group is false.
func (e *ConditionEvaluator) evaluateGroup(group *ConditionGroup, ctx *EvalContext) (bool, error) {
	if group == nil {
		return false, fmt.Errorf("group is nil")
	}

	combinator := group.Combinator
	if combinator == "" {
		combinator = CombinatorAnd
	}

	switch combinator {
	case CombinatorAnd:
		for i := range group.Rules {
			ok, err := e.evaluateRule(&group.Rules[i], ctx)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		for _, sub := range group.Groups {
			ok, err := e.evaluateGroup(sub, ctx)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil

	case CombinatorOr:
		for i := range group.Rules {
			ok, err := e.evaluateRule(&group.Rules[i], ctx)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		for _, sub := range group.Groups {
			ok, err := e.evaluateGroup(sub, ctx)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil

	default:
		return false, fmt.Errorf("unknown combinator %q", group.Combinator)
	}
}

func (e *ConditionEvaluator) evaluateRule(rule *ConditionRule, ctx *EvalContext) (bool, error) {
	left, err := resolveOperand(&rule.Left, ctx)
	if err != nil {
		return false, fmt.Errorf("left operand: %w", err)
	}

	op := normalizeOperator(rule.Op)

	// Unary operators ignore the right operand.
	switch op {
	case "isEmpty":
		return strings.TrimSpace(left) == "", nil
	case "isNotEmpty":
		return strings.TrimSpace(left) != "", nil
	}

	right, err := resolveOperand(&rule.Right, ctx)
	if err != nil {
		return false, fmt.Errorf("right operand: %w", err)
	}

	return applyOperator(op, left, right, rule.DataType)
}

// resolveOperand turns a step reference or literal into its string form.
func resolveOperand(op *ConditionOperand, ctx *EvalContext) (string, error) {
	if op.IsStepRef() {
		result := ctx.StepResults[op.StepID]
		switch op.Field {
		case "", "output":
			if out, ok := ctx.StepOutputs[op.StepID]; ok {
				return out, nil
			}
			if result != nil {
				return result.Response, nil
			}
			return "", fmt.Errorf("step %s has no output", op.StepID)
		case "status":
			if result == nil {
				return "", fmt.Errorf("step %s has no result", op.StepID)
			}
			return string(result.Status), nil
		case "response":
			if result == nil {
				return "", fmt.Errorf("step %s has no result", op.StepID)
			}
			return result.Response, nil
		default:
			return "", fmt.Errorf("unknown operand field %q", op.Field)
		}
	}

	switch v := op.Value.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(v), nil
	default:
		return fmt.Sprintf("%v", v), nil
	}
}

// normalizeOperator maps aliases onto canonical operator names.
func normalizeOperator(op string) string {
	switch strings.TrimSpace(op) {
	case "equals", "eq", "==", "===":
		return "equals"
	case "notEquals", "not_equals", "neq", "!=", "!==":
		return "notEquals"
	case "contains":
		return "contains"
	case "notContains", "not_contains":
		return "notContains"
	case "startsWith", "starts_with":
		return "startsWith"
	case "endsWith", "ends_with":
		return "endsWith"
	case "greaterThan", "gt", ">":
		return "greaterThan"
	case "greaterThanOrEqual", "gte", ">=":
		return "greaterThanOrEqual"
	case "lessThan", "lt", "<":
		return "lessThan"
	case "lessThanOrEqual", "lte", "<=":
		return "lessThanOrEqual"
	case "isEmpty", "is_empty":
		return "isEmpty"
	case "isNotEmpty", "is_not_empty":
		return "isNotEmpty"
	default:
		return op
	}
}

// applyOperator compares two resolved operands under the rule's dataType.
func applyOperator(op, left, right, dataType string) (bool, error) {
	switch dataType {
	case "number":
		lf, err := strconv.ParseFloat(strings.TrimSpace(left), 64)
		if err != nil {
			return false, fmt.Errorf("left operand %q is not a number", left)
		}
		rf, err := strconv.ParseFloat(strings.TrimSpace(right), 64)
		if err != nil {
			return false, fmt.Errorf("right operand %q is not a number", right)
		}
		return compareNumbers(op, lf, rf)

	case "boolean":
		lb, err := strconv.ParseBool(strings.ToLower(strings.TrimSpace(left)))
		if err != nil {
			return false, fmt.Errorf("left operand %q is not a boolean", left)
		}
		rb, err := strconv.ParseBool(strings.ToLower(strings.TrimSpace(right)))
		if err != nil {
			return false, fmt.Errorf("right operand %q is not a boolean", right)
		}
		switch op {
		case "equals":
			return lb == rb, nil
		case "notEquals":
			return lb != rb, nil
		default:
			return false, fmt.Errorf("operator %q is not defined for booleans", op)
		}

	case "", "string":
		return compareStrings(op, left, right)

	default:
		return false, fmt.Errorf("unknown dataType %q", dataType)
	}
}

func compareNumbers(op string, left, right float64) (bool, error) {
	switch op {
	case "equals":
		return left == right, nil
	case "notEquals":
		return left != right, nil
	case "greaterThan":
		return left > right, nil
	case "greaterThanOrEqual":
		return left >= right, nil
	case "lessThan":
		return left < right, nil
	case "lessThanOrEqual":
		return left <= right, nil
	default:
		return false, fmt.Errorf("operator %q is not defined for numbers", op)
	}
}

func compareStrings(op, left, right string) (bool, error) {
	switch op {
	case "equals":
		return left == right, nil
	case "notEquals":
		return left != right, nil
	case "contains":
		return strings.Contains(left, right), nil
	case "notContains":
		return !strings.Contains(left, right), nil
	case "startsWith":
		return strings.HasPrefix(left, right), nil
	case "endsWith":
		return strings.HasSuffix(left, right), nil
	case "greaterThan":
		return left > right, nil
	case "greaterThanOrEqual":
		return left >= right, nil
	case "lessThan":
		return left < right, nil
	case "lessThanOrEqual":
		return left <= right, nil
	default:
		return false, fmt.Errorf("unknown operator %q", op)
	}
}
