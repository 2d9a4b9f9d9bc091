package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"

	"github.com/stepflow-io/stepflow/core"
)

const defaultScriptWindow = 5 * time.Second

// ScriptExecutor evaluates data-shaping steps in a sandboxed CEL environment.
// The wire kind stays "javascript" for stored-definition compatibility, but
// scripts are CEL expressions: no I/O, no imports, no ambient authority. The
// sandbox exposes the workflow's prior outputs plus a fixed helper library.
//
// Exposed variables:
//
//	outputs    map<string,string> of successful step outputs
//	threadId   string
//	projectId  string
//
// Exposed functions: getOutput, wordCount, extractNumbers, extractEmails,
// sum, avg, validateEmail, validateURL, validateJSON, sentiment.
type ScriptExecutor struct {
	window time.Duration
	logger core.Logger
}

// ScriptExecutorOption configures a ScriptExecutor.
type ScriptExecutorOption func(*ScriptExecutor)

// WithScriptWindow bounds one evaluation (default 5s).
func WithScriptWindow(window time.Duration) ScriptExecutorOption {
	return func(e *ScriptExecutor) {
		if window > 0 {
			e.window = window
		}
	}
}

// WithScriptLogger sets the executor logger.
func WithScriptLogger(logger core.Logger) ScriptExecutorOption {
	return func(e *ScriptExecutor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewScriptExecutor creates a script executor.
func NewScriptExecutor(opts ...ScriptExecutorOption) *ScriptExecutor {
	e := &ScriptExecutor{
		window: defaultScriptWindow,
		logger: &core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(e)
	}
	if cl, ok := e.logger.(core.ComponentAwareLogger); ok {
		e.logger = cl.WithComponent("engine/executor")
	}
	return e
}

func (s *ScriptExecutor) Name() string { return "script" }

func (s *ScriptExecutor) CanHandle(step *WorkflowStep) bool {
	return step.EffectiveKind() == StepKindJavaScript
}

func (s *ScriptExecutor) Execute(ctx context.Context, step *WorkflowStep, ec *ExecContext) *StepResult {
	start := time.Now().UTC()

	src := step.Script
	if src == "" {
		src = step.Task
	}
	if strings.TrimSpace(src) == "" {
		return failedResult(step.ID, "script is empty", "", start)
	}

	outputs := make(map[string]string, len(ec.State.StepOutputs))
	for k, v := range ec.State.StepOutputs {
		outputs[k] = v
	}

	env, err := newScriptEnv(outputs)
	if err != nil {
		return failedResult(step.ID, fmt.Sprintf("script sandbox setup failed: %v", err), "", start)
	}

	ast, issues := env.Compile(src)
	if issues != nil && issues.Err() != nil {
		return failedResult(step.ID, fmt.Sprintf("script compile error: %v", issues.Err()), "", start)
	}

	prg, err := env.Program(ast, cel.InterruptCheckFrequency(100))
	if err != nil {
		return failedResult(step.ID, fmt.Sprintf("script program error: %v", err), "", start)
	}

	evalCtx, cancel := context.WithTimeout(ctx, s.window)
	defer cancel()

	val, _, err := prg.ContextEval(evalCtx, map[string]interface{}{
		"outputs":   outputs,
		"threadId":  ec.ThreadID,
		"projectId": ec.ProjectID,
	})
	if err != nil {
		if ctx.Err() != nil {
			return abortedResult(step.ID, "", start)
		}
		return failedResult(step.ID, fmt.Sprintf("script error: %v", err), "", start)
	}

	response, err := stringifyScriptValue(val)
	if err != nil {
		return failedResult(step.ID, fmt.Sprintf("script result not representable: %v", err), "", start)
	}
	if response == "" {
		response = "(empty result)"
	}

	s.logger.DebugWithContext(ctx, "Script step completed", map[string]interface{}{
		"operation": "script_execute",
		"thread_id": ec.ThreadID,
		"step_id":   step.ID,
	})
	return successResult(step.ID, response, "", start)
}

// newScriptEnv builds the sandbox environment over a snapshot of outputs.
func newScriptEnv(outputs map[string]string) (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("outputs", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("threadId", cel.StringType),
		cel.Variable("projectId", cel.StringType),
		cel.Function("getOutput",
			cel.Overload("getoutput_string", []*cel.Type{cel.StringType}, cel.StringType,
				cel.UnaryBinding(func(arg ref.Val) ref.Val {
					id, ok := arg.(types.String)
					if !ok {
						return types.NewErr("getOutput expects a step id string")
					}
					return types.String(outputs[string(id)])
				}))),
		cel.Function("wordCount",
			cel.Overload("wordcount_string", []*cel.Type{cel.StringType}, cel.IntType,
				cel.UnaryBinding(func(arg ref.Val) ref.Val {
					text, ok := arg.(types.String)
					if !ok {
						return types.NewErr("wordCount expects a string")
					}
					return types.Int(len(strings.Fields(string(text))))
				}))),
		cel.Function("extractNumbers",
			cel.Overload("extractnumbers_string", []*cel.Type{cel.StringType}, cel.ListType(cel.DoubleType),
				cel.UnaryBinding(func(arg ref.Val) ref.Val {
					text, ok := arg.(types.String)
					if !ok {
						return types.NewErr("extractNumbers expects a string")
					}
					return types.NewDynamicList(types.DefaultTypeAdapter, extractNumbers(string(text)))
				}))),
		cel.Function("extractEmails",
			cel.Overload("extractemails_string", []*cel.Type{cel.StringType}, cel.ListType(cel.StringType),
				cel.UnaryBinding(func(arg ref.Val) ref.Val {
					text, ok := arg.(types.String)
					if !ok {
						return types.NewErr("extractEmails expects a string")
					}
					return types.NewDynamicList(types.DefaultTypeAdapter, emailRegexp.FindAllString(string(text), -1))
				}))),
		cel.Function("sum",
			cel.Overload("sum_list", []*cel.Type{cel.ListType(cel.DynType)}, cel.DoubleType,
				cel.UnaryBinding(func(arg ref.Val) ref.Val {
					nums, err := floatsFromList(arg)
					if err != nil {
						return types.NewErr("sum: %v", err)
					}
					total := 0.0
					for _, n := range nums {
						total += n
					}
					return types.Double(total)
				}))),
		cel.Function("avg",
			cel.Overload("avg_list", []*cel.Type{cel.ListType(cel.DynType)}, cel.DoubleType,
				cel.UnaryBinding(func(arg ref.Val) ref.Val {
					nums, err := floatsFromList(arg)
					if err != nil {
						return types.NewErr("avg: %v", err)
					}
					if len(nums) == 0 {
						return types.Double(0)
					}
					total := 0.0
					for _, n := range nums {
						total += n
					}
					return types.Double(total / float64(len(nums)))
				}))),
		cel.Function("validateEmail",
			cel.Overload("validateemail_string", []*cel.Type{cel.StringType}, cel.BoolType,
				cel.UnaryBinding(func(arg ref.Val) ref.Val {
					text, ok := arg.(types.String)
					if !ok {
						return types.NewErr("validateEmail expects a string")
					}
					return types.Bool(strictEmailRegexp.MatchString(string(text)))
				}))),
		cel.Function("validateURL",
			cel.Overload("validateurl_string", []*cel.Type{cel.StringType}, cel.BoolType,
				cel.UnaryBinding(func(arg ref.Val) ref.Val {
					text, ok := arg.(types.String)
					if !ok {
						return types.NewErr("validateURL expects a string")
					}
					return types.Bool(isHTTPURL(string(text)))
				}))),
		cel.Function("validateJSON",
			cel.Overload("validatejson_string", []*cel.Type{cel.StringType}, cel.BoolType,
				cel.UnaryBinding(func(arg ref.Val) ref.Val {
					text, ok := arg.(types.String)
					if !ok {
						return types.NewErr("validateJSON expects a string")
					}
					return types.Bool(json.Valid([]byte(text)))
				}))),
		cel.Function("sentiment",
			cel.Overload("sentiment_string", []*cel.Type{cel.StringType}, cel.StringType,
				cel.UnaryBinding(func(arg ref.Val) ref.Val {
					text, ok := arg.(types.String)
					if !ok {
						return types.NewErr("sentiment expects a string")
					}
					return types.String(scoreSentiment(string(text)))
				}))),
	)
}

var (
	numberRegexp      = regexp.MustCompile(`-?\d+(?:\.\d+)?`)
	emailRegexp       = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	strictEmailRegexp = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

	positiveWords = []string{"good", "great", "excellent", "success", "passed", "approve", "positive", "resolved"}
	negativeWords = []string{"bad", "fail", "error", "broken", "bug", "reject", "negative", "vulnerab"}
)

func extractNumbers(text string) []float64 {
	matches := numberRegexp.FindAllString(text, -1)
	nums := make([]float64, 0, len(matches))
	for _, m := range matches {
		if n, err := strconv.ParseFloat(m, 64); err == nil {
			nums = append(nums, n)
		}
	}
	return nums
}

func isHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func scoreSentiment(text string) string {
	lowered := strings.ToLower(text)
	score := 0
	for _, w := range positiveWords {
		score += strings.Count(lowered, w)
	}
	for _, w := range negativeWords {
		score -= strings.Count(lowered, w)
	}
	switch {
	case score > 0:
		return "positive"
	case score < 0:
		return "negative"
	default:
		return "neutral"
	}
}

// floatsFromList coerces a CEL list of numbers to float64s.
func floatsFromList(v ref.Val) ([]float64, error) {
	lister, ok := v.(traits.Lister)
	if !ok {
		return nil, fmt.Errorf("expected a list, got %s", v.Type().TypeName())
	}
	size, ok := lister.Size().(types.Int)
	if !ok {
		return nil, fmt.Errorf("list size is not an int")
	}
	nums := make([]float64, 0, int(size))
	for i := types.Int(0); i < size; i++ {
		switch elem := lister.Get(i).(type) {
		case types.Double:
			nums = append(nums, float64(elem))
		case types.Int:
			nums = append(nums, float64(elem))
		case types.Uint:
			nums = append(nums, float64(elem))
		default:
			return nil, fmt.Errorf("element %d is not numeric", int(i))
		}
	}
	return nums, nil
}

// stringifyScriptValue renders a CEL result as the step response: scalars
// verbatim, composites as JSON.
func stringifyScriptValue(val ref.Val) (string, error) {
	switch v := val.(type) {
	case types.String:
		return string(v), nil
	case types.Bool:
		return strconv.FormatBool(bool(v)), nil
	case types.Int:
		return strconv.FormatInt(int64(v), 10), nil
	case types.Uint:
		return strconv.FormatUint(uint64(v), 10), nil
	case types.Double:
		return strconv.FormatFloat(float64(v), 'f', -1, 64), nil
	case types.Null:
		return "null", nil
	}

	native, err := val.ConvertToNative(reflect.TypeOf((*interface{})(nil)).Elem())
	if err != nil {
		return "", err
	}
	encoded, err := json.Marshal(native)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

var _ Executor = (*ScriptExecutor)(nil)
