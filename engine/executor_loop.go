package engine

import (
	"context"
	"strings"
	"time"

	"github.com/stepflow-io/stepflow/core"
)

const defaultLoopVar = "item"

// LoopExecutor iterates a fixed item list, binding the loop variable per
// iteration and resolving the step task against it. Iterations do not fan out
// into agent calls; the loop is a bounded summarizer whose response names the
// items it consumed.
type LoopExecutor struct {
	logger core.Logger
}

// NewLoopExecutor creates a loop executor.
func NewLoopExecutor(logger core.Logger) *LoopExecutor {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cl, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cl.WithComponent("engine/executor")
	}
	return &LoopExecutor{logger: logger}
}

func (l *LoopExecutor) Name() string { return "loop" }

func (l *LoopExecutor) CanHandle(step *WorkflowStep) bool {
	return step.EffectiveKind() == StepKindLoop
}

func (l *LoopExecutor) Execute(ctx context.Context, step *WorkflowStep, ec *ExecContext) *StepResult {
	start := time.Now().UTC()

	loopVar := step.LoopVar
	if loopVar == "" {
		loopVar = defaultLoopVar
	}

	limit := len(step.Items)
	if step.MaxIterations > 0 && step.MaxIterations < limit {
		limit = step.MaxIterations
	}

	consumed := make([]string, 0, limit)
	for i := 0; i < limit; i++ {
		select {
		case <-ctx.Done():
			return abortedResult(step.ID, "", start)
		default:
		}

		item := ec.resolveTask(step.Items[i])
		consumed = append(consumed, item)

		if step.Task != "" {
			bound := ec.Bindings
			ec.Bindings = withBinding(bound, loopVar, item)
			resolved := ec.resolveTask(step.Task)
			ec.Bindings = bound

			l.logger.DebugWithContext(ctx, "Loop iteration", map[string]interface{}{
				"operation": "loop_execute",
				"thread_id": ec.ThreadID,
				"step_id":   step.ID,
				"iteration": i + 1,
				"item":      item,
				"task":      resolved,
			})
		}
		ec.heartbeat(step.ID)
	}

	response := "Loop completed: " + strings.Join(consumed, ", ")
	return successResult(step.ID, response, "", start)
}

func withBinding(bindings map[string]string, name, value string) map[string]string {
	out := make(map[string]string, len(bindings)+1)
	for k, v := range bindings {
		out[k] = v
	}
	out[name] = value
	return out
}

var _ Executor = (*LoopExecutor)(nil)
