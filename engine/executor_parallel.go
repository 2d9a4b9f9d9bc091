package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/stepflow-io/stepflow/core"
)

// ParallelExecutor runs the referenced child steps concurrently through the
// scheduler and aggregates their outcomes: success only when every child
// succeeded, otherwise failed carrying the first child error in declaration
// order. Child concurrency is bounded by the scheduler's semaphore, not here.
type ParallelExecutor struct {
	logger core.Logger
}

// NewParallelExecutor creates a parallel executor.
func NewParallelExecutor(logger core.Logger) *ParallelExecutor {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cl, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cl.WithComponent("engine/executor")
	}
	return &ParallelExecutor{logger: logger}
}

func (p *ParallelExecutor) Name() string { return "parallel" }

func (p *ParallelExecutor) CanHandle(step *WorkflowStep) bool {
	return step.EffectiveKind() == StepKindParallel
}

func (p *ParallelExecutor) Execute(ctx context.Context, step *WorkflowStep, ec *ExecContext) *StepResult {
	start := time.Now().UTC()

	if ec.RunStep == nil {
		return failedResult(step.ID, "parallel execution is not wired to the scheduler", "", start)
	}
	if len(step.ParallelSteps) == 0 {
		return failedResult(step.ID, "parallel step has no child steps", "", start)
	}

	p.logger.InfoWithContext(ctx, "Parallel block starting", map[string]interface{}{
		"operation": "parallel_execute",
		"thread_id": ec.ThreadID,
		"step_id":   step.ID,
		"children":  len(step.ParallelSteps),
	})

	results := make([]*StepResult, len(step.ParallelSteps))
	var wg sync.WaitGroup
	for i, childID := range step.ParallelSteps {
		wg.Add(1)
		go func(i int, childID string) {
			defer wg.Done()
			results[i] = ec.RunStep(ctx, childID)
		}(i, childID)
	}
	wg.Wait()

	select {
	case <-ctx.Done():
		return abortedResult(step.ID, "", start)
	default:
	}

	succeeded := 0
	var firstError string
	aborted := false
	for _, r := range results {
		if r == nil {
			continue
		}
		switch r.Status {
		case StepStatusSuccess:
			succeeded++
		case StepStatusAborted:
			aborted = true
		default:
			if firstError == "" {
				firstError = r.Error
				if firstError == "" {
					firstError = fmt.Sprintf("child step %s finished with status %s", r.ID, r.Status)
				}
			}
		}
	}

	if aborted {
		return abortedResult(step.ID, "", start)
	}
	if firstError != "" {
		result := failedResult(step.ID, firstError, "", start)
		result.Response = fmt.Sprintf("Parallel execution: %d/%d steps succeeded", succeeded, len(step.ParallelSteps))
		return result
	}
	return successResult(step.ID, fmt.Sprintf("Parallel execution completed: %d steps", succeeded), "", start)
}

var _ Executor = (*ParallelExecutor)(nil)
