package engine

import (
	"context"
	"time"
)

// Executor runs one kind of workflow step. Executors never return Go errors
// across the scheduler boundary: every outcome, including panics caught by
// the scheduler, is expressed as a StepResult. Executors other than the
// webhook's internal delivery policy must not retry; retries belong to the
// scheduler.
type Executor interface {
	// Name identifies the executor in logs.
	Name() string
	// CanHandle reports whether this executor takes the step. The registry
	// asks executors in registration order and the first match wins.
	CanHandle(step *WorkflowStep) bool
	// Execute runs the step to a terminal result. Implementations must honor
	// ctx cancellation: finish the current unit of work and return an
	// aborted result.
	Execute(ctx context.Context, step *WorkflowStep, ec *ExecContext) *StepResult
}

// ExecContext is the per-step view handed to an executor. State is a snapshot
// taken when the step became ready; executors never mutate it. Writes flow
// back through the returned StepResult only.
type ExecContext struct {
	ThreadID             string
	ProjectID            string
	WorkflowName         string
	StartNewConversation bool
	UseMock              bool

	// State is a read-only snapshot of the workflow at step start.
	State *WorkflowState

	// Events emits on the workflow event bus, pre-bound to the thread.
	Events EventSink

	// Heartbeat records step-level liveness in the registry. May be nil.
	Heartbeat func(stepID string)

	// RunStep executes a child step through the scheduler, respecting the
	// engine's concurrency limit. Set only for container steps (parallel).
	RunStep func(ctx context.Context, stepID string) *StepResult

	// Bindings overlay template resolution, e.g. a loop variable.
	Bindings map[string]string
}

// heartbeat is a nil-safe helper.
func (ec *ExecContext) heartbeat(stepID string) {
	if ec.Heartbeat != nil {
		ec.Heartbeat(stepID)
	}
}

// emit is a nil-safe helper.
func (ec *ExecContext) emit(name string, data map[string]interface{}) {
	if ec.Events != nil {
		ec.Events.Emit(name, data)
	}
}

// resolveTask substitutes template references in the step task against the
// snapshot, with the context bindings layered on top.
func (ec *ExecContext) resolveTask(task string) string {
	tc := TemplateContextFromState(ec.State)
	for name, value := range ec.Bindings {
		tc = tc.WithBinding(name, value)
	}
	return ResolveTemplate(task, tc)
}

// ExecutorRegistry holds executors in registration order. Earlier
// registrations win when several executors can handle a step.
type ExecutorRegistry struct {
	executors []Executor
}

// NewExecutorRegistry creates an empty registry.
func NewExecutorRegistry() *ExecutorRegistry {
	return &ExecutorRegistry{}
}

// Register appends an executor.
func (r *ExecutorRegistry) Register(e Executor) {
	if e != nil {
		r.executors = append(r.executors, e)
	}
}

// Pick returns the first executor that can handle the step, or nil.
func (r *ExecutorRegistry) Pick(step *WorkflowStep) Executor {
	for _, e := range r.executors {
		if e.CanHandle(step) {
			return e
		}
	}
	return nil
}

// --- Result construction helpers ---

func successResult(stepID, response, sessionRef string, start time.Time) *StepResult {
	now := time.Now().UTC()
	return &StepResult{
		ID:         stepID,
		Status:     StepStatusSuccess,
		Response:   response,
		SessionRef: sessionRef,
		DurationMs: now.Sub(start).Milliseconds(),
		StartTime:  start,
		EndTime:    now,
	}
}

func failedResult(stepID, errMsg, sessionRef string, start time.Time) *StepResult {
	now := time.Now().UTC()
	return &StepResult{
		ID:         stepID,
		Status:     StepStatusFailed,
		SessionRef: sessionRef,
		Error:      errMsg,
		DurationMs: now.Sub(start).Milliseconds(),
		StartTime:  start,
		EndTime:    now,
	}
}

func blockedResult(stepID, response, sessionRef string, start time.Time) *StepResult {
	now := time.Now().UTC()
	return &StepResult{
		ID:         stepID,
		Status:     StepStatusBlocked,
		Response:   response,
		SessionRef: sessionRef,
		DurationMs: now.Sub(start).Milliseconds(),
		StartTime:  start,
		EndTime:    now,
	}
}

func abortedResult(stepID, sessionRef string, start time.Time) *StepResult {
	now := time.Now().UTC()
	return &StepResult{
		ID:         stepID,
		Status:     StepStatusAborted,
		SessionRef: sessionRef,
		DurationMs: now.Sub(start).Milliseconds(),
		StartTime:  start,
		EndTime:    now,
		AbortedAt:  &now,
	}
}
