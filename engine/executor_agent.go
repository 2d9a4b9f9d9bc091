package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stepflow-io/stepflow/core"
	"github.com/stepflow-io/stepflow/telemetry"
)

const (
	defaultStepTimeout = 10 * time.Minute
	heartbeatInterval  = 30 * time.Second
)

// AgentExecutor runs agent steps against the configured backend: resolve the
// agent binding, substitute templates into the task, resume or open the LLM
// session, and classify the raw output with the status operator. One step is
// one agent turn.
type AgentExecutor struct {
	client      core.AgentClient
	configStore core.ConfigStore
	operator    *StatusOperator
	timeout     time.Duration
	logger      core.Logger
}

// AgentExecutorOption configures an AgentExecutor.
type AgentExecutorOption func(*AgentExecutor)

// WithAgentTimeout overrides the default per-step deadline (10m).
func WithAgentTimeout(timeout time.Duration) AgentExecutorOption {
	return func(e *AgentExecutor) {
		if timeout > 0 {
			e.timeout = timeout
		}
	}
}

// WithAgentLogger sets the executor logger.
func WithAgentLogger(logger core.Logger) AgentExecutorOption {
	return func(e *AgentExecutor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewAgentExecutor creates an agent executor.
func NewAgentExecutor(client core.AgentClient, configStore core.ConfigStore, operator *StatusOperator, opts ...AgentExecutorOption) *AgentExecutor {
	e := &AgentExecutor{
		client:      client,
		configStore: configStore,
		operator:    operator,
		timeout:     defaultStepTimeout,
		logger:      &core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(e)
	}
	if cl, ok := e.logger.(core.ComponentAwareLogger); ok {
		e.logger = cl.WithComponent("engine/executor")
	}
	return e
}

func (e *AgentExecutor) Name() string { return "agent" }

func (e *AgentExecutor) CanHandle(step *WorkflowStep) bool {
	return step.EffectiveKind() == StepKindAgent
}

// ResolveAgent resolves a step's agent binding: project agent by id, project
// agent by role, then global agent. A full miss is a role NotFoundError.
func (e *AgentExecutor) ResolveAgent(ctx context.Context, projectID string, step *WorkflowStep) (*core.AgentConfig, error) {
	ref := step.AgentReference()
	if ref == "" {
		return nil, &ValidationError{Field: "role", Reason: fmt.Sprintf("step %s has neither role nor agentRef", step.ID)}
	}
	if e.configStore == nil {
		return nil, &NotFoundError{Kind: "role", ID: ref}
	}

	if projectID != "" {
		if step.AgentRef != "" {
			if agent, err := e.configStore.GetProjectAgent(ctx, projectID, step.AgentRef); err == nil {
				return agent, nil
			}
		}
		if step.Role != "" {
			if agent, err := e.configStore.GetProjectAgentByRole(ctx, projectID, step.Role); err == nil {
				return agent, nil
			}
		}
	}
	if agent, err := e.configStore.GetGlobalAgent(ctx, ref); err == nil {
		return agent, nil
	}
	return nil, &NotFoundError{Kind: "role", ID: ref}
}

// sessionRefFor picks the session to resume: the step's explicit sessionRef
// wins; otherwise, unless the run started a new conversation, the nearest
// dependency handled by the same agent contributes its session.
func sessionRefFor(step *WorkflowStep, ec *ExecContext) string {
	if step.SessionRef != "" {
		return step.SessionRef
	}
	if ec.StartNewConversation {
		return ""
	}

	ref := step.AgentReference()
	seen := make(map[string]bool)
	queue := append([]string(nil), step.Deps...)
	for len(queue) > 0 {
		depID := queue[0]
		queue = queue[1:]
		if seen[depID] {
			continue
		}
		seen[depID] = true

		dep := ec.State.Step(depID)
		if dep == nil {
			continue
		}
		if dep.AgentReference() == ref {
			if session, ok := ec.State.SessionRefs[depID]; ok && session != "" {
				return session
			}
		}
		queue = append(queue, dep.Deps...)
	}
	return ""
}

func (e *AgentExecutor) Execute(ctx context.Context, step *WorkflowStep, ec *ExecContext) *StepResult {
	start := time.Now().UTC()
	task := ec.resolveTask(step.Task)
	sessionRef := sessionRefFor(step, ec)

	agent, err := e.ResolveAgent(ctx, ec.ProjectID, step)
	if err != nil {
		e.logger.ErrorWithContext(ctx, "Agent binding resolution failed", map[string]interface{}{
			"operation": "agent_execute",
			"thread_id": ec.ThreadID,
			"step_id":   step.ID,
			"role":      step.AgentReference(),
			"error":     err.Error(),
		})
		return failedResult(step.ID, err.Error(), sessionRef, start)
	}

	timeout := e.timeout
	if step.TimeoutSeconds > 0 {
		timeout = time.Duration(step.TimeoutSeconds) * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ec.emit(EventUserMessage, map[string]interface{}{
		"stepId":  step.ID,
		"role":    agent.Role,
		"content": task,
	})
	ec.emit(EventAgentStatusChanged, map[string]interface{}{
		"stepId": step.ID,
		"role":   agent.Role,
		"status": "running",
	})
	ec.heartbeat(step.ID)

	// Long agent turns keep the registry heartbeat fresh so the monitor does
	// not mistake this thread for an orphan.
	hbDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbDone:
				return
			case <-ticker.C:
				ec.heartbeat(step.ID)
			}
		}
	}()
	defer close(hbDone)

	e.logger.InfoWithContext(ctx, "Agent turn starting", map[string]interface{}{
		"operation":   "agent_execute",
		"thread_id":   ec.ThreadID,
		"step_id":     step.ID,
		"agent":       agent.Name,
		"role":        agent.Role,
		"has_session": sessionRef != "",
		"timeout_s":   int(timeout.Seconds()),
	})

	resp, err := e.client.Send(callCtx, &core.AgentRequest{
		Task:        task,
		ProjectID:   ec.ProjectID,
		SessionRef:  sessionRef,
		ProjectPath: agent.ProjectPath,
		Agent:       agent,
	})
	ec.heartbeat(step.ID)

	if err != nil {
		return e.failedTurn(ctx, callCtx, step, ec, agent, sessionRef, start, timeout, err)
	}

	nextSession := resp.SessionRef
	if nextSession == "" {
		nextSession = sessionRef
	}

	if resp.Usage.TotalTokens > 0 {
		ec.emit(EventAgentTokenUsage, map[string]interface{}{
			"stepId":           step.ID,
			"role":             agent.Role,
			"model":            resp.Model,
			"promptTokens":     resp.Usage.PromptTokens,
			"completionTokens": resp.Usage.CompletionTokens,
			"totalTokens":      resp.Usage.TotalTokens,
		})
	}

	cls := e.classify(ctx, agent.Role, task, resp.Response)
	telemetry.Counter("engine.agent.turns", "status", string(cls.Status), "component", "engine/executor")

	ec.emit(EventAgentStatusChanged, map[string]interface{}{
		"stepId": step.ID,
		"role":   agent.Role,
		"status": string(cls.Status),
	})

	switch cls.Status {
	case StepStatusSuccess:
		return successResult(step.ID, resp.Response, nextSession, start)
	case StepStatusBlocked:
		result := blockedResult(step.ID, resp.Response, nextSession, start)
		result.Error = cls.Reason
		return result
	default:
		result := failedResult(step.ID, cls.Reason, nextSession, start)
		result.Response = resp.Response
		return result
	}
}

// classify delegates to the status operator; without one, any non-empty
// output counts as success.
func (e *AgentExecutor) classify(ctx context.Context, role, task, output string) Classification {
	if e.operator != nil {
		cls := e.operator.Classify(ctx, role, task, output)
		if cls.Status == StepStatusFailed && cls.Reason == "" {
			cls.Reason = "agent output classified as failed"
		}
		return cls
	}
	if output == "" {
		return Classification{Status: StepStatusFailed, Reason: emptyOutputReason}
	}
	return Classification{Status: StepStatusSuccess}
}

// failedTurn maps a Send error to the right terminal result: workflow abort,
// per-step timeout, or a transport failure.
func (e *AgentExecutor) failedTurn(ctx, callCtx context.Context, step *WorkflowStep, ec *ExecContext, agent *core.AgentConfig, sessionRef string, start time.Time, timeout time.Duration, err error) *StepResult {
	ec.emit(EventAgentStatusChanged, map[string]interface{}{
		"stepId": step.ID,
		"role":   agent.Role,
		"status": "failed",
	})

	// Parent cancellation means the workflow was aborted.
	if ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled) {
		e.logger.InfoWithContext(ctx, "Agent turn aborted", map[string]interface{}{
			"operation": "agent_execute",
			"thread_id": ec.ThreadID,
			"step_id":   step.ID,
		})
		return abortedResult(step.ID, sessionRef, start)
	}

	if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		msg := fmt.Sprintf(stepTimeoutMessage, int(timeout.Seconds()))
		e.logger.WarnWithContext(ctx, "Agent turn timed out", map[string]interface{}{
			"operation": "agent_execute",
			"thread_id": ec.ThreadID,
			"step_id":   step.ID,
			"timeout_s": int(timeout.Seconds()),
		})
		return failedResult(step.ID, msg, sessionRef, start)
	}

	e.logger.ErrorWithContext(ctx, "Agent turn failed", map[string]interface{}{
		"operation": "agent_execute",
		"thread_id": ec.ThreadID,
		"step_id":   step.ID,
		"agent":     agent.Name,
		"error":     err.Error(),
	})
	telemetry.RecordError("engine.agent.turns", "transport", "component", "engine/executor")
	return failedResult(step.ID, fmt.Sprintf("agent call failed: %v", err), sessionRef, start)
}

var _ Executor = (*AgentExecutor)(nil)
