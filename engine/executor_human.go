package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/stepflow-io/stepflow/core"
)

const (
	defaultApprovalPoll    = 2 * time.Second
	defaultApprovalTimeout = 300
)

// HumanExecutor pauses the workflow on a human decision. It opens an approval
// record, announces it, and polls until the record leaves pending or its
// window lapses. Expiry is handled per the step's timeoutBehavior: fail,
// auto-approve, or keep waiting indefinitely.
type HumanExecutor struct {
	store          ApprovalStore
	contextBuilder *ApprovalContextBuilder
	poll           time.Duration
	useMock        bool
	logger         core.Logger
}

// HumanExecutorOption configures a HumanExecutor.
type HumanExecutorOption func(*HumanExecutor)

// WithApprovalPoll overrides the decision poll interval (default 2s).
func WithApprovalPoll(poll time.Duration) HumanExecutorOption {
	return func(e *HumanExecutor) {
		if poll > 0 {
			e.poll = poll
		}
	}
}

// WithHumanMockMode marks auto-approved results as simulated.
func WithHumanMockMode(useMock bool) HumanExecutorOption {
	return func(e *HumanExecutor) {
		e.useMock = useMock
	}
}

// WithHumanLogger sets the executor logger.
func WithHumanLogger(logger core.Logger) HumanExecutorOption {
	return func(e *HumanExecutor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewHumanExecutor creates a human-step executor over an approval store.
func NewHumanExecutor(store ApprovalStore, contextBuilder *ApprovalContextBuilder, opts ...HumanExecutorOption) *HumanExecutor {
	e := &HumanExecutor{
		store:          store,
		contextBuilder: contextBuilder,
		poll:           defaultApprovalPoll,
		logger:         &core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(e)
	}
	if cl, ok := e.logger.(core.ComponentAwareLogger); ok {
		e.logger = cl.WithComponent("engine/executor")
	}
	return e
}

func (h *HumanExecutor) Name() string { return "human" }

func (h *HumanExecutor) CanHandle(step *WorkflowStep) bool {
	return step.EffectiveKind() == StepKindHuman
}

func (h *HumanExecutor) Execute(ctx context.Context, step *WorkflowStep, ec *ExecContext) *StepResult {
	start := time.Now().UTC()
	if h.store == nil {
		return failedResult(step.ID, "approval store is not configured", "", start)
	}

	prompt := ec.resolveTask(step.Prompt)
	if prompt == "" {
		prompt = ec.resolveTask(step.Task)
	}
	task := ec.resolveTask(step.Task)

	timeoutSeconds := step.TimeoutSeconds
	if timeoutSeconds <= 0 {
		timeoutSeconds = defaultApprovalTimeout
	}
	behavior := step.TimeoutBehavior
	if behavior == "" {
		behavior = TimeoutFail
	}
	risk := step.RiskLevel
	if risk == "" {
		risk = InferRiskLevel(task, prompt)
	}

	var contextPayload map[string]interface{}
	if h.contextBuilder != nil {
		contextPayload = h.contextBuilder.Build(ctx, ec.State, step, risk)
	}

	approval, err := h.store.Create(ctx, CreateApprovalRequest{
		ThreadID:        ec.ThreadID,
		StepID:          step.ID,
		ProjectID:       ec.ProjectID,
		WorkflowName:    ec.WorkflowName,
		Prompt:          prompt,
		Task:            task,
		InteractionType: step.InteractionType,
		RiskLevel:       risk,
		TimeoutBehavior: behavior,
		TimeoutSeconds:  timeoutSeconds,
		Context:         contextPayload,
	})
	if err != nil {
		return failedResult(step.ID, fmt.Sprintf("could not open approval: %v", err), "", start)
	}

	ec.emit(EventApprovalRequested, map[string]interface{}{
		"approvalId":      approval.ID,
		"stepId":          step.ID,
		"prompt":          approval.Prompt,
		"riskLevel":       string(approval.RiskLevel),
		"interactionType": string(approval.InteractionType),
		"expiresAt":       approval.ExpiresAt.Format(time.RFC3339),
	})
	ec.emit(EventApprovalCreated, map[string]interface{}{
		"approvalId": approval.ID,
		"stepId":     step.ID,
		"riskLevel":  string(approval.RiskLevel),
	})

	// Notifications do not wait for a decision: record, announce, continue.
	if approval.InteractionType == InteractionNotification {
		if _, err := h.store.Resolve(ctx, approval.ID, ApprovalApproved, "system", "notification acknowledged"); err != nil {
			h.logger.WarnWithContext(ctx, "Could not auto-resolve notification", map[string]interface{}{
				"operation":   "human_execute",
				"approval_id": approval.ID,
				"error":       err.Error(),
			})
		}
		return successResult(step.ID, fmt.Sprintf("Notification sent: %s", prompt), "", start)
	}

	h.logger.InfoWithContext(ctx, "Waiting for human decision", map[string]interface{}{
		"operation":   "human_execute",
		"thread_id":   ec.ThreadID,
		"step_id":     step.ID,
		"approval_id": approval.ID,
		"risk_level":  string(risk),
		"timeout_s":   timeoutSeconds,
		"behavior":    string(behavior),
	})

	return h.waitForDecision(ctx, step, ec, approval, start)
}

// waitForDecision polls the approval until it is terminal. An abort cancels
// the pending approval before returning.
func (h *HumanExecutor) waitForDecision(ctx context.Context, step *WorkflowStep, ec *ExecContext, approval *Approval, start time.Time) *StepResult {
	ticker := time.NewTicker(h.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			cancelled, err := h.store.Cancel(context.Background(), approval.ID, "system")
			if err != nil && !IsInvalidTransition(err) {
				h.logger.WarnWithContext(ctx, "Could not cancel approval on abort", map[string]interface{}{
					"operation":   "human_execute",
					"approval_id": approval.ID,
					"error":       err.Error(),
				})
			} else if cancelled != nil && cancelled.Status == ApprovalCancelled {
				ec.emit(EventApprovalUpdated, map[string]interface{}{
					"type":     EventApprovalUpdated,
					"threadId": ec.ThreadID,
					"stepId":   step.ID,
					"approval": cancelled,
				})
			}
			return abortedResult(step.ID, "", start)
		case <-ticker.C:
		}
		ec.heartbeat(step.ID)

		current, err := h.store.Get(ctx, approval.ID)
		if err != nil {
			if IsNotFound(err) {
				return failedResult(step.ID, "approval record disappeared", "", start)
			}
			// Transient store trouble: keep polling.
			h.logger.WarnWithContext(ctx, "Approval poll failed", map[string]interface{}{
				"operation":   "human_execute",
				"approval_id": approval.ID,
				"error":       err.Error(),
			})
			continue
		}

		// Drive expiry from the executor so short windows do not wait for
		// the background sweeper.
		if current.Expired(time.Now().UTC()) {
			expired, err := h.store.Resolve(ctx, approval.ID, ApprovalExpired, "system", "approval window lapsed")
			if err != nil && !IsInvalidTransition(err) {
				continue
			}
			if expired != nil {
				current = expired
			}
		}

		if result := h.resultFor(step, current, start); result != nil {
			return result
		}
	}
}

// resultFor maps a terminal approval to the step result, or nil while the
// approval is still pending.
func (h *HumanExecutor) resultFor(step *WorkflowStep, approval *Approval, start time.Time) *StepResult {
	switch approval.Status {
	case ApprovalPending:
		return nil
	case ApprovalApproved:
		response := "Human approval granted"
		if approval.InteractionType == InteractionInput && approval.Comment != "" {
			response = approval.Comment
		} else if approval.Comment != "" {
			response = fmt.Sprintf("Human approval granted: %s", approval.Comment)
		}
		return successResult(step.ID, response, "", start)
	case ApprovalRejected:
		msg := "Human approval rejected"
		if approval.Comment != "" {
			msg = fmt.Sprintf("Human approval rejected: %s", approval.Comment)
		}
		return failedResult(step.ID, msg, "", start)
	case ApprovalCancelled:
		return failedResult(step.ID, "Human approval cancelled", "", start)
	case ApprovalExpired:
		behavior := approval.TimeoutBehavior
		if behavior == TimeoutAutoApprove {
			response := "Human approval granted automatically after timeout"
			if h.useMock {
				response = "Human approval granted (simulated)"
			}
			return successResult(step.ID, response, "", start)
		}
		return failedResult(step.ID, fmt.Sprintf("Human approval expired after %d seconds", approval.TimeoutSeconds), "", start)
	}
	return failedResult(step.ID, fmt.Sprintf("approval in unknown state %q", approval.Status), "", start)
}

var _ Executor = (*HumanExecutor)(nil)
