package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/stepflow-io/stepflow/core"
	"github.com/stepflow-io/stepflow/telemetry"
)

// operatorSystemPrompt is the fixed classification instruction. The operator
// model sees only this prompt plus the agent output; it never sees prior
// conversation turns.
const operatorSystemPrompt = `You are a workflow status evaluator. A step in an automated workflow was just executed by an agent. Judge whether the step's objective was met.

Reply with exactly one word and nothing else:
success - the task was completed
blocked - the task could not proceed and needs external input or a decision
failed - the task was attempted but did not succeed`

// operatorUserTemplate frames the agent output for classification.
const operatorUserTemplate = `Agent role: %s
Task given to the agent:
%s

Agent output:
%s

Status (success, blocked, or failed):`

const (
	invalidOperatorReason = "invalid operator response"
	emptyOutputReason     = "empty agent output"
	defaultOperatorWindow = 60 * time.Second
	maxOperatorOutput     = 8000
)

// Classification is the operator's verdict on one agent output.
type Classification struct {
	Status StepStatus
	Reason string
}

// StatusOperator classifies raw agent output into success, blocked, or
// failed with a single model call. It never retries: a malformed verdict or
// a transport error coerces to failed so the scheduler can apply its own
// retry policy to the step.
type StatusOperator struct {
	client core.AgentClient
	model  string
	window time.Duration
	logger core.Logger
}

// StatusOperatorOption configures a StatusOperator.
type StatusOperatorOption func(*StatusOperator)

// WithOperatorModel pins the classification model.
func WithOperatorModel(model string) StatusOperatorOption {
	return func(o *StatusOperator) {
		o.model = model
	}
}

// WithOperatorWindow bounds the classification call (default 60s).
func WithOperatorWindow(window time.Duration) StatusOperatorOption {
	return func(o *StatusOperator) {
		if window > 0 {
			o.window = window
		}
	}
}

// WithOperatorLogger sets the operator logger.
func WithOperatorLogger(logger core.Logger) StatusOperatorOption {
	return func(o *StatusOperator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// NewStatusOperator creates a status operator over the given client.
func NewStatusOperator(client core.AgentClient, opts ...StatusOperatorOption) *StatusOperator {
	o := &StatusOperator{
		client: client,
		window: defaultOperatorWindow,
		logger: &core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(o)
	}
	if cl, ok := o.logger.(core.ComponentAwareLogger); ok {
		o.logger = cl.WithComponent("engine/operator")
	}
	return o
}

// Classify returns the verdict for an agent output. Empty output is failed
// without a model call.
func (o *StatusOperator) Classify(ctx context.Context, role, task, output string) Classification {
	if strings.TrimSpace(output) == "" {
		return Classification{Status: StepStatusFailed, Reason: emptyOutputReason}
	}
	if o.client == nil {
		return Classification{Status: StepStatusFailed, Reason: "status operator has no client"}
	}

	if len(output) > maxOperatorOutput {
		output = output[:maxOperatorOutput] + "... (truncated)"
	}

	callCtx, cancel := context.WithTimeout(ctx, o.window)
	defer cancel()

	start := time.Now()
	resp, err := o.client.Send(callCtx, &core.AgentRequest{
		Task: fmt.Sprintf(operatorUserTemplate, role, task, output),
		Agent: &core.AgentConfig{
			Name:         "status-operator",
			Role:         "operator",
			Model:        o.model,
			SystemPrompt: operatorSystemPrompt,
		},
	})
	telemetry.Duration("operator.classify.duration", start, "component", "engine/operator")

	if err != nil {
		o.logger.WarnWithContext(ctx, "Status classification call failed", map[string]interface{}{
			"operation": "operator_classify",
			"role":      role,
			"error":     err.Error(),
		})
		telemetry.Counter("operator.classify.errors", "component", "engine/operator")
		return Classification{Status: StepStatusFailed, Reason: fmt.Sprintf("status classification failed: %v", err)}
	}

	status, ok := parseOperatorVerdict(resp.Response)
	if !ok {
		o.logger.WarnWithContext(ctx, "Operator returned an unparseable verdict", map[string]interface{}{
			"operation": "operator_classify",
			"role":      role,
			"verdict":   truncateForLog(resp.Response, 120),
		})
		return Classification{Status: StepStatusFailed, Reason: invalidOperatorReason}
	}
	return Classification{Status: status}
}

// parseOperatorVerdict accepts exactly one of the three status words,
// case-insensitive, allowing surrounding whitespace and trailing punctuation.
func parseOperatorVerdict(raw string) (StepStatus, bool) {
	verdict := strings.ToLower(strings.TrimSpace(raw))
	verdict = strings.TrimRight(verdict, ".!")
	switch verdict {
	case "success":
		return StepStatusSuccess, true
	case "blocked":
		return StepStatusBlocked, true
	case "failed":
		return StepStatusFailed, true
	}
	return "", false
}

func truncateForLog(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
