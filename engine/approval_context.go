package engine

import (
	"context"
	"sort"
	"strings"

	"github.com/stepflow-io/stepflow/core"
)

// ApprovalContextBuilder assembles the decision-support payload attached to an
// approval: what the workflow produced so far, how it got here, what similar
// requests were decided, and a risk-scoped impact assessment.
type ApprovalContextBuilder struct {
	store  ApprovalStore
	logger core.Logger
}

// NewApprovalContextBuilder creates a context builder. The store is optional;
// without it the similar-approvals section is empty.
func NewApprovalContextBuilder(store ApprovalStore, logger core.Logger) *ApprovalContextBuilder {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cl, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cl.WithComponent("engine/approval")
	}
	return &ApprovalContextBuilder{store: store, logger: logger}
}

const (
	maxSimilarApprovals  = 5
	maxContextOutputSize = 2000
	similarPromptPrefix  = 24
)

// Impact assessments are fixed per risk level so reviewers see consistent
// framing across workflows.
var impactIfApproved = map[RiskLevel][]string{
	RiskCritical: {
		"Changes to protected systems take effect immediately",
		"Data, payment, or security configuration may be permanently altered",
		"Rollback may require manual intervention",
	},
	RiskHigh: {
		"Production-facing resources will be modified",
		"Dependent workflows continue with the approved output",
		"Changes are recorded and attributable to the approver",
	},
	RiskMedium: {
		"The workflow continues to its next step",
		"Outputs become available to dependent steps",
	},
	RiskLow: {
		"Read-only or low-impact action proceeds",
		"No persistent state outside the workflow is changed",
	},
}

var impactIfRejected = map[RiskLevel][]string{
	RiskCritical: {
		"The step fails and dependent steps are blocked",
		"No protected system is touched",
		"The workflow ends as failed or partial",
	},
	RiskHigh: {
		"The step fails and dependent steps are blocked",
		"Production resources remain unchanged",
	},
	RiskMedium: {
		"The step fails and dependent steps are blocked",
		"The workflow ends as failed or partial",
	},
	RiskLow: {
		"The step fails; remaining independent steps still run",
	},
}

// ImpactAssessment returns the fixed if-approved / if-rejected bullets for a
// risk level. Unknown levels fall back to medium.
func ImpactAssessment(level RiskLevel) map[string][]string {
	if !ValidRiskLevel(level) {
		level = RiskMedium
	}
	return map[string][]string{
		"ifApproved": append([]string(nil), impactIfApproved[level]...),
		"ifRejected": append([]string(nil), impactIfRejected[level]...),
	}
}

// Build assembles the context payload for a human step about to request a
// decision. Failures in the optional sections degrade to partial context
// rather than failing the approval.
func (b *ApprovalContextBuilder) Build(ctx context.Context, state *WorkflowState, step *WorkflowStep, risk RiskLevel) map[string]interface{} {
	payload := map[string]interface{}{
		"impactAssessment": ImpactAssessment(risk),
	}
	if state == nil || step == nil {
		return payload
	}

	payload["priorOutputs"] = b.priorOutputs(state)
	payload["workflowHistory"] = b.workflowHistory(state)

	if b.store != nil {
		similar, err := b.similarApprovals(ctx, state, step, risk)
		if err != nil {
			b.logger.WarnWithContext(ctx, "Could not load similar approvals", map[string]interface{}{
				"operation": "approval_context",
				"thread_id": state.ThreadID,
				"step_id":   step.ID,
				"error":     err.Error(),
			})
		} else if len(similar) > 0 {
			payload["similarApprovals"] = similar
		}
	}
	return payload
}

// priorOutputs collects the successful outputs visible to the human step,
// truncated so the approval record stays reviewable.
func (b *ApprovalContextBuilder) priorOutputs(state *WorkflowState) map[string]string {
	outputs := make(map[string]string, len(state.StepOutputs))
	for id, output := range state.StepOutputs {
		if len(output) > maxContextOutputSize {
			output = output[:maxContextOutputSize] + "... (truncated)"
		}
		outputs[id] = output
	}
	return outputs
}

// workflowHistory lists finished steps in start order.
func (b *ApprovalContextBuilder) workflowHistory(state *WorkflowState) []map[string]interface{} {
	results := make([]*StepResult, 0, len(state.StepResults))
	for _, r := range state.StepResults {
		results = append(results, r)
	}
	sort.Slice(results, func(i, j int) bool {
		if !results[i].StartTime.Equal(results[j].StartTime) {
			return results[i].StartTime.Before(results[j].StartTime)
		}
		return results[i].ID < results[j].ID
	})

	history := make([]map[string]interface{}, 0, len(results))
	for _, r := range results {
		entry := map[string]interface{}{
			"stepId":     r.ID,
			"status":     string(r.Status),
			"durationMs": r.DurationMs,
		}
		if r.Error != "" {
			entry["error"] = r.Error
		}
		history = append(history, entry)
	}
	return history
}

// similarApprovals finds up to five past approvals that share the workflow
// name, the risk level, or a prompt prefix with the pending request.
func (b *ApprovalContextBuilder) similarApprovals(ctx context.Context, state *WorkflowState, step *WorkflowStep, risk RiskLevel) ([]map[string]interface{}, error) {
	candidates, err := b.store.List(ctx, ApprovalFilter{ProjectID: state.ProjectID})
	if err != nil {
		return nil, err
	}

	prefix := step.Prompt
	if len(prefix) > similarPromptPrefix {
		prefix = prefix[:similarPromptPrefix]
	}

	similar := make([]map[string]interface{}, 0, maxSimilarApprovals)
	// Newest decisions first.
	for i := len(candidates) - 1; i >= 0 && len(similar) < maxSimilarApprovals; i-- {
		candidate := candidates[i]
		if candidate.ThreadID == state.ThreadID && candidate.StepID == step.ID {
			continue
		}
		if !candidate.Status.IsTerminal() {
			continue
		}
		sameWorkflow := candidate.WorkflowName != "" && candidate.WorkflowName == state.WorkflowName
		sameRisk := candidate.RiskLevel == risk
		samePrompt := prefix != "" && strings.HasPrefix(candidate.Prompt, prefix)
		if !sameWorkflow && !sameRisk && !samePrompt {
			continue
		}
		similar = append(similar, map[string]interface{}{
			"id":        candidate.ID,
			"prompt":    candidate.Prompt,
			"riskLevel": string(candidate.RiskLevel),
			"status":    string(candidate.Status),
			"decidedBy": candidate.DecidedBy,
		})
	}
	return similar, nil
}
