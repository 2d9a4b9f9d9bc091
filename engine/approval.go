package engine

import (
	"strings"
	"time"
)

// RiskLevel grades the blast radius of the action a human step guards.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// riskKeywords maps risk levels to the keywords that trigger them. Inference
// scans task and prompt text; critical outranks high outranks low.
var riskKeywords = map[RiskLevel][]string{
	RiskCritical: {"database", "payment", "security", "admin", "root"},
	RiskHigh:     {"delete", "remove", "production", "deploy", "publish", "release"},
	RiskLow:      {"read", "view", "list", "get"},
}

// InferRiskLevel derives a risk level from the step's task and prompt text.
// Returns medium when nothing matches.
func InferRiskLevel(texts ...string) RiskLevel {
	joined := strings.ToLower(strings.Join(texts, " "))
	for _, level := range []RiskLevel{RiskCritical, RiskHigh, RiskLow} {
		for _, keyword := range riskKeywords[level] {
			if strings.Contains(joined, keyword) {
				return level
			}
		}
	}
	return RiskMedium
}

// ValidRiskLevel reports whether the value is a known risk level.
func ValidRiskLevel(level RiskLevel) bool {
	switch level {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
		return true
	}
	return false
}

// ApprovalStatus is the lifecycle state of an approval record.
type ApprovalStatus string

const (
	ApprovalPending   ApprovalStatus = "pending"
	ApprovalApproved  ApprovalStatus = "approved"
	ApprovalRejected  ApprovalStatus = "rejected"
	ApprovalExpired   ApprovalStatus = "expired"
	ApprovalCancelled ApprovalStatus = "cancelled"
)

// IsTerminal reports whether the status admits no further transitions.
func (s ApprovalStatus) IsTerminal() bool {
	return s != ApprovalPending && s != ""
}

// canTransitionApproval enforces the approval state machine: pending may move
// to any terminal status; terminal statuses are frozen.
func canTransitionApproval(from, to ApprovalStatus) bool {
	if from != ApprovalPending {
		return false
	}
	switch to {
	case ApprovalApproved, ApprovalRejected, ApprovalExpired, ApprovalCancelled:
		return true
	}
	return false
}

// Approval is one human-decision record. It is created pending by the human
// executor and resolved exactly once; repeated identical decisions are
// idempotent, conflicting ones are invalid transitions.
type Approval struct {
	ID              string          `json:"id"`
	ThreadID        string          `json:"threadId"`
	StepID          string          `json:"stepId"`
	ProjectID       string          `json:"projectId,omitempty"`
	WorkflowName    string          `json:"workflowName,omitempty"`
	Prompt          string          `json:"prompt"`
	Task            string          `json:"task,omitempty"`
	InteractionType InteractionType `json:"interactionType"`
	RiskLevel       RiskLevel       `json:"riskLevel"`
	TimeoutBehavior TimeoutBehavior `json:"timeoutBehavior"`
	TimeoutSeconds  int             `json:"timeoutSeconds"`

	Status     ApprovalStatus `json:"status"`
	AssignedTo string         `json:"assignedTo,omitempty"`
	DecidedBy  string         `json:"decidedBy,omitempty"`
	Comment    string         `json:"comment,omitempty"`

	// Context carries the decision support payload built by the
	// ApprovalContextBuilder: prior outputs, workflow history, similar
	// approvals, and the impact assessment.
	Context map[string]interface{} `json:"context,omitempty"`

	RequestedAt time.Time  `json:"requestedAt"`
	ExpiresAt   time.Time  `json:"expiresAt"`
	DecidedAt   *time.Time `json:"decidedAt,omitempty"`
}

// Expired reports whether the approval's window has passed at the given time.
// Infinite timeout behavior never expires regardless of ExpiresAt.
func (a *Approval) Expired(now time.Time) bool {
	if a.TimeoutBehavior == TimeoutInfinite {
		return false
	}
	return a.Status == ApprovalPending && now.After(a.ExpiresAt)
}

// Clone deep-copies the approval.
func (a *Approval) Clone() *Approval {
	if a == nil {
		return nil
	}
	out := *a
	if a.Context != nil {
		out.Context = make(map[string]interface{}, len(a.Context))
		for k, v := range a.Context {
			out.Context[k] = v
		}
	}
	if a.DecidedAt != nil {
		t := *a.DecidedAt
		out.DecidedAt = &t
	}
	return &out
}

// CreateApprovalRequest carries everything needed to open an approval.
type CreateApprovalRequest struct {
	ThreadID        string
	StepID          string
	ProjectID       string
	WorkflowName    string
	Prompt          string
	Task            string
	InteractionType InteractionType
	RiskLevel       RiskLevel
	TimeoutBehavior TimeoutBehavior
	TimeoutSeconds  int
	Context         map[string]interface{}
}

// ApprovalDecision is the payload of a decide call.
type ApprovalDecision struct {
	Approved  bool   `json:"approved"`
	DecidedBy string `json:"decidedBy,omitempty"`
	Comment   string `json:"comment,omitempty"`
}

// ApprovalFilter narrows List results. Zero value matches everything.
type ApprovalFilter struct {
	ThreadID  string
	ProjectID string
	Status    ApprovalStatus
	RiskLevel RiskLevel
}
