// Package engine implements the workflow execution engine: DAG construction,
// dependency-ordered scheduling, template resolution, conditional branching,
// LLM status classification, checkpoint-based resume, abort propagation,
// event fan-out, and the human-approval protocol.
package engine

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// StepKind identifies the executor responsible for a workflow step.
type StepKind string

const (
	StepKindAgent       StepKind = "agent"
	StepKindMock        StepKind = "mock"
	StepKindConditional StepKind = "conditional"
	StepKindLoop        StepKind = "loop"
	StepKindParallel    StepKind = "parallel"
	StepKindHuman       StepKind = "human"
	StepKindJavaScript  StepKind = "javascript"
	StepKindWebhook     StepKind = "webhook"
)

// validStepKinds is the closed set accepted at validation time.
var validStepKinds = map[StepKind]bool{
	StepKindAgent:       true,
	StepKindMock:        true,
	StepKindConditional: true,
	StepKindLoop:        true,
	StepKindParallel:    true,
	StepKindHuman:       true,
	StepKindJavaScript:  true,
	StepKindWebhook:     true,
}

// InteractionType describes what a human step asks of the reviewer.
type InteractionType string

const (
	InteractionApproval     InteractionType = "approval"
	InteractionNotification InteractionType = "notification"
	InteractionInput        InteractionType = "input"
)

// TimeoutBehavior controls what a human step does when its approval expires.
type TimeoutBehavior string

const (
	TimeoutFail        TimeoutBehavior = "fail"
	TimeoutAutoApprove TimeoutBehavior = "auto-approve"
	TimeoutInfinite    TimeoutBehavior = "infinite"
)

// WorkflowStep is one node in the workflow DAG. The "type" wire name is kept
// for compatibility with stored definitions; an absent kind defaults to agent.
type WorkflowStep struct {
	ID         string   `json:"id" yaml:"id"`
	Kind       StepKind `json:"type,omitempty" yaml:"type,omitempty"`
	Task       string   `json:"task,omitempty" yaml:"task,omitempty"`
	Deps       []string `json:"deps,omitempty" yaml:"deps,omitempty"`
	Role       string   `json:"role,omitempty" yaml:"role,omitempty"`
	AgentRef   string   `json:"agentRef,omitempty" yaml:"agentRef,omitempty"`
	SessionRef string   `json:"sessionRef,omitempty" yaml:"sessionRef,omitempty"`

	// TimeoutSeconds is the per-step deadline for agent steps and the
	// approval window for human steps.
	TimeoutSeconds int `json:"timeoutSeconds,omitempty" yaml:"timeoutSeconds,omitempty"`

	// Conditional fields. The step itself is never materialized as a DAG
	// node; the builder turns it into conditional edges.
	Condition   *Condition `json:"condition,omitempty" yaml:"condition,omitempty"`
	TrueBranch  string     `json:"trueBranch,omitempty" yaml:"trueBranch,omitempty"`
	FalseBranch string     `json:"falseBranch,omitempty" yaml:"falseBranch,omitempty"`

	// Loop fields.
	Items         []string `json:"items,omitempty" yaml:"items,omitempty"`
	LoopVar       string   `json:"loopVar,omitempty" yaml:"loopVar,omitempty"`
	MaxIterations int      `json:"maxIterations,omitempty" yaml:"maxIterations,omitempty"`

	// Parallel fields.
	ParallelSteps []string `json:"parallelSteps,omitempty" yaml:"parallelSteps,omitempty"`

	// Human fields.
	Prompt          string          `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	InteractionType InteractionType `json:"interactionType,omitempty" yaml:"interactionType,omitempty"`
	TimeoutBehavior TimeoutBehavior `json:"timeoutBehavior,omitempty" yaml:"timeoutBehavior,omitempty"`
	RiskLevel       RiskLevel       `json:"riskLevel,omitempty" yaml:"riskLevel,omitempty"`

	// JavaScript fields. Script falls back to Task when empty.
	Script string `json:"script,omitempty" yaml:"script,omitempty"`

	// Webhook fields.
	URL string `json:"url,omitempty" yaml:"url,omitempty"`
}

// EffectiveKind returns the step kind, defaulting to agent.
func (s *WorkflowStep) EffectiveKind() StepKind {
	if s.Kind == "" {
		return StepKindAgent
	}
	return s.Kind
}

// AgentReference returns the preferred agent binding for the step: the
// explicit agentRef when present, otherwise the role.
func (s *WorkflowStep) AgentReference() string {
	if s.AgentRef != "" {
		return s.AgentRef
	}
	return s.Role
}

// StepStatus is the terminal classification of one step attempt.
type StepStatus string

const (
	StepStatusSuccess     StepStatus = "success"
	StepStatusBlocked     StepStatus = "blocked"
	StepStatusFailed      StepStatus = "failed"
	StepStatusNotExecuted StepStatus = "not_executed"
	StepStatusSkipped     StepStatus = "skipped"
	StepStatusAborted     StepStatus = "aborted"
)

// IsTerminalSuccess reports whether a status unblocks dependents.
func (s StepStatus) IsTerminalSuccess() bool {
	return s == StepStatusSuccess
}

// StepResult records the outcome of one step execution.
// status=success implies a non-empty response; status=aborted implies
// AbortedAt is set.
type StepResult struct {
	ID         string     `json:"id"`
	Status     StepStatus `json:"status"`
	Response   string     `json:"response,omitempty"`
	SessionRef string     `json:"sessionRef,omitempty"`
	DurationMs int64      `json:"durationMs"`
	Error      string     `json:"error,omitempty"`
	Attempts   int        `json:"attempts,omitempty"`
	StartTime  time.Time  `json:"startTime,omitempty"`
	EndTime    time.Time  `json:"endTime,omitempty"`
	AbortedAt  *time.Time `json:"abortedAt,omitempty"`
}

// WorkflowStatus is the aggregate status of a run.
type WorkflowStatus string

const (
	WorkflowStatusRunning   WorkflowStatus = "running"
	WorkflowStatusCompleted WorkflowStatus = "completed"
	WorkflowStatusPartial   WorkflowStatus = "partial"
	WorkflowStatusFailed    WorkflowStatus = "failed"
	WorkflowStatusAborted   WorkflowStatus = "aborted"
)

// IsTerminal reports whether the workflow has finished.
func (s WorkflowStatus) IsTerminal() bool {
	switch s {
	case WorkflowStatusCompleted, WorkflowStatusPartial, WorkflowStatusFailed, WorkflowStatusAborted:
		return true
	}
	return false
}

// WorkflowState is the checkpointed snapshot of a run. It is mutated only by
// the scheduler that owns the thread and persisted after every transition.
type WorkflowState struct {
	ThreadID             string                 `json:"threadId"`
	ProjectID            string                 `json:"projectId,omitempty"`
	WorkflowName         string                 `json:"workflowName,omitempty"`
	Steps                []WorkflowStep         `json:"steps"`
	StepResults          map[string]*StepResult `json:"stepResults"`
	StepOutputs          map[string]string      `json:"stepOutputs"`
	SessionRefs          map[string]string      `json:"sessionRefs"`
	CurrentStepIndex     int                    `json:"currentStepIndex"`
	Status               WorkflowStatus         `json:"status"`
	StartNewConversation bool                   `json:"startNewConversation,omitempty"`
	StartedAt            time.Time              `json:"startedAt"`
	UpdatedAt            time.Time              `json:"updatedAt"`
	CompletedAt          *time.Time             `json:"completedAt,omitempty"`
	Tombstoned           bool                   `json:"tombstoned,omitempty"`
}

// NewWorkflowState creates the initial snapshot for a run.
func NewWorkflowState(threadID, projectID string, steps []WorkflowStep) *WorkflowState {
	now := time.Now().UTC()
	return &WorkflowState{
		ThreadID:    threadID,
		ProjectID:   projectID,
		Steps:       steps,
		StepResults: make(map[string]*StepResult),
		StepOutputs: make(map[string]string),
		SessionRefs: make(map[string]string),
		Status:      WorkflowStatusRunning,
		StartedAt:   now,
		UpdatedAt:   now,
	}
}

// MergeResult writes a step result into the state, maintaining the
// stepOutputs and sessionRefs views. SessionRefs is append-only.
func (s *WorkflowState) MergeResult(result *StepResult) {
	if result == nil {
		return
	}
	s.StepResults[result.ID] = result
	if result.Status == StepStatusSuccess {
		s.StepOutputs[result.ID] = result.Response
	}
	if result.SessionRef != "" {
		s.SessionRefs[result.ID] = result.SessionRef
	}
	s.UpdatedAt = time.Now().UTC()
}

// Step returns the step with the given id, or nil.
func (s *WorkflowState) Step(id string) *WorkflowStep {
	for i := range s.Steps {
		if s.Steps[i].ID == id {
			return &s.Steps[i]
		}
	}
	return nil
}

// Clone returns a deep copy safe to hand to executors as a snapshot.
func (s *WorkflowState) Clone() *WorkflowState {
	out := *s
	out.Steps = append([]WorkflowStep(nil), s.Steps...)
	out.StepResults = make(map[string]*StepResult, len(s.StepResults))
	for k, v := range s.StepResults {
		cp := *v
		out.StepResults[k] = &cp
	}
	out.StepOutputs = make(map[string]string, len(s.StepOutputs))
	for k, v := range s.StepOutputs {
		out.StepOutputs[k] = v
	}
	out.SessionRefs = make(map[string]string, len(s.SessionRefs))
	for k, v := range s.SessionRefs {
		out.SessionRefs[k] = v
	}
	return &out
}

// Condition is a tagged union: a structured v2.0 rule tree, a legacy
// expression string, or a bare string (treated as a legacy expression).
type Condition struct {
	Version    string          `json:"version,omitempty" yaml:"version,omitempty"`
	RootGroup  *ConditionGroup `json:"rootGroup,omitempty" yaml:"rootGroup,omitempty"`
	Expression string          `json:"expression,omitempty" yaml:"expression,omitempty"`
}

// IsStructured reports whether the condition carries a v2.0 rule tree.
func (c *Condition) IsStructured() bool {
	return c != nil && c.RootGroup != nil
}

// UnmarshalJSON accepts the three wire forms: a bare string, an object with a
// rootGroup tree, or an object with an expression field.
func (c *Condition) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, `"`) {
		var expr string
		if err := json.Unmarshal(data, &expr); err != nil {
			return err
		}
		c.Expression = expr
		return nil
	}

	type conditionAlias struct {
		Version    string          `json:"version"`
		RootGroup  *ConditionGroup `json:"rootGroup"`
		Expression string          `json:"expression"`
	}
	var alias conditionAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	c.Version = alias.Version
	c.RootGroup = alias.RootGroup
	c.Expression = alias.Expression
	return nil
}

// Combinator joins the rules and subgroups of a condition group.
type Combinator string

const (
	CombinatorAnd Combinator = "AND"
	CombinatorOr  Combinator = "OR"
)

// ConditionGroup is one node of a structured condition tree.
type ConditionGroup struct {
	Combinator Combinator        `json:"combinator" yaml:"combinator"`
	Rules      []ConditionRule   `json:"rules,omitempty" yaml:"rules,omitempty"`
	Groups     []*ConditionGroup `json:"groups,omitempty" yaml:"groups,omitempty"`
}

// UnmarshalJSON accepts "subgroups" as an alias for "groups".
func (g *ConditionGroup) UnmarshalJSON(data []byte) error {
	type groupAlias struct {
		Combinator Combinator        `json:"combinator"`
		Rules      []ConditionRule   `json:"rules"`
		Groups     []*ConditionGroup `json:"groups"`
		Subgroups  []*ConditionGroup `json:"subgroups"`
	}
	var alias groupAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	g.Combinator = alias.Combinator
	g.Rules = alias.Rules
	g.Groups = alias.Groups
	if len(alias.Subgroups) > 0 {
		g.Groups = append(g.Groups, alias.Subgroups...)
	}
	return nil
}

// ConditionRule compares two operands under a dataType.
type ConditionRule struct {
	Left     ConditionOperand `json:"left" yaml:"left"`
	Op       string           `json:"op" yaml:"op"`
	Right    ConditionOperand `json:"right" yaml:"right"`
	DataType string           `json:"dataType,omitempty" yaml:"dataType,omitempty"`
}

// ConditionOperand is either a step reference {stepId, field} or a literal
// {type, value}.
type ConditionOperand struct {
	StepID string      `json:"stepId,omitempty" yaml:"stepId,omitempty"`
	Field  string      `json:"field,omitempty" yaml:"field,omitempty"`
	Type   string      `json:"type,omitempty" yaml:"type,omitempty"`
	Value  interface{} `json:"value,omitempty" yaml:"value,omitempty"`
}

// IsStepRef reports whether the operand references a step.
func (o *ConditionOperand) IsStepRef() bool {
	return o.StepID != ""
}

// InvokeRequest is the engine's entry point payload. Workflow accepts a
// single step object, a step array, or a raw JSON string holding either.
type InvokeRequest struct {
	Workflow             json.RawMessage `json:"workflow"`
	ThreadID             string          `json:"threadId,omitempty"`
	StartNewConversation bool            `json:"startNewConversation,omitempty"`
	ProjectID            string          `json:"projectId,omitempty"`
	Format               string          `json:"format,omitempty"`
	SavedWorkflowID      string          `json:"savedWorkflowId,omitempty"`
}

// InvokeSummary aggregates the run for the response payload.
type InvokeSummary struct {
	Total      int   `json:"total"`
	Successful int   `json:"successful"`
	Failed     int   `json:"failed"`
	Blocked    int   `json:"blocked"`
	DurationMs int64 `json:"duration"`
}

// InvokeResponse is the synchronous invoke result.
type InvokeResponse struct {
	ThreadID   string            `json:"threadId"`
	SessionIDs map[string]string `json:"sessionIds"`
	Results    map[string]string `json:"results"`
	Status     WorkflowStatus    `json:"status"`
	Summary    *InvokeSummary    `json:"summary,omitempty"`
}

// AsyncAck is the immediate reply of an async invoke.
type AsyncAck struct {
	ThreadID string `json:"threadId"`
	Status   string `json:"status"`
}

// ParseWorkflowSteps decodes the InvokeRequest.Workflow payload. A raw JSON
// string is unwrapped and parsed again.
func ParseWorkflowSteps(raw json.RawMessage) ([]WorkflowStep, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("workflow is required: %w", errValidation("workflow missing"))
	}

	trimmed := strings.TrimSpace(string(raw))

	// A JSON string containing the workflow definition.
	if strings.HasPrefix(trimmed, `"`) {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return nil, errValidation(fmt.Sprintf("workflow string is not valid JSON: %v", err))
		}
		return ParseWorkflowSteps(json.RawMessage(inner))
	}

	if strings.HasPrefix(trimmed, "[") {
		var steps []WorkflowStep
		if err := json.Unmarshal(raw, &steps); err != nil {
			return nil, errValidation(fmt.Sprintf("workflow array is malformed: %v", err))
		}
		return steps, nil
	}

	var step WorkflowStep
	if err := json.Unmarshal(raw, &step); err != nil {
		return nil, errValidation(fmt.Sprintf("workflow step is malformed: %v", err))
	}
	return []WorkflowStep{step}, nil
}
