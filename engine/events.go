package engine

import "time"

// Event names published on the workflow event bus. Transports (SSE,
// WebSocket, Redis pub/sub) fan these out to consumers; handlers must be
// idempotent because cross-process delivery may duplicate.
const (
	// Workflow lifecycle.
	EventWorkflowCreated  = "workflow_created"
	EventWorkflowComplete = "workflow_complete"
	EventWorkflowFailed   = "workflow_failed"
	EventWorkflowAbort    = "workflow_abort"
	EventWorkflowStatus   = "workflow_status"

	// Step lifecycle. step_start precedes step_complete/step_failed for the
	// same step; step_update carries non-terminal reconciliation (skips,
	// blocked dependents) that has no start/complete pair.
	EventStepStart    = "step_start"
	EventStepComplete = "step_complete"
	EventStepFailed   = "step_failed"
	EventStepUpdate   = "step_update"

	// Graph snapshots for live visualization.
	EventGraphUpdate = "graph_update"

	// Human approval protocol.
	EventApprovalRequested = "approval_requested"
	EventApprovalCreated   = "approval_created"
	EventApprovalDecided   = "approval_decided"
	EventApprovalUpdated   = "approval_updated"

	// Conversation and agent telemetry surfaced to UI channels.
	EventUserMessage        = "message:new"
	EventAgentStatusChanged = "agent:status-changed"
	EventAgentTokenUsage    = "agent:token-usage"
)

// Event is the envelope carried by the bus. Data holds event-specific fields;
// ThreadID is duplicated out of Data so transports can filter without
// inspecting the payload. Origin identifies the emitting process and lets the
// Redis transport suppress its own echoes.
type Event struct {
	Name      string                 `json:"event"`
	ThreadID  string                 `json:"threadId,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Origin    string                 `json:"origin,omitempty"`
}

// EventHandler receives bus events. Handlers run on the emitter's goroutine
// and must not block.
type EventHandler func(event Event)

// EventSink is the narrow emit surface handed to executors. The scheduler
// binds it to the workflow's thread so executors only name the event.
type EventSink interface {
	Emit(name string, data map[string]interface{})
}
