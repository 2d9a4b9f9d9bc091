package stepflow

import (
	"github.com/stepflow-io/stepflow/core"
	"github.com/stepflow-io/stepflow/engine"
)

// Type aliases so embedders can work against the root package alone
type Logger = core.Logger
type AgentClient = core.AgentClient
type AgentConfig = core.AgentConfig
type AgentRequest = core.AgentRequest
type AgentResponse = core.AgentResponse
type ConfigStore = core.ConfigStore
type TokenUsage = core.TokenUsage

type WorkflowStep = engine.WorkflowStep
type WorkflowState = engine.WorkflowState
type WorkflowDefinition = engine.WorkflowDefinition
type StepResult = engine.StepResult
type InvokeRequest = engine.InvokeRequest
type InvokeResponse = engine.InvokeResponse
type Approval = engine.Approval
type Event = engine.Event
type Graph = engine.Graph

const (
	StatusRunning   = engine.WorkflowStatusRunning
	StatusCompleted = engine.WorkflowStatusCompleted
	StatusPartial   = engine.WorkflowStatusPartial
	StatusFailed    = engine.WorkflowStatusFailed
	StatusAborted   = engine.WorkflowStatusAborted
)
