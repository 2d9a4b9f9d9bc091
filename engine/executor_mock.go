package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/stepflow-io/stepflow/client"
	"github.com/stepflow-io/stepflow/core"
)

// MockExecutor resolves agent-shaped steps without a backend, returning
// deterministic responses from the shared pattern table. It handles steps of
// kind mock always, and agent steps when the engine runs with useMock. Mock
// steps always succeed; the status operator is never consulted.
type MockExecutor struct {
	delay   time.Duration
	useMock bool
	logger  core.Logger
}

// NewMockExecutor creates a mock executor. delay simulates agent latency and
// is interruptible by abort.
func NewMockExecutor(delay time.Duration, useMock bool, logger core.Logger) *MockExecutor {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cl, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cl.WithComponent("engine/executor")
	}
	return &MockExecutor{delay: delay, useMock: useMock, logger: logger}
}

func (m *MockExecutor) Name() string { return "mock" }

func (m *MockExecutor) CanHandle(step *WorkflowStep) bool {
	kind := step.EffectiveKind()
	if kind == StepKindMock {
		return true
	}
	return m.useMock && kind == StepKindAgent
}

func (m *MockExecutor) Execute(ctx context.Context, step *WorkflowStep, ec *ExecContext) *StepResult {
	start := time.Now().UTC()
	task := ec.resolveTask(step.Task)

	// Mint the session up front so an abort mid-call still records the
	// reference that was live when the step started.
	sessionRef := step.SessionRef
	if sessionRef == "" {
		sessionRef = "mock-session-" + uuid.New().String()[:8]
	}

	ec.emit(EventUserMessage, map[string]interface{}{
		"stepId":  step.ID,
		"role":    step.AgentReference(),
		"content": task,
	})
	ec.heartbeat(step.ID)

	if m.delay > 0 {
		select {
		case <-ctx.Done():
			m.logger.InfoWithContext(ctx, "Mock step aborted during simulated latency", map[string]interface{}{
				"operation": "mock_execute",
				"thread_id": ec.ThreadID,
				"step_id":   step.ID,
			})
			return abortedResult(step.ID, sessionRef, start)
		case <-time.After(m.delay):
		}
	}

	select {
	case <-ctx.Done():
		return abortedResult(step.ID, sessionRef, start)
	default:
	}

	response := client.MockTaskResponse(task)
	m.logger.DebugWithContext(ctx, "Mock step completed", map[string]interface{}{
		"operation": "mock_execute",
		"thread_id": ec.ThreadID,
		"step_id":   step.ID,
		"role":      step.AgentReference(),
	})
	return successResult(step.ID, response, sessionRef, start)
}

var _ Executor = (*MockExecutor)(nil)
