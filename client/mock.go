// Package client provides agent backend clients for the workflow engine: an
// HTTP client for the studio agent API and a deterministic mock for tests and
// offline development.
package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stepflow-io/stepflow/core"
)

// mockPattern maps a task keyword to a canned response. Patterns are checked
// in order; the first match wins.
type mockPattern struct {
	keyword  string
	response string
}

var mockPatterns = []mockPattern{
	{"design", "Architecture design:\n1. API layer handling ingress and validation\n2. Engine core with dependency-ordered scheduling\n3. Storage adapters for state, sessions, and approvals"},
	{"implement", "Implementation complete:\n```\nfunc Run() error {\n    return pipeline.Execute()\n}\n```\nAll referenced modules compile."},
	{"test", "Test specification:\n- unit tests covering the happy path and failure modes\n- integration tests against a live backend\nAll checks passing."},
	{"review", "Code review complete: no blocking issues found. Two minor style suggestions noted inline."},
	{"security", "Security analysis: no critical vulnerabilities identified. Input validation, authentication, and secret handling reviewed."},
	{"deploy", "Deployment status: release rolled out successfully. Health checks green across all instances."},
	{"document", "Documentation updated: usage guide, configuration reference, and API examples written."},
}

// MockTaskResponse returns the deterministic canned response for a task. Tasks
// matching no pattern get a generic acknowledgement that echoes the resolved
// task text, so template substitutions stay observable downstream.
func MockTaskResponse(task string) string {
	lowered := strings.ToLower(task)
	for _, p := range mockPatterns {
		if strings.Contains(lowered, p.keyword) {
			return p.response
		}
	}
	return fmt.Sprintf("Hello World! Mock agent acknowledging task: %s", task)
}

// Mock implements core.AgentClient without a backend. Responses come from the
// pattern table unless a script is queued with SetResponses. Latency simulates
// a slow agent and is interruptible by context cancellation.
type Mock struct {
	Latency time.Duration

	mu            sync.Mutex
	responses     []string
	responseIndex int
	err           error
	callCount     int
	lastTask      string
}

// MockOption configures a Mock client.
type MockOption func(*Mock)

// WithMockLatency makes every Send take at least d.
func WithMockLatency(d time.Duration) MockOption {
	return func(m *Mock) {
		m.Latency = d
	}
}

// NewMock creates a mock agent client.
func NewMock(opts ...MockOption) *Mock {
	m := &Mock{}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Send returns the canned response for the request's task. A session
// reference is minted when the request carries none, so conversation
// continuity is observable in tests.
func (m *Mock) Send(ctx context.Context, req *core.AgentRequest) (*core.AgentResponse, error) {
	m.mu.Lock()
	m.callCount++
	m.lastTask = req.Task
	latency := m.Latency
	err := m.err
	var scripted string
	var hasScript bool
	if len(m.responses) > 0 {
		if m.responseIndex >= len(m.responses) {
			m.mu.Unlock()
			return nil, errors.New("no more mock responses")
		}
		scripted = m.responses[m.responseIndex]
		m.responseIndex++
		hasScript = true
	}
	m.mu.Unlock()

	if latency > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(latency):
		}
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	if err != nil {
		return nil, err
	}

	response := scripted
	if !hasScript {
		response = MockTaskResponse(req.Task)
	}

	sessionRef := req.SessionRef
	if sessionRef == "" {
		sessionRef = "mock-session-" + uuid.New().String()[:8]
	}

	return &core.AgentResponse{
		Response:   response,
		SessionRef: sessionRef,
		Model:      "mock-model",
		Usage: core.TokenUsage{
			PromptTokens:     len(req.Task) / 4,
			CompletionTokens: len(response) / 4,
			TotalTokens:      (len(req.Task) + len(response)) / 4,
		},
	}, nil
}

// SetResponses queues scripted responses consumed in order, overriding the
// pattern table.
func (m *Mock) SetResponses(responses ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = responses
	m.responseIndex = 0
}

// SetError makes every Send fail with err until Reset.
func (m *Mock) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Reset clears scripted responses, errors, and counters.
func (m *Mock) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = nil
	m.responseIndex = 0
	m.err = nil
	m.callCount = 0
	m.lastTask = ""
}

// CallCount returns how many Sends were made.
func (m *Mock) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCount
}

// LastTask returns the task of the most recent Send.
func (m *Mock) LastTask() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastTask
}

var _ core.AgentClient = (*Mock)(nil)
