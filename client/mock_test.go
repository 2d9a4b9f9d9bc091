package client

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepflow-io/stepflow/core"
)

func TestMockTaskResponse(t *testing.T) {
	tests := []struct {
		name string
		task string
		want string
	}{
		{"design", "Design a caching layer", "Architecture design"},
		{"implement", "Please implement the parser", "Implementation complete"},
		{"test", "Write tests for the API", "Test specification"},
		{"review", "Review the pull request", "Code review complete"},
		{"security", "Run a security audit", "Security analysis"},
		{"deploy", "Deploy to staging", "Deployment status"},
		{"document", "Document the config flags", "Documentation updated"},
		{"case insensitive", "DESIGN THE SYSTEM", "Architecture design"},
		{"pattern order wins", "Deploy after review", "Code review complete"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MockTaskResponse(tt.task)
			assert.True(t, strings.HasPrefix(got, tt.want), "task %q: got %q, want prefix %q", tt.task, got, tt.want)
		})
	}

	t.Run("fallback echoes task", func(t *testing.T) {
		got := MockTaskResponse("Summarize the changelog")
		assert.Equal(t, "Hello World! Mock agent acknowledging task: Summarize the changelog", got)
	})
}

func TestMock_SendDefaults(t *testing.T) {
	m := NewMock()
	task := "Review the migration plan"

	resp, err := m.Send(context.Background(), &core.AgentRequest{Task: task})
	require.NoError(t, err)

	assert.Equal(t, MockTaskResponse(task), resp.Response)
	assert.True(t, strings.HasPrefix(resp.SessionRef, "mock-session-"))
	assert.Len(t, resp.SessionRef, len("mock-session-")+8)
	assert.Equal(t, "mock-model", resp.Model)
	assert.Equal(t, len(task)/4, resp.Usage.PromptTokens)
	assert.Equal(t, len(resp.Response)/4, resp.Usage.CompletionTokens)
	assert.Equal(t, (len(task)+len(resp.Response))/4, resp.Usage.TotalTokens)
	assert.Equal(t, 1, m.CallCount())
	assert.Equal(t, task, m.LastTask())
}

func TestMock_SendPreservesSessionRef(t *testing.T) {
	m := NewMock()

	resp, err := m.Send(context.Background(), &core.AgentRequest{
		Task:       "Deploy to staging",
		SessionRef: "sess-42",
	})
	require.NoError(t, err)
	assert.Equal(t, "sess-42", resp.SessionRef)
}

func TestMock_ScriptedResponses(t *testing.T) {
	m := NewMock()
	m.SetResponses("first answer", "second answer")

	resp, err := m.Send(context.Background(), &core.AgentRequest{Task: "one"})
	require.NoError(t, err)
	assert.Equal(t, "first answer", resp.Response)

	resp, err = m.Send(context.Background(), &core.AgentRequest{Task: "two"})
	require.NoError(t, err)
	assert.Equal(t, "second answer", resp.Response)

	_, err = m.Send(context.Background(), &core.AgentRequest{Task: "three"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no more mock responses")

	// The exhausted call still counts and records its task.
	assert.Equal(t, 3, m.CallCount())
	assert.Equal(t, "three", m.LastTask())
}

func TestMock_SetError(t *testing.T) {
	m := NewMock()
	sentinel := errors.New("agent backend down")
	m.SetError(sentinel)

	resp, err := m.Send(context.Background(), &core.AgentRequest{Task: "anything"})
	require.Error(t, err)
	assert.ErrorIs(t, err, sentinel)
	assert.Nil(t, resp)
}

func TestMock_Reset(t *testing.T) {
	m := NewMock()
	m.SetResponses("scripted")
	m.SetError(errors.New("boom"))
	_, _ = m.Send(context.Background(), &core.AgentRequest{Task: "before"})

	m.Reset()
	assert.Equal(t, 0, m.CallCount())
	assert.Equal(t, "", m.LastTask())

	resp, err := m.Send(context.Background(), &core.AgentRequest{Task: "Review the patch"})
	require.NoError(t, err)
	assert.Equal(t, MockTaskResponse("Review the patch"), resp.Response)
	assert.Equal(t, 1, m.CallCount())
	assert.Equal(t, "Review the patch", m.LastTask())
}

func TestMock_Latency(t *testing.T) {
	m := NewMock(WithMockLatency(50 * time.Millisecond))

	start := time.Now()
	_, err := m.Send(context.Background(), &core.AgentRequest{Task: "slow"})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestMock_ContextCancellation(t *testing.T) {
	t.Run("during latency wait", func(t *testing.T) {
		m := NewMock(WithMockLatency(10 * time.Second))
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := m.Send(ctx, &core.AgentRequest{Task: "never"})
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("without latency", func(t *testing.T) {
		m := NewMock()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := m.Send(ctx, &core.AgentRequest{Task: "never"})
		assert.ErrorIs(t, err, context.Canceled)
	})
}
