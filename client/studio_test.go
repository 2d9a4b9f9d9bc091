package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepflow-io/stepflow/core"
)

func studioOK(resp studioExecuteResponse) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}

// fastStudio builds a client against srv with near-zero retry backoff so
// retry tests stay quick.
func fastStudio(t *testing.T, srv *httptest.Server, opts ...StudioOption) *Studio {
	t.Helper()
	s, err := NewStudio(srv.URL, opts...)
	require.NoError(t, err)
	s.retryDelay = time.Millisecond
	return s
}

func TestNewStudio_RequiresBaseURL(t *testing.T) {
	t.Setenv("CLAUDE_STUDIO_API", "")

	_, err := NewStudio("")
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrMissingConfiguration)
}

func TestNewStudio_EnvFallbackAndTrailingSlash(t *testing.T) {
	var gotPath atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath.Store(r.URL.Path)
		studioOK(studioExecuteResponse{Response: "ok", SessionRef: "s1"})(w, r)
	}))
	defer srv.Close()

	t.Setenv("CLAUDE_STUDIO_API", srv.URL+"/")
	s, err := NewStudio("")
	require.NoError(t, err)

	_, err = s.Send(context.Background(), &core.AgentRequest{Task: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "/api/agents/execute", gotPath.Load())
}

func TestStudio_Send(t *testing.T) {
	var (
		gotMethod      atomic.Value
		gotContentType atomic.Value
		gotBody        atomic.Value
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod.Store(r.Method)
		gotContentType.Store(r.Header.Get("Content-Type"))
		var req studioExecuteRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err == nil {
			gotBody.Store(req)
		}
		resp := studioExecuteResponse{
			Response:   "All checks passing.",
			SessionRef: "studio-session-9",
			Model:      "claude-sonnet",
		}
		resp.Usage.PromptTokens = 120
		resp.Usage.CompletionTokens = 40
		resp.Usage.TotalTokens = 160
		studioOK(resp)(w, r)
	}))
	defer srv.Close()

	s := fastStudio(t, srv)
	resp, err := s.Send(context.Background(), &core.AgentRequest{
		Task:        "Run the test suite",
		ProjectID:   "proj-1",
		SessionRef:  "studio-session-8",
		ProjectPath: "/srv/app",
		Agent:       &core.AgentConfig{ID: "tester", Role: "tester"},
	})
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, gotMethod.Load())
	assert.Equal(t, "application/json", gotContentType.Load())
	sent, ok := gotBody.Load().(studioExecuteRequest)
	require.True(t, ok, "server never decoded the request body")
	assert.Equal(t, "Run the test suite", sent.Task)
	assert.Equal(t, "proj-1", sent.ProjectID)
	assert.Equal(t, "studio-session-8", sent.SessionRef)
	assert.Equal(t, "/srv/app", sent.ProjectPath)
	require.NotNil(t, sent.Agent)
	assert.Equal(t, "tester", sent.Agent.ID)

	assert.Equal(t, "All checks passing.", resp.Response)
	assert.Equal(t, "studio-session-9", resp.SessionRef)
	assert.Equal(t, "claude-sonnet", resp.Model)
	assert.Equal(t, core.TokenUsage{PromptTokens: 120, CompletionTokens: 40, TotalTokens: 160}, resp.Usage)
}

func TestStudio_Send_RetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		studioOK(studioExecuteResponse{Response: "recovered", SessionRef: "s2"})(w, r)
	}))
	defer srv.Close()

	s := fastStudio(t, srv)
	resp, err := s.Send(context.Background(), &core.AgentRequest{Task: "flaky"})
	require.NoError(t, err)
	assert.Equal(t, "recovered", resp.Response)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestStudio_Send_RetriesRateLimit(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		studioOK(studioExecuteResponse{Response: "after backoff", SessionRef: "s3"})(w, r)
	}))
	defer srv.Close()

	s := fastStudio(t, srv)
	resp, err := s.Send(context.Background(), &core.AgentRequest{Task: "throttled"})
	require.NoError(t, err)
	assert.Equal(t, "after backoff", resp.Response)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestStudio_Send_ClientErrorsDoNotRetry(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		body       string
		wantMsg    string
		wantIs     error
	}{
		{"unauthorized", http.StatusUnauthorized, "", "unauthorized (check studio credentials)", nil},
		{"forbidden", http.StatusForbidden, "", "unauthorized (check studio credentials)", nil},
		{"not found", http.StatusNotFound, "", "endpoint not found", core.ErrAgentNotFound},
		{"bad request", http.StatusBadRequest, "task is required", "task is required", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&calls, 1)
				w.WriteHeader(tt.statusCode)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			s := fastStudio(t, srv)
			_, err := s.Send(context.Background(), &core.AgentRequest{Task: "denied"})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantMsg)
			if tt.wantIs != nil {
				assert.ErrorIs(t, err, tt.wantIs)
			}
			assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "4xx responses must not be retried")
		})
	}
}

func TestStudio_Send_ExhaustsRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := fastStudio(t, srv, WithStudioRetries(1))
	_, err := s.Send(context.Background(), &core.AgentRequest{Task: "doomed"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agent request failed after 1 retries")
	assert.Contains(t, err.Error(), "server error: status 500")
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestStudio_Send_ContextCancelledDuringBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s, err := NewStudio(srv.URL)
	require.NoError(t, err)
	s.retryDelay = 10 * time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = s.Send(ctx, &core.AgentRequest{Task: "abandoned"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStudio_Send_BodyErrorField(t *testing.T) {
	srv := httptest.NewServer(studioOK(studioExecuteResponse{Error: "model overloaded"}))
	defer srv.Close()

	s := fastStudio(t, srv)
	_, err := s.Send(context.Background(), &core.AgentRequest{Task: "busy"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "studio API error: model overloaded")
}

func TestStudio_Send_MalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer srv.Close()

	s := fastStudio(t, srv)
	_, err := s.Send(context.Background(), &core.AgentRequest{Task: "garbled"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed agent response")
}
