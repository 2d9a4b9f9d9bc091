package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/stepflow-io/stepflow/core"
)

const (
	defaultStudioTimeout   = 15 * time.Minute
	studioMaxRetries       = 3
	studioRetryDelay       = time.Second
	studioBreakerThreshold = 5
	studioBreakerCooldown  = 30 * time.Second
	executePath            = "/api/agents/execute"
)

// Studio calls the studio agent API over HTTP. One Send maps to one agent
// turn: the studio resumes the conversation identified by sessionRef, runs
// the task, and returns the full text output with a new sessionRef.
type Studio struct {
	baseURL          string
	httpClient       *http.Client
	maxRetries       int
	retryDelay       time.Duration
	breakerThreshold int
	breakerCooldown  time.Duration
	breaker          *breaker
	logger           core.Logger
}

// StudioOption configures a Studio client.
type StudioOption func(*Studio)

// WithStudioTimeout bounds a single HTTP exchange (default 15m; agent turns
// are long).
func WithStudioTimeout(timeout time.Duration) StudioOption {
	return func(s *Studio) {
		if timeout > 0 {
			s.httpClient.Timeout = timeout
		}
	}
}

// WithStudioRetries overrides the retry count for transport and 5xx failures.
func WithStudioRetries(retries int) StudioOption {
	return func(s *Studio) {
		if retries >= 0 {
			s.maxRetries = retries
		}
	}
}

// WithStudioLogger sets the client logger.
func WithStudioLogger(logger core.Logger) StudioOption {
	return func(s *Studio) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithStudioBreaker tunes the circuit breaker guarding the studio backend:
// consecutive failures before opening, and how long to reject before probing.
func WithStudioBreaker(threshold int, cooldown time.Duration) StudioOption {
	return func(s *Studio) {
		if threshold > 0 {
			s.breakerThreshold = threshold
		}
		if cooldown > 0 {
			s.breakerCooldown = cooldown
		}
	}
}

// NewStudio creates a studio client. baseURL falls back to CLAUDE_STUDIO_API.
func NewStudio(baseURL string, opts ...StudioOption) (*Studio, error) {
	if baseURL == "" {
		baseURL = core.GetEnvOrDefault("CLAUDE_STUDIO_API", "")
	}
	if baseURL == "" {
		return nil, fmt.Errorf("studio API base URL is required (set CLAUDE_STUDIO_API): %w", core.ErrMissingConfiguration)
	}

	s := &Studio{
		baseURL:          strings.TrimRight(baseURL, "/"),
		httpClient:       &http.Client{Timeout: defaultStudioTimeout},
		maxRetries:       studioMaxRetries,
		retryDelay:       studioRetryDelay,
		breakerThreshold: studioBreakerThreshold,
		breakerCooldown:  studioBreakerCooldown,
		logger:           &core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if cl, ok := s.logger.(core.ComponentAwareLogger); ok {
		s.logger = cl.WithComponent("client/studio")
	}
	s.breaker = newBreaker("studio", s.breakerThreshold, s.breakerCooldown, s.logger)
	return s, nil
}

// studioExecuteRequest is the wire payload for one agent turn.
type studioExecuteRequest struct {
	Task        string            `json:"task"`
	ProjectID   string            `json:"projectId,omitempty"`
	SessionRef  string            `json:"sessionRef,omitempty"`
	ProjectPath string            `json:"projectPath,omitempty"`
	Agent       *core.AgentConfig `json:"agent,omitempty"`
}

// studioExecuteResponse is the wire result of one agent turn.
type studioExecuteResponse struct {
	Response   string `json:"response"`
	SessionRef string `json:"sessionRef"`
	Model      string `json:"model,omitempty"`
	Usage      struct {
		PromptTokens     int `json:"promptTokens"`
		CompletionTokens int `json:"completionTokens"`
		TotalTokens      int `json:"totalTokens"`
	} `json:"usage"`
	Error string `json:"error,omitempty"`
}

// Send executes one agent turn against the studio API.
func (s *Studio) Send(ctx context.Context, req *core.AgentRequest) (*core.AgentResponse, error) {
	payload, err := json.Marshal(studioExecuteRequest{
		Task:        req.Task,
		ProjectID:   req.ProjectID,
		SessionRef:  req.SessionRef,
		ProjectPath: req.ProjectPath,
		Agent:       req.Agent,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode agent request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+executePath, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build agent request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := s.executeWithRetry(ctx, httpReq, payload)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read agent response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, s.handleError(resp.StatusCode, body)
	}

	var decoded studioExecuteResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("malformed agent response (status %d): %w", resp.StatusCode, err)
	}
	if decoded.Error != "" {
		return nil, fmt.Errorf("studio API error: %s", decoded.Error)
	}

	s.logger.DebugWithContext(ctx, "Agent turn completed", map[string]interface{}{
		"operation":    "studio_execute",
		"model":        decoded.Model,
		"total_tokens": decoded.Usage.TotalTokens,
		"duration_ms":  time.Since(start).Milliseconds(),
	})

	return &core.AgentResponse{
		Response:   decoded.Response,
		SessionRef: decoded.SessionRef,
		Model:      decoded.Model,
		Usage: core.TokenUsage{
			PromptTokens:     decoded.Usage.PromptTokens,
			CompletionTokens: decoded.Usage.CompletionTokens,
			TotalTokens:      decoded.Usage.TotalTokens,
		},
	}, nil
}

// executeWithRetry retries transport failures and 5xx/429 responses with
// exponential backoff. 4xx responses other than 429 return immediately. Every
// attempt passes through the circuit breaker; an open circuit aborts the
// whole exchange.
func (s *Studio) executeWithRetry(ctx context.Context, req *http.Request, payload []byte) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if err := s.breaker.allow(); err != nil {
			return nil, err
		}

		reqClone := req.Clone(ctx)
		reqClone.Body = io.NopCloser(bytes.NewReader(payload))

		resp, err := s.httpClient.Do(reqClone)
		if err == nil && resp.StatusCode < 400 {
			s.breaker.success()
			return resp, nil
		}
		if err == nil && resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			// The backend answered; only the request was bad.
			s.breaker.success()
			return resp, nil
		}

		s.breaker.failure()
		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("server error: status %d", resp.StatusCode)
			_ = resp.Body.Close()
		}

		if attempt < s.maxRetries {
			delay := s.retryDelay * time.Duration(1<<uint(attempt))
			s.logger.Warn("Agent request failed, retrying", map[string]interface{}{
				"operation":      "studio_retry",
				"attempt":        attempt + 1,
				"max_retries":    s.maxRetries,
				"retry_delay_ms": delay.Milliseconds(),
				"error":          lastErr.Error(),
			})
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	return nil, fmt.Errorf("agent request failed after %d retries: %w", s.maxRetries, lastErr)
}

// handleError maps HTTP failure statuses to errors with actionable hints.
func (s *Studio) handleError(statusCode int, body []byte) error {
	switch statusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("studio API error: unauthorized (check studio credentials)")
	case http.StatusNotFound:
		return fmt.Errorf("studio API error: endpoint not found (check CLAUDE_STUDIO_API): %w", core.ErrAgentNotFound)
	case http.StatusTooManyRequests:
		return fmt.Errorf("studio API error: rate limit exceeded")
	default:
		return fmt.Errorf("studio API error (status %d): %s", statusCode, strings.TrimSpace(string(body)))
	}
}

var _ core.AgentClient = (*Studio)(nil)
