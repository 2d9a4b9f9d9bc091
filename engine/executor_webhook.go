package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/stepflow-io/stepflow/core"
)

const (
	webhookMaxTries       = 3
	webhookAttemptTimeout = 30 * time.Second
	webhookInitialWait    = time.Second
	webhookMaxBody        = 1 << 10 // cap per payload output and response capture
)

// WebhookExecutor delivers the workflow context to an external HTTP endpoint.
// Delivery retries transient failures up to three attempts with exponential
// waits; 4xx responses other than 429 are permanent. This is the only
// executor with its own retry policy, so the scheduler never re-runs it.
type WebhookExecutor struct {
	httpClient *http.Client
	logger     core.Logger
}

// WebhookExecutorOption configures a WebhookExecutor.
type WebhookExecutorOption func(*WebhookExecutor)

// WithWebhookHTTPClient substitutes the HTTP client (tests).
func WithWebhookHTTPClient(client *http.Client) WebhookExecutorOption {
	return func(e *WebhookExecutor) {
		if client != nil {
			e.httpClient = client
		}
	}
}

// WithWebhookLogger sets the executor logger.
func WithWebhookLogger(logger core.Logger) WebhookExecutorOption {
	return func(e *WebhookExecutor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewWebhookExecutor creates a webhook executor.
func NewWebhookExecutor(opts ...WebhookExecutorOption) *WebhookExecutor {
	e := &WebhookExecutor{
		httpClient: &http.Client{Timeout: webhookAttemptTimeout},
		logger:     &core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(e)
	}
	if cl, ok := e.logger.(core.ComponentAwareLogger); ok {
		e.logger = cl.WithComponent("engine/executor")
	}
	return e
}

func (w *WebhookExecutor) Name() string { return "webhook" }

func (w *WebhookExecutor) CanHandle(step *WorkflowStep) bool {
	return step.EffectiveKind() == StepKindWebhook
}

// webhookPayload is the delivered document: run metadata, the delivering
// step, every successful output so far, and a result summary.
type webhookPayload struct {
	Metadata struct {
		ThreadID     string `json:"threadId"`
		ProjectID    string `json:"projectId,omitempty"`
		WorkflowName string `json:"workflowName,omitempty"`
		StepID       string `json:"stepId"`
		Timestamp    string `json:"timestamp"`
	} `json:"metadata"`
	Step struct {
		ID   string `json:"id"`
		Task string `json:"task,omitempty"`
	} `json:"step"`
	Outputs map[string]string `json:"outputs"`
	Summary struct {
		Total      int `json:"total"`
		Successful int `json:"successful"`
		Failed     int `json:"failed"`
		Blocked    int `json:"blocked"`
	} `json:"summary"`
}

func (w *WebhookExecutor) Execute(ctx context.Context, step *WorkflowStep, ec *ExecContext) *StepResult {
	start := time.Now().UTC()

	if !isHTTPURL(step.URL) {
		return failedResult(step.ID, fmt.Sprintf("invalid webhook URL %q: must be an absolute http or https URL", step.URL), "", start)
	}

	payload := w.buildPayload(step, ec)
	body, err := json.Marshal(payload)
	if err != nil {
		return failedResult(step.ID, fmt.Sprintf("could not encode webhook payload: %v", err), "", start)
	}

	type delivery struct {
		status int
		body   string
	}

	operation := func() (delivery, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, webhookAttemptTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, step.URL, bytes.NewReader(body))
		if err != nil {
			return delivery{}, backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := w.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return delivery{}, backoff.Permanent(ctx.Err())
			}
			return delivery{}, err
		}
		defer func() { _ = resp.Body.Close() }()

		captured, _ := io.ReadAll(io.LimitReader(resp.Body, webhookMaxBody))

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return delivery{status: resp.StatusCode, body: string(captured)}, nil
		}
		statusErr := fmt.Errorf("webhook returned status %d", resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return delivery{}, backoff.Permanent(statusErr)
		}
		return delivery{}, statusErr
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = webhookInitialWait
	expBackoff.RandomizationFactor = 0
	expBackoff.Multiplier = 2

	result, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(webhookMaxTries),
		backoff.WithNotify(func(err error, wait time.Duration) {
			w.logger.WarnWithContext(ctx, "Webhook delivery failed, retrying", map[string]interface{}{
				"operation": "webhook_execute",
				"thread_id": ec.ThreadID,
				"step_id":   step.ID,
				"url":       step.URL,
				"wait_ms":   wait.Milliseconds(),
				"error":     err.Error(),
			})
		}),
	)
	if err != nil {
		if ctx.Err() != nil {
			return abortedResult(step.ID, "", start)
		}
		return failedResult(step.ID, fmt.Sprintf("webhook delivery failed after %d attempts: %v", webhookMaxTries, err), "", start)
	}

	w.logger.InfoWithContext(ctx, "Webhook delivered", map[string]interface{}{
		"operation": "webhook_execute",
		"thread_id": ec.ThreadID,
		"step_id":   step.ID,
		"url":       step.URL,
		"status":    result.status,
	})

	response := result.body
	if response == "" {
		response = fmt.Sprintf("Webhook delivered (status %d)", result.status)
	}
	return successResult(step.ID, response, "", start)
}

// buildPayload snapshots the run for delivery.
func (w *WebhookExecutor) buildPayload(step *WorkflowStep, ec *ExecContext) webhookPayload {
	var payload webhookPayload
	payload.Metadata.ThreadID = ec.ThreadID
	payload.Metadata.ProjectID = ec.ProjectID
	payload.Metadata.WorkflowName = ec.WorkflowName
	payload.Metadata.StepID = step.ID
	payload.Metadata.Timestamp = time.Now().UTC().Format(time.RFC3339)
	payload.Step.ID = step.ID
	payload.Step.Task = ec.resolveTask(step.Task)

	payload.Outputs = make(map[string]string, len(ec.State.StepOutputs))
	for k, v := range ec.State.StepOutputs {
		if len(v) > webhookMaxBody {
			v = v[:webhookMaxBody]
		}
		payload.Outputs[k] = v
	}

	payload.Summary.Total = len(ec.State.Steps)
	for _, r := range ec.State.StepResults {
		switch r.Status {
		case StepStatusSuccess:
			payload.Summary.Successful++
		case StepStatusBlocked:
			payload.Summary.Blocked++
		case StepStatusFailed:
			payload.Summary.Failed++
		}
	}
	return payload
}

var _ Executor = (*WebhookExecutor)(nil)
