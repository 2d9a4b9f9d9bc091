package core

import (
	"errors"
	"fmt"
)

// Standard sentinel errors for comparison using errors.Is()
// These are generic errors that can be wrapped with additional context
var (
	// Workflow errors
	ErrWorkflowNotFound = errors.New("workflow not found")
	ErrInvalidWorkflow  = errors.New("invalid workflow")
	ErrWorkflowAborted  = errors.New("workflow aborted")

	// Step errors
	ErrStepNotFound    = errors.New("step not found")
	ErrStepTimeout     = errors.New("step timed out")
	ErrExecutorMissing = errors.New("no executor registered for step kind")

	// Agent / project resolution errors
	ErrAgentNotFound   = errors.New("agent not found")
	ErrRoleNotFound    = errors.New("role not found")
	ErrProjectNotFound = errors.New("project not found")

	// Approval errors
	ErrApprovalNotFound  = errors.New("approval not found")
	ErrInvalidTransition = errors.New("invalid transition")

	// Configuration errors
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing required configuration")

	// Validation errors
	ErrValidation = errors.New("validation failed")

	// State errors
	ErrAlreadyStarted = errors.New("already started")
	ErrNotInitialized = errors.New("not initialized")

	// Operation errors
	ErrTimeout            = errors.New("operation timeout")
	ErrContextCanceled    = errors.New("context canceled")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")

	// Infrastructure errors
	ErrConnectionFailed   = errors.New("connection failed")
	ErrStoreUnavailable   = errors.New("store unavailable")
	ErrRequestFailed      = errors.New("request failed")
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
)

// EngineError provides structured error information with context.
// It implements the error interface and supports error wrapping.
type EngineError struct {
	Op      string // Operation that failed (e.g., "checkpointer.Save")
	Kind    string // Error kind (e.g., "workflow", "approval", "config")
	ID      string // Optional ID of the entity involved (threadId, approvalId)
	Message string // Human-readable message
	Err     error  // Underlying error for wrapping
}

// Error returns the string representation of the error
func (e *EngineError) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.ID != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.ID, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

// Unwrap returns the underlying error for use with errors.Is/As
func (e *EngineError) Unwrap() error {
	return e.Err
}

// NewEngineError creates a new EngineError
func NewEngineError(op, kind string, err error) *EngineError {
	return &EngineError{
		Op:   op,
		Kind: kind,
		Err:  err,
	}
}

// IsRetryable checks if an error is retryable.
// Retryable errors are typically transient network or availability issues.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrConnectionFailed) ||
		errors.Is(err, ErrStoreUnavailable)
}

// IsNotFound checks if an error represents a "not found" condition
func IsNotFound(err error) bool {
	return errors.Is(err, ErrWorkflowNotFound) ||
		errors.Is(err, ErrStepNotFound) ||
		errors.Is(err, ErrAgentNotFound) ||
		errors.Is(err, ErrRoleNotFound) ||
		errors.Is(err, ErrProjectNotFound) ||
		errors.Is(err, ErrApprovalNotFound)
}

// IsConfigurationError checks if an error is configuration-related
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration) ||
		errors.Is(err, ErrMissingConfiguration)
}

// IsValidationError checks if an error is a request validation failure
func IsValidationError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidWorkflow)
}

// IsInvalidTransition checks if an error is a state transition violation
func IsInvalidTransition(err error) bool {
	return errors.Is(err, ErrInvalidTransition)
}
