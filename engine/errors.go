package engine

import (
	"errors"
	"fmt"

	"github.com/stepflow-io/stepflow/core"
)

// Error taxonomy. Validation and transition failures surface as 400s,
// lookups as 404s; executor failures never cross the scheduler boundary as
// errors (they become step results).

// ValidationError reports a malformed request or workflow definition.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("validation failed: %s", e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return core.ErrValidation
}

// NewValidationError creates a field-scoped validation error.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func errValidation(reason string) error {
	return &ValidationError{Reason: reason}
}

// IsValidationError checks whether an error is a request validation failure.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve) || errors.Is(err, core.ErrValidation)
}

// InvalidWorkflowError reports a workflow whose dependency closure is
// unbuildable (cycles, dangling references, missing required fields).
type InvalidWorkflowError struct {
	Reason string
}

func (e *InvalidWorkflowError) Error() string {
	return fmt.Sprintf("invalid workflow: %s", e.Reason)
}

func (e *InvalidWorkflowError) Unwrap() error {
	return core.ErrInvalidWorkflow
}

// IsInvalidWorkflow checks whether an error is a workflow build rejection.
func IsInvalidWorkflow(err error) bool {
	var iw *InvalidWorkflowError
	return errors.As(err, &iw) || errors.Is(err, core.ErrInvalidWorkflow)
}

// NotFoundError reports an unknown threadId, approval, role, or agent.
type NotFoundError struct {
	Kind string // "thread", "approval", "role", "agent", "workflow"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	switch e.Kind {
	case "approval":
		return core.ErrApprovalNotFound
	case "role":
		return core.ErrRoleNotFound
	case "agent":
		return core.ErrAgentNotFound
	default:
		return core.ErrWorkflowNotFound
	}
}

// IsNotFound checks whether an error is a lookup miss.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf) || core.IsNotFound(err)
}

// InvalidTransitionError reports an attempt to resolve an already resolved
// approval or to abort a thread that is not running.
type InvalidTransitionError struct {
	Entity string // "approval", "workflow"
	ID     string
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition for %s %s: %s -> %s", e.Entity, e.ID, e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error {
	return core.ErrInvalidTransition
}

// IsInvalidTransition checks whether an error is a state transition violation.
func IsInvalidTransition(err error) bool {
	var it *InvalidTransitionError
	return errors.As(err, &it) || errors.Is(err, core.ErrInvalidTransition)
}

// ConfigurationError reports a missing agent binding for a role or a broken
// engine configuration. Surfaced as 404 with message per the HTTP contract.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s", e.Reason)
}

func (e *ConfigurationError) Unwrap() error {
	return core.ErrInvalidConfiguration
}

// InfrastructureError reports an unavailable store or transport. The event
// bus fails open (local delivery only); the checkpoint store fails closed
// (the thread is aborted and marked failed).
type InfrastructureError struct {
	Component string // "checkpointer", "event_bus", "approval_store", "registry"
	Err       error
}

func (e *InfrastructureError) Error() string {
	return fmt.Sprintf("%s unavailable: %v (check REDIS_URL and connectivity)", e.Component, e.Err)
}

func (e *InfrastructureError) Unwrap() error {
	return core.ErrStoreUnavailable
}

// IsInfrastructureError checks whether an error is an infrastructure outage.
func IsInfrastructureError(err error) bool {
	var ie *InfrastructureError
	return errors.As(err, &ie) || errors.Is(err, core.ErrStoreUnavailable)
}

// Timeout message prefix used by the agent executor; the monitor and tests
// match on it.
const stepTimeoutMessage = "Step timed out after %d seconds"

// blockedDependencyMessage is recorded on steps that never ran because a
// dependency did not complete successfully.
const blockedDependencyMessage = "Blocked: dependency %s did not complete successfully"

// restartAbortMessage is recorded on steps orphaned by a process restart.
const restartAbortMessage = "Aborted due to server restart"
