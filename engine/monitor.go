package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/stepflow-io/stepflow/core"
	"github.com/stepflow-io/stepflow/telemetry"
)

const (
	defaultMonitorInterval  = 30 * time.Second
	defaultHeartbeatWindow  = 5 * time.Minute
	heartbeatAbortedMessage = "Aborted: no heartbeat for %s"
)

// Monitor reconciles registry state with reality. On start it converts
// threads that were running when the previous process died; on each tick it
// converts threads whose heartbeat went silent and expires overdue
// approvals. Threads driven by this process are never touched.
type Monitor struct {
	registry     WorkflowRegistry
	checkpointer Checkpointer
	bus          EventBus
	approvals    ApprovalStore
	isLocal      func(threadID string) bool
	logger       core.Logger

	interval        time.Duration
	heartbeatWindow time.Duration

	mu      sync.Mutex
	stop    chan struct{}
	done    chan struct{}
	started bool
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithMonitorLogger sets the monitor logger.
func WithMonitorLogger(logger core.Logger) MonitorOption {
	return func(m *Monitor) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMonitorInterval overrides the sweep period (default 30s,
// STEPFLOW_MONITOR_INTERVAL).
func WithMonitorInterval(interval time.Duration) MonitorOption {
	return func(m *Monitor) {
		if interval > 0 {
			m.interval = interval
		}
	}
}

// WithHeartbeatWindow overrides the orphan detection window (default 5m,
// STEPFLOW_HEARTBEAT_WINDOW).
func WithHeartbeatWindow(window time.Duration) MonitorOption {
	return func(m *Monitor) {
		if window > 0 {
			m.heartbeatWindow = window
		}
	}
}

// WithMonitorApprovals wires the approval store so overdue approvals expire
// even when no executor is polling them.
func WithMonitorApprovals(store ApprovalStore) MonitorOption {
	return func(m *Monitor) {
		m.approvals = store
	}
}

// WithLocalCheck tells the monitor which threads this process is driving;
// those are exempt from orphan conversion.
func WithLocalCheck(isLocal func(threadID string) bool) MonitorOption {
	return func(m *Monitor) {
		m.isLocal = isLocal
	}
}

// NewMonitor creates a monitor over the given stores.
func NewMonitor(registry WorkflowRegistry, checkpointer Checkpointer, bus EventBus, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		registry:        registry,
		checkpointer:    checkpointer,
		bus:             bus,
		logger:          &core.NoOpLogger{},
		interval:        core.GetEnvDurationOrDefault("STEPFLOW_MONITOR_INTERVAL", defaultMonitorInterval),
		heartbeatWindow: core.GetEnvDurationOrDefault("STEPFLOW_HEARTBEAT_WINDOW", defaultHeartbeatWindow),
	}
	for _, opt := range opts {
		opt(m)
	}
	if cl, ok := m.logger.(core.ComponentAwareLogger); ok {
		m.logger = cl.WithComponent("engine/monitor")
	}
	return m
}

// Start performs restart recovery and launches the periodic sweep. The loop
// runs until Stop or ctx cancellation.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	m.mu.Unlock()

	m.RecoverOrphans(ctx)

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			case <-ticker.C:
				m.sweep(ctx)
			}
		}
	}()

	m.logger.Info("Monitor started", map[string]interface{}{
		"operation":        "monitor_start",
		"interval":         m.interval.String(),
		"heartbeat_window": m.heartbeatWindow.String(),
	})
}

// Stop halts the periodic sweep and waits for the loop to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	close(m.stop)
	done := m.done
	m.mu.Unlock()
	<-done
}

// RecoverOrphans converts every thread left running by a previous process.
// Runs once at startup, before this process accepts new work.
func (m *Monitor) RecoverOrphans(ctx context.Context) {
	entries, err := m.registry.List(ctx, RegistryFilter{Status: WorkflowStatusRunning})
	if err != nil {
		m.logger.Warn("Orphan recovery list failed", map[string]interface{}{
			"operation": "orphan_recovery",
			"error":     err.Error(),
		})
		return
	}

	recovered := 0
	for _, entry := range entries {
		if m.isLocal != nil && m.isLocal(entry.ThreadID) {
			continue
		}
		if m.convertOrphan(ctx, entry.ThreadID, restartAbortMessage) {
			recovered++
		}
	}
	if recovered > 0 {
		m.logger.Info("Recovered orphaned workflows", map[string]interface{}{
			"operation": "orphan_recovery",
			"count":     recovered,
		})
		telemetry.Counter("engine.monitor.orphans_recovered", "reason", "restart")
	}
}

// sweep is one periodic tick: convert heartbeat-silent threads, expire
// overdue approvals.
func (m *Monitor) sweep(ctx context.Context) {
	m.sweepHeartbeats(ctx)
	m.expireApprovals(ctx)
}

func (m *Monitor) sweepHeartbeats(ctx context.Context) {
	entries, err := m.registry.List(ctx, RegistryFilter{Status: WorkflowStatusRunning})
	if err != nil {
		m.logger.Warn("Heartbeat sweep list failed", map[string]interface{}{
			"operation": "heartbeat_sweep",
			"error":     err.Error(),
		})
		return
	}

	cutoff := time.Now().UTC().Add(-m.heartbeatWindow)
	for _, entry := range entries {
		if m.isLocal != nil && m.isLocal(entry.ThreadID) {
			continue
		}
		if entry.LastHeartbeat.After(cutoff) {
			continue
		}
		if m.convertOrphan(ctx, entry.ThreadID, fmt.Sprintf(heartbeatAbortedMessage, m.heartbeatWindow)) {
			telemetry.Counter("engine.monitor.orphans_recovered", "reason", "heartbeat")
		}
	}
}

// convertOrphan flips one running thread to aborted: running steps become
// failed with the given error, pending steps become not_executed, and the
// terminal events go out so connected UIs reconcile.
func (m *Monitor) convertOrphan(ctx context.Context, threadID, stepError string) bool {
	now := time.Now().UTC()
	var flipped []RegistryStep

	entry, err := m.registry.Update(ctx, threadID, func(e *RegistryEntry) error {
		if e.Status != WorkflowStatusRunning {
			return &InvalidTransitionError{Entity: "workflow", ID: threadID, From: string(e.Status), To: string(WorkflowStatusAborted)}
		}
		e.Status = WorkflowStatusAborted
		completed := now
		e.CompletedAt = &completed
		flipped = flipped[:0]
		for i := range e.Steps {
			switch e.Steps[i].Status {
			case RegistryStepRunning:
				e.Steps[i].Status = RegistryStepFailed
				e.Steps[i].Error = stepError
				ts := now
				e.Steps[i].CompletedAt = &ts
				flipped = append(flipped, e.Steps[i])
			case RegistryStepPending:
				e.Steps[i].Status = RegistryStepNotExecuted
				flipped = append(flipped, e.Steps[i])
			}
		}
		return nil
	})
	if err != nil {
		if !IsInvalidTransition(err) {
			m.logger.Warn("Orphan conversion failed", map[string]interface{}{
				"operation": "orphan_recovery",
				"thread_id": threadID,
				"error":     err.Error(),
			})
		}
		return false
	}

	m.closeCheckpoint(ctx, threadID, now)

	for _, step := range flipped {
		m.bus.Emit(ctx, EventStepUpdate, threadID, map[string]interface{}{
			"type":     EventStepUpdate,
			"threadId": threadID,
			"stepId":   step.ID,
			"status":   step.Status,
		})
	}
	m.bus.Emit(ctx, EventWorkflowStatus, threadID, map[string]interface{}{
		"type":     EventWorkflowStatus,
		"threadId": threadID,
		"status":   string(WorkflowStatusAborted),
		"lastStep": entry.LastStep,
	})
	m.bus.Emit(ctx, EventWorkflowComplete, threadID, map[string]interface{}{
		"type":     EventWorkflowComplete,
		"threadId": threadID,
		"status":   string(WorkflowStatusAborted),
		"error":    stepError,
	})

	m.logger.Info("Converted orphaned workflow", map[string]interface{}{
		"operation": "orphan_recovery",
		"thread_id": threadID,
		"last_step": entry.LastStep,
		"reason":    stepError,
	})
	return true
}

// closeCheckpoint mirrors the terminal transition into the checkpoint store
// so resume attempts see a finished thread.
func (m *Monitor) closeCheckpoint(ctx context.Context, threadID string, now time.Time) {
	state, err := m.checkpointer.Load(ctx, threadID)
	if err != nil || state == nil {
		if err != nil && !IsNotFound(err) {
			m.logger.Debug("Orphan checkpoint load failed", map[string]interface{}{
				"operation": "orphan_recovery",
				"thread_id": threadID,
				"error":     err.Error(),
			})
		}
		return
	}
	if state.Status.IsTerminal() {
		return
	}
	state.Status = WorkflowStatusAborted
	state.CompletedAt = &now
	if err := m.checkpointer.Save(ctx, state); err != nil {
		m.logger.Warn("Orphan checkpoint save failed", map[string]interface{}{
			"operation": "orphan_recovery",
			"thread_id": threadID,
			"error":     err.Error(),
		})
		return
	}
	if err := m.checkpointer.Tombstone(ctx, threadID); err != nil {
		m.logger.Debug("Orphan checkpoint tombstone failed", map[string]interface{}{
			"operation": "orphan_recovery",
			"thread_id": threadID,
			"error":     err.Error(),
		})
	}
}

// expireApprovals times out pending approvals past their window. The human
// executor polling the store observes the expiry and applies the step's
// timeout behavior; this sweep also covers approvals whose workflow is gone.
func (m *Monitor) expireApprovals(ctx context.Context) {
	if m.approvals == nil {
		return
	}
	expired, err := m.approvals.ExpireDue(ctx, time.Now().UTC())
	if err != nil {
		m.logger.Warn("Approval expiry sweep failed", map[string]interface{}{
			"operation": "approval_expiry",
			"error":     err.Error(),
		})
		return
	}
	for _, approval := range expired {
		m.bus.Emit(ctx, EventApprovalUpdated, approval.ThreadID, map[string]interface{}{
			"type":     EventApprovalUpdated,
			"threadId": approval.ThreadID,
			"stepId":   approval.StepID,
			"approval": approval,
		})
		m.logger.Info("Approval expired", map[string]interface{}{
			"operation":   "approval_expiry",
			"approval_id": approval.ID,
			"thread_id":   approval.ThreadID,
			"step_id":     approval.StepID,
		})
	}
	if len(expired) > 0 {
		telemetry.Counter("engine.monitor.approvals_expired")
	}
}
