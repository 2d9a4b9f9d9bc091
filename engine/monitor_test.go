package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitor_RecoversOrphansOnStartup(t *testing.T) {
	ctx := context.Background()
	registry := NewInMemoryWorkflowRegistry()
	checkpointer := NewInMemoryCheckpointer()
	bus := NewInProcessBus()
	recorder := &busRecorder{}
	unsubscribe := bus.Subscribe("*", recorder.handle)
	defer unsubscribe()

	require.NoError(t, registry.Put(ctx, &RegistryEntry{
		ThreadID: "thread-dead",
		Status:   WorkflowStatusRunning,
		LastStep: "b",
		Steps: []RegistryStep{
			{ID: "a", Status: RegistryStepCompleted},
			{ID: "b", Status: RegistryStepRunning},
			{ID: "c", Status: RegistryStepPending},
		},
	}))
	require.NoError(t, registry.Put(ctx, &RegistryEntry{
		ThreadID: "thread-live",
		Status:   WorkflowStatusRunning,
		Steps:    []RegistryStep{{ID: "x", Status: RegistryStepRunning}},
	}))

	state := NewWorkflowState("thread-dead", "", []WorkflowStep{
		{ID: "a", Kind: StepKindMock, Task: "one"},
		{ID: "b", Kind: StepKindMock, Task: "two"},
		{ID: "c", Kind: StepKindMock, Task: "three"},
	})
	require.NoError(t, checkpointer.Save(ctx, state))

	m := NewMonitor(registry, checkpointer, bus,
		WithLocalCheck(func(threadID string) bool { return threadID == "thread-live" }))
	m.RecoverOrphans(ctx)

	entry, err := registry.Get(ctx, "thread-dead")
	require.NoError(t, err)
	assert.Equal(t, WorkflowStatusAborted, entry.Status)
	require.NotNil(t, entry.CompletedAt)
	assert.Equal(t, RegistryStepCompleted, entry.Step("a").Status)
	assert.Equal(t, RegistryStepFailed, entry.Step("b").Status)
	assert.Equal(t, "Aborted due to server restart", entry.Step("b").Error)
	require.NotNil(t, entry.Step("b").CompletedAt)
	assert.Equal(t, RegistryStepNotExecuted, entry.Step("c").Status)

	// Threads this process drives are left alone.
	live, err := registry.Get(ctx, "thread-live")
	require.NoError(t, err)
	assert.Equal(t, WorkflowStatusRunning, live.Status)

	// The checkpoint mirrors the terminal transition.
	recovered, err := checkpointer.Load(ctx, "thread-dead")
	require.NoError(t, err)
	assert.Equal(t, WorkflowStatusAborted, recovered.Status)
	assert.True(t, recovered.Tombstoned)
	require.NotNil(t, recovered.CompletedAt)

	// Flipped steps are announced in declaration order, then the terminals.
	updates := recorder.named(EventStepUpdate)
	require.Len(t, updates, 2)
	assert.Equal(t, "b", updates[0].Data["stepId"])
	assert.Equal(t, RegistryStepFailed, updates[0].Data["status"])
	assert.Equal(t, "c", updates[1].Data["stepId"])
	assert.Equal(t, RegistryStepNotExecuted, updates[1].Data["status"])

	statuses := recorder.named(EventWorkflowStatus)
	require.Len(t, statuses, 1)
	assert.Equal(t, "aborted", statuses[0].Data["status"])
	assert.Equal(t, "b", statuses[0].Data["lastStep"])

	completes := recorder.named(EventWorkflowComplete)
	require.Len(t, completes, 1)
	assert.Equal(t, "aborted", completes[0].Data["status"])
	assert.Equal(t, "Aborted due to server restart", completes[0].Data["error"])

	// Recovery is idempotent: the thread is no longer running.
	m.RecoverOrphans(ctx)
	assert.Len(t, recorder.named(EventWorkflowComplete), 1)
}

func TestMonitor_HeartbeatSweepConvertsSilentThreads(t *testing.T) {
	ctx := context.Background()
	registry := NewInMemoryWorkflowRegistry()
	checkpointer := NewInMemoryCheckpointer()
	bus := NewInProcessBus()
	recorder := &busRecorder{}
	unsubscribe := bus.Subscribe("*", recorder.handle)
	defer unsubscribe()

	now := time.Now().UTC()
	require.NoError(t, registry.Put(ctx, &RegistryEntry{
		ThreadID:      "thread-stale",
		Status:        WorkflowStatusRunning,
		Steps:         []RegistryStep{{ID: "work", Status: RegistryStepRunning}},
		LastHeartbeat: now.Add(-10 * time.Minute),
	}))
	require.NoError(t, registry.Put(ctx, &RegistryEntry{
		ThreadID:      "thread-fresh",
		Status:        WorkflowStatusRunning,
		Steps:         []RegistryStep{{ID: "work", Status: RegistryStepRunning}},
		LastHeartbeat: now,
	}))

	m := NewMonitor(registry, checkpointer, bus, WithHeartbeatWindow(5*time.Minute))
	m.sweepHeartbeats(ctx)

	stale, err := registry.Get(ctx, "thread-stale")
	require.NoError(t, err)
	assert.Equal(t, WorkflowStatusAborted, stale.Status)
	assert.Equal(t, "Aborted: no heartbeat for 5m0s", stale.Step("work").Error)

	fresh, err := registry.Get(ctx, "thread-fresh")
	require.NoError(t, err)
	assert.Equal(t, WorkflowStatusRunning, fresh.Status)

	completes := recorder.named(EventWorkflowComplete)
	require.Len(t, completes, 1)
	assert.Equal(t, "thread-stale", completes[0].ThreadID)
}

func TestMonitor_ExpiresOverdueApprovals(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryApprovalStore()
	bus := NewInProcessBus()
	recorder := &busRecorder{}
	unsubscribe := bus.Subscribe("*", recorder.handle)
	defer unsubscribe()

	due, err := store.Create(ctx, CreateApprovalRequest{
		ThreadID: "thread-1",
		StepID:   "gate",
		Prompt:   "Approve the rollout",
	})
	require.NoError(t, err)

	forever, err := store.Create(ctx, CreateApprovalRequest{
		ThreadID:        "thread-1",
		StepID:          "hold",
		Prompt:          "Waits indefinitely",
		TimeoutBehavior: TimeoutInfinite,
	})
	require.NoError(t, err)

	m := NewMonitor(NewInMemoryWorkflowRegistry(), NewInMemoryCheckpointer(), bus,
		WithMonitorApprovals(store))

	// A zero timeout expires as soon as any time passes.
	time.Sleep(10 * time.Millisecond)
	m.expireApprovals(ctx)

	expired, err := store.Get(ctx, due.ID)
	require.NoError(t, err)
	assert.Equal(t, ApprovalExpired, expired.Status)
	require.NotNil(t, expired.DecidedAt)
	assert.Equal(t, expired.ExpiresAt, *expired.DecidedAt)

	// Infinite timeout behavior never expires.
	still, err := store.Get(ctx, forever.ID)
	require.NoError(t, err)
	assert.Equal(t, ApprovalPending, still.Status)

	events := recorder.named(EventApprovalUpdated)
	require.Len(t, events, 1)
	assert.Equal(t, "thread-1", events[0].ThreadID)
	assert.Equal(t, "gate", events[0].Data["stepId"])
	payload, ok := events[0].Data["approval"].(*Approval)
	require.True(t, ok)
	assert.Equal(t, ApprovalExpired, payload.Status)

	// Expiry fires once per approval.
	m.expireApprovals(ctx)
	assert.Len(t, recorder.named(EventApprovalUpdated), 1)
}

func TestMonitor_PeriodicSweepLoop(t *testing.T) {
	ctx := context.Background()
	registry := NewInMemoryWorkflowRegistry()
	m := NewMonitor(registry, NewInMemoryCheckpointer(), NewInProcessBus(),
		WithMonitorInterval(20*time.Millisecond),
		WithHeartbeatWindow(time.Minute))

	m.Start(ctx)
	m.Start(ctx) // second start is a no-op
	defer m.Stop()

	// Added after startup recovery, so only the ticking sweep can catch it.
	require.NoError(t, registry.Put(ctx, &RegistryEntry{
		ThreadID: "thread-silent",
		Status:   WorkflowStatusRunning,
		Steps:    []RegistryStep{{ID: "work", Status: RegistryStepRunning}},
	}))

	require.Eventually(t, func() bool {
		entry, err := registry.Get(ctx, "thread-silent")
		return err == nil && entry.Status == WorkflowStatusAborted
	}, 5*time.Second, 10*time.Millisecond)

	m.Stop()
	m.Stop() // repeat stop is safe
}
