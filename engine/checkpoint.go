package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/stepflow-io/stepflow/core"
)

// Checkpointer persists workflow state snapshots. The scheduler saves after
// every state transition so a crashed process can be reconciled on restart;
// the checkpoint is the sole authority for resume. Saves are atomic per
// thread: a load returns either the previous snapshot or the new one, never
// a partial write.
type Checkpointer interface {
	// Save persists the full state snapshot for the state's thread.
	Save(ctx context.Context, state *WorkflowState) error
	// Load returns the latest snapshot, or a thread NotFoundError.
	Load(ctx context.Context, threadID string) (*WorkflowState, error)
	// Tombstone marks the thread's snapshot as terminal. Tombstoned
	// checkpoints are kept for inspection but excluded from recovery scans.
	Tombstone(ctx context.Context, threadID string) error
	// Delete removes the snapshot entirely.
	Delete(ctx context.Context, threadID string) error
	// ListByStatus returns the threadIds currently in the given status,
	// excluding tombstoned snapshots. Used by the monitor's recovery scan.
	ListByStatus(ctx context.Context, status WorkflowStatus) ([]string, error)
}

const (
	checkpointKeyPrefix      = "checkpoint"
	checkpointStatusIndex    = "checkpoint:status"
	defaultCheckpointTTL     = 7 * 24 * time.Hour
	tombstonedCheckpointTTL  = 24 * time.Hour
	defaultCheckpointTimeout = 5 * time.Second
)

// RedisCheckpointer stores snapshots in Redis. Keys:
//
//	{namespace}:checkpoint:{threadId}        JSON snapshot
//	{namespace}:checkpoint:status:{status}   set of threadIds per status
type RedisCheckpointer struct {
	client *core.RedisClient
	ttl    time.Duration
	logger core.Logger
}

// RedisCheckpointerOption configures a RedisCheckpointer.
type RedisCheckpointerOption func(*RedisCheckpointer)

// WithCheckpointTTL overrides the snapshot retention (default 7 days,
// STEPFLOW_CHECKPOINT_TTL).
func WithCheckpointTTL(ttl time.Duration) RedisCheckpointerOption {
	return func(c *RedisCheckpointer) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithCheckpointLogger sets the store logger.
func WithCheckpointLogger(logger core.Logger) RedisCheckpointerOption {
	return func(c *RedisCheckpointer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewRedisCheckpointer creates a checkpoint store on the given Redis client.
func NewRedisCheckpointer(client *core.RedisClient, opts ...RedisCheckpointerOption) (*RedisCheckpointer, error) {
	if client == nil {
		return nil, &ConfigurationError{Reason: "redis client is required for the checkpoint store"}
	}
	c := &RedisCheckpointer{
		client: client,
		ttl:    core.GetEnvDurationOrDefault("STEPFLOW_CHECKPOINT_TTL", defaultCheckpointTTL),
		logger: &core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if cl, ok := c.logger.(core.ComponentAwareLogger); ok {
		c.logger = cl.WithComponent("engine/checkpoint")
	}
	return c, nil
}

func checkpointKey(threadID string) string {
	return fmt.Sprintf("%s:%s", checkpointKeyPrefix, threadID)
}

func checkpointStatusKey(status WorkflowStatus) string {
	return fmt.Sprintf("%s:%s", checkpointStatusIndex, status)
}

// Save writes the snapshot and moves the thread between status index sets.
func (c *RedisCheckpointer) Save(ctx context.Context, state *WorkflowState) error {
	if state == nil || state.ThreadID == "" {
		return &ValidationError{Field: "threadId", Reason: "checkpoint requires a threadId"}
	}

	state.UpdatedAt = time.Now().UTC()
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint for thread %s: %w", state.ThreadID, err)
	}

	// Previous status determines which index set to leave.
	var previous WorkflowStatus
	if raw, err := c.client.Get(ctx, checkpointKey(state.ThreadID)); err == nil {
		var old WorkflowState
		if json.Unmarshal([]byte(raw), &old) == nil {
			previous = old.Status
		}
	}

	ttl := c.ttl
	if state.Tombstoned {
		ttl = tombstonedCheckpointTTL
	}

	pipe := c.client.Pipeline()
	pipe.Set(ctx, c.client.Key(checkpointKey(state.ThreadID)), payload, ttl)
	if previous != "" && previous != state.Status {
		pipe.SRem(ctx, c.client.Key(checkpointStatusKey(previous)), state.ThreadID)
	}
	if state.Tombstoned {
		pipe.SRem(ctx, c.client.Key(checkpointStatusKey(state.Status)), state.ThreadID)
	} else {
		pipe.SAdd(ctx, c.client.Key(checkpointStatusKey(state.Status)), state.ThreadID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.ErrorWithContext(ctx, "Failed to save checkpoint", map[string]interface{}{
			"operation": "checkpoint_save",
			"thread_id": state.ThreadID,
			"status":    string(state.Status),
			"error":     err.Error(),
		})
		return &InfrastructureError{Component: "checkpointer", Err: err}
	}

	c.logger.DebugWithContext(ctx, "Checkpoint saved", map[string]interface{}{
		"operation": "checkpoint_save",
		"thread_id": state.ThreadID,
		"status":    string(state.Status),
		"steps":     len(state.StepResults),
	})
	return nil
}

// Load retrieves the latest snapshot for a thread.
func (c *RedisCheckpointer) Load(ctx context.Context, threadID string) (*WorkflowState, error) {
	raw, err := c.client.Get(ctx, checkpointKey(threadID))
	if err == redis.Nil {
		return nil, &NotFoundError{Kind: "thread", ID: threadID}
	}
	if err != nil {
		return nil, &InfrastructureError{Component: "checkpointer", Err: err}
	}

	var state WorkflowState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, fmt.Errorf("corrupt checkpoint for thread %s: %w", threadID, err)
	}
	return &state, nil
}

// Tombstone marks the snapshot terminal and removes it from recovery indexes.
func (c *RedisCheckpointer) Tombstone(ctx context.Context, threadID string) error {
	state, err := c.Load(ctx, threadID)
	if err != nil {
		return err
	}
	if state.Tombstoned {
		return nil
	}
	state.Tombstoned = true
	return c.Save(ctx, state)
}

// Delete removes the snapshot and its index membership.
func (c *RedisCheckpointer) Delete(ctx context.Context, threadID string) error {
	state, err := c.Load(ctx, threadID)
	if err != nil {
		if IsNotFound(err) {
			return nil
		}
		return err
	}
	pipe := c.client.Pipeline()
	pipe.Del(ctx, c.client.Key(checkpointKey(threadID)))
	pipe.SRem(ctx, c.client.Key(checkpointStatusKey(state.Status)), threadID)
	if _, err := pipe.Exec(ctx); err != nil {
		return &InfrastructureError{Component: "checkpointer", Err: err}
	}
	return nil
}

// ListByStatus returns the threadIds in a status, sorted for determinism.
func (c *RedisCheckpointer) ListByStatus(ctx context.Context, status WorkflowStatus) ([]string, error) {
	ids, err := c.client.SMembers(ctx, checkpointStatusKey(status))
	if err != nil {
		return nil, &InfrastructureError{Component: "checkpointer", Err: err}
	}
	sort.Strings(ids)
	return ids, nil
}

// InMemoryCheckpointer keeps snapshots in process memory. Suitable for tests
// and single-process deployments without Redis; state does not survive a
// restart.
type InMemoryCheckpointer struct {
	mu     sync.RWMutex
	states map[string]*WorkflowState
}

// NewInMemoryCheckpointer creates an empty in-memory checkpoint store.
func NewInMemoryCheckpointer() *InMemoryCheckpointer {
	return &InMemoryCheckpointer{states: make(map[string]*WorkflowState)}
}

func (c *InMemoryCheckpointer) Save(ctx context.Context, state *WorkflowState) error {
	if state == nil || state.ThreadID == "" {
		return &ValidationError{Field: "threadId", Reason: "checkpoint requires a threadId"}
	}
	state.UpdatedAt = time.Now().UTC()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states[state.ThreadID] = state.Clone()
	return nil
}

func (c *InMemoryCheckpointer) Load(ctx context.Context, threadID string) (*WorkflowState, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	state, ok := c.states[threadID]
	if !ok {
		return nil, &NotFoundError{Kind: "thread", ID: threadID}
	}
	return state.Clone(), nil
}

func (c *InMemoryCheckpointer) Tombstone(ctx context.Context, threadID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.states[threadID]
	if !ok {
		return &NotFoundError{Kind: "thread", ID: threadID}
	}
	state.Tombstoned = true
	state.UpdatedAt = time.Now().UTC()
	return nil
}

func (c *InMemoryCheckpointer) Delete(ctx context.Context, threadID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.states, threadID)
	return nil
}

func (c *InMemoryCheckpointer) ListByStatus(ctx context.Context, status WorkflowStatus) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var ids []string
	for id, state := range c.states {
		if state.Status == status && !state.Tombstoned {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

var (
	_ Checkpointer = (*RedisCheckpointer)(nil)
	_ Checkpointer = (*InMemoryCheckpointer)(nil)
)
