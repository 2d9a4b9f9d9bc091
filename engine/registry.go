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

// RegistryStep is the per-step status line kept in a registry entry. It uses
// UI-facing vocabulary: a step that finished with result status "success"
// appears here as "completed".
type RegistryStep struct {
	ID          string     `json:"id"`
	Status      string     `json:"status"` // pending|running|completed|failed|blocked|aborted|not_executed|skipped
	Error       string     `json:"error,omitempty"`
	SessionRef  string     `json:"sessionRef,omitempty"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Registry step status vocabulary.
const (
	RegistryStepPending     = "pending"
	RegistryStepRunning     = "running"
	RegistryStepCompleted   = "completed"
	RegistryStepFailed      = "failed"
	RegistryStepBlocked     = "blocked"
	RegistryStepAborted     = "aborted"
	RegistryStepNotExecuted = "not_executed"
	RegistryStepSkipped     = "skipped"
)

// RegistryStepStatusFor maps a step result status to registry vocabulary.
func RegistryStepStatusFor(status StepStatus) string {
	switch status {
	case StepStatusSuccess:
		return RegistryStepCompleted
	case StepStatusFailed:
		return RegistryStepFailed
	case StepStatusBlocked:
		return RegistryStepBlocked
	case StepStatusAborted:
		return RegistryStepAborted
	case StepStatusNotExecuted:
		return RegistryStepNotExecuted
	case StepStatusSkipped:
		return RegistryStepSkipped
	default:
		return RegistryStepPending
	}
}

// RegistryEntry is the operational record of a workflow thread: coarse status,
// per-step progress, session references, and liveness heartbeats. The monitor
// uses LastHeartbeat to distinguish live threads from orphans.
type RegistryEntry struct {
	ThreadID        string            `json:"threadId"`
	WorkflowName    string            `json:"workflowName,omitempty"`
	SavedWorkflowID string            `json:"savedWorkflowId,omitempty"`
	ProjectID       string            `json:"projectId,omitempty"`
	Status          WorkflowStatus    `json:"status"`
	Steps           []RegistryStep    `json:"steps"`
	SessionRefs     map[string]string `json:"sessionRefs,omitempty"`
	LastStep        string            `json:"lastStep,omitempty"`
	Summary         string            `json:"summary,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
	LastUpdate      time.Time         `json:"lastUpdate"`
	LastHeartbeat   time.Time         `json:"lastHeartbeat"`
	CompletedAt     *time.Time        `json:"completedAt,omitempty"`
}

// Step returns the entry's step line by id, or nil.
func (e *RegistryEntry) Step(stepID string) *RegistryStep {
	for i := range e.Steps {
		if e.Steps[i].ID == stepID {
			return &e.Steps[i]
		}
	}
	return nil
}

// Clone deep-copies the entry.
func (e *RegistryEntry) Clone() *RegistryEntry {
	if e == nil {
		return nil
	}
	out := *e
	out.Steps = append([]RegistryStep(nil), e.Steps...)
	if e.SessionRefs != nil {
		out.SessionRefs = make(map[string]string, len(e.SessionRefs))
		for k, v := range e.SessionRefs {
			out.SessionRefs[k] = v
		}
	}
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}

// RegistryFilter narrows List results. Zero value matches everything.
type RegistryFilter struct {
	Status    WorkflowStatus
	ProjectID string
}

// WorkflowRegistry tracks running and recently finished threads. Update takes
// a mutation function applied under a per-thread compare-and-set so two
// processes cannot interleave read-modify-write cycles.
type WorkflowRegistry interface {
	Put(ctx context.Context, entry *RegistryEntry) error
	Get(ctx context.Context, threadID string) (*RegistryEntry, error)
	Update(ctx context.Context, threadID string, mutate func(*RegistryEntry) error) (*RegistryEntry, error)
	List(ctx context.Context, filter RegistryFilter) ([]*RegistryEntry, error)
	UpdateHeartbeat(ctx context.Context, threadID, stepID string) error
	Delete(ctx context.Context, threadID string) error
}

const (
	registryKeyPrefix  = "registry"
	registryIndexKey   = "registry:index"
	registryMaxRetries = 5
	defaultRegistryTTL = 30 * 24 * time.Hour
)

// RedisWorkflowRegistry stores entries in Redis. Keys:
//
//	{namespace}:registry:{threadId}   JSON entry
//	{namespace}:registry:index        set of all threadIds
type RedisWorkflowRegistry struct {
	client *core.RedisClient
	ttl    time.Duration
	logger core.Logger
}

// RedisRegistryOption configures a RedisWorkflowRegistry.
type RedisRegistryOption func(*RedisWorkflowRegistry)

// WithRegistryTTL overrides entry retention (default 30 days,
// STEPFLOW_REGISTRY_TTL).
func WithRegistryTTL(ttl time.Duration) RedisRegistryOption {
	return func(r *RedisWorkflowRegistry) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithRegistryLogger sets the store logger.
func WithRegistryLogger(logger core.Logger) RedisRegistryOption {
	return func(r *RedisWorkflowRegistry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRedisWorkflowRegistry creates a registry on the given Redis client.
func NewRedisWorkflowRegistry(client *core.RedisClient, opts ...RedisRegistryOption) (*RedisWorkflowRegistry, error) {
	if client == nil {
		return nil, &ConfigurationError{Reason: "redis client is required for the workflow registry"}
	}
	r := &RedisWorkflowRegistry{
		client: client,
		ttl:    core.GetEnvDurationOrDefault("STEPFLOW_REGISTRY_TTL", defaultRegistryTTL),
		logger: &core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(r)
	}
	if cl, ok := r.logger.(core.ComponentAwareLogger); ok {
		r.logger = cl.WithComponent("engine/registry")
	}
	return r, nil
}

func registryKey(threadID string) string {
	return fmt.Sprintf("%s:%s", registryKeyPrefix, threadID)
}

// Put writes a full entry, replacing any previous one.
func (r *RedisWorkflowRegistry) Put(ctx context.Context, entry *RegistryEntry) error {
	if entry == nil || entry.ThreadID == "" {
		return &ValidationError{Field: "threadId", Reason: "registry entry requires a threadId"}
	}
	entry.LastUpdate = time.Now().UTC()
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal registry entry for thread %s: %w", entry.ThreadID, err)
	}

	pipe := r.client.Pipeline()
	pipe.Set(ctx, r.client.Key(registryKey(entry.ThreadID)), payload, r.ttl)
	pipe.SAdd(ctx, r.client.Key(registryIndexKey), entry.ThreadID)
	if _, err := pipe.Exec(ctx); err != nil {
		return &InfrastructureError{Component: "registry", Err: err}
	}
	return nil
}

// Get fetches one entry.
func (r *RedisWorkflowRegistry) Get(ctx context.Context, threadID string) (*RegistryEntry, error) {
	raw, err := r.client.Get(ctx, registryKey(threadID))
	if err == redis.Nil {
		return nil, &NotFoundError{Kind: "thread", ID: threadID}
	}
	if err != nil {
		return nil, &InfrastructureError{Component: "registry", Err: err}
	}
	var entry RegistryEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, fmt.Errorf("corrupt registry entry for thread %s: %w", threadID, err)
	}
	return &entry, nil
}

// Update applies mutate under WATCH so concurrent writers retry instead of
// clobbering each other. Returns the entry as written.
func (r *RedisWorkflowRegistry) Update(ctx context.Context, threadID string, mutate func(*RegistryEntry) error) (*RegistryEntry, error) {
	key := r.client.Key(registryKey(threadID))
	var updated *RegistryEntry

	for attempt := 0; attempt < registryMaxRetries; attempt++ {
		err := r.client.Underlying().Watch(ctx, func(tx *redis.Tx) error {
			raw, err := tx.Get(ctx, key).Result()
			if err == redis.Nil {
				return &NotFoundError{Kind: "thread", ID: threadID}
			}
			if err != nil {
				return err
			}

			var entry RegistryEntry
			if err := json.Unmarshal([]byte(raw), &entry); err != nil {
				return fmt.Errorf("corrupt registry entry for thread %s: %w", threadID, err)
			}
			if err := mutate(&entry); err != nil {
				return err
			}
			entry.LastUpdate = time.Now().UTC()

			payload, err := json.Marshal(&entry)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, payload, r.ttl)
				return nil
			})
			if err == nil {
				updated = &entry
			}
			return err
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, &InfrastructureError{Component: "registry", Err: fmt.Errorf("update contention on thread %s after %d attempts", threadID, registryMaxRetries)}
}

// List returns entries matching the filter, newest first.
func (r *RedisWorkflowRegistry) List(ctx context.Context, filter RegistryFilter) ([]*RegistryEntry, error) {
	ids, err := r.client.SMembers(ctx, registryIndexKey)
	if err != nil {
		return nil, &InfrastructureError{Component: "registry", Err: err}
	}

	entries := make([]*RegistryEntry, 0, len(ids))
	for _, id := range ids {
		entry, err := r.Get(ctx, id)
		if err != nil {
			if IsNotFound(err) {
				// Entry expired out from under the index; drop the reference.
				_ = r.client.SRem(ctx, registryIndexKey, id)
				continue
			}
			return nil, err
		}
		if matchRegistryFilter(entry, filter) {
			entries = append(entries, entry)
		}
	}
	sortRegistryEntries(entries)
	return entries, nil
}

// UpdateHeartbeat records step-level liveness for a running thread.
func (r *RedisWorkflowRegistry) UpdateHeartbeat(ctx context.Context, threadID, stepID string) error {
	_, err := r.Update(ctx, threadID, func(entry *RegistryEntry) error {
		entry.LastHeartbeat = time.Now().UTC()
		if stepID != "" {
			entry.LastStep = stepID
		}
		return nil
	})
	return err
}

// Delete removes an entry and its index membership.
func (r *RedisWorkflowRegistry) Delete(ctx context.Context, threadID string) error {
	pipe := r.client.Pipeline()
	pipe.Del(ctx, r.client.Key(registryKey(threadID)))
	pipe.SRem(ctx, r.client.Key(registryIndexKey), threadID)
	if _, err := pipe.Exec(ctx); err != nil {
		return &InfrastructureError{Component: "registry", Err: err}
	}
	return nil
}

// InMemoryWorkflowRegistry keeps entries in process memory for tests and
// Redis-less deployments.
type InMemoryWorkflowRegistry struct {
	mu      sync.RWMutex
	entries map[string]*RegistryEntry
}

// NewInMemoryWorkflowRegistry creates an empty in-memory registry.
func NewInMemoryWorkflowRegistry() *InMemoryWorkflowRegistry {
	return &InMemoryWorkflowRegistry{entries: make(map[string]*RegistryEntry)}
}

func (r *InMemoryWorkflowRegistry) Put(ctx context.Context, entry *RegistryEntry) error {
	if entry == nil || entry.ThreadID == "" {
		return &ValidationError{Field: "threadId", Reason: "registry entry requires a threadId"}
	}
	entry.LastUpdate = time.Now().UTC()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[entry.ThreadID] = entry.Clone()
	return nil
}

func (r *InMemoryWorkflowRegistry) Get(ctx context.Context, threadID string) (*RegistryEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[threadID]
	if !ok {
		return nil, &NotFoundError{Kind: "thread", ID: threadID}
	}
	return entry.Clone(), nil
}

func (r *InMemoryWorkflowRegistry) Update(ctx context.Context, threadID string, mutate func(*RegistryEntry) error) (*RegistryEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[threadID]
	if !ok {
		return nil, &NotFoundError{Kind: "thread", ID: threadID}
	}
	working := entry.Clone()
	if err := mutate(working); err != nil {
		return nil, err
	}
	working.LastUpdate = time.Now().UTC()
	r.entries[threadID] = working
	return working.Clone(), nil
}

func (r *InMemoryWorkflowRegistry) List(ctx context.Context, filter RegistryFilter) ([]*RegistryEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := make([]*RegistryEntry, 0, len(r.entries))
	for _, entry := range r.entries {
		if matchRegistryFilter(entry, filter) {
			entries = append(entries, entry.Clone())
		}
	}
	sortRegistryEntries(entries)
	return entries, nil
}

func (r *InMemoryWorkflowRegistry) UpdateHeartbeat(ctx context.Context, threadID, stepID string) error {
	_, err := r.Update(ctx, threadID, func(entry *RegistryEntry) error {
		entry.LastHeartbeat = time.Now().UTC()
		if stepID != "" {
			entry.LastStep = stepID
		}
		return nil
	})
	return err
}

func (r *InMemoryWorkflowRegistry) Delete(ctx context.Context, threadID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, threadID)
	return nil
}

func matchRegistryFilter(entry *RegistryEntry, filter RegistryFilter) bool {
	if filter.Status != "" && entry.Status != filter.Status {
		return false
	}
	if filter.ProjectID != "" && entry.ProjectID != filter.ProjectID {
		return false
	}
	return true
}

func sortRegistryEntries(entries []*RegistryEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].LastUpdate.Equal(entries[j].LastUpdate) {
			return entries[i].LastUpdate.After(entries[j].LastUpdate)
		}
		return entries[i].ThreadID < entries[j].ThreadID
	})
}

// ComputeStatus reconciles a registry entry against a client-declared step
// list: the result carries one line per declared step, in declaration order,
// with recorded progress where the registry has it. Steps the registry never
// saw read as pending while the thread runs and not_executed once it stops.
func ComputeStatus(entry *RegistryEntry, steps []WorkflowStep) *RegistryEntry {
	steps = NormalizeSteps(steps)
	out := entry.Clone()
	out.Steps = make([]RegistryStep, 0, len(steps))

	missing := RegistryStepPending
	if out.Status.IsTerminal() {
		missing = RegistryStepNotExecuted
	}

	completed := 0
	for i := range steps {
		line := entry.Step(steps[i].ID)
		if line == nil {
			out.Steps = append(out.Steps, RegistryStep{ID: steps[i].ID, Status: missing})
			continue
		}
		out.Steps = append(out.Steps, *line)
		if line.Status == RegistryStepCompleted {
			completed++
		}
	}
	out.Summary = fmt.Sprintf("%d/%d steps completed", completed, len(steps))
	return out
}

var (
	_ WorkflowRegistry = (*RedisWorkflowRegistry)(nil)
	_ WorkflowRegistry = (*InMemoryWorkflowRegistry)(nil)
)
