package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/stepflow-io/stepflow/core"
)

// ApprovalStore persists approval records. Resolve and Cancel are
// compare-and-set: concurrent decisions serialize, the first one wins, a
// repeat of the same decision is idempotent, and a conflicting decision is
// an invalid transition. Once an approval's window has passed it can only be
// observed as expired (unless decided before expiry).
type ApprovalStore interface {
	Create(ctx context.Context, req CreateApprovalRequest) (*Approval, error)
	Get(ctx context.Context, id string) (*Approval, error)
	// Resolve applies an approve/reject decision.
	Resolve(ctx context.Context, id string, decision ApprovalStatus, decidedBy, comment string) (*Approval, error)
	// Cancel withdraws a pending approval, e.g. when its workflow aborts.
	Cancel(ctx context.Context, id, cancelledBy string) (*Approval, error)
	// Assign routes a pending approval to a reviewer.
	Assign(ctx context.Context, id, assignee string) (*Approval, error)
	List(ctx context.Context, filter ApprovalFilter) ([]*Approval, error)
	// ExpireDue transitions every pending approval past its window to
	// expired and returns the records it flipped.
	ExpireDue(ctx context.Context, now time.Time) ([]*Approval, error)
}

const (
	approvalKeyPrefix    = "approval"
	approvalPendingIndex = "approval:pending"
	approvalThreadIndex  = "approval:thread"
	approvalAllIndex     = "approval:all"
	approvalMaxRetries   = 5
	defaultApprovalTTL   = 30 * 24 * time.Hour
)

// newApproval builds a pending record from a create request, filling defaults:
// interactionType approval, inferred risk level, fail-on-timeout behavior.
func newApproval(req CreateApprovalRequest) (*Approval, error) {
	if req.ThreadID == "" {
		return nil, &ValidationError{Field: "threadId", Reason: "approval requires a threadId"}
	}
	if req.StepID == "" {
		return nil, &ValidationError{Field: "stepId", Reason: "approval requires a stepId"}
	}
	if req.TimeoutSeconds < 0 {
		return nil, &ValidationError{Field: "timeoutSeconds", Reason: "must be positive"}
	}

	interaction := req.InteractionType
	if interaction == "" {
		interaction = InteractionApproval
	}
	risk := req.RiskLevel
	if risk == "" {
		risk = InferRiskLevel(req.Task, req.Prompt)
	} else if !ValidRiskLevel(risk) {
		return nil, &ValidationError{Field: "riskLevel", Reason: fmt.Sprintf("unknown risk level %q", risk)}
	}
	behavior := req.TimeoutBehavior
	if behavior == "" {
		behavior = TimeoutFail
	}

	now := time.Now().UTC()
	return &Approval{
		ID:              uuid.New().String(),
		ThreadID:        req.ThreadID,
		StepID:          req.StepID,
		ProjectID:       req.ProjectID,
		WorkflowName:    req.WorkflowName,
		Prompt:          req.Prompt,
		Task:            req.Task,
		InteractionType: interaction,
		RiskLevel:       risk,
		TimeoutBehavior: behavior,
		TimeoutSeconds:  req.TimeoutSeconds,
		Status:          ApprovalPending,
		Context:         req.Context,
		RequestedAt:     now,
		ExpiresAt:       now.Add(time.Duration(req.TimeoutSeconds) * time.Second),
	}, nil
}

// applyDecision mutates a loaded approval under CAS. Returns (changed, error);
// unchanged with nil error means the identical decision was already applied.
func applyDecision(a *Approval, decision ApprovalStatus, decidedBy, comment string, now time.Time) (bool, error) {
	if a.Status == decision {
		return false, nil
	}

	// Past the window a pending approval is only observable as expired.
	if a.Status == ApprovalPending && a.Expired(now) && decision != ApprovalExpired {
		a.Status = ApprovalExpired
		t := a.ExpiresAt
		a.DecidedAt = &t
		return true, &InvalidTransitionError{Entity: "approval", ID: a.ID, From: string(ApprovalExpired), To: string(decision)}
	}

	if !canTransitionApproval(a.Status, decision) {
		return false, &InvalidTransitionError{Entity: "approval", ID: a.ID, From: string(a.Status), To: string(decision)}
	}

	a.Status = decision
	a.DecidedBy = decidedBy
	a.Comment = comment
	a.DecidedAt = &now
	return true, nil
}

// RedisApprovalStore stores approvals in Redis. Keys:
//
//	{namespace}:approval:{id}              JSON record
//	{namespace}:approval:all               set of all ids
//	{namespace}:approval:pending           set of pending ids
//	{namespace}:approval:thread:{threadId} set of the thread's ids
type RedisApprovalStore struct {
	client *core.RedisClient
	ttl    time.Duration
	logger core.Logger
}

// RedisApprovalStoreOption configures a RedisApprovalStore.
type RedisApprovalStoreOption func(*RedisApprovalStore)

// WithApprovalTTL overrides record retention (default 30 days,
// STEPFLOW_APPROVAL_TTL).
func WithApprovalTTL(ttl time.Duration) RedisApprovalStoreOption {
	return func(s *RedisApprovalStore) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithApprovalLogger sets the store logger.
func WithApprovalLogger(logger core.Logger) RedisApprovalStoreOption {
	return func(s *RedisApprovalStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewRedisApprovalStore creates an approval store on the given Redis client.
func NewRedisApprovalStore(client *core.RedisClient, opts ...RedisApprovalStoreOption) (*RedisApprovalStore, error) {
	if client == nil {
		return nil, &ConfigurationError{Reason: "redis client is required for the approval store"}
	}
	s := &RedisApprovalStore{
		client: client,
		ttl:    core.GetEnvDurationOrDefault("STEPFLOW_APPROVAL_TTL", defaultApprovalTTL),
		logger: &core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if cl, ok := s.logger.(core.ComponentAwareLogger); ok {
		s.logger = cl.WithComponent("engine/approval")
	}
	return s, nil
}

func approvalKey(id string) string {
	return fmt.Sprintf("%s:%s", approvalKeyPrefix, id)
}

func approvalThreadKey(threadID string) string {
	return fmt.Sprintf("%s:%s", approvalThreadIndex, threadID)
}

func (s *RedisApprovalStore) Create(ctx context.Context, req CreateApprovalRequest) (*Approval, error) {
	approval, err := newApproval(req)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(approval)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal approval %s: %w", approval.ID, err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.client.Key(approvalKey(approval.ID)), payload, s.ttl)
	pipe.SAdd(ctx, s.client.Key(approvalAllIndex), approval.ID)
	pipe.SAdd(ctx, s.client.Key(approvalPendingIndex), approval.ID)
	pipe.SAdd(ctx, s.client.Key(approvalThreadKey(approval.ThreadID)), approval.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, &InfrastructureError{Component: "approval_store", Err: err}
	}

	s.logger.InfoWithContext(ctx, "Approval created", map[string]interface{}{
		"operation":   "approval_create",
		"approval_id": approval.ID,
		"thread_id":   approval.ThreadID,
		"step_id":     approval.StepID,
		"risk_level":  string(approval.RiskLevel),
		"expires_at":  approval.ExpiresAt.Format(time.RFC3339),
	})
	return approval, nil
}

func (s *RedisApprovalStore) Get(ctx context.Context, id string) (*Approval, error) {
	raw, err := s.client.Get(ctx, approvalKey(id))
	if err == redis.Nil {
		return nil, &NotFoundError{Kind: "approval", ID: id}
	}
	if err != nil {
		return nil, &InfrastructureError{Component: "approval_store", Err: err}
	}
	var approval Approval
	if err := json.Unmarshal([]byte(raw), &approval); err != nil {
		return nil, fmt.Errorf("corrupt approval record %s: %w", id, err)
	}
	return &approval, nil
}

// mutate runs fn against the record under WATCH and persists the result when
// fn reports a change. fn's error is returned even when a change persisted,
// which lets expiry flips surface as invalid transitions.
func (s *RedisApprovalStore) mutate(ctx context.Context, id string, fn func(*Approval) (bool, error)) (*Approval, error) {
	key := s.client.Key(approvalKey(id))
	var result *Approval
	var fnErr error

	for attempt := 0; attempt < approvalMaxRetries; attempt++ {
		fnErr = nil
		err := s.client.Underlying().Watch(ctx, func(tx *redis.Tx) error {
			raw, err := tx.Get(ctx, key).Result()
			if err == redis.Nil {
				return &NotFoundError{Kind: "approval", ID: id}
			}
			if err != nil {
				return err
			}

			var approval Approval
			if err := json.Unmarshal([]byte(raw), &approval); err != nil {
				return fmt.Errorf("corrupt approval record %s: %w", id, err)
			}

			changed, err := fn(&approval)
			fnErr = err
			result = &approval
			if !changed {
				return nil
			}

			payload, err := json.Marshal(&approval)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, payload, s.ttl)
				if approval.Status != ApprovalPending {
					pipe.SRem(ctx, s.client.Key(approvalPendingIndex), approval.ID)
				}
				return nil
			})
			return err
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			return nil, err
		}
		return result, fnErr
	}
	return nil, &InfrastructureError{Component: "approval_store", Err: fmt.Errorf("decision contention on approval %s after %d attempts", id, approvalMaxRetries)}
}

func (s *RedisApprovalStore) Resolve(ctx context.Context, id string, decision ApprovalStatus, decidedBy, comment string) (*Approval, error) {
	approval, err := s.mutate(ctx, id, func(a *Approval) (bool, error) {
		return applyDecision(a, decision, decidedBy, comment, time.Now().UTC())
	})
	if err != nil {
		return approval, err
	}
	s.logger.InfoWithContext(ctx, "Approval resolved", map[string]interface{}{
		"operation":   "approval_resolve",
		"approval_id": id,
		"decision":    string(decision),
		"decided_by":  decidedBy,
	})
	return approval, nil
}

func (s *RedisApprovalStore) Cancel(ctx context.Context, id, cancelledBy string) (*Approval, error) {
	return s.mutate(ctx, id, func(a *Approval) (bool, error) {
		return applyDecision(a, ApprovalCancelled, cancelledBy, "", time.Now().UTC())
	})
}

func (s *RedisApprovalStore) Assign(ctx context.Context, id, assignee string) (*Approval, error) {
	return s.mutate(ctx, id, func(a *Approval) (bool, error) {
		if a.Status != ApprovalPending {
			return false, &InvalidTransitionError{Entity: "approval", ID: a.ID, From: string(a.Status), To: "assigned"}
		}
		if a.AssignedTo == assignee {
			return false, nil
		}
		a.AssignedTo = assignee
		return true, nil
	})
}

func (s *RedisApprovalStore) List(ctx context.Context, filter ApprovalFilter) ([]*Approval, error) {
	indexKey := approvalAllIndex
	if filter.ThreadID != "" {
		indexKey = approvalThreadKey(filter.ThreadID)
	} else if filter.Status == ApprovalPending {
		indexKey = approvalPendingIndex
	}

	ids, err := s.client.SMembers(ctx, indexKey)
	if err != nil {
		return nil, &InfrastructureError{Component: "approval_store", Err: err}
	}

	approvals := make([]*Approval, 0, len(ids))
	for _, id := range ids {
		approval, err := s.Get(ctx, id)
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			return nil, err
		}
		if matchApprovalFilter(approval, filter) {
			approvals = append(approvals, approval)
		}
	}
	sortApprovals(approvals)
	return approvals, nil
}

func (s *RedisApprovalStore) ExpireDue(ctx context.Context, now time.Time) ([]*Approval, error) {
	ids, err := s.client.SMembers(ctx, approvalPendingIndex)
	if err != nil {
		return nil, &InfrastructureError{Component: "approval_store", Err: err}
	}

	var expired []*Approval
	for _, id := range ids {
		approval, err := s.mutate(ctx, id, func(a *Approval) (bool, error) {
			if !a.Expired(now) {
				return false, nil
			}
			a.Status = ApprovalExpired
			t := a.ExpiresAt
			a.DecidedAt = &t
			return true, nil
		})
		if err != nil {
			if IsNotFound(err) {
				_ = s.client.SRem(ctx, approvalPendingIndex, id)
				continue
			}
			return expired, err
		}
		if approval != nil && approval.Status == ApprovalExpired {
			expired = append(expired, approval)
		}
	}
	sortApprovals(expired)
	return expired, nil
}

// InMemoryApprovalStore keeps approvals in process memory for tests and
// Redis-less deployments.
type InMemoryApprovalStore struct {
	mu        sync.RWMutex
	approvals map[string]*Approval
}

// NewInMemoryApprovalStore creates an empty in-memory approval store.
func NewInMemoryApprovalStore() *InMemoryApprovalStore {
	return &InMemoryApprovalStore{approvals: make(map[string]*Approval)}
}

func (s *InMemoryApprovalStore) Create(ctx context.Context, req CreateApprovalRequest) (*Approval, error) {
	approval, err := newApproval(req)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.approvals[approval.ID] = approval.Clone()
	return approval, nil
}

func (s *InMemoryApprovalStore) Get(ctx context.Context, id string) (*Approval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	approval, ok := s.approvals[id]
	if !ok {
		return nil, &NotFoundError{Kind: "approval", ID: id}
	}
	return approval.Clone(), nil
}

func (s *InMemoryApprovalStore) mutate(id string, fn func(*Approval) (bool, error)) (*Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	approval, ok := s.approvals[id]
	if !ok {
		return nil, &NotFoundError{Kind: "approval", ID: id}
	}
	working := approval.Clone()
	changed, err := fn(working)
	if changed {
		s.approvals[id] = working
	}
	return working.Clone(), err
}

func (s *InMemoryApprovalStore) Resolve(ctx context.Context, id string, decision ApprovalStatus, decidedBy, comment string) (*Approval, error) {
	return s.mutate(id, func(a *Approval) (bool, error) {
		return applyDecision(a, decision, decidedBy, comment, time.Now().UTC())
	})
}

func (s *InMemoryApprovalStore) Cancel(ctx context.Context, id, cancelledBy string) (*Approval, error) {
	return s.mutate(id, func(a *Approval) (bool, error) {
		return applyDecision(a, ApprovalCancelled, cancelledBy, "", time.Now().UTC())
	})
}

func (s *InMemoryApprovalStore) Assign(ctx context.Context, id, assignee string) (*Approval, error) {
	return s.mutate(id, func(a *Approval) (bool, error) {
		if a.Status != ApprovalPending {
			return false, &InvalidTransitionError{Entity: "approval", ID: a.ID, From: string(a.Status), To: "assigned"}
		}
		if a.AssignedTo == assignee {
			return false, nil
		}
		a.AssignedTo = assignee
		return true, nil
	})
}

func (s *InMemoryApprovalStore) List(ctx context.Context, filter ApprovalFilter) ([]*Approval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	approvals := make([]*Approval, 0, len(s.approvals))
	for _, approval := range s.approvals {
		if matchApprovalFilter(approval, filter) {
			approvals = append(approvals, approval.Clone())
		}
	}
	sortApprovals(approvals)
	return approvals, nil
}

func (s *InMemoryApprovalStore) ExpireDue(ctx context.Context, now time.Time) ([]*Approval, error) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.approvals))
	for id, approval := range s.approvals {
		if approval.Status == ApprovalPending {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	var expired []*Approval
	for _, id := range ids {
		approval, err := s.mutate(id, func(a *Approval) (bool, error) {
			if !a.Expired(now) {
				return false, nil
			}
			a.Status = ApprovalExpired
			t := a.ExpiresAt
			a.DecidedAt = &t
			return true, nil
		})
		if err != nil {
			return expired, err
		}
		if approval != nil && approval.Status == ApprovalExpired {
			expired = append(expired, approval)
		}
	}
	sortApprovals(expired)
	return expired, nil
}

func matchApprovalFilter(a *Approval, filter ApprovalFilter) bool {
	if filter.ThreadID != "" && a.ThreadID != filter.ThreadID {
		return false
	}
	if filter.ProjectID != "" && a.ProjectID != filter.ProjectID {
		return false
	}
	if filter.Status != "" && a.Status != filter.Status {
		return false
	}
	if filter.RiskLevel != "" && a.RiskLevel != filter.RiskLevel {
		return false
	}
	return true
}

func sortApprovals(approvals []*Approval) {
	sort.Slice(approvals, func(i, j int) bool {
		if !approvals[i].RequestedAt.Equal(approvals[j].RequestedAt) {
			return approvals[i].RequestedAt.Before(approvals[j].RequestedAt)
		}
		return approvals[i].ID < approvals[j].ID
	})
}

var (
	_ ApprovalStore = (*RedisApprovalStore)(nil)
	_ ApprovalStore = (*InMemoryApprovalStore)(nil)
)
