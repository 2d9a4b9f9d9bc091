package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/stepflow-io/stepflow/core"
)

// WorkflowDefinition is a saved, named workflow. Definitions are authored
// and stored as YAML; an invoke referencing savedWorkflowId runs the
// definition's steps as if they were posted inline.
type WorkflowDefinition struct {
	ID          string         `json:"id" yaml:"id"`
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Steps       []WorkflowStep `json:"steps" yaml:"steps"`
	CreatedAt   time.Time      `json:"createdAt" yaml:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt" yaml:"updatedAt"`
}

// UnmarshalYAML accepts a bare string as shorthand for an expression
// condition, mirroring the JSON wire format.
func (c *Condition) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		var expr string
		if err := value.Decode(&expr); err != nil {
			return err
		}
		c.Expression = strings.TrimSpace(expr)
		return nil
	}
	type conditionAlias struct {
		Version    string          `yaml:"version"`
		RootGroup  *ConditionGroup `yaml:"rootGroup"`
		Expression string          `yaml:"expression"`
	}
	var alias conditionAlias
	if err := value.Decode(&alias); err != nil {
		return err
	}
	c.Version = alias.Version
	c.RootGroup = alias.RootGroup
	c.Expression = strings.TrimSpace(alias.Expression)
	return nil
}

// UnmarshalYAML accepts "subgroups" as an alias for "groups".
func (g *ConditionGroup) UnmarshalYAML(value *yaml.Node) error {
	type groupAlias struct {
		Combinator Combinator        `yaml:"combinator"`
		Rules      []ConditionRule   `yaml:"rules"`
		Groups     []*ConditionGroup `yaml:"groups"`
		Subgroups  []*ConditionGroup `yaml:"subgroups"`
	}
	var alias groupAlias
	if err := value.Decode(&alias); err != nil {
		return err
	}
	g.Combinator = alias.Combinator
	g.Rules = alias.Rules
	g.Groups = alias.Groups
	if len(g.Groups) == 0 {
		g.Groups = alias.Subgroups
	}
	return nil
}

// ParseWorkflowDefinition decodes a YAML (or JSON) definition document.
func ParseWorkflowDefinition(data []byte) (*WorkflowDefinition, error) {
	var def WorkflowDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, &ValidationError{Field: "definition", Reason: fmt.Sprintf("invalid YAML: %v", err)}
	}
	return &def, nil
}

// ValidateDefinition compiles the definition's steps so a bad definition is
// rejected at save time rather than at its first invoke.
func ValidateDefinition(def *WorkflowDefinition) error {
	if def == nil {
		return &ValidationError{Field: "definition", Reason: "definition is required"}
	}
	if strings.TrimSpace(def.Name) == "" {
		return &ValidationError{Field: "name", Reason: "definition requires a name"}
	}
	if len(def.Steps) == 0 {
		return &ValidationError{Field: "steps", Reason: "definition requires at least one step"}
	}
	_, err := NewBuilder().Build(NormalizeSteps(def.Steps))
	return err
}

// SavedWorkflowStore persists workflow definitions.
type SavedWorkflowStore interface {
	// Save validates and writes a definition, assigning an id when absent.
	Save(ctx context.Context, def *WorkflowDefinition) (*WorkflowDefinition, error)
	Get(ctx context.Context, id string) (*WorkflowDefinition, error)
	List(ctx context.Context) ([]*WorkflowDefinition, error)
	Delete(ctx context.Context, id string) error
}

const (
	savedWorkflowKeyPrefix = "saved-workflow"
	savedWorkflowIndexKey  = "saved-workflow:index"
)

// RedisSavedWorkflowStore keeps definitions as YAML documents in Redis.
// Keys:
//
//	{namespace}:saved-workflow:{id}   YAML document
//	{namespace}:saved-workflow:index  set of all definition ids
type RedisSavedWorkflowStore struct {
	client *core.RedisClient
	logger core.Logger
}

// NewRedisSavedWorkflowStore creates a definition store on the given client.
func NewRedisSavedWorkflowStore(client *core.RedisClient, logger core.Logger) (*RedisSavedWorkflowStore, error) {
	if client == nil {
		return nil, &ConfigurationError{Reason: "redis client is required for the saved workflow store"}
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cl, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cl.WithComponent("engine/saved_workflows")
	}
	return &RedisSavedWorkflowStore{client: client, logger: logger}, nil
}

func savedWorkflowKey(id string) string {
	return fmt.Sprintf("%s:%s", savedWorkflowKeyPrefix, id)
}

func (s *RedisSavedWorkflowStore) Save(ctx context.Context, def *WorkflowDefinition) (*WorkflowDefinition, error) {
	prepared, err := prepareDefinition(def)
	if err != nil {
		return nil, err
	}
	payload, err := yaml.Marshal(prepared)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal definition %s: %w", prepared.ID, err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.client.Key(savedWorkflowKey(prepared.ID)), payload, 0)
	pipe.SAdd(ctx, s.client.Key(savedWorkflowIndexKey), prepared.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, &InfrastructureError{Component: "saved_workflows", Err: err}
	}

	s.logger.Info("Saved workflow definition", map[string]interface{}{
		"operation":   "definition_save",
		"workflow_id": prepared.ID,
		"name":        prepared.Name,
		"steps":       len(prepared.Steps),
	})
	return prepared, nil
}

func (s *RedisSavedWorkflowStore) Get(ctx context.Context, id string) (*WorkflowDefinition, error) {
	raw, err := s.client.Get(ctx, savedWorkflowKey(id))
	if err == redis.Nil {
		return nil, &NotFoundError{Kind: "workflow", ID: id}
	}
	if err != nil {
		return nil, &InfrastructureError{Component: "saved_workflows", Err: err}
	}
	def, err := ParseWorkflowDefinition([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("corrupt definition %s: %w", id, err)
	}
	return def, nil
}

func (s *RedisSavedWorkflowStore) List(ctx context.Context) ([]*WorkflowDefinition, error) {
	ids, err := s.client.SMembers(ctx, savedWorkflowIndexKey)
	if err != nil {
		return nil, &InfrastructureError{Component: "saved_workflows", Err: err}
	}
	defs := make([]*WorkflowDefinition, 0, len(ids))
	for _, id := range ids {
		def, err := s.Get(ctx, id)
		if err != nil {
			if IsNotFound(err) {
				_ = s.client.SRem(ctx, savedWorkflowIndexKey, id)
				continue
			}
			return nil, err
		}
		defs = append(defs, def)
	}
	sortDefinitions(defs)
	return defs, nil
}

func (s *RedisSavedWorkflowStore) Delete(ctx context.Context, id string) error {
	pipe := s.client.Pipeline()
	pipe.Del(ctx, s.client.Key(savedWorkflowKey(id)))
	pipe.SRem(ctx, s.client.Key(savedWorkflowIndexKey), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return &InfrastructureError{Component: "saved_workflows", Err: err}
	}
	return nil
}

// InMemorySavedWorkflowStore keeps definitions in process memory for tests
// and Redis-less deployments.
type InMemorySavedWorkflowStore struct {
	mu   sync.RWMutex
	defs map[string]*WorkflowDefinition
}

// NewInMemorySavedWorkflowStore creates an empty in-memory store.
func NewInMemorySavedWorkflowStore() *InMemorySavedWorkflowStore {
	return &InMemorySavedWorkflowStore{defs: make(map[string]*WorkflowDefinition)}
}

func (s *InMemorySavedWorkflowStore) Save(ctx context.Context, def *WorkflowDefinition) (*WorkflowDefinition, error) {
	prepared, err := prepareDefinition(def)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defs[prepared.ID] = cloneDefinition(prepared)
	return prepared, nil
}

func (s *InMemorySavedWorkflowStore) Get(ctx context.Context, id string) (*WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.defs[id]
	if !ok {
		return nil, &NotFoundError{Kind: "workflow", ID: id}
	}
	return cloneDefinition(def), nil
}

func (s *InMemorySavedWorkflowStore) List(ctx context.Context) ([]*WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	defs := make([]*WorkflowDefinition, 0, len(s.defs))
	for _, def := range s.defs {
		defs = append(defs, cloneDefinition(def))
	}
	sortDefinitions(defs)
	return defs, nil
}

func (s *InMemorySavedWorkflowStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.defs, id)
	return nil
}

// prepareDefinition validates and stamps a definition for storage.
func prepareDefinition(def *WorkflowDefinition) (*WorkflowDefinition, error) {
	if err := ValidateDefinition(def); err != nil {
		return nil, err
	}
	prepared := cloneDefinition(def)
	now := time.Now().UTC()
	if prepared.ID == "" {
		prepared.ID = uuid.NewString()
		prepared.CreatedAt = now
	}
	if prepared.CreatedAt.IsZero() {
		prepared.CreatedAt = now
	}
	prepared.UpdatedAt = now
	return prepared, nil
}

func cloneDefinition(def *WorkflowDefinition) *WorkflowDefinition {
	out := *def
	out.Steps = append([]WorkflowStep(nil), def.Steps...)
	return &out
}

func sortDefinitions(defs []*WorkflowDefinition) {
	sort.Slice(defs, func(i, j int) bool {
		if !defs[i].UpdatedAt.Equal(defs[j].UpdatedAt) {
			return defs[i].UpdatedAt.After(defs[j].UpdatedAt)
		}
		return defs[i].ID < defs[j].ID
	})
}

var (
	_ SavedWorkflowStore = (*RedisSavedWorkflowStore)(nil)
	_ SavedWorkflowStore = (*InMemorySavedWorkflowStore)(nil)
)
