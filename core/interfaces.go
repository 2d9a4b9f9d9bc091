package core

import (
	"context"
)

// Logger is the framework-wide structured logging interface.
// The *WithContext variants extract trace identifiers from the context so
// log lines can be correlated with distributed traces.
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})
	InfoWithContext(ctx context.Context, msg string, fields map[string]interface{})
	ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{})
	WarnWithContext(ctx context.Context, msg string, fields map[string]interface{})
	DebugWithContext(ctx context.Context, msg string, fields map[string]interface{})
}

// ComponentAwareLogger is implemented by loggers that can mint child loggers
// scoped to a component (e.g. "engine/scheduler", "api/websocket").
type ComponentAwareLogger interface {
	Logger
	WithComponent(component string) Logger
}

// AgentClient sends a task to an LLM agent process and returns its response.
// Implementations own prompt transport, token streaming, and session
// management; the engine only sees the opaque session reference.
type AgentClient interface {
	Send(ctx context.Context, req *AgentRequest) (*AgentResponse, error)
}

// AgentRequest describes one agent invocation.
type AgentRequest struct {
	// Task is the fully resolved instruction text (templates already substituted).
	Task string
	// ProjectID namespaces the conversation; empty for global agents.
	ProjectID string
	// SessionRef resumes a prior conversation when non-empty.
	SessionRef string
	// ProjectPath is the working directory the agent operates in, if any.
	ProjectPath string
	// Agent carries the resolved agent configuration.
	Agent *AgentConfig
}

// AgentResponse is the result of one agent invocation.
type AgentResponse struct {
	Response   string
	SessionRef string
	Model      string
	Usage      TokenUsage
}

// TokenUsage reports token accounting for an agent call.
type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// AgentConfig is the persisted configuration for a named agent.
type AgentConfig struct {
	ID           string `json:"id" yaml:"id"`
	Name         string `json:"name" yaml:"name"`
	Role         string `json:"role" yaml:"role"`
	Model        string `json:"model,omitempty" yaml:"model,omitempty"`
	SystemPrompt string `json:"systemPrompt,omitempty" yaml:"systemPrompt,omitempty"`
	ProjectPath  string `json:"projectPath,omitempty" yaml:"projectPath,omitempty"`
}

// ProjectConfig is the persisted configuration for a project namespace.
type ProjectConfig struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
}

// ConfigStore resolves agent and project configuration. Lookup order for a
// step reference is: project-local agent by id, project agent by role, then
// global agent. Misses return ErrAgentNotFound so callers can fall through.
type ConfigStore interface {
	GetProjectAgent(ctx context.Context, projectID, agentID string) (*AgentConfig, error)
	GetProjectAgentByRole(ctx context.Context, projectID, role string) (*AgentConfig, error)
	GetGlobalAgent(ctx context.Context, agentID string) (*AgentConfig, error)
	GetProject(ctx context.Context, projectID string) (*ProjectConfig, error)
}

// NoOpLogger provides a no-op logger implementation
type NoOpLogger struct{}

func (n *NoOpLogger) Info(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Error(msg string, fields map[string]interface{}) {}
func (n *NoOpLogger) Warn(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Debug(msg string, fields map[string]interface{}) {}
func (n *NoOpLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
}
func (n *NoOpLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
}
func (n *NoOpLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
}
func (n *NoOpLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
}

// InMemoryConfigStore is a ConfigStore backed by maps. It serves tests and
// single-process deployments that configure agents at startup.
type InMemoryConfigStore struct {
	projectAgents map[string]map[string]*AgentConfig // projectID -> agentID -> config
	globalAgents  map[string]*AgentConfig
	projects      map[string]*ProjectConfig
}

// NewInMemoryConfigStore creates an empty config store.
func NewInMemoryConfigStore() *InMemoryConfigStore {
	return &InMemoryConfigStore{
		projectAgents: make(map[string]map[string]*AgentConfig),
		globalAgents:  make(map[string]*AgentConfig),
		projects:      make(map[string]*ProjectConfig),
	}
}

// AddProjectAgent registers an agent under a project namespace.
func (s *InMemoryConfigStore) AddProjectAgent(projectID string, agent *AgentConfig) {
	if s.projectAgents[projectID] == nil {
		s.projectAgents[projectID] = make(map[string]*AgentConfig)
	}
	s.projectAgents[projectID][agent.ID] = agent
}

// AddGlobalAgent registers an agent visible to every project.
func (s *InMemoryConfigStore) AddGlobalAgent(agent *AgentConfig) {
	s.globalAgents[agent.ID] = agent
}

// AddProject registers a project.
func (s *InMemoryConfigStore) AddProject(project *ProjectConfig) {
	s.projects[project.ID] = project
}

func (s *InMemoryConfigStore) GetProjectAgent(ctx context.Context, projectID, agentID string) (*AgentConfig, error) {
	if agents, ok := s.projectAgents[projectID]; ok {
		if agent, ok := agents[agentID]; ok {
			return agent, nil
		}
	}
	return nil, ErrAgentNotFound
}

func (s *InMemoryConfigStore) GetProjectAgentByRole(ctx context.Context, projectID, role string) (*AgentConfig, error) {
	for _, agent := range s.projectAgents[projectID] {
		if agent.Role == role {
			return agent, nil
		}
	}
	return nil, ErrAgentNotFound
}

func (s *InMemoryConfigStore) GetGlobalAgent(ctx context.Context, agentID string) (*AgentConfig, error) {
	if agent, ok := s.globalAgents[agentID]; ok {
		return agent, nil
	}
	return nil, ErrAgentNotFound
}

func (s *InMemoryConfigStore) GetProject(ctx context.Context, projectID string) (*ProjectConfig, error) {
	if project, ok := s.projects[projectID]; ok {
		return project, nil
	}
	return nil, ErrProjectNotFound
}

// Compile-time interface checks
var (
	_ Logger      = (*NoOpLogger)(nil)
	_ ConfigStore = (*InMemoryConfigStore)(nil)
)
