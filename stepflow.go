// Package stepflow assembles the workflow engine from its parts: agent
// clients, stores, the event bus, executors, scheduler, and monitor. Import
// the subpackages directly when embedding individual pieces:
//   - github.com/stepflow-io/stepflow/engine - DAG compilation and execution
//   - github.com/stepflow-io/stepflow/client - agent backends (studio, mock)
//   - github.com/stepflow-io/stepflow/core - logging, errors, Redis access
//   - github.com/stepflow-io/stepflow/api - HTTP/SSE/WebSocket surface
package stepflow

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stepflow-io/stepflow/client"
	"github.com/stepflow-io/stepflow/core"
	"github.com/stepflow-io/stepflow/engine"
)

// Config carries engine construction parameters. ConfigFromEnv fills it from
// the environment; zero values fall back to documented defaults.
type Config struct {
	// RedisURL selects the persistent backend. Empty means in-memory stores
	// and a process-local event bus: fine for tests and single-node trials,
	// no restart recovery.
	RedisURL string

	// Namespace prefixes every Redis key (default "stepflow").
	Namespace string

	// UseMockAI routes agent steps to the mock executor cluster-wide.
	UseMockAI bool

	// StudioAPI is the agent backend base URL. Required unless UseMockAI.
	StudioAPI string

	// AgentsFile optionally seeds the config store from a YAML document with
	// agents, projects, and per-project agent bindings.
	AgentsFile string

	// MockDelay simulates agent latency in mock mode.
	MockDelay time.Duration

	// AgentTimeout is the default per-step deadline for agent steps.
	AgentTimeout time.Duration

	// ApprovalPoll is the human executor's store polling interval.
	ApprovalPoll time.Duration

	// MonitorInterval and HeartbeatWindow tune orphan detection.
	MonitorInterval time.Duration
	HeartbeatWindow time.Duration

	// ParallelChildLimit caps concurrent parallel-block children per run.
	ParallelChildLimit int

	// ConditionalPerDep routes each dependency of a multi-source conditional
	// as it finishes; false defers one evaluation until all sources finish.
	ConditionalPerDep bool

	// EventHistorySize bounds the per-thread replay ring on the bus.
	EventHistorySize int

	Logger core.Logger
}

// ConfigFromEnv builds a Config from the process environment.
func ConfigFromEnv() Config {
	return Config{
		RedisURL:           core.GetEnvOrDefault("REDIS_URL", ""),
		Namespace:          core.GetEnvOrDefault("STEPFLOW_NAMESPACE", "stepflow"),
		UseMockAI:          core.GetEnvBoolOrDefault("USE_MOCK_AI", false),
		StudioAPI:          core.GetEnvOrDefault("CLAUDE_STUDIO_API", ""),
		AgentsFile:         core.GetEnvOrDefault("STEPFLOW_AGENTS_FILE", ""),
		MockDelay:          core.GetEnvDurationOrDefault("STEPFLOW_MOCK_DELAY", 200*time.Millisecond),
		AgentTimeout:       core.GetEnvDurationOrDefault("STEPFLOW_AGENT_TIMEOUT", 10*time.Minute),
		ApprovalPoll:       core.GetEnvDurationOrDefault("STEPFLOW_APPROVAL_POLL", 2*time.Second),
		MonitorInterval:    core.GetEnvDurationOrDefault("STEPFLOW_MONITOR_INTERVAL", 30*time.Second),
		HeartbeatWindow:    core.GetEnvDurationOrDefault("STEPFLOW_HEARTBEAT_WINDOW", 5*time.Minute),
		ParallelChildLimit: core.GetEnvIntOrDefault("STEPFLOW_PARALLEL_LIMIT", 5),
		ConditionalPerDep:  core.GetEnvBoolOrDefault("STEPFLOW_CONDITIONAL_PER_DEP", true),
		EventHistorySize:   core.GetEnvIntOrDefault("STEPFLOW_EVENT_HISTORY", 64),
	}
}

// Dependencies injects alternative implementations; nil fields are built
// from Config. Tests swap in in-memory stores and a canned agent client.
type Dependencies struct {
	AgentClient  core.AgentClient
	ConfigStore  core.ConfigStore
	Checkpointer engine.Checkpointer
	Registry     engine.WorkflowRegistry
	Approvals    engine.ApprovalStore
	Saved        engine.SavedWorkflowStore
	Bus          engine.EventBus
}

// Engine is the assembled workflow engine. Fields are exported so the HTTP
// layer and embedders can reach individual components.
type Engine struct {
	Orchestrator *engine.Orchestrator
	Monitor      *engine.Monitor
	Bus          engine.EventBus
	Registry     engine.WorkflowRegistry
	Checkpointer engine.Checkpointer
	Approvals    engine.ApprovalStore
	Saved        engine.SavedWorkflowStore
	Executors    *engine.ExecutorRegistry
	ConfigStore  core.ConfigStore
	AgentClient  core.AgentClient

	logger  core.Logger
	closers []func() error
}

// CreateEngine wires the engine per Config, preferring injected
// Dependencies. With a RedisURL every store gets its own database on the
// same instance; without one everything runs in process memory.
func CreateEngine(cfg Config, deps Dependencies) (*Engine, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}

	eng := &Engine{logger: logger}

	agentClient, err := buildAgentClient(cfg, deps, logger)
	if err != nil {
		return nil, err
	}
	eng.AgentClient = agentClient

	configStore, err := buildConfigStore(cfg, deps)
	if err != nil {
		return nil, err
	}
	eng.ConfigStore = configStore

	if err := eng.buildStores(cfg, deps, logger); err != nil {
		eng.close()
		return nil, err
	}
	if err := eng.buildBus(cfg, deps, logger); err != nil {
		eng.close()
		return nil, err
	}

	agentExecutor := engine.NewAgentExecutor(
		agentClient,
		configStore,
		engine.NewStatusOperator(agentClient, engine.WithOperatorLogger(logger)),
		engine.WithAgentLogger(logger),
		engine.WithAgentTimeout(cfg.AgentTimeout),
	)

	approvalContext := engine.NewApprovalContextBuilder(eng.Approvals, logger)
	humanExecutor := engine.NewHumanExecutor(
		eng.Approvals,
		approvalContext,
		engine.WithHumanLogger(logger),
		engine.WithApprovalPoll(cfg.ApprovalPoll),
		engine.WithHumanMockMode(cfg.UseMockAI),
	)

	// Registration order is first-match: the container kinds and fixed kinds
	// go first, then mock ahead of agent so USE_MOCK_AI captures agent steps.
	executors := engine.NewExecutorRegistry()
	executors.Register(humanExecutor)
	executors.Register(engine.NewLoopExecutor(logger))
	executors.Register(engine.NewParallelExecutor(logger))
	executors.Register(engine.NewScriptExecutor(engine.WithScriptLogger(logger)))
	executors.Register(engine.NewWebhookExecutor(engine.WithWebhookLogger(logger)))
	executors.Register(engine.NewMockExecutor(cfg.MockDelay, cfg.UseMockAI, logger))
	executors.Register(agentExecutor)
	eng.Executors = executors

	orchestrator := engine.NewOrchestrator(
		engine.NewBuilder(engine.WithBuilderLogger(logger)),
		executors,
		eng.Checkpointer,
		eng.Registry,
		eng.Bus,
		engine.WithOrchestratorLogger(logger),
		engine.WithAgentResolver(agentExecutor),
		engine.WithSavedWorkflows(eng.Saved),
		engine.WithMockMode(cfg.UseMockAI),
		engine.WithConditionalPerDep(cfg.ConditionalPerDep),
		engine.WithParallelChildLimit(cfg.ParallelChildLimit),
	)
	eng.Orchestrator = orchestrator
	eng.closers = append(eng.closers, orchestrator.Close)

	eng.Monitor = engine.NewMonitor(
		eng.Registry,
		eng.Checkpointer,
		eng.Bus,
		engine.WithMonitorLogger(logger),
		engine.WithMonitorInterval(cfg.MonitorInterval),
		engine.WithHeartbeatWindow(cfg.HeartbeatWindow),
		engine.WithMonitorApprovals(eng.Approvals),
		engine.WithLocalCheck(orchestrator.Running),
	)

	return eng, nil
}

// Close releases every component the engine constructed, newest first.
func (e *Engine) Close() error {
	if e.Monitor != nil {
		e.Monitor.Stop()
	}
	return e.close()
}

func (e *Engine) close() error {
	var first error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	e.closers = nil
	return first
}

func buildAgentClient(cfg Config, deps Dependencies, logger core.Logger) (core.AgentClient, error) {
	if deps.AgentClient != nil {
		return deps.AgentClient, nil
	}
	if cfg.UseMockAI {
		return client.NewMock(client.WithMockLatency(cfg.MockDelay)), nil
	}
	if cfg.StudioAPI == "" {
		return nil, fmt.Errorf("agent backend not configured (set CLAUDE_STUDIO_API or USE_MOCK_AI): %w", core.ErrMissingConfiguration)
	}
	return client.NewStudio(cfg.StudioAPI,
		client.WithStudioLogger(logger),
		client.WithStudioTimeout(cfg.AgentTimeout),
	)
}

func buildConfigStore(cfg Config, deps Dependencies) (core.ConfigStore, error) {
	if deps.ConfigStore != nil {
		return deps.ConfigStore, nil
	}
	store := core.NewInMemoryConfigStore()
	if cfg.AgentsFile != "" {
		if err := LoadAgentsFile(store, cfg.AgentsFile); err != nil {
			return nil, err
		}
	}
	return store, nil
}

func (e *Engine) buildStores(cfg Config, deps Dependencies, logger core.Logger) error {
	e.Checkpointer = deps.Checkpointer
	e.Registry = deps.Registry
	e.Approvals = deps.Approvals
	e.Saved = deps.Saved

	if cfg.RedisURL == "" {
		if e.Checkpointer == nil {
			e.Checkpointer = engine.NewInMemoryCheckpointer()
		}
		if e.Registry == nil {
			e.Registry = engine.NewInMemoryWorkflowRegistry()
		}
		if e.Approvals == nil {
			e.Approvals = engine.NewInMemoryApprovalStore()
		}
		if e.Saved == nil {
			e.Saved = engine.NewInMemorySavedWorkflowStore()
		}
		return nil
	}

	if e.Registry == nil {
		rc, err := e.redisClient(cfg, core.RedisDBRegistry, logger)
		if err != nil {
			return err
		}
		if e.Registry, err = engine.NewRedisWorkflowRegistry(rc, engine.WithRegistryLogger(logger)); err != nil {
			return err
		}
	}
	if e.Checkpointer == nil {
		rc, err := e.redisClient(cfg, core.RedisDBCheckpoints, logger)
		if err != nil {
			return err
		}
		if e.Checkpointer, err = engine.NewRedisCheckpointer(rc, engine.WithCheckpointLogger(logger)); err != nil {
			return err
		}
	}
	if e.Approvals == nil {
		rc, err := e.redisClient(cfg, core.RedisDBApprovals, logger)
		if err != nil {
			return err
		}
		if e.Approvals, err = engine.NewRedisApprovalStore(rc, engine.WithApprovalLogger(logger)); err != nil {
			return err
		}
	}
	if e.Saved == nil {
		rc, err := e.redisClient(cfg, core.RedisDBDefinitions, logger)
		if err != nil {
			return err
		}
		if e.Saved, err = engine.NewRedisSavedWorkflowStore(rc, logger); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) buildBus(cfg Config, deps Dependencies, logger core.Logger) error {
	if deps.Bus != nil {
		e.Bus = deps.Bus
		return nil
	}
	local := engine.NewInProcessBus(
		engine.WithBusLogger(logger),
		engine.WithHistorySize(cfg.EventHistorySize),
	)
	if cfg.RedisURL == "" {
		e.Bus = local
		return nil
	}
	rc, err := e.redisClient(cfg, core.RedisDBEvents, logger)
	if err != nil {
		return err
	}
	bus, err := engine.NewRedisBus(rc, local)
	if err != nil {
		return err
	}
	e.Bus = bus
	e.closers = append(e.closers, bus.Close)
	return nil
}

func (e *Engine) redisClient(cfg Config, db int, logger core.Logger) (*core.RedisClient, error) {
	rc, err := core.NewRedisClient(core.RedisClientOptions{
		RedisURL:  cfg.RedisURL,
		DB:        db,
		Namespace: cfg.Namespace,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	e.closers = append(e.closers, rc.Close)
	return rc, nil
}

// agentsFile is the YAML document read by LoadAgentsFile.
type agentsFile struct {
	Agents        []core.AgentConfig            `yaml:"agents"`
	Projects      []core.ProjectConfig          `yaml:"projects"`
	ProjectAgents map[string][]core.AgentConfig `yaml:"projectAgents"`
}

// LoadAgentsFile seeds a config store from a YAML document:
//
//	agents:           # global agents
//	  - id: coder
//	    role: developer
//	projects:
//	  - id: demo
//	projectAgents:
//	  demo:
//	    - id: reviewer
//	      role: reviewer
func LoadAgentsFile(store *core.InMemoryConfigStore, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read agents file %s: %w", path, err)
	}
	var doc agentsFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("invalid agents file %s: %w", path, err)
	}
	for i := range doc.Agents {
		store.AddGlobalAgent(&doc.Agents[i])
	}
	for i := range doc.Projects {
		store.AddProject(&doc.Projects[i])
	}
	for projectID, agents := range doc.ProjectAgents {
		for i := range agents {
			store.AddProjectAgent(projectID, &agents[i])
		}
	}
	return nil
}
