// Command stepflowd runs the workflow engine as an HTTP service: JSON
// endpoints for invoking workflows, SSE streams for live progress, and a
// WebSocket channel for UI push.
//
// Configuration is environment-driven. The interesting knobs:
//
//	STEPFLOW_ADDR        listen address (default :8180)
//	REDIS_URL            redis backend; empty runs fully in-memory
//	CLAUDE_STUDIO_API    agent backend base URL
//	USE_MOCK_AI          route agent steps to the mock executor
//	STEPFLOW_AGENTS_FILE YAML file seeding role -> agent bindings
//	STEPFLOW_LOG_LEVEL   debug | info | warn | error
//	STEPFLOW_LOG_FORMAT  json | text
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	stepflow "github.com/stepflow-io/stepflow"
	"github.com/stepflow-io/stepflow/api"
	"github.com/stepflow-io/stepflow/core"
)

func main() {
	logger := buildLogger()

	cfg := stepflow.ConfigFromEnv()
	cfg.Logger = logger

	eng, err := stepflow.CreateEngine(cfg, stepflow.Dependencies{})
	if err != nil {
		log.Fatalf("stepflowd: engine setup failed: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Recover threads orphaned by the previous process before taking traffic.
	eng.Monitor.Start(ctx)

	server, err := api.NewServer(api.Services{
		Orchestrator: eng.Orchestrator,
		Registry:     eng.Registry,
		Checkpointer: eng.Checkpointer,
		Approvals:    eng.Approvals,
		Saved:        eng.Saved,
		Bus:          eng.Bus,
	},
		api.WithLogger(logger),
		api.WithVersion(stepflow.Version),
		api.WithAllowedOrigins(allowedOrigins()),
	)
	if err != nil {
		log.Fatalf("stepflowd: server setup failed: %v", err)
	}

	addr := core.GetEnvOrDefault("STEPFLOW_ADDR", ":8180")
	errs := make(chan error, 1)
	go func() {
		errs <- server.ListenAndServe(addr)
	}()

	select {
	case err := <-errs:
		if err != nil {
			log.Fatalf("stepflowd: server failed: %v", err)
		}
	case <-ctx.Done():
	}

	logger.Info("Shutting down", map[string]interface{}{
		"operation": "shutdown",
	})

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown did not drain cleanly", map[string]interface{}{
			"operation": "shutdown",
			"error":     err.Error(),
		})
	}
	if err := eng.Close(); err != nil {
		logger.Warn("Engine close reported errors", map[string]interface{}{
			"operation": "shutdown",
			"error":     err.Error(),
		})
	}
}

func buildLogger() core.Logger {
	if core.GetEnvBoolOrDefault("STEPFLOW_DEV_LOGGING", false) {
		return core.NewDevelopmentLogger("stepflow")
	}
	return core.NewProductionLogger(core.LoggingConfig{
		Level:  core.GetEnvOrDefault("STEPFLOW_LOG_LEVEL", "info"),
		Format: core.GetEnvOrDefault("STEPFLOW_LOG_FORMAT", "json"),
		Output: core.GetEnvOrDefault("STEPFLOW_LOG_OUTPUT", "stdout"),
	}, core.DevelopmentConfig{}, "stepflow")
}

func allowedOrigins() []string {
	raw := core.GetEnvOrDefault("STEPFLOW_ALLOWED_ORIGINS", "*")
	parts := strings.Split(raw, ",")
	origins := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}
