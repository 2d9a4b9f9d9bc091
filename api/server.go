// Package api exposes the workflow engine over HTTP: JSON endpoints for
// invoking and inspecting workflows, server-sent event streams for live
// progress, and a WebSocket channel for UI push notifications.
//
// The server fronts engine collaborators it does not own. Callers build the
// engine (see the stepflow package), hand the pieces to NewServer, and attach
// the routes to any mux:
//
//	server, err := api.NewServer(api.Services{
//	    Orchestrator: eng.Orchestrator,
//	    Registry:     eng.Registry,
//	    Checkpointer: eng.Checkpointer,
//	    Approvals:    eng.Approvals,
//	    Saved:        eng.Saved,
//	    Bus:          eng.Bus,
//	}, api.WithLogger(logger))
//
//	mux := http.NewServeMux()
//	server.RegisterRoutes(mux)
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/stepflow-io/stepflow/core"
	"github.com/stepflow-io/stepflow/engine"
)

// Services carries the engine collaborators the server fronts. Orchestrator
// and Bus are required; endpoints backed by a nil service report that the
// feature is not configured.
type Services struct {
	Orchestrator *engine.Orchestrator
	Registry     engine.WorkflowRegistry
	Checkpointer engine.Checkpointer
	Approvals    engine.ApprovalStore
	Saved        engine.SavedWorkflowStore
	Bus          engine.EventBus
}

// Server is the HTTP front end for the workflow engine.
type Server struct {
	orchestrator *engine.Orchestrator
	registry     engine.WorkflowRegistry
	checkpointer engine.Checkpointer
	approvals    engine.ApprovalStore
	saved        engine.SavedWorkflowStore
	bus          engine.EventBus

	hub            *Hub
	logger         core.Logger
	heartbeat      time.Duration
	allowedOrigins []string
	version        string

	httpServer *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger core.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSSEHeartbeat overrides the comment-frame interval on SSE connections
// (default 30s). Intermediaries tend to close streams idle longer than a
// minute, so keep it below that.
func WithSSEHeartbeat(interval time.Duration) Option {
	return func(s *Server) {
		if interval > 0 {
			s.heartbeat = interval
		}
	}
}

// WithAllowedOrigins restricts CORS and WebSocket upgrades to the given
// origins. Default is "*".
func WithAllowedOrigins(origins []string) Option {
	return func(s *Server) {
		if len(origins) > 0 {
			s.allowedOrigins = origins
		}
	}
}

// WithVersion sets the version string reported by the health endpoint.
func WithVersion(version string) Option {
	return func(s *Server) {
		if version != "" {
			s.version = version
		}
	}
}

// NewServer creates the HTTP front end. Returns a concrete type per Go idiom
// "return structs, accept interfaces".
func NewServer(services Services, opts ...Option) (*Server, error) {
	if services.Orchestrator == nil {
		return nil, &engine.ConfigurationError{Reason: "api server requires an orchestrator"}
	}
	if services.Bus == nil {
		return nil, &engine.ConfigurationError{Reason: "api server requires an event bus"}
	}

	s := &Server{
		orchestrator:   services.Orchestrator,
		registry:       services.Registry,
		checkpointer:   services.Checkpointer,
		approvals:      services.Approvals,
		saved:          services.Saved,
		bus:            services.Bus,
		logger:         &core.NoOpLogger{},
		heartbeat:      30 * time.Second,
		allowedOrigins: []string{"*"},
		version:        "development",
	}
	for _, opt := range opts {
		opt(s)
	}
	if cl, ok := s.logger.(core.ComponentAwareLogger); ok {
		s.logger = cl.WithComponent("api/server")
	}

	s.hub = newHub(services.Bus, s.allowedOrigins, s.logger)

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// No write timeout: SSE and WebSocket connections stay open for the
		// lifetime of the client.
	}
	return s, nil
}

// RegisterRoutes attaches every endpoint to the given mux.
//
// Registered routes:
//   - POST /api/invoke
//   - POST /api/invoke/async
//   - GET  /api/invoke/stream/{threadId}
//   - POST /api/invoke/abort/{threadId}
//   - GET  /api/invoke-status/events
//   - GET|POST /api/invoke-status/status/{threadId}
//   - GET  /api/workflow-graph/{threadId}
//   - GET  /api/approvals
//   - GET  /api/approvals/{id}
//   - POST /api/approvals/{id}/decide
//   - POST /api/approvals/{id}/assign
//   - GET|POST /api/workflows
//   - GET|PUT|DELETE /api/workflows/{id}
//   - GET  /api/health
//   - GET  /api/metrics
//   - GET  /ws
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/invoke", s.handleInvoke)
	mux.HandleFunc("/api/invoke/async", s.handleInvokeAsync)
	// Prefix matching for path parameters (handles /api/invoke/stream/{threadId}).
	mux.HandleFunc("/api/invoke/stream/", s.handleStream)
	mux.HandleFunc("/api/invoke/abort/", s.handleAbort)
	mux.HandleFunc("/api/invoke-status/events", s.handleEvents)
	mux.HandleFunc("/api/invoke-status/status/", s.handleStatus)
	mux.HandleFunc("/api/workflow-graph/", s.handleGraph)
	mux.HandleFunc("/api/approvals", s.handleApprovalList)
	mux.HandleFunc("/api/approvals/", s.handleApproval)
	mux.HandleFunc("/api/workflows", s.handleWorkflows)
	mux.HandleFunc("/api/workflows/", s.handleWorkflow)
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/metrics", s.handleMetrics)
	mux.HandleFunc("/ws", s.hub.handleConnection)
}

// Handler returns the full route set wrapped in the request logging and CORS
// middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return s.withRequestLog(s.withCORS(mux))
}

// ListenAndServe blocks serving HTTP on addr until Shutdown or a listener
// error. A server closed by Shutdown returns nil.
func (s *Server) ListenAndServe(addr string) error {
	s.httpServer.Addr = addr
	s.logger.Info("HTTP server listening", map[string]interface{}{
		"operation": "server_start",
		"addr":      addr,
	})
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown closes the WebSocket hub and drains in-flight HTTP requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	return s.httpServer.Shutdown(ctx)
}

// withCORS answers preflight requests and stamps allowed origins on every
// response. SSE consumers (EventSource) send an Origin header, so the
// middleware covers the streaming endpoints too.
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			allowed := origin
			if len(s.allowedOrigins) == 1 && s.allowedOrigins[0] == "*" {
				allowed = "*"
			}
			w.Header().Set("Access-Control-Allow-Origin", allowed)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}
