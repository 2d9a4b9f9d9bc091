package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/stepflow-io/stepflow/core"
	"github.com/stepflow-io/stepflow/engine"
	"github.com/stepflow-io/stepflow/telemetry"
)

// JSON endpoint handlers. Streaming endpoints live in sse.go, the WebSocket
// hub in ws.go.

// ErrorResponse is the JSON body of every error reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// ApprovalListResponse wraps the approval list endpoint.
type ApprovalListResponse struct {
	Approvals []*engine.Approval `json:"approvals"`
	Count     int                `json:"count"`
}

// WorkflowListResponse wraps the saved workflow list endpoint.
type WorkflowListResponse struct {
	Workflows []*engine.WorkflowDefinition `json:"workflows"`
	Count     int                          `json:"count"`
}

// GraphResponse is the workflow graph payload.
type GraphResponse struct {
	ThreadID string        `json:"threadId"`
	Graph    *engine.Graph `json:"graph"`
	Metadata GraphMetadata `json:"metadata"`
}

// GraphMetadata describes how the graph snapshot was produced.
type GraphMetadata struct {
	NodeCount    int       `json:"nodeCount"`
	EdgeCount    int       `json:"edgeCount"`
	Consolidated bool      `json:"consolidated"`
	GeneratedAt  time.Time `json:"generatedAt"`
}

type abortRequest struct {
	Reason string `json:"reason,omitempty"`
}

type decideRequest struct {
	Decision  string `json:"decision"`
	DecidedBy string `json:"decidedBy,omitempty"`
	Comment   string `json:"comment,omitempty"`
}

type assignRequest struct {
	Assignee string `json:"assignee"`
}

type computeStatusRequest struct {
	Steps    []engine.WorkflowStep `json:"steps,omitempty"`
	Workflow json.RawMessage       `json:"workflow,omitempty"`
}

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// handleInvoke runs a workflow synchronously and returns the full result.
//
// Method: POST
// Path: /api/invoke
// Body: InvokeRequest JSON
//
// Responses:
//   - 200 OK: InvokeResponse (or text/plain when format=text)
//   - 400 Bad Request: invalid JSON, workflow validation failed
//   - 404 Not Found: role has no agent binding
//   - 500 Internal Server Error: infrastructure failure
func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed, use POST")
		return
	}

	var req engine.InvokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %s", err.Error()))
		return
	}

	resp, err := s.orchestrator.Invoke(ctx, &req)
	if err != nil {
		s.writeEngineError(ctx, w, "api_invoke", err)
		return
	}

	telemetry.Counter("api.invoke", "mode", "sync", "status", string(resp.Status))
	if strings.EqualFold(req.Format, "text") {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, resp.Text())
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleInvokeAsync accepts a workflow, starts it in the background, and
// returns the threadId immediately. Progress flows over the SSE and
// WebSocket channels.
//
// Method: POST
// Path: /api/invoke/async
//
// Responses:
//   - 200 OK: {threadId, status: "started"}
//   - 400 Bad Request: invalid JSON, workflow validation failed
//   - 404 Not Found: role has no agent binding
func (s *Server) handleInvokeAsync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed, use POST")
		return
	}

	var req engine.InvokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %s", err.Error()))
		return
	}

	ack, err := s.orchestrator.InvokeAsync(ctx, &req)
	if err != nil {
		s.writeEngineError(ctx, w, "api_invoke_async", err)
		return
	}

	telemetry.Counter("api.invoke", "mode", "async")
	s.writeJSON(w, http.StatusOK, ack)
}

// handleAbort requests cooperative cancellation of a running workflow.
//
// Method: POST
// Path: /api/invoke/abort/{threadId}
// Body (optional): {reason}
//
// Responses:
//   - 200 OK: {threadId, status: "aborting"}
//   - 400 Bad Request: thread already finished
//   - 404 Not Found: unknown thread
func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed, use POST")
		return
	}
	threadID := pathPart(r.URL.Path, 3)
	if threadID == "" {
		s.writeError(w, http.StatusBadRequest, "threadId is required in path")
		return
	}

	var req abortRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	reason := req.Reason
	if reason == "" {
		reason = "aborted via api"
	}

	if err := s.orchestrator.Abort(ctx, threadID, reason); err != nil {
		s.writeEngineError(ctx, w, "api_abort", err)
		return
	}

	telemetry.Counter("api.abort")
	s.logger.InfoWithContext(ctx, "Abort requested", map[string]interface{}{
		"operation": "api_abort",
		"thread_id": threadID,
		"reason":    reason,
	})
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"threadId": threadID,
		"status":   "aborting",
	})
}

// handleStream serves the per-thread SSE stream.
//
// Method: GET
// Path: /api/invoke/stream/{threadId}
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed, use GET")
		return
	}
	threadID := pathPart(r.URL.Path, 3)
	if threadID == "" {
		s.writeError(w, http.StatusBadRequest, "threadId is required in path")
		return
	}
	s.streamThread(w, r, threadID)
}

// handleEvents serves the global lifecycle SSE stream.
//
// Method: GET
// Path: /api/invoke-status/events
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed, use GET")
		return
	}
	s.streamGlobal(w, r)
}

// handleStatus reads or computes a thread's registry snapshot.
//
// Method: GET returns the stored entry as-is. POST takes the caller's step
// list ({steps} or {workflow}) and fills in a line for every declared step,
// so steps the engine has not touched yet show up as pending or not_executed.
//
// Path: /api/invoke-status/status/{threadId}
//
// Responses:
//   - 200 OK: RegistryEntry
//   - 400 Bad Request: invalid JSON or missing steps (POST)
//   - 404 Not Found: unknown thread
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	threadID := pathPart(r.URL.Path, 3)
	if threadID == "" {
		s.writeError(w, http.StatusBadRequest, "threadId is required in path")
		return
	}
	if s.registry == nil {
		s.writeError(w, http.StatusNotImplemented, "workflow registry is not configured")
		return
	}

	switch r.Method {
	case http.MethodGet:
		entry, err := s.registry.Get(ctx, threadID)
		if err != nil {
			s.writeEngineError(ctx, w, "api_status", err)
			return
		}
		s.writeJSON(w, http.StatusOK, entry)

	case http.MethodPost:
		var req computeStatusRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %s", err.Error()))
			return
		}
		steps := req.Steps
		if len(steps) == 0 && len(req.Workflow) > 0 {
			parsed, err := engine.ParseWorkflowSteps(req.Workflow)
			if err != nil {
				s.writeEngineError(ctx, w, "api_status", err)
				return
			}
			steps = parsed
		}
		if len(steps) == 0 {
			s.writeError(w, http.StatusBadRequest, "steps are required")
			return
		}
		entry, err := s.registry.Get(ctx, threadID)
		if err != nil {
			s.writeEngineError(ctx, w, "api_status", err)
			return
		}
		s.writeJSON(w, http.StatusOK, engine.ComputeStatus(entry, steps))

	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed, use GET or POST")
	}
}

// handleGraph renders the thread's execution graph from its checkpoint.
//
// Method: GET
// Path: /api/workflow-graph/{threadId}?consolidateLoops=<bool>
//
// Responses:
//   - 200 OK: {threadId, graph, metadata}
//   - 404 Not Found: unknown thread
func (s *Server) handleGraph(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed, use GET")
		return
	}
	threadID := pathPart(r.URL.Path, 2)
	if threadID == "" {
		s.writeError(w, http.StatusBadRequest, "threadId is required in path")
		return
	}
	if s.checkpointer == nil {
		s.writeError(w, http.StatusNotImplemented, "checkpoint store is not configured")
		return
	}
	consolidate, _ := strconv.ParseBool(r.URL.Query().Get("consolidateLoops"))

	state, err := s.checkpointer.Load(ctx, threadID)
	if err != nil {
		s.writeEngineError(ctx, w, "api_graph", err)
		return
	}

	// The registry entry enriches node statuses; a miss is not fatal.
	var entry *engine.RegistryEntry
	if s.registry != nil {
		loaded, err := s.registry.Get(ctx, threadID)
		if err == nil {
			entry = loaded
		} else if !engine.IsNotFound(err) {
			s.logger.DebugWithContext(ctx, "Registry lookup failed for graph", map[string]interface{}{
				"operation": "api_graph",
				"thread_id": threadID,
				"error":     err.Error(),
			})
		}
	}

	graph := engine.BuildGraph(state, entry, consolidate)
	s.writeJSON(w, http.StatusOK, GraphResponse{
		ThreadID: threadID,
		Graph:    graph,
		Metadata: GraphMetadata{
			NodeCount:    len(graph.Nodes),
			EdgeCount:    len(graph.Edges),
			Consolidated: consolidate,
			GeneratedAt:  time.Now().UTC(),
		},
	})
}

// handleApprovalList lists approvals with optional filters.
//
// Method: GET
// Path: /api/approvals
// Query Parameters: status, threadId, projectId, riskLevel (all optional)
func (s *Server) handleApprovalList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed, use GET")
		return
	}
	if s.approvals == nil {
		s.writeError(w, http.StatusNotImplemented, "approval store is not configured")
		return
	}

	q := r.URL.Query()
	filter := engine.ApprovalFilter{
		ThreadID:  q.Get("threadId"),
		ProjectID: q.Get("projectId"),
		Status:    engine.ApprovalStatus(q.Get("status")),
		RiskLevel: engine.RiskLevel(q.Get("riskLevel")),
	}

	approvals, err := s.approvals.List(ctx, filter)
	if err != nil {
		s.writeEngineError(ctx, w, "api_approval_list", err)
		return
	}
	s.writeJSON(w, http.StatusOK, &ApprovalListResponse{
		Approvals: approvals,
		Count:     len(approvals),
	})
}

// handleApproval routes /api/approvals/{id}[/decide|/assign].
//
//   - GET  /api/approvals/{id}         approval details
//   - POST /api/approvals/{id}/decide  body {decision, decidedBy?, comment?}
//   - POST /api/approvals/{id}/assign  body {assignee}
//
// Responses:
//   - 200 OK: the approval record
//   - 400 Bad Request: invalid decision or expired/already decided approval
//   - 404 Not Found: unknown approval
func (s *Server) handleApproval(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.approvals == nil {
		s.writeError(w, http.StatusNotImplemented, "approval store is not configured")
		return
	}
	id := pathPart(r.URL.Path, 2)
	if id == "" {
		s.writeError(w, http.StatusBadRequest, "approval id is required in path")
		return
	}

	switch pathPart(r.URL.Path, 3) {
	case "":
		if r.Method != http.MethodGet {
			s.writeError(w, http.StatusMethodNotAllowed, "method not allowed, use GET")
			return
		}
		approval, err := s.approvals.Get(ctx, id)
		if err != nil {
			s.writeEngineError(ctx, w, "api_approval_get", err)
			return
		}
		s.writeJSON(w, http.StatusOK, approval)

	case "decide":
		if r.Method != http.MethodPost {
			s.writeError(w, http.StatusMethodNotAllowed, "method not allowed, use POST")
			return
		}
		s.decideApproval(ctx, w, r, id)

	case "assign":
		if r.Method != http.MethodPost {
			s.writeError(w, http.StatusMethodNotAllowed, "method not allowed, use POST")
			return
		}
		s.assignApproval(ctx, w, r, id)

	default:
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("unknown approval action: %s", pathPart(r.URL.Path, 3)))
	}
}

// decideApproval applies an approve/reject decision. The waiting human step
// observes the decision on its next poll; the emitted event is for UI
// consumers.
func (s *Server) decideApproval(ctx context.Context, w http.ResponseWriter, r *http.Request, id string) {
	var req decideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %s", err.Error()))
		return
	}

	var decision engine.ApprovalStatus
	switch strings.ToLower(req.Decision) {
	case "approved", "approve":
		decision = engine.ApprovalApproved
	case "rejected", "reject":
		decision = engine.ApprovalRejected
	default:
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid decision: %q (use approved or rejected)", req.Decision))
		return
	}

	decidedBy := req.DecidedBy
	if decidedBy == "" {
		decidedBy = "api"
	}

	approval, err := s.approvals.Resolve(ctx, id, decision, decidedBy, req.Comment)
	if err != nil {
		s.writeEngineError(ctx, w, "api_approval_decide", err)
		return
	}

	s.bus.Emit(ctx, engine.EventApprovalDecided, approval.ThreadID, map[string]interface{}{
		"type":     engine.EventApprovalDecided,
		"threadId": approval.ThreadID,
		"stepId":   approval.StepID,
		"approval": approval,
	})
	telemetry.Counter("api.approval.decided", "decision", string(decision))
	s.logger.InfoWithContext(ctx, "Approval decided", map[string]interface{}{
		"operation":   "api_approval_decide",
		"approval_id": id,
		"thread_id":   approval.ThreadID,
		"decision":    string(decision),
		"decided_by":  decidedBy,
	})
	s.writeJSON(w, http.StatusOK, approval)
}

// assignApproval routes a pending approval to a reviewer.
func (s *Server) assignApproval(ctx context.Context, w http.ResponseWriter, r *http.Request, id string) {
	var req assignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %s", err.Error()))
		return
	}
	if req.Assignee == "" {
		s.writeError(w, http.StatusBadRequest, "assignee is required")
		return
	}

	approval, err := s.approvals.Assign(ctx, id, req.Assignee)
	if err != nil {
		s.writeEngineError(ctx, w, "api_approval_assign", err)
		return
	}

	s.bus.Emit(ctx, engine.EventApprovalUpdated, approval.ThreadID, map[string]interface{}{
		"type":     engine.EventApprovalUpdated,
		"threadId": approval.ThreadID,
		"stepId":   approval.StepID,
		"approval": approval,
	})
	s.logger.InfoWithContext(ctx, "Approval assigned", map[string]interface{}{
		"operation":   "api_approval_assign",
		"approval_id": id,
		"assignee":    req.Assignee,
	})
	s.writeJSON(w, http.StatusOK, approval)
}

// handleWorkflows lists or creates saved workflow definitions.
//
// Method: GET | POST
// Path: /api/workflows
//
// POST accepts a definition as JSON, or as YAML when the Content-Type
// mentions yaml. Definitions are validated before they are stored.
func (s *Server) handleWorkflows(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.saved == nil {
		s.writeError(w, http.StatusNotImplemented, "saved workflow store is not configured")
		return
	}

	switch r.Method {
	case http.MethodGet:
		defs, err := s.saved.List(ctx)
		if err != nil {
			s.writeEngineError(ctx, w, "api_workflow_list", err)
			return
		}
		s.writeJSON(w, http.StatusOK, &WorkflowListResponse{Workflows: defs, Count: len(defs)})

	case http.MethodPost:
		def, err := decodeDefinition(r)
		if err != nil {
			s.writeEngineError(ctx, w, "api_workflow_save", err)
			return
		}
		stored, err := s.saved.Save(ctx, def)
		if err != nil {
			s.writeEngineError(ctx, w, "api_workflow_save", err)
			return
		}
		telemetry.Counter("api.workflow.saved")
		s.logger.InfoWithContext(ctx, "Workflow definition saved", map[string]interface{}{
			"operation":   "api_workflow_save",
			"workflow_id": stored.ID,
			"name":        stored.Name,
			"steps":       len(stored.Steps),
		})
		s.writeJSON(w, http.StatusOK, stored)

	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed, use GET or POST")
	}
}

// handleWorkflow reads, replaces, or deletes one saved definition.
//
// Method: GET | PUT | DELETE
// Path: /api/workflows/{id}
func (s *Server) handleWorkflow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.saved == nil {
		s.writeError(w, http.StatusNotImplemented, "saved workflow store is not configured")
		return
	}
	id := pathPart(r.URL.Path, 2)
	if id == "" {
		s.writeError(w, http.StatusBadRequest, "workflow id is required in path")
		return
	}

	switch r.Method {
	case http.MethodGet:
		def, err := s.saved.Get(ctx, id)
		if err != nil {
			s.writeEngineError(ctx, w, "api_workflow_get", err)
			return
		}
		s.writeJSON(w, http.StatusOK, def)

	case http.MethodPut:
		def, err := decodeDefinition(r)
		if err != nil {
			s.writeEngineError(ctx, w, "api_workflow_update", err)
			return
		}
		def.ID = id
		stored, err := s.saved.Save(ctx, def)
		if err != nil {
			s.writeEngineError(ctx, w, "api_workflow_update", err)
			return
		}
		s.writeJSON(w, http.StatusOK, stored)

	case http.MethodDelete:
		if err := s.saved.Delete(ctx, id); err != nil {
			s.writeEngineError(ctx, w, "api_workflow_delete", err)
			return
		}
		s.logger.InfoWithContext(ctx, "Workflow definition deleted", map[string]interface{}{
			"operation":   "api_workflow_delete",
			"workflow_id": id,
		})
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "deleted": true})

	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed, use GET, PUT or DELETE")
	}
}

// handleHealth reports liveness.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed, use GET")
		return
	}
	s.writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Version: s.version})
}

// handleMetrics dumps the in-process metric registry.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed, use GET")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"metrics":     telemetry.Snapshot(),
		"generatedAt": time.Now().UTC(),
	})
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

// decodeDefinition reads a workflow definition from the request body,
// accepting YAML when the Content-Type says so and JSON otherwise.
func decodeDefinition(r *http.Request) (*engine.WorkflowDefinition, error) {
	if strings.Contains(r.Header.Get("Content-Type"), "yaml") {
		data, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, engine.NewValidationError("body", err.Error())
		}
		return engine.ParseWorkflowDefinition(data)
	}
	var def engine.WorkflowDefinition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		return nil, engine.NewValidationError("body", fmt.Sprintf("invalid JSON: %s", err.Error()))
	}
	return &def, nil
}

// pathPart returns segment i of the request path, or "" when absent.
// Segment 0 of /api/invoke/stream/abc is "api".
func pathPart(path string, i int) string {
	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	if i >= len(parts) {
		return ""
	}
	return parts[i]
}

// statusForError maps the engine error taxonomy onto HTTP status codes.
func statusForError(err error) int {
	switch {
	case engine.IsValidationError(err),
		engine.IsInvalidWorkflow(err),
		engine.IsInvalidTransition(err),
		errors.Is(err, core.ErrAlreadyStarted):
		return http.StatusBadRequest
	case engine.IsNotFound(err),
		errors.Is(err, core.ErrInvalidConfiguration):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// writeEngineError logs and writes an error reply with the mapped status.
func (s *Server) writeEngineError(ctx context.Context, w http.ResponseWriter, operation string, err error) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError {
		s.logger.ErrorWithContext(ctx, "Request failed", map[string]interface{}{
			"operation": operation,
			"error":     err.Error(),
		})
	} else {
		s.logger.WarnWithContext(ctx, "Request rejected", map[string]interface{}{
			"operation": operation,
			"status":    status,
			"error":     err.Error(),
		})
	}
	s.writeError(w, status, err.Error())
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Headers already sent; nothing left to do but log.
		s.logger.Error("Failed to encode response", map[string]interface{}{
			"operation": "api_response",
			"error":     err.Error(),
		})
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Error intentionally ignored, we are already on the error path.
	_ = json.NewEncoder(w).Encode(&ErrorResponse{
		Error: message,
		Code:  http.StatusText(status),
	})
}
