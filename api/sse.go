package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/stepflow-io/stepflow/engine"
	"github.com/stepflow-io/stepflow/telemetry"
)

// Server-sent event transports. Frames follow the event-stream format:
//
//	event: <name>
//	data: <json envelope>
//
// An "event: connected" frame opens every stream; a ":heartbeat" comment
// frame keeps intermediaries from closing idle connections.

// sseClientBuffer bounds the per-connection queue. A consumer that falls this
// far behind loses events rather than blocking the emitters.
const sseClientBuffer = 64

// streamThread streams one thread's events and closes after the terminal
// workflow event. Retained history is replayed first so a late subscriber
// sees what it missed; an event arriving during the subscribe handoff may be
// delivered twice, which consumers tolerate because frames are keyed by
// threadId and stepId.
func (s *Server) streamThread(w http.ResponseWriter, r *http.Request, threadID string) {
	ctx := r.Context()

	if len(s.bus.History(threadID)) == 0 && !s.knownThread(ctx, threadID) {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("thread not found: %s", threadID))
		return
	}

	flusher, events, unsubscribe, ok := s.openStream(w, func(event engine.Event) bool {
		return event.ThreadID == threadID
	})
	if !ok {
		return
	}
	defer unsubscribe()

	telemetry.Counter("api.sse.connected", "scope", "thread")
	s.logger.DebugWithContext(ctx, "SSE client connected", map[string]interface{}{
		"operation": "sse_stream",
		"thread_id": threadID,
	})

	// Fetch history after subscribing so nothing falls between replay and the
	// live feed.
	terminal := false
	for _, event := range s.bus.History(threadID) {
		writeSSEEvent(w, event)
		terminal = terminal || isTerminalEvent(event.Name)
	}
	flusher.Flush()
	if terminal {
		return
	}

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event := <-events:
			writeSSEEvent(w, event)
			flusher.Flush()
			if isTerminalEvent(event.Name) {
				return
			}
		case <-heartbeat.C:
			fmt.Fprint(w, ":heartbeat\n\n")
			flusher.Flush()
		}
	}
}

// streamGlobal streams workflow lifecycle events across all threads. The
// stream stays open until the client disconnects.
func (s *Server) streamGlobal(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	flusher, events, unsubscribe, ok := s.openStream(w, globalEvent)
	if !ok {
		return
	}
	defer unsubscribe()

	telemetry.Counter("api.sse.connected", "scope", "global")
	s.logger.DebugWithContext(ctx, "SSE client connected", map[string]interface{}{
		"operation": "sse_events",
	})

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event := <-events:
			writeSSEEvent(w, event)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(w, ":heartbeat\n\n")
			flusher.Flush()
		}
	}
}

// openStream prepares an SSE response: headers, the connected frame, and a
// wildcard bus subscription filtered by match. The returned channel drops
// events when the client cannot keep up.
func (s *Server) openStream(w http.ResponseWriter, match func(engine.Event) bool) (http.Flusher, chan engine.Event, func(), bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported: response writer does not implement http.Flusher")
		return nil, nil, nil, false
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	fmt.Fprint(w, "event: connected\ndata: {}\n\n")
	flusher.Flush()

	events := make(chan engine.Event, sseClientBuffer)
	unsubscribe := s.bus.Subscribe("*", func(event engine.Event) {
		if !match(event) {
			return
		}
		select {
		case events <- event:
		default:
			// Slow consumer: drop rather than block the emitter.
		}
	})
	return flusher, events, unsubscribe, true
}

// knownThread reports whether a thread exists anywhere: live in this process,
// in the registry, or checkpointed.
func (s *Server) knownThread(ctx context.Context, threadID string) bool {
	if s.orchestrator.Running(threadID) {
		return true
	}
	if s.registry != nil {
		if _, err := s.registry.Get(ctx, threadID); err == nil {
			return true
		}
	}
	if s.checkpointer != nil {
		if _, err := s.checkpointer.Load(ctx, threadID); err == nil {
			return true
		}
	}
	return false
}

// globalEvent selects the lifecycle events carried on the global stream.
func globalEvent(event engine.Event) bool {
	switch event.Name {
	case engine.EventWorkflowCreated,
		engine.EventWorkflowComplete,
		engine.EventWorkflowFailed,
		engine.EventWorkflowStatus,
		engine.EventStepUpdate,
		engine.EventGraphUpdate,
		engine.EventApprovalRequested,
		engine.EventApprovalCreated,
		engine.EventApprovalDecided,
		engine.EventApprovalUpdated:
		return true
	}
	return false
}

// isTerminalEvent reports whether the event ends a per-thread stream.
func isTerminalEvent(name string) bool {
	return name == engine.EventWorkflowComplete || name == engine.EventWorkflowFailed
}

// writeSSEEvent writes one event-stream frame carrying the event envelope.
func writeSSEEvent(w io.Writer, event engine.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Name, payload)
}
