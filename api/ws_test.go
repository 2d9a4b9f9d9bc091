package api

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepflow-io/stepflow/engine"
)

func dialWS(t *testing.T, f *serverFixture, path string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(f.http.URL, "http") + path
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitForClients(t *testing.T, h *Hub, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		h.clientsMu.RLock()
		defer h.clientsMu.RUnlock()
		return len(h.clients) == want
	}, 5*time.Second, 5*time.Millisecond)
}

func readWSFrame(t *testing.T, conn *websocket.Conn) wsFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var frame wsFrame
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

func TestHub_BroadcastsEngineEvents(t *testing.T) {
	f := newServerFixture(t)
	ctx := context.Background()

	conn := dialWS(t, f, "/ws")
	waitForClients(t, f.server.hub, 1)

	f.bus.Emit(ctx, engine.EventStepUpdate, "t-1", map[string]interface{}{
		"stepId": "a",
		"status": "completed",
	})
	frame := readWSFrame(t, conn)
	assert.Equal(t, engine.EventStepUpdate, frame.Event)
	assert.Equal(t, "t-1", frame.ThreadID)
	assert.Equal(t, "a", frame.Data["stepId"])
	assert.False(t, frame.Timestamp.IsZero())

	// Approval lifecycle events are renamed to the UI vocabulary.
	f.bus.Emit(ctx, engine.EventApprovalRequested, "t-1", map[string]interface{}{
		"approval": &engine.Approval{ID: "ap-1", Status: engine.ApprovalPending},
	})
	assert.Equal(t, "approval:created", readWSFrame(t, conn).Event)

	f.bus.Emit(ctx, engine.EventApprovalUpdated, "t-1", map[string]interface{}{
		"approval": &engine.Approval{ID: "ap-1", Status: engine.ApprovalCancelled},
	})
	assert.Equal(t, "approval:deleted", readWSFrame(t, conn).Event)

	f.bus.Emit(ctx, engine.EventApprovalDecided, "t-1", map[string]interface{}{
		"approval": &engine.Approval{ID: "ap-1", Status: engine.ApprovalApproved},
	})
	assert.Equal(t, "approval:decided", readWSFrame(t, conn).Event)
}

func TestHub_ThreadScoping(t *testing.T) {
	f := newServerFixture(t)
	ctx := context.Background()

	conn := dialWS(t, f, "/ws?threadId=t-1")
	waitForClients(t, f.server.hub, 1)

	f.bus.Emit(ctx, engine.EventStepUpdate, "t-2", map[string]interface{}{"stepId": "other"})
	f.bus.Emit(ctx, engine.EventStepUpdate, "t-1", map[string]interface{}{"stepId": "mine"})

	frame := readWSFrame(t, conn)
	assert.Equal(t, "t-1", frame.ThreadID)
	assert.Equal(t, "mine", frame.Data["stepId"])

	// Events without a thread reach every client.
	f.bus.Emit(ctx, engine.EventWorkflowStatus, "", map[string]interface{}{"status": "running"})
	frame = readWSFrame(t, conn)
	assert.Equal(t, engine.EventWorkflowStatus, frame.Event)
}

func TestHub_RejectsForbiddenOrigin(t *testing.T) {
	f := newServerFixture(t, WithAllowedOrigins([]string{"http://ui.local"}))
	wsURL := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws"

	header := http.Header{}
	header.Set("Origin", "http://evil.example")
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.Error(t, err)
	require.Nil(t, conn)
	require.NotNil(t, resp)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header.Set("Origin", "http://ui.local")
	allowed, resp2, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	if resp2 != nil {
		_ = resp2.Body.Close()
	}
	_ = allowed.Close()
}

func TestHub_RemovesClientOnDisconnect(t *testing.T) {
	f := newServerFixture(t)

	conn := dialWS(t, f, "/ws")
	waitForClients(t, f.server.hub, 1)

	require.NoError(t, conn.Close())
	waitForClients(t, f.server.hub, 0)
}

func TestUIEventName(t *testing.T) {
	cancelled := &engine.Approval{Status: engine.ApprovalCancelled}
	tests := []struct {
		name  string
		event engine.Event
		want  string
	}{
		{"requested", engine.Event{Name: engine.EventApprovalRequested}, "approval:created"},
		{"created", engine.Event{Name: engine.EventApprovalCreated}, "approval:created"},
		{"decided", engine.Event{Name: engine.EventApprovalDecided}, "approval:decided"},
		{
			"updated",
			engine.Event{Name: engine.EventApprovalUpdated, Data: map[string]interface{}{
				"approval": &engine.Approval{Status: engine.ApprovalApproved},
			}},
			"approval:updated",
		},
		{
			"cancelled pointer payload",
			engine.Event{Name: engine.EventApprovalUpdated, Data: map[string]interface{}{"approval": cancelled}},
			"approval:deleted",
		},
		{
			"cancelled value payload",
			engine.Event{Name: engine.EventApprovalUpdated, Data: map[string]interface{}{"approval": *cancelled}},
			"approval:deleted",
		},
		{
			"cancelled map payload",
			engine.Event{Name: engine.EventApprovalUpdated, Data: map[string]interface{}{
				"approval": map[string]interface{}{"status": "cancelled"},
			}},
			"approval:deleted",
		},
		{"updated without payload", engine.Event{Name: engine.EventApprovalUpdated}, "approval:updated"},
		{"pass through", engine.Event{Name: engine.EventStepUpdate}, engine.EventStepUpdate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, uiEventName(tt.event))
		})
	}
}
