package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stepflow-io/stepflow/core"
	"github.com/stepflow-io/stepflow/engine"
	"github.com/stepflow-io/stepflow/telemetry"
)

// WebSocket push channel for UI consumers. Approval lifecycle events are
// renamed to the forms UI clients listen on (approval:created,
// approval:decided, approval:updated, approval:deleted); agent channel events
// (agent:status-changed, agent:token-usage, message:new) pass through
// unchanged. The socket is server-push only.

const (
	// Time allowed to write a message to the peer.
	wsWriteWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer.
	wsPongWait = 60 * time.Second
	// Send pings to peer with this period. Must be less than wsPongWait.
	wsPingPeriod = (wsPongWait * 9) / 10
	// Inbound frames are liveness traffic only; keep them small.
	wsMaxMessageSize = 1024
	// Outbound queue per client. A client this far behind loses events.
	wsSendBuffer = 256
)

// wsFrame is the outbound message envelope.
type wsFrame struct {
	Event     string                 `json:"event"`
	ThreadID  string                 `json:"threadId,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// wsClient is one connected socket. send is closed exactly once by close();
// writePump drains it until then.
type wsClient struct {
	conn     *websocket.Conn
	send     chan wsFrame
	threadID string

	mu     sync.Mutex
	closed bool
}

func (c *wsClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// trySend queues a frame without blocking. Returns false when the client is
// closed or its queue is full.
func (c *wsClient) trySend(frame wsFrame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// writePump owns all writes to the connection; gorilla allows at most one
// concurrent writer per connection.
func (c *wsClient) writePump(logger core.Logger) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(frame); err != nil {
				logger.Debug("WebSocket write failed", map[string]interface{}{
					"operation": "ws_write",
					"event":     frame.Event,
					"error":     err.Error(),
				})
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump consumes inbound frames to keep pong handling alive and detect
// disconnects. Client payloads are discarded.
func (c *wsClient) readPump(h *Hub) {
	defer func() {
		h.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(wsMaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Hub fans bus events out to connected WebSocket clients.
type Hub struct {
	upgrader websocket.Upgrader
	logger   core.Logger

	clientsMu sync.RWMutex
	clients   map[*wsClient]struct{}

	unsubscribe func()
}

// newHub subscribes to the bus and serves upgrades. allowedOrigins follows
// the server's CORS configuration; "*" admits every origin.
func newHub(bus engine.EventBus, allowedOrigins []string, logger core.Logger) *Hub {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cl, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cl.WithComponent("api/websocket")
	}

	h := &Hub{
		logger:  logger,
		clients: make(map[*wsClient]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			for _, allowed := range allowedOrigins {
				if allowed == "*" || allowed == origin {
					return true
				}
			}
			return false
		},
	}
	h.unsubscribe = bus.Subscribe("*", h.broadcast)
	return h
}

// handleConnection upgrades the request and starts the client pumps. An
// optional threadId query parameter scopes the client to one workflow.
func (h *Hub) handleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		h.logger.Warn("WebSocket upgrade failed", map[string]interface{}{
			"operation":   "ws_connect",
			"remote_addr": r.RemoteAddr,
			"error":       err.Error(),
		})
		return
	}

	client := &wsClient{
		conn:     conn,
		send:     make(chan wsFrame, wsSendBuffer),
		threadID: r.URL.Query().Get("threadId"),
	}

	h.clientsMu.Lock()
	h.clients[client] = struct{}{}
	count := len(h.clients)
	h.clientsMu.Unlock()

	telemetry.Counter("api.ws.connected")
	h.logger.Info("WebSocket client connected", map[string]interface{}{
		"operation":   "ws_connect",
		"remote_addr": r.RemoteAddr,
		"thread_id":   client.threadID,
		"clients":     count,
	})

	go client.writePump(h.logger)
	client.readPump(h)
}

// broadcast translates a bus event to its UI name and queues it on every
// matching client. Runs on the emitter's goroutine, so it must not block.
func (h *Hub) broadcast(event engine.Event) {
	frame := wsFrame{
		Event:     uiEventName(event),
		ThreadID:  event.ThreadID,
		Timestamp: event.Timestamp,
		Data:      event.Data,
	}

	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	for client := range h.clients {
		if client.threadID != "" && event.ThreadID != "" && client.threadID != event.ThreadID {
			continue
		}
		if !client.trySend(frame) {
			h.logger.Debug("Dropping event for slow websocket client", map[string]interface{}{
				"operation": "ws_broadcast",
				"event":     frame.Event,
				"thread_id": event.ThreadID,
			})
		}
	}
}

// remove forgets a client after its read pump exits.
func (h *Hub) remove(client *wsClient) {
	h.clientsMu.Lock()
	_, known := h.clients[client]
	delete(h.clients, client)
	count := len(h.clients)
	h.clientsMu.Unlock()
	if !known {
		return
	}

	client.close()
	h.logger.Info("WebSocket client disconnected", map[string]interface{}{
		"operation": "ws_disconnect",
		"clients":   count,
	})
}

// Close detaches from the bus and closes every client connection.
func (h *Hub) Close() {
	if h.unsubscribe != nil {
		h.unsubscribe()
	}

	h.clientsMu.Lock()
	clients := make([]*wsClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.clients = make(map[*wsClient]struct{})
	h.clientsMu.Unlock()

	for _, client := range clients {
		client.close()
	}
}

// uiEventName maps engine approval events to the names UI clients listen on.
// A cancelled approval surfaces as a deletion. Everything else keeps its name.
func uiEventName(event engine.Event) string {
	switch event.Name {
	case engine.EventApprovalRequested, engine.EventApprovalCreated:
		return "approval:created"
	case engine.EventApprovalDecided:
		return "approval:decided"
	case engine.EventApprovalUpdated:
		if approvalStatusOf(event) == string(engine.ApprovalCancelled) {
			return "approval:deleted"
		}
		return "approval:updated"
	}
	return event.Name
}

// approvalStatusOf digs the status out of an approval event payload, which
// carries the record as a struct when emitted locally and as a decoded map
// when it arrived over Redis.
func approvalStatusOf(event engine.Event) string {
	raw, ok := event.Data["approval"]
	if !ok {
		return ""
	}
	switch v := raw.(type) {
	case *engine.Approval:
		return string(v.Status)
	case engine.Approval:
		return string(v.Status)
	case map[string]interface{}:
		status, _ := v["status"].(string)
		return status
	}
	return ""
}
