package engine

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/stepflow-io/stepflow/core"
)

// EventBus fans workflow events out to subscribers. Emit never blocks the
// caller on slow consumers; per-thread ordering is preserved because the
// scheduler emits a thread's events from a single goroutine per hop.
type EventBus interface {
	// Emit publishes an event. ThreadID may be empty for process-level events.
	Emit(ctx context.Context, name string, threadID string, data map[string]interface{})
	// Subscribe registers a handler for a specific event name, or for every
	// event when name is "*". The returned function removes the subscription.
	Subscribe(name string, handler EventHandler) func()
	// History returns the retained events for a thread in emit order.
	History(threadID string) []Event
	// Close releases transport resources.
	Close() error
}

type subscription struct {
	id      uint64
	handler EventHandler
}

// InProcessBus is the default single-process bus. It keeps a bounded
// per-thread history ring so late SSE subscribers can replay what they missed.
type InProcessBus struct {
	mu          sync.RWMutex
	subscribers map[string][]subscription
	nextID      uint64
	origin      string

	historyMu   sync.Mutex
	history     map[string][]Event
	historySize int

	logger core.Logger
}

// InProcessBusOption configures an InProcessBus.
type InProcessBusOption func(*InProcessBus)

// WithBusLogger sets the bus logger.
func WithBusLogger(logger core.Logger) InProcessBusOption {
	return func(b *InProcessBus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithHistorySize overrides the per-thread history retention (default 64).
func WithHistorySize(n int) InProcessBusOption {
	return func(b *InProcessBus) {
		if n > 0 {
			b.historySize = n
		}
	}
}

// NewInProcessBus creates a bus that dispatches within this process only.
func NewInProcessBus(opts ...InProcessBusOption) *InProcessBus {
	b := &InProcessBus{
		subscribers: make(map[string][]subscription),
		history:     make(map[string][]Event),
		historySize: 64,
		origin:      uuid.New().String(),
		logger:      &core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(b)
	}
	if cl, ok := b.logger.(core.ComponentAwareLogger); ok {
		b.logger = cl.WithComponent("engine/bus")
	}
	return b
}

// Emit publishes an event to local subscribers and records it in history.
func (b *InProcessBus) Emit(ctx context.Context, name string, threadID string, data map[string]interface{}) {
	b.dispatch(Event{
		Name:      name,
		ThreadID:  threadID,
		Timestamp: time.Now().UTC(),
		Data:      data,
		Origin:    b.origin,
	})
}

// dispatch delivers to name subscribers then wildcard subscribers, in
// registration order, and appends to the thread's history ring.
func (b *InProcessBus) dispatch(event Event) {
	if event.ThreadID != "" {
		b.appendHistory(event)
	}

	b.mu.RLock()
	named := append([]subscription(nil), b.subscribers[event.Name]...)
	wild := append([]subscription(nil), b.subscribers["*"]...)
	b.mu.RUnlock()

	for _, sub := range named {
		b.deliver(sub, event)
	}
	for _, sub := range wild {
		b.deliver(sub, event)
	}
}

func (b *InProcessBus) deliver(sub subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Event handler panicked", map[string]interface{}{
				"operation": "event_dispatch",
				"event":     event.Name,
				"thread_id": event.ThreadID,
				"panic":     r,
			})
		}
	}()
	sub.handler(event)
}

func (b *InProcessBus) appendHistory(event Event) {
	b.historyMu.Lock()
	defer b.historyMu.Unlock()
	ring := append(b.history[event.ThreadID], event)
	if len(ring) > b.historySize {
		ring = ring[len(ring)-b.historySize:]
	}
	b.history[event.ThreadID] = ring
}

// Subscribe registers a handler. Use name "*" to observe all events.
func (b *InProcessBus) Subscribe(name string, handler EventHandler) func() {
	b.mu.Lock()
	id := atomic.AddUint64(&b.nextID, 1)
	b.subscribers[name] = append(b.subscribers[name], subscription{id: id, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subscribers[name]
		for i, sub := range subs {
			if sub.id == id {
				b.subscribers[name] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
}

// History returns a copy of the retained events for a thread.
func (b *InProcessBus) History(threadID string) []Event {
	b.historyMu.Lock()
	defer b.historyMu.Unlock()
	return append([]Event(nil), b.history[threadID]...)
}

// Close is a no-op for the in-process bus.
func (b *InProcessBus) Close() error { return nil }

// Origin returns the process identity stamped on emitted events.
func (b *InProcessBus) Origin() string { return b.origin }

// RedisBus extends an InProcessBus with Redis pub/sub so events reach every
// process sharing the channel. Remote events are re-dispatched locally;
// events originated by this process are suppressed on receipt to avoid
// double delivery.
type RedisBus struct {
	*InProcessBus

	client  *core.RedisClient
	channel string
	pubsub  interface{ Close() error }
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// RedisBusOption configures a RedisBus.
type RedisBusOption func(*RedisBus)

// WithRedisBusChannel overrides the pub/sub channel name.
func WithRedisBusChannel(channel string) RedisBusOption {
	return func(b *RedisBus) {
		if channel != "" {
			b.channel = channel
		}
	}
}

// NewRedisBus wires an InProcessBus to a Redis pub/sub channel. The local bus
// still delivers synchronously; Redis carries the copy to other processes.
func NewRedisBus(client *core.RedisClient, local *InProcessBus, opts ...RedisBusOption) (*RedisBus, error) {
	if client == nil {
		return nil, &ConfigurationError{Reason: "redis client is required for the redis event bus"}
	}
	if local == nil {
		local = NewInProcessBus()
	}
	b := &RedisBus{
		InProcessBus: local,
		client:       client,
		channel:      "stepflow:events",
	}
	for _, opt := range opts {
		opt(b)
	}

	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel

	pubsub := client.Subscribe(ctx, b.channel)
	b.pubsub = pubsub

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				b.receive([]byte(msg.Payload))
			}
		}
	}()

	return b, nil
}

// Emit publishes locally and mirrors the event onto the Redis channel.
func (b *RedisBus) Emit(ctx context.Context, name string, threadID string, data map[string]interface{}) {
	event := Event{
		Name:      name,
		ThreadID:  threadID,
		Timestamp: time.Now().UTC(),
		Data:      data,
		Origin:    b.origin,
	}
	b.dispatch(event)

	payload, err := json.Marshal(event)
	if err != nil {
		b.logger.Error("Failed to marshal event for publish", map[string]interface{}{
			"operation": "event_publish",
			"event":     name,
			"error":     err.Error(),
		})
		return
	}
	if err := b.client.Publish(ctx, b.channel, payload); err != nil {
		b.logger.Warn("Failed to publish event to redis", map[string]interface{}{
			"operation": "event_publish",
			"event":     name,
			"thread_id": threadID,
			"error":     err.Error(),
		})
	}
}

// receive handles a raw message from the Redis channel.
func (b *RedisBus) receive(payload []byte) {
	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		b.logger.Warn("Discarding malformed event payload", map[string]interface{}{
			"operation": "event_receive",
			"error":     err.Error(),
		})
		return
	}
	// Our own publish already dispatched locally.
	if event.Origin == b.origin {
		return
	}
	b.dispatch(event)
}

// Close stops the subscriber loop and releases the pub/sub connection.
func (b *RedisBus) Close() error {
	if b.cancel != nil {
		b.cancel()
	}
	var err error
	if b.pubsub != nil {
		err = b.pubsub.Close()
	}
	b.wg.Wait()
	return err
}

var (
	_ EventBus = (*InProcessBus)(nil)
	_ EventBus = (*RedisBus)(nil)
)
