package client

import (
	"fmt"
	"sync"
	"time"

	"github.com/stepflow-io/stepflow/core"
	"github.com/stepflow-io/stepflow/telemetry"
)

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case breakerClosed:
		return "closed"
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// breaker is a consecutive-failure circuit breaker guarding an HTTP backend.
// After threshold consecutive failures it opens and rejects calls until the
// cooldown elapses, then admits a single probe. The probe result decides
// between closing and re-opening. Only backend health failures (transport
// errors, 5xx, 429) should be recorded; 4xx responses mean the backend is up
// and must not trip the circuit.
type breaker struct {
	name      string
	threshold int
	cooldown  time.Duration
	logger    core.Logger

	mu       sync.Mutex
	state    breakerState
	failures int
	openedAt time.Time
	probing  bool
}

func newBreaker(name string, threshold int, cooldown time.Duration, logger core.Logger) *breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &breaker{name: name, threshold: threshold, cooldown: cooldown, logger: logger}
}

// allow reports whether a call may proceed. In the open state it admits a
// single probe once the cooldown has elapsed; a second caller arriving while
// the probe is in flight is rejected.
func (b *breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerClosed:
		return nil
	case breakerOpen:
		if time.Since(b.openedAt) < b.cooldown {
			return b.reject()
		}
		b.transition(breakerHalfOpen)
		b.probing = true
		return nil
	default:
		if b.probing {
			return b.reject()
		}
		b.probing = true
		return nil
	}
}

// success resets the failure streak and closes the circuit.
func (b *breaker) success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.probing = false
	b.transition(breakerClosed)
}

// failure records a backend failure. A failed probe re-opens immediately; in
// the closed state the circuit opens once the streak reaches the threshold.
func (b *breaker) failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == breakerHalfOpen {
		b.trip()
		return
	}
	b.failures++
	if b.state == breakerClosed && b.failures >= b.threshold {
		b.trip()
	}
}

func (b *breaker) currentState() breakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// trip opens the circuit and restarts the cooldown. Lock must be held.
func (b *breaker) trip() {
	b.failures = 0
	b.probing = false
	b.openedAt = time.Now()
	b.transition(breakerOpen)
}

// reject returns the rejection error and records the rejection. Lock must be
// held.
func (b *breaker) reject() error {
	telemetry.Counter("client.circuit.rejected", "name", b.name)
	return fmt.Errorf("%s backend unavailable: %w", b.name, core.ErrCircuitBreakerOpen)
}

// transition changes state, logging and counting the change. Lock must be
// held.
func (b *breaker) transition(next breakerState) {
	prev := b.state
	if prev == next {
		return
	}
	b.state = next
	telemetry.Counter("client.circuit.state_changes", "name", b.name, "from", prev.String(), "to", next.String())
	b.logger.Info("Circuit breaker state changed", map[string]interface{}{
		"operation": "circuit_state_change",
		"name":      b.name,
		"from":      prev.String(),
		"to":        next.String(),
		"threshold": b.threshold,
	})
}
