package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepflow-io/stepflow/core"
)

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	b := newBreaker("studio", 2, time.Hour, nil)

	require.NoError(t, b.allow())
	b.failure()
	assert.Equal(t, breakerClosed, b.currentState())

	require.NoError(t, b.allow())
	b.failure()
	assert.Equal(t, breakerOpen, b.currentState())

	err := b.allow()
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrCircuitBreakerOpen)
}

func TestBreaker_SuccessResetsStreak(t *testing.T) {
	b := newBreaker("studio", 2, time.Hour, nil)

	b.failure()
	b.success()
	b.failure()
	assert.Equal(t, breakerClosed, b.currentState(), "streak must reset on success")
}

func TestBreaker_ProbeAfterCooldown(t *testing.T) {
	b := newBreaker("studio", 1, 100*time.Millisecond, nil)

	b.failure()
	require.Equal(t, breakerOpen, b.currentState())
	require.Error(t, b.allow())

	time.Sleep(150 * time.Millisecond)

	// Cooldown elapsed: exactly one probe gets through.
	require.NoError(t, b.allow())
	assert.Equal(t, breakerHalfOpen, b.currentState())
	assert.ErrorIs(t, b.allow(), core.ErrCircuitBreakerOpen)

	b.success()
	assert.Equal(t, breakerClosed, b.currentState())
	assert.NoError(t, b.allow())
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	b := newBreaker("studio", 1, 100*time.Millisecond, nil)

	b.failure()
	time.Sleep(150 * time.Millisecond)
	require.NoError(t, b.allow())

	b.failure()
	assert.Equal(t, breakerOpen, b.currentState())
	assert.ErrorIs(t, b.allow(), core.ErrCircuitBreakerOpen)
}

func TestStudio_Send_CircuitOpensAfterRepeatedFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := fastStudio(t, srv, WithStudioRetries(0), WithStudioBreaker(2, time.Hour))

	_, err := s.Send(context.Background(), &core.AgentRequest{Task: "first"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, core.ErrCircuitBreakerOpen)

	_, err = s.Send(context.Background(), &core.AgentRequest{Task: "second"})
	require.Error(t, err)
	assert.Equal(t, int32(2), hits.Load())

	// Circuit is open now: the backend is no longer called.
	_, err = s.Send(context.Background(), &core.AgentRequest{Task: "third"})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrCircuitBreakerOpen)
	assert.Equal(t, int32(2), hits.Load())
}

func TestStudio_Send_CircuitRecoversAfterCooldown(t *testing.T) {
	var healthy atomic.Bool
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if !healthy.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		studioOK(studioExecuteResponse{Response: "recovered", SessionRef: "s1"})(w, r)
	}))
	defer srv.Close()

	s := fastStudio(t, srv, WithStudioRetries(0), WithStudioBreaker(1, 200*time.Millisecond))

	_, err := s.Send(context.Background(), &core.AgentRequest{Task: "down"})
	require.Error(t, err)
	_, err = s.Send(context.Background(), &core.AgentRequest{Task: "rejected"})
	assert.ErrorIs(t, err, core.ErrCircuitBreakerOpen)
	require.Equal(t, int32(1), hits.Load())

	healthy.Store(true)
	time.Sleep(250 * time.Millisecond)

	resp, err := s.Send(context.Background(), &core.AgentRequest{Task: "probe"})
	require.NoError(t, err)
	assert.Equal(t, "recovered", resp.Response)
	assert.Equal(t, breakerClosed, s.breaker.currentState())
}
