package core

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisClient(t *testing.T, namespace string) (*RedisClient, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err, "failed to start miniredis")
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewRedisClientFromExisting(client, namespace, nil), mr
}

func TestRedisDBName(t *testing.T) {
	tests := []struct {
		name     string
		db       int
		expected string
	}{
		{"registry", RedisDBRegistry, "Workflow Registry"},
		{"checkpoints", RedisDBCheckpoints, "Checkpoints"},
		{"approvals", RedisDBApprovals, "Approvals"},
		{"definitions", RedisDBDefinitions, "Saved Definitions"},
		{"events", RedisDBEvents, "Event Transport"},
		{"unallocated", 9, "DB 9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, RedisDBName(tt.db))
		})
	}
}

func TestNewRedisClient_RequiresURL(t *testing.T) {
	rc, err := NewRedisClient(RedisClientOptions{})

	assert.Nil(t, rc)
	assert.ErrorIs(t, err, ErrMissingConfiguration)
}

func TestNewRedisClient_RejectsInvalidURL(t *testing.T) {
	rc, err := NewRedisClient(RedisClientOptions{RedisURL: "http://localhost:6379"})

	assert.Nil(t, rc)
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
}

func TestNewRedisClient_ReportsConnectionFailure(t *testing.T) {
	// Port 1 is privileged and has no listener.
	rc, err := NewRedisClient(RedisClientOptions{RedisURL: "redis://127.0.0.1:1"})

	assert.Nil(t, rc)
	assert.ErrorIs(t, err, ErrConnectionFailed)
}

func TestNewRedisClient_Connects(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err, "failed to start miniredis")
	t.Cleanup(mr.Close)

	rc, err := NewRedisClient(RedisClientOptions{
		RedisURL:  "redis://" + mr.Addr(),
		DB:        RedisDBCheckpoints,
		Namespace: "stepflow",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rc.Close() })

	assert.Equal(t, "stepflow", rc.Namespace())
	assert.NotNil(t, rc.Underlying())
	assert.NoError(t, rc.HealthCheck(context.Background()))
}

func TestRedisClient_Key(t *testing.T) {
	namespaced, _ := newTestRedisClient(t, "stepflow")
	bare, _ := newTestRedisClient(t, "")

	assert.Equal(t, "stepflow:registry:thread-1", namespaced.Key("registry:thread-1"))
	assert.Equal(t, "registry:thread-1", bare.Key("registry:thread-1"))
}

func TestRedisClient_KeyValueOperations(t *testing.T) {
	rc, mr := newTestRedisClient(t, "stepflow")
	ctx := context.Background()

	require.NoError(t, rc.Set(ctx, "alpha", "1", 0))

	got, err := rc.Get(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, "1", got)

	// Keys land under the namespace prefix.
	raw, err := mr.Get("stepflow:alpha")
	require.NoError(t, err)
	assert.Equal(t, "1", raw)

	_, err = rc.Get(ctx, "missing")
	assert.ErrorIs(t, err, redis.Nil)

	require.NoError(t, rc.Set(ctx, "beta", "2", 0))
	require.NoError(t, rc.Del(ctx, "alpha", "beta"))

	_, err = rc.Get(ctx, "alpha")
	assert.ErrorIs(t, err, redis.Nil)
	_, err = rc.Get(ctx, "beta")
	assert.ErrorIs(t, err, redis.Nil)
}

func TestRedisClient_Expiry(t *testing.T) {
	rc, _ := newTestRedisClient(t, "stepflow")
	ctx := context.Background()

	require.NoError(t, rc.Set(ctx, "ephemeral", "x", 10*time.Minute))

	ttl, err := rc.TTL(ctx, "ephemeral")
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, 10*time.Minute)

	require.NoError(t, rc.Expire(ctx, "ephemeral", time.Hour))

	ttl, err = rc.TTL(ctx, "ephemeral")
	require.NoError(t, err)
	assert.Greater(t, ttl, 10*time.Minute)
}

func TestRedisClient_SetOperations(t *testing.T) {
	rc, _ := newTestRedisClient(t, "stepflow")
	ctx := context.Background()

	require.NoError(t, rc.SAdd(ctx, "active", "thread-1", "thread-2"))

	members, err := rc.SMembers(ctx, "active")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"thread-1", "thread-2"}, members)

	require.NoError(t, rc.SRem(ctx, "active", "thread-1"))

	members, err = rc.SMembers(ctx, "active")
	require.NoError(t, err)
	assert.Equal(t, []string{"thread-2"}, members)
}

func TestRedisClient_PublishSubscribe(t *testing.T) {
	rc, _ := newTestRedisClient(t, "stepflow")
	ctx := context.Background()

	ps := rc.Subscribe(ctx, "events")
	t.Cleanup(func() { _ = ps.Close() })

	// Wait for the subscription confirmation before publishing.
	_, err := ps.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, rc.Publish(ctx, "events", "workflow_complete"))

	select {
	case msg := <-ps.Channel():
		assert.Equal(t, "stepflow:events", msg.Channel)
		assert.Equal(t, "workflow_complete", msg.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for published message")
	}
}

func TestRedisClient_HealthCheck(t *testing.T) {
	rc, mr := newTestRedisClient(t, "stepflow")
	ctx := context.Background()

	assert.NoError(t, rc.HealthCheck(ctx))

	mr.Close()

	assert.Error(t, rc.HealthCheck(ctx))
}
