// Package core provides the shared interfaces and infrastructure for the
// stepflow workflow engine: logging, error taxonomy, agent/config client
// contracts, and Redis access.
//
// This file implements a thin Redis client wrapper with database isolation
// and key namespacing so the engine's stores do not collide.
//
// Database allocation:
//   - DB 0: workflow registry entries
//   - DB 1: checkpoints (workflow state snapshots)
//   - DB 2: approvals
//   - DB 3: saved workflow definitions
//   - DB 4: cross-process event transport (pub/sub only, no keys)
//
// All keys are prefixed with the configured namespace, e.g.
// "stepflow:registry:*", "stepflow:checkpoint:*".
package core

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisClient wraps go-redis with namespacing and DB isolation.
type RedisClient struct {
	client    *redis.Client
	dbID      int
	namespace string
	logger    Logger
}

// RedisClientOptions configures the Redis client.
type RedisClientOptions struct {
	RedisURL  string
	DB        int    // Redis DB number for isolation (0-15)
	Namespace string // Key namespace, e.g. "stepflow:registry"
	Logger    Logger // Optional logger
}

// NewRedisClient creates a Redis client, verifies connectivity with a ping,
// and returns it ready for use.
func NewRedisClient(opts RedisClientOptions) (*RedisClient, error) {
	if opts.Logger == nil {
		opts.Logger = &NoOpLogger{}
	}

	if opts.RedisURL == "" {
		opts.Logger.Error("Failed to initialize Redis client", map[string]interface{}{
			"operation":  "redis_client_init",
			"error":      "Redis URL is required",
			"error_type": "ErrMissingConfiguration",
		})
		return nil, fmt.Errorf("redis URL is required (set REDIS_URL): %w", ErrMissingConfiguration)
	}

	redisOpt, err := redis.ParseURL(opts.RedisURL)
	if err != nil {
		opts.Logger.Error("Failed to parse Redis URL", map[string]interface{}{
			"operation":  "redis_client_init",
			"error":      err.Error(),
			"error_type": fmt.Sprintf("%T", err),
		})
		return nil, fmt.Errorf("invalid Redis URL: %w", ErrInvalidConfiguration)
	}

	if opts.DB >= 0 && opts.DB <= 15 {
		redisOpt.DB = opts.DB
	}

	client := redis.NewClient(redisOpt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		opts.Logger.Error("Failed to connect to Redis", map[string]interface{}{
			"operation": "redis_client_init",
			"error":     err.Error(),
			"db":        opts.DB,
			"db_name":   RedisDBName(opts.DB),
			"namespace": opts.Namespace,
		})
		return nil, fmt.Errorf("failed to connect to Redis DB %d: %w", opts.DB, ErrConnectionFailed)
	}

	rc := &RedisClient{
		client:    client,
		dbID:      opts.DB,
		namespace: opts.Namespace,
		logger:    opts.Logger,
	}

	rc.logger.Info("Redis client connected", map[string]interface{}{
		"operation": "redis_client_init",
		"db":        opts.DB,
		"db_name":   RedisDBName(opts.DB),
		"namespace": opts.Namespace,
	})

	return rc, nil
}

// NewRedisClientFromExisting wraps an already constructed go-redis client.
// Used by tests (miniredis) and by callers that share a connection pool.
func NewRedisClientFromExisting(client *redis.Client, namespace string, logger Logger) *RedisClient {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	return &RedisClient{
		client:    client,
		namespace: namespace,
		logger:    logger,
	}
}

// Close closes the Redis connection.
func (r *RedisClient) Close() error {
	err := r.client.Close()
	if err != nil {
		r.logger.Error("Failed to close Redis client", map[string]interface{}{
			"operation": "redis_client_close",
			"error":     err.Error(),
			"db":        r.dbID,
			"namespace": r.namespace,
		})
	}
	return err
}

// Underlying exposes the raw go-redis client for operations the wrapper does
// not cover (transactions, watch). Keys used through it must be formatted
// with Key.
func (r *RedisClient) Underlying() *redis.Client {
	return r.client
}

// Key formats a key with the client's namespace.
func (r *RedisClient) Key(key string) string {
	if r.namespace != "" {
		return fmt.Sprintf("%s:%s", r.namespace, key)
	}
	return key
}

// Namespace returns the configured key namespace.
func (r *RedisClient) Namespace() string {
	return r.namespace
}

// --- Key/value operations ---

// Get retrieves a value. Returns redis.Nil when the key does not exist.
func (r *RedisClient) Get(ctx context.Context, key string) (string, error) {
	return r.client.Get(ctx, r.Key(key)).Result()
}

// Set stores a value with optional TTL (0 means no expiry).
func (r *RedisClient) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return r.client.Set(ctx, r.Key(key), value, ttl).Err()
}

// Del deletes keys.
func (r *RedisClient) Del(ctx context.Context, keys ...string) error {
	formatted := make([]string, len(keys))
	for i, key := range keys {
		formatted[i] = r.Key(key)
	}
	return r.client.Del(ctx, formatted...).Err()
}

// Expire sets a TTL on a key.
func (r *RedisClient) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return r.client.Expire(ctx, r.Key(key), ttl).Err()
}

// TTL gets the TTL of a key.
func (r *RedisClient) TTL(ctx context.Context, key string) (time.Duration, error) {
	return r.client.TTL(ctx, r.Key(key)).Result()
}

// --- Set operations (indexes) ---

// SAdd adds members to a set.
func (r *RedisClient) SAdd(ctx context.Context, key string, members ...interface{}) error {
	return r.client.SAdd(ctx, r.Key(key), members...).Err()
}

// SRem removes members from a set.
func (r *RedisClient) SRem(ctx context.Context, key string, members ...interface{}) error {
	return r.client.SRem(ctx, r.Key(key), members...).Err()
}

// SMembers lists the members of a set.
func (r *RedisClient) SMembers(ctx context.Context, key string) ([]string, error) {
	return r.client.SMembers(ctx, r.Key(key)).Result()
}

// --- Pub/sub (cross-process event transport) ---

// Publish sends a message on a namespaced channel.
func (r *RedisClient) Publish(ctx context.Context, channel string, payload interface{}) error {
	return r.client.Publish(ctx, r.Key(channel), payload).Err()
}

// Subscribe opens a subscription on namespaced channels. The caller owns the
// returned PubSub and must Close it.
func (r *RedisClient) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	formatted := make([]string, len(channels))
	for i, ch := range channels {
		formatted[i] = r.Key(ch)
	}
	return r.client.Subscribe(ctx, formatted...)
}

// --- Pipeline operations ---

// Pipeline creates a pipeline for batched operations.
func (r *RedisClient) Pipeline() redis.Pipeliner {
	return r.client.Pipeline()
}

// --- Health check ---

// HealthCheck verifies Redis connectivity.
func (r *RedisClient) HealthCheck(ctx context.Context) error {
	err := r.client.Ping(ctx).Err()
	if err != nil {
		r.logger.ErrorWithContext(ctx, "Redis health check failed", map[string]interface{}{
			"operation": "redis_health_check",
			"error":     err.Error(),
			"db":        r.dbID,
			"db_name":   RedisDBName(r.dbID),
			"namespace": r.namespace,
		})
	}
	return err
}

// --- Standard Redis DB allocation ---

const (
	// RedisDBRegistry holds workflow registry entries.
	RedisDBRegistry = 0

	// RedisDBCheckpoints holds per-thread workflow state snapshots.
	RedisDBCheckpoints = 1

	// RedisDBApprovals holds human-approval records and their indexes.
	RedisDBApprovals = 2

	// RedisDBDefinitions holds saved workflow definitions.
	RedisDBDefinitions = 3

	// RedisDBEvents carries the pub/sub event transport (no persistent keys).
	RedisDBEvents = 4
)

// RedisDBName returns a human-readable name for the Redis DB.
func RedisDBName(db int) string {
	switch db {
	case RedisDBRegistry:
		return "Workflow Registry"
	case RedisDBCheckpoints:
		return "Checkpoints"
	case RedisDBApprovals:
		return "Approvals"
	case RedisDBDefinitions:
		return "Saved Definitions"
	case RedisDBEvents:
		return "Event Transport"
	default:
		return fmt.Sprintf("DB %d", db)
	}
}
