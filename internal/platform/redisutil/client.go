// Package redisutil wraps the redis client with the operations the
// resilience layer and realtime fabric need, matching the logging and
// error-wrapping conventions used across the rest of the platform package.
package redisutil

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lyzr/workflowcore/internal/platform/logger"
)

// Client wraps redis.Client with instrumented common operations.
type Client struct {
	Raw *redis.Client
	log *logger.Logger
}

// New wraps an existing redis.Client.
func New(raw *redis.Client, log *logger.Logger) *Client {
	return &Client{Raw: raw, log: log}
}

// SetWithExpiry sets a key with a TTL.
func (c *Client) SetWithExpiry(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.Raw.Set(ctx, key, value, ttl).Err(); err != nil {
		c.log.Error("redis SET failed", "key", key, "error", err)
		return fmt.Errorf("set key %s: %w", key, err)
	}
	return nil
}

// Get retrieves a value by key.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	val, err := c.Raw.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", fmt.Errorf("key not found: %s", key)
	}
	if err != nil {
		c.log.Error("redis GET failed", "key", key, "error", err)
		return "", fmt.Errorf("get key %s: %w", key, err)
	}
	return val, nil
}

// Publish publishes a message on a pub/sub channel.
func (c *Client) Publish(ctx context.Context, channel string, payload string) error {
	if err := c.Raw.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	return nil
}

// Health pings Redis with a bounded timeout.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return c.Raw.Ping(ctx).Err()
}
