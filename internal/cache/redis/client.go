// Package redis backs the coordinator's shared state with go-redis/v9:
// the synchronizer's strategy state cache, its distributed lock, event
// fan-out to other processes and the operator API rate limiter.
package redis

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// keyPrefix namespaces every key and channel this package uses. Two
// coordinator fleets sharing one Redis must use different DB numbers.
const keyPrefix = "stratfleet:"

// key joins parts under keyPrefix, e.g. key("state", id) gives
// "stratfleet:state:<id>".
func key(parts ...string) string {
	return keyPrefix + strings.Join(parts, ":")
}

// ClientConfig holds connection parameters for the Redis client.
type ClientConfig struct {
	Addr     string // host:port
	Password string
	DB       int

	// PoolSize bounds open connections. The signal consumer holds one for
	// its subscription, so keep it above the executor worker count.
	PoolSize   int
	MaxRetries int
	TLSEnabled bool
}

// Client wraps a go-redis Client. The state cache, lock manager, rate
// limiter and signal bus in this package all share it.
type Client struct {
	rdb *redis.Client
}

// New creates a Redis client, pings it to verify connectivity and returns the
// wrapper. The connection is closed again when the ping fails.
func New(ctx context.Context, cfg ClientConfig) (*Client, error) {
	opts := &redis.Options{
		Addr:       cfg.Addr,
		Password:   cfg.Password,
		DB:         cfg.DB,
		PoolSize:   cfg.PoolSize,
		MaxRetries: cfg.MaxRetries,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", cfg.Addr, err)
	}
	return &Client{rdb: rdb}, nil
}

// NewFromRedis wraps an existing go-redis client whose lifecycle the caller
// already manages.
func NewFromRedis(rdb *redis.Client) *Client {
	return &Client{rdb: rdb}
}

// Ping checks the Redis connection.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Underlying returns the raw *redis.Client for callers that need commands
// this package does not wrap.
func (c *Client) Underlying() *redis.Client {
	return c.rdb
}
