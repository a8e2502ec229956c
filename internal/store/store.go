// Package store opens and owns the connection to the Redis coordination
// store. Everything durable in gatekeeper — ledger records, response queues,
// the event channel, and the audit trail — lives behind this client.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config describes how to reach the coordination store.
type Config struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`

	// DialTimeout bounds the initial connection attempt.
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// PoolSize caps pooled connections. Blocking waits each take a
	// dedicated connection on top of the pool, so this only needs to cover
	// the fast-path operations.
	PoolSize int `yaml:"pool_size"`
}

// Client wraps the underlying go-redis client.
type Client struct {
	rdb *redis.Client
}

// Open builds a client for the configured store. It does not dial eagerly;
// use Ping to verify reachability.
func Open(cfg Config) *Client {
	if cfg.Addr == "" {
		cfg.Addr = "localhost:6379"
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
		PoolSize:    cfg.PoolSize,
	})
	return &Client{rdb: rdb}
}

// NewFromRedis wraps an existing go-redis client. Tests use this with
// miniredis.
func NewFromRedis(rdb *redis.Client) *Client {
	return &Client{rdb: rdb}
}

// Redis exposes the raw client for command execution.
func (c *Client) Redis() *redis.Client {
	return c.rdb
}

// Ping verifies the store is reachable.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("coordination store unreachable: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}
