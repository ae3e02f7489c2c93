// Package redis implements the ledger's coordination services on
// go-redis/v9: distributed locks, replay nonces, rate limiting and the event
// bus.
package redis

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

const defaultStreamMaxLen int64 = 10000

// ClientConfig holds connection parameters for the Redis client.
type ClientConfig struct {
	Addr       string
	Password   string
	DB         int
	PoolSize   int
	MaxRetries int
	TLSEnabled bool

	// Namespace prefixes every key and channel so several ledgers can share
	// one Redis. Empty means no prefix.
	Namespace string
	// StreamMaxLen caps the event backlog. Zero uses 10000.
	StreamMaxLen int64
}

// Client owns the go-redis connection and the key layout shared by the
// coordination services.
type Client struct {
	rdb          *redis.Client
	namespace    string
	streamMaxLen int64
}

// New dials Redis and pings it before returning.
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
	c := Wrap(rdb).WithNamespace(cfg.Namespace)
	if cfg.StreamMaxLen > 0 {
		c.streamMaxLen = cfg.StreamMaxLen
	}
	return c, nil
}

// Wrap adopts an existing go-redis client with no namespace.
func Wrap(rdb *redis.Client) *Client {
	return &Client{rdb: rdb, streamMaxLen: defaultStreamMaxLen}
}

// WithNamespace returns a copy of c whose keys live under ns.
func (c *Client) WithNamespace(ns string) *Client {
	cp := *c
	cp.namespace = strings.Trim(ns, ":")
	return &cp
}

// Key joins parts with ':' under the client namespace.
func (c *Client) Key(parts ...string) string {
	k := strings.Join(parts, ":")
	if c.namespace == "" {
		return k
	}
	return c.namespace + ":" + k
}

// Ping reports whether Redis answers.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}
