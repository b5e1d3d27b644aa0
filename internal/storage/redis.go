package storage

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/s33g/azure-chat/internal/config"
)

// Client wraps a Redis client with helper methods
type Client struct {
	rdb  *redis.Client
	keys *Keys
}

const connectTimeout = 5 * time.Second

// NewClient creates a new Redis client from configuration and checks the connection
func NewClient(ctx context.Context, cfg config.RedisConfig) (*Client, error) {
	// Get password from environment if specified
	password := ""
	if cfg.PasswordEnv != "" {
		password = os.Getenv(cfg.PasswordEnv)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Address, err)
	}

	return &Client{
		rdb:  rdb,
		keys: NewKeys(cfg.KeyPrefix),
	}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Redis returns the underlying Redis client for advanced operations
func (c *Client) Redis() *redis.Client {
	return c.rdb
}

// Keys returns the key generator
func (c *Client) Keys() *Keys {
	return c.keys
}
