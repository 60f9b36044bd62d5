package redis

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/climb-ledger/internal/config"
	"github.com/redis/go-redis/v9"
)

// Client wraps the Redis connection shared by the standings cache and the
// session store
type Client struct {
	client *redis.Client
	logger *slog.Logger
}

// NewClient connects to Redis
func NewClient(cfg *config.RedisConfig, logger *slog.Logger) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	// Test connection
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return &Client{
		client: client,
		logger: logger,
	}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.client.Close()
}

// Ping checks Redis connectivity
func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Standings returns the cup standings cache on this connection
func (c *Client) Standings() *Standings {
	return &Standings{client: c.client, logger: c.logger}
}

// Sessions returns the session store on this connection
func (c *Client) Sessions() *Sessions {
	return &Sessions{client: c.client}
}
