package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/seed-scraper/internal/config"
	"github.com/seed-scraper/internal/retry"
)

// RedisClient wraps the Redis connection shared by the stage queues
type RedisClient struct {
	client *redis.Client
}

// NewRedisClient connects to Redis, retrying with backoff while it starts up
func NewRedisClient(ctx context.Context, cfg *config.RedisConfig, policy retry.Policy) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.MaxConnections,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		// blocking stream reads wait up to the queue event block time
		ReadTimeout:  -1,
		WriteTimeout: 3 * time.Second,
		PoolTimeout:  4 * time.Second,
	})

	err := retry.Do(ctx, policy, func(ctx context.Context, attempt int) error {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			return fmt.Errorf("failed to connect to Redis: %w", err)
		}
		return nil
	})
	if err != nil {
		_ = client.Close()
		return nil, err
	}

	return &RedisClient{client: client}, nil
}

// Close closes the Redis connection
func (r *RedisClient) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// Client returns the underlying Redis client
func (r *RedisClient) Client() *redis.Client {
	return r.client
}

// Ping checks if Redis is reachable
func (r *RedisClient) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
