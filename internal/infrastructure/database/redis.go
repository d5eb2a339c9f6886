package database

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stockd/core/internal/infrastructure/config"
	"github.com/stockd/core/internal/infrastructure/logger"
)

// Redis wraps the go-redis client used for shared cooldowns
type Redis struct {
	Client *redis.Client
	config config.RedisConfig
}

// NewRedis connects to Redis, retrying with exponential backoff until
// cfg.ConnectTries attempts have failed or ctx is done.
func NewRedis(ctx context.Context, cfg config.RedisConfig, log *logger.Logger) (*Redis, error) {
	tries := cfg.ConnectTries
	if tries < 1 {
		tries = 1
	}
	retryDelay := 500 * time.Millisecond

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.GetAddr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	})

	var err error
	for attempt := 1; attempt <= tries; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err = client.Ping(pingCtx).Err()
		cancel()
		if err == nil {
			log.Infow("Connected to Redis", "addr", cfg.GetAddr(), "attempt", attempt)
			return &Redis{Client: client, config: cfg}, nil
		}

		log.Warnw("Redis connection failed", "addr", cfg.GetAddr(), "attempt", attempt, "error", err)
		if attempt == tries {
			break
		}

		select {
		case <-ctx.Done():
			client.Close()
			return nil, ctx.Err()
		case <-time.After(retryDelay):
		}
		retryDelay *= 2
	}

	client.Close()
	return nil, fmt.Errorf("failed to connect to redis after %d attempts: %w", tries, err)
}

// Close closes the client
func (r *Redis) Close() error {
	if r.Client != nil {
		return r.Client.Close()
	}
	return nil
}

// HealthCheck pings Redis
func (r *Redis) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := r.Client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}
