package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const cooldownKeyPrefix = "stockd:cooldown:"

// RedisCooldown keeps cooldowns in Redis so they survive restarts.
type RedisCooldown struct {
	client   *redis.Client
	cooldown time.Duration
}

// NewRedisCooldown creates a Redis-backed cooldown store
func NewRedisCooldown(client *redis.Client, cooldown time.Duration) *RedisCooldown {
	return &RedisCooldown{client: client, cooldown: cooldown}
}

func (r *RedisCooldown) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	k := cooldownKeyPrefix + key

	ok, err := r.client.SetNX(ctx, k, 1, r.cooldown).Result()
	if err != nil {
		return false, 0, fmt.Errorf("set cooldown: %w", err)
	}
	if ok {
		return true, 0, nil
	}

	ttl, err := r.client.PTTL(ctx, k).Result()
	if err != nil {
		return false, 0, fmt.Errorf("read cooldown ttl: %w", err)
	}
	if ttl < 0 {
		// Key expired between SETNX and PTTL or has no expiry.
		ttl = 0
	}
	return false, ttl, nil
}

func (r *RedisCooldown) Reset(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, cooldownKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("reset cooldown: %w", err)
	}
	return nil
}
