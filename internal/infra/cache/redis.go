package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOnce реализует domain.Cache через Redis.
// Планировщик использует его как защиту от повторной отправки
// дайджеста в один и тот же слот.
type RedisOnce struct {
	client *redis.Client
}

// NewRedisOnce создаёт кэш.
func NewRedisOnce(client *redis.Client) *RedisOnce {
	return &RedisOnce{client: client}
}

// Once выполняет функцию, если ключ ещё не задан.
func (c *RedisOnce) Once(key string, ttl time.Duration, fn func() error) error {
	ctx := context.Background()
	ok, err := c.client.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if err := fn(); err != nil {
		_ = c.client.Del(ctx, key).Err()
		return err
	}
	return nil
}
