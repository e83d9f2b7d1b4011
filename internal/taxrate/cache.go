package taxrate

import (
	"context"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

type Cache interface {
	Get(ctx context.Context, key string) (int64, bool, error)
	Set(ctx context.Context, key string, bps int64, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type NoopCache struct{}

func (NoopCache) Get(_ context.Context, _ string) (int64, bool, error) { return 0, false, nil }

func (NoopCache) Set(_ context.Context, _ string, _ int64, _ time.Duration) error { return nil }

func (NoopCache) Delete(_ context.Context, _ string) error { return nil }

type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(addr, password string, db int) *RedisCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisCache{client: client}
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) Get(ctx context.Context, key string) (int64, bool, error) {
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	bps, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false, err
	}
	return bps, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, bps int64, ttl time.Duration) error {
	return c.client.Set(ctx, key, strconv.FormatInt(bps, 10), ttl).Err()
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}
