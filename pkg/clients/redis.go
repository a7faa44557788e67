package clients

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/HannahHyy/llm-qa-modual-local/pkg/apperrors"
	"github.com/HannahHyy/llm-qa-modual-local/pkg/config"
)

// RedisClient is the L2 cache adapter with the hash and list operations
// the session store needs.
type RedisClient struct {
	rdb *redis.Client
}

// NewRedisClient builds the client; connectivity is checked via Ping.
func NewRedisClient(cfg config.RedisSettings) *RedisClient {
	return &RedisClient{
		rdb: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr(),
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
	}
}

func (c *RedisClient) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return apperrors.Transient(apperrors.KindCache, "ping", err)
	}
	return nil
}

func (c *RedisClient) HSet(ctx context.Context, key, field, value string) error {
	if err := c.rdb.HSet(ctx, key, field, value).Err(); err != nil {
		return apperrors.Transient(apperrors.KindCache, "hset", err)
	}
	return nil
}

func (c *RedisClient) HGet(ctx context.Context, key, field string) (string, bool, error) {
	val, err := c.rdb.HGet(ctx, key, field).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, apperrors.Transient(apperrors.KindCache, "hget", err)
	}
	return val, true, nil
}

func (c *RedisClient) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	val, err := c.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, apperrors.Transient(apperrors.KindCache, "hgetall", err)
	}
	return val, nil
}

func (c *RedisClient) HDel(ctx context.Context, key string, fields ...string) error {
	if err := c.rdb.HDel(ctx, key, fields...).Err(); err != nil {
		return apperrors.Transient(apperrors.KindCache, "hdel", err)
	}
	return nil
}

func (c *RedisClient) RPush(ctx context.Context, key string, values ...string) error {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	if err := c.rdb.RPush(ctx, key, args...).Err(); err != nil {
		return apperrors.Transient(apperrors.KindCache, "rpush", err)
	}
	return nil
}

func (c *RedisClient) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	val, err := c.rdb.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, apperrors.Transient(apperrors.KindCache, "lrange", err)
	}
	return val, nil
}

func (c *RedisClient) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := c.rdb.Expire(ctx, key, ttl).Err(); err != nil {
		return apperrors.Transient(apperrors.KindCache, "expire", err)
	}
	return nil
}

func (c *RedisClient) Del(ctx context.Context, keys ...string) error {
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		return apperrors.Transient(apperrors.KindCache, "del", err)
	}
	return nil
}

func (c *RedisClient) Close() error {
	return c.rdb.Close()
}
