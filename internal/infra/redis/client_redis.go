package redis

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/marketprimer/cachelayer/internal/config"
	"github.com/marketprimer/cachelayer/pkg/logger"
)

// redisCommander is the connection-based Commander over go-redis. It owns a
// long-lived pooled connection with retry/backoff and keep-alive; every public
// method delegates to the pool, which dials lazily on first use.
type redisCommander struct {
	client *redis.Client
	logger *logger.Logger
	cfg    *config.RedisConfig
}

// newRedisCommander creates the connection-based adapter.
// Unless lazy connect is configured, the connection is verified up front with
// exponential backoff between attempts.
func newRedisCommander(cfg *config.RedisConfig, log *logger.Logger) (*redisCommander, error) {
	if cfg == nil {
		return nil, errors.New("redis config is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}

	opts := &redis.Options{
		Addr:            cfg.Addr(),
		Password:        cfg.Password,
		DB:              cfg.DB,
		DialTimeout:     cfg.ConnectTimeout,
		ReadTimeout:     cfg.CommandTimeout,
		WriteTimeout:    cfg.CommandTimeout,
		MaxRetries:      cfg.MaxRetries,
		MinRetryBackoff: cfg.RetryDelay,
		MaxRetryBackoff: 10 * cfg.RetryDelay,
	}
	if strings.HasPrefix(cfg.URL, "rediss://") {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	client := redis.NewClient(opts)
	rc := &redisCommander{client: client, logger: log, cfg: cfg}

	if cfg.LazyConnect {
		log.Debug("redis client created with lazy connect", "addr", cfg.Addr())
		return rc, nil
	}

	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
		err := client.Ping(ctx).Err()
		cancel()

		if err == nil {
			log.Info("redis connected", "addr", cfg.Addr(), "db", cfg.DB)
			return rc, nil
		}

		lastErr = err
		if attempt < cfg.MaxRetries {
			backoff := cfg.RetryDelay * time.Duration(1<<attempt)
			if backoff > 10*cfg.RetryDelay {
				backoff = 10 * cfg.RetryDelay
			}
			log.Warn("redis connection failed, retrying",
				"attempt", attempt+1,
				"max_retries", cfg.MaxRetries,
				"backoff", backoff,
				"error", err,
			)
			time.Sleep(backoff)
		}
	}

	return nil, fmt.Errorf("failed to connect to redis after %d attempts: %w", cfg.MaxRetries+1, lastErr)
}

func (c *redisCommander) Close() error {
	c.logger.Info("closing redis connection")
	return c.client.Close()
}

func (c *redisCommander) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *redisCommander) Get(ctx context.Context, key string) (string, error) {
	val, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrKeyNotFound
	}
	if err != nil {
		return "", fmt.Errorf("redis get: %w", err)
	}
	return val, nil
}

func (c *redisCommander) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (c *redisCommander) Del(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := c.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("redis del: %w", err)
	}
	return n, nil
}

func (c *redisCommander) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}
	return n > 0, nil
}

func (c *redisCommander) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := c.client.Expire(ctx, key, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis expire: %w", err)
	}
	return ok, nil
}

func (c *redisCommander) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := c.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis ttl: %w", err)
	}
	return ttl, nil
}

func (c *redisCommander) Incr(ctx context.Context, key string) (int64, error) {
	n, err := c.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis incr: %w", err)
	}
	return n, nil
}

func (c *redisCommander) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	n, err := c.client.IncrBy(ctx, key, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("redis incrby: %w", err)
	}
	return n, nil
}

func (c *redisCommander) Decr(ctx context.Context, key string) (int64, error) {
	n, err := c.client.Decr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis decr: %w", err)
	}
	return n, nil
}

func (c *redisCommander) DecrBy(ctx context.Context, key string, delta int64) (int64, error) {
	n, err := c.client.DecrBy(ctx, key, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("redis decrby: %w", err)
	}
	return n, nil
}

func (c *redisCommander) HGet(ctx context.Context, key, field string) (string, error) {
	val, err := c.client.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrKeyNotFound
	}
	if err != nil {
		return "", fmt.Errorf("redis hget: %w", err)
	}
	return val, nil
}

func (c *redisCommander) HSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	if err := c.client.HSet(ctx, key, fields).Err(); err != nil {
		return fmt.Errorf("redis hset: %w", err)
	}
	return nil
}

func (c *redisCommander) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := c.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall: %w", err)
	}
	return m, nil
}

func (c *redisCommander) HDel(ctx context.Context, key string, fields ...string) (int64, error) {
	n, err := c.client.HDel(ctx, key, fields...).Result()
	if err != nil {
		return 0, fmt.Errorf("redis hdel: %w", err)
	}
	return n, nil
}

func (c *redisCommander) LPush(ctx context.Context, key string, values ...string) (int64, error) {
	n, err := c.client.LPush(ctx, key, toAnySlice(values)...).Result()
	if err != nil {
		return 0, fmt.Errorf("redis lpush: %w", err)
	}
	return n, nil
}

func (c *redisCommander) RPush(ctx context.Context, key string, values ...string) (int64, error) {
	n, err := c.client.RPush(ctx, key, toAnySlice(values)...).Result()
	if err != nil {
		return 0, fmt.Errorf("redis rpush: %w", err)
	}
	return n, nil
}

func (c *redisCommander) LPop(ctx context.Context, key string) (string, error) {
	val, err := c.client.LPop(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrKeyNotFound
	}
	if err != nil {
		return "", fmt.Errorf("redis lpop: %w", err)
	}
	return val, nil
}

func (c *redisCommander) RPop(ctx context.Context, key string) (string, error) {
	val, err := c.client.RPop(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrKeyNotFound
	}
	if err != nil {
		return "", fmt.Errorf("redis rpop: %w", err)
	}
	return val, nil
}

func (c *redisCommander) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	vals, err := c.client.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange: %w", err)
	}
	return vals, nil
}

func (c *redisCommander) LLen(ctx context.Context, key string) (int64, error) {
	n, err := c.client.LLen(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis llen: %w", err)
	}
	return n, nil
}

func (c *redisCommander) SAdd(ctx context.Context, key string, members ...string) (int64, error) {
	n, err := c.client.SAdd(ctx, key, toAnySlice(members)...).Result()
	if err != nil {
		return 0, fmt.Errorf("redis sadd: %w", err)
	}
	return n, nil
}

func (c *redisCommander) SRem(ctx context.Context, key string, members ...string) (int64, error) {
	n, err := c.client.SRem(ctx, key, toAnySlice(members)...).Result()
	if err != nil {
		return 0, fmt.Errorf("redis srem: %w", err)
	}
	return n, nil
}

func (c *redisCommander) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := c.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers: %w", err)
	}
	return members, nil
}

func (c *redisCommander) SIsMember(ctx context.Context, key, member string) (bool, error) {
	ok, err := c.client.SIsMember(ctx, key, member).Result()
	if err != nil {
		return false, fmt.Errorf("redis sismember: %w", err)
	}
	return ok, nil
}

func (c *redisCommander) SCard(ctx context.Context, key string) (int64, error) {
	n, err := c.client.SCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis scard: %w", err)
	}
	return n, nil
}

func (c *redisCommander) ZAdd(ctx context.Context, key string, score float64, member string) error {
	if err := c.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err(); err != nil {
		return fmt.Errorf("redis zadd: %w", err)
	}
	return nil
}

func (c *redisCommander) ZRem(ctx context.Context, key string, members ...string) (int64, error) {
	n, err := c.client.ZRem(ctx, key, toAnySlice(members)...).Result()
	if err != nil {
		return 0, fmt.Errorf("redis zrem: %w", err)
	}
	return n, nil
}

func (c *redisCommander) ZRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	vals, err := c.client.ZRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrange: %w", err)
	}
	return vals, nil
}

func (c *redisCommander) ZRevRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	vals, err := c.client.ZRevRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrevrange: %w", err)
	}
	return vals, nil
}

func (c *redisCommander) ZRangeWithScores(ctx context.Context, key string, start, stop int64) ([]ScoredMember, error) {
	zs, err := c.client.ZRangeWithScores(ctx, key, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrange withscores: %w", err)
	}
	members := make([]ScoredMember, 0, len(zs))
	for _, z := range zs {
		member, _ := z.Member.(string)
		members = append(members, ScoredMember{Member: member, Score: z.Score})
	}
	return members, nil
}

func (c *redisCommander) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	vals, err := c.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: formatScore(min),
		Max: formatScore(max),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrangebyscore: %w", err)
	}
	return vals, nil
}

func (c *redisCommander) ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error) {
	n, err := c.client.ZRemRangeByScore(ctx, key, formatScore(min), formatScore(max)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis zremrangebyscore: %w", err)
	}
	return n, nil
}

func (c *redisCommander) ZRank(ctx context.Context, key, member string) (int64, error) {
	rank, err := c.client.ZRank(ctx, key, member).Result()
	if errors.Is(err, redis.Nil) {
		return 0, ErrKeyNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("redis zrank: %w", err)
	}
	return rank, nil
}

func (c *redisCommander) ZScore(ctx context.Context, key, member string) (float64, error) {
	score, err := c.client.ZScore(ctx, key, member).Result()
	if errors.Is(err, redis.Nil) {
		return 0, ErrKeyNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("redis zscore: %w", err)
	}
	return score, nil
}

func (c *redisCommander) ZCard(ctx context.Context, key string) (int64, error) {
	n, err := c.client.ZCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis zcard: %w", err)
	}
	return n, nil
}

func (c *redisCommander) FlushAll(ctx context.Context) error {
	if err := c.client.FlushAll(ctx).Err(); err != nil {
		return fmt.Errorf("redis flushall: %w", err)
	}
	return nil
}

// Keys returns all keys matching a pattern via SCAN, which is safe on large
// keyspaces where KEYS would block the server.
func (c *redisCommander) Keys(ctx context.Context, pattern string) ([]string, error) {
	var allKeys []string
	var cursor uint64

	for {
		keys, nextCursor, err := c.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("redis scan: %w", err)
		}
		allKeys = append(allKeys, keys...)
		cursor = nextCursor
		if cursor == 0 {
			break
		}
	}

	return allKeys, nil
}

func toAnySlice(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

func formatScore(score float64) string {
	switch {
	case score == scoreNegInf:
		return "-inf"
	case score == scorePosInf:
		return "+inf"
	default:
		return fmt.Sprintf("%f", score)
	}
}
