package redis

import (
	"context"
	"strings"
	"time"
)

// keyspace decorates a Commander and applies a namespace prefix to every key,
// so independent subsystems sharing one database cannot collide. Keys()
// prefixes the pattern and strips the prefix from results; callers only ever
// see un-namespaced keys.
type keyspace struct {
	next   Commander
	prefix string
}

// WithKeyspace wraps cmd so that all keys are namespaced under prefix.
// An empty prefix returns cmd unchanged.
func WithKeyspace(cmd Commander, prefix string) Commander {
	if prefix == "" {
		return cmd
	}
	return &keyspace{next: cmd, prefix: prefix}
}

func (k *keyspace) key(key string) string {
	return k.prefix + key
}

func (k *keyspace) keyAll(keys []string) []string {
	out := make([]string, len(keys))
	for i, key := range keys {
		out[i] = k.prefix + key
	}
	return out
}

func (k *keyspace) Get(ctx context.Context, key string) (string, error) {
	return k.next.Get(ctx, k.key(key))
}

func (k *keyspace) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return k.next.Set(ctx, k.key(key), value, ttl)
}

func (k *keyspace) Del(ctx context.Context, keys ...string) (int64, error) {
	return k.next.Del(ctx, k.keyAll(keys)...)
}

func (k *keyspace) Exists(ctx context.Context, key string) (bool, error) {
	return k.next.Exists(ctx, k.key(key))
}

func (k *keyspace) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return k.next.Expire(ctx, k.key(key), ttl)
}

func (k *keyspace) TTL(ctx context.Context, key string) (time.Duration, error) {
	return k.next.TTL(ctx, k.key(key))
}

func (k *keyspace) Incr(ctx context.Context, key string) (int64, error) {
	return k.next.Incr(ctx, k.key(key))
}

func (k *keyspace) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	return k.next.IncrBy(ctx, k.key(key), delta)
}

func (k *keyspace) Decr(ctx context.Context, key string) (int64, error) {
	return k.next.Decr(ctx, k.key(key))
}

func (k *keyspace) DecrBy(ctx context.Context, key string, delta int64) (int64, error) {
	return k.next.DecrBy(ctx, k.key(key), delta)
}

func (k *keyspace) HGet(ctx context.Context, key, field string) (string, error) {
	return k.next.HGet(ctx, k.key(key), field)
}

func (k *keyspace) HSet(ctx context.Context, key string, fields map[string]string) error {
	return k.next.HSet(ctx, k.key(key), fields)
}

func (k *keyspace) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return k.next.HGetAll(ctx, k.key(key))
}

func (k *keyspace) HDel(ctx context.Context, key string, fields ...string) (int64, error) {
	return k.next.HDel(ctx, k.key(key), fields...)
}

func (k *keyspace) LPush(ctx context.Context, key string, values ...string) (int64, error) {
	return k.next.LPush(ctx, k.key(key), values...)
}

func (k *keyspace) RPush(ctx context.Context, key string, values ...string) (int64, error) {
	return k.next.RPush(ctx, k.key(key), values...)
}

func (k *keyspace) LPop(ctx context.Context, key string) (string, error) {
	return k.next.LPop(ctx, k.key(key))
}

func (k *keyspace) RPop(ctx context.Context, key string) (string, error) {
	return k.next.RPop(ctx, k.key(key))
}

func (k *keyspace) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return k.next.LRange(ctx, k.key(key), start, stop)
}

func (k *keyspace) LLen(ctx context.Context, key string) (int64, error) {
	return k.next.LLen(ctx, k.key(key))
}

func (k *keyspace) SAdd(ctx context.Context, key string, members ...string) (int64, error) {
	return k.next.SAdd(ctx, k.key(key), members...)
}

func (k *keyspace) SRem(ctx context.Context, key string, members ...string) (int64, error) {
	return k.next.SRem(ctx, k.key(key), members...)
}

func (k *keyspace) SMembers(ctx context.Context, key string) ([]string, error) {
	return k.next.SMembers(ctx, k.key(key))
}

func (k *keyspace) SIsMember(ctx context.Context, key, member string) (bool, error) {
	return k.next.SIsMember(ctx, k.key(key), member)
}

func (k *keyspace) SCard(ctx context.Context, key string) (int64, error) {
	return k.next.SCard(ctx, k.key(key))
}

func (k *keyspace) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return k.next.ZAdd(ctx, k.key(key), score, member)
}

func (k *keyspace) ZRem(ctx context.Context, key string, members ...string) (int64, error) {
	return k.next.ZRem(ctx, k.key(key), members...)
}

func (k *keyspace) ZRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return k.next.ZRange(ctx, k.key(key), start, stop)
}

func (k *keyspace) ZRevRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return k.next.ZRevRange(ctx, k.key(key), start, stop)
}

func (k *keyspace) ZRangeWithScores(ctx context.Context, key string, start, stop int64) ([]ScoredMember, error) {
	return k.next.ZRangeWithScores(ctx, k.key(key), start, stop)
}

func (k *keyspace) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	return k.next.ZRangeByScore(ctx, k.key(key), min, max)
}

func (k *keyspace) ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error) {
	return k.next.ZRemRangeByScore(ctx, k.key(key), min, max)
}

func (k *keyspace) ZRank(ctx context.Context, key, member string) (int64, error) {
	return k.next.ZRank(ctx, k.key(key), member)
}

func (k *keyspace) ZScore(ctx context.Context, key, member string) (float64, error) {
	return k.next.ZScore(ctx, k.key(key), member)
}

func (k *keyspace) ZCard(ctx context.Context, key string) (int64, error) {
	return k.next.ZCard(ctx, k.key(key))
}

func (k *keyspace) Ping(ctx context.Context) error {
	return k.next.Ping(ctx)
}

func (k *keyspace) FlushAll(ctx context.Context) error {
	return k.next.FlushAll(ctx)
}

func (k *keyspace) Keys(ctx context.Context, pattern string) ([]string, error) {
	keys, err := k.next.Keys(ctx, k.prefix+pattern)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		out = append(out, strings.TrimPrefix(key, k.prefix))
	}
	return out, nil
}

func (k *keyspace) Close() error {
	return k.next.Close()
}
