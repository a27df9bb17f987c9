package redis

import (
	"context"
	"math"
	"time"
)

// TTL sentinel values, matching Redis PTTL semantics.
const (
	// TTLNoExpiry is reported for keys that exist without an expiry.
	TTLNoExpiry = time.Duration(-1)
	// TTLKeyMissing is reported for keys that do not exist.
	TTLKeyMissing = time.Duration(-2)
)

// Score bounds for open-ended range commands. Adapters translate these to
// the -inf/+inf forms the wire protocol expects.
var (
	scoreNegInf = math.Inf(-1)
	scorePosInf = math.Inf(1)
)

// ScoredMember is a sorted-set member with its score.
type ScoredMember struct {
	Member string
	Score  float64
}

// Commander is the provider-agnostic command surface of the Redis layer.
// Two implementations exist: a connection-based adapter over go-redis and a
// stateless hosted-REST adapter. Both must expose identical observable
// semantics (missing keys yield ErrKeyNotFound, Incr on an absent key starts
// from zero, TTL expiry is enforced by the backend) so callers never need to
// know which provider is active.
//
// Transport errors propagate as-is; each consumer decides whether to fail
// open or closed.
type Commander interface {
	// Strings
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) (int64, error)
	Exists(ctx context.Context, key string) (bool, error)
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	TTL(ctx context.Context, key string) (time.Duration, error)
	Incr(ctx context.Context, key string) (int64, error)
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)
	Decr(ctx context.Context, key string) (int64, error)
	DecrBy(ctx context.Context, key string, delta int64) (int64, error)

	// Hashes
	HGet(ctx context.Context, key, field string) (string, error)
	HSet(ctx context.Context, key string, fields map[string]string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HDel(ctx context.Context, key string, fields ...string) (int64, error)

	// Lists
	LPush(ctx context.Context, key string, values ...string) (int64, error)
	RPush(ctx context.Context, key string, values ...string) (int64, error)
	LPop(ctx context.Context, key string) (string, error)
	RPop(ctx context.Context, key string) (string, error)
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	LLen(ctx context.Context, key string) (int64, error)

	// Sets
	SAdd(ctx context.Context, key string, members ...string) (int64, error)
	SRem(ctx context.Context, key string, members ...string) (int64, error)
	SMembers(ctx context.Context, key string) ([]string, error)
	SIsMember(ctx context.Context, key, member string) (bool, error)
	SCard(ctx context.Context, key string) (int64, error)

	// Sorted sets
	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRem(ctx context.Context, key string, members ...string) (int64, error)
	ZRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	ZRevRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	ZRangeWithScores(ctx context.Context, key string, start, stop int64) ([]ScoredMember, error)
	ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error)
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error)
	ZRank(ctx context.Context, key, member string) (int64, error)
	ZScore(ctx context.Context, key, member string) (float64, error)
	ZCard(ctx context.Context, key string) (int64, error)

	// Server
	Ping(ctx context.Context) error
	FlushAll(ctx context.Context) error
	Keys(ctx context.Context, pattern string) ([]string, error)
	Close() error
}
