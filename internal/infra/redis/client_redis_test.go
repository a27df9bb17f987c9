package redis

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketprimer/cachelayer/internal/config"
	"github.com/marketprimer/cachelayer/pkg/logger"
)

// newTestCommander starts an in-memory Redis server and returns the
// connection-based adapter pointed at it.
func newTestCommander(t *testing.T) (Commander, *miniredis.Miniredis) {
	t.Helper()

	s := miniredis.RunT(t)
	host, portStr, err := net.SplitHostPort(s.Addr())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	cfg := &config.RedisConfig{
		Host:           host,
		Port:           port,
		LazyConnect:    true,
		MaxRetries:     1,
		RetryDelay:     10 * time.Millisecond,
		ConnectTimeout: time.Second,
		CommandTimeout: time.Second,
	}
	cmd, err := newRedisCommander(cfg, logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = cmd.Close() })

	return cmd, s
}

func TestRedisCommander_GetMissingKey(t *testing.T) {
	cmd, _ := newTestCommander(t)

	_, err := cmd.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestRedisCommander_SetGetRoundTrip(t *testing.T) {
	cmd, _ := newTestCommander(t)
	ctx := context.Background()

	require.NoError(t, cmd.Set(ctx, "greeting", "hello", time.Minute))

	val, err := cmd.Get(ctx, "greeting")
	require.NoError(t, err)
	assert.Equal(t, "hello", val)
}

func TestRedisCommander_TTLSentinels(t *testing.T) {
	cmd, _ := newTestCommander(t)
	ctx := context.Background()

	require.NoError(t, cmd.Set(ctx, "forever", "v", 0))
	ttl, err := cmd.TTL(ctx, "forever")
	require.NoError(t, err)
	assert.Equal(t, TTLNoExpiry, ttl)

	ttl, err = cmd.TTL(ctx, "missing")
	require.NoError(t, err)
	assert.Equal(t, TTLKeyMissing, ttl)

	require.NoError(t, cmd.Set(ctx, "timed", "v", time.Minute))
	ttl, err = cmd.TTL(ctx, "timed")
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}

func TestRedisCommander_IncrStartsFromZero(t *testing.T) {
	cmd, _ := newTestCommander(t)
	ctx := context.Background()

	n, err := cmd.Incr(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = cmd.IncrBy(ctx, "counter", 4)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	n, err = cmd.Decr(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
}

func TestRedisCommander_HashOperations(t *testing.T) {
	cmd, _ := newTestCommander(t)
	ctx := context.Background()

	require.NoError(t, cmd.HSet(ctx, "h", map[string]string{"a": "1", "b": "2"}))

	val, err := cmd.HGet(ctx, "h", "a")
	require.NoError(t, err)
	assert.Equal(t, "1", val)

	_, err = cmd.HGet(ctx, "h", "zzz")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	all, err := cmd.HGetAll(ctx, "h")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, all)

	n, err := cmd.HDel(ctx, "h", "a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestRedisCommander_SortedSetOperations(t *testing.T) {
	cmd, _ := newTestCommander(t)
	ctx := context.Background()

	require.NoError(t, cmd.ZAdd(ctx, "z", 1, "one"))
	require.NoError(t, cmd.ZAdd(ctx, "z", 2, "two"))
	require.NoError(t, cmd.ZAdd(ctx, "z", 3, "three"))

	members, err := cmd.ZRange(ctx, "z", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two", "three"}, members)

	scored, err := cmd.ZRangeWithScores(ctx, "z", 0, 0)
	require.NoError(t, err)
	require.Len(t, scored, 1)
	assert.Equal(t, "one", scored[0].Member)
	assert.Equal(t, 1.0, scored[0].Score)

	inRange, err := cmd.ZRangeByScore(ctx, "z", scoreNegInf, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, inRange)

	removed, err := cmd.ZRemRangeByScore(ctx, "z", scoreNegInf, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	count, err := cmd.ZCard(ctx, "z")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestRedisCommander_KeysScansByPattern(t *testing.T) {
	cmd, _ := newTestCommander(t)
	ctx := context.Background()

	require.NoError(t, cmd.Set(ctx, "posts:1", "a", 0))
	require.NoError(t, cmd.Set(ctx, "posts:2", "b", 0))
	require.NoError(t, cmd.Set(ctx, "users:1", "c", 0))

	keys, err := cmd.Keys(ctx, "posts:*")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"posts:1", "posts:2"}, keys)
}

func TestRedisCommander_ExpiryEnforcedByBackend(t *testing.T) {
	cmd, s := newTestCommander(t)
	ctx := context.Background()

	require.NoError(t, cmd.Set(ctx, "short", "v", time.Second))

	val, err := cmd.Get(ctx, "short")
	require.NoError(t, err)
	assert.Equal(t, "v", val)

	s.FastForward(2 * time.Second)

	_, err = cmd.Get(ctx, "short")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}
