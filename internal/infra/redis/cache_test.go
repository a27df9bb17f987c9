package redis

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketprimer/cachelayer/internal/config"
	"github.com/marketprimer/cachelayer/pkg/logger"
)

type post struct {
	ID    int      `json:"id"`
	Title string   `json:"title"`
	Tags  []string `json:"tags"`
}

func newTestCache(t *testing.T) (*Cache, Commander, *miniredis.Miniredis) {
	t.Helper()
	cmd, s := newTestCommander(t)
	cache, err := NewCache(cmd, &config.CacheConfig{DefaultTTL: time.Hour, CompressMinBytes: 64}, logger.NewNop())
	require.NoError(t, err)
	return cache, cmd, s
}

func TestCache_RoundTrip(t *testing.T) {
	cache, _, _ := newTestCache(t)
	ctx := context.Background()

	cases := []struct {
		name  string
		value any
	}{
		{"object", post{ID: 7, Title: "hello", Tags: []string{"go"}}},
		{"array", []int{1, 2, 3}},
		{"string", "plain"},
		{"number", 42.5},
		{"boolean", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.True(t, cache.Set(ctx, "k:"+tc.name, tc.value, WithTTL(time.Minute)))

			var got any
			switch tc.value.(type) {
			case post:
				var p post
				require.True(t, cache.Get(ctx, "k:"+tc.name, &p))
				got = p
			case []int:
				var v []int
				require.True(t, cache.Get(ctx, "k:"+tc.name, &v))
				got = v
			case string:
				var v string
				require.True(t, cache.Get(ctx, "k:"+tc.name, &v))
				got = v
			case float64:
				var v float64
				require.True(t, cache.Get(ctx, "k:"+tc.name, &v))
				got = v
			case bool:
				var v bool
				require.True(t, cache.Get(ctx, "k:"+tc.name, &v))
				got = v
			}
			assert.Equal(t, tc.value, got)
		})
	}
}

func TestCache_ExpiryReturnsMiss(t *testing.T) {
	cache, _, s := newTestCache(t)
	ctx := context.Background()

	require.True(t, cache.Set(ctx, "short", "v", WithTTL(time.Second)))

	var got string
	require.True(t, cache.Get(ctx, "short", &got))

	s.FastForward(2 * time.Second)

	assert.False(t, cache.Get(ctx, "short", &got))
}

func TestCache_TagInvalidation(t *testing.T) {
	cache, _, _ := newTestCache(t)
	ctx := context.Background()

	require.True(t, cache.Set(ctx, "a", "1", WithTags("posts")))
	require.True(t, cache.Set(ctx, "b", "2", WithTags("posts")))
	require.True(t, cache.Set(ctx, "c", "3", WithTags("users")))

	removed := cache.InvalidateByTags(ctx, "posts")
	assert.Equal(t, int64(2), removed)

	var got string
	assert.False(t, cache.Get(ctx, "a", &got))
	assert.False(t, cache.Get(ctx, "b", &got))
	require.True(t, cache.Get(ctx, "c", &got))
	assert.Equal(t, "3", got)

	// A second pass finds nothing: the tag set itself was cleared.
	assert.Equal(t, int64(0), cache.InvalidateByTags(ctx, "posts"))
}

func TestCache_InvalidateByPattern(t *testing.T) {
	cache, _, _ := newTestCache(t)
	ctx := context.Background()

	require.True(t, cache.Set(ctx, "posts:list:1", "a"))
	require.True(t, cache.Set(ctx, "posts:list:2", "b"))
	require.True(t, cache.Set(ctx, "users:1", "c"))

	removed := cache.InvalidateByPattern(ctx, "posts:*")
	assert.Equal(t, int64(2), removed)

	var got string
	assert.True(t, cache.Get(ctx, "users:1", &got))
}

func TestCache_GetOrSetMemoizes(t *testing.T) {
	cache, _, _ := newTestCache(t)
	ctx := context.Background()

	calls := 0
	factory := func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "first", nil
		}
		return "second", nil
	}

	v1, err := GetOrSet(ctx, cache, "memo", factory)
	require.NoError(t, err)
	assert.Equal(t, "first", v1)

	v2, err := GetOrSet(ctx, cache, "memo", factory)
	require.NoError(t, err)
	assert.Equal(t, "first", v2)
	assert.Equal(t, 1, calls)
}

func TestCache_GetOrSetFactoryError(t *testing.T) {
	cache, _, _ := newTestCache(t)

	wantErr := errors.New("database down")
	_, err := GetOrSet(context.Background(), cache, "boom", func(context.Context) (string, error) {
		return "", wantErr
	})
	assert.ErrorIs(t, err, wantErr)
}

func TestCache_HitRate(t *testing.T) {
	cache, _, _ := newTestCache(t)
	ctx := context.Background()

	require.True(t, cache.Set(ctx, "k", "v"))

	var got string
	require.True(t, cache.Get(ctx, "k", &got))
	require.True(t, cache.Get(ctx, "k", &got))
	require.True(t, cache.Get(ctx, "k", &got))
	require.False(t, cache.Get(ctx, "absent", &got))

	stats := cache.GetStats()
	assert.Equal(t, int64(3), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 0.75, stats.HitRate)
}

func TestCache_RawValueFallback(t *testing.T) {
	cache, cmd, _ := newTestCache(t)
	ctx := context.Background()

	// Values written by other tooling carry no envelope.
	require.NoError(t, cmd.Set(ctx, "legacy-json", `{"id":9,"title":"t","tags":null}`, 0))
	require.NoError(t, cmd.Set(ctx, "legacy-plain", "just a string", 0))

	var p post
	require.True(t, cache.Get(ctx, "legacy-json", &p))
	assert.Equal(t, 9, p.ID)

	var s string
	require.True(t, cache.Get(ctx, "legacy-plain", &s))
	assert.Equal(t, "just a string", s)
}

func TestCache_RawStringWrite(t *testing.T) {
	cache, cmd, _ := newTestCache(t)
	ctx := context.Background()

	require.True(t, cache.Set(ctx, "robots", "User-agent: *", WithRawString()))

	stored, err := cmd.Get(ctx, "robots")
	require.NoError(t, err)
	assert.Equal(t, "User-agent: *", stored)
}

func TestCache_CompressionRoundTrip(t *testing.T) {
	cache, cmd, _ := newTestCache(t)
	ctx := context.Background()

	big := strings.Repeat("the quick brown fox ", 50)
	require.True(t, cache.Set(ctx, "big", big, WithCompression()))

	stored, err := cmd.Get(ctx, "big")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(stored, compressedPrefix))

	var got string
	require.True(t, cache.Get(ctx, "big", &got))
	assert.Equal(t, big, got)
}

func TestCache_SmallValuesSkipCompression(t *testing.T) {
	cache, cmd, _ := newTestCache(t)
	ctx := context.Background()

	require.True(t, cache.Set(ctx, "tiny", "x", WithCompression()))

	stored, err := cmd.Get(ctx, "tiny")
	require.NoError(t, err)
	assert.False(t, strings.HasPrefix(stored, compressedPrefix))
}

func TestCache_DelReportsRemoval(t *testing.T) {
	cache, _, _ := newTestCache(t)
	ctx := context.Background()

	require.True(t, cache.Set(ctx, "k", "v"))
	assert.True(t, cache.Del(ctx, "k"))
	assert.False(t, cache.Del(ctx, "k"))
}

func TestCache_IncrByUnitIsNative(t *testing.T) {
	cache, cmd, _ := newTestCache(t)
	ctx := context.Background()

	n, err := cache.Incr(ctx, "views")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// The counter is a raw integer, not an envelope.
	raw, err := cmd.Get(ctx, "views")
	require.NoError(t, err)
	assert.Equal(t, "1", raw)
}

func TestCache_IncrByCustomAmount(t *testing.T) {
	cache, _, _ := newTestCache(t)
	ctx := context.Background()

	n, err := cache.IncrBy(ctx, "score", 10)
	require.NoError(t, err)
	assert.Equal(t, int64(10), n)

	n, err = cache.IncrBy(ctx, "score", 5)
	require.NoError(t, err)
	assert.Equal(t, int64(15), n)
}

func TestCache_MGetAlignsWithKeys(t *testing.T) {
	cache, _, _ := newTestCache(t)
	ctx := context.Background()

	require.True(t, cache.Set(ctx, "a", "va"))
	require.True(t, cache.Set(ctx, "c", "vc"))

	results := MGet[string](ctx, cache, []string{"a", "b", "c"})
	require.Len(t, results, 3)
	require.NotNil(t, results[0])
	assert.Equal(t, "va", *results[0])
	assert.Nil(t, results[1])
	require.NotNil(t, results[2])
	assert.Equal(t, "vc", *results[2])
}

func TestCache_MSetReportsSuccesses(t *testing.T) {
	cache, _, _ := newTestCache(t)
	ctx := context.Background()

	ok := cache.MSet(ctx, map[string]any{"a": 1, "b": 2, "c": 3})
	assert.Equal(t, 3, ok)
}

func TestCache_WarmSkipsFailedFactories(t *testing.T) {
	cache, _, _ := newTestCache(t)
	ctx := context.Background()

	stored := cache.Warm(ctx, []WarmEntry{
		{Key: "w1", Factory: func(context.Context) (any, error) { return "v1", nil }},
		{Key: "w2", Factory: func(context.Context) (any, error) { return nil, errors.New("boom") }},
		{Key: "w3", Factory: func(context.Context) (any, error) { return "v3", nil }},
	})
	assert.Equal(t, 2, stored)

	var got string
	assert.True(t, cache.Get(ctx, "w1", &got))
	assert.False(t, cache.Get(ctx, "w2", &got))
	assert.True(t, cache.Get(ctx, "w3", &got))
}

func TestCache_StatsFlushAndReload(t *testing.T) {
	cache, cmd, _ := newTestCache(t)
	ctx := context.Background()

	require.True(t, cache.Set(ctx, "k", "v"))
	var got string
	require.True(t, cache.Get(ctx, "k", &got))
	require.NoError(t, cache.FlushStats(ctx))

	// A fresh instance over the same backend picks the counters up.
	reloaded, err := NewCache(cmd, nil, logger.NewNop())
	require.NoError(t, err)
	stats := reloaded.GetStats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Sets)
}

func TestCache_ClearFlushesEverything(t *testing.T) {
	cache, cmd, _ := newTestCache(t)
	ctx := context.Background()

	require.True(t, cache.Set(ctx, "k", "v"))
	require.NoError(t, cache.Clear(ctx))

	_, err := cmd.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrKeyNotFound)
	assert.Equal(t, Stats{}, cache.GetStats())
}
