package redis

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/gzip"
	"golang.org/x/sync/errgroup"

	"github.com/marketprimer/cachelayer/internal/config"
	"github.com/marketprimer/cachelayer/pkg/logger"
)

const (
	// statsKey is the backend hash that process-local counters are
	// periodically persisted to.
	statsKey = "cache:stats"
	// statsFlushEvery controls how often lookups trigger a persist: every
	// Nth hit+miss.
	statsFlushEvery = 100
	// compressedPrefix marks values stored gzip-compressed. The payload after
	// the prefix is base64 so the stored value stays a plain string on both
	// providers.
	compressedPrefix = "gz:"
)

// envelope is the stored form of a cache entry. The ttl field is advisory
// metadata; actual expiry is the backend's native per-key TTL set at write
// time.
type envelope struct {
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
	TTL       int64           `json:"ttl"`
	Tags      []string        `json:"tags,omitempty"`
}

// Stats is a snapshot of cache activity counters.
type Stats struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	Sets    int64   `json:"sets"`
	Deletes int64   `json:"deletes"`
	Errors  int64   `json:"errors"`
	HitRate float64 `json:"hit_rate"`
}

// SetOption customizes a single cache write.
type SetOption func(*setOptions)

type setOptions struct {
	ttl      time.Duration
	tags     []string
	raw      bool
	compress bool
}

// WithTTL overrides the default TTL for this write.
func WithTTL(ttl time.Duration) SetOption {
	return func(o *setOptions) { o.ttl = ttl }
}

// WithTags associates the key with the named tags so it can be removed later
// via tag invalidation.
func WithTags(tags ...string) SetOption {
	return func(o *setOptions) { o.tags = tags }
}

// WithRawString stores the value's plain string form without envelope or tag
// bookkeeping. Useful for values another system reads directly.
func WithRawString() SetOption {
	return func(o *setOptions) { o.raw = true }
}

// WithCompression gzips envelopes larger than the configured threshold.
func WithCompression() SetOption {
	return func(o *setOptions) { o.compress = true }
}

// Cache wraps a Commander with JSON envelope semantics, tag-based
// invalidation, and running hit/miss statistics.
//
// Transport errors never propagate to callers: a failing backend degrades to
// "always miss" with safe fallback returns, logged for diagnosis.
type Cache struct {
	cmd        Commander
	logger     *logger.Logger
	name       string
	defaultTTL time.Duration
	compressAt int

	hits    atomic.Int64
	misses  atomic.Int64
	sets    atomic.Int64
	deletes atomic.Int64
	errs    atomic.Int64
}

// NewCache creates the cache service. Previously persisted statistics are
// loaded best-effort so counters survive restarts approximately.
func NewCache(cmd Commander, cfg *config.CacheConfig, log *logger.Logger) (*Cache, error) {
	if cmd == nil {
		return nil, errors.New("redis commander is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}

	c := &Cache{
		cmd:        cmd,
		logger:     log,
		name:       "default",
		defaultTTL: time.Hour,
		compressAt: 1024,
	}
	if cfg != nil {
		if cfg.DefaultTTL > 0 {
			c.defaultTTL = cfg.DefaultTTL
		}
		if cfg.CompressMinBytes > 0 {
			c.compressAt = cfg.CompressMinBytes
		}
	}

	c.loadStats(context.Background())
	return c, nil
}

// Get retrieves a cached value into dest. It returns false on a miss or any
// backend failure. Values written without the envelope are decoded directly;
// a plain string that is not valid JSON is handed back verbatim when dest is
// a *string.
func (c *Cache) Get(ctx context.Context, key string, dest any) bool {
	if key == "" {
		return false
	}

	done := Timed("cache_get")
	raw, err := c.cmd.Get(ctx, key)
	if errors.Is(err, ErrKeyNotFound) {
		done(nil)
		c.recordMiss(ctx)
		return false
	}
	if err != nil {
		done(err)
		c.errs.Add(1)
		c.logger.Warn("cache get failed", "key", key, "error", err)
		return false
	}
	done(nil)

	raw, err = maybeDecompress(raw)
	if err != nil {
		c.errs.Add(1)
		c.logger.Warn("cache decompress failed", "key", key, "error", err)
		return false
	}

	if err := decodeEntry(raw, dest); err != nil {
		c.errs.Add(1)
		c.logger.Warn("cache decode failed", "key", key, "error", err)
		return false
	}

	c.recordHit(ctx)
	return true
}

// decodeEntry tolerates three stored forms: the JSON envelope, bare JSON
// written by other tooling, and plain non-JSON strings.
func decodeEntry(raw string, dest any) error {
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err == nil && env.Data != nil {
		return json.Unmarshal(env.Data, dest)
	}
	if err := json.Unmarshal([]byte(raw), dest); err == nil {
		return nil
	}
	if s, ok := dest.(*string); ok {
		*s = raw
		return nil
	}
	return fmt.Errorf("value is neither an envelope nor decodable as %T", dest)
}

// Set stores a value, wrapping it in the envelope unless WithRawString was
// given. It reports success; failures are logged, never returned as errors.
func (c *Cache) Set(ctx context.Context, key string, value any, opts ...SetOption) bool {
	if key == "" {
		return false
	}

	o := setOptions{ttl: c.defaultTTL}
	for _, opt := range opts {
		opt(&o)
	}
	if o.ttl <= 0 {
		o.ttl = c.defaultTTL
	}

	var payload string
	if o.raw {
		payload = fmt.Sprint(value)
	} else {
		data, err := json.Marshal(value)
		if err != nil {
			c.errs.Add(1)
			c.logger.Warn("cache marshal failed", "key", key, "error", err)
			return false
		}
		env := envelope{
			Data:      data,
			Timestamp: time.Now().UnixMilli(),
			TTL:       int64(o.ttl.Seconds()),
			Tags:      o.tags,
		}
		encoded, err := json.Marshal(env)
		if err != nil {
			c.errs.Add(1)
			c.logger.Warn("cache marshal failed", "key", key, "error", err)
			return false
		}
		payload = string(encoded)
		if o.compress && len(payload) >= c.compressAt {
			payload = compress(payload)
		}
	}

	done := Timed("cache_set")
	err := c.cmd.Set(ctx, key, payload, o.ttl)
	done(err)
	if err != nil {
		c.errs.Add(1)
		c.logger.Warn("cache set failed", "key", key, "error", err)
		return false
	}

	if !o.raw {
		for _, tag := range o.tags {
			if _, err := c.cmd.SAdd(ctx, config.TagKey(tag), key); err != nil {
				c.logger.Warn("cache tag registration failed", "key", key, "tag", tag, "error", err)
			}
		}
	}

	c.sets.Add(1)
	DefaultMetrics.RecordCacheSet(c.name)
	return true
}

// Del removes a key and reports whether one was actually removed.
func (c *Cache) Del(ctx context.Context, key string) bool {
	if key == "" {
		return false
	}

	done := Timed("cache_del")
	n, err := c.cmd.Del(ctx, key)
	done(err)
	if err != nil {
		c.errs.Add(1)
		c.logger.Warn("cache del failed", "key", key, "error", err)
		return false
	}

	c.deletes.Add(n)
	DefaultMetrics.RecordCacheDeletes(c.name, n)
	return n > 0
}

// GetOrSet returns the cached value for key, invoking factory to compute and
// store it on a miss. The factory runs at most once per call, but concurrent
// misses across processes may each invoke it; there is no distributed lock.
func GetOrSet[T any](ctx context.Context, c *Cache, key string, factory func(context.Context) (T, error), opts ...SetOption) (T, error) {
	var cached T
	if c.Get(ctx, key, &cached) {
		return cached, nil
	}

	value, err := factory(ctx)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("cache factory for %q: %w", key, err)
	}

	c.Set(ctx, key, value, opts...)
	return value, nil
}

// Incr atomically increments a raw counter key.
func (c *Cache) Incr(ctx context.Context, key string) (int64, error) {
	return c.IncrBy(ctx, key, 1)
}

// Decr atomically decrements a raw counter key.
func (c *Cache) Decr(ctx context.Context, key string) (int64, error) {
	return c.IncrBy(ctx, key, -1)
}

// IncrBy adjusts a counter. Unit steps use the backend's atomic command;
// other amounts fall back to read-modify-write through the envelope, which
// can lose updates under concurrent callers.
func (c *Cache) IncrBy(ctx context.Context, key string, amount int64) (int64, error) {
	switch amount {
	case 1:
		return c.cmd.Incr(ctx, key)
	case -1:
		return c.cmd.Decr(ctx, key)
	}

	var current int64
	c.Get(ctx, key, &current)
	current += amount
	if !c.Set(ctx, key, current) {
		return 0, fmt.Errorf("cache incrby write for %q failed", key)
	}
	return current, nil
}

// MGet fetches multiple keys in parallel. The result is aligned with keys;
// missing or failed entries are nil. There is no multi-key atomicity.
func MGet[T any](ctx context.Context, c *Cache, keys []string) []*T {
	results := make([]*T, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	for i, key := range keys {
		g.Go(func() error {
			var v T
			if c.Get(gctx, key, &v) {
				results[i] = &v
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// MSet stores multiple entries in parallel and returns how many succeeded.
func (c *Cache) MSet(ctx context.Context, entries map[string]any, opts ...SetOption) int {
	var ok atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	for key, value := range entries {
		g.Go(func() error {
			if c.Set(gctx, key, value, opts...) {
				ok.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(ok.Load())
}

// InvalidateByTags deletes every key carrying any of the given tags, then the
// tag sets themselves. It returns the total number of keys removed. Tags with
// no members are skipped silently.
func (c *Cache) InvalidateByTags(ctx context.Context, tags ...string) int64 {
	var removed int64
	for _, tag := range tags {
		tagKey := config.TagKey(tag)

		members, err := c.cmd.SMembers(ctx, tagKey)
		if err != nil {
			c.errs.Add(1)
			c.logger.Warn("tag invalidation read failed", "tag", tag, "error", err)
			continue
		}
		if len(members) == 0 {
			continue
		}

		n, err := c.cmd.Del(ctx, members...)
		if err != nil {
			c.errs.Add(1)
			c.logger.Warn("tag invalidation delete failed", "tag", tag, "error", err)
			continue
		}
		removed += n

		if _, err := c.cmd.Del(ctx, tagKey); err != nil {
			c.logger.Warn("tag set cleanup failed", "tag", tag, "error", err)
		}
	}

	c.deletes.Add(removed)
	DefaultMetrics.RecordCacheDeletes(c.name, removed)
	if removed > 0 {
		c.logger.Info("cache invalidated by tags", "tags", tags, "removed", removed)
	}
	return removed
}

// InvalidateByPattern deletes all keys matching a glob pattern. Pattern scans
// are expensive on large keyspaces; intended for administrative use.
func (c *Cache) InvalidateByPattern(ctx context.Context, pattern string) int64 {
	keys, err := c.cmd.Keys(ctx, pattern)
	if err != nil {
		c.errs.Add(1)
		c.logger.Warn("pattern invalidation scan failed", "pattern", pattern, "error", err)
		return 0
	}
	if len(keys) == 0 {
		return 0
	}

	n, err := c.cmd.Del(ctx, keys...)
	if err != nil {
		c.errs.Add(1)
		c.logger.Warn("pattern invalidation delete failed", "pattern", pattern, "error", err)
		return 0
	}

	c.deletes.Add(n)
	DefaultMetrics.RecordCacheDeletes(c.name, n)
	c.logger.Info("cache invalidated by pattern", "pattern", pattern, "removed", n)
	return n
}

// Clear flushes the entire backend database and resets statistics. The flush
// is not scoped to this service's namespace.
func (c *Cache) Clear(ctx context.Context) error {
	if err := c.cmd.FlushAll(ctx); err != nil {
		return fmt.Errorf("cache clear: %w", err)
	}
	c.ResetStats()
	c.logger.Info("cache cleared")
	return nil
}

// WarmEntry is one precomputable cache entry for Warm.
type WarmEntry struct {
	Key     string
	Factory func(context.Context) (any, error)
	Options []SetOption
}

// Warm computes and stores entries in parallel. Individual failures are
// logged and excluded from the returned success count; the batch never
// aborts.
func (c *Cache) Warm(ctx context.Context, entries []WarmEntry) int {
	var ok atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	for _, entry := range entries {
		g.Go(func() error {
			value, err := entry.Factory(gctx)
			if err != nil {
				c.logger.Warn("cache warm factory failed", "key", entry.Key, "error", err)
				return nil
			}
			if c.Set(gctx, entry.Key, value, entry.Options...) {
				ok.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	c.logger.Info("cache warmed", "requested", len(entries), "stored", ok.Load())
	return int(ok.Load())
}

// GetStats returns a snapshot of the activity counters.
func (c *Cache) GetStats() Stats {
	hits := c.hits.Load()
	misses := c.misses.Load()
	s := Stats{
		Hits:    hits,
		Misses:  misses,
		Sets:    c.sets.Load(),
		Deletes: c.deletes.Load(),
		Errors:  c.errs.Load(),
	}
	if total := hits + misses; total > 0 {
		s.HitRate = float64(hits) / float64(total)
	}
	return s
}

// ResetStats zeroes the in-process counters.
func (c *Cache) ResetStats() {
	c.hits.Store(0)
	c.misses.Store(0)
	c.sets.Store(0)
	c.deletes.Store(0)
	c.errs.Store(0)
}

// FlushStats persists the current counters to the backend stats hash.
func (c *Cache) FlushStats(ctx context.Context) error {
	s := c.GetStats()
	fields := map[string]string{
		"hits":    strconv.FormatInt(s.Hits, 10),
		"misses":  strconv.FormatInt(s.Misses, 10),
		"sets":    strconv.FormatInt(s.Sets, 10),
		"deletes": strconv.FormatInt(s.Deletes, 10),
		"errors":  strconv.FormatInt(s.Errors, 10),
	}
	if err := c.cmd.HSet(ctx, statsKey, fields); err != nil {
		return fmt.Errorf("cache stats flush: %w", err)
	}
	return nil
}

// loadStats seeds counters from a previous run. Best effort.
func (c *Cache) loadStats(ctx context.Context) {
	fields, err := c.cmd.HGetAll(ctx, statsKey)
	if err != nil || len(fields) == 0 {
		return
	}
	load := func(field string, counter *atomic.Int64) {
		if v, err := strconv.ParseInt(fields[field], 10, 64); err == nil {
			counter.Store(v)
		}
	}
	load("hits", &c.hits)
	load("misses", &c.misses)
	load("sets", &c.sets)
	load("deletes", &c.deletes)
	load("errors", &c.errs)
}

func (c *Cache) recordHit(ctx context.Context) {
	c.hits.Add(1)
	DefaultMetrics.RecordCacheHit(c.name)
	c.maybeFlushStats(ctx)
}

func (c *Cache) recordMiss(ctx context.Context) {
	c.misses.Add(1)
	DefaultMetrics.RecordCacheMiss(c.name)
	c.maybeFlushStats(ctx)
}

// maybeFlushStats persists counters on every Nth lookup, synchronously from
// within the triggering call.
func (c *Cache) maybeFlushStats(ctx context.Context) {
	total := c.hits.Load() + c.misses.Load()
	if total%statsFlushEvery != 0 {
		return
	}
	if err := c.FlushStats(ctx); err != nil {
		c.logger.Debug("periodic stats flush failed", "error", err)
	}
}

func compress(value string) string {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write([]byte(value)); err != nil {
		return value
	}
	if err := w.Close(); err != nil {
		return value
	}
	return compressedPrefix + base64.StdEncoding.EncodeToString(buf.Bytes())
}

func maybeDecompress(value string) (string, error) {
	if !strings.HasPrefix(value, compressedPrefix) {
		return value, nil
	}
	packed, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, compressedPrefix))
	if err != nil {
		return "", fmt.Errorf("decode compressed value: %w", err)
	}
	r, err := gzip.NewReader(bytes.NewReader(packed))
	if err != nil {
		return "", fmt.Errorf("open compressed value: %w", err)
	}
	defer r.Close()
	plain, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read compressed value: %w", err)
	}
	return string(plain), nil
}
