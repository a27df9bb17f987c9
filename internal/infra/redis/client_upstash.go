package redis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/marketprimer/cachelayer/internal/config"
	"github.com/marketprimer/cachelayer/pkg/logger"
)

// upstashCommander is the hosted-REST Commander. Every command is a single
// authenticated HTTP POST carrying the command as a JSON array; there is no
// connection state, which makes the adapter safe for serverless runtimes
// where sockets do not survive between invocations.
type upstashCommander struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *logger.Logger
}

// upstashResponse is the REST envelope: exactly one of result or error is set.
type upstashResponse struct {
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
}

func newUpstashCommander(cfg *config.RedisConfig, log *logger.Logger) (*upstashCommander, error) {
	if cfg == nil {
		return nil, errors.New("redis config is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if cfg.Upstash.RestURL == "" || cfg.Upstash.RestToken == "" {
		return nil, errors.New("upstash rest url and token are required")
	}

	timeout := cfg.CommandTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return &upstashCommander{
		baseURL: cfg.Upstash.RestURL,
		token:   cfg.Upstash.RestToken,
		http:    &http.Client{Timeout: timeout},
		logger:  log,
	}, nil
}

// do executes one command and returns the raw result. A JSON null result maps
// to ErrKeyNotFound so both adapters report missing keys the same way.
func (c *upstashCommander) do(ctx context.Context, cmd ...any) (json.RawMessage, error) {
	body, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("upstash marshal command: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("upstash build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstash request: %w", err)
	}
	defer resp.Body.Close()

	var parsed upstashResponse
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&parsed); err != nil {
		return nil, fmt.Errorf("upstash decode response: %w", err)
	}

	if parsed.Error != "" {
		return nil, fmt.Errorf("upstash command failed: %s", parsed.Error)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("upstash unexpected status %d", resp.StatusCode)
	}
	if isJSONNull(parsed.Result) {
		return nil, ErrKeyNotFound
	}
	return parsed.Result, nil
}

func isJSONNull(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}

func asString(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("upstash parse string: %w", err)
	}
	return s, nil
}

func asInt64(raw json.RawMessage) (int64, error) {
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, fmt.Errorf("upstash parse integer: %w", err)
	}
	return n.Int64()
}

func asFloat(raw json.RawMessage) (float64, error) {
	// Scores come back as strings over REST.
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strconv.ParseFloat(s, 64)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, fmt.Errorf("upstash parse float: %w", err)
	}
	return n.Float64()
}

func asStringSlice(raw json.RawMessage) ([]string, error) {
	var vals []string
	if err := json.Unmarshal(raw, &vals); err != nil {
		return nil, fmt.Errorf("upstash parse array: %w", err)
	}
	return vals, nil
}

// asScored parses a WITHSCORES reply, which is a flat [member, score, ...]
// array over REST.
func asScored(raw json.RawMessage) ([]ScoredMember, error) {
	flat, err := asStringSlice(raw)
	if err != nil {
		return nil, err
	}
	if len(flat)%2 != 0 {
		return nil, fmt.Errorf("upstash parse withscores: odd reply length %d", len(flat))
	}
	members := make([]ScoredMember, 0, len(flat)/2)
	for i := 0; i < len(flat); i += 2 {
		score, err := strconv.ParseFloat(flat[i+1], 64)
		if err != nil {
			return nil, fmt.Errorf("upstash parse score %q: %w", flat[i+1], err)
		}
		members = append(members, ScoredMember{Member: flat[i], Score: score})
	}
	return members, nil
}

func (c *upstashCommander) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

func (c *upstashCommander) Ping(ctx context.Context) error {
	_, err := c.do(ctx, "PING")
	return err
}

func (c *upstashCommander) Get(ctx context.Context, key string) (string, error) {
	raw, err := c.do(ctx, "GET", key)
	if err != nil {
		return "", err
	}
	return asString(raw)
}

func (c *upstashCommander) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	var err error
	if ttl > 0 {
		_, err = c.do(ctx, "SET", key, value, "PX", ttl.Milliseconds())
	} else {
		_, err = c.do(ctx, "SET", key, value)
	}
	return err
}

func (c *upstashCommander) Del(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	cmd := make([]any, 0, len(keys)+1)
	cmd = append(cmd, "DEL")
	for _, k := range keys {
		cmd = append(cmd, k)
	}
	raw, err := c.do(ctx, cmd...)
	if err != nil {
		return 0, err
	}
	return asInt64(raw)
}

func (c *upstashCommander) Exists(ctx context.Context, key string) (bool, error) {
	raw, err := c.do(ctx, "EXISTS", key)
	if err != nil {
		return false, err
	}
	n, err := asInt64(raw)
	return n > 0, err
}

func (c *upstashCommander) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	raw, err := c.do(ctx, "PEXPIRE", key, ttl.Milliseconds())
	if err != nil {
		return false, err
	}
	n, err := asInt64(raw)
	return n == 1, err
}

func (c *upstashCommander) TTL(ctx context.Context, key string) (time.Duration, error) {
	raw, err := c.do(ctx, "PTTL", key)
	if err != nil {
		return 0, err
	}
	ms, err := asInt64(raw)
	if err != nil {
		return 0, err
	}
	switch ms {
	case -1:
		return TTLNoExpiry, nil
	case -2:
		return TTLKeyMissing, nil
	default:
		return time.Duration(ms) * time.Millisecond, nil
	}
}

func (c *upstashCommander) Incr(ctx context.Context, key string) (int64, error) {
	raw, err := c.do(ctx, "INCR", key)
	if err != nil {
		return 0, err
	}
	return asInt64(raw)
}

func (c *upstashCommander) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	raw, err := c.do(ctx, "INCRBY", key, delta)
	if err != nil {
		return 0, err
	}
	return asInt64(raw)
}

func (c *upstashCommander) Decr(ctx context.Context, key string) (int64, error) {
	raw, err := c.do(ctx, "DECR", key)
	if err != nil {
		return 0, err
	}
	return asInt64(raw)
}

func (c *upstashCommander) DecrBy(ctx context.Context, key string, delta int64) (int64, error) {
	raw, err := c.do(ctx, "DECRBY", key, delta)
	if err != nil {
		return 0, err
	}
	return asInt64(raw)
}

func (c *upstashCommander) HGet(ctx context.Context, key, field string) (string, error) {
	raw, err := c.do(ctx, "HGET", key, field)
	if err != nil {
		return "", err
	}
	return asString(raw)
}

func (c *upstashCommander) HSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	cmd := make([]any, 0, len(fields)*2+2)
	cmd = append(cmd, "HSET", key)
	for f, v := range fields {
		cmd = append(cmd, f, v)
	}
	_, err := c.do(ctx, cmd...)
	return err
}

func (c *upstashCommander) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	raw, err := c.do(ctx, "HGETALL", key)
	if errors.Is(err, ErrKeyNotFound) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, err
	}
	flat, err := asStringSlice(raw)
	if err != nil {
		return nil, err
	}
	if len(flat)%2 != 0 {
		return nil, fmt.Errorf("upstash parse hgetall: odd reply length %d", len(flat))
	}
	m := make(map[string]string, len(flat)/2)
	for i := 0; i < len(flat); i += 2 {
		m[flat[i]] = flat[i+1]
	}
	return m, nil
}

func (c *upstashCommander) HDel(ctx context.Context, key string, fields ...string) (int64, error) {
	cmd := make([]any, 0, len(fields)+2)
	cmd = append(cmd, "HDEL", key)
	for _, f := range fields {
		cmd = append(cmd, f)
	}
	raw, err := c.do(ctx, cmd...)
	if err != nil {
		return 0, err
	}
	return asInt64(raw)
}

func (c *upstashCommander) LPush(ctx context.Context, key string, values ...string) (int64, error) {
	return c.pushCmd(ctx, "LPUSH", key, values)
}

func (c *upstashCommander) RPush(ctx context.Context, key string, values ...string) (int64, error) {
	return c.pushCmd(ctx, "RPUSH", key, values)
}

func (c *upstashCommander) pushCmd(ctx context.Context, name, key string, values []string) (int64, error) {
	cmd := make([]any, 0, len(values)+2)
	cmd = append(cmd, name, key)
	for _, v := range values {
		cmd = append(cmd, v)
	}
	raw, err := c.do(ctx, cmd...)
	if err != nil {
		return 0, err
	}
	return asInt64(raw)
}

func (c *upstashCommander) LPop(ctx context.Context, key string) (string, error) {
	raw, err := c.do(ctx, "LPOP", key)
	if err != nil {
		return "", err
	}
	return asString(raw)
}

func (c *upstashCommander) RPop(ctx context.Context, key string) (string, error) {
	raw, err := c.do(ctx, "RPOP", key)
	if err != nil {
		return "", err
	}
	return asString(raw)
}

func (c *upstashCommander) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	raw, err := c.do(ctx, "LRANGE", key, start, stop)
	if err != nil {
		return nil, err
	}
	return asStringSlice(raw)
}

func (c *upstashCommander) LLen(ctx context.Context, key string) (int64, error) {
	raw, err := c.do(ctx, "LLEN", key)
	if err != nil {
		return 0, err
	}
	return asInt64(raw)
}

func (c *upstashCommander) SAdd(ctx context.Context, key string, members ...string) (int64, error) {
	return c.memberCmd(ctx, "SADD", key, members)
}

func (c *upstashCommander) SRem(ctx context.Context, key string, members ...string) (int64, error) {
	return c.memberCmd(ctx, "SREM", key, members)
}

func (c *upstashCommander) memberCmd(ctx context.Context, name, key string, members []string) (int64, error) {
	cmd := make([]any, 0, len(members)+2)
	cmd = append(cmd, name, key)
	for _, m := range members {
		cmd = append(cmd, m)
	}
	raw, err := c.do(ctx, cmd...)
	if err != nil {
		return 0, err
	}
	return asInt64(raw)
}

func (c *upstashCommander) SMembers(ctx context.Context, key string) ([]string, error) {
	raw, err := c.do(ctx, "SMEMBERS", key)
	if errors.Is(err, ErrKeyNotFound) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}
	return asStringSlice(raw)
}

func (c *upstashCommander) SIsMember(ctx context.Context, key, member string) (bool, error) {
	raw, err := c.do(ctx, "SISMEMBER", key, member)
	if err != nil {
		return false, err
	}
	n, err := asInt64(raw)
	return n == 1, err
}

func (c *upstashCommander) SCard(ctx context.Context, key string) (int64, error) {
	raw, err := c.do(ctx, "SCARD", key)
	if err != nil {
		return 0, err
	}
	return asInt64(raw)
}

func (c *upstashCommander) ZAdd(ctx context.Context, key string, score float64, member string) error {
	_, err := c.do(ctx, "ZADD", key, score, member)
	return err
}

func (c *upstashCommander) ZRem(ctx context.Context, key string, members ...string) (int64, error) {
	return c.memberCmd(ctx, "ZREM", key, members)
}

func (c *upstashCommander) ZRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	raw, err := c.do(ctx, "ZRANGE", key, start, stop)
	if err != nil {
		return nil, err
	}
	return asStringSlice(raw)
}

func (c *upstashCommander) ZRevRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	raw, err := c.do(ctx, "ZREVRANGE", key, start, stop)
	if err != nil {
		return nil, err
	}
	return asStringSlice(raw)
}

func (c *upstashCommander) ZRangeWithScores(ctx context.Context, key string, start, stop int64) ([]ScoredMember, error) {
	raw, err := c.do(ctx, "ZRANGE", key, start, stop, "WITHSCORES")
	if err != nil {
		return nil, err
	}
	return asScored(raw)
}

func (c *upstashCommander) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	raw, err := c.do(ctx, "ZRANGEBYSCORE", key, formatScore(min), formatScore(max))
	if err != nil {
		return nil, err
	}
	return asStringSlice(raw)
}

func (c *upstashCommander) ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error) {
	raw, err := c.do(ctx, "ZREMRANGEBYSCORE", key, formatScore(min), formatScore(max))
	if err != nil {
		return 0, err
	}
	return asInt64(raw)
}

func (c *upstashCommander) ZRank(ctx context.Context, key, member string) (int64, error) {
	raw, err := c.do(ctx, "ZRANK", key, member)
	if err != nil {
		return 0, err
	}
	return asInt64(raw)
}

func (c *upstashCommander) ZScore(ctx context.Context, key, member string) (float64, error) {
	raw, err := c.do(ctx, "ZSCORE", key, member)
	if err != nil {
		return 0, err
	}
	return asFloat(raw)
}

func (c *upstashCommander) ZCard(ctx context.Context, key string) (int64, error) {
	raw, err := c.do(ctx, "ZCARD", key)
	if err != nil {
		return 0, err
	}
	return asInt64(raw)
}

func (c *upstashCommander) FlushAll(ctx context.Context) error {
	_, err := c.do(ctx, "FLUSHALL")
	return err
}

func (c *upstashCommander) Keys(ctx context.Context, pattern string) ([]string, error) {
	var allKeys []string
	cursor := "0"

	for {
		raw, err := c.do(ctx, "SCAN", cursor, "MATCH", pattern, "COUNT", 100)
		if err != nil {
			return nil, err
		}
		// SCAN returns [cursor, [keys...]].
		var page []json.RawMessage
		if err := json.Unmarshal(raw, &page); err != nil {
			return nil, fmt.Errorf("upstash parse scan: %w", err)
		}
		if len(page) != 2 {
			return nil, fmt.Errorf("upstash parse scan: reply length %d", len(page))
		}
		next, err := asString(page[0])
		if err != nil {
			return nil, err
		}
		keys, err := asStringSlice(page[1])
		if err != nil {
			return nil, err
		}
		allKeys = append(allKeys, keys...)
		if next == "0" {
			break
		}
		cursor = next
	}

	return allKeys, nil
}
