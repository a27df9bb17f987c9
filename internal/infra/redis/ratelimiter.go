package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/marketprimer/cachelayer/internal/config"
	"github.com/marketprimer/cachelayer/pkg/logger"
)

// Algorithm selects the counting model for a policy.
type Algorithm string

const (
	// AlgorithmFixedWindow resets a counter at fixed wall-clock boundaries.
	AlgorithmFixedWindow Algorithm = "fixed_window"
	// AlgorithmSlidingWindow weights the previous and current window counts
	// to approximate a continuously sliding count.
	AlgorithmSlidingWindow Algorithm = "sliding_window"
	// AlgorithmTokenBucket refills a bucket of Tokens capacity at RefillRate
	// per Window, debiting one token per request.
	AlgorithmTokenBucket Algorithm = "token_bucket"
)

// ReasonLimiterError marks a result that was allowed because the backend
// failed, not because the budget had room.
const ReasonLimiterError = "rate_limiter_error"

// Policy is an immutable named rate-limit budget. Registering the same name
// again overwrites the previous policy.
type Policy struct {
	Name      string
	Algorithm Algorithm
	Tokens    int
	Window    time.Duration

	// RefillRate is tokens added per Window; token-bucket only.
	RefillRate float64

	KeyPrefix string
	Analytics bool
}

// Result is the outcome of a limit check.
type Result struct {
	Success    bool          `json:"success"`
	Limit      int           `json:"limit"`
	Remaining  int           `json:"remaining"`
	Reset      time.Time     `json:"reset"`
	Policy     string        `json:"policy,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// RequestInfo carries the inbound-request attributes strategies match on.
type RequestInfo struct {
	IP     string
	UserID string
	Path   string
	Method string
}

// Strategy binds a policy to an identifier extraction function and an
// optional applicability predicate. Strategies run in registration order and
// short-circuit on the first failed check.
type Strategy struct {
	Name       string
	PolicyName string
	Identify   func(RequestInfo) string
	Applies    func(RequestInfo) bool
}

// RateLimiter enforces named policies against a Commander. All algorithms run
// through plain commands so both providers behave identically; the trade-off
// is that checks are not atomic read-modify-write groups, which slightly
// over-admits under heavy concurrency.
//
// On any backend failure the limiter fails open: traffic is admitted with
// Reason set to ReasonLimiterError rather than blocked by an outage.
type RateLimiter struct {
	cmd     Commander
	logger  *logger.Logger
	prefix  string
	enabled bool

	mu         sync.RWMutex
	policies   map[string]Policy
	strategies []Strategy

	// blocked is an in-process cache of identifiers known to be over budget,
	// used to skip backend round trips until their window resets.
	blockedMu sync.Mutex
	blocked   map[string]time.Time
}

// NewRateLimiter creates a limiter with the five built-in policies and the
// default strategy chain registered.
func NewRateLimiter(cmd Commander, cfg *config.RateLimitConfig, log *logger.Logger) (*RateLimiter, error) {
	if cmd == nil {
		return nil, errors.New("redis commander is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}

	prefix := "ratelimit:"
	enabled := true
	if cfg != nil {
		if cfg.Prefix != "" {
			prefix = cfg.Prefix
		}
		enabled = cfg.Enabled
	}

	rl := &RateLimiter{
		cmd:      cmd,
		logger:   log,
		prefix:   prefix,
		enabled:  enabled,
		policies: make(map[string]Policy),
		blocked:  make(map[string]time.Time),
	}

	rl.registerBuiltinPolicies()
	rl.registerDefaultStrategies()

	if cfg != nil && cfg.PolicyFile != "" {
		extra, err := LoadPolicyFile(cfg.PolicyFile)
		if err != nil {
			return nil, fmt.Errorf("load policy file: %w", err)
		}
		for _, p := range extra {
			rl.RegisterPolicy(p)
		}
		log.Info("loaded rate limit policies from file", "path", cfg.PolicyFile, "count", len(extra))
	}

	return rl, nil
}

func (rl *RateLimiter) registerBuiltinPolicies() {
	builtins := []Policy{
		{Name: "global", Algorithm: AlgorithmSlidingWindow, Tokens: 1000, Window: time.Minute, Analytics: true},
		{Name: "api", Algorithm: AlgorithmSlidingWindow, Tokens: 100, Window: time.Minute, Analytics: true},
		{Name: "auth", Algorithm: AlgorithmFixedWindow, Tokens: 5, Window: 15 * time.Minute, Analytics: true},
		{Name: "upload", Algorithm: AlgorithmTokenBucket, Tokens: 20, Window: time.Hour, RefillRate: 10},
		{Name: "search", Algorithm: AlgorithmSlidingWindow, Tokens: 30, Window: time.Minute},
	}
	for _, p := range builtins {
		rl.RegisterPolicy(p)
	}
}

func (rl *RateLimiter) registerDefaultStrategies() {
	rl.RegisterStrategy(Strategy{
		Name:       "auth-by-ip",
		PolicyName: "auth",
		Identify:   func(r RequestInfo) string { return "ip:" + r.IP },
		Applies: func(r RequestInfo) bool {
			return strings.HasPrefix(r.Path, "/auth") || strings.HasPrefix(r.Path, "/login")
		},
	})
	rl.RegisterStrategy(Strategy{
		Name:       "upload-by-user",
		PolicyName: "upload",
		Identify: func(r RequestInfo) string {
			if r.UserID != "" {
				return "user:" + r.UserID
			}
			return "ip:" + r.IP
		},
		Applies: func(r RequestInfo) bool {
			return r.Method == "POST" && strings.HasPrefix(r.Path, "/upload")
		},
	})
	rl.RegisterStrategy(Strategy{
		Name:       "search-by-ip",
		PolicyName: "search",
		Identify:   func(r RequestInfo) string { return "ip:" + r.IP },
		Applies:    func(r RequestInfo) bool { return strings.HasPrefix(r.Path, "/search") },
	})
	rl.RegisterStrategy(Strategy{
		Name:       "api-by-user",
		PolicyName: "api",
		Identify: func(r RequestInfo) string {
			if r.UserID != "" {
				return "user:" + r.UserID
			}
			return "ip:" + r.IP
		},
		Applies: func(r RequestInfo) bool { return strings.HasPrefix(r.Path, "/api") },
	})
	rl.RegisterStrategy(Strategy{
		Name:       "global-by-ip",
		PolicyName: "global",
		Identify:   func(r RequestInfo) string { return "ip:" + r.IP },
	})
}

// RegisterPolicy adds or replaces a named policy.
func (rl *RateLimiter) RegisterPolicy(p Policy) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.policies[p.Name] = p
}

// RegisterStrategy appends a strategy to the evaluation chain. If no policy
// exists under the strategy's policy name, a sliding-window policy with the
// strategy's name is created so registration is always usable immediately.
func (rl *RateLimiter) RegisterStrategy(s Strategy) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if _, ok := rl.policies[s.PolicyName]; !ok {
		rl.policies[s.PolicyName] = Policy{
			Name:      s.PolicyName,
			Algorithm: AlgorithmSlidingWindow,
			Tokens:    100,
			Window:    time.Minute,
		}
	}
	rl.strategies = append(rl.strategies, s)
}

// Policy returns the registered policy by name.
func (rl *RateLimiter) Policy(name string) (Policy, bool) {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	p, ok := rl.policies[name]
	return p, ok
}

func (rl *RateLimiter) limitKey(policy Policy, identifier string) string {
	prefix := policy.KeyPrefix
	if prefix == "" {
		prefix = rl.prefix
	}
	return prefix + policy.Name + ":" + identifier
}

// CheckLimit consumes one request from the policy's budget for identifier.
// Unknown policies and backend failures both fail open with a diagnostic
// reason so an outage never blocks traffic.
func (rl *RateLimiter) CheckLimit(ctx context.Context, policyName, identifier string) Result {
	if !rl.enabled {
		return Result{Success: true, Policy: policyName, Reason: "rate_limiting_disabled"}
	}

	policy, ok := rl.Policy(policyName)
	if !ok {
		rl.logger.Warn("rate limit check against unknown policy", "policy", policyName)
		return Result{Success: true, Policy: policyName, Reason: "unknown_policy"}
	}

	key := rl.limitKey(policy, identifier)
	now := time.Now()

	if until, blocked := rl.blockedUntil(key, now); blocked {
		res := Result{
			Success:    false,
			Limit:      policy.Tokens,
			Remaining:  0,
			Reset:      until,
			Policy:     policyName,
			RetryAfter: until.Sub(now),
		}
		DefaultMetrics.RecordRateLimitResult(policyName, false)
		return res
	}

	var (
		res Result
		err error
	)
	switch policy.Algorithm {
	case AlgorithmFixedWindow:
		res, err = rl.checkFixedWindow(ctx, policy, key, now)
	case AlgorithmSlidingWindow:
		res, err = rl.checkSlidingWindow(ctx, policy, key, now)
	case AlgorithmTokenBucket:
		res, err = rl.checkTokenBucket(ctx, policy, key, now)
	default:
		err = fmt.Errorf("unknown algorithm %q", policy.Algorithm)
	}
	if err != nil {
		rl.logger.Warn("rate limit check failed, failing open",
			"policy", policyName,
			"identifier", identifier,
			"error", err,
		)
		return Result{Success: true, Limit: policy.Tokens, Policy: policyName, Reason: ReasonLimiterError}
	}

	res.Policy = policyName
	res.Limit = policy.Tokens
	if !res.Success {
		res.RetryAfter = time.Until(res.Reset)
		if res.RetryAfter < 0 {
			res.RetryAfter = 0
		}
		rl.block(key, res.Reset)
	}

	DefaultMetrics.RecordRateLimitResult(policyName, res.Success)
	if policy.Analytics && !res.Success {
		rl.logger.Info("rate limit exceeded",
			"policy", policyName,
			"identifier", identifier,
			"reset", res.Reset,
		)
	}
	return res
}

// checkFixedWindow counts requests in the wall-clock window containing now.
func (rl *RateLimiter) checkFixedWindow(ctx context.Context, policy Policy, key string, now time.Time) (Result, error) {
	windowStart := now.Truncate(policy.Window)
	windowKey := key + ":" + strconv.FormatInt(windowStart.Unix(), 10)

	count, err := rl.cmd.Incr(ctx, windowKey)
	if err != nil {
		return Result{}, err
	}
	if count == 1 {
		if _, err := rl.cmd.Expire(ctx, windowKey, policy.Window); err != nil {
			return Result{}, err
		}
	}

	remaining := policy.Tokens - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Success:   count <= int64(policy.Tokens),
		Remaining: remaining,
		Reset:     windowStart.Add(policy.Window),
	}, nil
}

// checkSlidingWindow weights the previous window's count by how much of it
// still overlaps the sliding window ending now.
func (rl *RateLimiter) checkSlidingWindow(ctx context.Context, policy Policy, key string, now time.Time) (Result, error) {
	windowStart := now.Truncate(policy.Window)
	prevStart := windowStart.Add(-policy.Window)
	curKey := key + ":" + strconv.FormatInt(windowStart.Unix(), 10)
	prevKey := key + ":" + strconv.FormatInt(prevStart.Unix(), 10)

	cur, err := rl.cmd.Incr(ctx, curKey)
	if err != nil {
		return Result{}, err
	}
	if cur == 1 {
		// Kept for two windows so it can serve as the previous count.
		if _, err := rl.cmd.Expire(ctx, curKey, 2*policy.Window); err != nil {
			return Result{}, err
		}
	}

	var prev int64
	prevRaw, err := rl.cmd.Get(ctx, prevKey)
	if err != nil && !errors.Is(err, ErrKeyNotFound) {
		return Result{}, err
	}
	if err == nil {
		prev, _ = strconv.ParseInt(prevRaw, 10, 64)
	}

	elapsed := now.Sub(windowStart)
	prevWeight := 1 - float64(elapsed)/float64(policy.Window)
	weighted := float64(prev)*prevWeight + float64(cur)

	remaining := policy.Tokens - int(weighted)
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Success:   weighted <= float64(policy.Tokens),
		Remaining: remaining,
		Reset:     windowStart.Add(policy.Window),
	}, nil
}

// checkTokenBucket refills the bucket for elapsed time and debits one token.
// The read-modify-write is not atomic; concurrent callers may slightly
// over-admit.
func (rl *RateLimiter) checkTokenBucket(ctx context.Context, policy Policy, key string, now time.Time) (Result, error) {
	fields, err := rl.cmd.HGetAll(ctx, key)
	if err != nil {
		return Result{}, err
	}

	tokens := float64(policy.Tokens)
	updated := now
	if raw, ok := fields["tokens"]; ok {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			tokens = v
		}
		if ms, err := strconv.ParseInt(fields["updated_ms"], 10, 64); err == nil {
			updated = time.UnixMilli(ms)
		}
	}

	refillPerSec := policy.RefillRate / policy.Window.Seconds()
	tokens += now.Sub(updated).Seconds() * refillPerSec
	if tokens > float64(policy.Tokens) {
		tokens = float64(policy.Tokens)
	}

	success := tokens >= 1
	if success {
		tokens--
	}

	if err := rl.cmd.HSet(ctx, key, map[string]string{
		"tokens":     strconv.FormatFloat(tokens, 'f', 6, 64),
		"updated_ms": strconv.FormatInt(now.UnixMilli(), 10),
	}); err != nil {
		return Result{}, err
	}
	// Drop idle buckets once a full refill cycle has certainly passed.
	if _, err := rl.cmd.Expire(ctx, key, 2*policy.Window); err != nil {
		return Result{}, err
	}

	var reset time.Time
	if refillPerSec > 0 {
		deficit := 1 - tokens
		if deficit < 0 {
			deficit = 0
		}
		reset = now.Add(time.Duration(deficit / refillPerSec * float64(time.Second)))
	} else {
		reset = now.Add(policy.Window)
	}

	return Result{
		Success:   success,
		Remaining: int(tokens),
		Reset:     reset,
	}, nil
}

// CheckStrategies evaluates the registered strategies in order against the
// request, skipping inapplicable ones, and stops at the first failure. It
// returns every result produced.
func (rl *RateLimiter) CheckStrategies(ctx context.Context, req RequestInfo) []Result {
	rl.mu.RLock()
	strategies := make([]Strategy, len(rl.strategies))
	copy(strategies, rl.strategies)
	rl.mu.RUnlock()

	var results []Result
	for _, s := range strategies {
		if s.Applies != nil && !s.Applies(req) {
			continue
		}
		res := rl.CheckLimit(ctx, s.PolicyName, s.Identify(req))
		results = append(results, res)
		if !res.Success {
			break
		}
	}
	return results
}

// Remaining reports the budget left for identifier without consuming a
// request.
func (rl *RateLimiter) Remaining(ctx context.Context, policyName, identifier string) (int, error) {
	policy, ok := rl.Policy(policyName)
	if !ok {
		return 0, fmt.Errorf("unknown policy %q", policyName)
	}

	key := rl.limitKey(policy, identifier)
	now := time.Now()

	switch policy.Algorithm {
	case AlgorithmTokenBucket:
		fields, err := rl.cmd.HGetAll(ctx, key)
		if err != nil {
			return 0, err
		}
		if len(fields) == 0 {
			return policy.Tokens, nil
		}
		tokens, _ := strconv.ParseFloat(fields["tokens"], 64)
		if ms, err := strconv.ParseInt(fields["updated_ms"], 10, 64); err == nil {
			refillPerSec := policy.RefillRate / policy.Window.Seconds()
			tokens += now.Sub(time.UnixMilli(ms)).Seconds() * refillPerSec
		}
		if tokens > float64(policy.Tokens) {
			tokens = float64(policy.Tokens)
		}
		return int(tokens), nil

	default:
		windowStart := now.Truncate(policy.Window)
		windowKey := key + ":" + strconv.FormatInt(windowStart.Unix(), 10)
		raw, err := rl.cmd.Get(ctx, windowKey)
		if errors.Is(err, ErrKeyNotFound) {
			return policy.Tokens, nil
		}
		if err != nil {
			return 0, err
		}
		count, _ := strconv.ParseInt(raw, 10, 64)
		remaining := policy.Tokens - int(count)
		if remaining < 0 {
			remaining = 0
		}
		return remaining, nil
	}
}

// ResetLimit clears all state for identifier under a policy.
func (rl *RateLimiter) ResetLimit(ctx context.Context, policyName, identifier string) error {
	policy, ok := rl.Policy(policyName)
	if !ok {
		return fmt.Errorf("unknown policy %q", policyName)
	}

	key := rl.limitKey(policy, identifier)
	rl.unblock(key)

	if policy.Algorithm == AlgorithmTokenBucket {
		_, err := rl.cmd.Del(ctx, key)
		return err
	}

	now := time.Now()
	windowStart := now.Truncate(policy.Window)
	prevStart := windowStart.Add(-policy.Window)
	_, err := rl.cmd.Del(ctx,
		key+":"+strconv.FormatInt(windowStart.Unix(), 10),
		key+":"+strconv.FormatInt(prevStart.Unix(), 10),
	)
	return err
}

// BlockUntilReady polls until the policy has budget for identifier or the
// timeout elapses. The sleep between polls starts at one second and doubles
// up to five seconds.
func (rl *RateLimiter) BlockUntilReady(ctx context.Context, policyName, identifier string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	sleep := time.Second

	for {
		remaining, err := rl.Remaining(ctx, policyName, identifier)
		if err != nil {
			return err
		}
		if remaining > 0 {
			return nil
		}
		if time.Now().Add(sleep).After(deadline) {
			return fmt.Errorf("rate limit for %q/%s did not clear within %s", policyName, identifier, timeout)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}

		sleep *= 2
		if sleep > 5*time.Second {
			sleep = 5 * time.Second
		}
	}
}

// CheckIPLimit runs the api policy keyed by client IP.
func (rl *RateLimiter) CheckIPLimit(ctx context.Context, ip string) Result {
	return rl.CheckLimit(ctx, "api", "ip:"+ip)
}

// CheckUserLimit runs the api policy keyed by user id.
func (rl *RateLimiter) CheckUserLimit(ctx context.Context, userID string) Result {
	return rl.CheckLimit(ctx, "api", "user:"+userID)
}

// CheckAuthLimit runs the stricter auth policy keyed by client IP.
func (rl *RateLimiter) CheckAuthLimit(ctx context.Context, ip string) Result {
	return rl.CheckLimit(ctx, "auth", "ip:"+ip)
}

func (rl *RateLimiter) blockedUntil(key string, now time.Time) (time.Time, bool) {
	rl.blockedMu.Lock()
	defer rl.blockedMu.Unlock()
	until, ok := rl.blocked[key]
	if !ok {
		return time.Time{}, false
	}
	if now.After(until) {
		delete(rl.blocked, key)
		return time.Time{}, false
	}
	return until, true
}

func (rl *RateLimiter) block(key string, until time.Time) {
	rl.blockedMu.Lock()
	defer rl.blockedMu.Unlock()
	rl.blocked[key] = until
}

func (rl *RateLimiter) unblock(key string) {
	rl.blockedMu.Lock()
	defer rl.blockedMu.Unlock()
	delete(rl.blocked, key)
}
