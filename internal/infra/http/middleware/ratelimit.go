// Package middleware provides HTTP middleware for the operational server and
// for applications embedding the storage layer.
package middleware

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	redisinfra "github.com/marketprimer/cachelayer/internal/infra/redis"
	"github.com/marketprimer/cachelayer/pkg/apierror"
	"github.com/marketprimer/cachelayer/pkg/logger"
)

// LocalGuard is a per-IP in-process limiter that shields the distributed
// limiter from floods: a client hammering one instance is cut off before
// every request turns into backend round trips.
type LocalGuard struct {
	visitors map[string]*visitor
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
	log      *logger.Logger
	done     chan struct{}
	stopOnce sync.Once
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLocalGuard creates a guard allowing perSecond requests with the given
// burst per client IP. A janitor goroutine drops idle visitors.
func NewLocalGuard(perSecond float64, burst int, log *logger.Logger) *LocalGuard {
	g := &LocalGuard{
		visitors: make(map[string]*visitor),
		rate:     rate.Limit(perSecond),
		burst:    burst,
		log:      log,
		done:     make(chan struct{}),
	}
	go g.cleanupVisitors()
	return g
}

// Stop halts the janitor goroutine. Safe to call multiple times.
func (g *LocalGuard) Stop() {
	g.stopOnce.Do(func() { close(g.done) })
}

func (g *LocalGuard) allow(ip string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	v, ok := g.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(g.rate, g.burst)}
		g.visitors[ip] = v
	}
	v.lastSeen = time.Now()
	return v.limiter.Allow()
}

func (g *LocalGuard) cleanupVisitors() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-g.done:
			return
		case <-ticker.C:
			g.mu.Lock()
			for ip, v := range g.visitors {
				if time.Since(v.lastSeen) > 3*time.Minute {
					delete(g.visitors, ip)
				}
			}
			g.mu.Unlock()
		}
	}
}

// RateLimit combines the local guard with the distributed strategy chain.
// The local guard answers without touching the backend; the distributed
// limiter then applies the registered policies. Either can reject.
func RateLimit(guard *LocalGuard, limiter *redisinfra.RateLimiter, log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := ClientIP(r)

			if guard != nil && !guard.allow(ip) {
				log.Warn("local rate guard rejected request", "ip", ip, "path", r.URL.Path)
				writeRateLimited(w, redisinfra.Result{Reset: time.Now().Add(time.Second)})
				return
			}

			if limiter != nil {
				results := limiter.CheckStrategies(r.Context(), redisinfra.RequestInfo{
					IP:     ip,
					UserID: r.Header.Get("X-User-ID"),
					Path:   r.URL.Path,
					Method: r.Method,
				})
				if len(results) > 0 {
					last := results[len(results)-1]
					setRateHeaders(w, last)
					if !last.Success {
						writeRateLimited(w, last)
						return
					}
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}

func setRateHeaders(w http.ResponseWriter, res redisinfra.Result) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	if !res.Reset.IsZero() {
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.Reset.Unix(), 10))
	}
}

func writeRateLimited(w http.ResponseWriter, res redisinfra.Result) {
	retryAfter := int(res.RetryAfter.Seconds())
	if retryAfter < 1 {
		retryAfter = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	apierror.RateLimitExceeded("").WithDetails(map[string]any{
		"policy":      res.Policy,
		"retry_after": retryAfter,
	}).WriteJSON(w)
}

// ClientIP extracts the client address, honoring X-Forwarded-For and
// X-Real-IP in that order.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	if rip := r.Header.Get("X-Real-IP"); rip != "" {
		return rip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
