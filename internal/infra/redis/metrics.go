package redis

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Redis-layer Prometheus metrics.
type Metrics struct {
	operationDuration *prometheus.HistogramVec
	operationTotal    *prometheus.CounterVec
	operationErrors   *prometheus.CounterVec

	cacheHits    *prometheus.CounterVec
	cacheMisses  *prometheus.CounterVec
	cacheSets    *prometheus.CounterVec
	cacheDeletes *prometheus.CounterVec

	rateLimitAllowed *prometheus.CounterVec
	rateLimitDenied  *prometheus.CounterVec

	sessionsCreated   prometheus.Counter
	sessionsDestroyed prometheus.Counter
	sessionsRefreshed prometheus.Counter
	sessionsEvicted   prometheus.Counter
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics *Metrics

func init() {
	DefaultMetrics = NewMetrics("marketprimer")
}

// NewMetrics creates a new Metrics instance with the given namespace.
func NewMetrics(namespace string) *Metrics {
	m := &Metrics{}
	m.initOperationMetrics(namespace)
	m.initCacheMetrics(namespace)
	m.initRateLimitMetrics(namespace)
	m.initSessionMetrics(namespace)
	return m
}

func (m *Metrics) initOperationMetrics(namespace string) {
	m.operationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "redis",
			Name:      "operation_duration_seconds",
			Help:      "Duration of Redis operations in seconds",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"operation"},
	)
	m.operationTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "redis",
			Name:      "operations_total",
			Help:      "Total number of Redis operations",
		},
		[]string{"operation"},
	)
	m.operationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "redis",
			Name:      "operation_errors_total",
			Help:      "Total number of Redis operation errors",
		},
		[]string{"operation"},
	)
}

func (m *Metrics) initCacheMetrics(namespace string) {
	m.cacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "redis",
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits",
		},
		[]string{"cache"},
	)
	m.cacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "redis",
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses",
		},
		[]string{"cache"},
	)
	m.cacheSets = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "redis",
			Name:      "cache_sets_total",
			Help:      "Total number of cache writes",
		},
		[]string{"cache"},
	)
	m.cacheDeletes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "redis",
			Name:      "cache_deletes_total",
			Help:      "Total number of cache entries removed, including tag and pattern invalidation",
		},
		[]string{"cache"},
	)
}

func (m *Metrics) initRateLimitMetrics(namespace string) {
	m.rateLimitAllowed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "redis",
			Name:      "ratelimit_allowed_total",
			Help:      "Total number of requests allowed by rate limiter",
		},
		[]string{"limiter"},
	)
	m.rateLimitDenied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "redis",
			Name:      "ratelimit_denied_total",
			Help:      "Total number of requests denied by rate limiter",
		},
		[]string{"limiter"},
	)
}

func (m *Metrics) initSessionMetrics(namespace string) {
	m.sessionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "redis",
		Name:      "sessions_created_total",
		Help:      "Total number of sessions created",
	})
	m.sessionsDestroyed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "redis",
		Name:      "sessions_destroyed_total",
		Help:      "Total number of sessions destroyed",
	})
	m.sessionsRefreshed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "redis",
		Name:      "sessions_refreshed_total",
		Help:      "Total number of sessions rotated via refresh token",
	})
	m.sessionsEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "redis",
		Name:      "sessions_evicted_total",
		Help:      "Total number of sessions evicted by the per-user cap",
	})
}

// ObserveOperation records the duration and result of a Redis operation.
func (m *Metrics) ObserveOperation(operation string, duration time.Duration, err error) {
	m.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	m.operationTotal.WithLabelValues(operation).Inc()
	if err != nil {
		m.operationErrors.WithLabelValues(operation).Inc()
	}
}

// RecordCacheHit records a cache hit for the given cache name.
func (m *Metrics) RecordCacheHit(cacheName string) {
	m.cacheHits.WithLabelValues(cacheName).Inc()
}

// RecordCacheMiss records a cache miss for the given cache name.
func (m *Metrics) RecordCacheMiss(cacheName string) {
	m.cacheMisses.WithLabelValues(cacheName).Inc()
}

// RecordCacheSet records a cache write for the given cache name.
func (m *Metrics) RecordCacheSet(cacheName string) {
	m.cacheSets.WithLabelValues(cacheName).Inc()
}

// RecordCacheDeletes records removed cache entries for the given cache name.
func (m *Metrics) RecordCacheDeletes(cacheName string, n int64) {
	if n > 0 {
		m.cacheDeletes.WithLabelValues(cacheName).Add(float64(n))
	}
}

// RecordRateLimitResult records the result of a rate limit check.
func (m *Metrics) RecordRateLimitResult(limiterName string, allowed bool) {
	if allowed {
		m.rateLimitAllowed.WithLabelValues(limiterName).Inc()
	} else {
		m.rateLimitDenied.WithLabelValues(limiterName).Inc()
	}
}

// RecordSessionCreated increments the created-session counter.
func (m *Metrics) RecordSessionCreated() { m.sessionsCreated.Inc() }

// RecordSessionDestroyed increments the destroyed-session counter.
func (m *Metrics) RecordSessionDestroyed() { m.sessionsDestroyed.Inc() }

// RecordSessionRefreshed increments the refreshed-session counter.
func (m *Metrics) RecordSessionRefreshed() { m.sessionsRefreshed.Inc() }

// RecordSessionEvicted increments the evicted-session counter.
func (m *Metrics) RecordSessionEvicted() { m.sessionsEvicted.Inc() }

// Timed is a helper to time operations. Use with defer:
//
//	done := redis.Timed("get")
//	val, err := cmd.Get(ctx, key)
//	done(err)
func Timed(operation string) func(error) {
	start := time.Now()
	return func(err error) {
		DefaultMetrics.ObserveOperation(operation, time.Since(start), err)
	}
}
