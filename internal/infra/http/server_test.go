package http

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketprimer/cachelayer/internal/config"
	redisinfra "github.com/marketprimer/cachelayer/internal/infra/redis"
	"github.com/marketprimer/cachelayer/pkg/logger"
)

func newTestServer(t *testing.T) (*Server, *redisinfra.Cache, *miniredis.Miniredis) {
	t.Helper()

	s := miniredis.RunT(t)
	host, portStr, err := net.SplitHostPort(s.Addr())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	cfg := &config.Config{
		Redis: config.RedisConfig{
			Provider:       config.ProviderRedis,
			Host:           host,
			Port:           port,
			LazyConnect:    true,
			MaxRetries:     1,
			RetryDelay:     10 * time.Millisecond,
			ConnectTimeout: time.Second,
			CommandTimeout: time.Second,
		},
		Ops: config.OpsConfig{Addr: ":0", MonitoringEnabled: true},
	}

	log := logger.NewNop()
	cmd, err := redisinfra.New(cfg, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cmd.Close() })

	cache, err := redisinfra.NewCache(cmd, nil, log)
	require.NoError(t, err)
	sessions, err := redisinfra.NewSessionManager(cmd, nil, log)
	require.NoError(t, err)
	limiter, err := redisinfra.NewRateLimiter(cmd, &config.RateLimitConfig{Enabled: true}, log)
	require.NoError(t, err)

	srv := NewServer(cfg, cmd, cache, sessions, limiter, log)
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })
	return srv, cache, s
}

func TestHealthEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestHealthEndpoint_DegradedWhenBackendDown(t *testing.T) {
	srv, _, s := newTestServer(t)
	s.Close()

	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStatsEndpoint(t *testing.T) {
	srv, cache, _ := newTestServer(t)
	ctx := context.Background()

	require.True(t, cache.Set(ctx, "k", "v"))
	var got string
	require.True(t, cache.Get(ctx, "k", &got))

	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Cache    redisinfra.Stats        `json:"cache"`
		Sessions redisinfra.SessionStats `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, int64(1), body.Cache.Hits)
	assert.Equal(t, int64(1), body.Cache.Sets)
}

func TestInvalidateEndpoint_ByTags(t *testing.T) {
	srv, cache, _ := newTestServer(t)
	ctx := context.Background()

	require.True(t, cache.Set(ctx, "a", "1", redisinfra.WithTags("posts")))
	require.True(t, cache.Set(ctx, "b", "2", redisinfra.WithTags("posts")))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/invalidate", strings.NewReader(`{"tags":["posts"]}`))
	srv.httpServer.Handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body invalidateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, int64(2), body.Removed)

	var got string
	assert.False(t, cache.Get(ctx, "a", &got))
}

func TestInvalidateEndpoint_RequiresTarget(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/invalidate", strings.NewReader(`{}`))
	srv.httpServer.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsEndpointExposed(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "marketprimer_redis")
}
