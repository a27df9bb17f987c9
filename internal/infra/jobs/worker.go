package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/marketprimer/cachelayer/internal/config"
	redisinfra "github.com/marketprimer/cachelayer/internal/infra/redis"
	"github.com/marketprimer/cachelayer/pkg/logger"
)

// WorkerConfig holds the configuration for the job worker.
type WorkerConfig struct {
	Concurrency int
}

// Worker processes cache maintenance jobs.
type Worker struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	logger *logger.Logger
}

// NewWorker creates a background job worker bound to the cache and session
// services. Like the Client, it needs the connection-based provider.
func NewWorker(cfg *config.Config, wcfg WorkerConfig, cache *redisinfra.Cache, sessions *redisinfra.SessionManager, log *logger.Logger) (*Worker, error) {
	if cfg.Redis.Provider != config.ProviderRedis {
		return nil, errors.New("background jobs require the connection-based redis provider")
	}

	concurrency := wcfg.Concurrency
	if concurrency <= 0 {
		concurrency = 5
	}

	server := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		},
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				"default":     5,
				"maintenance": 2,
			},
		},
	)

	handler := &taskHandler{cache: cache, sessions: sessions, logger: log}
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeCacheWarm, handler.HandleCacheWarm)
	mux.HandleFunc(TypeCacheTagFlush, handler.HandleTagFlush)
	mux.HandleFunc(TypeSessionCleanup, handler.HandleSessionCleanup)

	return &Worker{server: server, mux: mux, logger: log}, nil
}

// Start starts the worker.
func (w *Worker) Start() error {
	w.logger.Info("starting job worker")
	return w.server.Start(w.mux)
}

// Stop stops the worker gracefully.
func (w *Worker) Stop() {
	w.logger.Info("stopping job worker")
	w.server.Shutdown()
}

type taskHandler struct {
	cache    *redisinfra.Cache
	sessions *redisinfra.SessionManager
	logger   *logger.Logger
}

// HandleCacheWarm stores a batch of precomputed entries.
func (h *taskHandler) HandleCacheWarm(ctx context.Context, t *asynq.Task) error {
	var payload CacheWarmPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("unmarshal cache warm payload: %w", err)
	}

	entries := make([]redisinfra.WarmEntry, 0, len(payload.Entries))
	for _, e := range payload.Entries {
		opts := []redisinfra.SetOption{redisinfra.WithTTL(e.TTL)}
		if len(e.Tags) > 0 {
			opts = append(opts, redisinfra.WithTags(e.Tags...))
		}
		entries = append(entries, redisinfra.WarmEntry{
			Key: e.Key,
			Factory: func(context.Context) (any, error) {
				return e.Value, nil
			},
			Options: opts,
		})
	}

	stored := h.cache.Warm(ctx, entries)
	h.logger.Info("cache warm task done", "requested", len(payload.Entries), "stored", stored)
	return nil
}

// HandleTagFlush invalidates the named tags.
func (h *taskHandler) HandleTagFlush(ctx context.Context, t *asynq.Task) error {
	var payload TagFlushPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("unmarshal tag flush payload: %w", err)
	}

	removed := h.cache.InvalidateByTags(ctx, payload.Tags...)
	h.logger.Info("tag flush task done", "tags", payload.Tags, "removed", removed)
	return nil
}

// HandleSessionCleanup sweeps expired sessions.
func (h *taskHandler) HandleSessionCleanup(ctx context.Context, _ *asynq.Task) error {
	removed := h.sessions.CleanupExpiredSessions(ctx)
	h.logger.Info("session cleanup task done", "removed", removed)
	return nil
}
