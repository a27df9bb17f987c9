package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/marketprimer/cachelayer/internal/config"
	"github.com/marketprimer/cachelayer/pkg/logger"
)

// Client enqueues background jobs using Asynq. Asynq speaks the wire protocol
// directly, so the queue requires the connection-based provider; the hosted
// REST provider cannot back it.
type Client struct {
	client *asynq.Client
	logger *logger.Logger
}

// NewClient creates a job client for enqueueing tasks.
func NewClient(cfg *config.RedisConfig, log *logger.Logger) (*Client, error) {
	if cfg.Provider != config.ProviderRedis {
		return nil, errors.New("background jobs require the connection-based redis provider")
	}

	client := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	return &Client{
		client: client,
		logger: log.With("component", "job_client"),
	}, nil
}

// Close closes the client connection.
func (c *Client) Close() error {
	return c.client.Close()
}

// EnqueueCacheWarm enqueues a batch of precomputed cache entries.
func (c *Client) EnqueueCacheWarm(ctx context.Context, payload CacheWarmPayload) error {
	task, err := NewCacheWarmTask(payload)
	if err != nil {
		return fmt.Errorf("create cache warm task: %w", err)
	}

	info, err := c.client.EnqueueContext(ctx, task)
	if err != nil {
		c.logger.Error("failed to enqueue cache warm", "entries", len(payload.Entries), "error", err)
		return fmt.Errorf("enqueue cache warm: %w", err)
	}

	c.logger.Info("cache warm queued", "task_id", info.ID, "entries", len(payload.Entries), "queue", info.Queue)
	return nil
}

// EnqueueTagFlush enqueues a tag invalidation.
func (c *Client) EnqueueTagFlush(ctx context.Context, tags ...string) error {
	task, err := NewTagFlushTask(TagFlushPayload{Tags: tags})
	if err != nil {
		return fmt.Errorf("create tag flush task: %w", err)
	}

	info, err := c.client.EnqueueContext(ctx, task)
	if err != nil {
		c.logger.Error("failed to enqueue tag flush", "tags", tags, "error", err)
		return fmt.Errorf("enqueue tag flush: %w", err)
	}

	c.logger.Info("tag flush queued", "task_id", info.ID, "tags", tags)
	return nil
}

// EnqueueSessionCleanup enqueues an immediate session sweep.
func (c *Client) EnqueueSessionCleanup(ctx context.Context) error {
	info, err := c.client.EnqueueContext(ctx, NewSessionCleanupTask())
	if err != nil {
		c.logger.Error("failed to enqueue session cleanup", "error", err)
		return fmt.Errorf("enqueue session cleanup: %w", err)
	}

	c.logger.Info("session cleanup queued", "task_id", info.ID)
	return nil
}
