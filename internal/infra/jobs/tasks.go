// Package jobs provides background job definitions and handlers using Asynq,
// plus the cron-driven maintenance sweeper.
package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

// Task types for cache maintenance jobs.
const (
	TypeCacheWarm      = "cache:warm"
	TypeCacheTagFlush  = "cache:tag_flush"
	TypeSessionCleanup = "session:cleanup"
)

// WarmEntryPayload is one precomputed cache entry. Factories are not
// serializable, so producers compute values up front and the worker only
// stores them.
type WarmEntryPayload struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
	TTL   time.Duration   `json:"ttl"`
	Tags  []string        `json:"tags,omitempty"`
}

// CacheWarmPayload contains a batch of entries to store.
type CacheWarmPayload struct {
	Entries []WarmEntryPayload `json:"entries"`
}

// TagFlushPayload names the tags to invalidate.
type TagFlushPayload struct {
	Tags []string `json:"tags"`
}

// NewCacheWarmTask creates a cache warm task.
func NewCacheWarmTask(payload CacheWarmPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal cache warm payload: %w", err)
	}
	return asynq.NewTask(TypeCacheWarm, data, asynq.Queue("maintenance")), nil
}

// NewTagFlushTask creates a tag invalidation task.
func NewTagFlushTask(payload TagFlushPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal tag flush payload: %w", err)
	}
	return asynq.NewTask(TypeCacheTagFlush, data, asynq.Queue("maintenance")), nil
}

// NewSessionCleanupTask creates a session sweep task.
func NewSessionCleanupTask() *asynq.Task {
	return asynq.NewTask(TypeSessionCleanup, nil, asynq.Queue("maintenance"))
}
