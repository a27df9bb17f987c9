package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"

	redisinfra "github.com/marketprimer/cachelayer/internal/infra/redis"
	"github.com/marketprimer/cachelayer/pkg/logger"
)

// Sweeper runs the periodic maintenance work the storage layer itself never
// schedules: sweeping expired sessions out of the global index and persisting
// cache statistics. It works against any provider since it only issues plain
// commands.
type Sweeper struct {
	cron     *cron.Cron
	cache    *redisinfra.Cache
	sessions *redisinfra.SessionManager
	logger   *logger.Logger
}

// SweeperConfig holds the cron expressions for the maintenance jobs.
type SweeperConfig struct {
	// SessionSweepSpec defaults to every 5 minutes.
	SessionSweepSpec string
	// StatsFlushSpec defaults to every minute.
	StatsFlushSpec string
}

// NewSweeper creates the maintenance scheduler. Start must be called to begin
// running jobs.
func NewSweeper(cfg SweeperConfig, cache *redisinfra.Cache, sessions *redisinfra.SessionManager, log *logger.Logger) (*Sweeper, error) {
	if cache == nil || sessions == nil {
		return nil, errors.New("cache and session manager are required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}

	sessionSpec := cfg.SessionSweepSpec
	if sessionSpec == "" {
		sessionSpec = "*/5 * * * *"
	}
	statsSpec := cfg.StatsFlushSpec
	if statsSpec == "" {
		statsSpec = "* * * * *"
	}

	s := &Sweeper{
		cron:     cron.New(),
		cache:    cache,
		sessions: sessions,
		logger:   log.With("component", "sweeper"),
	}

	if _, err := s.cron.AddFunc(sessionSpec, s.sweepSessions); err != nil {
		return nil, err
	}
	if _, err := s.cron.AddFunc(statsSpec, s.flushStats); err != nil {
		return nil, err
	}

	return s, nil
}

// Start begins the schedule in a background goroutine.
func (s *Sweeper) Start() {
	s.logger.Info("maintenance sweeper started")
	s.cron.Start()
}

// Stop halts the schedule and waits for running jobs to finish.
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("maintenance sweeper stopped")
}

func (s *Sweeper) sweepSessions() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	removed := s.sessions.CleanupExpiredSessions(ctx)
	if removed > 0 {
		s.logger.Info("session sweep complete", "removed", removed)
	}
}

func (s *Sweeper) flushStats() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.cache.FlushStats(ctx); err != nil {
		s.logger.Warn("stats flush failed", "error", err)
	}
}
