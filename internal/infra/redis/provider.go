package redis

import (
	"fmt"
	"sync"

	"github.com/marketprimer/cachelayer/internal/config"
	"github.com/marketprimer/cachelayer/pkg/logger"
)

var (
	defaultOnce sync.Once
	defaultCmd  Commander
	defaultErr  error
)

// New builds a Commander for the configured provider and wraps it in the
// keyspace prefix so every caller shares one namespacing scheme.
func New(cfg *config.Config, log *logger.Logger) (Commander, error) {
	var (
		cmd Commander
		err error
	)

	switch cfg.Redis.Provider {
	case config.ProviderUpstash:
		cmd, err = newUpstashCommander(&cfg.Redis, log)
	case config.ProviderRedis:
		cmd, err = newRedisCommander(&cfg.Redis, log)
	default:
		return nil, fmt.Errorf("unknown redis provider %q", cfg.Redis.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("create redis client: %w", err)
	}

	log.Info("redis provider ready",
		"provider", string(cfg.Redis.Provider),
		"key_prefix", cfg.Redis.KeyPrefix,
	)
	return WithKeyspace(cmd, cfg.Redis.KeyPrefix), nil
}

// Default returns a process-wide Commander built from the environment. The
// first call wins; later calls return the same instance and error.
func Default(log *logger.Logger) (Commander, error) {
	defaultOnce.Do(func() {
		cfg, err := config.Load()
		if err != nil {
			defaultErr = fmt.Errorf("load config: %w", err)
			return
		}
		defaultCmd, defaultErr = New(cfg, log)
	})
	return defaultCmd, defaultErr
}
