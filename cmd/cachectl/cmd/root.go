// Package cmd implements the cachectl subcommands.
package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/marketprimer/cachelayer/internal/config"
	redisinfra "github.com/marketprimer/cachelayer/internal/infra/redis"
	"github.com/marketprimer/cachelayer/pkg/logger"
)

var (
	version string

	flagLogLevel string
)

var rootCmd = &cobra.Command{
	Use:   "cachectl",
	Short: "Administer the blog platform's Redis layer",
	Long: `cachectl manages the Redis integration layer: cache invalidation,
session sweeps, cache warming, and the operational server.

Configuration is read from the environment (REDIS_*, UPSTASH_*, OPS_* and
LOG_* variables).`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the CLI version from build flags.
func SetVersion(v string) {
	version = v
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Override log level (debug, info, warn, error)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(pingCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(invalidateCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(warmCmd)
	rootCmd.AddCommand(flushCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the cachectl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("cachectl", version)
	},
}

// services bundles everything a subcommand may need.
type services struct {
	cfg      *config.Config
	log      *logger.Logger
	cmd      redisinfra.Commander
	cache    *redisinfra.Cache
	sessions *redisinfra.SessionManager
	limiter  *redisinfra.RateLimiter
}

func (s *services) close() {
	if s.cmd != nil {
		_ = s.cmd.Close()
	}
}

// buildServices resolves configuration and connects the storage layer.
func buildServices() (*services, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}

	level := cfg.Log.Level
	if flagLogLevel != "" {
		level = flagLogLevel
	}
	log := logger.New(logger.Config{Level: level, Format: cfg.Log.Format})

	cmd, err := redisinfra.New(cfg, log)
	if err != nil {
		return nil, err
	}

	cache, err := redisinfra.NewCache(cmd, &cfg.Cache, log)
	if err != nil {
		_ = cmd.Close()
		return nil, err
	}
	sessions, err := redisinfra.NewSessionManager(cmd, &cfg.Session, log)
	if err != nil {
		_ = cmd.Close()
		return nil, err
	}
	limiter, err := redisinfra.NewRateLimiter(cmd, &cfg.RateLimit, log)
	if err != nil {
		_ = cmd.Close()
		return nil, err
	}

	return &services{cfg: cfg, log: log, cmd: cmd, cache: cache, sessions: sessions, limiter: limiter}, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
