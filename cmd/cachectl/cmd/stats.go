package cmd

import (
	"github.com/spf13/cobra"

	redisinfra "github.com/marketprimer/cachelayer/internal/infra/redis"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print cache and session statistics",
	RunE:  runStats,
}

func runStats(cmd *cobra.Command, args []string) error {
	svc, err := buildServices()
	if err != nil {
		return err
	}
	defer svc.close()

	sessionStats, err := svc.sessions.GetSessionStats(cmd.Context())
	if err != nil {
		return err
	}

	return printJSON(struct {
		Cache    redisinfra.Stats         `json:"cache"`
		Sessions *redisinfra.SessionStats `json:"sessions"`
	}{
		Cache:    svc.cache.GetStats(),
		Sessions: sessionStats,
	})
}
