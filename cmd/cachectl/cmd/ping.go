package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check backend connectivity",
	RunE:  runPing,
}

func init() {
	pingCmd.Flags().Duration("timeout", 5*time.Second, "Ping timeout")
}

func runPing(cmd *cobra.Command, args []string) error {
	svc, err := buildServices()
	if err != nil {
		return err
	}
	defer svc.close()

	timeout, _ := cmd.Flags().GetDuration("timeout")
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	start := time.Now()
	if err := svc.cmd.Ping(ctx); err != nil {
		return fmt.Errorf("ping %s backend: %w", svc.cfg.Redis.Provider, err)
	}
	fmt.Printf("PONG (%s, %s)\n", svc.cfg.Redis.Provider, time.Since(start).Round(time.Millisecond))
	return nil
}
