package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Manage user sessions",
}

var sessionsSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Remove expired sessions from the active index",
	RunE:  runSessionsSweep,
}

var sessionsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print session statistics",
	RunE:  runSessionsStats,
}

var sessionsDestroyCmd = &cobra.Command{
	Use:   "destroy",
	Short: "Destroy all sessions for a user",
	RunE:  runSessionsDestroy,
}

func init() {
	sessionsDestroyCmd.Flags().String("user", "", "User ID whose sessions to destroy")

	sessionsCmd.AddCommand(sessionsSweepCmd)
	sessionsCmd.AddCommand(sessionsStatsCmd)
	sessionsCmd.AddCommand(sessionsDestroyCmd)
}

func runSessionsSweep(cmd *cobra.Command, args []string) error {
	svc, err := buildServices()
	if err != nil {
		return err
	}
	defer svc.close()

	removed := svc.sessions.CleanupExpiredSessions(cmd.Context())
	fmt.Printf("swept %d expired sessions\n", removed)
	return nil
}

func runSessionsStats(cmd *cobra.Command, args []string) error {
	svc, err := buildServices()
	if err != nil {
		return err
	}
	defer svc.close()

	stats, err := svc.sessions.GetSessionStats(cmd.Context())
	if err != nil {
		return err
	}
	return printJSON(stats)
}

func runSessionsDestroy(cmd *cobra.Command, args []string) error {
	userID, _ := cmd.Flags().GetString("user")
	if userID == "" {
		return errors.New("--user is required")
	}

	svc, err := buildServices()
	if err != nil {
		return err
	}
	defer svc.close()

	n := svc.sessions.DestroyUserSessions(cmd.Context(), userID)
	fmt.Printf("destroyed %d sessions for user %s\n", n, userID)
	return nil
}
