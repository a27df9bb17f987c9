package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var flushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Flush the entire cache database",
	Long: `flush removes every key in the configured database, including sessions
and rate limit state. It refuses to run without --yes.`,
	RunE: runFlush,
}

func init() {
	flushCmd.Flags().Bool("yes", false, "Confirm the flush")
}

func runFlush(cmd *cobra.Command, args []string) error {
	confirmed, _ := cmd.Flags().GetBool("yes")
	if !confirmed {
		return errors.New("refusing to flush without --yes")
	}

	svc, err := buildServices()
	if err != nil {
		return err
	}
	defer svc.close()

	if err := svc.cache.Clear(cmd.Context()); err != nil {
		return err
	}
	fmt.Println("cache flushed")
	return nil
}
