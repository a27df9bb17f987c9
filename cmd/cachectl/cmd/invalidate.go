package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var invalidateCmd = &cobra.Command{
	Use:   "invalidate",
	Short: "Invalidate cache entries by tag or key pattern",
	Long: `invalidate removes cache entries either by tag (all keys registered
under the tag) or by glob-style key pattern. At least one of --tag or
--pattern is required.`,
	RunE: runInvalidate,
}

func init() {
	invalidateCmd.Flags().StringSlice("tag", nil, "Tag to invalidate (repeatable)")
	invalidateCmd.Flags().String("pattern", "", "Key pattern to invalidate, e.g. 'post:*'")
}

func runInvalidate(cmd *cobra.Command, args []string) error {
	tags, _ := cmd.Flags().GetStringSlice("tag")
	pattern, _ := cmd.Flags().GetString("pattern")
	if len(tags) == 0 && pattern == "" {
		return errors.New("at least one of --tag or --pattern is required")
	}

	svc, err := buildServices()
	if err != nil {
		return err
	}
	defer svc.close()

	var total int64
	if len(tags) > 0 {
		n := svc.cache.InvalidateByTags(cmd.Context(), tags...)
		fmt.Printf("invalidated %d entries by tags %v\n", n, tags)
		total += n
	}
	if pattern != "" {
		n := svc.cache.InvalidateByPattern(cmd.Context(), pattern)
		fmt.Printf("invalidated %d entries matching %q\n", n, pattern)
		total += n
	}
	fmt.Printf("total: %d\n", total)
	return nil
}
