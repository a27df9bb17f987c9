package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/marketprimer/cachelayer/internal/infra/jobs"
	redisinfra "github.com/marketprimer/cachelayer/internal/infra/redis"
)

var warmCmd = &cobra.Command{
	Use:   "warm",
	Short: "Warm the cache from a JSON entry file",
	Long: `warm stores precomputed entries from a JSON file. The file is an array
of objects:

  [{"key": "post:hello", "value": {"title": "Hello"}, "ttl": "1h", "tags": ["posts"]}]

Values are stored as-is; ttl is a Go duration string and defaults to the
configured cache TTL when omitted. With --enqueue the batch is handed to the
background worker instead of being written directly (connection-based
provider only).`,
	RunE: runWarm,
}

func init() {
	warmCmd.Flags().String("file", "", "Path to the JSON entry file")
	warmCmd.Flags().Bool("enqueue", false, "Enqueue as a background job instead of writing directly")
	_ = warmCmd.MarkFlagRequired("file")
}

// warmFileEntry is one entry in the input file. TTL is a duration string so
// the file stays hand-editable.
type warmFileEntry struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
	TTL   string          `json:"ttl,omitempty"`
	Tags  []string        `json:"tags,omitempty"`
}

func runWarm(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("file")
	entries, err := loadWarmFile(path)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return errors.New("entry file is empty")
	}

	svc, err := buildServices()
	if err != nil {
		return err
	}
	defer svc.close()

	enqueue, _ := cmd.Flags().GetBool("enqueue")
	if enqueue {
		client, err := jobs.NewClient(&svc.cfg.Redis, svc.log)
		if err != nil {
			return err
		}
		defer func() { _ = client.Close() }()

		payload := jobs.CacheWarmPayload{Entries: make([]jobs.WarmEntryPayload, 0, len(entries))}
		for _, e := range entries {
			ttl, err := parseWarmTTL(e.TTL)
			if err != nil {
				return fmt.Errorf("entry %q: %w", e.Key, err)
			}
			payload.Entries = append(payload.Entries, jobs.WarmEntryPayload{
				Key:   e.Key,
				Value: e.Value,
				TTL:   ttl,
				Tags:  e.Tags,
			})
		}
		if err := client.EnqueueCacheWarm(cmd.Context(), payload); err != nil {
			return err
		}
		fmt.Printf("enqueued warm batch with %d entries\n", len(entries))
		return nil
	}

	warm := make([]redisinfra.WarmEntry, 0, len(entries))
	for _, e := range entries {
		ttl, err := parseWarmTTL(e.TTL)
		if err != nil {
			return fmt.Errorf("entry %q: %w", e.Key, err)
		}
		opts := []redisinfra.SetOption{}
		if ttl > 0 {
			opts = append(opts, redisinfra.WithTTL(ttl))
		}
		if len(e.Tags) > 0 {
			opts = append(opts, redisinfra.WithTags(e.Tags...))
		}
		warm = append(warm, redisinfra.WarmEntry{
			Key: e.Key,
			Factory: func(context.Context) (any, error) {
				return e.Value, nil
			},
			Options: opts,
		})
	}

	stored := svc.cache.Warm(cmd.Context(), warm)
	fmt.Printf("warmed %d/%d entries\n", stored, len(entries))
	return nil
}

func loadWarmFile(path string) ([]warmFileEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read entry file: %w", err)
	}
	var entries []warmFileEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse entry file: %w", err)
	}
	for _, e := range entries {
		if e.Key == "" {
			return nil, errors.New("entry file contains an entry without a key")
		}
	}
	return entries, nil
}

func parseWarmTTL(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	ttl, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid ttl %q: %w", s, err)
	}
	return ttl, nil
}
