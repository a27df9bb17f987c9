package redis

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketprimer/cachelayer/internal/config"
	"github.com/marketprimer/cachelayer/pkg/logger"
)

// newTestUpstash serves canned responses per command name and records every
// command array it receives.
func newTestUpstash(t *testing.T, responses map[string]string) (*upstashCommander, *[][]any) {
	t.Helper()

	var commands [][]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))

		var cmd []any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&cmd))
		require.NotEmpty(t, cmd)
		commands = append(commands, cmd)

		name, _ := cmd[0].(string)
		resp, ok := responses[name]
		if !ok {
			resp = `{"result":null}`
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(resp))
	}))
	t.Cleanup(srv.Close)

	cfg := &config.RedisConfig{
		Upstash: config.UpstashConfig{
			RestURL:   srv.URL,
			RestToken: "test-token",
		},
		CommandTimeout: time.Second,
	}
	cmd, err := newUpstashCommander(cfg, logger.NewNop())
	require.NoError(t, err)
	return cmd, &commands
}

func TestUpstashCommander_RequiresCredentials(t *testing.T) {
	_, err := newUpstashCommander(&config.RedisConfig{}, logger.NewNop())
	assert.Error(t, err)
}

func TestUpstashCommander_GetParsesResult(t *testing.T) {
	cmd, commands := newTestUpstash(t, map[string]string{
		"GET": `{"result":"hello"}`,
	})

	val, err := cmd.Get(context.Background(), "greeting")
	require.NoError(t, err)
	assert.Equal(t, "hello", val)
	assert.Equal(t, []any{"GET", "greeting"}, (*commands)[0])
}

func TestUpstashCommander_NullResultIsKeyNotFound(t *testing.T) {
	cmd, _ := newTestUpstash(t, map[string]string{
		"GET": `{"result":null}`,
	})

	_, err := cmd.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestUpstashCommander_BackendErrorPropagates(t *testing.T) {
	cmd, _ := newTestUpstash(t, map[string]string{
		"INCR": `{"error":"ERR value is not an integer or out of range"}`,
	})

	_, err := cmd.Incr(context.Background(), "greeting")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not an integer")
}

func TestUpstashCommander_SetSendsMillisecondExpiry(t *testing.T) {
	cmd, commands := newTestUpstash(t, map[string]string{
		"SET": `{"result":"OK"}`,
	})

	require.NoError(t, cmd.Set(context.Background(), "k", "v", 90*time.Second))

	sent := (*commands)[0]
	require.Len(t, sent, 5)
	assert.Equal(t, "SET", sent[0])
	assert.Equal(t, "PX", sent[3])
	assert.Equal(t, float64(90000), sent[4])
}

func TestUpstashCommander_TTLNormalization(t *testing.T) {
	cases := []struct {
		name   string
		result string
		want   time.Duration
	}{
		{"no expiry", `{"result":-1}`, TTLNoExpiry},
		{"missing key", `{"result":-2}`, TTLKeyMissing},
		{"milliseconds", `{"result":1500}`, 1500 * time.Millisecond},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cmd, _ := newTestUpstash(t, map[string]string{"PTTL": tc.result})
			ttl, err := cmd.TTL(context.Background(), "k")
			require.NoError(t, err)
			assert.Equal(t, tc.want, ttl)
		})
	}
}

func TestUpstashCommander_HGetAllBuildsMap(t *testing.T) {
	cmd, _ := newTestUpstash(t, map[string]string{
		"HGETALL": `{"result":["a","1","b","2"]}`,
	})

	m, err := cmd.HGetAll(context.Background(), "h")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, m)
}

func TestUpstashCommander_WithScoresParsesPairs(t *testing.T) {
	cmd, _ := newTestUpstash(t, map[string]string{
		"ZRANGE": `{"result":["one","1","two","2.5"]}`,
	})

	members, err := cmd.ZRangeWithScores(context.Background(), "z", 0, -1)
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, ScoredMember{Member: "one", Score: 1}, members[0])
	assert.Equal(t, ScoredMember{Member: "two", Score: 2.5}, members[1])
}

func TestUpstashCommander_ScanPaginates(t *testing.T) {
	var call int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call++
		if call == 1 {
			_, _ = w.Write([]byte(`{"result":["42",["a","b"]]}`))
			return
		}
		_, _ = w.Write([]byte(`{"result":["0",["c"]]}`))
	}))
	t.Cleanup(srv.Close)

	cfg := &config.RedisConfig{
		Upstash: config.UpstashConfig{RestURL: srv.URL, RestToken: "test-token"},
	}
	cmd, err := newUpstashCommander(cfg, logger.NewNop())
	require.NoError(t, err)

	keys, err := cmd.Keys(context.Background(), "*")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, keys)
	assert.Equal(t, 2, call)
}
