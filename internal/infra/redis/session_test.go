package redis

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketprimer/cachelayer/internal/config"
	"github.com/marketprimer/cachelayer/pkg/logger"
)

func newTestSessions(t *testing.T) (*SessionManager, Commander) {
	t.Helper()
	cmd, _ := newTestCommander(t)
	m, err := NewSessionManager(cmd, &config.SessionConfig{
		Prefix:          "session:",
		TTL:             time.Hour,
		MaxSessions:     10,
		RefreshTTL:      24 * time.Hour,
		RefreshGraceTTL: time.Minute,
	}, logger.NewNop())
	require.NoError(t, err)
	return m, cmd
}

func TestSessionLifecycle(t *testing.T) {
	m, _ := newTestSessions(t)
	ctx := context.Background()

	created, err := m.CreateSession(ctx, "user-1", SessionData{Email: "a@example.com", Role: "editor"}, nil)
	require.NoError(t, err)
	require.NotEmpty(t, created.SessionID)
	assert.True(t, created.ExpiresAt.After(time.Now()))

	session := m.GetSession(ctx, created.SessionID)
	require.NotNil(t, session)
	assert.Equal(t, "user-1", session.UserID)
	assert.Equal(t, "a@example.com", session.Email)
	assert.Equal(t, "editor", session.Role)

	assert.True(t, m.DestroySession(ctx, created.SessionID))
	assert.Nil(t, m.GetSession(ctx, created.SessionID))
}

func TestSession_GetUnknownReturnsNil(t *testing.T) {
	m, _ := newTestSessions(t)
	assert.Nil(t, m.GetSession(context.Background(), "no-such-session"))
}

func TestSession_LazyExpiryDeletion(t *testing.T) {
	m, cmd := newTestSessions(t)
	ctx := context.Background()

	// Inject a record whose expiry is already in the past; the backend TTL
	// has not fired yet.
	stale := Session{
		SessionID:      "stale-id",
		UserID:         "user-1",
		CreatedAt:      time.Now().Add(-2 * time.Hour),
		LastAccessedAt: time.Now().Add(-2 * time.Hour),
		ExpiresAt:      time.Now().Add(-time.Hour),
	}
	data, err := json.Marshal(stale)
	require.NoError(t, err)
	require.NoError(t, cmd.Set(ctx, "session:stale-id", string(data), 0))

	assert.Nil(t, m.GetSession(ctx, "stale-id"))

	// The stale record was removed as a side effect of the read.
	_, err = cmd.Get(ctx, "session:stale-id")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestSession_UpdateMergesAndTouches(t *testing.T) {
	m, _ := newTestSessions(t)
	ctx := context.Background()

	created, err := m.CreateSession(ctx, "user-1", SessionData{}, nil)
	require.NoError(t, err)

	before := m.GetSession(ctx, created.SessionID)
	require.NotNil(t, before)

	time.Sleep(5 * time.Millisecond)
	ok := m.UpdateSession(ctx, created.SessionID, func(s *Session) {
		s.Role = "admin"
	}, true)
	require.True(t, ok)

	after := m.GetSession(ctx, created.SessionID)
	require.NotNil(t, after)
	assert.Equal(t, "admin", after.Role)
	assert.True(t, after.LastAccessedAt.After(before.LastAccessedAt))
	// expiry is untouched by updates
	assert.WithinDuration(t, before.ExpiresAt, after.ExpiresAt, time.Second)
}

func TestSession_ExtendPushesExpiry(t *testing.T) {
	m, _ := newTestSessions(t)
	ctx := context.Background()

	created, err := m.CreateSession(ctx, "user-1", SessionData{}, nil)
	require.NoError(t, err)

	require.True(t, m.ExtendSession(ctx, created.SessionID, time.Hour))

	session := m.GetSession(ctx, created.SessionID)
	require.NotNil(t, session)
	assert.WithinDuration(t, created.ExpiresAt.Add(time.Hour), session.ExpiresAt, time.Second)
}

func TestSession_MaxSessionsEvictsLeastRecentlyAccessed(t *testing.T) {
	m, _ := newTestSessions(t)
	ctx := context.Background()

	opts := &CreateOptions{MaxSessions: 2}

	first, err := m.CreateSession(ctx, "user-1", SessionData{}, opts)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	second, err := m.CreateSession(ctx, "user-1", SessionData{}, opts)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	// Touch the first session so the second becomes least recently accessed.
	require.True(t, m.TouchSession(ctx, first.SessionID))
	time.Sleep(5 * time.Millisecond)

	third, err := m.CreateSession(ctx, "user-1", SessionData{}, opts)
	require.NoError(t, err)

	assert.NotNil(t, m.GetSession(ctx, first.SessionID))
	assert.Nil(t, m.GetSession(ctx, second.SessionID))
	assert.NotNil(t, m.GetSession(ctx, third.SessionID))
}

func TestSession_DestroyUserSessions(t *testing.T) {
	m, _ := newTestSessions(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		created, err := m.CreateSession(ctx, "user-1", SessionData{}, nil)
		require.NoError(t, err)
		ids = append(ids, created.SessionID)
	}
	other, err := m.CreateSession(ctx, "user-2", SessionData{}, nil)
	require.NoError(t, err)

	destroyed := m.DestroyUserSessions(ctx, "user-1")
	assert.Equal(t, 3, destroyed)

	for _, id := range ids {
		assert.Nil(t, m.GetSession(ctx, id))
	}
	assert.NotNil(t, m.GetSession(ctx, other.SessionID))
}

func TestSession_RefreshTokenSingleUse(t *testing.T) {
	m, _ := newTestSessions(t)
	ctx := context.Background()

	created, err := m.CreateSession(ctx, "user-1", SessionData{Email: "a@example.com", Role: "editor"}, &CreateOptions{IssueRefreshToken: true})
	require.NoError(t, err)
	require.NotEmpty(t, created.RefreshToken)

	rotated := m.RefreshSession(ctx, created.RefreshToken)
	require.NotNil(t, rotated)
	assert.NotEqual(t, created.SessionID, rotated.SessionID)
	assert.NotEmpty(t, rotated.RefreshToken)
	assert.NotEqual(t, created.RefreshToken, rotated.RefreshToken)

	// Profile fields carry over to the new session; the old one is gone.
	session := m.GetSession(ctx, rotated.SessionID)
	require.NotNil(t, session)
	assert.Equal(t, "a@example.com", session.Email)
	assert.Equal(t, "editor", session.Role)
	assert.Nil(t, m.GetSession(ctx, created.SessionID))

	// Replay with the used token is denied.
	assert.Nil(t, m.RefreshSession(ctx, created.RefreshToken))
}

func TestSession_RefreshUnknownTokenDenied(t *testing.T) {
	m, _ := newTestSessions(t)
	assert.Nil(t, m.RefreshSession(context.Background(), "deadbeef"))
}

func TestSession_RefreshForDestroyedSessionDenied(t *testing.T) {
	m, _ := newTestSessions(t)
	ctx := context.Background()

	created, err := m.CreateSession(ctx, "user-1", SessionData{}, &CreateOptions{IssueRefreshToken: true})
	require.NoError(t, err)

	// Logout destroys the session and its refresh tokens.
	require.True(t, m.DestroySession(ctx, created.SessionID))
	assert.Nil(t, m.RefreshSession(ctx, created.RefreshToken))
}

func TestSession_CleanupExpiredSessions(t *testing.T) {
	m, cmd := newTestSessions(t)
	ctx := context.Background()

	live, err := m.CreateSession(ctx, "user-1", SessionData{}, nil)
	require.NoError(t, err)

	// Two entries in the expiry index whose scores are already in the past.
	for _, id := range []string{"dead-1", "dead-2"} {
		stale := Session{SessionID: id, UserID: "user-2", ExpiresAt: time.Now().Add(-time.Hour)}
		data, err := json.Marshal(stale)
		require.NoError(t, err)
		require.NoError(t, cmd.Set(ctx, "session:"+id, string(data), 0))
		require.NoError(t, cmd.ZAdd(ctx, "session:active", float64(stale.ExpiresAt.UnixMilli()), id))
	}

	removed := m.CleanupExpiredSessions(ctx)
	assert.Equal(t, 2, removed)

	assert.NotNil(t, m.GetSession(ctx, live.SessionID))
	count, err := cmd.ZCard(ctx, "session:active")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestSession_Stats(t *testing.T) {
	m, _ := newTestSessions(t)
	ctx := context.Background()

	_, err := m.CreateSession(ctx, "user-1", SessionData{}, nil)
	require.NoError(t, err)
	_, err = m.CreateSession(ctx, "user-1", SessionData{}, nil)
	require.NoError(t, err)
	_, err = m.CreateSession(ctx, "user-2", SessionData{}, nil)
	require.NoError(t, err)

	stats, err := m.GetSessionStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Total)
	assert.Equal(t, int64(2), stats.SessionsByUser["user-1"])
	assert.Equal(t, int64(1), stats.SessionsByUser["user-2"])
	assert.False(t, stats.OldestExpiry.IsZero())
}

func TestSession_CreateRequiresUserID(t *testing.T) {
	m, _ := newTestSessions(t)
	_, err := m.CreateSession(context.Background(), "", SessionData{}, nil)
	assert.Error(t, err)
}
