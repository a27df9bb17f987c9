package redis

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/marketprimer/cachelayer/internal/config"
	"github.com/marketprimer/cachelayer/pkg/logger"
)

// Session is the stored session envelope. ExpiresAt is authoritative even
// when the backend has not yet evicted the key: a session read past its
// expiry is treated as absent and destroyed on the spot.
type Session struct {
	SessionID      string            `json:"session_id"`
	UserID         string            `json:"user_id"`
	Email          string            `json:"email,omitempty"`
	Role           string            `json:"role,omitempty"`
	Permissions    []string          `json:"permissions,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	LastAccessedAt time.Time         `json:"last_accessed_at"`
	ExpiresAt      time.Time         `json:"expires_at"`
	IPAddress      string            `json:"ip_address,omitempty"`
	UserAgent      string            `json:"user_agent,omitempty"`
}

// RefreshToken is the one-time token record. Used tokens are retained for a
// short grace period for replay detection, then evicted.
type RefreshToken struct {
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Used      bool      `json:"used"`
}

// SessionData carries the caller-supplied profile fields for a new session.
type SessionData struct {
	Email       string
	Role        string
	Permissions []string
	Metadata    map[string]string
	IPAddress   string
	UserAgent   string
}

// CreateOptions tune a single session creation. Zero values fall back to the
// configured defaults.
type CreateOptions struct {
	TTL               time.Duration
	MaxSessions       int
	IssueRefreshToken bool
}

// CreateResult is returned by CreateSession and RefreshSession.
type CreateResult struct {
	SessionID    string    `json:"session_id"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// SessionStats summarizes the active-session index.
type SessionStats struct {
	Total          int64            `json:"total"`
	OldestExpiry   time.Time        `json:"oldest_expiry,omitzero"`
	NewestExpiry   time.Time        `json:"newest_expiry,omitzero"`
	SessionsByUser map[string]int64 `json:"sessions_by_user"`
}

// SessionManager issues opaque session identifiers and one-time refresh
// tokens, tracks per-user session sets, and enforces a per-user session cap
// with least-recently-accessed eviction.
//
// Apart from CreateSession, every operation swallows transport errors and
// reports absence (nil or false) so a backend outage degrades to "logged
// out", never a crash.
type SessionManager struct {
	cmd    Commander
	logger *logger.Logger

	prefix          string
	ttl             time.Duration
	maxSessions     int
	refreshTTL      time.Duration
	refreshGraceTTL time.Duration
}

// NewSessionManager creates the session manager.
func NewSessionManager(cmd Commander, cfg *config.SessionConfig, log *logger.Logger) (*SessionManager, error) {
	if cmd == nil {
		return nil, errors.New("redis commander is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}

	m := &SessionManager{
		cmd:             cmd,
		logger:          log,
		prefix:          "session:",
		ttl:             24 * time.Hour,
		maxSessions:     10,
		refreshTTL:      7 * 24 * time.Hour,
		refreshGraceTTL: time.Minute,
	}
	if cfg != nil {
		if cfg.Prefix != "" {
			m.prefix = cfg.Prefix
		}
		if cfg.TTL > 0 {
			m.ttl = cfg.TTL
		}
		if cfg.MaxSessions > 0 {
			m.maxSessions = cfg.MaxSessions
		}
		if cfg.RefreshTTL > 0 {
			m.refreshTTL = cfg.RefreshTTL
		}
		if cfg.RefreshGraceTTL > 0 {
			m.refreshGraceTTL = cfg.RefreshGraceTTL
		}
	}
	return m, nil
}

func (m *SessionManager) sessionKey(id string) string    { return m.prefix + id }
func (m *SessionManager) userKey(userID string) string   { return m.prefix + "user:" + userID }
func (m *SessionManager) refreshKey(token string) string { return m.prefix + "refresh:" + token }
func (m *SessionManager) activeKey() string              { return m.prefix + "active" }

// CreateSession stores a new session for userID and registers it in the
// user's membership set and the global expiry index. The sequence of writes
// is not atomic; a crash mid-way can leave partial bookkeeping that the sweep
// eventually clears.
func (m *SessionManager) CreateSession(ctx context.Context, userID string, data SessionData, opts *CreateOptions) (*CreateResult, error) {
	if userID == "" {
		return nil, errors.New("user id is required")
	}

	ttl := m.ttl
	maxSessions := m.maxSessions
	issueRefresh := false
	if opts != nil {
		if opts.TTL > 0 {
			ttl = opts.TTL
		}
		if opts.MaxSessions > 0 {
			maxSessions = opts.MaxSessions
		}
		issueRefresh = opts.IssueRefreshToken
	}

	now := time.Now()
	session := Session{
		SessionID:      uuid.NewString(),
		UserID:         userID,
		Email:          data.Email,
		Role:           data.Role,
		Permissions:    data.Permissions,
		Metadata:       data.Metadata,
		CreatedAt:      now,
		LastAccessedAt: now,
		ExpiresAt:      now.Add(ttl),
		IPAddress:      data.IPAddress,
		UserAgent:      data.UserAgent,
	}

	if err := m.writeSession(ctx, &session, ttl); err != nil {
		return nil, fmt.Errorf("session creation failed: %w", err)
	}
	if _, err := m.cmd.SAdd(ctx, m.userKey(userID), session.SessionID); err != nil {
		return nil, fmt.Errorf("session creation failed: %w", err)
	}
	if _, err := m.cmd.Expire(ctx, m.userKey(userID), ttl); err != nil {
		return nil, fmt.Errorf("session creation failed: %w", err)
	}
	if err := m.cmd.ZAdd(ctx, m.activeKey(), float64(session.ExpiresAt.UnixMilli()), session.SessionID); err != nil {
		return nil, fmt.Errorf("session creation failed: %w", err)
	}

	m.enforceMaxSessions(ctx, userID, maxSessions, session.SessionID)

	result := &CreateResult{SessionID: session.SessionID, ExpiresAt: session.ExpiresAt}
	if issueRefresh {
		token, err := m.CreateRefreshToken(ctx, session.SessionID, userID)
		if err != nil {
			return nil, fmt.Errorf("session creation failed: %w", err)
		}
		result.RefreshToken = token
	}

	DefaultMetrics.RecordSessionCreated()
	m.logger.Debug("session created", "session_id", session.SessionID, "user_id", userID, "expires_at", session.ExpiresAt)
	return result, nil
}

// GetSession returns the session, or nil if it is missing or expired. An
// expired record found in the backend is destroyed as a side effect.
func (m *SessionManager) GetSession(ctx context.Context, id string) *Session {
	session := m.readSession(ctx, id)
	if session == nil {
		return nil
	}
	if !session.ExpiresAt.After(time.Now()) {
		m.logger.Debug("destroying expired session on read", "session_id", id)
		m.DestroySession(ctx, id)
		return nil
	}
	return session
}

// UpdateSession applies mutate to the session and rewrites it with the
// remaining TTL. When touch is true LastAccessedAt is bumped. It reports
// failure if the session is missing or its remaining TTL is non-positive; in
// the latter case the session is destroyed.
func (m *SessionManager) UpdateSession(ctx context.Context, id string, mutate func(*Session), touch bool) bool {
	session := m.GetSession(ctx, id)
	if session == nil {
		return false
	}

	if mutate != nil {
		mutate(session)
	}
	if touch {
		session.LastAccessedAt = time.Now()
	}

	remaining := time.Until(session.ExpiresAt)
	if remaining <= 0 {
		m.DestroySession(ctx, id)
		return false
	}

	if err := m.writeSession(ctx, session, remaining); err != nil {
		m.logger.Warn("session update failed", "session_id", id, "error", err)
		return false
	}
	return true
}

// TouchSession bumps LastAccessedAt without changing any other field.
func (m *SessionManager) TouchSession(ctx context.Context, id string) bool {
	return m.UpdateSession(ctx, id, nil, true)
}

// ExtendSession pushes ExpiresAt forward and re-arms the backend TTL and the
// expiry-index score.
func (m *SessionManager) ExtendSession(ctx context.Context, id string, additional time.Duration) bool {
	session := m.GetSession(ctx, id)
	if session == nil {
		return false
	}

	session.ExpiresAt = session.ExpiresAt.Add(additional)
	remaining := time.Until(session.ExpiresAt)
	if remaining <= 0 {
		m.logger.Warn("session extension yields non-positive ttl", "session_id", id, "additional", additional)
		return false
	}

	if err := m.writeSession(ctx, session, remaining); err != nil {
		m.logger.Warn("session extension failed", "session_id", id, "error", err)
		return false
	}
	if err := m.cmd.ZAdd(ctx, m.activeKey(), float64(session.ExpiresAt.UnixMilli()), id); err != nil {
		m.logger.Warn("session index update failed", "session_id", id, "error", err)
	}
	return true
}

// DestroySession removes the session record, its index entries, and any
// refresh tokens bound to it. The token cleanup scans the refresh keyspace,
// which is acceptable only at modest scale.
func (m *SessionManager) DestroySession(ctx context.Context, id string) bool {
	session := m.readSession(ctx, id)

	n, err := m.cmd.Del(ctx, m.sessionKey(id))
	if err != nil {
		m.logger.Warn("session delete failed", "session_id", id, "error", err)
		return false
	}
	if _, err := m.cmd.ZRem(ctx, m.activeKey(), id); err != nil {
		m.logger.Warn("session index cleanup failed", "session_id", id, "error", err)
	}
	if session != nil {
		if _, err := m.cmd.SRem(ctx, m.userKey(session.UserID), id); err != nil {
			m.logger.Warn("session membership cleanup failed", "session_id", id, "error", err)
		}
	}
	m.destroyRefreshTokensFor(ctx, id)

	if n > 0 {
		DefaultMetrics.RecordSessionDestroyed()
	}
	return n > 0
}

// DestroyUserSessions destroys every session tracked for userID in parallel
// and clears the membership set. It returns the number destroyed.
func (m *SessionManager) DestroyUserSessions(ctx context.Context, userID string) int {
	ids, err := m.cmd.SMembers(ctx, m.userKey(userID))
	if err != nil {
		m.logger.Warn("user session listing failed", "user_id", userID, "error", err)
		return 0
	}

	var destroyed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		g.Go(func() error {
			if m.DestroySession(gctx, id) {
				destroyed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	if _, err := m.cmd.Del(ctx, m.userKey(userID)); err != nil {
		m.logger.Warn("user membership cleanup failed", "user_id", userID, "error", err)
	}

	m.logger.Info("user sessions destroyed", "user_id", userID, "count", destroyed.Load())
	return int(destroyed.Load())
}

// CreateRefreshToken mints a one-time token bound to sessionID.
func (m *SessionManager) CreateRefreshToken(ctx context.Context, sessionID, userID string) (string, error) {
	token, err := randomToken()
	if err != nil {
		return "", fmt.Errorf("generate refresh token: %w", err)
	}

	now := time.Now()
	record := RefreshToken{
		SessionID: sessionID,
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(m.refreshTTL),
	}
	data, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("marshal refresh token: %w", err)
	}
	if err := m.cmd.Set(ctx, m.refreshKey(token), string(data), m.refreshTTL); err != nil {
		return "", fmt.Errorf("store refresh token: %w", err)
	}
	return token, nil
}

// RefreshSession redeems a token: the token is marked used, a new session is
// created carrying over the old session's profile fields, and the old session
// is destroyed. Expired, used, or unknown tokens yield nil, as does a token
// whose session no longer exists.
func (m *SessionManager) RefreshSession(ctx context.Context, token string) *CreateResult {
	raw, err := m.cmd.Get(ctx, m.refreshKey(token))
	if errors.Is(err, ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		m.logger.Warn("refresh token read failed", "error", err)
		return nil
	}

	var record RefreshToken
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		m.logger.Warn("refresh token parse failed", "error", err)
		return nil
	}
	if record.Used {
		m.logger.Warn("refresh token replay detected", "session_id", record.SessionID, "user_id", record.UserID)
		return nil
	}
	if !record.ExpiresAt.After(time.Now()) {
		return nil
	}

	// Mark used before anything else so a crash cannot leave a redeemable
	// token behind. The used record lingers for the grace TTL.
	record.Used = true
	if data, err := json.Marshal(record); err == nil {
		if err := m.cmd.Set(ctx, m.refreshKey(token), string(data), m.refreshGraceTTL); err != nil {
			m.logger.Warn("refresh token mark-used failed", "error", err)
			return nil
		}
	}

	old := m.GetSession(ctx, record.SessionID)
	if old == nil {
		m.logger.Warn("refresh token for missing session", "session_id", record.SessionID)
		return nil
	}

	result, err := m.CreateSession(ctx, record.UserID, SessionData{
		Email:       old.Email,
		Role:        old.Role,
		Permissions: old.Permissions,
		Metadata:    old.Metadata,
		IPAddress:   old.IPAddress,
		UserAgent:   old.UserAgent,
	}, &CreateOptions{IssueRefreshToken: true})
	if err != nil {
		m.logger.Warn("session rotation failed", "session_id", record.SessionID, "error", err)
		return nil
	}

	m.DestroySession(ctx, record.SessionID)
	DefaultMetrics.RecordSessionRefreshed()
	return result
}

// CleanupExpiredSessions destroys every session whose expiry score in the
// global index is in the past and returns the count removed. Intended for a
// scheduled sweeper.
func (m *SessionManager) CleanupExpiredSessions(ctx context.Context) int {
	ids, err := m.cmd.ZRangeByScore(ctx, m.activeKey(), scoreNegInf, float64(time.Now().UnixMilli()))
	if err != nil {
		m.logger.Warn("session sweep listing failed", "error", err)
		return 0
	}

	removed := 0
	for _, id := range ids {
		if m.DestroySession(ctx, id) {
			removed++
		} else {
			// Record already gone; still drop the index entry.
			if _, err := m.cmd.ZRem(ctx, m.activeKey(), id); err != nil {
				m.logger.Warn("session index cleanup failed", "session_id", id, "error", err)
			}
			removed++
		}
	}

	if removed > 0 {
		m.logger.Info("expired sessions swept", "count", removed)
	}
	return removed
}

// GetSessionStats enumerates per-user membership keys, which is O(users);
// not suited to very large user bases.
func (m *SessionManager) GetSessionStats(ctx context.Context) (*SessionStats, error) {
	total, err := m.cmd.ZCard(ctx, m.activeKey())
	if err != nil {
		return nil, fmt.Errorf("session stats: %w", err)
	}

	stats := &SessionStats{Total: total, SessionsByUser: make(map[string]int64)}

	if oldest, err := m.cmd.ZRangeWithScores(ctx, m.activeKey(), 0, 0); err == nil && len(oldest) > 0 {
		stats.OldestExpiry = time.UnixMilli(int64(oldest[0].Score))
	}
	if newest, err := m.cmd.ZRangeWithScores(ctx, m.activeKey(), -1, -1); err == nil && len(newest) > 0 {
		stats.NewestExpiry = time.UnixMilli(int64(newest[0].Score))
	}

	userKeys, err := m.cmd.Keys(ctx, m.prefix+"user:*")
	if err != nil {
		return nil, fmt.Errorf("session stats: %w", err)
	}
	for _, key := range userKeys {
		userID := key[len(m.prefix+"user:"):]
		count, err := m.cmd.SCard(ctx, key)
		if err != nil {
			continue
		}
		stats.SessionsByUser[userID] = count
	}

	return stats, nil
}

// enforceMaxSessions evicts the least-recently-accessed sessions beyond the
// cap. The session just created is never evicted.
func (m *SessionManager) enforceMaxSessions(ctx context.Context, userID string, max int, keepID string) {
	ids, err := m.cmd.SMembers(ctx, m.userKey(userID))
	if err != nil {
		m.logger.Warn("max-session check failed", "user_id", userID, "error", err)
		return
	}
	if len(ids) <= max {
		return
	}

	sessions := make([]*Session, 0, len(ids))
	for _, id := range ids {
		if s := m.readSession(ctx, id); s != nil {
			sessions = append(sessions, s)
		} else {
			// Stale membership entry.
			if _, err := m.cmd.SRem(ctx, m.userKey(userID), id); err != nil {
				m.logger.Warn("stale membership cleanup failed", "user_id", userID, "error", err)
			}
		}
	}
	if len(sessions) <= max {
		return
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].LastAccessedAt.Before(sessions[j].LastAccessedAt)
	})

	for _, s := range sessions[:len(sessions)-max] {
		if s.SessionID == keepID {
			continue
		}
		m.DestroySession(ctx, s.SessionID)
		DefaultMetrics.RecordSessionEvicted()
		m.logger.Info("session evicted by per-user cap",
			"user_id", userID,
			"session_id", s.SessionID,
			"last_accessed_at", s.LastAccessedAt,
		)
	}
}

// readSession fetches and parses a session without the lazy-expiry side
// effect.
func (m *SessionManager) readSession(ctx context.Context, id string) *Session {
	raw, err := m.cmd.Get(ctx, m.sessionKey(id))
	if errors.Is(err, ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		m.logger.Warn("session read failed", "session_id", id, "error", err)
		return nil
	}

	var session Session
	if err := json.Unmarshal([]byte(raw), &session); err != nil {
		m.logger.Warn("session parse failed", "session_id", id, "error", err)
		return nil
	}
	return &session
}

func (m *SessionManager) writeSession(ctx context.Context, session *Session, ttl time.Duration) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := m.cmd.Set(ctx, m.sessionKey(session.SessionID), string(data), ttl); err != nil {
		return fmt.Errorf("store session: %w", err)
	}
	return nil
}

// destroyRefreshTokensFor removes tokens bound to a session via a keyspace
// scan over the refresh prefix.
func (m *SessionManager) destroyRefreshTokensFor(ctx context.Context, sessionID string) {
	keys, err := m.cmd.Keys(ctx, m.prefix+"refresh:*")
	if err != nil {
		m.logger.Warn("refresh token scan failed", "session_id", sessionID, "error", err)
		return
	}

	for _, key := range keys {
		raw, err := m.cmd.Get(ctx, key)
		if err != nil {
			continue
		}
		var record RefreshToken
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			continue
		}
		if record.SessionID != sessionID || record.Used {
			// Used tokens ride out their grace TTL for replay detection.
			continue
		}
		if _, err := m.cmd.Del(ctx, key); err != nil {
			m.logger.Warn("refresh token delete failed", "session_id", sessionID, "error", err)
		}
	}
}

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
