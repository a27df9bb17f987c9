package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/marketprimer/cachelayer/pkg/apierror"
)

type invalidateRequest struct {
	Tags    []string `json:"tags,omitempty"`
	Pattern string   `json:"pattern,omitempty"`
}

type invalidateResponse struct {
	Removed int64 `json:"removed"`
}

// handleHealth pings the backend with a hard timeout. A slow or dead backend
// answers 503; the process itself is always considered live.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthPingTimeout)
	defer cancel()

	status := "ok"
	code := http.StatusOK
	if err := s.cmd.Ping(ctx); err != nil {
		s.logger.Warn("health check ping failed", "error", err)
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]any{
		"status": status,
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// handleStats reports cache counters and the session index summary.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{
		"cache": s.cache.GetStats(),
	}
	if sessionStats, err := s.sessions.GetSessionStats(r.Context()); err == nil {
		payload["sessions"] = sessionStats
	} else {
		s.logger.Warn("session stats failed", "error", err)
	}

	writeJSON(w, http.StatusOK, payload)
}

// handleInvalidate removes cache entries by tags or by key pattern.
func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	var req invalidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierror.BadRequest("invalid request body").WriteJSON(w)
		return
	}
	if len(req.Tags) == 0 && req.Pattern == "" {
		apierror.BadRequest("tags or pattern is required").WriteJSON(w)
		return
	}

	var removed int64
	if len(req.Tags) > 0 {
		removed += s.cache.InvalidateByTags(r.Context(), req.Tags...)
	}
	if req.Pattern != "" {
		removed += s.cache.InvalidateByPattern(r.Context(), req.Pattern)
	}

	writeJSON(w, http.StatusOK, invalidateResponse{Removed: removed})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
