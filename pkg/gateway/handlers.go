package gateway

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mlatt/aviary/pkg/agent"
	"github.com/mlatt/aviary/pkg/store"
	"github.com/mlatt/aviary/pkg/twitter"
)

// handleQuery answers one agent query
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req agent.QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}
	if req.UserID <= 0 && req.TwitterUserID == "" {
		writeError(w, http.StatusBadRequest, "either user_id or twitter_user_id is required")
		return
	}

	resp, err := s.options.Service.ProcessQuery(r.Context(), req)
	if err != nil {
		if r.Context().Err() != nil {
			// Client went away; nothing sensible to write.
			return
		}
		s.logger.Error().
			Str("request_id", RequestIDFromContext(r.Context())).
			Err(err).
			Msg("Query failed")
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.broadcaster.publish("agent.response", map[string]interface{}{
		"user_id":         req.UserID,
		"twitter_user_id": req.TwitterUserID,
		"actions":         len(resp.ActionsTaken),
	})

	writeJSON(w, http.StatusOK, resp)
}

// handleSessions lists live sessions
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	manager := s.options.Service.Sessions()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": manager.Keys(),
		"count":    manager.Len(),
	})
}

// handleSession inspects or evicts one session by key
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/agent/sessions/")
	if key == "" {
		writeError(w, http.StatusBadRequest, "session key is required")
		return
	}

	manager := s.options.Service.Sessions()

	switch r.Method {
	case http.MethodGet:
		sess, ok := manager.Get(key)
		if !ok {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		writeJSON(w, http.StatusOK, sessionBody{
			Key:        sess.Key,
			CreatedAt:  sess.CreatedAt(),
			LastAccess: sess.LastAccess(),
			IdleFor:    sess.IdleFor().String(),
			Turns:      len(sess.History()),
		})
	case http.MethodDelete:
		if !manager.Remove(key) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "removed", "session_key": key})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleLogin starts the OAuth authorization-code flow with PKCE
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.options.OAuth == nil {
		writeError(w, http.StatusServiceUnavailable, "OAuth is not configured")
		return
	}

	state := uuid.NewString()
	verifier := twitter.NewVerifier()
	s.rememberAuth(state, verifier)

	http.Redirect(w, r, twitter.AuthCodeURL(s.options.OAuth, state, verifier), http.StatusFound)
}

// handleCallback completes the OAuth flow: exchanges the code, resolves the
// Twitter profile and persists the user with their token.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.options.OAuth == nil || s.options.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "OAuth is not configured")
		return
	}

	if errParam := r.URL.Query().Get("error"); errParam != "" {
		writeError(w, http.StatusBadRequest, "authorization denied: "+errParam)
		return
	}

	state := r.URL.Query().Get("state")
	code := r.URL.Query().Get("code")
	if state == "" || code == "" {
		writeError(w, http.StatusBadRequest, "state and code are required")
		return
	}

	verifier, ok := s.takeAuth(state)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown or expired state")
		return
	}

	ctx := r.Context()

	tok, err := twitter.Exchange(ctx, s.options.OAuth, code, verifier)
	if err != nil {
		s.logger.Error().Err(err).Msg("OAuth code exchange failed")
		writeError(w, http.StatusBadGateway, "code exchange failed")
		return
	}

	profile, err := twitter.ProfileForToken(ctx, s.options.OAuth, tok, s.options.TwitterBaseURL)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to resolve Twitter profile")
		writeError(w, http.StatusBadGateway, "failed to resolve Twitter profile")
		return
	}

	user, err := s.options.Store.UpsertUser(ctx, profile.ID, profile.Username, profile.Name)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to persist user")
		writeError(w, http.StatusInternalServerError, "failed to persist user")
		return
	}

	_, err = s.options.Store.SaveToken(ctx, store.Token{
		UserID:        user.ID,
		TwitterUserID: profile.ID,
		AccessToken:   tok.AccessToken,
		RefreshToken:  tok.RefreshToken,
		ExpiresAt:     tok.Expiry,
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to persist token")
		writeError(w, http.StatusInternalServerError, "failed to persist token")
		return
	}

	s.logger.Info().
		Int64("user_id", user.ID).
		Str("twitter_user_id", profile.ID).
		Str("username", profile.Username).
		Msg("User authorized")

	writeJSON(w, http.StatusOK, authCallbackBody{
		UserID:        user.ID,
		TwitterUserID: profile.ID,
		Username:      profile.Username,
		Message:       "Authorization complete. You can close this window.",
	})
}

// handleHealth reports liveness
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	writeJSON(w, http.StatusOK, healthBody{
		Status:         "ok",
		Uptime:         time.Since(s.startTime).Seconds(),
		ActiveSessions: s.options.Service.Sessions().Len(),
		Timestamp:      time.Now().UnixMilli(),
	})
}
