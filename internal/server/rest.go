package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/polyvox/polyvox/internal/auth"
	"github.com/polyvox/polyvox/internal/control"
	"github.com/polyvox/polyvox/internal/ratelimit"
	"github.com/polyvox/polyvox/internal/session"
	"github.com/polyvox/polyvox/internal/store"
	"github.com/polyvox/polyvox/internal/synth"
	"github.com/polyvox/polyvox/pkg/types"
)

// createSessionRequest is the POST /sessions body.
type createSessionRequest struct {
	SourceLanguage string `json:"sourceLanguage"`
	QualityTier    string `json:"qualityTier"`
}

// updateSessionRequest is the PATCH /sessions/{id} body. Actions mirror the
// streaming control plane.
type updateSessionRequest struct {
	Action string   `json:"action"`
	Volume *float64 `json:"volume,omitempty"`
}

// sessionResponse is the REST view of a session.
type sessionResponse struct {
	SessionID            string         `json:"sessionId"`
	SourceLanguage       string         `json:"sourceLanguage"`
	QualityTier          string         `json:"qualityTier"`
	IsActive             bool           `json:"isActive"`
	IsPaused             bool           `json:"isPaused"`
	IsMuted              bool           `json:"isMuted"`
	Volume               float64        `json:"volume"`
	ListenerCount        int64          `json:"listenerCount"`
	LanguageDistribution map[string]int `json:"languageDistribution,omitempty"`
	CreatedAt            time.Time      `json:"createdAt"`
	ExpiresAt            time.Time      `json:"expiresAt"`
}

// handleCreateSession creates a session without a streaming connection. The
// speaker attaches its websocket afterwards or drives the session purely over
// REST.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	claims, ok := s.authSpeakerHTTP(w, r)
	if !ok {
		return
	}
	if v, _ := s.deps.Limiter.Check(ctx, ratelimit.OpSessionCreate, ratelimit.IDTypeUser, claims.UserID); v != ratelimit.VerdictAllow {
		writeError(w, control.CodeRateLimitExceeded, "too many sessions created")
		return
	}

	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, control.CodeValidationBadAction, "request body is not valid JSON")
		return
	}
	if _, err := synth.VoiceFor(req.SourceLanguage); err != nil {
		writeError(w, control.CodeValidationBadLanguage, "source language is not supported")
		return
	}
	tier := types.QualityTier(req.QualityTier)
	if req.QualityTier == "" {
		tier = types.TierStandard
	}
	if !tier.IsValid() {
		writeError(w, control.CodeValidationBadTier, "quality tier must be standard or premium")
		return
	}

	sess, err := s.deps.Registry.Create(ctx, claims.UserID, req.SourceLanguage, tier)
	if err != nil {
		if errors.Is(err, session.ErrSpeakerBusy) {
			writeError(w, control.CodeSessionAlreadyActive, "speaker already has an active session")
			return
		}
		if errors.Is(err, session.ErrIDExhaustion) {
			writeError(w, control.CodeSessionIDExhaustion, "no session id available, try again later")
			return
		}
		s.logger.Error("session creation failed", "user_id", claims.UserID, "error", err)
		writeError(w, control.CodeInternal, "session creation failed")
		return
	}

	writeJSON(w, http.StatusCreated, sessionView(sess, nil))
}

// handleGetSession returns the public view of a session. No authentication:
// the human-readable session id is the sharing handle.
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := chi.URLParam(r, "sessionID")

	sess, err := s.deps.Registry.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, control.CodeSessionNotFound, "session does not exist")
			return
		}
		s.logger.Error("session lookup failed", "session_id", sessionID, "error", err)
		writeError(w, control.CodeInternal, "session lookup failed")
		return
	}

	dist := map[string]int{}
	if listeners, err := s.deps.Connections.ListListeners(ctx, sessionID); err == nil {
		for _, l := range listeners {
			dist[l.TargetLanguage]++
		}
	}
	writeJSON(w, http.StatusOK, sessionView(sess, dist))
}

// handleUpdateSession applies one control action over REST.
func (s *Server) handleUpdateSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := chi.URLParam(r, "sessionID")

	claims, ok := s.authSpeakerHTTP(w, r)
	if !ok {
		return
	}
	sess, err := s.deps.Registry.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, control.CodeSessionNotFound, "session does not exist")
			return
		}
		s.logger.Error("session lookup failed", "session_id", sessionID, "error", err)
		writeError(w, control.CodeInternal, "session lookup failed")
		return
	}
	if sess.SpeakerID != claims.UserID {
		writeError(w, control.CodeAuthForbidden, "only the session's speaker can control it")
		return
	}

	var req updateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, control.CodeValidationBadAction, "request body is not valid JSON")
		return
	}

	ev, err := s.deps.Router.Apply(ctx, sessionID, control.Message{
		Action: req.Action,
		Volume: req.Volume,
	})
	if err != nil {
		writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

// handleDeleteSession ends a session. The streaming pipeline, when this
// instance carries it, is dismantled as if the speaker disconnected.
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := chi.URLParam(r, "sessionID")

	claims, ok := s.authSpeakerHTTP(w, r)
	if !ok {
		return
	}
	sess, err := s.deps.Registry.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, control.CodeSessionNotFound, "session does not exist")
			return
		}
		s.logger.Error("session lookup failed", "session_id", sessionID, "error", err)
		writeError(w, control.CodeInternal, "session lookup failed")
		return
	}
	if sess.SpeakerID != claims.UserID {
		writeError(w, control.CodeAuthForbidden, "only the session's speaker can end it")
		return
	}

	s.teardownSession(ctx, sessionID, "speaker_ended")
	w.WriteHeader(http.StatusNoContent)
}

// authSpeakerHTTP authenticates a REST request as a speaker, writing the
// error response itself on failure.
func (s *Server) authSpeakerHTTP(w http.ResponseWriter, r *http.Request) (auth.Claims, bool) {
	claims, err := s.deps.Authenticator.Authenticate(r.Context(), bearerToken(r), auth.RoleSpeaker)
	if err != nil {
		code, msg := authErrorCode(err)
		writeError(w, code, msg)
		return auth.Claims{}, false
	}
	return claims, true
}

// sessionView projects a session row onto the REST shape.
func sessionView(sess types.Session, dist map[string]int) sessionResponse {
	return sessionResponse{
		SessionID:            sess.SessionID,
		SourceLanguage:       sess.SourceLanguage,
		QualityTier:          string(sess.QualityTier),
		IsActive:             sess.Broadcast.IsActive,
		IsPaused:             sess.Broadcast.IsPaused,
		IsMuted:              sess.Broadcast.IsMuted,
		Volume:               sess.Broadcast.Volume,
		ListenerCount:        sess.ListenerCount,
		LanguageDistribution: dist,
		CreatedAt:            sess.CreatedAt,
		ExpiresAt:            sess.ExpiresAt,
	}
}

// writeControlError maps a control-plane failure onto an HTTP response.
func writeControlError(w http.ResponseWriter, err error) {
	var ce *control.Error
	if errors.As(err, &ce) {
		writeError(w, ce.Code, ce.Message)
		return
	}
	writeError(w, control.CodeInternal, "request failed")
}

// writeError writes the uniform JSON error body with the status the code
// maps to.
func writeError(w http.ResponseWriter, code, message string) {
	writeJSON(w, control.HTTPStatus(code), map[string]control.ErrorPayload{
		"error": {Code: code, Message: message},
	})
}

// writeJSON writes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":{"code":"INTERNAL_ERROR"}}`, http.StatusInternalServerError)
	}
}
