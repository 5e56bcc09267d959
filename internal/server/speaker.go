package server

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/polyvox/polyvox/internal/auth"
	"github.com/polyvox/polyvox/internal/control"
	"github.com/polyvox/polyvox/internal/ingest"
	"github.com/polyvox/polyvox/internal/ratelimit"
	"github.com/polyvox/polyvox/internal/session"
	"github.com/polyvox/polyvox/internal/synth"
	"github.com/polyvox/polyvox/pkg/types"
)

// handleSpeakerWS is the speaker's streaming connection: admission, upgrade,
// then a read loop that feeds audio into ingestion and control messages into
// the router until the connection drops.
func (s *Server) handleSpeakerWS(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if v, _ := s.deps.Limiter.Check(ctx, ratelimit.OpConnectionAttempt, ratelimit.IDTypeIP, clientIP(r)); v != ratelimit.VerdictAllow {
		writeError(w, control.CodeRateLimitExceeded, "too many connection attempts")
		return
	}

	claims, err := s.deps.Authenticator.Authenticate(ctx, bearerToken(r), auth.RoleSpeaker)
	if err != nil {
		code, msg := authErrorCode(err)
		writeError(w, code, msg)
		return
	}

	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Debug("speaker upgrade failed", "error", err)
		return
	}

	connID := uuid.NewString()
	s.deps.Hub.Add(connID, ws)
	s.deps.Lifetime.Track(connID)
	s.logger.Info("speaker connected", "connection_id", connID, "user_id", claims.UserID)

	var sessionID string
	defer func() {
		ctx := context.WithoutCancel(ctx)
		s.teardownSession(ctx, sessionID, "speaker_disconnected")
		s.deps.Hub.Remove(connID)
		s.deps.Lifetime.Forget(connID)
		s.deps.Limiter.Forget(ratelimit.IDTypeConnection, connID)
		s.logger.Info("speaker disconnected", "connection_id", connID, "session_id", sessionID)
	}()

	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			return
		}

		if typ == websocket.MessageBinary {
			if !s.acceptAudio(ctx, connID, sessionID, data) {
				return
			}
			continue
		}

		msg, err := control.ParseMessage(data)
		if err != nil {
			s.sendError(ctx, connID, sessionID, control.CodeValidationBadAction, "message is not valid JSON")
			continue
		}

		switch msg.Action {
		case control.ActionCreateSession:
			sessionID = s.createSession(ctx, connID, sessionID, claims, msg)

		case control.ActionSendAudio:
			chunk, err := base64.StdEncoding.DecodeString(msg.Data)
			if err != nil {
				s.sendError(ctx, connID, sessionID, control.CodeAudioInvalidFormat, "audio payload is not valid base64")
				continue
			}
			if !s.acceptAudio(ctx, connID, sessionID, chunk) {
				return
			}

		case control.ActionHeartbeat:
			if v, _ := s.deps.Limiter.Check(ctx, ratelimit.OpHeartbeat, ratelimit.IDTypeConnection, connID); v != ratelimit.VerdictAllow {
				continue
			}
			s.deps.Lifetime.Heartbeat(ctx, connID)

		default:
			if v, _ := s.deps.Limiter.Check(ctx, ratelimit.OpControlMessage, ratelimit.IDTypeConnection, connID); v != ratelimit.VerdictAllow {
				s.sendError(ctx, connID, sessionID, control.CodeRateLimitExceeded, "too many control messages")
				continue
			}
			ev, err := s.deps.Router.HandleSpeakerControl(ctx, connID, msg)
			if err != nil {
				s.sendControlError(ctx, connID, sessionID, err)
				continue
			}
			if err := s.deps.Hub.SendEvent(ctx, connID, ev); err != nil {
				s.logger.Debug("control reply delivery failed", "connection_id", connID, "error", err)
			}
		}
	}
}

// createSession builds the whole speaker pipeline for one createSession
// message and returns the new session id, or the current one unchanged when
// the message is rejected.
func (s *Server) createSession(ctx context.Context, connID, current string, claims auth.Claims, msg control.Message) string {
	if current != "" {
		s.sendError(ctx, connID, current, control.CodeValidationBadAction, "connection already has a session")
		return current
	}
	if _, err := synth.VoiceFor(msg.SourceLanguage); err != nil {
		s.sendError(ctx, connID, "", control.CodeValidationBadLanguage, "source language is not supported")
		return current
	}
	tier := types.QualityTier(msg.QualityTier)
	if msg.QualityTier == "" {
		tier = types.TierStandard
	}
	if !tier.IsValid() {
		s.sendError(ctx, connID, "", control.CodeValidationBadTier, "quality tier must be standard or premium")
		return current
	}
	if v, _ := s.deps.Limiter.Check(ctx, ratelimit.OpSessionCreate, ratelimit.IDTypeUser, claims.UserID); v != ratelimit.VerdictAllow {
		s.sendError(ctx, connID, "", control.CodeRateLimitExceeded, "too many sessions created")
		return current
	}

	sess, err := s.deps.Registry.Create(ctx, claims.UserID, msg.SourceLanguage, tier)
	if err != nil {
		if errors.Is(err, session.ErrSpeakerBusy) {
			s.sendError(ctx, connID, "", control.CodeSessionAlreadyActive, "speaker already has an active session")
		} else if errors.Is(err, session.ErrIDExhaustion) {
			s.sendError(ctx, connID, "", control.CodeSessionIDExhaustion, "no session id available, try again later")
		} else {
			s.logger.Error("session creation failed", "user_id", claims.UserID, "error", err)
			s.sendError(ctx, connID, "", control.CodeInternal, "session creation failed")
		}
		return current
	}

	if err := s.deps.Connections.RegisterSpeaker(ctx, connID, sess.SessionID, claims.UserID); err != nil {
		s.logger.Error("speaker registration failed", "session_id", sess.SessionID, "error", err)
		s.sendError(ctx, connID, "", control.CodeInternal, "session creation failed")
		return current
	}

	notifyCtx := context.WithoutCancel(ctx)
	ing := ingest.New(connID, sess.SessionID, s.deps.IngestConfig, s.deps.Limiter, s.logger,
		func(issue ingest.Issue) {
			s.deps.Router.NotifyQualityIssue(notifyCtx, connID, sess.SessionID, issue)
		})

	s.deps.Partials.StartSession(sess.SessionID)
	if err := s.deps.ASR.Start(ctx, sess.SessionID, sess.SourceLanguage, ing, s.deps.Partials); err != nil {
		s.logger.Error("recognition stream failed to start", "session_id", sess.SessionID, "error", err)
		s.deps.Partials.EndSession(sess.SessionID)
		ing.Close()
		s.sendError(ctx, connID, "", control.CodeInternal, "session creation failed")
		return current
	}

	s.mu.Lock()
	s.speakerConns[sess.SessionID] = connID
	s.ingestors[sess.SessionID] = ing
	s.mu.Unlock()

	ev := control.NewEvent(control.EventSessionCreated, sess.SessionID, control.SessionCreatedPayload{
		SessionID:   sess.SessionID,
		ExpiresAt:   sess.ExpiresAt,
		QualityTier: string(sess.QualityTier),
	})
	if err := s.deps.Hub.SendEvent(ctx, connID, ev); err != nil {
		s.logger.Debug("sessionCreated delivery failed", "connection_id", connID, "error", err)
	}
	return sess.SessionID
}

// acceptAudio feeds one chunk into the session's ingestor. Returns false when
// the connection must close.
func (s *Server) acceptAudio(ctx context.Context, connID, sessionID string, chunk []byte) bool {
	if sessionID == "" {
		s.sendError(ctx, connID, "", control.CodeValidationBadAction, "audio requires an active session")
		return true
	}
	s.mu.Lock()
	ing := s.ingestors[sessionID]
	s.mu.Unlock()
	if ing == nil {
		return true
	}

	verdict, err := ing.Accept(ctx, chunk)
	if err != nil && errors.Is(err, ingest.ErrInvalidFormat) {
		s.sendError(ctx, connID, sessionID, control.CodeAudioInvalidFormat, "audio must be PCM16LE mono 16kHz")
		return true
	}
	switch verdict {
	case ratelimit.VerdictWarn:
		s.sendError(ctx, connID, sessionID, control.CodeRateLimitAudioChunks, "audio chunk rate exceeded, frames are being dropped")
	case ratelimit.VerdictClose:
		s.sendError(ctx, connID, sessionID, control.CodeRateLimitClosed, "connection closed for sustained audio flooding")
		s.deps.Hub.CloseConnection(ctx, connID, "rate limit exceeded")
		return false
	}
	return true
}

// teardownSession dismantles the speaker pipeline. Safe to call with an empty
// id and more than once for the same session.
func (s *Server) teardownSession(ctx context.Context, sessionID, reason string) {
	if sessionID == "" {
		return
	}
	s.mu.Lock()
	ing := s.ingestors[sessionID]
	delete(s.ingestors, sessionID)
	delete(s.speakerConns, sessionID)
	s.mu.Unlock()

	if err := s.deps.Router.EndSession(ctx, sessionID, reason); err != nil {
		s.logger.Warn("session end failed", "session_id", sessionID, "error", err)
	}
	s.deps.ASR.Stop(sessionID)
	if ing != nil {
		ing.Close()
	}
	s.deps.Partials.EndSession(sessionID)
	s.deps.Fanout.EndSession(sessionID)
}

// sendError delivers an error event to a live connection.
func (s *Server) sendError(ctx context.Context, connID, sessionID, code, message string) {
	ev := control.NewEvent(control.EventError, sessionID, control.ErrorPayload{
		Code:          code,
		Message:       message,
		CorrelationID: uuid.NewString(),
	})
	if err := s.deps.Hub.SendEvent(ctx, connID, ev); err != nil {
		s.logger.Debug("error event delivery failed", "connection_id", connID, "error", err)
	}
}

// sendControlError maps a control-plane failure onto an error event.
func (s *Server) sendControlError(ctx context.Context, connID, sessionID string, err error) {
	var ce *control.Error
	if errors.As(err, &ce) {
		s.sendError(ctx, connID, sessionID, ce.Code, ce.Message)
		return
	}
	s.sendError(ctx, connID, sessionID, control.CodeInternal, "request failed")
}

// authErrorCode translates an authentication failure into its wire code.
func authErrorCode(err error) (code, message string) {
	switch auth.RejectionReason(err) {
	case auth.ReasonMissing:
		return control.CodeAuthMissingToken, "a bearer token is required"
	case auth.ReasonExpired:
		return control.CodeAuthExpiredToken, "token has expired"
	case auth.ReasonBadTokenUse:
		return control.CodeAuthForbidden, "token does not grant this role"
	default:
		return control.CodeAuthInvalidToken, "token validation failed"
	}
}
