package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/polyvox/polyvox/internal/auth"
	"github.com/polyvox/polyvox/internal/control"
	"github.com/polyvox/polyvox/internal/ratelimit"
	"github.com/polyvox/polyvox/internal/store"
	"github.com/polyvox/polyvox/internal/synth"
)

// handleListenerWS is the listener's streaming connection. After joining a
// session the connection mostly receives: translated audio arrives as binary
// frames pushed by the broadcast path, control events as text frames.
func (s *Server) handleListenerWS(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if v, _ := s.deps.Limiter.Check(ctx, ratelimit.OpConnectionAttempt, ratelimit.IDTypeIP, clientIP(r)); v != ratelimit.VerdictAllow {
		writeError(w, control.CodeRateLimitExceeded, "too many connection attempts")
		return
	}

	claims, err := s.deps.Authenticator.Authenticate(ctx, bearerToken(r), auth.RoleListener)
	if err != nil {
		code, msg := authErrorCode(err)
		writeError(w, code, msg)
		return
	}

	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Debug("listener upgrade failed", "error", err)
		return
	}

	connID := uuid.NewString()
	s.deps.Hub.Add(connID, ws)
	s.deps.Lifetime.Track(connID)
	s.logger.Info("listener connected",
		"connection_id", connID, "user_id", claims.UserID, "anonymous", claims.Anonymous)

	var sessionID string
	defer func() {
		ctx := context.WithoutCancel(ctx)
		if sessionID != "" {
			if err := s.deps.Connections.Remove(ctx, connID); err != nil {
				s.logger.Warn("listener removal failed", "connection_id", connID, "error", err)
			}
		}
		s.deps.Hub.Remove(connID)
		s.deps.Lifetime.Forget(connID)
		s.deps.Limiter.Forget(ratelimit.IDTypeConnection, connID)
		s.logger.Info("listener disconnected", "connection_id", connID, "session_id", sessionID)
	}()

	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			return
		}
		if typ == websocket.MessageBinary {
			// Listeners only receive audio.
			continue
		}

		msg, err := control.ParseMessage(data)
		if err != nil {
			s.sendError(ctx, connID, sessionID, control.CodeValidationBadAction, "message is not valid JSON")
			continue
		}

		switch msg.Action {
		case control.ActionJoinSession:
			sessionID = s.joinSession(ctx, connID, sessionID, claims, msg)

		case control.ActionHeartbeat:
			if v, _ := s.deps.Limiter.Check(ctx, ratelimit.OpHeartbeat, ratelimit.IDTypeConnection, connID); v != ratelimit.VerdictAllow {
				continue
			}
			s.deps.Lifetime.Heartbeat(ctx, connID)

		case control.ActionGetSessionStatus:
			if sessionID == "" {
				s.sendError(ctx, connID, "", control.CodeValidationBadAction, "join a session first")
				continue
			}
			ev, err := s.deps.Router.SessionStatus(ctx, sessionID)
			if err != nil {
				s.sendControlError(ctx, connID, sessionID, err)
				continue
			}
			if err := s.deps.Hub.SendEvent(ctx, connID, ev); err != nil {
				s.logger.Debug("status reply delivery failed", "connection_id", connID, "error", err)
			}

		default:
			s.sendError(ctx, connID, sessionID, control.CodeValidationBadAction, "listeners cannot perform this action")
		}
	}
}

// joinSession binds the listener to one target-language bucket of an active
// session and returns the joined session id, or the current one unchanged
// when the message is rejected.
func (s *Server) joinSession(ctx context.Context, connID, current string, claims auth.Claims, msg control.Message) string {
	if current != "" {
		s.sendError(ctx, connID, current, control.CodeValidationBadAction, "connection already joined a session")
		return current
	}
	if _, err := synth.VoiceFor(msg.TargetLanguage); err != nil {
		s.sendError(ctx, connID, "", control.CodeValidationBadLanguage, "target language is not supported")
		return current
	}
	if v, _ := s.deps.Limiter.Check(ctx, ratelimit.OpListenerJoin, ratelimit.IDTypeUser, claims.UserID); v != ratelimit.VerdictAllow {
		s.sendError(ctx, connID, "", control.CodeRateLimitExceeded, "too many join attempts")
		return current
	}

	sess, err := s.deps.Registry.Get(ctx, msg.SessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.sendError(ctx, connID, "", control.CodeSessionNotFound, "session does not exist")
		} else {
			s.logger.Error("session lookup failed", "session_id", msg.SessionID, "error", err)
			s.sendError(ctx, connID, "", control.CodeInternal, "join failed")
		}
		return current
	}
	if !sess.Broadcast.IsActive {
		s.sendError(ctx, connID, "", control.CodeSessionInactive, "session has ended")
		return current
	}

	if err := s.deps.Connections.RegisterListener(ctx, connID, sess.SessionID, msg.TargetLanguage, claims.UserID); err != nil {
		s.logger.Error("listener registration failed", "session_id", sess.SessionID, "error", err)
		s.sendError(ctx, connID, "", control.CodeInternal, "join failed")
		return current
	}

	// Tell the speaker, when it is on this instance, about the new listener.
	if joined, err := s.deps.Registry.Get(ctx, sess.SessionID); err == nil {
		s.mu.Lock()
		speakerConn := s.speakerConns[sess.SessionID]
		s.mu.Unlock()
		if speakerConn != "" {
			s.deps.Router.NotifyListenerJoined(ctx, speakerConn, sess.SessionID, msg.TargetLanguage, joined.ListenerCount)
		}
	}

	if ev, err := s.deps.Router.SessionStatus(ctx, sess.SessionID); err == nil {
		if err := s.deps.Hub.SendEvent(ctx, connID, ev); err != nil {
			s.logger.Debug("join ack delivery failed", "connection_id", connID, "error", err)
		}
	}
	s.logger.Info("listener joined",
		"session_id", sess.SessionID, "connection_id", connID, "target_language", msg.TargetLanguage)
	return sess.SessionID
}
