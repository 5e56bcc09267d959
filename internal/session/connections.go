package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/polyvox/polyvox/internal/store"
	"github.com/polyvox/polyvox/pkg/types"
)

// Connections binds transport connections to sessions and maintains the
// (sessionId, targetLanguage) listener index.
type Connections struct {
	store    store.ConnectionStore
	sessions *Registry
	logger   *slog.Logger
	now      func() time.Time
}

// NewConnections builds the connection registry. Removal paths go through
// sessions so the listener counter stays consistent with the index.
func NewConnections(st store.ConnectionStore, sessions *Registry, logger *slog.Logger) *Connections {
	return &Connections{
		store:    st,
		sessions: sessions,
		logger:   logger,
		now:      time.Now,
	}
}

// RegisterSpeaker binds the speaker connection to its session.
func (c *Connections) RegisterSpeaker(ctx context.Context, connID, sessionID, userID string) error {
	s, err := c.sessions.Get(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("session: registering speaker: %w", err)
	}
	conn := types.Connection{
		ConnectionID: connID,
		SessionID:    sessionID,
		Role:         types.RoleSpeaker,
		UserID:       userID,
		ConnectedAt:  c.now(),
		ExpiresAt:    s.ExpiresAt,
	}
	if err := c.store.PutConnection(ctx, conn); err != nil {
		return fmt.Errorf("session: registering speaker: %w", err)
	}
	return nil
}

// RegisterListener binds a listener connection to one target language of the
// session and bumps the listener counter. The index insert and counter move
// are not one transaction; the reap path absorbs the resulting double-remove
// edge instead.
func (c *Connections) RegisterListener(ctx context.Context, connID, sessionID, targetLanguage, userID string) error {
	if targetLanguage == "" {
		return errors.New("session: listener requires a target language")
	}
	s, err := c.sessions.Get(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("session: registering listener: %w", err)
	}

	conn := types.Connection{
		ConnectionID:   connID,
		SessionID:      sessionID,
		Role:           types.RoleListener,
		TargetLanguage: targetLanguage,
		UserID:         userID,
		ConnectedAt:    c.now(),
		ExpiresAt:      s.ExpiresAt,
	}
	if err := c.store.PutConnection(ctx, conn); err != nil {
		return fmt.Errorf("session: registering listener: %w", err)
	}
	if _, err := c.sessions.IncrementListeners(ctx, sessionID); err != nil {
		// Roll the row back so the index and counter cannot drift apart.
		if _, delErr := c.store.DeleteConnection(ctx, connID); delErr != nil {
			c.logger.Error("rollback of listener registration failed",
				"connection_id", connID, "error", delErr)
		}
		return fmt.Errorf("session: registering listener: %w", err)
	}
	return nil
}

// Get returns the connection row.
func (c *Connections) Get(ctx context.Context, connID string) (types.Connection, error) {
	return c.store.GetConnection(ctx, connID)
}

// ListListeners returns every listener connection of a session.
func (c *Connections) ListListeners(ctx context.Context, sessionID string) ([]types.Connection, error) {
	return c.store.ListListeners(ctx, sessionID)
}

// ListListenersByLanguage returns one language bucket via the secondary
// index.
func (c *Connections) ListListenersByLanguage(ctx context.Context, sessionID, targetLanguage string) ([]types.Connection, error) {
	return c.store.ListListenersByLanguage(ctx, sessionID, targetLanguage)
}

// ListTargetLanguages returns the distinct target languages with at least one
// listener on the session.
func (c *Connections) ListTargetLanguages(ctx context.Context, sessionID string) ([]string, error) {
	return c.store.ListTargetLanguages(ctx, sessionID)
}

// Remove deletes a connection and, for listeners, decrements the counter
// exactly once. Safe to call from both the disconnect handler and the
// broadcast reap path for the same connection; the second call is a no-op.
func (c *Connections) Remove(ctx context.Context, connID string) error {
	conn, err := c.store.GetConnection(ctx, connID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("session: removing connection: %w", err)
	}

	removed, err := c.store.DeleteConnection(ctx, connID)
	if err != nil {
		return fmt.Errorf("session: removing connection: %w", err)
	}
	if !removed {
		return nil
	}
	if conn.Role == types.RoleListener {
		if _, err := c.sessions.DecrementListeners(ctx, conn.SessionID); err != nil {
			return fmt.Errorf("session: removing connection: %w", err)
		}
	}
	return nil
}

// RemoveAllForSession drops every connection row of a session. Used when the
// session ends; the counter is not decremented row by row because the session
// itself is already terminal.
func (c *Connections) RemoveAllForSession(ctx context.Context, sessionID string) error {
	if err := c.store.DeleteAllForSession(ctx, sessionID); err != nil {
		return fmt.Errorf("session: removing session connections: %w", err)
	}
	return nil
}
