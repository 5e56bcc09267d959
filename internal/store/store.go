// Package store defines the durable key-value contracts the platform runs
// on: sessions, connections, rate-limit buckets, and the translation cache.
//
// Three implementations exist: memory (tests and single-node development),
// dynamo (production), and postgres (self-hosted deployments). All durable
// entities carry a TTL; store-side expiry is the sole cleanup mechanism for
// abandoned rows. Every mutation here must be atomic against concurrent
// callers — listener counters in particular are only ever moved through
// [SessionStore.AddListenerCount], never read-modify-write.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/polyvox/polyvox/pkg/types"
)

// Sentinel errors shared by all implementations.
var (
	// ErrNotFound reports a missing row. Not retryable.
	ErrNotFound = errors.New("store: item not found")

	// ErrConditionFailed reports a conditional write that did not apply,
	// e.g. creating a session id that already exists. Not retryable as-is.
	ErrConditionFailed = errors.New("store: conditional check failed")

	// ErrNegativeCount reports a listener decrement that would drive the
	// counter below zero. It indicates a double-remove upstream and is
	// reported, never retried.
	ErrNegativeCount = errors.New("store: counter would become negative")
)

// TransientError wraps provider throttling and availability failures so
// callers can retry within their budgets.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("store: transient: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a retryable store failure.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// SessionStore holds session rows keyed by session id.
type SessionStore interface {
	// CreateSession inserts s only if no row with the same id exists.
	// Returns ErrConditionFailed on an id collision.
	CreateSession(ctx context.Context, s types.Session) error

	// GetSession returns the session row or ErrNotFound. Expired rows are
	// treated as missing.
	GetSession(ctx context.Context, sessionID string) (types.Session, error)

	// ActiveSessionForSpeaker returns the id of the speaker's live
	// broadcast, or ErrNotFound when the speaker has none. Ended and
	// expired sessions do not count.
	ActiveSessionForSpeaker(ctx context.Context, speakerID string) (string, error)

	// DeleteSession removes the session row. Deleting a missing row is not
	// an error.
	DeleteSession(ctx context.Context, sessionID string) error

	// UpdateBroadcastState overwrites the broadcast-state attribute of an
	// existing session. Returns ErrNotFound for a missing session.
	UpdateBroadcastState(ctx context.Context, sessionID string, st types.BroadcastState) error

	// AddListenerCount atomically adds delta to the listener counter and
	// returns the post-image value. Negative deltas are conditioned on
	// count >= |delta|; a failed condition surfaces as ErrNegativeCount.
	AddListenerCount(ctx context.Context, sessionID string, delta int64) (int64, error)
}

// ConnectionStore holds connection rows and the (sessionId, targetLanguage)
// language index used by broadcast fan-out.
type ConnectionStore interface {
	// PutConnection inserts or replaces a connection row and maintains the
	// language index entry for listeners.
	PutConnection(ctx context.Context, c types.Connection) error

	// GetConnection returns the connection row or ErrNotFound.
	GetConnection(ctx context.Context, connectionID string) (types.Connection, error)

	// DeleteConnection removes a connection row. The returned bool reports
	// whether a row was actually removed, so reap paths can decrement the
	// listener counter exactly once per connection.
	DeleteConnection(ctx context.Context, connectionID string) (bool, error)

	// ListListeners returns all listener connections of a session.
	ListListeners(ctx context.Context, sessionID string) ([]types.Connection, error)

	// ListListenersByLanguage returns the listener connections of one
	// language bucket using the secondary index — a single query, never a
	// scan.
	ListListenersByLanguage(ctx context.Context, sessionID, targetLanguage string) ([]types.Connection, error)

	// ListTargetLanguages returns the distinct target languages present on
	// a session, from the language-index projection.
	ListTargetLanguages(ctx context.Context, sessionID string) ([]string, error)

	// DeleteAllForSession removes every connection row of a session.
	DeleteAllForSession(ctx context.Context, sessionID string) error
}

// RateStore persists sliding-window rate buckets keyed by
// (operation, identifierType, identifierValue, windowStart).
type RateStore interface {
	// IncrRateBucket atomically increments the counter of the given window
	// and returns the post-image count. The row expires at windowStart+ttl.
	IncrRateBucket(ctx context.Context, op, idType, idValue string, windowStart time.Time, ttl time.Duration) (int64, error)

	// GetRateBucket returns the current count of a window, 0 if absent.
	GetRateBucket(ctx context.Context, op, idType, idValue string, windowStart time.Time) (int64, error)
}

// TranslationEntry is one content-addressed row of the translation cache.
type TranslationEntry struct {
	CacheKey       string    `dynamodbav:"cacheKey"`
	TranslatedText string    `dynamodbav:"translatedText"`
	ExpiresAt      time.Time `dynamodbav:"expiresAt,unixtime"`
	LastAccessed   time.Time `dynamodbav:"lastAccessed"`
}

// TranslationStore holds the content-addressed translation cache.
type TranslationStore interface {
	// GetTranslation returns the cache row or ErrNotFound. Expired rows
	// are treated as missing.
	GetTranslation(ctx context.Context, cacheKey string) (TranslationEntry, error)

	// PutTranslation inserts or replaces a cache row.
	PutTranslation(ctx context.Context, e TranslationEntry) error

	// TouchTranslation updates lastAccessed. Best-effort; a missing row is
	// not an error.
	TouchTranslation(ctx context.Context, cacheKey string, at time.Time) error

	// TranslationCount returns the number of live cache rows.
	TranslationCount(ctx context.Context) (int, error)

	// EvictOldestTranslations removes up to k rows with the oldest
	// lastAccessed and returns how many were removed.
	EvictOldestTranslations(ctx context.Context, k int) (int, error)
}

// Store is the full durable surface the application wires together.
type Store interface {
	SessionStore
	ConnectionStore
	RateStore
	TranslationStore
}
