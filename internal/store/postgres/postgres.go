// Package postgres implements the store contracts on PostgreSQL via pgx.
//
// It serves self-hosted deployments where DynamoDB is not available. TTL
// semantics are expressed as expires_at columns: reads filter expired rows
// and a background sweeper deletes them. All counter mutations go through
// single UPDATE statements with RETURNING post-images, so they are atomic
// against concurrent callers just like the DynamoDB implementation.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/polyvox/polyvox/internal/store"
	"github.com/polyvox/polyvox/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
    session_id      TEXT        PRIMARY KEY,
    speaker_id      TEXT        NOT NULL,
    source_language TEXT        NOT NULL,
    quality_tier    TEXT        NOT NULL DEFAULT 'standard',
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    expires_at      TIMESTAMPTZ NOT NULL,
    listener_count  BIGINT      NOT NULL DEFAULT 0,
    is_active       BOOLEAN     NOT NULL DEFAULT TRUE,
    is_paused       BOOLEAN     NOT NULL DEFAULT FALSE,
    is_muted        BOOLEAN     NOT NULL DEFAULT FALSE,
    volume          DOUBLE PRECISION NOT NULL DEFAULT 1.0,
    last_state_change TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS sessions_active_speaker_idx
    ON sessions (speaker_id) WHERE is_active;

CREATE TABLE IF NOT EXISTS connections (
    connection_id   TEXT        PRIMARY KEY,
    session_id      TEXT        NOT NULL,
    role            TEXT        NOT NULL,
    target_language TEXT        NOT NULL DEFAULT '',
    user_id         TEXT        NOT NULL DEFAULT '',
    connected_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    expires_at      TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_connections_session_language
    ON connections (session_id, target_language);

CREATE TABLE IF NOT EXISTS rate_buckets (
    bucket_key TEXT        PRIMARY KEY,
    cnt        BIGINT      NOT NULL DEFAULT 0,
    expires_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS translations (
    cache_key       TEXT        PRIMARY KEY,
    translated_text TEXT        NOT NULL,
    expires_at      TIMESTAMPTZ NOT NULL,
    last_accessed   TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_translations_last_accessed
    ON translations (last_accessed);
`

// sweepInterval is how often expired rows are physically removed.
const sweepInterval = time.Minute

// Store implements store.Store on PostgreSQL. Safe for concurrent use.
type Store struct {
	pool   *pgxpool.Pool
	cancel context.CancelFunc
}

// New connects to the database at dsn, ensures the schema exists, and
// starts the TTL sweeper. Call Close to release the pool.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: migrate: %w", err)
	}

	sweepCtx, cancel := context.WithCancel(context.Background())
	s := &Store{pool: pool, cancel: cancel}
	go s.sweepLoop(sweepCtx)
	return s, nil
}

// Close stops the sweeper and releases the connection pool.
func (s *Store) Close() {
	s.cancel()
	s.pool.Close()
}

// sweepLoop periodically deletes expired rows from every table.
func (s *Store) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, table := range []string{"sessions", "connections", "rate_buckets", "translations"} {
				tag, err := s.pool.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE expires_at <= now()", table))
				if err != nil {
					slog.Warn("postgres: ttl sweep failed", "table", table, "err", err)
					continue
				}
				if tag.RowsAffected() > 0 {
					slog.Debug("postgres: ttl sweep", "table", table, "removed", tag.RowsAffected())
				}
			}
		}
	}
}

// ─── SessionStore ────────────────────────────────────────────────────────────

func (s *Store) CreateSession(ctx context.Context, sess types.Session) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (session_id, speaker_id, source_language, quality_tier,
		                      created_at, expires_at, listener_count,
		                      is_active, is_paused, is_muted, volume, last_state_change)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (session_id) DO NOTHING`,
		sess.SessionID, sess.SpeakerID, sess.SourceLanguage, string(sess.QualityTier),
		sess.CreatedAt, sess.ExpiresAt, sess.ListenerCount,
		sess.Broadcast.IsActive, sess.Broadcast.IsPaused, sess.Broadcast.IsMuted,
		sess.Broadcast.Volume, sess.Broadcast.LastStateChange,
	)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrConditionFailed
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (types.Session, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT session_id, speaker_id, source_language, quality_tier,
		       created_at, expires_at, listener_count,
		       is_active, is_paused, is_muted, volume, last_state_change
		FROM sessions WHERE session_id = $1 AND expires_at > now()`, sessionID)

	var sess types.Session
	var tier string
	err := row.Scan(&sess.SessionID, &sess.SpeakerID, &sess.SourceLanguage, &tier,
		&sess.CreatedAt, &sess.ExpiresAt, &sess.ListenerCount,
		&sess.Broadcast.IsActive, &sess.Broadcast.IsPaused, &sess.Broadcast.IsMuted,
		&sess.Broadcast.Volume, &sess.Broadcast.LastStateChange)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.Session{}, store.ErrNotFound
	}
	if err != nil {
		return types.Session{}, classify(err)
	}
	sess.QualityTier = types.QualityTier(tier)
	return sess, nil
}

func (s *Store) ActiveSessionForSpeaker(ctx context.Context, speakerID string) (string, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT session_id FROM sessions
		WHERE speaker_id = $1 AND is_active AND expires_at > now()
		LIMIT 1`, speakerID)

	var sessionID string
	err := row.Scan(&sessionID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", store.ErrNotFound
	}
	if err != nil {
		return "", classify(err)
	}
	return sessionID, nil
}

func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE session_id = $1`, sessionID)
	return classify(err)
}

func (s *Store) UpdateBroadcastState(ctx context.Context, sessionID string, st types.BroadcastState) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions
		SET is_active = $2, is_paused = $3, is_muted = $4, volume = $5, last_state_change = $6
		WHERE session_id = $1 AND expires_at > now()`,
		sessionID, st.IsActive, st.IsPaused, st.IsMuted, st.Volume, st.LastStateChange)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) AddListenerCount(ctx context.Context, sessionID string, delta int64) (int64, error) {
	var post int64
	err := s.pool.QueryRow(ctx, `
		UPDATE sessions
		SET listener_count = listener_count + $2
		WHERE session_id = $1 AND expires_at > now() AND listener_count + $2 >= 0
		RETURNING listener_count`, sessionID, delta).Scan(&post)
	if errors.Is(err, pgx.ErrNoRows) {
		// Distinguish a missing session from a would-be-negative counter.
		if _, getErr := s.GetSession(ctx, sessionID); getErr != nil {
			return 0, getErr
		}
		return 0, store.ErrNegativeCount
	}
	if err != nil {
		return 0, classify(err)
	}
	return post, nil
}

// ─── ConnectionStore ─────────────────────────────────────────────────────────

func (s *Store) PutConnection(ctx context.Context, c types.Connection) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO connections (connection_id, session_id, role, target_language,
		                         user_id, connected_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (connection_id) DO UPDATE
		SET session_id = EXCLUDED.session_id, role = EXCLUDED.role,
		    target_language = EXCLUDED.target_language, user_id = EXCLUDED.user_id,
		    connected_at = EXCLUDED.connected_at, expires_at = EXCLUDED.expires_at`,
		c.ConnectionID, c.SessionID, string(c.Role), c.TargetLanguage,
		c.UserID, c.ConnectedAt, c.ExpiresAt)
	return classify(err)
}

func (s *Store) GetConnection(ctx context.Context, connectionID string) (types.Connection, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT connection_id, session_id, role, target_language, user_id, connected_at, expires_at
		FROM connections WHERE connection_id = $1 AND expires_at > now()`, connectionID)
	c, err := scanConnection(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.Connection{}, store.ErrNotFound
	}
	if err != nil {
		return types.Connection{}, classify(err)
	}
	return c, nil
}

func (s *Store) DeleteConnection(ctx context.Context, connectionID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM connections WHERE connection_id = $1`, connectionID)
	if err != nil {
		return false, classify(err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) ListListeners(ctx context.Context, sessionID string) ([]types.Connection, error) {
	return s.queryConnections(ctx, `
		SELECT connection_id, session_id, role, target_language, user_id, connected_at, expires_at
		FROM connections
		WHERE session_id = $1 AND role = 'listener' AND expires_at > now()
		ORDER BY connection_id`, sessionID)
}

func (s *Store) ListListenersByLanguage(ctx context.Context, sessionID, targetLanguage string) ([]types.Connection, error) {
	return s.queryConnections(ctx, `
		SELECT connection_id, session_id, role, target_language, user_id, connected_at, expires_at
		FROM connections
		WHERE session_id = $1 AND target_language = $2 AND role = 'listener' AND expires_at > now()
		ORDER BY connection_id`, sessionID, targetLanguage)
}

func (s *Store) ListTargetLanguages(ctx context.Context, sessionID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT target_language FROM connections
		WHERE session_id = $1 AND role = 'listener' AND target_language <> '' AND expires_at > now()
		ORDER BY target_language`, sessionID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var langs []string
	for rows.Next() {
		var lang string
		if err := rows.Scan(&lang); err != nil {
			return nil, classify(err)
		}
		langs = append(langs, lang)
	}
	return langs, rows.Err()
}

func (s *Store) DeleteAllForSession(ctx context.Context, sessionID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM connections WHERE session_id = $1`, sessionID)
	return classify(err)
}

func (s *Store) queryConnections(ctx context.Context, sql string, args ...any) ([]types.Connection, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []types.Connection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, classify(err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanConnection(row pgx.Row) (types.Connection, error) {
	var c types.Connection
	var role string
	err := row.Scan(&c.ConnectionID, &c.SessionID, &role, &c.TargetLanguage,
		&c.UserID, &c.ConnectedAt, &c.ExpiresAt)
	if err != nil {
		return types.Connection{}, err
	}
	c.Role = types.Role(role)
	return c, nil
}

// ─── RateStore ───────────────────────────────────────────────────────────────

func (s *Store) IncrRateBucket(ctx context.Context, op, idType, idValue string, windowStart time.Time, ttl time.Duration) (int64, error) {
	key := fmt.Sprintf("%s#%s#%s#%d", op, idType, idValue, windowStart.Unix())
	var post int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO rate_buckets (bucket_key, cnt, expires_at)
		VALUES ($1, 1, $2)
		ON CONFLICT (bucket_key) DO UPDATE SET cnt = rate_buckets.cnt + 1
		RETURNING cnt`, key, windowStart.Add(ttl)).Scan(&post)
	if err != nil {
		return 0, classify(err)
	}
	return post, nil
}

func (s *Store) GetRateBucket(ctx context.Context, op, idType, idValue string, windowStart time.Time) (int64, error) {
	key := fmt.Sprintf("%s#%s#%s#%d", op, idType, idValue, windowStart.Unix())
	var cnt int64
	err := s.pool.QueryRow(ctx, `
		SELECT cnt FROM rate_buckets WHERE bucket_key = $1 AND expires_at > now()`, key).Scan(&cnt)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, classify(err)
	}
	return cnt, nil
}

// ─── TranslationStore ────────────────────────────────────────────────────────

func (s *Store) GetTranslation(ctx context.Context, cacheKey string) (store.TranslationEntry, error) {
	var e store.TranslationEntry
	err := s.pool.QueryRow(ctx, `
		SELECT cache_key, translated_text, expires_at, last_accessed
		FROM translations WHERE cache_key = $1 AND expires_at > now()`, cacheKey).
		Scan(&e.CacheKey, &e.TranslatedText, &e.ExpiresAt, &e.LastAccessed)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.TranslationEntry{}, store.ErrNotFound
	}
	if err != nil {
		return store.TranslationEntry{}, classify(err)
	}
	return e, nil
}

func (s *Store) PutTranslation(ctx context.Context, e store.TranslationEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO translations (cache_key, translated_text, expires_at, last_accessed)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (cache_key) DO UPDATE
		SET translated_text = EXCLUDED.translated_text,
		    expires_at = EXCLUDED.expires_at,
		    last_accessed = EXCLUDED.last_accessed`,
		e.CacheKey, e.TranslatedText, e.ExpiresAt, e.LastAccessed)
	return classify(err)
}

func (s *Store) TouchTranslation(ctx context.Context, cacheKey string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE translations SET last_accessed = $2 WHERE cache_key = $1`, cacheKey, at)
	return classify(err)
}

func (s *Store) TranslationCount(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM translations WHERE expires_at > now()`).Scan(&n)
	if err != nil {
		return 0, classify(err)
	}
	return n, nil
}

func (s *Store) EvictOldestTranslations(ctx context.Context, k int) (int, error) {
	if k <= 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM translations WHERE cache_key IN (
			SELECT cache_key FROM translations ORDER BY last_accessed ASC LIMIT $1
		)`, k)
	if err != nil {
		return 0, classify(err)
	}
	return int(tag.RowsAffected()), nil
}

// ─── helpers ─────────────────────────────────────────────────────────────────

// classify maps pgx errors onto the shared store error taxonomy. Connection
// and admin-shutdown class errors are transient; everything else is not.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08 (connection exception), 53 (insufficient resources),
		// 57 (operator intervention) are worth a retry.
		switch pgErr.Code[:2] {
		case "08", "53", "57":
			return &store.TransientError{Err: err}
		}
		return fmt.Errorf("postgres: %w", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &store.TransientError{Err: err}
	}
	return fmt.Errorf("postgres: %w", err)
}
