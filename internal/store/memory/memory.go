// Package memory provides an in-process implementation of the store
// contracts. It backs unit tests and single-node development runs; TTL
// expiry is evaluated lazily on read, so no sweeper goroutine is needed.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/polyvox/polyvox/internal/store"
	"github.com/polyvox/polyvox/pkg/types"
)

// Store implements store.Store entirely in memory. Safe for concurrent use.
type Store struct {
	mu sync.Mutex

	sessions    map[string]types.Session
	connections map[string]types.Connection

	// langIndex mirrors the (sessionId, targetLanguage) secondary index:
	// sessionID → targetLanguage → set of connectionIDs.
	langIndex map[string]map[string]map[string]struct{}

	rateBuckets  map[string]rateBucket
	translations map[string]store.TranslationEntry

	// now is swappable in tests.
	now func() time.Time
}

type rateBucket struct {
	count     int64
	expiresAt time.Time
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		sessions:     make(map[string]types.Session),
		connections:  make(map[string]types.Connection),
		langIndex:    make(map[string]map[string]map[string]struct{}),
		rateBuckets:  make(map[string]rateBucket),
		translations: make(map[string]store.TranslationEntry),
		now:          time.Now,
	}
}

// SetClock replaces the time source. Intended for tests.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// ─── SessionStore ────────────────────────────────────────────────────────────

func (s *Store) CreateSession(_ context.Context, sess types.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.sessions[sess.SessionID]; ok && !s.expired(existing.ExpiresAt) {
		return store.ErrConditionFailed
	}
	s.sessions[sess.SessionID] = sess
	return nil
}

func (s *Store) GetSession(_ context.Context, sessionID string) (types.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok || s.expired(sess.ExpiresAt) {
		return types.Session{}, store.ErrNotFound
	}
	return sess, nil
}

func (s *Store) ActiveSessionForSpeaker(_ context.Context, speakerID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, sess := range s.sessions {
		if sess.SpeakerID == speakerID && sess.Broadcast.IsActive && !s.expired(sess.ExpiresAt) {
			return id, nil
		}
	}
	return "", store.ErrNotFound
}

func (s *Store) DeleteSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}

func (s *Store) UpdateBroadcastState(_ context.Context, sessionID string, st types.BroadcastState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok || s.expired(sess.ExpiresAt) {
		return store.ErrNotFound
	}
	sess.Broadcast = st
	s.sessions[sessionID] = sess
	return nil
}

func (s *Store) AddListenerCount(_ context.Context, sessionID string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok || s.expired(sess.ExpiresAt) {
		return 0, store.ErrNotFound
	}
	if delta < 0 && sess.ListenerCount < -delta {
		return sess.ListenerCount, store.ErrNegativeCount
	}
	sess.ListenerCount += delta
	s.sessions[sessionID] = sess
	return sess.ListenerCount, nil
}

// ─── ConnectionStore ─────────────────────────────────────────────────────────

func (s *Store) PutConnection(_ context.Context, c types.Connection) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.connections[c.ConnectionID]; ok {
		s.unindex(prev)
	}
	s.connections[c.ConnectionID] = c
	if c.Role == types.RoleListener && c.TargetLanguage != "" {
		byLang, ok := s.langIndex[c.SessionID]
		if !ok {
			byLang = make(map[string]map[string]struct{})
			s.langIndex[c.SessionID] = byLang
		}
		set, ok := byLang[c.TargetLanguage]
		if !ok {
			set = make(map[string]struct{})
			byLang[c.TargetLanguage] = set
		}
		set[c.ConnectionID] = struct{}{}
	}
	return nil
}

func (s *Store) GetConnection(_ context.Context, connectionID string) (types.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.connections[connectionID]
	if !ok || s.expired(c.ExpiresAt) {
		return types.Connection{}, store.ErrNotFound
	}
	return c, nil
}

func (s *Store) DeleteConnection(_ context.Context, connectionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.connections[connectionID]
	if !ok {
		return false, nil
	}
	delete(s.connections, connectionID)
	s.unindex(c)
	return true, nil
}

func (s *Store) ListListeners(_ context.Context, sessionID string) ([]types.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []types.Connection
	for _, set := range s.langIndex[sessionID] {
		for id := range set {
			if c, ok := s.connections[id]; ok && !s.expired(c.ExpiresAt) {
				out = append(out, c)
			}
		}
	}
	sortConnections(out)
	return out, nil
}

func (s *Store) ListListenersByLanguage(_ context.Context, sessionID, targetLanguage string) ([]types.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []types.Connection
	for id := range s.langIndex[sessionID][targetLanguage] {
		if c, ok := s.connections[id]; ok && !s.expired(c.ExpiresAt) {
			out = append(out, c)
		}
	}
	sortConnections(out)
	return out, nil
}

func (s *Store) ListTargetLanguages(_ context.Context, sessionID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var langs []string
	for lang, set := range s.langIndex[sessionID] {
		if len(set) > 0 {
			langs = append(langs, lang)
		}
	}
	sort.Strings(langs)
	return langs, nil
}

func (s *Store) DeleteAllForSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, c := range s.connections {
		if c.SessionID == sessionID {
			delete(s.connections, id)
		}
	}
	delete(s.langIndex, sessionID)
	return nil
}

// unindex removes c from the language index. Caller holds s.mu.
func (s *Store) unindex(c types.Connection) {
	if set, ok := s.langIndex[c.SessionID][c.TargetLanguage]; ok {
		delete(set, c.ConnectionID)
		if len(set) == 0 {
			delete(s.langIndex[c.SessionID], c.TargetLanguage)
		}
	}
}

// ─── RateStore ───────────────────────────────────────────────────────────────

func (s *Store) IncrRateBucket(_ context.Context, op, idType, idValue string, windowStart time.Time, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := rateKey(op, idType, idValue, windowStart)
	b, ok := s.rateBuckets[key]
	if !ok || s.expired(b.expiresAt) {
		b = rateBucket{expiresAt: windowStart.Add(ttl)}
	}
	b.count++
	s.rateBuckets[key] = b
	return b.count, nil
}

func (s *Store) GetRateBucket(_ context.Context, op, idType, idValue string, windowStart time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.rateBuckets[rateKey(op, idType, idValue, windowStart)]
	if !ok || s.expired(b.expiresAt) {
		return 0, nil
	}
	return b.count, nil
}

func rateKey(op, idType, idValue string, windowStart time.Time) string {
	return fmt.Sprintf("%s#%s#%s#%d", op, idType, idValue, windowStart.Unix())
}

// ─── TranslationStore ────────────────────────────────────────────────────────

func (s *Store) GetTranslation(_ context.Context, cacheKey string) (store.TranslationEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.translations[cacheKey]
	if !ok || s.expired(e.ExpiresAt) {
		return store.TranslationEntry{}, store.ErrNotFound
	}
	return e, nil
}

func (s *Store) PutTranslation(_ context.Context, e store.TranslationEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.translations[e.CacheKey] = e
	return nil
}

func (s *Store) TouchTranslation(_ context.Context, cacheKey string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.translations[cacheKey]; ok {
		e.LastAccessed = at
		s.translations[cacheKey] = e
	}
	return nil
}

func (s *Store) TranslationCount(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, e := range s.translations {
		if !s.expired(e.ExpiresAt) {
			n++
		}
	}
	return n, nil
}

func (s *Store) EvictOldestTranslations(_ context.Context, k int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if k <= 0 {
		return 0, nil
	}
	entries := make([]store.TranslationEntry, 0, len(s.translations))
	for _, e := range s.translations {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].LastAccessed.Before(entries[j].LastAccessed)
	})
	removed := 0
	for _, e := range entries {
		if removed >= k {
			break
		}
		delete(s.translations, e.CacheKey)
		removed++
	}
	return removed, nil
}

// ─── helpers ─────────────────────────────────────────────────────────────────

// expired evaluates TTL lazily. A zero ExpiresAt means no expiry.
// Caller holds s.mu.
func (s *Store) expired(at time.Time) bool {
	return !at.IsZero() && !s.now().Before(at)
}

func sortConnections(cs []types.Connection) {
	sort.Slice(cs, func(i, j int) bool {
		return cs[i].ConnectionID < cs[j].ConnectionID
	})
}
