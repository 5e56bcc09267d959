// Package translate fronts the machine-translation provider with a
// content-addressed cache.
//
// The cache key is derived from the normalized source text, so trivially
// different partials ("Hello there" vs "hello there.") hit the same row.
// Repeated phrases within a broadcast, and across broadcasts in the same
// language pair, skip the provider round-trip entirely.
package translate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/polyvox/polyvox/internal/config"
	"github.com/polyvox/polyvox/internal/observe"
	"github.com/polyvox/polyvox/internal/resilience"
	"github.com/polyvox/polyvox/internal/store"
	"github.com/polyvox/polyvox/internal/textnorm"
	translateprov "github.com/polyvox/polyvox/pkg/provider/translate"
)

// Service is the cached translation front. Safe for concurrent use; all
// state lives in the store.
type Service struct {
	store    store.TranslationStore
	provider translateprov.Provider
	cfg      config.TranslateConfig
	logger   *slog.Logger
	metrics  *observe.Metrics
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source. Test-only.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithMetrics overrides the metrics sink.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// NewService builds a cached translation service over the given provider.
func NewService(st store.TranslationStore, p translateprov.Provider, cfg config.TranslateConfig, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		store:    st,
		provider: p,
		cfg:      cfg,
		logger:   logger,
		metrics:  observe.DefaultMetrics(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Translate returns the target-language rendering of text, from cache when
// possible. Cache failures degrade to provider calls; provider failures are
// retried within the configured attempt budget when transient.
func (s *Service) Translate(ctx context.Context, sourceLang, targetLang, text string) (string, error) {
	key := textnorm.CacheKey(sourceLang, targetLang, text)

	entry, err := s.store.GetTranslation(ctx, key)
	switch {
	case err == nil:
		s.metrics.RecordCacheLookup(ctx, true)
		// Lazy recency update; a lost touch only makes the row a slightly
		// earlier eviction candidate.
		if touchErr := s.store.TouchTranslation(ctx, key, s.now()); touchErr != nil {
			s.logger.Debug("translation cache touch failed", "cache_key", key, "error", touchErr)
		}
		return entry.TranslatedText, nil
	case errors.Is(err, store.ErrNotFound):
		s.metrics.RecordCacheLookup(ctx, false)
	default:
		// A degraded cache must not take translation down with it.
		s.metrics.RecordCacheLookup(ctx, false)
		s.logger.Warn("translation cache read failed",
			"cache_key", key, "error", err)
	}

	translated, err := s.callProvider(ctx, sourceLang, targetLang, text)
	if err != nil {
		return "", fmt.Errorf("translate: %s->%s: %w", sourceLang, targetLang, err)
	}

	s.insert(ctx, key, translated)
	return translated, nil
}

// callProvider runs one provider call under the per-call deadline, retrying
// transient failures within the attempt budget.
func (s *Service) callProvider(ctx context.Context, sourceLang, targetLang, text string) (string, error) {
	start := s.now()
	result, err := resilience.RetryWithResult(ctx, resilience.RetryConfig{
		Attempts:  s.cfg.Attempts,
		Retryable: translateprov.IsTransient,
	}, func(ctx context.Context) (string, error) {
		callCtx, cancel := context.WithTimeout(ctx, time.Duration(s.cfg.TimeoutMs)*time.Millisecond)
		defer cancel()
		return s.provider.Translate(callCtx, sourceLang, targetLang, text)
	})
	s.metrics.TranslateDuration.Record(ctx, s.now().Sub(start).Seconds())
	return result, err
}

// insert writes a fresh cache row, evicting the oldest batch first when the
// cache is at its bound. Every step is best-effort.
func (s *Service) insert(ctx context.Context, key, translated string) {
	count, err := s.store.TranslationCount(ctx)
	if err != nil {
		s.logger.Warn("translation cache count failed", "error", err)
	} else if count >= s.cfg.MaxCacheEntries {
		k := s.cfg.MaxCacheEntries * s.cfg.EvictionPercent / 100
		if k < 1 {
			k = 1
		}
		evicted, err := s.store.EvictOldestTranslations(ctx, k)
		if err != nil {
			s.logger.Warn("translation cache eviction failed", "error", err)
		} else {
			s.logger.Debug("evicted translation cache rows", "count", evicted)
		}
	}

	now := s.now()
	err = s.store.PutTranslation(ctx, store.TranslationEntry{
		CacheKey:       key,
		TranslatedText: translated,
		ExpiresAt:      now.Add(time.Duration(s.cfg.CacheTTLSeconds) * time.Second),
		LastAccessed:   now,
	})
	if err != nil {
		s.logger.Warn("translation cache write failed", "cache_key", key, "error", err)
	}
}
