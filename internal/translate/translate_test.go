package translate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/polyvox/polyvox/internal/config"
	"github.com/polyvox/polyvox/internal/store"
	"github.com/polyvox/polyvox/internal/store/memory"
	translateprov "github.com/polyvox/polyvox/pkg/provider/translate"
	"github.com/polyvox/polyvox/pkg/provider/translate/mock"
)

func testConfig() config.TranslateConfig {
	return config.TranslateConfig{
		CacheTTLSeconds: 3600,
		MaxCacheEntries: 10,
		EvictionPercent: 20,
		Attempts:        2,
		TimeoutMs:       1000,
	}
}

func newService(t *testing.T, p translateprov.Provider, cfg config.TranslateConfig) (*Service, *memory.Store, *time.Time) {
	t.Helper()
	st := memory.New()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	st.SetClock(func() time.Time { return now })
	svc := NewService(st, p, cfg, slog.New(slog.DiscardHandler),
		WithClock(func() time.Time { return now }))
	return svc, st, &now
}

func TestTranslateCachesProviderResult(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{}
	svc, _, _ := newService(t, p, testConfig())
	ctx := context.Background()

	first, err := svc.Translate(ctx, "en", "es", "Hello there")
	if err != nil {
		t.Fatalf("Translate() error = %v", err)
	}
	second, err := svc.Translate(ctx, "en", "es", "Hello there")
	if err != nil {
		t.Fatalf("Translate() second error = %v", err)
	}
	if first != second {
		t.Fatalf("cached result %q differs from original %q", second, first)
	}
	if got := p.CallCount(); got != 1 {
		t.Fatalf("provider called %d times, want 1", got)
	}
}

func TestTranslateNormalizedVariantsShareRow(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{}
	svc, _, _ := newService(t, p, testConfig())
	ctx := context.Background()

	if _, err := svc.Translate(ctx, "en", "es", "Hello there"); err != nil {
		t.Fatalf("Translate() error = %v", err)
	}
	// Case and terminal punctuation differences normalize away.
	if _, err := svc.Translate(ctx, "en", "es", "hello  there."); err != nil {
		t.Fatalf("Translate() variant error = %v", err)
	}
	if got := p.CallCount(); got != 1 {
		t.Fatalf("provider called %d times, want 1 (variants should share a cache row)", got)
	}
}

func TestTranslateLanguagePairsAreDistinct(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{}
	svc, _, _ := newService(t, p, testConfig())
	ctx := context.Background()

	if _, err := svc.Translate(ctx, "en", "es", "Hello"); err != nil {
		t.Fatalf("Translate() error = %v", err)
	}
	if _, err := svc.Translate(ctx, "en", "fr", "Hello"); err != nil {
		t.Fatalf("Translate() error = %v", err)
	}
	if got := p.CallCount(); got != 2 {
		t.Fatalf("provider called %d times, want 2", got)
	}
}

func TestTranslateExpiredRowMisses(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{}
	cfg := testConfig()
	cfg.CacheTTLSeconds = 60
	svc, _, now := newService(t, p, cfg)
	ctx := context.Background()

	if _, err := svc.Translate(ctx, "en", "es", "Hello"); err != nil {
		t.Fatalf("Translate() error = %v", err)
	}
	*now = now.Add(2 * time.Minute)
	if _, err := svc.Translate(ctx, "en", "es", "Hello"); err != nil {
		t.Fatalf("Translate() after expiry error = %v", err)
	}
	if got := p.CallCount(); got != 2 {
		t.Fatalf("provider called %d times, want 2 (row expired)", got)
	}
}

func TestTranslateRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	calls := 0
	p := &mock.Provider{
		Fn: func(_ context.Context, _, targetLang, text string) (string, error) {
			calls++
			if calls == 1 {
				return "", &translateprov.TransientError{Err: errors.New("throttled")}
			}
			return fmt.Sprintf("[%s] %s", targetLang, text), nil
		},
	}
	svc, _, _ := newService(t, p, testConfig())

	got, err := svc.Translate(context.Background(), "en", "es", "Hello")
	if err != nil {
		t.Fatalf("Translate() error = %v", err)
	}
	if got != "[es] Hello" {
		t.Fatalf("Translate() = %q, want %q", got, "[es] Hello")
	}
	if calls != 2 {
		t.Fatalf("provider called %d times, want 2", calls)
	}
}

func TestTranslateDoesNotRetryPermanentFailures(t *testing.T) {
	t.Parallel()

	calls := 0
	p := &mock.Provider{
		Fn: func(context.Context, string, string, string) (string, error) {
			calls++
			return "", translateprov.ErrUnsupportedPair
		},
	}
	svc, _, _ := newService(t, p, testConfig())

	if _, err := svc.Translate(context.Background(), "en", "xx", "Hello"); !errors.Is(err, translateprov.ErrUnsupportedPair) {
		t.Fatalf("Translate() error = %v, want ErrUnsupportedPair", err)
	}
	if calls != 1 {
		t.Fatalf("provider called %d times, want 1 (no retry on permanent error)", calls)
	}
}

func TestTranslateEvictsOldestAtBound(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{}
	cfg := testConfig()
	cfg.MaxCacheEntries = 5
	cfg.EvictionPercent = 20 // batch of 1
	svc, st, now := newService(t, p, cfg)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		*now = now.Add(time.Second)
		if _, err := svc.Translate(ctx, "en", "es", fmt.Sprintf("phrase %d", i)); err != nil {
			t.Fatalf("Translate() error = %v", err)
		}
	}

	// The sixth insert must evict the least-recently-used row first.
	*now = now.Add(time.Second)
	if _, err := svc.Translate(ctx, "en", "es", "phrase 5"); err != nil {
		t.Fatalf("Translate() error = %v", err)
	}
	count, err := st.TranslationCount(ctx)
	if err != nil {
		t.Fatalf("TranslationCount() error = %v", err)
	}
	if count != 5 {
		t.Fatalf("cache holds %d rows after eviction, want 5", count)
	}

	// The oldest phrase is gone: asking for it again hits the provider.
	before := p.CallCount()
	if _, err := svc.Translate(ctx, "en", "es", "phrase 0"); err != nil {
		t.Fatalf("Translate() error = %v", err)
	}
	if got := p.CallCount(); got != before+1 {
		t.Fatalf("provider called %d times after eviction lookup, want %d", got, before+1)
	}
}

func TestTranslateHitRefreshesRecency(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{}
	cfg := testConfig()
	cfg.MaxCacheEntries = 3
	cfg.EvictionPercent = 20
	svc, _, now := newService(t, p, cfg)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		*now = now.Add(time.Second)
		if _, err := svc.Translate(ctx, "en", "es", fmt.Sprintf("phrase %d", i)); err != nil {
			t.Fatalf("Translate() error = %v", err)
		}
	}

	// Touch the oldest row, then insert past the bound: eviction must take
	// phrase 1, now the least recently used.
	*now = now.Add(time.Second)
	if _, err := svc.Translate(ctx, "en", "es", "phrase 0"); err != nil {
		t.Fatalf("Translate() error = %v", err)
	}
	*now = now.Add(time.Second)
	if _, err := svc.Translate(ctx, "en", "es", "phrase 3"); err != nil {
		t.Fatalf("Translate() error = %v", err)
	}

	before := p.CallCount()
	if _, err := svc.Translate(ctx, "en", "es", "phrase 0"); err != nil {
		t.Fatalf("Translate() error = %v", err)
	}
	if got := p.CallCount(); got != before {
		t.Fatalf("touched row was evicted; provider called %d times, want %d", got, before)
	}
}

// brokenStore fails every operation, modelling a degraded cache backend.
type brokenStore struct {
	store.TranslationStore
}

var errStoreDown = errors.New("store unavailable")

func (brokenStore) GetTranslation(context.Context, string) (store.TranslationEntry, error) {
	return store.TranslationEntry{}, errStoreDown
}
func (brokenStore) PutTranslation(context.Context, store.TranslationEntry) error { return errStoreDown }
func (brokenStore) TouchTranslation(context.Context, string, time.Time) error   { return errStoreDown }
func (brokenStore) TranslationCount(context.Context) (int, error)               { return 0, errStoreDown }
func (brokenStore) EvictOldestTranslations(context.Context, int) (int, error)   { return 0, errStoreDown }

func TestTranslateSurvivesCacheFailure(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{}
	svc := NewService(brokenStore{}, p, testConfig(), slog.New(slog.DiscardHandler))

	got, err := svc.Translate(context.Background(), "en", "es", "Hello")
	if err != nil {
		t.Fatalf("Translate() error = %v", err)
	}
	if got != "[es] Hello" {
		t.Fatalf("Translate() = %q, want provider result", got)
	}
}
