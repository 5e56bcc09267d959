package app

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/polyvox/polyvox/internal/auth"
	"github.com/polyvox/polyvox/internal/config"
	asrmock "github.com/polyvox/polyvox/pkg/provider/asr/mock"
	translatemock "github.com/polyvox/polyvox/pkg/provider/translate/mock"
	ttsmock "github.com/polyvox/polyvox/pkg/provider/tts/mock"
)

// allowAll accepts any token as a speaker. Test-only.
type allowAll struct{}

func (allowAll) Validate(_ context.Context, _ string) (auth.Claims, error) {
	return auth.Claims{UserID: "user-1", Role: auth.RoleSpeaker}, nil
}

func mockProviders() *Providers {
	return &Providers{
		ASR:       &asrmock.Provider{},
		Translate: &translatemock.Provider{},
		TTS:       &ttsmock.Provider{},
	}
}

func TestNewWiresSubsystems(t *testing.T) {
	t.Parallel()

	a, err := New(context.Background(), config.Default(), mockProviders(),
		slog.New(slog.DiscardHandler), WithValidator(allowAll{}))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer a.Shutdown()

	if a.Server() == nil {
		t.Fatal("app has no server")
	}

	// Readiness includes the store check, so a 200 proves the store wiring.
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	a.Server().Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("readyz = %d, want 200: %s", rec.Code, rec.Body)
	}
}

func TestNewRequiresAllProviders(t *testing.T) {
	t.Parallel()

	p := mockProviders()
	p.TTS = nil
	_, err := New(context.Background(), config.Default(), p,
		slog.New(slog.DiscardHandler), WithValidator(allowAll{}))
	if err == nil {
		t.Fatal("New() accepted a missing tts provider")
	}
}

func TestNewRejectsUnknownStoreDriver(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Store.Driver = "etcd"
	_, err := New(context.Background(), cfg, mockProviders(),
		slog.New(slog.DiscardHandler), WithValidator(allowAll{}))
	if err == nil {
		t.Fatal("New() accepted an unknown store driver")
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	t.Parallel()

	a, err := New(context.Background(), config.Default(), mockProviders(),
		slog.New(slog.DiscardHandler), WithValidator(allowAll{}))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	a.Shutdown()
	a.Shutdown()
}

func TestWrapFallbacksPreservesBehaviour(t *testing.T) {
	t.Parallel()

	wrapped := WrapFallbacks(mockProviders(), config.Default())
	out, err := wrapped.Translate.Translate(context.Background(), "en", "es", "Hello.")
	if err != nil {
		t.Fatalf("Translate() through fallback error = %v", err)
	}
	if out == "" {
		t.Fatal("fallback chain returned empty translation")
	}
}
