package asr

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/polyvox/polyvox/internal/config"
	"github.com/polyvox/polyvox/internal/ingest"
	"github.com/polyvox/polyvox/internal/ratelimit"
	"github.com/polyvox/polyvox/internal/store/memory"
	asrprov "github.com/polyvox/polyvox/pkg/provider/asr"
	"github.com/polyvox/polyvox/pkg/provider/asr/mock"
	"github.com/polyvox/polyvox/pkg/types"
)

type recordingHandler struct {
	mu      sync.Mutex
	results []types.TranscriptResult
}

func (h *recordingHandler) HandleResult(_ context.Context, r types.TranscriptResult) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.results = append(h.results, r)
}

func (h *recordingHandler) snapshot() []types.TranscriptResult {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]types.TranscriptResult, len(h.results))
	copy(out, h.results)
	return out
}

func newTestIngestor(t *testing.T) *ingest.Ingestor {
	t.Helper()
	limiter := ratelimit.New(memory.New(), config.RateLimitsConfig{}, slog.New(slog.DiscardHandler))
	cfg := config.IngestConfig{ChunkMs: 100, BufferSeconds: 5, Quality: config.QualityConfig{
		SilenceEnterDB: -50, SilenceExitDB: -40, SilenceSeconds: 5,
		ClippingWarnRatio: 0.02, MinSNRDB: 10, NotifyIntervalSeconds: 60,
	}}
	return ingest.New("conn-1", "calm-otter-321", cfg, limiter, slog.New(slog.DiscardHandler), nil)
}

func partialsConfig() config.PartialsConfig {
	return config.PartialsConfig{Enabled: true, RolloutPercentage: 100, MinStability: 0.85, StabilityLevel: "high"}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestStartFeedsAudioInOrder(t *testing.T) {
	t.Parallel()

	session := mock.NewSession()
	provider := &mock.Provider{Session: session}
	m := NewManager(provider, partialsConfig(), slog.New(slog.DiscardHandler))
	ing := newTestIngestor(t)
	handler := &recordingHandler{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.Start(ctx, "calm-otter-321", "en", ing, handler); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	chunks := [][]byte{{1, 1}, {2, 2}, {3, 3}}
	for _, c := range chunks {
		if _, err := ing.Accept(ctx, c); err != nil {
			t.Fatalf("Accept() error = %v", err)
		}
	}

	waitFor(t, 2*time.Second, func() bool { return session.SendAudioCallCount() == 3 })

	calls := session.SendAudioCalls
	for i, want := range chunks {
		if string(calls[i]) != string(want) {
			t.Fatalf("chunk #%d = %v, want %v (order must be preserved)", i, calls[i], want)
		}
	}
}

func TestStartRequestsStabilization(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{}
	m := NewManager(provider, partialsConfig(), slog.New(slog.DiscardHandler))
	ing := newTestIngestor(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.Start(ctx, "calm-otter-321", "en", ing, &recordingHandler{}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if len(provider.StartStreamCalls) != 1 {
		t.Fatalf("StartStream calls = %d, want 1", len(provider.StartStreamCalls))
	}
	cfg := provider.StartStreamCalls[0].Cfg
	if !cfg.EnablePartialStabilization {
		t.Error("EnablePartialStabilization = false")
	}
	if cfg.PartialStability != asrprov.StabilityHigh {
		t.Errorf("PartialStability = %q, want high", cfg.PartialStability)
	}
	if cfg.SampleRate != 16000 || cfg.Channels != 1 {
		t.Errorf("format = %d Hz x %d ch, want 16000 x 1", cfg.SampleRate, cfg.Channels)
	}
	if cfg.Language != "en" {
		t.Errorf("Language = %q, want en", cfg.Language)
	}
}

func TestResultsReachHandlerWithSessionIdentity(t *testing.T) {
	t.Parallel()

	session := mock.NewSession()
	provider := &mock.Provider{Session: session}
	m := NewManager(provider, partialsConfig(), slog.New(slog.DiscardHandler))
	handler := &recordingHandler{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.Start(ctx, "calm-otter-321", "en", newTestIngestor(t), handler); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	session.EmitPartial(asrprov.Result{ResultID: "r1", Text: "hello", Stability: 0.9})
	session.EmitFinal(asrprov.Result{ResultID: "r1", Text: "hello world."})

	waitFor(t, 2*time.Second, func() bool { return len(handler.snapshot()) == 2 })

	results := handler.snapshot()
	for _, r := range results {
		if r.SessionID != "calm-otter-321" {
			t.Errorf("SessionID = %q, want calm-otter-321", r.SessionID)
		}
		if r.SourceLanguage != "en" {
			t.Errorf("SourceLanguage = %q, want en", r.SourceLanguage)
		}
	}
	finals := 0
	for _, r := range results {
		if r.IsFinal {
			finals++
		}
	}
	if finals != 1 {
		t.Errorf("finals = %d, want 1", finals)
	}
}

func TestSecondStartForSameSessionFails(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{}
	m := NewManager(provider, partialsConfig(), slog.New(slog.DiscardHandler))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.Start(ctx, "calm-otter-321", "en", newTestIngestor(t), &recordingHandler{}); err != nil {
		t.Fatalf("first Start() error = %v", err)
	}
	if err := m.Start(ctx, "calm-otter-321", "en", newTestIngestor(t), &recordingHandler{}); err == nil {
		t.Fatal("second Start() for the same session succeeded")
	}
}

func TestStopTearsDownStream(t *testing.T) {
	t.Parallel()

	session := mock.NewSession()
	provider := &mock.Provider{Session: session}
	m := NewManager(provider, partialsConfig(), slog.New(slog.DiscardHandler))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.Start(ctx, "calm-otter-321", "en", newTestIngestor(t), &recordingHandler{}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !m.Active("calm-otter-321") {
		t.Fatal("Active() = false right after Start")
	}

	m.Stop("calm-otter-321")
	if m.Active("calm-otter-321") {
		t.Fatal("Active() = true after Stop")
	}
	// A new stream for the same session is allowed again.
	if err := m.Start(ctx, "calm-otter-321", "en", newTestIngestor(t), &recordingHandler{}); err != nil {
		t.Fatalf("Start() after Stop error = %v", err)
	}
}
