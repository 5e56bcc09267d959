// Package synth runs text-to-speech across all target languages of a
// segment in parallel.
//
// Each language is synthesized independently; one language's failure never
// blocks the others. A process-wide semaphore caps concurrent provider calls
// so a session burst cannot exhaust provider quota.
package synth

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/polyvox/polyvox/internal/config"
	"github.com/polyvox/polyvox/internal/observe"
	"github.com/polyvox/polyvox/pkg/provider/tts"
)

// ErrUnsupportedLanguage is returned for languages without a configured
// voice.
var ErrUnsupportedLanguage = errors.New("synth: no voice for language")

// voices maps target languages to the neural voice used for them. Output is
// raw 16 kHz mono PCM regardless of voice.
var voices = map[string]tts.Voice{
	"ar": {ID: "Hala", LanguageCode: "ar-AE", Engine: "neural"},
	"de": {ID: "Vicki", LanguageCode: "de-DE", Engine: "neural"},
	"en": {ID: "Joanna", LanguageCode: "en-US", Engine: "neural"},
	"es": {ID: "Lupe", LanguageCode: "es-US", Engine: "neural"},
	"fr": {ID: "Lea", LanguageCode: "fr-FR", Engine: "neural"},
	"hi": {ID: "Kajal", LanguageCode: "hi-IN", Engine: "neural"},
	"it": {ID: "Bianca", LanguageCode: "it-IT", Engine: "neural"},
	"ja": {ID: "Takumi", LanguageCode: "ja-JP", Engine: "neural"},
	"ko": {ID: "Seoyeon", LanguageCode: "ko-KR", Engine: "neural"},
	"pt": {ID: "Camila", LanguageCode: "pt-BR", Engine: "neural"},
	"zh": {ID: "Zhiyu", LanguageCode: "cmn-CN", Engine: "neural"},
}

// VoiceFor returns the voice used for a target language.
func VoiceFor(language string) (tts.Voice, error) {
	v, ok := voices[language]
	if !ok {
		return tts.Voice{}, ErrUnsupportedLanguage
	}
	return v, nil
}

// Service fans SSML out to the TTS provider per language.
type Service struct {
	provider tts.Provider
	cfg      config.SynthesisConfig
	logger   *slog.Logger
	metrics  *observe.Metrics
	sem      *semaphore.Weighted
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithMetrics overrides the metrics sink.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock overrides the time source. Test-only.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService builds the synthesis stage.
func NewService(p tts.Provider, cfg config.SynthesisConfig, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		provider: p,
		cfg:      cfg,
		logger:   logger,
		metrics:  observe.DefaultMetrics(),
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SynthesizeAll renders the per-language SSML documents to audio in
// parallel and returns the languages that succeeded. Failed languages are
// logged and omitted; the segment still goes out to everyone else.
func (s *Service) SynthesizeAll(ctx context.Context, sessionID string, ssmlByLang map[string]string) map[string][]byte {
	var (
		mu      sync.Mutex
		results = make(map[string][]byte, len(ssmlByLang))
		wg      sync.WaitGroup
	)

	for lang, doc := range ssmlByLang {
		wg.Add(1)
		go func(lang, doc string) {
			defer wg.Done()
			audio, err := s.synthesizeOne(ctx, lang, doc)
			if err != nil {
				s.logger.Warn("synthesis failed for language",
					"session_id", sessionID, "language", lang, "error", err)
				return
			}
			mu.Lock()
			results[lang] = audio
			mu.Unlock()
		}(lang, doc)
	}
	wg.Wait()
	return results
}

// synthesizeOne runs a single provider call under the concurrency cap and
// the per-call deadline.
func (s *Service) synthesizeOne(ctx context.Context, language, ssml string) ([]byte, error) {
	voice, err := VoiceFor(language)
	if err != nil {
		return nil, err
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.sem.Release(1)

	callCtx, cancel := context.WithTimeout(ctx, time.Duration(s.cfg.TimeoutMs)*time.Millisecond)
	defer cancel()

	start := s.now()
	audio, err := s.provider.Synthesize(callCtx, ssml, voice)
	s.metrics.SynthesisDuration.Record(ctx, s.now().Sub(start).Seconds())
	return audio, err
}
