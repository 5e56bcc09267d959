// Package aws provides a streaming ASR provider backed by Amazon Transcribe
// Streaming.
//
// Each session holds one bidirectional event stream. Audio chunks flow
// through a write loop so that SendAudio never blocks on the network longer
// than the stream itself does, and transcript events are split into the
// partial and final channels by a read loop.
package aws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/transcribestreaming"
	tstypes "github.com/aws/aws-sdk-go-v2/service/transcribestreaming/types"

	"github.com/polyvox/polyvox/pkg/provider/asr"
)

// Provider implements asr.Provider using Amazon Transcribe Streaming.
type Provider struct {
	client *transcribestreaming.Client
	logger *slog.Logger
}

// config holds optional configuration for the provider.
type config struct {
	accessKeyID     string
	secretAccessKey string
	logger          *slog.Logger
}

// Option is a functional option for Provider.
type Option func(*config)

// WithStaticCredentials uses fixed credentials instead of the default chain.
func WithStaticCredentials(accessKeyID, secretAccessKey string) Option {
	return func(c *config) {
		c.accessKeyID = accessKeyID
		c.secretAccessKey = secretAccessKey
	}
}

// WithLogger sets the logger for stream-level diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		c.logger = l
	}
}

// New constructs a new Amazon Transcribe Streaming Provider.
func New(ctx context.Context, region string, opts ...Option) (*Provider, error) {
	if region == "" {
		return nil, fmt.Errorf("aws transcribe: region must not be empty")
	}

	cfg := &config{logger: slog.Default()}
	for _, o := range opts {
		o(cfg)
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if cfg.accessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.accessKeyID, cfg.secretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("aws transcribe: load config: %w", err)
	}

	return &Provider{
		client: transcribestreaming.NewFromConfig(awsCfg),
		logger: cfg.logger,
	}, nil
}

// StartStream implements asr.Provider.
func (p *Provider) StartStream(ctx context.Context, cfg asr.StreamConfig) (asr.SessionHandle, error) {
	langCode, err := transcribeLanguage(cfg.Language)
	if err != nil {
		return nil, err
	}

	in := &transcribestreaming.StartStreamTranscriptionInput{
		LanguageCode:         langCode,
		MediaEncoding:        tstypes.MediaEncodingPcm,
		MediaSampleRateHertz: awssdk.Int32(int32(cfg.SampleRate)),
	}
	if cfg.EnablePartialStabilization {
		in.EnablePartialResultsStabilization = true
		in.PartialResultsStability = stabilityLevel(cfg.PartialStability)
	}

	resp, err := p.client.StartStreamTranscription(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("aws transcribe: start stream: %w", err)
	}

	s := &session{
		stream:   resp.GetStream(),
		logger:   p.logger.With("component", "aws_transcribe", "language", cfg.Language),
		audioCh:  make(chan []byte, 64),
		partials: make(chan asr.Result, 32),
		finals:   make(chan asr.Result, 32),
		done:     make(chan struct{}),
	}
	go s.writeLoop(ctx)
	go s.readLoop(ctx)
	return s, nil
}

var _ asr.Provider = (*Provider)(nil)

// session is one live Transcribe event stream.
type session struct {
	stream *transcribestreaming.StartStreamTranscriptionEventStream
	logger *slog.Logger

	audioCh  chan []byte
	partials chan asr.Result
	finals   chan asr.Result

	mu     sync.Mutex
	closed bool

	// done is closed by readLoop once the result channels are closed.
	done chan struct{}
}

// SendAudio implements asr.SessionHandle.
func (s *session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("aws transcribe: session closed")
	}
	s.mu.Unlock()

	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	select {
	case s.audioCh <- cp:
		return nil
	case <-s.done:
		return fmt.Errorf("aws transcribe: session closed")
	}
}

// Partials implements asr.SessionHandle.
func (s *session) Partials() <-chan asr.Result { return s.partials }

// Finals implements asr.SessionHandle.
func (s *session) Finals() <-chan asr.Result { return s.finals }

// Close implements asr.SessionHandle. It stops the write loop, signals
// end-of-audio to the service and waits for the read loop to drain.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.audioCh)
	<-s.done
	return nil
}

// writeLoop forwards audio chunks into the event stream. A closed audioCh
// means Close was called: the stream is closed to signal end-of-audio, which
// in turn terminates the service side and the read loop.
func (s *session) writeLoop(ctx context.Context) {
	defer func() {
		if err := s.stream.Close(); err != nil {
			s.logger.Debug("closing transcribe stream", "error", err)
		}
	}()

	for chunk := range s.audioCh {
		ev := &tstypes.AudioStreamMemberAudioEvent{
			Value: tstypes.AudioEvent{AudioChunk: chunk},
		}
		if err := s.stream.Send(ctx, ev); err != nil {
			s.logger.Warn("sending audio to transcribe", "error", err)
			return
		}
	}
}

// readLoop splits transcript events into the partial and final channels and
// closes both when the stream ends. Sends race ctx so that a consumer that
// stopped reading can never wedge the loop and, through done, Close.
func (s *session) readLoop(ctx context.Context) {
	defer close(s.done)
	defer close(s.finals)
	defer close(s.partials)

	for event := range s.stream.Events() {
		te, ok := event.(*tstypes.TranscriptResultStreamMemberTranscriptEvent)
		if !ok || te.Value.Transcript == nil {
			continue
		}
		for _, res := range te.Value.Transcript.Results {
			r, ok := convertResult(res)
			if !ok {
				continue
			}
			out := s.partials
			if r.IsFinal {
				out = s.finals
			}
			if !deliver(ctx, out, r) {
				return
			}
		}
	}

	if err := s.stream.Err(); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("transcribe stream ended with error", "error", err)
	}
}

// deliver sends r on ch unless ctx ends first. Reports whether the result was
// handed off.
func deliver(ctx context.Context, ch chan<- asr.Result, r asr.Result) bool {
	select {
	case ch <- r:
		return true
	case <-ctx.Done():
		return false
	}
}

// convertResult flattens one service result into an asr.Result. Results with
// no alternatives carry no text and are skipped.
func convertResult(res tstypes.Result) (asr.Result, bool) {
	if len(res.Alternatives) == 0 {
		return asr.Result{}, false
	}
	alt := res.Alternatives[0]
	if alt.Transcript == nil || *alt.Transcript == "" {
		return asr.Result{}, false
	}

	r := asr.Result{
		ResultID:  awssdk.ToString(res.ResultId),
		Text:      *alt.Transcript,
		IsFinal:   !res.IsPartial,
		Timestamp: time.Now(),
	}
	if !r.IsFinal {
		r.Stability = stabilityScore(alt.Items)
	}
	return r, true
}

// stabilityScore is the fraction of items the service marks stable. The
// service reports per-item flags rather than a single score, so the fraction
// of settled items stands in for prefix confidence.
func stabilityScore(items []tstypes.Item) float64 {
	if len(items) == 0 {
		return 0
	}
	stable := 0
	for _, it := range items {
		if it.Stable != nil && *it.Stable {
			stable++
		}
	}
	return float64(stable) / float64(len(items))
}

func stabilityLevel(level string) tstypes.PartialResultsStability {
	switch strings.ToLower(level) {
	case asr.StabilityLow:
		return tstypes.PartialResultsStabilityLow
	case asr.StabilityMedium:
		return tstypes.PartialResultsStabilityMedium
	default:
		return tstypes.PartialResultsStabilityHigh
	}
}

// transcribeLanguage maps an ISO-639-1 code to the service's locale form.
func transcribeLanguage(lang string) (tstypes.LanguageCode, error) {
	code, ok := languageCodes[strings.ToLower(lang)]
	if !ok {
		return "", fmt.Errorf("aws transcribe: unsupported source language %q", lang)
	}
	return code, nil
}

var languageCodes = map[string]tstypes.LanguageCode{
	"ar": tstypes.LanguageCodeArSa,
	"de": tstypes.LanguageCodeDeDe,
	"en": tstypes.LanguageCodeEnUs,
	"es": tstypes.LanguageCodeEsUs,
	"fr": tstypes.LanguageCodeFrFr,
	"hi": tstypes.LanguageCodeHiIn,
	"it": tstypes.LanguageCodeItIt,
	"ja": tstypes.LanguageCodeJaJp,
	"ko": tstypes.LanguageCodeKoKr,
	"pt": tstypes.LanguageCodePtBr,
	"zh": tstypes.LanguageCodeZhCn,
}

var _ asr.SessionHandle = (*session)(nil)
