// Package observe provides application-wide observability primitives for
// polyvox: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all polyvox metrics.
const meterName = "github.com/polyvox/polyvox"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// TranslateDuration tracks machine-translation call latency.
	TranslateDuration metric.Float64Histogram

	// SynthesisDuration tracks text-to-speech synthesis latency.
	SynthesisDuration metric.Float64Histogram

	// FanoutDuration tracks the full per-segment fan-out: translate + SSML +
	// synthesize + broadcast across all target languages.
	FanoutDuration metric.Float64Histogram

	// BroadcastDuration tracks one language bucket's listener push.
	BroadcastDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors by provider and kind.
	ProviderErrors metric.Int64Counter

	// CacheLookups counts translation cache lookups. Use with attribute:
	//   attribute.String("result", "hit"|"miss")
	CacheLookups metric.Int64Counter

	// BufferOverflows counts dropped-oldest audio chunks per session.
	BufferOverflows metric.Int64Counter

	// TranscriptsForwarded counts transcripts entering fan-out. Use with
	// attribute: attribute.String("kind", "partial"|"final")
	TranscriptsForwarded metric.Int64Counter

	// TranscriptsSuppressed counts partials/finals held back. Use with
	// attribute: attribute.String("reason", "rollout"|"stability"|"boundary"|"dedup"|"orphan"|"overflow")
	TranscriptsSuppressed metric.Int64Counter

	// BroadcastSends counts per-listener pushes. Use with attribute:
	//   attribute.String("status", "success"|"failed"|"stale")
	BroadcastSends metric.Int64Counter

	// RateLimitViolations counts over-limit requests by operation.
	RateLimitViolations metric.Int64Counter

	// QualityWarnings counts speaker audio quality events by warning type.
	QualityWarnings metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live broadcast sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveListeners tracks connected listeners across all sessions.
	ActiveListeners metric.Int64UpDownCounter

	// ActiveSpeakerStreams tracks open speaker ASR streams.
	ActiveSpeakerStreams metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for speech-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TranslateDuration, err = m.Float64Histogram("polyvox.translate.duration",
		metric.WithDescription("Latency of machine-translation calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SynthesisDuration, err = m.Float64Histogram("polyvox.synthesis.duration",
		metric.WithDescription("Latency of text-to-speech synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FanoutDuration, err = m.Float64Histogram("polyvox.fanout.duration",
		metric.WithDescription("End-to-end per-segment fan-out latency across all languages."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.BroadcastDuration, err = m.Float64Histogram("polyvox.broadcast.duration",
		metric.WithDescription("Latency of one language bucket's listener push."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("polyvox.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("polyvox.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.CacheLookups, err = m.Int64Counter("polyvox.translation_cache.lookups",
		metric.WithDescription("Translation cache lookups by result (hit or miss)."),
	); err != nil {
		return nil, err
	}
	if met.BufferOverflows, err = m.Int64Counter("polyvox.ingest.buffer_overflows",
		metric.WithDescription("Audio chunks dropped by the backpressure buffer."),
	); err != nil {
		return nil, err
	}
	if met.TranscriptsForwarded, err = m.Int64Counter("polyvox.transcripts.forwarded",
		metric.WithDescription("Transcripts forwarded to fan-out by kind."),
	); err != nil {
		return nil, err
	}
	if met.TranscriptsSuppressed, err = m.Int64Counter("polyvox.transcripts.suppressed",
		metric.WithDescription("Transcripts held back from fan-out by reason."),
	); err != nil {
		return nil, err
	}
	if met.BroadcastSends, err = m.Int64Counter("polyvox.broadcast.sends",
		metric.WithDescription("Per-listener audio pushes by status."),
	); err != nil {
		return nil, err
	}
	if met.RateLimitViolations, err = m.Int64Counter("polyvox.rate_limit.violations",
		metric.WithDescription("Over-limit requests by operation."),
	); err != nil {
		return nil, err
	}
	if met.QualityWarnings, err = m.Int64Counter("polyvox.audio.quality_warnings",
		metric.WithDescription("Speaker audio quality events by warning type."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("polyvox.active_sessions",
		metric.WithDescription("Number of live broadcast sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveListeners, err = m.Int64UpDownCounter("polyvox.active_listeners",
		metric.WithDescription("Number of connected listeners across all sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSpeakerStreams, err = m.Int64UpDownCounter("polyvox.active_speaker_streams",
		metric.WithDescription("Number of open speaker ASR streams."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("polyvox.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest records a provider request counter increment with the
// standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordCacheLookup records one translation cache lookup outcome.
func (m *Metrics) RecordCacheLookup(ctx context.Context, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordBroadcastCounts records the per-invocation send outcome counts of one
// language bucket.
func (m *Metrics) RecordBroadcastCounts(ctx context.Context, success, failed, stale int64) {
	if success > 0 {
		m.BroadcastSends.Add(ctx, success, metric.WithAttributes(attribute.String("status", "success")))
	}
	if failed > 0 {
		m.BroadcastSends.Add(ctx, failed, metric.WithAttributes(attribute.String("status", "failed")))
	}
	if stale > 0 {
		m.BroadcastSends.Add(ctx, stale, metric.WithAttributes(attribute.String("status", "stale")))
	}
}

// RecordSuppressed records one transcript held back from fan-out.
func (m *Metrics) RecordSuppressed(ctx context.Context, reason string) {
	m.TranscriptsSuppressed.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordForwarded records one transcript entering fan-out.
func (m *Metrics) RecordForwarded(ctx context.Context, isFinal bool) {
	kind := "partial"
	if isFinal {
		kind = "final"
	}
	m.TranscriptsForwarded.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}
