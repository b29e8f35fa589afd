// Package observe provides application-wide observability primitives for the
// voice service: OpenTelemetry metrics, distributed tracing, structured
// logging, and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
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

// meterName is the instrumentation scope name used for all metrics.
const meterName = "github.com/aihub/voice"

// Utterance outcomes recorded by [Metrics.RecordUtterance].
const (
	OutcomeDelivered = "delivered"
	OutcomeDiscarded = "discarded"
	OutcomeMuted     = "muted"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Voice activity detection ---

	// VADTicks counts processed detector ticks.
	VADTicks metric.Int64Counter

	// VADTickFailures counts ticks that panicked and were skipped.
	VADTickFailures metric.Int64Counter

	// Utterances counts completed speech runs. Use with attribute:
	//   attribute.String("outcome", ...) (delivered, discarded, muted)
	Utterances metric.Int64Counter

	// BargeIns counts speech onsets that interrupted playback.
	BargeIns metric.Int64Counter

	// AudioLevel reports the most recent smoothed input level.
	AudioLevel metric.Float64Gauge

	// ActiveCaptures tracks the number of open microphone sessions.
	ActiveCaptures metric.Int64UpDownCounter

	// --- Playback ---

	// PlaybackClips counts finished clips. Use with attribute:
	//   attribute.String("status", ...) (finished, failed, interrupted, closed)
	PlaybackClips metric.Int64Counter

	// --- Latency histograms per pipeline stage ---

	// STTDuration tracks speech-to-text transcription latency.
	STTDuration metric.Float64Histogram

	// LLMDuration tracks LLM inference latency.
	LLMDuration metric.Float64Histogram

	// TTSDuration tracks text-to-speech synthesis latency.
	TTSDuration metric.Float64Histogram

	// TurnDuration tracks utterance-to-enqueue latency of a conversation turn.
	TurnDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// Turns counts conversation turns. Use with attribute:
	//   attribute.String("status", ...) (answered, command, empty, cancelled, failed)
	Turns metric.Int64Counter

	// VoiceCommands counts transcripts handled locally. Use with attribute:
	//   attribute.String("action", ...)
	VoiceCommands metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Voice activity.
	if met.VADTicks, err = m.Int64Counter("aihub.vad.ticks",
		metric.WithDescription("Total voice activity detector ticks."),
	); err != nil {
		return nil, err
	}
	if met.VADTickFailures, err = m.Int64Counter("aihub.vad.tick.failures",
		metric.WithDescription("Detector ticks that failed and were skipped."),
	); err != nil {
		return nil, err
	}
	if met.Utterances, err = m.Int64Counter("aihub.vad.utterances",
		metric.WithDescription("Completed speech runs by outcome."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("aihub.vad.bargeins",
		metric.WithDescription("Speech onsets that interrupted playback."),
	); err != nil {
		return nil, err
	}
	if met.AudioLevel, err = m.Float64Gauge("aihub.vad.level",
		metric.WithDescription("Most recent smoothed input level in [0, 1]."),
	); err != nil {
		return nil, err
	}
	if met.ActiveCaptures, err = m.Int64UpDownCounter("aihub.capture.active",
		metric.WithDescription("Number of open microphone sessions."),
	); err != nil {
		return nil, err
	}

	// Playback.
	if met.PlaybackClips, err = m.Int64Counter("aihub.playback.clips",
		metric.WithDescription("Finished playback clips by status."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.STTDuration, err = m.Float64Histogram("aihub.stt.duration",
		metric.WithDescription("Latency of speech-to-text transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("aihub.llm.duration",
		metric.WithDescription("Latency of LLM inference."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("aihub.tts.duration",
		metric.WithDescription("Latency of text-to-speech synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TurnDuration, err = m.Float64Histogram("aihub.turn.duration",
		metric.WithDescription("Latency from finished utterance to enqueued reply."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("aihub.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("aihub.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.Turns, err = m.Int64Counter("aihub.conversation.turns",
		metric.WithDescription("Conversation turns by status."),
	); err != nil {
		return nil, err
	}
	if met.VoiceCommands, err = m.Int64Counter("aihub.voice_commands",
		metric.WithDescription("Transcripts handled as local voice commands by action."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("aihub.http.request.duration",
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

// RecordTick records one processed detector tick and the level it produced.
func (m *Metrics) RecordTick(ctx context.Context, level float64) {
	m.VADTicks.Add(ctx, 1)
	m.AudioLevel.Record(ctx, level)
}

// RecordTickFailure records a detector tick that failed and was skipped.
func (m *Metrics) RecordTickFailure(ctx context.Context) {
	m.VADTickFailures.Add(ctx, 1)
}

// RecordUtterance records the outcome of a finished speech run.
func (m *Metrics) RecordUtterance(ctx context.Context, outcome string) {
	m.Utterances.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordBargeIn records a speech onset that interrupted playback.
func (m *Metrics) RecordBargeIn(ctx context.Context) {
	m.BargeIns.Add(ctx, 1)
}

// RecordPlaybackClip records a finished playback clip.
func (m *Metrics) RecordPlaybackClip(ctx context.Context, status string) {
	m.PlaybackClips.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordProviderRequest is a convenience method that records a provider
// request counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordTurn records a conversation turn outcome.
func (m *Metrics) RecordTurn(ctx context.Context, status string) {
	m.Turns.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordVoiceCommand records a transcript handled as a local command.
func (m *Metrics) RecordVoiceCommand(ctx context.Context, action string) {
	m.VoiceCommands.Add(ctx, 1, metric.WithAttributes(attribute.String("action", action)))
}
