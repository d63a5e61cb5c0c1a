// Package observe provides application-wide observability primitives for
// crosstalk: OpenTelemetry metrics, distributed tracing, structured logging,
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
	"strconv"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all crosstalk metrics.
const meterName = "github.com/MrWong99/crosstalk"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// STTDuration tracks speech-to-text transcription latency. Use with
	// attribute.String("speaker", ...).
	STTDuration metric.Float64Histogram

	// SpeechDuration tracks the length of emitted utterances in seconds.
	SpeechDuration metric.Float64Histogram

	// --- Counters ---

	// Utterances counts emitted utterances. Use with attributes:
	//   attribute.String("speaker", ...), attribute.Bool("collision", ...)
	Utterances metric.Int64Counter

	// UtterancesDiscarded counts speech segments that produced no utterance.
	// Use with attributes:
	//   attribute.String("speaker", ...), attribute.String("reason", ...)
	UtterancesDiscarded metric.Int64Counter

	// Collisions counts resolved overlap episodes.
	Collisions metric.Int64Counter

	// VADTransitions counts speech start and end transitions. Use with
	// attributes:
	//   attribute.String("speaker", ...), attribute.String("transition", ...)
	VADTransitions metric.Int64Counter

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// DeviceAcquireAttempts counts capture device open attempts. Use with
	// attributes:
	//   attribute.String("device_id", ...), attribute.String("status", ...)
	DeviceAcquireAttempts metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveChannels tracks the number of speaker channels with a live
	// capture stream.
	ActiveChannels metric.Int64UpDownCounter

	// EventFeedClients tracks the number of connected event feed subscribers.
	EventFeedClients metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for transcription round trips.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// speechBuckets defines histogram bucket boundaries (in seconds) for
// utterance lengths.
var speechBuckets = []float64{
	0.25, 0.5, 1, 2, 3, 5, 8, 10, 15,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.STTDuration, err = m.Float64Histogram("crosstalk.stt.duration",
		metric.WithDescription("Latency of speech-to-text transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SpeechDuration, err = m.Float64Histogram("crosstalk.speech.duration",
		metric.WithDescription("Length of emitted utterances."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(speechBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Utterances, err = m.Int64Counter("crosstalk.utterances",
		metric.WithDescription("Total emitted utterances by speaker and collision flag."),
	); err != nil {
		return nil, err
	}
	if met.UtterancesDiscarded, err = m.Int64Counter("crosstalk.utterances.discarded",
		metric.WithDescription("Total speech segments dropped without an utterance, by speaker and reason."),
	); err != nil {
		return nil, err
	}
	if met.Collisions, err = m.Int64Counter("crosstalk.collisions",
		metric.WithDescription("Total resolved speaker overlaps."),
	); err != nil {
		return nil, err
	}
	if met.VADTransitions, err = m.Int64Counter("crosstalk.vad.transitions",
		metric.WithDescription("Total VAD transitions by speaker and transition."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("crosstalk.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.DeviceAcquireAttempts, err = m.Int64Counter("crosstalk.device.acquire_attempts",
		metric.WithDescription("Total capture device open attempts by device and status."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("crosstalk.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveChannels, err = m.Int64UpDownCounter("crosstalk.channels.active",
		metric.WithDescription("Number of speaker channels with a live capture stream."),
	); err != nil {
		return nil, err
	}
	if met.EventFeedClients, err = m.Int64UpDownCounter("crosstalk.eventfeed.clients",
		metric.WithDescription("Number of connected event feed subscribers."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("crosstalk.http.request.duration",
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

// RecordUtterance records an emitted utterance and its length in seconds.
func (m *Metrics) RecordUtterance(ctx context.Context, speaker string, collision bool, seconds float64) {
	m.Utterances.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("speaker", speaker),
			attribute.Bool("collision", collision),
		),
	)
	m.SpeechDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("speaker", speaker)),
	)
}

// RecordDiscard records a speech segment dropped for reason, e.g.
// "collision", "too_short" or "device_lost".
func (m *Metrics) RecordDiscard(ctx context.Context, speaker, reason string) {
	m.UtterancesDiscarded.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("speaker", speaker),
			attribute.String("reason", reason),
		),
	)
}

// RecordCollision records one resolved overlap between speakers.
func (m *Metrics) RecordCollision(ctx context.Context, speakers int) {
	m.Collisions.Add(ctx, 1,
		metric.WithAttributes(attribute.String("speakers", strconv.Itoa(speakers))),
	)
}

// RecordVADTransition records a speech start or end for speaker.
func (m *Metrics) RecordVADTransition(ctx context.Context, speaker, transition string) {
	m.VADTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("speaker", speaker),
			attribute.String("transition", transition),
		),
	)
}

// RecordDeviceAttempt records one capture device open attempt.
func (m *Metrics) RecordDeviceAttempt(ctx context.Context, deviceID, status string) {
	m.DeviceAcquireAttempts.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("device_id", deviceID),
			attribute.String("status", status),
		),
	)
}
