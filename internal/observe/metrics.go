// Package observe provides application-wide observability primitives for
// meetscribe: OpenTelemetry metrics and HTTP middleware that ties them to the
// structured log.
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

// meterName is the instrumentation scope name used for all meetscribe metrics.
const meterName = "github.com/meetscribe/meetscribe"

// Drop reasons recorded on [Metrics.FramesDropped].
const (
	DropGateClosed    = "gate_closed"
	DropBridgeOpening = "bridge_opening"
	DropBridgeClosed  = "bridge_closed"
	DropSendFailed    = "send_failed"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Audio path counters ---

	// FramesForwarded counts PCM frames delivered to the STT provider.
	FramesForwarded metric.Int64Counter

	// FramesDropped counts PCM frames discarded before the provider. Use with
	// attribute.String("reason", ...) — one of the Drop* constants.
	FramesDropped metric.Int64Counter

	// BytesForwarded counts PCM bytes delivered to the STT provider.
	BytesForwarded metric.Int64Counter

	// --- Transcript counters ---

	// TranscriptEvents counts transcript events emitted by the bridge. Use
	// with attribute.Bool("final", ...).
	TranscriptEvents metric.Int64Counter

	// DeliveryFailures counts failed subscriber deliveries. Use with
	// attribute.String("subscriber", ...).
	DeliveryFailures metric.Int64Counter

	// --- Control plane counters ---

	// WebhookEvents counts received webhook control events. Use with
	// attribute.String("event", ...).
	WebhookEvents metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("stage", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live transcription sessions.
	ActiveSessions metric.Int64UpDownCounter

	// IngressConnections tracks the number of open ingress socket connections.
	IngressConnections metric.Int64UpDownCounter

	// --- Latency histograms ---

	// ProviderOpenDuration tracks STT stream establishment latency.
	ProviderOpenDuration metric.Float64Histogram

	// JournalAppendDuration tracks transcript journal append latency.
	JournalAppendDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for real-time audio-path latencies.
var latencyBuckets = []float64{
	0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Counters.
	if met.FramesForwarded, err = m.Int64Counter("meetscribe.audio.frames_forwarded",
		metric.WithDescription("PCM frames delivered to the STT provider."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("meetscribe.audio.frames_dropped",
		metric.WithDescription("PCM frames discarded before the provider, by reason."),
	); err != nil {
		return nil, err
	}
	if met.BytesForwarded, err = m.Int64Counter("meetscribe.audio.bytes_forwarded",
		metric.WithDescription("PCM bytes delivered to the STT provider."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.TranscriptEvents, err = m.Int64Counter("meetscribe.transcript.events",
		metric.WithDescription("Transcript events emitted by the provider bridge, by finality."),
	); err != nil {
		return nil, err
	}
	if met.DeliveryFailures, err = m.Int64Counter("meetscribe.transcript.delivery_failures",
		metric.WithDescription("Failed transcript deliveries, by subscriber kind."),
	); err != nil {
		return nil, err
	}
	if met.WebhookEvents, err = m.Int64Counter("meetscribe.webhook.events",
		metric.WithDescription("Received webhook control events, by event kind."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("meetscribe.provider.errors",
		metric.WithDescription("STT provider errors by provider and stage."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("meetscribe.active_sessions",
		metric.WithDescription("Number of live transcription sessions."),
	); err != nil {
		return nil, err
	}
	if met.IngressConnections, err = m.Int64UpDownCounter("meetscribe.ingress_connections",
		metric.WithDescription("Number of open ingress socket connections."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.ProviderOpenDuration, err = m.Float64Histogram("meetscribe.provider.open.duration",
		metric.WithDescription("Latency of STT stream establishment."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.JournalAppendDuration, err = m.Float64Histogram("meetscribe.journal.append.duration",
		metric.WithDescription("Latency of transcript journal appends."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("meetscribe.http.request.duration",
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

// RecordFrameForwarded records a forwarded frame and its byte count.
func (m *Metrics) RecordFrameForwarded(ctx context.Context, bytes int) {
	m.FramesForwarded.Add(ctx, 1)
	m.BytesForwarded.Add(ctx, int64(bytes))
}

// RecordFrameDropped records a dropped frame with the standard reason attribute.
func (m *Metrics) RecordFrameDropped(ctx context.Context, reason string) {
	m.FramesDropped.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordTranscriptEvent records a transcript event counter increment.
func (m *Metrics) RecordTranscriptEvent(ctx context.Context, final bool) {
	m.TranscriptEvents.Add(ctx, 1,
		metric.WithAttributes(attribute.Bool("final", final)),
	)
}

// RecordWebhookEvent records a webhook event counter increment.
func (m *Metrics) RecordWebhookEvent(ctx context.Context, event string) {
	m.WebhookEvents.Add(ctx, 1,
		metric.WithAttributes(attribute.String("event", event)),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, stage string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("stage", stage),
		),
	)
}
