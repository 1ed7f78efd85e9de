// Package observe provides application-wide observability primitives for
// liveconsult: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all liveconsult metrics.
const meterName = "github.com/MrWong99/liveconsult"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Audio path ---

	// AudioFramesSent counts PCM frames handed to the outbound queue.
	AudioFramesSent metric.Int64Counter

	// AudioFramesMuted counts capture blocks suppressed by mute.
	AudioFramesMuted metric.Int64Counter

	// AudioChunksScheduled counts model audio chunks placed on the playback
	// timeline.
	AudioChunksScheduled metric.Int64Counter

	// AudioDecodeErrors counts model audio chunks dropped as undecodable.
	AudioDecodeErrors metric.Int64Counter

	// PlaybackInterruptions counts barge-in interruptions.
	PlaybackInterruptions metric.Int64Counter

	// --- Video path ---

	// VideoFramesSent counts JPEG snapshots delivered to the session.
	VideoFramesSent metric.Int64Counter

	// VideoFramesDropped counts snapshots dropped. Use with attribute:
	//   attribute.String("reason", ...)
	VideoFramesDropped metric.Int64Counter

	// --- Errors ---

	// TransmitErrors counts failed sends. Use with attribute:
	//   attribute.String("kind", "audio"|"image")
	TransmitErrors metric.Int64Counter

	// --- Session lifecycle ---

	// ConnectDuration tracks the time from connect() to an open session. Use
	// with attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	ConnectDuration metric.Float64Histogram

	// ActiveSessions tracks the number of open remote sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// session setup latencies.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.AudioFramesSent, "liveconsult.audio.frames_sent", "Total microphone PCM frames queued for transmission."},
		{&met.AudioFramesMuted, "liveconsult.audio.frames_muted", "Total microphone blocks suppressed while muted."},
		{&met.AudioChunksScheduled, "liveconsult.audio.chunks_scheduled", "Total model audio chunks scheduled for playback."},
		{&met.AudioDecodeErrors, "liveconsult.audio.decode_errors", "Total model audio chunks dropped because they failed to decode."},
		{&met.PlaybackInterruptions, "liveconsult.playback.interruptions", "Total playback interruptions signalled by the model."},
		{&met.VideoFramesSent, "liveconsult.video.frames_sent", "Total camera snapshots sent to the session."},
		{&met.VideoFramesDropped, "liveconsult.video.frames_dropped", "Total camera snapshots dropped by reason."},
		{&met.TransmitErrors, "liveconsult.transmit.errors", "Total failed sends by payload kind."},
	}
	for _, c := range counters {
		if *c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	if met.ConnectDuration, err = m.Float64Histogram("liveconsult.session.connect.duration",
		metric.WithDescription("Latency from connect to an open remote session."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("liveconsult.active_sessions",
		metric.WithDescription("Number of open remote sessions."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("liveconsult.http.request.duration",
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

// RecordTransmitError records a failed send of the given payload kind.
func (m *Metrics) RecordTransmitError(ctx context.Context, kind string) {
	m.TransmitErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordVideoDrop records a dropped snapshot with its reason.
func (m *Metrics) RecordVideoDrop(ctx context.Context, reason string) {
	m.VideoFramesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordConnect records how long a connect attempt took and how it ended.
func (m *Metrics) RecordConnect(ctx context.Context, provider, status string, seconds float64) {
	m.ConnectDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("status", status),
		),
	)
}
