package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumByAttr returns the int64 sum data point whose attribute key equals
// value, or the first point when key is empty.
func sumByAttr(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not a sum", name)
	}
	for _, dp := range sum.DataPoints {
		if key == "" {
			return dp.Value
		}
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			return dp.Value
		}
	}
	t.Fatalf("metric %q has no data point with %s=%s", name, key, value)
	return 0
}

func TestCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	counters := []struct {
		name string
		c    metric.Int64Counter
		n    int64
	}{
		{"liveconsult.audio.frames_sent", m.AudioFramesSent, 3},
		{"liveconsult.audio.frames_muted", m.AudioFramesMuted, 2},
		{"liveconsult.audio.chunks_scheduled", m.AudioChunksScheduled, 4},
		{"liveconsult.audio.decode_errors", m.AudioDecodeErrors, 1},
		{"liveconsult.playback.interruptions", m.PlaybackInterruptions, 1},
		{"liveconsult.video.frames_sent", m.VideoFramesSent, 5},
	}
	for _, tc := range counters {
		tc.c.Add(ctx, tc.n)
	}

	rm := collect(t, reader)
	for _, tc := range counters {
		t.Run(tc.name, func(t *testing.T) {
			if got := sumByAttr(t, rm, tc.name, "", ""); got != tc.n {
				t.Errorf("value = %d, want %d", got, tc.n)
			}
		})
	}
}

func TestRecordHelpers(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordTransmitError(ctx, "audio")
	m.RecordTransmitError(ctx, "audio")
	m.RecordTransmitError(ctx, "image")
	m.RecordVideoDrop(ctx, "no_session")
	m.RecordConnect(ctx, "gemini-live", "ok", 0.3)
	m.ActiveSessions.Add(ctx, 1)

	rm := collect(t, reader)
	if got := sumByAttr(t, rm, "liveconsult.transmit.errors", "kind", "audio"); got != 2 {
		t.Errorf("audio transmit errors = %d, want 2", got)
	}
	if got := sumByAttr(t, rm, "liveconsult.video.frames_dropped", "reason", "no_session"); got != 1 {
		t.Errorf("dropped frames = %d, want 1", got)
	}
	if got := sumByAttr(t, rm, "liveconsult.active_sessions", "", ""); got != 1 {
		t.Errorf("active sessions = %d, want 1", got)
	}

	met := findMetric(rm, "liveconsult.session.connect.duration")
	if met == nil {
		t.Fatal("connect duration not recorded")
	}
	hist := met.Data.(metricdata.Histogram[float64])
	if len(hist.DataPoints) != 1 || hist.DataPoints[0].Count != 1 {
		t.Errorf("connect duration points = %+v", hist.DataPoints)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	if DefaultMetrics() != DefaultMetrics() {
		t.Error("DefaultMetrics returned different pointers")
	}
}
