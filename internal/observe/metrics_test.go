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

// sumFor returns the value of the int64 sum data point of metric name that
// carries the attribute key=value, and whether it was found.
func sumFor(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) (int64, bool) {
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
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			return dp.Value, true
		}
	}
	return 0, false
}

func TestHistogramObservation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordStreamOpen(ctx, "deepgram", "ok", 0.12)
	m.RecordStreamOpen(ctx, "deepgram", "ok", 0.3)
	m.SessionDuration.Record(ctx, 42)
	m.SessionDuration.Record(ctx, 7)

	rm := collect(t, reader)
	for _, name := range []string{"livescribe.stream.open.duration", "livescribe.session.duration"} {
		t.Run(name, func(t *testing.T) {
			met := findMetric(rm, name)
			if met == nil {
				t.Fatalf("metric %q not found", name)
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q is not a histogram", name)
			}
			if len(hist.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", name)
			}
			if got := hist.DataPoints[0].Count; got != 2 {
				t.Errorf("sample count = %d, want 2", got)
			}
		})
	}
}

func TestResultsCounter(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordResult(ctx, "interim")
	m.RecordResult(ctx, "interim")
	m.RecordResult(ctx, "final")
	m.RecordResult(ctx, "duplicate")

	rm := collect(t, reader)
	for kind, want := range map[string]int64{"interim": 2, "final": 1, "duplicate": 1} {
		got, ok := sumFor(t, rm, "livescribe.results", "kind", kind)
		if !ok {
			t.Errorf("data point kind=%s not found", kind)
			continue
		}
		if got != want {
			t.Errorf("kind=%s: value = %d, want %d", kind, got, want)
		}
	}
}

func TestFrameCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.FramesCaptured.Add(ctx, 10)
	m.FramesSent.Add(ctx, 8)
	m.FramesPlayed.Add(ctx, 3)
	m.RecordDropped(ctx, "playback", 2)
	m.RecordDropped(ctx, "recognition", 5)

	rm := collect(t, reader)
	if got, ok := sumFor(t, rm, "livescribe.frames.dropped", "consumer", "recognition"); !ok || got != 5 {
		t.Errorf("dropped[recognition] = %d (found=%v), want 5", got, ok)
	}
	for name, want := range map[string]int64{
		"livescribe.frames.captured": 10,
		"livescribe.frames.sent":     8,
		"livescribe.frames.played":   3,
	} {
		met := findMetric(rm, name)
		if met == nil {
			t.Fatalf("metric %q not found", name)
		}
		sum := met.Data.(metricdata.Sum[int64])
		if got := sum.DataPoints[0].Value; got != want {
			t.Errorf("%s = %d, want %d", name, got, want)
		}
	}
}

func TestReconnectAndErrorCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordReconnect(ctx, "deepgram")
	m.RecordReconnect(ctx, "deepgram")
	m.RecordProviderError(ctx, "deepgram", "transient")

	rm := collect(t, reader)
	if got, ok := sumFor(t, rm, "livescribe.stream.reconnects", "provider", "deepgram"); !ok || got != 2 {
		t.Errorf("reconnects = %d (found=%v), want 2", got, ok)
	}
	if got, ok := sumFor(t, rm, "livescribe.provider.errors", "kind", "transient"); !ok || got != 1 {
		t.Errorf("provider errors = %d (found=%v), want 1", got, ok)
	}
}

func TestBreakerTransitions(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordBreakerTransition(ctx, "deepgram", "open")
	m.RecordBreakerTransition(ctx, "deepgram", "half-open")
	m.RecordBreakerTransition(ctx, "deepgram", "open")

	rm := collect(t, reader)
	if got, ok := sumFor(t, rm, "livescribe.breaker.transitions", "state", "open"); !ok || got != 2 {
		t.Errorf("open transitions = %d (found=%v), want 2", got, ok)
	}
}

func TestGauges(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, -1)
	m.ActiveSessions.Add(ctx, 1)
	m.ActivePlayback.Add(ctx, 1)

	rm := collect(t, reader)
	for name, want := range map[string]int64{
		"livescribe.active_sessions": 1,
		"livescribe.active_playback": 1,
	} {
		t.Run(name, func(t *testing.T) {
			met := findMetric(rm, name)
			if met == nil {
				t.Fatalf("metric %q not found", name)
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %q is not a sum", name)
			}
			if got := sum.DataPoints[0].Value; got != want {
				t.Errorf("gauge value = %d, want %d", got, want)
			}
		})
	}
}

func TestHTTPRequestDuration(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.HTTPRequestDuration.Record(ctx, 0.05,
		metric.WithAttributes(
			attribute.String("method", "GET"),
			attribute.String("path", "/healthz"),
		),
	)

	rm := collect(t, reader)
	met := findMetric(rm, "livescribe.http.request.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}
	if got := hist.DataPoints[0].Count; got != 1 {
		t.Errorf("sample count = %d, want 1", got)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
