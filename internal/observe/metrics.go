// Package observe provides application-wide observability primitives for
// livescribe: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
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

// meterName is the instrumentation scope name used for all livescribe metrics.
const meterName = "github.com/MrWong99/livescribe"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// StreamOpenDuration tracks how long opening a recognition stream takes.
	// Use with attribute.String("provider", ...), attribute.String("status", ...).
	StreamOpenDuration metric.Float64Histogram

	// SessionDuration tracks the length of recording sessions.
	SessionDuration metric.Float64Histogram

	// --- Frame counters ---

	// FramesCaptured counts frames read from the input device.
	FramesCaptured metric.Int64Counter

	// FramesSent counts frames delivered to the recognition stream.
	FramesSent metric.Int64Counter

	// FramesDropped counts frames evicted from a lossy consumer queue or
	// discarded on reconnect. Use with attribute.String("consumer", ...).
	FramesDropped metric.Int64Counter

	// FramesPlayed counts frames written to the output device.
	FramesPlayed metric.Int64Counter

	// --- Recognition counters ---

	// Results counts recognition results. Use with attribute:
	//   attribute.String("kind", "interim"|"final"|"duplicate"|"empty")
	Results metric.Int64Counter

	// StreamReconnects counts reconnection attempts. Use with attribute:
	//   attribute.String("provider", ...)
	StreamReconnects metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes. Use with
	// attributes: attribute.String("provider", ...), attribute.String("state", ...)
	BreakerTransitions metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of recording sessions (0 or 1).
	ActiveSessions metric.Int64UpDownCounter

	// ActivePlayback tracks whether monitoring playback is running.
	ActivePlayback metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// connection handshakes.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// sessionBuckets defines histogram bucket boundaries (in seconds) for
// recording sessions.
var sessionBuckets = []float64{
	1, 5, 15, 30, 60, 300, 900, 1800, 3600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.StreamOpenDuration, err = m.Float64Histogram("livescribe.stream.open.duration",
		metric.WithDescription("Latency of opening a streaming recognition session."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SessionDuration, err = m.Float64Histogram("livescribe.session.duration",
		metric.WithDescription("Length of recording sessions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.FramesCaptured, err = m.Int64Counter("livescribe.frames.captured",
		metric.WithDescription("Total audio frames read from the input device."),
	); err != nil {
		return nil, err
	}
	if met.FramesSent, err = m.Int64Counter("livescribe.frames.sent",
		metric.WithDescription("Total audio frames sent to the recognition stream."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("livescribe.frames.dropped",
		metric.WithDescription("Total audio frames dropped by consumer."),
	); err != nil {
		return nil, err
	}
	if met.FramesPlayed, err = m.Int64Counter("livescribe.frames.played",
		metric.WithDescription("Total audio frames written to the output device."),
	); err != nil {
		return nil, err
	}
	if met.Results, err = m.Int64Counter("livescribe.results",
		metric.WithDescription("Total recognition results by kind."),
	); err != nil {
		return nil, err
	}
	if met.StreamReconnects, err = m.Int64Counter("livescribe.stream.reconnects",
		metric.WithDescription("Total recognition stream reconnection attempts."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("livescribe.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("livescribe.breaker.transitions",
		metric.WithDescription("Circuit breaker state changes by provider and new state."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("livescribe.active_sessions",
		metric.WithDescription("Number of live recording sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActivePlayback, err = m.Int64UpDownCounter("livescribe.active_playback",
		metric.WithDescription("Number of running monitoring playback sinks."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("livescribe.http.request.duration",
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

// RecordResult records a recognition result of the given kind.
func (m *Metrics) RecordResult(ctx context.Context, kind string) {
	m.Results.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordDropped records n frames dropped for consumer.
func (m *Metrics) RecordDropped(ctx context.Context, consumer string, n int) {
	m.FramesDropped.Add(ctx, int64(n), metric.WithAttributes(attribute.String("consumer", consumer)))
}

// RecordReconnect records one reconnection attempt against provider.
func (m *Metrics) RecordReconnect(ctx context.Context, provider string) {
	m.StreamReconnects.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider)))
}

// RecordStreamOpen records the latency of a stream open attempt.
func (m *Metrics) RecordStreamOpen(ctx context.Context, provider, status string, seconds float64) {
	m.StreamOpenDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("provider", provider),
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

// RecordBreakerTransition records a circuit breaker of provider entering state.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, provider, state string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("state", state),
		),
	)
}
