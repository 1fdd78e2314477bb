package observe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Trace export destinations reported by [InitProvider].
const (
	TracesNone   = "none"
	TracesOTLP   = "otlp"
	TracesStdout = "stdout"
	TracesCustom = "custom"
)

// ProviderConfig describes the telemetry pipeline of a livescribe process.
type ProviderConfig struct {
	// ServiceName defaults to "livescribe".
	ServiceName    string
	ServiceVersion string

	// OTLPEndpoint is the host:port of an OTLP/gRPC collector. It wins over
	// StdoutTraces.
	OTLPEndpoint string
	OTLPInsecure bool

	// StdoutTraces pretty-prints finished spans to TraceWriter (os.Stdout when
	// nil).
	StdoutTraces bool
	TraceWriter  io.Writer

	// TraceSampleRatio keeps that fraction of root spans. Zero keeps all.
	TraceSampleRatio float64

	// TraceExporter replaces the exporter selected from the fields above.
	TraceExporter sdktrace.SpanExporter
}

// InitProvider installs the global meter and tracer providers. Metrics go
// through the Prometheus bridge served on /metrics; spans go to the exporter
// picked by cfg, or nowhere when none is configured.
//
// The returned function flushes pending spans and shuts both providers down.
func InitProvider(ctx context.Context, cfg ProviderConfig) (shutdown func(context.Context) error, err error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "livescribe"
	}
	res, err := newResource(cfg)
	if err != nil {
		return nil, fmt.Errorf("observe: resource: %w", err)
	}

	promExp, err := promexporter.New()
	if err != nil {
		return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExp),
	)

	tp, traces, err := newTracerProvider(ctx, cfg, res)
	if err != nil {
		return nil, errors.Join(err, mp.Shutdown(ctx))
	}

	otel.SetMeterProvider(mp)
	otel.SetTracerProvider(tp)
	slog.Info("telemetry initialised",
		"service", cfg.ServiceName,
		"traces", traces,
		"sample_ratio", cfg.TraceSampleRatio,
	)

	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}

// newResource describes this process. The attributes are schemaless so that
// merging with the SDK defaults never trips over differing schema URLs.
func newResource(cfg ProviderConfig) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
	}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.ServiceVersion))
	}
	if host, err := os.Hostname(); err == nil {
		attrs = append(attrs, semconv.HostName(host))
	}
	return resource.Merge(resource.Default(), resource.NewSchemaless(attrs...))
}

// newTracerProvider builds the tracer provider for cfg and reports which
// export destination it chose.
func newTracerProvider(ctx context.Context, cfg ProviderConfig, res *resource.Resource) (*sdktrace.TracerProvider, string, error) {
	exp, traces, err := newTraceExporter(ctx, cfg)
	if err != nil {
		return nil, "", err
	}
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.TraceSampleRatio)),
	}
	if exp != nil {
		opts = append(opts, sdktrace.WithBatcher(exp))
	}
	return sdktrace.NewTracerProvider(opts...), traces, nil
}

func newTraceExporter(ctx context.Context, cfg ProviderConfig) (sdktrace.SpanExporter, string, error) {
	switch {
	case cfg.TraceExporter != nil:
		return cfg.TraceExporter, TracesCustom, nil
	case cfg.OTLPEndpoint != "":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		// The client dials lazily; an unreachable collector only shows up
		// as export errors later.
		exp, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, "", fmt.Errorf("observe: otlp exporter: %w", err)
		}
		return exp, TracesOTLP, nil
	case cfg.StdoutTraces:
		w := cfg.TraceWriter
		if w == nil {
			w = os.Stdout
		}
		exp, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, "", fmt.Errorf("observe: stdout exporter: %w", err)
		}
		return exp, TracesStdout, nil
	default:
		return nil, TracesNone, nil
	}
}

// sampler keeps ratio of new traces and follows the parent decision for
// spans that continue one.
func sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.AlwaysSample()
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}
