// Package telemetry wires OpenTelemetry metrics (Prometheus exporter) and
// traces for the daemon, and owns the synthesis instruments.
package telemetry

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/nadzzz/longspeech/internal/config"
)

// ScopeName is the instrumentation scope used for meters and tracers.
const ScopeName = "github.com/nadzzz/longspeech"

// Provider holds the installed providers and the /metrics handler.
type Provider struct {
	// MetricsHandler serves the Prometheus exposition format; nil when
	// metrics are disabled.
	MetricsHandler http.Handler

	shutdowns []func(context.Context) error
}

// Setup installs global meter and tracer providers according to cfg.
func Setup(ctx context.Context, cfg config.TelemetryConfig, version string) (*Provider, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			attribute.String("service.version", version),
		),
	)
	if err != nil {
		return nil, err
	}

	p := &Provider{}

	if cfg.Metrics {
		promExporter, err := prometheus.New()
		if err != nil {
			slog.Warn("failed to initialize prometheus exporter", "error", err)
		} else {
			mp := sdkmetric.NewMeterProvider(
				sdkmetric.WithReader(promExporter),
				sdkmetric.WithResource(res),
			)
			otel.SetMeterProvider(mp)
			p.MetricsHandler = promhttp.Handler()
			p.shutdowns = append(p.shutdowns, mp.Shutdown)
		}
	}

	tp, err := initTracer(ctx, cfg, res)
	if err != nil {
		_ = p.Shutdown(ctx)
		return nil, err
	}
	if tp != nil {
		otel.SetTracerProvider(tp)
		p.shutdowns = append(p.shutdowns, tp.Shutdown)
	}
	return p, nil
}

func initTracer(ctx context.Context, cfg config.TelemetryConfig, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	switch strings.ToLower(cfg.Traces) {
	case "otlp":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, err
		}
		slog.Info("tracing initialized", "exporter", "otlp", "endpoint", cfg.OTLPEndpoint)
		return sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter), sdktrace.WithResource(res)), nil
	case "stdout":
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, err
		}
		slog.Info("tracing initialized", "exporter", "stdout")
		return sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter), sdktrace.WithResource(res)), nil
	default:
		return nil, nil
	}
}

// Shutdown flushes and stops every installed provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var errs []error
	for _, fn := range p.shutdowns {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Instruments are the synthesis counters and histograms.
type Instruments struct {
	ChunkAttempts       metric.Int64Counter
	FallbackActivations metric.Int64Counter
	Requests            metric.Int64Counter
	RequestDuration     metric.Float64Histogram
}

// NewInstruments creates the instruments on the global meter provider.
// Registration failures fall back to no-op instruments with a warning.
func NewInstruments() *Instruments {
	meter := otel.Meter(ScopeName)
	in := &Instruments{}
	var err error

	in.ChunkAttempts, err = meter.Int64Counter("longspeech.chunk.attempts",
		metric.WithDescription("Synthesis attempts per chunk, labelled by engine and outcome"))
	warnOnErr("longspeech.chunk.attempts", err)

	in.FallbackActivations, err = meter.Int64Counter("longspeech.fallback.activations",
		metric.WithDescription("Requests that degraded to the fallback engine"))
	warnOnErr("longspeech.fallback.activations", err)

	in.Requests, err = meter.Int64Counter("longspeech.requests",
		metric.WithDescription("Completed synthesis requests, labelled by outcome"))
	warnOnErr("longspeech.requests", err)

	in.RequestDuration, err = meter.Float64Histogram("longspeech.request.duration",
		metric.WithDescription("End-to-end synthesis duration"),
		metric.WithUnit("s"))
	warnOnErr("longspeech.request.duration", err)

	return in
}

func warnOnErr(name string, err error) {
	if err != nil {
		slog.Warn("failed to register instrument", "instrument", name, "error", err)
	}
}
