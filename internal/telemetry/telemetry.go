package telemetry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/neurolens/neurolens/internal/redact"
)

const instrumentationName = "neurolens"

// Config controls telemetry setup.
type Config struct {
	Enabled  bool
	Endpoint string
	Protocol string // grpc | http
	Service  string
	Version  string
}

// Provider wires tracer/meter providers and the service instruments.
// A nil *Provider is a no-op.
type Provider struct {
	Enabled bool
	tracer  trace.Tracer
	meter   metric.Meter

	predictions         metric.Int64Counter
	inferenceDuration   metric.Float64Histogram
	attributionDuration metric.Float64Histogram
	modelLoads          metric.Int64Counter

	shutdownTraceProvider func(context.Context) error
	shutdownMeterProvider func(context.Context) error
}

// NewProvider configures OTLP exporters. When disabled it returns no-op
// providers so callers never branch on telemetry.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		p := &Provider{
			tracer: tracenoop.NewTracerProvider().Tracer(""),
			meter:  noop.NewMeterProvider().Meter(""),
		}
		p.initInstruments()
		return p, nil
	}

	protocol := strings.ToLower(strings.TrimSpace(cfg.Protocol))
	redact.Logf("telemetry enabled (OpenTelemetry OTLP %s) endpoint=%s", protocol, cfg.Endpoint)

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(
			attribute.String("service.name", cfg.Service),
			attribute.String("service.version", cfg.Version),
		),
	)
	if err != nil {
		return nil, err
	}

	var (
		traceExp  sdktrace.SpanExporter
		metricExp sdkmetric.Exporter
	)
	switch protocol {
	case "", "grpc":
		if traceExp, err = otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(cfg.Endpoint), otlptracegrpc.WithInsecure()); err != nil {
			return nil, err
		}
		if metricExp, err = otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithEndpoint(cfg.Endpoint), otlpmetricgrpc.WithInsecure()); err != nil {
			return nil, err
		}
	case "http":
		if traceExp, err = otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(cfg.Endpoint), otlptracehttp.WithInsecure()); err != nil {
			return nil, err
		}
		if metricExp, err = otlpmetrichttp.New(ctx, otlpmetrichttp.WithEndpoint(cfg.Endpoint), otlpmetrichttp.WithInsecure()); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("telemetry: unknown protocol %q", cfg.Protocol)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
	)
	otel.SetMeterProvider(mp)

	p := &Provider{
		Enabled:               true,
		tracer:                tp.Tracer(instrumentationName),
		meter:                 mp.Meter(instrumentationName),
		shutdownTraceProvider: tp.Shutdown,
		shutdownMeterProvider: mp.Shutdown,
	}
	p.initInstruments()
	return p, nil
}

func (p *Provider) initInstruments() {
	// Instrument errors are ignored; telemetry is best-effort.
	p.predictions, _ = p.meter.Int64Counter("neurolens_predictions_total")
	p.inferenceDuration, _ = p.meter.Float64Histogram("neurolens_inference_duration_ms")
	p.attributionDuration, _ = p.meter.Float64Histogram("neurolens_attribution_duration_ms")
	p.modelLoads, _ = p.meter.Int64Counter("neurolens_model_loads_total")
}

// Tracer returns the tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p == nil {
		return tracenoop.NewTracerProvider().Tracer("")
	}
	return p.tracer
}

// StartSpan starts a span carrying only the attributes SafeAttributes lets
// through.
func (p *Provider) StartSpan(ctx context.Context, name string, attrs map[string]interface{}) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name, trace.WithAttributes(SafeAttributes(attrs)...))
}

// Shutdown flushes providers.
func (p *Provider) Shutdown(ctx context.Context) {
	if p == nil {
		return
	}
	if p.shutdownTraceProvider != nil {
		_ = p.shutdownTraceProvider(ctx)
	}
	if p.shutdownMeterProvider != nil {
		_ = p.shutdownMeterProvider(ctx)
	}
}

// RecordPrediction counts one classification and its inference latency.
func (p *Provider) RecordPrediction(ctx context.Context, kind, key, outcome string, inference time.Duration) {
	if p == nil {
		return
	}
	labels := metric.WithAttributes(
		attribute.String("neurolens.kind", kind),
		attribute.String("neurolens.key", key),
		attribute.String("neurolens.outcome", outcome),
	)
	p.predictions.Add(ctx, 1, labels)
	if inference > 0 {
		p.inferenceDuration.Record(ctx, millis(inference), labels)
	}
}

// RecordAttribution records the latency of one attribution task.
func (p *Provider) RecordAttribution(ctx context.Context, method, status string, took time.Duration) {
	if p == nil {
		return
	}
	p.attributionDuration.Record(ctx, millis(took), metric.WithAttributes(
		attribute.String("neurolens.method", method),
		attribute.String("neurolens.status", status),
	))
}

// RecordModelLoad counts a checkpoint load attempt.
func (p *Provider) RecordModelLoad(key, member string, _ time.Duration, err error) {
	if p == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	p.modelLoads.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("neurolens.key", key),
		attribute.String("neurolens.member", member),
		attribute.String("neurolens.outcome", outcome),
	))
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
