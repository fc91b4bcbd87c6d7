package telemetry

import (
	"context"
	"log"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
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
)

// Config controls telemetry setup.
type Config struct {
	Enabled  bool
	Endpoint string
	Protocol string // grpc | http
	Service  string
	Version  string
}

// Provider wires tracer/meter providers and exposes lifecycle helpers.
type Provider struct {
	Enabled bool
	tracer  trace.Tracer
	meter   metric.Meter

	loadsCounter       metric.Int64Counter
	releasesCounter    metric.Int64Counter
	predictionsCounter metric.Int64Counter
	failuresCounter    metric.Int64Counter
	phaseDuration      metric.Float64Histogram

	shutdownTraceProvider func(context.Context) error
	shutdownMeterProvider func(context.Context) error
}

// Noop returns a provider that records nothing.
func Noop() *Provider {
	p := &Provider{
		tracer: tracenoop.NewTracerProvider().Tracer(""),
		meter:  noop.NewMeterProvider().Meter(""),
	}
	p.initInstruments()
	return p
}

// NewProvider configures OTLP exporters + providers. When disabled, returns no-op providers.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !cfg.Enabled {
		return Noop(), nil
	}

	log.Printf("telemetry enabled (OpenTelemetry OTLP %s) endpoint=%s", strings.ToLower(cfg.Protocol), cfg.Endpoint)

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

	var exporters exporterPair
	switch strings.ToLower(cfg.Protocol) {
	case "", "grpc":
		exporters = exporterPair{
			trace: func(ctx context.Context) (sdktrace.SpanExporter, error) {
				return otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(cfg.Endpoint), otlptracegrpc.WithInsecure())
			},
			metric: func(ctx context.Context) (sdkmetric.Exporter, error) {
				return otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithEndpoint(cfg.Endpoint), otlpmetricgrpc.WithInsecure())
			},
		}
	case "http":
		exporters = exporterPair{
			trace: func(ctx context.Context) (sdktrace.SpanExporter, error) {
				return otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(cfg.Endpoint), otlptracehttp.WithInsecure())
			},
			metric: func(ctx context.Context) (sdkmetric.Exporter, error) {
				return otlpmetrichttp.New(ctx, otlpmetrichttp.WithEndpoint(cfg.Endpoint), otlpmetrichttp.WithInsecure())
			},
		}
	default:
		log.Printf("telemetry: unknown protocol %q, falling back to no-op", cfg.Protocol)
		return Noop(), nil
	}

	spanExporter, reader, err := exporters.build(ctx)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithBatcher(spanExporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(reader))
	otel.SetMeterProvider(mp)

	p := &Provider{
		Enabled:               true,
		tracer:                tp.Tracer("breastscan"),
		meter:                 mp.Meter("breastscan"),
		shutdownTraceProvider: tp.Shutdown,
		shutdownMeterProvider: mp.Shutdown,
	}
	p.initInstruments()
	return p, nil
}

type exporterPair struct {
	trace  func(context.Context) (sdktrace.SpanExporter, error)
	metric func(context.Context) (sdkmetric.Exporter, error)
}

// build creates both exporters. If the metric exporter fails, the trace
// exporter already dialled is shut down before returning.
func (e exporterPair) build(ctx context.Context) (sdktrace.SpanExporter, sdkmetric.Reader, error) {
	te, err := e.trace(ctx)
	if err != nil {
		return nil, nil, err
	}
	me, err := e.metric(ctx)
	if err != nil {
		if serr := te.Shutdown(ctx); serr != nil {
			log.Printf("telemetry: shutdown trace exporter: %v", serr)
		}
		return nil, nil, err
	}
	return te, sdkmetric.NewPeriodicReader(me), nil
}

func (p *Provider) initInstruments() {
	// Best-effort: a failed instrument falls back to a no-op one.
	fallback := noop.NewMeterProvider().Meter("")
	var err error
	if p.loadsCounter, err = p.meter.Int64Counter("breastscan_model_loads_total"); err != nil {
		p.loadsCounter, _ = fallback.Int64Counter("")
	}
	if p.releasesCounter, err = p.meter.Int64Counter("breastscan_model_releases_total"); err != nil {
		p.releasesCounter, _ = fallback.Int64Counter("")
	}
	if p.predictionsCounter, err = p.meter.Int64Counter("breastscan_predictions_total"); err != nil {
		p.predictionsCounter, _ = fallback.Int64Counter("")
	}
	if p.failuresCounter, err = p.meter.Int64Counter("breastscan_lifecycle_failures_total"); err != nil {
		p.failuresCounter, _ = fallback.Int64Counter("")
	}
	if p.phaseDuration, err = p.meter.Float64Histogram("breastscan_phase_duration_ms"); err != nil {
		p.phaseDuration, _ = fallback.Float64Histogram("")
	}
}

// Start opens a span; nil providers hand back a no-op span.
func (p *Provider) Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if p == nil {
		return tracenoop.NewTracerProvider().Tracer("").Start(ctx, name)
	}
	return p.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (p *Provider) RecordLoad(ctx context.Context, kind, stage string) {
	if p == nil {
		return
	}
	p.loadsCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("breastscan.kind", kind),
		attribute.String("breastscan.stage", stage),
	))
}

func (p *Provider) RecordRelease(ctx context.Context, kind, stage string) {
	if p == nil {
		return
	}
	p.releasesCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("breastscan.kind", kind),
		attribute.String("breastscan.stage", stage),
	))
}

func (p *Provider) RecordPhase(ctx context.Context, kind, stage string, d time.Duration, failed bool) {
	if p == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("breastscan.kind", kind),
		attribute.String("breastscan.stage", stage),
		attribute.Bool("breastscan.failed", failed),
	)
	p.phaseDuration.Record(ctx, float64(d.Microseconds())/1000, attrs)
	if failed {
		p.failuresCounter.Add(ctx, 1, attrs)
	}
}

func (p *Provider) RecordPrediction(ctx context.Context, kind, label string) {
	if p == nil {
		return
	}
	p.predictionsCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("breastscan.kind", kind),
		attribute.String("breastscan.label", label),
	))
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
