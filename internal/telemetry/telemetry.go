// Package telemetry exports runtime traces and metrics over OTLP.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "intentline"

// Submission outcomes.
const (
	OutcomeAccepted     = "accepted"
	OutcomeDeduplicated = "deduplicated"
	OutcomeRejected     = "rejected"
)

type Config struct {
	ServiceName  string
	OTLPEndpoint string
	Insecure     bool
	// MetricInterval is the OTLP push period. Zero uses the SDK default.
	MetricInterval time.Duration
}

// Provider holds the tracer and instruments used by the engine. A nil
// *Provider is valid and records nothing.
type Provider struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	submissions metric.Int64Counter
	terminal    metric.Int64Counter
	sweeps      metric.Int64Counter
	duration    metric.Float64Histogram
	running     metric.Int64UpDownCounter
}

// New builds a provider. Without an OTLP endpoint it records against the
// global otel providers, which are no-ops unless something installed them.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	logger := slog.Default().With("component", "telemetry")
	if cfg.ServiceName == "" {
		cfg.ServiceName = instrumentationName
	}
	if cfg.OTLPEndpoint == "" {
		p, err := NewWithProviders(otel.GetTracerProvider(), otel.GetMeterProvider())
		if err != nil {
			return nil, err
		}
		p.logger = logger
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}

	traceExporter, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExporter),
	)

	metricExporter, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}
	var readerOpts []sdkmetric.PeriodicReaderOption
	if cfg.MetricInterval > 0 {
		readerOpts = append(readerOpts, sdkmetric.WithInterval(cfg.MetricInterval))
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, readerOpts...)),
	)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	p, err := NewWithProviders(tp, mp)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, err
	}
	p.tracerProvider = tp
	p.meterProvider = mp
	p.logger = logger
	logger.InfoContext(ctx, "telemetry initialized", "service", cfg.ServiceName, "endpoint", cfg.OTLPEndpoint, "insecure", cfg.Insecure)
	return p, nil
}

// NewWithProviders builds a provider on caller-owned providers. Shutdown
// leaves them running.
func NewWithProviders(tp trace.TracerProvider, mp metric.MeterProvider) (*Provider, error) {
	p := &Provider{
		tracer: tp.Tracer(instrumentationName),
		meter:  mp.Meter(instrumentationName),
		logger: slog.Default().With("component", "telemetry"),
	}
	var err error
	if p.submissions, err = p.meter.Int64Counter("intentline.submissions",
		metric.WithDescription("Intent submissions by outcome"),
		metric.WithUnit("{submission}"),
	); err != nil {
		return nil, fmt.Errorf("create submissions counter: %w", err)
	}
	if p.terminal, err = p.meter.Int64Counter("intentline.executions.terminal",
		metric.WithDescription("Executions that reached a terminal status"),
		metric.WithUnit("{execution}"),
	); err != nil {
		return nil, fmt.Errorf("create terminal counter: %w", err)
	}
	if p.sweeps, err = p.meter.Int64Counter("intentline.sweeper.actions",
		metric.WithDescription("Recovery actions taken by the sweeper"),
		metric.WithUnit("{action}"),
	); err != nil {
		return nil, fmt.Errorf("create sweeper counter: %w", err)
	}
	if p.duration, err = p.meter.Float64Histogram("intentline.execution.duration",
		metric.WithDescription("Execution run time from start to terminal status"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000),
	); err != nil {
		return nil, fmt.Errorf("create duration histogram: %w", err)
	}
	if p.running, err = p.meter.Int64UpDownCounter("intentline.executions.running",
		metric.WithDescription("Executions currently held by a worker"),
		metric.WithUnit("{execution}"),
	); err != nil {
		return nil, fmt.Errorf("create running counter: %w", err)
	}
	return p, nil
}

func (p *Provider) RecordSubmission(ctx context.Context, intentType, outcome, code string) {
	if p == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("intent_type", intentType),
		attribute.String("outcome", outcome),
	}
	if code != "" {
		attrs = append(attrs, attribute.String("error_code", code))
	}
	p.submissions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// StartExecution opens the execution span and counts the worker as busy.
// The returned func ends both and records the terminal status.
func (p *Provider) StartExecution(ctx context.Context, executionID, intentType string) (context.Context, func(status, code string)) {
	if p == nil {
		return ctx, func(string, string) {}
	}
	start := time.Now()
	typeAttr := attribute.String("intent_type", intentType)
	ctx, span := p.tracer.Start(ctx, "execution "+intentType,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(typeAttr, attribute.String("execution_id", executionID)),
	)
	p.running.Add(ctx, 1, metric.WithAttributes(typeAttr))
	return ctx, func(status, code string) {
		p.running.Add(ctx, -1, metric.WithAttributes(typeAttr))
		attrs := []attribute.KeyValue{typeAttr, attribute.String("status", status)}
		if code != "" {
			attrs = append(attrs, attribute.String("error_code", code))
			span.SetStatus(codes.Error, code)
		}
		span.SetAttributes(attribute.String("status", status))
		p.terminal.Add(ctx, 1, metric.WithAttributes(attrs...))
		p.duration.Record(ctx, float64(time.Since(start).Microseconds())/1000, metric.WithAttributes(typeAttr, attribute.String("status", status)))
		span.End()
	}
}

// RecordSweep counts one recovery action, such as "timeout" or "requeue".
func (p *Provider) RecordSweep(ctx context.Context, action string, n int) {
	if p == nil || n <= 0 {
		return
	}
	p.sweeps.Add(ctx, int64(n), metric.WithAttributes(attribute.String("action", action)))
}

func (p *Provider) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if p == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return p.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// Shutdown flushes and stops the exporters New created.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var errs []error
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracer provider: %w", err))
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown meter provider: %w", err))
		}
	}
	return errors.Join(errs...)
}
