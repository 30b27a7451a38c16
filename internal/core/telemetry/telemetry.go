// Package telemetry wires OpenTelemetry tracing and metrics for the engine
// and the dispatcher.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/cadenza-automation/cadenza"

// Config controls trace export.
type Config struct {
	Enabled     bool
	Endpoint    string
	ServiceName string
	Insecure    bool
	SampleRate  float64
}

// Provider holds the tracer and the engine's metric instruments. With
// telemetry disabled the global no-op providers back every call.
type Provider struct {
	tracer        trace.Tracer
	traceProvider *sdktrace.TracerProvider

	eventsReceived    metric.Int64Counter
	executions        metric.Int64Counter
	executionDuration metric.Float64Histogram
	dispatches        metric.Int64Counter
	dispatchDuration  metric.Float64Histogram
	inFlight          metric.Int64UpDownCounter
}

// New builds a Provider. When cfg.Enabled is false nothing is exported.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	p := &Provider{}
	if cfg.Enabled {
		if err := p.initTracing(ctx, cfg); err != nil {
			return nil, fmt.Errorf("init tracing: %w", err)
		}
	}
	p.tracer = otel.Tracer(instrumentationName)
	if err := p.initMetrics(); err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}
	return p, nil
}

// Noop returns a Provider that records nothing. Used by tests and as a default.
func Noop() *Provider {
	p, err := New(context.Background(), Config{})
	if err != nil {
		// The global no-op meter never fails to create instruments.
		panic(err)
	}
	return p
}

func (p *Provider) initTracing(ctx context.Context, cfg Config) error {
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "cadenza"
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return fmt.Errorf("create resource: %w", err)
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("create exporter: %w", err)
	}

	rate := cfg.SampleRate
	if rate <= 0 {
		rate = 1.0
	}
	p.traceProvider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))),
	)
	otel.SetTracerProvider(p.traceProvider)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	return nil
}

func (p *Provider) initMetrics() error {
	meter := otel.Meter(instrumentationName)
	var err error

	if p.eventsReceived, err = meter.Int64Counter("cadenza_events_received_total",
		metric.WithDescription("Events accepted onto the engine queue")); err != nil {
		return err
	}
	if p.executions, err = meter.Int64Counter("cadenza_executions_total",
		metric.WithDescription("Rule executions by terminal status")); err != nil {
		return err
	}
	if p.executionDuration, err = meter.Float64Histogram("cadenza_execution_duration_ms",
		metric.WithDescription("Rule execution wall time"), metric.WithUnit("ms")); err != nil {
		return err
	}
	if p.dispatches, err = meter.Int64Counter("cadenza_dispatches_total",
		metric.WithDescription("Capability invocations by outcome")); err != nil {
		return err
	}
	if p.dispatchDuration, err = meter.Float64Histogram("cadenza_dispatch_duration_ms",
		metric.WithDescription("Action dispatch time including retries"), metric.WithUnit("ms")); err != nil {
		return err
	}
	if p.inFlight, err = meter.Int64UpDownCounter("cadenza_executions_in_flight",
		metric.WithDescription("Executions currently running")); err != nil {
		return err
	}
	return nil
}

// StartSpan starts a span named name.
func (p *Provider) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpan records err on span (if any) and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// RecordEvent counts an event accepted for the given listener key.
func (p *Provider) RecordEvent(ctx context.Context, listener string) {
	p.eventsReceived.Add(ctx, 1, metric.WithAttributes(attribute.String("listener", listener)))
}

// ExecutionStarted increments the in-flight gauge; call the returned func when done.
func (p *Provider) ExecutionStarted(ctx context.Context) func() {
	p.inFlight.Add(ctx, 1)
	return func() { p.inFlight.Add(context.WithoutCancel(ctx), -1) }
}

// RecordExecution counts a terminal execution.
func (p *Provider) RecordExecution(ctx context.Context, status, category string, elapsed time.Duration) {
	attrs := metric.WithAttributes(attribute.String("status", status), attribute.String("category", category))
	p.executions.Add(ctx, 1, attrs)
	p.executionDuration.Record(ctx, float64(elapsed.Milliseconds()), attrs)
}

// RecordDispatch counts one action dispatch.
func (p *Provider) RecordDispatch(ctx context.Context, platform, actionType string, ok bool, attempts int, elapsed time.Duration) {
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String("platform", platform),
		attribute.String("action_type", actionType),
		attribute.String("outcome", outcome),
	)
	p.dispatches.Add(ctx, int64(attempts), attrs)
	p.dispatchDuration.Record(ctx, float64(elapsed.Milliseconds()), attrs)
}

// Shutdown flushes pending spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.traceProvider == nil {
		return nil
	}
	return p.traceProvider.Shutdown(ctx)
}
