package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/grafana/queryrunner/pkg/infra/log"
	"github.com/grafana/queryrunner/pkg/setting"
)

// Tracer starts spans. It is satisfied by [TracingService] and by any
// OpenTelemetry trace.Tracer.
type Tracer interface {
	trace.Tracer
}

// TracingService owns the tracer provider for the process.
type TracingService struct {
	trace.Tracer

	provider trace.TracerProvider
	shutdown func(context.Context) error
	log      log.Logger
}

var _ Tracer = (*TracingService)(nil)

// ProvideService builds an OTLP exporting tracer when an address is
// configured, and a noop tracer otherwise.
func ProvideService(ctx context.Context, cfg *setting.Cfg) (*TracingService, error) {
	logger := log.New("tracing")
	if cfg.Tracing.OTLPAddress == "" {
		return NewNoopTracerService(), nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.Tracing.OTLPAddress),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create otlp exporter: %w", err)
	}

	res := resource.NewSchemaless(attribute.String("service.name", cfg.Tracing.ServiceName))
	tp := tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(exporter),
		tracesdk.WithResource(res),
		tracesdk.WithSampler(tracesdk.ParentBased(tracesdk.TraceIDRatioBased(cfg.Tracing.SamplerParam))),
	)
	otel.SetTracerProvider(tp)

	logger.Info("Tracing enabled", "address", cfg.Tracing.OTLPAddress, "service", cfg.Tracing.ServiceName)
	return &TracingService{
		Tracer:   tp.Tracer("github.com/grafana/queryrunner"),
		provider: tp,
		shutdown: tp.Shutdown,
		log:      logger,
	}, nil
}

// NewNoopTracerService returns a tracer that records nothing.
func NewNoopTracerService() *TracingService {
	tp := noop.NewTracerProvider()
	return &TracingService{
		Tracer:   tp.Tracer("github.com/grafana/queryrunner"),
		provider: tp,
		shutdown: func(context.Context) error { return nil },
		log:      log.NewNopLogger(),
	}
}

// InitializeTracerForTest returns a tracer backed by an in-memory exporter.
func InitializeTracerForTest() (*TracingService, error) {
	ts, _ := InitializeTracerForTestWithExporter()
	return ts, nil
}

// InitializeTracerForTestWithExporter is like InitializeTracerForTest and
// also returns the exporter so tests can assert on finished spans.
func InitializeTracerForTestWithExporter() (*TracingService, *tracetest.InMemoryExporter) {
	exporter := tracetest.NewInMemoryExporter()
	tp := tracesdk.NewTracerProvider(tracesdk.WithSyncer(exporter))
	return &TracingService{
		Tracer:   tp.Tracer("test"),
		provider: tp,
		shutdown: tp.Shutdown,
		log:      log.NewNopLogger(),
	}, exporter
}

func (ts *TracingService) GetTracerProvider() trace.TracerProvider {
	return ts.provider
}

// Shutdown flushes pending spans.
func (ts *TracingService) Shutdown(ctx context.Context) error {
	if err := ts.shutdown(ctx); err != nil {
		ts.log.Error("Failed to shutdown tracer", "error", err)
		return err
	}
	return nil
}

var tracer = otel.Tracer("github.com/grafana/queryrunner/pkg/infra/tracing")

// Start starts a span on the global tracer provider.
func Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// Error records err on span and marks the span as failed.
func Error(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}
