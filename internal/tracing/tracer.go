// Package tracing wires OpenTelemetry export for the query pipeline.
// When tracing is disabled no provider is installed and the spans the
// dispatcher opens are no-ops.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/platformbuilds/querygate-core/internal/config"
)

const tracerName = "querygate-core/dispatch"

// TracerProvider manages the lifecycle of the OpenTelemetry exporter.
type TracerProvider struct {
	tp *sdktrace.TracerProvider
}

// NewTracerProvider installs a global provider exporting to the
// configured OTLP endpoint. SampleRatio 0 means sample everything.
func NewTracerProvider(ctx context.Context, cfg config.TracingConfig, serviceName, serviceVersion string) (*TracerProvider, error) {
	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRatio > 0 && cfg.SampleRatio < 1 {
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRatio)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	)
	otel.SetTracerProvider(tp)

	return &TracerProvider{tp: tp}, nil
}

// Shutdown flushes pending spans.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	return tp.tp.Shutdown(ctx)
}

// StartDispatchSpan opens the root span of one query dispatch.
func StartDispatchSpan(ctx context.Context, tenantID, userID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "dispatch",
		trace.WithAttributes(
			attribute.String("tenant.id", tenantID),
			attribute.String("user.id", userID),
		),
	)
}

// StartStageSpan opens a child span for one pipeline stage (translate,
// execute, schema_extract).
func StartStageSpan(ctx context.Context, stage string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, stage)
}

// RecordResult annotates a dispatch span with the outcome.
func RecordResult(span trace.Span, queryType string, rowCount int, cached bool) {
	span.SetAttributes(
		attribute.String("query.type", queryType),
		attribute.Int("query.row_count", rowCount),
		attribute.Bool("query.cached", cached),
	)
}

// RecordError marks a span failed.
func RecordError(span trace.Span, err error) {
	span.SetStatus(codes.Error, err.Error())
	span.RecordError(err)
}
