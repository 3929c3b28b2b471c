// Package tracing wires OpenTelemetry spans around one replay tick and one
// activity invocation (SPEC_FULL §2 DOMAIN STACK), grounded on the
// teacher's internal/tracing.NewOTelProvider but trimmed to the two spans
// the durable-execution core actually needs — no LLM span attributes, no
// sampling config, no audit/export surface.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/loomworks/loom"

// Provider wraps the SDK's TracerProvider so callers can Shutdown cleanly.
type Provider struct {
	tp *sdktrace.TracerProvider
}

// NewProvider builds a Provider with the given span processors (e.g. an
// OTLP or stdout exporter wrapped in sdktrace.WithBatcher/WithSyncer). With
// no processors, spans are created but never exported — safe default for
// environments with no collector configured.
func NewProvider(serviceVersion string, opts ...sdktrace.TracerProviderOption) (*Provider, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"",
			semconv.ServiceName("loom"),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("building resource: %w", err)
	}

	allOpts := append([]sdktrace.TracerProviderOption{sdktrace.WithResource(res)}, opts...)
	tp := sdktrace.NewTracerProvider(allOpts...)
	otel.SetTracerProvider(tp)
	return &Provider{tp: tp}, nil
}

// Shutdown flushes and releases the underlying TracerProvider.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.tp.Shutdown(ctx)
}

// StartTick opens a span around one Replay Engine tick (spec §4.D).
func StartTick(ctx context.Context, workflowID, workflowName string) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "loom.replay.tick",
		trace.WithAttributes(
			attribute.String("loom.workflow_id", workflowID),
			attribute.String("loom.workflow", workflowName),
		))
	return ctx, span
}

// StartActivity opens a span around one activity invocation (spec §4.E).
func StartActivity(ctx context.Context, workflowID, activityName string, attempt int) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "loom.activity.execute",
		trace.WithAttributes(
			attribute.String("loom.workflow_id", workflowID),
			attribute.String("loom.activity", activityName),
			attribute.Int("loom.attempt", attempt),
		))
	return ctx, span
}

// End closes span, recording err as the span's status if non-nil.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
