package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const fleetTracerName = "ariana-fleet"

func fleetTracer() trace.Tracer {
	return Tracer(fleetTracerName)
}

// TraceDispatch creates a span covering one assistant invocation.
func TraceDispatch(ctx context.Context, agentID, promptID string, generation int64) (context.Context, trace.Span) {
	ctx, span := fleetTracer().Start(ctx, "dispatch.prompt", trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("agent_id", agentID),
		attribute.String("prompt_id", promptID),
		attribute.Int64("generation", generation),
	)
	return ctx, span
}

// TraceHealthProbe creates a span for a single machine liveness probe.
func TraceHealthProbe(ctx context.Context, agentID, machineID string) (context.Context, trace.Span) {
	ctx, span := fleetTracer().Start(ctx, "health.probe", trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("agent_id", agentID),
		attribute.String("machine_id", machineID),
	)
	return ctx, span
}

// TraceSnapshot creates a span for a machine snapshot.
func TraceSnapshot(ctx context.Context, machineID string, priority bool) (context.Context, trace.Span) {
	ctx, span := fleetTracer().Start(ctx, "snapshot.take", trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("machine_id", machineID),
		attribute.Bool("priority", priority),
	)
	return ctx, span
}

// TraceReservationClaim creates a span for one pool claim attempt.
func TraceReservationClaim(ctx context.Context, requestID, agentID string) (context.Context, trace.Span) {
	ctx, span := fleetTracer().Start(ctx, "reservation.claim", trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("request_id", requestID),
		attribute.String("agent_id", agentID),
	)
	return ctx, span
}

// RecordResult sets the outcome attribute and marks the span failed when err is non-nil.
func RecordResult(span trace.Span, outcome string, err error) {
	span.SetAttributes(attribute.String("outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
