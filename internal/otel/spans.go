package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for routing-plane spans and metrics.
var (
	AttrTaskID    = attribute.Key("crewplane.task.id")
	AttrTaskType  = attribute.Key("crewplane.task.type")
	AttrStoryID   = attribute.Key("crewplane.story.id")
	AttrProjectID = attribute.Key("crewplane.project.id")
	AttrPoolName  = attribute.Key("crewplane.pool.name")
	AttrRoleType  = attribute.Key("crewplane.pool.role")
	AttrColumn    = attribute.Key("crewplane.board.column")
	AttrRouter    = attribute.Key("crewplane.router.name")
	AttrEventType = attribute.Key("crewplane.event.type")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call (git, docker, bus publish).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
