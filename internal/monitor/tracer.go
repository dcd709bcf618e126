package monitor

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "query-portal-engine"

// Tracer wraps OpenTelemetry tracing for the portal engine.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a new Tracer using the global TracerProvider.
func NewTracer() *Tracer {
	return &Tracer{
		tracer: otel.Tracer(tracerName),
	}
}

// StartSpan creates a new span and returns the updated context.
func (t *Tracer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, fmt.Sprintf("portal.%s", name),
		trace.WithAttributes(attrs...),
	)
	return ctx, span
}

// SpanFromContext returns the current span from the context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// Common attribute keys for portal tracing.
var (
	AttrToken       = attribute.Key("portal.request.token")
	AttrPayloadKind = attribute.Key("portal.payload.kind")
	AttrTargetKind  = attribute.Key("portal.target.kind")
	AttrInstance    = attribute.Key("portal.instance.id")
	AttrCategory    = attribute.Key("portal.error.category")
	AttrDurationMS  = attribute.Key("portal.duration_ms")
)
