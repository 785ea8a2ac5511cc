// Package oteltrace opens an OpenTelemetry span for every intercepted call.
// The span context is handed to the wrapped call, so nested intercepted
// calls become child spans.
package oteltrace

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nikiz24/callmon"
)

// Key is the conventional registry key
const Key = "otel"

const instrumentationName = "github.com/nikiz24/callmon/backend/oteltrace"

// Backend records calls as spans
type Backend struct {
	tracer trace.Tracer
}

// New creates a span backend. A nil provider uses the global one.
func New(tp trace.TracerProvider) *Backend {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &Backend{tracer: tp.Tracer(instrumentationName)}
}

func (b *Backend) Name() string { return Key }

func (b *Backend) Description() string {
	return "opentelemetry span per call, propagated to nested calls"
}

func (b *Backend) Start(ctx context.Context, site callmon.CallSite) (*callmon.MonitorContext, error) {
	ctx, span := b.tracer.Start(ctx, site.String(),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("code.namespace", site.Owner),
			attribute.String("code.function", site.Member),
			attribute.String("callmon.kind", site.Kind.String()),
			attribute.String("callmon.visibility", site.Visibility.String()),
			attribute.String("callmon.markers", site.Markers.String()),
		))
	return callmon.NewMonitorContext(ctx, site, span), nil
}

func (b *Backend) Stop(mc *callmon.MonitorContext, _ any) error {
	span := trace.SpanFromContext(mc.Context())
	span.SetStatus(codes.Ok, "")
	span.End()
	return nil
}

func (b *Backend) Exception(mc *callmon.MonitorContext, err error) error {
	span := trace.SpanFromContext(mc.Context())
	span.RecordError(err)
	span.SetAttributes(attribute.String("callmon.outcome", callmon.Outcome(err)))
	span.SetStatus(codes.Error, err.Error())
	span.End()
	return nil
}
