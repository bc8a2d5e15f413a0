package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for agentdeck spans.
var (
	AttrSessionID = attribute.Key("agentdeck.session.id")
	AttrRunID     = attribute.Key("agentdeck.run.id")
	AttrDeviceID  = attribute.Key("agentdeck.device.id")
	AttrBranch    = attribute.Key("agentdeck.workspace.branch")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}
