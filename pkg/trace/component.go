package trace

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentTransition creates a span covering one state transition of a
// component, from the command being taken to its terminal event.
func InstrumentTransition(ctx context.Context, name, role, id, from, to string) (context.Context, trace.Span) {
	attrs := append(ComponentAttrs(name, role, id),
		attribute.String(AttrStateFrom, from),
		attribute.String(AttrStateTo, to),
	)
	return StartSpan(ctx, fmt.Sprintf("component.%s.transition", name), trace.WithAttributes(attrs...))
}

// InstrumentPortCommand creates a span for a flush, disable or enable.
func InstrumentPortCommand(ctx context.Context, name, command string, port int) (context.Context, trace.Span) {
	return StartSpan(ctx, fmt.Sprintf("component.%s.%s", name, command),
		trace.WithAttributes(
			attribute.String(AttrComponentName, name),
			attribute.String(AttrCommand, command),
			attribute.Int(AttrPortIndex, port),
		),
	)
}

// InstrumentTunnel creates a span for tunnel setup between two ports.
func InstrumentTunnel(ctx context.Context, out, in string) (context.Context, trace.Span) {
	return StartSpan(ctx, "tunnel.setup",
		trace.WithAttributes(
			attribute.String(AttrTunnelOut, out),
			attribute.String(AttrTunnelIn, in),
		),
	)
}

// InstrumentPipelineState creates a span for a whole-graph state change.
func InstrumentPipelineState(ctx context.Context, pipelineName, to string) (context.Context, trace.Span) {
	return StartSpan(ctx, fmt.Sprintf("pipeline.%s.state", pipelineName),
		trace.WithAttributes(
			attribute.String(AttrPipelineName, pipelineName),
			attribute.String(AttrStateTo, to),
		),
	)
}
