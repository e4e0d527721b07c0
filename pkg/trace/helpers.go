package trace

import (
	"context"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/realtime-ai/omxil/pkg/omx"
)

// WithSpan executes a function within a new span
func WithSpan(ctx context.Context, spanName string, fn func(context.Context) error, opts ...trace.SpanStartOption) error {
	ctx, span := StartSpan(ctx, spanName, opts...)
	defer span.End()

	if err := fn(ctx); err != nil {
		RecordError(span, err)
		return err
	}

	return nil
}

// RecordError records an error on a span, tagged with the taxonomy entry
// it wraps.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}

	span.RecordError(err, trace.WithAttributes(ErrorAttrs(omx.ErrorName(err), err.Error())...))
	span.SetStatus(codes.Error, err.Error())
}

// AddEvent adds an event to a span
func AddEvent(span trace.Span, name string, attrs ...attribute.KeyValue) {
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SpanFromContext returns the current span from context
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// TraceID returns the trace ID from the current span in context
func TraceID(ctx context.Context) string {
	span := SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return ""
	}
	return span.SpanContext().TraceID().String()
}

// SpanID returns the span ID from the current span in context
func SpanID(ctx context.Context) string {
	span := SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return ""
	}
	return span.SpanContext().SpanID().String()
}

// LogFields returns trace and span ids for structured log entries.
func LogFields(ctx context.Context) logrus.Fields {
	traceID := TraceID(ctx)
	if traceID == "" {
		return logrus.Fields{}
	}
	return logrus.Fields{"trace_id": traceID, "span_id": SpanID(ctx)}
}
