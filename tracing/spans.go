// Package tracing wraps row processing and external calls in
// OpenTelemetry spans. Grounded on graph/emit/otel.go's OTelEmitter: the
// same tracer.Start/span.End/attribute.String shape and
// codes.Error/span.RecordError error convention, generalized from
// "one span per emitted Event" to "one span per row walked through the
// pipeline, and one child span per external call it makes."
package tracing

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SpanFactory opens spans against tracer. Build one with NewSpanFactory,
// which substitutes a no-op tracer for a nil one; a zero-value
// SpanFactory has a nil tracer and its Start methods panic.
type SpanFactory struct {
	tracer trace.Tracer
}

// NewSpanFactory returns a SpanFactory that opens spans against tracer.
// A nil tracer falls back to a no-op tracer.
func NewSpanFactory(tracer trace.Tracer) *SpanFactory {
	if tracer == nil {
		tracer = trace.NewNoopTracerProvider().Tracer("elspeth")
	}
	return &SpanFactory{tracer: tracer}
}

// StartRow opens a span covering one row's full walk through the
// pipeline, tagged with the identifiers that tie it back to the
// landscape audit trail.
func (f *SpanFactory) StartRow(ctx context.Context, runID, sourceNodeID string, rowIndex int) (context.Context, trace.Span) {
	ctx, span := f.tracer.Start(ctx, "row")
	span.SetAttributes(
		attribute.String("elspeth.run_id", runID),
		attribute.String("elspeth.source_node_id", sourceNodeID),
		attribute.Int("elspeth.row_index", rowIndex),
	)
	return ctx, span
}

// StartCall opens a child span covering one audited external call.
func (f *SpanFactory) StartCall(ctx context.Context, runID, stateID string, callType string) (context.Context, trace.Span) {
	ctx, span := f.tracer.Start(ctx, "external_call")
	span.SetAttributes(
		attribute.String("elspeth.run_id", runID),
		attribute.String("elspeth.state_id", stateID),
		attribute.String("elspeth.call_type", callType),
	)
	return ctx, span
}

// EndCall closes a span opened by StartCall, recording latency, status,
// and (if non-nil) err as a span event plus an error status, mirroring
// OTelEmitter.Emit's error-status convention.
func EndCall(span trace.Span, latency time.Duration, err error) {
	span.SetAttributes(attribute.Int64("elspeth.latency_ms", latency.Milliseconds()))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
	}
	span.End()
}

// EndRow closes a span opened by StartRow. err is the row-level
// processing error, if any (not an individual step's transform error,
// which is recorded on the landscape node-state row instead).
func EndRow(span trace.Span, err error) {
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
	}
	span.End()
}
