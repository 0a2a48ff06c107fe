package otel

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

// zeroTraceID is what GetTraceID reports when no span is recording, so log
// records always carry the field.
const zeroTraceID = "00000000000000000000000000000000"

// GetTraceID returns the trace id of the span in ctx, or the zero id when
// there is none.
func GetTraceID(ctx context.Context) string {
	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		return sc.TraceID().String()
	}
	return zeroTraceID
}
