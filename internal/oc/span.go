package oc

import (
	"context"

	"go.opencensus.io/trace"

	"github.com/gyrodfs/cryptvol/internal/log"
)

var DefaultSampler = trace.AlwaysSample()

// SetSpanStatus sets span's status depending on err. A nil err is reported
// as trace.StatusCodeOk.
func SetSpanStatus(span *trace.Span, err error) {
	status := trace.Status{}
	if err != nil {
		status.Code = int32(toStatusCode(err))
		status.Message = err.Error()
	}
	span.SetStatus(status)
}

// StartSpan wraps go.opencensus.io/trace.StartSpan, updating the logging
// context so that later log.G(ctx) calls carry the trace and span IDs.
func StartSpan(ctx context.Context, name string, o ...trace.StartOption) (context.Context, *trace.Span) {
	ctx, s := trace.StartSpan(ctx, name, o...)
	if s.IsRecordingEvents() {
		ctx = log.UpdateContext(ctx)
	}
	return ctx, s
}

var WithServerSpanKind = trace.WithSpanKind(trace.SpanKindServer)
var WithClientSpanKind = trace.WithSpanKind(trace.SpanKindClient)
