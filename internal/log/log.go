// Package log provides a context-scoped logrus entry, the same G(ctx)/L
// idiom used throughout the guest storage and runtime packages this tree is
// derived from.
package log

import (
	"context"

	"github.com/sirupsen/logrus"
	"go.opencensus.io/trace"
)

type loggerKey struct{}

// L is the base logger used when no logger is stored in a context.
var L = logrus.NewEntry(logrus.StandardLogger())

// WithLogger returns a context derived from ctx with entry stored in it.
func WithLogger(ctx context.Context, entry *logrus.Entry) context.Context {
	return context.WithValue(ctx, loggerKey{}, entry)
}

// G returns the logrus entry stored in ctx, or the default logger if none is
// stored there. The returned entry is always safe to use even when ctx is
// nil.
func G(ctx context.Context) *logrus.Entry {
	if ctx != nil {
		if entry, ok := ctx.Value(loggerKey{}).(*logrus.Entry); ok {
			return entry
		}
	}
	return L
}

// UpdateContext refreshes the stored logger's trace/span ID fields from the
// span attached to ctx, if any. Called by oc.StartSpan so that subsequent
// log.G(ctx) calls are correlated with the active span.
func UpdateContext(ctx context.Context) context.Context {
	span := trace.FromContext(ctx)
	if span == nil {
		return ctx
	}
	sctx := span.SpanContext()
	entry := G(ctx).WithFields(logrus.Fields{
		"traceID": sctx.TraceID.String(),
		"spanID":  sctx.SpanID.String(),
	})
	return WithLogger(ctx, entry)
}
