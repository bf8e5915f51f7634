// Package logging builds the structured slog.Logger every fleetd
// component logs through, attaching the active trace and span ID to
// each record so runner and publisher logs can be correlated with the
// otel spans in internal/telemetry.
package logging

import (
	"context"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel/trace"
)

// Format selects the slog handler's output encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// Options configures New.
type Options struct {
	Format Format
	Level  slog.Level
	Output *os.File // defaults to os.Stderr
}

// New builds a slog.Logger whose handler injects trace_id/span_id from
// the record's context, matching the span-per-request boundaries
// internal/httpapi and internal/telemetry establish.
func New(opts Options) *slog.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	handlerOpts := &slog.HandlerOptions{Level: opts.Level}
	var base slog.Handler
	if opts.Format == FormatText {
		base = slog.NewTextHandler(out, handlerOpts)
	} else {
		base = slog.NewJSONHandler(out, handlerOpts)
	}
	return slog.New(&traceHandler{next: base})
}

// traceHandler wraps another slog.Handler, adding trace_id and span_id
// attributes when the record's context carries a valid otel span context.
type traceHandler struct {
	next slog.Handler
}

func (h *traceHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *traceHandler) Handle(ctx context.Context, r slog.Record) error {
	if span := trace.SpanContextFromContext(ctx); span.IsValid() {
		r.AddAttrs(
			slog.String("trace_id", span.TraceID().String()),
			slog.String("span_id", span.SpanID().String()),
		)
	}
	return h.next.Handle(ctx, r)
}

func (h *traceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &traceHandler{next: h.next.WithAttrs(attrs)}
}

func (h *traceHandler) WithGroup(name string) slog.Handler {
	return &traceHandler{next: h.next.WithGroup(name)}
}
