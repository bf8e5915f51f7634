// Package telemetry wires up the otel tracer provider fleetd's HTTP
// surface, VCS manager, and queue processor record spans against. The
// original runner used aiozipkin child spans keyed by operation
// ("sql:queue-item", "build-env", "branch:open", ...); this package
// keeps the same span-per-operation shape under otel.
package telemetry

import (
	"context"
	"fmt"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// Span names used across the runner's assignment path, mirroring the
// original implementation's zipkin child span names one for one.
const (
	SpanQueueItem     = "sql:queue-item"
	SpanBuildEnv      = "build-env"
	SpanBranchOpen    = "branch:open"
	SpanResumeOpen    = "resume-branch:open"
	SpanResumeCheck   = "resume-branch:check"
	SpanCacheCheck    = "cache-branch:check"
	SpanStartWatchdog = "start-watchdog"
)

// Options configures Setup.
type Options struct {
	ServiceName string
	// Writer receives the JSON span stream when set; when nil, spans are
	// recorded but not exported (useful in tests).
	Writer io.Writer
}

// Setup installs a global otel TracerProvider and returns a shutdown
// func the caller must invoke (typically via defer) to flush pending
// spans before exit.
func Setup(ctx context.Context, opts Options) (shutdown func(context.Context) error, err error) {
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		semconv.ServiceName(opts.ServiceName),
	))
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	var tpOpts []sdktrace.TracerProviderOption
	tpOpts = append(tpOpts, sdktrace.WithResource(res))

	if opts.Writer != nil {
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(opts.Writer), stdouttrace.WithoutTimestamps())
		if err != nil {
			return nil, fmt.Errorf("telemetry: create exporter: %w", err)
		}
		tpOpts = append(tpOpts, sdktrace.WithBatcher(exporter))
	}

	tp := sdktrace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// Tracer returns the named tracer from the global provider, matching
// internal/httpapi's otel.Tracer(...) usage.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// StartSpan starts a child span named op under ctx, for callers that
// don't otherwise need a dedicated Tracer value.
func StartSpan(ctx context.Context, tracerName, op string) (context.Context, trace.Span) {
	return Tracer(tracerName).Start(ctx, op)
}
