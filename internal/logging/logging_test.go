package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"testing"

	"go.opentelemetry.io/otel/trace"
)

func TestNewAttachesTraceID(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	log := New(Options{Format: FormatJSON, Output: w})

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    [16]byte{1},
		SpanID:     [8]byte{2},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	log.InfoContext(ctx, "hello", slog.String("k", "v"))
	w.Close()

	var buf bytes.Buffer
	buf.ReadFrom(r)

	var decoded map[string]any
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("decode log line: %v (%s)", err, buf.String())
	}
	if decoded["trace_id"] != sc.TraceID().String() {
		t.Errorf("trace_id = %v, want %v", decoded["trace_id"], sc.TraceID().String())
	}
	if decoded["msg"] != "hello" {
		t.Errorf("msg = %v", decoded["msg"])
	}
}

func TestNewWithoutSpanOmitsTraceID(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	log := New(Options{Format: FormatJSON, Output: w})
	log.Info("no span here")
	w.Close()

	var buf bytes.Buffer
	buf.ReadFrom(r)
	var decoded map[string]any
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if _, ok := decoded["trace_id"]; ok {
		t.Error("expected no trace_id without an active span")
	}
}
