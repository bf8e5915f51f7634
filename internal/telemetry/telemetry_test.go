package telemetry

import (
	"bytes"
	"context"
	"testing"
)

func TestSetupRecordsSpan(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := Setup(context.Background(), Options{ServiceName: "fleetd-test", Writer: &buf})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	defer shutdown(context.Background())

	ctx, span := StartSpan(context.Background(), "fleetd/test", SpanBuildEnv)
	span.End()
	_ = ctx

	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if buf.Len() == 0 {
		t.Error("expected exported span data, got none")
	}
}
