package telemetry

import (
	"context"
	"testing"
)

func TestInitDisabledInstallsNoop(t *testing.T) {
	t.Setenv("GATEFLOW_OTEL_ENABLED", "")
	ctx := context.Background()
	if err := Init(ctx, "gateflow", "test"); err != nil {
		t.Fatalf("init: %v", err)
	}
	_, span := Tracer("").Start(ctx, "noop")
	if span.SpanContext().IsValid() {
		t.Fatalf("disabled telemetry produced a recording span")
	}
	span.End()
	if _, err := Meter("").Int64Counter("noop"); err != nil {
		t.Fatalf("counter: %v", err)
	}
	Shutdown(ctx)
}

func TestInitEnabledWithoutExporters(t *testing.T) {
	t.Setenv("GATEFLOW_OTEL_ENABLED", "true")
	t.Setenv("GATEFLOW_OTEL_STDOUT", "")
	t.Setenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT", "")
	ctx := context.Background()
	if err := Init(ctx, "gateflow", "test"); err != nil {
		t.Fatalf("init: %v", err)
	}
	_, span := Tracer("gateflow/test").Start(ctx, "real")
	if !span.SpanContext().IsValid() {
		t.Fatalf("enabled telemetry should produce valid spans")
	}
	span.End()
	Shutdown(ctx)
	if len(shutdownFns) != 0 {
		t.Fatalf("shutdown hooks not cleared")
	}
}
