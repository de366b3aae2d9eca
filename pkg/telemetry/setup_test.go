package telemetry

import (
	"context"
	"testing"
	"time"
)

func TestInitTracerDisabled(t *testing.T) {
	tp, err := InitTracer(context.Background(), "callagent", "")
	if err != nil || tp != nil {
		t.Fatalf("disabled tracer = %v, %v", tp, err)
	}
	if err := Shutdown(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
}

func TestInitTracerEnabled(t *testing.T) {
	// The exporter connects lazily, so no collector is needed to build it.
	tp, err := InitTracer(context.Background(), "callagent", "127.0.0.1:4318")
	if err != nil {
		t.Fatal(err)
	}
	if tp == nil {
		t.Fatal("nil provider for a configured endpoint")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = Shutdown(ctx, tp)
}
