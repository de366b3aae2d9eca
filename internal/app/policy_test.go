package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dkeye/Call/internal/core/coretest"
)

func TestFixedDelay(t *testing.T) {
	start := time.Now()
	if err := (FixedDelay{Delay: 15 * time.Millisecond}).Settle(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	if time.Since(start) < 15*time.Millisecond {
		t.Fatal("returned before the delay")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := (FixedDelay{Delay: time.Hour}).Settle(ctx, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v", err)
	}
}

func TestEngineAckUsesReadyChannel(t *testing.T) {
	eng := &coretest.ReadyEngine{Engine: coretest.NewEngine(), ReadyCh: make(chan struct{})}
	close(eng.ReadyCh)
	start := time.Now()
	if err := (EngineAck{Max: time.Hour}).Settle(context.Background(), eng); err != nil {
		t.Fatal(err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("ack should short-circuit the wait")
	}
}

func TestEngineAckBoundedAndFallback(t *testing.T) {
	eng := &coretest.ReadyEngine{Engine: coretest.NewEngine(), ReadyCh: make(chan struct{})}
	if err := (EngineAck{Max: 5 * time.Millisecond}).Settle(context.Background(), eng); err != nil {
		t.Fatalf("bounded wait should proceed, got %v", err)
	}
	start := time.Now()
	if err := (EngineAck{Max: 10 * time.Millisecond}).Settle(context.Background(), coretest.NewEngine()); err != nil {
		t.Fatal(err)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Fatal("engines without ack must fall back to the fixed delay")
	}
}
