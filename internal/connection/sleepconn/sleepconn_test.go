package sleepconn

import (
	"context"
	"testing"
	"time"
)

func TestSendWaitsAtLeastConfiguredLatency(t *testing.T) {
	c := New(Config{Latency: 20 * time.Millisecond})
	start := time.Now()
	reply, err := c.Send(context.Background(), "req")
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if reply != "req" {
		t.Fatalf("reply = %v, want echoed request", reply)
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Fatalf("Send() returned after %v, want >= 20ms", elapsed)
	}
}

func TestSendReturnsSimulatedErrorAtFullErrorRate(t *testing.T) {
	c := New(Config{ErrorRate: 1})
	_, err := c.Send(context.Background(), "req")
	if err == nil {
		t.Fatalf("expected simulated error at ErrorRate=1")
	}
}

func TestSendRespectsContextCancellation(t *testing.T) {
	c := New(Config{Latency: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()
	_, err := c.Send(ctx, "req")
	if err == nil {
		t.Fatalf("expected context cancellation error")
	}
}

func TestIsReadyDefersToConfiguredPredicate(t *testing.T) {
	c := New(Config{Ready: func(ctx context.Context) bool { return false }})
	if c.IsReady(context.Background()) {
		t.Fatalf("IsReady() = true, want false")
	}
}

func TestIsReadyDefaultsToTrue(t *testing.T) {
	c := New(Config{})
	if !c.IsReady(context.Background()) {
		t.Fatalf("IsReady() = false, want true by default")
	}
}
