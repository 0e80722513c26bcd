package ratelimit

import (
	"testing"

	"github.com/rs/zerolog"
)

func testGuard(maxConnections, maxGoroutines int) *Guard {
	return New(GuardConfig{
		MaxConnections:     maxConnections,
		MaxGoroutines:      maxGoroutines,
		CPURejectThreshold: 100, // never trips in tests
		MaxAuthPerSec:      2,
		MaxBroadcastPerSec: 2,
	}, zerolog.Nop())
}

func TestShouldAcceptConnectionRespectsMaxConnections(t *testing.T) {
	g := testGuard(1, 10)

	if ok, _ := g.ShouldAcceptConnection(); !ok {
		t.Fatal("expected first connection to be admitted")
	}
	g.AcquireConnectionSlot()

	if ok, reason := g.ShouldAcceptConnection(); ok || reason != "max_connections_reached" {
		t.Fatalf("expected rejection at capacity, got ok=%v reason=%q", ok, reason)
	}

	g.ReleaseConnectionSlot()
	if ok, _ := g.ShouldAcceptConnection(); !ok {
		t.Fatal("expected slot to be admitted again after release")
	}
}

func TestAcquireGoroutineIsNonBlocking(t *testing.T) {
	g := testGuard(10, 1)

	if !g.AcquireGoroutine() {
		t.Fatal("expected first goroutine slot to be acquired")
	}
	if g.AcquireGoroutine() {
		t.Fatal("expected second acquire to fail at the goroutine ceiling")
	}
	g.ReleaseGoroutine()
	if !g.AcquireGoroutine() {
		t.Fatal("expected slot to be acquirable again after release")
	}
}

func TestAllowAuthAttemptPerAddressBucket(t *testing.T) {
	g := testGuard(10, 10)

	allowed := 0
	for i := 0; i < 5; i++ {
		if g.AllowAuthAttempt("1.2.3.4") {
			allowed++
		}
	}
	if allowed == 0 || allowed >= 5 {
		t.Fatalf("expected the bucket to both allow some and throttle some, got %d/5", allowed)
	}

	// A distinct address gets its own bucket and isn't penalized by the first.
	if !g.AllowAuthAttempt("5.6.7.8") {
		t.Fatal("expected a fresh address to have its own token bucket")
	}
}

func TestForgetAuthBucketResetsState(t *testing.T) {
	g := testGuard(10, 10)

	for i := 0; i < 5; i++ {
		g.AllowAuthAttempt("1.2.3.4")
	}
	g.ForgetAuthBucket("1.2.3.4")

	if !g.AllowAuthAttempt("1.2.3.4") {
		t.Fatal("expected a fresh bucket immediately after forgetting the address")
	}
}

func TestAllowBroadcastRateLimits(t *testing.T) {
	g := testGuard(10, 10)

	allowed := 0
	for i := 0; i < 10; i++ {
		if g.AllowBroadcast() {
			allowed++
		}
	}
	if allowed == 0 || allowed >= 10 {
		t.Fatalf("expected broadcast limiter to throttle, got %d/10 allowed", allowed)
	}
}
