package security

import (
	"context"
	"testing"
	"time"
)

func TestRateLimiter_BasicEnforcement(t *testing.T) {
	limiter := NewRateLimiter(2.0, 2) // 2 requests per second, burst of 2

	clientID := "client1"

	// First two requests should succeed (burst)
	if !limiter.Allow(clientID) {
		t.Error("first request should be allowed")
	}
	if !limiter.Allow(clientID) {
		t.Error("second request should be allowed")
	}

	// Third request should fail (rate limited)
	if limiter.Allow(clientID) {
		t.Error("third request should be rate limited")
	}
}

func TestRateLimiter_RateReset(t *testing.T) {
	limiter := NewRateLimiter(2.0, 2)

	clientID := "client1"

	// Consume burst
	limiter.Allow(clientID)
	limiter.Allow(clientID)

	if limiter.Allow(clientID) {
		t.Error("request should be rate limited")
	}

	// Wait for rate to refill
	time.Sleep(600 * time.Millisecond)

	if !limiter.Allow(clientID) {
		t.Error("request should be allowed after waiting")
	}
}

func TestRateLimiter_PerClientBuckets(t *testing.T) {
	// Global bucket sized so two clients can each burst independently.
	limiter := NewRateLimiter(10.0, 10)

	for i := 0; i < 3; i++ {
		if !limiter.Allow("client-a") {
			t.Errorf("client-a request %d should be allowed", i)
		}
	}
	// A different client has its own bucket.
	for i := 0; i < 3; i++ {
		if !limiter.Allow("client-b") {
			t.Errorf("client-b request %d should be allowed", i)
		}
	}
}

func TestRateLimiter_WaitHonorsContext(t *testing.T) {
	limiter := NewRateLimiter(0.1, 1) // one request per 10 seconds

	ctx := context.Background()
	if err := limiter.Wait(ctx, "client1"); err != nil {
		t.Fatalf("first Wait error = %v", err)
	}

	cancelled, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := limiter.Wait(cancelled, "client1"); err == nil {
		t.Error("Wait should fail when the context expires before a token")
	}
}
