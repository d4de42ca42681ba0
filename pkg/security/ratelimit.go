// Package security holds the input-hardening helpers the API surface
// depends on: resource-limited YAML parsing for author-supplied scenario
// files and token-bucket rate limiting for API clients.
package security

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter combines a global token bucket with per-client buckets.
// A request must pass both to be allowed.
type RateLimiter struct {
	global  *rate.Limiter
	clients map[string]*rate.Limiter
	mu      sync.RWMutex

	requestsPerSecond float64
	burst             int
}

// NewRateLimiter creates a rate limiter. The same rps/burst applies to
// the global bucket and to each client bucket.
func NewRateLimiter(requestsPerSecond float64, burst int) *RateLimiter {
	return &RateLimiter{
		global:            rate.NewLimiter(rate.Limit(requestsPerSecond), burst),
		clients:           make(map[string]*rate.Limiter),
		requestsPerSecond: requestsPerSecond,
		burst:             burst,
	}
}

// Allow reports whether a request from clientID should proceed.
func (rl *RateLimiter) Allow(clientID string) bool {
	if !rl.global.Allow() {
		return false
	}
	return rl.clientLimiter(clientID).Allow()
}

// Wait blocks until a request from clientID may proceed or ctx ends.
func (rl *RateLimiter) Wait(ctx context.Context, clientID string) error {
	if err := rl.global.Wait(ctx); err != nil {
		return fmt.Errorf("global rate limit: %w", err)
	}
	if err := rl.clientLimiter(clientID).Wait(ctx); err != nil {
		return fmt.Errorf("client rate limit: %w", err)
	}
	return nil
}

func (rl *RateLimiter) clientLimiter(clientID string) *rate.Limiter {
	rl.mu.RLock()
	limiter, ok := rl.clients[clientID]
	rl.mu.RUnlock()
	if ok {
		return limiter
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if limiter, ok := rl.clients[clientID]; ok {
		return limiter
	}
	limiter = rate.NewLimiter(rate.Limit(rl.requestsPerSecond), rl.burst)
	rl.clients[clientID] = limiter
	return limiter
}
