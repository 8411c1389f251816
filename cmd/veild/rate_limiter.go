// rate_limiter.go - Request rate limiting for the ledger daemon
package main

import (
	"sync"
	"time"
)

// RateLimiter implements a simple token bucket rate limiter
type RateLimiter struct {
	mu           sync.Mutex
	tokens       int
	maxTokens    int
	refillRate   int
	lastRefill   time.Time
	refillPeriod time.Duration
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(maxTokens int, refillRate int, refillPeriod time.Duration) *RateLimiter {
	return &RateLimiter{
		tokens:       maxTokens,
		maxTokens:    maxTokens,
		refillRate:   refillRate,
		lastRefill:   time.Now(),
		refillPeriod: refillPeriod,
	}
}

// Allow checks if a request is allowed and consumes a token if so
func (rl *RateLimiter) Allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	refillCount := int(now.Sub(rl.lastRefill) / rl.refillPeriod)
	if refillCount > 0 {
		rl.tokens += refillCount * rl.refillRate
		if rl.tokens > rl.maxTokens {
			rl.tokens = rl.maxTokens
		}
		rl.lastRefill = now
	}

	if rl.tokens > 0 {
		rl.tokens--
		return true
	}
	return false
}

// Tokens returns the current number of available tokens
func (rl *RateLimiter) Tokens() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.tokens
}

// IdentityRateLimiter manages rate limiting per acting identity, so one
// noisy identity cannot starve everyone else's requests.
type IdentityRateLimiter struct {
	limiters     map[string]*RateLimiter
	mu           sync.RWMutex
	maxTokens    int
	refillRate   int
	refillPeriod time.Duration
}

// NewIdentityRateLimiter creates a new per-identity rate limiter
func NewIdentityRateLimiter(maxTokens int, refillRate int, refillPeriod time.Duration) *IdentityRateLimiter {
	return &IdentityRateLimiter{
		limiters:     make(map[string]*RateLimiter),
		maxTokens:    maxTokens,
		refillRate:   refillRate,
		refillPeriod: refillPeriod,
	}
}

// Allow checks if a request from an identity is allowed
func (irl *IdentityRateLimiter) Allow(identity string) bool {
	irl.mu.Lock()
	limiter, exists := irl.limiters[identity]
	if !exists {
		limiter = NewRateLimiter(irl.maxTokens, irl.refillRate, irl.refillPeriod)
		irl.limiters[identity] = limiter
	}
	irl.mu.Unlock()

	return limiter.Allow()
}

// Tokens returns the current number of available tokens for an identity
func (irl *IdentityRateLimiter) Tokens(identity string) int {
	irl.mu.RLock()
	limiter, exists := irl.limiters[identity]
	irl.mu.RUnlock()

	if !exists {
		return irl.maxTokens
	}
	return limiter.Tokens()
}
