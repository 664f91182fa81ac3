// Package ratelimit provides a pluggable rate limiting interface.
//
// The shipped implementation is an in-memory sliding window (MemoryLimiter).
// Multi-instance deployments can substitute a Redis-backed implementation
// for cross-instance coordination; the Limiter interface is the contract.
package ratelimit

import (
	"context"
	"strconv"
	"time"
)

// Rule describes one limit: at most Limit requests per Window per key.
// Rules are declared per route group and passed alongside the key.
type Rule struct {
	Name   string        // namespace prefix so the same key can carry several rules
	Limit  int           // requests allowed inside the window
	Window time.Duration // sliding window length
}

// Result reports a limiter decision plus the header bookkeeping for it.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int       // requests left in the current window
	ResetAt   time.Time // when the oldest counted request leaves the window
}

// FormatHeaders renders the standard X-RateLimit-* response headers.
func (r Result) FormatHeaders() map[string]string {
	return map[string]string{
		"X-RateLimit-Limit":     strconv.Itoa(r.Limit),
		"X-RateLimit-Remaining": strconv.Itoa(r.Remaining),
		"X-RateLimit-Reset":     strconv.FormatInt(r.ResetAt.Unix(), 10),
	}
}

// RetryAfterSeconds returns the Retry-After value: seconds until ResetAt,
// rounded up, never below 1.
func (r Result) RetryAfterSeconds() int {
	secs := int(time.Until(r.ResetAt).Seconds()) + 1
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Limiter decides whether a request identified by (rule, key) should proceed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow records one request against the rule's window for key and
	// reports the decision. Implementations must fail open: callers treat
	// a returned error as permission, not denial, so a limiter outage
	// never blocks traffic.
	Allow(ctx context.Context, rule Rule, key string) (Result, error)

	// Close releases resources (cleanup goroutines, connections).
	Close() error
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Allow always permits.
func (NoopLimiter) Allow(_ context.Context, rule Rule, _ string) (Result, error) {
	return Result{Allowed: true, Limit: rule.Limit, Remaining: rule.Limit, ResetAt: time.Now()}, nil
}

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }
