// Package ratelimit throttles callers of the HTTP API. Token requests are
// limited per client address so operator keys cannot be brute-forced, and
// vote submission is limited per operator so a runaway vote source cannot
// starve the per-consensus lock.
package ratelimit

import "context"

// Limiter decides whether a request identified by key should be allowed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow returns true if the request should proceed.
	// The key is opaque; callers construct it (e.g. "ip:10.0.0.1").
	// Returning an error signals a limiter malfunction; callers should
	// treat errors as fail-open (permit the request) rather than blocking traffic.
	Allow(ctx context.Context, key string) (bool, error)

	// Close releases resources (cleanup goroutines, connections).
	Close() error
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }

// New returns a MemoryLimiter, or a NoopLimiter when rate is not positive.
func New(rate float64, burst int) Limiter {
	if rate <= 0 {
		return NoopLimiter{}
	}
	if burst < 1 {
		burst = 1
	}
	return NewMemoryLimiter(rate, burst)
}
