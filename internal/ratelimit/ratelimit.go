// Package ratelimit provides a pluggable rate limiting interface.
//
// Montecast ships an in-memory token bucket (MemoryLimiter) that limits
// per client IP within one instance. Deployments that need coordinated
// limits across instances can substitute their own implementation; the
// Limiter interface is the contract.
package ratelimit

import "context"

// Limiter gates requests by an opaque key.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow reports whether the request identified by key may proceed,
	// consuming quota when it does. Keys are caller-defined; the HTTP
	// middleware passes the client IP. A non-nil error means the
	// limiter itself failed, and callers fail open rather than block
	// traffic.
	Allow(ctx context.Context, key string) (bool, error)

	// Close releases limiter resources such as eviction goroutines.
	Close() error
}

// NoopLimiter is the Limiter used when rate limiting is disabled; every
// request passes.
type NoopLimiter struct{}

// Allow always permits.
func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// Close does nothing.
func (NoopLimiter) Close() error { return nil }
