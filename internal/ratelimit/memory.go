package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// client pairs a per-key limiter with its last use, for idle eviction.
type client struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// MemoryLimiter implements Limiter with one golang.org/x/time/rate
// token bucket per key.
//
// A fresh key starts with a full burst. Buckets refill continuously at
// the sustained rate, capped at the burst size. A background goroutine
// drops keys idle for ten minutes so the map stays bounded when client
// IPs churn.
type MemoryLimiter struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	clients map[string]*client

	stopOnce sync.Once
	done     chan struct{}
}

// NewMemoryLimiter creates an in-process limiter allowing rps sustained
// requests per second per key, with bursts up to burst. Call Close to
// stop the eviction goroutine.
func NewMemoryLimiter(rps float64, burst int) *MemoryLimiter {
	m := &MemoryLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		clients: make(map[string]*client),
		done:    make(chan struct{}),
	}
	go m.evictLoop()
	return m
}

// Allow consumes one token from key's bucket and reports whether the
// request may proceed. The error is always nil; it is part of the
// Limiter contract for backends that can fail.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	c, ok := m.clients[key]
	if !ok {
		c = &client{lim: rate.NewLimiter(m.limit, m.burst)}
		m.clients[key] = c
	}
	c.lastSeen = time.Now()
	m.mu.Unlock()

	// rate.Limiter carries its own lock, so tokens are consumed outside
	// the map critical section.
	return c.lim.Allow(), nil
}

// Close stops the eviction goroutine. Safe to call more than once.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

const idleEviction = 10 * time.Minute

func (m *MemoryLimiter) evictLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictIdle(time.Now().Add(-idleEviction))
		}
	}
}

// evictIdle drops every key whose last request predates cutoff.
func (m *MemoryLimiter) evictIdle(cutoff time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, c := range m.clients {
		if c.lastSeen.Before(cutoff) {
			delete(m.clients, key)
		}
	}
}
