// Package ratelimit paces outbound venue requests. The venue budgets we
// care about are per-request spacing, not sustained throughput, so the
// limiter enforces a minimum delay between consecutive sends rather
// than a token bucket. Simulated accounts get a much smaller request
// budget than real ones, so each environment carries its own limiter.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter serializes callers and enforces a minimum interval between
// consecutive requests. Safe for concurrent use; callers are released
// in lock-acquisition order.
type Limiter struct {
	mu       sync.Mutex
	interval time.Duration
	last     time.Time
}

// New returns a limiter with the given minimum inter-request interval.
// A non-positive interval disables pacing.
func New(interval time.Duration) *Limiter {
	return &Limiter{interval: interval}
}

// Wait blocks until the caller may send, or until ctx is done. The
// limiter's slot is consumed only when Wait returns nil, so a canceled
// waiter does not delay the next caller.
func (l *Limiter) Wait(ctx context.Context) error {
	l.mu.Lock()

	if l.interval <= 0 {
		l.last = time.Now()
		l.mu.Unlock()
		return nil
	}

	now := time.Now()
	ready := l.last.Add(l.interval)
	if !now.Before(ready) {
		l.last = now
		l.mu.Unlock()
		return nil
	}

	wait := ready.Sub(now)
	l.mu.Unlock()

	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
		return ctx.Err()
	}

	l.mu.Lock()
	l.last = time.Now()
	l.mu.Unlock()
	return nil
}

// Interval returns the configured minimum spacing.
func (l *Limiter) Interval() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.interval
}

// SetInterval changes the minimum spacing. Takes effect for the next
// waiter.
func (l *Limiter) SetInterval(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.interval = d
}
