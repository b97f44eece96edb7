// Package ratelimit provides a sliding-window admission limiter shared by
// concurrent workers.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Limiter bounds aggregate throughput to at most `capacity` grants in any
// trailing window across all concurrent callers. Grant timestamps are kept in
// a monitor-guarded queue; a caller that finds the queue full sleeps until the
// oldest grant leaves the window and re-checks.
type Limiter struct {
	mu       sync.Mutex
	grants   []time.Time
	capacity int
	window   time.Duration
	now      func() time.Time
}

// New creates a limiter allowing `capacity` grants per second.
func New(capacity int) *Limiter {
	return NewWithWindow(capacity, time.Second)
}

// NewWithWindow creates a limiter allowing `capacity` grants per `window`.
func NewWithWindow(capacity int, window time.Duration) *Limiter {
	if capacity < 1 {
		capacity = 1
	}
	if window <= 0 {
		window = time.Second
	}
	return &Limiter{
		grants:   make([]time.Time, 0, capacity),
		capacity: capacity,
		window:   window,
		now:      time.Now,
	}
}

// Acquire blocks until a slot is granted or ctx is done.
func (l *Limiter) Acquire(ctx context.Context) error {
	for {
		wait, ok := l.tryAcquire()
		if ok {
			return nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("rate limiter: %w", ctx.Err())
		case <-timer.C:
		}
	}
}

// tryAcquire records a grant if the window has room. When full it returns the
// time until the oldest grant expires.
func (l *Limiter) tryAcquire() (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)

	// Expire grants that have left the window. The queue is append-ordered so
	// expired entries are always a prefix.
	idx := 0
	for idx < len(l.grants) && !l.grants[idx].After(cutoff) {
		idx++
	}
	if idx > 0 {
		l.grants = append(l.grants[:0], l.grants[idx:]...)
	}

	if len(l.grants) < l.capacity {
		l.grants = append(l.grants, now)
		return 0, true
	}

	wait := l.grants[0].Sub(cutoff)
	if wait <= 0 {
		wait = time.Millisecond
	}
	return wait, false
}

// Capacity returns the configured grants-per-window bound.
func (l *Limiter) Capacity() int {
	return l.capacity
}

// InFlight returns the number of grants currently inside the window.
func (l *Limiter) InFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.window)
	n := 0
	for _, g := range l.grants {
		if g.After(cutoff) {
			n++
		}
	}
	return n
}
