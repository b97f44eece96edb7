package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiter_GrantsUpToCapacityImmediately(t *testing.T) {
	l := New(3)

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, l.Acquire(context.Background()))
	}

	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, 3, l.InFlight())
}

func TestLimiter_BlocksWhenWindowFull(t *testing.T) {
	l := NewWithWindow(2, 200*time.Millisecond)

	ctx := context.Background()
	require.NoError(t, l.Acquire(ctx))
	require.NoError(t, l.Acquire(ctx))

	start := time.Now()
	require.NoError(t, l.Acquire(ctx))
	elapsed := time.Since(start)

	// Third grant has to wait for the oldest to leave the window.
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
}

func TestLimiter_RateBoundUnderContention(t *testing.T) {
	const capacity = 5
	window := 200 * time.Millisecond
	l := NewWithWindow(capacity, window)

	var mu sync.Mutex
	var grants []time.Time

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, l.Acquire(context.Background()))
			mu.Lock()
			grants = append(grants, time.Now())
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, grants, 25)

	// No trailing window may contain more than capacity grants. A small
	// tolerance covers the gap between grant and timestamp capture.
	for _, anchor := range grants {
		count := 0
		for _, g := range grants {
			if !g.Before(anchor) && g.Sub(anchor) < window-20*time.Millisecond {
				count++
			}
		}
		assert.LessOrEqual(t, count, capacity+1)
	}
}

func TestLimiter_AcquireHonorsContextCancellation(t *testing.T) {
	l := NewWithWindow(1, time.Minute)
	require.NoError(t, l.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := l.Acquire(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLimiter_CapacityFloor(t *testing.T) {
	l := New(0)
	assert.Equal(t, 1, l.Capacity())
}
