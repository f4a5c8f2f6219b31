package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiterBurstThenRefill(t *testing.T) {
	l := New(2, 4)
	start := time.Now()

	delays := make([]time.Duration, 10)
	for i := range delays {
		delays[i] = l.delayAt(start, 1)
	}

	immediate := 0
	grantedWithinSecond := 0
	for _, d := range delays {
		if d == 0 {
			immediate++
		}
		if d <= time.Second {
			grantedWithinSecond++
		}
	}

	assert.Equal(t, 4, immediate, "only the burst is granted at t=0")
	for i, d := range delays[4:] {
		assert.Greater(t, d, time.Duration(0), "acquisition %d should wait", i+4)
	}
	assert.LessOrEqual(t, grantedWithinSecond, 6, "at most burst+rate tokens by t=1s")
	assert.GreaterOrEqual(t, delays[9], 3*time.Second, "ten tokens at 2/s past a burst of 4 need 3s")
	assert.InDelta(t, float64(500*time.Millisecond), float64(delays[4]), float64(time.Millisecond))
}

func TestLimiterConcurrentAcquire(t *testing.T) {
	if testing.Short() {
		t.Skip("real-time limiter test")
	}
	l := New(20, 4)

	var (
		mu       sync.Mutex
		granted  []time.Duration
		wg       sync.WaitGroup
		start    = time.Now()
		attempts = 10
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, l.Acquire(context.Background(), 1))
			mu.Lock()
			granted = append(granted, time.Since(start))
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, granted, attempts)
	fast := 0
	for _, g := range granted {
		if g < 25*time.Millisecond {
			fast++
		}
	}
	assert.LessOrEqual(t, fast, 4+1, "burst bounds the immediate grants")
	assert.GreaterOrEqual(t, time.Since(start), 250*time.Millisecond)
}

func TestLimiterAcquireCancelled(t *testing.T) {
	l := New(0.5, 1)
	require.NoError(t, l.Acquire(context.Background(), 1))

	ctx, cancel := context.WithCancelCause(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- l.Acquire(ctx, 1)
	}()

	time.Sleep(20 * time.Millisecond)
	stopCause := errors.New("stop file present")
	cancel(stopCause)

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrStopped)
		assert.ErrorIs(t, err, stopCause)
	case <-time.After(time.Second):
		t.Fatal("blocked acquire did not return after cancellation")
	}
}

func TestLimiterRejectsOversizedRequest(t *testing.T) {
	l := New(1, 2)
	err := l.Acquire(context.Background(), 3)
	assert.ErrorIs(t, err, ErrExceedsCapacity)
}

func TestLimiterCancelledReservationReturnsTokens(t *testing.T) {
	l := New(1, 1)
	require.NoError(t, l.Acquire(context.Background(), 1))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, l.Acquire(ctx, 1), ErrStopped)

	assert.LessOrEqual(t, l.Tokens(), 1.0)
	assert.Equal(t, 1, l.Capacity())
	assert.Equal(t, 1.0, l.Rate())
}
