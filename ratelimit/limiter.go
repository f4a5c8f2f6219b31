// Package ratelimit provides the token bucket shared by every harvest worker.
package ratelimit

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/time/rate"
)

var (
	// ErrStopped is returned when a blocked acquisition is cancelled.
	ErrStopped = errors.New("ratelimit: stopped")
	// ErrExceedsCapacity is returned for requests larger than the bucket.
	ErrExceedsCapacity = errors.New("ratelimit: request exceeds bucket capacity")
)

// Limiter is a token bucket with lazy refill: the token count is recomputed
// from elapsed time at each acquisition, never by a background timer.
// Waiters are served in arrival order.
type Limiter struct {
	limiter    *rate.Limiter
	ratePerSec float64
	capacity   int
}

// New builds a full bucket holding capacity tokens and refilling at
// ratePerSec. Non-positive inputs are clamped to the smallest usable bucket.
func New(ratePerSec float64, capacity int) *Limiter {
	if ratePerSec <= 0 {
		ratePerSec = 0.01
	}
	if capacity < 1 {
		capacity = 1
	}
	return &Limiter{
		limiter:    rate.NewLimiter(rate.Limit(ratePerSec), capacity),
		ratePerSec: ratePerSec,
		capacity:   capacity,
	}
}

// Acquire blocks until n tokens are available and debits them. It returns
// promptly with an error matching ErrStopped when ctx is cancelled.
func (l *Limiter) Acquire(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}
	if n > l.capacity {
		return fmt.Errorf("%w: n=%d capacity=%d", ErrExceedsCapacity, n, l.capacity)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrStopped, context.Cause(ctx))
	}
	if err := l.limiter.WaitN(ctx, n); err != nil {
		// WaitN also refuses waits that would outlive the ctx deadline; the
		// caller would be stopped before the tokens arrive either way.
		if cause := context.Cause(ctx); cause != nil {
			return fmt.Errorf("%w: %w", ErrStopped, cause)
		}
		return fmt.Errorf("%w: %w", ErrStopped, err)
	}
	return nil
}

// Tokens reports the number of tokens currently in the bucket.
func (l *Limiter) Tokens() float64 {
	return l.limiter.Tokens()
}

// Capacity returns the burst size.
func (l *Limiter) Capacity() int {
	return l.capacity
}

// Rate returns the refill rate in tokens per second.
func (l *Limiter) Rate() float64 {
	return l.ratePerSec
}
