package ratelimit

import (
	"time"

	"golang.org/x/time/rate"
)

// delayAt reserves n tokens as of t and returns how long the holder must wait.
func (l *Limiter) delayAt(t time.Time, n int) time.Duration {
	r := l.limiter.ReserveN(t, n)
	if !r.OK() {
		return rate.InfDuration
	}
	return r.DelayFrom(t)
}
