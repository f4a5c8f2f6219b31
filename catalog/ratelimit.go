package catalog

import (
	"context"
	"fmt"
	"time"
)

// Acquirer hands out request tokens; *ratelimit.Limiter satisfies it.
type Acquirer interface {
	Acquire(ctx context.Context, n int) error
}

// WithRateLimit gates every call through limiter before it reaches next.
// Composed under WithRetry, each attempt pays for its own token.
func WithRateLimit(next Doer, limiter Acquirer, metrics *Metrics) Doer {
	return DoerFunc(func(ctx context.Context, req *Request) (*Response, error) {
		start := time.Now()
		if err := limiter.Acquire(ctx, 1); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrStopped, err)
		}
		metrics.ObserveRateLimitWait(time.Since(start))
		return next.Do(ctx, req)
	})
}
