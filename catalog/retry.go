package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RetryPolicy bounds the retry loop around a single call.
type RetryPolicy struct {
	// MaxRetries is the number of extra attempts after the first one.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// Jitter is the upper bound of the random delay added to each backoff.
	Jitter time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 8,
		BaseDelay:  time.Second,
		MaxDelay:   30 * time.Second,
		Jitter:     500 * time.Millisecond,
	}
}

type retryDoer struct {
	next    Doer
	policy  RetryPolicy
	logger  *slog.Logger
	metrics *Metrics
	sleep   func(ctx context.Context, d time.Duration) error
}

// WithRetry wraps next with bounded retries and exponential backoff.
// 429, 5xx, network failures and 2xx bodies that are not JSON are retried.
// A daily quota message fails immediately with ErrQuotaExhausted and any
// other 4xx fails immediately with *ClientError.
func WithRetry(next Doer, policy RetryPolicy, logger *slog.Logger, metrics *Metrics) Doer {
	if logger == nil {
		logger = slog.Default()
	}
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	return &retryDoer{
		next:    next,
		policy:  policy,
		logger:  logger,
		metrics: metrics,
		sleep:   sleepContext,
	}
}

func (r *retryDoer) Do(ctx context.Context, req *Request) (*Response, error) {
	attempts := r.policy.MaxRetries + 1
	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		resp, err := r.next.Do(ctx, req)
		if err == nil {
			err = CheckResponse(resp)
			if err == nil {
				return resp, nil
			}
		}
		if errors.Is(err, ErrStopped) {
			return nil, err
		}

		r.metrics.IncError(errorTypeLabel(err))
		if errors.Is(err, ErrQuotaExhausted) {
			r.logger.Error("catalog quota exhausted",
				slog.String("url", req.URL),
				slog.Any("error", err),
			)
			return nil, err
		}
		if !retryable(err) {
			return nil, err
		}
		last = err
		if attempt == attempts {
			break
		}

		delay := r.backoff(attempt, resp)
		r.metrics.IncRetries()
		r.logger.Warn("retrying catalog request",
			slog.String("url", req.URL),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
			slog.Duration("backoff", delay),
			slog.String("category", errorTypeLabel(err)),
		)
		if err := r.sleep(ctx, delay); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrStopped, err)
		}
	}
	return nil, &RetryError{Attempts: attempts, Last: last}
}

func (r *retryDoer) backoff(attempt int, resp *Response) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	if ra := retryAfter(resp); ra > 0 {
		if max := r.policy.MaxDelay; max > 0 && ra > max {
			ra = max
		}
		return ra + r.jitter()
	}

	base := r.policy.BaseDelay
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	shift := attempt - 1
	if shift > 20 {
		shift = 20
	}
	delay := base * time.Duration(1<<shift)
	if max := r.policy.MaxDelay; max > 0 && delay > max {
		delay = max
	}
	return delay + r.jitter()
}

func (r *retryDoer) jitter() time.Duration {
	if r.policy.Jitter <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(r.policy.Jitter)))
}

func retryAfter(resp *Response) time.Duration {
	if resp == nil || resp.Header == nil {
		return 0
	}
	v := strings.TrimSpace(resp.Header.Get("Retry-After"))
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-timer.C:
		return nil
	}
}

// CheckResponse maps a received response onto the failure taxonomy. It
// returns nil when the response is a usable success.
func CheckResponse(resp *Response) error {
	if resp == nil {
		return ErrConnection{Err: errors.New("nil response")}
	}
	payload := decodeObject(resp.Body)
	if msg := quotaMessage(payload); msg != "" {
		return &QuotaError{Message: msg}
	}

	status := resp.StatusCode
	switch {
	case status == http.StatusTooManyRequests || status >= http.StatusInternalServerError:
		return classifyError(nil, status)
	case status >= http.StatusBadRequest:
		return &ClientError{Status: status, Message: errorMessage(payload, resp.Body)}
	}

	body := bytes.TrimSpace(resp.Body)
	if len(body) > 0 && !json.Valid(body) {
		return fmt.Errorf("%w: status %d", ErrInvalidBody, status)
	}
	return nil
}

func decodeObject(body []byte) map[string]any {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil
	}
	return payload
}

func messageField(payload map[string]any) string {
	for _, key := range []string{"message", "error", "errors"} {
		v, ok := payload[key]
		if !ok || v == nil {
			continue
		}
		switch val := v.(type) {
		case string:
			if val != "" {
				return val
			}
		default:
			raw, err := json.Marshal(val)
			if err == nil {
				return string(raw)
			}
		}
	}
	return ""
}

func quotaMessage(payload map[string]any) string {
	msg := messageField(payload)
	if strings.Contains(msg, "Daily quota") && strings.Contains(msg, "reached") {
		return msg
	}
	return ""
}

func errorMessage(payload map[string]any, body []byte) string {
	if msg := messageField(payload); msg != "" {
		return msg
	}
	preview := strings.TrimSpace(string(body))
	if len(preview) > 200 {
		preview = preview[:200] + "..."
	}
	return preview
}
