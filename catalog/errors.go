package catalog

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

var (
	// ErrQuotaExhausted signals the provider's daily quota was reached. It is
	// never retried and halts the whole run.
	ErrQuotaExhausted = errors.New("catalog daily quota exhausted")
	// ErrRetriesExhausted is matched by *RetryError once every attempt failed.
	ErrRetriesExhausted = errors.New("retries exhausted")
	// ErrStopped is returned when a call is abandoned because the run is stopping.
	ErrStopped = errors.New("catalog call stopped")
	// ErrInvalidBody marks a successful status whose body is not JSON.
	ErrInvalidBody = errors.New("response body is not valid json")
)

// QuotaError carries the provider message that announced quota exhaustion.
type QuotaError struct {
	Message string
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("%s: %s", ErrQuotaExhausted, e.Message)
}

func (e *QuotaError) Unwrap() error {
	return ErrQuotaExhausted
}

// ClientError is a non-retryable 4xx answer. Callers treat it as a skip
// signal for the current request, not as a run failure.
type ClientError struct {
	Status  int
	Message string
}

func (e *ClientError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("client error %d %s", e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("client error %d: %s", e.Status, e.Message)
}

// Unwrap exposes the status classification (ErrForbidden, ErrNotFound).
func (e *ClientError) Unwrap() error {
	return classifyError(nil, e.Status)
}

// Unauthorized reports whether the key was rejected outright.
func (e *ClientError) Unauthorized() bool {
	return e.Status == http.StatusUnauthorized
}

// RetryError is returned after the last attempt failed; Last is the cause
// of that final attempt.
type RetryError struct {
	Attempts int
	Last     error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("%s after %d attempts: %v", ErrRetriesExhausted, e.Attempts, e.Last)
}

func (e *RetryError) Unwrap() []error {
	return []error{ErrRetriesExhausted, e.Last}
}

// ErrTimeout indicates a timeout while issuing a request.
type ErrTimeout struct {
	Err error
}

func (e ErrTimeout) Error() string {
	return fmt.Errorf("timeout: %w", e.Err).Error()
}

func (e ErrTimeout) Unwrap() error {
	return e.Err
}

// ErrConnection indicates a network connectivity failure.
type ErrConnection struct {
	Err error
}

func (e ErrConnection) Error() string {
	return fmt.Errorf("connection: %w", e.Err).Error()
}

func (e ErrConnection) Unwrap() error {
	return e.Err
}

// ErrForbidden indicates a forbidden response (HTTP 403).
type ErrForbidden struct {
	Err error
}

func (e ErrForbidden) Error() string {
	return fmt.Errorf("forbidden: %w", e.Err).Error()
}

func (e ErrForbidden) Unwrap() error {
	return e.Err
}

// ErrNotFound indicates a missing resource (HTTP 404).
type ErrNotFound struct {
	Err error
}

func (e ErrNotFound) Error() string {
	return fmt.Errorf("not_found: %w", e.Err).Error()
}

func (e ErrNotFound) Unwrap() error {
	return e.Err
}

// ErrRateLimited indicates the target rate-limited the request.
type ErrRateLimited struct {
	Err error
}

func (e ErrRateLimited) Error() string {
	return fmt.Errorf("rate_limited: %w", e.Err).Error()
}

func (e ErrRateLimited) Unwrap() error {
	return e.Err
}

// ErrServer indicates a 5xx answer.
type ErrServer struct {
	Err error
}

func (e ErrServer) Error() string {
	return fmt.Errorf("server: %w", e.Err).Error()
}

func (e ErrServer) Unwrap() error {
	return e.Err
}

// classifyError wraps a transport error or status code in one of the typed
// errors above. It returns nil for a clean 2xx/3xx.
func classifyError(err error, statusCode int) error {
	if err == nil && statusCode == 0 {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout{Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout{Err: err}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ErrConnection{Err: err}
	}

	if statusCode != 0 {
		wrapped := err
		if wrapped == nil {
			wrapped = fmt.Errorf("http status %d", statusCode)
		}
		switch {
		case statusCode == http.StatusForbidden:
			return ErrForbidden{Err: wrapped}
		case statusCode == http.StatusNotFound:
			return ErrNotFound{Err: wrapped}
		case statusCode == http.StatusTooManyRequests:
			return ErrRateLimited{Err: wrapped}
		case statusCode >= http.StatusInternalServerError:
			return ErrServer{Err: wrapped}
		}
	}

	if err == nil {
		return nil
	}
	return err
}

// retryable reports whether a classified failure may succeed on a later attempt.
func retryable(err error) bool {
	var (
		timeout     ErrTimeout
		conn        ErrConnection
		rateLimited ErrRateLimited
		server      ErrServer
	)
	switch {
	case errors.As(err, &timeout), errors.As(err, &conn),
		errors.As(err, &rateLimited), errors.As(err, &server):
		return true
	case errors.Is(err, ErrInvalidBody):
		return true
	}
	return false
}

func errorTypeLabel(err error) string {
	if err == nil {
		return "unknown"
	}
	if errors.Is(err, ErrQuotaExhausted) {
		return "quota"
	}
	if errors.Is(err, ErrInvalidBody) {
		return "invalid_body"
	}
	var timeout ErrTimeout
	if errors.As(err, &timeout) {
		return "timeout"
	}
	var conn ErrConnection
	if errors.As(err, &conn) {
		return "connection"
	}
	var forbidden ErrForbidden
	if errors.As(err, &forbidden) {
		return "forbidden"
	}
	var notFound ErrNotFound
	if errors.As(err, &notFound) {
		return "not_found"
	}
	var rateLimited ErrRateLimited
	if errors.As(err, &rateLimited) {
		return "rate_limited"
	}
	var server ErrServer
	if errors.As(err, &server) {
		return "server"
	}
	var client *ClientError
	if errors.As(err, &client) {
		return "client"
	}
	return "other"
}
