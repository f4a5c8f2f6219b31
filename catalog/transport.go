package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/gocolly/colly/v2"
)

const responseKey = "catalog.response"

// Request is one outbound catalog call.
type Request struct {
	Method string
	URL    string
	Header http.Header
}

// Response is the fully read answer to a Request.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Doer issues a single request. Decorators wrap a Doer to add rate limiting
// and retries around the raw call.
type Doer interface {
	Do(ctx context.Context, req *Request) (*Response, error)
}

// DoerFunc adapts a function to the Doer interface.
type DoerFunc func(ctx context.Context, req *Request) (*Response, error)

// Do calls f.
func (f DoerFunc) Do(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// TransportConfig configures the colly-backed raw transport.
type TransportConfig struct {
	BaseURL   string
	UserAgent string
	Timeout   time.Duration
}

// Transport performs raw catalog calls through a synchronous colly collector.
// Calls in flight are never interrupted; cancellation is observed before the
// request is issued.
type Transport struct {
	collector *colly.Collector
	userAgent string
	logger    *slog.Logger
	metrics   *Metrics

	requestCount int64
}

// NewTransport builds a transport restricted to the catalog host.
func NewTransport(cfg TransportConfig, logger *slog.Logger, metrics *Metrics) (*Transport, error) {
	parsed, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("base url must include a host")
	}
	if logger == nil {
		logger = slog.Default()
	}

	collector := colly.NewCollector(
		colly.AllowedDomains(parsed.Hostname()),
		colly.UserAgent(cfg.UserAgent),
		colly.AllowURLRevisit(),
		colly.IgnoreRobotsTxt(),
		colly.ParseHTTPErrorResponse(),
		colly.MaxBodySize(0),
	)
	if cfg.Timeout > 0 {
		collector.SetRequestTimeout(cfg.Timeout)
	}
	collector.WithTransport(&http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	})

	t := &Transport{
		collector: collector,
		userAgent: cfg.UserAgent,
		logger:    logger,
		metrics:   metrics,
	}
	t.configureHandlers()
	return t, nil
}

func (t *Transport) configureHandlers() {
	t.collector.OnRequest(func(r *colly.Request) {
		r.Ctx.Put("start", time.Now())
		current := atomic.AddInt64(&t.requestCount, 1)
		t.metrics.IncRequest("started")
		if current%50 == 0 {
			t.logger.Debug("catalog request progress",
				slog.Int64("requests", current),
				slog.String("url", r.URL.String()),
			)
		}
	})

	t.collector.OnResponse(func(r *colly.Response) {
		if r.StatusCode >= http.StatusBadRequest {
			t.logger.Debug("non-2xx response",
				slog.Int("status", r.StatusCode),
				slog.String("url", r.Request.URL.String()),
			)
		}
		if start, ok := r.Request.Ctx.GetAny("start").(time.Time); ok {
			t.metrics.ObserveDuration(time.Since(start))
		}
		t.metrics.IncRequest("completed")
		r.Ctx.Put(responseKey, r)
	})
}

// Do issues req synchronously and returns the response for any HTTP status.
// A non-nil error means no response was received.
func (t *Transport) Do(ctx context.Context, req *Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStopped, context.Cause(ctx))
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	hdr := req.Header.Clone()
	if hdr == nil {
		hdr = http.Header{}
	}
	if hdr.Get("User-Agent") == "" && t.userAgent != "" {
		hdr.Set("User-Agent", t.userAgent)
	}

	cctx := colly.NewContext()
	err := t.collector.Request(method, req.URL, nil, cctx, hdr)
	resp, _ := cctx.GetAny(responseKey).(*colly.Response)
	if err != nil {
		if resp != nil {
			// Response parsed but a later callback failed; the status is still usable.
			return toResponse(resp), nil
		}
		if errors.Is(err, colly.ErrForbiddenDomain) {
			return nil, fmt.Errorf("request %s: %w", req.URL, err)
		}
		classified := classifyError(err, 0)
		if !retryable(classified) {
			// Failed before any status arrived: a transport fault.
			classified = ErrConnection{Err: err}
		}
		t.metrics.IncRequest("failed")
		return nil, classified
	}
	if resp == nil {
		return nil, ErrConnection{Err: fmt.Errorf("no response for %s", req.URL)}
	}
	return toResponse(resp), nil
}

// RequestCount returns how many raw calls were issued.
func (t *Transport) RequestCount() int64 {
	return atomic.LoadInt64(&t.requestCount)
}

func toResponse(r *colly.Response) *Response {
	out := &Response{
		StatusCode: r.StatusCode,
		Body:       r.Body,
	}
	if r.Headers != nil {
		out.Header = r.Headers.Clone()
	}
	return out
}
