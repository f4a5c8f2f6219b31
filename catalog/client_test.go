package catalog

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/roperkevin/jewishbooks/models"
	"github.com/roperkevin/jewishbooks/ratelimit"
)

const testBaseURL = "http://catalog.test"

func newMockedTransport(t *testing.T) (*Transport, *httpmock.MockTransport) {
	t.Helper()
	tr, err := NewTransport(TransportConfig{BaseURL: testBaseURL, UserAgent: "harvester-test", Timeout: 5 * time.Second}, nil, NewMetrics())
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}
	mock := httpmock.NewMockTransport()
	tr.collector.WithTransport(mock)
	return tr, mock
}

func TestBuildURL(t *testing.T) {
	tests := []struct {
		name     string
		mode     string
		req      models.PageRequest
		wantPath string
		want     url.Values
	}{
		{
			name:     "search path",
			req:      models.PageRequest{Endpoint: models.EndpointSearch, Term: "jewish history", Page: 2, PageSize: 50, Language: "en"},
			wantPath: "/books/jewish history",
			want:     url.Values{"page": {"2"}, "pageSize": {"50"}, "language": {"en"}, "shouldMatchAll": {"0"}},
		},
		{
			name:     "search param",
			mode:     SearchModeParam,
			req:      models.PageRequest{Endpoint: models.EndpointSearch, Term: "talmud", Page: 1, PageSize: 20},
			wantPath: "/books",
			want:     url.Values{"page": {"1"}, "pageSize": {"20"}, "q": {"talmud"}},
		},
		{
			name:     "publisher",
			req:      models.PageRequest{Endpoint: models.EndpointPublisher, Term: "Jewish Publication Society", Page: 1, PageSize: 1000},
			wantPath: "/publisher/Jewish Publication Society",
			want:     url.Values{"page": {"1"}, "pageSize": {"1000"}},
		},
		{
			name:     "subject with slash",
			req:      models.PageRequest{Endpoint: models.EndpointSubject, Term: "Judaism/History", Page: 3, PageSize: 10},
			wantPath: "/subject/Judaism/History",
			want:     url.Values{"page": {"3"}, "pageSize": {"10"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewClient(ClientConfig{BaseURL: testBaseURL + "/", SearchMode: tt.mode}, DoerFunc(nil))
			if err != nil {
				t.Fatalf("new client: %v", err)
			}
			raw := c.BuildURL(tt.req)
			parsed, err := url.Parse(raw)
			if err != nil {
				t.Fatalf("parse %q: %v", raw, err)
			}
			if parsed.Host != "catalog.test" || parsed.Path != tt.wantPath {
				t.Fatalf("url = %q, want path %q", raw, tt.wantPath)
			}
			if got := parsed.Query(); got.Encode() != tt.want.Encode() {
				t.Fatalf("query = %q, want %q", got.Encode(), tt.want.Encode())
			}
		})
	}
}

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(ClientConfig{BaseURL: "not a url"}, DoerFunc(nil)); err == nil {
		t.Fatalf("expected error for base url without host")
	}
	if _, err := NewClient(ClientConfig{BaseURL: testBaseURL}, nil); err == nil {
		t.Fatalf("expected error for nil doer")
	}
	if _, err := NewClient(ClientConfig{BaseURL: testBaseURL, SearchMode: "fuzzy"}, DoerFunc(nil)); err == nil {
		t.Fatalf("expected error for unknown search mode")
	}
}

func TestFetchPageThroughColly(t *testing.T) {
	tr, mock := newMockedTransport(t)
	mock.RegisterResponder(http.MethodGet, testBaseURL+"/books/kafka",
		func(req *http.Request) (*http.Response, error) {
			if req.Header.Get("Authorization") != "secret" {
				return httpmock.NewStringResponse(http.StatusUnauthorized, `{"message":"Unauthorized"}`), nil
			}
			if req.Header.Get("Accept") != "application/json" {
				return httpmock.NewStringResponse(http.StatusBadRequest, `{"message":"accept"}`), nil
			}
			if req.URL.Query().Get("page") != "1" {
				return httpmock.NewStringResponse(http.StatusBadRequest, `{"message":"page"}`), nil
			}
			return httpmock.NewStringResponse(http.StatusOK,
				`{"total": 2, "books": [{"isbn13":"9780805211280","title":"The Trial"},{"isbn13":"9780805210408","title":"The Castle"}]}`), nil
		})

	doer := WithRetry(WithRateLimit(tr, ratelimit.New(100, 10), nil), fastPolicy(2), nil, nil)
	c, err := NewClient(ClientConfig{BaseURL: testBaseURL, APIKey: "secret"}, doer)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	page, err := c.FetchPage(context.Background(), models.PageRequest{Endpoint: models.EndpointSearch, Term: "kafka", Page: 1, PageSize: 2})
	if err != nil {
		t.Fatalf("FetchPage: %v", err)
	}
	if page.Total != 2 || len(page.Books) != 2 {
		t.Fatalf("page = total %d books %d, want 2/2", page.Total, len(page.Books))
	}
	if tr.RequestCount() != 1 {
		t.Fatalf("request count = %d, want 1", tr.RequestCount())
	}
}

func TestFetchPageXAPIKeyHeader(t *testing.T) {
	tr, mock := newMockedTransport(t)
	mock.RegisterResponder(http.MethodGet, testBaseURL+"/subject/judaism",
		func(req *http.Request) (*http.Response, error) {
			if req.Header.Get("X-API-Key") != "secret" || req.Header.Get("Authorization") != "" {
				return httpmock.NewStringResponse(http.StatusUnauthorized, `{}`), nil
			}
			return httpmock.NewStringResponse(http.StatusOK, `{"subject":"judaism","books":[]}`), nil
		})

	c, err := NewClient(ClientConfig{BaseURL: testBaseURL, APIKey: "secret", AuthHeader: "x-api-key"}, tr)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	page, err := c.FetchPage(context.Background(), models.PageRequest{Endpoint: models.EndpointSubject, Term: "judaism", Page: 1, PageSize: 10})
	if err != nil {
		t.Fatalf("FetchPage: %v", err)
	}
	if len(page.Books) != 0 {
		t.Fatalf("books = %d, want 0", len(page.Books))
	}
}

func TestTransportPermanent503EndsInRetriesExhausted(t *testing.T) {
	tr, mock := newMockedTransport(t)
	mock.RegisterResponder(http.MethodGet, testBaseURL+"/books/kafka",
		httpmock.NewStringResponder(http.StatusServiceUnavailable, `{"message":"unavailable"}`))

	doer := WithRetry(tr, RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}, nil, tr.metrics)
	c, err := NewClient(ClientConfig{BaseURL: testBaseURL}, doer)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	_, err = c.FetchPage(context.Background(), models.PageRequest{Endpoint: models.EndpointSearch, Term: "kafka", Page: 1, PageSize: 10})
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("error = %v, want ErrRetriesExhausted", err)
	}
	if got := mock.GetTotalCallCount(); got != 3 {
		t.Fatalf("calls = %d, want 3", got)
	}
}

func TestTransportNetworkErrorIsConnection(t *testing.T) {
	tr, mock := newMockedTransport(t)
	mock.RegisterResponder(http.MethodGet, testBaseURL+"/books/kafka",
		httpmock.NewErrorResponder(errors.New("connection reset by peer")))

	_, err := tr.Do(context.Background(), &Request{URL: testBaseURL + "/books/kafka"})
	var conn ErrConnection
	if !errors.As(err, &conn) {
		t.Fatalf("error = %v, want ErrConnection", err)
	}
	if !retryable(err) {
		t.Fatalf("network failures must be retryable")
	}
}

func TestTransportReturnsErrorStatuses(t *testing.T) {
	tr, mock := newMockedTransport(t)
	mock.RegisterResponder(http.MethodGet, testBaseURL+"/publisher/nobody",
		httpmock.NewStringResponder(http.StatusNotFound, `{"message":"Not Found"}`))

	resp, err := tr.Do(context.Background(), &Request{URL: testBaseURL + "/publisher/nobody"})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestTransportRefusesCancelledContext(t *testing.T) {
	tr, mock := newMockedTransport(t)
	mock.RegisterResponder(http.MethodGet, testBaseURL+"/books/kafka", httpmock.NewStringResponder(http.StatusOK, `{}`))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := tr.Do(ctx, &Request{URL: testBaseURL + "/books/kafka"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("error = %v, want ErrStopped", err)
	}
	if mock.GetTotalCallCount() != 0 {
		t.Fatalf("cancelled call reached the network")
	}
}

func TestDecodePage(t *testing.T) {
	page, err := decodePage([]byte(`{"total":"12","books":[{}]}`))
	if err != nil {
		t.Fatalf("decodePage: %v", err)
	}
	if page.Total != 12 || len(page.Books) != 1 {
		t.Fatalf("page = %+v", page)
	}
	if _, err := decodePage([]byte(`{"books":{}}`)); !errors.Is(err, ErrInvalidBody) {
		t.Fatalf("error = %v, want ErrInvalidBody", err)
	}
	empty, err := decodePage(nil)
	if err != nil || len(empty.Books) != 0 {
		t.Fatalf("empty body should decode to an empty page: %v", err)
	}
}
