// Package catalog talks to the paged book catalog API.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/roperkevin/jewishbooks/models"
)

// DefaultBaseURL is the public catalog endpoint.
const DefaultBaseURL = "https://api2.isbndb.com"

// Search modes for free-text queries.
const (
	SearchModePath  = "path"
	SearchModeParam = "param"
)

// ClientConfig holds the request-shaping settings for Client.
type ClientConfig struct {
	BaseURL string
	APIKey  string
	// AuthHeader selects "authorization" (default) or "x-api-key".
	AuthHeader string
	// SearchMode selects /books/{q} ("path", default) or /books?q= ("param").
	SearchMode string
}

// Page is one decoded page of catalog results.
type Page struct {
	Total int
	Books []json.RawMessage
}

// Client builds catalog URLs and decodes pages. All network behaviour
// (rate limiting, retries) lives in the Doer it is given.
type Client struct {
	doer       Doer
	baseURL    string
	header     http.Header
	searchMode string
}

// NewClient validates cfg and returns a client issuing calls through doer.
func NewClient(cfg ClientConfig, doer Doer) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	parsed, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("base url must include scheme and host")
	}
	if doer == nil {
		return nil, fmt.Errorf("catalog client requires a doer")
	}

	header := http.Header{}
	header.Set("Accept", "application/json")
	if cfg.APIKey != "" {
		switch strings.ToLower(strings.TrimSpace(cfg.AuthHeader)) {
		case "x-api-key", "x_api_key", "xapikey":
			header.Set("X-API-Key", cfg.APIKey)
		default:
			header.Set("Authorization", cfg.APIKey)
		}
	}

	mode := strings.ToLower(strings.TrimSpace(cfg.SearchMode))
	if mode == "" {
		mode = SearchModePath
	}
	if mode != SearchModePath && mode != SearchModeParam {
		return nil, fmt.Errorf("unknown search mode %q", cfg.SearchMode)
	}

	return &Client{
		doer:       doer,
		baseURL:    base,
		header:     header,
		searchMode: mode,
	}, nil
}

// BuildURL returns the absolute URL for one page request.
func (c *Client) BuildURL(req models.PageRequest) string {
	params := url.Values{}
	params.Set("page", strconv.Itoa(req.Page))
	params.Set("pageSize", strconv.Itoa(req.PageSize))
	if req.Language != "" {
		params.Set("language", req.Language)
	}

	term := url.PathEscape(req.Term)
	var path string
	switch req.Endpoint {
	case models.EndpointPublisher, models.EndpointSubject:
		path = "/" + string(req.Endpoint) + "/" + term
	default:
		if c.searchMode == SearchModeParam {
			params.Set("q", req.Term)
			path = "/books"
		} else {
			params.Set("shouldMatchAll", "0")
			path = "/books/" + term
		}
	}
	return c.baseURL + path + "?" + params.Encode()
}

// FetchPage retrieves and decodes one page. Errors carry the catalog
// taxonomy: ErrQuotaExhausted, *ClientError, *RetryError or ErrStopped.
func (c *Client) FetchPage(ctx context.Context, req models.PageRequest) (*Page, error) {
	resp, err := c.doer.Do(ctx, &Request{
		Method: http.MethodGet,
		URL:    c.BuildURL(req),
		Header: c.header.Clone(),
	})
	if err != nil {
		return nil, err
	}
	return decodePage(resp.Body)
}

func decodePage(body []byte) (*Page, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return &Page{}, nil
	}
	var payload struct {
		Total json.Number       `json:"total"`
		Books []json.RawMessage `json:"books"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode page: %w: %v", ErrInvalidBody, err)
	}
	page := &Page{Books: payload.Books}
	if payload.Total != "" {
		if n, err := payload.Total.Int64(); err == nil {
			page.Total = int(n)
		}
	}
	return page, nil
}
