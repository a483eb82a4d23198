// Package marketplace is a thin HTTP client for the remote search API.
// It performs single requests only; retries and credential refresh live in
// the remote package.
package marketplace

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	defaultTimeout = 30 * time.Second
	maxErrorBody   = 4096
)

// StatusError is returned for any non-2xx response.
type StatusError struct {
	StatusCode    int
	RetryAfter    time.Duration
	HasRetryAfter bool // a valid Retry-After was sent; RetryAfter may be zero
	Body          string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// Client communicates with the marketplace search API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	userAgent  string
}

// NewClient creates a client for baseURL. httpClient may be nil.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		userAgent:  "pricewatch",
	}
}

// Search runs one page of a keyword search.
func (c *Client) Search(ctx context.Context, accessToken string, req SearchRequest) (SearchResult, error) {
	q := url.Values{}
	q.Set("q", req.Keywords)
	if req.MinPrice != nil {
		q.Set("min_price", strconv.FormatFloat(*req.MinPrice, 'f', -1, 64))
	}
	if req.MaxPrice != nil {
		q.Set("max_price", strconv.FormatFloat(*req.MaxPrice, 'f', -1, 64))
	}
	if req.Condition != "" {
		q.Set("condition", req.Condition)
	}
	if req.BuyingFormat != "" {
		q.Set("buying_format", req.BuyingFormat)
	}
	if req.Limit > 0 {
		q.Set("limit", strconv.Itoa(req.Limit))
	}
	if req.Offset > 0 {
		q.Set("offset", strconv.Itoa(req.Offset))
	}

	var result SearchResult
	if err := c.getJSON(ctx, accessToken, "/search?"+q.Encode(), &result); err != nil {
		return SearchResult{}, err
	}
	if result.Items == nil {
		result.Items = []Listing{}
	}
	return result, nil
}

// GetItem fetches the current state of one listing.
func (c *Client) GetItem(ctx context.Context, accessToken, id string) (Listing, error) {
	var l Listing
	if err := c.getJSON(ctx, accessToken, "/items/"+url.PathEscape(id), &l); err != nil {
		return Listing{}, err
	}
	if l.ID == "" {
		l.ID = id
	}
	return l, nil
}

func (c *Client) getJSON(ctx context.Context, accessToken, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(req, accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		retryAfter, ok := parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		return &StatusError{
			StatusCode:    resp.StatusCode,
			RetryAfter:    retryAfter,
			HasRetryAfter: ok,
			Body:          strings.TrimSpace(string(body)),
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request, accessToken string) {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("User-Agent", c.userAgent)
}

// parseRetryAfter accepts both delta-seconds and HTTP-date forms. ok is
// false when the header is absent or unparseable; a date in the past yields
// zero with ok set.
func parseRetryAfter(v string, now time.Time) (d time.Duration, ok bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		return max(t.Sub(now), 0), true
	}
	return 0, false
}
