package marketplace

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/search" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
		q := r.URL.Query()
		if q.Get("q") != "film camera" || q.Get("min_price") != "10" || q.Get("max_price") != "99.5" {
			t.Errorf("query = %v", q)
		}
		if q.Get("offset") != "50" || q.Get("limit") != "50" {
			t.Errorf("pagination = %v", q)
		}
		if q.Has("condition") {
			t.Error("empty condition should be omitted")
		}
		json.NewEncoder(w).Encode(SearchResult{
			Items: []Listing{{ID: "r1", Title: "Camera", Price: 42, Currency: "USD"}},
			Total: 51,
		})
	}))
	defer srv.Close()

	lo, hi := 10.0, 99.5
	c := NewClient(srv.URL+"/", srv.Client())
	res, err := c.Search(context.Background(), "tok", SearchRequest{
		Keywords: "film camera", MinPrice: &lo, MaxPrice: &hi, Limit: 50, Offset: 50,
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(res.Items) != 1 || res.Items[0].ID != "r1" || res.Total != 51 {
		t.Errorf("got %+v", res)
	}
}

func TestSearch_EmptyItemsNotNil(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"total":0}`))
	}))
	defer srv.Close()

	res, err := NewClient(srv.URL, nil).Search(context.Background(), "tok", SearchRequest{Keywords: "x"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if res.Items == nil {
		t.Error("Items should be an empty slice")
	}
}

func TestGetItem_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/items/a%2Fb" && r.URL.RawPath != "/items/a%2Fb" {
			t.Errorf("path = %s (raw %s)", r.URL.Path, r.URL.RawPath)
		}
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte("slow down"))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, nil).GetItem(context.Background(), "tok", "a/b")
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected *StatusError, got %v", err)
	}
	if se.StatusCode != 429 || se.RetryAfter != 7*time.Second || !se.HasRetryAfter || se.Body != "slow down" {
		t.Errorf("got %+v", se)
	}
}

func TestGetItem_RetryAfterZeroIsExplicit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "0")
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, nil).GetItem(context.Background(), "tok", "r1")
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected *StatusError, got %v", err)
	}
	if !se.HasRetryAfter || se.RetryAfter != 0 {
		t.Errorf("Retry-After: 0 gave %+v, want HasRetryAfter with zero delay", se)
	}
}

func TestGetItem(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"r9","title":"Lens","price":19.99,"currency":"EUR"}`))
	}))
	defer srv.Close()

	l, err := NewClient(srv.URL, nil).GetItem(context.Background(), "tok", "r9")
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if l.Price != 19.99 || l.Currency != "EUR" {
		t.Errorf("got %+v", l)
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		in     string
		want   time.Duration
		wantOK bool
	}{
		{"", 0, false},
		{"0", 0, true},
		{"3", 3 * time.Second, true},
		{"-1", 0, false},
		{"soon", 0, false},
		{now.Add(10 * time.Second).Format(http.TimeFormat), 10 * time.Second, true},
		{now.Add(-10 * time.Second).Format(http.TimeFormat), 0, true},
	}
	for _, tc := range cases {
		got, ok := parseRetryAfter(tc.in, now)
		if got != tc.want || ok != tc.wantOK {
			t.Errorf("parseRetryAfter(%q) = %v, %v, want %v, %v", tc.in, got, ok, tc.want, tc.wantOK)
		}
	}
}
