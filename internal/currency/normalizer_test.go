package currency

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

type mockProvider struct {
	fn    func(from, to string) (decimal.Decimal, error)
	calls atomic.Int32
}

func (m *mockProvider) Rate(ctx context.Context, from, to string) (decimal.Decimal, error) {
	m.calls.Add(1)
	return m.fn(from, to)
}

func captureLogs(n *Normalizer) *bytes.Buffer {
	var buf bytes.Buffer
	n.logger = slog.New(slog.NewTextHandler(&buf, nil))
	return &buf
}

func TestConvert_Identity(t *testing.T) {
	p := &mockProvider{fn: func(from, to string) (decimal.Decimal, error) {
		t.Error("provider should not be called for same currency")
		return decimal.Decimal{}, nil
	}}
	n := NewNormalizer(p)

	got, err := n.Convert(context.Background(), 12.34, "usd", "USD")
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if got != 12.34 {
		t.Errorf("got %v, want 12.34", got)
	}
}

func TestConvert_UsesProviderAndCaches(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	p := &mockProvider{fn: func(from, to string) (decimal.Decimal, error) {
		return decimal.RequireFromString("0.5"), nil
	}}
	n := NewNormalizerWithClock(p, clock, 5*time.Minute)

	for i := 0; i < 3; i++ {
		got, err := n.Convert(context.Background(), 10, "USD", "EUR")
		if err != nil {
			t.Fatalf("Convert: %v", err)
		}
		if got != 5 {
			t.Errorf("got %v, want 5", got)
		}
	}
	if p.calls.Load() != 1 {
		t.Errorf("provider calls = %d, want 1", p.calls.Load())
	}

	clock.now = clock.now.Add(5*time.Minute + time.Second)
	if _, err := n.Convert(context.Background(), 10, "USD", "EUR"); err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if p.calls.Load() != 2 {
		t.Errorf("provider calls after TTL = %d, want 2", p.calls.Load())
	}
}

func TestConvert_StaticFallback(t *testing.T) {
	p := &mockProvider{fn: func(from, to string) (decimal.Decimal, error) {
		return decimal.Decimal{}, errors.New("provider down")
	}}
	n := NewNormalizer(p)
	captureLogs(n)
	ctx := context.Background()

	cases := []struct {
		from, to string
		amount   float64
		want     float64
	}{
		{"USD", "EUR", 100, 92},   // direct
		{"EUR", "GBP", 92, 79},    // cross via USD
		{"EUR", "USD", 92, 100},   // inverse
		{"JPY", "USD", 1500, 10},  // inverse
		{"GBP", "JPY", 0.79, 150}, // cross
	}
	for _, tc := range cases {
		got, err := n.Convert(ctx, tc.amount, tc.from, tc.to)
		if err != nil {
			t.Fatalf("Convert(%s->%s): %v", tc.from, tc.to, err)
		}
		if got != tc.want {
			t.Errorf("Convert(%v %s->%s) = %v, want %v", tc.amount, tc.from, tc.to, got, tc.want)
		}
	}
}

func TestConvert_UnknownCurrencyFallsBackToOne(t *testing.T) {
	n := NewNormalizer(nil)
	logs := captureLogs(n)

	got, err := n.Convert(context.Background(), 1, "USD", "XYZ")
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if got != 1.0 {
		t.Errorf("got %v, want 1.0", got)
	}
	if !strings.Contains(logs.String(), "level=WARN") || !strings.Contains(logs.String(), "XYZ") {
		t.Errorf("expected warning, got logs: %s", logs.String())
	}
}

func TestConvert_InvalidCode(t *testing.T) {
	n := NewNormalizer(nil)
	for _, code := range []string{"", "US", "USDX", "U$D", "12A"} {
		if _, err := n.Convert(context.Background(), 1, code, "USD"); !errors.Is(err, ErrInvalidCurrency) {
			t.Errorf("Convert(%q) err = %v, want ErrInvalidCurrency", code, err)
		}
	}
}

func TestInvalidate(t *testing.T) {
	p := &mockProvider{fn: func(from, to string) (decimal.Decimal, error) {
		return decimal.NewFromInt(2), nil
	}}
	n := NewNormalizer(p)
	ctx := context.Background()

	n.Convert(ctx, 1, "USD", "CAD")
	n.Invalidate()
	n.Convert(ctx, 1, "USD", "CAD")
	if p.calls.Load() != 2 {
		t.Errorf("provider calls = %d, want 2", p.calls.Load())
	}
}

func TestHTTPRateProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/latest" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.URL.Query().Get("base") != "USD" || r.URL.Query().Get("symbols") != "EUR" {
			t.Errorf("query = %v", r.URL.Query())
		}
		w.Write([]byte(`{"base":"USD","rates":{"EUR":0.9125}}`))
	}))
	defer srv.Close()

	p := NewHTTPRateProvider(srv.URL, srv.Client())
	rate, err := p.Rate(context.Background(), "USD", "EUR")
	if err != nil {
		t.Fatalf("Rate: %v", err)
	}
	if !rate.Equal(decimal.RequireFromString("0.9125")) {
		t.Errorf("rate = %s", rate)
	}

	if _, err := p.Rate(context.Background(), "USD", "GBP"); !errors.Is(err, ErrRateUnavailable) {
		t.Errorf("expected ErrRateUnavailable, got %v", err)
	}
}

func TestHTTPRateProvider_Non200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	if _, err := NewHTTPRateProvider(srv.URL, nil).Rate(context.Background(), "USD", "EUR"); err == nil {
		t.Error("expected error for 502")
	}
}
