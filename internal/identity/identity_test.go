package identity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTokenServer(t *testing.T, handler http.HandlerFunc) *Provider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{
		ClientID:     "client",
		ClientSecret: "secret",
		AuthURL:      srv.URL + "/authorize",
		TokenURL:     srv.URL + "/token",
	}, srv.Client())
}

func TestExchangeAuthCode(t *testing.T) {
	p := newTokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm: %v", err)
		}
		if got := r.PostForm.Get("grant_type"); got != "authorization_code" {
			t.Errorf("grant_type = %q", got)
		}
		if got := r.PostForm.Get("code"); got != "abc" {
			t.Errorf("code = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"at1","refresh_token":"rt1","token_type":"Bearer","expires_in":3600}`))
	})

	cred, err := p.ExchangeAuthCode(context.Background(), "abc")
	if err != nil {
		t.Fatalf("ExchangeAuthCode: %v", err)
	}
	if cred.AccessToken != "at1" || cred.RefreshToken != "rt1" {
		t.Errorf("got %+v", cred)
	}
	if cred.Expiry.Before(time.Now().Add(50 * time.Minute)) {
		t.Errorf("Expiry = %v, want about an hour from now", cred.Expiry)
	}
}

func TestRefresh_KeepsRefreshTokenWhenNotRotated(t *testing.T) {
	var calls atomic.Int32
	p := newTokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		r.ParseForm()
		if got := r.PostForm.Get("refresh_token"); got != "rt1" {
			t.Errorf("refresh_token = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"at2","token_type":"Bearer","expires_in":60}`))
	})

	cred, err := p.Refresh(context.Background(), "rt1")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if cred.AccessToken != "at2" || cred.RefreshToken != "rt1" {
		t.Errorf("got %+v", cred)
	}
	if calls.Load() != 1 {
		t.Errorf("token endpoint calls = %d, want 1", calls.Load())
	}
}

func TestRefresh_EndpointRejects(t *testing.T) {
	p := newTokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant"}`))
	})

	if _, err := p.Refresh(context.Background(), "revoked"); err == nil {
		t.Fatal("expected error for invalid_grant")
	}
}

func TestRefresh_Empty(t *testing.T) {
	p := New(Config{TokenURL: "http://127.0.0.1:0/token"}, nil)
	if _, err := p.Refresh(context.Background(), ""); !errors.Is(err, ErrNoRefreshToken) {
		t.Errorf("expected ErrNoRefreshToken, got %v", err)
	}
}
