// Package identity exchanges authorization codes and refresh tokens with the
// marketplace's OAuth2 token endpoint.
package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/kalambet/pricewatch/internal/storage"
)

// ErrNoRefreshToken is returned by Refresh when called with an empty token.
var ErrNoRefreshToken = errors.New("no refresh token")

// Config holds the OAuth2 client registration.
type Config struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	RedirectURL  string
	Scopes       []string
}

// Provider talks to the token endpoint. It is safe for concurrent use.
type Provider struct {
	oauth      oauth2.Config
	httpClient *http.Client
}

// New creates a Provider. httpClient may be nil, in which case a client with a
// 15s timeout is used.
func New(cfg Config, httpClient *http.Client) *Provider {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Provider{
		oauth: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.AuthURL,
				TokenURL: cfg.TokenURL,
			},
		},
		httpClient: httpClient,
	}
}

// AuthCodeURL returns the consent URL an owner visits to link their account.
func (p *Provider) AuthCodeURL(state string) string {
	return p.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline)
}

// ExchangeAuthCode trades an authorization code for a credential.
func (p *Provider) ExchangeAuthCode(ctx context.Context, code string) (storage.Credential, error) {
	tok, err := p.oauth.Exchange(p.withClient(ctx), code)
	if err != nil {
		return storage.Credential{}, fmt.Errorf("exchanging auth code: %w", err)
	}
	return fromToken(tok, ""), nil
}

// Refresh obtains a new access token. When the endpoint does not rotate the
// refresh token, the one passed in is kept.
func (p *Provider) Refresh(ctx context.Context, refreshToken string) (storage.Credential, error) {
	if refreshToken == "" {
		return storage.Credential{}, ErrNoRefreshToken
	}
	// An empty access token is never valid, so Token always hits the endpoint.
	src := p.oauth.TokenSource(p.withClient(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return storage.Credential{}, fmt.Errorf("refreshing token: %w", err)
	}
	return fromToken(tok, refreshToken), nil
}

func (p *Provider) withClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
}

func fromToken(tok *oauth2.Token, fallbackRefresh string) storage.Credential {
	rt := tok.RefreshToken
	if rt == "" {
		rt = fallbackRefresh
	}
	return storage.Credential{
		AccessToken:  tok.AccessToken,
		RefreshToken: rt,
		Expiry:       tok.Expiry,
		UpdatedAt:    time.Now(),
	}
}
