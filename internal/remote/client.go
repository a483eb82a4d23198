// Package remote wraps calls to the marketplace API with rate limiting,
// exponential backoff and a one-shot credential refresh on 401.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/kalambet/pricewatch/internal/marketplace"
	"github.com/kalambet/pricewatch/internal/storage"
)

var (
	// ErrReauthRequired means the owner must link their account again.
	ErrReauthRequired = errors.New("reauthorization required")
	// ErrRetriesExhausted wraps the last error once every attempt failed.
	ErrRetriesExhausted = errors.New("retries exhausted")
)

// Refresher exchanges a refresh token for a new credential.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (storage.Credential, error)
}

// PersistFunc stores a refreshed credential. It runs before the retried call.
type PersistFunc func(ctx context.Context, ownerID string, cred storage.Credential) error

// Options configures a Client.
type Options struct {
	Policy            Policy
	RequestsPerSecond float64 // <= 0 disables the limiter
	Burst             int
	Refresher         Refresher
	Persist           PersistFunc
}

// Client is shared by all owners. Per-owner state lives in Session.
type Client struct {
	policy    Policy
	limiter   *rate.Limiter
	refresher Refresher
	persist   PersistFunc
	logger    *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time

	rateLimitHits atomic.Int64
}

// NewClient creates a Client from opts. Zero policy fields take defaults.
func NewClient(opts Options) *Client {
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Client{
		policy:    opts.Policy.withDefaults(),
		limiter:   rate.NewLimiter(limit, burst),
		refresher: opts.Refresher,
		persist:   opts.Persist,
		logger:    slog.Default(),
		sleep:     sleepCtx,
		now:       time.Now,
	}
}

// RateLimitHits returns the number of 429 responses seen since creation.
func (c *Client) RateLimitHits() int64 {
	return c.rateLimitHits.Load()
}

// Policy returns the effective retry policy.
func (c *Client) Policy() Policy {
	return c.policy
}

// Session carries one owner's credential. It is safe for concurrent use by
// the calls of a single cycle.
type Session struct {
	client  *Client
	ownerID string

	mu   sync.Mutex
	cred storage.Credential
}

// Session binds cred to c.
func (c *Client) Session(cred storage.Credential) *Session {
	return &Session{client: c, ownerID: cred.OwnerID, cred: cred}
}

// OwnerID returns the owner this session acts for.
func (s *Session) OwnerID() string {
	return s.ownerID
}

// Credential returns the session's current credential.
func (s *Session) Credential() storage.Credential {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cred
}

// refresh replaces the credential unless another call already replaced the
// token identified by stale.
func (s *Session) refresh(ctx context.Context, stale string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cred.AccessToken != stale {
		return nil
	}
	if s.cred.RefreshToken == "" {
		return fmt.Errorf("%w: no refresh token for owner %s", ErrReauthRequired, s.ownerID)
	}
	if s.client.refresher == nil {
		return fmt.Errorf("%w: no identity provider configured", ErrReauthRequired)
	}

	cred, err := s.client.refresher.Refresh(ctx, s.cred.RefreshToken)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrReauthRequired, err)
	}
	cred.OwnerID = s.ownerID
	if cred.RefreshToken == "" {
		cred.RefreshToken = s.cred.RefreshToken
	}

	if s.client.persist != nil {
		if err := s.client.persist(ctx, s.ownerID, cred); err != nil {
			return fmt.Errorf("persisting refreshed credential: %w", err)
		}
	}
	s.cred = cred
	s.client.logger.Info("credential refreshed", "owner_id", s.ownerID)
	return nil
}

// Call runs op with the session's access token, retrying per the client's
// policy. A 401 triggers at most one refresh per Call; that retry does not
// count against MaxAttempts.
func Call[T any](ctx context.Context, s *Session, op func(ctx context.Context, accessToken string) (T, error)) (T, error) {
	var zero T
	c := s.client
	refreshed := false

	if cred := s.Credential(); cred.Expired(c.now()) {
		if err := s.refresh(ctx, cred.AccessToken); err != nil {
			return zero, err
		}
		refreshed = true
	}

	var lastErr error
	attempt := 0
	for attempt < c.policy.MaxAttempts {
		if err := c.limiter.Wait(ctx); err != nil {
			return zero, fmt.Errorf("waiting for rate limiter: %w", err)
		}

		token := s.Credential().AccessToken
		v, err := op(ctx, token)
		if err == nil {
			return v, nil
		}

		var se *marketplace.StatusError
		isStatus := errors.As(err, &se)

		if isStatus && se.StatusCode == http.StatusUnauthorized {
			if refreshed {
				return zero, fmt.Errorf("%w: %w", ErrReauthRequired, err)
			}
			if rerr := s.refresh(ctx, token); rerr != nil {
				return zero, rerr
			}
			refreshed = true
			continue
		}

		if ctx.Err() != nil {
			return zero, err
		}
		if isStatus && se.StatusCode == http.StatusTooManyRequests {
			c.rateLimitHits.Add(1)
		}
		if !c.retryable(err, se) {
			return zero, err
		}

		lastErr = err
		attempt++
		if attempt >= c.policy.MaxAttempts {
			break
		}

		delay := c.policy.Backoff(attempt - 1)
		if isStatus && se.HasRetryAfter {
			delay = se.RetryAfter
		}
		c.logger.Warn("retrying remote call",
			"owner_id", s.ownerID, "attempt", attempt, "delay", delay, "error", err)
		if err := c.sleep(ctx, delay); err != nil {
			return zero, err
		}
	}

	return zero, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempt, lastErr)
}

func (c *Client) retryable(err error, se *marketplace.StatusError) bool {
	if se != nil {
		return c.policy.isRetryableStatus(se.StatusCode)
	}
	return isTransient(err)
}

// isTransient reports network-level failures worth another attempt.
func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
