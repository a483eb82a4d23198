// Package currency converts prices between currencies with cached rates.
package currency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInvalidCurrency is returned for codes that are not three ASCII letters.
var ErrInvalidCurrency = errors.New("invalid currency code")

// DefaultTTL is how long a resolved rate is reused.
const DefaultTTL = 5 * time.Minute

// RateProvider fetches a live exchange rate.
type RateProvider interface {
	Rate(ctx context.Context, from, to string) (decimal.Decimal, error)
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type cachedRate struct {
	rate      decimal.Decimal
	fetchedAt time.Time
}

// Normalizer converts amounts between currencies. Conversions never fail
// because of an unavailable rate: they fall back to the static table and
// finally to 1:1.
type Normalizer struct {
	provider RateProvider
	clock    Clock
	ttl      time.Duration
	logger   *slog.Logger

	mu    sync.RWMutex
	cache map[string]cachedRate
}

// NewNormalizer creates a Normalizer with the default TTL. provider may be
// nil, in which case only the static table is used.
func NewNormalizer(provider RateProvider) *Normalizer {
	return NewNormalizerWithClock(provider, realClock{}, DefaultTTL)
}

// NewNormalizerWithClock creates a Normalizer with a custom clock (for testing).
func NewNormalizerWithClock(provider RateProvider, clock Clock, ttl time.Duration) *Normalizer {
	return &Normalizer{
		provider: provider,
		clock:    clock,
		ttl:      ttl,
		logger:   slog.Default(),
		cache:    make(map[string]cachedRate),
	}
}

// Convert returns amount expressed in to, rounded to cents.
func (n *Normalizer) Convert(ctx context.Context, amount float64, from, to string) (float64, error) {
	rate, err := n.Rate(ctx, from, to)
	if err != nil {
		return 0, err
	}
	return decimal.NewFromFloat(amount).Mul(rate).Round(2).InexactFloat64(), nil
}

// Rate resolves the from->to exchange rate.
func (n *Normalizer) Rate(ctx context.Context, from, to string) (decimal.Decimal, error) {
	from, to = strings.ToUpper(strings.TrimSpace(from)), strings.ToUpper(strings.TrimSpace(to))
	if !validCode(from) {
		return decimal.Decimal{}, fmt.Errorf("%w: %q", ErrInvalidCurrency, from)
	}
	if !validCode(to) {
		return decimal.Decimal{}, fmt.Errorf("%w: %q", ErrInvalidCurrency, to)
	}
	one := decimal.NewFromInt(1)
	if from == to {
		return one, nil
	}

	key := from + "_" + to

	n.mu.RLock()
	if c, ok := n.cache[key]; ok && n.clock.Now().Before(c.fetchedAt.Add(n.ttl)) {
		n.mu.RUnlock()
		return c.rate, nil
	}
	n.mu.RUnlock()

	rate, ok := n.resolve(ctx, from, to)
	if !ok {
		n.logger.Warn("no exchange rate available, using 1:1", "from", from, "to", to)
		return one, nil
	}

	n.mu.Lock()
	n.cache[key] = cachedRate{rate: rate, fetchedAt: n.clock.Now()}
	n.mu.Unlock()
	return rate, nil
}

func (n *Normalizer) resolve(ctx context.Context, from, to string) (decimal.Decimal, bool) {
	if n.provider != nil {
		rate, err := n.provider.Rate(ctx, from, to)
		if err == nil && rate.IsPositive() {
			return rate, true
		}
		n.logger.Warn("rate provider failed, using static table", "from", from, "to", to, "error", err)
	}
	return staticRate(from, to)
}

// Invalidate drops all cached rates.
func (n *Normalizer) Invalidate() {
	n.mu.Lock()
	n.cache = make(map[string]cachedRate)
	n.mu.Unlock()
}

func validCode(code string) bool {
	if len(code) != 3 {
		return false
	}
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}
