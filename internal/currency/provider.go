package currency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrRateUnavailable is returned when the provider has no rate for a pair.
var ErrRateUnavailable = errors.New("rate unavailable")

// HTTPRateProvider queries an exchange-rate API of the form
// GET {base}/latest?base=FROM&symbols=TO -> {"rates":{"TO":1.23}}.
type HTTPRateProvider struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPRateProvider creates a provider for baseURL. httpClient may be nil.
func NewHTTPRateProvider(baseURL string, httpClient *http.Client) *HTTPRateProvider {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPRateProvider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

type latestResponse struct {
	Rates map[string]decimal.Decimal `json:"rates"`
}

func (p *HTTPRateProvider) Rate(ctx context.Context, from, to string) (decimal.Decimal, error) {
	q := url.Values{}
	q.Set("base", from)
	q.Set("symbols", to)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/latest?"+q.Encode(), nil)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("requesting rate: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Decimal{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var body latestResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return decimal.Decimal{}, fmt.Errorf("decoding rates: %w", err)
	}
	rate, ok := body.Rates[to]
	if !ok || !rate.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("%w: %s->%s", ErrRateUnavailable, from, to)
	}
	return rate, nil
}
