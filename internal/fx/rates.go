package fx

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-sync/internal/cache"
	"github.com/shopspring/decimal"
)

// RateSource returns how many units of to one unit of from is worth.
// The date is informational; sources may answer with their latest rate.
type RateSource interface {
	Rate(ctx context.Context, from, to string, date civil.Date) (decimal.Decimal, error)
}

// HTTPRateSource queries an exchangerate-api.com compatible endpoint:
// GET {baseURL}/{apiKey}/latest/{from}.
type HTTPRateSource struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPRateSource creates a rate source with its own request timeout.
func NewHTTPRateSource(baseURL, apiKey string, timeout time.Duration) *HTTPRateSource {
	return &HTTPRateSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

type latestRatesResponse struct {
	Result          string                     `json:"result"`
	ErrorType       string                     `json:"error-type"`
	ConversionRates map[string]decimal.Decimal `json:"conversion_rates"`
}

// Rate implements RateSource.
func (s *HTTPRateSource) Rate(ctx context.Context, from, to string, _ civil.Date) (decimal.Decimal, error) {
	if s.apiKey == "" {
		return decimal.Zero, fmt.Errorf("Rate: no API key configured")
	}

	url := fmt.Sprintf("%s/%s/latest/%s", s.baseURL, s.apiKey, from)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("Rate: build request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("Rate: request %s: %w", from, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("Rate: unexpected status %d for %s", resp.StatusCode, from)
	}

	var body latestRatesResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return decimal.Zero, fmt.Errorf("Rate: decode response: %w", err)
	}
	if body.Result != "" && body.Result != "success" {
		return decimal.Zero, fmt.Errorf("Rate: api error %q", body.ErrorType)
	}

	rate, ok := body.ConversionRates[to]
	if !ok {
		return decimal.Zero, fmt.Errorf("Rate: no %s rate in response for %s", to, from)
	}
	if !rate.IsPositive() {
		return decimal.Zero, fmt.Errorf("Rate: non-positive %s rate %s for %s", to, rate, from)
	}
	return rate, nil
}

// CachedRates memoises another source per (from, to, day). The day is the
// day of the lookup, since upstream answers with its latest rate.
type CachedRates struct {
	source RateSource
	cache  *cache.LRU[decimal.Decimal]
	now    func() time.Time
}

// NewCachedRates wraps source with a bounded TTL cache.
func NewCachedRates(source RateSource, size int, ttl time.Duration) *CachedRates {
	return &CachedRates{
		source: source,
		cache:  cache.NewLRU[decimal.Decimal](size, ttl),
		now:    time.Now,
	}
}

// Rate implements RateSource. Failures are not cached.
func (c *CachedRates) Rate(ctx context.Context, from, to string, date civil.Date) (decimal.Decimal, error) {
	key := from + ":" + to + ":" + civil.DateOf(c.now().UTC()).String()
	if rate, ok := c.cache.Get(key); ok {
		return rate, nil
	}

	rate, err := c.source.Rate(ctx, from, to, date)
	if err != nil {
		return decimal.Zero, err
	}
	c.cache.Set(key, rate)
	return rate, nil
}
