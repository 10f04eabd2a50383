// Package adapter holds clients for external market-data providers.
package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/trade-ledger/internal/circuitbreaker"
	apperrors "github.com/trade-ledger/internal/errors"
	"github.com/trade-ledger/internal/models"
	"github.com/trade-ledger/internal/retry"
)

// DefaultFrankfurterURL is the public frankfurter.dev API
const DefaultFrankfurterURL = "https://api.frankfurter.dev/v1"

const frankfurterName = "frankfurter"

const dateLayout = "2006-01-02"

// FxProvider fetches daily reference rates
type FxProvider interface {
	Name() string
	// GetRates returns one rate per published day and quote in [from, to],
	// expressed as quote units per one base unit
	GetRates(ctx context.Context, base string, quotes []string, from, to time.Time) ([]models.FxRate, error)
}

// FrankfurterClient reads ECB reference rates from frankfurter.dev
type FrankfurterClient struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *circuitbreaker.CircuitBreaker
	retry      *retry.RetryConfig
}

// FrankfurterOption customizes a FrankfurterClient
type FrankfurterOption func(*FrankfurterClient)

// WithHTTPClient replaces the HTTP client
func WithHTTPClient(c *http.Client) FrankfurterOption {
	return func(f *FrankfurterClient) { f.httpClient = c }
}

// WithRetryConfig replaces the retry policy
func WithRetryConfig(cfg *retry.RetryConfig) FrankfurterOption {
	return func(f *FrankfurterClient) { f.retry = cfg }
}

// WithBreaker shares a circuit breaker, typically from a registry
func WithBreaker(cb *circuitbreaker.CircuitBreaker) FrankfurterOption {
	return func(f *FrankfurterClient) { f.breaker = cb }
}

// NewFrankfurterClient creates a client; an empty baseURL uses the public API
func NewFrankfurterClient(baseURL string, timeout time.Duration, opts ...FrankfurterOption) *FrankfurterClient {
	if baseURL == "" {
		baseURL = DefaultFrankfurterURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	retryCfg := retry.DefaultRetryConfig()
	retryCfg.ShouldRetry = apperrors.IsRetryable

	breakerCfg := circuitbreaker.DefaultConfig(frankfurterName)
	breakerCfg.IsFailure = apperrors.IsRetryable

	c := &FrankfurterClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		// the service asks clients to stay well below a few requests per second
		limiter: rate.NewLimiter(rate.Limit(5), 5),
		breaker: circuitbreaker.NewCircuitBreaker(breakerCfg),
		retry:   retryCfg,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the provider name recorded as the rate source
func (c *FrankfurterClient) Name() string {
	return frankfurterName
}

type frankfurterResponse struct {
	Base  string                            `json:"base"`
	Rates map[string]map[string]json.Number `json:"rates"`
}

// GetRates fetches the time series for base against quotes
func (c *FrankfurterClient) GetRates(ctx context.Context, base string, quotes []string, from, to time.Time) ([]models.FxRate, error) {
	base = strings.ToUpper(base)
	symbols := make([]string, 0, len(quotes))
	for _, q := range quotes {
		q = strings.ToUpper(q)
		if q != "" && q != base {
			symbols = append(symbols, q)
		}
	}
	if len(symbols) == 0 {
		return nil, nil
	}
	if to.Before(from) {
		from, to = to, from
	}
	reqURL := fmt.Sprintf("%s/%s..%s?base=%s&symbols=%s",
		c.baseURL, from.Format(dateLayout), to.Format(dateLayout), base, strings.Join(symbols, ","))

	var resp frankfurterResponse
	err := retry.Do(ctx, c.retry, func(ctx context.Context, _ int) error {
		return c.breaker.Execute(ctx, func() error {
			return c.fetch(ctx, reqURL, &resp)
		})
	})
	if err != nil {
		return nil, err
	}

	var rates []models.FxRate
	for day, byQuote := range resp.Rates {
		date, err := time.Parse(dateLayout, day)
		if err != nil {
			continue
		}
		for quote, n := range byQuote {
			r, err := decimal.NewFromString(n.String())
			if err != nil || !r.IsPositive() {
				continue
			}
			rates = append(rates, models.FxRate{Date: date, Base: base, Quote: quote, Rate: r, Source: frankfurterName})
		}
	}
	sort.Slice(rates, func(i, j int) bool {
		if !rates[i].Date.Equal(rates[j].Date) {
			return rates[i].Date.Before(rates[j].Date)
		}
		return rates[i].Quote < rates[j].Quote
	})
	return rates, nil
}

func (c *FrankfurterClient) fetch(ctx context.Context, reqURL string, out *frankfurterResponse) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return apperrors.NewInternalError("failed to build FX request", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperrors.NewProviderError(frankfurterName, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return apperrors.NewProviderError(frankfurterName, err)
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return apperrors.NewProviderRateLimitError(frankfurterName)
	case resp.StatusCode == http.StatusNotFound:
		// no published rates in the window
		*out = frankfurterResponse{}
		return nil
	case resp.StatusCode >= 500:
		return apperrors.NewProviderError(frankfurterName, fmt.Errorf("unexpected status %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return apperrors.NewInvalidParameterError("currency", fmt.Sprintf("provider rejected request with status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return apperrors.NewProviderError(frankfurterName, fmt.Errorf("parsing response: %w", err))
	}
	return nil
}
