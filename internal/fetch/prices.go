package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/time/rate"

	"github.com/yourorg/rebalance-agent/internal/types"
)

// DefaultPriceBaseURL is the public CoinGecko API
const DefaultPriceBaseURL = "https://api.coingecko.com/api/v3"

// DefaultAPIKeyHeader is the header CoinGecko's demo plan expects
const DefaultAPIKeyHeader = "x-cg-demo-api-key"

// PriceFetchError means a price could not be obtained this cycle. Callers treat it as
// "price unavailable", never as fatal.
type PriceFetchError struct {
	ChainID    types.ChainID
	AssetID    string
	StatusCode int
	Err        error
}

func (e *PriceFetchError) Error() string {
	msg := fmt.Sprintf("price fetch failed for %s", e.AssetID)
	if e.ChainID != 0 {
		msg += fmt.Sprintf(" (chain %d)", e.ChainID)
	}
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(": status %d", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *PriceFetchError) Unwrap() error { return e.Err }

// PriceSource returns the USD price of an asset
type PriceSource interface {
	FetchUSD(ctx context.Context, assetID string) (float64, error)
}

// CoinGeckoClient reads /simple/price. Responses have the shape {"<id>": {"usd": <number>}}.
type CoinGeckoClient struct {
	baseURL      string
	apiKey       string
	apiKeyHeader string
	client       *retryablehttp.Client
	limiter      *rate.Limiter
}

// CoinGeckoOption configures a CoinGeckoClient
type CoinGeckoOption func(*CoinGeckoClient)

// WithAPIKey sends key in header on every request. An empty header uses DefaultAPIKeyHeader.
func WithAPIKey(key, header string) CoinGeckoOption {
	return func(c *CoinGeckoClient) {
		c.apiKey = key
		if header != "" {
			c.apiKeyHeader = header
		}
	}
}

// WithRateLimit bounds the request rate sent upstream
func WithRateLimit(perSecond float64, burst int) CoinGeckoOption {
	return func(c *CoinGeckoClient) {
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithRetryOptions replaces DefaultRetryOptions
func WithRetryOptions(opts RetryOptions) CoinGeckoOption {
	return func(c *CoinGeckoClient) {
		c.client = NewRetryClient(opts)
	}
}

// NewCoinGeckoClient creates a price client for baseURL
func NewCoinGeckoClient(baseURL string, opts ...CoinGeckoOption) *CoinGeckoClient {
	if baseURL == "" {
		baseURL = DefaultPriceBaseURL
	}
	c := &CoinGeckoClient{
		baseURL:      baseURL,
		apiKeyHeader: DefaultAPIKeyHeader,
		client:       NewRetryClient(DefaultRetryOptions()),
		// free tier allows roughly 30 calls per minute
		limiter: rate.NewLimiter(rate.Every(2*time.Second), 5),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchUSD implements PriceSource
func (c *CoinGeckoClient) FetchUSD(ctx context.Context, assetID string) (float64, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, &PriceFetchError{AssetID: assetID, Err: err}
	}

	q := url.Values{}
	q.Set("ids", assetID)
	q.Set("vs_currencies", "usd")
	endpoint := c.baseURL + "/simple/price?" + q.Encode()

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, &PriceFetchError{AssetID: assetID, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set(c.apiKeyHeader, c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, &PriceFetchError{AssetID: assetID, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, &PriceFetchError{AssetID: assetID, StatusCode: resp.StatusCode, Err: fmt.Errorf("unexpected response: %s", body)}
	}

	var payload map[string]map[string]float64
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return 0, &PriceFetchError{AssetID: assetID, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	price, ok := payload[assetID]["usd"]
	if !ok {
		return 0, &PriceFetchError{AssetID: assetID, StatusCode: resp.StatusCode, Err: errors.New("usd price missing from response")}
	}
	if price <= 0 {
		return 0, &PriceFetchError{AssetID: assetID, StatusCode: resp.StatusCode, Err: fmt.Errorf("non-positive price %v", price)}
	}
	return price, nil
}
