// Package coingecko is the REST client for the CoinGecko API, which provides
// the authoritative USD spot prices used for baseline and final capture.
package coingecko

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/raceswap/raced/internal/domain"
)

// Client is the CoinGecko REST client.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new CoinGecko client.
//
// baseURL is the API root, e.g. "https://api.coingecko.com/api/v3". apiKey may
// be empty for the public tier.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// SimplePrices returns the current USD price for each of the given asset IDs.
// IDs unknown to the API are omitted from the result.
func (c *Client) SimplePrices(ctx context.Context, assetIDs []string) (map[string]domain.PriceQuote, error) {
	params := url.Values{}
	params.Set("ids", strings.Join(assetIDs, ","))
	params.Set("vs_currencies", "usd")
	params.Set("include_last_updated_at", "true")
	params.Set("precision", "full")

	path := "/simple/price?" + params.Encode()

	body, err := c.doGet(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("coingecko: simple price: %w", err)
	}

	var raw map[string]apiSimplePrice
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("coingecko: decode simple price: %w", err)
	}

	quotes := make(map[string]domain.PriceQuote, len(raw))
	for id, p := range raw {
		quotes[id] = p.toQuote(id)
	}
	return quotes, nil
}

// GetPrice returns the current USD price for a single asset ID.
func (c *Client) GetPrice(ctx context.Context, assetID string) (domain.PriceQuote, error) {
	quotes, err := c.SimplePrices(ctx, []string{assetID})
	if err != nil {
		return domain.PriceQuote{}, err
	}
	quote, ok := quotes[assetID]
	if !ok {
		return domain.PriceQuote{}, fmt.Errorf("coingecko: %w: asset=%s", domain.ErrNotFound, assetID)
	}
	return quote, nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// doGet sends a GET request, attaching the API key header when configured.
func (c *Client) doGet(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-cg-pro-api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if err := checkHTTPStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}

	return body, nil
}
