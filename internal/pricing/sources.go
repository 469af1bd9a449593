package pricing

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"resty.dev/v3"
)

// Default endpoints of the two quote providers.
const (
	DefaultCoinGeckoURL     = "https://api.coingecko.com/api/v3"
	DefaultCoinMarketCapURL = "https://pro-api.coinmarketcap.com"
)

var coinGeckoIDs = map[string]Asset{
	"solana":   AssetSOL,
	"usd-coin": AssetUSDC,
}

var coinMarketCapIDs = map[string]Asset{
	"5426": AssetSOL,
	"3408": AssetUSDC,
}

func newRestClient(baseURL string, timeout time.Duration) *resty.Client {
	return resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
}

// CoinGecko quotes assets through the public simple/price endpoint. It needs
// no credentials.
type CoinGecko struct {
	client *resty.Client
}

// NewCoinGecko creates a CoinGecko source.
func NewCoinGecko(baseURL string, timeout time.Duration) *CoinGecko {
	return &CoinGecko{client: newRestClient(baseURL, timeout)}
}

func (g *CoinGecko) Name() string { return "coingecko" }

func (g *CoinGecko) Fetch(ctx context.Context) (map[Asset]decimal.Decimal, error) {
	var body map[string]struct {
		USD decimal.Decimal `json:"usd"`
	}

	resp, err := g.client.R().
		SetContext(ctx).
		SetHeader("Cache-Control", "no-cache").
		SetQueryParams(map[string]string{
			"ids":           joinKeys(coinGeckoIDs),
			"vs_currencies": "usd",
		}).
		SetResult(&body).
		Get("/simple/price")
	if err != nil {
		return nil, fmt.Errorf("coingecko request: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("coingecko returned status %d", resp.StatusCode())
	}

	prices := make(map[Asset]decimal.Decimal, len(coinGeckoIDs))
	for id, asset := range coinGeckoIDs {
		entry, ok := body[id]
		if !ok || !entry.USD.IsPositive() {
			continue
		}
		prices[asset] = entry.USD
	}
	if len(prices) == 0 {
		return nil, fmt.Errorf("coingecko returned no usable prices")
	}
	return prices, nil
}

// CoinMarketCap quotes assets through the authenticated quotes/latest endpoint.
type CoinMarketCap struct {
	client *resty.Client
}

// NewCoinMarketCap creates a CoinMarketCap source that sends apiKey in the
// X-CMC_PRO_API_KEY header.
func NewCoinMarketCap(baseURL, apiKey string, timeout time.Duration) *CoinMarketCap {
	client := newRestClient(baseURL, timeout).SetHeader("X-CMC_PRO_API_KEY", apiKey)
	return &CoinMarketCap{client: client}
}

func (m *CoinMarketCap) Name() string { return "coinmarketcap" }

func (m *CoinMarketCap) Fetch(ctx context.Context) (map[Asset]decimal.Decimal, error) {
	var body struct {
		Data map[string]struct {
			Quote struct {
				USD struct {
					Price decimal.Decimal `json:"price"`
				} `json:"USD"`
			} `json:"quote"`
		} `json:"data"`
	}

	resp, err := m.client.R().
		SetContext(ctx).
		SetQueryParam("id", joinKeys(coinMarketCapIDs)).
		SetResult(&body).
		Get("/v1/cryptocurrency/quotes/latest")
	if err != nil {
		return nil, fmt.Errorf("coinmarketcap request: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("coinmarketcap returned status %d", resp.StatusCode())
	}

	prices := make(map[Asset]decimal.Decimal, len(coinMarketCapIDs))
	for id, asset := range coinMarketCapIDs {
		entry, ok := body.Data[id]
		if !ok || !entry.Quote.USD.Price.IsPositive() {
			continue
		}
		prices[asset] = entry.Quote.USD.Price
	}
	if len(prices) == 0 {
		return nil, fmt.Errorf("coinmarketcap returned no usable prices")
	}
	return prices, nil
}

func joinKeys(m map[string]Asset) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return strings.Join(keys, ",")
}
