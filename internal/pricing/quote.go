package pricing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ErrPriceUnavailable is returned when no source produced a price and no
// usable cached value exists.
var ErrPriceUnavailable = errors.New("price unavailable")

// ErrInvalidPrice is returned when a conversion would divide by, or multiply
// with, a missing or non-positive price.
var ErrInvalidPrice = errors.New("invalid price")

// Asset identifies a quoted currency.
type Asset string

const (
	AssetSOL  Asset = "SOL"
	AssetUSDC Asset = "USDC"
)

// Quote is the USD price of an asset as of a point in time.
type Quote struct {
	Asset    Asset           `json:"asset"`
	USDPrice decimal.Decimal `json:"usd_price"`
	AsOf     time.Time       `json:"as_of"`
	Source   string          `json:"source"`
}

// Fresh reports whether the quote is no older than ttl at now.
func (q Quote) Fresh(now time.Time, ttl time.Duration) bool {
	return !q.AsOf.IsZero() && now.Sub(q.AsOf) <= ttl
}

// Source is an external price provider. Fetch returns the USD price of
// every asset the provider could quote; a partial result is allowed.
type Source interface {
	Name() string
	Fetch(ctx context.Context) (map[Asset]decimal.Decimal, error)
}

// Quoter is the read side of the aggregator used by the purchase pipeline.
type Quoter interface {
	Quote(ctx context.Context, asset Asset) (Quote, error)
}

// Convert expresses amount of from in units of to through their USD prices:
// amount * usd(from) / usd(to).
func Convert(amount decimal.Decimal, from, to Quote) (decimal.Decimal, error) {
	if !from.USDPrice.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s price is %s", ErrInvalidPrice, from.Asset, from.USDPrice)
	}
	if !to.USDPrice.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s price is %s", ErrInvalidPrice, to.Asset, to.USDPrice)
	}
	return amount.Mul(from.USDPrice).Div(to.USDPrice), nil
}

// ToUSD values amount of the quoted asset in USD.
func ToUSD(amount decimal.Decimal, q Quote) (decimal.Decimal, error) {
	if !q.USDPrice.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s price is %s", ErrInvalidPrice, q.Asset, q.USDPrice)
	}
	return amount.Mul(q.USDPrice), nil
}
