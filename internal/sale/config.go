package sale

import (
	"errors"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
)

// ErrConfigInvalid is returned when the static sale parameters are malformed.
var ErrConfigInvalid = errors.New("sale configuration invalid")

// ErrSaleNotActive is returned when a purchase is attempted outside PreSale or PublicSale.
var ErrSaleNotActive = errors.New("token sale is not active")

// Config holds the immutable parameters of a token sale.
// Prices are per sale-token unit, denominated in the native coin.
type Config struct {
	StartDate       time.Time
	PublicStageDate time.Time
	EndDate         time.Time

	TotalSupply          uint64
	PreSaleAllocation    uint64
	PublicSaleAllocation uint64
	TotalSaleAllocation  uint64

	PreSalePrice    decimal.Decimal
	PublicSalePrice decimal.Decimal

	MinPurchase uint64
	MaxPurchase uint64

	SoftCap decimal.Decimal
	HardCap decimal.Decimal

	TokenMint        string
	TokenDecimals    uint8
	MintAuthority    string // empty when the service does not deliver tokens
	PaymentMint      string
	PaymentDecimals  uint8
	ReceivingAccount string
}

// Validate checks the invariants the rest of the engine relies on.
// Every failure wraps ErrConfigInvalid.
func (c Config) Validate() error {
	if c.MinPurchase == 0 {
		return invalid("min_purchase must be > 0")
	}
	if c.MinPurchase > c.MaxPurchase {
		return invalid("min_purchase (%d) cannot exceed max_purchase (%d)", c.MinPurchase, c.MaxPurchase)
	}
	if c.MaxPurchase > c.TotalSupply {
		return invalid("max_purchase (%d) cannot exceed total_supply (%d)", c.MaxPurchase, c.TotalSupply)
	}

	if !c.StartDate.Before(c.PublicStageDate) {
		return invalid("start_date must be before public_stage_date")
	}
	if !c.PublicStageDate.Before(c.EndDate) {
		return invalid("public_stage_date must be before end_date")
	}

	if c.PreSaleAllocation > c.TotalSaleAllocation {
		return invalid("pre_sale_allocation (%d) cannot exceed total_sale_allocation (%d)", c.PreSaleAllocation, c.TotalSaleAllocation)
	}
	if c.PublicSaleAllocation > c.TotalSaleAllocation {
		return invalid("public_sale_allocation (%d) cannot exceed total_sale_allocation (%d)", c.PublicSaleAllocation, c.TotalSaleAllocation)
	}
	if c.TotalSaleAllocation > c.TotalSupply {
		return invalid("total_sale_allocation (%d) cannot exceed total_supply (%d)", c.TotalSaleAllocation, c.TotalSupply)
	}

	if !c.PreSalePrice.IsPositive() || !c.PublicSalePrice.IsPositive() {
		return invalid("stage prices must be > 0")
	}
	if c.SoftCap.IsNegative() || c.HardCap.LessThan(c.SoftCap) {
		return invalid("caps must satisfy 0 <= soft_cap <= hard_cap")
	}
	if c.TokenDecimals > 18 || c.PaymentDecimals > 18 {
		return invalid("token decimals must be <= 18")
	}

	for name, key := range map[string]string{
		"receiving_account": c.ReceivingAccount,
		"token_mint":        c.TokenMint,
		"payment_mint":      c.PaymentMint,
	} {
		if _, err := solana.PublicKeyFromBase58(key); err != nil {
			return invalid("%s %q is not a valid account: %v", name, key, err)
		}
	}
	if c.MintAuthority != "" {
		if _, err := solana.PublicKeyFromBase58(c.MintAuthority); err != nil {
			return invalid("mint_authority %q is not a valid account: %v", c.MintAuthority, err)
		}
	}

	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfigInvalid, fmt.Sprintf(format, args...))
}
