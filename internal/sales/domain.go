package sales

import (
	"time"

	"github.com/shopspring/decimal"

	"api_tokensale/internal/sale"
	"api_tokensale/internal/transfer"
)

// Status is the lifecycle state of a purchase. It follows the state of the
// ledger reservation backing it.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCommitted Status = "committed"
	StatusReleased  Status = "released"
)

// PurchaseRequest is a buyer's request for Units of the sale token.
type PurchaseRequest struct {
	Units       uint64            `json:"units"`
	PayCurrency transfer.Currency `json:"pay_currency"`
	Buyer       string            `json:"buyer_account"`
}

// PurchaseQuote is priced fresh for every request and never cached.
// UnitPrice and TotalCost are denominated in the pay currency.
type PurchaseQuote struct {
	Units     uint64          `json:"units"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	TotalCost decimal.Decimal `json:"total_cost"`
	Stage     sale.Stage      `json:"stage"`
}

// Purchase records one run of the purchase pipeline. Its ID is the ID of the
// ledger reservation holding the units.
type Purchase struct {
	ID               string            `json:"id"`
	Buyer            string            `json:"buyer_account"`
	Units            uint64            `json:"units"`
	PayCurrency      transfer.Currency `json:"pay_currency"`
	UnitPrice        decimal.Decimal   `json:"unit_price"`
	TotalCost        decimal.Decimal   `json:"total_cost"`
	Stage            sale.Stage        `json:"stage"`
	Status           Status            `json:"status"`
	UnsignedTransfer string            `json:"unsigned_transfer"`
	SignedTransfer   string            `json:"signed_transfer,omitempty"`
	ExpiryHeight     uint64            `json:"expiry_height"`
	CreatesAccount   bool              `json:"creates_account"`
	DeliveryTransfer string            `json:"delivery_transfer,omitempty"`
	SignedDelivery   string            `json:"signed_delivery,omitempty"`
	ExpiresAt        time.Time         `json:"expires_at"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
	Version          int               `json:"version"`
}

// SaleInfo is a point-in-time summary of the sale. USD figures are
// best-effort and omitted when no quote is available.
type SaleInfo struct {
	Stage            sale.Stage       `json:"stage"`
	UnitPrice        decimal.Decimal  `json:"unit_price"`
	UnitPriceToken   *decimal.Decimal `json:"unit_price_token,omitempty"`
	TotalSupply      uint64           `json:"total_supply"`
	Allocation       uint64           `json:"allocation"`
	Sold             uint64           `json:"sold"`
	Reserved         uint64           `json:"reserved"`
	Remaining        uint64           `json:"remaining"`
	Progress         float64          `json:"progress"` // percent of the total sale allocation sold
	MinPurchase      uint64           `json:"min_purchase"`
	MaxPurchase      uint64           `json:"max_purchase"`
	SoftCap          decimal.Decimal  `json:"soft_cap"`
	HardCap          decimal.Decimal  `json:"hard_cap"`
	RaisedUSD        *decimal.Decimal `json:"raised_usd,omitempty"`
	StartDate        time.Time        `json:"start_date"`
	PublicStageDate  time.Time        `json:"public_stage_date"`
	EndDate          time.Time        `json:"end_date"`
	SecondsUntilNext int64            `json:"seconds_until_next"`
	AsOf             time.Time        `json:"as_of"`
}

// PurchasesMetadata summarizes a purchase search.
type PurchasesMetadata struct {
	Quantity       int    `json:"quantity"`
	Pending        int    `json:"pending"`
	Committed      int    `json:"committed"`
	Released       int    `json:"released"`
	CommittedUnits uint64 `json:"committed_units"`
	PendingUnits   uint64 `json:"pending_units"`
}
