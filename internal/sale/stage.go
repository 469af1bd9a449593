package sale

import (
	"time"

	"github.com/shopspring/decimal"
)

// Stage is a time-boxed phase of the sale.
type Stage string

const (
	StageNotStarted Stage = "NotStarted"
	StagePreSale    Stage = "PreSale"
	StagePublicSale Stage = "PublicSale"
	StageEnded      Stage = "Ended"
)

// Active reports whether purchases are permitted in the stage.
func (s Stage) Active() bool {
	return s == StagePreSale || s == StagePublicSale
}

// Resolution is the stage in effect at a given instant together with its
// price tier and the allocation purchases are checked against.
type Resolution struct {
	Stage        Stage           `json:"stage"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	Allocation   uint64          `json:"allocation"`
	NextBoundary time.Time       `json:"next_boundary"`
}

// Resolve maps now onto a stage of cfg. It has no side effects.
//
// The public sale allocation is the total sale allocation: whatever the
// pre-sale did not sell rolls into the public sale rather than being
// stacked on top of a separate public pool.
func Resolve(now time.Time, cfg Config) Resolution {
	switch {
	case now.Before(cfg.StartDate):
		return Resolution{
			Stage:        StageNotStarted,
			UnitPrice:    cfg.PreSalePrice,
			NextBoundary: cfg.StartDate,
		}
	case now.Before(cfg.PublicStageDate):
		return Resolution{
			Stage:        StagePreSale,
			UnitPrice:    cfg.PreSalePrice,
			Allocation:   cfg.PreSaleAllocation,
			NextBoundary: cfg.PublicStageDate,
		}
	case now.Before(cfg.EndDate):
		return Resolution{
			Stage:        StagePublicSale,
			UnitPrice:    cfg.PublicSalePrice,
			Allocation:   cfg.TotalSaleAllocation,
			NextBoundary: cfg.EndDate,
		}
	default:
		return Resolution{
			Stage:     StageEnded,
			UnitPrice: cfg.PublicSalePrice,
		}
	}
}

// StagePrice returns the unit price units sold in stage were charged.
// Only the active stages have one.
func (c Config) StagePrice(stage Stage) (decimal.Decimal, bool) {
	switch stage {
	case StagePreSale:
		return c.PreSalePrice, true
	case StagePublicSale:
		return c.PublicSalePrice, true
	default:
		return decimal.Decimal{}, false
	}
}

// TimeUntilNext returns how long until the next stage boundary, or zero once
// the sale has ended.
func (r Resolution) TimeUntilNext(now time.Time) time.Duration {
	if r.NextBoundary.IsZero() || !now.Before(r.NextBoundary) {
		return 0
	}
	return r.NextBoundary.Sub(now)
}
