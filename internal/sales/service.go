package sales

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"api_tokensale/internal/ledger"
	"api_tokensale/internal/pricing"
	"api_tokensale/internal/sale"
	"api_tokensale/internal/transfer"
)

var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidStatus     = errors.New("invalid status value")
	ErrInvalidRequest    = errors.New("invalid purchase request")
	ErrNotEligible       = errors.New("buyer not eligible for this stage")
)

// CommitPolicy decides when a reservation becomes a sale.
type CommitPolicy string

const (
	// CommitOnBuild commits as soon as the transfer is built (and signed).
	CommitOnBuild CommitPolicy = "build"
	// CommitOnConfirmation leaves the reservation pending until Settle is
	// called by whoever watches the chain for the transfer.
	CommitOnConfirmation CommitPolicy = "confirmation"
)

// TransferBuilder builds unsigned transfers.
type TransferBuilder interface {
	Build(ctx context.Context, req transfer.BuildRequest) (*transfer.UnsignedTransfer, error)
	CheckFresh(ctx context.Context, t *transfer.UnsignedTransfer) error
}

// DeliveryBuilder builds the unsigned transfer handing the sale token to a buyer.
type DeliveryBuilder interface {
	BuildDelivery(ctx context.Context, req transfer.DeliveryRequest) (*transfer.UnsignedTransfer, error)
}

// Signer signs a built transfer payload.
type Signer interface {
	Sign(ctx context.Context, payload, keyID string) (string, error)
}

// Config holds the pipeline settings.
type Config struct {
	Sale     sale.Config
	CommitOn CommitPolicy
	KeyID    string // signing key used when a Signer is configured

	// DeliveryKeyID signs token deliveries; it belongs to the mint authority.
	DeliveryKeyID string
}

// Option customizes a Service.
type Option func(*Service)

// WithSigner has every built transfer signed through s before commit.
func WithSigner(s Signer) Option {
	return func(svc *Service) { svc.signer = s }
}

// WithDelivery attaches a sale-token delivery transfer to every committed
// purchase.
func WithDelivery(d DeliveryBuilder) Option {
	return func(svc *Service) { svc.delivery = d }
}

// WithEligibility replaces the default eligibility policy.
func WithEligibility(f EligibilityFunc) Option {
	return func(svc *Service) { svc.eligible = f }
}

// WithClock sets the time source used for stage resolution.
func WithClock(now func() time.Time) Option {
	return func(svc *Service) { svc.now = now }
}

// Service runs the purchase pipeline: stage, eligibility, price, reserve,
// build, sign, commit. Any failure after the reserve step releases the
// reservation.
type Service struct {
	cfg      Config
	storage  Storage
	ledger   *ledger.Ledger
	quotes   pricing.Quoter
	builder  TransferBuilder
	delivery DeliveryBuilder
	signer   Signer
	eligible EligibilityFunc
	now      func() time.Time
	logger   *zap.Logger
}

// NewService creates a new Service and subscribes it to reservation expiry.
func NewService(cfg Config, storage Storage, l *ledger.Ledger, quotes pricing.Quoter, builder TransferBuilder, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CommitOn == "" {
		cfg.CommitOn = CommitOnBuild
	}

	s := &Service{
		cfg:      cfg,
		storage:  storage,
		ledger:   l,
		quotes:   quotes,
		builder:  builder,
		eligible: AllowlistPolicy(nil),
		now:      time.Now,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	l.OnExpire(s.onReservationExpired)
	return s
}

// Quote prices req at the current instant without touching supply.
func (s *Service) Quote(ctx context.Context, req PurchaseRequest) (PurchaseQuote, error) {
	res := sale.Resolve(s.now(), s.cfg.Sale)
	if !res.Stage.Active() {
		return PurchaseQuote{}, fmt.Errorf("%w: stage is %s", sale.ErrSaleNotActive, res.Stage)
	}
	return s.price(ctx, req, res)
}

// price computes the cost of req under res. Native payments need no quote;
// token payments convert the native cost through both USD prices.
func (s *Service) price(ctx context.Context, req PurchaseRequest, res sale.Resolution) (PurchaseQuote, error) {
	nativeUnit := res.UnitPrice
	nativeTotal := nativeUnit.Mul(unitsDecimal(req.Units))

	q := PurchaseQuote{Units: req.Units, Stage: res.Stage}
	switch req.PayCurrency {
	case transfer.CurrencyNative:
		q.UnitPrice = nativeUnit
		q.TotalCost = nativeTotal.Round(transfer.NativeDecimals)

	case transfer.CurrencyToken:
		native, err := s.quotes.Quote(ctx, pricing.AssetSOL)
		if err != nil {
			return PurchaseQuote{}, err
		}
		token, err := s.quotes.Quote(ctx, pricing.AssetUSDC)
		if err != nil {
			return PurchaseQuote{}, err
		}
		if q.UnitPrice, err = pricing.Convert(nativeUnit, native, token); err != nil {
			return PurchaseQuote{}, err
		}
		total, err := pricing.Convert(nativeTotal, native, token)
		if err != nil {
			return PurchaseQuote{}, err
		}
		q.TotalCost = total.Round(int32(s.cfg.Sale.PaymentDecimals))

	default:
		return PurchaseQuote{}, fmt.Errorf("%w: pay_currency must be %s or %s", ErrInvalidRequest, transfer.CurrencyNative, transfer.CurrencyToken)
	}

	return q, nil
}

// Purchase runs the full pipeline for req.
func (s *Service) Purchase(ctx context.Context, req PurchaseRequest) (*Purchase, error) {
	if !req.PayCurrency.Valid() {
		return nil, fmt.Errorf("%w: pay_currency must be %s or %s", ErrInvalidRequest, transfer.CurrencyNative, transfer.CurrencyToken)
	}
	if _, err := solana.PublicKeyFromBase58(req.Buyer); err != nil {
		return nil, fmt.Errorf("%w: buyer_account is not a valid account", ErrInvalidRequest)
	}

	// Stage first so an inactive sale is reported before anything else.
	res := sale.Resolve(s.now(), s.cfg.Sale)
	if !res.Stage.Active() {
		return nil, fmt.Errorf("%w: stage is %s", sale.ErrSaleNotActive, res.Stage)
	}
	if !s.eligible(req.Buyer, res.Stage) {
		return nil, fmt.Errorf("%w: %s", ErrNotEligible, res.Stage)
	}
	if err := s.ledger.Validate(req.Units); err != nil {
		return nil, err
	}

	quote, err := s.price(ctx, req, res)
	if err != nil {
		s.logger.Warn("purchase quote failed",
			zap.String("buyer", req.Buyer),
			zap.String("pay_currency", string(req.PayCurrency)),
			zap.Error(err),
		)
		return nil, err
	}

	r, err := s.ledger.Reserve(ctx, ledger.ReserveRequest{
		Units:      quote.Units,
		Allocation: res.Allocation,
		Buyer:      req.Buyer,
		Stage:      string(quote.Stage),
	})
	if err != nil {
		return nil, err
	}

	p, err := s.complete(ctx, req, quote, r)
	if err != nil {
		s.release(ctx, r.ID, err)
		return nil, err
	}
	return p, nil
}

// complete turns a reservation into a recorded purchase. The caller releases
// the reservation if it fails.
func (s *Service) complete(ctx context.Context, req PurchaseRequest, quote PurchaseQuote, r ledger.Reservation) (*Purchase, error) {
	t, err := s.builder.Build(ctx, transfer.BuildRequest{
		Buyer:     req.Buyer,
		Currency:  req.PayCurrency,
		TotalCost: quote.TotalCost,
		Receiver:  s.cfg.Sale.ReceivingAccount,
	})
	if err != nil {
		return nil, err
	}

	var signed string
	if s.signer != nil {
		if err := s.builder.CheckFresh(ctx, t); err != nil {
			return nil, err
		}
		if signed, err = s.signer.Sign(ctx, t.Payload, s.cfg.KeyID); err != nil {
			return nil, err
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("purchase abandoned: %w", err)
	}

	now := s.now()
	p := &Purchase{
		ID:               r.ID,
		Buyer:            req.Buyer,
		Units:            quote.Units,
		PayCurrency:      req.PayCurrency,
		UnitPrice:        quote.UnitPrice,
		TotalCost:        quote.TotalCost,
		Stage:            quote.Stage,
		Status:           StatusPending,
		UnsignedTransfer: t.Payload,
		SignedTransfer:   signed,
		ExpiryHeight:     t.ExpiryHeight,
		CreatesAccount:   t.CreatesAccount,
		ExpiresAt:        r.ExpiresAt,
		CreatedAt:        now,
		UpdatedAt:        now,
		Version:          1,
	}

	if err := s.storage.Set(p); err != nil {
		s.logger.Error("failed to save purchase", zap.String("purchase_id", p.ID), zap.Error(err))
		return nil, fmt.Errorf("failed to save purchase: %w", err)
	}

	if s.cfg.CommitOn == CommitOnBuild {
		if _, err := s.ledger.Commit(ctx, r.ID); err != nil {
			return nil, err
		}
		p.Status = StatusCommitted
		p.Version++
		s.deliver(ctx, p)
		if err := s.storage.Set(p); err != nil {
			// The units are sold either way; only the record lags behind.
			s.logger.Error("failed to update purchase", zap.String("purchase_id", p.ID), zap.Error(err))
		}
	}

	s.logger.Info("purchase prepared",
		zap.String("purchase_id", p.ID),
		zap.String("buyer", p.Buyer),
		zap.Uint64("units", p.Units),
		zap.String("stage", string(p.Stage)),
		zap.String("pay_currency", string(p.PayCurrency)),
		zap.String("total_cost", p.TotalCost.String()),
		zap.String("status", string(p.Status)),
	)
	return p, nil
}

// release gives a failed purchase's units back. It runs even when ctx was
// cancelled.
func (s *Service) release(ctx context.Context, id string, cause error) {
	ctx = context.WithoutCancel(ctx)
	if _, err := s.ledger.Release(ctx, id); err != nil {
		// Not found means the reservation was already settled, possibly by a
		// commit whose reply never arrived. The record is left as it is.
		s.logger.Error("failed to release reservation",
			zap.String("reservation_id", id),
			zap.NamedError("cause", cause),
			zap.Error(err),
		)
		return
	}
	s.markReleased(id)

	s.logger.Warn("purchase failed, reservation released",
		zap.String("reservation_id", id),
		zap.Error(cause),
	)
}

// Settle applies the outcome observed for a pending purchase: committed once
// its transfer landed, released once it can no longer land.
func (s *Service) Settle(ctx context.Context, id string, status Status) (*Purchase, error) {
	if status != StatusCommitted && status != StatusReleased {
		return nil, fmt.Errorf("%w: '%s'", ErrInvalidStatus, status)
	}

	p, err := s.storage.Read(id)
	if errors.Is(err, ErrNotFound) {
		return s.settleUnrecorded(ctx, id, status)
	}
	if err != nil {
		return nil, err
	}
	if p.Status != StatusPending {
		return nil, fmt.Errorf("%w: purchase is %s", ErrInvalidTransition, p.Status)
	}

	if _, err := s.settleReservation(ctx, id, status); err != nil {
		if errors.Is(err, ledger.ErrReservationNotFound) {
			return nil, fmt.Errorf("%w: reservation is no longer pending", ErrInvalidTransition)
		}
		return nil, err
	}

	p.Status = status
	p.UpdatedAt = s.now()
	p.Version++
	if status == StatusCommitted {
		s.deliver(ctx, p)
	}
	if err := s.storage.Set(p); err != nil {
		s.logger.Error("failed to update purchase", zap.String("purchase_id", id), zap.Error(err))
		return nil, err
	}

	s.logger.Info("purchase settled", zap.String("purchase_id", id), zap.String("status", string(status)))
	return p, nil
}

// settleUnrecorded settles a reservation this process holds no record of,
// one made by another instance or before a restart. The record is rebuilt
// from the ledger.
func (s *Service) settleUnrecorded(ctx context.Context, id string, status Status) (*Purchase, error) {
	r, err := s.settleReservation(ctx, id, status)
	if errors.Is(err, ledger.ErrReservationNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	p := &Purchase{
		ID:        r.ID,
		Buyer:     r.Buyer,
		Units:     r.Units,
		Stage:     sale.Stage(r.Stage),
		Status:    status,
		ExpiresAt: r.ExpiresAt,
		CreatedAt: r.CreatedAt,
		UpdatedAt: s.now(),
		Version:   1,
	}
	if status == StatusCommitted {
		s.deliver(ctx, p)
	}
	if err := s.storage.Set(p); err != nil {
		// The ledger is settled; only the local record is missing.
		s.logger.Error("failed to save purchase", zap.String("purchase_id", id), zap.Error(err))
	}

	s.logger.Info("purchase settled from ledger", zap.String("purchase_id", id), zap.String("status", string(status)))
	return p, nil
}

// settleReservation commits or releases the reservation behind a purchase.
// An expired reservation is reported as ErrInvalidTransition.
func (s *Service) settleReservation(ctx context.Context, id string, status Status) (ledger.Reservation, error) {
	var (
		r   ledger.Reservation
		err error
	)
	if status == StatusCommitted {
		r, err = s.ledger.Commit(ctx, id)
	} else {
		r, err = s.ledger.Release(ctx, id)
	}
	if errors.Is(err, ledger.ErrReservationExpired) {
		return r, fmt.Errorf("%w: reservation expired", ErrInvalidTransition)
	}
	return r, err
}

// deliver attaches the sale-token delivery transfer to a committed purchase.
// A failure is logged and leaves the delivery fields empty; the units stay
// sold either way.
func (s *Service) deliver(ctx context.Context, p *Purchase) {
	if s.delivery == nil {
		return
	}

	t, err := s.delivery.BuildDelivery(ctx, transfer.DeliveryRequest{Buyer: p.Buyer, Units: p.Units})
	var signed string
	if err == nil && s.signer != nil {
		signed, err = s.signer.Sign(ctx, t.Payload, s.cfg.DeliveryKeyID)
	}
	if err != nil {
		s.logger.Error("failed to prepare token delivery",
			zap.String("purchase_id", p.ID),
			zap.String("buyer", p.Buyer),
			zap.Uint64("units", p.Units),
			zap.Error(err),
		)
		return
	}

	p.DeliveryTransfer = t.Payload
	p.SignedDelivery = signed
}

func (s *Service) onReservationExpired(r ledger.Reservation) {
	if s.markReleased(r.ID) {
		s.logger.Info("purchase expired", zap.String("purchase_id", r.ID), zap.String("buyer", r.Buyer))
	}
}

func (s *Service) markReleased(id string) bool {
	p, err := s.storage.Read(id)
	if err != nil || p.Status != StatusPending {
		return false
	}
	p.Status = StatusReleased
	p.UpdatedAt = s.now()
	p.Version++
	if err := s.storage.Set(p); err != nil {
		s.logger.Error("failed to update purchase", zap.String("purchase_id", id), zap.Error(err))
		return false
	}
	return true
}

// SearchPurchases filters purchases by buyer and status; empty filters match
// everything. Results are ordered by creation time.
func (s *Service) SearchPurchases(buyer string, status Status) ([]*Purchase, PurchasesMetadata, error) {
	switch status {
	case "", StatusPending, StatusCommitted, StatusReleased:
	default:
		s.logger.Warn("invalid status filter provided", zap.String("status_filter", string(status)))
		return nil, PurchasesMetadata{}, fmt.Errorf("%w: '%s'", ErrInvalidStatus, status)
	}

	all, err := s.storage.GetAll()
	if err != nil {
		s.logger.Error("failed to get purchases from storage", zap.Error(err))
		return nil, PurchasesMetadata{}, fmt.Errorf("failed to retrieve purchases: %w", err)
	}

	found := make([]*Purchase, 0)
	var md PurchasesMetadata
	for _, p := range all {
		if buyer != "" && p.Buyer != buyer {
			continue
		}
		if status != "" && p.Status != status {
			continue
		}

		found = append(found, p)
		md.Quantity++
		switch p.Status {
		case StatusPending:
			md.Pending++
			md.PendingUnits += p.Units
		case StatusCommitted:
			md.Committed++
			md.CommittedUnits += p.Units
		case StatusReleased:
			md.Released++
		}
	}

	sort.Slice(found, func(i, j int) bool {
		if found[i].CreatedAt.Equal(found[j].CreatedAt) {
			return found[i].ID < found[j].ID
		}
		return found[i].CreatedAt.Before(found[j].CreatedAt)
	})

	s.logger.Debug("purchase search completed",
		zap.String("buyer_filter", buyer),
		zap.String("status_filter", string(status)),
		zap.Int("results_count", len(found)),
	)
	return found, md, nil
}

// SaleInfo summarizes the sale at the current instant.
func (s *Service) SaleInfo(ctx context.Context) (SaleInfo, error) {
	cfg := s.cfg.Sale
	now := s.now()
	res := sale.Resolve(now, cfg)

	totals, err := s.ledger.Totals(ctx)
	if err != nil {
		return SaleInfo{}, fmt.Errorf("read ledger totals: %w", err)
	}

	info := SaleInfo{
		Stage:            res.Stage,
		UnitPrice:        res.UnitPrice,
		TotalSupply:      cfg.TotalSupply,
		Allocation:       res.Allocation,
		Sold:             totals.Sold,
		Reserved:         totals.Reserved,
		MinPurchase:      cfg.MinPurchase,
		MaxPurchase:      cfg.MaxPurchase,
		SoftCap:          cfg.SoftCap,
		HardCap:          cfg.HardCap,
		StartDate:        cfg.StartDate,
		PublicStageDate:  cfg.PublicStageDate,
		EndDate:          cfg.EndDate,
		SecondsUntilNext: int64(res.TimeUntilNext(now) / time.Second),
		AsOf:             now,
	}
	if res.Stage.Active() && res.Allocation > totals.Outstanding() {
		info.Remaining = res.Allocation - totals.Outstanding()
	}
	if cfg.TotalSaleAllocation > 0 {
		pct := unitsDecimal(totals.Sold).
			Div(unitsDecimal(cfg.TotalSaleAllocation)).
			Mul(decimal.NewFromInt(100)).
			Round(2)
		info.Progress = pct.InexactFloat64()
	}

	s.fillUSD(ctx, &info, res)
	return info, nil
}

// fillUSD adds the quote-dependent figures. Missing quotes leave them unset.
func (s *Service) fillUSD(ctx context.Context, info *SaleInfo, res sale.Resolution) {
	native, err := s.quotes.Quote(ctx, pricing.AssetSOL)
	if err != nil {
		s.logger.Debug("sale info without usd figures", zap.Error(err))
		return
	}

	if raised, err := s.raisedNative(ctx); err != nil {
		s.logger.Debug("sale info without raised figure", zap.Error(err))
	} else if usd, err := pricing.ToUSD(raised, native); err == nil {
		usd = usd.Round(2)
		info.RaisedUSD = &usd
	}

	token, err := s.quotes.Quote(ctx, pricing.AssetUSDC)
	if err != nil {
		return
	}
	if price, err := pricing.Convert(res.UnitPrice, native, token); err == nil {
		price = price.Round(int32(s.cfg.Sale.PaymentDecimals))
		info.UnitPriceToken = &price
	}
}

// raisedNative prices the units sold in each stage at that stage's price.
func (s *Service) raisedNative(ctx context.Context) (decimal.Decimal, error) {
	byStage, err := s.ledger.SoldByStage(ctx)
	if err != nil {
		return decimal.Zero, err
	}

	raised := decimal.Zero
	for stage, units := range byStage {
		price, ok := s.cfg.Sale.StagePrice(sale.Stage(stage))
		if !ok {
			s.logger.Warn("sold units under unknown stage", zap.String("stage", stage), zap.Uint64("units", units))
			continue
		}
		raised = raised.Add(price.Mul(unitsDecimal(units)))
	}
	return raised, nil
}

func unitsDecimal(u uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(u), 0)
}
