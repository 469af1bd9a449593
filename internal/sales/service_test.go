package sales

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"api_tokensale/internal/ledger"
	"api_tokensale/internal/pricing"
	"api_tokensale/internal/sale"
	"api_tokensale/internal/transfer"
)

var (
	preSaleNow    = time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)
	publicSaleNow = time.Date(2025, 2, 15, 12, 0, 0, 0, time.UTC)
)

func testSaleConfig() sale.Config {
	return sale.Config{
		StartDate:            time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		PublicStageDate:      time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC),
		EndDate:              time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
		TotalSupply:          10_000_000_000,
		PreSaleAllocation:    3_500_000_000,
		PublicSaleAllocation: 3_500_000_000,
		TotalSaleAllocation:  7_000_000_000,
		PreSalePrice:         decimal.RequireFromString("0.000035"),
		PublicSalePrice:      decimal.RequireFromString("0.00005"),
		MinPurchase:          10_000,
		MaxPurchase:          1_000_000_000,
		SoftCap:              decimal.NewFromInt(250_000),
		HardCap:              decimal.NewFromInt(1_000_000),
		TokenMint:            solana.NewWallet().PublicKey().String(),
		TokenDecimals:        9,
		PaymentMint:          "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
		PaymentDecimals:      6,
		ReceivingAccount:     solana.NewWallet().PublicKey().String(),
	}
}

// stubQuotes serves fixed prices; a missing asset is unavailable.
type stubQuotes struct {
	prices map[pricing.Asset]string
}

func (q *stubQuotes) Quote(_ context.Context, asset pricing.Asset) (pricing.Quote, error) {
	p, ok := q.prices[asset]
	if !ok {
		return pricing.Quote{}, pricing.ErrPriceUnavailable
	}
	return pricing.Quote{Asset: asset, USDPrice: decimal.RequireFromString(p), AsOf: preSaleNow, Source: "stub"}, nil
}

// stubBuilder records build requests and returns canned transfers.
type stubBuilder struct {
	mu       sync.Mutex
	requests []transfer.BuildRequest
	buildErr error
	freshErr error
	onBuild  func()
}

func (b *stubBuilder) Build(_ context.Context, req transfer.BuildRequest) (*transfer.UnsignedTransfer, error) {
	b.mu.Lock()
	b.requests = append(b.requests, req)
	b.mu.Unlock()
	if b.onBuild != nil {
		b.onBuild()
	}
	if b.buildErr != nil {
		return nil, b.buildErr
	}
	return &transfer.UnsignedTransfer{ExpiryHeight: 1_000_150, Payload: "AQAAAA=="}, nil
}

func (b *stubBuilder) CheckFresh(context.Context, *transfer.UnsignedTransfer) error {
	return b.freshErr
}

func (b *stubBuilder) lastRequest(t *testing.T) transfer.BuildRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	require.NotEmpty(t, b.requests)
	return b.requests[len(b.requests)-1]
}

// stubDelivery returns canned delivery transfers.
type stubDelivery struct {
	err      error
	requests []transfer.DeliveryRequest
}

func (d *stubDelivery) BuildDelivery(_ context.Context, req transfer.DeliveryRequest) (*transfer.UnsignedTransfer, error) {
	d.requests = append(d.requests, req)
	if d.err != nil {
		return nil, d.err
	}
	return &transfer.UnsignedTransfer{ExpiryHeight: 1_000_150, Payload: "AgAAAA=="}, nil
}

type stubSigner struct {
	err   error
	calls int
}

func (s *stubSigner) Sign(_ context.Context, payload, keyID string) (string, error) {
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return "signed(" + keyID + "):" + payload, nil
}

type fixture struct {
	svc     *Service
	ledger  *ledger.Ledger
	storage *LocalStorage
	builder *stubBuilder
	quotes  *stubQuotes
	now     time.Time
}

func newFixture(t *testing.T, policy CommitPolicy, opts ...Option) *fixture {
	t.Helper()
	cfg := testSaleConfig()
	f := &fixture{
		storage: NewLocalStorage(),
		builder: &stubBuilder{},
		quotes:  &stubQuotes{prices: map[pricing.Asset]string{pricing.AssetSOL: "200", pricing.AssetUSDC: "1"}},
		now:     preSaleNow,
	}
	f.ledger = ledger.New(ledger.Config{
		MinPurchase:    cfg.MinPurchase,
		MaxPurchase:    cfg.MaxPurchase,
		ReservationTTL: 5 * time.Minute,
	}, ledger.NewMemoryStore(), zaptest.NewLogger(t))

	opts = append([]Option{WithClock(func() time.Time { return f.now })}, opts...)
	f.svc = NewService(Config{Sale: cfg, CommitOn: policy, KeyID: "treasury", DeliveryKeyID: "mint-authority"},
		f.storage, f.ledger, f.quotes, f.builder, zaptest.NewLogger(t), opts...)
	return f
}

func (f *fixture) totals(t *testing.T) ledger.Totals {
	t.Helper()
	totals, err := f.ledger.Totals(context.Background())
	require.NoError(t, err)
	return totals
}

func buyer() string {
	return solana.NewWallet().PublicKey().String()
}

func TestPurchase_PreSaleNative(t *testing.T) {
	f := newFixture(t, CommitOnBuild)

	p, err := f.svc.Purchase(context.Background(), PurchaseRequest{Units: 10_000, PayCurrency: transfer.CurrencyNative, Buyer: buyer()})
	require.NoError(t, err)

	assert.Equal(t, "0.35", p.TotalCost.String())
	assert.Equal(t, "0.000035", p.UnitPrice.String())
	assert.Equal(t, sale.StagePreSale, p.Stage)
	assert.Equal(t, StatusCommitted, p.Status)
	assert.Equal(t, "AQAAAA==", p.UnsignedTransfer)
	assert.Equal(t, uint64(1_000_150), p.ExpiryHeight)
	assert.Empty(t, p.SignedTransfer)

	req := f.builder.lastRequest(t)
	assert.True(t, req.TotalCost.Equal(decimal.RequireFromString("0.35")), "cost passed forward unchanged")
	assert.Equal(t, f.svc.cfg.Sale.ReceivingAccount, req.Receiver)

	assert.Equal(t, ledger.Totals{Sold: 10_000}, f.totals(t))

	stored, err := f.storage.Read(p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCommitted, stored.Status)
}

func TestPurchase_NativeNeedsNoQuote(t *testing.T) {
	f := newFixture(t, CommitOnBuild)
	f.quotes.prices = nil

	_, err := f.svc.Purchase(context.Background(), PurchaseRequest{Units: 10_000, PayCurrency: transfer.CurrencyNative, Buyer: buyer()})
	assert.NoError(t, err)
}

func TestPurchase_Token(t *testing.T) {
	f := newFixture(t, CommitOnBuild)
	f.now = publicSaleNow

	p, err := f.svc.Purchase(context.Background(), PurchaseRequest{Units: 20_000, PayCurrency: transfer.CurrencyToken, Buyer: buyer()})
	require.NoError(t, err)

	// 20 000 * 0.00005 SOL = 1 SOL = 200 USDC.
	assert.True(t, p.TotalCost.Equal(decimal.NewFromInt(200)), "got %s", p.TotalCost)
	assert.True(t, p.UnitPrice.Equal(decimal.RequireFromString("0.01")), "got %s", p.UnitPrice)
	assert.Equal(t, sale.StagePublicSale, p.Stage)
	assert.Equal(t, transfer.CurrencyToken, f.builder.lastRequest(t).Currency)
}

func TestPurchase_TokenPriceUnavailable(t *testing.T) {
	f := newFixture(t, CommitOnBuild)
	delete(f.quotes.prices, pricing.AssetUSDC)

	_, err := f.svc.Purchase(context.Background(), PurchaseRequest{Units: 10_000, PayCurrency: transfer.CurrencyToken, Buyer: buyer()})
	assert.ErrorIs(t, err, pricing.ErrPriceUnavailable)
	assert.Equal(t, ledger.Totals{}, f.totals(t), "nothing reserved before pricing")
	assert.Empty(t, f.builder.requests)
}

func TestPurchase_TokenZeroPrice(t *testing.T) {
	f := newFixture(t, CommitOnBuild)
	f.quotes.prices[pricing.AssetUSDC] = "0"

	_, err := f.svc.Purchase(context.Background(), PurchaseRequest{Units: 10_000, PayCurrency: transfer.CurrencyToken, Buyer: buyer()})
	assert.ErrorIs(t, err, pricing.ErrInvalidPrice)
}

func TestPurchase_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		now     time.Time
		req     PurchaseRequest
		wantErr error
	}{
		{"before start", time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC), PurchaseRequest{Units: 10_000, PayCurrency: transfer.CurrencyNative, Buyer: buyer()}, sale.ErrSaleNotActive},
		{"after end", time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), PurchaseRequest{Units: 10_000, PayCurrency: transfer.CurrencyNative, Buyer: buyer()}, sale.ErrSaleNotActive},
		{"below minimum", preSaleNow, PurchaseRequest{Units: 9_999, PayCurrency: transfer.CurrencyNative, Buyer: buyer()}, ledger.ErrBelowMinimum},
		{"above maximum", preSaleNow, PurchaseRequest{Units: 1_000_000_001, PayCurrency: transfer.CurrencyNative, Buyer: buyer()}, ledger.ErrAboveMaximum},
		{"unknown currency", preSaleNow, PurchaseRequest{Units: 10_000, PayCurrency: "Gold", Buyer: buyer()}, ErrInvalidRequest},
		{"bad buyer", preSaleNow, PurchaseRequest{Units: 10_000, PayCurrency: transfer.CurrencyNative, Buyer: "not-an-account"}, ErrInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, CommitOnBuild)
			f.now = tt.now

			p, err := f.svc.Purchase(context.Background(), tt.req)
			assert.Nil(t, p)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, ledger.Totals{}, f.totals(t))
		})
	}
}

func TestPurchase_InsufficientSupply(t *testing.T) {
	f := newFixture(t, CommitOnBuild)

	_, err := f.svc.Purchase(context.Background(), PurchaseRequest{Units: 1_000_000_000, PayCurrency: transfer.CurrencyNative, Buyer: buyer()})
	require.NoError(t, err)
	_, err = f.svc.Purchase(context.Background(), PurchaseRequest{Units: 1_000_000_000, PayCurrency: transfer.CurrencyNative, Buyer: buyer()})
	require.NoError(t, err)
	_, err = f.svc.Purchase(context.Background(), PurchaseRequest{Units: 1_000_000_000, PayCurrency: transfer.CurrencyNative, Buyer: buyer()})
	require.NoError(t, err)

	// 500 000 000 left in the pre-sale allocation.
	_, err = f.svc.Purchase(context.Background(), PurchaseRequest{Units: 600_000_000, PayCurrency: transfer.CurrencyNative, Buyer: buyer()})
	assert.ErrorIs(t, err, ledger.ErrInsufficientSupply)

	// The public sale draws on the cumulative allocation.
	f.now = publicSaleNow
	_, err = f.svc.Purchase(context.Background(), PurchaseRequest{Units: 600_000_000, PayCurrency: transfer.CurrencyNative, Buyer: buyer()})
	assert.NoError(t, err)
}

func TestPurchase_FailureAfterReserveReleases(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(f *fixture) []Option
		wantErr error
	}{
		{
			name: "build fails",
			setup: func(f *fixture) []Option {
				f.builder.buildErr = transfer.ErrConstructionFailed
				return nil
			},
			wantErr: transfer.ErrConstructionFailed,
		},
		{
			name: "amount too small",
			setup: func(f *fixture) []Option {
				f.builder.buildErr = transfer.ErrAmountTooSmall
				return nil
			},
			wantErr: transfer.ErrAmountTooSmall,
		},
		{
			name: "transfer expired before signing",
			setup: func(f *fixture) []Option {
				f.builder.freshErr = transfer.ErrTransferExpired
				return []Option{WithSigner(&stubSigner{})}
			},
			wantErr: transfer.ErrTransferExpired,
		},
		{
			name: "signer unavailable",
			setup: func(f *fixture) []Option {
				return []Option{WithSigner(&stubSigner{err: errors.New("signing gateway unavailable")})}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, CommitOnBuild)
			for _, opt := range tt.setup(f) {
				opt(f.svc)
			}

			p, err := f.svc.Purchase(context.Background(), PurchaseRequest{Units: 10_000, PayCurrency: transfer.CurrencyNative, Buyer: buyer()})
			require.Error(t, err)
			assert.Nil(t, p)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}

			assert.Equal(t, ledger.Totals{}, f.totals(t), "reservation released")
			all, err := f.storage.GetAll()
			require.NoError(t, err)
			assert.Empty(t, all)
		})
	}
}

func TestPurchase_CancelledContextReleases(t *testing.T) {
	f := newFixture(t, CommitOnBuild)
	ctx, cancel := context.WithCancel(context.Background())
	f.builder.onBuild = cancel

	_, err := f.svc.Purchase(ctx, PurchaseRequest{Units: 10_000, PayCurrency: transfer.CurrencyNative, Buyer: buyer()})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, ledger.Totals{}, f.totals(t))
}

func TestPurchase_Signed(t *testing.T) {
	signer := &stubSigner{}
	f := newFixture(t, CommitOnBuild, WithSigner(signer))

	p, err := f.svc.Purchase(context.Background(), PurchaseRequest{Units: 10_000, PayCurrency: transfer.CurrencyNative, Buyer: buyer()})
	require.NoError(t, err)
	assert.Equal(t, "signed(treasury):AQAAAA==", p.SignedTransfer)
	assert.Equal(t, 1, signer.calls)
}

func TestPurchase_Eligibility(t *testing.T) {
	allowed := buyer()
	f := newFixture(t, CommitOnBuild, WithEligibility(AllowlistPolicy([]string{allowed})))

	_, err := f.svc.Purchase(context.Background(), PurchaseRequest{Units: 10_000, PayCurrency: transfer.CurrencyNative, Buyer: buyer()})
	assert.ErrorIs(t, err, ErrNotEligible)

	_, err = f.svc.Purchase(context.Background(), PurchaseRequest{Units: 10_000, PayCurrency: transfer.CurrencyNative, Buyer: allowed})
	assert.NoError(t, err)

	f.now = publicSaleNow
	_, err = f.svc.Purchase(context.Background(), PurchaseRequest{Units: 10_000, PayCurrency: transfer.CurrencyNative, Buyer: buyer()})
	assert.NoError(t, err, "public sale is open to everyone")
}

func TestAllowlistPolicy(t *testing.T) {
	listed := buyer()
	restricted := AllowlistPolicy([]string{listed})
	open := AllowlistPolicy(nil)

	tests := []struct {
		name   string
		policy EligibilityFunc
		buyer  string
		stage  sale.Stage
		want   bool
	}{
		{"listed in pre-sale", restricted, listed, sale.StagePreSale, true},
		{"unlisted in pre-sale", restricted, "someone", sale.StagePreSale, false},
		{"unlisted in public sale", restricted, "someone", sale.StagePublicSale, true},
		{"empty list opens pre-sale", open, "someone", sale.StagePreSale, true},
		{"not started", open, listed, sale.StageNotStarted, false},
		{"ended", restricted, listed, sale.StageEnded, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.policy(tt.buyer, tt.stage))
		})
	}
}

func TestSettle_CommitOnConfirmation(t *testing.T) {
	f := newFixture(t, CommitOnConfirmation)
	ctx := context.Background()

	p, err := f.svc.Purchase(ctx, PurchaseRequest{Units: 10_000, PayCurrency: transfer.CurrencyNative, Buyer: buyer()})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, p.Status)
	assert.Equal(t, ledger.Totals{Reserved: 10_000}, f.totals(t), "sold only moves on commit")

	settled, err := f.svc.Settle(ctx, p.ID, StatusCommitted)
	require.NoError(t, err)
	assert.Equal(t, StatusCommitted, settled.Status)
	assert.Equal(t, 2, settled.Version)
	assert.Equal(t, ledger.Totals{Sold: 10_000}, f.totals(t))

	_, err = f.svc.Settle(ctx, p.ID, StatusReleased)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestSettle_Release(t *testing.T) {
	f := newFixture(t, CommitOnConfirmation)
	ctx := context.Background()

	p, err := f.svc.Purchase(ctx, PurchaseRequest{Units: 50_000, PayCurrency: transfer.CurrencyNative, Buyer: buyer()})
	require.NoError(t, err)

	settled, err := f.svc.Settle(ctx, p.ID, StatusReleased)
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, settled.Status)
	assert.Equal(t, ledger.Totals{}, f.totals(t))
}

func TestSettle_Errors(t *testing.T) {
	f := newFixture(t, CommitOnConfirmation)
	ctx := context.Background()

	_, err := f.svc.Settle(ctx, "missing", StatusCommitted)
	assert.ErrorIs(t, err, ErrNotFound)

	p, err := f.svc.Purchase(ctx, PurchaseRequest{Units: 10_000, PayCurrency: transfer.CurrencyNative, Buyer: buyer()})
	require.NoError(t, err)

	_, err = f.svc.Settle(ctx, p.ID, StatusPending)
	assert.ErrorIs(t, err, ErrInvalidStatus)
	_, err = f.svc.Settle(ctx, p.ID, "approved")
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestExpiredReservationReleasesPurchase(t *testing.T) {
	cfg := testSaleConfig()
	l := ledger.New(ledger.Config{
		MinPurchase:    cfg.MinPurchase,
		MaxPurchase:    cfg.MaxPurchase,
		ReservationTTL: time.Millisecond,
	}, ledger.NewMemoryStore(), zaptest.NewLogger(t))
	storage := NewLocalStorage()
	svc := NewService(Config{Sale: cfg, CommitOn: CommitOnConfirmation}, storage, l,
		&stubQuotes{}, &stubBuilder{}, zaptest.NewLogger(t),
		WithClock(func() time.Time { return preSaleNow }))
	ctx := context.Background()

	p, err := svc.Purchase(ctx, PurchaseRequest{Units: 10_000, PayCurrency: transfer.CurrencyNative, Buyer: buyer()})
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	n, err := l.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := storage.Read(p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, stored.Status)

	_, err = svc.Settle(ctx, p.ID, StatusCommitted)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestSearchPurchases(t *testing.T) {
	f := newFixture(t, CommitOnConfirmation)
	ctx := context.Background()
	alice, bob := buyer(), buyer()

	first, err := f.svc.Purchase(ctx, PurchaseRequest{Units: 10_000, PayCurrency: transfer.CurrencyNative, Buyer: alice})
	require.NoError(t, err)
	f.now = f.now.Add(time.Second)
	second, err := f.svc.Purchase(ctx, PurchaseRequest{Units: 20_000, PayCurrency: transfer.CurrencyNative, Buyer: alice})
	require.NoError(t, err)
	f.now = f.now.Add(time.Second)
	_, err = f.svc.Purchase(ctx, PurchaseRequest{Units: 30_000, PayCurrency: transfer.CurrencyNative, Buyer: bob})
	require.NoError(t, err)

	_, err = f.svc.Settle(ctx, first.ID, StatusCommitted)
	require.NoError(t, err)

	found, md, err := f.svc.SearchPurchases(alice, "")
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, first.ID, found[0].ID)
	assert.Equal(t, second.ID, found[1].ID)
	assert.Equal(t, PurchasesMetadata{
		Quantity:       2,
		Pending:        1,
		Committed:      1,
		CommittedUnits: 10_000,
		PendingUnits:   20_000,
	}, md)

	found, md, err = f.svc.SearchPurchases("", StatusPending)
	require.NoError(t, err)
	assert.Len(t, found, 2)
	assert.Equal(t, 2, md.Pending)

	_, _, err = f.svc.SearchPurchases("", "approved")
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestSaleInfo(t *testing.T) {
	f := newFixture(t, CommitOnBuild)
	ctx := context.Background()

	_, err := f.svc.Purchase(ctx, PurchaseRequest{Units: 70_000_000, PayCurrency: transfer.CurrencyNative, Buyer: buyer()})
	require.NoError(t, err)

	info, err := f.svc.SaleInfo(ctx)
	require.NoError(t, err)

	assert.Equal(t, sale.StagePreSale, info.Stage)
	assert.Equal(t, uint64(3_500_000_000), info.Allocation)
	assert.Equal(t, uint64(70_000_000), info.Sold)
	assert.Equal(t, uint64(3_430_000_000), info.Remaining)
	assert.Equal(t, 1.0, info.Progress)
	assert.Equal(t, int64((17*24*time.Hour-12*time.Hour)/time.Second), info.SecondsUntilNext)

	// 70 000 000 * 0.000035 SOL = 2450 SOL at 200 USD.
	require.NotNil(t, info.RaisedUSD)
	assert.Equal(t, "490000", info.RaisedUSD.String())
	require.NotNil(t, info.UnitPriceToken)
	assert.Equal(t, "0.007", info.UnitPriceToken.String())
}

func TestSaleInfo_RaisedKeepsStagePrices(t *testing.T) {
	f := newFixture(t, CommitOnBuild)
	ctx := context.Background()

	_, err := f.svc.Purchase(ctx, PurchaseRequest{Units: 70_000_000, PayCurrency: transfer.CurrencyNative, Buyer: buyer()})
	require.NoError(t, err)

	// Entering the public sale must not reprice what the pre-sale sold.
	f.now = publicSaleNow
	info, err := f.svc.SaleInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, sale.StagePublicSale, info.Stage)
	require.NotNil(t, info.RaisedUSD)
	assert.Equal(t, "490000", info.RaisedUSD.String())

	// 1 000 000 * 0.00005 SOL = 50 SOL at 200 USD.
	_, err = f.svc.Purchase(ctx, PurchaseRequest{Units: 1_000_000, PayCurrency: transfer.CurrencyNative, Buyer: buyer()})
	require.NoError(t, err)

	info, err = f.svc.SaleInfo(ctx)
	require.NoError(t, err)
	require.NotNil(t, info.RaisedUSD)
	assert.Equal(t, "500000", info.RaisedUSD.String())
	assert.Equal(t, uint64(71_000_000), info.Sold)
}

func TestSaleInfo_WithoutQuotes(t *testing.T) {
	f := newFixture(t, CommitOnBuild)
	f.quotes.prices = nil
	f.now = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	info, err := f.svc.SaleInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, sale.StageEnded, info.Stage)
	assert.Zero(t, info.Remaining)
	assert.Zero(t, info.SecondsUntilNext)
	assert.Nil(t, info.RaisedUSD)
	assert.Nil(t, info.UnitPriceToken)
}

func TestSettle_FromAnotherInstance(t *testing.T) {
	cfg := testSaleConfig()
	store := ledger.NewMemoryStore()
	newInstance := func() (*Service, *ledger.Ledger, *LocalStorage) {
		l := ledger.New(ledger.Config{
			MinPurchase:    cfg.MinPurchase,
			MaxPurchase:    cfg.MaxPurchase,
			ReservationTTL: 5 * time.Minute,
		}, store, zaptest.NewLogger(t))
		storage := NewLocalStorage()
		svc := NewService(Config{Sale: cfg, CommitOn: CommitOnConfirmation}, storage, l,
			&stubQuotes{}, &stubBuilder{}, zaptest.NewLogger(t),
			WithClock(func() time.Time { return preSaleNow }))
		return svc, l, storage
	}
	a, _, _ := newInstance()
	b, lb, storageB := newInstance()
	ctx := context.Background()

	p, err := a.Purchase(ctx, PurchaseRequest{Units: 10_000, PayCurrency: transfer.CurrencyNative, Buyer: buyer()})
	require.NoError(t, err)

	_, err = storageB.Read(p.ID)
	require.ErrorIs(t, err, ErrNotFound, "instance b never saw the purchase")

	settled, err := b.Settle(ctx, p.ID, StatusCommitted)
	require.NoError(t, err)
	assert.Equal(t, StatusCommitted, settled.Status)
	assert.Equal(t, p.Buyer, settled.Buyer)
	assert.Equal(t, uint64(10_000), settled.Units)
	assert.Equal(t, sale.StagePreSale, settled.Stage)

	stored, err := storageB.Read(p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCommitted, stored.Status)

	totals, err := lb.Totals(ctx)
	require.NoError(t, err)
	assert.Equal(t, ledger.Totals{Sold: 10_000}, totals, "nothing left pending for a sweeper to release")

	_, err = b.Settle(ctx, p.ID, StatusCommitted)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = b.Settle(ctx, "00000000-0000-0000-0000-000000000000", StatusReleased)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSettle_ReleaseFromAnotherInstance(t *testing.T) {
	cfg := testSaleConfig()
	store := ledger.NewMemoryStore()
	newService := func() *Service {
		l := ledger.New(ledger.Config{MinPurchase: cfg.MinPurchase, MaxPurchase: cfg.MaxPurchase}, store, zaptest.NewLogger(t))
		return NewService(Config{Sale: cfg, CommitOn: CommitOnConfirmation}, NewLocalStorage(), l,
			&stubQuotes{}, &stubBuilder{}, zaptest.NewLogger(t),
			WithClock(func() time.Time { return preSaleNow }))
	}
	a, b := newService(), newService()
	ctx := context.Background()

	p, err := a.Purchase(ctx, PurchaseRequest{Units: 30_000, PayCurrency: transfer.CurrencyNative, Buyer: buyer()})
	require.NoError(t, err)

	settled, err := b.Settle(ctx, p.ID, StatusReleased)
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, settled.Status)

	totals, err := store.Totals(ctx)
	require.NoError(t, err)
	assert.Equal(t, ledger.Totals{}, totals)
}

func TestSettle_CommitAfterExpiryBeforeSweep(t *testing.T) {
	cfg := testSaleConfig()
	l := ledger.New(ledger.Config{
		MinPurchase:    cfg.MinPurchase,
		MaxPurchase:    cfg.MaxPurchase,
		ReservationTTL: time.Millisecond,
	}, ledger.NewMemoryStore(), zaptest.NewLogger(t))
	storage := NewLocalStorage()
	svc := NewService(Config{Sale: cfg, CommitOn: CommitOnConfirmation}, storage, l,
		&stubQuotes{}, &stubBuilder{}, zaptest.NewLogger(t),
		WithClock(func() time.Time { return preSaleNow }))
	ctx := context.Background()

	p, err := svc.Purchase(ctx, PurchaseRequest{Units: 10_000, PayCurrency: transfer.CurrencyNative, Buyer: buyer()})
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	_, err = svc.Settle(ctx, p.ID, StatusCommitted)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	stored, err := storage.Read(p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, stored.Status)

	totals, err := l.Totals(ctx)
	require.NoError(t, err)
	assert.Equal(t, ledger.Totals{}, totals)
}

func TestRelease_KeepsRecordWhenAlreadyCommitted(t *testing.T) {
	f := newFixture(t, CommitOnConfirmation)
	ctx := context.Background()

	p, err := f.svc.Purchase(ctx, PurchaseRequest{Units: 10_000, PayCurrency: transfer.CurrencyNative, Buyer: buyer()})
	require.NoError(t, err)

	// The commit landed but its caller gave up and cleans up.
	_, err = f.ledger.Commit(ctx, p.ID)
	require.NoError(t, err)
	f.svc.release(ctx, p.ID, context.Canceled)

	stored, err := f.storage.Read(p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, stored.Status, "never marked released while the ledger counts it sold")
	assert.Equal(t, ledger.Totals{Sold: 10_000}, f.totals(t))
}

func TestPurchase_DeliveryOnCommit(t *testing.T) {
	delivery := &stubDelivery{}
	signer := &stubSigner{}
	f := newFixture(t, CommitOnBuild, WithDelivery(delivery), WithSigner(signer))
	b := buyer()

	p, err := f.svc.Purchase(context.Background(), PurchaseRequest{Units: 10_000, PayCurrency: transfer.CurrencyNative, Buyer: b})
	require.NoError(t, err)

	assert.Equal(t, StatusCommitted, p.Status)
	assert.Equal(t, "AgAAAA==", p.DeliveryTransfer)
	assert.Equal(t, "signed(mint-authority):AgAAAA==", p.SignedDelivery)
	assert.Equal(t, []transfer.DeliveryRequest{{Buyer: b, Units: 10_000}}, delivery.requests)
	assert.Equal(t, 2, signer.calls, "payment and delivery")
}

func TestSettle_DeliveryOnConfirmation(t *testing.T) {
	delivery := &stubDelivery{}
	f := newFixture(t, CommitOnConfirmation, WithDelivery(delivery))
	ctx := context.Background()

	p, err := f.svc.Purchase(ctx, PurchaseRequest{Units: 10_000, PayCurrency: transfer.CurrencyNative, Buyer: buyer()})
	require.NoError(t, err)
	assert.Empty(t, p.DeliveryTransfer, "nothing is delivered before the payment lands")
	assert.Empty(t, delivery.requests)

	settled, err := f.svc.Settle(ctx, p.ID, StatusCommitted)
	require.NoError(t, err)
	assert.Equal(t, "AgAAAA==", settled.DeliveryTransfer)
	assert.Empty(t, settled.SignedDelivery)
}

func TestPurchase_DeliveryFailureKeepsSale(t *testing.T) {
	f := newFixture(t, CommitOnBuild, WithDelivery(&stubDelivery{err: transfer.ErrConstructionFailed}))

	p, err := f.svc.Purchase(context.Background(), PurchaseRequest{Units: 10_000, PayCurrency: transfer.CurrencyNative, Buyer: buyer()})
	require.NoError(t, err)
	assert.Equal(t, StatusCommitted, p.Status)
	assert.Empty(t, p.DeliveryTransfer)
	assert.Equal(t, ledger.Totals{Sold: 10_000}, f.totals(t))
}
