package transfer

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var usdcMint = solana.MustPublicKeyFromBase58("EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v")

// fakeChain is an in-memory ChainClient.
type fakeChain struct {
	mu            sync.Mutex
	checkpoint    Checkpoint
	height        uint64
	existing      map[solana.PublicKey]bool
	checkpointErr error
	accountErr    error
	lookups       int
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		checkpoint: Checkpoint{Blockhash: solana.Hash{1, 2, 3, 4}, LastValidBlockHeight: 1_000_150},
		height:     1_000_000,
		existing:   make(map[solana.PublicKey]bool),
	}
}

func (f *fakeChain) LatestCheckpoint(context.Context) (Checkpoint, error) {
	return f.checkpoint, f.checkpointErr
}

func (f *fakeChain) AccountExists(_ context.Context, account solana.PublicKey) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	return f.existing[account], f.accountErr
}

func (f *fakeChain) BlockHeight(context.Context) (uint64, error) {
	return f.height, nil
}

type parties struct {
	buyer    solana.PublicKey
	receiver solana.PublicKey
}

func newParties() parties {
	return parties{
		buyer:    solana.NewWallet().PublicKey(),
		receiver: solana.NewWallet().PublicKey(),
	}
}

func newTestBuilder(t *testing.T, chain ChainClient) *Builder {
	return NewBuilder(Config{PaymentMint: usdcMint, PaymentDecimals: 6}, chain, zaptest.NewLogger(t))
}

func TestBuild_Native(t *testing.T) {
	chain := newFakeChain()
	p := newParties()

	out, err := newTestBuilder(t, chain).Build(context.Background(), BuildRequest{
		Buyer:     p.buyer.String(),
		Currency:  CurrencyNative,
		TotalCost: decimal.RequireFromString("0.35"),
		Receiver:  p.receiver.String(),
	})
	require.NoError(t, err)

	assert.Equal(t, uint64(350_000_000), out.Amount)
	require.Len(t, out.Instructions, 1)
	assert.Equal(t, solana.SystemProgramID, out.Instructions[0].ProgramID())
	assert.Equal(t, p.buyer, out.FeePayer)
	assert.Equal(t, chain.checkpoint.Blockhash, out.RecentBlockhash)
	assert.Equal(t, chain.checkpoint.LastValidBlockHeight, out.ExpiryHeight)
	assert.False(t, out.CreatesAccount)
	assert.Zero(t, chain.lookups, "native transfers need no account lookups")

	accounts := out.Instructions[0].Accounts()
	require.Len(t, accounts, 2)
	assert.Equal(t, p.buyer, accounts[0].PublicKey)
	assert.True(t, accounts[0].IsSigner)
	assert.Equal(t, p.receiver, accounts[1].PublicKey)
}

func TestBuild_PayloadHasEmptySignatureSlot(t *testing.T) {
	p := newParties()

	out, err := newTestBuilder(t, newFakeChain()).Build(context.Background(), BuildRequest{
		Buyer:     p.buyer.String(),
		Currency:  CurrencyNative,
		TotalCost: decimal.RequireFromString("1.5"),
		Receiver:  p.receiver.String(),
	})
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(out.Payload)
	require.NoError(t, err)
	require.Greater(t, len(raw), 65)
	assert.Equal(t, byte(1), raw[0], "one required signer")
	assert.Equal(t, make([]byte, 64), raw[1:65], "signature slot left empty")
}

func TestBuild_TokenCreatesMissingAccount(t *testing.T) {
	chain := newFakeChain()
	p := newParties()

	out, err := newTestBuilder(t, chain).Build(context.Background(), BuildRequest{
		Buyer:     p.buyer.String(),
		Currency:  CurrencyToken,
		TotalCost: decimal.RequireFromString("65.1"),
		Receiver:  p.receiver.String(),
	})
	require.NoError(t, err)

	assert.Equal(t, uint64(65_100_000), out.Amount)
	assert.True(t, out.CreatesAccount)
	require.Len(t, out.Instructions, 2)
	assert.Equal(t, solana.SPLAssociatedTokenAccountProgramID, out.Instructions[0].ProgramID())
	assert.Equal(t, solana.TokenProgramID, out.Instructions[1].ProgramID())

	destination, _, err := solana.FindAssociatedTokenAddress(p.receiver, usdcMint)
	require.NoError(t, err)
	source, _, err := solana.FindAssociatedTokenAddress(p.buyer, usdcMint)
	require.NoError(t, err)

	transfer := out.Instructions[1].Accounts()
	require.Len(t, transfer, 4)
	assert.Equal(t, source, transfer[0].PublicKey)
	assert.Equal(t, usdcMint, transfer[1].PublicKey)
	assert.Equal(t, destination, transfer[2].PublicKey)
	assert.Equal(t, p.buyer, transfer[3].PublicKey)
}

func TestBuild_TokenExistingAccount(t *testing.T) {
	chain := newFakeChain()
	p := newParties()
	destination, _, err := solana.FindAssociatedTokenAddress(p.receiver, usdcMint)
	require.NoError(t, err)
	chain.existing[destination] = true

	out, err := newTestBuilder(t, chain).Build(context.Background(), BuildRequest{
		Buyer:     p.buyer.String(),
		Currency:  CurrencyToken,
		TotalCost: decimal.RequireFromString("10"),
		Receiver:  p.receiver.String(),
	})
	require.NoError(t, err)

	assert.False(t, out.CreatesAccount)
	require.Len(t, out.Instructions, 1)
	assert.Equal(t, solana.TokenProgramID, out.Instructions[0].ProgramID())
}

func TestBuild_Idempotent(t *testing.T) {
	chain := newFakeChain()
	builder := newTestBuilder(t, chain)
	p := newParties()
	req := BuildRequest{
		Buyer:     p.buyer.String(),
		Currency:  CurrencyToken,
		TotalCost: decimal.RequireFromString("12.345678"),
		Receiver:  p.receiver.String(),
	}

	first, err := builder.Build(context.Background(), req)
	require.NoError(t, err)
	second, err := builder.Build(context.Background(), req)
	require.NoError(t, err)

	require.Equal(t, len(first.Instructions), len(second.Instructions))
	for i := range first.Instructions {
		assert.Equal(t, first.Instructions[i].ProgramID(), second.Instructions[i].ProgramID())
		assert.Equal(t, first.Instructions[i].Accounts(), second.Instructions[i].Accounts())

		a, err := first.Instructions[i].Data()
		require.NoError(t, err)
		b, err := second.Instructions[i].Data()
		require.NoError(t, err)
		assert.Equal(t, a, b)
	}
	assert.Equal(t, first.Payload, second.Payload)

	// Once the account exists the create instruction disappears.
	destination, _, err := solana.FindAssociatedTokenAddress(p.receiver, usdcMint)
	require.NoError(t, err)
	chain.existing[destination] = true

	third, err := builder.Build(context.Background(), req)
	require.NoError(t, err)
	assert.Len(t, third.Instructions, 1)
}

func TestBuild_AmountTooSmall(t *testing.T) {
	p := newParties()
	builder := newTestBuilder(t, newFakeChain())

	tests := []struct {
		name     string
		currency Currency
		cost     string
	}{
		{"native below one lamport", CurrencyNative, "0.0000000004"},
		{"token below one unit", CurrencyToken, "0.0000004"},
		{"zero", CurrencyNative, "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := builder.Build(context.Background(), BuildRequest{
				Buyer:     p.buyer.String(),
				Currency:  tt.currency,
				TotalCost: decimal.RequireFromString(tt.cost),
				Receiver:  p.receiver.String(),
			})
			assert.ErrorIs(t, err, ErrAmountTooSmall)
		})
	}
}

func TestBuild_Rounding(t *testing.T) {
	got, err := scale(decimal.RequireFromString("0.0000000005"), NativeDecimals)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got)

	got, err = scale(decimal.RequireFromString("1.2345675"), 6)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_234_568), got)
}

func TestBuild_ConstructionFailures(t *testing.T) {
	p := newParties()

	checkpointDown := newFakeChain()
	checkpointDown.checkpointErr = errors.New("rpc timeout")
	_, err := newTestBuilder(t, checkpointDown).Build(context.Background(), BuildRequest{
		Buyer: p.buyer.String(), Currency: CurrencyNative, TotalCost: decimal.NewFromInt(1), Receiver: p.receiver.String(),
	})
	assert.ErrorIs(t, err, ErrConstructionFailed)

	lookupDown := newFakeChain()
	lookupDown.accountErr = errors.New("rpc 503")
	_, err = newTestBuilder(t, lookupDown).Build(context.Background(), BuildRequest{
		Buyer: p.buyer.String(), Currency: CurrencyToken, TotalCost: decimal.NewFromInt(1), Receiver: p.receiver.String(),
	})
	assert.ErrorIs(t, err, ErrConstructionFailed)

	_, err = newTestBuilder(t, newFakeChain()).Build(context.Background(), BuildRequest{
		Buyer: "not-base58!", Currency: CurrencyNative, TotalCost: decimal.NewFromInt(1), Receiver: p.receiver.String(),
	})
	assert.ErrorIs(t, err, ErrInvalidAccount)
}

func TestCheckFresh(t *testing.T) {
	chain := newFakeChain()
	builder := newTestBuilder(t, chain)
	p := newParties()

	out, err := builder.Build(context.Background(), BuildRequest{
		Buyer: p.buyer.String(), Currency: CurrencyNative, TotalCost: decimal.NewFromInt(1), Receiver: p.receiver.String(),
	})
	require.NoError(t, err)

	assert.NoError(t, builder.CheckFresh(context.Background(), out))

	chain.height = out.ExpiryHeight + 1
	assert.ErrorIs(t, builder.CheckFresh(context.Background(), out), ErrTransferExpired)
}

func newDeliveryBuilder(t *testing.T, chain ChainClient) (*Builder, Config) {
	cfg := Config{
		PaymentMint:     usdcMint,
		PaymentDecimals: 6,
		TokenMint:       solana.NewWallet().PublicKey(),
		TokenDecimals:   9,
		MintAuthority:   solana.NewWallet().PublicKey(),
	}
	return NewBuilder(cfg, chain, zaptest.NewLogger(t)), cfg
}

func TestBuildDelivery_CreatesMissingAccount(t *testing.T) {
	chain := newFakeChain()
	b, cfg := newDeliveryBuilder(t, chain)
	buyer := solana.NewWallet().PublicKey()

	out, err := b.BuildDelivery(context.Background(), DeliveryRequest{Buyer: buyer.String(), Units: 10_000})
	require.NoError(t, err)

	assert.Equal(t, uint64(10_000_000_000_000), out.Amount)
	assert.Equal(t, cfg.MintAuthority, out.FeePayer)
	assert.True(t, out.CreatesAccount)
	require.Len(t, out.Instructions, 2)
	assert.Equal(t, solana.SPLAssociatedTokenAccountProgramID, out.Instructions[0].ProgramID())
	assert.Equal(t, solana.TokenProgramID, out.Instructions[1].ProgramID())

	destination, _, err := solana.FindAssociatedTokenAddress(buyer, cfg.TokenMint)
	require.NoError(t, err)

	accounts := out.Instructions[1].Accounts()
	require.Len(t, accounts, 3)
	assert.Equal(t, cfg.TokenMint, accounts[0].PublicKey)
	assert.Equal(t, destination, accounts[1].PublicKey)
	assert.Equal(t, cfg.MintAuthority, accounts[2].PublicKey)
	assert.True(t, accounts[2].IsSigner)

	assert.Equal(t, chain.checkpoint.LastValidBlockHeight, out.ExpiryHeight)
	assert.NotEmpty(t, out.Payload)
}

func TestBuildDelivery_ExistingAccount(t *testing.T) {
	chain := newFakeChain()
	b, cfg := newDeliveryBuilder(t, chain)
	buyer := solana.NewWallet().PublicKey()

	destination, _, err := solana.FindAssociatedTokenAddress(buyer, cfg.TokenMint)
	require.NoError(t, err)
	chain.existing[destination] = true

	out, err := b.BuildDelivery(context.Background(), DeliveryRequest{Buyer: buyer.String(), Units: 25_000})
	require.NoError(t, err)
	assert.False(t, out.CreatesAccount)
	require.Len(t, out.Instructions, 1)
	assert.Equal(t, uint64(25_000_000_000_000), out.Amount)
}

func TestBuildDelivery_Errors(t *testing.T) {
	buyer := solana.NewWallet().PublicKey().String()

	_, err := newTestBuilder(t, newFakeChain()).BuildDelivery(context.Background(), DeliveryRequest{Buyer: buyer, Units: 10_000})
	assert.ErrorIs(t, err, ErrDeliveryDisabled)

	b, _ := newDeliveryBuilder(t, newFakeChain())
	_, err = b.BuildDelivery(context.Background(), DeliveryRequest{Buyer: "nobody", Units: 10_000})
	assert.ErrorIs(t, err, ErrInvalidAccount)

	_, err = b.BuildDelivery(context.Background(), DeliveryRequest{Buyer: buyer, Units: 0})
	assert.ErrorIs(t, err, ErrAmountTooSmall)

	chain := newFakeChain()
	chain.accountErr = errors.New("rpc down")
	b, _ = newDeliveryBuilder(t, chain)
	_, err = b.BuildDelivery(context.Background(), DeliveryRequest{Buyer: buyer, Units: 10_000})
	assert.ErrorIs(t, err, ErrConstructionFailed)
}
