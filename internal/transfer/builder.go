package transfer

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"math/big"

	"github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrAmountTooSmall     = errors.New("amount too small")
	ErrConstructionFailed = errors.New("transfer construction failed")
	ErrTransferExpired    = errors.New("transfer expired")
	ErrInvalidAccount     = errors.New("invalid account")
	ErrDeliveryDisabled   = errors.New("token delivery not configured")
)

// NativeDecimals is the fixed decimal exponent of the native coin.
const NativeDecimals = 9

// Currency is how the buyer pays.
type Currency string

const (
	CurrencyNative Currency = "Native"
	CurrencyToken  Currency = "Token"
)

// Valid reports whether c is a supported payment currency.
func (c Currency) Valid() bool {
	return c == CurrencyNative || c == CurrencyToken
}

// Config describes the token accepted for token payments and the sale
// token delivered to buyers. A zero MintAuthority disables delivery.
type Config struct {
	PaymentMint     solana.PublicKey
	PaymentDecimals uint8

	TokenMint     solana.PublicKey
	TokenDecimals uint8
	MintAuthority solana.PublicKey
}

// BuildRequest is a validated purchase ready to be turned into a transfer.
type BuildRequest struct {
	Buyer     string
	Currency  Currency
	TotalCost decimal.Decimal
	Receiver  string
}

// DeliveryRequest asks for Units of the sale token to be minted to Buyer.
type DeliveryRequest struct {
	Buyer string
	Units uint64
}

// UnsignedTransfer is a fully built transaction awaiting signatures.
type UnsignedTransfer struct {
	Instructions    []solana.Instruction
	FeePayer        solana.PublicKey
	RecentBlockhash solana.Hash
	ExpiryHeight    uint64
	Amount          uint64 // smallest indivisible units of the paid currency
	CreatesAccount  bool   // a destination token account is created first
	Payload         string // base64 wire encoding with empty signature slots
}

// Builder constructs unsigned transfers. It never signs.
type Builder struct {
	cfg    Config
	chain  ChainClient
	logger *zap.Logger
}

// NewBuilder creates a Builder.
func NewBuilder(cfg Config, chain ChainClient, logger *zap.Logger) *Builder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{cfg: cfg, chain: chain, logger: logger}
}

// Build returns a complete UnsignedTransfer or an error; it has no side effects.
func (b *Builder) Build(ctx context.Context, req BuildRequest) (*UnsignedTransfer, error) {
	buyer, err := solana.PublicKeyFromBase58(req.Buyer)
	if err != nil {
		return nil, fmt.Errorf("%w: buyer %q: %v", ErrInvalidAccount, req.Buyer, err)
	}
	receiver, err := solana.PublicKeyFromBase58(req.Receiver)
	if err != nil {
		return nil, fmt.Errorf("%w: receiver %q: %v", ErrInvalidAccount, req.Receiver, err)
	}

	out := &UnsignedTransfer{FeePayer: buyer}

	switch req.Currency {
	case CurrencyNative:
		lamports, err := scale(req.TotalCost, NativeDecimals)
		if err != nil {
			return nil, err
		}
		out.Amount = lamports
		out.Instructions = []solana.Instruction{
			system.NewTransferInstruction(lamports, buyer, receiver).Build(),
		}

	case CurrencyToken:
		amount, err := scale(req.TotalCost, b.cfg.PaymentDecimals)
		if err != nil {
			return nil, err
		}
		out.Amount = amount
		if err := b.tokenInstructions(ctx, out, buyer, receiver); err != nil {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("%w: unsupported currency %q", ErrConstructionFailed, req.Currency)
	}

	if err := b.seal(ctx, out); err != nil {
		return nil, err
	}

	b.logger.Debug("transfer built",
		zap.String("buyer", buyer.String()),
		zap.String("currency", string(req.Currency)),
		zap.Uint64("amount", out.Amount),
		zap.Bool("creates_account", out.CreatesAccount),
		zap.Uint64("expiry_height", out.ExpiryHeight),
	)
	return out, nil
}

// BuildDelivery returns an unsigned transfer minting req.Units of the sale
// token into the buyer's associated token account, creating that account
// first when missing. The mint authority pays the fees and must sign.
func (b *Builder) BuildDelivery(ctx context.Context, req DeliveryRequest) (*UnsignedTransfer, error) {
	authority := b.cfg.MintAuthority
	if authority.IsZero() {
		return nil, ErrDeliveryDisabled
	}
	buyer, err := solana.PublicKeyFromBase58(req.Buyer)
	if err != nil {
		return nil, fmt.Errorf("%w: buyer %q: %v", ErrInvalidAccount, req.Buyer, err)
	}

	amount, err := scale(decimal.NewFromBigInt(new(big.Int).SetUint64(req.Units), 0), b.cfg.TokenDecimals)
	if err != nil {
		return nil, err
	}

	mint := b.cfg.TokenMint
	destination, _, err := solana.FindAssociatedTokenAddress(buyer, mint)
	if err != nil {
		return nil, fmt.Errorf("%w: derive buyer token account: %v", ErrConstructionFailed, err)
	}
	exists, err := b.chain.AccountExists(ctx, destination)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConstructionFailed, err)
	}

	out := &UnsignedTransfer{FeePayer: authority, Amount: amount}
	if !exists {
		out.CreatesAccount = true
		out.Instructions = append(out.Instructions,
			associatedtokenaccount.NewCreateInstruction(authority, buyer, mint).Build(),
		)
	}
	out.Instructions = append(out.Instructions,
		token.NewMintToInstruction(amount, mint, destination, authority, []solana.PublicKey{}).Build(),
	)

	if err := b.seal(ctx, out); err != nil {
		return nil, err
	}

	b.logger.Debug("delivery built",
		zap.String("buyer", buyer.String()),
		zap.Uint64("amount", out.Amount),
		zap.Bool("creates_account", out.CreatesAccount),
		zap.Uint64("expiry_height", out.ExpiryHeight),
	)
	return out, nil
}

// seal binds out to the latest checkpoint and encodes its payload.
func (b *Builder) seal(ctx context.Context, out *UnsignedTransfer) error {
	checkpoint, err := b.chain.LatestCheckpoint(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConstructionFailed, err)
	}
	out.RecentBlockhash = checkpoint.Blockhash
	out.ExpiryHeight = checkpoint.LastValidBlockHeight

	payload, err := out.encode()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConstructionFailed, err)
	}
	out.Payload = payload
	return nil
}

// tokenInstructions appends the token-account transfer, preceded by creation
// of the receiver's associated account when it does not exist yet.
func (b *Builder) tokenInstructions(ctx context.Context, out *UnsignedTransfer, buyer, receiver solana.PublicKey) error {
	mint := b.cfg.PaymentMint

	source, _, err := solana.FindAssociatedTokenAddress(buyer, mint)
	if err != nil {
		return fmt.Errorf("%w: derive buyer token account: %v", ErrConstructionFailed, err)
	}
	destination, _, err := solana.FindAssociatedTokenAddress(receiver, mint)
	if err != nil {
		return fmt.Errorf("%w: derive receiver token account: %v", ErrConstructionFailed, err)
	}

	exists, err := b.chain.AccountExists(ctx, destination)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConstructionFailed, err)
	}
	if !exists {
		out.CreatesAccount = true
		out.Instructions = append(out.Instructions,
			associatedtokenaccount.NewCreateInstruction(buyer, receiver, mint).Build(),
		)
	}

	out.Instructions = append(out.Instructions,
		token.NewTransferCheckedInstruction(
			out.Amount,
			b.cfg.PaymentDecimals,
			source,
			mint,
			destination,
			buyer,
			[]solana.PublicKey{},
		).Build(),
	)
	return nil
}

// CheckFresh rejects a transfer whose blockhash can no longer land.
func (b *Builder) CheckFresh(ctx context.Context, t *UnsignedTransfer) error {
	height, err := b.chain.BlockHeight(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConstructionFailed, err)
	}
	if height > t.ExpiryHeight {
		return fmt.Errorf("%w: block height %d is past %d", ErrTransferExpired, height, t.ExpiryHeight)
	}
	return nil
}

// Transaction assembles the solana transaction for t.
func (t *UnsignedTransfer) Transaction() (*solana.Transaction, error) {
	return solana.NewTransaction(t.Instructions, t.RecentBlockhash, solana.TransactionPayer(t.FeePayer))
}

func (t *UnsignedTransfer) encode() (string, error) {
	tx, err := t.Transaction()
	if err != nil {
		return "", fmt.Errorf("assemble transaction: %w", err)
	}
	// Wallets expect one zeroed slot per required signer.
	tx.Signatures = make([]solana.Signature, tx.Message.Header.NumRequiredSignatures)

	raw, err := tx.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("serialize transaction: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

var maxUnits = decimal.NewFromBigInt(new(big.Int).SetUint64(math.MaxUint64), 0)

// scale converts amount into integer units of 10^-decimals, rounding half
// away from zero.
func scale(amount decimal.Decimal, decimals uint8) (uint64, error) {
	units := amount.Shift(int32(decimals)).Round(0)
	if !units.IsPositive() {
		return 0, fmt.Errorf("%w: %s rounds to zero at %d decimals", ErrAmountTooSmall, amount, decimals)
	}
	if units.GreaterThan(maxUnits) {
		return 0, fmt.Errorf("%w: %s overflows at %d decimals", ErrConstructionFailed, amount, decimals)
	}
	return units.BigInt().Uint64(), nil
}
