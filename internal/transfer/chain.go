package transfer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// Checkpoint is a recent network blockhash and the last block height at
// which a transaction bound to it is still accepted.
type Checkpoint struct {
	Blockhash            solana.Hash
	LastValidBlockHeight uint64
}

// ChainClient is the subset of the network the builder needs.
type ChainClient interface {
	LatestCheckpoint(ctx context.Context) (Checkpoint, error)
	AccountExists(ctx context.Context, account solana.PublicKey) (bool, error)
	BlockHeight(ctx context.Context) (uint64, error)
}

// RPCClient adapts a Solana JSON-RPC endpoint to ChainClient. Every call is
// bounded by timeout.
type RPCClient struct {
	rpc     *rpc.Client
	timeout time.Duration
}

// NewRPCClient creates a ChainClient for endpoint.
func NewRPCClient(endpoint string, timeout time.Duration) *RPCClient {
	return &RPCClient{
		rpc:     rpc.New(endpoint),
		timeout: timeout,
	}
}

var _ ChainClient = (*RPCClient)(nil)

func (c *RPCClient) LatestCheckpoint(ctx context.Context) (Checkpoint, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	out, err := c.rpc.GetLatestBlockhash(ctx, rpc.CommitmentConfirmed)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("get latest blockhash: %w", err)
	}
	if out == nil || out.Value == nil {
		return Checkpoint{}, errors.New("get latest blockhash: empty response")
	}
	return Checkpoint{
		Blockhash:            out.Value.Blockhash,
		LastValidBlockHeight: out.Value.LastValidBlockHeight,
	}, nil
}

func (c *RPCClient) AccountExists(ctx context.Context, account solana.PublicKey) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	out, err := c.rpc.GetAccountInfoWithOpts(ctx, account, &rpc.GetAccountInfoOpts{
		Commitment: rpc.CommitmentConfirmed,
	})
	if errors.Is(err, rpc.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get account info %s: %w", account, err)
	}
	return out != nil && out.Value != nil, nil
}

func (c *RPCClient) BlockHeight(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	height, err := c.rpc.GetBlockHeight(ctx, rpc.CommitmentConfirmed)
	if err != nil {
		return 0, fmt.Errorf("get block height: %w", err)
	}
	return height, nil
}
