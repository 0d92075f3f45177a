// Package chain is the boundary to the blockchain: USDC balances,
// transfers from a signer to an address, and address validation.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/mbd888/stableflow/internal/validation"
)

var (
	ErrInvalidAddress    = errors.New("chain: invalid address")
	ErrInvalidAmount     = errors.New("chain: invalid amount")
	ErrInsufficientFunds = errors.New("chain: insufficient funds")
	ErrTransactionFailed = errors.New("chain: transaction reverted")
	ErrTimeout           = errors.New("chain: confirmation timed out")
	ErrRPC               = errors.New("chain: rpc error")
)

// ChainError wraps a failed chain operation with the transaction hash when
// one was broadcast. A non-empty TxHash means funds may have moved.
type ChainError struct {
	Op     string
	TxHash string
	Err    error
}

func (e *ChainError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("chain: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("chain: %s failed: %v", e.Op, e.Err)
}

func (e *ChainError) Unwrap() error { return e.Err }

// Broadcast reports whether the failed transaction reached the network.
func (e *ChainError) Broadcast() bool { return e.TxHash != "" }

// Signer signs transactions for one account. The treasury implements it so
// the private key never leaves the treasury handle.
type Signer interface {
	Address() common.Address
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// Receipt describes a confirmed token transfer.
type Receipt struct {
	TxHash      string
	From        string
	To          string
	Units       *big.Int
	BlockNumber uint64
	GasUsed     uint64
}

//go:generate mockgen -destination=mock_chain.go -package=chain github.com/mbd888/stableflow/internal/chain Client

// Client is the chain contract the payment engine and reconciliation use.
type Client interface {
	// TokenBalance returns the USDC balance of address in smallest units.
	TokenBalance(ctx context.Context, address string) (*big.Int, error)
	// NativeBalance returns the gas-coin balance of address in wei.
	NativeBalance(ctx context.Context, address string) (*big.Int, error)
	// Transfer sends units of USDC from signer to address and waits for
	// the transaction to be confirmed.
	Transfer(ctx context.Context, signer Signer, to string, units *big.Int) (*Receipt, error)
	// IsValidAddress reports whether address is a well-formed account address.
	IsValidAddress(address string) bool
}

// IsValidAddress is the syntactic address check shared by every client.
func IsValidAddress(address string) bool {
	return validation.IsValidEthAddress(address)
}
