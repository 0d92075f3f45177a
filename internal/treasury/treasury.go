// Package treasury holds the company signing identity that pays claims.
//
// A Treasury is built once at startup and handed to the payment engine;
// Close wipes the key at shutdown. A nil *Treasury is valid and reports
// ErrUninitialized from every spending method.
package treasury

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"github.com/mbd888/stableflow/internal/chain"
	"github.com/mbd888/stableflow/internal/usdc"
)

var (
	ErrUninitialized = errors.New("treasury: wallet not initialized")
	ErrInvalidKey    = errors.New("treasury: invalid private key")
)

// nativeDecimals is the precision of the chain's gas coin (wei per ether).
const nativeDecimals = 18

// Balances is a point-in-time read of the treasury wallet. Never cached.
type Balances struct {
	Address     string          `json:"address"`
	Initialized bool            `json:"initialized"`
	Native      decimal.Decimal `json:"native"`
	USDC        decimal.Decimal `json:"usdc"`
}

// Treasury is the process-wide payer.
type Treasury struct {
	mu      sync.RWMutex
	key     *ecdsa.PrivateKey
	address common.Address
	chain   chain.Client
}

var _ chain.Signer = (*Treasury)(nil)

// New parses a hex private key (with or without 0x) and binds it to a chain client.
func New(privateKeyHex string, client chain.Client) (*Treasury, error) {
	if client == nil {
		return nil, fmt.Errorf("treasury: chain client required")
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return &Treasury{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		chain:   client,
	}, nil
}

// Initialized reports whether the treasury can sign.
func (t *Treasury) Initialized() bool {
	if t == nil {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.key != nil
}

// Address returns the treasury account address.
func (t *Treasury) Address() common.Address {
	if t == nil {
		return common.Address{}
	}
	return t.address
}

// SignTx signs tx for chainID with the treasury key.
func (t *Treasury) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	if t == nil {
		return nil, ErrUninitialized
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.key == nil {
		return nil, ErrUninitialized
	}
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), t.key)
}

// Transfer pays units of USDC to address and waits for confirmation.
func (t *Treasury) Transfer(ctx context.Context, to string, units *big.Int) (*chain.Receipt, error) {
	if !t.Initialized() {
		return nil, ErrUninitialized
	}
	return t.chain.Transfer(ctx, t, to, units)
}

// Balances reads the native and USDC balances. An uninitialized treasury
// returns zero balances rather than an error.
func (t *Treasury) Balances(ctx context.Context) (Balances, error) {
	if !t.Initialized() {
		return Balances{Native: decimal.Zero, USDC: decimal.Zero}, nil
	}
	addr := t.address.Hex()

	native, err := t.chain.NativeBalance(ctx, addr)
	if err != nil {
		return Balances{}, fmt.Errorf("treasury native balance: %w", err)
	}
	token, err := t.chain.TokenBalance(ctx, addr)
	if err != nil {
		return Balances{}, fmt.Errorf("treasury usdc balance: %w", err)
	}
	return Balances{
		Address:     addr,
		Initialized: true,
		Native:      decimal.NewFromBigInt(native, -nativeDecimals),
		USDC:        usdc.FromUnits(token),
	}, nil
}

// Close wipes the key. Later transfers fail with ErrUninitialized.
func (t *Treasury) Close() error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.key != nil {
		t.key.D.SetInt64(0)
		t.key = nil
	}
	return nil
}
