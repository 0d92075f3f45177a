package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// EthClient abstracts the go-ethereum client for testing
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	Close()
}

// ERC20 minimal ABI for transfer and balanceOf
const erc20ABI = `[
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"}
]`

const (
	// DefaultGasLimit for ERC20 transfers when estimation is unavailable
	DefaultGasLimit = uint64(100000)

	DefaultConfirmationTimeout = 60 * time.Second
	DefaultPollInterval        = 2 * time.Second
)

// Config for the EVM client
type Config struct {
	RPCURL              string
	ChainID             int64
	USDCContract        string
	ConfirmationTimeout time.Duration
}

// Option configures the EVM client
type Option func(*EVMClient)

// WithEthClient sets a custom Ethereum client (useful for testing)
func WithEthClient(c EthClient) Option {
	return func(e *EVMClient) { e.eth = c }
}

// WithPollInterval overrides the receipt polling interval
func WithPollInterval(d time.Duration) Option {
	return func(e *EVMClient) { e.pollInterval = d }
}

// EVMClient moves USDC on an EVM chain through JSON-RPC.
type EVMClient struct {
	eth            EthClient
	chainID        *big.Int
	token          common.Address
	tokenABI       abi.ABI
	confirmTimeout time.Duration
	pollInterval   time.Duration

	// nonce assignment and broadcast are serialized per sender
	sendMu sync.Map // common.Address -> *sync.Mutex
}

var _ Client = (*EVMClient)(nil)

// NewEVMClient dials the RPC endpoint unless WithEthClient is given.
func NewEVMClient(cfg Config, opts ...Option) (*EVMClient, error) {
	if cfg.ChainID == 0 {
		return nil, fmt.Errorf("chain ID required")
	}
	if !IsValidAddress(cfg.USDCContract) {
		return nil, fmt.Errorf("%w: USDC contract %q", ErrInvalidAddress, cfg.USDCContract)
	}

	parsedABI, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ERC20 ABI: %w", err)
	}

	c := &EVMClient{
		chainID:        big.NewInt(cfg.ChainID),
		token:          common.HexToAddress(cfg.USDCContract),
		tokenABI:       parsedABI,
		confirmTimeout: cfg.ConfirmationTimeout,
		pollInterval:   DefaultPollInterval,
	}
	if c.confirmTimeout <= 0 {
		c.confirmTimeout = DefaultConfirmationTimeout
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.eth == nil {
		if cfg.RPCURL == "" {
			return nil, fmt.Errorf("%w: RPC URL required", ErrRPC)
		}
		eth, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, &ChainError{Op: "dial", Err: fmt.Errorf("%w: %v", ErrRPC, err)}
		}
		c.eth = eth
	}
	return c, nil
}

// ChainID returns the configured chain id.
func (c *EVMClient) ChainID() *big.Int { return new(big.Int).Set(c.chainID) }

func (c *EVMClient) IsValidAddress(address string) bool {
	return IsValidAddress(address)
}

func (c *EVMClient) TokenBalance(ctx context.Context, address string) (*big.Int, error) {
	if !IsValidAddress(address) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
	data, err := c.tokenABI.Pack("balanceOf", common.HexToAddress(address))
	if err != nil {
		return nil, fmt.Errorf("failed to pack balanceOf call: %w", err)
	}
	result, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &c.token, Data: data}, nil)
	if err != nil {
		return nil, &ChainError{Op: "balance_of", Err: fmt.Errorf("%w: %v", ErrRPC, err)}
	}
	return new(big.Int).SetBytes(result), nil
}

func (c *EVMClient) NativeBalance(ctx context.Context, address string) (*big.Int, error) {
	if !IsValidAddress(address) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
	bal, err := c.eth.BalanceAt(ctx, common.HexToAddress(address), nil)
	if err != nil {
		return nil, &ChainError{Op: "balance_at", Err: fmt.Errorf("%w: %v", ErrRPC, err)}
	}
	return bal, nil
}

// Transfer broadcasts an ERC-20 transfer and blocks until it is mined,
// reverted, or the confirmation timeout passes.
func (c *EVMClient) Transfer(ctx context.Context, signer Signer, to string, units *big.Int) (*Receipt, error) {
	if !IsValidAddress(to) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, to)
	}
	if units == nil || units.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	txHash, err := c.send(ctx, signer, common.HexToAddress(to), units)
	if err != nil {
		return nil, err
	}

	receipt, err := c.waitForReceipt(ctx, txHash)
	if err != nil {
		return nil, err
	}
	return &Receipt{
		TxHash:      txHash.Hex(),
		From:        signer.Address().Hex(),
		To:          common.HexToAddress(to).Hex(),
		Units:       new(big.Int).Set(units),
		BlockNumber: receipt.BlockNumber.Uint64(),
		GasUsed:     receipt.GasUsed,
	}, nil
}

func (c *EVMClient) send(ctx context.Context, signer Signer, to common.Address, units *big.Int) (common.Hash, error) {
	from := signer.Address()
	muAny, _ := c.sendMu.LoadOrStore(from, &sync.Mutex{})
	mu := muAny.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()

	data, err := c.tokenABI.Pack("transfer", to, units)
	if err != nil {
		return common.Hash{}, &ChainError{Op: "pack", Err: err}
	}

	nonce, err := c.eth.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, &ChainError{Op: "nonce", Err: fmt.Errorf("%w: %v", ErrRPC, err)}
	}

	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, &ChainError{Op: "gas_price", Err: fmt.Errorf("%w: %v", ErrRPC, err)}
	}

	gasLimit, err := c.eth.EstimateGas(ctx, ethereum.CallMsg{
		From:  from,
		To:    &c.token,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		// A revert during estimation is the chain refusing the transfer;
		// anything else falls back to the default limit.
		if classified := classify(err); classified != nil {
			return common.Hash{}, &ChainError{Op: "estimate", Err: fmt.Errorf("%w: %v", classified, err)}
		}
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTransaction(nonce, c.token, big.NewInt(0), gasLimit, gasPrice, data)
	signed, err := signer.SignTx(tx, c.chainID)
	if err != nil {
		return common.Hash{}, &ChainError{Op: "sign", Err: err}
	}

	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		cause := classify(err)
		if cause == nil {
			cause = ErrRPC
		}
		// Not broadcast: TxHash stays empty so callers know nothing moved.
		return common.Hash{}, &ChainError{Op: "send", Err: fmt.Errorf("%w: %v", cause, err)}
	}
	return signed.Hash(), nil
}

func (c *EVMClient) waitForReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, c.confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			err := ctx.Err()
			if errors.Is(err, context.DeadlineExceeded) {
				err = ErrTimeout
			}
			return nil, &ChainError{Op: "confirm", TxHash: hash.Hex(), Err: err}

		case <-ticker.C:
			receipt, err := c.eth.TransactionReceipt(ctx, hash)
			if err != nil {
				// not mined yet
				continue
			}
			if receipt.Status == types.ReceiptStatusFailed {
				return nil, &ChainError{Op: "confirm", TxHash: hash.Hex(), Err: ErrTransactionFailed}
			}
			return receipt, nil
		}
	}
}

// Close closes the RPC connection
func (c *EVMClient) Close() error {
	if c.eth != nil {
		c.eth.Close()
	}
	return nil
}

// classify maps node error text onto chain sentinels. Nodes only return
// strings, so matching on message fragments is the only option.
func classify(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "insufficient funds"),
		strings.Contains(msg, "exceeds balance"),
		strings.Contains(msg, "insufficient balance"):
		return ErrInsufficientFunds
	case strings.Contains(msg, "execution reverted"):
		return ErrTransactionFailed
	default:
		return nil
	}
}
