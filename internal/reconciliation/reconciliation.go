// Package reconciliation joins off-chain and on-chain money views: per
// employee balances, claim statistics kept current from the claim feed,
// and a periodic check that the treasury can cover approved claims.
package reconciliation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/mbd888/stableflow/internal/chain"
	"github.com/mbd888/stableflow/internal/ledger"
	"github.com/mbd888/stableflow/internal/usdc"
)

// OffChain reads an employee's off-chain balance.
type OffChain interface {
	Balance(ctx context.Context, employeeID string) (*ledger.Balance, error)
}

// Wallets resolves an employee's payout wallet; "" means none.
type Wallets interface {
	Wallet(ctx context.Context, employeeID string) (string, error)
}

// EmployeeBalance is an employee's combined balance.
type EmployeeBalance struct {
	EmployeeID    string          `json:"employeeId"`
	WalletAddress string          `json:"walletAddress,omitempty"`
	OffChain      decimal.Decimal `json:"offChain"`
	OnChain       decimal.Decimal `json:"onChain"`
	Total         decimal.Decimal `json:"total"`
}

// Service computes combined balances.
type Service struct {
	offchain OffChain
	wallets  Wallets
	chain    chain.Client
	logger   *slog.Logger
}

// NewService creates a reconciliation service.
func NewService(offchain OffChain, wallets Wallets, client chain.Client, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		offchain: offchain,
		wallets:  wallets,
		chain:    client,
		logger:   logger,
	}
}

// ComputeBalance adds the employee's on-chain USDC to their off-chain
// balance. Without a usable wallet only the off-chain part counts.
func (s *Service) ComputeBalance(ctx context.Context, employeeID string) (*EmployeeBalance, error) {
	off, err := s.offchain.Balance(ctx, employeeID)
	if err != nil {
		return nil, fmt.Errorf("read off-chain balance: %w", err)
	}
	wallet, err := s.wallets.Wallet(ctx, employeeID)
	if err != nil {
		return nil, fmt.Errorf("resolve wallet: %w", err)
	}

	out := &EmployeeBalance{
		EmployeeID: employeeID,
		OffChain:   off.Available,
		OnChain:    decimal.Zero,
		Total:      off.Available,
	}
	if wallet == "" {
		return out, nil
	}
	if !s.chain.IsValidAddress(wallet) {
		s.logger.Warn("ignoring invalid wallet in balance", "employee_id", employeeID, "wallet", wallet)
		return out, nil
	}

	units, err := s.chain.TokenBalance(ctx, wallet)
	if err != nil {
		return nil, fmt.Errorf("read on-chain balance of %s: %w", wallet, err)
	}
	out.WalletAddress = wallet
	out.OnChain = usdc.FromUnits(units)
	out.Total = out.OffChain.Add(out.OnChain)
	return out, nil
}
