// Package usdc converts between human USDC amounts and on-chain units.
//
// Claim amounts and balances are decimal.Decimal values. The chain works
// in the smallest unit (1 USDC = 1,000,000 units) as *big.Int.
package usdc

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	Decimals = 6
	Symbol   = "USDC"
)

var (
	ErrNegative = errors.New("usdc: amount must not be negative")
	ErrInvalid  = errors.New("usdc: invalid amount")
)

// ParseAmount parses a decimal string such as "12.50". Digits beyond
// six decimal places are truncated. Negative amounts are rejected.
func ParseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, ErrInvalid
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	if d.IsNegative() {
		return decimal.Zero, ErrNegative
	}
	return d.Truncate(Decimals), nil
}

// ToUnits converts an amount to smallest units, flooring sub-unit dust.
func ToUnits(amount decimal.Decimal) (*big.Int, error) {
	if amount.IsNegative() {
		return nil, ErrNegative
	}
	return amount.Shift(Decimals).Floor().BigInt(), nil
}

// FromUnits converts smallest units back to a decimal amount.
func FromUnits(units *big.Int) decimal.Decimal {
	if units == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(units, -Decimals)
}

// Format renders smallest units with exactly six decimals (e.g. "1.500000").
func Format(units *big.Int) string {
	return FromUnits(units).StringFixed(Decimals)
}

// FormatAmount renders a decimal amount with exactly six decimals.
func FormatAmount(amount decimal.Decimal) string {
	return amount.StringFixed(Decimals)
}
