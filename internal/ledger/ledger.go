// Package ledger tracks each employee's off-chain USDC balance.
//
// Balances live at balances/{employeeId}; every credit and debit also
// appends an entry to ledger_entries for history.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/stableflow/internal/docstore"
	"github.com/mbd888/stableflow/internal/usdc"
)

const (
	BalancesCollection = "balances"
	EntriesCollection  = "ledger_entries"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidAmount       = errors.New("invalid amount")
)

// Entry is one movement on a balance.
type Entry struct {
	ID          string          `json:"id"`
	EmployeeID  string          `json:"employeeId"`
	Type        string          `json:"type"` // credit, debit
	Amount      decimal.Decimal `json:"amount"`
	Reference   string          `json:"reference,omitempty"`
	Description string          `json:"description,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// Balance is an employee's off-chain balance.
type Balance struct {
	EmployeeID string          `json:"employeeId"`
	Available  decimal.Decimal `json:"available"`
	TotalIn    decimal.Decimal `json:"totalIn"`
	TotalOut   decimal.Decimal `json:"totalOut"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// Check enforces the record invariants at the store boundary.
func (b *Balance) Check() error {
	switch {
	case b.Available.IsNegative():
		return fmt.Errorf("negative available balance %s", b.Available)
	case b.TotalIn.IsNegative(), b.TotalOut.IsNegative():
		return errors.New("negative lifetime totals")
	}
	return nil
}

func zeroBalance(employeeID string) *Balance {
	return &Balance{EmployeeID: employeeID, Available: decimal.Zero, TotalIn: decimal.Zero, TotalOut: decimal.Zero}
}

// Ledger manages off-chain balances
type Ledger struct {
	docs   docstore.Store
	logger *slog.Logger
	now    func() time.Time
}

// New creates a new ledger
func New(docs docstore.Store, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{docs: docs, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// Balance returns an employee's balance. Employees with no ledger
// activity have a zero balance.
func (l *Ledger) Balance(ctx context.Context, employeeID string) (*Balance, error) {
	defer observeOp("get")()
	raw, err := l.docs.Get(ctx, docstore.Join(BalancesCollection, employeeID))
	if errors.Is(err, docstore.ErrNotFound) {
		return zeroBalance(employeeID), nil
	}
	if err != nil {
		return nil, err
	}
	return decodeBalance(employeeID, raw)
}

// Credit adds amount to the balance.
func (l *Ledger) Credit(ctx context.Context, employeeID string, amount decimal.Decimal, reference, description string) (*Balance, error) {
	defer observeOp("credit")()
	return l.apply(ctx, employeeID, "credit", amount, reference, description, func(b *Balance, amt decimal.Decimal) error {
		b.Available = b.Available.Add(amt)
		b.TotalIn = b.TotalIn.Add(amt)
		return nil
	})
}

// Debit removes amount from the balance. Fails with ErrInsufficientBalance
// rather than going negative.
func (l *Ledger) Debit(ctx context.Context, employeeID string, amount decimal.Decimal, reference, description string) (*Balance, error) {
	defer observeOp("debit")()
	return l.apply(ctx, employeeID, "debit", amount, reference, description, func(b *Balance, amt decimal.Decimal) error {
		if b.Available.LessThan(amt) {
			return ErrInsufficientBalance
		}
		b.Available = b.Available.Sub(amt)
		b.TotalOut = b.TotalOut.Add(amt)
		return nil
	})
}

// History returns an employee's entries, newest first.
func (l *Ledger) History(ctx context.Context, employeeID string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	entries, err := l.docs.List(ctx, EntriesCollection, docstore.Filter{Field: "employeeId", Values: []string{employeeID}})
	if err != nil {
		return nil, err
	}
	out := make([]*Entry, 0, len(entries))
	for _, e := range entries {
		var en Entry
		if err := json.Unmarshal(e.Data, &en); err != nil {
			l.logger.Warn("skipping malformed ledger entry", "entry_id", e.ID, "error", err)
			continue
		}
		en.ID = e.ID
		out = append(out, &en)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (l *Ledger) apply(ctx context.Context, employeeID, kind string, amount decimal.Decimal, reference, description string, fn func(*Balance, decimal.Decimal) error) (*Balance, error) {
	amt, err := usdc.ParseAmount(amount.String())
	if err != nil || !amt.IsPositive() {
		return nil, ErrInvalidAmount
	}

	var out *Balance
	err = l.docs.Transact(ctx, docstore.Join(BalancesCollection, employeeID), func(current json.RawMessage) (json.RawMessage, error) {
		b := zeroBalance(employeeID)
		if current != nil {
			var err error
			if b, err = decodeBalance(employeeID, current); err != nil {
				return nil, err
			}
		}
		if err := fn(b, amt); err != nil {
			return nil, err
		}
		b.UpdatedAt = l.now()
		out = b
		return json.Marshal(b)
	})
	if err != nil {
		return nil, fmt.Errorf("ledger %s %s: %w", kind, employeeID, err)
	}

	entry := Entry{
		EmployeeID:  employeeID,
		Type:        kind,
		Amount:      amt,
		Reference:   strings.TrimSpace(reference),
		Description: strings.TrimSpace(description),
		CreatedAt:   l.now(),
	}
	if _, err := docstore.PushJSON(ctx, l.docs, EntriesCollection, entry); err != nil {
		// The balance already moved; history is best effort.
		l.logger.Error("ledger entry write failed", "employee_id", employeeID, "type", kind, "amount", amt.String(), "error", err)
	}
	l.logger.Info("ledger "+kind, "employee_id", employeeID, "amount", amt.String(), "available", out.Available.String())
	return out, nil
}

func decodeBalance(employeeID string, raw json.RawMessage) (*Balance, error) {
	var b Balance
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("%w: balance %s: %v", docstore.ErrInvalidDocument, employeeID, err)
	}
	if b.EmployeeID == "" {
		b.EmployeeID = employeeID
	}
	if err := b.Check(); err != nil {
		return nil, fmt.Errorf("%w: balance %s: %v", docstore.ErrInvalidDocument, employeeID, err)
	}
	return &b, nil
}
