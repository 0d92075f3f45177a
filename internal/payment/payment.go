// Package payment settles approved expense claims by transferring USDC
// from the treasury to the claim owner's wallet.
//
// Every chain-level attempt leaves an append-only Record in the payments
// collection. A claim reaches PAID only after its transfer is confirmed,
// and the claim's lease is held from before dispatch until the outcome
// is written.
package payment

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/stableflow/internal/docstore"
	"github.com/mbd888/stableflow/internal/treasury"
)

// Collection holds payment records.
const Collection = "payments"

var (
	// ErrTreasuryUninitialized means no treasury key is configured.
	ErrTreasuryUninitialized = treasury.ErrUninitialized
	ErrNoWallet              = errors.New("employee has no wallet address")
	ErrInvalidWallet         = errors.New("invalid address")
	ErrChainUnavailable      = errors.New("chain temporarily unavailable")
	ErrInvalidAmount         = errors.New("claim amount rounds to zero USDC units")
)

// WalletError reports a payee whose wallet cannot receive a transfer.
type WalletError struct {
	EmployeeID string
	Address    string
	Err        error
}

func (e *WalletError) Error() string {
	if e.Address == "" {
		return fmt.Sprintf("employee %s: %v", e.EmployeeID, e.Err)
	}
	return fmt.Sprintf("employee %s: %v %q", e.EmployeeID, e.Err, e.Address)
}

func (e *WalletError) Unwrap() error { return e.Err }

// Outcome is the result of one settlement attempt.
type Outcome string

const (
	OutcomeSuccess Outcome = "SUCCESS"
	OutcomeFailed  Outcome = "FAILED"
)

// Record is one chain-level settlement attempt.
type Record struct {
	ID            string          `json:"id,omitempty"`
	ClaimID       string          `json:"claimId"`
	EmployeeID    string          `json:"employeeId"`
	EmployeeName  string          `json:"employeeName,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	WalletAddress string          `json:"walletAddress"`
	TransferRef   string          `json:"transferRef,omitempty"`
	ExplorerURL   string          `json:"explorerUrl,omitempty"`
	Outcome       Outcome         `json:"outcome"`
	Error         string          `json:"error,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	ProcessedBy   string          `json:"processedBy"`
}

// Check enforces the record invariants at the store boundary.
func (r *Record) Check() error {
	switch {
	case r.ClaimID == "":
		return errors.New("missing claimId")
	case r.EmployeeID == "":
		return errors.New("missing employeeId")
	case !r.Amount.IsPositive():
		return errors.New("amount must be positive")
	case r.Outcome != OutcomeSuccess && r.Outcome != OutcomeFailed:
		return fmt.Errorf("unknown outcome %q", r.Outcome)
	case r.Outcome == OutcomeSuccess && r.TransferRef == "":
		return errors.New("successful payment without transferRef")
	case r.Outcome == OutcomeFailed && r.Error == "":
		return errors.New("failed payment without error")
	case r.CreatedAt.IsZero():
		return errors.New("missing createdAt")
	}
	return nil
}

// Settlement is the outcome of a successful SettleSingle.
type Settlement struct {
	ClaimID     string  `json:"claimId"`
	EmployeeID  string  `json:"employeeId"`
	TransferRef string  `json:"transferRef"`
	ExplorerURL string  `json:"explorerUrl,omitempty"`
	Payment     *Record `json:"payment"`
}

// BatchSuccess is one settled item of a batch.
type BatchSuccess struct {
	ClaimID     string `json:"claimId"`
	EmployeeID  string `json:"employeeId"`
	TransferRef string `json:"transferRef"`
}

// BatchFailure is one unsettled item of a batch.
type BatchFailure struct {
	ClaimID    string `json:"claimId"`
	EmployeeID string `json:"employeeId,omitempty"`
	Reason     string `json:"reason"`
}

// BatchResult summarizes SettleBatch. Success is true only when every
// item was settled.
type BatchResult struct {
	TotalProcessed int            `json:"totalProcessed"`
	Successful     []BatchSuccess `json:"successful"`
	Failed         []BatchFailure `json:"failed"`
	Success        bool           `json:"success"`
}

// ReasonCancelled marks batch items skipped because the batch was cancelled.
const ReasonCancelled = "cancelled"

// Filter selects payment records.
type Filter struct {
	ClaimID    string
	EmployeeID string
	Outcome    Outcome
	Limit      int
}

func (f Filter) pushdown() []docstore.Filter {
	var out []docstore.Filter
	if f.ClaimID != "" {
		out = append(out, docstore.Filter{Field: "claimId", Values: []string{f.ClaimID}})
	}
	if f.EmployeeID != "" {
		out = append(out, docstore.Filter{Field: "employeeId", Values: []string{f.EmployeeID}})
	}
	if f.Outcome != "" {
		out = append(out, docstore.Filter{Field: "outcome", Values: []string{string(f.Outcome)}})
	}
	return out
}

func decodeRecord(id string, raw json.RawMessage) (*Record, error) {
	var r Record
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("%w: payments/%s: %v", docstore.ErrInvalidDocument, id, err)
	}
	r.ID = id
	if err := r.Check(); err != nil {
		return nil, fmt.Errorf("%w: payments/%s: %v", docstore.ErrInvalidDocument, id, err)
	}
	return &r, nil
}

func sortRecordsNewestFirst(records []*Record) {
	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].CreatedAt.After(records[j].CreatedAt)
		}
		return records[i].ID > records[j].ID
	})
}
