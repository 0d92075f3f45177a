// Package expense owns the expense claim lifecycle.
//
// Flow:
//  1. Employee submits a claim → PENDING
//  2. Manager picks it up → UNDER_REVIEW (optional)
//  3. Manager decides → APPROVED or REJECTED (reason required)
//  4. Payment engine settles an APPROVED claim → PAID
//  5. Owner withdraws a claim that is not yet final → CANCELLED
//
// PAID, REJECTED and CANCELLED are terminal. Claims are never deleted.
package expense

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/stableflow/internal/pagination"
	"github.com/mbd888/stableflow/internal/usdc"
	"github.com/mbd888/stableflow/internal/validation"
)

var (
	ErrNotFound  = errors.New("claim not found")
	ErrNotOwner  = errors.New("only the claim owner can do this")
	ErrForbidden = errors.New("actor is not allowed to review claims")
	ErrDuplicate = errors.New("claim already exists")
)

// Status is a claim's lifecycle state.
type Status string

const (
	StatusPending     Status = "PENDING"
	StatusUnderReview Status = "UNDER_REVIEW"
	StatusApproved    Status = "APPROVED"
	StatusRejected    Status = "REJECTED"
	StatusPaid        Status = "PAID"
	StatusCancelled   Status = "CANCELLED"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{
	StatusPending, StatusUnderReview, StatusApproved,
	StatusRejected, StatusPaid, StatusCancelled,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// IsTerminal returns true if no transition leaves s.
func (s Status) IsTerminal() bool {
	return s.Valid() && len(transitions[s]) == 0
}

// transitions is the full claim graph. APPROVED → PAID is listed so
// MarkPaid can check it, but Transition never takes that edge.
var transitions = map[Status][]Status{
	StatusPending:     {StatusUnderReview, StatusApproved, StatusRejected, StatusCancelled},
	StatusUnderReview: {StatusApproved, StatusRejected, StatusCancelled},
	StatusApproved:    {StatusPaid, StatusCancelled},
	StatusRejected:    {},
	StatusPaid:        {},
	StatusCancelled:   {},
}

// CanTransition reports whether the graph has an edge from → to.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Category tags what a claim was spent on.
type Category string

const (
	CategoryTravel        Category = "TRAVEL"
	CategoryMeals         Category = "MEALS"
	CategorySupplies      Category = "SUPPLIES"
	CategoryEquipment     Category = "EQUIPMENT"
	CategorySoftware      Category = "SOFTWARE"
	CategoryTraining      Category = "TRAINING"
	CategoryEntertainment Category = "ENTERTAINMENT"
	CategoryUtilities     Category = "UTILITIES"
	CategoryOther         Category = "OTHER"
)

// Categories lists every known category.
var Categories = []Category{
	CategoryTravel, CategoryMeals, CategorySupplies, CategoryEquipment,
	CategorySoftware, CategoryTraining, CategoryEntertainment,
	CategoryUtilities, CategoryOther,
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	for _, k := range Categories {
		if c == k {
			return true
		}
	}
	return false
}

func categoryNames() []string {
	out := make([]string, len(Categories))
	for i, c := range Categories {
		out[i] = string(c)
	}
	return out
}

// Claim is an employee's reimbursement request.
type Claim struct {
	ID              string          `json:"id"`
	OwnerID         string          `json:"ownerId"`
	OwnerName       string          `json:"ownerName,omitempty"`
	Title           string          `json:"title"`
	Description     string          `json:"description"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	Category        Category        `json:"category"`
	Status          Status          `json:"status"`
	ReceiptRef      string          `json:"receiptRef,omitempty"`
	SubmittedAt     time.Time       `json:"submittedAt"`
	ProcessedAt     *time.Time      `json:"processedAt,omitempty"`
	ProcessedBy     string          `json:"processedBy,omitempty"`
	RejectionReason string          `json:"rejectionReason,omitempty"`
	PaymentRef      string          `json:"paymentRef,omitempty"`
	ExplorerURL     string          `json:"explorerUrl,omitempty"`
	PaidAt          *time.Time      `json:"paidAt,omitempty"`
	PayerAddress    string          `json:"payerAddress,omitempty"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// MarshalJSON keeps the amount as a fixed six-decimal string.
func (c Claim) MarshalJSON() ([]byte, error) {
	type alias Claim
	return json.Marshal(struct {
		alias
		Amount string `json:"amount"`
	}{alias: alias(c), Amount: usdc.FormatAmount(c.Amount)})
}

// Check enforces the record invariants. It runs on every decode and
// before every write, so a malformed document never enters or leaves
// the store as a Claim.
func (c *Claim) Check() error {
	switch {
	case c.ID == "":
		return errors.New("missing id")
	case c.OwnerID == "":
		return errors.New("missing ownerId")
	case !c.Status.Valid():
		return fmt.Errorf("unknown status %q", c.Status)
	case !c.Category.Valid():
		return fmt.Errorf("unknown category %q", c.Category)
	case !c.Amount.IsPositive():
		return fmt.Errorf("amount %s must be positive", c.Amount)
	case (c.Status == StatusRejected) != (c.RejectionReason != ""):
		return errors.New("rejectionReason must be set exactly when REJECTED")
	case (c.Status == StatusPaid) != (c.PaymentRef != ""):
		return errors.New("paymentRef must be set exactly when PAID")
	}
	return nil
}

// Fields is what an employee fills in when submitting a claim.
type Fields struct {
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
	Category    Category        `json:"category"`
	ReceiptRef  string          `json:"receiptRef,omitempty"`
}

// Validate checks submitted fields against the claim rules and returns
// every violation, in field order. An empty result means valid.
func Validate(f Fields, ceiling decimal.Decimal) validation.ValidationErrors {
	return validation.Validate(
		validation.MinLength("title", f.Title, 3, "Title must be at least 3 characters"),
		validation.MaxLength("title", f.Title, 200),
		validation.MinLength("description", f.Description, 10, "Description must be at least 10 characters"),
		validation.MaxLength("description", f.Description, 4000),
		validation.Positive("amount", f.Amount, "Amount must be greater than 0"),
		validation.AtMost("amount", f.Amount, ceiling,
			fmt.Sprintf("Amount must not exceed %s %s", ceiling.String(), usdc.Symbol)),
		validation.Required("category", string(f.Category), "Category is required"),
		validation.OneOf("category", string(f.Category), categoryNames(), "Unknown category"),
		validation.MaxLength("receiptRef", f.ReceiptRef, 1024),
	)
}

// ValidationError carries every rule a request violated.
type ValidationError struct {
	Violations validation.ValidationErrors
}

func (e *ValidationError) Error() string {
	return "invalid claim: " + e.Violations.Error()
}

func (e *ValidationError) Unwrap() error { return e.Violations }

func violation(field, message string) *ValidationError {
	return &ValidationError{Violations: validation.ValidationErrors{{Field: field, Message: message}}}
}

// InvalidTransitionError is returned for any move the graph does not allow.
// The claim is left untouched.
type InvalidTransitionError struct {
	ClaimID string
	From    Status
	To      Status
}

func (e *InvalidTransitionError) Error() string {
	msg := fmt.Sprintf("claim %s cannot move from %s to %s", e.ClaimID, e.From, e.To)
	if e.To == StatusPaid {
		msg += " (claims are marked paid only by settlement)"
	}
	return msg
}

// Filter selects claims for Query and Subscribe. Zero fields match everything.
type Filter struct {
	Statuses []Status
	Category Category
	OwnerID  string
	From     time.Time // inclusive, on SubmittedAt
	To       time.Time // inclusive, on SubmittedAt
	After    *pagination.Cursor
	Limit    int
}

// Match reports whether c passes every predicate except Limit.
func (f Filter) Match(c *Claim) bool {
	if len(f.Statuses) > 0 {
		ok := false
		for _, s := range f.Statuses {
			if c.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.Category != "" && c.Category != f.Category {
		return false
	}
	if f.OwnerID != "" && c.OwnerID != f.OwnerID {
		return false
	}
	if !f.From.IsZero() && c.SubmittedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && c.SubmittedAt.After(f.To) {
		return false
	}
	return f.After.Follows(c.SubmittedAt, c.ID)
}

// ParseStatuses parses a comma-separated status list.
func ParseStatuses(s string) ([]Status, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var out []Status
	for _, part := range strings.Split(s, ",") {
		st := Status(strings.ToUpper(strings.TrimSpace(part)))
		if !st.Valid() {
			return nil, fmt.Errorf("unknown status %q", part)
		}
		out = append(out, st)
	}
	return out, nil
}

// LeaseKey is the lease name that serializes every mutation of a claim,
// shared by the lifecycle manager and the payment engine.
func LeaseKey(claimID string) string {
	return "claim:" + claimID
}
