package reconciliation

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/stableflow/internal/expense"
)

// Bucket is a claim count and the sum of their amounts.
type Bucket struct {
	Count  int             `json:"count"`
	Amount decimal.Decimal `json:"amount"`
}

func (b *Bucket) add(amount decimal.Decimal, sign int) {
	b.Count += sign
	if sign > 0 {
		b.Amount = b.Amount.Add(amount)
	} else {
		b.Amount = b.Amount.Sub(amount)
	}
}

// Statistics aggregates claims by lifecycle bucket.
type Statistics struct {
	Pending    Bucket    `json:"pending"` // PENDING and UNDER_REVIEW
	Approved   Bucket    `json:"approved"`
	Paid       Bucket    `json:"paid"`
	Rejected   Bucket    `json:"rejected"`
	Cancelled  Bucket    `json:"cancelled"`
	Total      Bucket    `json:"total"`
	ComputedAt time.Time `json:"computedAt,omitempty"`
}

// ComputeStatistics folds claims into buckets.
func ComputeStatistics(claims []*expense.Claim) Statistics {
	var s Statistics
	for _, c := range claims {
		s.apply(c.Status, c.Amount, 1)
	}
	return s
}

// apply adds (sign 1) or removes (sign -1) one claim.
func (s *Statistics) apply(status expense.Status, amount decimal.Decimal, sign int) {
	if b := s.bucket(status); b != nil {
		b.add(amount, sign)
	}
	s.Total.add(amount, sign)
}

func (s *Statistics) bucket(status expense.Status) *Bucket {
	switch status {
	case expense.StatusPending, expense.StatusUnderReview:
		return &s.Pending
	case expense.StatusApproved:
		return &s.Approved
	case expense.StatusPaid:
		return &s.Paid
	case expense.StatusRejected:
		return &s.Rejected
	case expense.StatusCancelled:
		return &s.Cancelled
	}
	return nil
}

// Buckets returns the named buckets in a stable order, total last.
func (s Statistics) Buckets() []NamedBucket {
	return []NamedBucket{
		{"pending", s.Pending},
		{"approved", s.Approved},
		{"paid", s.Paid},
		{"rejected", s.Rejected},
		{"cancelled", s.Cancelled},
		{"total", s.Total},
	}
}

// NamedBucket pairs a bucket with its label.
type NamedBucket struct {
	Name string
	Bucket
}
