package expense

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/stableflow/internal/docstore"
	"github.com/mbd888/stableflow/internal/idgen"
	"github.com/mbd888/stableflow/internal/lease"
	"github.com/mbd888/stableflow/internal/logging"
	"github.com/mbd888/stableflow/internal/metrics"
	"github.com/mbd888/stableflow/internal/usdc"
)

// Reviewers decides who may review, approve and reject claims.
type Reviewers interface {
	CanReview(ctx context.Context, actorID string) (bool, error)
}

// Owners resolves display names for claim owners.
type Owners interface {
	DisplayName(ctx context.Context, employeeID string) (string, error)
}

// Notifier receives lifecycle events. Calls must not block.
type Notifier interface {
	ClaimSubmitted(c *Claim)
	ClaimTransitioned(c *Claim, from Status)
}

// Payment is what settlement records on a claim when it is paid.
type Payment struct {
	Ref          string
	ExplorerURL  string
	PayerAddress string
	PaidAt       time.Time
}

// Manager implements the claim lifecycle.
type Manager struct {
	store     *Store
	docs      docstore.Store
	leases    lease.Leaser
	ceiling   decimal.Decimal
	reviewers Reviewers
	owners    Owners
	notifier  Notifier
	logger    *slog.Logger
	now       func() time.Time
}

// NewManager creates a lifecycle manager. leases serializes mutations of
// one claim against settlement; ceiling caps claim amounts.
func NewManager(docs docstore.Store, leases lease.Leaser, ceiling decimal.Decimal, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:   NewStore(docs, logger).WithCeiling(ceiling),
		docs:    docs,
		leases:  leases,
		ceiling: ceiling,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithReviewers restricts review transitions to actors r approves.
func (m *Manager) WithReviewers(r Reviewers) *Manager {
	m.reviewers = r
	return m
}

// WithOwners fills ownerName on new claims.
func (m *Manager) WithOwners(o Owners) *Manager {
	m.owners = o
	return m
}

// WithNotifier adds a lifecycle event sink.
func (m *Manager) WithNotifier(n Notifier) *Manager {
	m.notifier = n
	return m
}

// Store exposes the typed claim store for collaborating packages.
func (m *Manager) Store() *Store { return m.store }

// Ceiling returns the maximum claim amount.
func (m *Manager) Ceiling() decimal.Decimal { return m.ceiling }

// Validate checks fields against the claim rules.
func (m *Manager) Validate(f Fields) error {
	if errs := Validate(f, m.ceiling); len(errs) > 0 {
		return &ValidationError{Violations: errs}
	}
	return nil
}

// Create validates f and stores a new PENDING claim owned by ownerID.
func (m *Manager) Create(ctx context.Context, ownerID string, f Fields) (*Claim, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, violation("ownerId", "Owner is required")
	}
	if err := m.Validate(f); err != nil {
		return nil, err
	}
	amount, err := usdc.ParseAmount(f.Amount.String())
	if err != nil {
		return nil, violation("amount", "Amount is not a valid USDC amount")
	}
	if !amount.IsPositive() {
		return nil, violation("amount", "Amount is below the smallest USDC unit")
	}

	now := m.now()
	c := &Claim{
		ID:          idgen.ClaimID(),
		OwnerID:     ownerID,
		Title:       strings.TrimSpace(f.Title),
		Description: strings.TrimSpace(f.Description),
		Amount:      amount,
		Currency:    usdc.Symbol,
		Category:    f.Category,
		Status:      StatusPending,
		ReceiptRef:  strings.TrimSpace(f.ReceiptRef),
		SubmittedAt: now,
		UpdatedAt:   now,
	}
	if m.owners != nil {
		if name, err := m.owners.DisplayName(ctx, ownerID); err == nil {
			c.OwnerName = name
		}
	}

	if err := m.store.Create(ctx, c); err != nil {
		return nil, fmt.Errorf("create claim: %w", err)
	}

	metrics.ClaimsSubmittedTotal.WithLabelValues(string(c.Category)).Inc()
	logging.L(ctx).Info("claim submitted", "claim_id", c.ID, "owner_id", ownerID, "amount", c.Amount.String())
	if m.notifier != nil {
		m.notifier.ClaimSubmitted(c)
	}
	return c, nil
}

// Get returns a claim by id.
func (m *Manager) Get(ctx context.Context, id string) (*Claim, error) {
	return m.store.Get(ctx, id)
}

// Query returns claims matching f, newest first.
func (m *Manager) Query(ctx context.Context, f Filter) ([]*Claim, error) {
	return m.store.List(ctx, f)
}

// Transition moves a claim along the lifecycle graph on behalf of actorID.
// Moving to PAID is always refused here; settlement uses MarkPaid.
// CANCELLED goes through Cancel and so only the owner may request it.
func (m *Manager) Transition(ctx context.Context, claimID string, target Status, actorID, reason string) (*Claim, error) {
	if !target.Valid() {
		return nil, violation("status", fmt.Sprintf("Unknown status %q", target))
	}
	if target == StatusCancelled {
		return m.Cancel(ctx, claimID, actorID)
	}
	reason = strings.TrimSpace(reason)
	if target == StatusRejected && reason == "" {
		return nil, violation("reason", "A reason is required to reject a claim")
	}
	if target != StatusPaid {
		if err := m.checkReviewer(ctx, actorID); err != nil {
			return nil, err
		}
	}

	return m.mutate(ctx, claimID, func(c *Claim) error {
		if target == StatusPaid || !CanTransition(c.Status, target) {
			return &InvalidTransitionError{ClaimID: c.ID, From: c.Status, To: target}
		}
		now := m.now()
		c.Status = target
		c.ProcessedAt = &now
		c.ProcessedBy = actorID
		c.UpdatedAt = now
		if target == StatusRejected {
			c.RejectionReason = reason
		}
		return nil
	})
}

// Cancel withdraws a claim. Only its owner may cancel it.
func (m *Manager) Cancel(ctx context.Context, claimID, actorID string) (*Claim, error) {
	return m.mutate(ctx, claimID, func(c *Claim) error {
		if c.OwnerID != actorID {
			return ErrNotOwner
		}
		if !CanTransition(c.Status, StatusCancelled) {
			return &InvalidTransitionError{ClaimID: c.ID, From: c.Status, To: StatusCancelled}
		}
		now := m.now()
		c.Status = StatusCancelled
		c.ProcessedAt = &now
		c.ProcessedBy = actorID
		c.UpdatedAt = now
		return nil
	})
}

// MarkPaid records a confirmed settlement on an APPROVED claim. The caller
// must hold the claim's lease. Repeating the call with the same reference
// on a PAID claim succeeds without writing.
func (m *Manager) MarkPaid(ctx context.Context, claimID string, p Payment, actorID string) (*Claim, error) {
	if strings.TrimSpace(p.Ref) == "" {
		return nil, violation("paymentRef", "A payment reference is required")
	}
	var (
		out  *Claim
		from Status
	)
	_, err := m.store.Mutate(ctx, claimID, func(c *Claim) error {
		from = c.Status
		if c.Status == StatusPaid && c.PaymentRef == p.Ref {
			out = c
			return errAlreadyPaid
		}
		if !CanTransition(c.Status, StatusPaid) {
			return &InvalidTransitionError{ClaimID: c.ID, From: c.Status, To: StatusPaid}
		}
		now := m.now()
		paidAt := p.PaidAt
		if paidAt.IsZero() {
			paidAt = now
		}
		c.Status = StatusPaid
		c.PaymentRef = p.Ref
		c.ExplorerURL = p.ExplorerURL
		c.PayerAddress = p.PayerAddress
		c.PaidAt = &paidAt
		c.ProcessedAt = &now
		c.ProcessedBy = actorID
		c.UpdatedAt = now
		out = c
		return nil
	})
	if errors.Is(err, errAlreadyPaid) {
		return out, nil
	}
	if err != nil {
		return nil, err
	}
	metrics.ClaimTransitionsTotal.WithLabelValues(string(from), string(StatusPaid)).Inc()
	if m.notifier != nil {
		m.notifier.ClaimTransitioned(out, from)
	}
	return out, nil
}

// errAlreadyPaid aborts the MarkPaid transaction without writing.
var errAlreadyPaid = errors.New("claim already paid with this reference")

// Subscribe delivers the filtered claim set, newest first, whenever any
// claim changes. Slow subscribers only see the latest set.
func (m *Manager) Subscribe(ctx context.Context, f Filter, fn func([]*Claim)) (*docstore.Subscription, error) {
	return m.docs.Subscribe(ctx, Collection, func(snap docstore.Snapshot) {
		fn(m.store.fromEntries(snap.Entries, f))
	})
}

// mutate runs fn under the claim lease and emits a transition event.
func (m *Manager) mutate(ctx context.Context, claimID string, fn func(*Claim) error) (*Claim, error) {
	if m.leases != nil {
		l, err := m.leases.Acquire(ctx, LeaseKey(claimID))
		if err != nil {
			return nil, fmt.Errorf("lock claim %s: %w", claimID, err)
		}
		defer func() {
			if err := l.Release(context.WithoutCancel(ctx)); err != nil {
				m.logger.Warn("claim lease release failed", "claim_id", claimID, "error", err)
			}
		}()
	}

	var from Status
	c, err := m.store.Mutate(ctx, claimID, func(c *Claim) error {
		from = c.Status
		return fn(c)
	})
	if err != nil {
		return nil, err
	}

	metrics.ClaimTransitionsTotal.WithLabelValues(string(from), string(c.Status)).Inc()
	logging.L(ctx).Info("claim transitioned",
		"claim_id", c.ID, "from", from, "to", c.Status, "actor_id", c.ProcessedBy)
	if m.notifier != nil {
		m.notifier.ClaimTransitioned(c, from)
	}
	return c, nil
}

func (m *Manager) checkReviewer(ctx context.Context, actorID string) error {
	if m.reviewers == nil {
		return nil
	}
	ok, err := m.reviewers.CanReview(ctx, actorID)
	if err != nil {
		return fmt.Errorf("check reviewer %s: %w", actorID, err)
	}
	if !ok {
		return ErrForbidden
	}
	return nil
}
