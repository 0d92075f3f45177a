package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/mbd888/stableflow/internal/chain"
	"github.com/mbd888/stableflow/internal/circuitbreaker"
	"github.com/mbd888/stableflow/internal/docstore"
	"github.com/mbd888/stableflow/internal/expense"
	"github.com/mbd888/stableflow/internal/lease"
	"github.com/mbd888/stableflow/internal/logging"
	"github.com/mbd888/stableflow/internal/retry"
	"github.com/mbd888/stableflow/internal/traces"
	"github.com/mbd888/stableflow/internal/treasury"
	"github.com/mbd888/stableflow/internal/usdc"
)

// Payees resolves where and to whom a claim owner is paid.
type Payees interface {
	Wallet(ctx context.Context, employeeID string) (string, error)
	DisplayName(ctx context.Context, employeeID string) (string, error)
}

// Notifier receives settlement outcomes. Calls must not block.
type Notifier interface {
	PaymentSettled(r *Record)
	PaymentFailed(r *Record)
}

// Config tunes the engine.
type Config struct {
	// ExplorerURL is the block explorer base, e.g. https://basescan.org.
	ExplorerURL string
	// SettlementTimeout bounds one transfer including confirmation.
	SettlementTimeout time.Duration
}

const breakerKey = "transfer"

// Engine settles approved claims from the treasury.
type Engine struct {
	claims   *expense.Manager
	payees   Payees
	chain    chain.Client
	treasury *treasury.Treasury
	leases   lease.Leaser
	docs     docstore.Store
	breaker  *circuitbreaker.Breaker
	notifier Notifier
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

// NewEngine wires the payment engine. The treasury handle may be nil or
// uninitialized; settlement then fails with ErrTreasuryUninitialized.
func NewEngine(
	claims *expense.Manager,
	payees Payees,
	client chain.Client,
	t *treasury.Treasury,
	leases lease.Leaser,
	docs docstore.Store,
	cfg Config,
	logger *slog.Logger,
) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SettlementTimeout <= 0 {
		cfg.SettlementTimeout = 90 * time.Second
	}
	return &Engine{
		claims:   claims,
		payees:   payees,
		chain:    client,
		treasury: t,
		leases:   leases,
		docs:     docs,
		breaker:  circuitbreaker.New("chain", 5, 30*time.Second),
		cfg:      cfg,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithNotifier adds a settlement event sink.
func (e *Engine) WithNotifier(n Notifier) *Engine {
	e.notifier = n
	return e
}

// WithBreaker replaces the chain circuit breaker.
func (e *Engine) WithBreaker(b *circuitbreaker.Breaker) *Engine {
	e.breaker = b
	return e
}

// SettleSingle pays one APPROVED claim and marks it PAID.
//
// Precondition failures (wrong status, missing or invalid wallet, no
// treasury) return before any chain call. A failed transfer leaves the
// claim APPROVED, appends a FAILED record and returns a *chain.ChainError.
// Transfers are never retried automatically.
func (e *Engine) SettleSingle(ctx context.Context, claimID, actorID string) (*Settlement, error) {
	s, _, err := e.settle(ctx, claimID, actorID)
	return s, err
}

// settle also returns the claim owner when it is known, for batch reports.
func (e *Engine) settle(ctx context.Context, claimID, actorID string) (*Settlement, string, error) {
	ctx, span := traces.StartSpan(ctx, "payment.settle", traces.ClaimID(claimID))
	defer span.End()
	start := time.Now()

	claim, err := e.precheck(ctx, claimID)
	if err != nil {
		observeSettlement(outcomeRejected, start)
		span.SetStatus(codes.Error, err.Error())
		return nil, ownerOf(claim), err
	}
	span.SetAttributes(traces.EmployeeID(claim.OwnerID), traces.Amount(claim.Amount.String()))

	l, err := e.leases.Acquire(ctx, expense.LeaseKey(claimID))
	if err != nil {
		observeSettlement(outcomeRejected, start)
		return nil, claim.OwnerID, fmt.Errorf("lock claim %s: %w", claimID, err)
	}
	defer func() {
		if err := l.Release(context.WithoutCancel(ctx)); err != nil {
			e.logger.Warn("claim lease release failed", "claim_id", claimID, "error", err)
		}
	}()

	// Another settlement may have finished while we waited for the lease.
	claim, err = e.claims.Get(ctx, claimID)
	if err != nil {
		observeSettlement(outcomeRejected, start)
		return nil, "", err
	}
	if claim.Status != expense.StatusApproved {
		observeSettlement(outcomeRejected, start)
		return nil, claim.OwnerID, &expense.InvalidTransitionError{ClaimID: claim.ID, From: claim.Status, To: expense.StatusPaid}
	}

	// A confirmed transfer whose claim write failed must be finished, not repeated.
	prior, err := e.confirmedRecord(ctx, claim.ID)
	if err != nil {
		observeSettlement(outcomeRejected, start)
		return nil, claim.OwnerID, err
	}
	if prior != nil {
		s, err := e.completeRecorded(ctx, claim, prior, actorID)
		if err != nil {
			observeSettlement(outcomeRejected, start)
			return nil, claim.OwnerID, err
		}
		observeSettlement(outcomeSuccess, start)
		return s, claim.OwnerID, nil
	}

	// The wallet may have changed while we waited for the lease.
	wallet, err := e.resolveWallet(ctx, claim.OwnerID)
	if err != nil {
		observeSettlement(outcomeRejected, start)
		return nil, claim.OwnerID, err
	}

	units, err := usdc.ToUnits(claim.Amount)
	if err != nil || units.Sign() <= 0 {
		observeSettlement(outcomeRejected, start)
		return nil, claim.OwnerID, ErrInvalidAmount
	}

	log := logging.L(ctx).With("claim_id", claim.ID, "employee_id", claim.OwnerID, "amount", claim.Amount.String())
	log.Info("dispatching settlement", "to", wallet)

	receipt, err := e.dispatch(ctx, wallet, units)
	if errors.Is(err, ErrChainUnavailable) {
		observeSettlement(outcomeRejected, start)
		span.SetStatus(codes.Error, err.Error())
		return nil, claim.OwnerID, err
	}
	if err != nil {
		observeSettlement(outcomeFailed, start)
		span.SetStatus(codes.Error, err.Error())
		rec := e.newRecord(ctx, claim, wallet, actorID)
		rec.Outcome = OutcomeFailed
		rec.Error = err.Error()
		var cerr *chain.ChainError
		if errors.As(err, &cerr) && cerr.Broadcast() {
			rec.TransferRef = cerr.TxHash
			rec.ExplorerURL = e.explorerURL(cerr.TxHash)
			log.Error("CRITICAL: transfer broadcast but not confirmed, verify on chain before retrying",
				"tx_hash", cerr.TxHash, "error", err)
		} else {
			log.Warn("settlement failed", "error", err)
		}
		e.appendRecord(ctx, rec)
		if e.notifier != nil {
			e.notifier.PaymentFailed(rec)
		}
		return nil, claim.OwnerID, err
	}

	span.SetAttributes(traces.TxHash(receipt.TxHash))
	rec := e.newRecord(ctx, claim, wallet, actorID)
	rec.Outcome = OutcomeSuccess
	rec.TransferRef = receipt.TxHash
	rec.ExplorerURL = e.explorerURL(receipt.TxHash)
	recorded := e.appendRecord(ctx, rec)

	if err := e.markPaid(ctx, claim, rec, actorID); err != nil {
		observeSettlement(outcomeSuccess, start)
		if recorded {
			log.Error("CRITICAL: transfer confirmed but claim not marked paid, next settlement completes it without a transfer",
				"tx_hash", receipt.TxHash, "error", err)
		} else {
			log.Error("CRITICAL: transfer confirmed but neither claim nor payment record written, reconcile manually",
				"tx_hash", receipt.TxHash, "error", err)
		}
		return nil, claim.OwnerID, fmt.Errorf("claim %s paid on chain in %s but not recorded: %w", claim.ID, receipt.TxHash, err)
	}

	observeSettlement(outcomeSuccess, start)
	SettledAmount.Add(claim.Amount.InexactFloat64())
	log.Info("claim settled", "tx_hash", receipt.TxHash)
	if e.notifier != nil {
		e.notifier.PaymentSettled(rec)
	}
	return &Settlement{
		ClaimID:     claim.ID,
		EmployeeID:  claim.OwnerID,
		TransferRef: receipt.TxHash,
		ExplorerURL: rec.ExplorerURL,
		Payment:     rec,
	}, claim.OwnerID, nil
}

// precheck verifies everything that can be checked without touching the chain.
func (e *Engine) precheck(ctx context.Context, claimID string) (*expense.Claim, error) {
	claim, err := e.claims.Get(ctx, claimID)
	if err != nil {
		return nil, err
	}
	if claim.Status != expense.StatusApproved {
		return claim, &expense.InvalidTransitionError{ClaimID: claim.ID, From: claim.Status, To: expense.StatusPaid}
	}

	if _, err := e.resolveWallet(ctx, claim.OwnerID); err != nil {
		return claim, err
	}

	if !e.treasury.Initialized() {
		return claim, ErrTreasuryUninitialized
	}
	return claim, nil
}

func (e *Engine) resolveWallet(ctx context.Context, employeeID string) (string, error) {
	wallet, err := e.payees.Wallet(ctx, employeeID)
	if err != nil {
		return "", fmt.Errorf("resolve wallet for %s: %w", employeeID, err)
	}
	if wallet == "" {
		return "", &WalletError{EmployeeID: employeeID, Err: ErrNoWallet}
	}
	if !e.chain.IsValidAddress(wallet) {
		return "", &WalletError{EmployeeID: employeeID, Address: wallet, Err: ErrInvalidWallet}
	}
	return wallet, nil
}

// confirmedRecord returns the newest SUCCESS record for a claim, if any.
// Reading it fails closed: without the answer a transfer could repeat.
func (e *Engine) confirmedRecord(ctx context.Context, claimID string) (*Record, error) {
	records, err := e.Payments(ctx, Filter{ClaimID: claimID, Outcome: OutcomeSuccess, Limit: 1})
	if err != nil {
		return nil, fmt.Errorf("check prior payments for %s: %w", claimID, err)
	}
	if len(records) == 0 {
		return nil, nil
	}
	return records[0], nil
}

// completeRecorded marks a claim PAID from an earlier confirmed transfer.
func (e *Engine) completeRecorded(ctx context.Context, claim *expense.Claim, rec *Record, actorID string) (*Settlement, error) {
	log := logging.L(ctx).With("claim_id", claim.ID, "tx_hash", rec.TransferRef)
	log.Warn("claim already paid on chain, completing from payment record")
	if err := e.markPaid(ctx, claim, rec, actorID); err != nil {
		log.Error("CRITICAL: claim still not marked paid", "error", err)
		return nil, fmt.Errorf("claim %s paid on chain in %s but not recorded: %w", claim.ID, rec.TransferRef, err)
	}
	if e.notifier != nil {
		e.notifier.PaymentSettled(rec)
	}
	return &Settlement{
		ClaimID:     claim.ID,
		EmployeeID:  claim.OwnerID,
		TransferRef: rec.TransferRef,
		ExplorerURL: rec.ExplorerURL,
		Payment:     rec,
	}, nil
}

// dispatch runs the transfer detached from the caller's cancellation so a
// dropped request cannot abandon a transaction already in flight.
func (e *Engine) dispatch(ctx context.Context, to string, units *big.Int) (*chain.Receipt, error) {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.SettlementTimeout)
	defer cancel()

	var receipt *chain.Receipt
	err := e.breaker.Do(breakerKey, func() error {
		var err error
		receipt, err = e.treasury.Transfer(dctx, to, units)
		return err
	}, countsAgainstChain)
	switch {
	case err == nil:
		return receipt, nil
	case errors.Is(err, circuitbreaker.ErrOpen):
		return nil, ErrChainUnavailable
	}

	var cerr *chain.ChainError
	if !errors.As(err, &cerr) {
		err = &chain.ChainError{Op: "transfer", Err: err}
	}
	return nil, err
}

// countsAgainstChain separates infrastructure failures from refusals such
// as insufficient funds, which say nothing about the RPC endpoint.
func countsAgainstChain(err error) bool {
	return errors.Is(err, chain.ErrRPC) ||
		errors.Is(err, chain.ErrTimeout) ||
		errors.Is(err, context.DeadlineExceeded)
}

func (e *Engine) markPaid(ctx context.Context, claim *expense.Claim, rec *Record, actorID string) error {
	wctx := context.WithoutCancel(ctx)
	p := expense.Payment{
		Ref:          rec.TransferRef,
		ExplorerURL:  rec.ExplorerURL,
		PayerAddress: e.treasury.Address().Hex(),
		PaidAt:       rec.CreatedAt,
	}
	return retry.Do(wctx, 3, 100*time.Millisecond, func() error {
		_, err := e.claims.MarkPaid(wctx, claim.ID, p, actorID)
		if err == nil {
			return nil
		}
		var (
			terr *expense.InvalidTransitionError
			verr *expense.ValidationError
		)
		if errors.As(err, &terr) || errors.As(err, &verr) || errors.Is(err, expense.ErrNotFound) {
			return retry.Permanent(err)
		}
		return err
	})
}

func (e *Engine) newRecord(ctx context.Context, claim *expense.Claim, wallet, actorID string) *Record {
	name := claim.OwnerName
	if name == "" {
		if n, err := e.payees.DisplayName(ctx, claim.OwnerID); err == nil {
			name = n
		}
	}
	return &Record{
		ClaimID:       claim.ID,
		EmployeeID:    claim.OwnerID,
		EmployeeName:  name,
		Amount:        claim.Amount,
		WalletAddress: wallet,
		CreatedAt:     e.now(),
		ProcessedBy:   actorID,
	}
}

// appendRecord writes rec with a few quick retries and reports whether it
// landed. A missing record is logged, never surfaced: the transfer
// outcome already happened.
func (e *Engine) appendRecord(ctx context.Context, rec *Record) bool {
	wctx := context.WithoutCancel(ctx)
	err := retry.Do(wctx, 3, 50*time.Millisecond, func() error {
		id, err := docstore.PushJSON(wctx, e.docs, Collection, rec)
		if err != nil {
			if errors.Is(err, docstore.ErrInvalidDocument) || errors.Is(err, docstore.ErrInvalidPath) {
				return retry.Permanent(err)
			}
			return err
		}
		rec.ID = id
		return nil
	})
	if err != nil {
		e.logger.Error("CRITICAL: payment record not written",
			"claim_id", rec.ClaimID, "outcome", rec.Outcome, "transfer_ref", rec.TransferRef, "error", err)
		return false
	}
	return true
}

func (e *Engine) explorerURL(txHash string) string {
	if e.cfg.ExplorerURL == "" || txHash == "" {
		return ""
	}
	return e.cfg.ExplorerURL + "/tx/" + txHash
}

// SettleBatch settles claims one after another. A failing item never
// stops the rest. Once ctx is done, items not yet started are reported
// failed with reason "cancelled"; an item already dispatching finishes.
func (e *Engine) SettleBatch(ctx context.Context, claimIDs []string, actorID string) *BatchResult {
	ctx, span := traces.StartSpan(ctx, "payment.SettleBatch", traces.BatchSize(len(claimIDs)))
	defer span.End()

	res := &BatchResult{
		Successful: []BatchSuccess{},
		Failed:     []BatchFailure{},
	}
	for _, id := range claimIDs {
		res.TotalProcessed++
		if ctx.Err() != nil {
			res.Failed = append(res.Failed, BatchFailure{ClaimID: id, Reason: ReasonCancelled})
			BatchItemsTotal.WithLabelValues("cancelled").Inc()
			continue
		}

		s, owner, err := e.settle(ctx, id, actorID)
		if err != nil {
			reason := err.Error()
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				reason = ReasonCancelled
			}
			res.Failed = append(res.Failed, BatchFailure{ClaimID: id, EmployeeID: owner, Reason: reason})
			BatchItemsTotal.WithLabelValues("failed").Inc()
			continue
		}
		res.Successful = append(res.Successful, BatchSuccess{
			ClaimID:     s.ClaimID,
			EmployeeID:  s.EmployeeID,
			TransferRef: s.TransferRef,
		})
		BatchItemsTotal.WithLabelValues("succeeded").Inc()
	}
	res.Success = len(res.Failed) == 0

	logging.L(ctx).Info("batch settlement finished",
		"total", res.TotalProcessed, "succeeded", len(res.Successful), "failed", len(res.Failed))
	return res
}

// SettleApproved settles every APPROVED claim, oldest first.
func (e *Engine) SettleApproved(ctx context.Context, actorID string) (*BatchResult, error) {
	approved, err := e.claims.Query(ctx, expense.Filter{Statuses: []expense.Status{expense.StatusApproved}})
	if err != nil {
		return nil, fmt.Errorf("list approved claims: %w", err)
	}
	ids := make([]string, len(approved))
	for i, c := range approved {
		ids[len(approved)-1-i] = c.ID
	}
	return e.SettleBatch(ctx, ids, actorID), nil
}

// TreasuryBalance reads the treasury's native and USDC balances.
func (e *Engine) TreasuryBalance(ctx context.Context) (treasury.Balances, error) {
	b, err := e.treasury.Balances(ctx)
	if err != nil {
		return treasury.Balances{}, fmt.Errorf("read treasury balances: %w", err)
	}
	return b, nil
}

// Payments returns payment records matching f, newest first.
func (e *Engine) Payments(ctx context.Context, f Filter) ([]*Record, error) {
	entries, err := e.docs.List(ctx, Collection, f.pushdown()...)
	if err != nil {
		return nil, err
	}
	out := make([]*Record, 0, len(entries))
	for _, entry := range entries {
		r, err := decodeRecord(entry.ID, entry.Data)
		if err != nil {
			e.logger.Warn("skipping malformed payment record", "id", entry.ID, "error", err)
			continue
		}
		out = append(out, r)
	}
	sortRecordsNewestFirst(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func ownerOf(c *expense.Claim) string {
	if c == nil {
		return ""
	}
	return c.OwnerID
}
