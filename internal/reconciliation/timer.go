package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/stableflow/internal/expense"
	"github.com/mbd888/stableflow/internal/treasury"
)

// ApprovedClaims lists claims waiting for settlement.
type ApprovedClaims interface {
	Query(ctx context.Context, f expense.Filter) ([]*expense.Claim, error)
}

// TreasuryReader reads the live treasury balances.
type TreasuryReader interface {
	Balances(ctx context.Context) (treasury.Balances, error)
}

// CoverageResult compares approved-but-unpaid claims with the treasury.
type CoverageResult struct {
	Outstanding   decimal.Decimal `json:"outstanding"`
	ApprovedCount int             `json:"approvedCount"`
	TreasuryUSDC  decimal.Decimal `json:"treasuryUsdc"`
	Shortfall     decimal.Decimal `json:"shortfall"`
	Covered       bool            `json:"covered"`
	Initialized   bool            `json:"treasuryInitialized"`
	CheckedAt     time.Time       `json:"checkedAt"`
}

// CoverageCheck periodically verifies the treasury can pay every
// APPROVED claim.
type CoverageCheck struct {
	claims   ApprovedClaims
	treasury TreasuryReader
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
	last     atomic.Pointer[CoverageResult]
}

// NewCoverageCheck creates a coverage timer. Non-positive intervals use 5m.
func NewCoverageCheck(claims ApprovedClaims, t TreasuryReader, interval time.Duration, logger *slog.Logger) *CoverageCheck {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CoverageCheck{
		claims:   claims,
		treasury: t,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (c *CoverageCheck) Running() bool {
	return c.running.Load()
}

// Last returns the most recent result, or nil before the first check.
func (c *CoverageCheck) Last() *CoverageResult {
	return c.last.Load()
}

// Start runs a check immediately and then on every tick. Call in a goroutine.
func (c *CoverageCheck) Start(ctx context.Context) {
	c.running.Store(true)
	defer c.running.Store(false)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.safeRun(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			c.safeRun(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (c *CoverageCheck) Stop() {
	select {
	case c.stop <- struct{}{}:
	default:
	}
}

// Check computes coverage once.
func (c *CoverageCheck) Check(ctx context.Context) (*CoverageResult, error) {
	start := time.Now()
	defer func() { coverageDuration.Observe(time.Since(start).Seconds()) }()

	approved, err := c.claims.Query(ctx, expense.Filter{Statuses: []expense.Status{expense.StatusApproved}})
	if err != nil {
		coverageErrors.Inc()
		return nil, fmt.Errorf("list approved claims: %w", err)
	}
	outstanding := decimal.Zero
	for _, cl := range approved {
		outstanding = outstanding.Add(cl.Amount)
	}

	b, err := c.treasury.Balances(ctx)
	if err != nil {
		coverageErrors.Inc()
		return nil, fmt.Errorf("read treasury balance: %w", err)
	}

	res := &CoverageResult{
		Outstanding:   outstanding,
		ApprovedCount: len(approved),
		TreasuryUSDC:  b.USDC,
		Shortfall:     decimal.Zero,
		Initialized:   b.Initialized,
		CheckedAt:     time.Now().UTC(),
	}
	if outstanding.GreaterThan(b.USDC) {
		res.Shortfall = outstanding.Sub(b.USDC)
	}
	res.Covered = res.Shortfall.IsZero()

	approvedOutstanding.Set(outstanding.InexactFloat64())
	treasuryUSDC.Set(b.USDC.InexactFloat64())
	coverageShortfall.Set(res.Shortfall.InexactFloat64())
	c.last.Store(res)
	return res, nil
}

func (c *CoverageCheck) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("panic in coverage check", "panic", fmt.Sprint(r))
		}
	}()

	res, err := c.Check(ctx)
	if err != nil {
		c.logger.Warn("coverage check failed", "error", err)
		return
	}
	if !res.Covered {
		c.logger.Error("treasury cannot cover approved claims",
			"outstanding", res.Outstanding.String(),
			"treasury_usdc", res.TreasuryUSDC.String(),
			"shortfall", res.Shortfall.String(),
			"approved_count", res.ApprovedCount)
	}
}
