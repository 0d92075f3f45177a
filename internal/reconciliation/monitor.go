package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/stableflow/internal/docstore"
	"github.com/mbd888/stableflow/internal/expense"
)

// Statistics recompute modes.
const (
	ModeFull        = "full"
	ModeIncremental = "incremental"
)

// ClaimFeed delivers the whole claim set on every change.
type ClaimFeed interface {
	Subscribe(ctx context.Context, f expense.Filter, fn func([]*expense.Claim)) (*docstore.Subscription, error)
}

type indexed struct {
	status    expense.Status
	amount    decimal.Decimal
	updatedAt time.Time
}

// Monitor keeps claim statistics current.
//
// In full mode every delivery is folded from scratch. In incremental mode
// only claims whose UpdatedAt moved are applied as deltas; when more than
// batchSize claims changed at once the monitor recomputes from scratch.
type Monitor struct {
	feed      ClaimFeed
	mode      string
	batchSize int
	logger    *slog.Logger
	now       func() time.Time

	mu    sync.RWMutex
	stats Statistics
	index map[string]indexed
	ready bool
	sub   *docstore.Subscription
}

// NewMonitor creates a statistics monitor. An unknown mode is treated as full.
func NewMonitor(feed ClaimFeed, mode string, batchSize int, logger *slog.Logger) *Monitor {
	if mode != ModeIncremental {
		mode = ModeFull
	}
	if batchSize <= 0 {
		batchSize = 500
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		feed:      feed,
		mode:      mode,
		batchSize: batchSize,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		index:     make(map[string]indexed),
	}
}

// Start subscribes to the claim feed. Stop or cancelling ctx ends it.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sub != nil {
		return errors.New("monitor already started")
	}
	sub, err := m.feed.Subscribe(ctx, expense.Filter{}, m.apply)
	if err != nil {
		return fmt.Errorf("subscribe to claims: %w", err)
	}
	m.sub = sub
	m.logger.Info("claim statistics monitor started", "mode", m.mode, "batch_size", m.batchSize)
	return nil
}

// Stop cancels the subscription.
func (m *Monitor) Stop() {
	m.mu.Lock()
	sub := m.sub
	m.sub = nil
	m.mu.Unlock()
	if sub != nil {
		sub.Unsubscribe()
	}
}

// Stats returns the latest statistics.
func (m *Monitor) Stats() Statistics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

// Ready reports whether the first claim set has been folded.
func (m *Monitor) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ready
}

func (m *Monitor) apply(claims []*expense.Claim) {
	start := time.Now()
	m.mu.Lock()
	mode := m.mode
	if mode == ModeIncremental && m.ready {
		if !m.applyDeltasLocked(claims) {
			mode = ModeFull
		}
	} else {
		mode = ModeFull
	}
	if mode == ModeFull {
		m.recomputeLocked(claims)
	}
	m.stats.ComputedAt = m.now()
	m.ready = true
	stats := m.stats
	m.mu.Unlock()

	observeRecompute(mode, start)
	publishStats(stats)
}

func (m *Monitor) recomputeLocked(claims []*expense.Claim) {
	m.stats = ComputeStatistics(claims)
	m.index = make(map[string]indexed, len(claims))
	for _, c := range claims {
		m.index[c.ID] = indexed{status: c.Status, amount: c.Amount, updatedAt: c.UpdatedAt}
	}
}

// applyDeltasLocked returns false when the change set is too large and
// a full recompute should run instead.
func (m *Monitor) applyDeltasLocked(claims []*expense.Claim) bool {
	var (
		changed []*expense.Claim
		known   int
	)
	for _, c := range claims {
		prev, ok := m.index[c.ID]
		if ok {
			known++
			if prev.updatedAt.Equal(c.UpdatedAt) && prev.status == c.Status {
				continue
			}
		}
		changed = append(changed, c)
		if len(changed) > m.batchSize {
			return false
		}
	}
	// Claims are never deleted; a vanished id means the feed skipped a
	// malformed record or lost state.
	if known != len(m.index) {
		return false
	}

	for _, c := range changed {
		if prev, ok := m.index[c.ID]; ok {
			m.stats.apply(prev.status, prev.amount, -1)
		}
		m.stats.apply(c.Status, c.Amount, 1)
		m.index[c.ID] = indexed{status: c.Status, amount: c.Amount, updatedAt: c.UpdatedAt}
	}
	return true
}
