package reconciliation

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/stableflow/internal/docstore"
	"github.com/mbd888/stableflow/internal/expense"
	"github.com/mbd888/stableflow/internal/lease"
	"github.com/mbd888/stableflow/internal/logging"
)

func claim(id string, status expense.Status, amount string) *expense.Claim {
	return &expense.Claim{
		ID:        id,
		Status:    status,
		Amount:    decimal.RequireFromString(amount),
		UpdatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func assertBucket(t *testing.T, name string, b Bucket, count int, amount string) {
	t.Helper()
	assert.Equal(t, count, b.Count, "%s count", name)
	assert.True(t, b.Amount.Equal(decimal.RequireFromString(amount)), "%s amount = %s, want %s", name, b.Amount, amount)
}

func TestComputeStatistics(t *testing.T) {
	s := ComputeStatistics([]*expense.Claim{
		claim("a", expense.StatusPending, "10"),
		claim("b", expense.StatusUnderReview, "5.5"),
		claim("c", expense.StatusApproved, "20"),
		claim("d", expense.StatusPaid, "100"),
		claim("e", expense.StatusPaid, "0.25"),
		claim("f", expense.StatusRejected, "7"),
		claim("g", expense.StatusCancelled, "3"),
	})

	assertBucket(t, "pending", s.Pending, 2, "15.5")
	assertBucket(t, "approved", s.Approved, 1, "20")
	assertBucket(t, "paid", s.Paid, 2, "100.25")
	assertBucket(t, "rejected", s.Rejected, 1, "7")
	assertBucket(t, "cancelled", s.Cancelled, 1, "3")
	assertBucket(t, "total", s.Total, 7, "145.75")
}

func TestComputeStatistics_Empty(t *testing.T) {
	s := ComputeStatistics(nil)
	assertBucket(t, "total", s.Total, 0, "0")
	require.Len(t, s.Buckets(), 6)
	assert.Equal(t, "total", s.Buckets()[5].Name)
}

func newClaimManager(t *testing.T) *expense.Manager {
	t.Helper()
	docs := docstore.NewMemoryStore(logging.Discard())
	t.Cleanup(func() { _ = docs.Close() })
	return expense.NewManager(docs, lease.NewMemoryLeaser(), decimal.NewFromInt(100000), logging.Discard())
}

func submit(t *testing.T, m *expense.Manager, amount string) *expense.Claim {
	t.Helper()
	c, err := m.Create(context.Background(), "emp-1", expense.Fields{
		Title:       "Conference ticket",
		Description: "GopherCon early bird registration",
		Amount:      decimal.RequireFromString(amount),
		Category:    expense.CategoryTraining,
	})
	require.NoError(t, err)
	return c
}

func TestMonitor_TracksClaimFeed(t *testing.T) {
	for _, mode := range []string{ModeFull, ModeIncremental} {
		t.Run(mode, func(t *testing.T) {
			m := newClaimManager(t)
			ctx := context.Background()
			first := submit(t, m, "40")

			mon := NewMonitor(m, mode, 10, logging.Discard())
			require.NoError(t, mon.Start(ctx))
			defer mon.Stop()

			require.Eventually(t, func() bool {
				return mon.Ready() && mon.Stats().Total.Count == 1
			}, time.Second, 5*time.Millisecond)

			submit(t, m, "60")
			_, err := m.Transition(ctx, first.ID, expense.StatusApproved, "mgr-1", "")
			require.NoError(t, err)

			require.Eventually(t, func() bool {
				s := mon.Stats()
				return s.Total.Count == 2 && s.Approved.Count == 1 && s.Pending.Count == 1
			}, time.Second, 5*time.Millisecond)

			s := mon.Stats()
			assertBucket(t, "approved", s.Approved, 1, "40")
			assertBucket(t, "pending", s.Pending, 1, "60")
			assertBucket(t, "total", s.Total, 2, "100")
			assert.False(t, s.ComputedAt.IsZero())
		})
	}
}

func TestMonitor_StartTwice(t *testing.T) {
	mon := NewMonitor(newClaimManager(t), ModeFull, 10, logging.Discard())
	require.NoError(t, mon.Start(context.Background()))
	defer mon.Stop()
	assert.Error(t, mon.Start(context.Background()))
}

func TestMonitor_IncrementalMatchesFull(t *testing.T) {
	mon := NewMonitor(nil, ModeIncremental, 2, logging.Discard())

	set := []*expense.Claim{
		claim("a", expense.StatusPending, "10"),
		claim("b", expense.StatusPending, "20"),
		claim("c", expense.StatusPending, "30"),
	}
	mon.apply(set)
	assertBucket(t, "pending", mon.Stats().Pending, 3, "60")

	// One change: applied as a delta.
	b := *set[1]
	b.Status = expense.StatusApproved
	b.UpdatedAt = b.UpdatedAt.Add(time.Minute)
	set = []*expense.Claim{set[0], &b, set[2], claim("d", expense.StatusPending, "5")}
	mon.apply(set)
	want := ComputeStatistics(set)
	got := mon.Stats()
	assert.Equal(t, want.Pending.Count, got.Pending.Count)
	assert.True(t, want.Pending.Amount.Equal(got.Pending.Amount))
	assertBucket(t, "approved", got.Approved, 1, "20")
	assertBucket(t, "total", got.Total, 4, "65")

	// More changes than the batch size: full recompute gives the same answer.
	var many []*expense.Claim
	for i, c := range set {
		cp := *c
		cp.Status = expense.StatusPaid
		cp.UpdatedAt = cp.UpdatedAt.Add(time.Duration(i+2) * time.Minute)
		many = append(many, &cp)
	}
	mon.apply(many)
	assertBucket(t, "paid", mon.Stats().Paid, 4, "65")
	assertBucket(t, "pending", mon.Stats().Pending, 0, "0")
}

func TestMonitor_IncrementalResyncsOnVanishedClaim(t *testing.T) {
	mon := NewMonitor(nil, ModeIncremental, 100, logging.Discard())
	mon.apply([]*expense.Claim{
		claim("a", expense.StatusPending, "10"),
		claim("b", expense.StatusPending, "20"),
	})
	mon.apply([]*expense.Claim{
		claim("a", expense.StatusPending, "10"),
		claim("c", expense.StatusApproved, "7"),
	})
	s := mon.Stats()
	assertBucket(t, "pending", s.Pending, 1, "10")
	assertBucket(t, "approved", s.Approved, 1, "7")
	assertBucket(t, "total", s.Total, 2, "17")
}

func TestNewMonitor_Defaults(t *testing.T) {
	mon := NewMonitor(nil, "bogus", 0, nil)
	assert.Equal(t, ModeFull, mon.mode)
	assert.Equal(t, 500, mon.batchSize)
	assert.False(t, mon.Ready())
	assert.Equal(t, fmt.Sprint(Statistics{}), fmt.Sprint(mon.Stats()))
}
