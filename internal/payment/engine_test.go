package payment

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/mbd888/stableflow/internal/chain"
	"github.com/mbd888/stableflow/internal/circuitbreaker"
	"github.com/mbd888/stableflow/internal/docstore"
	"github.com/mbd888/stableflow/internal/employee"
	"github.com/mbd888/stableflow/internal/expense"
	"github.com/mbd888/stableflow/internal/lease"
	"github.com/mbd888/stableflow/internal/logging"
	"github.com/mbd888/stableflow/internal/treasury"
)

// First Hardhat/Anvil development account.
const (
	devKey     = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	devAddress = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"

	walletA = "0x1111111111111111111111111111111111111111"
	walletB = "0x2222222222222222222222222222222222222222"
	walletC = "0x3333333333333333333333333333333333333333"
)

type fakePayees map[string]string

func (f fakePayees) Wallet(_ context.Context, id string) (string, error) {
	return f[id], nil
}

func (f fakePayees) DisplayName(_ context.Context, id string) (string, error) {
	return "Employee " + id, nil
}

type recordingNotifier struct {
	mu      sync.Mutex
	settled []string
	failed  []string
}

func (r *recordingNotifier) PaymentSettled(rec *Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settled = append(r.settled, rec.ClaimID)
}

func (r *recordingNotifier) PaymentFailed(rec *Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, rec.ClaimID)
}

type testEnv struct {
	engine *Engine
	claims *expense.Manager
	chain  *chain.MockClient
	docs   *docstore.MemoryStore
}

func newTestEnv(t *testing.T, payees Payees) *testEnv {
	t.Helper()
	ctrl := gomock.NewController(t)
	client := chain.NewMockClient(ctrl)
	client.EXPECT().IsValidAddress(gomock.Any()).DoAndReturn(chain.IsValidAddress).AnyTimes()

	tr, err := treasury.New(devKey, client)
	require.NoError(t, err)
	return newTestEnvWithTreasury(t, payees, client, tr)
}

func newTestEnvWithTreasury(t *testing.T, payees Payees, client *chain.MockClient, tr *treasury.Treasury) *testEnv {
	t.Helper()
	docs := docstore.NewMemoryStore(logging.Discard())
	t.Cleanup(func() { _ = docs.Close() })

	leases := lease.NewMemoryLeaser()
	claims := expense.NewManager(docs, leases, decimal.NewFromInt(100000), logging.Discard())
	engine := NewEngine(claims, payees, client, tr, leases, docs, Config{
		ExplorerURL:       "https://sepolia.basescan.org",
		SettlementTimeout: 5 * time.Second,
	}, logging.Discard())
	engine.WithBreaker(circuitbreaker.New("test", 100, time.Minute))

	return &testEnv{engine: engine, claims: claims, chain: client, docs: docs}
}

// approvedClaim submits a claim for owner and approves it.
func (env *testEnv) approvedClaim(t *testing.T, owner, amount string) *expense.Claim {
	t.Helper()
	ctx := context.Background()
	c, err := env.claims.Create(ctx, owner, expense.Fields{
		Title:       "Client dinner",
		Description: "Dinner with the Acme procurement team",
		Amount:      decimal.RequireFromString(amount),
		Category:    expense.CategoryMeals,
	})
	require.NoError(t, err)
	c, err = env.claims.Transition(ctx, c.ID, expense.StatusApproved, "mgr-1", "")
	require.NoError(t, err)
	return c
}

func (env *testEnv) status(t *testing.T, id string) expense.Status {
	t.Helper()
	c, err := env.claims.Get(context.Background(), id)
	require.NoError(t, err)
	return c.Status
}

func receipt(hash, to string, units int64) *chain.Receipt {
	return &chain.Receipt{TxHash: hash, From: devAddress, To: to, Units: big.NewInt(units), BlockNumber: 42}
}

func TestSettleSingle_Success(t *testing.T) {
	env := newTestEnv(t, fakePayees{"emp-1": walletA})
	n := &recordingNotifier{}
	env.engine.WithNotifier(n)
	ctx := context.Background()
	claim := env.approvedClaim(t, "emp-1", "12.5")

	env.chain.EXPECT().
		Transfer(gomock.Any(), gomock.Any(), walletA, big.NewInt(12_500_000)).
		Return(receipt("0xabc", walletA, 12_500_000), nil)

	s, err := env.engine.SettleSingle(ctx, claim.ID, "mgr-1")
	require.NoError(t, err)
	assert.Equal(t, "0xabc", s.TransferRef)
	assert.Equal(t, "emp-1", s.EmployeeID)
	assert.Equal(t, "https://sepolia.basescan.org/tx/0xabc", s.ExplorerURL)

	paid, err := env.claims.Get(ctx, claim.ID)
	require.NoError(t, err)
	assert.Equal(t, expense.StatusPaid, paid.Status)
	assert.Equal(t, "0xabc", paid.PaymentRef)
	assert.Equal(t, "https://sepolia.basescan.org/tx/0xabc", paid.ExplorerURL)
	assert.Equal(t, devAddress, paid.PayerAddress)
	assert.Equal(t, "mgr-1", paid.ProcessedBy)
	require.NotNil(t, paid.PaidAt)

	records, err := env.engine.Payments(ctx, Filter{ClaimID: claim.ID})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, OutcomeSuccess, records[0].Outcome)
	assert.Equal(t, walletA, records[0].WalletAddress)
	assert.Equal(t, "Employee emp-1", records[0].EmployeeName)
	assert.True(t, records[0].Amount.Equal(decimal.RequireFromString("12.5")))
	assert.NotEmpty(t, records[0].ID)

	assert.Equal(t, []string{claim.ID}, n.settled)
	assert.Empty(t, n.failed)
}

func TestSettleSingle_FloorsToSixDecimals(t *testing.T) {
	env := newTestEnv(t, fakePayees{"emp-1": walletA})
	claim := env.approvedClaim(t, "emp-1", "0.1234569")

	env.chain.EXPECT().
		Transfer(gomock.Any(), gomock.Any(), walletA, big.NewInt(123_456)).
		Return(receipt("0x1", walletA, 123_456), nil)

	_, err := env.engine.SettleSingle(context.Background(), claim.ID, "mgr-1")
	require.NoError(t, err)
}

func TestSettleSingle_PaidClaimMakesNoChainCall(t *testing.T) {
	env := newTestEnv(t, fakePayees{"emp-1": walletA})
	ctx := context.Background()
	claim := env.approvedClaim(t, "emp-1", "40")

	env.chain.EXPECT().
		Transfer(gomock.Any(), gomock.Any(), walletA, gomock.Any()).
		Return(receipt("0xfirst", walletA, 40_000_000), nil).
		Times(1)

	_, err := env.engine.SettleSingle(ctx, claim.ID, "mgr-1")
	require.NoError(t, err)

	_, err = env.engine.SettleSingle(ctx, claim.ID, "mgr-1")
	var terr *expense.InvalidTransitionError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, expense.StatusPaid, terr.From)
	assert.Equal(t, expense.StatusPaid, terr.To)
}

func TestSettleSingle_Preconditions(t *testing.T) {
	ctx := context.Background()

	t.Run("pending claim", func(t *testing.T) {
		env := newTestEnv(t, fakePayees{"emp-1": walletA})
		c, err := env.claims.Create(ctx, "emp-1", expense.Fields{
			Title:       "Taxi",
			Description: "Airport to the office",
			Amount:      decimal.NewFromInt(20),
			Category:    expense.CategoryTravel,
		})
		require.NoError(t, err)

		_, err = env.engine.SettleSingle(ctx, c.ID, "mgr-1")
		var terr *expense.InvalidTransitionError
		require.ErrorAs(t, err, &terr)
		assert.Equal(t, expense.StatusPending, terr.From)
		assert.Equal(t, expense.StatusPending, env.status(t, c.ID))
	})

	t.Run("unknown claim", func(t *testing.T) {
		env := newTestEnv(t, fakePayees{})
		_, err := env.engine.SettleSingle(ctx, "EXP-1-AAAAAA", "mgr-1")
		assert.ErrorIs(t, err, expense.ErrNotFound)
	})

	t.Run("no wallet", func(t *testing.T) {
		env := newTestEnv(t, fakePayees{})
		c := env.approvedClaim(t, "emp-1", "10")
		_, err := env.engine.SettleSingle(ctx, c.ID, "mgr-1")
		assert.ErrorIs(t, err, ErrNoWallet)
		assert.Equal(t, expense.StatusApproved, env.status(t, c.ID))
	})

	t.Run("invalid wallet", func(t *testing.T) {
		env := newTestEnv(t, fakePayees{"emp-1": "not-a-wallet"})
		c := env.approvedClaim(t, "emp-1", "10")
		_, err := env.engine.SettleSingle(ctx, c.ID, "mgr-1")
		assert.ErrorIs(t, err, ErrInvalidWallet)
		var werr *WalletError
		require.ErrorAs(t, err, &werr)
		assert.Equal(t, "emp-1", werr.EmployeeID)
		assert.Contains(t, err.Error(), "invalid address")
	})

	t.Run("treasury not configured", func(t *testing.T) {
		client := chain.NewMockClient(gomock.NewController(t))
		client.EXPECT().IsValidAddress(gomock.Any()).DoAndReturn(chain.IsValidAddress).AnyTimes()
		env := newTestEnvWithTreasury(t, fakePayees{"emp-1": walletA}, client, nil)
		c := env.approvedClaim(t, "emp-1", "10")

		_, err := env.engine.SettleSingle(ctx, c.ID, "mgr-1")
		assert.ErrorIs(t, err, ErrTreasuryUninitialized)
		assert.Equal(t, expense.StatusApproved, env.status(t, c.ID))
	})

	// Any Transfer call in the subtests above fails the mock controller.
}

func TestSettleSingle_ChainFailureKeepsClaimApproved(t *testing.T) {
	env := newTestEnv(t, fakePayees{"emp-1": walletA})
	n := &recordingNotifier{}
	env.engine.WithNotifier(n)
	ctx := context.Background()
	claim := env.approvedClaim(t, "emp-1", "75")

	gomock.InOrder(
		env.chain.EXPECT().
			Transfer(gomock.Any(), gomock.Any(), walletA, gomock.Any()).
			Return(nil, &chain.ChainError{Op: "transfer", Err: chain.ErrInsufficientFunds}),
		env.chain.EXPECT().
			Transfer(gomock.Any(), gomock.Any(), walletA, gomock.Any()).
			Return(receipt("0xsecond", walletA, 75_000_000), nil),
	)

	_, err := env.engine.SettleSingle(ctx, claim.ID, "mgr-1")
	var cerr *chain.ChainError
	require.ErrorAs(t, err, &cerr)
	assert.ErrorIs(t, err, chain.ErrInsufficientFunds)
	assert.Equal(t, expense.StatusApproved, env.status(t, claim.ID))

	failed, err := env.engine.Payments(ctx, Filter{Outcome: OutcomeFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0].Error, "insufficient funds")
	assert.Empty(t, failed[0].TransferRef)
	assert.Equal(t, []string{claim.ID}, n.failed)

	// A manual retry is a new attempt with its own record.
	s, err := env.engine.SettleSingle(ctx, claim.ID, "mgr-1")
	require.NoError(t, err)
	assert.Equal(t, "0xsecond", s.TransferRef)
	assert.Equal(t, expense.StatusPaid, env.status(t, claim.ID))

	all, err := env.engine.Payments(ctx, Filter{ClaimID: claim.ID})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestSettleSingle_BroadcastFailureRecordsTxHash(t *testing.T) {
	env := newTestEnv(t, fakePayees{"emp-1": walletA})
	ctx := context.Background()
	claim := env.approvedClaim(t, "emp-1", "5")

	env.chain.EXPECT().
		Transfer(gomock.Any(), gomock.Any(), walletA, gomock.Any()).
		Return(nil, &chain.ChainError{Op: "transfer", TxHash: "0xpending", Err: chain.ErrTimeout})

	_, err := env.engine.SettleSingle(ctx, claim.ID, "mgr-1")
	assert.ErrorIs(t, err, chain.ErrTimeout)

	records, err := env.engine.Payments(ctx, Filter{ClaimID: claim.ID})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, OutcomeFailed, records[0].Outcome)
	assert.Equal(t, "0xpending", records[0].TransferRef)
	assert.Equal(t, expense.StatusApproved, env.status(t, claim.ID))
}

func TestSettleSingle_PlainErrorIsWrapped(t *testing.T) {
	env := newTestEnv(t, fakePayees{"emp-1": walletA})
	claim := env.approvedClaim(t, "emp-1", "5")
	boom := errors.New("connection reset")

	env.chain.EXPECT().
		Transfer(gomock.Any(), gomock.Any(), walletA, gomock.Any()).
		Return(nil, boom)

	_, err := env.engine.SettleSingle(context.Background(), claim.ID, "mgr-1")
	var cerr *chain.ChainError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "transfer", cerr.Op)
	assert.ErrorIs(t, err, boom)
}

func TestSettleSingle_DispatchIgnoresCallerCancellation(t *testing.T) {
	env := newTestEnv(t, fakePayees{"emp-1": walletA})
	claim := env.approvedClaim(t, "emp-1", "9")
	ctx, cancel := context.WithCancel(context.Background())

	env.chain.EXPECT().
		Transfer(gomock.Any(), gomock.Any(), walletA, gomock.Any()).
		DoAndReturn(func(tctx context.Context, _ chain.Signer, to string, units *big.Int) (*chain.Receipt, error) {
			cancel()
			if err := tctx.Err(); err != nil {
				return nil, err
			}
			return receipt("0xdone", to, units.Int64()), nil
		})

	_, err := env.engine.SettleSingle(ctx, claim.ID, "mgr-1")
	require.NoError(t, err)
	assert.Equal(t, expense.StatusPaid, env.status(t, claim.ID))
}

func TestSettleSingle_ConcurrentCallsTransferOnce(t *testing.T) {
	env := newTestEnv(t, fakePayees{"emp-1": walletA})
	claim := env.approvedClaim(t, "emp-1", "300")

	var transfers atomic.Int32
	env.chain.EXPECT().
		Transfer(gomock.Any(), gomock.Any(), walletA, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ chain.Signer, to string, units *big.Int) (*chain.Receipt, error) {
			transfers.Add(1)
			time.Sleep(20 * time.Millisecond)
			return receipt("0xonce", to, units.Int64()), nil
		}).
		Times(1)

	const callers = 10
	var (
		wg        sync.WaitGroup
		succeeded atomic.Int32
		refused   atomic.Int32
	)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := env.engine.SettleSingle(context.Background(), claim.ID, "mgr-1")
			var terr *expense.InvalidTransitionError
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.As(err, &terr):
				refused.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), transfers.Load())
	assert.Equal(t, int32(1), succeeded.Load())
	assert.Equal(t, int32(callers-1), refused.Load())
	assert.Equal(t, expense.StatusPaid, env.status(t, claim.ID))
}

// claimWriteFailer fails claim writes while failing is set.
type claimWriteFailer struct {
	*docstore.MemoryStore
	failing atomic.Bool
}

func (f *claimWriteFailer) Transact(ctx context.Context, path string, fn docstore.TxFunc) error {
	if f.failing.Load() && strings.HasPrefix(path, expense.Collection+"/") {
		return errors.New("store unavailable")
	}
	return f.MemoryStore.Transact(ctx, path, fn)
}

func TestSettleSingle_RecordedTransferIsNotRepeated(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := chain.NewMockClient(ctrl)
	client.EXPECT().IsValidAddress(gomock.Any()).DoAndReturn(chain.IsValidAddress).AnyTimes()
	tr, err := treasury.New(devKey, client)
	require.NoError(t, err)

	mem := docstore.NewMemoryStore(logging.Discard())
	t.Cleanup(func() { _ = mem.Close() })
	docs := &claimWriteFailer{MemoryStore: mem}
	leases := lease.NewMemoryLeaser()
	claims := expense.NewManager(docs, leases, decimal.NewFromInt(100000), logging.Discard())
	engine := NewEngine(claims, fakePayees{"emp-1": walletA}, client, tr, leases, docs, Config{
		ExplorerURL:       "https://sepolia.basescan.org",
		SettlementTimeout: 5 * time.Second,
	}, logging.Discard())
	n := &recordingNotifier{}
	engine.WithNotifier(n)
	env := &testEnv{engine: engine, claims: claims, chain: client, docs: mem}
	ctx := context.Background()
	claim := env.approvedClaim(t, "emp-1", "60")

	client.EXPECT().
		Transfer(gomock.Any(), gomock.Any(), walletA, big.NewInt(60_000_000)).
		DoAndReturn(func(_ context.Context, _ chain.Signer, to string, units *big.Int) (*chain.Receipt, error) {
			docs.failing.Store(true)
			return receipt("0xtx1", to, units.Int64()), nil
		}).
		Times(1)

	_, err = engine.SettleSingle(ctx, claim.ID, "mgr-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "0xtx1")
	assert.Equal(t, expense.StatusApproved, env.status(t, claim.ID))

	docs.failing.Store(false)
	s, err := engine.SettleSingle(ctx, claim.ID, "mgr-1")
	require.NoError(t, err)
	assert.Equal(t, "0xtx1", s.TransferRef)

	paid, err := claims.Get(ctx, claim.ID)
	require.NoError(t, err)
	assert.Equal(t, expense.StatusPaid, paid.Status)
	assert.Equal(t, "0xtx1", paid.PaymentRef)

	records, err := engine.Payments(ctx, Filter{ClaimID: claim.ID})
	require.NoError(t, err)
	assert.Len(t, records, 1, "completion writes no second record")
	assert.Equal(t, []string{claim.ID}, n.settled)
}

// lockedPayees lets a test change a wallet while settlement runs.
type lockedPayees struct {
	mu      sync.Mutex
	wallets map[string]string
}

func (p *lockedPayees) Wallet(_ context.Context, id string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.wallets[id], nil
}

func (p *lockedPayees) DisplayName(_ context.Context, id string) (string, error) {
	return "Employee " + id, nil
}

func (p *lockedPayees) set(id, wallet string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.wallets[id] = wallet
}

func TestSettleSingle_UsesWalletCurrentUnderLease(t *testing.T) {
	payees := &lockedPayees{wallets: map[string]string{"emp-1": walletA}}
	env := newTestEnv(t, payees)
	ctx := context.Background()
	claim := env.approvedClaim(t, "emp-1", "9")

	held, err := env.engine.leases.Acquire(ctx, expense.LeaseKey(claim.ID))
	require.NoError(t, err)

	env.chain.EXPECT().
		Transfer(gomock.Any(), gomock.Any(), walletB, big.NewInt(9_000_000)).
		Return(receipt("0xnew", walletB, 9_000_000), nil).
		Times(1)

	done := make(chan error, 1)
	go func() {
		_, err := env.engine.SettleSingle(ctx, claim.ID, "mgr-1")
		done <- err
	}()

	time.Sleep(30 * time.Millisecond)
	payees.set("emp-1", walletB)
	require.NoError(t, held.Release(ctx))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("settlement did not finish")
	}

	records, err := env.engine.Payments(ctx, Filter{ClaimID: claim.ID})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, walletB, records[0].WalletAddress)
}

func TestPaidOnlyReachableThroughSettlement(t *testing.T) {
	env := newTestEnv(t, fakePayees{"emp-1": walletA})
	ctx := context.Background()
	claim := env.approvedClaim(t, "emp-1", "18")

	_, err := env.claims.Transition(ctx, claim.ID, expense.StatusPaid, "mgr-1", "")
	var terr *expense.InvalidTransitionError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, expense.StatusApproved, env.status(t, claim.ID))

	env.chain.EXPECT().
		Transfer(gomock.Any(), gomock.Any(), walletA, gomock.Any()).
		Return(receipt("0xpaid", walletA, 18_000_000), nil)

	_, err = env.engine.SettleSingle(ctx, claim.ID, "mgr-1")
	require.NoError(t, err)
	assert.Equal(t, expense.StatusPaid, env.status(t, claim.ID))

	_, err = env.claims.Transition(ctx, claim.ID, expense.StatusCancelled, "emp-1", "")
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, expense.StatusPaid, env.status(t, claim.ID))
}

func TestSettleBatch_InvalidWalletIsIsolated(t *testing.T) {
	env := newTestEnv(t, fakePayees{
		"emp-1": walletA,
		"emp-2": "0xnot-a-wallet",
		"emp-3": walletC,
	})
	ctx := context.Background()
	c1 := env.approvedClaim(t, "emp-1", "10")
	c2 := env.approvedClaim(t, "emp-2", "20")
	c3 := env.approvedClaim(t, "emp-3", "30")

	env.chain.EXPECT().
		Transfer(gomock.Any(), gomock.Any(), walletA, big.NewInt(10_000_000)).
		Return(receipt("0xa", walletA, 10_000_000), nil)
	env.chain.EXPECT().
		Transfer(gomock.Any(), gomock.Any(), walletC, big.NewInt(30_000_000)).
		Return(receipt("0xc", walletC, 30_000_000), nil)

	res := env.engine.SettleBatch(ctx, []string{c1.ID, c2.ID, c3.ID}, "mgr-1")

	assert.Equal(t, 3, res.TotalProcessed)
	assert.False(t, res.Success)
	require.Len(t, res.Successful, 2)
	assert.Equal(t, BatchSuccess{ClaimID: c1.ID, EmployeeID: "emp-1", TransferRef: "0xa"}, res.Successful[0])
	assert.Equal(t, BatchSuccess{ClaimID: c3.ID, EmployeeID: "emp-3", TransferRef: "0xc"}, res.Successful[1])
	require.Len(t, res.Failed, 1)
	assert.Equal(t, c2.ID, res.Failed[0].ClaimID)
	assert.Equal(t, "emp-2", res.Failed[0].EmployeeID)
	assert.Contains(t, res.Failed[0].Reason, "invalid address")

	assert.Equal(t, expense.StatusPaid, env.status(t, c1.ID))
	assert.Equal(t, expense.StatusApproved, env.status(t, c2.ID))
	assert.Equal(t, expense.StatusPaid, env.status(t, c3.ID))
}

func TestSettleBatch_AllSucceed(t *testing.T) {
	env := newTestEnv(t, fakePayees{"emp-1": walletA, "emp-2": walletB})
	c1 := env.approvedClaim(t, "emp-1", "1")
	c2 := env.approvedClaim(t, "emp-2", "2")

	env.chain.EXPECT().
		Transfer(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, _ chain.Signer, to string, units *big.Int) (*chain.Receipt, error) {
			return receipt("0x"+to[2:6], to, units.Int64()), nil
		}).
		Times(2)

	res := env.engine.SettleBatch(context.Background(), []string{c1.ID, c2.ID}, "mgr-1")
	assert.True(t, res.Success)
	assert.Equal(t, 2, res.TotalProcessed)
	assert.Len(t, res.Successful, 2)
	assert.Empty(t, res.Failed)
}

func TestSettleBatch_CancellationStopsRemainingItems(t *testing.T) {
	env := newTestEnv(t, fakePayees{"emp-1": walletA, "emp-2": walletB})
	c1 := env.approvedClaim(t, "emp-1", "1")
	c2 := env.approvedClaim(t, "emp-2", "2")
	c3 := env.approvedClaim(t, "emp-1", "3")

	ctx, cancel := context.WithCancel(context.Background())
	env.chain.EXPECT().
		Transfer(gomock.Any(), gomock.Any(), walletA, big.NewInt(1_000_000)).
		DoAndReturn(func(_ context.Context, _ chain.Signer, to string, units *big.Int) (*chain.Receipt, error) {
			cancel()
			return receipt("0xin-flight", to, units.Int64()), nil
		})

	res := env.engine.SettleBatch(ctx, []string{c1.ID, c2.ID, c3.ID}, "mgr-1")

	assert.Equal(t, 3, res.TotalProcessed)
	require.Len(t, res.Successful, 1, "the in-flight transfer finishes")
	assert.Equal(t, c1.ID, res.Successful[0].ClaimID)
	require.Len(t, res.Failed, 2)
	for _, f := range res.Failed {
		assert.Equal(t, ReasonCancelled, f.Reason)
	}
	assert.Equal(t, expense.StatusPaid, env.status(t, c1.ID))
	assert.Equal(t, expense.StatusApproved, env.status(t, c2.ID))
	assert.Equal(t, expense.StatusApproved, env.status(t, c3.ID))
}

func TestSettleApproved(t *testing.T) {
	env := newTestEnv(t, fakePayees{"emp-1": walletA, "emp-2": walletB})
	ctx := context.Background()
	a := env.approvedClaim(t, "emp-1", "10")
	b := env.approvedClaim(t, "emp-2", "20")
	pending, err := env.claims.Create(ctx, "emp-1", expense.Fields{
		Title:       "Monitor",
		Description: "Second screen for home office",
		Amount:      decimal.NewFromInt(200),
		Category:    expense.CategoryEquipment,
	})
	require.NoError(t, err)

	env.chain.EXPECT().
		Transfer(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, _ chain.Signer, to string, units *big.Int) (*chain.Receipt, error) {
			return receipt("0x"+units.String(), to, units.Int64()), nil
		}).
		Times(2)

	res, err := env.engine.SettleApproved(ctx, "mgr-1")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 2, res.TotalProcessed)
	assert.Equal(t, expense.StatusPaid, env.status(t, a.ID))
	assert.Equal(t, expense.StatusPaid, env.status(t, b.ID))
	assert.Equal(t, expense.StatusPending, env.status(t, pending.ID))
}

func TestSettleSingle_ProfileWalletFallback(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := chain.NewMockClient(ctrl)
	client.EXPECT().IsValidAddress(gomock.Any()).DoAndReturn(chain.IsValidAddress).AnyTimes()
	tr, err := treasury.New(devKey, client)
	require.NoError(t, err)

	env := newTestEnvWithTreasury(t, nil, client, tr)
	dir := employee.NewDirectory(env.docs, logging.Discard())
	env.engine.payees = dir
	ctx := context.Background()

	_, err = dir.Create(ctx, employee.CreateRequest{ID: "emp-9", DisplayName: "Dewi"})
	require.NoError(t, err)
	require.NoError(t, docstore.SetJSON(ctx, env.docs, "wallets/emp-9", map[string]string{"address": walletB}))
	claim := env.approvedClaim(t, "emp-9", "4")

	client.EXPECT().
		Transfer(gomock.Any(), gomock.Any(), walletB, big.NewInt(4_000_000)).
		Return(receipt("0xprofile", walletB, 4_000_000), nil)

	_, err = env.engine.SettleSingle(ctx, claim.ID, "mgr-1")
	require.NoError(t, err)

	records, err := env.engine.Payments(ctx, Filter{EmployeeID: "emp-9"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "Dewi", records[0].EmployeeName)
}

func TestSettleSingle_CircuitOpensOnRPCFailures(t *testing.T) {
	env := newTestEnv(t, fakePayees{"emp-1": walletA})
	env.engine.WithBreaker(circuitbreaker.New("test-open", 1, time.Hour))
	ctx := context.Background()
	c1 := env.approvedClaim(t, "emp-1", "1")
	c2 := env.approvedClaim(t, "emp-1", "2")

	env.chain.EXPECT().
		Transfer(gomock.Any(), gomock.Any(), walletA, gomock.Any()).
		Return(nil, &chain.ChainError{Op: "transfer", Err: chain.ErrRPC}).
		Times(1)

	_, err := env.engine.SettleSingle(ctx, c1.ID, "mgr-1")
	assert.ErrorIs(t, err, chain.ErrRPC)

	_, err = env.engine.SettleSingle(ctx, c2.ID, "mgr-1")
	assert.ErrorIs(t, err, ErrChainUnavailable)

	records, err := env.engine.Payments(ctx, Filter{ClaimID: c2.ID})
	require.NoError(t, err)
	assert.Empty(t, records, "no record without a chain attempt")
}

func TestTreasuryBalance(t *testing.T) {
	env := newTestEnv(t, fakePayees{})
	env.chain.EXPECT().NativeBalance(gomock.Any(), devAddress).Return(big.NewInt(0), nil)
	env.chain.EXPECT().TokenBalance(gomock.Any(), devAddress).Return(big.NewInt(1_000_000_000), nil)

	b, err := env.engine.TreasuryBalance(context.Background())
	require.NoError(t, err)
	assert.True(t, b.Initialized)
	assert.True(t, b.USDC.Equal(decimal.NewFromInt(1000)))

	client := chain.NewMockClient(gomock.NewController(t))
	off := newTestEnvWithTreasury(t, fakePayees{}, client, nil)
	b, err = off.engine.TreasuryBalance(context.Background())
	require.NoError(t, err)
	assert.False(t, b.Initialized)
	assert.True(t, b.USDC.IsZero())
}

func TestPayments_SkipsMalformedRecords(t *testing.T) {
	env := newTestEnv(t, fakePayees{})
	ctx := context.Background()

	_, err := env.docs.Push(ctx, Collection, []byte(`{"claimId":"EXP-1-AAAAAA","outcome":"MAYBE"}`))
	require.NoError(t, err)
	_, err = docstore.PushJSON(ctx, env.docs, Collection, &Record{
		ClaimID:       "EXP-1-BBBBBB",
		EmployeeID:    "emp-1",
		Amount:        decimal.NewFromInt(3),
		WalletAddress: walletA,
		Outcome:       OutcomeFailed,
		Error:         "rpc down",
		CreatedAt:     time.Now(),
		ProcessedBy:   "mgr-1",
	})
	require.NoError(t, err)

	records, err := env.engine.Payments(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "EXP-1-BBBBBB", records[0].ClaimID)
}

func TestRecord_Check(t *testing.T) {
	valid := func() Record {
		return Record{
			ClaimID:     "EXP-1-AAAAAA",
			EmployeeID:  "emp-1",
			Amount:      decimal.NewFromInt(1),
			Outcome:     OutcomeSuccess,
			TransferRef: "0xabc",
			CreatedAt:   time.Now(),
		}
	}
	tests := []struct {
		name    string
		mutate  func(r *Record)
		wantErr bool
	}{
		{"valid", func(r *Record) {}, false},
		{"missing claim", func(r *Record) { r.ClaimID = "" }, true},
		{"zero amount", func(r *Record) { r.Amount = decimal.Zero }, true},
		{"unknown outcome", func(r *Record) { r.Outcome = "MAYBE" }, true},
		{"success without ref", func(r *Record) { r.TransferRef = "" }, true},
		{"failed without error", func(r *Record) { r.Outcome = OutcomeFailed }, true},
		{"failed with error", func(r *Record) { r.Outcome = OutcomeFailed; r.Error = "x" }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := valid()
			tt.mutate(&r)
			if err := r.Check(); (err != nil) != tt.wantErr {
				t.Errorf("Check() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestMetrics_SettlementCounted(t *testing.T) {
	env := newTestEnv(t, fakePayees{"emp-1": walletA})
	claim := env.approvedClaim(t, "emp-1", "2")
	env.chain.EXPECT().
		Transfer(gomock.Any(), gomock.Any(), walletA, gomock.Any()).
		Return(receipt("0xm", walletA, 2_000_000), nil)

	before := counterValue(t, outcomeSuccess)
	_, err := env.engine.SettleSingle(context.Background(), claim.ID, "mgr-1")
	require.NoError(t, err)
	assert.Equal(t, before+1, counterValue(t, outcomeSuccess))
}

func counterValue(t *testing.T, outcome string) float64 {
	t.Helper()
	m := &dto.Metric{}
	c, err := SettlementsTotal.GetMetricWithLabelValues(outcome)
	require.NoError(t, err)
	require.NoError(t, c.Write(m))
	return m.Counter.GetValue()
}
