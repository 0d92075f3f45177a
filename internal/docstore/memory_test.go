package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/stableflow/internal/logging"
)

func newTestStore(t *testing.T) *MemoryStore {
	t.Helper()
	s := NewMemoryStore(logging.Discard())
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSplitPath(t *testing.T) {
	tests := []struct {
		path       string
		collection string
		id         string
		wantErr    bool
	}{
		{"claims", "claims", "", false},
		{"claims/EXP-1-ABCDEF", "claims", "EXP-1-ABCDEF", false},
		{"claims/a/b", "", "", true},
		{"Claims", "", "", true},
		{"claims/", "", "", true},
		{"", "", "", true},
	}
	for _, tt := range tests {
		c, id, err := SplitPath(tt.path)
		if tt.wantErr {
			assert.ErrorIs(t, err, ErrInvalidPath, tt.path)
			continue
		}
		require.NoError(t, err, tt.path)
		assert.Equal(t, tt.collection, c)
		assert.Equal(t, tt.id, id)
	}
}

func TestMemoryStore_GetSet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Get(ctx, "claims/c1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Set(ctx, "claims/c1", json.RawMessage(`{"title":"Taxi"}`)))
	raw, err := s.Get(ctx, "claims/c1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"Taxi"}`, string(raw))

	assert.ErrorIs(t, s.Set(ctx, "claims/c1", json.RawMessage(`[1,2]`)), ErrInvalidDocument)
	assert.ErrorIs(t, s.Set(ctx, "claims", json.RawMessage(`{}`)), ErrInvalidPath)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "claims/c1", json.RawMessage(`{"a":1}`)))

	raw, _ := s.Get(ctx, "claims/c1")
	raw[1] = 'X'

	again, _ := s.Get(ctx, "claims/c1")
	assert.JSONEq(t, `{"a":1}`, string(again))
}

func TestMemoryStore_UpdateMergesAndDeletes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	assert.ErrorIs(t, s.Update(ctx, "claims/missing", map[string]any{"a": 1}), ErrNotFound)

	require.NoError(t, s.Set(ctx, "claims/c1", json.RawMessage(`{"status":"PENDING","note":"x"}`)))
	require.NoError(t, s.Update(ctx, "claims/c1", map[string]any{"status": "APPROVED", "note": nil, "by": "m1"}))

	raw, err := s.Get(ctx, "claims/c1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"APPROVED","by":"m1"}`, string(raw))
}

func TestMemoryStore_PushAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var ids []string
	for _, outcome := range []string{"SUCCESS", "FAILED", "SUCCESS"} {
		id, err := s.Push(ctx, "payments", json.RawMessage(`{"outcome":"`+outcome+`"}`))
		require.NoError(t, err)
		ids = append(ids, id)
		time.Sleep(2 * time.Millisecond)
	}

	all, err := s.List(ctx, "payments")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, ids[0], all[0].ID, "push ids sort by creation")
	assert.Less(t, all[0].Revision, all[2].Revision)

	ok, err := s.List(ctx, "payments", Filter{Field: "outcome", Values: []string{"SUCCESS"}})
	require.NoError(t, err)
	assert.Len(t, ok, 2)

	empty, err := s.List(ctx, "nothing")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestMemoryStore_TransactAbortAndNoop(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "balances/e1", json.RawMessage(`{"amount":"10"}`)))

	boom := errors.New("boom")
	err := s.Transact(ctx, "balances/e1", func(cur json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"amount":"0"}`), boom
	})
	assert.ErrorIs(t, err, boom)

	err = s.Transact(ctx, "balances/e1", func(cur json.RawMessage) (json.RawMessage, error) {
		return nil, nil
	})
	require.NoError(t, err)

	raw, _ := s.Get(ctx, "balances/e1")
	assert.JSONEq(t, `{"amount":"10"}`, string(raw))
}

func TestMemoryStore_TransactIsAtomic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "counters/c", json.RawMessage(`{"n":0}`)))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Transact(ctx, "counters/c", func(cur json.RawMessage) (json.RawMessage, error) {
				var v struct{ N int }
				if err := json.Unmarshal(cur, &v); err != nil {
					return nil, err
				}
				v.N++
				return json.Marshal(map[string]int{"n": v.N})
			})
		}()
	}
	wg.Wait()

	var v struct{ N int }
	require.NoError(t, GetJSON(ctx, s, "counters/c", &v))
	assert.Equal(t, 50, v.N)
}

func TestMemoryStore_SubscribeDocument(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	snaps := make(chan Snapshot, 16)
	sub, err := s.Subscribe(ctx, "claims/c1", func(snap Snapshot) { snaps <- snap })
	require.NoError(t, err)
	defer sub.Unsubscribe()

	first := <-snaps
	assert.False(t, first.Exists, "initial snapshot of a missing document")

	require.NoError(t, s.Set(ctx, "claims/c1", json.RawMessage(`{"status":"PENDING"}`)))
	require.Eventually(t, func() bool {
		select {
		case snap := <-snaps:
			return snap.Exists && string(snap.Data) == `{"status":"PENDING"}`
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)

	// Writes to other documents do not wake this subscriber.
	require.NoError(t, s.Set(ctx, "claims/c2", json.RawMessage(`{}`)))
	select {
	case snap := <-snaps:
		t.Fatalf("unexpected delivery %+v", snap)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryStore_SubscribeCollectionLastWriteWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	release := make(chan struct{})
	var calls atomic.Int32
	var mu sync.Mutex
	var last Snapshot

	sub, err := s.Subscribe(ctx, "claims", func(snap Snapshot) {
		if calls.Add(1) == 1 {
			<-release // hold the first delivery while writes pile up
		}
		mu.Lock()
		last = snap
		mu.Unlock()
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	for i := 0; i < 20; i++ {
		require.NoError(t, SetJSON(ctx, s, "claims/c1", map[string]int{"v": i}))
	}
	close(release)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(last.Entries) == 1 && string(last.Entries[0].Data) == `{"v":19}`
	}, time.Second, 5*time.Millisecond)

	// 20 writes collapse into at most one pending delivery behind the blocked one.
	assert.LessOrEqual(t, calls.Load(), int32(3))
}

func TestMemoryStore_Unsubscribe(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var calls atomic.Int32
	sub, err := s.Subscribe(ctx, "claims", func(Snapshot) { calls.Add(1) })
	require.NoError(t, err)
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)

	sub.Unsubscribe()
	sub.Unsubscribe()
	assert.Equal(t, 0, s.Subscribers())

	require.NoError(t, s.Set(ctx, "claims/c1", json.RawMessage(`{}`)))
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestMemoryStore_SubscriptionEndsWithContext(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())

	_, err := s.Subscribe(ctx, "claims", func(Snapshot) {})
	require.NoError(t, err)
	assert.Equal(t, 1, s.Subscribers())

	cancel()
	require.Eventually(t, func() bool { return s.Subscribers() == 0 }, time.Second, time.Millisecond)
}

func TestMemoryStore_SubscriberPanicIsContained(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var calls atomic.Int32
	sub, err := s.Subscribe(ctx, "claims", func(Snapshot) {
		if calls.Add(1) == 1 {
			panic("bad subscriber")
		}
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, s.Set(ctx, "claims/c1", json.RawMessage(`{}`)))
	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, time.Millisecond)
}
