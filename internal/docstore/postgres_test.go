//go:build integration

package docstore

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/stableflow/internal/logging"
	"github.com/mbd888/stableflow/internal/testutil"
)

func TestPostgresStore_CRUD(t *testing.T) {
	db, _, cleanup := testutil.PGTest(t)
	defer cleanup()

	s := NewPostgresStore(db, logging.Discard())
	defer func() { _ = s.Close() }()
	ctx := context.Background()

	_, err := s.Get(ctx, "claims/c1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Set(ctx, "claims/c1", json.RawMessage(`{"status":"PENDING","ownerId":"e1"}`)))
	require.NoError(t, s.Update(ctx, "claims/c1", map[string]any{"status": "APPROVED"}))

	raw, err := s.Get(ctx, "claims/c1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"APPROVED","ownerId":"e1"}`, string(raw))

	assert.ErrorIs(t, s.Update(ctx, "claims/nope", map[string]any{"a": 1}), ErrNotFound)

	id, err := s.Push(ctx, "payments", json.RawMessage(`{"claimId":"c1","outcome":"SUCCESS"}`))
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	list, err := s.List(ctx, "claims", Filter{Field: "status", Values: []string{"APPROVED", "PAID"}})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "c1", list[0].ID)

	none, err := s.List(ctx, "claims", Filter{Field: "status", Values: []string{"PAID"}})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestPostgresStore_TransactSerializes(t *testing.T) {
	db, _, cleanup := testutil.PGTest(t)
	defer cleanup()

	s := NewPostgresStore(db, logging.Discard())
	defer func() { _ = s.Close() }()
	ctx := context.Background()

	done := make(chan error, 20)
	for i := 0; i < 20; i++ {
		go func() {
			done <- s.Transact(ctx, "counters/c", func(cur json.RawMessage) (json.RawMessage, error) {
				var v struct{ N int }
				if cur != nil {
					if err := json.Unmarshal(cur, &v); err != nil {
						return nil, err
					}
				}
				v.N++
				return json.Marshal(map[string]int{"n": v.N})
			})
		}()
	}
	for i := 0; i < 20; i++ {
		require.NoError(t, <-done)
	}

	var v struct{ N int }
	require.NoError(t, GetJSON(ctx, s, "counters/c", &v))
	assert.Equal(t, 20, v.N)
}

func TestPostgresStore_ListenAcrossInstances(t *testing.T) {
	db, dsn, cleanup := testutil.PGTest(t)
	defer cleanup()

	reader := NewPostgresStore(db, logging.Discard())
	defer func() { _ = reader.Close() }()
	require.NoError(t, reader.Listen(dsn))

	writer := NewPostgresStore(db, logging.Discard())
	defer func() { _ = writer.Close() }()

	ctx := context.Background()
	snaps := make(chan Snapshot, 8)
	sub, err := reader.Subscribe(ctx, "claims", func(s Snapshot) { snaps <- s })
	require.NoError(t, err)
	defer sub.Unsubscribe()
	<-snaps

	require.NoError(t, writer.Set(ctx, "claims/c9", json.RawMessage(`{"status":"PENDING"}`)))

	select {
	case snap := <-snaps:
		require.Len(t, snap.Entries, 1)
		assert.Equal(t, "c9", snap.Entries[0].ID)
	case <-time.After(5 * time.Second):
		t.Fatal("no notification from the other instance")
	}
}
