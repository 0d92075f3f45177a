package lease

import (
	"context"
	"sync"

	"github.com/mbd888/stableflow/internal/idgen"
)

// chanMutex is a mutex built on a buffered channel so waiters can
// select on context cancellation.
type chanMutex struct {
	ch      chan struct{}
	waiters int
}

// MemoryLeaser is a process-local Leaser. Entries are reference counted
// and dropped once nobody holds or waits for them.
type MemoryLeaser struct {
	mu    sync.Mutex
	locks map[string]*chanMutex
}

// NewMemoryLeaser creates a process-local leaser.
func NewMemoryLeaser() *MemoryLeaser {
	return &MemoryLeaser{locks: make(map[string]*chanMutex)}
}

func (m *MemoryLeaser) Acquire(ctx context.Context, key string) (*Lease, error) {
	m.mu.Lock()
	cm, ok := m.locks[key]
	if !ok {
		cm = &chanMutex{ch: make(chan struct{}, 1)}
		cm.ch <- struct{}{}
		m.locks[key] = cm
	}
	cm.waiters++
	m.mu.Unlock()

	select {
	case <-cm.ch:
		observeAcquire("memory", true)
	case <-ctx.Done():
		m.done(key, cm)
		observeAcquire("memory", false)
		return nil, ctx.Err()
	}

	return &Lease{
		Key:   key,
		Token: idgen.New(),
		release: func(context.Context) error {
			cm.ch <- struct{}{}
			m.done(key, cm)
			return nil
		},
	}, nil
}

func (m *MemoryLeaser) done(key string, cm *chanMutex) {
	m.mu.Lock()
	cm.waiters--
	if cm.waiters == 0 {
		delete(m.locks, key)
	}
	m.mu.Unlock()
}

// Len returns the number of keys currently held or awaited.
func (m *MemoryLeaser) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
