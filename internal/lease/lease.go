// Package lease provides per-key exclusive leases. The payment engine
// holds a claim's lease from before the transfer is dispatched until the
// outcome is written, so a claim can never be paid twice concurrently.
package lease

import (
	"context"
	"errors"
)

var (
	// ErrLost means the lease expired or was taken over before release.
	ErrLost = errors.New("lease: lost before release")
)

// Leaser grants exclusive leases keyed by an arbitrary string.
type Leaser interface {
	// Acquire blocks until the lease is held or ctx is done.
	Acquire(ctx context.Context, key string) (*Lease, error)
}

// Lease is a held lease. Release must be called exactly once.
type Lease struct {
	Key     string
	Token   string
	release func(ctx context.Context) error
}

// Release gives the lease up.
func (l *Lease) Release(ctx context.Context) error {
	if l == nil || l.release == nil {
		return nil
	}
	r := l.release
	l.release = nil
	return r(ctx)
}
