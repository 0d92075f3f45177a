package expense

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/mbd888/stableflow/internal/docstore"
)

// Collection is the document collection holding claims.
const Collection = "claims"

// Store is the typed view of the claims collection. Every document is
// decoded and checked on the way in and out.
type Store struct {
	docs    docstore.Store
	ceiling decimal.Decimal
	logger  *slog.Logger
}

// NewStore wraps a document store.
func NewStore(docs docstore.Store, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{docs: docs, logger: logger}
}

// WithCeiling refuses new claims above max. Stored claims are not
// re-checked, so lowering the ceiling leaves existing records readable.
func (s *Store) WithCeiling(max decimal.Decimal) *Store {
	s.ceiling = max
	return s
}

func claimPath(id string) string {
	return docstore.Join(Collection, id)
}

// Get returns one claim.
func (s *Store) Get(ctx context.Context, id string) (*Claim, error) {
	raw, err := s.docs.Get(ctx, claimPath(id))
	if errors.Is(err, docstore.ErrNotFound) || errors.Is(err, docstore.ErrInvalidPath) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeClaim(id, raw)
}

// Create writes a new claim and fails with ErrDuplicate if the id is taken.
func (s *Store) Create(ctx context.Context, c *Claim) error {
	if err := c.Check(); err != nil {
		return fmt.Errorf("%w: claim %s: %v", docstore.ErrInvalidDocument, c.ID, err)
	}
	if s.ceiling.IsPositive() && c.Amount.GreaterThan(s.ceiling) {
		return fmt.Errorf("%w: claim %s: amount %s exceeds %s", docstore.ErrInvalidDocument, c.ID, c.Amount, s.ceiling)
	}
	return s.docs.Transact(ctx, claimPath(c.ID), func(current json.RawMessage) (json.RawMessage, error) {
		if current != nil {
			return nil, ErrDuplicate
		}
		return json.Marshal(c)
	})
}

// Mutate applies fn to the stored claim atomically. If fn returns an
// error nothing is written. The updated claim is returned.
func (s *Store) Mutate(ctx context.Context, id string, fn func(*Claim) error) (*Claim, error) {
	var out *Claim
	err := s.docs.Transact(ctx, claimPath(id), func(current json.RawMessage) (json.RawMessage, error) {
		if current == nil {
			return nil, ErrNotFound
		}
		c, err := decodeClaim(id, current)
		if err != nil {
			return nil, err
		}
		if err := fn(c); err != nil {
			return nil, err
		}
		if err := c.Check(); err != nil {
			return nil, fmt.Errorf("%w: claim %s: %v", docstore.ErrInvalidDocument, id, err)
		}
		out = c
		return json.Marshal(c)
	})
	if errors.Is(err, docstore.ErrInvalidPath) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// List returns claims matching f, newest first, capped at f.Limit.
// Status and owner predicates are pushed down to the document store.
func (s *Store) List(ctx context.Context, f Filter) ([]*Claim, error) {
	var pushed []docstore.Filter
	if len(f.Statuses) > 0 {
		vals := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			vals[i] = string(st)
		}
		pushed = append(pushed, docstore.Filter{Field: "status", Values: vals})
	}
	if f.OwnerID != "" {
		pushed = append(pushed, docstore.Filter{Field: "ownerId", Values: []string{f.OwnerID}})
	}

	entries, err := s.docs.List(ctx, Collection, pushed...)
	if err != nil {
		return nil, err
	}
	return s.fromEntries(entries, f), nil
}

func (s *Store) fromEntries(entries []docstore.Entry, f Filter) []*Claim {
	out := make([]*Claim, 0, len(entries))
	for _, e := range entries {
		c, err := decodeClaim(e.ID, e.Data)
		if err != nil {
			s.logger.Warn("skipping malformed claim", "claim_id", e.ID, "error", err)
			continue
		}
		if f.Match(c) {
			out = append(out, c)
		}
	}
	sortNewestFirst(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

func sortNewestFirst(claims []*Claim) {
	sort.SliceStable(claims, func(i, j int) bool {
		if !claims[i].SubmittedAt.Equal(claims[j].SubmittedAt) {
			return claims[i].SubmittedAt.After(claims[j].SubmittedAt)
		}
		return claims[i].ID > claims[j].ID
	})
}

func decodeClaim(id string, raw json.RawMessage) (*Claim, error) {
	var c Claim
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("%w: claim %s: %v", docstore.ErrInvalidDocument, id, err)
	}
	if c.ID == "" {
		c.ID = id
	}
	if c.ID != id {
		return nil, fmt.Errorf("%w: claim %s stored under %s", docstore.ErrInvalidDocument, c.ID, id)
	}
	if err := c.Check(); err != nil {
		return nil, fmt.Errorf("%w: claim %s: %v", docstore.ErrInvalidDocument, id, err)
	}
	return &c, nil
}
