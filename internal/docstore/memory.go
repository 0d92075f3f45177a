package docstore

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"

	"github.com/mbd888/stableflow/internal/idgen"
)

type memDoc struct {
	data     json.RawMessage
	revision int64
}

// MemoryStore is an in-process Store for development and tests.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]map[string]memDoc
	revision    int64
	hub         *hub
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(logger *slog.Logger) *MemoryStore {
	if logger == nil {
		logger = slog.Default()
	}
	m := &MemoryStore{collections: make(map[string]map[string]memDoc)}
	m.hub = newHub(m.snapshot, logger)
	return m
}

func (m *MemoryStore) Get(ctx context.Context, path string) (json.RawMessage, error) {
	collection, id, err := splitDocPath(path)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.collections[collection][id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRaw(doc.data), nil
}

func (m *MemoryStore) Set(ctx context.Context, path string, doc json.RawMessage) error {
	collection, id, err := splitDocPath(path)
	if err != nil {
		return err
	}
	if err := checkDocument(doc); err != nil {
		return err
	}
	m.mu.Lock()
	m.writeLocked(collection, id, doc)
	m.mu.Unlock()
	m.hub.publish(collection, id)
	return nil
}

func (m *MemoryStore) Update(ctx context.Context, path string, partial map[string]any) error {
	return m.Transact(ctx, path, func(current json.RawMessage) (json.RawMessage, error) {
		if current == nil {
			return nil, ErrNotFound
		}
		return merge(current, partial)
	})
}

func (m *MemoryStore) Push(ctx context.Context, collection string, doc json.RawMessage) (string, error) {
	if !collectionRe.MatchString(collection) {
		return "", ErrInvalidPath
	}
	if err := checkDocument(doc); err != nil {
		return "", err
	}
	id := idgen.Sortable()
	m.mu.Lock()
	m.writeLocked(collection, id, doc)
	m.mu.Unlock()
	m.hub.publish(collection, id)
	return id, nil
}

// Transact runs fn under the store's write lock.
func (m *MemoryStore) Transact(ctx context.Context, path string, fn TxFunc) error {
	collection, id, err := splitDocPath(path)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	var current json.RawMessage
	if doc, ok := m.collections[collection][id]; ok {
		current = cloneRaw(doc.data)
	}
	next, err := fn(current)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if next == nil {
		m.mu.Unlock()
		return nil
	}
	if err := checkDocument(next); err != nil {
		m.mu.Unlock()
		return err
	}
	m.writeLocked(collection, id, next)
	m.mu.Unlock()

	m.hub.publish(collection, id)
	return nil
}

func (m *MemoryStore) List(ctx context.Context, collection string, filters ...Filter) ([]Entry, error) {
	if !collectionRe.MatchString(collection) {
		return nil, ErrInvalidPath
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listLocked(collection, filters), nil
}

func (m *MemoryStore) Subscribe(ctx context.Context, path string, fn func(Snapshot)) (*Subscription, error) {
	return m.hub.subscribe(ctx, path, fn)
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

// Close drops every subscription. Data stays readable.
func (m *MemoryStore) Close() error {
	m.hub.closeAll()
	return nil
}

// Subscribers returns the number of live subscriptions.
func (m *MemoryStore) Subscribers() int {
	return m.hub.count()
}

func (m *MemoryStore) writeLocked(collection, id string, doc json.RawMessage) {
	docs, ok := m.collections[collection]
	if !ok {
		docs = make(map[string]memDoc)
		m.collections[collection] = docs
	}
	m.revision++
	docs[id] = memDoc{data: cloneRaw(doc), revision: m.revision}
}

func (m *MemoryStore) listLocked(collection string, filters []Filter) []Entry {
	docs := m.collections[collection]
	out := make([]Entry, 0, len(docs))
	for id, doc := range docs {
		if !matches(doc.data, filters) {
			continue
		}
		out = append(out, Entry{ID: id, Data: cloneRaw(doc.data), Revision: doc.revision})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *MemoryStore) snapshot(ctx context.Context, path string) (Snapshot, error) {
	collection, id, err := SplitPath(path)
	if err != nil {
		return Snapshot{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := Snapshot{Path: path}
	if id == "" {
		snap.Entries = m.listLocked(collection, nil)
		snap.Exists = len(snap.Entries) > 0
		snap.Revision = m.revision
		return snap, nil
	}
	if doc, ok := m.collections[collection][id]; ok {
		snap.Exists = true
		snap.Data = cloneRaw(doc.data)
		snap.Revision = doc.revision
	}
	return snap, nil
}

func cloneRaw(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	out := make(json.RawMessage, len(b))
	copy(out, b)
	return out
}
