package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/stableflow/internal/idgen"
)

// NotifyChannel is the Postgres channel the documents trigger publishes on.
const NotifyChannel = "docstore_changes"

// PostgresStore persists documents in a single JSONB table and turns
// LISTEN/NOTIFY into subscription deliveries, so every instance sees
// writes made by the others.
type PostgresStore struct {
	db       *sql.DB
	hub      *hub
	logger   *slog.Logger
	mu       sync.Mutex
	listener *pq.Listener
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NewPostgresStore creates a PostgreSQL-backed document store.
func NewPostgresStore(db *sql.DB, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	p := &PostgresStore{db: db, logger: logger}
	p.hub = newHub(p.snapshot, logger)
	return p
}

// Listen connects a dedicated LISTEN session so writes from other
// instances reach local subscribers. Without it only local writes notify.
func (p *PostgresStore) Listen(dsn string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listener != nil {
		return nil
	}

	l := pq.NewListener(dsn, time.Second, 30*time.Second, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			p.logger.Warn("docstore: listener event", "event", ev, "error", err)
		}
	})
	if err := l.Listen(NotifyChannel); err != nil {
		_ = l.Close()
		return fmt.Errorf("listen %s: %w", NotifyChannel, err)
	}
	p.listener = l
	p.stop = make(chan struct{})

	p.wg.Add(1)
	go p.forward(l, p.stop)
	return nil
}

func (p *PostgresStore) forward(l *pq.Listener, stop <-chan struct{}) {
	defer p.wg.Done()
	ping := time.NewTicker(90 * time.Second)
	defer ping.Stop()
	for {
		select {
		case <-stop:
			return
		case n, ok := <-l.Notify:
			if !ok {
				return
			}
			if n == nil {
				// Reconnected: notifications may have been missed.
				p.hub.publishAll()
				continue
			}
			collection, id, err := SplitPath(n.Extra)
			if err != nil || id == "" {
				continue
			}
			p.hub.publish(collection, id)
		case <-ping.C:
			go func() { _ = l.Ping() }()
		}
	}
}

func (p *PostgresStore) Get(ctx context.Context, path string) (json.RawMessage, error) {
	collection, id, err := splitDocPath(path)
	if err != nil {
		return nil, err
	}
	var data []byte
	err = p.db.QueryRowContext(ctx,
		`SELECT data FROM documents WHERE collection = $1 AND id = $2`,
		collection, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (p *PostgresStore) Set(ctx context.Context, path string, doc json.RawMessage) error {
	collection, id, err := splitDocPath(path)
	if err != nil {
		return err
	}
	if err := checkDocument(doc); err != nil {
		return err
	}
	if err := upsert(ctx, p.db, collection, id, doc); err != nil {
		return err
	}
	p.hub.publish(collection, id)
	return nil
}

func (p *PostgresStore) Update(ctx context.Context, path string, partial map[string]any) error {
	return p.Transact(ctx, path, func(current json.RawMessage) (json.RawMessage, error) {
		if current == nil {
			return nil, ErrNotFound
		}
		return merge(current, partial)
	})
}

func (p *PostgresStore) Push(ctx context.Context, collection string, doc json.RawMessage) (string, error) {
	if !collectionRe.MatchString(collection) {
		return "", ErrInvalidPath
	}
	if err := checkDocument(doc); err != nil {
		return "", err
	}
	id := idgen.Sortable()
	if err := upsert(ctx, p.db, collection, id, doc); err != nil {
		return "", err
	}
	p.hub.publish(collection, id)
	return id, nil
}

// Transact serializes read-modify-write on one path with a transaction
// scoped advisory lock, which also covers documents that do not exist yet.
func (p *PostgresStore) Transact(ctx context.Context, path string, fn TxFunc) error {
	collection, id, err := splitDocPath(path)
	if err != nil {
		return err
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, path); err != nil {
		return fmt.Errorf("lock %s: %w", path, err)
	}

	var current []byte
	err = tx.QueryRowContext(ctx,
		`SELECT data FROM documents WHERE collection = $1 AND id = $2`,
		collection, id).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	next, err := fn(current)
	if err != nil {
		return err
	}
	if next == nil {
		return nil
	}
	if err := checkDocument(next); err != nil {
		return err
	}
	if err := upsert(ctx, tx, collection, id, next); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s: %w", path, err)
	}
	p.hub.publish(collection, id)
	return nil
}

func (p *PostgresStore) List(ctx context.Context, collection string, filters ...Filter) ([]Entry, error) {
	if !collectionRe.MatchString(collection) {
		return nil, ErrInvalidPath
	}

	var (
		where strings.Builder
		args  = []any{collection}
	)
	where.WriteString("collection = $1")
	for _, f := range filters {
		args = append(args, f.Field, pq.Array(f.Values))
		fmt.Fprintf(&where, " AND data->>$%d = ANY($%d)", len(args)-1, len(args))
	}

	rows, err := p.db.QueryContext(ctx,
		`SELECT id, data, revision FROM documents WHERE `+where.String()+` ORDER BY id`,
		args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		var e Entry
		var data []byte
		if err := rows.Scan(&e.ID, &data, &e.Revision); err != nil {
			return nil, err
		}
		e.Data = data
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Subscribe(ctx context.Context, path string, fn func(Snapshot)) (*Subscription, error) {
	return p.hub.subscribe(ctx, path, fn)
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close stops the listener and drops subscriptions. The *sql.DB is owned
// by the caller and left open.
func (p *PostgresStore) Close() error {
	p.hub.closeAll()
	p.mu.Lock()
	l, stop := p.listener, p.stop
	p.listener, p.stop = nil, nil
	p.mu.Unlock()
	if l == nil {
		return nil
	}
	close(stop)
	p.wg.Wait()
	return l.Close()
}

func (p *PostgresStore) snapshot(ctx context.Context, path string) (Snapshot, error) {
	collection, id, err := SplitPath(path)
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{Path: path}
	if id == "" {
		entries, err := p.List(ctx, collection)
		if err != nil {
			return Snapshot{}, err
		}
		snap.Entries = entries
		snap.Exists = len(entries) > 0
		for _, e := range entries {
			if e.Revision > snap.Revision {
				snap.Revision = e.Revision
			}
		}
		return snap, nil
	}

	var data []byte
	err = p.db.QueryRowContext(ctx,
		`SELECT data, revision FROM documents WHERE collection = $1 AND id = $2`,
		collection, id).Scan(&data, &snap.Revision)
	if errors.Is(err, sql.ErrNoRows) {
		return snap, nil
	}
	if err != nil {
		return Snapshot{}, err
	}
	snap.Exists = true
	snap.Data = data
	return snap, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsert(ctx context.Context, db execer, collection, id string, doc json.RawMessage) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO documents (collection, id, data, revision, created_at, updated_at)
		VALUES ($1, $2, $3::JSONB, nextval('documents_revision_seq'), NOW(), NOW())
		ON CONFLICT (collection, id) DO UPDATE SET
			data = EXCLUDED.data,
			revision = EXCLUDED.revision,
			updated_at = NOW()`,
		collection, id, string(doc))
	if err != nil {
		return fmt.Errorf("write %s/%s: %w", collection, id, err)
	}
	return nil
}

var (
	_ Store = (*PostgresStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
