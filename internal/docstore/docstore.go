// Package docstore is the document store behind claims, employees,
// payment records and off-chain balances.
//
// Documents are JSON objects addressed by two-level paths: a collection
// ("claims") and a document inside it ("claims/EXP-..."). Writers get
// atomic read-modify-write through Transact; readers can subscribe to a
// document or a whole collection and receive last-write-wins snapshots.
package docstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	ErrNotFound        = errors.New("docstore: document not found")
	ErrInvalidPath     = errors.New("docstore: invalid path")
	ErrInvalidDocument = errors.New("docstore: document must be a JSON object")
)

var (
	collectionRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)
	docIDRe      = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:-]{0,127}$`)
)

// Entry is one document in a collection listing.
type Entry struct {
	ID       string          `json:"id"`
	Data     json.RawMessage `json:"data"`
	Revision int64           `json:"revision"`
}

// Snapshot is the state of a subscribed path at delivery time.
// Document paths fill Exists/Data/Revision; collection paths fill Entries.
type Snapshot struct {
	Path     string
	Exists   bool
	Data     json.RawMessage
	Revision int64
	Entries  []Entry
}

// Filter restricts a collection listing to documents whose top-level
// string field equals one of Values.
type Filter struct {
	Field  string
	Values []string
}

// TxFunc receives the current document (nil when absent) and returns the
// replacement. Returning a nil document leaves the store untouched.
type TxFunc func(current json.RawMessage) (json.RawMessage, error)

// Store is the document store contract.
type Store interface {
	Get(ctx context.Context, path string) (json.RawMessage, error)
	Set(ctx context.Context, path string, doc json.RawMessage) error
	Update(ctx context.Context, path string, partial map[string]any) error
	Push(ctx context.Context, collection string, doc json.RawMessage) (string, error)
	Transact(ctx context.Context, path string, fn TxFunc) error
	List(ctx context.Context, collection string, filters ...Filter) ([]Entry, error)
	Subscribe(ctx context.Context, path string, fn func(Snapshot)) (*Subscription, error)
	Ping(ctx context.Context) error
	Close() error
}

// Join builds a document path.
func Join(collection, id string) string {
	return collection + "/" + id
}

// SplitPath parses "collection" or "collection/id".
func SplitPath(path string) (collection, id string, err error) {
	parts := strings.Split(path, "/")
	switch len(parts) {
	case 1:
		collection = parts[0]
	case 2:
		collection, id = parts[0], parts[1]
		if !docIDRe.MatchString(id) {
			return "", "", fmt.Errorf("%w: %q", ErrInvalidPath, path)
		}
	default:
		return "", "", fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}
	if !collectionRe.MatchString(collection) {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}
	return collection, id, nil
}

func splitDocPath(path string) (string, string, error) {
	collection, id, err := SplitPath(path)
	if err != nil {
		return "", "", err
	}
	if id == "" {
		return "", "", fmt.Errorf("%w: %q is a collection, not a document", ErrInvalidPath, path)
	}
	return collection, id, nil
}

func checkDocument(doc json.RawMessage) error {
	trimmed := bytes.TrimSpace(doc)
	if len(trimmed) == 0 || trimmed[0] != '{' || !json.Valid(trimmed) {
		return ErrInvalidDocument
	}
	return nil
}

// merge applies partial on top of current. A nil value removes the field.
func merge(current json.RawMessage, partial map[string]any) (json.RawMessage, error) {
	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(current, &fields); err != nil {
		return nil, fmt.Errorf("decode current document: %w", err)
	}
	for k, v := range partial {
		if v == nil {
			delete(fields, k)
			continue
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode field %q: %w", k, err)
		}
		fields[k] = raw
	}
	return json.Marshal(fields)
}

func matches(doc json.RawMessage, filters []Filter) bool {
	if len(filters) == 0 {
		return true
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(doc, &fields); err != nil {
		return false
	}
	for _, f := range filters {
		var v string
		if err := json.Unmarshal(fields[f.Field], &v); err != nil {
			return false
		}
		found := false
		for _, want := range f.Values {
			if v == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// GetJSON reads a document into v.
func GetJSON(ctx context.Context, s Store, path string, v any) error {
	raw, err := s.Get(ctx, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// SetJSON encodes v and writes it at path.
func SetJSON(ctx context.Context, s Store, path string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return s.Set(ctx, path, raw)
}

// PushJSON encodes v and appends it to collection, returning the new id.
func PushJSON(ctx context.Context, s Store, collection string, v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode %s entry: %w", collection, err)
	}
	return s.Push(ctx, collection, raw)
}
