package docstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

var (
	// ErrNotFound indicates a missing document.
	ErrNotFound = errors.New("docstore: not found")
	// ErrVersionConflict indicates the stored version differs from the expected one.
	ErrVersionConflict = errors.New("docstore: version conflict")
)

// Document is a versioned JSON record addressed by collection and key.
type Document struct {
	Collection string
	Key        string
	Version    int64
	Data       []byte
	UpdatedAt  time.Time
}

// Filter matches documents whose top-level JSON fields equal the given values.
type Filter map[string]any

// Store is a durable keyed-record store with optimistic concurrency.
//
// Upsert with expectedVersion 0 creates the document and fails with
// ErrVersionConflict if it already exists. Any other expectedVersion must match
// the stored version. The returned version is the one now stored.
type Store interface {
	Get(ctx context.Context, collection, key string) (Document, error)
	Upsert(ctx context.Context, collection, key string, data []byte, expectedVersion int64) (int64, error)
	Query(ctx context.Context, collection string, filter Filter) ([]Document, error)
	// Increment returns max(current+1, floor) for the named counter and stores it.
	Increment(ctx context.Context, counter string, floor int64) (int64, error)
}

func (f Filter) fields() []string {
	keys := make([]string, 0, len(f))
	for key := range f {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func filterValue(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}
