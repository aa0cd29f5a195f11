package readings

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"

	"irma-supervisor/internal/docstore"
)

const (
	collection       = "readings"
	readingIDCounter = "reading_id"
)

// Store is a Repository over a document store.
type Store struct {
	docs docstore.Store
}

// NewStore constructs a Store.
func NewStore(docs docstore.Store) *Store {
	return &Store{docs: docs}
}

// Save implements Repository.
func (s *Store) Save(ctx context.Context, r *Reading) error {
	if s == nil || s.docs == nil {
		return errors.New("readings: nil store")
	}
	if r == nil || r.NodeKey == "" {
		return errors.New("readings: node key required")
	}
	r.ID = r.Key()
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	if _, err := s.docs.Upsert(ctx, collection, r.ID, data, 0); err != nil {
		if errors.Is(err, docstore.ErrVersionConflict) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// Get implements Repository.
func (s *Store) Get(ctx context.Context, id string) (*Reading, error) {
	if s == nil || s.docs == nil {
		return nil, errors.New("readings: nil store")
	}
	doc, err := s.docs.Get(ctx, collection, id)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decode(doc)
}

// ListBySession implements Repository. Results are ordered by key.
func (s *Store) ListBySession(ctx context.Context, nodeKey string, sessionID int64) ([]Reading, error) {
	if s == nil || s.docs == nil {
		return nil, errors.New("readings: nil store")
	}
	docs, err := s.docs.Query(ctx, collection, docstore.Filter{"nodeKey": nodeKey, "sessionID": sessionID})
	if err != nil {
		return nil, err
	}
	result := make([]Reading, 0, len(docs))
	for _, doc := range docs {
		reading, err := decode(doc)
		if err != nil {
			return nil, err
		}
		result = append(result, *reading)
	}
	return result, nil
}

// NextReadingID implements Repository using the store's atomic counter floored at unix seconds.
func (s *Store) NextReadingID(ctx context.Context, at time.Time) (int64, error) {
	if s == nil || s.docs == nil {
		return 0, errors.New("readings: nil store")
	}
	return s.docs.Increment(ctx, readingIDCounter, at.Unix())
}

func decode(doc docstore.Document) (*Reading, error) {
	var reading Reading
	if err := json.Unmarshal(doc.Data, &reading); err != nil {
		return nil, fmt.Errorf("readings: decode %s: %w", doc.Key, err)
	}
	return &reading, nil
}
