package docstore

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	json "github.com/goccy/go-json"
)

// Memory is an in-process Store for tests and single-node development.
type Memory struct {
	mu       sync.RWMutex
	docs     map[string]map[string]Document
	counters map[string]int64
	now      func() time.Time
}

// NewMemory constructs an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		docs:     make(map[string]map[string]Document),
		counters: make(map[string]int64),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Get implements Store.
func (m *Memory) Get(_ context.Context, collection, key string) (Document, error) {
	if m == nil {
		return Document{}, errors.New("docstore: nil memory store")
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.docs[collection][key]
	if !ok {
		return Document{}, ErrNotFound
	}
	return cloneDocument(doc), nil
}

// Upsert implements Store.
func (m *Memory) Upsert(_ context.Context, collection, key string, data []byte, expectedVersion int64) (int64, error) {
	if m == nil {
		return 0, errors.New("docstore: nil memory store")
	}
	if collection == "" || key == "" {
		return 0, errors.New("docstore: collection and key required")
	}
	if !json.Valid(data) {
		return 0, errors.New("docstore: invalid json document")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	docs := m.docs[collection]
	if docs == nil {
		docs = make(map[string]Document)
		m.docs[collection] = docs
	}
	current, exists := docs[key]
	switch {
	case expectedVersion == 0 && exists:
		return 0, ErrVersionConflict
	case expectedVersion != 0 && (!exists || current.Version != expectedVersion):
		return 0, ErrVersionConflict
	}
	doc := Document{
		Collection: collection,
		Key:        key,
		Version:    expectedVersion + 1,
		Data:       append([]byte(nil), data...),
		UpdatedAt:  m.now(),
	}
	docs[key] = doc
	return doc.Version, nil
}

// Query implements Store. Results are ordered by key.
func (m *Memory) Query(_ context.Context, collection string, filter Filter) ([]Document, error) {
	if m == nil {
		return nil, errors.New("docstore: nil memory store")
	}
	m.mu.RLock()
	docs := make([]Document, 0, len(m.docs[collection]))
	for _, doc := range m.docs[collection] {
		docs = append(docs, doc)
	}
	m.mu.RUnlock()

	fields := filter.fields()
	result := make([]Document, 0, len(docs))
	for _, doc := range docs {
		ok, err := matches(doc.Data, filter, fields)
		if err != nil {
			return nil, err
		}
		if ok {
			result = append(result, cloneDocument(doc))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Key < result[j].Key })
	return result, nil
}

// Increment implements Store.
func (m *Memory) Increment(_ context.Context, counter string, floor int64) (int64, error) {
	if m == nil {
		return 0, errors.New("docstore: nil memory store")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	next := m.counters[counter] + 1
	if floor > next {
		next = floor
	}
	m.counters[counter] = next
	return next, nil
}

func matches(data []byte, filter Filter, fields []string) (bool, error) {
	if len(fields) == 0 {
		return true, nil
	}
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	var fieldsByName map[string]any
	if err := decoder.Decode(&fieldsByName); err != nil {
		return false, err
	}
	for _, field := range fields {
		value, ok := fieldsByName[field]
		if !ok {
			return false, nil
		}
		if filterValue(value) != filterValue(filter[field]) {
			return false, nil
		}
	}
	return true, nil
}

func cloneDocument(doc Document) Document {
	doc.Data = append([]byte(nil), doc.Data...)
	return doc
}
