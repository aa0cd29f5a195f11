package docstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	defaultDocumentsTable = "documents"
	defaultCountersTable  = "counters"
)

// Postgres is a Store backed by a jsonb documents table with a version column.
type Postgres struct {
	db       *sql.DB
	table    string
	counters string
}

// PostgresOption configures the Postgres store.
type PostgresOption func(*Postgres)

// WithTables overrides the documents and counters table names.
func WithTables(documents, counters string) PostgresOption {
	return func(p *Postgres) {
		if documents != "" {
			p.table = documents
		}
		if counters != "" {
			p.counters = counters
		}
	}
}

// NewPostgres constructs a Postgres store.
func NewPostgres(db *sql.DB, opts ...PostgresOption) *Postgres {
	store := &Postgres{db: db, table: defaultDocumentsTable, counters: defaultCountersTable}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

// EnsureSchema creates the backing tables when missing.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if p == nil || p.db == nil {
		return errors.New("docstore: nil db")
	}
	statements := []string{
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	collection TEXT NOT NULL,
	key TEXT NOT NULL,
	version BIGINT NOT NULL,
	data JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (collection, key)
)`, p.table),
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	name TEXT PRIMARY KEY,
	value BIGINT NOT NULL
)`, p.counters),
	}
	for _, stmt := range statements {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("docstore: ensure schema: %w", err)
		}
	}
	return nil
}

// Get implements Store.
func (p *Postgres) Get(ctx context.Context, collection, key string) (Document, error) {
	if p == nil || p.db == nil {
		return Document{}, errors.New("docstore: nil db")
	}
	row := p.db.QueryRowContext(ctx, fmt.Sprintf(`
SELECT collection, key, version, data, updated_at
FROM %s
WHERE collection = $1 AND key = $2`, p.table), collection, key)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	return doc, err
}

// Upsert implements Store.
func (p *Postgres) Upsert(ctx context.Context, collection, key string, data []byte, expectedVersion int64) (int64, error) {
	if p == nil || p.db == nil {
		return 0, errors.New("docstore: nil db")
	}
	if collection == "" || key == "" {
		return 0, errors.New("docstore: collection and key required")
	}
	now := time.Now().UTC()
	var (
		result sql.Result
		err    error
	)
	if expectedVersion == 0 {
		result, err = p.db.ExecContext(ctx, fmt.Sprintf(`
INSERT INTO %s (collection, key, version, data, updated_at)
VALUES ($1, $2, 1, $3::jsonb, $4)
ON CONFLICT (collection, key) DO NOTHING`, p.table), collection, key, string(data), now)
	} else {
		result, err = p.db.ExecContext(ctx, fmt.Sprintf(`
UPDATE %s
SET version = version + 1, data = $3::jsonb, updated_at = $4
WHERE collection = $1 AND key = $2 AND version = $5`, p.table), collection, key, string(data), now, expectedVersion)
	}
	if err != nil {
		return 0, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	if affected == 0 {
		return 0, ErrVersionConflict
	}
	return expectedVersion + 1, nil
}

// Query implements Store. Filter values are compared as text against data->>field.
func (p *Postgres) Query(ctx context.Context, collection string, filter Filter) ([]Document, error) {
	if p == nil || p.db == nil {
		return nil, errors.New("docstore: nil db")
	}
	var b strings.Builder
	fmt.Fprintf(&b, `
SELECT collection, key, version, data, updated_at
FROM %s
WHERE collection = $1`, p.table)
	args := []any{collection}
	for _, field := range filter.fields() {
		args = append(args, field, filterValue(filter[field]))
		fmt.Fprintf(&b, " AND data->>$%d = $%d", len(args)-1, len(args))
	}
	b.WriteString(" ORDER BY key ASC")

	rows, err := p.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Increment implements Store.
func (p *Postgres) Increment(ctx context.Context, counter string, floor int64) (int64, error) {
	if p == nil || p.db == nil {
		return 0, errors.New("docstore: nil db")
	}
	var value int64
	err := p.db.QueryRowContext(ctx, fmt.Sprintf(`
INSERT INTO %s AS c (name, value)
VALUES ($1, GREATEST($2::bigint, 1))
ON CONFLICT (name)
DO UPDATE SET value = GREATEST(c.value + 1, EXCLUDED.value)
RETURNING value`, p.counters), counter, floor).Scan(&value)
	if err != nil {
		return 0, err
	}
	return value, nil
}

type documentScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row documentScanner) (Document, error) {
	var doc Document
	var data []byte
	if err := row.Scan(&doc.Collection, &doc.Key, &doc.Version, &data, &doc.UpdatedAt); err != nil {
		return Document{}, err
	}
	doc.Data = data
	doc.UpdatedAt = doc.UpdatedAt.UTC()
	return doc, nil
}
