// Package sqlite stores documents as JSON text in a SQLite table.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"regexp"
	"time"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"metaupgrade/internal/store/core"
	"metaupgrade/pkg/record"
)

const (
	defaultTable = "records"
	pageSize     = 200
)

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Store is a SQLite-backed core.Store.
type Store struct {
	db    *sql.DB
	path  string
	table string
}

// NewStore opens (creating if needed) the database at path and ensures the
// document table exists.
func NewStore(ctx context.Context, path, table string) (*Store, error) {
	if path == "" {
		path = "metaupgrade.db"
	}
	if table == "" {
		table = defaultTable
	}
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time avoids SQLITE_BUSY under the batch worker pool.
	db.SetMaxOpenConns(1)
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		body TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`, table)
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create %s table: %w", table, err)
	}
	return &Store{db: db, path: path, table: table}, nil
}

// Fetch implements core.Store.
func (s *Store) Fetch(ctx context.Context, id string) (record.Record, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT body FROM %s WHERE id = ?`, s.table), id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return nil, core.Wrap("fetch", id, err)
	}
	return core.Decode(id, body)
}

// FetchAll reads in keyset pages so no cursor stays open while the caller
// writes back to the same database.
func (s *Store) FetchAll(ctx context.Context, after string) iter.Seq2[core.Document, error] {
	return func(yield func(core.Document, error) bool) {
		for {
			page, err := s.page(ctx, after)
			if err != nil {
				yield(core.Document{}, core.Wrap("fetch all", after, err))
				return
			}
			for _, row := range page {
				rec, err := core.Decode(row.id, row.body)
				if !yield(core.Document{ID: row.id, Record: rec}, err) {
					return
				}
			}
			if len(page) < pageSize {
				return
			}
			after = page[len(page)-1].id
		}
	}
}

type row struct {
	id   string
	body []byte
}

func (s *Store) page(ctx context.Context, after string) ([]row, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT id, body FROM %s WHERE id > ? ORDER BY id LIMIT ?`, s.table), after, pageSize)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.body); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Upsert implements core.Store.
func (s *Store) Upsert(ctx context.Context, id string, rec record.Record) error {
	body, err := core.Encode(id, rec)
	if err != nil {
		return err
	}
	q := fmt.Sprintf(`INSERT INTO %s(id, body, updated_at) VALUES(?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`, s.table)
	if _, err := s.db.ExecContext(ctx, q, id, string(body), time.Now().UTC()); err != nil {
		return core.Wrap("upsert", id, err)
	}
	return nil
}

// Close implements core.Store.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }

var _ core.Store = (*Store)(nil)
