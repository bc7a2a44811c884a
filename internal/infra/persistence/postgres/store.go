// Package postgres stores documents as JSONB rows in a Postgres table.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"regexp"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	"metaupgrade/internal/store/core"
	"metaupgrade/pkg/record"
)

const (
	defaultDriver = "pgx"
	defaultDSN    = "postgres://localhost/metaupgrade?sslmode=disable"
	defaultTable  = "records"
	pageSize      = 200
)

var (
	sqlOpen   = sql.Open
	openMu    sync.Mutex
	tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// Store is a Postgres-backed core.Store.
type Store struct {
	db    *sql.DB
	table string
}

// NewStore opens dsn (falling back to a local default), pings it and
// ensures the document table exists.
func NewStore(ctx context.Context, dsn, table string) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	if table == "" {
		table = defaultTable
	}
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		body JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`, table)
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure %s table: %w", table, err)
	}
	return &Store{db: db, table: table}, nil
}

// Fetch implements core.Store.
func (s *Store) Fetch(ctx context.Context, id string) (record.Record, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT body FROM %s WHERE id = $1`, s.table), id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return nil, core.Wrap("fetch", id, err)
	}
	return core.Decode(id, body)
}

// FetchAll reads in keyset pages ordered by id.
func (s *Store) FetchAll(ctx context.Context, after string) iter.Seq2[core.Document, error] {
	return func(yield func(core.Document, error) bool) {
		for {
			ids, bodies, err := s.page(ctx, after)
			if err != nil {
				yield(core.Document{}, core.Wrap("fetch all", after, err))
				return
			}
			for i, id := range ids {
				rec, err := core.Decode(id, bodies[i])
				if !yield(core.Document{ID: id, Record: rec}, err) {
					return
				}
			}
			if len(ids) < pageSize {
				return
			}
			after = ids[len(ids)-1]
		}
	}
}

func (s *Store) page(ctx context.Context, after string) ([]string, [][]byte, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT id, body FROM %s WHERE id > $1 ORDER BY id LIMIT $2`, s.table), after, pageSize)
	if err != nil {
		return nil, nil, fmt.Errorf("select %s: %w", s.table, err)
	}
	defer func() { _ = rows.Close() }()
	var ids []string
	var bodies [][]byte
	for rows.Next() {
		var id string
		var body []byte
		if err := rows.Scan(&id, &body); err != nil {
			return nil, nil, fmt.Errorf("scan %s: %w", s.table, err)
		}
		ids = append(ids, id)
		bodies = append(bodies, body)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate %s: %w", s.table, err)
	}
	return ids, bodies, nil
}

// Upsert implements core.Store.
func (s *Store) Upsert(ctx context.Context, id string, rec record.Record) error {
	body, err := core.Encode(id, rec)
	if err != nil {
		return err
	}
	q := fmt.Sprintf(`INSERT INTO %s(id, body, updated_at) VALUES($1, $2, $3) ON CONFLICT(id) DO UPDATE SET body = EXCLUDED.body, updated_at = EXCLUDED.updated_at`, s.table)
	if _, err := s.db.ExecContext(ctx, q, id, string(body), time.Now().UTC()); err != nil {
		return core.Wrap("upsert", id, err)
	}
	return nil
}

// Close implements core.Store.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}

var _ core.Store = (*Store)(nil)
