package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
	_ "modernc.org/sqlite"             // register the pure-Go sqlite driver
)

// Dialect selects placeholder syntax and driver name.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

const defaultTable = "upgrade_ledger"

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

var columns = []string{
	"record_id", "upgrader_version", "source_modified", "status",
	"entity", "failure_kind", "target_id", "updated_at",
}

func (d Dialect) driverName() (string, error) {
	switch d {
	case DialectSQLite:
		return "sqlite", nil
	case DialectPostgres:
		return "pgx", nil
	default:
		return "", fmt.Errorf("unknown ledger dialect %q", d)
	}
}

func (d Dialect) placeholder(n int) string {
	if d == DialectPostgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// SQL is a Ledger stored in a relational table.
type SQL struct {
	db      *sql.DB
	dialect Dialect
	table   string
	owned   bool
}

// OpenSQL opens dsn with the dialect's driver and prepares the table.
func OpenSQL(ctx context.Context, dialect Dialect, dsn, table string) (*SQL, error) {
	name, err := dialect.driverName()
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(name, dsn)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	if dialect == DialectSQLite {
		db.SetMaxOpenConns(1)
	}
	l, err := NewSQL(ctx, db, dialect, table)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	l.owned = true
	return l, nil
}

// NewSQL prepares the ledger table on an existing connection pool. The
// caller keeps ownership of db.
func NewSQL(ctx context.Context, db *sql.DB, dialect Dialect, table string) (*SQL, error) {
	if _, err := dialect.driverName(); err != nil {
		return nil, err
	}
	if table == "" {
		table = defaultTable
	}
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("invalid ledger table name %q", table)
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		record_id TEXT PRIMARY KEY,
		upgrader_version TEXT NOT NULL,
		source_modified TEXT NOT NULL,
		status TEXT NOT NULL,
		entity TEXT NOT NULL,
		failure_kind TEXT NOT NULL,
		target_id TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`, table)
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return nil, fmt.Errorf("ensure %s table: %w", table, err)
	}
	return &SQL{db: db, dialect: dialect, table: table}, nil
}

// Get implements Ledger.
func (l *SQL) Get(ctx context.Context, recordID string) (Entry, error) {
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE record_id = %s`,
		strings.Join(columns, ", "), l.table, l.dialect.placeholder(1))
	var e Entry
	var updated string
	err := l.db.QueryRowContext(ctx, q, recordID).Scan(
		&e.RecordID, &e.UpgraderVersion, &e.SourceModified, &e.Status,
		&e.Entity, &e.FailureKind, &e.TargetID, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("ledger get %s: %w", recordID, err)
	}
	if e.UpdatedAt, err = time.Parse(time.RFC3339Nano, updated); err != nil {
		return Entry{}, fmt.Errorf("ledger get %s: updated_at: %w", recordID, err)
	}
	return e, nil
}

// Put implements Ledger.
func (l *SQL) Put(ctx context.Context, e Entry) error {
	if e.RecordID == "" {
		return errors.New("ledger entry requires a record id")
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now().UTC()
	}
	marks := make([]string, len(columns))
	var sets []string
	for i, col := range columns {
		marks[i] = l.dialect.placeholder(i + 1)
		if i > 0 {
			sets = append(sets, fmt.Sprintf("%s = excluded.%s", col, col))
		}
	}
	q := fmt.Sprintf(`INSERT INTO %s(%s) VALUES(%s) ON CONFLICT(record_id) DO UPDATE SET %s`,
		l.table, strings.Join(columns, ", "), strings.Join(marks, ", "), strings.Join(sets, ", "))
	_, err := l.db.ExecContext(ctx, q,
		e.RecordID, e.UpgraderVersion, e.SourceModified, e.Status,
		e.Entity, e.FailureKind, e.TargetID, e.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("ledger put %s: %w", e.RecordID, err)
	}
	return nil
}

// Close closes the pool when OpenSQL created it.
func (l *SQL) Close() error {
	if !l.owned {
		return nil
	}
	return l.db.Close()
}

var _ Ledger = (*SQL)(nil)
