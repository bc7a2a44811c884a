// Package ledger remembers the outcome of each record's last upgrade so
// unchanged records can be skipped on the next run.
package ledger

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sync"
	"time"
)

// Status values.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Entry is the ledger row for one source record.
type Entry struct {
	RecordID        string
	UpgraderVersion string
	// SourceModified is the source record's last_modified value when it was
	// upgraded.
	SourceModified string
	Status         string
	Entity         string
	FailureKind    string
	TargetID       string
	UpdatedAt      time.Time
}

// ErrNotFound is returned by Get for an unknown record.
var ErrNotFound = errors.New("ledger entry not found")

// Ledger stores entries keyed by RecordID.
type Ledger interface {
	Get(ctx context.Context, recordID string) (Entry, error)
	Put(ctx context.Context, e Entry) error
	Close() error
}

// ShouldSkip reports whether prev proves the record was already upgraded by
// upgraderVersion and has not changed since. Records without a modification
// stamp are never skipped.
func ShouldSkip(prev Entry, upgraderVersion, sourceModified string) bool {
	return prev.Status == StatusSuccess &&
		sourceModified != "" &&
		prev.SourceModified == sourceModified &&
		prev.UpgraderVersion == upgraderVersion
}

// Memory is an in-process Ledger.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemory returns an empty ledger.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]Entry)}
}

// Get implements Ledger.
func (m *Memory) Get(_ context.Context, recordID string) (Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[recordID]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return e, nil
}

// Put implements Ledger.
func (m *Memory) Put(_ context.Context, e Entry) error {
	if e.RecordID == "" {
		return errors.New("ledger entry requires a record id")
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now().UTC()
	}
	m.mu.Lock()
	m.entries[e.RecordID] = e
	m.mu.Unlock()
	return nil
}

// Entries returns a snapshot ordered by record id.
func (m *Memory) Entries() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entry, 0, len(m.entries))
	for _, id := range slices.Sorted(maps.Keys(m.entries)) {
		out = append(out, m.entries[id])
	}
	return out
}

// Close implements Ledger.
func (m *Memory) Close() error { return nil }

var _ Ledger = (*Memory)(nil)

// Open constructs the ledger selected by driver: "none" (or empty) yields
// nil, "memory" an in-process ledger, "sqlite" and "postgres" a SQL ledger
// at dsn.
func Open(ctx context.Context, driver, dsn, table string) (Ledger, error) {
	switch driver {
	case "", "none":
		return nil, nil
	case "memory":
		return NewMemory(), nil
	case string(DialectSQLite):
		if dsn == "" {
			dsn = "metaupgrade-ledger.db"
		}
		return OpenSQL(ctx, DialectSQLite, dsn, table)
	case string(DialectPostgres):
		return OpenSQL(ctx, DialectPostgres, dsn, table)
	default:
		return nil, errors.New("unknown ledger driver " + driver)
	}
}
