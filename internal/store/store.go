// Package store is the entry point to document stores. It selects a
// persistence driver from configuration; callers depend only on Store.
package store

import (
	"context"
	"fmt"
	"log/slog"

	"metaupgrade/internal/blob"
	"metaupgrade/internal/infra/persistence/badger"
	"metaupgrade/internal/infra/persistence/blobdoc"
	"metaupgrade/internal/infra/persistence/memory"
	"metaupgrade/internal/infra/persistence/postgres"
	"metaupgrade/internal/infra/persistence/sqlite"
	"metaupgrade/internal/store/core"
)

type (
	// Store reads source records and writes upgraded ones.
	Store = core.Store
	// Document is one stored record with its identifier.
	Document = core.Document
	// Error wraps a driver failure with its operation and document.
	Error = core.Error
)

var (
	ErrNotFound    = core.ErrNotFound
	ErrCorrupt     = core.ErrCorrupt
	ErrUnencodable = core.ErrUnencodable
)

// Permanent reports whether err cannot be fixed by retrying.
func Permanent(err error) bool { return core.Permanent(err) }

// Driver names a persistence backend.
type Driver string

const (
	DriverMemory     Driver = "memory"
	DriverSQLite     Driver = "sqlite"
	DriverPostgres   Driver = "postgres"
	DriverBadger     Driver = "badger"
	DriverFS         Driver = "fs"
	DriverS3         Driver = "s3"
	DriverBlobMemory Driver = "blobmem"
)

// Drivers lists every supported driver.
func Drivers() []Driver {
	return []Driver{DriverMemory, DriverSQLite, DriverPostgres, DriverBadger, DriverFS, DriverS3, DriverBlobMemory}
}

// Config selects and configures a driver. Only the fields of the chosen
// driver are read.
type Config struct {
	Driver      Driver
	Table       string
	SQLitePath  string
	PostgresDSN string
	BadgerPath  string
	BlobRoot    string
	BlobPrefix  string
	S3          blob.S3Config
}

// Open constructs the configured store. An empty driver selects memory.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (Store, error) {
	switch cfg.Driver {
	case "", DriverMemory:
		return memory.NewStore(), nil
	case DriverSQLite:
		return sqlite.NewStore(ctx, cfg.SQLitePath, cfg.Table)
	case DriverPostgres:
		return postgres.NewStore(ctx, cfg.PostgresDSN, cfg.Table)
	case DriverBadger:
		return badger.NewStore(badger.Config{Path: cfg.BadgerPath, SyncWrites: true, Logger: logger})
	case DriverFS:
		b, err := blob.NewFilesystem(cfg.BlobRoot)
		if err != nil {
			return nil, err
		}
		return blobdoc.NewStore(b, cfg.BlobPrefix)
	case DriverS3:
		b, err := blob.NewS3(ctx, cfg.S3)
		if err != nil {
			return nil, err
		}
		return blobdoc.NewStore(b, cfg.BlobPrefix)
	case DriverBlobMemory:
		return blobdoc.NewStore(blob.NewMemory(), cfg.BlobPrefix)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// OpenBlob wraps an already constructed blob backend, typically the mock
// S3 store in tests.
func OpenBlob(b blob.Store, prefix string) (Store, error) {
	return blobdoc.NewStore(b, prefix)
}
