// Package badger stores documents in an embedded BadgerDB key-value store.
package badger

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"os"

	"github.com/dgraph-io/badger/v4"

	"metaupgrade/internal/store/core"
	"metaupgrade/pkg/record"
)

const (
	keyPrefix = "doc/"
	pageSize  = 200
)

// Config configures the database.
type Config struct {
	Path       string
	InMemory   bool
	SyncWrites bool
	Logger     *slog.Logger
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Store is a BadgerDB-backed core.Store.
type Store struct {
	db *badger.DB
}

// NewStore opens the database described by cfg.
func NewStore(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("badger path is required for a persistent store")
	}
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create badger directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return &Store{db: db}, nil
}

// Fetch implements core.Store.
func (s *Store) Fetch(_ context.Context, id string) (record.Record, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyPrefix + id))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%s: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return nil, core.Wrap("fetch", id, err)
	}
	return core.Decode(id, data)
}

type entry struct {
	id   string
	data []byte
}

// FetchAll reads in pages of short read transactions.
func (s *Store) FetchAll(ctx context.Context, after string) iter.Seq2[core.Document, error] {
	return func(yield func(core.Document, error) bool) {
		seek := []byte(keyPrefix)
		if after != "" {
			// The smallest key sorting after keyPrefix+after.
			seek = append([]byte(keyPrefix+after), 0)
		}
		for {
			if err := ctx.Err(); err != nil {
				yield(core.Document{}, err)
				return
			}
			page, next, err := s.page(seek)
			if err != nil {
				yield(core.Document{}, core.Wrap("fetch all", "", err))
				return
			}
			for _, e := range page {
				rec, err := core.Decode(e.id, e.data)
				if !yield(core.Document{ID: e.id, Record: rec}, err) {
					return
				}
			}
			if next == nil {
				return
			}
			seek = next
		}
	}
}

// page returns up to pageSize documents starting at seek and the key to
// resume from, or nil when the prefix is exhausted.
func (s *Store) page(seek []byte) ([]entry, []byte, error) {
	var out []entry
	var next []byte
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(keyPrefix)
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			if len(out) == pageSize {
				next = item.KeyCopy(nil)
				return nil
			}
			data, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			out = append(out, entry{id: string(item.Key()[len(prefix):]), data: data})
		}
		return nil
	})
	return out, next, err
}

// Upsert implements core.Store.
func (s *Store) Upsert(_ context.Context, id string, rec record.Record) error {
	data, err := core.Encode(id, rec)
	if err != nil {
		return err
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(keyPrefix+id), data)
	})
	return core.Wrap("upsert", id, err)
}

// Close implements core.Store.
func (s *Store) Close() error { return s.db.Close() }

var _ core.Store = (*Store)(nil)
