// Package memory provides a process-local document store. Documents are kept
// as encoded JSON so callers never share maps with the store.
package memory

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"sync"

	"metaupgrade/internal/store/core"
	"metaupgrade/pkg/record"
)

// Store is safe for concurrent use.
type Store struct {
	mu   sync.RWMutex
	docs map[string][]byte
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{docs: make(map[string][]byte)}
}

// Fetch implements core.Store.
func (s *Store) Fetch(_ context.Context, id string) (record.Record, error) {
	s.mu.RLock()
	data, ok := s.docs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, core.ErrNotFound)
	}
	return core.Decode(id, data)
}

// FetchAll yields a snapshot of the identifiers present when iteration
// starts; documents deleted meanwhile are skipped.
func (s *Store) FetchAll(ctx context.Context, after string) iter.Seq2[core.Document, error] {
	return func(yield func(core.Document, error) bool) {
		s.mu.RLock()
		ids := make([]string, 0, len(s.docs))
		for id := range s.docs {
			if id > after {
				ids = append(ids, id)
			}
		}
		s.mu.RUnlock()
		slices.Sort(ids)
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				yield(core.Document{}, err)
				return
			}
			s.mu.RLock()
			data, ok := s.docs[id]
			s.mu.RUnlock()
			if !ok {
				continue
			}
			rec, err := core.Decode(id, data)
			if !yield(core.Document{ID: id, Record: rec}, err) {
				return
			}
		}
	}
}

// Upsert implements core.Store.
func (s *Store) Upsert(_ context.Context, id string, rec record.Record) error {
	data, err := core.Encode(id, rec)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.docs[id] = data
	s.mu.Unlock()
	return nil
}

// Len reports the number of stored documents.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

// Close implements core.Store.
func (s *Store) Close() error { return nil }

var _ core.Store = (*Store)(nil)
