// Package blobdoc stores documents as JSON objects in a blob backend
// (filesystem, S3 or memory).
package blobdoc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"slices"
	"strings"

	blobcore "metaupgrade/internal/blob/core"
	"metaupgrade/internal/store/core"
	"metaupgrade/pkg/record"
)

const (
	suffix      = ".json"
	contentType = "application/json"
	// MetadataID is the blob metadata key carrying the record identifier.
	MetadataID = "record-id"
)

// Store keeps one object per record under prefix.
type Store struct {
	blobs  blobcore.Store
	prefix string
}

// NewStore wraps blobs. A non-empty prefix is normalised to end in "/".
func NewStore(blobs blobcore.Store, prefix string) (*Store, error) {
	if blobs == nil {
		return nil, errors.New("blob store is required")
	}
	prefix = strings.Trim(prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &Store{blobs: blobs, prefix: prefix}, nil
}

func (s *Store) key(id string) string { return s.prefix + id + suffix }

// Fetch implements core.Store.
func (s *Store) Fetch(ctx context.Context, id string) (record.Record, error) {
	data, err := s.read(ctx, s.key(id))
	if errors.Is(err, blobcore.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return nil, core.Wrap("fetch", id, err)
	}
	return core.Decode(id, data)
}

func (s *Store) read(ctx context.Context, key string) ([]byte, error) {
	_, rc, err := s.blobs.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()
	return io.ReadAll(rc)
}

// FetchAll lists the prefix once and reads each object lazily. Objects
// removed after the listing are skipped.
func (s *Store) FetchAll(ctx context.Context, after string) iter.Seq2[core.Document, error] {
	return func(yield func(core.Document, error) bool) {
		infos, err := s.blobs.List(ctx, s.prefix)
		if err != nil {
			yield(core.Document{}, core.Wrap("fetch all", "", err))
			return
		}
		ids := make([]string, 0, len(infos))
		for _, info := range infos {
			rest, ok := strings.CutPrefix(info.Key, s.prefix)
			if !ok || !strings.HasSuffix(rest, suffix) || strings.Contains(rest, "/") {
				continue
			}
			if id := strings.TrimSuffix(rest, suffix); id > after {
				ids = append(ids, id)
			}
		}
		slices.Sort(ids)
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				yield(core.Document{}, err)
				return
			}
			rec, err := s.Fetch(ctx, id)
			if errors.Is(err, core.ErrNotFound) {
				continue
			}
			if !yield(core.Document{ID: id, Record: rec}, err) {
				return
			}
		}
	}
}

// Upsert implements core.Store.
func (s *Store) Upsert(ctx context.Context, id string, rec record.Record) error {
	if id == "" || strings.Contains(id, "/") {
		return core.Wrap("upsert", id, errors.New("invalid document id"))
	}
	data, err := core.Encode(id, rec)
	if err != nil {
		return err
	}
	_, err = s.blobs.Put(ctx, s.key(id), bytes.NewReader(data), blobcore.PutOptions{
		ContentType: contentType,
		Metadata:    map[string]string{MetadataID: id},
	})
	return core.Wrap("upsert", id, err)
}

// Close is a no-op; blob backends hold no resources.
func (s *Store) Close() error { return nil }

var _ core.Store = (*Store)(nil)
