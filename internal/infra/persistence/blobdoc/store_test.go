package blobdoc

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"metaupgrade/internal/blob"
	"metaupgrade/internal/store/core"
	"metaupgrade/pkg/record"
)

func backends(t *testing.T) map[string]blob.Store {
	t.Helper()
	fs, err := blob.NewFilesystem(t.TempDir())
	if err != nil {
		t.Fatalf("filesystem: %v", err)
	}
	return map[string]blob.Store{
		"memory": blob.NewMemory(),
		"fs":     fs,
		"s3":     blob.NewMockS3ForTests(),
	}
}

func TestDocumentsAcrossBackends(t *testing.T) {
	ctx := context.Background()
	for name, blobs := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s, err := NewStore(blobs, "/upgraded/")
			if err != nil {
				t.Fatalf("NewStore: %v", err)
			}
			for _, id := range []string{"b", "a"} {
				if err := s.Upsert(ctx, id, record.Record{"schema_version": "1.0.0", "name": id}); err != nil {
					t.Fatalf("upsert %s: %v", id, err)
				}
			}
			info, err := blobs.Head(ctx, "upgraded/a.json")
			if err != nil {
				t.Fatalf("head: %v", err)
			}
			if info.Metadata[MetadataID] != "a" {
				t.Fatalf("expected record id metadata, got %v", info.Metadata)
			}
			// Objects outside the document layout are ignored.
			if _, err := blobs.Put(ctx, "upgraded/notes.txt", bytes.NewReader([]byte("x")), blob.PutOptions{}); err != nil {
				t.Fatalf("put: %v", err)
			}
			var ids []string
			for doc, err := range s.FetchAll(ctx, "") {
				if err != nil {
					t.Fatalf("fetch all: %v", err)
				}
				if doc.Record["name"] != doc.ID || doc.Record.Has(core.IDField) {
					t.Fatalf("unexpected document %+v", doc)
				}
				ids = append(ids, doc.ID)
			}
			if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
				t.Fatalf("unexpected ids %v", ids)
			}
			if _, err := s.Fetch(ctx, "zzz"); !errors.Is(err, core.ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestInvalidInput(t *testing.T) {
	if _, err := NewStore(nil, ""); err == nil {
		t.Fatalf("expected nil blob store error")
	}
	s, _ := NewStore(blob.NewMemory(), "")
	if err := s.Upsert(context.Background(), "a/b", record.Record{}); err == nil {
		t.Fatalf("expected invalid id error")
	}
}

func TestCorruptObject(t *testing.T) {
	ctx := context.Background()
	blobs := blob.NewMemory()
	s, _ := NewStore(blobs, "")
	if _, err := blobs.Put(ctx, "bad.json", bytes.NewReader([]byte("null")), blob.PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Upsert(ctx, "good", record.Record{"n": 1.0}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	var ids []string
	for doc, err := range s.FetchAll(ctx, "") {
		switch doc.ID {
		case "bad":
			if !errors.Is(err, core.ErrCorrupt) {
				t.Fatalf("expected corrupt error, got %v", err)
			}
		case "good":
			if err != nil {
				t.Fatalf("good document: %v", err)
			}
		default:
			t.Fatalf("unexpected document %q: %v", doc.ID, err)
		}
		ids = append(ids, doc.ID)
	}
	if len(ids) != 2 {
		t.Fatalf("expected iteration past the corrupt object, got %v", ids)
	}
}
