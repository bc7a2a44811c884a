package store

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"

	"metaupgrade/internal/blob"
	"metaupgrade/pkg/record"
)

func TestOpenDrivers(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	configs := map[Driver]Config{
		DriverMemory:     {},
		DriverSQLite:     {Driver: DriverSQLite, SQLitePath: filepath.Join(dir, "records.db")},
		DriverBadger:     {Driver: DriverBadger, BadgerPath: filepath.Join(dir, "badger")},
		DriverFS:         {Driver: DriverFS, BlobRoot: filepath.Join(dir, "blobs"), BlobPrefix: "records"},
		DriverBlobMemory: {Driver: DriverBlobMemory},
	}
	for driver, cfg := range configs {
		t.Run(string(driver), func(t *testing.T) {
			s, err := Open(ctx, cfg, nil)
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			defer func() { _ = s.Close() }()
			exerciseStore(t, s)
		})
	}
	t.Run("mock-s3", func(t *testing.T) {
		s, err := OpenBlob(blob.NewMockS3ForTests(), "records")
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		exerciseStore(t, s)
	})
}

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	if err := s.Upsert(ctx, "q1", record.Record{"schema_version": "1.0.0"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, err := s.Fetch(ctx, "q1")
	if err != nil || got["schema_version"] != "1.0.0" {
		t.Fatalf("fetch: %v %v", got, err)
	}
	_, err = s.Fetch(ctx, "missing")
	if !errors.Is(err, ErrNotFound) || !Permanent(err) {
		t.Fatalf("expected permanent not found, got %v", err)
	}
	if err := s.Upsert(ctx, "q2", record.Record{"schema_version": "1.0.0"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	var ids []string
	for doc, err := range s.FetchAll(ctx, "") {
		if err != nil {
			t.Fatalf("fetch all: %v", err)
		}
		ids = append(ids, doc.ID)
	}
	if len(ids) != 2 || ids[0] != "q1" || ids[1] != "q2" {
		t.Fatalf("unexpected documents %v", ids)
	}
	ids = ids[:0]
	for doc, err := range s.FetchAll(ctx, "q1") {
		if err != nil {
			t.Fatalf("fetch all after q1: %v", err)
		}
		ids = append(ids, doc.ID)
	}
	if len(ids) != 1 || ids[0] != "q2" {
		t.Fatalf("expected only q2 after q1, got %v", ids)
	}
	err = s.Upsert(ctx, "q3", record.Record{"n": math.NaN()})
	if !errors.Is(err, ErrUnencodable) || !Permanent(err) {
		t.Fatalf("expected permanent unencodable error, got %v", err)
	}
}

func TestUnknownDriver(t *testing.T) {
	if _, err := Open(context.Background(), Config{Driver: "mongo"}, nil); err == nil {
		t.Fatalf("expected unknown driver error")
	}
	if len(Drivers()) != 7 {
		t.Fatalf("unexpected drivers %v", Drivers())
	}
}
