package blob

import (
	"bytes"
	"context"
	"errors"
	"testing"
)

func TestOpenDrivers(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		cfg  Config
		want Driver
	}{
		{Config{FSRoot: t.TempDir()}, DriverFilesystem},
		{Config{Driver: DriverMemory}, DriverMemory},
	}
	for _, tc := range cases {
		s, err := Open(ctx, tc.cfg)
		if err != nil {
			t.Fatalf("open %q: %v", tc.cfg.Driver, err)
		}
		if s.Driver() != tc.want {
			t.Fatalf("expected %s got %s", tc.want, s.Driver())
		}
	}
	if _, err := Open(ctx, Config{Driver: "tape"}); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
	if _, err := Open(ctx, Config{Driver: DriverS3}); err == nil {
		t.Fatalf("expected error for s3 without bucket")
	}
}

// TestBackendsShareSemantics runs the same replace/get/list sequence against
// every backend.
func TestBackendsShareSemantics(t *testing.T) {
	ctx := context.Background()
	fsStore, err := NewFilesystem(t.TempDir())
	if err != nil {
		t.Fatalf("fs: %v", err)
	}
	for _, s := range []Store{NewMemory(), fsStore, NewMockS3ForTests()} {
		t.Run(string(s.Driver()), func(t *testing.T) {
			if _, _, err := s.Get(ctx, "a/1.json"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
			if _, err := s.Put(ctx, "a/1.json", bytes.NewReader([]byte(`{"v":1}`)), PutOptions{ContentType: "application/json"}); err != nil {
				t.Fatalf("put: %v", err)
			}
			if _, err := s.Put(ctx, "a/1.json", bytes.NewReader([]byte(`{"v":2}`)), PutOptions{ContentType: "application/json"}); err != nil {
				t.Fatalf("replace: %v", err)
			}
			if _, err := s.Put(ctx, "b/1.json", bytes.NewReader([]byte(`{}`)), PutOptions{}); err != nil {
				t.Fatalf("put b: %v", err)
			}
			_, rc, err := s.Get(ctx, "a/1.json")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			var buf bytes.Buffer
			_, _ = buf.ReadFrom(rc)
			_ = rc.Close()
			if buf.String() != `{"v":2}` {
				t.Fatalf("expected replaced body, got %q", buf.String())
			}
			list, err := s.List(ctx, "a/")
			if err != nil || len(list) != 1 || list[0].Key != "a/1.json" {
				t.Fatalf("list: %v %+v", err, list)
			}
			if ok, err := s.Delete(ctx, "a/1.json"); err != nil || !ok {
				t.Fatalf("delete: %v %v", ok, err)
			}
			if _, err := s.Head(ctx, "a/1.json"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound after delete, got %v", err)
			}
		})
	}
}
