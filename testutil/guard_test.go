package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type recordingT struct {
	msg string
}

func (r *recordingT) Fatalf(format string, args ...any) { r.msg = fmt.Sprintf(format, args...) }

func TestPredicates(t *testing.T) {
	cases := []struct {
		pred func(string) bool
		in   string
		want bool
	}{
		{InternalImportForbidden, "metaupgrade/internal/store", true},
		{InternalImportForbidden, "metaupgrade/pkg/upgrade", false},
		{InfraImportForbidden, "metaupgrade/internal/infra/persistence/sqlite", true},
		{InfraImportForbidden, "metaupgrade/internal/store", false},
	}
	for _, c := range cases {
		if got := c.pred(c.in); got != c.want {
			t.Fatalf("predicate(%q)=%v want %v", c.in, got, c.want)
		}
	}
}

func writeGo(t *testing.T, dir, name, src string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(src), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestDirectImportViolations(t *testing.T) {
	dir := t.TempDir()
	writeGo(t, dir, "ok.go", "package tmp\nimport \"fmt\"\nfunc X() { fmt.Println() }\n")
	writeGo(t, dir, "bad.go", "package tmp\nimport _ \"example.com/m/internal/infra/x\"\n")
	writeGo(t, dir, "bad_test.go", "package tmp\nimport _ \"example.com/m/internal/infra/y\"\n")
	writeGo(t, dir, "notes.txt", "import \"example.com/m/internal/infra/z\"")
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	writeGo(t, filepath.Join(dir, "sub"), "sub.go", "package sub\nimport _ \"example.com/m/internal/infra/w\"\n")

	viols, err := directImportViolations(dir, InfraImportForbidden)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(viols) != 1 || !strings.Contains(viols[0], "infra/x (in bad.go)") {
		t.Fatalf("expected only the non-test file violation, got %v", viols)
	}

	writeGo(t, dir, "broken.go", "package tmp\nimport (")
	if _, err := directImportViolations(dir, InfraImportForbidden); err == nil {
		t.Fatalf("expected parse error")
	}
	if _, err := directImportViolations(filepath.Join(dir, "missing"), InfraImportForbidden); err == nil {
		t.Fatalf("expected read error")
	}
}

func TestAssertNoTransitiveDependencyUsesLoader(t *testing.T) {
	prev := loadDeps
	t.Cleanup(func() { loadDeps = prev })

	loadDeps = func(string) ([]string, error) {
		return []string{"fmt", "metaupgrade/pkg/record"}, nil
	}
	AssertNoTransitiveDependency(t, ".", InternalImportForbidden, "clean graph")

	rt := &recordingT{}
	viols := []string{"metaupgrade/internal/store"}
	failIfTransitiveViolations(rt, "pkg must stay public", viols)
	if !strings.Contains(rt.msg, "pkg must stay public") || !strings.Contains(rt.msg, "internal/store") {
		t.Fatalf("unexpected failure message %q", rt.msg)
	}
	rt = &recordingT{}
	failIfDirectViolations(rt, "reason", nil)
	if rt.msg != "" {
		t.Fatalf("no violations must not fail, got %q", rt.msg)
	}
}
