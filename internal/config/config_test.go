package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"metaupgrade/internal/store"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load(Options{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Workers != 4 || cfg.Source.Driver != "sqlite" || !cfg.ValidateOutput {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.Sink != cfg.Source {
		t.Fatalf("sink should default to source, got %+v", cfg.Sink)
	}
	if cfg.Source.StoreConfig().Driver != store.DriverSQLite {
		t.Fatalf("unexpected store config %+v", cfg.Source.StoreConfig())
	}
}

func TestPrecedence(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	file := writeFile(t, dir, "metaupgrade.yaml", `
log_level: debug
workers: 2
rps: 5
retry:
  max_tries: 7
  initial: 250ms
source:
  driver: postgres
  postgres_dsn: postgres://yaml
sink:
  driver: fs
  blob_root: /tmp/upgraded
ledger:
  driver: sqlite
  dsn: ledger.db
`)
	env := writeFile(t, dir, "test.env", "METAUPGRADE_WORKERS=3\nMETAUPGRADE_LOG_FORMAT=json\n")
	t.Setenv("METAUPGRADE_WORKERS", "9")
	t.Setenv("METAUPGRADE_SINK_BLOB_PREFIX", "records")
	// godotenv writes straight to the process environment.
	t.Cleanup(func() { _ = os.Unsetenv("METAUPGRADE_LOG_FORMAT") })

	cfg, err := Load(Options{File: file, EnvFile: env})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "debug" || cfg.RPS != 5 || cfg.Retry.MaxTries != 7 || cfg.Retry.Initial != 250*time.Millisecond {
		t.Fatalf("yaml values not applied: %+v", cfg)
	}
	if cfg.Retry.MaxInterval != 5*time.Second {
		t.Fatalf("unset yaml values must keep defaults, got %v", cfg.Retry.MaxInterval)
	}
	if cfg.Workers != 9 {
		t.Fatalf("environment must win over .env and yaml, got %d", cfg.Workers)
	}
	if cfg.LogFormat != "json" {
		t.Fatalf(".env must win over yaml, got %q", cfg.LogFormat)
	}
	if cfg.Source.PostgresDSN != "postgres://yaml" || cfg.Sink.Driver != "fs" || cfg.Sink.BlobPrefix != "records" {
		t.Fatalf("unexpected stores %+v / %+v", cfg.Source, cfg.Sink)
	}
	if cfg.Ledger.Driver != LedgerSQLite || cfg.Ledger.DSN != "ledger.db" {
		t.Fatalf("unexpected ledger %+v", cfg.Ledger)
	}
}

func TestInvalidConfiguration(t *testing.T) {
	t.Chdir(t.TempDir())
	cases := map[string]string{
		"METAUPGRADE_WORKERS":         "0",
		"METAUPGRADE_SOURCE_DRIVER":   "mongo",
		"METAUPGRADE_LEDGER_DRIVER":   "redis",
		"METAUPGRADE_LOG_LEVEL":       "loud",
		"METAUPGRADE_RPS":             "fast",
		"METAUPGRADE_RETRY_MAX_TRIES": "0",
	}
	for name, value := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv(name, value)
			if _, err := Load(Options{}); err == nil {
				t.Fatalf("expected %s=%s to be rejected", name, value)
			}
		})
	}
	t.Run("s3 without bucket", func(t *testing.T) {
		t.Setenv("METAUPGRADE_SINK_DRIVER", "s3")
		_, err := Load(Options{})
		if err == nil || !strings.Contains(err.Error(), "bucket") {
			t.Fatalf("expected bucket error, got %v", err)
		}
	})
	if _, err := Load(Options{File: "missing.yaml"}); err == nil {
		t.Fatalf("expected missing file error")
	}
	if _, err := Load(Options{EnvFile: "missing.env"}); err == nil {
		t.Fatalf("expected missing env file error")
	}
}

func TestLogger(t *testing.T) {
	var b strings.Builder
	cfg := Default()
	cfg.LogFormat = "json"
	cfg.LogLevel = "warn"
	log := cfg.Logger(&b)
	log.Info("hidden")
	log.Warn("shown", "k", "v")
	out := b.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, `"msg":"shown"`) {
		t.Fatalf("unexpected log output %q", out)
	}
}
