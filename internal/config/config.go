// Package config loads runtime settings for the metaupgrade command.
//
// Sources are applied in order, later ones winning:
//
//	built-in defaults
//	YAML file (--config)
//	.env file (only fills variables not already set)
//	METAUPGRADE_* environment variables
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"metaupgrade/internal/blob"
	"metaupgrade/internal/store"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "METAUPGRADE_"

// Ledger drivers.
const (
	LedgerNone     = "none"
	LedgerMemory   = "memory"
	LedgerSQLite   = "sqlite"
	LedgerPostgres = "postgres"
)

// S3 configures an S3 or MinIO bucket.
type S3 struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Prefix          string `yaml:"prefix"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
	PathStyle       bool   `yaml:"path_style"`
}

// Store selects a document store for one side of a run.
type Store struct {
	Driver      string `yaml:"driver"`
	Table       string `yaml:"table"`
	SQLitePath  string `yaml:"sqlite_path"`
	PostgresDSN string `yaml:"postgres_dsn"`
	BadgerPath  string `yaml:"badger_path"`
	BlobRoot    string `yaml:"blob_root"`
	BlobPrefix  string `yaml:"blob_prefix"`
	S3          S3     `yaml:"s3"`
}

// StoreConfig converts s for store.Open.
func (s Store) StoreConfig() store.Config {
	return store.Config{
		Driver:      store.Driver(s.Driver),
		Table:       s.Table,
		SQLitePath:  s.SQLitePath,
		PostgresDSN: s.PostgresDSN,
		BadgerPath:  s.BadgerPath,
		BlobRoot:    s.BlobRoot,
		BlobPrefix:  s.BlobPrefix,
		S3: blob.S3Config{
			Bucket:          s.S3.Bucket,
			Region:          s.S3.Region,
			Prefix:          s.S3.Prefix,
			Endpoint:        s.S3.Endpoint,
			AccessKeyID:     s.S3.AccessKeyID,
			SecretAccessKey: s.S3.SecretAccessKey,
			SessionToken:    s.S3.SessionToken,
			PathStyle:       s.S3.PathStyle,
		},
	}
}

// Ledger configures upgrade bookkeeping.
type Ledger struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
	Table  string `yaml:"table"`
}

// Retry bounds store call retries.
type Retry struct {
	MaxTries    uint          `yaml:"max_tries"`
	Initial     time.Duration `yaml:"initial"`
	MaxInterval time.Duration `yaml:"max_interval"`
}

// Config is the full runtime configuration.
type Config struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	Workers int     `yaml:"workers"`
	Window  int     `yaml:"window"`
	RPS     float64 `yaml:"rps"`
	Burst   int     `yaml:"burst"`
	Retry   Retry   `yaml:"retry"`

	// ValidateOutput runs the current-schema validator after every upgrade.
	ValidateOutput bool `yaml:"validate"`

	Source Store `yaml:"source"`
	// Sink defaults to Source when its driver is empty.
	Sink   Store  `yaml:"sink"`
	Ledger Ledger `yaml:"ledger"`

	UpgraderVersion string `yaml:"upgrader_version"`
	MetricsTextfile string `yaml:"metrics_textfile"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		LogLevel:  "info",
		LogFormat: "text",
		Workers:   4,
		Burst:     1,
		Retry: Retry{
			MaxTries:    5,
			Initial:     100 * time.Millisecond,
			MaxInterval: 5 * time.Second,
		},
		ValidateOutput: true,
		Source:         Store{Driver: string(store.DriverSQLite), SQLitePath: "metaupgrade.db"},
		Ledger:         Ledger{Driver: LedgerNone},
	}
}

// Options locate the optional configuration files.
type Options struct {
	// File is a YAML file. Empty means none.
	File string
	// EnvFile is a dotenv file. Empty means ".env" when it exists.
	EnvFile string
}

// Load builds the configuration from every source and validates it.
func Load(opts Options) (Config, error) {
	cfg := Default()
	if opts.File != "" {
		data, err := os.ReadFile(opts.File)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", opts.File, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", opts.File, err)
		}
	}
	if err := loadEnvFile(opts.EnvFile); err != nil {
		return Config{}, err
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	if cfg.Sink.Driver == "" {
		cfg.Sink = cfg.Source
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadEnvFile(path string) error {
	if path == "" {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load .env: %w", err)
		}
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

type lookupFunc func(string) (string, bool)

func applyEnv(cfg *Config, lookup lookupFunc) error {
	var errs []error
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if v, ok := lookup(EnvPrefix + name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	flag := func(name string, dst *bool) {
		if v, ok := lookup(EnvPrefix + name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = b
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v, ok := lookup(EnvPrefix + name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = d
		}
	}

	str("LOG_LEVEL", &cfg.LogLevel)
	str("LOG_FORMAT", &cfg.LogFormat)
	num("WORKERS", &cfg.Workers)
	num("WINDOW", &cfg.Window)
	num("BURST", &cfg.Burst)
	if v, ok := lookup(EnvPrefix + "RPS"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sRPS: %w", EnvPrefix, err))
		} else {
			cfg.RPS = f
		}
	}
	if v, ok := lookup(EnvPrefix + "RETRY_MAX_TRIES"); ok {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sRETRY_MAX_TRIES: %w", EnvPrefix, err))
		} else {
			cfg.Retry.MaxTries = uint(n)
		}
	}
	dur("RETRY_INITIAL", &cfg.Retry.Initial)
	dur("RETRY_MAX_INTERVAL", &cfg.Retry.MaxInterval)
	flag("VALIDATE", &cfg.ValidateOutput)
	str("UPGRADER_VERSION", &cfg.UpgraderVersion)
	str("METRICS_TEXTFILE", &cfg.MetricsTextfile)
	str("LEDGER_DRIVER", &cfg.Ledger.Driver)
	str("LEDGER_DSN", &cfg.Ledger.DSN)
	str("LEDGER_TABLE", &cfg.Ledger.Table)

	for _, side := range []struct {
		prefix string
		dst    *Store
	}{{"SOURCE_", &cfg.Source}, {"SINK_", &cfg.Sink}} {
		s := side.dst
		str(side.prefix+"DRIVER", &s.Driver)
		str(side.prefix+"TABLE", &s.Table)
		str(side.prefix+"SQLITE_PATH", &s.SQLitePath)
		str(side.prefix+"POSTGRES_DSN", &s.PostgresDSN)
		str(side.prefix+"BADGER_PATH", &s.BadgerPath)
		str(side.prefix+"BLOB_FS_ROOT", &s.BlobRoot)
		str(side.prefix+"BLOB_PREFIX", &s.BlobPrefix)
		str(side.prefix+"BLOB_S3_BUCKET", &s.S3.Bucket)
		str(side.prefix+"BLOB_S3_REGION", &s.S3.Region)
		str(side.prefix+"BLOB_S3_PREFIX", &s.S3.Prefix)
		str(side.prefix+"BLOB_S3_ENDPOINT", &s.S3.Endpoint)
		str(side.prefix+"BLOB_S3_ACCESS_KEY_ID", &s.S3.AccessKeyID)
		str(side.prefix+"BLOB_S3_SECRET_ACCESS_KEY", &s.S3.SecretAccessKey)
		str(side.prefix+"BLOB_S3_SESSION_TOKEN", &s.S3.SessionToken)
		flag(side.prefix+"BLOB_S3_PATH_STYLE", &s.S3.PathStyle)
	}
	return errors.Join(errs...)
}

// Validate rejects unknown drivers and non-positive pool sizes.
func (c Config) Validate() error {
	var errs []error
	if c.Workers <= 0 {
		errs = append(errs, fmt.Errorf("workers must be positive, got %d", c.Workers))
	}
	if c.Window < 0 {
		errs = append(errs, fmt.Errorf("window must not be negative, got %d", c.Window))
	}
	if c.RPS < 0 {
		errs = append(errs, fmt.Errorf("rps must not be negative, got %v", c.RPS))
	}
	if c.Retry.MaxTries == 0 {
		errs = append(errs, errors.New("retry.max_tries must be positive"))
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}
	for _, side := range []struct {
		name string
		s    Store
	}{{"source", c.Source}, {"sink", c.Sink}} {
		name, s := side.name, side.s
		if s.Driver != "" && !slices.Contains(store.Drivers(), store.Driver(s.Driver)) {
			errs = append(errs, fmt.Errorf("unknown %s driver %q", name, s.Driver))
		}
		if s.Driver == string(store.DriverS3) && s.S3.Bucket == "" {
			errs = append(errs, fmt.Errorf("%s s3 driver requires a bucket", name))
		}
	}
	switch c.Ledger.Driver {
	case "", LedgerNone, LedgerMemory, LedgerSQLite, LedgerPostgres:
	default:
		errs = append(errs, fmt.Errorf("unknown ledger driver %q", c.Ledger.Driver))
	}
	return errors.Join(errs...)
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("unknown log level %q", s)
	}
	return l, nil
}

// Logger builds the handler selected by LogFormat at LogLevel.
func (c Config) Logger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
