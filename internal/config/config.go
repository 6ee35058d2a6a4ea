// Package config loads hearth settings. Precedence, lowest first: built-in
// defaults, the TOML file, HEARTH_* environment variables, then whatever
// the caller (usually CLI flags) sets on the returned value.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"hearth/internal/blob"
)

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverBolt     = "bolt"
	DriverPostgres = "postgres"
)

// Defaults.
const (
	DefaultSQLitePath = "hearth.db"
	DefaultBoltPath   = "hearth.bolt"
	DefaultHTTPAddr   = "127.0.0.1:8750"
	DefaultLogLevel   = "info"
	DefaultLogFormat  = "text"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid")

// Config is the full process configuration.
type Config struct {
	Storage StorageConfig `toml:"storage"`
	Legacy  LegacyConfig  `toml:"legacy"`
	Blob    blob.Config   `toml:"blob"`
	HTTP    HTTPConfig    `toml:"http"`
	Log     LogConfig     `toml:"log"`
	Metrics MetricsConfig `toml:"metrics"`

	// Source is the file the config was read from, if any.
	Source string `toml:"-"`
}

// StorageConfig selects the durable engine.
type StorageConfig struct {
	Driver string `toml:"driver"`
	// Path is the database file for sqlite and bolt.
	Path string `toml:"path"`
	// DSN is the postgres connection string.
	DSN string `toml:"dsn"`
	// LockTimeout bounds how long bolt waits for the file lock.
	LockTimeout time.Duration `toml:"lock_timeout"`
}

// LegacyConfig points at the flat store migrated on first start.
type LegacyConfig struct {
	Path string `toml:"path"`
}

// HTTPConfig configures hearth serve.
type HTTPConfig struct {
	Addr            string        `toml:"addr"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig selects the metrics backend: prometheus, expvar or none.
type MetricsConfig struct {
	Backend string `toml:"backend"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Storage: StorageConfig{Driver: DriverSQLite, Path: DefaultSQLitePath, LockTimeout: time.Second},
		Blob:    blob.Config{Driver: blob.DriverFilesystem, Root: "./blobdata"},
		HTTP:    HTTPConfig{Addr: DefaultHTTPAddr, ShutdownTimeout: 10 * time.Second},
		Log:     LogConfig{Level: DefaultLogLevel, Format: DefaultLogFormat},
		Metrics: MetricsConfig{Backend: "prometheus"},
	}
}

// Load reads path (skipped when empty) and the process environment.
func Load(path string) (Config, error) {
	return LoadWithEnv(path, os.LookupEnv)
}

// LoadWithEnv is Load with an injectable environment lookup.
func LoadWithEnv(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return Config{}, fmt.Errorf("%w: %s: unknown keys %s", ErrInvalid, path, strings.Join(keys, ", "))
		}
		cfg.Source = path
	}
	if err := applyEnv(&cfg, lookup); err != nil {
		return Config{}, err
	}
	if cfg.Storage.Driver == DriverBolt && cfg.Storage.Path == DefaultSQLitePath {
		cfg.Storage.Path = DefaultBoltPath
	}
	return cfg, nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}
	str("HEARTH_STORAGE_DRIVER", &cfg.Storage.Driver)
	str("HEARTH_STORAGE_PATH", &cfg.Storage.Path)
	str("HEARTH_STORAGE_DSN", &cfg.Storage.DSN)
	str("HEARTH_LEGACY_PATH", &cfg.Legacy.Path)
	str("HEARTH_HTTP_ADDR", &cfg.HTTP.Addr)
	str("HEARTH_LOG_LEVEL", &cfg.Log.Level)
	str("HEARTH_LOG_FORMAT", &cfg.Log.Format)
	str("HEARTH_METRICS_BACKEND", &cfg.Metrics.Backend)

	var driver string
	str("HEARTH_BLOB_DRIVER", &driver)
	if driver != "" {
		cfg.Blob.Driver = blob.Driver(driver)
	}
	str("HEARTH_BLOB_FS_ROOT", &cfg.Blob.Root)
	str("HEARTH_BLOB_S3_BUCKET", &cfg.Blob.S3.Bucket)
	str("HEARTH_BLOB_S3_REGION", &cfg.Blob.S3.Region)
	str("HEARTH_BLOB_S3_ENDPOINT", &cfg.Blob.S3.Endpoint)
	if v, ok := lookup("HEARTH_BLOB_S3_PATH_STYLE"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: HEARTH_BLOB_S3_PATH_STYLE: %w", ErrInvalid, err)
		}
		cfg.Blob.S3.PathStyle = b
	}
	if v, ok := lookup("HEARTH_STORAGE_LOCK_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: HEARTH_STORAGE_LOCK_TIMEOUT: %w", ErrInvalid, err)
		}
		cfg.Storage.LockTimeout = d
	}
	return nil
}

// Validate reports every problem in cfg at once.
func (c Config) Validate() error {
	var errs []error
	switch c.Storage.Driver {
	case DriverMemory:
	case DriverSQLite, DriverBolt:
		if c.Storage.Path == "" {
			errs = append(errs, fmt.Errorf("storage.path is required for %s", c.Storage.Driver))
		}
	case DriverPostgres:
		if c.Storage.DSN == "" {
			errs = append(errs, errors.New("storage.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q is not one of memory, sqlite, bolt, postgres", c.Storage.Driver))
	}
	switch c.Blob.Driver {
	case "", blob.DriverFilesystem, blob.DriverMemory:
	case blob.DriverS3:
		if c.Blob.S3.Bucket == "" {
			errs = append(errs, errors.New("blob.s3.bucket is required for the s3 driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("blob.driver %q is not one of fs, s3, memory", c.Blob.Driver))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	switch c.Log.Format {
	case "text", "logfmt", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not one of text, logfmt, json", c.Log.Format))
	}
	switch c.Metrics.Backend {
	case "", "none", "prometheus", "expvar":
	default:
		errs = append(errs, fmt.Errorf("metrics.backend %q is not one of prometheus, expvar, none", c.Metrics.Backend))
	}
	if c.Storage.LockTimeout < 0 || c.HTTP.ShutdownTimeout < 0 {
		errs = append(errs, errors.New("timeouts must not be negative"))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}
