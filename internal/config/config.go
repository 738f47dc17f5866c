// Package config provides YAML configuration loading and validation for
// dirwatcher. Every setting has a command-line equivalent or a default, so a
// configuration file is optional; see cmd/dirwatcher for how flags and the
// file are merged.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/gobwas/glob"
	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Logging
// ---------------------------------------------------------------------------

// LogLevel is the minimum severity written by the structured logger.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

var validLogLevels = map[LogLevel]struct{}{
	LogLevelDebug: {},
	LogLevelInfo:  {},
	LogLevelWarn:  {},
	LogLevelError: {},
}

// LogFormat selects the slog handler.
type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

var validLogFormats = map[LogFormat]struct{}{
	LogFormatJSON: {},
	LogFormatText: {},
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	// Level is the minimum log level. Defaults to "info".
	Level LogLevel `yaml:"level"`
	// Format is "json" or "text". Defaults to "json".
	Format LogFormat `yaml:"format"`
	// FilePath optionally tees log output to a file in addition to stderr.
	FilePath string `yaml:"file_path"`
}

// ---------------------------------------------------------------------------
// Sinks
// ---------------------------------------------------------------------------

// JournalConfig controls the local SQLite event journal. The journal is
// disabled when Path is empty.
type JournalConfig struct {
	Path string `yaml:"path"`
	// FlushInterval is how often journalled events are forwarded to
	// PostgreSQL when a DSN is configured.
	FlushInterval time.Duration `yaml:"flush_interval"`
	// BatchSize caps the number of events forwarded per flush.
	BatchSize int `yaml:"batch_size"`
	// Retain is how many of the newest events the journal keeps. Older
	// forwarded events are pruned, and older pending ones too when no
	// PostgreSQL DSN is configured. Zero keeps everything.
	Retain int `yaml:"retain"`
}

// PostgresConfig controls the optional PostgreSQL event store. It is
// disabled when DSN is empty.
type PostgresConfig struct {
	DSN       string `yaml:"dsn"`
	BatchSize int    `yaml:"batch_size"`
}

// APIConfig controls the HTTP status API.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	// JWTPublicKey is the path to a PEM RSA public key. When set, every
	// /api/v1 route requires an RS256 bearer token signed by its pair.
	JWTPublicKey string `yaml:"jwt_public_key"`
	// RateLimit is the sustained requests per second across all clients.
	RateLimit float64 `yaml:"rate_limit"`
	Burst     int     `yaml:"burst"`
}

// NotifyConfig controls the filesystem notification wake-up.
type NotifyConfig struct {
	Enabled bool `yaml:"enabled"`
	// MinGap is the shortest time between two notification-triggered polls.
	MinGap time.Duration `yaml:"min_gap"`
}

// ---------------------------------------------------------------------------
// Root
// ---------------------------------------------------------------------------

// Config is the root configuration.
type Config struct {
	// Directory is the directory to watch. Required.
	Directory string `yaml:"directory"`
	// MagicText is the marker searched for in each tracked file. Required.
	MagicText string `yaml:"magic_text"`
	// Extension is the file name suffix that selects tracked files.
	// Defaults to ".txt".
	Extension string `yaml:"extension"`
	// Interval is the delay between polls. Defaults to one second.
	Interval time.Duration `yaml:"interval"`
	// Exclude lists glob patterns for base names that are never tracked.
	Exclude []string `yaml:"exclude"`

	Logging  LoggingConfig  `yaml:"logging"`
	Journal  JournalConfig  `yaml:"journal"`
	Postgres PostgresConfig `yaml:"postgres"`
	API      APIConfig      `yaml:"api"`
	Notify   NotifyConfig   `yaml:"notify"`
}

// Default returns a Config with every default applied and no directory or
// magic text set. Decode starts from it, so a key present in the YAML
// replaces the default even when its value is zero: api.rate_limit: 0 and
// notify.min_gap: 0s switch their limits off.
func Default() *Config {
	return &Config{
		Extension: ".txt",
		Interval:  time.Second,
		Logging: LoggingConfig{
			Level:  LogLevelInfo,
			Format: LogFormatJSON,
		},
		Journal: JournalConfig{
			FlushInterval: 5 * time.Second,
			BatchSize:     100,
			Retain:        10000,
		},
		Postgres: PostgresConfig{
			BatchSize: 100,
		},
		API: APIConfig{
			Address:   "127.0.0.1:9090",
			RateLimit: 10,
			Burst:     20,
		},
		Notify: NotifyConfig{
			MinGap: 250 * time.Millisecond,
		},
	}
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML file at path and applies defaults. It does not
// validate, because required fields may still arrive from the command line;
// call Check once all sources are merged.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}
	cfg, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}
	return cfg, nil
}

// Decode unmarshals YAML bytes over Default(). Keys left out keep their
// default; unknown keys are rejected.
func Decode(data []byte) (*Config, error) {
	cfg := Default()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}
	return cfg, nil
}

// Parse decodes and validates YAML bytes in one step.
func Parse(data []byte) (*Config, error) {
	cfg, err := Decode(data)
	if err != nil {
		return nil, err
	}
	if err := Check(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Check validates cfg and folds every problem into a single error.
func Check(cfg *Config) error {
	errs := Validate(cfg)
	if len(errs) == 0 {
		return nil
	}
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
	}
	return fmt.Errorf("invalid configuration:\n  - %s", strings.Join(msgs, "\n  - "))
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

// Validate checks cfg for semantic errors and returns all of them so an
// operator can fix everything in one pass. An empty slice means valid.
func Validate(cfg *Config) []error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if cfg.Directory == "" {
		add("directory must not be empty")
	}
	if cfg.MagicText == "" {
		add("magic_text must not be empty")
	}
	if cfg.Interval <= 0 {
		add("interval must be positive")
	}
	for i, pattern := range cfg.Exclude {
		if _, err := glob.Compile(pattern); err != nil {
			add("exclude[%d] %q is not a valid glob: %v", i, pattern, err)
		}
	}

	if _, ok := validLogLevels[cfg.Logging.Level]; !ok {
		add("logging.level %q is invalid; must be one of debug, info, warn, error", cfg.Logging.Level)
	}
	if _, ok := validLogFormats[cfg.Logging.Format]; !ok {
		add("logging.format %q is invalid; must be one of json, text", cfg.Logging.Format)
	}

	if cfg.Journal.FlushInterval <= 0 {
		add("journal.flush_interval must be positive")
	}
	if cfg.Journal.BatchSize <= 0 {
		add("journal.batch_size must be positive")
	}
	if cfg.Journal.Retain < 0 {
		add("journal.retain must be >= 0")
	}

	if cfg.Postgres.DSN != "" && cfg.Journal.Path == "" {
		add("postgres.dsn requires journal.path; events reach PostgreSQL through the journal")
	}
	if cfg.Postgres.BatchSize <= 0 {
		add("postgres.batch_size must be positive")
	}

	if cfg.API.Enabled {
		if _, _, err := net.SplitHostPort(cfg.API.Address); err != nil {
			add("api.address %q is not a valid host:port address: %v", cfg.API.Address, err)
		}
		if cfg.API.JWTPublicKey != "" {
			if err := checkFileReadable(cfg.API.JWTPublicKey); err != nil {
				add("api.jwt_public_key: %v", err)
			}
		}
	}
	if cfg.API.RateLimit < 0 {
		add("api.rate_limit must be >= 0")
	}
	if cfg.API.Burst < 0 {
		add("api.burst must be >= 0")
	}

	if cfg.Notify.MinGap < 0 {
		add("notify.min_gap must be >= 0")
	}

	return errs
}

// checkFileReadable returns an error if path does not exist or is not
// readable. It does not validate the content.
func checkFileReadable(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	f.Close()
	return nil
}
