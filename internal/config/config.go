// Package config loads bluelines settings from a YAML file, a .env file and
// BLUELINES_* environment variables, in increasing order of precedence.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/roach88/bluelines/internal/eligibility"
	"github.com/roach88/bluelines/internal/logging"
)

// ExternalMemory selects the in-process composition system.
const ExternalMemory = "memory"

// EnvPrefix prefixes every environment override.
const EnvPrefix = "BLUELINES_"

// Config holds every tunable of a bluelines process.
type Config struct {
	// Database is the SQLite file path.
	Database string `yaml:"database"`

	// Definitions is the directory of CUE field logic definitions.
	Definitions string `yaml:"definitions"`

	// Lookback is the purchase lookback window, e.g. "3y", "18m", "90d".
	Lookback string `yaml:"lookback"`

	// External is "memory" or the host:port of the composition service.
	External string `yaml:"external"`

	Sync SyncConfig `yaml:"sync"`
	Log  LogConfig  `yaml:"log"`
}

// SyncConfig controls recalculation and reconciliation.
type SyncConfig struct {
	Auto        bool          `yaml:"auto"`
	Interval    time.Duration `yaml:"interval"`
	Timeout     time.Duration `yaml:"timeout"`
	Concurrency int           `yaml:"concurrency"`
}

// LogConfig selects the logger level and output format.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Database:    "bluelines.db",
		Definitions: "logic",
		Lookback:    "3y",
		External:    ExternalMemory,
		Sync: SyncConfig{
			Auto:        true,
			Interval:    time.Hour,
			Timeout:     30 * time.Second,
			Concurrency: 8,
		},
		Log: LogConfig{Level: "info", Format: logging.FormatJSON},
	}
}

// Options controls where Load looks.
type Options struct {
	// File is the YAML config path. Empty skips the file.
	File string
	// EnvFile is loaded into the process environment if it exists.
	// Variables already set are not overwritten.
	EnvFile string
}

// Load builds a Config from defaults, the YAML file, the env file and the
// environment, then validates it.
func Load(opts Options) (*Config, error) {
	cfg := Default()

	if opts.File != "" {
		data, err := os.ReadFile(opts.File)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", opts.File, err)
		}
	}

	if opts.EnvFile != "" {
		if err := godotenv.Load(opts.EnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load env file %s: %w", opts.EnvFile, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decode overlays YAML data on cfg. Unknown keys are rejected.
func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	str("DATABASE", &c.Database)
	str("DEFINITIONS", &c.Definitions)
	str("LOOKBACK", &c.Lookback)
	str("EXTERNAL", &c.External)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)

	if v, ok := lookup(EnvPrefix + "AUTO_SYNC"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sAUTO_SYNC: %w", EnvPrefix, err)
		}
		c.Sync.Auto = b
	}
	for name, dst := range map[string]*time.Duration{
		"SYNC_INTERVAL": &c.Sync.Interval,
		"SYNC_TIMEOUT":  &c.Sync.Timeout,
	} {
		if v, ok := lookup(EnvPrefix + name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
			}
			*dst = d
		}
	}
	if v, ok := lookup(EnvPrefix + "CONCURRENCY"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sCONCURRENCY: %w", EnvPrefix, err)
		}
		c.Sync.Concurrency = n
	}
	return nil
}

// Validate checks ranges and formats.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Database) == "" {
		errs = append(errs, errors.New("database path is required"))
	}
	if _, err := c.LookbackWindow(); err != nil {
		errs = append(errs, err)
	}
	if c.Sync.Interval <= 0 {
		errs = append(errs, fmt.Errorf("sync.interval must be positive, got %s", c.Sync.Interval))
	}
	if c.Sync.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("sync.timeout must be positive, got %s", c.Sync.Timeout))
	}
	if c.Sync.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("sync.concurrency must be at least 1, got %d", c.Sync.Concurrency))
	}
	if strings.TrimSpace(c.External) == "" {
		errs = append(errs, errors.New("external is required: use \"memory\" or host:port"))
	}
	if _, err := logging.New(io.Discard, c.Log.Level, c.Log.Format); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// LookbackWindow parses Lookback.
func (c *Config) LookbackWindow() (eligibility.Lookback, error) {
	return eligibility.ParseLookback(c.Lookback)
}

// InMemoryExternal reports whether the in-process composition system is
// selected.
func (c *Config) InMemoryExternal() bool {
	return strings.EqualFold(c.External, ExternalMemory)
}
