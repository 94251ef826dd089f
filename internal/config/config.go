// Package config holds the settings of the liteflow CLI: defaults, then
// .liteflow/config.yml, then LITEFLOW_* environment variables, then flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the config file inside the .liteflow directory
const FileName = "config.yml"

// EnvPrefix prefixes every environment override
const EnvPrefix = "LITEFLOW_"

// Cache backends
const (
	CacheMemory   = "memory"
	CacheFile     = "file"
	CachePostgres = "postgres"
)

// Config is the effective configuration
type Config struct {
	LogLevel  string `yaml:"log-level"`
	LogFormat string `yaml:"log-format"`

	MaxParallel  int           `yaml:"max-parallel"`
	CancelGrace  time.Duration `yaml:"cancel-grace"`
	PollInterval time.Duration `yaml:"poll-interval"`

	Cache CacheConfig `yaml:"cache"`
	// JobsDir records locally running jobs so other invocations can list and kill them
	JobsDir string `yaml:"jobs-dir"`

	// MetricsAddr serves /metrics during bakes when set
	MetricsAddr  string `yaml:"metrics-addr"`
	AMQPURL      string `yaml:"amqp-url"`
	AMQPExchange string `yaml:"amqp-exchange"`
}

// CacheConfig selects the cache store
type CacheConfig struct {
	Backend string `yaml:"backend"`
	// Dir defaults to .liteflow/cache for the file backend
	Dir string `yaml:"dir"`
	DSN string `yaml:"dsn"`
	// MaxAge applies to records stored without a life span
	MaxAge time.Duration `yaml:"max-age"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		LogLevel:     "info",
		LogFormat:    "text",
		CancelGrace:  30 * time.Second,
		PollInterval: 500 * time.Millisecond,
		Cache: CacheConfig{
			Backend: CacheFile,
			MaxAge:  14 * 24 * time.Hour,
		},
		AMQPExchange: "liteflow.events",
	}
}

// Load applies the config file of configDir, if any, and the environment on
// top of the defaults. An empty configDir skips the file.
func Load(configDir string, environ func(string) (string, bool)) (*Config, error) {
	cfg := Default()
	if configDir != "" {
		if err := cfg.loadFile(filepath.Join(configDir, FileName)); err != nil {
			return nil, err
		}
		if cfg.Cache.Dir == "" {
			cfg.Cache.Dir = filepath.Join(configDir, "cache")
		} else if !filepath.IsAbs(cfg.Cache.Dir) {
			cfg.Cache.Dir = filepath.Join(filepath.Dir(configDir), cfg.Cache.Dir)
		}
		if cfg.JobsDir == "" {
			cfg.JobsDir = filepath.Join(configDir, "jobs")
		} else if !filepath.IsAbs(cfg.JobsDir) {
			cfg.JobsDir = filepath.Join(filepath.Dir(configDir), cfg.JobsDir)
		}
	}
	if environ == nil {
		environ = os.LookupEnv
	}
	if err := cfg.applyEnv(environ); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv(environ func(string) (string, bool)) error {
	strs := map[string]*string{
		"LOG_LEVEL":     &c.LogLevel,
		"LOG_FORMAT":    &c.LogFormat,
		"CACHE_BACKEND": &c.Cache.Backend,
		"CACHE_DIR":     &c.Cache.Dir,
		"CACHE_DSN":     &c.Cache.DSN,
		"JOBS_DIR":      &c.JobsDir,
		"METRICS_ADDR":  &c.MetricsAddr,
		"AMQP_URL":      &c.AMQPURL,
		"AMQP_EXCHANGE": &c.AMQPExchange,
	}
	for name, dst := range strs {
		if v, ok := environ(EnvPrefix + name); ok {
			*dst = v
		}
	}

	if v, ok := environ(EnvPrefix + "MAX_PARALLEL"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %sMAX_PARALLEL %q: %w", EnvPrefix, v, err)
		}
		c.MaxParallel = n
	}
	durations := map[string]*time.Duration{
		"CANCEL_GRACE":  &c.CancelGrace,
		"POLL_INTERVAL": &c.PollInterval,
		"CACHE_MAX_AGE": &c.Cache.MaxAge,
	}
	for name, dst := range durations {
		v, ok := environ(EnvPrefix + name)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s%s %q: %w", EnvPrefix, name, v, err)
		}
		*dst = d
	}
	return nil
}

// Validate checks the configuration for consistency
func (c *Config) Validate() error {
	var errs []error
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("invalid log level %q: must be debug, info, warn or error", c.LogLevel))
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("invalid log format %q: must be text or json", c.LogFormat))
	}
	if c.MaxParallel < 0 {
		errs = append(errs, fmt.Errorf("max-parallel must be positive, got %d", c.MaxParallel))
	}
	if c.CancelGrace < 0 {
		errs = append(errs, fmt.Errorf("cancel-grace must not be negative, got %s", c.CancelGrace))
	}
	if c.PollInterval < 0 {
		errs = append(errs, fmt.Errorf("poll-interval must not be negative, got %s", c.PollInterval))
	}
	switch c.Cache.Backend {
	case CacheMemory:
	case CacheFile:
		if c.Cache.Dir == "" {
			errs = append(errs, errors.New("cache.dir is required for the file backend"))
		}
	case CachePostgres:
		if c.Cache.DSN == "" {
			errs = append(errs, errors.New("cache.dsn is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid cache backend %q: must be memory, file or postgres", c.Cache.Backend))
	}
	if c.Cache.MaxAge < 0 {
		errs = append(errs, fmt.Errorf("cache.max-age must not be negative, got %s", c.Cache.MaxAge))
	}
	return errors.Join(errs...)
}
