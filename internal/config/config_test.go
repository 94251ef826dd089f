package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(vars map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := vars[k]
		return v, ok
	}
}

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir, env(nil))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, CacheFile, cfg.Cache.Backend)
	assert.Equal(t, filepath.Join(dir, "cache"), cfg.Cache.Dir)
	assert.Equal(t, filepath.Join(dir, "jobs"), cfg.JobsDir)
	assert.Equal(t, 30*time.Second, cfg.CancelGrace)
}

func TestLoadFileThenEnv(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, ".liteflow")
	require.NoError(t, os.Mkdir(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(`
log-level: debug
max-parallel: 4
cancel-grace: 5s
cache:
  backend: file
  dir: build/cache
jobs-dir: build/jobs
`), 0o644))

	cfg, err := Load(dir, env(map[string]string{
		"LITEFLOW_LOG_FORMAT":   "json",
		"LITEFLOW_MAX_PARALLEL": "8",
	}))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, 8, cfg.MaxParallel)
	assert.Equal(t, 5*time.Second, cfg.CancelGrace)
	assert.Equal(t, filepath.Join(root, "build", "cache"), cfg.Cache.Dir)
	assert.Equal(t, filepath.Join(root, "build", "jobs"), cfg.JobsDir)
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(dir, env(map[string]string{"LITEFLOW_MAX_PARALLEL": "many"}))
	assert.ErrorContains(t, err, "LITEFLOW_MAX_PARALLEL")

	_, err = Load(dir, env(map[string]string{"LITEFLOW_CANCEL_GRACE": "soon"}))
	assert.ErrorContains(t, err, "LITEFLOW_CANCEL_GRACE")

	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte("log-level: [nope"), 0o644))
	_, err = Load(dir, env(nil))
	assert.ErrorContains(t, err, "failed to parse config file")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"log level", func(c *Config) { c.LogLevel = "loud" }, "invalid log level"},
		{"log format", func(c *Config) { c.LogFormat = "xml" }, "invalid log format"},
		{"parallelism", func(c *Config) { c.MaxParallel = -1 }, "max-parallel"},
		{"grace", func(c *Config) { c.CancelGrace = -time.Second }, "cancel-grace"},
		{"backend", func(c *Config) { c.Cache.Backend = "redis" }, "invalid cache backend"},
		{"dsn", func(c *Config) { c.Cache.Backend = CachePostgres }, "cache.dsn"},
		{"dir", func(c *Config) { c.Cache.Dir = "" }, "cache.dir"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Cache.Dir = "/tmp/cache"
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}

	cfg := Default()
	cfg.Cache.Backend = CacheMemory
	assert.NoError(t, cfg.Validate())
}
