package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "draftsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:8460", cfg.SaveAPI.URL)
	assert.Equal(t, "memory", cfg.Queue.Backend)
	assert.Equal(t, 750*time.Millisecond, cfg.Autosave.Debounce())
	assert.Equal(t, 5*time.Second, cfg.Autosave.MaxWait())
}

func TestLoadFileAndFillDefaults(t *testing.T) {
	path := writeConfig(t, `
save_api:
  url: https://api.example.com
  token: s3cret
storage:
  backend: sqlite
  path: /tmp/draftsync.db
autosave:
  debounce_ms: 300
conflict:
  severity_expr: "BlockDelta > 10"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com", cfg.SaveAPI.URL)
	assert.Equal(t, "s3cret", cfg.SaveAPI.Token)
	assert.Equal(t, "sqlite", cfg.Storage.Backend)
	assert.Equal(t, 300*time.Millisecond, cfg.Autosave.Debounce())
	// Unset knobs keep their defaults.
	assert.Equal(t, 5, cfg.Autosave.MaxRetries)
	assert.Equal(t, 30*time.Second, cfg.Autosave.BackoffMax())
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
save_api:
  url: https://file.example.com
`)
	t.Setenv("DRAFTSYNC_SAVE_URL", "https://env.example.com")
	t.Setenv("DRAFTSYNC_DEBOUNCE_MS", "100")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://env.example.com", cfg.SaveAPI.URL)
	assert.Equal(t, 100*time.Millisecond, cfg.Autosave.Debounce())
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown storage backend", func(c *Config) { c.Storage.Backend = "redis" }},
		{"postgres without dsn", func(c *Config) { c.Storage.Backend = "postgres" }},
		{"sqlite without path", func(c *Config) { c.Storage.Backend = "sqlite" }},
		{"queue file without path", func(c *Config) { c.Queue.Backend = "file" }},
		{"bad severity expression", func(c *Config) { c.Conflict.SeverityExpr = "BlockDelta >" }},
		{"max wait below debounce", func(c *Config) {
			c.Autosave.DebounceMs = 1000
			c.Autosave.MaxWaitMs = 100
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestMalformedYAMLFails(t *testing.T) {
	path := writeConfig(t, "save_api: [not a map")
	_, err := Load(path)
	require.Error(t, err)
}
