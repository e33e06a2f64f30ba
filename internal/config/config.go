// Package config loads draftsync settings from YAML with environment
// overrides. Zero values fall back to defaults, so an empty file and no
// file at all are both valid configurations.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/draftsync/draftsync/internal/policy"
)

type Config struct {
	SaveAPI  SaveAPIConfig  `yaml:"save_api"`
	Relay    RelayConfig    `yaml:"relay"`
	Storage  StorageConfig  `yaml:"storage"`
	Queue    QueueConfig    `yaml:"queue"`
	Autosave AutosaveConfig `yaml:"autosave"`
	Conflict ConflictConfig `yaml:"conflict"`
	Peer     PeerConfig     `yaml:"peer"`
}

type SaveAPIConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

type RelayConfig struct {
	URL string `yaml:"url"`
}

type StorageConfig struct {
	// Backend is one of file, sqlite, postgres. Empty keeps state in
	// memory only.
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
	DSN     string `yaml:"dsn"`
}

type QueueConfig struct {
	// Backend is one of memory, file, sqlite.
	Backend  string `yaml:"backend"`
	Path     string `yaml:"path"`
	Capacity int    `yaml:"capacity"`
}

type AutosaveConfig struct {
	DebounceMs   int `yaml:"debounce_ms"`
	MaxWaitMs    int `yaml:"max_wait_ms"`
	MaxRetries   int `yaml:"max_retries"`
	BackoffMinMs int `yaml:"backoff_min_ms"`
	BackoffMaxMs int `yaml:"backoff_max_ms"`
}

type ConflictConfig struct {
	// SeverityExpr overrides the built-in severity policy. See
	// policy.DefaultProgram for the environment it evaluates in.
	SeverityExpr string `yaml:"severity_expr"`
}

type PeerConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

func Default() Config {
	return Config{
		SaveAPI: SaveAPIConfig{URL: "http://127.0.0.1:8460"},
		Queue:   QueueConfig{Backend: "memory", Capacity: 1024},
		Autosave: AutosaveConfig{
			DebounceMs:   750,
			MaxWaitMs:    5000,
			MaxRetries:   5,
			BackoffMinMs: 500,
			BackoffMaxMs: 30000,
		},
	}
}

// Load reads the file at path, fills defaults, applies DRAFTSYNC_*
// environment overrides, and validates the result. A missing file is not
// an error; a malformed one is.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setString("DRAFTSYNC_SAVE_URL", &cfg.SaveAPI.URL)
	setString("DRAFTSYNC_SAVE_TOKEN", &cfg.SaveAPI.Token)
	setString("DRAFTSYNC_RELAY_URL", &cfg.Relay.URL)
	setString("DRAFTSYNC_STORAGE_BACKEND", &cfg.Storage.Backend)
	setString("DRAFTSYNC_STORAGE_PATH", &cfg.Storage.Path)
	setString("DRAFTSYNC_STORAGE_DSN", &cfg.Storage.DSN)
	setString("DRAFTSYNC_QUEUE_BACKEND", &cfg.Queue.Backend)
	setString("DRAFTSYNC_QUEUE_PATH", &cfg.Queue.Path)
	setInt("DRAFTSYNC_QUEUE_CAPACITY", &cfg.Queue.Capacity)
	setInt("DRAFTSYNC_DEBOUNCE_MS", &cfg.Autosave.DebounceMs)
	setInt("DRAFTSYNC_MAX_WAIT_MS", &cfg.Autosave.MaxWaitMs)
	setInt("DRAFTSYNC_MAX_RETRIES", &cfg.Autosave.MaxRetries)
	setString("DRAFTSYNC_SEVERITY_EXPR", &cfg.Conflict.SeverityExpr)
	setString("DRAFTSYNC_PEER_ID", &cfg.Peer.ID)
	setString("DRAFTSYNC_PEER_NAME", &cfg.Peer.Name)
}

func applyDefaults(cfg *Config) {
	def := Default()
	if cfg.SaveAPI.URL == "" {
		cfg.SaveAPI.URL = def.SaveAPI.URL
	}
	if cfg.Queue.Backend == "" {
		cfg.Queue.Backend = def.Queue.Backend
	}
	if cfg.Queue.Capacity <= 0 {
		cfg.Queue.Capacity = def.Queue.Capacity
	}
	if cfg.Autosave.DebounceMs <= 0 {
		cfg.Autosave.DebounceMs = def.Autosave.DebounceMs
	}
	if cfg.Autosave.MaxWaitMs <= 0 {
		cfg.Autosave.MaxWaitMs = def.Autosave.MaxWaitMs
	}
	if cfg.Autosave.MaxRetries <= 0 {
		cfg.Autosave.MaxRetries = def.Autosave.MaxRetries
	}
	if cfg.Autosave.BackoffMinMs <= 0 {
		cfg.Autosave.BackoffMinMs = def.Autosave.BackoffMinMs
	}
	if cfg.Autosave.BackoffMaxMs <= 0 {
		cfg.Autosave.BackoffMaxMs = def.Autosave.BackoffMaxMs
	}
}

func (c Config) Validate() error {
	switch c.Storage.Backend {
	case "", "file", "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	switch c.Queue.Backend {
	case "", "memory", "file", "sqlite":
	default:
		return fmt.Errorf("unknown queue backend %q", c.Queue.Backend)
	}
	if c.Storage.Backend == "postgres" && c.Storage.DSN == "" {
		return fmt.Errorf("storage backend postgres requires a dsn")
	}
	if (c.Storage.Backend == "file" || c.Storage.Backend == "sqlite") && c.Storage.Path == "" {
		return fmt.Errorf("storage backend %s requires a path", c.Storage.Backend)
	}
	if (c.Queue.Backend == "file" || c.Queue.Backend == "sqlite") && c.Queue.Path == "" {
		return fmt.Errorf("queue backend %s requires a path", c.Queue.Backend)
	}
	if _, err := policy.Compile(c.Conflict.SeverityExpr); err != nil {
		return err
	}
	if c.Autosave.MaxWaitMs < c.Autosave.DebounceMs {
		return fmt.Errorf("max_wait_ms must be at least debounce_ms")
	}
	return nil
}

func (c AutosaveConfig) Debounce() time.Duration {
	return time.Duration(c.DebounceMs) * time.Millisecond
}

func (c AutosaveConfig) MaxWait() time.Duration {
	return time.Duration(c.MaxWaitMs) * time.Millisecond
}

func (c AutosaveConfig) BackoffMin() time.Duration {
	return time.Duration(c.BackoffMinMs) * time.Millisecond
}

func (c AutosaveConfig) BackoffMax() time.Duration {
	return time.Duration(c.BackoffMaxMs) * time.Millisecond
}
