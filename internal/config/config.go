// Package config defines the meridian configuration surface.
// Configuration is loaded from <data>/meridian.json and can be overridden
// with MERIDIAN_* environment variables for scripting and tests.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config is the root configuration object.
type Config struct {
	Storage StorageConfig `json:"storage"`
	Memory  MemoryConfig  `json:"memory"`
	Session SessionConfig `json:"session"`
	Context ContextConfig `json:"context"`
	Index   IndexConfig   `json:"index"`
	Metrics MetricsConfig `json:"metrics"`
	Global  GlobalConfig  `json:"global"`
	Specs   SpecsConfig   `json:"specs"`
	Logging LoggingConfig `json:"logging"`
}

// StorageConfig configures the primary store.
type StorageConfig struct {
	// Root directory of the primary store.
	Path string `json:"path"`

	// Block-cache target in bytes.
	CacheSize int64 `json:"cache_size"`
}

// SessionConfig caps concurrent sessions.
type SessionConfig struct {
	// Maximum simultaneously active sessions; excess is stashed LRU.
	MaxSessions int `json:"max_sessions"`

	// Idle period after which a session is auto-stashed (never discarded).
	SessionTimeout Duration `json:"session_timeout"`
}

// IndexConfig is delegated to the indexer surface.
type IndexConfig struct {
	Languages []string `json:"languages"`
	Ignore    []string `json:"ignore"`
}

// MetricsConfig controls the metrics store TTLs.
type MetricsConfig struct {
	SnapshotRetentionDays int      `json:"snapshot_retention_days"`
	AggRetentionDays      int      `json:"agg_retention_days"`
	SnapshotInterval      Duration `json:"snapshot_interval"`
}

// GlobalConfig configures global mode (external server).
type GlobalConfig struct {
	ServerURL      string   `json:"server_url"`
	RequestTimeout Duration `json:"request_timeout"`
	MaxRetries     int      `json:"max_retries"`
	BackoffBase    Duration `json:"backoff_base"`
}

// SpecsConfig locates the spec catalog.
type SpecsConfig struct {
	Dir string `json:"dir"`
}

// LoggingConfig mirrors logging.Options.
type LoggingConfig struct {
	DebugMode  bool            `json:"debug_mode"`
	Categories map[string]bool `json:"categories"`
	Level      string          `json:"level"`
	JSONFormat bool            `json:"json_format"`
}

// Duration is a time.Duration that marshals as a Go duration string.
type Duration time.Duration

// UnmarshalJSON accepts "30s"-style strings or raw nanosecond numbers.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, perr := time.ParseDuration(s)
		if perr != nil {
			return fmt.Errorf("invalid duration %q: %w", s, perr)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid duration: %s", data)
	}
	*d = Duration(n)
	return nil
}

// MarshalJSON renders the duration string form.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns the standard library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns a configuration with all defaults applied.
func Default(dataDir string) Config {
	return Config{
		Storage: StorageConfig{
			Path:      filepath.Join(dataDir, "store"),
			CacheSize: 64 << 20,
		},
		Memory:  DefaultMemoryConfig(),
		Session: SessionConfig{MaxSessions: 8, SessionTimeout: Duration(30 * time.Minute)},
		Context: DefaultContextConfig(),
		Index:   IndexConfig{Languages: []string{"go"}, Ignore: []string{"vendor/", ".git/"}},
		Metrics: MetricsConfig{
			SnapshotRetentionDays: 30,
			AggRetentionDays:      90,
			SnapshotInterval:      Duration(time.Minute),
		},
		Global: GlobalConfig{
			RequestTimeout: Duration(10 * time.Second),
			MaxRetries:     3,
			BackoffBase:    Duration(100 * time.Millisecond),
		},
		Specs:   SpecsConfig{Dir: filepath.Join(dataDir, "specs")},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads <dataDir>/meridian.json, falling back to defaults when the file
// is absent, then applies environment overrides.
func Load(dataDir string) (Config, error) {
	cfg := Default(dataDir)

	path := filepath.Join(dataDir, "meridian.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(&cfg)
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}

	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

// applyEnvOverrides applies MERIDIAN_* environment variables on top of the
// loaded configuration. Only the knobs that matter for scripting are exposed.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MERIDIAN_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("MERIDIAN_WORKING_MEMORY_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Memory.WorkingMemorySize = n
		}
	}
	if v := os.Getenv("MERIDIAN_MAX_SESSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Session.MaxSessions = n
		}
	}
	if v := os.Getenv("MERIDIAN_GLOBAL_SERVER"); v != "" {
		cfg.Global.ServerURL = v
	}
	if v := os.Getenv("MERIDIAN_DEBUG"); v != "" {
		cfg.Logging.DebugMode = v == "1" || v == "true"
	}
}

// Validate rejects configurations the engine cannot run with.
func (c Config) Validate() error {
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}
	if c.Memory.WorkingMemorySize <= 0 {
		return fmt.Errorf("memory.working_memory_size must be positive")
	}
	if c.Session.MaxSessions <= 0 {
		return fmt.Errorf("session.max_sessions must be positive")
	}
	if err := c.Context.Validate(); err != nil {
		return err
	}
	return nil
}
