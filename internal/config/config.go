// Package config provides configuration management for the mesh relay.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is wrapped by every Validate failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Storage backends
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
)

// Config represents the relay configuration.
type Config struct {
	Relay      RelayConfig      `yaml:"relay"`
	Storage    StorageConfig    `yaml:"storage"`
	Audit      AuditConfig      `yaml:"audit"`
	Staging    StagingConfig    `yaml:"staging"`
	Federation FederationConfig `yaml:"federation"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Log        LogConfig        `yaml:"log"`
}

// RelayConfig contains the HTTP listener and session settings.
type RelayConfig struct {
	Listen                 string        `yaml:"listen"`
	UplinkPath             string        `yaml:"uplink_path"`
	ObserverPath           string        `yaml:"observer_path"`
	CloseSupersededUplinks bool          `yaml:"close_superseded_uplinks"`
	WriteTimeout           time.Duration `yaml:"write_timeout"`
	CleanupTimeout         time.Duration `yaml:"cleanup_timeout"`
}

// StorageConfig selects the node directory backend.
type StorageConfig struct {
	Backend string      `yaml:"backend"` // "memory" or "sqlite"
	Path    string      `yaml:"path"`
	Retry   RetryConfig `yaml:"retry"`
}

// RetryConfig bounds retries of transient store failures.
type RetryConfig struct {
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	MaxElapsedTime  time.Duration `yaml:"max_elapsed"`
}

// AuditConfig contains observer feed settings.
type AuditConfig struct {
	Buffer int `yaml:"buffer"`
}

// StagingConfig bounds the staged message store.
type StagingConfig struct {
	Capacity int           `yaml:"capacity"`
	TTL      time.Duration `yaml:"ttl"`
}

// FederationConfig shares audit events with other relays over libp2p.
type FederationConfig struct {
	Enabled bool     `yaml:"enabled"`
	Listen  []string `yaml:"listen"`
	Peers   []string `yaml:"peers"`
	Topic   string   `yaml:"topic"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LogConfig sets log levels. Subsystems overrides Level per logger name.
type LogConfig struct {
	Level      string            `yaml:"level"`
	Subsystems map[string]string `yaml:"subsystems"`
}

// Default returns a default configuration.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	dataPath := filepath.Join(homeDir, ".meshrelay", "relay.db")

	return &Config{
		Relay: RelayConfig{
			Listen:         ":8080",
			UplinkPath:     "/mesh/ws",
			ObserverPath:   "/mesh/ui/ws",
			WriteTimeout:   10 * time.Second,
			CleanupTimeout: 5 * time.Second,
		},
		Storage: StorageConfig{
			Backend: BackendSQLite,
			Path:    dataPath,
			Retry: RetryConfig{
				InitialInterval: 50 * time.Millisecond,
				MaxInterval:     time.Second,
				MaxElapsedTime:  5 * time.Second,
			},
		},
		Audit: AuditConfig{
			Buffer: 256,
		},
		Staging: StagingConfig{
			Capacity: 1024,
			TTL:      10 * time.Minute,
		},
		Federation: FederationConfig{
			Enabled: false,
			Listen: []string{
				"/ip4/0.0.0.0/tcp/4101",
				"/ip4/0.0.0.0/udp/4101/quic-v1",
			},
			Peers: []string{},
			Topic: "/meshrelay/audit/1.0.0",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// DefaultPath returns the default configuration file path.
func DefaultPath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".meshrelay", "config.yaml")
}

// Load loads the configuration from a file. Settings missing from the file
// keep their default values.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// saveHeader starts every file written by Save.
const saveHeader = "# meshrelay configuration, see `meshrelay init --help`\n"

// Save validates cfg and writes it to path, creating the parent directory.
func Save(path string, cfg *Config) error {
	if path == "" {
		path = DefaultPath()
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	body, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(saveHeader), body...), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// Validate checks settings that would otherwise fail at startup.
func (c *Config) Validate() error {
	if c.Relay.Listen == "" {
		return fmt.Errorf("%w: relay.listen is empty", ErrInvalidConfig)
	}
	for name, p := range map[string]string{
		"relay.uplink_path":   c.Relay.UplinkPath,
		"relay.observer_path": c.Relay.ObserverPath,
	} {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("%w: %s must start with /", ErrInvalidConfig, name)
		}
	}
	if c.Relay.UplinkPath == c.Relay.ObserverPath {
		return fmt.Errorf("%w: uplink and observer paths are both %s", ErrInvalidConfig, c.Relay.UplinkPath)
	}

	switch c.Storage.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.Storage.Path == "" {
			return fmt.Errorf("%w: storage.path is required for the sqlite backend", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown storage backend %q", ErrInvalidConfig, c.Storage.Backend)
	}

	if c.Audit.Buffer <= 0 {
		return fmt.Errorf("%w: audit.buffer must be positive", ErrInvalidConfig)
	}
	if c.Staging.Capacity <= 0 || c.Staging.TTL <= 0 {
		return fmt.Errorf("%w: staging capacity and ttl must be positive", ErrInvalidConfig)
	}
	if c.Federation.Enabled && c.Federation.Topic == "" {
		return fmt.Errorf("%w: federation.topic is empty", ErrInvalidConfig)
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("%w: metrics.path must start with /", ErrInvalidConfig)
	}
	return nil
}
