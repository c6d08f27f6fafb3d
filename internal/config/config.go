// Package config handles configuration loading, validation, and
// defaulting for the commitd daemon.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/BurntSushi/toml"
)

// Version is the configuration schema version.
const Version = 1

// Config holds the complete daemon configuration.
type Config struct {
	Version int `toml:"version"`

	Storage   StorageConfig   `toml:"storage"`
	Signing   SigningConfig   `toml:"signing"`
	Anchor    AnchorConfig    `toml:"anchor"`
	ProofSvc  ProofSvcConfig  `toml:"proof_service"`
	Logging   LoggingConfig   `toml:"logging"`
}

// StorageConfig configures the persistent store.
type StorageConfig struct {
	Path string `toml:"path"`
}

// SigningConfig configures the identity key.
type SigningConfig struct {
	KeyPath string `toml:"key_path"`
}

// AnchorConfig configures anchoring defaults.
type AnchorConfig struct {
	DefaultFeeRate       float64 `toml:"default_fee_rate"`
	MinConfirmations     int     `toml:"min_confirmations"`
	ConfirmationPollSecs int     `toml:"confirmation_poll_secs"`
}

// ProofSvcConfig configures the proof request/response service.
type ProofSvcConfig struct {
	SocketPath        string `toml:"socket_path"`
	RateLimitPerPeer  int    `toml:"rate_limit_per_peer"`
	RateLimitWindowMs int    `toml:"rate_limit_window_ms"`
	MaxQueryLimit     int    `toml:"max_query_limit"`
}

// LoggingConfig configures structured logging and the audit trail.
type LoggingConfig struct {
	Level     string `toml:"level"`
	FilePath  string `toml:"file_path"`
	AuditPath string `toml:"audit_path"`
	JSON      bool   `toml:"json"`
}

// ErrUnsupportedVersion is returned when a config file declares a
// schema version this build doesn't understand.
var ErrUnsupportedVersion = errors.New("config: unsupported schema version")

// DataDir returns the base data directory for commitd, honoring the
// COMMITD_DATA_DIR environment override.
func DataDir() string {
	if v := os.Getenv("COMMITD_DATA_DIR"); v != "" {
		return v
	}
	return platformDataDir()
}

func platformDataDir() string {
	switch runtime.GOOS {
	case "darwin":
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "Library", "Application Support", "commitd")
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "commitd")
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "AppData", "Roaming", "commitd")
	default:
		if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
			return filepath.Join(xdg, "commitd")
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".local", "share", "commitd")
	}
}

// DefaultConfig returns a fully populated default configuration
// rooted at DataDir().
func DefaultConfig() *Config {
	dir := DataDir()
	return &Config{
		Version: Version,
		Storage: StorageConfig{
			Path: filepath.Join(dir, "commitments.db"),
		},
		Signing: SigningConfig{
			KeyPath: filepath.Join(dir, "identity.key"),
		},
		Anchor: AnchorConfig{
			DefaultFeeRate:       1.0,
			MinConfirmations:     1,
			ConfirmationPollSecs: 300,
		},
		ProofSvc: ProofSvcConfig{
			SocketPath:        filepath.Join(dir, "commitd.sock"),
			RateLimitPerPeer:  60,
			RateLimitWindowMs: 60000,
			MaxQueryLimit:     100,
		},
		Logging: LoggingConfig{
			Level:     "info",
			FilePath:  filepath.Join(dir, "commitd.log"),
			AuditPath: filepath.Join(dir, "audit.jsonl"),
			JSON:      true,
		},
	}
}

// ConfigPath returns the default location of the TOML config file.
func ConfigPath() string {
	return filepath.Join(DataDir(), "config.toml")
}

// Load reads configuration from path (ConfigPath() if empty), merging
// it over the defaults. A missing file returns the defaults with only
// the environment overrides applied, matching the teacher daemon's
// "works with zero config" behavior.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = ConfigPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if cfg.Version != Version {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrUnsupportedVersion, cfg.Version, Version)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides lets COMMITD_-prefixed environment variables
// override specific fields without a config file.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("COMMITD_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("COMMITD_SOCKET_PATH"); v != "" {
		c.ProofSvc.SocketPath = v
	}
}

// Validate checks the configuration for internally inconsistent values.
func (c *Config) Validate() error {
	if c.Storage.Path == "" {
		return errors.New("config: storage.path must not be empty")
	}
	if c.Signing.KeyPath == "" {
		return errors.New("config: signing.key_path must not be empty")
	}
	if c.ProofSvc.RateLimitPerPeer <= 0 {
		return errors.New("config: proof_service.rate_limit_per_peer must be positive")
	}
	if c.ProofSvc.MaxQueryLimit <= 0 || c.ProofSvc.MaxQueryLimit > 100 {
		return errors.New("config: proof_service.max_query_limit must be in (0, 100]")
	}
	if c.Anchor.MinConfirmations < 0 {
		return errors.New("config: anchor.min_confirmations must not be negative")
	}
	return nil
}

// EnsureDirectories creates every directory this configuration needs.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		filepath.Dir(c.Storage.Path),
		filepath.Dir(c.Signing.KeyPath),
		filepath.Dir(c.ProofSvc.SocketPath),
		filepath.Dir(c.Logging.FilePath),
		filepath.Dir(c.Logging.AuditPath),
	}
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("config: create directory %s: %w", dir, err)
		}
	}
	return nil
}
