// Package config manages odc configuration and the .odc directory structure.
// It handles loading, saving, and initializing the workspace configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/kilupskalvis/odc/internal/core"
	"github.com/kilupskalvis/odc/internal/remote"
	"github.com/pelletier/go-toml/v2"
)

const (
	ODCDir       = ".odc"
	ConfigFile   = "config"
	DatabaseFile = "odc.db"
)

// Batch strategies accepted in [save].batch.
const (
	BatchNone        = ""
	BatchAtomic      = "atomic"
	BatchIndependent = "independent"
)

// Config represents the odc configuration
type Config struct {
	ServiceURL         string      `toml:"service_url"`
	Token              string      `toml:"token,omitempty"`
	MaxProtocolVersion int         `toml:"max_protocol_version,omitempty"`
	Save               SaveConfig  `toml:"save"`
	Retry              RetryConfig `toml:"retry"`
	Log                LogConfig   `toml:"log"`
	path               string      // path to .odc directory
}

// SaveConfig holds the default save options.
type SaveConfig struct {
	ContinueOnError           bool   `toml:"continue_on_error"`
	Batch                     string `toml:"batch"`
	ReplaceOnUpdate           bool   `toml:"replace_on_update"`
	PostOnlyChangedProperties bool   `toml:"post_only_changed_properties"`
	BufferSize                int    `toml:"buffer_size,omitempty"`
}

// RetryConfig configures retries of transient failures. Durations use
// time.ParseDuration syntax.
type RetryConfig struct {
	MaxRetries     int     `toml:"max_retries"`
	InitialBackoff string  `toml:"initial_backoff"`
	MaxBackoff     string  `toml:"max_backoff"`
	JitterFraction float64 `toml:"jitter_fraction"`
}

// LogConfig selects the log level (debug, info, warn, error) and format
// (text, json).
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Default returns the configuration written by Initialize.
func Default(serviceURL string) *Config {
	def := remote.DefaultRetryConfig()
	return &Config{
		ServiceURL:         serviceURL,
		MaxProtocolVersion: remote.DefaultMaxProtocolVersion,
		Retry: RetryConfig{
			MaxRetries:     def.MaxRetries,
			InitialBackoff: def.InitialBackoff.String(),
			MaxBackoff:     def.MaxBackoff.String(),
			JitterFraction: def.JitterFraction,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// FindODCRoot finds the .odc directory by walking up from current directory
func FindODCRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		odcPath := filepath.Join(dir, ODCDir)
		if info, err := os.Stat(odcPath); err == nil && info.IsDir() {
			return odcPath, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("not an odc workspace (or any parent up to root)")
		}
		dir = parent
	}
}

// Load loads the configuration from the .odc directory
func Load() (*Config, error) {
	odcPath, err := FindODCRoot()
	if err != nil {
		return nil, err
	}

	configPath := filepath.Join(odcPath, ConfigFile)
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cfg.path = odcPath
	return &cfg, nil
}

// Save saves the configuration to disk
func (c *Config) Save() error {
	configPath := filepath.Join(c.path, ConfigFile)
	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	return os.WriteFile(configPath, data, 0600)
}

// Validate checks the values that are interpreted rather than passed through.
func (c *Config) Validate() error {
	if c.ServiceURL == "" {
		return fmt.Errorf("config: service_url is required")
	}
	if _, err := c.SaveOptions(); err != nil {
		return err
	}
	if _, err := c.RetryConfig(); err != nil {
		return err
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// ODCPath returns the path to the .odc directory
func (c *Config) ODCPath() string {
	return c.path
}

// DatabasePath returns the path to the bbolt database
func (c *Config) DatabasePath() string {
	return filepath.Join(c.path, DatabaseFile)
}

// SaveOptions converts the [save] section to save options.
func (c *Config) SaveOptions() (core.SaveOptions, error) {
	opts := core.SaveNone
	if c.Save.ContinueOnError {
		opts |= core.ContinueOnError
	}
	if c.Save.ReplaceOnUpdate {
		opts |= core.ReplaceOnUpdate
	}
	if c.Save.PostOnlyChangedProperties {
		opts |= core.PostOnlyChangedProperties
	}
	batch, err := BatchOption(c.Save.Batch)
	if err != nil {
		return 0, err
	}
	opts |= batch
	if err := opts.Validate(); err != nil {
		return 0, fmt.Errorf("config: %w", err)
	}
	return opts, nil
}

// BatchOption maps a batch strategy name to its save option.
func BatchOption(name string) (core.SaveOptions, error) {
	switch name {
	case BatchNone:
		return core.SaveNone, nil
	case BatchAtomic:
		return core.AtomicBatch, nil
	case BatchIndependent:
		return core.IndependentBatch, nil
	}
	return 0, fmt.Errorf("config: unknown batch strategy %q (want %q or %q)", name, BatchAtomic, BatchIndependent)
}

// RetryConfig converts the [retry] section, falling back to the defaults
// for unset values.
func (c *Config) RetryConfig() (*remote.RetryConfig, error) {
	rc := remote.DefaultRetryConfig()
	if c.Retry.MaxRetries > 0 {
		rc.MaxRetries = c.Retry.MaxRetries
	}
	if c.Retry.JitterFraction > 0 {
		rc.JitterFraction = c.Retry.JitterFraction
	}
	for _, d := range []struct {
		value string
		dst   *time.Duration
	}{
		{c.Retry.InitialBackoff, &rc.InitialBackoff},
		{c.Retry.MaxBackoff, &rc.MaxBackoff},
	} {
		if d.value == "" {
			continue
		}
		v, err := time.ParseDuration(d.value)
		if err != nil {
			return nil, fmt.Errorf("config: parse retry backoff: %w", err)
		}
		*d.dst = v
	}
	return rc, nil
}

// ParseLevel maps a level name to a slog level. Empty means info.
func ParseLevel(name string) (slog.Level, error) {
	switch name {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("config: unknown log level %q", name)
}

// Initialize creates a new .odc directory with initial configuration
func Initialize(serviceURL string) (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}

	odcPath := filepath.Join(cwd, ODCDir)

	// Check if already initialized
	if _, err := os.Stat(odcPath); err == nil {
		return nil, fmt.Errorf("odc workspace already exists")
	}

	if err := os.MkdirAll(odcPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create .odc directory: %w", err)
	}

	cfg := Default(serviceURL)
	cfg.path = odcPath

	if err := cfg.Save(); err != nil {
		// Cleanup on failure
		os.RemoveAll(odcPath)
		return nil, err
	}

	return cfg, nil
}
