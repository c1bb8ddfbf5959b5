package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/selltide/marketsync/internal/api"
	"github.com/selltide/marketsync/internal/marketplace"
	"github.com/selltide/marketsync/internal/ratelimit"
	"github.com/selltide/marketsync/internal/retry"
	"github.com/selltide/marketsync/internal/store"
)

// Config represents the application configuration
type Config struct {
	Database    store.Config                  `toml:"database"`
	RateLimit   ratelimit.Config              `toml:"rate_limit"`
	Retry       retry.Policy                  `toml:"retry"`
	Source      marketplace.SourceConfig      `toml:"source"`
	Destination marketplace.DestinationConfig `toml:"destination"`
	HTTP        api.Config                    `toml:"http"`
	Logging     LoggingConfig                 `toml:"logging"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Database:    store.DefaultConfig(),
		RateLimit:   ratelimit.DefaultConfig(),
		Retry:       retry.DefaultPolicy(),
		Source:      marketplace.DefaultSourceConfig(),
		Destination: marketplace.DefaultDestinationConfig(),
		HTTP:        api.DefaultConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadFromFile loads configuration from a TOML file
func LoadFromFile(path string) (*Config, error) {
	// Start with defaults so a sparse file only overrides what it names
	config := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file does not exist: %s", path)
	}

	if _, err := toml.DecodeFile(path, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// LoadConfig loads configuration: defaults, overridden by the config file
// when one is specified
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		return DefaultConfig(), nil
	}
	return LoadFromFile(configPath)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Database validation
	if c.Database.Driver == "" {
		return fmt.Errorf("database driver must be specified")
	}
	if c.Database.Driver != "sqlite3" {
		return fmt.Errorf("unsupported database driver: %s (must be sqlite3)", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database DSN must be specified")
	}

	// Rate limit validation
	if c.RateLimit.PacingInterval <= 0 {
		return fmt.Errorf("rate_limit pacing_interval must be positive")
	}
	if c.RateLimit.MaxPerWindow <= 0 {
		return fmt.Errorf("rate_limit max_per_window must be positive")
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("rate_limit window must be positive")
	}
	if c.RateLimit.MinPause <= 0 {
		return fmt.Errorf("rate_limit min_pause must be positive")
	}

	// Retry validation
	if c.Retry.BaseDelay <= 0 {
		return fmt.Errorf("retry base_delay must be positive")
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("retry max_delay must be at least base_delay")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry max_attempts must be positive")
	}

	// Marketplace endpoints
	if c.Source.BaseURL == "" {
		return fmt.Errorf("source base_url must be specified")
	}
	if c.Destination.BaseURL == "" {
		return fmt.Errorf("destination base_url must be specified")
	}
	if c.Destination.TokenURL == "" {
		return fmt.Errorf("destination token_url must be specified")
	}

	// HTTP validation
	if c.HTTP.ListenAddr == "" {
		return fmt.Errorf("http listen_addr must be specified")
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		return fmt.Errorf("http shutdown_timeout must be positive")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("invalid log format: %s (must be json or text)", c.Logging.Format)
	}

	return nil
}
