// Package config loads runtime configuration from flags, environment and an
// optional config file.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	// Database paths
	DBPath    string `mapstructure:"db-path"`
	FSMDBPath string `mapstructure:"fsm-db-path"`

	// Pool backing files live here
	PoolDir string `mapstructure:"pool-dir"`

	// Default pool geometry
	MetadataSizeBytes int64 `mapstructure:"metadata-size"`
	DataSizeBytes     int64 `mapstructure:"data-size"`
	BlockSizeSectors  int64 `mapstructure:"block-size-sectors"`

	// Logging
	LogLevel string `mapstructure:"log-level"`
}

// Load reads configuration from environment, config file, and defaults.
// Environment variables use the DMTHIN_ prefix (DMTHIN_DB_PATH, ...).
func Load() (*Config, error) {
	viper.SetDefault("db-path", "/var/lib/dmthin/state.db")
	viper.SetDefault("fsm-db-path", "/var/lib/dmthin/fsm")
	viper.SetDefault("pool-dir", "/var/lib/dmthin/pools")
	viper.SetDefault("metadata-size", int64(100*1024*1024))
	viper.SetDefault("data-size", int64(1024*1024*1024))
	viper.SetDefault("block-size-sectors", int64(2048))
	viper.SetDefault("log-level", "info")

	viper.SetEnvPrefix("DMTHIN")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("/etc/dmthin")
	_ = viper.ReadInConfig()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db-path cannot be empty")
	}
	if c.FSMDBPath == "" {
		return fmt.Errorf("fsm-db-path cannot be empty")
	}
	if c.PoolDir == "" {
		return fmt.Errorf("pool-dir cannot be empty")
	}
	if c.MetadataSizeBytes <= 0 || c.DataSizeBytes <= 0 {
		return fmt.Errorf("pool geometry sizes must be positive")
	}
	if c.BlockSizeSectors <= 0 {
		return fmt.Errorf("block-size-sectors must be positive")
	}
	return nil
}
