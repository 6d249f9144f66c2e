package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// Config represents the ociwrap CLI configuration.
// Use mapstructure tags for Viper unmarshaling.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Backends  []BackendConfig `mapstructure:"backends"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Log       LogConfig       `mapstructure:"log"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Profiling ProfilingConfig `mapstructure:"profiling"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr    string   `mapstructure:"addr"`
	BaseURL string   `mapstructure:"base_url"`
	APIKeys []string `mapstructure:"api_keys"`
	DevMode bool     `mapstructure:"dev_mode"`
}

// BackendConfig describes one upstream registry.
type BackendConfig struct {
	Name        string `mapstructure:"name"`
	URL         string `mapstructure:"url"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	CatalogPath string `mapstructure:"catalog_path"`
}

// CacheConfig holds response cache settings.
type CacheConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Dir     string `mapstructure:"dir"`
}

// LogConfig holds logging settings. Format is "text", "json", or "auto"
// (text on a terminal, JSON otherwise).
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// ProfilingConfig holds continuous profiling settings. Setting
// PyroscopeAddress streams profiles to a Pyroscope server while serving.
type ProfilingConfig struct {
	PyroscopeAddress string `mapstructure:"pyroscope_address"`
}

// Load unmarshals the effective Viper settings into a Config with defaults
// applied for anything the file and environment left unset.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{Addr: ":8080"},
		Log:    LogConfig{Level: "info", Format: "auto"},
	}
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	return cfg, nil
}
