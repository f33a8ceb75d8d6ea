// Package config loads the usagegate configuration file.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// YAMLConfig represents the top-level usagegate configuration file.
type YAMLConfig struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Database  DatabaseConfig  `yaml:"database"`
	Cache     CacheConfig     `yaml:"cache"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Usage     UsageConfig     `yaml:"usage"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig controls the HTTP server behavior.
type ServerConfig struct {
	Host            string     `yaml:"host"`
	Port            int        `yaml:"port"`
	ShutdownTimeout string     `yaml:"shutdown_timeout"`
	EdgeRateLimit   int        `yaml:"edge_rate_limit"`
	CORS            CORSConfig `yaml:"cors"`
}

// CORSConfig controls cross-origin resource sharing settings.
type CORSConfig struct {
	Origins []string `yaml:"origins"`
}

// AuthConfig controls authentication secrets.
type AuthConfig struct {
	JWTSecret      string `yaml:"jwt_secret"`
	JWTExpiry      string `yaml:"jwt_expiry"`
	InternalAPIKey string `yaml:"internal_api_key"`
	KeyHMACSecret  string `yaml:"key_hmac_secret"`
}

// DatabaseConfig selects the backing store. When driver is empty or "sqlite"
// and no DSN is given, a file under data_dir is used.
type DatabaseConfig struct {
	Driver  string `yaml:"driver"`
	DSN     string `yaml:"dsn"`
	DataDir string `yaml:"data_dir"`
}

// CacheConfig selects the key/plan cache backend.
type CacheConfig struct {
	Backend  string `yaml:"backend"` // "memory" or "redis"
	RedisURL string `yaml:"redis_url"`
}

// RateLimitConfig selects the per-workspace rate limiter backend. With
// multiple replicas the redis backend is the only one that counts correctly.
type RateLimitConfig struct {
	Backend  string `yaml:"backend"` // "memory" or "redis"
	RedisURL string `yaml:"redis_url"`
}

// UsageConfig controls reservation expiry.
type UsageConfig struct {
	PendingTimeout string `yaml:"pending_timeout"`
	SweepSchedule  string `yaml:"sweep_schedule"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LoadYAMLConfig reads and parses a YAML configuration file. Environment
// variables referenced as ${VAR_NAME} in the file are expanded before parsing.
func LoadYAMLConfig(path string) (*YAMLConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Expand environment variables: ${VAR_NAME}
	content := os.ExpandEnv(string(data))

	var cfg YAMLConfig
	if err := yaml.Unmarshal([]byte(content), &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return &cfg, nil
}

// DefaultYAMLConfig returns a YAMLConfig pre-filled with sensible defaults.
func DefaultYAMLConfig() *YAMLConfig {
	return &YAMLConfig{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ShutdownTimeout: "30s",
			EdgeRateLimit:   600,
			CORS: CORSConfig{
				Origins: []string{"*"},
			},
		},
		Auth: AuthConfig{
			JWTExpiry:      "12h",
			InternalAPIKey: "${USAGEGATE_INTERNAL_API_KEY}",
			KeyHMACSecret:  "${USAGEGATE_KEY_HMAC_SECRET}",
		},
		Database: DatabaseConfig{
			Driver:  "sqlite",
			DataDir: "./data",
		},
		Cache: CacheConfig{
			Backend: "memory",
		},
		RateLimit: RateLimitConfig{
			Backend: "memory",
		},
		Usage: UsageConfig{
			PendingTimeout: "15m",
			SweepSchedule:  "* * * * *",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// WriteDefaultConfig writes the default configuration to a YAML file.
func WriteDefaultConfig(path string) error {
	cfg := DefaultYAMLConfig()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
