// Package common provides shared utilities for the cluster server
package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
	toml "github.com/pelletier/go-toml/v2"
)

// Config holds all configuration for the cluster server
type Config struct {
	Environment string        `toml:"environment"`
	Server      ServerConfig  `toml:"server"`
	Engine      EngineConfig  `toml:"engine"`
	Store       StoreConfig   `toml:"store"`
	TLS         TLSConfig     `toml:"tls"`
	Logging     LoggingConfig `toml:"logging"`
}

// ServerConfig holds TCP listener configuration
type ServerConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	ServerID string `toml:"server_id"` // advertised in every server frame; generated if empty
}

// Addr returns the host:port listen address.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// EngineConfig holds the analysis engine configuration
type EngineConfig struct {
	Path    string `toml:"path"`     // engine binary path
	Threads int    `toml:"threads"`  // Threads option per job; 0 leaves the engine default
	MaxJobs int    `toml:"max_jobs"` // concurrent jobs; 0 = unlimited
}

// StoreConfig holds persistence configuration. An empty path disables the store.
type StoreConfig struct {
	Path      string `toml:"path"`
	LoadLimit int    `toml:"load_limit"` // recent records rehydrated at startup
}

// TLSConfig holds the mutual-TLS triple. All three paths must be supplied
// together; client certificates are then required.
type TLSConfig struct {
	CertFile     string `toml:"cert_file"`
	KeyFile      string `toml:"key_file"`
	ClientCAFile string `toml:"client_ca_file"`
	MinVersion   string `toml:"min_version"` // "1.2" or "1.3"
}

// Enabled reports whether any of the TLS paths is set.
func (c *TLSConfig) Enabled() bool {
	return c.CertFile != "" || c.KeyFile != "" || c.ClientCAFile != ""
}

// Complete reports whether the full cert/key/CA triple is present.
func (c *TLSConfig) Complete() bool {
	return c.CertFile != "" && c.KeyFile != "" && c.ClientCAFile != ""
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level string `toml:"level"`
}

// NewDefaultConfig returns a Config with sensible defaults
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 9000,
		},
		Engine: EngineConfig{
			Path:    "stockfish",
			Threads: 32,
			MaxJobs: 1,
		},
		Store: StoreConfig{
			LoadLimit: 500,
		},
		TLS: TLSConfig{
			MinVersion: "1.2",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfig loads configuration from files with environment overrides
func LoadConfig(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	// Load and merge each config file in order (later files override earlier)
	for _, path := range paths {
		if path == "" {
			continue
		}

		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue // Skip missing files
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("SFCLUSTER_ENV"); env != "" {
		config.Environment = env
	}

	if host := os.Getenv("SFCLUSTER_HOST"); host != "" {
		config.Server.Host = host
	}

	if port := os.Getenv("SFCLUSTER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}

	if id := os.Getenv("SFCLUSTER_SERVER_ID"); id != "" {
		config.Server.ServerID = id
	}

	if path := os.Getenv("SFCLUSTER_ENGINE_PATH"); path != "" {
		config.Engine.Path = path
	}

	if threads := os.Getenv("SFCLUSTER_ENGINE_THREADS"); threads != "" {
		if t, err := strconv.Atoi(threads); err == nil {
			config.Engine.Threads = t
		}
	}

	if maxJobs := os.Getenv("SFCLUSTER_MAX_JOBS"); maxJobs != "" {
		if m, err := strconv.Atoi(maxJobs); err == nil {
			config.Engine.MaxJobs = m
		}
	}

	if path := os.Getenv("SFCLUSTER_STORE_PATH"); path != "" {
		config.Store.Path = path
	}

	if level := os.Getenv("SFCLUSTER_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
}

// Validate checks the configuration for fatal errors and fills derived
// defaults (generated server id, store load limit).
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Engine.Path) == "" {
		return fmt.Errorf("engine.path must not be empty")
	}

	if c.TLS.Enabled() && !c.TLS.Complete() {
		return fmt.Errorf("TLS enabled but cert_file, key_file and client_ca_file must all be provided")
	}

	switch c.TLS.MinVersion {
	case "", "1.2", "1.3":
	default:
		return fmt.Errorf("tls.min_version must be \"1.2\" or \"1.3\", got %q", c.TLS.MinVersion)
	}

	if c.Server.ServerID == "" {
		c.Server.ServerID = "srv-" + uuid.NewString()[:8]
	}

	if c.Store.LoadLimit <= 0 {
		c.Store.LoadLimit = 500
	}

	return nil
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}
