// Package config loads control plane configuration from environment
// variables.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v9"
)

// Config holds all configuration for the application.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Agent    AgentConfig
	Auth     AuthConfig
	Log      LogConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string `env:"SERVER_HOST" envDefault:"0.0.0.0"`
	Port int    `env:"SERVER_PORT" envDefault:"8080"`
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Driver string `env:"DB_DRIVER" envDefault:"sqlite3"`
	DSN    string `env:"DB_DSN" envDefault:"data/stratus.db"`
}

// AgentConfig holds node agent client configuration.
type AgentConfig struct {
	Timeout      time.Duration `env:"AGENT_TIMEOUT" envDefault:"5s"`
	ProbeTimeout time.Duration `env:"AGENT_PROBE_TIMEOUT" envDefault:"3s"`
}

// AuthConfig holds API authentication configuration.
type AuthConfig struct {
	// BootstrapAPIKey grants full access without a stored key. Meant for
	// first-run provisioning; unset it once real keys exist.
	BootstrapAPIKey string `env:"BOOTSTRAP_API_KEY"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level string `env:"LOG_LEVEL" envDefault:"info"`
	Dev   bool   `env:"LOG_DEV" envDefault:"false"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(&cfg.Server); err != nil {
		return nil, fmt.Errorf("parsing server config: %w", err)
	}
	if err := env.Parse(&cfg.Database); err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}
	if err := env.Parse(&cfg.Agent); err != nil {
		return nil, fmt.Errorf("parsing agent config: %w", err)
	}
	if err := env.Parse(&cfg.Auth); err != nil {
		return nil, fmt.Errorf("parsing auth config: %w", err)
	}
	if err := env.Parse(&cfg.Log); err != nil {
		return nil, fmt.Errorf("parsing log config: %w", err)
	}

	return cfg, nil
}

// Addr returns the server address in host:port format.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("SERVER_PORT must be between 1 and 65535")
	}
	if c.Database.Driver != "sqlite3" && c.Database.Driver != "postgres" {
		return fmt.Errorf("DB_DRIVER must be sqlite3 or postgres")
	}
	if c.Agent.Timeout <= 0 {
		return fmt.Errorf("AGENT_TIMEOUT must be positive")
	}
	return nil
}
