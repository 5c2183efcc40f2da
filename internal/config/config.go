// Package config provides configuration management for the raffle server
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all configuration for the raffle server
type Config struct {
	Server    ServerConfig    `envPrefix:"RIFAS_"`
	Database  DatabaseConfig  `envPrefix:"RIFAS_DB_"`
	Auth      AuthConfig      `envPrefix:"RIFAS_"`
	Draw      DrawConfig      `envPrefix:"RIFAS_"`
	Broadcast BroadcastConfig `envPrefix:"RIFAS_"`
	Log       LogConfig       `envPrefix:"RIFAS_LOG_"`
	Telemetry TelemetryConfig `envPrefix:"RIFAS_OTEL_"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         string        `env:"PORT" envDefault:"8080"`
	ReadTimeout  time.Duration `env:"READ_TIMEOUT" envDefault:"30s"`
	WriteTimeout time.Duration `env:"WRITE_TIMEOUT" envDefault:"30s"`
	Currency     string        `env:"CURRENCY" envDefault:"MXN"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Driver string `env:"DRIVER" envDefault:"postgres"`
	DSN    string `env:"DSN" envDefault:"host=localhost dbname=rifas sslmode=disable"`
}

// AuthConfig holds operator authentication configuration
type AuthConfig struct {
	AdminEmail        string        `env:"ADMIN_EMAIL" envDefault:"admin@rifas.com"`
	AdminPassword     string        `env:"ADMIN_PASSWORD"`
	AdminPasswordHash string        `env:"ADMIN_PASSWORD_HASH"`
	JWTSecret         string        `env:"JWT_SECRET" envDefault:"rifas-dev-secret-change-in-production"`
	TokenExpiry       time.Duration `env:"TOKEN_EXPIRY" envDefault:"12h"`
	MaxFailedAttempts int           `env:"MAX_FAILED_LOGINS" envDefault:"5"`
	LockoutDuration   time.Duration `env:"LOCKOUT" envDefault:"15m"`
}

// DrawConfig holds the pacing of a live draw as seen by viewers
type DrawConfig struct {
	SpinDuration   time.Duration `env:"SPIN_DURATION" envDefault:"4s"`
	RevealDuration time.Duration `env:"REVEAL_DURATION" envDefault:"2s"`
	ExtraSpins     int           `env:"EXTRA_SPINS" envDefault:"5"`
	PointerAngle   float64       `env:"POINTER_ANGLE" envDefault:"270"`
}

// BroadcastConfig holds viewer fan-out configuration
type BroadcastConfig struct {
	SubscriberBuffer int           `env:"SUBSCRIBER_BUFFER" envDefault:"64"`
	WriteTimeout     time.Duration `env:"WS_WRITE_TIMEOUT" envDefault:"10s"`
	PingInterval     time.Duration `env:"WS_PING_INTERVAL" envDefault:"30s"`
}

// LogConfig holds logger configuration
type LogConfig struct {
	Verbose bool   `env:"VERBOSE" envDefault:"true"`
	File    string `env:"FILE"`
}

// TelemetryConfig holds tracing configuration
type TelemetryConfig struct {
	Endpoint string `env:"ENDPOINT"`
}

// Load loads configuration from environment with defaults
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the server cannot run with
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return errors.New("database DSN is required")
	}
	if c.Auth.AdminEmail == "" {
		return errors.New("admin email is required")
	}
	if c.Auth.AdminPassword == "" && c.Auth.AdminPasswordHash == "" {
		return errors.New("one of RIFAS_ADMIN_PASSWORD or RIFAS_ADMIN_PASSWORD_HASH is required")
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("JWT secret is required")
	}
	if c.Draw.SpinDuration < 0 || c.Draw.RevealDuration < 0 {
		return errors.New("draw durations cannot be negative")
	}
	if c.Draw.ExtraSpins < 0 {
		return errors.New("extra spins cannot be negative")
	}
	if c.Broadcast.SubscriberBuffer <= 0 {
		return errors.New("subscriber buffer must be positive")
	}
	return nil
}
