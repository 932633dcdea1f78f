package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds all server configuration.
// Priority: environment variables > .env file > defaults.
type Config struct {
	// Environment
	Env  string `env:"ENV" envDefault:"development"`
	Port int    `env:"PORT" envDefault:"8080"`

	// Database connection
	DBHost     string `env:"DB_HOST" envDefault:"localhost"`
	DBPort     int    `env:"DB_PORT" envDefault:"5432"`
	DBName     string `env:"DB_NAME" envDefault:"duochat"`
	DBUser     string `env:"DB_USER" envDefault:"duochat"`
	DBPassword string `env:"DB_PASSWORD" envDefault:""`
	DBMaxConns int32  `env:"DB_MAX_CONNS" envDefault:"10"`

	// Token verification (issuance lives in the sibling auth service).
	// JWTExpiresIn mirrors the auth service's configuration surface so
	// both services deploy from one env file; verification itself trusts
	// each token's exp claim.
	JWTSecret    string        `env:"JWT_SECRET" envDefault:"dev-secret-change-in-production"`
	JWTExpiresIn time.Duration `env:"JWT_EXPIRES_IN" envDefault:"24h"`

	// Accepted origin for the websocket handshake
	CORSOrigin string `env:"CORS_ORIGIN" envDefault:"*"`

	// Logging
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// Load reads configuration from a .env file and environment variables.
func Load() (*Config, error) {
	// .env is a dev convenience; in production env vars are set directly
	if err := godotenv.Load(); err == nil {
		log.Info().Msg("loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Env != "development" && c.Env != "production" {
		return fmt.Errorf("ENV must be development or production, got %q", c.Env)
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("PORT must be 1-65535, got %d", c.Port)
	}
	if c.DBMaxConns < 1 {
		return fmt.Errorf("DB_MAX_CONNS must be > 0, got %d", c.DBMaxConns)
	}
	if c.Env == "production" && c.JWTSecret == "dev-secret-change-in-production" {
		return fmt.Errorf("JWT_SECRET must be set in production")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}

	return nil
}

// DatabaseURL builds the postgres connection string.
func (c *Config) DatabaseURL() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.DBUser, c.DBPassword),
		Host:   fmt.Sprintf("%s:%d", c.DBHost, c.DBPort),
		Path:   c.DBName,
	}
	return u.String()
}

// IsDevelopment reports whether the server runs in development mode.
func (c *Config) IsDevelopment() bool { return c.Env == "development" }
