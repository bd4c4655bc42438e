// Package config loads server configuration from defaults, an optional YAML
// file and environment variables, in that order.
package config

import "time"

// Config holds all configuration for the sync server
type Config struct {
	Env      string `yaml:"env"`
	LogLevel string `yaml:"logLevel"`
	// LogFile additionally writes JSON logs to a size-rotated file
	LogFile  string `yaml:"logFile"`
	HTTPAddr string `yaml:"httpAddr"`

	// DatabaseURL selects Postgres; empty runs on the in-memory store
	DatabaseURL string `yaml:"databaseUrl"`

	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rateLimit"`

	// RulesFile overrides the embedded content-aware rule set
	RulesFile string `yaml:"rulesFile"`
	// WatchRules reloads RulesFile when it changes on disk
	WatchRules       bool `yaml:"watchRules"`
	ChangesPageLimit int  `yaml:"changesPageLimit"`

	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// AuthConfig configures bearer token validation
type AuthConfig struct {
	JWTSecret string   `yaml:"jwtSecret"`
	Issuer    string   `yaml:"issuer"`
	Audiences []string `yaml:"audiences"`
	DevMode   bool     `yaml:"devMode"` // enables X-Debug-Sub header fallback
}

// RateLimitConfig sizes the per-user token bucket; MaxRequests 0 disables it
type RateLimitConfig struct {
	WindowSeconds int `yaml:"windowSeconds"`
	MaxRequests   int `yaml:"maxRequests"`
	Burst         int `yaml:"burst"`
}

// IsDev reports whether the server runs in local development mode
func (c *Config) IsDev() bool {
	return c.Env == "dev"
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Auth.JWTSecret == "" && !c.Auth.DevMode {
		return ErrMissingJWTSecret
	}
	if c.DatabaseURL == "" && !c.IsDev() {
		return ErrMissingDatabaseURL
	}
	rl := c.RateLimit
	if rl.MaxRequests < 0 || rl.WindowSeconds < 0 || rl.Burst < 0 {
		return ErrInvalidRateLimit
	}
	if rl.MaxRequests > 0 && (rl.WindowSeconds == 0 || rl.Burst == 0) {
		return ErrInvalidRateLimit
	}
	if c.ChangesPageLimit <= 0 {
		return ErrInvalidPageLimit
	}
	return nil
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Env:      "prod",
		LogLevel: "info",
		HTTPAddr: ":8081",
		RateLimit: RateLimitConfig{
			WindowSeconds: 60,
			MaxRequests:   600,
			Burst:         120,
		},
		ChangesPageLimit: 500,
		ShutdownTimeout:  10 * time.Second,
	}
}
