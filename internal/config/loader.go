package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Load builds configuration from defaults, the YAML file at configPath (if
// any) and environment overrides. Validation is left to the caller.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		if err := loadFromFile(configPath, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := applyEnvironmentOverrides(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFromFile decodes YAML over the defaults already in cfg
func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrConfigFileNotFound
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfigFormat, err)
	}
	return nil
}

func envInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%w: %s=%q", ErrInvalidEnvValue, key, v)
	}
	*dst = n
	return nil
}

func envBool(key string) bool {
	v := os.Getenv(key)
	return v == "true" || v == "1"
}

// applyEnvironmentOverrides applies configuration from environment variables
func applyEnvironmentOverrides(cfg *Config) error {
	if v := os.Getenv("ENV"); v != "" {
		cfg.Env = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("LOG_FILE"); v != "" {
		cfg.LogFile = v
	}
	if v := os.Getenv("HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("RULES_FILE"); v != "" {
		cfg.RulesFile = v
	}
	if os.Getenv("RULES_WATCH") != "" {
		cfg.WatchRules = envBool("RULES_WATCH")
	}

	if v := os.Getenv("JWT_HS256_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("JWT_ISSUER"); v != "" {
		cfg.Auth.Issuer = v
	}
	// Accepted audiences (comma-separated list)
	if v := os.Getenv("JWT_AUDIENCES"); v != "" {
		cfg.Auth.Audiences = cfg.Auth.Audiences[:0]
		for _, aud := range strings.Split(v, ",") {
			if aud = strings.TrimSpace(aud); aud != "" {
				cfg.Auth.Audiences = append(cfg.Auth.Audiences, aud)
			}
		}
	}
	if envBool("AUTH_DEV_MODE") {
		cfg.Auth.DevMode = true
	}

	for key, dst := range map[string]*int{
		"RATE_LIMIT_MAX_REQUESTS":   &cfg.RateLimit.MaxRequests,
		"RATE_LIMIT_WINDOW_SECONDS": &cfg.RateLimit.WindowSeconds,
		"RATE_LIMIT_BURST":          &cfg.RateLimit.Burst,
		"CHANGES_PAGE_LIMIT":        &cfg.ChangesPageLimit,
	} {
		if err := envInt(key, dst); err != nil {
			return err
		}
	}

	if v := os.Getenv("SHUTDOWN_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: SHUTDOWN_TIMEOUT=%q", ErrInvalidEnvValue, v)
		}
		cfg.ShutdownTimeout = d
	}
	return nil
}
