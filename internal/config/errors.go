package config

import "errors"

var (
	// ErrMissingJWTSecret indicates that no JWT secret is configured outside dev mode
	ErrMissingJWTSecret = errors.New("JWT_HS256_SECRET is required unless AUTH_DEV_MODE is set")

	// ErrMissingDatabaseURL indicates that a non-dev environment has no database
	ErrMissingDatabaseURL = errors.New("DATABASE_URL is required outside ENV=dev")

	// ErrInvalidRateLimit indicates inconsistent rate limit settings
	ErrInvalidRateLimit = errors.New("rate limit settings must be non-negative and complete")

	// ErrInvalidPageLimit indicates a non-positive change page limit
	ErrInvalidPageLimit = errors.New("CHANGES_PAGE_LIMIT must be positive")

	// ErrConfigFileNotFound indicates that the config file was not found
	ErrConfigFileNotFound = errors.New("configuration file not found")

	// ErrInvalidConfigFormat indicates that the config file has invalid YAML
	ErrInvalidConfigFormat = errors.New("invalid configuration file format")

	// ErrInvalidEnvValue indicates an environment variable that failed to parse
	ErrInvalidEnvValue = errors.New("invalid environment value")
)
