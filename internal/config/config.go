// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store backends accepted by STORYTELLER_STORE.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration

	// Storage settings.
	StoreBackend string // "memory", "sqlite" or "postgres".
	SQLitePath   string
	DatabaseURL  string // PgBouncer or direct Postgres URL for queries.
	NotifyURL    string // Direct Postgres URL for LISTEN/NOTIFY.

	// Consensus settings.
	ConsensusThreshold     int // Percent, 1..100.
	ConsensusMaxIterations int
	DefaultRoleWeight      float64
	RoleWeights            string // "role=weight,..." overrides on top of the built-in table.
	AutoEscalate           bool   // Trigger an intervention as soon as a vote leaves consensus failed or timed out.

	// JWT settings.
	JWTPrivateKeyPath string // Path to Ed25519 private key PEM file.
	JWTPublicKeyPath  string // Path to Ed25519 public key PEM file.
	JWTExpiration     time.Duration

	// Operators allowed to request tokens, "id:role:access:argon2hash,...".
	Operators string

	// OTEL settings.
	OTELEndpoint string
	ServiceName  string
	OTELInsecure bool

	// Operational settings.
	LogLevel            string
	MaxRequestBodyBytes int64   // Maximum request body size in bytes.
	RateLimitRPS        float64 // Sustained requests per second per key. 0 disables limiting.
	RateLimitBurst      int
}

// Load reads configuration from environment variables with sensible defaults.
// Malformed values are collected and reported together.
func Load() (Config, error) {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	var cfg Config
	var err error

	cfg.Port, err = envInt("STORYTELLER_PORT", 8080)
	collect(err)
	cfg.ReadTimeout, err = envDuration("STORYTELLER_READ_TIMEOUT", 30*time.Second)
	collect(err)
	cfg.WriteTimeout, err = envDuration("STORYTELLER_WRITE_TIMEOUT", 30*time.Second)
	collect(err)
	cfg.ShutdownTimeout, err = envDuration("STORYTELLER_SHUTDOWN_TIMEOUT", 10*time.Second)
	collect(err)

	cfg.StoreBackend = strings.ToLower(envStr("STORYTELLER_STORE", StoreMemory))
	cfg.SQLitePath = envStr("STORYTELLER_SQLITE_PATH", "storyteller.db")
	cfg.DatabaseURL = envStr("DATABASE_URL", "")
	cfg.NotifyURL = envStr("NOTIFY_URL", "")

	cfg.ConsensusThreshold, err = envInt("STORYTELLER_CONSENSUS_THRESHOLD", 70)
	collect(err)
	cfg.ConsensusMaxIterations, err = envInt("STORYTELLER_CONSENSUS_MAX_ITERATIONS", 10)
	collect(err)
	cfg.DefaultRoleWeight, err = envFloat("STORYTELLER_DEFAULT_ROLE_WEIGHT", 1.0)
	collect(err)
	cfg.RoleWeights = envStr("STORYTELLER_ROLE_WEIGHTS", "")
	cfg.AutoEscalate, err = envBool("STORYTELLER_AUTO_ESCALATE", false)
	collect(err)

	cfg.JWTPrivateKeyPath = envStr("STORYTELLER_JWT_PRIVATE_KEY", "")
	cfg.JWTPublicKeyPath = envStr("STORYTELLER_JWT_PUBLIC_KEY", "")
	cfg.JWTExpiration, err = envDuration("STORYTELLER_JWT_EXPIRATION", 24*time.Hour)
	collect(err)
	cfg.Operators = envStr("STORYTELLER_OPERATORS", "")

	cfg.OTELEndpoint = envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	cfg.ServiceName = envStr("OTEL_SERVICE_NAME", "storyteller")
	cfg.OTELInsecure, err = envBool("STORYTELLER_OTEL_INSECURE", false)
	collect(err)

	cfg.LogLevel = envStr("STORYTELLER_LOG_LEVEL", "info")
	maxBody, err := envInt("STORYTELLER_MAX_REQUEST_BODY_BYTES", 1*1024*1024) // 1 MB default
	collect(err)
	cfg.MaxRequestBodyBytes = int64(maxBody)
	cfg.RateLimitRPS, err = envFloat("STORYTELLER_RATE_LIMIT_RPS", 10)
	collect(err)
	cfg.RateLimitBurst, err = envInt("STORYTELLER_RATE_LIMIT_BURST", 20)
	collect(err)

	if len(errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(errs...))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and in range.
func (c Config) Validate() error {
	switch c.StoreBackend {
	case StoreMemory:
	case StoreSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("config: STORYTELLER_SQLITE_PATH is required for the sqlite store")
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("config: DATABASE_URL is required for the postgres store")
		}
	default:
		return fmt.Errorf("config: STORYTELLER_STORE=%q must be one of memory, sqlite, postgres", c.StoreBackend)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: STORYTELLER_PORT=%d is out of range", c.Port)
	}
	if c.ConsensusThreshold < 1 || c.ConsensusThreshold > 100 {
		return fmt.Errorf("config: STORYTELLER_CONSENSUS_THRESHOLD must be between 1 and 100")
	}
	if c.ConsensusMaxIterations < 1 {
		return fmt.Errorf("config: STORYTELLER_CONSENSUS_MAX_ITERATIONS must be positive")
	}
	if c.DefaultRoleWeight < 0 {
		return fmt.Errorf("config: STORYTELLER_DEFAULT_ROLE_WEIGHT must not be negative")
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: STORYTELLER_MAX_REQUEST_BODY_BYTES must be positive")
	}
	if c.RateLimitRPS < 0 {
		return fmt.Errorf("config: STORYTELLER_RATE_LIMIT_RPS must not be negative")
	}
	if c.RateLimitRPS > 0 && c.RateLimitBurst < 1 {
		return fmt.Errorf("config: STORYTELLER_RATE_LIMIT_BURST must be positive when rate limiting is enabled")
	}
	return nil
}

// Threshold returns the consensus threshold as a fraction.
func (c Config) Threshold() float64 {
	return float64(c.ConsensusThreshold) / 100
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid number", key, v)
	}
	return f, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
