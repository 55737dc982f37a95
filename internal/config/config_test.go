package config

import (
	"strings"
	"testing"
)

func TestEnvIntValid(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	v, err := envInt("TEST_INT", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
}

func TestEnvIntFallback(t *testing.T) {
	// TEST_INT_MISSING is not set.
	v, err := envInt("TEST_INT_MISSING", 99)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 99 {
		t.Fatalf("expected fallback 99, got %d", v)
	}
}

func TestEnvIntInvalid(t *testing.T) {
	t.Setenv("TEST_INT_BAD", "abc")
	_, err := envInt("TEST_INT_BAD", 0)
	if err == nil {
		t.Fatal("expected error for non-integer value, got nil")
	}
	if got := err.Error(); got != `TEST_INT_BAD="abc" is not a valid integer` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvFloat(t *testing.T) {
	t.Setenv("TEST_FLOAT", "1.25")
	v, err := envFloat("TEST_FLOAT", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 1.25 {
		t.Fatalf("expected 1.25, got %v", v)
	}

	t.Setenv("TEST_FLOAT_BAD", "heavy")
	_, err = envFloat("TEST_FLOAT_BAD", 0)
	if err == nil {
		t.Fatal("expected error for non-numeric value, got nil")
	}
	if got := err.Error(); got != `TEST_FLOAT_BAD="heavy" is not a valid number` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvBoolValid(t *testing.T) {
	t.Setenv("TEST_BOOL", "true")
	v, err := envBool("TEST_BOOL", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !v {
		t.Fatal("expected true")
	}
}

func TestEnvBoolInvalid(t *testing.T) {
	t.Setenv("TEST_BOOL_BAD", "maybe")
	_, err := envBool("TEST_BOOL_BAD", false)
	if err == nil {
		t.Fatal("expected error for non-boolean value, got nil")
	}
	if got := err.Error(); got != `TEST_BOOL_BAD="maybe" is not a valid boolean` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvDurationValid(t *testing.T) {
	t.Setenv("TEST_DUR", "5s")
	v, err := envDuration("TEST_DUR", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Seconds() != 5 {
		t.Fatalf("expected 5s, got %s", v)
	}
}

func TestEnvDurationInvalid(t *testing.T) {
	t.Setenv("TEST_DUR_BAD", "five-seconds")
	_, err := envDuration("TEST_DUR_BAD", 0)
	if err == nil {
		t.Fatal("expected error for invalid duration, got nil")
	}
	if got := err.Error(); got != `TEST_DUR_BAD="five-seconds" is not a valid duration` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestLoadFailsOnInvalidPort(t *testing.T) {
	t.Setenv("STORYTELLER_PORT", "abc")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail with invalid STORYTELLER_PORT")
	}
	// Error should mention the variable name and value.
	if got := err.Error(); !strings.Contains(got, "STORYTELLER_PORT") || !strings.Contains(got, "abc") {
		t.Fatalf("error should mention STORYTELLER_PORT and value 'abc', got: %s", got)
	}
}

func TestLoadFailsOnMultipleInvalid(t *testing.T) {
	t.Setenv("STORYTELLER_PORT", "abc")
	t.Setenv("STORYTELLER_AUTO_ESCALATE", "sometimes")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail with multiple invalid vars")
	}
	got := err.Error()
	if !strings.Contains(got, "STORYTELLER_PORT") {
		t.Fatalf("error should mention STORYTELLER_PORT, got: %s", got)
	}
	if !strings.Contains(got, "STORYTELLER_AUTO_ESCALATE") {
		t.Fatalf("error should mention STORYTELLER_AUTO_ESCALATE, got: %s", got)
	}
}

func TestLoadSucceedsWithDefaults(t *testing.T) {
	// With no env vars set, Load should succeed using all defaults.
	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected Load() to succeed with defaults, got: %v", err)
	}
	if cfg.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Port)
	}
	if cfg.StoreBackend != StoreMemory {
		t.Fatalf("expected memory store by default, got %q", cfg.StoreBackend)
	}
	if cfg.Threshold() != 0.7 {
		t.Fatalf("expected threshold 0.7, got %v", cfg.Threshold())
	}
	if cfg.ConsensusMaxIterations != 10 {
		t.Fatalf("expected 10 max iterations, got %d", cfg.ConsensusMaxIterations)
	}
	if cfg.RateLimitRPS != 10 || cfg.RateLimitBurst != 20 {
		t.Fatalf("expected rate limit 10/20, got %v/%d", cfg.RateLimitRPS, cfg.RateLimitBurst)
	}
}

func TestLoadRequiresDatabaseURLForPostgres(t *testing.T) {
	t.Setenv("STORYTELLER_STORE", "postgres")
	t.Setenv("DATABASE_URL", "")
	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "DATABASE_URL") {
		t.Fatalf("expected DATABASE_URL error, got: %v", err)
	}
}

func TestValidateRanges(t *testing.T) {
	valid := Config{
		Port:                   8080,
		StoreBackend:           StoreMemory,
		ConsensusThreshold:     70,
		ConsensusMaxIterations: 10,
		DefaultRoleWeight:      1,
		MaxRequestBodyBytes:    1024,
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected valid config, got: %v", err)
	}

	cases := map[string]func(c *Config){
		"threshold zero":    func(c *Config) { c.ConsensusThreshold = 0 },
		"threshold 101":     func(c *Config) { c.ConsensusThreshold = 101 },
		"no iterations":     func(c *Config) { c.ConsensusMaxIterations = 0 },
		"negative weight":   func(c *Config) { c.DefaultRoleWeight = -1 },
		"unknown store":     func(c *Config) { c.StoreBackend = "redis" },
		"empty sqlite path": func(c *Config) { c.StoreBackend = StoreSQLite; c.SQLitePath = "" },
		"zero body limit":   func(c *Config) { c.MaxRequestBodyBytes = 0 },
		"port out of range": func(c *Config) { c.Port = 70000 },
		"negative rps":      func(c *Config) { c.RateLimitRPS = -1 },
		"rps without burst": func(c *Config) { c.RateLimitRPS = 5; c.RateLimitBurst = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := valid
			mutate(&c)
			if err := c.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
