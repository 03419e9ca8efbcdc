package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the service configuration resolved from the environment.
type Config struct {
	// HTTP bind address (host:port)
	HTTPAddr string

	// gRPC health bind address; empty disables the gRPC listener
	GRPCAddr string

	// PostgreSQL DSN; empty runs on in-memory stores
	DatabaseURL string

	// HS256 secret used to verify bearer tokens
	AuthSecret string

	Roster    RosterConfig
	Reconcile ReconcileConfig

	// Cron spec for the restriction expiry sweep
	ExpirySweep string

	// Inbound per-client token bucket
	RatePerSecond int
	RateBurst     int

	// Browser origins allowed by CORS, besides localhost
	CORSOrigins []string

	Version string
}

// RosterConfig configures the group roster authority client.
type RosterConfig struct {
	BaseURL   string
	Timeout   time.Duration
	Attempts  int
	BaseDelay time.Duration
	// Outbound request budget shared by every roster call in the process.
	RequestsPerSecond float64
	Burst             int
	CacheSize         int
}

// ReconcileConfig configures the eligibility reconciler.
type ReconcileConfig struct {
	Delay   time.Duration
	Window  int
	Timeout time.Duration
	Workers int
}

// Load reads configuration from PORTAL_* environment variables with fallback defaults.
func Load() (*Config, error) {
	cfg := &Config{
		HTTPAddr:    getEnv("PORTAL_HTTP_ADDR", ":8080"),
		GRPCAddr:    getEnv("PORTAL_GRPC_ADDR", ":9090"),
		DatabaseURL: getEnv("PORTAL_PG_DSN", ""),
		AuthSecret:  strings.TrimSpace(getEnv("PORTAL_AUTH_SECRET", "")),
		Roster: RosterConfig{
			BaseURL:           getEnv("PORTAL_ROSTER_BASE_URL", "https://groups.roblox.com"),
			Timeout:           getEnvDuration("PORTAL_ROSTER_TIMEOUT", 2*time.Second),
			Attempts:          getEnvInt("PORTAL_ROSTER_ATTEMPTS", 3),
			BaseDelay:         getEnvDuration("PORTAL_ROSTER_BASE_DELAY", time.Second),
			RequestsPerSecond: getEnvFloat("PORTAL_ROSTER_RPS", 5),
			Burst:             getEnvInt("PORTAL_ROSTER_BURST", 10),
			CacheSize:         getEnvInt("PORTAL_ROSTER_CACHE_SIZE", 64),
		},
		Reconcile: ReconcileConfig{
			Delay:   getEnvDuration("PORTAL_RECONCILE_DELAY", 1500*time.Millisecond),
			Window:  getEnvInt("PORTAL_RECONCILE_WINDOW", 20),
			Timeout: getEnvDuration("PORTAL_RECONCILE_TIMEOUT", 30*time.Second),
			Workers: getEnvInt("PORTAL_RECONCILE_WORKERS", 4),
		},
		ExpirySweep:   getEnv("PORTAL_EXPIRY_SWEEP", "@every 1m"),
		RatePerSecond: getEnvInt("PORTAL_RATE_PER_SEC", 20),
		RateBurst:     getEnvInt("PORTAL_RATE_BURST", 40),
		CORSOrigins:   getEnvList("PORTAL_CORS_ORIGINS"),
		Version:       getEnv("PORTAL_VERSION", "dev"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants that defaults alone cannot guarantee.
func (c *Config) Validate() error {
	if c.HTTPAddr == "" {
		return errors.New("PORTAL_HTTP_ADDR is required")
	}
	if c.AuthSecret == "" {
		return errors.New("PORTAL_AUTH_SECRET is required")
	}
	if c.Roster.BaseURL == "" {
		return errors.New("PORTAL_ROSTER_BASE_URL is required")
	}
	if c.Roster.Attempts < 1 {
		return fmt.Errorf("PORTAL_ROSTER_ATTEMPTS must be >= 1, got %d", c.Roster.Attempts)
	}
	if c.Roster.Timeout <= 0 {
		return fmt.Errorf("PORTAL_ROSTER_TIMEOUT must be positive, got %s", c.Roster.Timeout)
	}
	if c.Reconcile.Window < 1 {
		return fmt.Errorf("PORTAL_RECONCILE_WINDOW must be >= 1, got %d", c.Reconcile.Window)
	}
	return nil
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if result, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if result, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil {
			return result
		}
	}
	return defaultValue
}

// getEnvList splits a comma-separated variable, dropping blanks.
func getEnvList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// getEnvDuration accepts Go duration syntax ("2s", "1500ms").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if result, err := time.ParseDuration(strings.TrimSpace(value)); err == nil {
			return result
		}
	}
	return defaultValue
}
