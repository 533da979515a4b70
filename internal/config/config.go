// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string

	// Story engine.
	MaxPanels         int
	ContextLimit      int
	GenerationTimeout time.Duration

	// Generation backend.
	BackendURL    string
	BackendAPIKey string

	// Payment settlement.
	LedgerURL       string
	ContractAddress string

	RateLimit RateLimitConfig
	Audit     AuditConfig
	TraceDir  string
}

// RateLimitConfig controls per-user request throttling.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// AuditConfig controls NDJSON turn audit logging.
type AuditConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("AUDIT_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:              getEnv("PORT", "8080"),
		FrontendURL:       getEnv("FRONTEND_URL", ""),
		DBPath:            getEnv("DB_PATH", "./data/panelforge.db"),
		MaxPanels:         getEnvInt("MAX_PANELS", 5),
		ContextLimit:      getEnvInt("CONTEXT_LIMIT", 20),
		GenerationTimeout: getEnvDuration("GENERATION_TIMEOUT", 2*time.Minute),
		BackendURL:        getEnv("BACKEND_URL", ""),
		BackendAPIKey:     getEnv("BACKEND_API_KEY", ""),
		LedgerURL:         getEnv("LEDGER_URL", ""),
		ContractAddress:   getEnv("CONTRACT_ADDRESS", ""),
		RateLimit: RateLimitConfig{
			RequestsPerWindow: getEnvInt("RATE_LIMIT_REQUESTS", 10),
			WindowDuration:    getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		Audit: AuditConfig{
			Enabled:       getEnvBool("AUDIT_ENABLED", true),
			Dir:           getEnv("AUDIT_DIR", "./data/audit"),
			GlobalEnabled: getEnvBool("AUDIT_GLOBAL_ENABLED", false),
			GlobalPath:    getEnv("AUDIT_GLOBAL_PATH", "./data/audit/all.ndjson"),
			QueueSize:     queueSize,
		},
		TraceDir: getEnv("TRACE_DIR", "./data/traces"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.BackendURL == "" {
		return fmt.Errorf("BACKEND_URL cannot be empty")
	}
	if c.MaxPanels <= 0 {
		return fmt.Errorf("MAX_PANELS must be > 0")
	}
	if c.ContextLimit <= 0 {
		return fmt.Errorf("CONTEXT_LIMIT must be > 0")
	}
	if c.Audit.Enabled && c.Audit.Dir == "" {
		return fmt.Errorf("AUDIT_DIR cannot be empty")
	}
	if c.Audit.GlobalEnabled && c.Audit.GlobalPath == "" {
		return fmt.Errorf("AUDIT_GLOBAL_PATH cannot be empty")
	}
	return nil
}

// PaymentsEnabled reports whether the settlement peer is configured.
func (c *Config) PaymentsEnabled() bool {
	return c.LedgerURL != "" && c.ContractAddress != ""
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
