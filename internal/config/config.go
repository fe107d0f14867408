package config

import (
	"fmt"
	"strings"
	"time"
)

const (
	defaultListenAddr       = ":8080"
	defaultDatabaseURL      = "sqlite://points.db"
	defaultAllowedOrigin    = "http://localhost:3000"
	defaultStepUpIssuer     = "points"
	defaultStepUpThreshold  = 1000
	defaultAdvisoryModel    = "gemini-1.5-flash"
	defaultAdvisoryTimeout  = 10 * time.Second
	defaultApplyAttempts    = 3
	minStepUpSigningKeySize = 32

	// LedgerStoreGorm runs every store through gorm.
	LedgerStoreGorm = "gorm"
	// LedgerStorePgx runs the ledger service over the raw pgx store.
	LedgerStorePgx = "pgx"
)

// Config aggregates runtime settings for the points server.
type Config struct {
	ListenAddr        string
	DatabaseURL       string
	LedgerStore       string
	AdminKey          string
	StepUpSigningKey  string
	StepUpIssuer      string
	StepUpThreshold   int64
	AdvisoryAPIKey    string
	AdvisoryModel     string
	AdvisoryURL       string
	AdvisoryTimeout   time.Duration
	AllowedOrigins    []string
	GRPCHealthAddr    string
	ApplyAttempts     int
	DevelopmentLogger bool
}

// Validate fills defaults and ensures the configuration contains sane values.
func (cfg *Config) Validate() error {
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultListenAddr)
	cfg.DatabaseURL = defaultIfEmpty(cfg.DatabaseURL, defaultDatabaseURL)
	cfg.LedgerStore = strings.ToLower(defaultIfEmpty(cfg.LedgerStore, LedgerStoreGorm))
	cfg.StepUpIssuer = defaultIfEmpty(cfg.StepUpIssuer, defaultStepUpIssuer)
	cfg.AdvisoryModel = defaultIfEmpty(cfg.AdvisoryModel, defaultAdvisoryModel)
	if cfg.StepUpThreshold <= 0 {
		cfg.StepUpThreshold = defaultStepUpThreshold
	}
	if cfg.AdvisoryTimeout <= 0 {
		cfg.AdvisoryTimeout = defaultAdvisoryTimeout
	}
	if cfg.ApplyAttempts <= 0 {
		cfg.ApplyAttempts = defaultApplyAttempts
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	if strings.TrimSpace(cfg.AdminKey) == "" {
		return fmt.Errorf("admin key is required")
	}
	if len(cfg.StepUpSigningKey) < minStepUpSigningKeySize {
		return fmt.Errorf("step-up signing key must be at least %d bytes", minStepUpSigningKeySize)
	}
	if cfg.LedgerStore != LedgerStoreGorm && cfg.LedgerStore != LedgerStorePgx {
		return fmt.Errorf("ledger store must be %q or %q", LedgerStoreGorm, LedgerStorePgx)
	}
	if cfg.LedgerStore == LedgerStorePgx && !IsPostgresURL(cfg.DatabaseURL) {
		return fmt.Errorf("ledger store %q needs a postgres database url", LedgerStorePgx)
	}
	return nil
}

// AdvisoryEnabled reports whether an advisory backend is configured.
func (cfg Config) AdvisoryEnabled() bool {
	return strings.TrimSpace(cfg.AdvisoryAPIKey) != ""
}

// IsPostgresURL reports whether the DSN targets postgres.
func IsPostgresURL(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return strings.TrimSpace(value)
}

// ParseAllowedOrigins splits comma-delimited origins into a slice.
func ParseAllowedOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}
