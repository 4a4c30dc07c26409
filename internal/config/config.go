// Package config centralizes environment-driven configuration with the
// engine's defaults.
package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port   string
	DBPath string

	// External bookkeeping source.
	SourceBaseURL     string
	SourceAccessToken string
	SourceSecretToken string
	PageSize          int
	PageTimeout       time.Duration
	MaxPages          int
	FetchConcurrency  int

	// Page fetch retry policy.
	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	// Matching.
	MatchWindowDays int
	MatchThreshold  float64

	// Installment grouping.
	GroupTolerancePct float64
}

// Load reads configuration from the environment, falling back to defaults.
func Load() Config {
	return Config{
		Port:              envStr("PORT", "8080"),
		DBPath:            envStr("DB_PATH", "reconciler.db"),
		SourceBaseURL:     envStr("SOURCE_BASE_URL", ""),
		SourceAccessToken: envStr("SOURCE_ACCESS_TOKEN", ""),
		SourceSecretToken: envStr("SOURCE_SECRET_ACCESS_TOKEN", ""),
		PageSize:          envInt("SOURCE_PAGE_SIZE", 100),
		PageTimeout:       envDuration("SOURCE_PAGE_TIMEOUT", 30*time.Second),
		MaxPages:          envInt("SOURCE_MAX_PAGES", 200),
		FetchConcurrency:  envInt("FETCH_CONCURRENCY", 4),
		RetryAttempts:     envInt("FETCH_RETRY_ATTEMPTS", 3),
		RetryBaseDelay:    envDuration("FETCH_RETRY_BASE_DELAY", time.Second),
		RetryMaxDelay:     envDuration("FETCH_RETRY_MAX_DELAY", 30*time.Second),
		MatchWindowDays:   envInt("MATCH_WINDOW_DAYS", 15),
		MatchThreshold:    envFloat("MATCH_THRESHOLD", 0.70),
		GroupTolerancePct: envFloat("GROUP_TOLERANCE_PCT", 0.01),
	}
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			return f
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return def
}
