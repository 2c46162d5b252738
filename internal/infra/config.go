package infra

import (
	"os"
	"strconv"
	"time"
)

// Config represents application configuration loaded from environment
// variables. DatabaseURL may be empty: the binaries then fall back to the
// in-memory repositories, which keeps a single-node development run working
// without Postgres.
type Config struct {
	AppEnv      string
	Port        string
	DatabaseURL string
	StoragePath string

	DefaultProvider string
	GeminiAPIKey    string
	GeminiModel     string
	GeminiBaseURL   string

	TickInterval        time.Duration
	ClaimBatch          int
	PollConcurrency     int
	PollTimeout         time.Duration
	LeaseWindow         time.Duration
	BackoffBase         time.Duration
	BackoffCap          time.Duration
	MaxPollAttempts     int
	MaxFinalizeAttempts int
	FinalizeRetryDelay  time.Duration
	ReconcileInterval   time.Duration

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
}

// LoadConfig loads configuration from environment variables and applies
// defaults where needed.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:      getEnv("APP_ENV", "development"),
		Port:        getEnv("PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		StoragePath: getEnv("STORAGE_PATH", "./storage"),

		DefaultProvider: getEnv("DEFAULT_PROVIDER", "gemini"),
		GeminiAPIKey:    os.Getenv("GEMINI_API_KEY"),
		GeminiModel:     getEnv("GEMINI_MODEL", "gemini-2.5-flash"),
		GeminiBaseURL:   getEnv("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com/v1beta"),

		TickInterval:        time.Second * time.Duration(getEnvInt("WORKER_TICK_SECONDS", 2)),
		ClaimBatch:          getEnvInt("WORKER_CLAIM_BATCH", 20),
		PollConcurrency:     getEnvInt("WORKER_POLL_CONCURRENCY", 8),
		PollTimeout:         time.Second * time.Duration(getEnvInt("WORKER_POLL_TIMEOUT_SECONDS", 30)),
		LeaseWindow:         time.Second * time.Duration(getEnvInt("WORKER_LEASE_SECONDS", 120)),
		BackoffBase:         time.Second * time.Duration(getEnvInt("BACKOFF_BASE_SECONDS", 5)),
		BackoffCap:          time.Second * time.Duration(getEnvInt("BACKOFF_CAP_SECONDS", 300)),
		MaxPollAttempts:     getEnvInt("MAX_POLL_ATTEMPTS", 120),
		MaxFinalizeAttempts: getEnvInt("MAX_FINALIZE_ATTEMPTS", 5),
		FinalizeRetryDelay:  time.Second * time.Duration(getEnvInt("FINALIZE_RETRY_SECONDS", 15)),
		ReconcileInterval:   time.Second * time.Duration(getEnvInt("RECONCILE_INTERVAL_SECONDS", 0)),

		HTTPReadTimeout:  time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout: time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 0)),
		HTTPIdleTimeout:  time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}
