package infra

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv           string
	Port             string
	DatabaseURL      string
	StoragePath      string
	PublicBaseURL    string
	GeminiAPIKey     string
	GeminiModel      string
	GeminiBaseURL    string
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	RateLimitPerMin  int

	// Batch dispatcher tuning.
	GlobalConcurrency int
	MaxBatchSize      int
	SchedulerTick     time.Duration
	CleanupTick       time.Duration
	BatchRetention    time.Duration
	JobTimeout        time.Duration

	// Quality-retry loop tuning.
	MaxQualityRetries int
	BreakerThreshold  int
	BreakerCooldown   time.Duration
	RetriesPerMinute  int
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:           getEnv("APP_ENV", "development"),
		Port:             getEnv("PORT", "8080"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		StoragePath:      getEnv("STORAGE_PATH", "./storage"),
		PublicBaseURL:    getEnv("PUBLIC_BASE_URL", "http://localhost:8080/static"),
		GeminiAPIKey:     os.Getenv("GEMINI_API_KEY"),
		GeminiModel:      getEnv("GEMINI_MODEL", "gemini-2.5-flash-image-preview"),
		GeminiBaseURL:    getEnv("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com/v1beta"),
		HTTPReadTimeout:  time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout: time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 30)),
		HTTPIdleTimeout:  time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		RateLimitPerMin:  getEnvInt("RATE_LIMIT_PER_MINUTE", 30),

		GlobalConcurrency: getEnvInt("GLOBAL_CONCURRENCY", 8),
		MaxBatchSize:      getEnvInt("MAX_BATCH_SIZE", 100),
		SchedulerTick:     time.Second * time.Duration(getEnvInt("SCHEDULER_TICK_SECONDS", 2)),
		CleanupTick:       time.Minute * time.Duration(getEnvInt("CLEANUP_TICK_MINUTES", 5)),
		BatchRetention:    time.Minute * time.Duration(getEnvInt("BATCH_RETENTION_MINUTES", 60)),
		JobTimeout:        time.Second * time.Duration(getEnvInt("JOB_TIMEOUT_SECONDS", 300)),

		MaxQualityRetries: getEnvInt("MAX_QUALITY_RETRIES", 3),
		BreakerThreshold:  getEnvInt("BREAKER_THRESHOLD", 5),
		BreakerCooldown:   time.Second * time.Duration(getEnvInt("BREAKER_COOLDOWN_SECONDS", 30)),
		RetriesPerMinute:  getEnvInt("RETRIES_PER_MINUTE", 5),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.GlobalConcurrency < 1 {
		return nil, fmt.Errorf("GLOBAL_CONCURRENCY must be at least 1")
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
