package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/muaviaUsmani/genvault/internal/logger"
)

// Config holds all process-level configuration for genvault.
// User-editable settings (storage path, retention cap) live in internal/settings.
type Config struct {
	// Storage selects the result store back-end
	Storage StorageConfig
	// SettingsPath is the YAML file holding user settings
	SettingsPath string
	// ListenAddr is the address the gallery API listens on
	ListenAddr string
	// PredictionAPIURL is the base URL of the remote inference API
	PredictionAPIURL string
	// PredictionAPIToken authenticates against the inference API
	PredictionAPIToken string
	// PollInterval is how often a running prediction is polled
	PollInterval time.Duration
	// FetchTimeout bounds a single remote media download
	FetchTimeout time.Duration
	// BatchYield is the pause between outputs of one multi-output save
	BatchYield time.Duration
	// ReconcileSchedule is the cron expression of the retention/reconcile sweep.
	// Empty disables the sweep.
	ReconcileSchedule string
	// RedisURL, when set, guards the legacy metadata index with a Redis lock
	// instead of a lock file (shared network directories)
	RedisURL string
	// Logging configuration
	Logging *logger.Config
}

// LoadConfig loads configuration from environment variables with sensible defaults
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Storage:            loadStorageConfig(),
		SettingsPath:       getEnv("GENVAULT_SETTINGS_PATH", defaultSettingsPath()),
		ListenAddr:         getEnv("GENVAULT_LISTEN_ADDR", "127.0.0.1:8787"),
		PredictionAPIURL:   getEnv("PREDICTION_API_URL", "https://api.replicate.com/v1"),
		PredictionAPIToken: getEnv("PREDICTION_API_TOKEN", ""),
		PollInterval:       getEnvAsDuration("PREDICTION_POLL_INTERVAL", time.Second),
		FetchTimeout:       getEnvAsDuration("FETCH_TIMEOUT", 60*time.Second),
		BatchYield:         getEnvAsDuration("BATCH_YIELD", 10*time.Millisecond),
		ReconcileSchedule:  getEnv("RECONCILE_SCHEDULE", "@every 15m"),
		RedisURL:           getEnv("REDIS_URL", ""),
		Logging:            loadLoggingConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration for values the host cannot start with
func (c *Config) Validate() error {
	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("invalid storage config: %w", err)
	}
	if c.SettingsPath == "" {
		return fmt.Errorf("GENVAULT_SETTINGS_PATH cannot be empty")
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("GENVAULT_LISTEN_ADDR cannot be empty")
	}
	if c.PollInterval < 100*time.Millisecond {
		return fmt.Errorf("PREDICTION_POLL_INTERVAL must be at least 100ms")
	}
	if c.FetchTimeout <= 0 {
		return fmt.Errorf("FETCH_TIMEOUT must be positive")
	}
	if c.BatchYield < 0 {
		return fmt.Errorf("BATCH_YIELD cannot be negative")
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("invalid logging config: %w", err)
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

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration retrieves an environment variable as a duration or returns a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// loadLoggingConfig loads logging configuration from environment variables
func loadLoggingConfig() *logger.Config {
	cfg := logger.DefaultConfig()

	if level := getEnv("LOG_LEVEL", ""); level != "" {
		cfg.Level = logger.LogLevel(strings.ToLower(level))
	}
	if format := getEnv("LOG_FORMAT", ""); format != "" {
		cfg.Format = logger.LogFormat(strings.ToLower(format))
	}

	// Tier 1: Console
	cfg.Console.Enabled = getEnvAsBool("LOG_CONSOLE_ENABLED", true)
	cfg.Console.Color = getEnvAsBool("LOG_COLOR", true)
	cfg.Console.BufferSize = getEnvAsInt("LOG_CONSOLE_BUFFER_SIZE", 65536)
	cfg.Console.FlushInterval = getEnvAsDuration("LOG_CONSOLE_FLUSH_INTERVAL", 100*time.Millisecond)

	// Tier 2: File
	cfg.File.Enabled = getEnvAsBool("LOG_FILE_ENABLED", false)
	cfg.File.Path = getEnv("LOG_FILE_PATH", defaultLogPath())
	cfg.File.MaxSizeMB = getEnvAsInt("LOG_FILE_MAX_SIZE_MB", 20)
	cfg.File.MaxBackups = getEnvAsInt("LOG_FILE_MAX_BACKUPS", 3)
	cfg.File.MaxAgeDays = getEnvAsInt("LOG_FILE_MAX_AGE_DAYS", 14)
	cfg.File.Compress = getEnvAsBool("LOG_FILE_COMPRESS", true)
	cfg.File.BufferSize = getEnvAsInt("LOG_FILE_BUFFER_SIZE", 10000)
	cfg.File.BatchSize = getEnvAsInt("LOG_FILE_BATCH_SIZE", 100)
	cfg.File.BatchInterval = getEnvAsDuration("LOG_FILE_BATCH_INTERVAL", 100*time.Millisecond)

	return cfg
}
