package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	ErrInvalidConfig = errors.New("invalid configuration")
)

type Config struct {
	Port        string `yaml:"port"`
	DatabaseURL string `yaml:"database_url"`
	StoragePath string `yaml:"storage_path"`

	MaxRelaySize     int64         `yaml:"max_relay_size"`
	RetryMaxAttempts int           `yaml:"retry_max_attempts"`
	RetryBaseDelay   time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay    time.Duration `yaml:"retry_max_delay"`
	ProgressInterval time.Duration `yaml:"progress_interval"`

	SessionRetention time.Duration `yaml:"session_retention"`
	CleanupInterval  time.Duration `yaml:"cleanup_interval"`

	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`
	APIKeyHash     string  `yaml:"api_key_hash"`

	NotifyWebhookURL    string  `yaml:"notify_webhook_url"`
	NotifyRatePerSecond float64 `yaml:"notify_rate_per_second"`
	NotifyBurst         int     `yaml:"notify_burst"`

	AWSRegion  string `yaml:"aws_region"`
	S3Endpoint string `yaml:"s3_endpoint"`

	LogFormat string `yaml:"log_format"`
	LogLevel  string `yaml:"log_level"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Port:                "8080",
		StoragePath:         "./storage/staging",
		MaxRelaySize:        2 * 1024 * 1024 * 1024, // 2GB
		RetryMaxAttempts:    5,
		RetryBaseDelay:      4 * time.Second,
		RetryMaxDelay:       60 * time.Second,
		ProgressInterval:    3 * time.Second,
		SessionRetention:    7 * 24 * time.Hour,
		CleanupInterval:     1 * time.Hour,
		RateLimitRPS:        10,
		RateLimitBurst:      20,
		NotifyRatePerSecond: 1,
		NotifyBurst:         3,
		AWSRegion:           "us-east-1",
		LogFormat:           "json",
		LogLevel:            "info",
	}
}

// Load builds the configuration from defaults, then the YAML file named by
// CONFIG_FILE if set, then environment variables.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Port = getEnv("PORT", c.Port)
	c.DatabaseURL = getEnv("DATABASE_URL", c.DatabaseURL)
	c.StoragePath = getEnv("STORAGE_PATH", c.StoragePath)
	c.MaxRelaySize = getEnvInt64("MAX_RELAY_SIZE", c.MaxRelaySize)
	c.RetryMaxAttempts = getEnvInt("RETRY_MAX_ATTEMPTS", c.RetryMaxAttempts)
	c.RetryBaseDelay = getEnvDuration("RETRY_BASE_DELAY_SECONDS", time.Second, c.RetryBaseDelay)
	c.RetryMaxDelay = getEnvDuration("RETRY_MAX_DELAY_SECONDS", time.Second, c.RetryMaxDelay)
	c.ProgressInterval = getEnvDuration("PROGRESS_INTERVAL_SECONDS", time.Second, c.ProgressInterval)
	c.SessionRetention = getEnvDuration("SESSION_RETENTION_HOURS", time.Hour, c.SessionRetention)
	c.CleanupInterval = getEnvDuration("CLEANUP_INTERVAL_HOURS", time.Hour, c.CleanupInterval)
	c.RateLimitRPS = getEnvFloat64("RATE_LIMIT_RPS", c.RateLimitRPS)
	c.RateLimitBurst = getEnvInt("RATE_LIMIT_BURST", c.RateLimitBurst)
	c.APIKeyHash = getEnv("API_KEY_HASH", c.APIKeyHash)
	c.NotifyWebhookURL = getEnv("NOTIFY_WEBHOOK_URL", c.NotifyWebhookURL)
	c.NotifyRatePerSecond = getEnvFloat64("NOTIFY_RATE_PER_SECOND", c.NotifyRatePerSecond)
	c.NotifyBurst = getEnvInt("NOTIFY_BURST", c.NotifyBurst)
	c.AWSRegion = getEnv("AWS_REGION", c.AWSRegion)
	c.S3Endpoint = getEnv("S3_ENDPOINT", c.S3Endpoint)
	c.LogFormat = strings.ToLower(getEnv("LOG_FORMAT", c.LogFormat))
	c.LogLevel = strings.ToLower(getEnv("LOG_LEVEL", c.LogLevel))
}

// Validate rejects values the server cannot run with.
func (c *Config) Validate() error {
	var problems []string
	if c.MaxRelaySize <= 0 {
		problems = append(problems, "max relay size must be positive")
	}
	if c.RetryMaxAttempts < 1 {
		problems = append(problems, "retry max attempts must be at least 1")
	}
	if c.RetryBaseDelay <= 0 || c.RetryMaxDelay < c.RetryBaseDelay {
		problems = append(problems, "retry delays must satisfy 0 < base <= max")
	}
	if c.ProgressInterval <= 0 {
		problems = append(problems, "progress interval must be positive")
	}
	if c.SessionRetention <= 0 || c.CleanupInterval <= 0 {
		problems = append(problems, "retention and cleanup interval must be positive")
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		problems = append(problems, fmt.Sprintf("unknown log format %q", c.LogFormat))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.ParseInt(val, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat64(key string, fallback float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return fallback
}

// getEnvDuration reads a number of units, e.g. hours or seconds.
func getEnvDuration(key string, unit, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.ParseFloat(val, 64); err == nil {
			return time.Duration(n * float64(unit))
		}
	}
	return fallback
}
