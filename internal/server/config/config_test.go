package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

var envKeys = []string{
	"CONFIG_FILE", "PORT", "DATABASE_URL", "STORAGE_PATH", "MAX_RELAY_SIZE",
	"RETRY_MAX_ATTEMPTS", "RETRY_BASE_DELAY_SECONDS", "RETRY_MAX_DELAY_SECONDS",
	"PROGRESS_INTERVAL_SECONDS", "SESSION_RETENTION_HOURS", "CLEANUP_INTERVAL_HOURS",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "API_KEY_HASH", "NOTIFY_WEBHOOK_URL",
	"NOTIFY_RATE_PER_SECOND", "NOTIFY_BURST", "AWS_REGION", "S3_ENDPOINT",
	"LOG_FORMAT", "LOG_LEVEL",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range envKeys {
		t.Setenv(key, "")
	}
}

func TestLoad(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		clearEnv(t)

		cfg, err := Load()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.Port != "8080" {
			t.Errorf("expected port 8080, got %s", cfg.Port)
		}
		if cfg.DatabaseURL != "" {
			t.Errorf("expected empty database url, got %s", cfg.DatabaseURL)
		}
		if cfg.MaxRelaySize != 2<<30 {
			t.Errorf("expected 2GB relay limit, got %d", cfg.MaxRelaySize)
		}
		if cfg.RetryMaxAttempts != 5 || cfg.RetryBaseDelay != 4*time.Second || cfg.RetryMaxDelay != time.Minute {
			t.Errorf("unexpected retry defaults: %d %v %v", cfg.RetryMaxAttempts, cfg.RetryBaseDelay, cfg.RetryMaxDelay)
		}
		if cfg.ProgressInterval != 3*time.Second {
			t.Errorf("expected 3s progress interval, got %v", cfg.ProgressInterval)
		}
		if cfg.SessionRetention != 7*24*time.Hour {
			t.Errorf("expected 7 day retention, got %v", cfg.SessionRetention)
		}
	})

	t.Run("environment overrides", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("PORT", "9090")
		t.Setenv("RETRY_BASE_DELAY_SECONDS", "0.5")
		t.Setenv("SESSION_RETENTION_HOURS", "12")
		t.Setenv("LOG_FORMAT", "TEXT")
		t.Setenv("RATE_LIMIT_BURST", "not-a-number")

		cfg, err := Load()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.Port != "9090" {
			t.Errorf("expected port 9090, got %s", cfg.Port)
		}
		if cfg.RetryBaseDelay != 500*time.Millisecond {
			t.Errorf("expected 500ms, got %v", cfg.RetryBaseDelay)
		}
		if cfg.SessionRetention != 12*time.Hour {
			t.Errorf("expected 12h, got %v", cfg.SessionRetention)
		}
		if cfg.LogFormat != "text" {
			t.Errorf("expected text, got %s", cfg.LogFormat)
		}
		if cfg.RateLimitBurst != 20 {
			t.Errorf("expected unparsable value to keep default 20, got %d", cfg.RateLimitBurst)
		}
	})

	t.Run("yaml file with environment precedence", func(t *testing.T) {
		clearEnv(t)
		path := filepath.Join(t.TempDir(), "relay.yaml")
		content := []byte("port: \"7000\"\nstorage_path: /var/relay\nretry_max_delay: 2m\nnotify_burst: 9\n")
		if err := os.WriteFile(path, content, 0644); err != nil {
			t.Fatal(err)
		}
		t.Setenv("CONFIG_FILE", path)
		t.Setenv("STORAGE_PATH", "/tmp/override")

		cfg, err := Load()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.Port != "7000" {
			t.Errorf("expected port from file, got %s", cfg.Port)
		}
		if cfg.StoragePath != "/tmp/override" {
			t.Errorf("expected env to win, got %s", cfg.StoragePath)
		}
		if cfg.RetryMaxDelay != 2*time.Minute {
			t.Errorf("expected 2m, got %v", cfg.RetryMaxDelay)
		}
		if cfg.NotifyBurst != 9 {
			t.Errorf("expected 9, got %d", cfg.NotifyBurst)
		}
	})

	t.Run("missing config file", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "absent.yaml"))

		if _, err := Load(); err == nil {
			t.Error("expected error for missing config file")
		}
	})

	t.Run("invalid values", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("RETRY_MAX_ATTEMPTS", "0")
		t.Setenv("LOG_FORMAT", "xml")

		_, err := Load()
		if !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("expected ErrInvalidConfig, got %v", err)
		}
	})
}
