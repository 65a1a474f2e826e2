package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"relay/internal/server/api"
	"relay/internal/server/config"
	"relay/internal/server/database"
	"relay/internal/server/notify"
	"relay/internal/server/progress"
	"relay/internal/server/retry"
	"relay/internal/server/service"
	"relay/internal/server/source"
	"relay/internal/server/storage"
	"relay/internal/server/transfer"
)

func main() {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Structured logging
	slog.SetDefault(newLogger(os.Stdout, cfg.LogFormat, cfg.LogLevel))
	slog.Info("configuration loaded",
		"port", cfg.Port,
		"storage_path", cfg.StoragePath,
		"max_relay_size", cfg.MaxRelaySize,
		"retry_max_attempts", cfg.RetryMaxAttempts,
		"session_retention", cfg.SessionRetention,
	)

	ctx := context.Background()

	// Session store: PostgreSQL when configured, process memory otherwise
	var (
		store  service.SessionStore
		health api.HealthChecker
	)
	if cfg.DatabaseURL != "" {
		db, err := database.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		if err := db.RunMigrations(ctx); err != nil {
			slog.Error("failed to run migrations", "error", err)
			os.Exit(1)
		}
		slog.Info("database migrations complete")

		store = database.NewRepository(db)
		health = db
	} else {
		slog.Warn("DATABASE_URL not set, sessions will not survive a restart")
		store = database.NewMemoryRepository()
	}

	// Initialize staging area and drop leftovers from a previous crash
	staging := storage.NewStagingArea(cfg.StoragePath)
	if err := staging.EnsureDir(); err != nil {
		slog.Error("failed to initialize storage", "error", err)
		os.Exit(1)
	}
	if removed, err := staging.Sweep(); err != nil {
		slog.Error("failed to sweep staging area", "error", err)
	} else if removed > 0 {
		slog.Info("removed stale staged files", "count", removed)
	}
	slog.Info("staging area initialized", "path", cfg.StoragePath)

	// Remote sources
	sources := source.NewRouter()
	sources.Register(source.NewHTTPFolder(nil), "http", "https")
	s3Client, err := newS3Client(ctx, cfg)
	if err != nil {
		slog.Warn("s3 source disabled", "error", err)
	} else {
		sources.Register(source.NewS3Folder(s3Client), "s3")
	}

	// Delivery
	var relay transfer.Relay
	if cfg.NotifyWebhookURL != "" {
		relay = notify.NewWebhook(notify.WebhookConfig{
			URL:           cfg.NotifyWebhookURL,
			RatePerSecond: cfg.NotifyRatePerSecond,
			Burst:         cfg.NotifyBurst,
		})
	} else {
		slog.Warn("NOTIFY_WEBHOOK_URL not set, deliveries are only logged")
		relay = notify.NewLogRelay(slog.Default())
	}

	// Pipeline and service
	tracker := progress.NewTracker(cfg.ProgressInterval)
	pipeline := transfer.NewPipeline(store, sources, relay, staging, tracker, transfer.Config{
		MaxRelaySize: cfg.MaxRelaySize,
		Retry: retry.Policy{
			MaxAttempts: cfg.RetryMaxAttempts,
			BaseDelay:   cfg.RetryBaseDelay,
			MaxDelay:    cfg.RetryMaxDelay,
		},
	})
	svc := service.NewRelayService(store, pipeline, tracker, sources, relay, cfg.SessionRetention)

	if n, err := svc.AnnounceInterrupted(ctx); err != nil {
		slog.Error("failed to announce interrupted sessions", "error", err)
	} else if n > 0 {
		slog.Info("notified users of interrupted sessions", "count", n)
	}

	// Start cleanup service
	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	cleanup := storage.NewCleanupService(store, cfg.SessionRetention, cfg.CleanupInterval)
	cleanup.Start(cleanupCtx)

	// Setup HTTP router
	handler := api.NewHandler(svc, health)
	e := api.SetupRouter(handler, cfg)

	// Start server in a goroutine
	go func() {
		addr := fmt.Sprintf(":%s", cfg.Port)
		slog.Info("starting server", "addr", addr)
		if err := e.Start(addr); err != nil {
			slog.Info("server stopped", "reason", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	slog.Info("shutting down", "signal", sig)

	// Stop accepting new requests, finish in-flight with 30s timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	// Interrupt running transfers; their sessions resume on the next start
	if err := svc.Shutdown(shutdownCtx); err != nil {
		slog.Error("transfers did not stop in time", "error", err)
	}

	// Stop cleanup service
	cleanupCancel()
	cleanup.Wait()

	slog.Info("server exited cleanly")
}

func newS3Client(ctx context.Context, cfg *config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}
