package storage

import (
	"context"
	"log/slog"
	"time"
)

// Purger deletes terminal sessions that have not changed within olderThan.
type Purger interface {
	Purge(ctx context.Context, olderThan time.Duration) (int64, error)
}

// CleanupService periodically removes finished sessions that are past the
// retention window.
type CleanupService struct {
	purger    Purger
	retention time.Duration
	interval  time.Duration
	done      chan struct{}
}

// NewCleanupService creates a new cleanup service.
func NewCleanupService(purger Purger, retention, interval time.Duration) *CleanupService {
	return &CleanupService{
		purger:    purger,
		retention: retention,
		interval:  interval,
		done:      make(chan struct{}),
	}
}

// Start begins the cleanup loop in a background goroutine.
func (cs *CleanupService) Start(ctx context.Context) {
	slog.Info("cleanup service started", "interval", cs.interval, "retention", cs.retention)

	go func() {
		ticker := time.NewTicker(cs.interval)
		defer ticker.Stop()

		// Run once immediately on start
		cs.RunOnce(ctx)

		for {
			select {
			case <-ticker.C:
				cs.RunOnce(ctx)
			case <-ctx.Done():
				slog.Info("cleanup service stopping")
				close(cs.done)
				return
			}
		}
	}()
}

// Wait blocks until the cleanup service has fully stopped.
func (cs *CleanupService) Wait() {
	<-cs.done
}

// RunOnce performs a single purge and returns the number of sessions removed.
func (cs *CleanupService) RunOnce(ctx context.Context) int64 {
	purged, err := cs.purger.Purge(ctx, cs.retention)
	if err != nil {
		slog.Error("failed to purge old sessions", "error", err)
		return 0
	}

	if purged == 0 {
		slog.Debug("no old sessions to clean up")
		return 0
	}
	slog.Info("cleanup cycle complete", "purged", purged, "retention", cs.retention)
	return purged
}
