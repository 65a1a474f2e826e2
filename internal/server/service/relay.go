package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"relay/internal/server/database"
	"relay/internal/server/progress"
	"relay/internal/server/transfer"
)

// Sentinel errors for the service layer.
var (
	ErrInvalidReference = errors.New("unsupported or malformed folder reference")
	ErrInvalidUser      = errors.New("invalid user id")
	ErrTransferActive   = transfer.ErrAlreadyActive
	ErrNoTransfer       = errors.New("no active transfer")
)

// SessionStore is the session persistence the service reads from.
type SessionStore interface {
	transfer.Store
	GetStats(ctx context.Context) (*database.Stats, error)
}

// Runner starts and stops background transfer runs.
type Runner interface {
	Start(ctx context.Context, userID int64, folderRef string, done func(*transfer.Result, error)) error
	Cancel(userID int64) bool
	Active(userID int64) bool
}

// ReferenceValidator decides whether a folder reference can be served.
type ReferenceValidator interface {
	Supports(folderRef string) bool
}

// SessionSummary describes a user's persisted session.
type SessionSummary struct {
	ID              string    `json:"id"`
	UserID          int64     `json:"user_id"`
	FolderReference string    `json:"folder_reference"`
	Status          string    `json:"status"`
	CurrentIndex    int       `json:"current_index"`
	TotalFiles      int       `json:"total_files"`
	CompletedBytes  int64     `json:"completed_bytes"`
	TotalBytes      int64     `json:"total_bytes"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// StatusReport is returned for status queries.
type StatusReport struct {
	UserID   int64              `json:"user_id"`
	Active   bool               `json:"active"`
	Progress *progress.Snapshot `json:"progress,omitempty"`
	Session  *SessionSummary    `json:"session,omitempty"`
}

// StartResult is returned when a transfer has been accepted.
type StartResult struct {
	UserID          int64  `json:"user_id"`
	FolderReference string `json:"folder_reference"`
	Message         string `json:"message"`
}

// RelayService contains the business logic around transfer runs.
type RelayService struct {
	store     SessionStore
	runner    Runner
	tracker   *progress.Tracker
	validator ReferenceValidator
	relay     transfer.Relay
	retention time.Duration

	runCtx context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
}

// NewRelayService creates a new relay service. Background runs live until
// Shutdown is called.
func NewRelayService(store SessionStore, runner Runner, tracker *progress.Tracker, validator ReferenceValidator, relay transfer.Relay, retention time.Duration) *RelayService {
	runCtx, stop := context.WithCancel(context.Background())
	return &RelayService{
		store:     store,
		runner:    runner,
		tracker:   tracker,
		validator: validator,
		relay:     relay,
		retention: retention,
		runCtx:    runCtx,
		stop:      stop,
	}
}

// StartTransfer validates the request and starts a background run. The run
// is not tied to ctx, which usually belongs to an HTTP request.
func (s *RelayService) StartTransfer(ctx context.Context, userID int64, folderRef string) (*StartResult, error) {
	if userID <= 0 {
		return nil, ErrInvalidUser
	}
	folderRef = strings.TrimSpace(folderRef)
	if folderRef == "" || !s.validator.Supports(folderRef) {
		return nil, ErrInvalidReference
	}

	s.wg.Add(1)
	err := s.runner.Start(s.runCtx, userID, folderRef, func(*transfer.Result, error) {
		s.wg.Done()
	})
	if err != nil {
		s.wg.Done()
		if errors.Is(err, transfer.ErrAlreadyActive) {
			return nil, ErrTransferActive
		}
		return nil, fmt.Errorf("failed to start transfer: %w", err)
	}

	slog.Info("transfer started", "user_id", userID, "folder", folderRef)
	return &StartResult{
		UserID:          userID,
		FolderReference: folderRef,
		Message:         "transfer started",
	}, nil
}

// CancelTransfer asks the user's run to stop after the current file.
func (s *RelayService) CancelTransfer(userID int64) error {
	if userID <= 0 {
		return ErrInvalidUser
	}
	if !s.runner.Cancel(userID) {
		return ErrNoTransfer
	}
	slog.Info("transfer cancel requested", "user_id", userID)
	return nil
}

// Status reports the user's live progress and persisted session.
func (s *RelayService) Status(ctx context.Context, userID int64) (*StatusReport, error) {
	if userID <= 0 {
		return nil, ErrInvalidUser
	}

	report := &StatusReport{
		UserID: userID,
		Active: s.runner.Active(userID),
	}
	if snap, ok := s.tracker.Snapshot(userID); ok {
		report.Progress = &snap
	}

	session, err := s.store.GetActiveSession(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if session == nil {
		return report, nil
	}

	summary, err := s.summarize(ctx, *session)
	if err != nil {
		return nil, err
	}
	report.Session = summary
	return report, nil
}

// Interrupted lists sessions left downloading by a previous process.
func (s *RelayService) Interrupted(ctx context.Context) ([]SessionSummary, error) {
	sessions, err := s.store.ListInterruptedSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list interrupted sessions: %w", err)
	}

	summaries := make([]SessionSummary, 0, len(sessions))
	for _, session := range sessions {
		summary, err := s.summarize(ctx, session)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, *summary)
	}
	return summaries, nil
}

// AnnounceInterrupted tells every user with an interrupted session how to
// resume it, then purges old finished sessions. It returns the number of
// users notified.
func (s *RelayService) AnnounceInterrupted(ctx context.Context) (int, error) {
	slog.Info("checking for interrupted sessions")

	summaries, err := s.Interrupted(ctx)
	if err != nil {
		return 0, err
	}
	if len(summaries) > 0 {
		slog.Info("found interrupted sessions", "count", len(summaries))
	}

	notified := 0
	for _, summary := range summaries {
		if s.runner.Active(summary.UserID) {
			continue
		}
		text := fmt.Sprintf("🔄 Service restarted\n\nYou have an interrupted transfer (%d/%d files done).\nSend %s again to resume.",
			summary.CurrentIndex, summary.TotalFiles, summary.FolderReference)
		if err := s.relay.Notify(ctx, summary.UserID, text); err != nil {
			slog.Warn("could not notify user", "user_id", summary.UserID, "error", err)
			continue
		}
		notified++
	}

	purged, err := s.store.Purge(ctx, s.retention)
	if err != nil {
		return notified, fmt.Errorf("failed to purge old sessions: %w", err)
	}
	if purged > 0 {
		slog.Info("purged old sessions", "count", purged)
	}
	return notified, nil
}

// GetStats returns aggregate relay statistics.
func (s *RelayService) GetStats(ctx context.Context) (*database.Stats, error) {
	return s.store.GetStats(ctx)
}

// Shutdown cancels background runs and waits for them to return or for
// ctx to end. Interrupted sessions stay resumable.
func (s *RelayService) Shutdown(ctx context.Context) error {
	s.stop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *RelayService) summarize(ctx context.Context, session database.Session) (*SessionSummary, error) {
	files, err := s.store.ListFiles(ctx, session.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session files: %w", err)
	}

	summary := &SessionSummary{
		ID:              session.ID,
		UserID:          session.UserID,
		FolderReference: session.FolderReference,
		Status:          string(session.Status),
		CurrentIndex:    session.CurrentIndex,
		TotalFiles:      len(files),
		CreatedAt:       session.CreatedAt,
		UpdatedAt:       session.UpdatedAt,
	}
	for _, f := range files {
		summary.TotalBytes += f.Size
		if f.FileIndex < session.CurrentIndex {
			summary.CompletedBytes += f.Size
		}
	}
	return summary, nil
}
