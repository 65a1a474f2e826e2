package transfer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"slices"
	"strings"
	"time"

	"relay/internal/server/database"
	"relay/internal/server/progress"
	"relay/internal/server/retry"
)

// DefaultMaxRelaySize is the largest file the relay will deliver (2 GiB).
const DefaultMaxRelaySize int64 = 2 << 30

// Source lists and downloads the files of a remote folder.
type Source interface {
	FolderLister
	Downloader
}

// Config tunes a Pipeline.
type Config struct {
	MaxRelaySize int64
	// Retry governs download attempts. Its Retryable predicate is replaced
	// with a quota check.
	Retry retry.Policy
}

// Pipeline drives transfer runs. One Pipeline serves all users; each user
// has at most one run at a time.
type Pipeline struct {
	store    Store
	source   Source
	relay    Relay
	staging  Staging
	tracker  *progress.Tracker
	registry *Registry
	cfg      Config
}

// NewPipeline creates a pipeline over the given collaborators.
func NewPipeline(store Store, source Source, relay Relay, staging Staging, tracker *progress.Tracker, cfg Config) *Pipeline {
	if cfg.MaxRelaySize <= 0 {
		cfg.MaxRelaySize = DefaultMaxRelaySize
	}
	cfg.Retry.Retryable = IsQuotaExceeded

	return &Pipeline{
		store:    store,
		source:   source,
		relay:    relay,
		staging:  staging,
		tracker:  tracker,
		registry: NewRegistry(),
		cfg:      cfg,
	}
}

// IsQuotaExceeded reports whether err is a retryable quota failure.
func IsQuotaExceeded(err error) bool {
	return errors.Is(err, ErrQuotaExceeded)
}

// Run transfers folderRef to the user and blocks until the run ends.
func (p *Pipeline) Run(ctx context.Context, userID int64, folderRef string) (*Result, error) {
	run, err := p.registry.Acquire(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer p.registry.Release(run)

	return p.execute(ctx, run, folderRef)
}

// Start claims the user's slot and runs the transfer in the background.
// done, if not nil, is called after the slot is released.
func (p *Pipeline) Start(ctx context.Context, userID int64, folderRef string, done func(*Result, error)) error {
	run, err := p.registry.Acquire(ctx, userID)
	if err != nil {
		return err
	}

	go func() {
		result, err := p.execute(ctx, run, folderRef)
		p.registry.Release(run)
		if done != nil {
			done(result, err)
		}
	}()
	return nil
}

// Cancel asks the user's run to stop after the current file.
func (p *Pipeline) Cancel(userID int64) bool {
	return p.registry.Cancel(userID)
}

// Active reports whether the user has a run in progress.
func (p *Pipeline) Active(userID int64) bool {
	return p.registry.Active(userID)
}

func (p *Pipeline) execute(ctx context.Context, run *Run, folderRef string) (*Result, error) {
	userID := run.UserID
	defer p.tracker.End(userID)

	result, err := p.loop(ctx, run, folderRef)
	if err != nil {
		slog.Error("transfer run failed",
			"user_id", userID,
			"folder", folderRef,
			"error", err,
		)
		p.notify(ctx, userID, fmt.Sprintf("❌ Error: %v", err))
		return result, err
	}

	slog.Info("transfer run finished",
		"user_id", userID,
		"session_id", result.SessionID,
		"outcome", result.Outcome,
		"relayed", result.Relayed,
		"skipped", result.Skipped,
		"failed", len(result.Failures),
	)
	return result, nil
}

func (p *Pipeline) loop(ctx context.Context, run *Run, folderRef string) (*Result, error) {
	userID := run.UserID

	session, files, resumed, err := p.prepare(ctx, userID, folderRef)
	if err != nil {
		return nil, err
	}
	if session == nil {
		p.notify(ctx, userID, "📭 Folder is empty or inaccessible.")
		return &Result{Outcome: OutcomeEmptyFolder}, nil
	}

	result := &Result{
		SessionID:  session.ID,
		Resumed:    resumed,
		StartIndex: session.CurrentIndex,
		TotalFiles: len(files),
	}

	// Once a file fails the cursor stays on it for the rest of the run.
	pinned := -1
	checkpoint := func(next int) error {
		if pinned >= 0 {
			return nil
		}
		if err := p.store.AdvanceCursor(ctx, session.ID, next); err != nil {
			return persistenceError("advance cursor", err)
		}
		return nil
	}

	cancelled := false
	for index := session.CurrentIndex; index < len(files); index++ {
		if !run.Active() {
			cancelled = true
			break
		}

		file := files[index]
		if file.Size > p.cfg.MaxRelaySize {
			slog.Info("skipping oversized file",
				"user_id", userID,
				"file", file.Name,
				"size", file.Size,
				"limit", p.cfg.MaxRelaySize,
			)
			p.notify(ctx, userID, fmt.Sprintf("⚠️ Skipping %s - too large (%s > %s)",
				file.Name, progress.HumanizeBytes(file.Size), progress.HumanizeBytes(p.cfg.MaxRelaySize)))
			if err := checkpoint(index + 1); err != nil {
				return result, err
			}
			result.Skipped++
			continue
		}

		err := p.relayFile(ctx, run, session.FolderReference, file, len(files))
		switch {
		case err == nil:
			if err := checkpoint(index + 1); err != nil {
				return result, err
			}
			result.Relayed++
			p.notify(ctx, userID, fmt.Sprintf("✅ Completed [%d/%d] %s", index+1, len(files), file.Name))

		case isCancellation(ctx, run, err):
			cancelled = true

		default:
			slog.Warn("file relay failed",
				"user_id", userID,
				"session_id", session.ID,
				"file_index", index,
				"file", file.Name,
				"error", err,
			)
			result.Failures = append(result.Failures, FileFailure{Index: index, Name: file.Name, Err: err})
			if pinned < 0 {
				pinned = index
			}
			p.notify(ctx, userID, fmt.Sprintf("❌ Failed [%d/%d] %s\nError: %v", index+1, len(files), file.Name, err))
		}

		if cancelled {
			break
		}
	}

	switch {
	case cancelled:
		result.Outcome = OutcomeCancelled
		p.notify(ctx, userID, "🛑 Transfer cancelled. Send the same folder again to resume.")
	case len(result.Failures) > 0:
		result.Outcome = OutcomePartial
		p.notify(ctx, userID, fmt.Sprintf("⚠️ Finished with %d failed file(s). Send the same folder again to retry from %s.",
			len(result.Failures), files[pinned].Name))
	default:
		if err := p.store.Complete(ctx, session.ID); err != nil {
			return result, persistenceError("complete session", err)
		}
		result.Outcome = OutcomeCompleted
		p.notify(ctx, userID, fmt.Sprintf("🎉 Transfer complete! Processed %d files.", len(files)))
	}
	return result, nil
}

// prepare resumes the user's active session for folderRef or lists the
// folder and records a new one. A nil session means the folder is empty.
func (p *Pipeline) prepare(ctx context.Context, userID int64, folderRef string) (*database.Session, []database.SessionFile, bool, error) {
	active, err := p.store.GetActiveSession(ctx, userID)
	if err != nil {
		return nil, nil, false, persistenceError("get active session", err)
	}

	if active != nil && active.FolderReference == folderRef {
		files, err := p.store.ListFiles(ctx, active.ID)
		if err != nil {
			return nil, nil, false, persistenceError("list session files", err)
		}
		slog.Info("resuming session",
			"user_id", userID,
			"session_id", active.ID,
			"cursor", active.CurrentIndex,
			"files", len(files),
		)
		p.notify(ctx, userID, fmt.Sprintf("🔄 Resuming from file %d/%d...", active.CurrentIndex+1, len(files)))
		return active, files, true, nil
	}

	p.notify(ctx, userID, "📂 Fetching folder contents...")
	listed, err := p.source.ListFiles(ctx, folderRef)
	if err != nil {
		return nil, nil, false, fmt.Errorf("failed to list folder: %w", err)
	}
	if len(listed) == 0 {
		return nil, nil, false, nil
	}

	SortFiles(listed)
	newFiles := make([]database.NewFile, len(listed))
	var total int64
	for i, f := range listed {
		newFiles[i] = database.NewFile{Handle: f.Handle, Name: f.Name, Size: f.Size}
		total += f.Size
	}

	id, err := p.store.CreateSession(ctx, userID, folderRef, newFiles)
	if err != nil {
		return nil, nil, false, persistenceError("create session", err)
	}

	session := &database.Session{
		ID:              id,
		UserID:          userID,
		FolderReference: folderRef,
		Status:          database.SessionDownloading,
	}
	files := make([]database.SessionFile, len(newFiles))
	for i, f := range newFiles {
		files[i] = database.SessionFile{
			SessionID: id,
			FileIndex: i,
			Handle:    f.Handle,
			Name:      f.Name,
			Size:      f.Size,
			Status:    database.FilePending,
		}
	}

	slog.Info("session created",
		"user_id", userID,
		"session_id", id,
		"files", len(files),
		"total_size", total,
	)
	p.notify(ctx, userID, fmt.Sprintf("📁 Found %d files\n📦 Total size: %s\n\nStarting transfer...",
		len(files), progress.HumanizeBytes(total)))
	return session, files, false, nil
}

// relayFile downloads one file into staging, verifies it and hands it to
// the relay. The staged copy is removed on every path.
func (p *Pipeline) relayFile(ctx context.Context, run *Run, folderRef string, file database.SessionFile, total int) error {
	userID := run.UserID
	position := fmt.Sprintf("[%d/%d]", file.FileIndex+1, total)

	p.tracker.Begin(userID, file.Name, file.Size)
	defer p.tracker.End(userID)

	path, err := p.staging.Prepare(userID, file.Name)
	if err != nil {
		return fmt.Errorf("failed to prepare staging file: %w", err)
	}
	defer func() {
		if err := p.staging.Remove(path); err != nil {
			slog.Error("failed to remove staged file", "path", path, "error", err)
		}
	}()

	p.notify(ctx, userID, fmt.Sprintf("📥 Downloading %s\n📁 %s\n📦 Size: %s",
		position, file.Name, progress.HumanizeBytes(file.Size)))

	obs := ObserverFunc(func(n int64) {
		if !p.tracker.Observe(userID, n) {
			return
		}
		if snap, ok := p.tracker.Snapshot(userID); ok {
			p.notify(ctx, userID, fmt.Sprintf("📥 Downloading %s\n%s", position, progress.FormatProgress(snap)))
		}
	})

	policy := p.cfg.Retry
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		slog.Warn("quota exceeded, backing off",
			"user_id", userID,
			"file", file.Name,
			"attempt", attempt+1,
			"delay", delay,
		)
		p.notify(ctx, userID, fmt.Sprintf("⚠️ Quota exceeded on %s\nWaiting %s before retry...\nCancel to stop.",
			file.Name, delay))
	}

	err = retry.Do(run.Context(), policy, func() error {
		return p.source.Download(ctx, folderRef, file.Handle, path, obs)
	})
	if err != nil {
		return err
	}

	size, err := p.staging.Size(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s missing after download", ErrIntegrity, file.Name)
		}
		return fmt.Errorf("%w: cannot stat %s: %v", ErrIntegrity, file.Name, err)
	}
	if size != file.Size {
		return fmt.Errorf("%w: size mismatch for %s: expected %d, got %d", ErrIntegrity, file.Name, file.Size, size)
	}

	p.tracker.SetStatus(userID, progress.StatusUploading)
	p.notify(ctx, userID, fmt.Sprintf("📤 Uploading %s\n📁 %s", position, file.Name))

	caption := fmt.Sprintf("📁 %s\n📦 %s", file.Name, progress.HumanizeBytes(file.Size))
	if err := p.relay.Send(ctx, userID, path, file.Name, caption); err != nil {
		return fmt.Errorf("failed to send %s: %w", file.Name, err)
	}

	p.tracker.Complete(userID)
	return nil
}

// notify sends a best-effort status message; failures are only logged.
func (p *Pipeline) notify(ctx context.Context, userID int64, text string) {
	if err := p.relay.Notify(ctx, userID, text); err != nil {
		slog.Warn("failed to notify user", "user_id", userID, "error", err)
	}
}

// SortFiles orders a listing by case-insensitive name. The order is fixed
// into the session at creation and never recomputed.
func SortFiles(files []RemoteFile) {
	slices.SortStableFunc(files, func(a, b RemoteFile) int {
		return strings.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name))
	})
}

func persistenceError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrPersistence, err)
}

func isCancellation(ctx context.Context, run *Run, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	return !run.Active() && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
}
