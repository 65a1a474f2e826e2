// Package transfer relays the files of a remote folder to a user one at a
// time, checkpointing after every file so an interrupted run can resume.
package transfer

import (
	"context"
	"errors"
	"time"

	"relay/internal/server/database"
)

// Error classes shared with the source and notify adapters.
var (
	// ErrQuotaExceeded is a transient remote-side throttling condition.
	ErrQuotaExceeded = errors.New("remote quota exceeded")
	// ErrTransport is a permanent failure talking to a remote party.
	ErrTransport = errors.New("transport error")
	// ErrIntegrity means a downloaded file is missing or has the wrong size.
	ErrIntegrity = errors.New("integrity check failed")
	// ErrPersistence means a checkpoint could not be written or read.
	ErrPersistence = errors.New("session store failure")
	// ErrAlreadyActive rejects a second concurrent run for the same user.
	ErrAlreadyActive = errors.New("transfer already active for user")
)

// RemoteFile is one entry of a remote folder listing.
type RemoteFile struct {
	Handle string `json:"handle"`
	Name   string `json:"name"`
	Size   int64  `json:"size"`
}

// Observer receives the running byte count of a download.
type Observer interface {
	Observe(bytes int64)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(bytes int64)

func (f ObserverFunc) Observe(bytes int64) { f(bytes) }

// FolderLister enumerates the files of a remote folder.
type FolderLister interface {
	ListFiles(ctx context.Context, folderRef string) ([]RemoteFile, error)
}

// Downloader fetches one remote file into dest. The observer may be called
// any number of times, including zero.
type Downloader interface {
	Download(ctx context.Context, folderRef, handle, dest string, obs Observer) error
}

// Relay delivers files and plain status messages to a user.
type Relay interface {
	Send(ctx context.Context, userID int64, localPath, displayName, caption string) error
	Notify(ctx context.Context, userID int64, text string) error
}

// Staging is the local single-file buffer between download and upload.
type Staging interface {
	Prepare(userID int64, filename string) (string, error)
	Size(path string) (int64, error)
	Remove(path string) error
}

// Store is the durable session checkpoint.
type Store interface {
	CreateSession(ctx context.Context, userID int64, folderRef string, files []database.NewFile) (string, error)
	GetActiveSession(ctx context.Context, userID int64) (*database.Session, error)
	ListFiles(ctx context.Context, sessionID string) ([]database.SessionFile, error)
	AdvanceCursor(ctx context.Context, sessionID string, newIndex int) error
	Complete(ctx context.Context, sessionID string) error
	Cancel(ctx context.Context, sessionID string) error
	ListInterruptedSessions(ctx context.Context) ([]database.Session, error)
	Purge(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Outcome is how a run ended when it did not fail outright.
type Outcome string

const (
	OutcomeCompleted   Outcome = "completed"
	OutcomePartial     Outcome = "partial"
	OutcomeCancelled   Outcome = "cancelled"
	OutcomeEmptyFolder Outcome = "empty_folder"
)

// FileFailure records a file that could not be relayed in this run.
type FileFailure struct {
	Index int
	Name  string
	Err   error
}

// Result summarizes one pipeline run.
type Result struct {
	Outcome    Outcome
	SessionID  string
	Resumed    bool
	StartIndex int
	TotalFiles int
	Relayed    int
	Skipped    int
	Failures   []FileFailure
}
