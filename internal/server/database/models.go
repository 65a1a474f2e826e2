package database

import "time"

// SessionStatus is the lifecycle state of a relay session.
type SessionStatus string

const (
	SessionPending     SessionStatus = "pending"
	SessionDownloading SessionStatus = "downloading"
	SessionCompleted   SessionStatus = "completed"
	SessionCancelled   SessionStatus = "cancelled"
)

// Active reports whether the status still counts toward the
// one-active-session-per-user rule.
func (s SessionStatus) Active() bool {
	return s == SessionPending || s == SessionDownloading
}

// Terminal reports whether the session can no longer be resumed.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionCancelled
}

// FileStatus is the relay state of a single file within a session.
type FileStatus string

const (
	FilePending   FileStatus = "pending"
	FileCompleted FileStatus = "completed"
)

// Session represents one resumable relay attempt for a user.
type Session struct {
	ID              string
	UserID          int64
	FolderReference string
	CurrentIndex    int
	Status          SessionStatus
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// SessionFile is one entry of a session's fixed, ordered file list.
type SessionFile struct {
	SessionID string
	FileIndex int
	Handle    string
	Name      string
	Size      int64
	Status    FileStatus
}

// NewFile describes a file to be recorded when a session is created.
type NewFile struct {
	Handle string
	Name   string
	Size   int64
}

// Stats holds aggregate relay statistics.
type Stats struct {
	TotalSessions     int64
	ActiveSessions    int64
	CompletedSessions int64
	CancelledSessions int64
	FilesProcessed    int64
	BytesProcessed    int64
}
