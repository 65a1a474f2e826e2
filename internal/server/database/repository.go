package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

var (
	ErrSessionNotFound = errors.New("session not found")
)

const sessionColumns = `id, user_id, folder_reference, current_index, status, created_at, updated_at`

// Repository persists relay sessions and their file lists in PostgreSQL.
type Repository struct {
	db *DB
}

// NewRepository creates a new Repository.
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// CreateSession cancels any active session for the user, then inserts a new
// downloading session and its files in the order given. All three steps run
// in one transaction.
func (r *Repository) CreateSession(ctx context.Context, userID int64, folderRef string, files []NewFile) (string, error) {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to begin session transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		UPDATE sessions
		SET status = 'cancelled', updated_at = NOW()
		WHERE user_id = $1 AND status IN ('pending', 'downloading')
	`, userID); err != nil {
		return "", fmt.Errorf("failed to supersede active session: %w", err)
	}

	id := uuid.New().String()
	if _, err := tx.Exec(ctx, `
		INSERT INTO sessions (id, user_id, folder_reference, current_index, status)
		VALUES ($1, $2, $3, 0, 'downloading')
	`, id, userID, folderRef); err != nil {
		return "", fmt.Errorf("failed to create session: %w", err)
	}

	_, err = tx.CopyFrom(ctx,
		pgx.Identifier{"session_files"},
		[]string{"session_id", "file_index", "file_handle", "file_name", "file_size", "status"},
		pgx.CopyFromSlice(len(files), func(i int) ([]any, error) {
			f := files[i]
			return []any{id, i, f.Handle, f.Name, f.Size, string(FilePending)}, nil
		}),
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert session files: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("failed to commit session: %w", err)
	}
	return id, nil
}

// GetActiveSession returns the newest pending or downloading session for the
// user, or nil when there is none.
func (r *Repository) GetActiveSession(ctx context.Context, userID int64) (*Session, error) {
	row := r.db.Pool.QueryRow(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE user_id = $1 AND status IN ('pending', 'downloading')
		ORDER BY created_at DESC
		LIMIT 1
	`, userID)

	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get active session: %w", err)
	}
	return session, nil
}

// GetSession returns a session by ID regardless of status.
func (r *Repository) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	row := r.db.Pool.QueryRow(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions WHERE id = $1
	`, sessionID)

	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}

// ListFiles returns the session's files ordered by file index.
func (r *Repository) ListFiles(ctx context.Context, sessionID string) ([]SessionFile, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT session_id, file_index, file_handle, file_name, file_size, status
		FROM session_files
		WHERE session_id = $1
		ORDER BY file_index
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query session files: %w", err)
	}
	defer rows.Close()

	var files []SessionFile
	for rows.Next() {
		var f SessionFile
		var status string
		if err := rows.Scan(&f.SessionID, &f.FileIndex, &f.Handle, &f.Name, &f.Size, &status); err != nil {
			return nil, fmt.Errorf("failed to scan session file: %w", err)
		}
		f.Status = FileStatus(status)
		files = append(files, f)
	}
	return files, rows.Err()
}

// AdvanceCursor moves the session cursor to newIndex and marks every file
// before it completed. Repeating the call with the same index only refreshes
// updated_at.
func (r *Repository) AdvanceCursor(ctx context.Context, sessionID string, newIndex int) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin cursor transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE sessions
		SET current_index = $2, updated_at = NOW()
		WHERE id = $1
	`, sessionID, newIndex)
	if err != nil {
		return fmt.Errorf("failed to advance cursor: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}

	if _, err := tx.Exec(ctx, `
		UPDATE session_files
		SET status = 'completed'
		WHERE session_id = $1 AND file_index < $2 AND status <> 'completed'
	`, sessionID, newIndex); err != nil {
		return fmt.Errorf("failed to mark files completed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit cursor: %w", err)
	}
	return nil
}

// Complete marks the session and all of its files completed.
func (r *Repository) Complete(ctx context.Context, sessionID string) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin completion transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := setStatus(ctx, tx, sessionID, SessionCompleted); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		"UPDATE session_files SET status = 'completed' WHERE session_id = $1", sessionID); err != nil {
		return fmt.Errorf("failed to complete session files: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit completion: %w", err)
	}
	return nil
}

// Cancel marks the session cancelled.
func (r *Repository) Cancel(ctx context.Context, sessionID string) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin cancel transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := setStatus(ctx, tx, sessionID, SessionCancelled); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit cancel: %w", err)
	}
	return nil
}

// ListInterruptedSessions returns every downloading session, most recently
// updated first.
func (r *Repository) ListInterruptedSessions(ctx context.Context) ([]Session, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE status = 'downloading'
		ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query interrupted sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan interrupted session: %w", err)
		}
		sessions = append(sessions, *session)
	}
	return sessions, rows.Err()
}

// Purge deletes completed and cancelled sessions that have not been updated
// within olderThan. Their files go with them through the cascade.
func (r *Repository) Purge(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	tag, err := r.db.Pool.Exec(ctx, `
		DELETE FROM sessions
		WHERE status IN ('completed', 'cancelled') AND updated_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// GetStats returns aggregate relay statistics.
func (r *Repository) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	err := r.db.Pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status IN ('pending', 'downloading')),
			COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status = 'cancelled')
		FROM sessions
	`).Scan(
		&stats.TotalSessions,
		&stats.ActiveSessions,
		&stats.CompletedSessions,
		&stats.CancelledSessions,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get session stats: %w", err)
	}

	err = r.db.Pool.QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(SUM(file_size), 0)
		FROM session_files
		WHERE status = 'completed'
	`).Scan(&stats.FilesProcessed, &stats.BytesProcessed)
	if err != nil {
		return nil, fmt.Errorf("failed to get file stats: %w", err)
	}
	return stats, nil
}

func setStatus(ctx context.Context, tx pgx.Tx, sessionID string, status SessionStatus) error {
	tag, err := tx.Exec(ctx, `
		UPDATE sessions
		SET status = $2, updated_at = NOW()
		WHERE id = $1
	`, sessionID, string(status))
	if err != nil {
		return fmt.Errorf("failed to set session status %s: %w", status, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func scanSession(row pgx.Row) (*Session, error) {
	s := &Session{}
	var status string
	if err := row.Scan(
		&s.ID,
		&s.UserID,
		&s.FolderReference,
		&s.CurrentIndex,
		&status,
		&s.CreatedAt,
		&s.UpdatedAt,
	); err != nil {
		return nil, err
	}
	s.Status = SessionStatus(status)
	return s, nil
}
