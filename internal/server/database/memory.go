package database

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository keeps sessions in process memory. It follows the same
// contract as Repository but nothing survives a restart.
type MemoryRepository struct {
	mu       sync.Mutex
	sessions map[string]*Session
	files    map[string][]SessionFile
	now      func() time.Time
}

// NewMemoryRepository creates an empty in-memory store.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		sessions: make(map[string]*Session),
		files:    make(map[string][]SessionFile),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source used for timestamps and purge cutoffs.
func (m *MemoryRepository) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MemoryRepository) CreateSession(ctx context.Context, userID int64, folderRef string, files []NewFile) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for _, s := range m.sessions {
		if s.UserID == userID && s.Status.Active() {
			s.Status = SessionCancelled
			s.UpdatedAt = now
		}
	}

	id := uuid.New().String()
	m.sessions[id] = &Session{
		ID:              id,
		UserID:          userID,
		FolderReference: folderRef,
		Status:          SessionDownloading,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	list := make([]SessionFile, len(files))
	for i, f := range files {
		list[i] = SessionFile{
			SessionID: id,
			FileIndex: i,
			Handle:    f.Handle,
			Name:      f.Name,
			Size:      f.Size,
			Status:    FilePending,
		}
	}
	m.files[id] = list
	return id, nil
}

func (m *MemoryRepository) GetActiveSession(ctx context.Context, userID int64) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var newest *Session
	for _, s := range m.sessions {
		if s.UserID != userID || !s.Status.Active() {
			continue
		}
		if newest == nil || s.CreatedAt.After(newest.CreatedAt) {
			newest = s
		}
	}
	if newest == nil {
		return nil, nil
	}
	copied := *newest
	return &copied, nil
}

func (m *MemoryRepository) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	copied := *s
	return &copied, nil
}

func (m *MemoryRepository) ListFiles(ctx context.Context, sessionID string) ([]SessionFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.files[sessionID]), nil
}

func (m *MemoryRepository) AdvanceCursor(ctx context.Context, sessionID string, newIndex int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	s.CurrentIndex = newIndex
	s.UpdatedAt = m.now()

	files := m.files[sessionID]
	for i := range files {
		if files[i].FileIndex < newIndex {
			files[i].Status = FileCompleted
		}
	}
	return nil
}

func (m *MemoryRepository) Complete(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	s.Status = SessionCompleted
	s.UpdatedAt = m.now()

	files := m.files[sessionID]
	for i := range files {
		files[i].Status = FileCompleted
	}
	return nil
}

func (m *MemoryRepository) Cancel(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	s.Status = SessionCancelled
	s.UpdatedAt = m.now()
	return nil
}

func (m *MemoryRepository) ListInterruptedSessions(ctx context.Context) ([]Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Session
	for _, s := range m.sessions {
		if s.Status == SessionDownloading {
			out = append(out, *s)
		}
	}
	slices.SortFunc(out, func(a, b Session) int {
		return b.UpdatedAt.Compare(a.UpdatedAt)
	})
	return out, nil
}

func (m *MemoryRepository) Purge(ctx context.Context, olderThan time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-olderThan)
	var purged int64
	for id, s := range m.sessions {
		if s.Status.Terminal() && s.UpdatedAt.Before(cutoff) {
			delete(m.sessions, id)
			delete(m.files, id)
			purged++
		}
	}
	return purged, nil
}

func (m *MemoryRepository) GetStats(ctx context.Context) (*Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := &Stats{}
	for _, s := range m.sessions {
		stats.TotalSessions++
		switch {
		case s.Status.Active():
			stats.ActiveSessions++
		case s.Status == SessionCompleted:
			stats.CompletedSessions++
		case s.Status == SessionCancelled:
			stats.CancelledSessions++
		}
	}
	for _, files := range m.files {
		for _, f := range files {
			if f.Status == FileCompleted {
				stats.FilesProcessed++
				stats.BytesProcessed += f.Size
			}
		}
	}
	return stats, nil
}
