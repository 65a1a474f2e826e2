// Package progress tracks per-user transfer rate and ETA and decides when a
// progress notification is due.
package progress

import (
	"sync"
	"time"
)

// Status is the phase of the file currently being relayed.
type Status string

const (
	StatusDownloading Status = "downloading"
	StatusUploading   Status = "uploading"
	StatusComplete    Status = "complete"
)

// UnknownETA marks an ETA that cannot be computed yet.
const UnknownETA int64 = -1

// DefaultInterval is the minimum spacing between emitted updates.
const DefaultInterval = 3 * time.Second

// Snapshot is a point-in-time copy of a user's transfer progress.
type Snapshot struct {
	CurrentBytes int64     `json:"current_bytes"`
	TotalBytes   int64     `json:"total_bytes"`
	Speed        float64   `json:"speed_bytes_per_sec"`
	ETASeconds   int64     `json:"eta_seconds"`
	Percentage   float64   `json:"percentage"`
	Filename     string    `json:"filename"`
	Status       Status    `json:"status"`
	StartTime    time.Time `json:"start_time"`
	LastEmitTime time.Time `json:"last_emit_time"`
}

type entry struct {
	mu   sync.Mutex
	snap Snapshot
}

// Tracker holds one snapshot per user with an active file transfer.
type Tracker struct {
	interval time.Duration
	now      func() time.Time

	mu      sync.RWMutex
	entries map[int64]*entry
}

// NewTracker creates a tracker that emits at most once per interval.
func NewTracker(interval time.Duration) *Tracker {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Tracker{
		interval: interval,
		now:      time.Now,
		entries:  make(map[int64]*entry),
	}
}

// WithClock replaces the time source. Intended for tests.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

// Begin opens a snapshot for the user's next file, replacing any previous one.
func (t *Tracker) Begin(userID int64, filename string, totalBytes int64) {
	now := t.now()
	e := &entry{snap: Snapshot{
		TotalBytes:   totalBytes,
		ETASeconds:   UnknownETA,
		Filename:     filename,
		Status:       StatusDownloading,
		StartTime:    now,
		LastEmitTime: now,
	}}

	t.mu.Lock()
	t.entries[userID] = e
	t.mu.Unlock()
}

// Observe records the bytes transferred so far and reports whether enough
// time has passed since the last emitted update for another one to be sent.
func (t *Tracker) Observe(userID int64, currentBytes int64) bool {
	e := t.get(userID)
	if e == nil {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := t.now()
	s := &e.snap
	s.CurrentBytes = currentBytes

	if s.TotalBytes > 0 {
		s.Percentage = float64(currentBytes) / float64(s.TotalBytes) * 100
	}

	elapsed := now.Sub(s.StartTime).Seconds()
	if elapsed > 0 {
		s.Speed = float64(currentBytes) / elapsed
		if s.Speed > 0 {
			s.ETASeconds = int64(float64(s.TotalBytes-currentBytes) / s.Speed)
		}
	}

	if now.Sub(s.LastEmitTime) >= t.interval {
		s.LastEmitTime = now
		return true
	}
	return false
}

// SetStatus changes the phase without touching the byte counters.
func (t *Tracker) SetStatus(userID int64, status Status) {
	e := t.get(userID)
	if e == nil {
		return
	}
	e.mu.Lock()
	e.snap.Status = status
	e.mu.Unlock()
}

// Complete marks the user's transfer as fully done.
func (t *Tracker) Complete(userID int64) {
	e := t.get(userID)
	if e == nil {
		return
	}
	e.mu.Lock()
	e.snap.CurrentBytes = e.snap.TotalBytes
	e.snap.Percentage = 100
	e.snap.ETASeconds = 0
	e.snap.Status = StatusComplete
	e.mu.Unlock()
}

// Snapshot returns a copy of the user's progress, or false if none is open.
func (t *Tracker) Snapshot(userID int64) (Snapshot, bool) {
	e := t.get(userID)
	if e == nil {
		return Snapshot{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snap, true
}

// End discards the user's snapshot.
func (t *Tracker) End(userID int64) {
	t.mu.Lock()
	delete(t.entries, userID)
	t.mu.Unlock()
}

func (t *Tracker) get(userID int64) *entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.entries[userID]
}
