package service

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"relay/internal/server/database"
	"relay/internal/server/progress"
	"relay/internal/server/retry"
	"relay/internal/server/storage"
	"relay/internal/server/transfer"
)

type fakeRunner struct {
	mu        sync.Mutex
	active    map[int64]bool
	started   []string
	startErr  error
	cancelled []int64
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{active: make(map[int64]bool)}
}

func (r *fakeRunner) Start(ctx context.Context, userID int64, folderRef string, done func(*transfer.Result, error)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startErr != nil {
		return r.startErr
	}
	if r.active[userID] {
		return transfer.ErrAlreadyActive
	}
	r.active[userID] = true
	r.started = append(r.started, folderRef)
	go done(&transfer.Result{Outcome: transfer.OutcomeCompleted}, nil)
	return nil
}

func (r *fakeRunner) Cancel(userID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.active[userID] {
		return false
	}
	r.active[userID] = false
	r.cancelled = append(r.cancelled, userID)
	return true
}

func (r *fakeRunner) Active(userID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active[userID]
}

type prefixValidator string

func (p prefixValidator) Supports(ref string) bool { return strings.HasPrefix(ref, string(p)) }

type recordingRelay struct {
	mu        sync.Mutex
	notes     map[int64][]string
	notifyErr map[int64]error
}

func newRecordingRelay() *recordingRelay {
	return &recordingRelay{notes: make(map[int64][]string), notifyErr: make(map[int64]error)}
}

func (r *recordingRelay) Send(ctx context.Context, userID int64, localPath, displayName, caption string) error {
	_, err := os.Stat(localPath)
	return err
}

func (r *recordingRelay) Notify(ctx context.Context, userID int64, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.notifyErr[userID]; err != nil {
		return err
	}
	r.notes[userID] = append(r.notes[userID], text)
	return nil
}

func (r *recordingRelay) notesFor(userID int64) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.notes[userID]...)
}

func newTestService(runner Runner) (*RelayService, *database.MemoryRepository, *recordingRelay) {
	store := database.NewMemoryRepository()
	relay := newRecordingRelay()
	svc := NewRelayService(store, runner, progress.NewTracker(time.Second), prefixValidator("https://"), relay, 7*24*time.Hour)
	return svc, store, relay
}

func TestStartTransfer(t *testing.T) {
	t.Run("starts a run", func(t *testing.T) {
		runner := newFakeRunner()
		svc, _, _ := newTestService(runner)

		result, err := svc.StartTransfer(context.Background(), 5, "  https://host/folder  ")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result.FolderReference != "https://host/folder" {
			t.Errorf("expected trimmed reference, got %q", result.FolderReference)
		}
		if len(runner.started) != 1 {
			t.Errorf("expected one run, got %d", len(runner.started))
		}
	})

	t.Run("rejects invalid reference", func(t *testing.T) {
		svc, _, _ := newTestService(newFakeRunner())

		for _, ref := range []string{"", "ftp://host/x", "not a link"} {
			if _, err := svc.StartTransfer(context.Background(), 5, ref); !errors.Is(err, ErrInvalidReference) {
				t.Errorf("ref %q: expected ErrInvalidReference, got %v", ref, err)
			}
		}
	})

	t.Run("rejects invalid user", func(t *testing.T) {
		svc, _, _ := newTestService(newFakeRunner())

		if _, err := svc.StartTransfer(context.Background(), 0, "https://host/x"); !errors.Is(err, ErrInvalidUser) {
			t.Errorf("expected ErrInvalidUser, got %v", err)
		}
	})

	t.Run("second start while active", func(t *testing.T) {
		runner := newFakeRunner()
		svc, _, _ := newTestService(runner)

		if _, err := svc.StartTransfer(context.Background(), 5, "https://host/a"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		_, err := svc.StartTransfer(context.Background(), 5, "https://host/b")
		if !errors.Is(err, ErrTransferActive) {
			t.Errorf("expected ErrTransferActive, got %v", err)
		}
	})

	t.Run("runner failure is wrapped", func(t *testing.T) {
		runner := newFakeRunner()
		runner.startErr = errors.New("boom")
		svc, _, _ := newTestService(runner)

		_, err := svc.StartTransfer(context.Background(), 5, "https://host/a")
		if err == nil || errors.Is(err, ErrTransferActive) {
			t.Errorf("expected wrapped runner error, got %v", err)
		}
		if err := svc.Shutdown(context.Background()); err != nil {
			t.Errorf("shutdown should not wait for a run that never started: %v", err)
		}
	})
}

func TestCancelTransfer(t *testing.T) {
	runner := newFakeRunner()
	svc, _, _ := newTestService(runner)

	if err := svc.CancelTransfer(5); !errors.Is(err, ErrNoTransfer) {
		t.Errorf("expected ErrNoTransfer, got %v", err)
	}

	runner.active[5] = true
	if err := svc.CancelTransfer(5); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if len(runner.cancelled) != 1 || runner.cancelled[0] != 5 {
		t.Errorf("expected cancel for user 5, got %v", runner.cancelled)
	}
}

func TestStatus(t *testing.T) {
	t.Run("no session", func(t *testing.T) {
		svc, _, _ := newTestService(newFakeRunner())

		report, err := svc.Status(context.Background(), 9)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if report.Active || report.Session != nil || report.Progress != nil {
			t.Errorf("expected empty report, got %+v", report)
		}
	})

	t.Run("paused session with byte totals", func(t *testing.T) {
		ctx := context.Background()
		svc, store, _ := newTestService(newFakeRunner())

		id, err := store.CreateSession(ctx, 9, "https://host/f", []database.NewFile{
			{Handle: "a", Name: "a", Size: 10},
			{Handle: "b", Name: "b", Size: 20},
			{Handle: "c", Name: "c", Size: 30},
		})
		if err != nil {
			t.Fatal(err)
		}
		store.AdvanceCursor(ctx, id, 2)

		report, err := svc.Status(ctx, 9)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		s := report.Session
		if s == nil {
			t.Fatal("expected a session summary")
		}
		if s.CurrentIndex != 2 || s.TotalFiles != 3 {
			t.Errorf("expected 2/3, got %d/%d", s.CurrentIndex, s.TotalFiles)
		}
		if s.CompletedBytes != 30 || s.TotalBytes != 60 {
			t.Errorf("expected 30/60 bytes, got %d/%d", s.CompletedBytes, s.TotalBytes)
		}
	})
}

func TestAnnounceInterrupted(t *testing.T) {
	ctx := context.Background()
	runner := newFakeRunner()
	svc, store, relay := newTestService(runner)

	files := []database.NewFile{{Handle: "a", Name: "a", Size: 1}, {Handle: "b", Name: "b", Size: 1}}
	id1, _ := store.CreateSession(ctx, 1, "https://host/one", files)
	store.AdvanceCursor(ctx, id1, 1)
	store.CreateSession(ctx, 2, "https://host/two", files)
	store.CreateSession(ctx, 3, "https://host/three", files)
	runner.active[3] = true
	relay.notifyErr[2] = errors.New("blocked")

	done, _ := store.CreateSession(ctx, 4, "https://host/old", files)
	store.Complete(ctx, done)
	store.SetClock(func() time.Time { return time.Now().UTC().Add(30 * 24 * time.Hour) })

	notified, err := svc.AnnounceInterrupted(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if notified != 1 {
		t.Errorf("expected 1 user notified, got %d", notified)
	}

	notes := relay.notesFor(1)
	if len(notes) != 1 || !strings.Contains(notes[0], "https://host/one") || !strings.Contains(notes[0], "1/2") {
		t.Errorf("unexpected notification: %v", notes)
	}
	if len(relay.notesFor(3)) != 0 {
		t.Error("users with a live run should not be notified")
	}

	if _, err := store.GetSession(ctx, done); !errors.Is(err, database.ErrSessionNotFound) {
		t.Errorf("expected old completed session to be purged, got %v", err)
	}
	if _, err := store.GetSession(ctx, id1); err != nil {
		t.Errorf("interrupted session must survive purge: %v", err)
	}
}

// folderSource serves a fixed folder from memory.
type folderSource struct {
	files []transfer.RemoteFile
}

func (f *folderSource) ListFiles(ctx context.Context, folderRef string) ([]transfer.RemoteFile, error) {
	return f.files, nil
}

func (f *folderSource) Download(ctx context.Context, folderRef, handle, dest string, obs transfer.Observer) error {
	for _, file := range f.files {
		if file.Handle == handle {
			return os.WriteFile(dest, make([]byte, file.Size), 0644)
		}
	}
	return transfer.ErrTransport
}

func TestRelayService_EndToEnd(t *testing.T) {
	ctx := context.Background()
	store := database.NewMemoryRepository()
	relay := newRecordingRelay()
	tracker := progress.NewTracker(time.Second)
	source := &folderSource{files: []transfer.RemoteFile{
		{Handle: "1", Name: "one.bin", Size: 3},
		{Handle: "2", Name: "two.bin", Size: 4},
	}}

	pipeline := transfer.NewPipeline(store, source, relay, storage.NewStagingArea(t.TempDir()), tracker, transfer.Config{
		Retry: retry.Policy{MaxAttempts: 1},
	})
	svc := NewRelayService(store, pipeline, tracker, prefixValidator("https://"), relay, time.Hour)

	if _, err := svc.StartTransfer(ctx, 77, "https://host/folder"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for pipeline.Active(77) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := svc.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	stats, err := svc.GetStats(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.CompletedSessions != 1 || stats.FilesProcessed != 2 || stats.BytesProcessed != 7 {
		t.Errorf("unexpected stats: %+v", stats)
	}

	notes := relay.notesFor(77)
	if len(notes) == 0 || !strings.Contains(notes[len(notes)-1], "Transfer complete") {
		t.Errorf("expected completion message last, got %v", notes)
	}
}
