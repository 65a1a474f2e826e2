package transfer

import (
	"context"
	"sync"
)

// Run is the handle of one in-flight pipeline run. Its context is
// cancelled when the run is asked to stop.
type Run struct {
	UserID int64

	ctx    context.Context
	cancel context.CancelFunc
}

// Active reports whether the run may continue.
func (r *Run) Active() bool { return r.ctx.Err() == nil }

// Done is closed once the run has been asked to stop.
func (r *Run) Done() <-chan struct{} { return r.ctx.Done() }

// Context is cancelled when the run is stopped or the parent ends.
func (r *Run) Context() context.Context { return r.ctx }

// Registry tracks which users have a running pipeline.
type Registry struct {
	mu   sync.Mutex
	runs map[int64]*Run
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{runs: make(map[int64]*Run)}
}

// Acquire claims the user's slot. It fails with ErrAlreadyActive if another
// run holds it.
func (r *Registry) Acquire(parent context.Context, userID int64) (*Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, busy := r.runs[userID]; busy {
		return nil, ErrAlreadyActive
	}

	ctx, cancel := context.WithCancel(parent)
	run := &Run{UserID: userID, ctx: ctx, cancel: cancel}
	r.runs[userID] = run
	return run, nil
}

// Release frees the slot held by run. Releasing a stale handle is a no-op.
func (r *Registry) Release(run *Run) {
	r.mu.Lock()
	defer r.mu.Unlock()

	run.cancel()
	if r.runs[run.UserID] == run {
		delete(r.runs, run.UserID)
	}
}

// Cancel asks the user's run to stop at its next checkpoint. It reports
// whether a run was active.
func (r *Registry) Cancel(userID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	run, ok := r.runs[userID]
	if !ok || !run.Active() {
		return false
	}
	run.cancel()
	return true
}

// Active reports whether the user has a run that has not been asked to stop.
func (r *Registry) Active(userID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	run, ok := r.runs[userID]
	return ok && run.Active()
}
