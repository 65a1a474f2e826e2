// Package source implements remote folder listers and downloaders.
// A folder reference is a URL; its scheme selects the adapter.
package source

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"relay/internal/server/transfer"
)

var (
	ErrUnsupportedReference = errors.New("unsupported folder reference")
)

// Router dispatches folder references to the source registered for their
// URL scheme.
type Router struct {
	mu      sync.RWMutex
	schemes map[string]transfer.Source
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{schemes: make(map[string]transfer.Source)}
}

// Register serves the given schemes with src.
func (r *Router) Register(src transfer.Source, schemes ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, scheme := range schemes {
		r.schemes[strings.ToLower(scheme)] = src
	}
}

// Supports reports whether some registered source accepts folderRef.
func (r *Router) Supports(folderRef string) bool {
	_, err := r.resolve(folderRef)
	return err == nil
}

func (r *Router) ListFiles(ctx context.Context, folderRef string) ([]transfer.RemoteFile, error) {
	src, err := r.resolve(folderRef)
	if err != nil {
		return nil, err
	}
	return src.ListFiles(ctx, folderRef)
}

func (r *Router) Download(ctx context.Context, folderRef, handle, dest string, obs transfer.Observer) error {
	src, err := r.resolve(folderRef)
	if err != nil {
		return err
	}
	return src.Download(ctx, folderRef, handle, dest, obs)
}

func (r *Router) resolve(folderRef string) (transfer.Source, error) {
	u, err := url.Parse(strings.TrimSpace(folderRef))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedReference, folderRef)
	}

	r.mu.RLock()
	src, ok := r.schemes[strings.ToLower(u.Scheme)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: scheme %q", ErrUnsupportedReference, u.Scheme)
	}
	return src, nil
}

// progressWriter reports the running byte count of a copy.
type progressWriter struct {
	obs     transfer.Observer
	written int64
}

func (w *progressWriter) Write(p []byte) (int, error) {
	w.written += int64(len(p))
	if w.obs != nil {
		w.obs.Observe(w.written)
	}
	return len(p), nil
}
