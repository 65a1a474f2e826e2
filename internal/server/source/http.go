package source

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/bytedance/sonic"

	"relay/internal/server/transfer"
)

// maxManifestSize bounds the manifest body read into memory.
const maxManifestSize = 16 << 20

// Manifest is the JSON document an HTTP folder reference points at.
// File handles are URLs, absolute or relative to the manifest.
type Manifest struct {
	Files []transfer.RemoteFile `json:"files"`
}

// HTTPFolder lists folders published as a JSON manifest and downloads
// their files over HTTP.
type HTTPFolder struct {
	client *http.Client
}

// NewHTTPFolder creates an HTTP source. A nil client gets a default with
// a connection timeout only, since downloads may run for a long time.
func NewHTTPFolder(client *http.Client) *HTTPFolder {
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				ResponseHeaderTimeout: 30 * time.Second,
				IdleConnTimeout:       90 * time.Second,
			},
		}
	}
	return &HTTPFolder{client: client}
}

// ListFiles fetches and decodes the manifest at folderRef.
func (h *HTTPFolder) ListFiles(ctx context.Context, folderRef string) ([]transfer.RemoteFile, error) {
	resp, err := h.get(ctx, folderRef)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read manifest: %v", transfer.ErrTransport, err)
	}
	if len(body) > maxManifestSize {
		return nil, fmt.Errorf("%w: manifest exceeds %d bytes", transfer.ErrTransport, maxManifestSize)
	}

	var manifest Manifest
	if err := sonic.Unmarshal(body, &manifest); err != nil {
		return nil, fmt.Errorf("%w: invalid manifest: %v", transfer.ErrTransport, err)
	}

	files := make([]transfer.RemoteFile, 0, len(manifest.Files))
	for _, f := range manifest.Files {
		if f.Handle == "" || f.Name == "" || f.Size < 0 {
			slog.Warn("skipping malformed manifest entry", "folder", folderRef, "handle", f.Handle, "name", f.Name)
			continue
		}
		files = append(files, f)
	}
	return files, nil
}

// Download streams the file behind handle into dest.
func (h *HTTPFolder) Download(ctx context.Context, folderRef, handle, dest string, obs transfer.Observer) error {
	target, err := resolveHandle(folderRef, handle)
	if err != nil {
		return err
	}

	resp, err := h.get(ctx, target)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	file, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dest, err)
	}

	_, err = io.Copy(io.MultiWriter(file, &progressWriter{obs: obs}), resp.Body)
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: download interrupted: %v", transfer.ErrTransport, err)
	}
	return nil
}

func (h *HTTPFolder) get(ctx context.Context, target string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid url %q: %v", transfer.ErrTransport, target, err)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", transfer.ErrTransport, err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		resp.Body.Close()
		return nil, statusError(resp.StatusCode, target)
	}
	return resp, nil
}

// statusError classifies a non-2xx response. Throttling statuses are
// retryable quota errors.
func statusError(status int, target string) error {
	switch status {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable, 509:
		return fmt.Errorf("%w: %s returned %d", transfer.ErrQuotaExceeded, target, status)
	default:
		return fmt.Errorf("%w: %s returned %d", transfer.ErrTransport, target, status)
	}
}

func resolveHandle(folderRef, handle string) (string, error) {
	base, err := url.Parse(folderRef)
	if err != nil {
		return "", fmt.Errorf("%w: invalid folder url: %v", transfer.ErrTransport, err)
	}
	ref, err := url.Parse(handle)
	if err != nil {
		return "", fmt.Errorf("%w: invalid file handle %q: %v", transfer.ErrTransport, handle, err)
	}
	return base.ResolveReference(ref).String(), nil
}
