package source

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay/internal/server/transfer"
)

func newFolderServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/share/manifest.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"files":[
			{"handle":"files/a.txt","name":"a.txt","size":5},
			{"handle":"","name":"broken","size":1},
			{"handle":"/abs/b.txt","name":"b.txt","size":3}
		]}`))
	})
	mux.HandleFunc("/share/files/a.txt", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hello"))
	})
	mux.HandleFunc("/abs/b.txt", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("abc"))
	})
	mux.HandleFunc("/busy", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})
	mux.HandleFunc("/bandwidth", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(509)
	})
	mux.HandleFunc("/bad.json", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"files": [`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPFolder_ListFiles(t *testing.T) {
	srv := newFolderServer(t)
	folder := NewHTTPFolder(srv.Client())

	t.Run("decodes manifest and drops malformed entries", func(t *testing.T) {
		files, err := folder.ListFiles(context.Background(), srv.URL+"/share/manifest.json")
		require.NoError(t, err)
		require.Len(t, files, 2)
		assert.Equal(t, transfer.RemoteFile{Handle: "files/a.txt", Name: "a.txt", Size: 5}, files[0])
		assert.Equal(t, "b.txt", files[1].Name)
	})

	t.Run("missing folder is a transport error", func(t *testing.T) {
		_, err := folder.ListFiles(context.Background(), srv.URL+"/nope")
		assert.ErrorIs(t, err, transfer.ErrTransport)
	})

	t.Run("invalid json is a transport error", func(t *testing.T) {
		_, err := folder.ListFiles(context.Background(), srv.URL+"/bad.json")
		assert.ErrorIs(t, err, transfer.ErrTransport)
	})

	t.Run("throttling is a quota error", func(t *testing.T) {
		_, err := folder.ListFiles(context.Background(), srv.URL+"/busy")
		assert.ErrorIs(t, err, transfer.ErrQuotaExceeded)
	})
}

func TestHTTPFolder_Download(t *testing.T) {
	srv := newFolderServer(t)
	folder := NewHTTPFolder(srv.Client())
	ref := srv.URL + "/share/manifest.json"

	t.Run("resolves relative handle and reports progress", func(t *testing.T) {
		dest := filepath.Join(t.TempDir(), "a.txt")
		var seen []int64

		err := folder.Download(context.Background(), ref, "files/a.txt", dest,
			transfer.ObserverFunc(func(n int64) { seen = append(seen, n) }))
		require.NoError(t, err)

		content, err := os.ReadFile(dest)
		require.NoError(t, err)
		assert.Equal(t, "hello", string(content))
		require.NotEmpty(t, seen)
		assert.Equal(t, int64(5), seen[len(seen)-1])
	})

	t.Run("resolves absolute path handle", func(t *testing.T) {
		dest := filepath.Join(t.TempDir(), "b.txt")
		require.NoError(t, folder.Download(context.Background(), ref, "/abs/b.txt", dest, nil))

		content, err := os.ReadFile(dest)
		require.NoError(t, err)
		assert.Equal(t, "abc", string(content))
	})

	t.Run("bandwidth limit is a quota error", func(t *testing.T) {
		dest := filepath.Join(t.TempDir(), "x")
		err := folder.Download(context.Background(), ref, "/bandwidth", dest, nil)
		assert.ErrorIs(t, err, transfer.ErrQuotaExceeded)
		_, statErr := os.Stat(dest)
		assert.True(t, os.IsNotExist(statErr))
	})

	t.Run("cancelled context is returned as is", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := folder.Download(ctx, ref, "files/a.txt", filepath.Join(t.TempDir(), "y"), nil)
		assert.ErrorIs(t, err, context.Canceled)
		assert.NotErrorIs(t, err, transfer.ErrTransport)
	})
}

func TestStatusError(t *testing.T) {
	tests := []struct {
		status int
		quota  bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusServiceUnavailable, true},
		{509, true},
		{http.StatusNotFound, false},
		{http.StatusForbidden, false},
		{http.StatusInternalServerError, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			err := statusError(tt.status, "http://x")
			assert.Equal(t, tt.quota, transfer.IsQuotaExceeded(err))
			if !tt.quota {
				assert.ErrorIs(t, err, transfer.ErrTransport)
			}
			assert.True(t, strings.Contains(err.Error(), "http://x"))
		})
	}
}
