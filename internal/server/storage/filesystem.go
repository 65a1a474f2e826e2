package storage

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode"
)

// StagingArea is the local buffer a file passes through between download
// and relay. Each user gets a subdirectory so concurrent runs never share
// a path.
type StagingArea struct {
	basePath string
}

// NewStagingArea creates a staging area rooted at basePath.
func NewStagingArea(basePath string) *StagingArea {
	return &StagingArea{basePath: basePath}
}

// EnsureDir creates the staging directory if it doesn't exist.
func (s *StagingArea) EnsureDir() error {
	if err := os.MkdirAll(s.basePath, 0755); err != nil {
		return fmt.Errorf("failed to create storage directory %s: %w", s.basePath, err)
	}
	return nil
}

// Prepare returns the path a download for the user should be written to.
// Any file already at that path is removed.
func (s *StagingArea) Prepare(userID int64, filename string) (string, error) {
	dir := s.userDir(userID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create staging directory %s: %w", dir, err)
	}

	path := filepath.Join(dir, SanitizeFilename(filename))
	if err := s.Remove(path); err != nil {
		return "", err
	}
	return path, nil
}

// Size returns the size of a staged file. A missing file yields an error
// matching fs.ErrNotExist.
func (s *StagingArea) Size(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("failed to stat staged file: %w", err)
	}
	if info.IsDir() {
		return 0, fmt.Errorf("staged path %s is a directory", path)
	}
	return info.Size(), nil
}

// Remove deletes a staged file. Removing a file that is already gone is
// not an error.
func (s *StagingArea) Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete file %s: %w", path, err)
	}
	return nil
}

// Sweep deletes everything left in the staging area, such as partial
// downloads from a crashed process. It returns the number of files removed.
func (s *StagingArea) Sweep() (int, error) {
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read storage directory: %w", err)
	}

	removed := 0
	for _, entry := range entries {
		path := filepath.Join(s.basePath, entry.Name())
		err := filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
			if err == nil && !d.IsDir() {
				removed++
			}
			return nil
		})
		if err != nil {
			return removed, err
		}
		if err := os.RemoveAll(path); err != nil {
			return removed, fmt.Errorf("failed to sweep %s: %w", path, err)
		}
	}
	return removed, nil
}

func (s *StagingArea) userDir(userID int64) string {
	return filepath.Join(s.basePath, strconv.FormatInt(userID, 10))
}

const (
	maxStemLength = 200
	maxExtLength  = 20
)

// SanitizeFilename strips directory components, replaces characters that
// are invalid on common filesystems and limits length.
func SanitizeFilename(name string) string {
	// Normalize Windows-style backslashes to forward slashes before
	// calling filepath.Base, which is platform-specific.
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(name)

	name = strings.Map(func(r rune) rune {
		switch {
		case strings.ContainsRune(`<>:"|?*`, r):
			return '_'
		case unicode.IsControl(r):
			return -1
		}
		return r
	}, name)

	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	if len(ext) > maxExtLength {
		ext = truncate(ext, maxExtLength)
	}
	stem = truncate(stem, maxStemLength)
	name = stem + ext

	if name == "" || name == "." || name == ".." || name == "/" {
		name = "file"
	}
	return name
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !isRuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
