// Package storage manages the shared directory where uploaded videos and
// COLMAP outputs live.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

var ErrInvalidKey = errors.New("storage: invalid key")

// FileStore resolves storage keys under a single root. Keys are slash
// separated and may never resolve outside the root.
type FileStore struct {
	basePath string
}

// NewFileStore initializes a FileStore rooted at basePath.
func NewFileStore(basePath string) (*FileStore, error) {
	basePath = strings.TrimSpace(basePath)
	if basePath == "" {
		return nil, errors.New("storage: base path is required")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("storage: ensure base path: %w", err)
	}
	return &FileStore{basePath: basePath}, nil
}

func (s *FileStore) BasePath() string {
	return s.basePath
}

// InputPath is the location of a scan's uploaded video as sent to COLMAP.
func (s *FileStore) InputPath(videoPath string) (string, error) {
	return sanitizeKey(videoPath)
}

// OutputDir is the key under which COLMAP writes every stage's output for a scan.
func (s *FileStore) OutputDir(scanID uuid.UUID) string {
	return "scans/" + scanID.String() + "/output"
}

// ScanDir is the key of everything stored for a scan.
func (s *FileStore) ScanDir(scanID uuid.UUID) string {
	return "scans/" + scanID.String()
}

// ArtifactKey maps a path reported for one of a scan's artifacts to a key.
// Paths already under the scan directory are kept; anything else is taken as
// relative to the scan's output directory.
func (s *FileStore) ArtifactKey(scanID uuid.UUID, artifactPath string) (string, error) {
	clean, err := sanitizeKey(artifactPath)
	if err != nil {
		return "", err
	}
	if strings.HasPrefix(clean, s.ScanDir(scanID)+"/") {
		return clean, nil
	}
	return sanitizeKey(s.OutputDir(scanID) + "/" + clean)
}

// Open returns a reader for the file at key and its size.
func (s *FileStore) Open(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	full, err := s.resolve(key)
	if err != nil {
		return nil, 0, err
	}
	f, err := os.Open(full)
	if err != nil {
		return nil, 0, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	if info.IsDir() {
		f.Close()
		return nil, 0, fmt.Errorf("%w: %s is a directory", ErrInvalidKey, key)
	}
	return f, info.Size(), nil
}

// Remove deletes the file at key. A missing file is not an error.
func (s *FileStore) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	full, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("storage: remove %s: %w", key, err)
	}
	return nil
}

// RemoveAll deletes key and everything below it.
func (s *FileStore) RemoveAll(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	full, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(full); err != nil {
		return fmt.Errorf("storage: remove all %s: %w", key, err)
	}
	return nil
}

func (s *FileStore) resolve(key string) (string, error) {
	clean, err := sanitizeKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.basePath, filepath.FromSlash(clean)), nil
}

// sanitizeKey normalizes a key and prevents escaping the storage root.
func sanitizeKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("%w: key is required", ErrInvalidKey)
	}
	key = strings.ReplaceAll(key, "\\", "/")
	key = strings.TrimPrefix(key, "./")
	key = strings.TrimLeft(key, "/")
	cleaned := filepath.ToSlash(filepath.Clean(filepath.FromSlash(key)))
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return cleaned, nil
}
