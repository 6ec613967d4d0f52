package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FileStore persists assets onto the local filesystem. It is intended for
// development and test environments where an object storage service is not
// available; signed URLs degrade to plain links under the public base URL.
type FileStore struct {
	basePath string
	baseURL  string
}

// NewFileStore initializes a FileStore rooted at basePath. baseURL is the
// public prefix under which stored keys are served.
func NewFileStore(basePath, baseURL string) (*FileStore, error) {
	basePath = strings.TrimSpace(basePath)
	if basePath == "" {
		return nil, errors.New("storage: base path is required")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("storage: ensure base path: %w", err)
	}
	return &FileStore{basePath: basePath, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// Put persists the provided bytes at the given relative key. Keys are
// cleaned to prevent directory traversal; the content type is not recorded
// by the filesystem backend.
func (s *FileStore) Put(ctx context.Context, key string, data []byte, _ string) error {
	if s == nil {
		return errors.New("storage: no store configured")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	cleanKey, err := sanitizeKey(key)
	if err != nil {
		return err
	}
	fullPath := filepath.Join(s.basePath, filepath.FromSlash(cleanKey))
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return fmt.Errorf("storage: ensure directory: %w", err)
	}
	if err := os.WriteFile(fullPath, data, 0o644); err != nil {
		return fmt.Errorf("storage: write file: %w", err)
	}
	return nil
}

// SignedURL returns a plain URL under the configured base; the filesystem
// backend has no signing capability.
func (s *FileStore) SignedURL(_ context.Context, key string, _ time.Duration) (string, error) {
	cleanKey, err := sanitizeKey(key)
	if err != nil {
		return "", err
	}
	return s.baseURL + "/" + cleanKey, nil
}

// sanitizeKey normalizes a key and prevents escaping the storage root.
func sanitizeKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", errors.New("storage: key is required")
	}
	key = strings.ReplaceAll(key, "\\", "/")
	key = strings.TrimPrefix(key, "./")
	key = strings.TrimLeft(key, "/")
	cleaned := filepath.Clean(key)
	cleaned = strings.ReplaceAll(cleaned, "\\", "/")
	if cleaned == "." || strings.HasPrefix(cleaned, "../") {
		return "", errors.New("storage: invalid key")
	}
	return cleaned, nil
}

var _ ObjectStore = (*FileStore)(nil)
