package blob

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// LocalStore keeps documents under a directory on disk.
type LocalStore struct {
	basePath string
}

// NewLocalStore creates the base directory if needed.
func NewLocalStore(basePath string) (*LocalStore, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("NewLocalStore: create directory: %w", err)
	}
	return &LocalStore{basePath: basePath}, nil
}

// Put writes data and returns its local:// URI.
func (s *LocalStore) Put(_ context.Context, name string, data []byte) (string, error) {
	full, err := s.fullPath(name)
	if err != nil {
		return "", fmt.Errorf("LocalStore.Put: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("LocalStore.Put: create directory: %w", err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		os.Remove(full)
		return "", fmt.Errorf("LocalStore.Put: write file: %w", err)
	}
	return "local://" + filepath.ToSlash(name), nil
}

// Get reads the document at a local:// URI.
func (s *LocalStore) Get(_ context.Context, uri string) ([]byte, error) {
	name, ok := splitURI(uri, "local")
	if !ok {
		return nil, fmt.Errorf("LocalStore.Get: invalid local URI: %s", uri)
	}
	full, err := s.fullPath(name)
	if err != nil {
		return nil, fmt.Errorf("LocalStore.Get: %w", err)
	}
	data, err := os.ReadFile(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("LocalStore.Get: %s: %w", uri, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("LocalStore.Get: read file: %w", err)
	}
	return data, nil
}

// fullPath rejects names that would escape the base directory.
func (s *LocalStore) fullPath(name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if clean == "." || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid object name %q", name)
	}
	return filepath.Join(s.basePath, clean), nil
}
