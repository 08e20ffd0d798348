package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// FileScheme is the URI scheme of captures kept on the local disk
const FileScheme = "file"

type fileStore struct {
	root string
}

// NewFileStorage creates a store rooted at dir, creating it when missing
func NewFileStorage(dir string) (BlobStore, error) {
	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve storage dir: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &fileStore{root: root}, nil
}

func (s *fileStore) Scheme() string {
	return FileScheme
}

// Put writes data atomically: temp file, fsync, rename
func (s *fileStore) Put(ctx context.Context, name string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	path, err := s.resolve(name)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create blob dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write blob: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("sync blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close blob: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return "", fmt.Errorf("rename blob: %w", err)
	}

	return (&url.URL{Scheme: FileScheme, Path: filepath.ToSlash(path)}).String(), nil
}

func (s *fileStore) Get(ctx context.Context, uri string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	parsed, err := url.Parse(uri)
	if err != nil || parsed.Scheme != FileScheme || parsed.Path == "" {
		return nil, fmt.Errorf("%w: %s", ErrInvalidURI, uri)
	}
	path := filepath.Clean(filepath.FromSlash(parsed.Path))
	if !s.contains(path) {
		return nil, fmt.Errorf("%w: %s is outside the storage dir", ErrInvalidURI, uri)
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, uri)
	}
	if err != nil {
		return nil, fmt.Errorf("read blob: %w", err)
	}
	return data, nil
}

func (s *fileStore) resolve(name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(strings.TrimPrefix(name, "/")))
	if name == "" || clean == "." || strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("%w: blob name %q", ErrInvalidURI, name)
	}
	return filepath.Join(s.root, clean), nil
}

func (s *fileStore) contains(path string) bool {
	rel, err := filepath.Rel(s.root, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
