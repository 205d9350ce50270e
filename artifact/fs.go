package artifact

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// FSStore keeps artifacts as plain files under a root directory. Blobs
// are written to a temp file and renamed into place, so a reader never
// observes a partial write.
type FSStore struct {
	root string
}

func NewFSStore(root string) (*FSStore, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.New("root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create root: %w", err)
	}
	return &FSStore{root: root}, nil
}

func (s *FSStore) Write(ctx context.Context, key Key, data []byte) (string, error) {
	if s == nil {
		return "", errors.New("fs store not initialized")
	}
	if err := key.validate(); err != nil {
		return "", err
	}

	location := key.location()
	full := filepath.Join(s.root, filepath.FromSlash(location))

	if _, err := os.Stat(full); err == nil {
		return "", fmt.Errorf("%s: %w", location, ErrExists)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("stat %s: %w", location, err)
	}

	dir := filepath.Dir(full)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create dir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".loom-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, full); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("rename into place: %w", err)
	}
	return location, nil
}

func (s *FSStore) Read(ctx context.Context, location string) ([]byte, error) {
	if s == nil {
		return nil, errors.New("fs store not initialized")
	}
	full, err := s.resolve(location)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", location, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", location, err)
	}
	return data, nil
}

func (s *FSStore) Exists(ctx context.Context, location string) (bool, error) {
	if s == nil {
		return false, errors.New("fs store not initialized")
	}
	full, err := s.resolve(location)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(full); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", location, err)
	}
	return true, nil
}

// resolve maps a store-relative location onto the root and rejects
// locations that would escape it.
func (s *FSStore) resolve(location string) (string, error) {
	location = strings.TrimSpace(location)
	if location == "" {
		return "", errors.New("location is required")
	}
	clean := path.Clean(location)
	if path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("location %q escapes store root", location)
	}
	return filepath.Join(s.root, filepath.FromSlash(clean)), nil
}
