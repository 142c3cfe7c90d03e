package vault

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// FileStore is a Store backed by a real directory tree. Suitable for
// single-node production deployments where the document hierarchy lives on
// a local filesystem.
type FileStore struct {
	root   string
	mu     sync.RWMutex
	closed bool
}

// NewFileStore opens a file store rooted at dir, creating it if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("file store root is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store root: %w", err)
	}
	return &FileStore{root: dir}, nil
}

// Root returns the root directory of the store.
func (s *FileStore) Root() string { return s.root }

func (s *FileStore) abs(rel string) string {
	return filepath.Join(s.root, filepath.FromSlash(rel))
}

func (s *FileStore) check() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// EnsureDir creates a directory and any missing parents.
func (s *FileStore) EnsureDir(ctx context.Context, dir string) error {
	if err := s.check(); err != nil {
		return err
	}
	return os.MkdirAll(s.abs(dir), 0o755)
}

// List returns the sorted file names directly inside dir.
func (s *FileStore) List(ctx context.Context, dir string) ([]string, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.abs(dir))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// ListDirs returns the sorted subdirectory names directly inside dir.
func (s *FileStore) ListDirs(ctx context.Context, dir string) ([]string, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.abs(dir))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list dirs %s: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Read returns the full contents of a document.
func (s *FileStore) Read(ctx context.Context, path string) ([]byte, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.abs(path))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

// Write atomically creates or replaces a document by writing a temp file
// and renaming it into place.
func (s *FileStore) Write(ctx context.Context, path string, data []byte) error {
	if err := s.check(); err != nil {
		return err
	}
	target := s.abs(path)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// CreateExclusive creates a document only if it does not already exist.
// The create-only open is the atomicity primitive claim locking relies on.
func (s *FileStore) CreateExclusive(ctx context.Context, path string, data []byte) error {
	if err := s.check(); err != nil {
		return err
	}
	target := s.abs(path)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if os.IsExist(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(target)
		return fmt.Errorf("create %s: %w", path, err)
	}
	return f.Close()
}

// Remove deletes a document.
func (s *FileStore) Remove(ctx context.Context, path string) error {
	if err := s.check(); err != nil {
		return err
	}
	err := os.Remove(s.abs(path))
	if os.IsNotExist(err) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}

// Exists reports whether a document is present.
func (s *FileStore) Exists(ctx context.Context, path string) (bool, error) {
	if err := s.check(); err != nil {
		return false, err
	}
	_, err := os.Stat(s.abs(path))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", path, err)
	}
	return true, nil
}

// Close marks the store closed. Further operations fail with
// ErrStoreClosed.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var _ Store = (*FileStore)(nil)
