package vault

import (
	"context"
	"path"
	"sort"
	"strings"
	"sync"
)

// MemStore is an in-memory Store for tests and development. It mirrors the
// FileStore semantics, including ErrAlreadyExists from CreateExclusive, so
// engine behavior under contention can be exercised without a filesystem.
type MemStore struct {
	mu     sync.RWMutex
	files  map[string][]byte
	dirs   map[string]struct{}
	closed bool
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		files: make(map[string][]byte),
		dirs:  map[string]struct{}{".": {}},
	}
}

func (s *MemStore) markDirs(p string) {
	for d := path.Dir(p); d != "." && d != "/"; d = path.Dir(d) {
		s.dirs[d] = struct{}{}
	}
}

// EnsureDir creates a directory and any missing parents.
func (s *MemStore) EnsureDir(ctx context.Context, dir string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	dir = path.Clean(dir)
	s.dirs[dir] = struct{}{}
	s.markDirs(dir)
	return nil
}

// List returns the sorted file names directly inside dir.
func (s *MemStore) List(ctx context.Context, dir string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	dir = path.Clean(dir)
	var names []string
	for p := range s.files {
		if path.Dir(p) == dir {
			names = append(names, path.Base(p))
		}
	}
	sort.Strings(names)
	return names, nil
}

// ListDirs returns the sorted subdirectory names directly inside dir.
func (s *MemStore) ListDirs(ctx context.Context, dir string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	dir = path.Clean(dir)
	prefix := dir + "/"
	if dir == "." {
		prefix = ""
	}
	seen := make(map[string]struct{})
	for d := range s.dirs {
		if d != dir && strings.HasPrefix(d, prefix) {
			rest := strings.TrimPrefix(d, prefix)
			if i := strings.IndexByte(rest, '/'); i >= 0 {
				rest = rest[:i]
			}
			if rest != "" {
				seen[rest] = struct{}{}
			}
		}
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

// Read returns the full contents of a document.
func (s *MemStore) Read(ctx context.Context, p string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	data, ok := s.files[path.Clean(p)]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// Write creates or replaces a document.
func (s *MemStore) Write(ctx context.Context, p string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	p = path.Clean(p)
	s.files[p] = append([]byte(nil), data...)
	s.markDirs(p)
	return nil
}

// CreateExclusive creates a document only if it does not already exist.
func (s *MemStore) CreateExclusive(ctx context.Context, p string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	p = path.Clean(p)
	if _, ok := s.files[p]; ok {
		return ErrAlreadyExists
	}
	s.files[p] = append([]byte(nil), data...)
	s.markDirs(p)
	return nil
}

// Remove deletes a document.
func (s *MemStore) Remove(ctx context.Context, p string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	p = path.Clean(p)
	if _, ok := s.files[p]; !ok {
		return ErrNotFound
	}
	delete(s.files, p)
	return nil
}

// Exists reports whether a document is present.
func (s *MemStore) Exists(ctx context.Context, p string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, ErrStoreClosed
	}
	_, ok := s.files[path.Clean(p)]
	return ok, nil
}

// Close marks the store closed.
func (s *MemStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var _ Store = (*MemStore)(nil)
