package vault

import (
	"context"
	"errors"
)

// Common errors returned by Store implementations.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrStoreClosed   = errors.New("store is closed")
)

// Store is the document store abstraction. All paths are slash-separated
// and relative to the store root. Implementations must make Write atomic
// (a reader never observes a partial document) and CreateExclusive must
// fail with ErrAlreadyExists if the path exists, which is the primitive
// the claim lock is built on.
type Store interface {
	// EnsureDir creates a directory and any missing parents.
	EnsureDir(ctx context.Context, dir string) error

	// List returns the file names (not subdirectories) directly inside
	// dir, sorted. A missing directory yields an empty list.
	List(ctx context.Context, dir string) ([]string, error)

	// ListDirs returns the names of subdirectories directly inside dir,
	// sorted. A missing directory yields an empty list.
	ListDirs(ctx context.Context, dir string) ([]string, error)

	// Read returns the full contents of a document.
	Read(ctx context.Context, path string) ([]byte, error)

	// Write atomically creates or replaces a document.
	Write(ctx context.Context, path string, data []byte) error

	// CreateExclusive creates a document only if it does not already
	// exist. Returns ErrAlreadyExists otherwise.
	CreateExclusive(ctx context.Context, path string, data []byte) error

	// Remove deletes a document. Returns ErrNotFound if absent.
	Remove(ctx context.Context, path string) error

	// Exists reports whether a document is present.
	Exists(ctx context.Context, path string) (bool, error)

	// Close releases resources held by the store.
	Close() error
}
