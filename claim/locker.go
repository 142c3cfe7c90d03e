package claim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/taskfold/taskfold/vault"
)

// ErrLockHeld is returned by Acquire when another claim attempt holds the
// lock for the same task.
var ErrLockHeld = errors.New("lock held by another claimant")

// Locker provides the task-scoped exclusivity marker used during a claim
// attempt. Locks are ephemeral: they exist only for the duration of one
// attempt and are always removed, either by the claimant or by the
// staleness sweep.
type Locker interface {
	// Acquire takes the lock for a task. Returns ErrLockHeld if a lock
	// already exists.
	Acquire(ctx context.Context, taskID, holder string) error

	// Release removes the lock. Releasing an absent lock is not an
	// error; the staleness sweep may have gotten there first.
	Release(ctx context.Context, taskID, holder string) error

	// Sweep removes locks older than the given age and returns how many
	// were removed. Protects against locks leaked by crashed claimants.
	Sweep(ctx context.Context, olderThan time.Duration) (int, error)
}

// lockRecord is the content of a lock marker.
type lockRecord struct {
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// FileLocker implements Locker with exclusive-create lock files inside
// the store's lock folder. Creation succeeding is the sole proof of
// exclusivity.
type FileLocker struct {
	store  vault.Store
	layout vault.Layout
	logger *zap.Logger
	now    func() time.Time
}

// NewFileLocker creates a file-based locker.
func NewFileLocker(store vault.Store, layout vault.Layout, logger *zap.Logger) *FileLocker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileLocker{
		store:  store,
		layout: layout,
		logger: logger.With(zap.String("component", "file_locker")),
		now:    time.Now,
	}
}

// Acquire implements Locker.
func (l *FileLocker) Acquire(ctx context.Context, taskID, holder string) error {
	record, err := json.Marshal(lockRecord{Holder: holder, AcquiredAt: l.now()})
	if err != nil {
		return fmt.Errorf("encode lock record: %w", err)
	}
	err = l.store.CreateExclusive(ctx, l.layout.LockPath(taskID), record)
	if errors.Is(err, vault.ErrAlreadyExists) {
		return ErrLockHeld
	}
	if err != nil {
		return fmt.Errorf("acquire lock for %s: %w", taskID, err)
	}
	return nil
}

// Release implements Locker.
func (l *FileLocker) Release(ctx context.Context, taskID, holder string) error {
	err := l.store.Remove(ctx, l.layout.LockPath(taskID))
	if errors.Is(err, vault.ErrNotFound) {
		return nil
	}
	return err
}

// Sweep implements Locker. Each removal is logged with a warning because
// a stale lock means a claimant crashed mid-attempt.
func (l *FileLocker) Sweep(ctx context.Context, olderThan time.Duration) (int, error) {
	names, err := l.store.List(ctx, l.layout.Locks)
	if err != nil {
		return 0, fmt.Errorf("list locks: %w", err)
	}

	cutoff := l.now().Add(-olderThan)
	removed := 0
	for _, name := range names {
		if !strings.HasSuffix(name, ".lock") {
			continue
		}
		lockPath := l.layout.Locks + "/" + name
		raw, err := l.store.Read(ctx, lockPath)
		if errors.Is(err, vault.ErrNotFound) {
			continue // released between List and Read
		}
		if err != nil {
			return removed, err
		}

		var record lockRecord
		stale := false
		if err := json.Unmarshal(raw, &record); err != nil {
			// Unreadable lock content; treat as leaked.
			stale = true
		} else {
			stale = record.AcquiredAt.Before(cutoff)
		}
		if !stale {
			continue
		}

		if err := l.store.Remove(ctx, lockPath); err != nil && !errors.Is(err, vault.ErrNotFound) {
			return removed, err
		}
		removed++
		l.logger.Warn("removed stale claim lock",
			zap.String("lock", name),
			zap.String("holder", record.Holder),
			zap.Time("acquired_at", record.AcquiredAt),
		)
	}
	return removed, nil
}

var _ Locker = (*FileLocker)(nil)
