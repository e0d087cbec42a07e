// Package extlock provides cross-process file locking for external shared
// files (spec.md §5: "External shared files ... accessed under a
// filesystem-level lock with bounded retries"), used to guard the chunk
// object store against concurrent external writers during purge.
package extlock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// DefaultMaxRetries, DefaultBaseDelay, and DefaultMaxDelay implement the
// bounded retry policy spec.md §5 names: up to 5 retries, exponential
// backoff from 50ms to 200ms, doubling.
const (
	DefaultMaxRetries = 5
	DefaultBaseDelay  = 50 * time.Millisecond
	DefaultMaxDelay   = 200 * time.Millisecond
)

// FileLock guards a directory's shared external files with an
// exclusive lock file, using gofrs/flock so it works across platforms.
type FileLock struct {
	path   string
	flock  *flock.Flock
	locked bool
}

// New creates a lock for dir; the lock file lives at <dir>/.chunky.lock.
func New(dir string) *FileLock {
	lockPath := filepath.Join(dir, ".chunky.lock")
	return &FileLock{path: lockPath, flock: flock.New(lockPath)}
}

// Lock acquires the lock, retrying with exponential backoff on contention
// (one attempt plus up to DefaultMaxRetries retries, DefaultBaseDelay
// doubling to DefaultMaxDelay) before giving up.
func (l *FileLock) Lock(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("extlock: create lock directory: %w", err)
	}

	delay := DefaultBaseDelay
	var lastErr error
	for attempt := 0; attempt <= DefaultMaxRetries; attempt++ {
		acquired, err := l.flock.TryLock()
		if err != nil {
			lastErr = err
		} else if acquired {
			l.locked = true
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		if delay < DefaultMaxDelay {
			delay *= 2
			if delay > DefaultMaxDelay {
				delay = DefaultMaxDelay
			}
		}
	}
	if lastErr != nil {
		return fmt.Errorf("extlock: acquire lock on %s: %w", l.path, lastErr)
	}
	return fmt.Errorf("extlock: timed out acquiring lock on %s", l.path)
}

// Unlock releases the lock. Safe to call multiple times.
func (l *FileLock) Unlock() error {
	if !l.locked {
		return nil
	}
	if err := l.flock.Unlock(); err != nil {
		return fmt.Errorf("extlock: release lock: %w", err)
	}
	l.locked = false
	return nil
}

// Path returns the lock file path.
func (l *FileLock) Path() string { return l.path }

// IsLocked reports whether this handle currently holds the lock.
func (l *FileLock) IsLocked() bool { return l.locked }
