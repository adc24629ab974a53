// Package lock implements C6, the advisory file lock guarding one task
// file while it's being processed. Mechanism is gofrs/flock (seen in
// the pack's dependency surface, e.g. compozy's go.mod) wrapping a
// sidecar "<path>.lock" file; the bounded poll-retry loop mirrors
// original_source's file_lock async context manager, which retries
// fcntl.flock(LOCK_EX|LOCK_NB) every 100ms until lock_timeout elapses.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/gofrs/flock"
)

// pollInterval matches original_source's asyncio.sleep(0.1) retry cadence.
const pollInterval = 100 * time.Millisecond

// FileLock is the capability interface hiding platform locking, per
// spec.md §9's "FileLock interface" re-architecture note — lets tests
// substitute a fake without touching the filesystem.
type FileLock interface {
	Acquire(ctx context.Context, timeout time.Duration) error
	Release() error
}

// Flock is the gofrs/flock-backed FileLock for one target path. The
// sidecar file is "<path>.lock".
type Flock struct {
	path string
	fl   *flock.Flock
}

// New returns a lock guarding path (the lock itself lives at
// "<path>.lock", never the file being protected).
func New(path string) *Flock {
	return &Flock{
		path: path,
		fl:   flock.New(path + ".lock"),
	}
}

// Acquire blocks, retrying every pollInterval, until the lock is held,
// ctx is done, or timeout elapses — whichever comes first.
func (f *Flock) Acquire(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		ok, err := f.fl.TryLock()
		if err != nil {
			return fmt.Errorf("acquiring lock for %s: %w", f.path, err)
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out acquiring lock for %s after %s", f.path, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// Release unlocks and removes the sidecar lock file, matching
// original_source's file_lock `finally` block (unlock, close, unlink).
func (f *Flock) Release() error {
	if err := f.fl.Unlock(); err != nil {
		return fmt.Errorf("releasing lock for %s: %w", f.path, err)
	}
	if err := os.Remove(f.path + ".lock"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing lock file for %s: %w", f.path, err)
	}
	return nil
}
