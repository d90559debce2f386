package flock

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/flock"

	"github.com/projecteru2/xenops/lock"
)

const retryDelay = 50 * time.Millisecond

// compile-time interface check.
var _ lock.Locker = (*Lock)(nil)

// Lock serializes control-interface access between xenops processes on the
// same host (CLI invocations and the daemon) using flock(2).
// Lock files live under the run dir and are never removed.
type Lock struct {
	fl *flock.Flock
}

// New creates a Lock for the given path. The file is created on first Lock.
func New(path string) *Lock {
	return &Lock{fl: flock.New(path)}
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.fl.Path() }

// Lock acquires an exclusive flock, retrying until ctx is done.
func (l *Lock) Lock(ctx context.Context) error {
	locked, err := l.fl.TryLockContext(ctx, retryDelay)
	if err != nil {
		return fmt.Errorf("acquire flock %s: %w", l.fl.Path(), err)
	}
	if !locked {
		return fmt.Errorf("acquire flock %s: context done", l.fl.Path())
	}
	return nil
}

// Unlock releases the flock.
func (l *Lock) Unlock(_ context.Context) error {
	if err := l.fl.Unlock(); err != nil {
		return fmt.Errorf("release flock %s: %w", l.fl.Path(), err)
	}
	return nil
}
