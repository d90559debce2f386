package lock

import (
	"context"
	"errors"
)

// Locker provides mutual exclusion with context support. The context bounds
// only the wait for the lock; holding it is never interrupted.
type Locker interface {
	Lock(ctx context.Context) error
	Unlock(ctx context.Context) error
}

// WithLock acquires the lock, calls fn, and releases the lock.
// If fn returns an error, the lock is still released.
func WithLock(ctx context.Context, l Locker, fn func() error) error {
	if err := l.Lock(ctx); err != nil {
		return err
	}
	defer l.Unlock(context.WithoutCancel(ctx)) //nolint:errcheck
	return fn()
}

// Chain is a Locker that takes every member in order and releases them in
// reverse. A failed acquisition releases whatever was already held.
type Chain []Locker

func (c Chain) Lock(ctx context.Context) error {
	for i, l := range c {
		if err := l.Lock(ctx); err != nil {
			_ = c[:i].Unlock(context.WithoutCancel(ctx))
			return err
		}
	}
	return nil
}

func (c Chain) Unlock(ctx context.Context) error {
	var errs []error
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i].Unlock(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
