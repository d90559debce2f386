package mutex

import (
	"context"
	"errors"
	"fmt"

	"github.com/projecteru2/xenops/lock"
)

// compile-time interface check.
var _ lock.Locker = (*Mutex)(nil)

var errNotLocked = errors.New("unlock of unlocked mutex")

// Mutex is an in-process lock whose acquisition can be abandoned through
// the context. The zero value is not usable; call New.
type Mutex struct {
	ch chan struct{}
}

// New returns an unlocked Mutex.
func New() *Mutex {
	return &Mutex{ch: make(chan struct{}, 1)}
}

// Lock blocks until the mutex is free or ctx is done.
func (m *Mutex) Lock(ctx context.Context) error {
	select {
	case m.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("acquire mutex: %w", ctx.Err())
	}
}

// Unlock releases the mutex.
func (m *Mutex) Unlock(_ context.Context) error {
	select {
	case <-m.ch:
		return nil
	default:
		return errNotLocked
	}
}
