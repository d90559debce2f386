package mutex

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMutex_LockUnlock(t *testing.T) {
	ctx := context.Background()
	m := New()
	if err := m.Lock(ctx); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if err := m.Unlock(ctx); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if err := m.Unlock(ctx); !errors.Is(err, errNotLocked) {
		t.Errorf("expected errNotLocked, got %v", err)
	}
}

func TestMutex_ContextCancel(t *testing.T) {
	m := New()
	_ = m.Lock(context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := m.Lock(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestMutex_Handoff(t *testing.T) {
	ctx := context.Background()
	m := New()
	_ = m.Lock(ctx)
	done := make(chan error, 1)
	go func() { done <- m.Lock(ctx) }()
	time.Sleep(10 * time.Millisecond)
	_ = m.Unlock(ctx)
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("lock: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired the mutex")
	}
}
