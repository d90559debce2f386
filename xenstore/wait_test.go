package xenstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
)

func TestWaitCreate_ClosedErrors(t *testing.T) {
	events := make(chan fsnotify.Event)
	errs := make(chan error)
	close(errs)

	go func() {
		time.Sleep(20 * time.Millisecond)
		events <- fsnotify.Event{Name: "/run/xenstored/other", Op: fsnotify.Create}
		events <- fsnotify.Event{Name: "/run/xenstored/socket", Op: fsnotify.Create}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := waitCreate(ctx, "/run/xenstored/socket", events, errs); err != nil {
		t.Fatalf("wait: %v", err)
	}
}

func TestWaitCreate_ClosedErrorsTimeout(t *testing.T) {
	errs := make(chan error)
	close(errs)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := waitCreate(ctx, "/run/xenstored/socket", make(chan fsnotify.Event), errs)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected DeadlineExceeded, got %v", err)
	}
}

func TestWaitCreate_EventsClosed(t *testing.T) {
	events := make(chan fsnotify.Event)
	close(events)
	err := waitCreate(context.Background(), "/run/xenstored/socket", events, make(chan error))
	if err == nil {
		t.Error("expected error when the watcher closes")
	}
}
