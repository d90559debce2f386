package xenstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/projecteru2/core/log"
)

// WaitForSocket blocks until path exists or timeout elapses. xenstored
// creates its socket late during host boot; callers starting alongside it
// use this instead of failing Open.
func WaitForSocket(ctx context.Context, path string, timeout time.Duration) error {
	path = filepath.Clean(path)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}
	defer w.Close() //nolint:errcheck
	if err := w.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}
	// Created between the first Stat and Add.
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	log.WithFunc("xenstore.WaitForSocket").Debugf(ctx, "waiting for %s", path)
	return waitCreate(ctx, path, w.Events, w.Errors)
}

// waitCreate returns once events reports path being created. A closed
// error channel is dropped from the select; closed events end the wait.
func waitCreate(ctx context.Context, path string, events <-chan fsnotify.Event, errs <-chan error) error {
	logger := log.WithFunc("xenstore.WaitForSocket")
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return fmt.Errorf("watch %s: watcher closed", path)
			}
			if ev.Name == path && ev.Has(fsnotify.Create) {
				return nil
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			logger.Warnf(ctx, "watch %s: %v", path, err)
		case <-ctx.Done():
			return fmt.Errorf("wait for %s: %w", path, ctx.Err())
		}
	}
}
