// Package vm is the domain lifecycle facade over the two sessions:
// shutdown signalling and naming through the control store, listing
// through both.
package vm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/opencontainers/go-digest"
	"github.com/projecteru2/core/log"

	"github.com/projecteru2/xenops/hypervisor"
	"github.com/projecteru2/xenops/types"
	"github.com/projecteru2/xenops/xenstore"
)

// NamePlaceholder stands in for a name that cannot be read.
const NamePlaceholder = "(null)"

func namePath(id types.DomainID) string     { return xenstore.DomainPath(id) + "/name" }
func shutdownPath(id types.DomainID) string { return xenstore.DomainPath(id) + "/control/shutdown" }
func imagePath(id types.DomainID) string    { return xenstore.DomainPath(id) + "/xenops/image" }
func digestPath(id types.DomainID) string   { return xenstore.DomainPath(id) + "/xenops/image-digest" }

// Shutdown signals the guest to shut down for reason. In one transaction it
// reads the domain root (a vanished domain fails here and nothing is
// written), clears any stale signal, and writes the reason token. The
// signal is advisory; nothing here waits for the guest to act on it.
func Shutdown(ctx context.Context, store *xenstore.Session, id types.DomainID, reason types.ShutdownReason) error {
	err := store.Transact(ctx, func(tx *xenstore.Transaction) error {
		if _, err := tx.Read(ctx, xenstore.DomainPath(id)); err != nil {
			return fmt.Errorf("read domain %d: %w", id, err)
		}
		// A missing stale signal is the common case.
		_ = tx.Remove(ctx, shutdownPath(id))
		return tx.Write(ctx, shutdownPath(id), reason.String())
	})
	if err != nil {
		return fmt.Errorf("shutdown domain %d: %w", id, err)
	}
	log.WithFunc("vm.Shutdown").Infof(ctx, "domain %d signalled %s", id, reason)
	return nil
}

// ShutdownWithRetry re-runs the whole Shutdown transaction when its commit
// loses a race with another store writer. Other failures return at once.
func ShutdownWithRetry(ctx context.Context, store *xenstore.Session, id types.DomainID, reason types.ShutdownReason, attempts uint) error {
	logger := log.WithFunc("vm.ShutdownWithRetry")
	return retry.Do(
		func() error { return Shutdown(ctx, store, id, reason) },
		retry.Context(ctx),
		retry.Attempts(max(attempts, 1)),
		retry.Delay(20*time.Millisecond),
		retry.RetryIf(xenstore.IsConflict),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.Warnf(ctx, "domain %d: shutdown attempt %d conflicted: %v", id, n+1, err)
		}),
	)
}

// Name reads the display name of id.
func Name(ctx context.Context, store *xenstore.Session, id types.DomainID) (string, error) {
	name, err := store.Read(ctx, namePath(id))
	if err != nil {
		return "", fmt.Errorf("name of domain %d: %w", id, err)
	}
	return name, nil
}

// PublishImage records which image a domain was booted from.
func PublishImage(ctx context.Context, store *xenstore.Session, id types.DomainID, path string, dgst digest.Digest) error {
	return store.Transact(ctx, func(tx *xenstore.Transaction) error {
		if err := tx.Write(ctx, imagePath(id), path); err != nil {
			return err
		}
		return tx.Write(ctx, digestPath(id), dgst.String())
	})
}

// Summary is one row of List.
type Summary struct {
	types.DomainInfo
	Name string `json:"name"`
	UUID string `json:"uuid"`
}

// List enumerates every domain and joins in its name. Unreadable names are
// replaced by NamePlaceholder; only an enumeration failure is an error.
func List(ctx context.Context, hv *hypervisor.Session, store *xenstore.Session) ([]Summary, error) {
	infos, err := hv.ListDomains(ctx)
	if err != nil {
		return nil, err
	}
	logger := log.WithFunc("vm.List")
	out := make([]Summary, 0, len(infos))
	for _, info := range infos {
		name, err := Name(ctx, store, info.ID)
		if err != nil {
			if !errors.Is(err, xenstore.ErrStore) {
				return nil, err
			}
			logger.Debugf(ctx, "domain %d has no name: %v", info.ID, err)
			name = NamePlaceholder
		}
		out = append(out, Summary{DomainInfo: info, Name: name, UUID: info.UUID()})
	}
	return out, nil
}
