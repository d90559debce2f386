package vm

import (
	"context"
	"errors"
	"testing"

	"github.com/opencontainers/go-digest"

	"github.com/projecteru2/xenops/hypervisor"
	"github.com/projecteru2/xenops/hypervisor/simulated"
	"github.com/projecteru2/xenops/types"
	"github.com/projecteru2/xenops/xenstore"
	"github.com/projecteru2/xenops/xenstore/memstore"
)

func newStore(t *testing.T) (*xenstore.Session, *memstore.Store) {
	t.Helper()
	ms := memstore.New()
	s := xenstore.New(ms.Pipe())
	t.Cleanup(func() { _ = s.Close() })
	return s, ms
}

// --- Shutdown ---

func TestShutdown_Reboot(t *testing.T) {
	ctx := context.Background()
	s, ms := newStore(t)
	ms.Set("/local/domain/5/name", "web")

	if err := Shutdown(ctx, s, 5, types.ShutdownReboot); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	got, err := s.Read(ctx, "/local/domain/5/control/shutdown")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got != "reboot" {
		t.Errorf("expected %q, got %q", "reboot", got)
	}
}

func TestShutdown_Rewrites(t *testing.T) {
	ctx := context.Background()
	s, ms := newStore(t)
	ms.Set("/local/domain/5/control/shutdown", "halt")

	if err := Shutdown(ctx, s, 5, types.ShutdownReason(9)); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if got, _ := ms.Get("/local/domain/5/control/shutdown"); got != "(unknown 9)" {
		t.Errorf("expected %q, got %q", "(unknown 9)", got)
	}
}

func TestShutdown_MissingDomain(t *testing.T) {
	ctx := context.Background()
	s, ms := newStore(t)

	err := Shutdown(ctx, s, 8, types.ShutdownPowerOff)
	if !errors.Is(err, xenstore.ErrStore) {
		t.Fatalf("expected store error, got %v", err)
	}
	if _, ok := ms.Get("/local/domain/8/control/shutdown"); ok {
		t.Error("signal written for a missing domain")
	}
	if ms.OpenTransactions() != 0 {
		t.Errorf("expected no open transactions, got %d", ms.OpenTransactions())
	}
}

func TestShutdown_WriteFailureIsAtomic(t *testing.T) {
	ctx := context.Background()
	s, ms := newStore(t)
	ms.Set("/local/domain/5/control/shutdown", "halt")
	ms.Fail(xenstore.OpWrite, "EACCES")

	if err := Shutdown(ctx, s, 5, types.ShutdownReboot); err == nil {
		t.Fatal("expected error")
	}
	// The remove inside the failed transaction must not have landed.
	if got, ok := ms.Get("/local/domain/5/control/shutdown"); !ok || got != "halt" {
		t.Errorf("expected stale signal untouched, got %q %v", got, ok)
	}
}

func TestShutdownWithRetry_Conflict(t *testing.T) {
	ctx := context.Background()
	s, ms := newStore(t)
	ms.Set("/local/domain/5/name", "web")

	ms.Fail(xenstore.OpTransactionEnd, "EAGAIN")
	err := ShutdownWithRetry(ctx, s, 5, types.ShutdownHalt, 3)
	if !xenstore.IsConflict(err) {
		t.Fatalf("expected conflict after retries, got %v", err)
	}
	ms.Fail(xenstore.OpTransactionEnd, "")
	if err := ShutdownWithRetry(ctx, s, 5, types.ShutdownHalt, 3); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if got, _ := ms.Get("/local/domain/5/control/shutdown"); got != "halt" {
		t.Errorf("expected %q, got %q", "halt", got)
	}
}

func TestShutdownWithRetry_NoRetryOnOtherErrors(t *testing.T) {
	s, ms := newStore(t)
	ms.Fail(xenstore.OpTransactionStart, "ENOSPC")
	err := ShutdownWithRetry(context.Background(), s, 5, types.ShutdownHalt, 5)
	var se *xenstore.Error
	if !errors.As(err, &se) || se.Reason != "ENOSPC" {
		t.Errorf("expected ENOSPC, got %v", err)
	}
}

// --- Name / PublishImage ---

func TestName(t *testing.T) {
	ctx := context.Background()
	s, ms := newStore(t)
	ms.Set("/local/domain/2/name", "db")

	if got, err := Name(ctx, s, 2); err != nil || got != "db" {
		t.Errorf("expected %q, got %q %v", "db", got, err)
	}
	if _, err := Name(ctx, s, 3); !errors.Is(err, xenstore.ErrStore) {
		t.Errorf("expected store error, got %v", err)
	}
}

func TestPublishImage(t *testing.T) {
	ctx := context.Background()
	s, ms := newStore(t)
	d := digest.FromString("kernel")
	if err := PublishImage(ctx, s, 4, "/boot/k.bin", d); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got, _ := ms.Get("/local/domain/4/xenops/image"); got != "/boot/k.bin" {
		t.Errorf("expected %q, got %q", "/boot/k.bin", got)
	}
	if got, _ := ms.Get("/local/domain/4/xenops/image-digest"); got != d.String() {
		t.Errorf("expected %q, got %q", d, got)
	}
}

// --- List ---

func TestList_Placeholder(t *testing.T) {
	ctx := context.Background()
	s, ms := newStore(t)
	ms.Set("/local/domain/0/name", "Domain-0")

	sim := simulated.New()
	sim.AddDomain(types.DomainInfo{ID: 3, Running: true})
	hv, err := hypervisor.Open(ctx, func() (hypervisor.Handle, error) { return sim, nil })
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer hv.Close() //nolint:errcheck

	got, err := List(ctx, hv, s)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(got))
	}
	if got[0].Name != "Domain-0" || got[1].Name != NamePlaceholder {
		t.Errorf("unexpected names: %q %q", got[0].Name, got[1].Name)
	}
	if got[1].ID != 3 || got[1].UUID == "" {
		t.Errorf("unexpected row: %+v", got[1])
	}
}
