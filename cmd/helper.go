package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	units "github.com/docker/go-units"
	"github.com/projecteru2/core/log"

	"github.com/projecteru2/xenops/boot"
	"github.com/projecteru2/xenops/config"
	"github.com/projecteru2/xenops/hypervisor"
	"github.com/projecteru2/xenops/hypervisor/simulated"
	"github.com/projecteru2/xenops/hypervisor/xenctrl"
	"github.com/projecteru2/xenops/lock/flock"
	"github.com/projecteru2/xenops/types"
	"github.com/projecteru2/xenops/xenstore"
	"github.com/projecteru2/xenops/xenstore/memstore"
)

// sessions bundles what a command needs; close releases whatever was opened.
type sessions struct {
	hv    *hypervisor.Session
	store *xenstore.Session
}

func (s *sessions) close() {
	if s.store != nil {
		_ = s.store.Close()
	}
	if s.hv != nil {
		_ = s.hv.Close()
	}
}

// initHypervisor opens the configured backend. On a real host the session
// also takes a host-wide flock so CLI invocations and the daemon never
// drive libxenctrl concurrently.
func initHypervisor(ctx context.Context) (*hypervisor.Session, error) {
	if conf.Backend == config.BackendSimulated {
		return hypervisor.Open(ctx, simulated.Open)
	}
	if err := conf.EnsureDirs(); err != nil {
		return nil, err
	}
	return hypervisor.Open(ctx, xenctrl.Open, flock.New(conf.HypervisorLockFile()))
}

// initStore connects to xenstored, waiting for its socket if configured.
func initStore(ctx context.Context) (*xenstore.Session, error) {
	if conf.Backend == config.BackendSimulated {
		ms := memstore.New()
		ms.Set(xenstore.DomainPath(0)+"/name", "Domain-0")
		return xenstore.New(ms.Pipe()), nil
	}
	if err := conf.EnsureDirs(); err != nil {
		return nil, err
	}
	if wait := conf.StoreWait(); wait > 0 {
		if err := xenstore.WaitForSocket(ctx, conf.XenstoreSocket, wait); err != nil {
			log.WithFunc("cmd.initStore").Warnf(ctx, "xenstored socket: %v, trying %s", err, conf.XenbusDevice)
		}
	}
	return xenstore.Open(ctx, conf.StorePath(), flock.New(conf.StoreLockFile()))
}

func initBoth(ctx context.Context) (*sessions, error) {
	hv, err := initHypervisor(ctx)
	if err != nil {
		return nil, err
	}
	store, err := initStore(ctx)
	if err != nil {
		_ = hv.Close()
		return nil, err
	}
	return &sessions{hv: hv, store: store}, nil
}

func initOrchestrator(hv *hypervisor.Session) (*boot.Orchestrator, error) {
	return boot.New(hv, conf.BootProfile())
}

// lockContext bounds how long a command waits for a session lock.
func lockContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if conf.LockTimeout() <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, conf.LockTimeout())
}

func parseDomainIDs(args []string) ([]types.DomainID, error) {
	ids := make([]types.DomainID, 0, len(args))
	for _, a := range args {
		id, err := types.ParseDomainID(a)
		if err != nil {
			return nil, fmt.Errorf("invalid domain id %q", a)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// forEachDomain applies fn to every id, best-effort, and joins the failures.
func forEachDomain(ctx context.Context, ids []types.DomainID, op string, fn func(context.Context, types.DomainID) error) ([]types.DomainID, error) {
	logger := log.WithFunc("cmd." + op)
	var succeeded []types.DomainID
	var errs []error
	for _, id := range ids {
		if err := fn(ctx, id); err != nil {
			logger.Warnf(ctx, "%s domain %d: %v", op, id, err)
			errs = append(errs, fmt.Errorf("domain %d: %w", id, err))
			continue
		}
		succeeded = append(succeeded, id)
	}
	return succeeded, errors.Join(errs...)
}

// batchDomainCmd reports per-id results of a forEachDomain run.
func batchDomainCmd(ctx context.Context, name, pastTense string, fn func(context.Context, types.DomainID) error, args []string) error {
	ids, err := parseDomainIDs(args)
	if err != nil {
		return err
	}
	logger := log.WithFunc("cmd." + name)
	done, err := forEachDomain(ctx, ids, name, fn)
	for _, id := range done {
		logger.Infof(ctx, "%s: %d", pastTense, id)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if len(done) == 0 {
		logger.Infof(ctx, "no domains %s", strings.ToLower(pastTense))
	}
	return nil
}

func formatSize(bytes int64) string {
	return units.BytesSize(float64(bytes))
}

func formatCPUTime(ns uint64) string {
	return (time.Duration(ns) * time.Nanosecond).Truncate(time.Second).String() //nolint:gosec
}
