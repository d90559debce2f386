package hypervisor

import (
	"context"
	"errors"
	"fmt"
	"syscall"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/xenops/lock"
	"github.com/projecteru2/xenops/lock/mutex"
	"github.com/projecteru2/xenops/types"
)

// Session exclusively owns one Handle for the life of the process.
// Every primitive runs under the session lock, so at most one call is in
// flight per handle regardless of how many goroutines share the Session.
type Session struct {
	locker lock.Locker
	h      Handle
	closed bool // guarded by locker
}

// Open acquires the control interface. The in-process mutex is always
// taken first; extra lockers (e.g. a host-wide flock) are chained after it.
func Open(ctx context.Context, open Opener, extra ...lock.Locker) (*Session, error) {
	h, err := open()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOpenFailed, err)
	}
	if h == nil {
		return nil, ErrOpenFailed
	}
	chain := append(lock.Chain{mutex.New()}, extra...)
	log.WithFunc("hypervisor.Open").Debugf(ctx, "control interface opened, %d lock(s)", len(chain))
	return &Session{h: h, locker: chain}, nil
}

// Close waits for any in-flight sequence, then releases the handle.
// Mappings are unmapped inside the sequences that created them, so none can
// outlive the handle. A second Close returns ErrClosed.
func (s *Session) Close() error {
	return lock.WithLock(context.Background(), s.locker, func() error {
		if s.closed {
			return ErrClosed
		}
		s.closed = true
		return s.h.Close()
	})
}

// Do runs fn with exclusive use of the handle. Multi-step sequences (the
// boot orchestrator) run entirely inside one Do so no other caller's
// primitive can interleave. ctx bounds only the wait for the lock.
func (s *Session) Do(ctx context.Context, fn func(*Conn) error) error {
	return lock.WithLock(ctx, s.locker, func() error {
		if s.closed {
			return ErrClosed
		}
		return fn(&Conn{h: s.h})
	})
}

// ListDomains enumerates every domain. See Conn.ListDomains.
func (s *Session) ListDomains(ctx context.Context) ([]types.DomainInfo, error) {
	var out []types.DomainInfo
	err := s.Do(ctx, func(c *Conn) error {
		var err error
		out, err = c.ListDomains()
		return err
	})
	return out, err
}

// DomainInfo returns the record of a single domain.
func (s *Session) DomainInfo(ctx context.Context, id types.DomainID) (*types.DomainInfo, error) {
	var out *types.DomainInfo
	err := s.Do(ctx, func(c *Conn) error {
		var err error
		out, err = c.DomainInfo(id)
		return err
	})
	return out, err
}

// Pause asks the hypervisor to deschedule id.
func (s *Session) Pause(ctx context.Context, id types.DomainID) error {
	return s.Do(ctx, func(c *Conn) error { return c.Pause(id) })
}

// Unpause makes id runnable again.
func (s *Session) Unpause(ctx context.Context, id types.DomainID) error {
	return s.Do(ctx, func(c *Conn) error { return c.Unpause(id) })
}

// CreateDomain creates a paused, empty domain with the fixed creation config.
func (s *Session) CreateDomain(ctx context.Context) (types.DomainID, error) {
	var id types.DomainID
	err := s.Do(ctx, func(c *Conn) error {
		var err error
		id, err = c.CreateDomain(types.DefaultCreateConfig())
		return err
	})
	return id, err
}

// Conn is the primitive surface available while the session lock is held.
// It must not be retained after the Do callback returns.
type Conn struct {
	h Handle
}

// Pause succeeds iff the underlying call does.
func (c *Conn) Pause(id types.DomainID) error {
	if err := c.h.PauseDomain(id); err != nil {
		return c.lastError(err, "pause domain %d", id)
	}
	return nil
}

// Unpause succeeds iff the underlying call does.
func (c *Conn) Unpause(id types.DomainID) error {
	if err := c.h.UnpauseDomain(id); err != nil {
		return c.lastError(err, "unpause domain %d", id)
	}
	return nil
}

// CreateDomain returns the id the hypervisor assigned.
func (c *Conn) CreateDomain(cfg *types.CreateConfig) (types.DomainID, error) {
	id, err := c.h.CreateDomain(cfg)
	if err != nil {
		return 0, c.lastError(err, "create domain")
	}
	return id, nil
}

// SetMaxVCPUs bounds the number of vCPUs the domain may bring online.
func (c *Conn) SetMaxVCPUs(id types.DomainID, n uint32) error {
	if err := c.h.SetMaxVCPUs(id, n); err != nil {
		return c.lastError(err, "set max vcpus of domain %d", id)
	}
	return nil
}

// SetMaxMemory sets the memory ceiling in KiB.
func (c *Conn) SetMaxMemory(id types.DomainID, kb uint64) error {
	if err := c.h.SetMaxMemory(id, kb); err != nil {
		return c.lastError(err, "set max memory of domain %d", id)
	}
	return nil
}

// PopulatePhysmapExact backs every listed frame or fails.
func (c *Conn) PopulatePhysmapExact(id types.DomainID, order uint32, pfns []uint64) error {
	if err := c.h.PopulatePhysmapExact(id, order, pfns); err != nil {
		return c.lastError(err, "populate %d frame(s) of domain %d", len(pfns), id)
	}
	return nil
}

// MapForeign maps the frames into this process. The caller owns the
// returned mapping and must Unmap it before the session is closed.
func (c *Conn) MapForeign(id types.DomainID, prot int, pfns []uint64) (*ForeignMapping, error) {
	mem, err := c.h.MapForeignPages(id, prot, pfns)
	if err != nil {
		return nil, c.lastError(err, "map %d frame(s) of domain %d", len(pfns), id)
	}
	return &ForeignMapping{conn: c, dom: id, mem: mem}, nil
}

// HVMContext fetches the domain's HVM save buffer: a zero-length probe
// sizes it, a second call fills it.
func (c *Conn) HVMContext(id types.DomainID) ([]byte, error) {
	size, err := c.h.HVMContext(id, nil)
	if err != nil {
		return nil, c.lastError(err, "probe hvm context of domain %d", id)
	}
	buf := make([]byte, size)
	n, err := c.h.HVMContext(id, buf)
	if err != nil {
		return nil, c.lastError(err, "get hvm context of domain %d", id)
	}
	return buf[:n], nil
}

// SetHVMContext loads buf as the domain's HVM state.
func (c *Conn) SetHVMContext(id types.DomainID, buf []byte) error {
	if err := c.h.SetHVMContext(id, buf); err != nil {
		return c.lastError(err, "set hvm context of domain %d", id)
	}
	return nil
}

// lastError turns a failure signal into a typed *Error: the hypervisor's
// own code when one is recorded, otherwise the errno of the failed call,
// otherwise an empty error (the caller saw a failure nobody recorded).
func (c *Conn) lastError(callErr error, format string, args ...any) *Error {
	code, msg := c.h.LastError()
	details := fmt.Sprintf(format, args...)
	if msg != "" {
		details += ": " + msg
	}
	if code != CodeNone {
		return &Error{Code: code, Details: details}
	}
	var errno syscall.Errno
	if errors.As(callErr, &errno) && errno != 0 {
		return &Error{Errno: errno, Details: details}
	}
	return &Error{Details: details}
}
