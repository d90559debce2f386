// Package simulated is an in-memory hypervisor Handle. It keeps enough
// state (domains, pause flags, frames, HVM save buffers) for the session and
// boot code to run end to end without Xen, and it can be told to fail the
// next call of any primitive the way libxenctrl would.
package simulated

import (
	"errors"
	"sort"
	"sync"
	"syscall"

	"github.com/projecteru2/xenops/hvmsave"
	"github.com/projecteru2/xenops/hypervisor"
	"github.com/projecteru2/xenops/types"
)

// Op names a primitive for failure injection and call counting.
type Op string

const (
	OpList       Op = "list"
	OpPause      Op = "pause"
	OpUnpause    Op = "unpause"
	OpCreate     Op = "create"
	OpMaxVCPUs   Op = "max_vcpus"
	OpMaxMemory  Op = "max_memory"
	OpPopulate   Op = "populate"
	OpMap        Op = "map"
	OpUnmap      Op = "unmap"
	OpGetContext Op = "get_context"
	OpSetContext Op = "set_context"
)

const (
	firstGuestDom types.DomainID = 1
	domidReserved types.DomainID = 0x7ff0 // DOMID_FIRST_RESERVED
)

var errCallFailed = errors.New("simulated call failed")

// compile-time interface check.
var _ hypervisor.Handle = (*Hypervisor)(nil)

// Failure is what an injected failure records: a hypervisor code (with an
// optional message) or, with CodeNone, just an errno. Both zero simulates a
// failed call that recorded nothing.
type Failure struct {
	Code    hypervisor.ErrorCode
	Message string
	Errno   syscall.Errno
}

// Domain is the simulated per-domain state.
type Domain struct {
	Info     types.DomainInfo
	MaxVCPUs uint32
	MaxMemKB uint64
	Frames   map[uint64][]byte
	Context  []byte
}

type mapping struct {
	dom  types.DomainID
	pfns []uint64
}

// Hypervisor implements hypervisor.Handle in memory.
type Hypervisor struct {
	mu       sync.Mutex
	domains  map[types.DomainID]*Domain
	mappings map[*byte]mapping
	failures map[Op]Failure
	calls    map[Op]int
	lastCode hypervisor.ErrorCode
	lastMsg  string
	closed   bool
}

// New returns a hypervisor running only dom0.
func New() *Hypervisor {
	h := &Hypervisor{
		domains:  make(map[types.DomainID]*Domain),
		mappings: make(map[*byte]mapping),
		failures: make(map[Op]Failure),
		calls:    make(map[Op]int),
	}
	h.domains[0] = &Domain{
		Info:     types.DomainInfo{ID: 0, Running: true, OnlineVCPUs: 1, TotalPages: 1 << 18, MaxPages: 1 << 18},
		MaxVCPUs: 1,
		Frames:   map[uint64][]byte{},
	}
	return h
}

// Open adapts New to hypervisor.Opener.
func Open() (hypervisor.Handle, error) { return New(), nil }

// Fail makes the next call of op fail with f.
func (h *Hypervisor) Fail(op Op, f Failure) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures[op] = f
}

// Calls reports how many times op has been invoked.
func (h *Hypervisor) Calls(op Op) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls[op]
}

// AddDomain registers a running domain with a chosen id, replacing any
// existing one.
func (h *Hypervisor) AddDomain(info types.DomainInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.domains[info.ID] = &Domain{Info: info, MaxVCPUs: 1, Frames: map[uint64][]byte{}, Context: defaultContext()}
}

// Domain returns a copy of the state of id.
func (h *Hypervisor) Domain(id types.DomainID) (Domain, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	d, ok := h.domains[id]
	if !ok {
		return Domain{}, false
	}
	cp := *d
	cp.Frames = make(map[uint64][]byte, len(d.Frames))
	for pfn, f := range d.Frames {
		cp.Frames[pfn] = append([]byte(nil), f...)
	}
	cp.Context = append([]byte(nil), d.Context...)
	return cp, true
}

// ReadGuest copies n bytes of guest-physical memory starting at gpa.
// Unpopulated frames read as zero.
func (h *Hypervisor) ReadGuest(id types.DomainID, gpa uint64, n int) []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]byte, n)
	d := h.domains[id]
	if d == nil {
		return out
	}
	for i := 0; i < n; {
		addr := gpa + uint64(i)
		pfn, off := addr/types.PageSize, int(addr%types.PageSize)
		chunk := min(types.PageSize-off, n-i)
		if f, ok := d.Frames[pfn]; ok {
			copy(out[i:i+chunk], f[off:off+chunk])
		}
		i += chunk
	}
	return out
}

// Mapped reports the number of live foreign mappings.
func (h *Hypervisor) Mapped() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.mappings)
}

// Closed reports whether Close was called.
func (h *Hypervisor) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// enter counts the call and applies any injected failure. Must hold mu.
func (h *Hypervisor) enter(op Op) error {
	h.calls[op]++
	h.lastCode, h.lastMsg = hypervisor.CodeNone, ""
	f, ok := h.failures[op]
	if !ok {
		return nil
	}
	delete(h.failures, op)
	return h.fail(f)
}

// fail records f as the last error and returns the call-level signal.
func (h *Hypervisor) fail(f Failure) error {
	h.lastCode, h.lastMsg = f.Code, f.Message
	if f.Errno != 0 {
		return f.Errno
	}
	return errCallFailed
}

func (h *Hypervisor) lookup(id types.DomainID) (*Domain, error) {
	d, ok := h.domains[id]
	if !ok {
		return nil, h.fail(Failure{Errno: syscall.ESRCH})
	}
	return d, nil
}

func (h *Hypervisor) ListDomains(first types.DomainID, limit int) ([]types.DomainInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.enter(OpList); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, h.fail(Failure{Errno: syscall.EINVAL})
	}
	ids := make([]types.DomainID, 0, len(h.domains))
	for id := range h.domains {
		if id >= first {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]types.DomainInfo, 0, len(ids))
	for _, id := range ids {
		out = append(out, h.domains[id].Info)
	}
	return out, nil
}

// PauseDomain on an already paused domain succeeds and changes nothing.
func (h *Hypervisor) PauseDomain(id types.DomainID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.enter(OpPause); err != nil {
		return err
	}
	d, err := h.lookup(id)
	if err != nil {
		return err
	}
	if id == 0 {
		return h.fail(Failure{Errno: syscall.EINVAL})
	}
	d.Info.Paused, d.Info.Running = true, false
	return nil
}

// UnpauseDomain on a domain that is not paused fails with EINVAL, as the
// hypervisor does when the controller pause count is already zero.
func (h *Hypervisor) UnpauseDomain(id types.DomainID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.enter(OpUnpause); err != nil {
		return err
	}
	d, err := h.lookup(id)
	if err != nil {
		return err
	}
	if !d.Info.Paused {
		return h.fail(Failure{Errno: syscall.EINVAL})
	}
	d.Info.Paused, d.Info.Running = false, true
	return nil
}

func (h *Hypervisor) CreateDomain(cfg *types.CreateConfig) (types.DomainID, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.enter(OpCreate); err != nil {
		return 0, err
	}
	if cfg == nil || cfg.MaxVCPUs == 0 {
		return 0, h.fail(Failure{Code: hypervisor.CodeInvalidParam, Message: "max_vcpus must be non-zero"})
	}
	id := firstGuestDom
	for ; id < domidReserved; id++ {
		if _, used := h.domains[id]; !used {
			break
		}
	}
	if id == domidReserved {
		return 0, h.fail(Failure{Errno: syscall.ENOMEM})
	}
	h.domains[id] = &Domain{
		Info: types.DomainInfo{
			ID:      id,
			HVM:     cfg.Flags&types.CreateFlagHVM != 0,
			Paused:  true,
			Handle:  cfg.Handle,
			SSIDRef: cfg.SSIDRef,
		},
		Frames:  map[uint64][]byte{},
		Context: defaultContext(),
	}
	return id, nil
}

func (h *Hypervisor) SetMaxVCPUs(id types.DomainID, n uint32) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.enter(OpMaxVCPUs); err != nil {
		return err
	}
	d, err := h.lookup(id)
	if err != nil {
		return err
	}
	d.MaxVCPUs = n
	d.Info.MaxVCPUID = n - 1
	d.Info.OnlineVCPUs = n
	return nil
}

func (h *Hypervisor) SetMaxMemory(id types.DomainID, kb uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.enter(OpMaxMemory); err != nil {
		return err
	}
	d, err := h.lookup(id)
	if err != nil {
		return err
	}
	d.MaxMemKB = kb
	d.Info.MaxPages = kb / (types.PageSize / 1024)
	return nil
}

func (h *Hypervisor) PopulatePhysmapExact(id types.DomainID, order uint32, pfns []uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.enter(OpPopulate); err != nil {
		return err
	}
	d, err := h.lookup(id)
	if err != nil {
		return err
	}
	extent := uint64(1) << order
	for _, base := range pfns {
		for i := range extent {
			if _, ok := d.Frames[base+i]; !ok {
				d.Frames[base+i] = make([]byte, types.PageSize)
				d.Info.TotalPages++
			}
		}
	}
	return nil
}

// MapForeignPages hands out a private copy of the frames; Unmap writes it
// back, which is indistinguishable from a shared mapping for callers that
// unmap before inspecting guest memory.
func (h *Hypervisor) MapForeignPages(id types.DomainID, _ int, pfns []uint64) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.enter(OpMap); err != nil {
		return nil, err
	}
	d, err := h.lookup(id)
	if err != nil {
		return nil, err
	}
	if len(pfns) == 0 {
		return nil, h.fail(Failure{Errno: syscall.EINVAL})
	}
	mem := make([]byte, len(pfns)*types.PageSize)
	for i, pfn := range pfns {
		f, ok := d.Frames[pfn]
		if !ok {
			return nil, h.fail(Failure{Errno: syscall.EFAULT})
		}
		copy(mem[i*types.PageSize:], f)
	}
	h.mappings[&mem[0]] = mapping{dom: id, pfns: append([]uint64(nil), pfns...)}
	return mem, nil
}

func (h *Hypervisor) UnmapForeignPages(mem []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.enter(OpUnmap); err != nil {
		return err
	}
	if len(mem) == 0 {
		return h.fail(Failure{Errno: syscall.EINVAL})
	}
	m, ok := h.mappings[&mem[0]]
	if !ok {
		return h.fail(Failure{Errno: syscall.EINVAL})
	}
	delete(h.mappings, &mem[0])
	if d, ok := h.domains[m.dom]; ok {
		for i, pfn := range m.pfns {
			if f, ok := d.Frames[pfn]; ok {
				copy(f, mem[i*types.PageSize:(i+1)*types.PageSize])
			}
		}
	}
	return nil
}

func (h *Hypervisor) HVMContext(id types.DomainID, buf []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.enter(OpGetContext); err != nil {
		return 0, err
	}
	d, err := h.lookup(id)
	if err != nil {
		return 0, err
	}
	if buf == nil {
		return len(d.Context), nil
	}
	if len(buf) < len(d.Context) {
		return 0, h.fail(Failure{Errno: syscall.ENOBUFS})
	}
	return copy(buf, d.Context), nil
}

// SetHVMContext validates the record stream before accepting it.
func (h *Hypervisor) SetHVMContext(id types.DomainID, buf []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.enter(OpSetContext); err != nil {
		return err
	}
	d, err := h.lookup(id)
	if err != nil {
		return err
	}
	recs, err := hvmsave.Parse(buf)
	if err != nil || len(recs) == 0 || recs[0].Typecode != hvmsave.TypeHeader {
		return h.fail(Failure{Errno: syscall.EINVAL})
	}
	d.Context = append([]byte(nil), buf...)
	return nil
}

func (h *Hypervisor) LastError() (hypervisor.ErrorCode, string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastCode, h.lastMsg
}

func (h *Hypervisor) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

// defaultContext is the save buffer of a freshly created single-vCPU HVM
// domain: HEADER, a zeroed CPU, one opaque device record, END.
func defaultContext() []byte {
	hdr, _ := (&hvmsave.Header{Magic: hvmsave.FileMagic, Version: hvmsave.FileVersion, CPUID: 0x806ea, GTSCKHz: 2400000}).MarshalBinary()
	cpu, _ := (&hvmsave.CPU{}).MarshalBinary()
	buf := hvmsave.AppendRecord(nil, hvmsave.Descriptor{Typecode: hvmsave.TypeHeader, Length: hvmsave.HeaderSize}, hdr)
	buf = hvmsave.AppendRecord(buf, hvmsave.Descriptor{Typecode: hvmsave.TypeCPU, Length: hvmsave.CPUSize}, cpu)
	buf = hvmsave.AppendRecord(buf, hvmsave.Descriptor{Typecode: lapicTypecode, Length: 16}, make([]byte, 16))
	return hvmsave.AppendDescriptor(buf, hvmsave.Descriptor{Typecode: hvmsave.TypeEnd})
}

const lapicTypecode = 5
