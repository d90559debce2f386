//go:build linux && cgo && xen

// Package xenctrl binds libxenctrl. It is the only place raw handles and
// foreign-memory pointers exist; everything above it sees hypervisor.Handle.
// Build with -tags xen on a host with the Xen development headers.
package xenctrl

/*
#cgo LDFLAGS: -lxenctrl
#include <stdlib.h>
#include <sys/mman.h>
#include <xenctrl.h>
*/
import "C"

import (
	"errors"
	"unsafe"

	"github.com/projecteru2/xenops/hypervisor"
	"github.com/projecteru2/xenops/types"
)

const (
	// autoDomID asks the hypervisor to pick the domain id.
	autoDomID = ^uint32(0) - 1

	dominfShutdownShift = 16
	dominfShutdownMask  = 0xff
)

var errCallFailed = errors.New("xenctrl call failed")

// compile-time interface check.
var _ hypervisor.Handle = (*Handle)(nil)

// Handle owns one xc_interface.
type Handle struct {
	xc *C.xc_interface
}

// Open opens the privileged control interface.
func Open() (hypervisor.Handle, error) {
	xc, err := C.xc_interface_open(nil, nil, 0)
	if xc == nil {
		if err == nil {
			err = errCallFailed
		}
		return nil, err
	}
	return &Handle{xc: xc}, nil
}

// signal converts the errno cgo captured for a failed call into the
// failure signal hypervisor.Session expects.
func signal(errno error) error {
	if errno == nil {
		return errCallFailed
	}
	return errno
}

func (h *Handle) ListDomains(first types.DomainID, limit int) ([]types.DomainInfo, error) {
	if limit <= 0 {
		return nil, nil
	}
	C.xc_clear_last_error(h.xc)
	raw := make([]C.xc_domaininfo_t, limit)
	n, errno := C.xc_domain_getinfolist(h.xc, C.uint32_t(first), C.uint(limit), &raw[0])
	if n < 0 {
		return nil, signal(errno)
	}
	out := make([]types.DomainInfo, 0, int(n))
	for i := range int(n) {
		out = append(out, convertInfo(&raw[i]))
	}
	return out, nil
}

func convertInfo(r *C.xc_domaininfo_t) types.DomainInfo {
	flags := uint32(r.flags)
	info := types.DomainInfo{
		ID:           types.DomainID(r.domain),
		Dying:        flags&C.XEN_DOMINF_dying != 0,
		HVM:          flags&C.XEN_DOMINF_hvm_guest != 0,
		Shutdown:     flags&C.XEN_DOMINF_shutdown != 0,
		Paused:       flags&C.XEN_DOMINF_paused != 0,
		Blocked:      flags&C.XEN_DOMINF_blocked != 0,
		Running:      flags&C.XEN_DOMINF_running != 0,
		ShutdownCode: uint8((flags >> dominfShutdownShift) & dominfShutdownMask),
		TotalPages:   uint64(r.tot_pages),
		MaxPages:     uint64(r.max_pages),
		OnlineVCPUs:  uint32(r.nr_online_vcpus),
		MaxVCPUID:    uint32(r.max_vcpu_id),
		CPUTime:      uint64(r.cpu_time),
		SSIDRef:      uint32(r.ssidref),
	}
	for i := range info.Handle {
		info.Handle[i] = byte(r.handle[i])
	}
	return info
}

func (h *Handle) PauseDomain(id types.DomainID) error {
	C.xc_clear_last_error(h.xc)
	if rc, errno := C.xc_domain_pause(h.xc, C.uint32_t(id)); rc != 0 {
		return signal(errno)
	}
	return nil
}

func (h *Handle) UnpauseDomain(id types.DomainID) error {
	C.xc_clear_last_error(h.xc)
	if rc, errno := C.xc_domain_unpause(h.xc, C.uint32_t(id)); rc != 0 {
		return signal(errno)
	}
	return nil
}

func (h *Handle) CreateDomain(cfg *types.CreateConfig) (types.DomainID, error) {
	var c C.struct_xen_domctl_createdomain
	c.ssidref = C.uint32_t(cfg.SSIDRef)
	for i, b := range cfg.Handle {
		c.handle[i] = C.uint8_t(b)
	}
	c.flags = C.uint32_t(cfg.Flags)
	c.iommu_opts = C.uint32_t(cfg.IOMMUOpts)
	c.max_vcpus = C.uint32_t(cfg.MaxVCPUs)
	c.max_evtchn_port = C.uint32_t(cfg.MaxEvtchnPort)
	c.max_grant_frames = C.int32_t(cfg.MaxGrantFrames)
	c.max_maptrack_frames = C.int32_t(cfg.MaxMaptrackFrames)
	c.arch.emulation_flags = C.uint32_t(cfg.EmulationFlags)

	C.xc_clear_last_error(h.xc)
	domid := C.uint32_t(autoDomID)
	if rc, errno := C.xc_domain_create(h.xc, &domid, &c); rc != 0 {
		return 0, signal(errno)
	}
	return types.DomainID(domid), nil
}

func (h *Handle) SetMaxVCPUs(id types.DomainID, n uint32) error {
	C.xc_clear_last_error(h.xc)
	if rc, errno := C.xc_domain_max_vcpus(h.xc, C.uint32_t(id), C.uint(n)); rc != 0 {
		return signal(errno)
	}
	return nil
}

func (h *Handle) SetMaxMemory(id types.DomainID, kb uint64) error {
	C.xc_clear_last_error(h.xc)
	if rc, errno := C.xc_domain_setmaxmem(h.xc, C.uint32_t(id), C.uint64_t(kb)); rc != 0 {
		return signal(errno)
	}
	return nil
}

func toPFNs(pfns []uint64) []C.xen_pfn_t {
	out := make([]C.xen_pfn_t, len(pfns))
	for i, p := range pfns {
		out[i] = C.xen_pfn_t(p)
	}
	return out
}

func (h *Handle) PopulatePhysmapExact(id types.DomainID, order uint32, pfns []uint64) error {
	if len(pfns) == 0 {
		return nil
	}
	arr := toPFNs(pfns)
	C.xc_clear_last_error(h.xc)
	rc, errno := C.xc_domain_populate_physmap_exact(h.xc, C.uint32_t(id),
		C.ulong(len(arr)), C.uint(order), 0, &arr[0])
	if rc != 0 {
		return signal(errno)
	}
	return nil
}

func (h *Handle) MapForeignPages(id types.DomainID, prot int, pfns []uint64) ([]byte, error) {
	if len(pfns) == 0 {
		return nil, signal(nil)
	}
	arr := toPFNs(pfns)
	C.xc_clear_last_error(h.xc)
	addr, errno := C.xc_map_foreign_pages(h.xc, C.uint32_t(id), C.int(prot), &arr[0], C.int(len(arr)))
	if addr == nil {
		return nil, signal(errno)
	}
	return unsafe.Slice((*byte)(addr), len(pfns)*types.PageSize), nil
}

func (h *Handle) UnmapForeignPages(mem []byte) error {
	if len(mem) == 0 {
		return signal(nil)
	}
	C.xc_clear_last_error(h.xc)
	if rc, errno := C.munmap(unsafe.Pointer(unsafe.SliceData(mem)), C.size_t(len(mem))); rc != 0 {
		return signal(errno)
	}
	return nil
}

func (h *Handle) HVMContext(id types.DomainID, buf []byte) (int, error) {
	var ptr *C.uint8_t
	if len(buf) > 0 {
		ptr = (*C.uint8_t)(unsafe.Pointer(unsafe.SliceData(buf)))
	}
	C.xc_clear_last_error(h.xc)
	n, errno := C.xc_domain_hvm_getcontext(h.xc, C.uint32_t(id), ptr, C.uint32_t(len(buf)))
	if n < 0 {
		return 0, signal(errno)
	}
	return int(n), nil
}

func (h *Handle) SetHVMContext(id types.DomainID, buf []byte) error {
	if len(buf) == 0 {
		return signal(nil)
	}
	C.xc_clear_last_error(h.xc)
	rc, errno := C.xc_domain_hvm_setcontext(h.xc, C.uint32_t(id),
		(*C.uint8_t)(unsafe.Pointer(unsafe.SliceData(buf))), C.uint32_t(len(buf)))
	if rc != 0 {
		return signal(errno)
	}
	return nil
}

func (h *Handle) LastError() (hypervisor.ErrorCode, string) {
	e := C.xc_get_last_error(h.xc)
	if e == nil {
		return hypervisor.CodeNone, ""
	}
	return hypervisor.ErrorCode(e.code), C.GoString(&e.message[0])
}

func (h *Handle) Close() error {
	if rc, errno := C.xc_interface_close(h.xc); rc != 0 {
		return signal(errno)
	}
	h.xc = nil
	return nil
}
