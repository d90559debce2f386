package hypervisor

import (
	"github.com/projecteru2/xenops/types"
)

// Handle is the raw privileged control interface a Session drives. It is the
// seam where pointer-level FFI lives (hypervisor/xenctrl) or where an
// in-memory hypervisor is substituted (hypervisor/simulated).
//
// A non-nil error from any primitive only signals failure; it carries at
// most the OS errno of the failing call. The cause is recovered through
// LastError, which the Session folds into a typed *Error. Handles are not
// safe for concurrent use.
type Handle interface {
	// ListDomains returns up to limit records for domains with id >= first,
	// in ascending id order. An empty result means no such domain exists.
	ListDomains(first types.DomainID, limit int) ([]types.DomainInfo, error)
	PauseDomain(types.DomainID) error
	UnpauseDomain(types.DomainID) error
	// CreateDomain always lets the hypervisor choose the id.
	CreateDomain(*types.CreateConfig) (types.DomainID, error)

	SetMaxVCPUs(id types.DomainID, n uint32) error
	SetMaxMemory(id types.DomainID, kb uint64) error
	// PopulatePhysmapExact allocates one extent of 2^order frames per pfn;
	// anything short of all of them is a failure.
	PopulatePhysmapExact(id types.DomainID, order uint32, pfns []uint64) error
	// MapForeignPages maps the given guest frames, in order, as one window.
	MapForeignPages(id types.DomainID, prot int, pfns []uint64) ([]byte, error)
	UnmapForeignPages(mem []byte) error
	// HVMContext copies the domain's save buffer into buf and returns its
	// length. A nil buf only probes the length.
	HVMContext(id types.DomainID, buf []byte) (int, error)
	SetHVMContext(id types.DomainID, buf []byte) error

	// LastError reports the cause recorded by the most recent failing call.
	LastError() (ErrorCode, string)
	Close() error
}

// Opener acquires a Handle; it is called once per Session.
type Opener func() (Handle, error)
