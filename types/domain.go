package types

import (
	"strconv"

	"github.com/google/uuid"
)

// PageSize is the guest frame size on x86.
const PageSize = 4096

// DomainID is the hypervisor-assigned identifier of a domain.
// Unique among live domains; reused once a domain is destroyed.
type DomainID uint32

func (id DomainID) String() string { return strconv.FormatUint(uint64(id), 10) }

// ParseDomainID parses a decimal domain id.
func ParseDomainID(s string) (DomainID, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, err
	}
	return DomainID(v), nil
}

// DomainInfo is a point-in-time snapshot of one domain as reported by the
// hypervisor. It is never refreshed; callers re-enumerate for a newer view.
type DomainInfo struct {
	ID DomainID `json:"dom_id"`

	Dying    bool `json:"dying"`
	HVM      bool `json:"hvm"`
	Shutdown bool `json:"shutdown"`
	Paused   bool `json:"paused"`
	Blocked  bool `json:"blocked"`
	Running  bool `json:"running"`
	// ShutdownCode is the raw hypervisor shutdown code, valid only when Shutdown is set.
	ShutdownCode uint8 `json:"shutdown_code,omitempty"`

	TotalPages  uint64 `json:"tot_pages"`
	MaxPages    uint64 `json:"max_pages"`
	OnlineVCPUs uint32 `json:"online_vcpus"`
	MaxVCPUID   uint32 `json:"max_vcpu_id"`
	CPUTime     uint64 `json:"cpu_time"` // nanoseconds
	SSIDRef     uint32 `json:"ssidref"`

	Handle [16]byte `json:"-"`
}

// UUID renders the opaque domain handle in canonical UUID form.
func (d *DomainInfo) UUID() string {
	return uuid.UUID(d.Handle).String()
}

// MemoryBytes is the memory currently assigned to the domain.
func (d *DomainInfo) MemoryBytes() int64 {
	return int64(d.TotalPages) * PageSize //nolint:gosec
}

// State collapses the flag set into a single display word.
func (d *DomainInfo) State() string {
	switch {
	case d.Dying:
		return "dying"
	case d.Shutdown:
		return "shutdown"
	case d.Paused:
		return "paused"
	case d.Running:
		return "running"
	case d.Blocked:
		return "blocked"
	default:
		return "idle"
	}
}
