package types

// Creation flags and emulation bits understood by XEN_DOMCTL_createdomain.
const (
	CreateFlagHVM uint32 = 1 << 0
	CreateFlagHAP uint32 = 1 << 1

	EmulateLAPIC uint32 = 1 << 0
)

// CreateConfig mirrors xen_domctl_createdomain.
type CreateConfig struct {
	SSIDRef           uint32
	Handle            [16]byte
	Flags             uint32
	IOMMUOpts         uint32
	MaxVCPUs          uint32
	MaxEvtchnPort     uint32
	MaxGrantFrames    int32
	MaxMaptrackFrames int32
	EmulationFlags    uint32
}

// DefaultCreateConfig is the only configuration this control plane creates
// domains with: a single-vCPU HAP guest with just a local APIC emulated.
// The zero handle lets the hypervisor assign one.
func DefaultCreateConfig() *CreateConfig {
	return &CreateConfig{
		Flags:             CreateFlagHVM | CreateFlagHAP,
		MaxVCPUs:          1,
		MaxEvtchnPort:     ^uint32(0),
		MaxGrantFrames:    64,
		MaxMaptrackFrames: 1024,
		EmulationFlags:    EmulateLAPIC,
	}
}
