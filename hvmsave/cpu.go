package hvmsave

import (
	"bytes"
	"encoding/binary"
)

// CPUSize is the payload size of a CPU record (struct hvm_hw_cpu).
const CPUSize = 1032

// Architectural constants used by the bootstrap record.
const (
	cr0PE = 1 << 0 // protection enable
	cr0ET = 1 << 4 // extension type

	dr6Default = 0xffff0ff0
	dr7Default = 0x00000400

	rflagsMBS = 1 << 1 // reserved, must be set

	arCode32  = 0xc9b // present, 32-bit, 4K granular, execute/read, accessed
	arData32  = 0xc93 // present, 32-bit, 4K granular, read/write, accessed
	arTSSBusy = 0x8b  // present, busy 32-bit TSS
	tssLimit  = 0x67
)

// CPU is struct hvm_hw_cpu field for field. binary.Size(CPU{}) == CPUSize.
type CPU struct {
	FPURegs [512]byte

	RAX, RBX, RCX, RDX, RBP, RSI, RDI, RSP uint64
	R8, R9, R10, R11, R12, R13, R14, R15   uint64
	RIP, RFLAGS                            uint64

	CR0, CR2, CR3, CR4           uint64
	DR0, DR1, DR2, DR3, DR6, DR7 uint64

	CSSel, DSSel, ESSel, FSSel, GSSel, SSSel, TRSel, LDTRSel                 uint32
	CSLimit, DSLimit, ESLimit, FSLimit, GSLimit, SSLimit, TRLimit, LDTRLimit uint32
	IDTRLimit, GDTRLimit                                                     uint32

	CSBase, DSBase, ESBase, FSBase, GSBase, SSBase, TRBase, LDTRBase uint64
	IDTRBase, GDTRBase                                               uint64

	CSArBytes, DSArBytes, ESArBytes, FSArBytes, GSArBytes, SSArBytes, TRArBytes, LDTRArBytes uint32

	SysenterCS, SysenterESP, SysenterEIP uint64
	ShadowGS                             uint64

	MSRFlags, MSRLSTAR, MSRSTAR, MSRCSTAR, MSRSyscallMask, MSREFER, MSRTSCAux uint64

	TSC uint64

	PendingEvent uint32
	ErrorCode    uint32
	Flags        uint32
	_            uint32
}

// BootstrapCPU is the register state of a vCPU entering 32-bit protected
// mode with flat segments and paging off, about to execute at entry.
func BootstrapCPU(entry uint64) *CPU {
	return &CPU{
		RIP:    entry,
		RFLAGS: rflagsMBS,
		CR0:    cr0PE | cr0ET,
		DR6:    dr6Default,
		DR7:    dr7Default,

		CSLimit: ^uint32(0),
		DSLimit: ^uint32(0),
		ESLimit: ^uint32(0),
		SSLimit: ^uint32(0),
		TRLimit: tssLimit,

		CSArBytes: arCode32,
		DSArBytes: arData32,
		ESArBytes: arData32,
		SSArBytes: arData32,
		TRArBytes: arTSSBusy,
	}
}

// MarshalBinary encodes c as a CPU record payload.
func (c *CPU) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(CPUSize)
	if err := binary.Write(&buf, binary.LittleEndian, c); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary decodes a CPU record payload.
func (c *CPU) UnmarshalBinary(data []byte) error {
	if len(data) < CPUSize {
		return ErrTruncated
	}
	return binary.Read(bytes.NewReader(data[:CPUSize]), binary.LittleEndian, c)
}
