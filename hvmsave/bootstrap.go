package hvmsave

import (
	"fmt"
)

// Bootstrap builds the save buffer that starts a single-vCPU domain at
// entry. The HEADER record is taken verbatim from saved (the buffer the
// hypervisor returned for this domain); it is followed by a fresh CPU
// record and END. Every other record in saved is dropped.
func Bootstrap(saved []byte, entry uint64) ([]byte, error) {
	if len(saved) < DescriptorSize+HeaderSize {
		return nil, fmt.Errorf("%w: %d byte(s)", ErrNoHeader, len(saved))
	}
	head := readDescriptor(saved)
	if head.Typecode != TypeHeader || head.Length != HeaderSize {
		return nil, fmt.Errorf("%w: leading typecode %d length %d", ErrNoHeader, head.Typecode, head.Length)
	}

	cpu, err := BootstrapCPU(entry).MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("encode cpu record: %w", err)
	}

	out := make([]byte, 0, 3*DescriptorSize+HeaderSize+CPUSize)
	out = append(out, saved[:DescriptorSize+HeaderSize]...)
	out = AppendRecord(out, Descriptor{Typecode: TypeCPU, Length: CPUSize}, cpu)
	out = AppendDescriptor(out, Descriptor{Typecode: TypeEnd})
	return out, nil
}
