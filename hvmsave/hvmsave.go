// Package hvmsave reads and writes the hypervisor's HVM save-record stream:
// little-endian, tightly packed (descriptor, payload) pairs terminated by
// an END record.
package hvmsave

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Record typecodes used by this package.
const (
	TypeEnd    uint16 = 0
	TypeHeader uint16 = 1
	TypeCPU    uint16 = 2
)

const (
	// DescriptorSize is the encoded size of a Descriptor.
	DescriptorSize = 8
	// HeaderSize is the payload size of a HEADER record (struct hvm_save_header).
	HeaderSize = 24
)

var (
	ErrTruncated = errors.New("truncated save record")
	ErrNoHeader  = errors.New("save buffer does not start with a HEADER record")
	ErrNoEnd     = errors.New("save buffer has no END record")
)

// Descriptor precedes every payload.
type Descriptor struct {
	Typecode uint16
	Instance uint16
	Length   uint32 // payload bytes, descriptor excluded
}

// Record is one parsed (descriptor, payload) pair. Payload aliases the
// buffer it was parsed from.
type Record struct {
	Descriptor
	Payload []byte
}

// Raw is the record's exact encoding, descriptor included.
func (r Record) Raw() []byte {
	return AppendRecord(nil, r.Descriptor, r.Payload)
}

func readDescriptor(b []byte) Descriptor {
	return Descriptor{
		Typecode: binary.LittleEndian.Uint16(b[0:2]),
		Instance: binary.LittleEndian.Uint16(b[2:4]),
		Length:   binary.LittleEndian.Uint32(b[4:8]),
	}
}

// AppendDescriptor appends the encoding of d to dst.
func AppendDescriptor(dst []byte, d Descriptor) []byte {
	dst = binary.LittleEndian.AppendUint16(dst, d.Typecode)
	dst = binary.LittleEndian.AppendUint16(dst, d.Instance)
	return binary.LittleEndian.AppendUint32(dst, d.Length)
}

// AppendRecord appends d followed by payload. d.Length is written as given.
func AppendRecord(dst []byte, d Descriptor, payload []byte) []byte {
	return append(AppendDescriptor(dst, d), payload...)
}

// Parse splits buf into records up to and including END. Bytes after END
// are ignored.
func Parse(buf []byte) ([]Record, error) {
	var recs []Record
	for off := 0; ; {
		if len(buf)-off < DescriptorSize {
			if off == len(buf) {
				return recs, ErrNoEnd
			}
			return recs, fmt.Errorf("descriptor at offset %d: %w", off, ErrTruncated)
		}
		d := readDescriptor(buf[off:])
		off += DescriptorSize
		if uint64(len(buf)-off) < uint64(d.Length) {
			return recs, fmt.Errorf("typecode %d payload at offset %d (%d bytes): %w", d.Typecode, off, d.Length, ErrTruncated)
		}
		end := off + int(d.Length)
		recs = append(recs, Record{Descriptor: d, Payload: buf[off:end:end]})
		off = end
		if d.Typecode == TypeEnd {
			return recs, nil
		}
	}
}

// HVM_FILE_MAGIC / HVM_FILE_VERSION as carried in the HEADER record.
const (
	FileMagic   uint32 = 0x54381286
	FileVersion uint32 = 1
)

// Header is the HEADER record payload (struct hvm_save_header).
type Header struct {
	Magic     uint32
	Version   uint32
	Changeset uint64
	CPUID     uint32
	GTSCKHz   uint32
}

// MarshalBinary encodes h as a HEADER payload.
func (h *Header) MarshalBinary() ([]byte, error) {
	b := make([]byte, 0, HeaderSize)
	b = binary.LittleEndian.AppendUint32(b, h.Magic)
	b = binary.LittleEndian.AppendUint32(b, h.Version)
	b = binary.LittleEndian.AppendUint64(b, h.Changeset)
	b = binary.LittleEndian.AppendUint32(b, h.CPUID)
	b = binary.LittleEndian.AppendUint32(b, h.GTSCKHz)
	return b, nil
}

// UnmarshalBinary decodes a HEADER payload.
func (h *Header) UnmarshalBinary(b []byte) error {
	if len(b) < HeaderSize {
		return ErrTruncated
	}
	h.Magic = binary.LittleEndian.Uint32(b[0:4])
	h.Version = binary.LittleEndian.Uint32(b[4:8])
	h.Changeset = binary.LittleEndian.Uint64(b[8:16])
	h.CPUID = binary.LittleEndian.Uint32(b[16:20])
	h.GTSCKHz = binary.LittleEndian.Uint32(b[20:24])
	return nil
}
