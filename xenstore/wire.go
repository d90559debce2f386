package xenstore

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Op is a xenstored message type (enum xsd_sockmsg_type).
type Op uint32

const (
	OpControl          Op = 0
	OpDirectory        Op = 1
	OpRead             Op = 2
	OpGetPerms         Op = 3
	OpWatch            Op = 4
	OpUnwatch          Op = 5
	OpTransactionStart Op = 6
	OpTransactionEnd   Op = 7
	OpIntroduce        Op = 8
	OpRelease          Op = 9
	OpGetDomainPath    Op = 10
	OpWrite            Op = 11
	OpMkdir            Op = 12
	OpRm               Op = 13
	OpSetPerms         Op = 14
	OpWatchEvent       Op = 15
	OpError            Op = 16
)

const (
	// PacketHeaderSize is the fixed header preceding every payload.
	PacketHeaderSize = 16
	// MaxPayload is XENSTORE_PAYLOAD_MAX.
	MaxPayload = 4096
)

// Packet is one xenstored message. The wire format is host-endian; every
// supported host is little-endian.
type Packet struct {
	Op      Op
	ReqID   uint32
	TxID    uint32
	Payload []byte
}

// WritePacket encodes p onto w in a single Write.
func WritePacket(w io.Writer, p *Packet) error {
	if len(p.Payload) > MaxPayload {
		return fmt.Errorf("payload %d bytes exceeds %d", len(p.Payload), MaxPayload)
	}
	buf := make([]byte, PacketHeaderSize, PacketHeaderSize+len(p.Payload))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(p.Op))
	binary.LittleEndian.PutUint32(buf[4:8], p.ReqID)
	binary.LittleEndian.PutUint32(buf[8:12], p.TxID)
	binary.LittleEndian.PutUint32(buf[12:16], uint32(len(p.Payload))) //nolint:gosec
	buf = append(buf, p.Payload...)
	_, err := w.Write(buf)
	return err
}

// ReadPacket decodes one message from r.
func ReadPacket(r io.Reader) (*Packet, error) {
	var hdr [PacketHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(hdr[12:16])
	if n > MaxPayload {
		return nil, fmt.Errorf("payload length %d exceeds %d", n, MaxPayload)
	}
	p := &Packet{
		Op:      Op(binary.LittleEndian.Uint32(hdr[0:4])),
		ReqID:   binary.LittleEndian.Uint32(hdr[4:8]),
		TxID:    binary.LittleEndian.Uint32(hdr[8:12]),
		Payload: make([]byte, n),
	}
	if _, err := io.ReadFull(r, p.Payload); err != nil {
		return nil, err
	}
	return p, nil
}

// cstr appends the NUL terminator xenstored expects after paths and tokens.
func cstr(s string) []byte { return append([]byte(s), 0) }

// SplitNUL splits a NUL-separated list, dropping empty elements.
func SplitNUL(b []byte) []string {
	var out []string
	start := 0
	for i, c := range b {
		if c == 0 {
			if i > start {
				out = append(out, string(b[start:i]))
			}
			start = i + 1
		}
	}
	if start < len(b) {
		out = append(out, string(b[start:]))
	}
	return out
}
