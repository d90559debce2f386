package hypervisor

import (
	"github.com/projecteru2/xenops/types"
)

// ForeignMapping is a window onto another domain's frames. It belongs to
// the sequence that created it and is valid only until Unmap.
type ForeignMapping struct {
	conn *Conn
	dom  types.DomainID
	mem  []byte
	done bool
}

// Domain is the domain whose frames are mapped.
func (m *ForeignMapping) Domain() types.DomainID { return m.dom }

// Bytes is the mapped window. Writes land directly in guest memory.
func (m *ForeignMapping) Bytes() []byte { return m.mem }

// Len is the window size in bytes.
func (m *ForeignMapping) Len() int { return len(m.mem) }

// Unmap releases the window. It runs at most once; later calls return
// ErrAlreadyUnmapped without touching the handle.
func (m *ForeignMapping) Unmap() error {
	if m.done {
		return ErrAlreadyUnmapped
	}
	mem := m.mem
	m.mem, m.done = nil, true
	if err := m.conn.h.UnmapForeignPages(mem); err != nil {
		return m.conn.lastError(err, "unmap %d byte(s) of domain %d", len(mem), m.dom)
	}
	return nil
}
