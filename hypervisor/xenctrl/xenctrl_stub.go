//go:build !(linux && cgo && xen)

package xenctrl

import (
	"errors"

	"github.com/projecteru2/xenops/hypervisor"
)

// ErrUnsupported is returned when the binary was built without libxenctrl.
var ErrUnsupported = errors.New("xenctrl support not compiled in (build with -tags xen)")

// Open always fails in builds without the xen tag.
func Open() (hypervisor.Handle, error) {
	return nil, ErrUnsupported
}
