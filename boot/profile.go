package boot

import (
	"fmt"

	"github.com/projecteru2/xenops/types"
)

// Profile is the guest-physical layout of the minimal bootstrap: Frames
// contiguous pages starting at LoadAddress, with the image copied to the
// first byte and execution starting there.
type Profile struct {
	LoadAddress uint64 `json:"load_address" mapstructure:"load_address"`
	Frames      int    `json:"frames"       mapstructure:"frames"`
}

// DefaultProfile loads at 1 MiB into 16 frames.
func DefaultProfile() Profile {
	return Profile{LoadAddress: 0x100000, Frames: 16}
}

// Validate rejects layouts the population request cannot express.
func (p Profile) Validate() error {
	if p.LoadAddress%types.PageSize != 0 {
		return fmt.Errorf("load address %#x is not page aligned", p.LoadAddress)
	}
	if p.Frames <= 0 {
		return fmt.Errorf("frame count %d must be positive", p.Frames)
	}
	return nil
}

// PFNs lists the frame numbers backing the profile.
func (p Profile) PFNs() []uint64 {
	base := p.LoadAddress / types.PageSize
	pfns := make([]uint64, p.Frames)
	for i := range pfns {
		pfns[i] = base + uint64(i) //nolint:gosec
	}
	return pfns
}

// Size is the mapped window in bytes and the largest loadable image.
func (p Profile) Size() int64 {
	return int64(p.Frames) * types.PageSize
}
