// Package boot drives a freshly created, paused domain to running from a
// raw kernel image: memory population, image load through a foreign
// mapping, CPU bootstrap via the HVM save buffer, unpause.
package boot

import (
	"context"
	"errors"
	"fmt"
	"os"

	units "github.com/docker/go-units"
	"github.com/opencontainers/go-digest"
	"github.com/projecteru2/core/log"
	"golang.org/x/sys/unix"

	"github.com/projecteru2/xenops/hvmsave"
	"github.com/projecteru2/xenops/hypervisor"
	"github.com/projecteru2/xenops/types"
)

// Step names a stage of the boot sequence.
type Step string

const (
	StepLimits     Step = "set limits"
	StepPopulate   Step = "populate memory"
	StepMap        Step = "map memory"
	StepLoad       Step = "load image"
	StepGetContext Step = "get hvm context"
	StepBootstrap  Step = "build bootstrap context"
	StepSetContext Step = "set hvm context"
	StepUnpause    Step = "unpause"
	StepUnmap      Step = "unmap memory"
)

// ErrImageTooLarge rejects an image that does not fit the mapped window.
var ErrImageTooLarge = errors.New("image larger than boot window")

// StepError wraps the first failure of a boot sequence.
type StepError struct {
	Step     Step
	DomainID types.DomainID
	Err      error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("boot domain %d: %s: %v", e.DomainID, e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Result describes a domain that was started.
type Result struct {
	DomainID    types.DomainID `json:"dom_id"`
	ImageDigest digest.Digest  `json:"image_digest"`
	ImageSize   int64          `json:"image_size"`
	LoadAddress uint64         `json:"load_address"`
}

// Orchestrator sequences hypervisor primitives into a boot.
type Orchestrator struct {
	hv      *hypervisor.Session
	profile Profile
}

// New returns an orchestrator booting with profile.
func New(hv *hypervisor.Session, profile Profile) (*Orchestrator, error) {
	if err := profile.Validate(); err != nil {
		return nil, err
	}
	return &Orchestrator{hv: hv, profile: profile}, nil
}

// Boot runs the whole sequence while holding the hypervisor session, so no
// other primitive interleaves. No step is retried and nothing is rolled
// back: on failure the domain stays as the last successful step left it.
// The foreign mapping is always released before Boot returns.
func (o *Orchestrator) Boot(ctx context.Context, id types.DomainID, imagePath string) (*Result, error) {
	logger := log.WithFunc("boot.Boot")
	var res *Result
	err := o.hv.Do(ctx, func(c *hypervisor.Conn) (err error) {
		fail := func(step Step, err error) error {
			return &StepError{Step: step, DomainID: id, Err: err}
		}

		logger.Debugf(ctx, "domain %d: %s", id, StepLimits)
		if err := c.SetMaxVCPUs(id, 1); err != nil {
			return fail(StepLimits, err)
		}
		if err := c.SetMaxMemory(id, ^uint64(0)); err != nil {
			return fail(StepLimits, err)
		}

		pfns := o.profile.PFNs()
		logger.Debugf(ctx, "domain %d: %s, %d frame(s) at %#x", id, StepPopulate, len(pfns), o.profile.LoadAddress)
		if err := c.PopulatePhysmapExact(id, 0, pfns); err != nil {
			return fail(StepPopulate, err)
		}

		logger.Debugf(ctx, "domain %d: %s", id, StepMap)
		m, err := c.MapForeign(id, unix.PROT_READ|unix.PROT_WRITE, pfns)
		if err != nil {
			return fail(StepMap, err)
		}
		defer func() {
			uerr := m.Unmap()
			switch {
			case uerr == nil:
			case err == nil:
				err = fail(StepUnmap, uerr)
			default:
				logger.Warnf(ctx, "domain %d: unmap after failed boot: %v", id, uerr)
			}
		}()

		logger.Debugf(ctx, "domain %d: %s %s", id, StepLoad, imagePath)
		dgst, size, err := loadImage(imagePath, m.Bytes())
		if err != nil {
			return fail(StepLoad, err)
		}

		logger.Debugf(ctx, "domain %d: %s", id, StepGetContext)
		saved, err := c.HVMContext(id)
		if err != nil {
			return fail(StepGetContext, err)
		}
		buf, err := hvmsave.Bootstrap(saved, o.profile.LoadAddress)
		if err != nil {
			return fail(StepBootstrap, err)
		}
		logger.Debugf(ctx, "domain %d: %s, %d byte(s)", id, StepSetContext, len(buf))
		if err := c.SetHVMContext(id, buf); err != nil {
			return fail(StepSetContext, err)
		}

		logger.Debugf(ctx, "domain %d: %s", id, StepUnpause)
		if err := c.Unpause(id); err != nil {
			return fail(StepUnpause, err)
		}
		res = &Result{DomainID: id, ImageDigest: dgst, ImageSize: size, LoadAddress: o.profile.LoadAddress}
		return nil
	})
	if err != nil {
		return nil, err
	}
	logger.Infof(ctx, "domain %d booted from %s (%s, %s)", id, imagePath, units.BytesSize(float64(res.ImageSize)), res.ImageDigest)
	return res, nil
}

// loadImage maps the image read-only and copies it to the start of dst.
func loadImage(path string, dst []byte) (digest.Digest, int64, error) {
	f, err := os.Open(path) //nolint:gosec
	if err != nil {
		return "", 0, err
	}
	defer f.Close() //nolint:errcheck
	fi, err := f.Stat()
	if err != nil {
		return "", 0, err
	}
	size := fi.Size()
	if size > int64(len(dst)) {
		return "", 0, fmt.Errorf("%w: %s is %s, window is %s", ErrImageTooLarge, path,
			units.BytesSize(float64(size)), units.BytesSize(float64(len(dst))))
	}
	if size == 0 {
		return digest.FromBytes(nil), 0, nil
	}
	src, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_PRIVATE) //nolint:gosec
	if err != nil {
		return "", 0, fmt.Errorf("mmap %s: %w", path, err)
	}
	defer unix.Munmap(src) //nolint:errcheck
	copy(dst, src)
	return digest.FromBytes(src), size, nil
}
