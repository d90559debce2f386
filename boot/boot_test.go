package boot_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/opencontainers/go-digest"

	"github.com/projecteru2/xenops/boot"
	"github.com/projecteru2/xenops/hvmsave"
	"github.com/projecteru2/xenops/hypervisor"
	"github.com/projecteru2/xenops/hypervisor/simulated"
	"github.com/projecteru2/xenops/types"
)

func setup(t *testing.T) (*simulated.Hypervisor, *hypervisor.Session, types.DomainID) {
	t.Helper()
	ctx := context.Background()
	sim := simulated.New()
	hv, err := hypervisor.Open(ctx, func() (hypervisor.Handle, error) { return sim, nil })
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = hv.Close() })
	id, err := hv.CreateDomain(ctx)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return sim, hv, id
}

func writeImage(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kernel.bin")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write image: %v", err)
	}
	return path
}

// --- Profile ---

func TestProfile_Default(t *testing.T) {
	p := boot.DefaultProfile()
	pfns := p.PFNs()
	if len(pfns) != 16 || pfns[0] != 0x100 || pfns[15] != 0x10f {
		t.Errorf("unexpected pfns: %#x", pfns)
	}
	if p.Size() != 16*types.PageSize {
		t.Errorf("expected %d, got %d", 16*types.PageSize, p.Size())
	}
	if err := p.Validate(); err != nil {
		t.Errorf("validate: %v", err)
	}
}

func TestProfile_Invalid(t *testing.T) {
	for _, p := range []boot.Profile{
		{LoadAddress: 0x100001, Frames: 16},
		{LoadAddress: 0x100000, Frames: 0},
	} {
		if err := p.Validate(); err == nil {
			t.Errorf("%+v: expected error", p)
		}
		if _, err := boot.New(nil, p); err == nil {
			t.Errorf("%+v: expected New to fail", p)
		}
	}
}

// --- Boot ---

func TestBoot_Success(t *testing.T) {
	ctx := context.Background()
	sim, hv, id := setup(t)
	image := bytes.Repeat([]byte{0xf4, 0x90}, 3000)
	path := writeImage(t, image)

	o, err := boot.New(hv, boot.DefaultProfile())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	res, err := o.Boot(ctx, id, path)
	if err != nil {
		t.Fatalf("boot: %v", err)
	}
	if res.DomainID != id || res.ImageSize != int64(len(image)) || res.LoadAddress != 0x100000 {
		t.Errorf("unexpected result: %+v", res)
	}
	if res.ImageDigest != digest.FromBytes(image) {
		t.Errorf("expected %s, got %s", digest.FromBytes(image), res.ImageDigest)
	}

	if got := sim.ReadGuest(id, 0x100000, len(image)); !bytes.Equal(got, image) {
		t.Error("image not copied to load address")
	}
	if sim.Mapped() != 0 {
		t.Errorf("expected no live mappings, got %d", sim.Mapped())
	}

	d, _ := sim.Domain(id)
	if d.Info.Paused || !d.Info.Running {
		t.Errorf("expected running domain, got %+v", d.Info)
	}
	if d.MaxVCPUs != 1 {
		t.Errorf("expected 1 vcpu, got %d", d.MaxVCPUs)
	}
	recs, err := hvmsave.Parse(d.Context)
	if err != nil {
		t.Fatalf("parse context: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("expected HEADER, CPU, END, got %+v", recs)
	}
	if recs[0].Typecode != hvmsave.TypeHeader || recs[0].Length != hvmsave.HeaderSize {
		t.Errorf("unexpected header record: %+v", recs[0].Descriptor)
	}
	if recs[1].Typecode != hvmsave.TypeCPU || recs[1].Length != hvmsave.CPUSize {
		t.Errorf("unexpected cpu record: %+v", recs[1].Descriptor)
	}
	if recs[2].Typecode != hvmsave.TypeEnd || recs[2].Length != 0 {
		t.Errorf("unexpected end record: %+v", recs[2].Descriptor)
	}
	var cpu hvmsave.CPU
	if err := cpu.UnmarshalBinary(recs[1].Payload); err != nil {
		t.Fatalf("decode cpu: %v", err)
	}
	if cpu.RIP != 0x100000 || cpu.CR0 != 0x11 {
		t.Errorf("unexpected cpu: rip %#x cr0 %#x", cpu.RIP, cpu.CR0)
	}
}

func TestBoot_EmptyImage(t *testing.T) {
	_, hv, id := setup(t)
	o, _ := boot.New(hv, boot.DefaultProfile())
	res, err := o.Boot(context.Background(), id, writeImage(t, nil))
	if err != nil {
		t.Fatalf("boot: %v", err)
	}
	if res.ImageSize != 0 {
		t.Errorf("expected 0, got %d", res.ImageSize)
	}
}

func TestBoot_ImageTooLarge(t *testing.T) {
	sim, hv, id := setup(t)
	o, _ := boot.New(hv, boot.Profile{LoadAddress: 0x100000, Frames: 1})
	_, err := o.Boot(context.Background(), id, writeImage(t, make([]byte, types.PageSize+1)))
	if !errors.Is(err, boot.ErrImageTooLarge) {
		t.Fatalf("expected ErrImageTooLarge, got %v", err)
	}
	var se *boot.StepError
	if !errors.As(err, &se) || se.Step != boot.StepLoad || se.DomainID != id {
		t.Errorf("unexpected step error: %v", err)
	}
	if sim.Mapped() != 0 {
		t.Errorf("expected mapping released, got %d live", sim.Mapped())
	}
	if sim.Calls(simulated.OpGetContext) != 0 {
		t.Error("sequence continued past failed load")
	}
}

func TestBoot_MissingImage(t *testing.T) {
	sim, hv, id := setup(t)
	o, _ := boot.New(hv, boot.DefaultProfile())
	_, err := o.Boot(context.Background(), id, filepath.Join(t.TempDir(), "missing"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not-exist, got %v", err)
	}
	if sim.Mapped() != 0 {
		t.Errorf("expected mapping released, got %d live", sim.Mapped())
	}
}

func TestBoot_StepFailures(t *testing.T) {
	for _, tc := range []struct {
		op        simulated.Op
		step      boot.Step
		wantUnmap bool
	}{
		{simulated.OpMaxVCPUs, boot.StepLimits, false},
		{simulated.OpMaxMemory, boot.StepLimits, false},
		{simulated.OpPopulate, boot.StepPopulate, false},
		{simulated.OpMap, boot.StepMap, false},
		{simulated.OpGetContext, boot.StepGetContext, true},
		{simulated.OpSetContext, boot.StepSetContext, true},
		{simulated.OpUnpause, boot.StepUnpause, true},
	} {
		t.Run(string(tc.op), func(t *testing.T) {
			sim, hv, id := setup(t)
			o, _ := boot.New(hv, boot.DefaultProfile())
			sim.Fail(tc.op, simulated.Failure{Code: hypervisor.CodeOutOfMemory, Message: "injected"})

			_, err := o.Boot(context.Background(), id, writeImage(t, []byte("kernel")))
			var se *boot.StepError
			if !errors.As(err, &se) || se.Step != tc.step {
				t.Fatalf("expected step %q, got %v", tc.step, err)
			}
			if !errors.Is(err, hypervisor.ErrOutOfMemory) {
				t.Errorf("expected ErrOutOfMemory, got %v", err)
			}
			if got := sim.Calls(simulated.OpUnmap) == 1; got != tc.wantUnmap {
				t.Errorf("unmap called: expected %v, got %v", tc.wantUnmap, got)
			}
			if sim.Mapped() != 0 {
				t.Errorf("expected no live mappings, got %d", sim.Mapped())
			}
			if d, _ := sim.Domain(id); !d.Info.Paused {
				t.Error("failed boot must leave the domain paused")
			}
		})
	}
}

func TestBoot_UnmapFailure(t *testing.T) {
	sim, hv, id := setup(t)
	o, _ := boot.New(hv, boot.DefaultProfile())
	sim.Fail(simulated.OpUnmap, simulated.Failure{Errno: syscall.EINVAL})

	_, err := o.Boot(context.Background(), id, writeImage(t, []byte("kernel")))
	var se *boot.StepError
	if !errors.As(err, &se) || se.Step != boot.StepUnmap {
		t.Fatalf("expected unmap step error, got %v", err)
	}
	if !errors.Is(err, syscall.EINVAL) {
		t.Errorf("expected EINVAL, got %v", err)
	}
}

func TestBoot_UnknownDomain(t *testing.T) {
	_, hv, _ := setup(t)
	o, _ := boot.New(hv, boot.DefaultProfile())
	_, err := o.Boot(context.Background(), 42, writeImage(t, []byte("kernel")))
	if !errors.Is(err, syscall.ESRCH) {
		t.Errorf("expected ESRCH, got %v", err)
	}
}
