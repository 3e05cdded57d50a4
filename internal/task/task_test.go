package task

import (
	"testing"

	"github.com/vanadinite-os/vanadinite/internal/capability"
	"github.com/vanadinite-os/vanadinite/internal/endpoint"
	"github.com/vanadinite-os/vanadinite/internal/memmgr"
	"github.com/vanadinite-os/vanadinite/internal/physmem"
	"github.com/vanadinite-os/vanadinite/internal/riscv"
)

type zeroJitter struct{}

func (zeroJitter) Uint64(bound uint64) uint64 { return 0 }

type fakeKernelStackArena struct{ top riscv.VirtualAddress }

func (f fakeKernelStackArena) AllocKernelStackTop() riscv.VirtualAddress { return f.top }

func newLoadedTask(t *testing.T) *Task {
	t.Helper()
	arena := physmem.NewArena(riscv.PhysicalAddress(0x9000_0000), 4096)
	mm, err := memmgr.New(arena, zeroJitter{}, riscv.VirtualAddress(0x1000), riscv.VirtualAddress(0x20_0000_0000))
	if err != nil {
		t.Fatal(err)
	}
	kernelChanServer, _ := endpoint.NewChannel()

	spec := LoadSpec{
		Name:  "init",
		Entry: riscv.VirtualAddress(0x4000),
		Segments: []Segment{
			{VirtAddr: riscv.VirtualAddress(0x4000), Data: []byte{0x13, 0x00, 0x00, 0x00}, PageSize: riscv.Kilo, Flags: riscv.Read | riscv.Execute | riscv.User},
		},
		Argv:       [][]byte{[]byte("init")},
		DeviceTree: []byte{0xd0, 0x0d, 0xfe, 0xed},
		KernelChan: kernelChanServer,
	}
	tsk, err := Load(mm, fakeKernelStackArena{top: riscv.VirtualAddress(0x40_0000_0000)}, spec)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return tsk
}

func TestLoadProducesReadyTaskWithEntryFrame(t *testing.T) {
	tsk := newLoadedTask(t)
	if tsk.State() != Ready {
		t.Fatalf("state = %v, want Ready", tsk.State())
	}
	if tsk.Frame().Sepc != 0x4000 {
		t.Fatalf("sepc = %#x, want 0x4000", tsk.Frame().Sepc)
	}
	if tsk.Frame().A0() != 1 {
		t.Fatal("argc (a0) should be 1 for a single argv entry")
	}
}

func TestLoadMintsKernelChannel(t *testing.T) {
	tsk := newLoadedTask(t)
	tsk.WithMutable(1, func(m *Mutable) {
		c, ok := m.CapabilitySpace.Resolve(KernelChannel)
		if !ok {
			t.Fatal("kernel channel capability not minted")
		}
		if !c.Rights.Has(capability.Read) {
			t.Fatalf("kernel channel rights = %v, want Read", c.Rights)
		}
	})
}

func TestWithMutableSameHartReentryPanics(t *testing.T) {
	tsk := newLoadedTask(t)
	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("expected panic on same-hart reentry")
		}
		if _, ok := r.(ErrSameHartReentry); !ok {
			t.Fatalf("panic value = %#v, want ErrSameHartReentry", r)
		}
	}()
	tsk.WithMutable(1, func(m *Mutable) {
		tsk.WithMutable(1, func(m2 *Mutable) {})
	})
}

func TestDistinctTidsAreAssigned(t *testing.T) {
	a := newLoadedTask(t)
	b := newLoadedTask(t)
	if a.Tid == b.Tid {
		t.Fatalf("expected distinct tids, got %d == %d", a.Tid, b.Tid)
	}
}
