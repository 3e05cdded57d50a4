package pagetable

import (
	"testing"

	"github.com/vanadinite-os/vanadinite/internal/physmem"
	"github.com/vanadinite-os/vanadinite/internal/riscv"
)

func newTestArena(t *testing.T) *physmem.Arena {
	t.Helper()
	return physmem.NewArena(riscv.PhysicalAddress(0x8000_0000), 64)
}

func TestMapResolveUnmap(t *testing.T) {
	arena := newTestArena(t)
	pt, err := New(arena)
	if err != nil {
		t.Fatal(err)
	}

	phys, err := arena.AllocFrame()
	if err != nil {
		t.Fatal(err)
	}
	virt := riscv.VirtualAddress(0x1000)

	if err := pt.Map(phys, virt, riscv.Read|riscv.Write|riscv.User, riscv.Kilo, riscv.RSWNone); err != nil {
		t.Fatalf("Map: %v", err)
	}

	got, ok := pt.Resolve(virt + 0x10)
	if !ok {
		t.Fatal("Resolve: not mapped")
	}
	if want := phys.Add(0x10); got != want {
		t.Fatalf("Resolve offset: got %#x want %#x", uint64(got), uint64(want))
	}

	flags, ok := pt.PageFlags(virt)
	if !ok || !flags.Has(riscv.Read|riscv.Write|riscv.User) {
		t.Fatalf("PageFlags: got %v ok=%v", flags, ok)
	}

	if err := pt.Unmap(virt); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	if _, ok := pt.Resolve(virt); ok {
		t.Fatal("Resolve after Unmap should fail")
	}
	if err := pt.Unmap(virt); err != ErrNotMapped {
		t.Fatalf("double Unmap: got %v want ErrNotMapped", err)
	}
}

func TestMapRejectsDoubleMapAndMisalignment(t *testing.T) {
	arena := newTestArena(t)
	pt, err := New(arena)
	if err != nil {
		t.Fatal(err)
	}
	phys, _ := arena.AllocFrame()
	virt := riscv.VirtualAddress(0x2000)

	if err := pt.Map(phys, virt, riscv.Read, riscv.Kilo, riscv.RSWNone); err != nil {
		t.Fatal(err)
	}
	if err := pt.Map(phys, virt, riscv.Read, riscv.Kilo, riscv.RSWNone); err == nil {
		t.Fatal("expected error re-mapping an occupied leaf")
	}
	if err := pt.Map(phys, virt+1, riscv.Read, riscv.Kilo, riscv.RSWNone); err != ErrMisaligned {
		t.Fatalf("got %v want ErrMisaligned", err)
	}
}

func TestModifyFlagsAndRSW(t *testing.T) {
	arena := newTestArena(t)
	pt, _ := New(arena)
	phys, _ := arena.AllocFrame()
	virt := riscv.VirtualAddress(0x3000)

	if err := pt.Map(phys, virt, riscv.Read, riscv.Kilo, riscv.RSWSharedMemory); err != nil {
		t.Fatal(err)
	}
	if err := pt.ModifyPageFlags(virt, riscv.Read|riscv.Write); err != nil {
		t.Fatal(err)
	}
	f, _ := pt.PageFlags(virt)
	if !f.Has(riscv.Write) {
		t.Fatalf("flags not updated: %v", f)
	}
	rsw, ok := pt.PageRSW(virt)
	if !ok || rsw != riscv.RSWSharedMemory {
		t.Fatalf("RSW lost across ModifyPageFlags: got %v ok=%v", rsw, ok)
	}
	if err := pt.ModifyPageRSW(virt, riscv.RSWDirect); err != nil {
		t.Fatal(err)
	}
	rsw, _ = pt.PageRSW(virt)
	if rsw != riscv.RSWDirect {
		t.Fatalf("ModifyPageRSW: got %v", rsw)
	}
	resolved, ok := pt.Resolve(virt)
	if !ok || resolved != phys {
		t.Fatalf("Resolve after flag/RSW churn: got %#x ok=%v", uint64(resolved), ok)
	}
}

func TestDropFreesUniqueButSkipsSharedAndDirect(t *testing.T) {
	arena := newTestArena(t)
	pt, _ := New(arena)

	uniquePhys, _ := arena.AllocFrame()
	sharedPhys, _ := arena.AllocFrame()

	if err := pt.Map(uniquePhys, riscv.VirtualAddress(0x1000), riscv.Read, riscv.Kilo, riscv.RSWNone); err != nil {
		t.Fatal(err)
	}
	if err := pt.Map(sharedPhys, riscv.VirtualAddress(0x40_0000), riscv.Read, riscv.Kilo, riscv.RSWSharedMemory); err != nil {
		t.Fatal(err)
	}

	before := countFree(arena)
	pt.Drop()
	after := countFree(arena)

	// The root and any branch tables allocated for the second mapping, plus
	// the unique leaf, return to the arena; the shared leaf's frame does
	// not (it is still owned by whatever physmem.Region minted it).
	if after <= before {
		t.Fatalf("Drop did not free anything: before=%d after=%d", before, after)
	}
	freedUnique := false
	freedShared := false
	arena2 := arena
	_ = arena2
	for _, f := range drainFree(arena) {
		if f == uniquePhys {
			freedUnique = true
		}
		if f == sharedPhys {
			freedShared = true
		}
	}
	if !freedUnique {
		t.Fatal("unique leaf frame was not freed by Drop")
	}
	if freedShared {
		t.Fatal("shared leaf frame must not be freed by Drop")
	}
}

func countFree(a *physmem.Arena) int {
	n := 0
	var frames []riscv.PhysicalAddress
	for {
		f, err := a.AllocFrameNoZero()
		if err != nil {
			break
		}
		frames = append(frames, f)
		n++
	}
	for _, f := range frames {
		a.FreeFrame(f)
	}
	return n
}

func drainFree(a *physmem.Arena) []riscv.PhysicalAddress {
	var frames []riscv.PhysicalAddress
	for {
		f, err := a.AllocFrameNoZero()
		if err != nil {
			break
		}
		frames = append(frames, f)
	}
	for _, f := range frames {
		a.FreeFrame(f)
	}
	return frames
}
