package memmgr

import (
	"testing"

	"github.com/vanadinite-os/vanadinite/internal/addrspace"
	"github.com/vanadinite-os/vanadinite/internal/physmem"
	"github.com/vanadinite-os/vanadinite/internal/riscv"
)

// sequentialJitter is a deterministic Jitter for tests: it always returns 0,
// forcing placement to the very start of the address space's first
// unoccupied region, so test expectations don't depend on randomness.
type sequentialJitter struct{}

func (sequentialJitter) Uint64(bound uint64) uint64 {
	if bound == 0 {
		return 0
	}
	return 0
}

func newTestManager(t *testing.T) *MemoryManager {
	t.Helper()
	arena := physmem.NewArena(riscv.PhysicalAddress(0x8000_0000), 256)
	mm, err := New(arena, sequentialJitter{}, riscv.VirtualAddress(0x1000), riscv.VirtualAddress(0x100000))
	if err != nil {
		t.Fatal(err)
	}
	return mm
}

func TestAllocRegionMapsAndFills(t *testing.T) {
	mm := newTestManager(t)
	desc := RegionDescription{
		Size:  riscv.Kilo,
		Len:   2,
		Flags: riscv.Read | riscv.Write | riscv.User,
		Fill:  FillOption{Fill: FillData, Bytes: []byte("hello")},
		Kind:  addrspace.Data,
	}
	sub, err := mm.AllocRegion(nil, desc)
	if err != nil {
		t.Fatalf("AllocRegion: %v", err)
	}
	if sub.Len() != 2*riscv.Kilo.Bytes() {
		t.Fatalf("span length = %d, want %d", sub.Len(), 2*riscv.Kilo.Bytes())
	}

	if _, ok := mm.Resolve(sub.Start); !ok {
		t.Fatal("Resolve: not mapped")
	}
	flags, ok := mm.PageFlags(sub.Start)
	if !ok || !flags.Has(riscv.Read|riscv.Write|riscv.User) {
		t.Fatalf("PageFlags: %v ok=%v", flags, ok)
	}
}

func TestAllocRegionFillTooLarge(t *testing.T) {
	mm := newTestManager(t)
	desc := RegionDescription{
		Size:  riscv.Kilo,
		Len:   1,
		Flags: riscv.Read,
		Fill:  FillOption{Fill: FillData, Bytes: make([]byte, riscv.Kilo.Bytes()+1)},
		Kind:  addrspace.Data,
	}
	if _, err := mm.AllocRegion(nil, desc); err != ErrFillTooLarge {
		t.Fatalf("got %v, want ErrFillTooLarge", err)
	}
}

func TestDeallocRegionRoundTrip(t *testing.T) {
	mm := newTestManager(t)
	desc := RegionDescription{
		Size:  riscv.Kilo,
		Len:   1,
		Flags: riscv.Read | riscv.Write,
		Fill:  FillOption{Fill: Zeroed},
		Kind:  addrspace.Data,
	}
	sub, err := mm.AllocRegion(nil, desc)
	if err != nil {
		t.Fatal(err)
	}
	backing, err := mm.DeallocRegion(sub.Start)
	if err != nil {
		t.Fatalf("DeallocRegion: %v", err)
	}
	if backing.Kind() != physmem.Unique {
		t.Fatalf("backing kind = %v, want Unique", backing.Kind())
	}
	if _, ok := mm.Resolve(sub.Start); ok {
		t.Fatal("region still mapped after DeallocRegion")
	}
}

func TestSharedRegionApply(t *testing.T) {
	owner := newTestManager(t)
	applicant := newTestManager(t)

	desc := RegionDescription{
		Size:  riscv.Kilo,
		Len:   1,
		Flags: riscv.Read | riscv.Write,
		Fill:  FillOption{Fill: Zeroed},
		Kind:  addrspace.UserSharedMemory,
	}
	shared, err := owner.AllocSharedRegion(nil, desc)
	if err != nil {
		t.Fatalf("AllocSharedRegion: %v", err)
	}
	if shared.Backing.RefCount() != 1 {
		t.Fatalf("refcount after alloc = %d, want 1", shared.Backing.RefCount())
	}

	appliedSpan, err := applicant.ApplySharedRegion(nil, riscv.Read|riscv.Write, shared.Backing, addrspace.UserSharedMemory)
	if err != nil {
		t.Fatalf("ApplySharedRegion: %v", err)
	}
	if shared.Backing.RefCount() != 2 {
		t.Fatalf("refcount after apply = %d, want 2", shared.Backing.RefCount())
	}
	if _, ok := applicant.Resolve(appliedSpan.Start); !ok {
		t.Fatal("applied region not mapped in applicant")
	}
}

func TestMapMMIODevice(t *testing.T) {
	mm := newTestManager(t)
	phys := riscv.PhysicalAddress(0x1000_0000)
	shared, err := mm.MapMMIODevice(phys, nil, 8192)
	if err != nil {
		t.Fatalf("MapMMIODevice: %v", err)
	}
	if shared.Span.Len() != 2*riscv.Kilo.Bytes() {
		t.Fatalf("mmio span length = %d, want 2 pages", shared.Span.Len())
	}
	got, ok := mm.Resolve(shared.Span.Start)
	if !ok || got != phys {
		t.Fatalf("Resolve(mmio) = %#x ok=%v, want %#x", uint64(got), ok, uint64(phys))
	}
}

func TestGuardFaultsOnPermissionNotAbsence(t *testing.T) {
	mm := newTestManager(t)
	at := riscv.VirtualAddress(0x5000)
	if err := mm.Guard(at); err != nil {
		t.Fatalf("Guard: %v", err)
	}
	flags, ok := mm.PageFlags(at)
	if !ok {
		t.Fatal("guard page should be mapped (valid), just unreadable/unwritable")
	}
	if flags.Has(riscv.Read) || flags.Has(riscv.Write) {
		t.Fatalf("guard page should carry no access rights, got %v", flags)
	}
}

func TestIsUserRegionValid(t *testing.T) {
	mm := newTestManager(t)
	desc := RegionDescription{
		Size:  riscv.Kilo,
		Len:   2,
		Flags: riscv.Read | riscv.User,
		Fill:  FillOption{Fill: Zeroed},
		Kind:  addrspace.Data,
	}
	sub, err := mm.AllocRegion(nil, desc)
	if err != nil {
		t.Fatal(err)
	}
	ok, _, _ := mm.IsUserRegionValid(sub, func(f riscv.Flags) bool { return f.Has(riscv.Read) })
	if !ok {
		t.Fatal("expected region to validate against Read predicate")
	}
	ok, bad, reason := mm.IsUserRegionValid(sub, func(f riscv.Flags) bool { return f.Has(riscv.Write) })
	if ok {
		t.Fatal("expected region to fail Write predicate")
	}
	if reason != InvalidPermissions {
		t.Fatalf("reason = %v, want InvalidPermissions", reason)
	}
	_ = bad

	beyond := addrspace.Span{Start: sub.End, End: sub.End + riscv.VirtualAddress(riscv.Kilo.Bytes())}
	ok, _, reason = mm.IsUserRegionValid(beyond, func(riscv.Flags) bool { return true })
	if ok || reason != NotMapped {
		t.Fatalf("expected NotMapped beyond the region, got ok=%v reason=%v", ok, reason)
	}
}
