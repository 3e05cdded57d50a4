// Package memmgr implements the per-task MemoryManager: the top-level API
// combining the page table (internal/pagetable), the
// address map (internal/addrspace), and physical frame ownership
// (internal/physmem). Every allocation goes through here so the page table
// and the address map never drift out of sync with each other.
package memmgr

import (
	"errors"
	"fmt"

	"github.com/vanadinite-os/vanadinite/internal/addrspace"
	"github.com/vanadinite-os/vanadinite/internal/pagetable"
	"github.com/vanadinite-os/vanadinite/internal/physmem"
	"github.com/vanadinite-os/vanadinite/internal/riscv"
)

// MaxRandomPlacementAttempts bounds the ASLR rejection-sampling loop in
// AllocRegion: this many jittered placements are tried before falling back
// to a deterministic linear scan of unoccupied regions. Keeping this a
// named constant, rather than an inline literal, makes the worst-case
// fallback path auditable.
const MaxRandomPlacementAttempts = 100

// Fill selects how AllocRegion initializes the frames it allocates.
type Fill int

const (
	Zeroed Fill = iota
	Uninitialized
	// FillData copies Bytes into the new region; len(Bytes) must not
	// exceed the region's byte length.
	FillData
)

// FillOption is a Fill tag plus the payload Bytes carries when Fill ==
// FillData.
type FillOption struct {
	Fill  Fill
	Bytes []byte
}

// RegionDescription is everything AllocRegion needs besides placement.
type RegionDescription struct {
	Size       riscv.PageSize
	Len        int // pages
	Contiguous bool
	Flags      riscv.Flags
	Fill       FillOption
	Kind       addrspace.Kind
}

var (
	ErrNoPlacement  = errors.New("memmgr: no unoccupied region large enough for request")
	ErrFillTooLarge = errors.New("memmgr: FillOption.Bytes longer than region")
)

// InvalidReason names why is_user_region_valid rejected a page.
type InvalidReason int

const (
	NotMapped InvalidReason = iota
	InvalidPermissions
)

func (r InvalidReason) String() string {
	if r == NotMapped {
		return "not-mapped"
	}
	return "invalid-permissions"
}

// Jitter supplies the random starting offset AllocRegion uses before it
// begins rejection sampling. The boot harness wires a math/rand-backed
// implementation; tests supply a deterministic one.
type Jitter interface {
	// Uint64 returns a value in [0, bound).
	Uint64(bound uint64) uint64
}

// MemoryManager is one task's virtual address space: a page table, an
// address map describing the same space, and the arena both draw frames
// from.
type MemoryManager struct {
	arena *physmem.Arena
	table *pagetable.PageTable
	space *addrspace.Map
	jit   Jitter
}

// New constructs a MemoryManager covering [userBase, userTop) of virtual
// address space, backed by arena for physical frames.
func New(arena *physmem.Arena, jit Jitter, userBase, userTop riscv.VirtualAddress) (*MemoryManager, error) {
	table, err := pagetable.New(arena)
	if err != nil {
		return nil, fmt.Errorf("memmgr: %w", err)
	}
	return &MemoryManager{
		arena: arena,
		table: table,
		space: addrspace.New(userBase, userTop),
		jit:   jit,
	}, nil
}

// TablePhysAddress returns the root page table's physical address, for
// programming into satp.
func (m *MemoryManager) TablePhysAddress() riscv.PhysicalAddress { return m.table.Root() }

func alignUp(v uint64, align uint64) uint64 { return (v + align - 1) &^ (align - 1) }

// placeRegion picks a virtual address for a region of the given byte
// length, either honoring an explicit `at`, or performing a
// randomized-then-linear placement search.
func (m *MemoryManager) placeRegion(at *riscv.VirtualAddress, length uint64, pageBytes uint64) (riscv.VirtualAddress, error) {
	if at != nil {
		return riscv.VirtualAddress(alignUp(uint64(*at), pageBytes)), nil
	}

	whole := m.space.Whole()
	span := uint64(whole.End - whole.Start)
	if span == 0 {
		return 0, ErrNoPlacement
	}

	for attempt := 0; attempt < MaxRandomPlacementAttempts; attempt++ {
		jitter := m.jit.Uint64(span)
		candidate := riscv.VirtualAddress(alignUp(uint64(whole.Start)+jitter, pageBytes))
		if candidate+riscv.VirtualAddress(length) > whole.End {
			continue
		}
		if r, ok := m.space.Find(candidate); ok && !r.Occupied() &&
			r.Span.Contains(candidate) && r.Span.End >= candidate+riscv.VirtualAddress(length) {
			return candidate, nil
		}
	}

	// Deterministic fallback: linear scan of unoccupied regions in
	// ascending address order, first fit.
	for _, r := range m.space.UnoccupiedRegions() {
		start := riscv.VirtualAddress(alignUp(uint64(r.Span.Start), pageBytes))
		if start+riscv.VirtualAddress(length) <= r.Span.End {
			return start, nil
		}
	}
	return 0, ErrNoPlacement
}

func (m *MemoryManager) allocFrames(desc RegionDescription) ([]riscv.PhysicalAddress, error) {
	frames := make([]riscv.PhysicalAddress, desc.Len)
	for i := 0; i < desc.Len; i++ {
		f, err := m.arena.AllocFrame()
		if err != nil {
			for _, prev := range frames[:i] {
				m.arena.FreeFrame(prev)
			}
			return nil, err
		}
		frames[i] = f
	}
	return frames, nil
}

func (m *MemoryManager) fillFrames(frames []riscv.PhysicalAddress, pageBytes uint64, fill FillOption) error {
	switch fill.Fill {
	case Zeroed, Uninitialized:
		return nil
	case FillData:
		if uint64(len(fill.Bytes)) > pageBytes*uint64(len(frames)) {
			return ErrFillTooLarge
		}
		off := 0
		for _, f := range frames {
			b := m.arena.Bytes(f)
			n := copy(b, fill.Bytes[off:])
			off += n
			if off >= len(fill.Bytes) {
				break
			}
		}
		return nil
	default:
		return fmt.Errorf("memmgr: unknown fill option %d", fill.Fill)
	}
}

func (m *MemoryManager) mapPages(base riscv.VirtualAddress, frames []riscv.PhysicalAddress, pageBytes uint64, size riscv.PageSize, flags riscv.Flags, rsw riscv.RSW) error {
	for i, f := range frames {
		v := base + riscv.VirtualAddress(uint64(i)*pageBytes)
		if err := m.table.Map(f, v, flags, size, rsw); err != nil {
			for j := 0; j < i; j++ {
				m.table.Unmap(base + riscv.VirtualAddress(uint64(j)*pageBytes))
			}
			return err
		}
	}
	return nil
}

// AllocRegion allocates desc.Len frames at desc.Size, places them
// (randomized placement if at is nil), fills them per desc.Fill, and
// records the mapping in both the page table and the address map.
func (m *MemoryManager) AllocRegion(at *riscv.VirtualAddress, desc RegionDescription) (addrspace.Span, error) {
	pageBytes := desc.Size.Bytes()
	length := pageBytes * uint64(desc.Len)

	start, err := m.placeRegion(at, length, pageBytes)
	if err != nil {
		return addrspace.Span{}, err
	}
	sub := addrspace.Span{Start: start, End: start + riscv.VirtualAddress(length)}

	frames, err := m.allocFrames(desc)
	if err != nil {
		return addrspace.Span{}, fmt.Errorf("memmgr: alloc_region: %w", err)
	}
	if err := m.fillFrames(frames, pageBytes, desc.Fill); err != nil {
		for _, f := range frames {
			m.arena.FreeFrame(f)
		}
		return addrspace.Span{}, err
	}

	backing := physmem.NewUnique(frames, desc.Contiguous)
	if err := m.space.Alloc(sub, backing, desc.Kind, desc.Flags); err != nil {
		backing.Release(m.arena)
		return addrspace.Span{}, fmt.Errorf("memmgr: alloc_region: %w", err)
	}
	if err := m.mapPages(start, frames, pageBytes, desc.Size, desc.Flags, riscv.RSWNone); err != nil {
		m.space.Free(sub)
		backing.Release(m.arena)
		return addrspace.Span{}, fmt.Errorf("memmgr: alloc_region: %w", err)
	}
	return sub, nil
}

// AllocGuardedRegion is alloc_region plus an unmapped guard kilopage placed
// immediately below and above the allocated span.
func (m *MemoryManager) AllocGuardedRegion(at *riscv.VirtualAddress, desc RegionDescription) (addrspace.Span, error) {
	kilo := riscv.KiloPageSize
	var placedAt *riscv.VirtualAddress
	if at != nil {
		below := riscv.VirtualAddress(uint64(*at) + uint64(kilo))
		placedAt = &below
	} else {
		// Reserve room for both guards around the region, not just the
		// region itself, so neither guard lands on an occupied span.
		pageBytes := desc.Size.Bytes()
		start, err := m.placeRegion(nil, pageBytes*uint64(desc.Len+1)+uint64(kilo), pageBytes)
		if err != nil {
			return addrspace.Span{}, err
		}
		regionStart := start + riscv.VirtualAddress(pageBytes)
		placedAt = &regionStart
	}

	sub, err := m.AllocRegion(placedAt, desc)
	if err != nil {
		return addrspace.Span{}, err
	}

	below := addrspace.Span{Start: sub.Start - riscv.VirtualAddress(kilo), End: sub.Start}
	above := addrspace.Span{Start: sub.End, End: sub.End + riscv.VirtualAddress(kilo)}
	guard := physmem.NewGuardPage()
	if err := m.space.Alloc(below, guard, addrspace.Guard, 0); err != nil {
		m.DeallocRegion(sub.Start)
		return addrspace.Span{}, fmt.Errorf("memmgr: alloc_guarded_region: lower guard: %w", err)
	}
	if err := m.space.Alloc(above, guard, addrspace.Guard, 0); err != nil {
		m.DeallocRegion(sub.Start)
		return addrspace.Span{}, fmt.Errorf("memmgr: alloc_guarded_region: upper guard: %w", err)
	}
	return sub, nil
}

// SharedRegion pairs a virtual span in the owning task with the
// physmem.Region other tasks can apply into their own MemoryManager.
type SharedRegion struct {
	Span    addrspace.Span
	Backing *physmem.Region
}

// AllocSharedRegion is alloc_shared_region: identical to AllocRegion except
// the backing is promoted to a reference-counted Shared region, returned
// for a later ApplySharedRegion call in another task.
func (m *MemoryManager) AllocSharedRegion(at *riscv.VirtualAddress, desc RegionDescription) (SharedRegion, error) {
	pageBytes := desc.Size.Bytes()
	length := pageBytes * uint64(desc.Len)

	start, err := m.placeRegion(at, length, pageBytes)
	if err != nil {
		return SharedRegion{}, err
	}
	sub := addrspace.Span{Start: start, End: start + riscv.VirtualAddress(length)}

	frames, err := m.allocFrames(desc)
	if err != nil {
		return SharedRegion{}, fmt.Errorf("memmgr: alloc_shared_region: %w", err)
	}
	if err := m.fillFrames(frames, pageBytes, desc.Fill); err != nil {
		for _, f := range frames {
			m.arena.FreeFrame(f)
		}
		return SharedRegion{}, err
	}

	backing := physmem.NewShared(frames, desc.Contiguous)
	if err := m.space.Alloc(sub, backing, desc.Kind, desc.Flags); err != nil {
		backing.Release(m.arena)
		return SharedRegion{}, fmt.Errorf("memmgr: alloc_shared_region: %w", err)
	}
	if err := m.mapPages(start, frames, pageBytes, desc.Size, desc.Flags, riscv.RSWSharedMemory); err != nil {
		m.space.Free(sub)
		backing.Release(m.arena)
		return SharedRegion{}, fmt.Errorf("memmgr: alloc_shared_region: %w", err)
	}
	return SharedRegion{Span: sub, Backing: backing}, nil
}

// ApplySharedRegion maps region's frames (already owned by some other
// task's MemoryManager) into this address space at an optionally-chosen
// virtual address, taking a new reference on the shared backing.
func (m *MemoryManager) ApplySharedRegion(at *riscv.VirtualAddress, flags riscv.Flags, region *physmem.Region, kind addrspace.Kind) (addrspace.Span, error) {
	if region.Kind() != physmem.Shared {
		return addrspace.Span{}, fmt.Errorf("memmgr: apply_shared_region: backing is not Shared")
	}
	pageBytes := riscv.KiloPageSize
	length := uint64(pageBytes) * uint64(len(region.Frames))

	start, err := m.placeRegion(at, length, uint64(pageBytes))
	if err != nil {
		return addrspace.Span{}, err
	}
	sub := addrspace.Span{Start: start, End: start + riscv.VirtualAddress(length)}

	clone := region.Clone()
	if err := m.space.Alloc(sub, clone, kind, flags); err != nil {
		clone.Release(m.arena)
		return addrspace.Span{}, fmt.Errorf("memmgr: apply_shared_region: %w", err)
	}
	if err := m.mapPages(start, region.Frames, uint64(pageBytes), riscv.Kilo, flags, riscv.RSWSharedMemory); err != nil {
		m.space.Free(sub)
		clone.Release(m.arena)
		return addrspace.Span{}, fmt.Errorf("memmgr: apply_shared_region: %w", err)
	}
	return sub, nil
}

// MapMMIODevice is map_mmio_device: maps phys at kilopage granularity,
// tagged Mmio, with fixed R/W/U/V permissions, returning a Shared region
// that is unique in the system (the caller must never promote the same
// physical range to Shared a second time).
func (m *MemoryManager) MapMMIODevice(phys riscv.PhysicalAddress, at *riscv.VirtualAddress, length int) (SharedRegion, error) {
	pageBytes := riscv.KiloPageSize
	n := (length + pageBytes - 1) / pageBytes
	frames := make([]riscv.PhysicalAddress, n)
	for i := 0; i < n; i++ {
		frames[i] = phys.Add(uint64(i * pageBytes))
	}

	start, err := m.placeRegion(at, uint64(n*pageBytes), uint64(pageBytes))
	if err != nil {
		return SharedRegion{}, err
	}
	sub := addrspace.Span{Start: start, End: start + riscv.VirtualAddress(n*pageBytes)}

	flags := riscv.Read | riscv.Write | riscv.User | riscv.Valid
	backing := physmem.NewShared(frames, true)
	if err := m.space.Alloc(sub, backing, addrspace.Mmio, flags); err != nil {
		return SharedRegion{}, fmt.Errorf("memmgr: map_mmio_device: %w", err)
	}
	if err := m.mapPages(start, frames, uint64(pageBytes), riscv.Kilo, flags, riscv.RSWDirect); err != nil {
		m.space.Free(sub)
		return SharedRegion{}, fmt.Errorf("memmgr: map_mmio_device: %w", err)
	}
	return SharedRegion{Span: sub, Backing: backing}, nil
}

// DeallocRegion is dealloc_region: removes the region containing at,
// unmaps every page it covers, and returns the backing PhysicalRegion so
// the caller decides whether to release it or hand it to another task.
func (m *MemoryManager) DeallocRegion(at riscv.VirtualAddress) (*physmem.Region, error) {
	r, ok := m.space.Find(at)
	if !ok || !r.Occupied() {
		return nil, fmt.Errorf("memmgr: dealloc_region: no occupied region at %#x", uint64(at))
	}
	pageBytes := riscv.KiloPageSize
	for v := r.Span.Start; v < r.Span.End; v += riscv.VirtualAddress(pageBytes) {
		m.table.Unmap(v) //nolint: errcheck // best-effort; gaps inside an occupied span are a bug but not this call's to report.
	}
	freed, err := m.space.Free(r.Span)
	if err != nil {
		return nil, fmt.Errorf("memmgr: dealloc_region: %w", err)
	}
	return freed.Backing, nil
}

// Guard inserts a one-kilopage guard entry at `at`: a valid leaf with no
// access rights at all, so a user fault there reports a permission
// violation rather than "not mapped", aiding diagnosis.
func (m *MemoryManager) Guard(at riscv.VirtualAddress) error {
	frame, err := m.arena.AllocFrame()
	if err != nil {
		return fmt.Errorf("memmgr: guard: %w", err)
	}
	aligned := at.AlignDown(riscv.Kilo)
	sub := addrspace.Span{Start: aligned, End: aligned + riscv.KiloPageSize}
	backing := physmem.NewUnique([]riscv.PhysicalAddress{frame}, true)
	if err := m.space.Alloc(sub, backing, addrspace.Guard, riscv.Valid); err != nil {
		backing.Release(m.arena)
		return fmt.Errorf("memmgr: guard: %w", err)
	}
	if err := m.table.Map(frame, aligned, riscv.Valid, riscv.Kilo, riscv.RSWNone); err != nil {
		m.space.Free(sub)
		backing.Release(m.arena)
		return fmt.Errorf("memmgr: guard: %w", err)
	}
	return nil
}

// IsUserRegionValid is is_user_region_valid: every page in rng must be
// mapped, non-kernel, and satisfy predicate. Returns the first offending
// address and reason on failure.
func (m *MemoryManager) IsUserRegionValid(rng addrspace.Span, predicate func(riscv.Flags) bool) (ok bool, badAddr riscv.VirtualAddress, reason InvalidReason) {
	pageBytes := riscv.VirtualAddress(riscv.KiloPageSize)
	start := rng.Start.AlignDown(riscv.Kilo)
	for v := start; v < rng.End; v += pageBytes {
		if v.IsKernel() {
			return false, v, InvalidPermissions
		}
		flags, mapped := m.table.PageFlags(v)
		if !mapped {
			return false, v, NotMapped
		}
		if !predicate(flags) {
			return false, v, InvalidPermissions
		}
	}
	return true, 0, 0
}

// ModifyPageFlags, PageFlags, and Resolve delegate directly to the page
// table; MemoryManager exposes them so callers never need a PageTable
// reference of their own.
func (m *MemoryManager) ModifyPageFlags(virt riscv.VirtualAddress, f riscv.Flags) error {
	return m.table.ModifyPageFlags(virt, f)
}

func (m *MemoryManager) PageFlags(virt riscv.VirtualAddress) (riscv.Flags, bool) {
	return m.table.PageFlags(virt)
}

func (m *MemoryManager) Resolve(virt riscv.VirtualAddress) (riscv.PhysicalAddress, bool) {
	return m.table.Resolve(virt)
}

// Find returns the AddressRegion containing virt, if this address space has
// one recorded at that point — occupied or not — for page-fault dispatch.
func (m *MemoryManager) Find(virt riscv.VirtualAddress) (*addrspace.Region, bool) {
	return m.space.Find(virt)
}

// Drop tears down the page table, freeing every Unique leaf and branch
// table frame, and must be called exactly once when the owning task exits.
func (m *MemoryManager) Drop() {
	m.table.Drop()
}
