// Package physmem models physical frame ownership: unique, reference-counted
// shared, and guard (unbacked) regions. The frame arena itself is a flat
// []byte slice, standing in for a physical-frame bitmap allocator treated
// as an external collaborator; this package only tracks who owns which
// frames and how many owners a shared frame has.
package physmem

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/vanadinite-os/vanadinite/internal/riscv"
)

// FrameSize is the allocation granule backing every PhysicalRegion, matching
// riscv.KiloPageSize.
const FrameSize = riscv.KiloPageSize

// Arena is the simulation's backing store for physical memory: a flat byte
// slice plus a free-frame stack, allocated/freed frame-by-frame rather than
// addressed as one contiguous range, since the kernel owns frame lifetime
// here.
type Arena struct {
	mu    sync.Mutex
	bytes []byte
	free  []riscv.PhysicalAddress
	base  riscv.PhysicalAddress
}

// NewArena reserves nframes frames of backing storage starting at base.
func NewArena(base riscv.PhysicalAddress, nframes int) *Arena {
	a := &Arena{
		bytes: make([]byte, nframes*FrameSize),
		base:  base,
	}
	a.free = make([]riscv.PhysicalAddress, nframes)
	for i := 0; i < nframes; i++ {
		a.free[nframes-1-i] = base.Add(uint64(i * FrameSize))
	}
	return a
}

// ErrOutOfMemory is returned when the frame allocator is exhausted. A
// production kernel could choose to panic here instead; this simulation
// returns the error so callers (AllocRegion etc.) can propagate it.
var ErrOutOfMemory = fmt.Errorf("physmem: out of frames")

// AllocFrame removes one frame from the free list and zeroes it.
func (a *Arena) AllocFrame() (riscv.PhysicalAddress, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.free) == 0 {
		return 0, ErrOutOfMemory
	}
	pa := a.free[len(a.free)-1]
	a.free = a.free[:len(a.free)-1]
	clear(a.Bytes(pa))
	return pa, nil
}

// AllocFrameNoZero is AllocFrame without zeroing, used when the caller is
// about to overwrite the whole frame (e.g. a COW copy).
func (a *Arena) AllocFrameNoZero() (riscv.PhysicalAddress, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.free) == 0 {
		return 0, ErrOutOfMemory
	}
	pa := a.free[len(a.free)-1]
	a.free = a.free[:len(a.free)-1]
	return pa, nil
}

// FreeFrame returns pa to the free list.
func (a *Arena) FreeFrame(pa riscv.PhysicalAddress) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.free = append(a.free, pa)
}

// Bytes returns the live frame-sized slice backing pa. The slice aliases
// the arena's storage directly; callers must hold whatever lock protects
// concurrent access to the frame (the MemoryManager's page-table lock, by
// convention).
func (a *Arena) Bytes(pa riscv.PhysicalAddress) []byte {
	off := uint64(pa-a.base) / FrameSize * FrameSize
	return a.bytes[off : off+FrameSize]
}

// Kind discriminates the PhysicalRegion sum type.
type Kind int

const (
	Unique Kind = iota
	Shared
	GuardPage
)

// Region describes one physical allocation: Unique(frames) |
// Shared(refcounted frames) | GuardPage (no backing). A Unique region may
// be contiguous (one run of frames) or sparse (an arbitrary vector); both
// are represented by
// the same Frames slice, with Contiguous recording which layout produced it
// so callers that care about locality (e.g. DMA buffers) can tell.
type Region struct {
	kind       Kind
	Frames     []riscv.PhysicalAddress
	Contiguous bool
	refs       *atomic.Int32 // only set for Shared
}

// NewGuardPage returns a Region with no backing frames at all.
func NewGuardPage() *Region {
	return &Region{kind: GuardPage}
}

// NewUnique wraps already-allocated frames as a uniquely-owned region.
func NewUnique(frames []riscv.PhysicalAddress, contiguous bool) *Region {
	return &Region{kind: Unique, Frames: frames, Contiguous: contiguous}
}

// NewShared promotes frames to a reference-counted shared region with one
// initial owner. MMIO aliases are modeled this way too: "once minted they
// are unique in the system" is enforced by the caller never promoting the
// same physical range to Shared twice, not by this type.
func NewShared(frames []riscv.PhysicalAddress, contiguous bool) *Region {
	refs := &atomic.Int32{}
	refs.Store(1)
	return &Region{kind: Shared, Frames: frames, Contiguous: contiguous, refs: refs}
}

func (r *Region) Kind() Kind { return r.kind }

// Clone increases the share count of a Shared region and returns a handle
// with the same backing frames. Calling Clone on a Unique or GuardPage
// region panics: those kinds are not aliasable.
func (r *Region) Clone() *Region {
	if r.kind != Shared {
		panic("physmem: Clone of non-Shared region")
	}
	r.refs.Add(1)
	return &Region{kind: Shared, Frames: r.Frames, Contiguous: r.Contiguous, refs: r.refs}
}

// Release drops this handle's share of a Shared region, freeing the frames
// back to arena once the last owner releases. Unique regions always free
// their frames; GuardPage releases are a no-op.
func (r *Region) Release(arena *Arena) {
	switch r.kind {
	case GuardPage:
		return
	case Unique:
		for _, f := range r.Frames {
			arena.FreeFrame(f)
		}
	case Shared:
		if r.refs.Add(-1) == 0 {
			for _, f := range r.Frames {
				arena.FreeFrame(f)
			}
		}
	}
}

// RefCount reports the current number of owners of a Shared region (always
// 1 for Unique, 0 for GuardPage).
func (r *Region) RefCount() int32 {
	switch r.kind {
	case Shared:
		return r.refs.Load()
	case Unique:
		return 1
	default:
		return 0
	}
}
