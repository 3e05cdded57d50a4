// Package userptr implements the validated user-memory accessor:
// Ptr[T] / Slice[T] with a Mode chosen at construction, constructed
// cheaply from a raw VirtualAddress and made safe to dereference only
// after Validate checks alignment, mapping, and permissions against a
// MemoryManager. Go has no SUM bit to flip, so the "scoped guard that
// temporarily enables supervisor access" step is represented by handing
// back a plain Go slice backed by the same physmem.Arena bytes the page
// table's leaf already points at — safe in this simulation because
// nothing else holds a conflicting alias while the guard value is live,
// mirroring the real kernel's invariant that SUM is only set for the
// duration of the access.
package userptr

import (
	"errors"
	"unsafe"

	"github.com/vanadinite-os/vanadinite/internal/addrspace"
	"github.com/vanadinite-os/vanadinite/internal/memmgr"
	"github.com/vanadinite-os/vanadinite/internal/physmem"
	"github.com/vanadinite-os/vanadinite/internal/riscv"
)

// Mode selects the access pattern a UserPtr/UserSlice was constructed for.
type Mode int

const (
	ReadOnly Mode = iota
	ReadWrite
)

// Flags returns the riscv.Flags a region must satisfy for this Mode.
func (m Mode) Flags() riscv.Flags {
	if m == ReadWrite {
		return riscv.Read | riscv.Write
	}
	return riscv.Read
}

var (
	ErrUnaligned  = errors.New("userptr: address misaligned for T")
	ErrNotMapped  = errors.New("userptr: address range not mapped")
	ErrInvalidAccess = errors.New("userptr: mapped region does not satisfy requested mode")
)

// Ptr is a cheaply-constructed, not-yet-validated pointer into user
// virtual memory. Validate must succeed before Guard may be called.
type Ptr[T any] struct {
	addr riscv.VirtualAddress
	mode Mode
}

// NewPtr constructs a Ptr without touching the MemoryManager.
func NewPtr[T any](addr riscv.VirtualAddress, mode Mode) Ptr[T] {
	return Ptr[T]{addr: addr, mode: mode}
}

func sizeOf[T any]() uint64 {
	var z T
	return uint64(unsafe.Sizeof(z))
}

func alignOf[T any]() uint64 {
	var z T
	return uint64(unsafe.Alignof(z))
}

// Validate checks alignment against align_of::<T>() and calls
// IsUserRegionValid over addr..addr+size_of::<T>(), returning a Guard on
// success.
func (p Ptr[T]) Validate(mm *memmgr.MemoryManager, arena *physmem.Arena) (Guard[T], error) {
	if uint64(p.addr)%alignOf[T]() != 0 {
		return Guard[T]{}, ErrUnaligned
	}
	span := addrspaceSpanFor(p.addr, sizeOf[T]())
	ok, bad, reason := mm.IsUserRegionValid(span, func(f riscv.Flags) bool { return f.Has(p.mode.Flags()) })
	if !ok {
		if reason == memmgr.NotMapped {
			return Guard[T]{}, ErrNotMapped
		}
		_ = bad
		return Guard[T]{}, ErrInvalidAccess
	}
	return Guard[T]{mm: mm, arena: arena, addr: p.addr, mode: p.mode}, nil
}

// Slice is the multi-element counterpart to Ptr.
type Slice[T any] struct {
	addr riscv.VirtualAddress
	len  int
	mode Mode
}

// NewSlice constructs a Slice without touching the MemoryManager.
func NewSlice[T any](addr riscv.VirtualAddress, length int, mode Mode) Slice[T] {
	return Slice[T]{addr: addr, len: length, mode: mode}
}

func (s Slice[T]) Validate(mm *memmgr.MemoryManager, arena *physmem.Arena) (SliceGuard[T], error) {
	if uint64(s.addr)%alignOf[T]() != 0 {
		return SliceGuard[T]{}, ErrUnaligned
	}
	total := sizeOf[T]() * uint64(s.len)
	span := addrspaceSpanFor(s.addr, total)
	ok, _, reason := mm.IsUserRegionValid(span, func(f riscv.Flags) bool { return f.Has(s.mode.Flags()) })
	if !ok {
		if reason == memmgr.NotMapped {
			return SliceGuard[T]{}, ErrNotMapped
		}
		return SliceGuard[T]{}, ErrInvalidAccess
	}
	return SliceGuard[T]{mm: mm, arena: arena, addr: s.addr, len: s.len, mode: s.mode}, nil
}

// Guard is the typed handle Validate returns: the scoped "SUM enabled"
// access window, modeled as a value whose Bytes method resolves straight
// through the page table each call rather than caching a stale mapping.
type Guard[T any] struct {
	mm    *memmgr.MemoryManager
	arena *physmem.Arena
	addr  riscv.VirtualAddress
	mode  Mode
}

// Bytes returns a snapshot of the bytes backing this guard's T, resolved
// fresh through the page table (and copied out, since frames may be
// non-contiguous across a page boundary).
func (g Guard[T]) Bytes() []byte {
	return resolveBytes(g.mm, g.arena, g.addr, sizeOf[T]())
}

// Write copies src (truncated to sizeOf[T]()) back into the guarded
// region. It fails with ErrInvalidAccess if the guard was validated
// ReadOnly.
func (g Guard[T]) Write(src []byte) (int, error) {
	if g.mode != ReadWrite {
		return 0, ErrInvalidAccess
	}
	return writeBytes(g.mm, g.arena, g.addr, src[:min(len(src), int(sizeOf[T]()))])
}

// SliceGuard is the Slice counterpart of Guard.
type SliceGuard[T any] struct {
	mm    *memmgr.MemoryManager
	arena *physmem.Arena
	addr  riscv.VirtualAddress
	len   int
	mode  Mode
}

func (g SliceGuard[T]) Bytes() []byte {
	return resolveBytes(g.mm, g.arena, g.addr, sizeOf[T]()*uint64(g.len))
}

func (g SliceGuard[T]) Len() int { return g.len }

// Write copies src back into the guarded region, truncated to the
// region's total byte length. It fails with ErrInvalidAccess if the guard
// was validated ReadOnly.
func (g SliceGuard[T]) Write(src []byte) (int, error) {
	if g.mode != ReadWrite {
		return 0, ErrInvalidAccess
	}
	total := int(sizeOf[T]()) * g.len
	return writeBytes(g.mm, g.arena, g.addr, src[:min(len(src), total)])
}

func resolveBytes(mm *memmgr.MemoryManager, arena *physmem.Arena, addr riscv.VirtualAddress, length uint64) []byte {
	out := make([]byte, 0, length)
	remaining := length
	v := addr
	for remaining > 0 {
		phys, ok := mm.Resolve(v)
		if !ok {
			break
		}
		frameBytes := arena.Bytes(phys)
		off := phys.Offset(physmem.FrameSize)
		avail := uint64(len(frameBytes)) - off
		take := remaining
		if take > avail {
			take = avail
		}
		out = append(out, frameBytes[off:off+take]...)
		remaining -= take
		v += riscv.VirtualAddress(take)
	}
	return out
}

func writeBytes(mm *memmgr.MemoryManager, arena *physmem.Arena, addr riscv.VirtualAddress, src []byte) (int, error) {
	remaining := src
	v := addr
	total := 0
	for len(remaining) > 0 {
		phys, ok := mm.Resolve(v)
		if !ok {
			break
		}
		frameBytes := arena.Bytes(phys)
		off := phys.Offset(physmem.FrameSize)
		avail := uint64(len(frameBytes)) - off
		take := uint64(len(remaining))
		if take > avail {
			take = avail
		}
		n := copy(frameBytes[off:off+take], remaining[:take])
		total += n
		remaining = remaining[n:]
		v += riscv.VirtualAddress(n)
	}
	return total, nil
}

func addrspaceSpanFor(addr riscv.VirtualAddress, length uint64) addrspace.Span {
	return addrspace.Span{Start: addr, End: addr + riscv.VirtualAddress(length)}
}
