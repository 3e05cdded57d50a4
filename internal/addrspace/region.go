// Package addrspace implements the ordered per-address-space map of
// occupied/unoccupied virtual-address ranges, keyed by span-end-minus-one
// so "find the region containing addr" is a single lower-bound lookup. It
// is backed by github.com/google/btree (a gvisor/vfs dependency upstream);
// an address-space range map is exactly the ordered-container shape a
// B-tree is for, so it is reused here rather than hand-rolling a balanced
// tree.
package addrspace

import (
	"fmt"

	"github.com/vanadinite-os/vanadinite/internal/physmem"
	"github.com/vanadinite-os/vanadinite/internal/riscv"
)

// Kind is a descriptive tag used for diagnostics and policy decisions; it
// carries no behavior of its own.
type Kind int

const (
	Unoccupied Kind = iota
	Data
	Text
	Stack
	Guard
	Tls
	Channel
	Dma
	Mmio
	UserAllocated
	UserSharedMemory
	ReadOnly
)

func (k Kind) String() string {
	names := [...]string{
		"unoccupied", "data", "text", "stack", "guard", "tls",
		"channel", "dma", "mmio", "user-allocated", "user-shared-memory", "read-only",
	}
	if int(k) < len(names) {
		return names[k]
	}
	return "invalid"
}

// Span is a half-open virtual address range [Start, End).
type Span struct {
	Start riscv.VirtualAddress
	End   riscv.VirtualAddress
}

func (s Span) Len() uint64      { return uint64(s.End - s.Start) }
func (s Span) Contains(a riscv.VirtualAddress) bool { return a >= s.Start && a < s.End }
func (s Span) Empty() bool      { return s.End <= s.Start }

func (s Span) String() string {
	return fmt.Sprintf("[%#x, %#x)", uint64(s.Start), uint64(s.End))
}

// Region describes one virtual-address range. Backing == nil iff Kind ==
// Unoccupied.
type Region struct {
	Span        Span
	Backing     *physmem.Region
	Kind        Kind
	Permissions riscv.Flags
}

func (r *Region) Occupied() bool { return r.Kind != Unoccupied }
