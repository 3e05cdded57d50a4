// Package pagetable implements the per-task Sv39/Sv48 page table: walk,
// map, unmap, flag/RSW introspection, and recursive teardown. The walk
// arithmetic (VPN extraction per level, PPN composition, superpage
// alignment checks) mirrors the standard Sv39/Sv48 page-walk recipe, but
// installs and removes mappings rather than only translating addresses
// someone else already mapped — the kernel is the party writing these
// tables.
package pagetable

import (
	"encoding/binary"
	"fmt"

	"github.com/vanadinite-os/vanadinite/internal/physmem"
	"github.com/vanadinite-os/vanadinite/internal/riscv"
)

const (
	entriesPerTable = 512
	vpnBits         = 9
	ppnShift        = 10
	rswShift        = 8
	flagsMask       = 0xff
)

// Table is one page of 512 raw entries, either the root or a branch table,
// backed by a single frame in the physmem.Arena.
type PageTable struct {
	arena *physmem.Arena
	root  riscv.PhysicalAddress
}

// New allocates a fresh, all-zero root table.
func New(arena *physmem.Arena) (*PageTable, error) {
	root, err := arena.AllocFrame()
	if err != nil {
		return nil, fmt.Errorf("pagetable: allocate root: %w", err)
	}
	return &PageTable{arena: arena, root: root}, nil
}

// Root returns the physical address of the root table, suitable for
// programming into satp.
func (pt *PageTable) Root() riscv.PhysicalAddress { return pt.root }

func (pt *PageTable) readEntry(table riscv.PhysicalAddress, idx int) uint64 {
	b := pt.arena.Bytes(table)
	return binary.LittleEndian.Uint64(b[idx*8:])
}

func (pt *PageTable) writeEntry(table riscv.PhysicalAddress, idx int, v uint64) {
	b := pt.arena.Bytes(table)
	binary.LittleEndian.PutUint64(b[idx*8:], v)
}

func encodeEntry(ppn riscv.PhysicalAddress, flags riscv.Flags, rsw riscv.RSW) uint64 {
	return (uint64(ppn) >> 12 << ppnShift) | (uint64(rsw) << rswShift) | uint64(flags)
}

func decodePPN(e uint64) riscv.PhysicalAddress {
	return riscv.PhysicalAddress((e >> ppnShift) << 12)
}

func decodeFlags(e uint64) riscv.Flags { return riscv.Flags(e & flagsMask) }
func decodeRSW(e uint64) riscv.RSW     { return riscv.RSW((e >> rswShift) & 0x3) }

// EntryKind discriminates what a raw entry currently names.
type EntryKind int

const (
	NotValid EntryKind = iota
	Leaf
	Branch
)

func kindOf(e uint64) EntryKind {
	if riscv.Flags(e)&riscv.Valid == 0 {
		return NotValid
	}
	if riscv.Flags(e)&(riscv.Read|riscv.Write|riscv.Execute) != 0 {
		return Leaf
	}
	return Branch
}

func vpn(va riscv.VirtualAddress, level int) int {
	shift := 12 + level*vpnBits
	return int((uint64(va) >> shift) & (entriesPerTable - 1))
}

// ErrAlreadyMapped is returned (and should panic a real kernel build) when
// Map targets an address that already has a leaf.
var ErrAlreadyMapped = fmt.Errorf("pagetable: already mapped")

// ErrNotMapped is returned by Unmap/Resolve/flag accessors when no leaf
// covers the address.
var ErrNotMapped = fmt.Errorf("pagetable: not mapped")

// ErrMisaligned is returned when phys or virt isn't aligned to size.
var ErrMisaligned = fmt.Errorf("pagetable: misaligned address for requested page size")

// Map walks the table, creating branch tables as needed, and installs a
// leaf at the level matching size. It fails if the target already has a
// leaf mapped there.
func (pt *PageTable) Map(phys riscv.PhysicalAddress, virt riscv.VirtualAddress, flags riscv.Flags, size riscv.PageSize, rsw riscv.RSW) error {
	if !phys.AlignedTo(size) || !virt.AlignedTo(size) {
		return ErrMisaligned
	}
	if err := flags.Validate(); err != nil {
		return err
	}

	levels := riscv.Mode.Levels()
	targetLevel := size.Level()
	table := pt.root

	for level := levels - 1; level > targetLevel; level-- {
		idx := vpn(virt, level)
		e := pt.readEntry(table, idx)
		switch kindOf(e) {
		case NotValid:
			next, err := pt.arena.AllocFrame()
			if err != nil {
				return fmt.Errorf("pagetable: allocate branch: %w", err)
			}
			pt.writeEntry(table, idx, encodeEntry(next, riscv.Valid, riscv.RSWNone))
			table = next
		case Branch:
			table = decodePPN(e)
		case Leaf:
			return fmt.Errorf("pagetable: %w: superpage already occupies an ancestor of %#x", ErrAlreadyMapped, uint64(virt))
		}
	}

	idx := vpn(virt, targetLevel)
	if kindOf(pt.readEntry(table, idx)) != NotValid {
		return ErrAlreadyMapped
	}
	pt.writeEntry(table, idx, encodeEntry(phys, flags|riscv.Valid, rsw))
	return nil
}

// walkToLeaf returns the table holding the leaf entry for virt, and the
// index within it, without modifying anything. ok is false if no leaf is
// present at any level.
func (pt *PageTable) walkToLeaf(virt riscv.VirtualAddress) (table riscv.PhysicalAddress, idx int, size riscv.PageSize, ok bool) {
	levels := riscv.Mode.Levels()
	table = pt.root
	for level := levels - 1; level >= 0; level-- {
		i := vpn(virt, level)
		e := pt.readEntry(table, i)
		switch kindOf(e) {
		case NotValid:
			return 0, 0, 0, false
		case Leaf:
			return table, i, riscv.PageSize(level), true
		case Branch:
			if level == 0 {
				// A valid last-level entry with no R/W/X is a no-access leaf
				// (a guard page), not a pointer to another table.
				return table, i, riscv.PageSize(level), true
			}
			table = decodePPN(e)
		}
	}
	return 0, 0, 0, false
}

// Unmap walks to the leaf and zeroes the entry. It returns ErrNotMapped if
// virt has no leaf.
func (pt *PageTable) Unmap(virt riscv.VirtualAddress) error {
	table, idx, _, ok := pt.walkToLeaf(virt)
	if !ok {
		return ErrNotMapped
	}
	pt.writeEntry(table, idx, 0)
	return nil
}

// Resolve walks to the leaf covering virt and returns the physical address
// obtained by combining the leaf PPN with the intra-page offset.
func (pt *PageTable) Resolve(virt riscv.VirtualAddress) (riscv.PhysicalAddress, bool) {
	table, idx, size, ok := pt.walkToLeaf(virt)
	if !ok {
		return 0, false
	}
	e := pt.readEntry(table, idx)
	base := decodePPN(e)
	mask := size.Bytes() - 1
	return base.Add(uint64(virt) & mask), true
}

// PageFlags returns the Flags of the leaf covering virt.
func (pt *PageTable) PageFlags(virt riscv.VirtualAddress) (riscv.Flags, bool) {
	table, idx, _, ok := pt.walkToLeaf(virt)
	if !ok {
		return 0, false
	}
	return decodeFlags(pt.readEntry(table, idx)), true
}

// ModifyPageFlags replaces the Flags of the leaf covering virt, preserving
// its PPN and RSW.
func (pt *PageTable) ModifyPageFlags(virt riscv.VirtualAddress, f riscv.Flags) error {
	table, idx, _, ok := pt.walkToLeaf(virt)
	if !ok {
		return ErrNotMapped
	}
	e := pt.readEntry(table, idx)
	pt.writeEntry(table, idx, encodeEntry(decodePPN(e), f|riscv.Valid, decodeRSW(e)))
	return nil
}

// PageRSW returns the RSW bits of the leaf covering virt.
func (pt *PageTable) PageRSW(virt riscv.VirtualAddress) (riscv.RSW, bool) {
	table, idx, _, ok := pt.walkToLeaf(virt)
	if !ok {
		return 0, false
	}
	return decodeRSW(pt.readEntry(table, idx)), true
}

// ModifyPageRSW replaces the RSW bits of the leaf covering virt.
func (pt *PageTable) ModifyPageRSW(virt riscv.VirtualAddress, rsw riscv.RSW) error {
	table, idx, _, ok := pt.walkToLeaf(virt)
	if !ok {
		return ErrNotMapped
	}
	e := pt.readEntry(table, idx)
	pt.writeEntry(table, idx, encodeEntry(decodePPN(e), decodeFlags(e), rsw))
	return nil
}

// Drop recursively walks branch entries, releasing the physical frame of
// every Leaf whose RSW is RSWNone and every Branch table, back to arena.
// Leaves carrying RSWSharedMemory or RSWDirect are skipped: those frames
// are owned by a physmem.Region elsewhere (the MemoryManager releases
// them, if at all) and must never be double-freed here. This must run
// before the PageTable itself is discarded; Go's GC does not know about
// the physmem.Arena's free list.
func (pt *PageTable) Drop() {
	pt.dropTable(pt.root, riscv.Mode.Levels()-1)
}

func (pt *PageTable) dropTable(table riscv.PhysicalAddress, level int) {
	for i := 0; i < entriesPerTable; i++ {
		e := pt.readEntry(table, i)
		switch kindOf(e) {
		case NotValid:
			continue
		case Leaf:
			if decodeRSW(e) == riscv.RSWNone {
				pt.arena.FreeFrame(decodePPN(e))
			}
		case Branch:
			pt.dropTable(decodePPN(e), level-1)
		}
	}
	pt.arena.FreeFrame(table)
}
