package addrspace

import (
	"errors"
	"fmt"

	"github.com/google/btree"
	"github.com/vanadinite-os/vanadinite/internal/physmem"
	"github.com/vanadinite-os/vanadinite/internal/riscv"
)

var (
	// ErrOccupied is returned by Alloc when the target subrange overlaps an
	// already-occupied region.
	ErrOccupied = errors.New("addrspace: region occupied")
	// ErrNonexistent is returned when no region contains the requested
	// subrange's start address at all (should not happen given the
	// coverage invariant, but guards against an out-of-range request).
	ErrNonexistent = errors.New("addrspace: no containing region")
	// ErrOutOfBounds is returned when subrange is not fully contained by
	// the region that contains its start address.
	ErrOutOfBounds = errors.New("addrspace: subrange exceeds containing region")
	// ErrNotFound is returned by Free when no region's span exactly
	// matches the requested range.
	ErrNotFound = errors.New("addrspace: no region with exactly this span")
)

// item is the entry stored in the tree, keyed by Span.End-1 so
// AscendGreaterOrEqual(addr) yields the unique candidate region in one step.
type item struct {
	key riscv.VirtualAddress // Span.End - 1
	r   *Region
}

func less(a, b item) bool { return a.key < b.key }

// Map is an ordered map covering the whole configured address range with
// no gaps, split on Alloc and coalesced on Free.
type Map struct {
	t     *btree.BTreeG[item]
	whole Span
}

// New creates a Map covering exactly [start, end) as one Unoccupied region.
func New(start, end riscv.VirtualAddress) *Map {
	m := &Map{
		t:     btree.NewG(32, less),
		whole: Span{Start: start, End: end},
	}
	m.t.ReplaceOrInsert(item{key: end - 1, r: &Region{Span: m.whole, Kind: Unoccupied}})
	return m
}

// lowerBound returns the item whose key is the smallest key >= addr, i.e.
// the unique region that may contain addr.
func (m *Map) lowerBound(addr riscv.VirtualAddress) (item, bool) {
	var found item
	ok := false
	m.t.AscendGreaterOrEqual(item{key: addr}, func(it item) bool {
		found = it
		ok = true
		return false
	})
	return found, ok
}

// Find returns the unique Region containing addr in O(log n).
func (m *Map) Find(addr riscv.VirtualAddress) (*Region, bool) {
	it, ok := m.lowerBound(addr)
	if !ok || !it.r.Span.Contains(addr) {
		return nil, false
	}
	return it.r, true
}

// Alloc locates the single region containing sub.Start, fails if sub is not
// fully contained or that region is already occupied, and otherwise splits
// the containing region into up to three parts (before/active/after),
// installing the new occupied Region for the active part.
func (m *Map) Alloc(sub Span, backing *physmem.Region, kind Kind, perms riscv.Flags) error {
	if sub.Empty() {
		return fmt.Errorf("addrspace: empty span %s", sub)
	}
	it, ok := m.lowerBound(sub.Start)
	if !ok || !it.r.Span.Contains(sub.Start) {
		return ErrNonexistent
	}
	container := it.r
	if sub.End > container.Span.End || sub.Start < container.Span.Start {
		return ErrOutOfBounds
	}
	if container.Occupied() {
		return ErrOccupied
	}

	m.t.Delete(it)

	if container.Span.Start < sub.Start {
		before := &Region{Span: Span{Start: container.Span.Start, End: sub.Start}, Kind: Unoccupied}
		m.t.ReplaceOrInsert(item{key: before.Span.End - 1, r: before})
	}
	active := &Region{Span: sub, Kind: kind, Permissions: perms, Backing: backing}
	m.t.ReplaceOrInsert(item{key: active.Span.End - 1, r: active})

	if sub.End < container.Span.End {
		after := &Region{Span: Span{Start: sub.End, End: container.Span.End}, Kind: Unoccupied}
		m.t.ReplaceOrInsert(item{key: after.Span.End - 1, r: after})
	}
	return nil
}

// Free removes the region whose span exactly matches rng and coalesces it
// with an unoccupied predecessor and/or successor. It returns the backing
// PhysicalRegion so the caller (MemoryManager) decides whether to release
// or hand it off.
func (m *Map) Free(rng Span) (*Region, error) {
	it, ok := m.lowerBound(rng.End - 1)
	if !ok || it.r.Span != rng {
		return nil, ErrNotFound
	}
	freed := it.r
	m.t.Delete(it)

	newSpan := rng
	// Coalesce with predecessor, if unoccupied.
	if pred, ok := m.lowerBound(newSpan.Start - 1); ok && !pred.r.Occupied() && pred.r.Span.End == newSpan.Start {
		m.t.Delete(pred)
		newSpan.Start = pred.r.Span.Start
	}
	// Coalesce with successor, if unoccupied.
	if succ, ok := m.lowerBound(newSpan.End); ok && !succ.r.Occupied() && succ.r.Span.Start == newSpan.End {
		m.t.Delete(succ)
		newSpan.End = succ.r.Span.End
	}
	m.t.ReplaceOrInsert(item{key: newSpan.End - 1, r: &Region{Span: newSpan, Kind: Unoccupied}})

	return freed, nil
}

// UnoccupiedRegions returns every unoccupied region in ascending address
// order.
func (m *Map) UnoccupiedRegions() []*Region {
	var out []*Region
	m.t.Ascend(func(it item) bool {
		if !it.r.Occupied() {
			out = append(out, it.r)
		}
		return true
	})
	return out
}

// OccupiedRegions returns every occupied region in ascending address order.
func (m *Map) OccupiedRegions() []*Region {
	var out []*Region
	m.t.Ascend(func(it item) bool {
		if it.r.Occupied() {
			out = append(out, it.r)
		}
		return true
	})
	return out
}

// Whole returns the full span the Map was constructed to cover.
func (m *Map) Whole() Span { return m.whole }
