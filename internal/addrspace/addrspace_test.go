package addrspace

import (
	"testing"

	"github.com/vanadinite-os/vanadinite/internal/riscv"
)

func span(start, end uint64) Span {
	return Span{Start: riscv.VirtualAddress(start), End: riscv.VirtualAddress(end)}
}

func assertCoverage(t *testing.T, m *Map) {
	t.Helper()
	all := append(m.UnoccupiedRegions(), m.OccupiedRegions()...)
	if len(all) == 0 {
		t.Fatal("map has no regions at all")
	}
	// sort by start
	for i := 0; i < len(all); i++ {
		for j := i + 1; j < len(all); j++ {
			if all[j].Span.Start < all[i].Span.Start {
				all[i], all[j] = all[j], all[i]
			}
		}
	}
	if all[0].Span.Start != m.Whole().Start {
		t.Fatalf("coverage gap at start: got %#x want %#x", uint64(all[0].Span.Start), uint64(m.Whole().Start))
	}
	for i := 1; i < len(all); i++ {
		if all[i-1].Span.End != all[i].Span.Start {
			t.Fatalf("coverage gap/overlap between %s and %s", all[i-1].Span, all[i].Span)
		}
	}
	if all[len(all)-1].Span.End != m.Whole().End {
		t.Fatalf("coverage gap at end: got %#x want %#x", uint64(all[len(all)-1].Span.End), uint64(m.Whole().End))
	}
}

func assertNoAdjacentUnoccupied(t *testing.T, m *Map) {
	t.Helper()
	u := m.UnoccupiedRegions()
	for i := 1; i < len(u); i++ {
		if u[i-1].Span.End == u[i].Span.Start {
			t.Fatalf("adjacent unoccupied regions were not coalesced: %s, %s", u[i-1].Span, u[i].Span)
		}
	}
}

func TestAllocFreeCoverageAndCoalescing(t *testing.T) {
	m := New(riscv.VirtualAddress(0x1000), riscv.VirtualAddress(0x10000))
	assertCoverage(t, m)

	a := span(0x2000, 0x3000)
	b := span(0x4000, 0x5000)
	c := span(0x3000, 0x4000)

	if err := m.Alloc(a, nil, Data, riscv.Read|riscv.Write); err != nil {
		t.Fatalf("alloc a: %v", err)
	}
	assertCoverage(t, m)
	assertNoAdjacentUnoccupied(t, m)

	if err := m.Alloc(b, nil, Data, riscv.Read|riscv.Write); err != nil {
		t.Fatalf("alloc b: %v", err)
	}
	assertCoverage(t, m)
	assertNoAdjacentUnoccupied(t, m)

	if err := m.Alloc(a, nil, Data, riscv.Read); err != ErrOccupied {
		t.Fatalf("re-alloc a: got %v, want ErrOccupied", err)
	}

	if _, err := m.Free(a); err != nil {
		t.Fatalf("free a: %v", err)
	}
	assertCoverage(t, m)
	assertNoAdjacentUnoccupied(t, m)

	r, ok := m.Find(riscv.VirtualAddress(0x2500))
	if !ok || r.Occupied() {
		t.Fatalf("find after free: region = %+v, ok = %v", r, ok)
	}
	if !r.Span.Contains(riscv.VirtualAddress(0x2500)) {
		t.Fatalf("unoccupied region %s does not contain 0x2500", r.Span)
	}

	if err := m.Alloc(c, nil, Data, riscv.Read); err != nil {
		t.Fatalf("alloc c: %v", err)
	}
	if _, err := m.Free(b); err != nil {
		t.Fatalf("free b: %v", err)
	}
	if _, err := m.Free(c); err != nil {
		t.Fatalf("free c: %v", err)
	}
	assertCoverage(t, m)
	assertNoAdjacentUnoccupied(t, m)

	// Should be back to a single unoccupied region covering everything.
	if len(m.UnoccupiedRegions()) != 1 {
		t.Fatalf("expected full coalesce back to one region, got %d", len(m.UnoccupiedRegions()))
	}
}

func TestAllocOutOfBounds(t *testing.T) {
	m := New(riscv.VirtualAddress(0x1000), riscv.VirtualAddress(0x2000))
	if err := m.Alloc(span(0x1800, 0x3000), nil, Data, riscv.Read); err != ErrOutOfBounds {
		t.Fatalf("got %v, want ErrOutOfBounds", err)
	}
}

func TestFindEveryAddress(t *testing.T) {
	m := New(riscv.VirtualAddress(0x1000), riscv.VirtualAddress(0x4000))
	if err := m.Alloc(span(0x2000, 0x3000), nil, Stack, riscv.Read|riscv.Write); err != nil {
		t.Fatal(err)
	}
	for a := uint64(0x1000); a < 0x4000; a += 0x100 {
		r, ok := m.Find(riscv.VirtualAddress(a))
		if !ok {
			t.Fatalf("Find(%#x) missed", a)
		}
		if !r.Span.Contains(riscv.VirtualAddress(a)) {
			t.Fatalf("Find(%#x) returned non-containing span %s", a, r.Span)
		}
	}
}
