package capability

import "testing"

func TestMintAndResolve(t *testing.T) {
	s := New()
	ptr := s.Mint(Capability{Resource: Resource{Kind: ChannelResource}, Rights: Read | Write})
	cap, ok := s.Resolve(ptr)
	if !ok {
		t.Fatal("Resolve: not found")
	}
	if cap.Rights != Read|Write {
		t.Fatalf("rights = %v", cap.Rights)
	}
}

func TestMintWithIDReservedSlot(t *testing.T) {
	s := New()
	const reserved Ptr = 0
	if err := s.MintWithID(reserved, Capability{Resource: Resource{Kind: ChannelResource}, Rights: Read}); err != nil {
		t.Fatalf("MintWithID: %v", err)
	}
	if err := s.MintWithID(reserved, Capability{}); err != ErrOccupied {
		t.Fatalf("re-mint same id: got %v, want ErrOccupied", err)
	}
	// Mint should not collide with the reserved slot.
	other := s.Mint(Capability{Rights: Write})
	if other == reserved {
		t.Fatal("Mint reused the reserved slot")
	}
}

func TestRemoveFreesIDForReuse(t *testing.T) {
	s := New()
	a := s.Mint(Capability{Rights: Read})
	b := s.Mint(Capability{Rights: Write})
	if _, err := s.Remove(a); err != nil {
		t.Fatal(err)
	}
	c := s.Mint(Capability{Rights: Execute})
	if c != a {
		t.Fatalf("Mint after Remove did not reuse freed id: got %d, want %d", c, a)
	}
	if _, ok := s.Resolve(b); !ok {
		t.Fatal("unrelated capability b was disturbed")
	}
}

func TestRemoveAndResolveMissing(t *testing.T) {
	s := New()
	if _, err := s.Remove(42); err != ErrNotFound {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
	if _, ok := s.Resolve(42); ok {
		t.Fatal("Resolve of unset ptr should fail")
	}
}

func TestAllListsOnlyOccupied(t *testing.T) {
	s := New()
	a := s.Mint(Capability{Rights: Read})
	s.Mint(Capability{Rights: Write})
	s.Remove(a)
	all := s.All()
	if len(all) != 1 {
		t.Fatalf("All() length = %d, want 1", len(all))
	}
}

func TestIntersect(t *testing.T) {
	if got := Intersect(Read|Write|Grant, Write|Move); got != Write {
		t.Fatalf("Intersect = %v, want Write", got)
	}
}
