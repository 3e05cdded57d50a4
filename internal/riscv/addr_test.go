package riscv

import "testing"

func TestVirtualAddressCanonical(t *testing.T) {
	Mode = Sv39
	defer func() { Mode = Sv39 }()

	cases := []struct {
		name string
		va   VirtualAddress
		want bool
	}{
		{"zero", 0, true},
		{"low user address", 0x1000, true},
		{"top of sign-extend bit", VirtualAddress(1) << Mode.SignExtendBit(), false},
		{"kernel address", ^VirtualAddress(0), true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := c.va.IsCanonical(); got != c.want {
				t.Errorf("IsCanonical(%#x) = %v, want %v", uint64(c.va), got, c.want)
			}
		})
	}
}

func TestVirtualAddressAddCrossesHole(t *testing.T) {
	Mode = Sv39
	defer func() { Mode = Sv39 }()

	top := UserRegionTop()
	if _, err := top.Add(KiloPageSize); err == nil {
		t.Fatal("expected ErrAddressHole advancing past the user region top")
	}
}

func TestFlagsValidate(t *testing.T) {
	if err := (Read | Write).Validate(); err != nil {
		t.Fatalf("Read|Write should validate: %v", err)
	}
	if err := Write.Validate(); err != ErrWriteWithoutRead {
		t.Fatalf("Write alone should fail with ErrWriteWithoutRead, got %v", err)
	}
}

func TestPageSizeBytes(t *testing.T) {
	if Kilo.Bytes() != 4096 {
		t.Errorf("Kilo.Bytes() = %d, want 4096", Kilo.Bytes())
	}
	if Mega.Bytes() != 2*1024*1024 {
		t.Errorf("Mega.Bytes() = %d, want 2MiB", Mega.Bytes())
	}
}
