package fdt

import "testing"

func TestBuilderProducesParsableBootargs(t *testing.T) {
	b := NewBuilder()
	b.BeginNode("")
	b.BeginNode("chosen")
	b.AddPropertyString("bootargs", "console=sbi")
	b.EndNode()
	b.EndNode()
	blob := b.Build()

	args, ok, err := ChosenBootArgs(blob)
	if err != nil {
		t.Fatal(err)
	}
	if !ok || args != "console=sbi" {
		t.Fatalf("got args=%q ok=%v, want %q true", args, ok, "console=sbi")
	}
}

func TestBuilderMemoryNodeDoesNotShadowChosen(t *testing.T) {
	b := NewBuilder()
	b.BeginNode("")
	b.AddPropertyU32("#address-cells", 2)
	b.AddPropertyU32("#size-cells", 2)
	b.BeginNode("chosen")
	b.AddPropertyString("bootargs", "log-filter=debug init=/bin/init")
	b.EndNode()
	b.BeginNode("memory@80000000")
	b.AddPropertyStringList("device_type", []string{"memory"})
	b.AddPropertyU64Pair("reg", 0x80000000, 0x10000000)
	b.EndNode()
	b.EndNode()
	blob := b.Build()

	args, ok, err := ChosenBootArgs(blob)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected to find /chosen/bootargs in the built blob")
	}
	if args != "log-filter=debug init=/bin/init" {
		t.Fatalf("bootargs = %q", args)
	}
}

func TestChosenBootArgsAbsentWhenNoChosenNode(t *testing.T) {
	b := NewBuilder()
	b.BeginNode("")
	b.EndNode()
	blob := b.Build()

	_, ok, err := ChosenBootArgs(blob)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected no bootargs to be found")
	}
}

func TestChosenBootArgsRejectsBadMagic(t *testing.T) {
	if _, _, err := ChosenBootArgs(make([]byte, 64)); err != ErrMalformed {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}
