package kconfig

import (
	"strings"
	"testing"
)

func TestParseRecognizedKeys(t *testing.T) {
	cfg, err := Parse("log-filter=debug init=/bin/init no-color console=sbi kernel-abi=1.0")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.LogFilter != "debug" || cfg.Init != "/bin/init" || !cfg.NoColor || cfg.Console != "sbi" || cfg.KernelABI != "1.0" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestParseDefaultsConsoleToSBI(t *testing.T) {
	cfg, err := Parse("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Console != "sbi" {
		t.Fatalf("console default = %q, want sbi", cfg.Console)
	}
}

func TestParseAcceptsBritishSpelling(t *testing.T) {
	cfg, err := Parse("no-colour")
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.NoColor {
		t.Fatal("no-colour should set NoColor")
	}
}

func TestParseRejectsUnknownKey(t *testing.T) {
	if _, err := Parse("bogus=1"); err == nil {
		t.Fatal("expected an unrecognized bootarg to be rejected")
	}
}

func TestCheckKernelABI(t *testing.T) {
	cfg := Config{KernelABI: "1.0"}
	if err := CheckKernelABI(cfg, "1.0"); err != nil {
		t.Fatalf("equal versions should be compatible: %v", err)
	}
	if err := CheckKernelABI(Config{}, "1.0"); err != nil {
		t.Fatal("an empty kernel-abi token should be treated as compatible")
	}
	if err := CheckKernelABI(Config{KernelABI: "2.0"}, "1.0"); err == nil {
		t.Fatal("a newer-than-supported kernel-abi token should be rejected")
	}
	if err := CheckKernelABI(Config{KernelABI: "not-a-version"}, "1.0"); err == nil {
		t.Fatal("an invalid kernel-abi token should be rejected")
	}
}

func TestLoadManifest(t *testing.T) {
	doc := `
tasks:
  - name: init
    image: init.bin
    argv: ["init"]
    grants: ["parent-channel"]
  - name: server
    image: server.bin
`
	m, err := LoadManifest(strings.NewReader(doc))
	if err != nil {
		t.Fatal(err)
	}
	if len(m.Tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(m.Tasks))
	}
	if m.Tasks[0].Name != "init" || m.Tasks[0].Image != "init.bin" || len(m.Tasks[0].Argv) != 1 {
		t.Fatalf("unexpected first task: %+v", m.Tasks[0])
	}
}
