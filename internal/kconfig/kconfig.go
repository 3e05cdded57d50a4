// Package kconfig parses the kernel's boot configuration: the
// space-separated `key[=value]` token string the device tree's
// `/chosen/bootargs` property carries, plus the demo boot harness's static
// task manifest. Bootarg tokenizing follows a flat list of recognized keys
// with an error on anything else, the same discipline a flag.FlagSet
// applies to os.Args, adapted here to a single string instead.
package kconfig

import (
	"fmt"
	"io"
	"strings"

	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"
)

// Config is the parsed result of a bootargs string.
type Config struct {
	LogFilter string // slog level name, e.g. "debug"
	Init      string // path to the init task image within the boot image
	NoColor   bool
	Console   string // "sbi" or an FDT node path; defaults to "sbi"
	KernelABI string // "X.Y" paging-mode ABI token, e.g. "1.0"
}

// Parse tokenizes bootargs on whitespace and fills in a Config, rejecting
// any key outside the recognized set so a typo'd bootarg fails loudly at
// boot instead of being silently ignored.
func Parse(bootargs string) (Config, error) {
	cfg := Config{Console: "sbi"}
	for _, tok := range strings.Fields(bootargs) {
		key, value, _ := strings.Cut(tok, "=")
		switch key {
		case "log-filter":
			cfg.LogFilter = value
		case "init":
			cfg.Init = value
		case "no-color", "no-colour":
			cfg.NoColor = true
		case "console":
			cfg.Console = value
		case "kernel-abi":
			cfg.KernelABI = value
		default:
			return cfg, fmt.Errorf("kconfig: unrecognized bootarg %q", key)
		}
	}
	return cfg, nil
}

// CheckKernelABI reports whether cfg's kernel-abi token is compatible with
// supported (both "X.Y", no leading "v" — semver.Compare requires one, so
// this adds it). An empty KernelABI is treated as compatible: the token is
// optional, gating only the Sv48/Sv57 feature-flag selection when a boot
// image opts into a specific paging mode.
func CheckKernelABI(cfg Config, supported string) error {
	if cfg.KernelABI == "" {
		return nil
	}
	got, want := "v"+cfg.KernelABI, "v"+supported
	if !semver.IsValid(got) {
		return fmt.Errorf("kconfig: invalid kernel-abi token %q", cfg.KernelABI)
	}
	if semver.Compare(got, want) > 0 {
		return fmt.Errorf("kconfig: kernel-abi %s newer than supported %s", cfg.KernelABI, supported)
	}
	return nil
}

// TaskManifestEntry describes one task the demo boot harness creates at
// startup: which image to load, its argv, and the capability grants it
// should receive beyond the reserved ones every task gets.
type TaskManifestEntry struct {
	Name   string   `yaml:"name"`
	Image  string   `yaml:"image"`
	Argv   []string `yaml:"argv"`
	Grants []string `yaml:"grants"`
}

// Manifest is the top-level shape of a demo boot image's manifest.yaml.
type Manifest struct {
	Tasks []TaskManifestEntry `yaml:"tasks"`
}

// LoadManifest decodes a task manifest, the static substitute for the real
// kernel's build-time-generated init task list.
func LoadManifest(r io.Reader) (Manifest, error) {
	var m Manifest
	if err := yaml.NewDecoder(r).Decode(&m); err != nil {
		return Manifest{}, fmt.Errorf("kconfig: manifest: %w", err)
	}
	return m, nil
}
