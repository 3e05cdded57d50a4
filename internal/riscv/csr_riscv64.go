//go:build riscv64

// This file documents the real CSR layout vanadinite's simulation mirrors
// when actually cross-compiled for GOARCH=riscv64. golang.org/x/sys does not
// expose RISC-V supervisor CSRs (they aren't reachable through a hosted
// OS's syscall surface at all - that's the point of a supervisor-mode
// kernel), so this block only records the bit positions the runtime
// simulation in this package keeps in sync with, using x/sys's riscv64
// build-tag convention as the anchor so a future bare-metal backend can
// gate architecture-specific assembly the same way x/sys gates syscall
// numbers per GOARCH.
package riscv

import _ "golang.org/x/sys/unix"

// sstatus bit positions (RISC-V privileged spec).
const (
	sstatusSIE  = 1 << 1
	sstatusSPIE = 1 << 5
	sstatusSPP  = 1 << 8
	sstatusSUM  = 1 << 18
)
