package main

import (
	"encoding/binary"

	"github.com/vanadinite-os/vanadinite/internal/addrspace"
	"github.com/vanadinite-os/vanadinite/internal/memmgr"
	"github.com/vanadinite-os/vanadinite/internal/riscv"
	"github.com/vanadinite-os/vanadinite/internal/task"
	"github.com/vanadinite-os/vanadinite/internal/physmem"
	"github.com/vanadinite-os/vanadinite/internal/userptr"
)

// sharedArena is the single physmem.Arena every task's MemoryManager in
// this demo process shares; userptr's Validate needs it alongside a
// MemoryManager to resolve a guard's bytes.
var sharedArena *physmem.Arena

// These helpers stand in for what an init task's own C runtime would do
// before trapping into the kernel: carve a scratch buffer out of its own
// address space and fill it, so the harness's syscalls have a real
// VirtualAddress to hand the dispatcher the same way a user binary would.

func allocUserScratch(t *task.Task, size int) riscv.VirtualAddress {
	var addr riscv.VirtualAddress
	t.WithMutable(0, func(m *task.Mutable) {
		span, err := m.MemoryManager.AllocRegion(nil, memmgr.RegionDescription{
			Size:  riscv.Kilo,
			Len:   1,
			Flags: riscv.Read | riscv.Write | riscv.User | riscv.Valid,
			Fill:  memmgr.FillOption{Fill: memmgr.Zeroed},
			Kind:  addrspace.UserAllocated,
		})
		if err != nil {
			panic(err)
		}
		addr = span.Start
	})
	_ = size
	return addr
}

func writeUserBytes(t *task.Task, data []byte) riscv.VirtualAddress {
	addr := allocUserScratch(t, len(data))
	t.WithMutable(0, func(m *task.Mutable) {
		s := userptr.NewSlice[byte](addr, len(data), userptr.ReadWrite)
		guard, err := s.Validate(m.MemoryManager, sharedArena)
		if err != nil {
			panic(err)
		}
		guard.Write(data)
	})
	return addr
}

func writeUserMessage(t *task.Task, data []uint64) riscv.VirtualAddress {
	var padded [7]uint64
	copy(padded[:], data)
	b := make([]byte, 56)
	for i, v := range padded {
		binary.LittleEndian.PutUint64(b[i*8:], v)
	}
	return writeUserBytes(t, b)
}

func reserveUserMessage(t *task.Task) riscv.VirtualAddress {
	return allocUserScratch(t, 56)
}

func reserveUserCapPtr(t *task.Task) riscv.VirtualAddress {
	return allocUserScratch(t, 8)
}

func readUserCapPtr(t *task.Task, addr riscv.VirtualAddress) uint64 {
	var out uint64
	t.WithMutable(0, func(m *task.Mutable) {
		p := userptr.NewPtr[uint64](addr, userptr.ReadOnly)
		guard, err := p.Validate(m.MemoryManager, sharedArena)
		if err != nil {
			return
		}
		out = binary.LittleEndian.Uint64(guard.Bytes())
	})
	return out
}
