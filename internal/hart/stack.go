package hart

import (
	"errors"
	"sync"

	"github.com/vanadinite-os/vanadinite/internal/riscv"
	"github.com/vanadinite-os/vanadinite/internal/task"
)

// ErrKernelStacksExhausted is the panic value AllocKernelStackTop raises
// when a StackArena's reserved kernel-VA window runs out; unlike user
// memory this is not reported to the caller as an error.
var ErrKernelStacksExhausted = errors.New("hart: kernel stack region exhausted")

// StackArena bump-allocates fixed KernelStackSize windows out of a
// dedicated kernel virtual-address range, implementing the
// task.kernelStackArena collaborator interface task.Load needs to give a
// freshly created task its kernel stack. One StackArena is shared by every
// hart and every task on the boot image; it never frees, matching the
// real kernel's "kernel stacks live for the lifetime of the task" policy
// (tasks exit far more often than the kernel needs to reclaim the VA
// space in this simulation's scope).
type StackArena struct {
	mu    sync.Mutex
	next  riscv.VirtualAddress
	limit riscv.VirtualAddress
}

// NewStackArena reserves the kernel VA range [base, limit) for kernel
// stacks.
func NewStackArena(base, limit riscv.VirtualAddress) *StackArena {
	return &StackArena{next: base, limit: limit}
}

// AllocKernelStackTop reserves the next KernelStackSize-sized window and
// returns its top address — the address task.Load computes the initial
// Context.Sp from.
func (a *StackArena) AllocKernelStackTop() riscv.VirtualAddress {
	a.mu.Lock()
	defer a.mu.Unlock()
	top := a.next + riscv.VirtualAddress(task.KernelStackSize)
	if top > a.limit {
		panic(ErrKernelStacksExhausted)
	}
	a.next = top
	return top
}
