// Package trap implements trap dispatch and the user syscall ABI. There is
// no real stvec_trap_shim here — the boot harness in cmd/vanadinite calls
// Handle directly with the cause a goroutine standing in for a hart observed —
// but the dispatch table, page-fault handling, and syscall semantics
// follow a real trap_handler's behavior exactly.
package trap

import (
	"fmt"
	"sync"

	"github.com/vanadinite-os/vanadinite/internal/addrspace"
	"github.com/vanadinite-os/vanadinite/internal/ktrace"
	"github.com/vanadinite-os/vanadinite/internal/riscv"
	"github.com/vanadinite-os/vanadinite/internal/sched"
	"github.com/vanadinite-os/vanadinite/internal/task"
)

// Cause is the decoded scause value trap_handler switches on.
type Cause int

const (
	SupervisorTimer Cause = iota
	UserEcall
	SupervisorExternal
	LoadPageFault
	StorePageFault
	InstructionPageFault
	KernelFault
)

// Plic is the claim/complete interface trap dispatch needs for Supervisor
// External causes; cmd/vanadinite supplies a no-op implementation and
// tests supply a fake.
type Plic interface {
	Claim() (irq uint32, ok bool)
	Complete(irq uint32)
}

// Handler owns everything trap dispatch needs beyond the faulting task
// itself: the scheduler (for reschedule/block/wake), the interrupt
// controller, and the registered interrupt service routines.
type Handler struct {
	Scheduler *sched.Scheduler
	Plic      Plic
	isrs      map[uint32]func()
	dispatch  *Dispatcher

	// traceMu guards trace, a per-hart ktrace.Recorder registry. A Recorder
	// is not safe for concurrent use by more than one hart, so each hart
	// gets its own via RegisterTrace rather than sharing a single instance.
	traceMu sync.Mutex
	trace   map[uint64]*ktrace.Recorder
}

// NewHandler builds a Handler; isrs may be nil and populated later via
// RegisterISR.
func NewHandler(s *sched.Scheduler, plic Plic, d *Dispatcher) *Handler {
	return &Handler{Scheduler: s, Plic: plic, isrs: make(map[uint32]func()), dispatch: d}
}

// RegisterTrace installs r as the recorder for hart; every cause dispatched
// for that hart is timed against it. Pass a nil r to stop tracing a hart.
func (h *Handler) RegisterTrace(hart uint64, r *ktrace.Recorder) {
	h.traceMu.Lock()
	defer h.traceMu.Unlock()
	if h.trace == nil {
		h.trace = make(map[uint64]*ktrace.Recorder)
	}
	h.trace[hart] = r
}

// RegisterISR installs fn as the interrupt service routine for irq.
func (h *Handler) RegisterISR(irq uint32, fn func()) {
	h.isrs[irq] = fn
}

// Handle is trap_handler: given the cause a hart observed while running t,
// it performs the appropriate action, advancing the task's saved Sepc past
// the ECALL for UserEcall. The returned error is always nil; kernel faults
// and unknown causes panic.
func (h *Handler) Handle(hart uint64, t *task.Task, cause Cause, faultAddr riscv.VirtualAddress) error {
	switch cause {
	case SupervisorTimer:
		h.record(hart, ktrace.KindPreempt)
		h.Scheduler.Requeue(hart, t, sched.Metadata{RunState: task.Ready})
		return nil

	case UserEcall:
		h.dispatch.Run(hart, t)
		t.Frame().Sepc += 4
		h.record(hart, ktrace.KindSyscall)
		return nil

	case SupervisorExternal:
		irq, ok := h.Plic.Claim()
		if !ok {
			return nil
		}
		if isr, ok := h.isrs[irq]; ok {
			isr()
		}
		h.Plic.Complete(irq)
		return nil

	case LoadPageFault, StorePageFault, InstructionPageFault:
		return h.handlePageFault(hart, t, cause, faultAddr)

	case KernelFault:
		panic(fmt.Sprintf("trap: fault in kernel region at %#x", uint64(faultAddr)))

	default:
		panic(fmt.Sprintf("trap: unknown cause %d", cause))
	}
}

// handlePageFault looks up the faulting address's AddressRegion, kills the
// task on a missing region or GuardPage hit, or lazily sets ACCESSED/DIRTY
// when the access is permitted.
func (h *Handler) handlePageFault(hart uint64, t *task.Task, cause Cause, addr riscv.VirtualAddress) error {
	var killed bool
	t.WithMutable(hart, func(m *task.Mutable) {
		region, ok := m.MemoryManager.Find(addr)
		if !ok || !region.Occupied() || region.Kind == addrspace.Guard {
			m.State = task.Dead
			killed = true
			return
		}

		var need riscv.Flags
		var set riscv.Flags
		switch cause {
		case LoadPageFault, InstructionPageFault:
			need, set = riscv.Read, riscv.Accessed
		case StorePageFault:
			need, set = riscv.Write, riscv.Dirty|riscv.Accessed
		}
		if !region.Permissions.Has(need) {
			m.State = task.Dead
			killed = true
			return
		}
		if err := m.MemoryManager.ModifyPageFlags(addr.AlignDown(riscv.Kilo), region.Permissions|set); err != nil {
			m.State = task.Dead
			killed = true
		}
	})
	if killed {
		h.Scheduler.Remove(hart, t.Tid)
	}
	h.record(hart, ktrace.KindPageFault)
	return nil
}

func (h *Handler) record(hart uint64, kind ktrace.SliceID) {
	h.traceMu.Lock()
	r := h.trace[hart]
	h.traceMu.Unlock()
	if r != nil {
		r.Record(kind)
	}
}
