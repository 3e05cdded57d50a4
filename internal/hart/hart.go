// Package hart implements the per-hart Sscratch block: the kernel stack
// top, thread pointer, global pointer, and trap-shim scratch slot the
// CPU's sscratch CSR would point at while a hart runs user code, plus the
// thread-local "current task" pointer and the boot/secondary-hart
// bootstrap sequence (begin_scheduling/kalt) that installs it. A goroutine
// stands in for a hart the same way internal/sched lets a goroutine stand
// in for the trampoline that would otherwise swap a real call stack.
package hart

import (
	"sync"

	"github.com/vanadinite-os/vanadinite/internal/ktrace"
	"github.com/vanadinite-os/vanadinite/internal/sched"
	"github.com/vanadinite-os/vanadinite/internal/task"
)

// Sscratch is the per-hart block referenced via the sscratch CSR in the
// real kernel, letting the trap shim recover a kernel context out of user
// mode without any other state to hand.
type Sscratch struct {
	KernelStackTop uint64
	KernelTP       uint64
	KernelGP       uint64
	ScratchSP      uint64 // stash slot for s0 during trap entry
}

// Hart is one hart's bootstrap and thread-local state: a Sscratch block
// plus the current-task pointer, indexed by the tp register in the real
// kernel and by hart id here.
type Hart struct {
	ID       uint64
	Sscratch Sscratch

	// Trace is optional; when set, each context switch onto this hart is
	// timed against the previous one, recorded under ktrace.KindContextSwitch.
	Trace *ktrace.Recorder

	mu      sync.Mutex
	current *task.Task
	idle    *task.Task // lazily minted; scheduled whenever the run queue is empty
}

// New returns a Hart with a zeroed Sscratch block; callers fill in
// KernelTP/KernelGP/KernelStackTop as their boot sequence computes them.
func New(id uint64) *Hart {
	return &Hart{ID: id}
}

// Current returns the task presently installed on this hart's
// thread-local, if any.
func (h *Hart) Current() (*task.Task, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current, h.current != nil
}

func (h *Hart) setCurrent(t *task.Task) {
	h.mu.Lock()
	h.current = t
	h.mu.Unlock()
}

// Resume is invoked once Schedule's context-switch bookkeeping has
// installed next as this hart's current task, standing in for the real
// trampoline's "load from in_ctx, install satp, sfence.vma" tail — the
// embedding harness decides what "running" next actually means (a
// goroutine handoff in cmd/vanadinite's demo, a no-op in tests that only
// check scheduler state).
type Resume func(next *task.Task)

// Schedule pops the next Ready task from s, runs the scheduler's
// context-switch protocol, and installs it as this hart's current task,
// mirroring schedule(Ready) at a preemption point or after a blocking
// syscall returns control to the scheduler. If the run queue is empty,
// this hart is switched to its own task.Idle() instead of returning
// empty-handed — the goroutine stand-in for a real hart's wfi loop. The
// idle task is minted on the first empty run queue and reused after that;
// ok is always true.
func (h *Hart) Schedule(s *sched.Scheduler, resume Resume) (next *task.Task, ok bool) {
	next, ok = s.NextReady(h.ID)
	if !ok {
		if h.idle == nil {
			h.idle = task.Idle()
		}
		next, ok = h.idle, true
	}
	out, _ := s.Current(h.ID)
	s.ContextSwitch(h.ID, out, next, func() {
		h.setCurrent(next)
		if h.Trace != nil {
			h.Trace.Record(ktrace.KindContextSwitch)
		}
		if resume != nil {
			resume(next)
		}
	})
	return next, true
}

// BeginScheduling is the boot hart's entry point: no task is installed
// yet, so it simply starts the scheduling loop by picking the first Ready
// task.
func (h *Hart) BeginScheduling(s *sched.Scheduler, resume Resume) (*task.Task, bool) {
	return h.Schedule(s, resume)
}

// Kalt is the entry point a secondary hart runs after the boot hart brings
// it up via SBI hart_start: initialize thread-locals (already done by New)
// and start scheduling identically to the boot hart.
func (h *Hart) Kalt(s *sched.Scheduler, resume Resume) (*task.Task, bool) {
	return h.Schedule(s, resume)
}
