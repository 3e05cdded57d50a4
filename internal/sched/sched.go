// Package sched implements the global round-robin scheduler: the run queue
// / wait queue under a single mutex with same-hart deadlock detection,
// per-hart current-task tracking, and a context-switch protocol — lock
// released before the switch, lock word cleared only after callee-saved
// state is persisted. Go cannot execute an assembly trampoline that swaps a
// real call stack, so ContextSwitch stands in for a real
// context_switch(out_ctx, in_ctx, ...): it performs the same lock-word/fence
// choreography around a caller-supplied resume function that models "now
// run the next task" however the embedding harness wants (a goroutine
// handoff, in cmd/vanadinite's demo).
package sched

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/vanadinite-os/vanadinite/internal/task"
)

// Metadata is the per-task scheduler bookkeeping the run queue carries.
type Metadata struct {
	Priority        int
	RunTime         uint64
	LastScheduledAt uint64
	RunState        task.State
}

type entry struct {
	t    *task.Task
	meta Metadata
}

// Scheduler is the kernel-wide run queue, wait queue, and policy state.
// Exactly one Scheduler exists per boot image.
type Scheduler struct {
	mu        sync.Mutex
	heldByHart atomic.Uint64 // 0 = unheld; else 1+hart id, for same-hart deadlock detection
	held       atomic.Bool

	runQueue  []entry
	waitQueue map[task.Tid]entry

	current map[uint64]*task.Task // per-hart current task, keyed by hart id
}

// New returns an empty Scheduler.
func New() *Scheduler {
	return &Scheduler{waitQueue: make(map[task.Tid]entry), current: make(map[uint64]*task.Task)}
}

// ErrSameHartReentry mirrors internal/task's diagnostic: the scheduler
// mutex must never be re-entered on the same hart.
type ErrSameHartReentry struct{ Hart uint64 }

func (e ErrSameHartReentry) Error() string {
	return fmt.Sprintf("sched: hart %d re-entered scheduler lock", e.Hart)
}

// withLock runs fn with the scheduler mutex held, detecting same-hart
// re-entry: nesting the scheduler lock is forbidden.
func (s *Scheduler) withLock(hart uint64, fn func()) {
	if s.held.Load() && s.heldByHart.Load() == hart+1 {
		panic(ErrSameHartReentry{Hart: hart})
	}
	s.mu.Lock()
	s.held.Store(true)
	s.heldByHart.Store(hart + 1)
	fn()
	s.held.Store(false)
	s.heldByHart.Store(0)
	s.mu.Unlock()
}

// Enqueue adds t to the run queue as Ready.
func (s *Scheduler) Enqueue(hart uint64, t *task.Task) {
	s.withLock(hart, func() {
		s.runQueue = append(s.runQueue, entry{t: t, meta: Metadata{RunState: task.Ready}})
	})
}

// Block moves tid from the run queue to the wait queue.
func (s *Scheduler) Block(hart uint64, tid task.Tid) error {
	var err error
	s.withLock(hart, func() {
		for i, e := range s.runQueue {
			if e.t.Tid == tid {
				e.meta.RunState = task.Blocked
				s.waitQueue[tid] = e
				s.runQueue = append(s.runQueue[:i], s.runQueue[i+1:]...)
				return
			}
		}
		err = fmt.Errorf("sched: block: tid %d not in run queue", tid)
	})
	return err
}

// Wake moves tid from the wait queue back to the end of the run queue as
// Ready. Waking a Dead task is a no-op, not an error: a wake token
// registered on another endpoint may still fire after task death.
func (s *Scheduler) Wake(hart uint64, tid task.Tid) {
	s.withLock(hart, func() {
		e, ok := s.waitQueue[tid]
		if !ok {
			return
		}
		if e.t.State() == task.Dead {
			delete(s.waitQueue, tid)
			return
		}
		delete(s.waitQueue, tid)
		e.meta.RunState = task.Ready
		s.runQueue = append(s.runQueue, e)
	})
}

// Remove takes tid out of whichever queue holds it, for task exit.
func (s *Scheduler) Remove(hart uint64, tid task.Tid) {
	s.withLock(hart, func() {
		for i, e := range s.runQueue {
			if e.t.Tid == tid {
				s.runQueue = append(s.runQueue[:i], s.runQueue[i+1:]...)
				return
			}
		}
		delete(s.waitQueue, tid)
	})
}

// NextReady pops the front of the run queue (round-robin: always the
// oldest-enqueued Ready task) without blocking; ok is false if the run
// queue is empty.
func (s *Scheduler) NextReady(hart uint64) (next *task.Task, ok bool) {
	s.withLock(hart, func() {
		if len(s.runQueue) == 0 {
			return
		}
		e := s.runQueue[0]
		s.runQueue = s.runQueue[1:]
		next, ok = e.t, true
	})
	return
}

// Requeue puts t back at the tail of the run queue — the common
// "current task yielded to preemption, it's still Ready" case.
func (s *Scheduler) Requeue(hart uint64, t *task.Task, meta Metadata) {
	s.withLock(hart, func() {
		s.runQueue = append(s.runQueue, entry{t: t, meta: meta})
	})
}

// Current returns the task presently running on hart, if any.
func (s *Scheduler) Current(hart uint64) (*task.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.current[hart]
	return t, ok
}

// setCurrent is called by ContextSwitch, never directly: current-task
// tracking must stay in lockstep with the switch protocol.
func (s *Scheduler) setCurrent(hart uint64, t *task.Task) {
	s.mu.Lock()
	s.current[hart] = t
	s.mu.Unlock()
}

// Resume is the caller-supplied continuation ContextSwitch invokes once
// the lock-word/fence choreography around the (simulated) assembly
// trampoline has completed, standing in for the real context_switch's
// "load from in_ctx, install satp, sfence.vma, clear in_lock_word".
type Resume func()

// ContextSwitch drops the scheduler mutex before the switch proper
// executes, and clears the outgoing task's lock word only after out.Ctx's
// callee-saved state is considered persisted (the caller is responsible for
// actually saving registers before calling this, since Go has no
// callee-saved register file to snapshot — ContextSwitch only enforces the
// lock-word/ordering discipline around that).
//
// If next == current for this hart, the switch is skipped entirely.
func (s *Scheduler) ContextSwitch(hart uint64, out, next *task.Task, resume Resume) {
	cur, ok := s.current[hart]
	if ok && out != nil && cur == out && next == out {
		return
	}
	if out != nil {
		// Release fence: LockWord must read 0 to any hart only after
		// every other persisted-context field is visible. sync/atomic's
		// Store already provides release semantics under the Go memory
		// model for a subsequent Load to observe.
		out.Ctx.LockWord.Store(0)
	}
	s.setCurrent(hart, next)
	resume()
}
