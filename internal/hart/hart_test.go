package hart

import (
	"testing"

	"github.com/vanadinite-os/vanadinite/internal/riscv"
	"github.com/vanadinite-os/vanadinite/internal/sched"
	"github.com/vanadinite-os/vanadinite/internal/task"
)

func fakeTask() *task.Task {
	return &task.Task{Tid: task.NextTid(), Name: "t"}
}

func TestBeginSchedulingInstallsCurrentTask(t *testing.T) {
	s := sched.New()
	tsk := fakeTask()
	s.Enqueue(0, tsk)

	h := New(0)
	var resumed *task.Task
	next, ok := h.BeginScheduling(s, func(n *task.Task) { resumed = n })
	if !ok {
		t.Fatal("expected a Ready task to schedule")
	}
	if next.Tid != tsk.Tid {
		t.Fatalf("scheduled tid = %d, want %d", next.Tid, tsk.Tid)
	}
	if resumed == nil || resumed.Tid != tsk.Tid {
		t.Fatal("resume callback did not receive the scheduled task")
	}
	cur, ok := h.Current()
	if !ok || cur.Tid != tsk.Tid {
		t.Fatal("hart's current task was not installed")
	}
}

func TestScheduleFallsBackToIdleOnEmptyRunQueue(t *testing.T) {
	s := sched.New()
	h := New(1)
	next, ok := h.Schedule(s, nil)
	if !ok || next == nil || !next.IsIdle() {
		t.Fatal("expected Schedule to fall back to the hart's idle task")
	}
	cur, ok := h.Current()
	if !ok || !cur.IsIdle() {
		t.Fatal("hart's current task should be its idle task")
	}

	// A second empty-queue Schedule reuses the same idle task rather than
	// minting a new one each time.
	again, _ := h.Schedule(s, nil)
	if again != next {
		t.Fatal("expected the same idle task instance across calls")
	}
}

func TestKaltBehavesLikeBeginScheduling(t *testing.T) {
	s := sched.New()
	tsk := fakeTask()
	s.Enqueue(2, tsk)

	h := New(2)
	next, ok := h.Kalt(s, nil)
	if !ok || next.Tid != tsk.Tid {
		t.Fatal("Kalt should schedule the first Ready task identically to BeginScheduling")
	}
}

func TestStackArenaAllocatesIncreasingWindows(t *testing.T) {
	a := NewStackArena(riscv.VirtualAddress(0x8000_0000), riscv.VirtualAddress(0x9000_0000))
	first := a.AllocKernelStackTop()
	second := a.AllocKernelStackTop()
	if second <= first {
		t.Fatalf("expected strictly increasing stack-top addresses, got %#x then %#x", first, second)
	}
	if uint64(second-first) != task.KernelStackSize {
		t.Fatalf("window size = %#x, want %#x", uint64(second-first), task.KernelStackSize)
	}
}

func TestStackArenaPanicsWhenExhausted(t *testing.T) {
	base := riscv.VirtualAddress(0x1000)
	limit := base + riscv.VirtualAddress(task.KernelStackSize)
	a := NewStackArena(base, limit)
	a.AllocKernelStackTop() // exactly fills the window

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected AllocKernelStackTop to panic once the region is exhausted")
		}
	}()
	a.AllocKernelStackTop()
}
