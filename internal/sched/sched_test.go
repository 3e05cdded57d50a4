package sched

import (
	"testing"

	"github.com/vanadinite-os/vanadinite/internal/task"
)

func fakeTask() *task.Task {
	return &task.Task{Tid: task.NextTid(), Name: "t"}
}

func TestRoundRobinFairness(t *testing.T) {
	s := New()
	const n = 5
	tids := make(map[task.Tid]bool)
	for i := 0; i < n; i++ {
		tsk := fakeTask()
		tids[tsk.Tid] = true
		s.Enqueue(0, tsk)
	}

	seen := make(map[task.Tid]bool)
	for i := 0; i < n; i++ {
		next, ok := s.NextReady(0)
		if !ok {
			t.Fatalf("tick %d: run queue unexpectedly empty", i)
		}
		seen[next.Tid] = true
		s.Requeue(0, next, Metadata{RunState: task.Ready})
	}
	for tid := range tids {
		if !seen[tid] {
			t.Fatalf("tid %d never scheduled within %d ticks", tid, n)
		}
	}
}

func TestBlockAndWake(t *testing.T) {
	s := New()
	tsk := fakeTask()
	s.Enqueue(0, tsk)
	if _, ok := s.NextReady(0); !ok {
		t.Fatal("expected to pop the enqueued task")
	}
	if err := s.Block(0, tsk.Tid); err == nil {
		t.Fatal("Block should fail: task already popped off the run queue")
	}

	s.Enqueue(0, tsk)
	if err := s.Block(0, tsk.Tid); err != nil {
		t.Fatalf("Block: %v", err)
	}
	if _, ok := s.NextReady(0); ok {
		t.Fatal("blocked task should not appear in the run queue")
	}
	s.Wake(0, tsk.Tid)
	next, ok := s.NextReady(0)
	if !ok || next.Tid != tsk.Tid {
		t.Fatal("woken task did not return to the run queue")
	}
}

func TestContextSwitchSkippedWhenSameTask(t *testing.T) {
	s := New()
	tsk := fakeTask()
	called := false
	s.ContextSwitch(0, nil, tsk, func() { called = true })
	if !called {
		t.Fatal("first switch onto a hart should always run resume")
	}

	called = false
	s.ContextSwitch(0, tsk, tsk, func() { called = true })
	if called {
		t.Fatal("switching to the already-current task should skip resume")
	}
}

func TestContextSwitchClearsOutgoingLockWord(t *testing.T) {
	s := New()
	a := fakeTask()
	b := fakeTask()
	a.Ctx.LockWord.Store(1)
	s.ContextSwitch(0, nil, a, func() {})
	s.ContextSwitch(0, a, b, func() {})
	if a.Ctx.LockWord.Load() != 0 {
		t.Fatal("outgoing task's lock word should be cleared by ContextSwitch")
	}
}

func TestSameHartReentryPanics(t *testing.T) {
	s := New()
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on same-hart scheduler-lock reentry")
		}
	}()
	s.withLock(3, func() {
		s.withLock(3, func() {})
	})
}
