// Package task implements the Task record: identity, kernel stack, saved
// register context, and the mutable state (MemoryManager, CapabilitySpace,
// Endpoint, claimed interrupts) that together describe one user-mode task.
// Task creation (the ELF loader) is also implemented here.
package task

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/vanadinite-os/vanadinite/internal/addrspace"
	"github.com/vanadinite-os/vanadinite/internal/capability"
	"github.com/vanadinite-os/vanadinite/internal/endpoint"
	"github.com/vanadinite-os/vanadinite/internal/memmgr"
	"github.com/vanadinite-os/vanadinite/internal/riscv"
)

// Tid is a nonzero task identifier.
type Tid uint64

// idCounter is the global monotonic tid source, one of the kernel's few
// legitimately-global atomics.
var idCounter atomic.Uint64

// NextTid allocates a fresh, nonzero Tid.
func NextTid() Tid {
	return Tid(idCounter.Add(1))
}

// State is the task lifecycle: Ready -> Running -> {Ready, Blocked, Dead},
// Blocked -> {Ready, Dead}.
type State int

const (
	Ready State = iota
	Running
	Blocked
	Dead
)

func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Blocked:
		return "blocked"
	case Dead:
		return "dead"
	default:
		return "invalid"
	}
}

// Reserved capability pointers. Load mints only KernelChannel, and only
// when LoadSpec.KernelChan is set.
const (
	OwnEndpoint    capability.Ptr = 0
	ParentChannel  capability.Ptr = 1
	KernelChannel  capability.Ptr = 2
)

// Context holds the callee-saved registers, ra, and sp a context switch
// persists across a suspension. General-purpose register contents beyond
// these are captured in a TrapFrame on the kernel stack, not here; Context
// is what the assembly trampoline itself manipulates.
type Context struct {
	SavedRegs [12]uint64 // s0..s11
	Ra        uint64
	Sp        uint64
	// LockWord is cleared by the context-switch trampoline with a release
	// fence only after every other field has been persisted, so a second
	// hart observing LockWord == 0 is guaranteed to see a consistent
	// Context. 1 means "in flight", 0 means "safe to resume from".
	LockWord atomic.Uint32
}

// TrapFrame is the general-purpose register snapshot written to the top
// of a task's kernel stack, both at load time (the initial frame) and on
// every subsequent trap.
type TrapFrame struct {
	Sepc uint64
	Regs [31]uint64 // x1 (ra) .. x31, x0 omitted (hardwired zero)
}

const (
	regA0 = 9  // x10
	regA1 = 10 // x11
	regA2 = 11 // x12
)

func (tf *TrapFrame) SetArg(n int, v uint64) { tf.Regs[regA0+n-0] = v }
func (tf *TrapFrame) A0() uint64             { return tf.Regs[regA0] }
func (tf *TrapFrame) A1() uint64             { return tf.Regs[regA1] }
func (tf *TrapFrame) A2() uint64             { return tf.Regs[regA2] }

// Arg reads argument register a0+n (n in [0,7]), the syscall ABI's scalar
// argument/return window.
func (tf *TrapFrame) Arg(n int) uint64 { return tf.Regs[regA0+n] }

// KernelStackSize is the fixed allocation for a task's kernel stack.
const KernelStackSize = 2 << 20 // 2 MiB

// UserStackSize is the fixed allocation for a task's initial user stack.
const UserStackSize = 128 << 10 // 128 KiB

// Mutable groups the fields a task's running state touches, protected by a
// single per-task lock (below) so the kernel never needs finer-grain
// locking for task state.
type Mutable struct {
	MemoryManager     *memmgr.MemoryManager
	CapabilitySpace   *capability.Space
	Endpoint          *endpoint.Endpoint
	ClaimedInterrupts []uint32
	VMSpaceObjects    []any
	State             State
	// ReplyCounter is this task's monotonic source of ReplyIds, legitimately
	// per-task global state rather than something WithMutable needs to guard.
	ReplyCounter endpoint.ReplyCounter
}

// Task is one user-mode task's identity, stack, and register context.
type Task struct {
	Tid    Tid
	Name   string
	Ctx    Context
	frame  *TrapFrame // lives at the top of the kernel stack

	mu      sync.Mutex
	held    bool   // same-hart deadlock detection: true while mu is logically held
	holder  uint64 // hart id currently holding mu, valid iff held
	mutable Mutable
}

// ErrSameHartReentry is the panic value raised by WithMutable when a hart
// attempts to re-enter a task's mutable-state lock it already holds, a
// loud diagnostic in place of a silent deadlock.
type ErrSameHartReentry struct {
	Tid  Tid
	Hart uint64
}

func (e ErrSameHartReentry) Error() string {
	return fmt.Sprintf("task: hart %d re-entered mutable-state lock for tid %d", e.Hart, e.Tid)
}

// WithMutable runs fn with exclusive access to t's Mutable state, panicking
// with ErrSameHartReentry if hart already holds this task's lock. A task
// only ever executes on one hart at a time, so cross-hart contention is the
// only legitimate blocking case; same-hart contention means a bug.
func (t *Task) WithMutable(hart uint64, fn func(*Mutable)) {
	t.mu.Lock()
	if t.held && t.holder == hart {
		t.mu.Unlock()
		panic(ErrSameHartReentry{Tid: t.Tid, Hart: hart})
	}
	t.held, t.holder = true, hart
	t.mu.Unlock()

	fn(&t.mutable)

	t.mu.Lock()
	t.held = false
	t.mu.Unlock()
}

// State reports the task's current lifecycle state without requiring the
// caller to go through WithMutable for a plain read.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mutable.State
}

// Frame returns the TrapFrame at the top of the task's kernel stack, the
// one the trap shim reads/writes on every entry and exit.
func (t *Task) Frame() *TrapFrame { return t.frame }

// IdleTid is the reserved identifier for the per-hart idle task, never
// minted by NextTid.
const IdleTid Tid = ^Tid(0)

// Idle returns a hart's idle task: the one scheduled when nothing is
// Ready. It owns no memory manager, capability space, or endpoint — a real
// hart would sit in a wfi loop; this simulation's hart.Schedule fallback
// just installs Idle() as current and returns without doing anything else
// until the next task.Task becomes Ready.
func Idle() *Task {
	return &Task{
		Tid:     IdleTid,
		Name:    "<idle>",
		mutable: Mutable{State: Running},
	}
}

// IsIdle reports whether t is a hart's idle task rather than a real
// scheduled task.
func (t *Task) IsIdle() bool { return t.Tid == IdleTid }

// Loader builds a Task from an ELF image and its argv. Segment relocation
// and ELF validation beyond locating PT_LOAD segments are out of scope —
// the relocation engine is an external collaborator; Segments is the
// pre-parsed list this package consumes.
type Segment struct {
	VirtAddr riscv.VirtualAddress
	Data     []byte
	PageSize riscv.PageSize
	Flags    riscv.Flags
}

// LoadSpec is everything Load needs besides the MemoryManager's own
// construction parameters.
type LoadSpec struct {
	Name       string
	Entry      riscv.VirtualAddress
	Segments   []Segment
	Argv       [][]byte
	DeviceTree []byte
	KernelChan *endpoint.Endpoint
}

// Load implements the loader: into the caller's MemoryManager it maps
// segments, allocates a guarded user stack, copies the device-tree blob and
// an argv vector into user-readable regions; it then allocates the kernel
// stack, writes the initial TrapFrame, and mints the reserved
// kernel-channel capability when spec.KernelChan is set.
func Load(mm *memmgr.MemoryManager, arena kernelStackArena, spec LoadSpec) (*Task, error) {
	for _, seg := range spec.Segments {
		at := seg.VirtAddr
		desc := memmgr.RegionDescription{
			Size:  seg.PageSize,
			Len:   pagesFor(len(seg.Data), seg.PageSize),
			Flags: seg.Flags,
			Fill:  memmgr.FillOption{Fill: memmgr.FillData, Bytes: seg.Data},
			Kind:  addrspace.Text,
		}
		if !seg.Flags.Has(riscv.Execute) {
			desc.Kind = addrspace.Data
		}
		if _, err := mm.AllocRegion(&at, desc); err != nil {
			return nil, fmt.Errorf("task: load: map segment at %#x: %w", uint64(seg.VirtAddr), err)
		}
	}

	stackDesc := memmgr.RegionDescription{
		Size:  riscv.Kilo,
		Len:   UserStackSize / int(riscv.Kilo.Bytes()),
		Flags: riscv.Read | riscv.Write | riscv.User,
		Fill:  memmgr.FillOption{Fill: memmgr.Zeroed},
		Kind:  addrspace.Stack,
	}
	userStack, err := mm.AllocGuardedRegion(nil, stackDesc)
	if err != nil {
		return nil, fmt.Errorf("task: load: user stack: %w", err)
	}

	fdtSpan, err := mm.AllocRegion(nil, memmgr.RegionDescription{
		Size:  riscv.Kilo,
		Len:   pagesFor(len(spec.DeviceTree), riscv.Kilo),
		Flags: riscv.Read | riscv.User,
		Fill:  memmgr.FillOption{Fill: memmgr.FillData, Bytes: spec.DeviceTree},
		Kind:  addrspace.ReadOnly,
	})
	if err != nil {
		return nil, fmt.Errorf("task: load: device tree: %w", err)
	}

	argvBytes := encodeArgv(spec.Argv)
	argvSpan, err := mm.AllocRegion(nil, memmgr.RegionDescription{
		Size:  riscv.Kilo,
		Len:   pagesFor(len(argvBytes), riscv.Kilo),
		Flags: riscv.Read | riscv.User,
		Fill:  memmgr.FillOption{Fill: memmgr.FillData, Bytes: argvBytes},
		Kind:  addrspace.ReadOnly,
	})
	if err != nil {
		return nil, fmt.Errorf("task: load: argv: %w", err)
	}

	frame := &TrapFrame{Sepc: uint64(spec.Entry)}
	frame.Regs[1] = uint64(userStack.End) // sp (x2)
	frame.SetArg(0, uint64(len(spec.Argv)))
	frame.SetArg(1, uint64(argvSpan.Start))
	frame.SetArg(2, uint64(fdtSpan.Start))

	t := &Task{
		Tid:   NextTid(),
		Name:  spec.Name,
		frame: frame,
	}
	t.Ctx.Sp = uint64(arena.AllocKernelStackTop()) - trapFrameSize
	t.mutable = Mutable{
		MemoryManager:   mm,
		CapabilitySpace: capability.New(),
		State:           Ready,
	}
	if spec.KernelChan != nil {
		if err := t.mutable.CapabilitySpace.MintWithID(KernelChannel, capability.Capability{
			Resource: capability.Resource{Kind: capability.ChannelResource, EndpointHandle: spec.KernelChan},
			Rights:   capability.Read,
		}); err != nil {
			return nil, fmt.Errorf("task: load: mint kernel channel: %w", err)
		}
	}
	return t, nil
}

const trapFrameSize = 8 * 32 // Sepc + 31 GPRs, 8 bytes each

// kernelStackArena is the minimal external-collaborator interface Load
// needs to obtain a fresh kernel stack; internal/hart supplies a real
// implementation, tests supply a fake.
type kernelStackArena interface {
	AllocKernelStackTop() riscv.VirtualAddress
}

func pagesFor(n int, size riscv.PageSize) int {
	if n == 0 {
		return 1
	}
	b := size.Bytes()
	return int((uint64(n) + b - 1) / b)
}

func encodeArgv(argv [][]byte) []byte {
	var out []byte
	for _, a := range argv {
		out = append(out, a...)
		out = append(out, 0)
	}
	return out
}
