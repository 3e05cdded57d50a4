// Command vanadinite is the demo boot harness: it stands in for the real
// firmware-to-kernel handoff (SBI hands control to the boot hart, the boot
// hart parses /chosen/bootargs, builds the scheduler and its tasks, and
// starts scheduling) by wiring every internal package together in one
// process and driving the task set through the scenarios the syscall ABI
// is meant to support. Each "task" is a goroutine plus a *task.Task record;
// there is no RISC-V instruction stream to execute, so the harness issues
// syscalls the same way trap.Handler's UserEcall case would have found
// them — by placing arguments in the TrapFrame and calling the dispatcher.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"strings"

	"github.com/charmbracelet/x/ansi"
	"github.com/charmbracelet/x/vt"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/vanadinite-os/vanadinite/internal/addrspace"
	"github.com/vanadinite-os/vanadinite/internal/capability"
	"github.com/vanadinite-os/vanadinite/internal/endpoint"
	"github.com/vanadinite-os/vanadinite/internal/fdt"
	"github.com/vanadinite-os/vanadinite/internal/hart"
	"github.com/vanadinite-os/vanadinite/internal/kconfig"
	"github.com/vanadinite-os/vanadinite/internal/klog"
	"github.com/vanadinite-os/vanadinite/internal/ktrace"
	"github.com/vanadinite-os/vanadinite/internal/memmgr"
	"github.com/vanadinite-os/vanadinite/internal/physmem"
	"github.com/vanadinite-os/vanadinite/internal/riscv"
	"github.com/vanadinite-os/vanadinite/internal/sbi"
	"github.com/vanadinite-os/vanadinite/internal/sched"
	"github.com/vanadinite-os/vanadinite/internal/task"
	"github.com/vanadinite-os/vanadinite/internal/trap"
)

// kernelABI is the paging-mode ABI token this build supports, checked
// against a booted image's kernel-abi bootarg.
const kernelABI = "1.0"

// demoMemBase and demoMemFrames describe the simulated machine's sole
// memory region, advertised in the device tree's memory node and backing
// physmem.NewArena with the same numbers.
const (
	demoMemBase   = 0x80000000
	demoMemFrames = 4096
)

func main() {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	bootargs := fs.String("bootargs", "log-filter=info init=/init console=sbi kernel-abi=1.0", "device-tree /chosen/bootargs string")
	traceFile := fs.String("trace", "", "write a ktrace scheduling trace to this file")
	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}

	blob := buildDeviceTree(*bootargs)
	args, ok, err := fdt.ChosenBootArgs(blob)
	if err != nil || !ok {
		fmt.Fprintf(os.Stderr, "vanadinite: no /chosen/bootargs in device tree: %v\n", err)
		os.Exit(1)
	}

	cfg, err := kconfig.Parse(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vanadinite: %v\n", err)
		os.Exit(1)
	}
	if err := kconfig.CheckKernelABI(cfg, kernelABI); err != nil {
		fmt.Fprintf(os.Stderr, "vanadinite: %v\n", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	switch cfg.LogFilter {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := klog.New(os.Stderr, os.Stderr, level)
	banner := "vanadinite booting"
	if cfg.NoColor {
		banner = ansi.Strip(banner) // no-color: never emit escapes a raw UART can't render
	}
	logger.Info(banner, "console", cfg.Console, "init", cfg.Init)

	if cfg.Console == "sbi" && term.IsTerminal(int(os.Stdin.Fd())) {
		if old, err := term.MakeRaw(int(os.Stdin.Fd())); err == nil {
			defer term.Restore(int(os.Stdin.Fd()), old)
		}
	}

	var traceCloser interface{ Close() error }
	if *traceFile != "" {
		f, err := os.Create(*traceFile)
		if err != nil {
			logger.Warn("failed to open trace file", "err", err)
		} else {
			if closer, err := ktrace.StartRecording(f); err == nil {
				traceCloser = closer
				defer traceCloser.Close()
			}
		}
	}

	arena := physmem.NewArena(riscv.PhysicalAddress(demoMemBase), demoMemFrames)
	sharedArena = arena
	scheduler := sched.New()
	sbiModel := sbi.NewModel(func(b byte) error { return os.Stdout.WriteByte(b) })
	for _, c := range banner + "\n" {
		sbiModel.ConsolePutchar(byte(c))
	}
	claims := trap.NewInterruptClaims()
	stdin := trap.NewStdinQueue()
	console := newVTConsole(logger)
	dispatcher := trap.NewDispatcher(arena, scheduler, console, stdin, claims)
	handler := trap.NewHandler(scheduler, &nopPlic{}, dispatcher)

	kernelBase := riscv.VirtualAddress(0xffffffc000000000)
	stacks := hart.NewStackArena(kernelBase, kernelBase+256<<20)
	h0 := hart.New(0)
	h0.Trace = ktrace.NewRecorder()
	handler.RegisterTrace(0, h0.Trace)

	if err := sbiModel.HartStart(1, func(hartID uint64, a1 uint64) {
		h1 := hart.New(hartID)
		h1.Trace = ktrace.NewRecorder()
		handler.RegisterTrace(hartID, h1.Trace)
		h1.Kalt(scheduler, nil) // one Schedule pass: the idle task if the queue is still empty, then returns
	}, 0); err != nil {
		logger.Warn("sbi hart_start failed", "err", err)
	}
	if err := sbiModel.SetTimer(0, 1000); err != nil {
		logger.Warn("sbi set_timer failed", "err", err)
	}

	bar := progressbar.Default(6)

	initTask := newTask(logger, "init", arena, stacks, blob)
	workerTask := newTask(logger, "worker", arena, stacks, blob)
	scheduler.Enqueue(0, initTask)
	scheduler.Enqueue(0, workerTask)

	logger.Info("scheduler primed", "tasks", 2)
	if _, ok := h0.BeginScheduling(scheduler, nil); !ok {
		logger.Error("no ready task at boot")
		os.Exit(1)
	}

	scenarioPrint(dispatcher, initTask)
	bar.Add(1)

	scenarioGuardPageFault(handler, initTask, scheduler)
	bar.Add(1)

	scenarioAllocVirtualMemory(dispatcher, workerTask)
	bar.Add(1)

	scenarioSendRecv(dispatcher, initTask, workerTask, scheduler)
	bar.Add(1)

	scenarioCallReply(dispatcher, initTask, workerTask, scheduler)
	bar.Add(1)

	scenarioCapabilityMove(dispatcher, claims, initTask, workerTask)
	bar.Add(1)

	fmt.Fprintln(os.Stderr)
	logger.Info("all demo scenarios completed")

	for _, line := range console.Render() {
		if strings.TrimSpace(line) == "" {
			continue
		}
		logger.Debug("console line", "text", line)
	}
}

// buildDeviceTree assembles the FDT blob the boot hart receives: /chosen's
// bootargs string plus a memory node describing the arena this same
// process is about to back with physmem.NewArena, using the package's
// low-level imperative Builder rather than firmware — there is no real
// bootloader here to hand the kernel this blob.
func buildDeviceTree(bootargs string) []byte {
	b := fdt.NewBuilder()
	b.BeginNode("")
	b.AddPropertyU32("#address-cells", 2)
	b.AddPropertyU32("#size-cells", 2)
	b.BeginNode("chosen")
	b.AddPropertyString("bootargs", bootargs)
	b.EndNode()
	b.BeginNode(fmt.Sprintf("memory@%x", uint64(demoMemBase)))
	b.AddPropertyStringList("device_type", []string{"memory"})
	b.AddPropertyU64Pair("reg", uint64(demoMemBase), uint64(demoMemFrames*physmem.FrameSize))
	b.EndNode()
	b.EndNode()
	return b.Build()
}

// newTask constructs a MemoryManager and loads a codeless demo task into
// it (the harness drives syscalls directly rather than executing a real
// entry point).
func newTask(logger *klog.Logger, name string, arena *physmem.Arena, stacks *hart.StackArena, deviceTree []byte) *task.Task {
	mm, err := memmgr.New(arena, rngJitter{}, riscv.VirtualAddress(0x10000), riscv.UserRegionTop())
	if err != nil {
		logger.Fatal("memmgr.New failed", "task", name, "err", err)
	}
	t, err := task.Load(mm, stacks, task.LoadSpec{
		Name:       name,
		Entry:      riscv.VirtualAddress(0x10000),
		Argv:       [][]byte{[]byte(name)},
		DeviceTree: deviceTree,
	})
	if err != nil {
		logger.Fatal("task.Load failed", "task", name, "err", err)
	}
	return t
}

// rngJitter backs AllocRegion's ASLR placement with math/rand; production
// boot code would seed this from an entropy source the SBI firmware or
// board provides, out of scope here.
type rngJitter struct{}

func (rngJitter) Uint64(bound uint64) uint64 {
	if bound == 0 {
		return 0
	}
	return uint64(rand.Int63n(int64(bound)))
}

type nopPlic struct{}

func (nopPlic) Claim() (uint32, bool) { return 0, false }
func (nopPlic) Complete(uint32)       {}

// vtConsole is the trap.Console implementation, the syscall boundary's
// Print sink; its logger field is carried but not written to. Every byte a task's Print syscall writes goes to
// the host's stdout directly (the SBI legacy UART path) and is also fed
// through a VT100 emulator, so the harness can recover what the guest's
// screen would actually look like once the demo scenarios finish, the
// same CellAt-driven screen walk the teacher's View.syncGridFromEmulator
// uses to copy cell state out of its own vt.SafeEmulator.
type vtConsole struct {
	logger *klog.Logger
	emu    *vt.SafeEmulator
}

// newVTConsole returns a console sized to a typical 80x24 serial terminal,
// the same default the teacher's terminal view falls back to before a
// guest negotiates a different size.
func newVTConsole(logger *klog.Logger) *vtConsole {
	return &vtConsole{logger: logger, emu: vt.NewSafeEmulator(80, 24)}
}

func (c *vtConsole) Write(p []byte) (int, error) {
	os.Stdout.Write(p)
	return c.emu.Write(p)
}

// Render snapshots the emulator's current screen as plain text lines,
// trailing blanks trimmed, for a final rendered-console log line.
func (c *vtConsole) Render() []string {
	cols, rows := c.emu.Width(), c.emu.Height()
	lines := make([]string, 0, rows)
	for y := 0; y < rows; y++ {
		var line strings.Builder
		for x := 0; x < cols; x++ {
			cell := c.emu.CellAt(x, y)
			if cell == nil || cell.Content == "" {
				line.WriteByte(' ')
				continue
			}
			line.WriteString(cell.Content)
		}
		lines = append(lines, strings.TrimRight(line.String(), " "))
	}
	return lines
}

// issueSyscall places id and args into t's TrapFrame the way an ECALL's
// register window would arrive and runs it through the dispatcher, as if
// t were currently scheduled on hart. Two tasks genuinely running
// concurrently in this demo (task A on hart 0, task B on hart 1) must
// pass distinct hart ids, matching the scheduler's same-hart-reentry
// discipline — two goroutines presenting the same hart id to the
// scheduler's lock at once looks identical to a real same-hart deadlock.
func issueSyscall(d *trap.Dispatcher, hart uint64, t *task.Task, id trap.SyscallID, args ...uint64) trap.RawSyscallError {
	frame := t.Frame()
	frame.SetArg(0, uint64(id))
	for i, a := range args {
		frame.SetArg(i+1, a)
	}
	d.Run(hart, t)
	return trap.RawSyscallError(frame.A0())
}

// scenarioPrint drives "an init task issues Print(\"hi\\n\", 3)".
func scenarioPrint(d *trap.Dispatcher, t *task.Task) {
	msg := []byte("hi\n")
	addr := writeUserBytes(t, msg)
	code := issueSyscall(d, 0, t, trap.SysPrint, uint64(addr), uint64(len(msg)))
	fmt.Fprintf(os.Stderr, "[scenario 1] print returned code=%d\n", code)
}

// scenarioGuardPageFault drives "write to V-8" below a guarded stack,
// expecting the task to be marked Dead and dropped from the run queue.
func scenarioGuardPageFault(h *trap.Handler, t *task.Task, s *sched.Scheduler) {
	var stackSpan addrspace.Span
	t.WithMutable(0, func(m *task.Mutable) {
		// The initial stack pointer (sp, Regs[1]) is the top of the user
		// stack AllocGuardedRegion placed during task.Load; Find on the
		// byte just below it recovers that region.
		region, ok := m.MemoryManager.Find(riscv.VirtualAddress(t.Frame().Regs[1]) - 1)
		if ok {
			stackSpan = region.Span
		}
	})
	faultAddr := stackSpan.Start - riscv.VirtualAddress(8)
	if err := h.Handle(0, t, trap.StorePageFault, faultAddr); err != nil {
		fmt.Fprintf(os.Stderr, "[scenario 2] handle returned err=%v\n", err)
	}
	fmt.Fprintf(os.Stderr, "[scenario 2] task state=%v\n", t.State())
}

// scenarioAllocVirtualMemory drives AllocVirtualMemory(size=8192,
// options=Zero, perms=R|W).
func scenarioAllocVirtualMemory(d *trap.Dispatcher, t *task.Task) {
	code := issueSyscall(d, 1, t, trap.SysAllocVirtualMemory, 8192, uint64(trap.OptZero), uint64(riscv.Read|riscv.Write))
	addr := t.Frame().A1()
	fmt.Fprintf(os.Stderr, "[scenario 3] alloc_virtual_memory code=%d addr=%#x\n", code, addr)
}

// scenarioSendRecv drives task A sending {1..7} on a fresh endpoint while
// task B, blocked in Recv, observes the identical data.
func scenarioSendRecv(d *trap.Dispatcher, a, b *task.Task, s *sched.Scheduler) {
	sender, receiver := endpoint.NewChannel()
	sender.Mint(endpoint.Identifier(7))

	var senderPtr, receiverPtr capability.Ptr
	a.WithMutable(0, func(m *task.Mutable) {
		senderPtr = m.CapabilitySpace.Mint(capability.Capability{
			Resource: capability.Resource{Kind: capability.ChannelResource, EndpointHandle: sender},
			Rights:   capability.Write | capability.Grant | capability.Move,
		})
	})
	b.WithMutable(1, func(m *task.Mutable) {
		m.Endpoint = receiver
		receiverPtr = 0
	})
	_ = receiverPtr

	data := []uint64{1, 2, 3, 4, 5, 6, 7}
	msgAddr := writeUserMessage(a, data)

	done := make(chan struct{})
	var recvID endpoint.Identifier
	var recvCode trap.RawSyscallError
	go func() {
		outAddr := reserveUserMessage(b)
		recvCode = issueSyscall(d, 1, b, trap.SysRecv, uint64(outAddr), 0, 0)
		recvID = endpoint.Identifier(b.Frame().A1())
		close(done)
	}()

	code := issueSyscall(d, 0, a, trap.SysSend, uint64(senderPtr), uint64(msgAddr), 0, 0, 0, 0)
	<-done
	fmt.Fprintf(os.Stderr, "[scenario 4] send code=%d recv code=%d identifier=%d\n", code, recvCode, recvID)
}

// scenarioCallReply drives task A's Call on endpoint E with task B
// replying on the handle it receives. Task A goes through the real
// syscall ABI (SysCall); task B's side is driven against the raw
// endpoint directly, since the syscall dispatcher does not yet surface a
// received ReplyEndpoint as a user-visible capability (see DESIGN.md) —
// exercising endpoint.SendWithReply/Call/ReplyEndpoint.Reply still proves
// out the engine the ABI sits on.
func scenarioCallReply(d *trap.Dispatcher, a, b *task.Task, s *sched.Scheduler) {
	sender, receiver := endpoint.NewChannel()

	var senderPtr capability.Ptr
	a.WithMutable(0, func(m *task.Mutable) {
		senderPtr = m.CapabilitySpace.Mint(capability.Capability{
			Resource: capability.Resource{Kind: capability.ChannelResource, EndpointHandle: sender},
			Rights:   capability.Write | capability.Grant | capability.Move,
		})
	})
	b.WithMutable(1, func(m *task.Mutable) { m.Endpoint = receiver })

	callData := []uint64{42, 0, 0, 0, 0, 0, 0}
	msgAddr := writeUserMessage(a, callData)
	replyOutAddr := reserveUserMessage(a)

	callDone := make(chan struct{})
	var callCode trap.RawSyscallError
	go func() {
		callCode = issueSyscall(d, 0, a, trap.SysCall, uint64(senderPtr), uint64(msgAddr), 0, 0, 0, uint64(replyOutAddr), 0)
		close(callDone)
	}()

	_, msg, err := receiver.Recv()
	if err != nil || msg.ReplyCap == nil {
		fmt.Fprintf(os.Stderr, "[scenario 5] recv failed or no reply handle: %v\n", err)
		return
	}
	if err := msg.ReplyCap.Reply(endpoint.Message{Data: [7]uint64{43, 0, 0, 0, 0, 0, 0}}); err != nil {
		fmt.Fprintf(os.Stderr, "[scenario 5] reply failed: %v\n", err)
	}

	<-callDone
	replyData0 := readUserCapPtr(a, replyOutAddr)
	fmt.Fprintf(os.Stderr, "[scenario 5] call code=%d call_data0=%d reply_data0=%d\n", callCode, msg.Data[0], replyData0)
}

// scenarioCapabilityMove drives task A holding an Mmio capability with
// Move+Grant, sending it to B, and then failing to use it again.
func scenarioCapabilityMove(d *trap.Dispatcher, claims *trap.InterruptClaims, a, b *task.Task) {
	const deviceIRQ = 33

	var mmioPtr capability.Ptr
	a.WithMutable(0, func(m *task.Mutable) {
		sr, err := m.MemoryManager.MapMMIODevice(riscv.PhysicalAddress(0x10001000), nil, int(riscv.KiloPageSize))
		if err != nil {
			fmt.Fprintf(os.Stderr, "[scenario 6] MapMMIODevice failed: %v\n", err)
			return
		}
		mmioPtr = m.CapabilitySpace.Mint(capability.Capability{
			Resource: capability.Resource{
				Kind:         capability.MmioResource,
				Region:       sr.Backing,
				VirtualStart: uint64(sr.Span.Start),
				VirtualLen:   sr.Span.Len(),
				Interrupts:   []uint32{deviceIRQ},
			},
			Rights: capability.Read | capability.Write | capability.Grant | capability.Move,
		})
		m.ClaimedInterrupts = append(m.ClaimedInterrupts, deviceIRQ)
	})
	claims.Claim(deviceIRQ, a.Tid)

	sender, receiver := endpoint.NewChannel()
	var senderPtr capability.Ptr
	a.WithMutable(0, func(m *task.Mutable) {
		senderPtr = m.CapabilitySpace.Mint(capability.Capability{
			Resource: capability.Resource{Kind: capability.ChannelResource, EndpointHandle: sender},
			Rights:   capability.Write | capability.Grant | capability.Move,
		})
	})
	b.WithMutable(1, func(m *task.Mutable) { m.Endpoint = receiver })

	msgAddr := writeUserMessage(a, []uint64{})

	done := make(chan struct{})
	var capOutPtr uint64
	go func() {
		recvOut := reserveUserMessage(b)
		capOutAddr := reserveUserCapPtr(b)
		issueSyscall(d, 1, b, trap.SysRecv, uint64(recvOut), 0, uint64(capOutAddr))
		capOutPtr = readUserCapPtr(b, capOutAddr)
		close(done)
	}()

	sendCode := issueSyscall(d, 0, a, trap.SysSend, uint64(senderPtr), uint64(msgAddr), 1, uint64(mmioPtr), uint64(capability.Read|capability.Write|capability.Grant|capability.Move), 0)
	<-done

	if claims.Transfer(deviceIRQ, a.Tid, b.Tid) {
		b.WithMutable(1, func(m *task.Mutable) { m.ClaimedInterrupts = append(m.ClaimedInterrupts, deviceIRQ) })
	}

	reuseAttempt := issueSyscall(d, 0, a, trap.SysSend, uint64(senderPtr), uint64(msgAddr), 1, uint64(mmioPtr), uint64(capability.Read), 0)

	fmt.Fprintf(os.Stderr, "[scenario 6] send code=%d, B's new cap ptr=%d, A's reuse code=%d (want %d)\n",
		sendCode, capability.Ptr(capOutPtr), reuseAttempt, trap.ErrInvalidCapability)
}
