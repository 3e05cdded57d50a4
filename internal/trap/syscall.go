package trap

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/vanadinite-os/vanadinite/internal/addrspace"
	"github.com/vanadinite-os/vanadinite/internal/capability"
	"github.com/vanadinite-os/vanadinite/internal/endpoint"
	"github.com/vanadinite-os/vanadinite/internal/memmgr"
	"github.com/vanadinite-os/vanadinite/internal/physmem"
	"github.com/vanadinite-os/vanadinite/internal/riscv"
	"github.com/vanadinite-os/vanadinite/internal/sched"
	"github.com/vanadinite-os/vanadinite/internal/task"
	"github.com/vanadinite-os/vanadinite/internal/userptr"
)

// RawSyscallError is the code a failed syscall
// places in a0. Zero always means success.
type RawSyscallError uint64

const (
	OK RawSyscallError = iota
	ErrInvalidCapability
	ErrInvalidArgument
	ErrPermissionDenied
	ErrWouldBlock
	ErrNoMemory
	ErrNotFound
	ErrBrokenChannel
	ErrUnknownSyscall
)

// SyscallID is the value a task places in a0 at ECALL entry.
type SyscallID uint64

const (
	SysExit SyscallID = iota
	SysPrint
	SysReadStdin
	SysAllocVirtualMemory
	SysSend
	SysRecv
	SysCall
	SysCreateEndpoint
	SysMintIdentifier
	SysClaimInterrupt
)

// AllocOption is AllocVirtualMemory's options bitset.
type AllocOption uint64

const (
	OptLargePage AllocOption = 1 << iota
	OptZero
)

// Console is the syscall boundary's write end for Print; cmd/vanadinite
// wires its vtConsole, tests use a bytes.Buffer.
type Console interface {
	Write(p []byte) (int, error)
}

// StdinQueue is the kernel input queue ReadStdin drains.
type StdinQueue struct {
	mu  sync.Mutex
	buf []byte
}

// NewStdinQueue returns an empty queue.
func NewStdinQueue() *StdinQueue { return &StdinQueue{} }

// Push appends bytes arriving from the console driver.
func (q *StdinQueue) Push(b []byte) {
	q.mu.Lock()
	q.buf = append(q.buf, b...)
	q.mu.Unlock()
}

// Read copies up to len(p) queued bytes into p, consuming them, and
// returns the number copied.
func (q *StdinQueue) Read(p []byte) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := copy(p, q.buf)
	q.buf = q.buf[n:]
	return n
}

// InterruptClaims tracks which task owns each claimed PLIC interrupt id,
// so ClaimInterrupt can reject a second claim of the same line.
type InterruptClaims struct {
	mu    sync.Mutex
	owner map[uint32]task.Tid
}

// NewInterruptClaims returns an empty claim table.
func NewInterruptClaims() *InterruptClaims {
	return &InterruptClaims{owner: make(map[uint32]task.Tid)}
}

// Claim records tid as irq's owner, failing if another task already holds
// it.
func (c *InterruptClaims) Claim(irq uint32, tid task.Tid) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, taken := c.owner[irq]; taken {
		return false
	}
	c.owner[irq] = tid
	return true
}

// Transfer reassigns irq's ownership from from to to, the PLIC-routing side
// effect of homing an Mmio capability's Move onto a new task: the real
// kernel retargets the interrupt along with the capability so the new owner,
// not the old one, observes SupervisorExternal for it. Fails if from does
// not presently hold irq.
func (c *InterruptClaims) Transfer(irq uint32, from, to task.Tid) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if owner, ok := c.owner[irq]; !ok || owner != from {
		return false
	}
	c.owner[irq] = to
	return true
}

// Dispatcher implements the syscall half of trap_handler: every exposed
// syscall ID, decoding its scalar arguments from the TrapFrame's a0..a7
// window and any buffer arguments through internal/userptr guards.
type Dispatcher struct {
	arena      *physmem.Arena
	scheduler  *sched.Scheduler
	console    Console
	stdin      *StdinQueue
	interrupts *InterruptClaims
}

// NewDispatcher builds a Dispatcher over the kernel's shared physical
// arena, scheduler, console, stdin queue, and interrupt-claim table.
func NewDispatcher(arena *physmem.Arena, s *sched.Scheduler, console Console, stdin *StdinQueue, interrupts *InterruptClaims) *Dispatcher {
	return &Dispatcher{arena: arena, scheduler: s, console: console, stdin: stdin, interrupts: interrupts}
}

// Run decodes t's pending syscall from its TrapFrame, executes it, and
// writes the RawSyscallError (and any success outputs) back into a0..
func (d *Dispatcher) Run(hart uint64, t *task.Task) {
	frame := t.Frame()
	id := SyscallID(frame.A0())
	var code RawSyscallError
	switch id {
	case SysExit:
		code = d.sysExit(hart, t)
	case SysPrint:
		code = d.sysPrint(hart, t, frame)
	case SysReadStdin:
		code = d.sysReadStdin(hart, t, frame)
	case SysAllocVirtualMemory:
		code = d.sysAllocVirtualMemory(hart, t, frame)
	case SysSend:
		code = d.sysSend(hart, t, frame)
	case SysRecv:
		code = d.sysRecv(hart, t, frame)
	case SysCall:
		code = d.sysCall(hart, t, frame)
	case SysCreateEndpoint:
		code = d.sysCreateEndpoint(hart, t, frame)
	case SysMintIdentifier:
		code = d.sysMintIdentifier(hart, t, frame)
	case SysClaimInterrupt:
		code = d.sysClaimInterrupt(hart, t, frame)
	default:
		code = ErrUnknownSyscall
	}
	frame.SetArg(0, uint64(code))
}

func mapUserptrErr(err error) RawSyscallError {
	switch {
	case errors.Is(err, userptr.ErrNotMapped):
		return ErrNotFound
	case errors.Is(err, userptr.ErrInvalidAccess):
		return ErrPermissionDenied
	case errors.Is(err, userptr.ErrUnaligned):
		return ErrInvalidArgument
	default:
		return ErrInvalidArgument
	}
}

func (d *Dispatcher) sysExit(hart uint64, t *task.Task) RawSyscallError {
	t.WithMutable(hart, func(m *task.Mutable) {
		m.State = task.Dead
		if m.Endpoint != nil {
			for {
				if _, _, err := m.Endpoint.TryRecv(); err != nil {
					break
				}
			}
		}
	})
	d.scheduler.Remove(hart, t.Tid)
	return OK
}

// sysPrint: a1 = addr, a2 = len.
func (d *Dispatcher) sysPrint(hart uint64, t *task.Task, frame *task.TrapFrame) RawSyscallError {
	addr := riscv.VirtualAddress(frame.Arg(1))
	length := int(frame.Arg(2))
	var code RawSyscallError
	t.WithMutable(hart, func(m *task.Mutable) {
		s := userptr.NewSlice[byte](addr, length, userptr.ReadOnly)
		guard, err := s.Validate(m.MemoryManager, d.arena)
		if err != nil {
			code = mapUserptrErr(err)
			return
		}
		d.console.Write(guard.Bytes())
	})
	return code
}

// sysReadStdin: a1 = addr, a2 = len; out a1 = bytes written.
func (d *Dispatcher) sysReadStdin(hart uint64, t *task.Task, frame *task.TrapFrame) RawSyscallError {
	addr := riscv.VirtualAddress(frame.Arg(1))
	length := int(frame.Arg(2))
	var code RawSyscallError
	var n int
	t.WithMutable(hart, func(m *task.Mutable) {
		s := userptr.NewSlice[byte](addr, length, userptr.ReadWrite)
		guard, err := s.Validate(m.MemoryManager, d.arena)
		if err != nil {
			code = mapUserptrErr(err)
			return
		}
		buf := make([]byte, length)
		got := d.stdin.Read(buf)
		written, werr := guard.Write(buf[:got])
		if werr != nil {
			code = mapUserptrErr(werr)
			return
		}
		n = written
	})
	if code == OK {
		frame.SetArg(1, uint64(n))
	}
	return code
}

// sysAllocVirtualMemory: a1 = size, a2 = options, a3 = permissions;
// out a1 = vaddr.
func (d *Dispatcher) sysAllocVirtualMemory(hart uint64, t *task.Task, frame *task.TrapFrame) RawSyscallError {
	size := frame.Arg(1)
	opts := AllocOption(frame.Arg(2))
	perm := riscv.Flags(frame.Arg(3)) & (riscv.Read | riscv.Write | riscv.Execute)
	if perm.Has(riscv.Write) && !perm.Has(riscv.Read) {
		return ErrInvalidArgument
	}

	pageSize := riscv.Kilo
	if opts&OptLargePage != 0 {
		pageSize = riscv.Mega
	}
	pages := pagesFor(size, pageSize)
	fill := memmgr.FillOption{Fill: memmgr.Uninitialized}
	if opts&OptZero != 0 {
		fill.Fill = memmgr.Zeroed
	}

	var code RawSyscallError
	var start riscv.VirtualAddress
	t.WithMutable(hart, func(m *task.Mutable) {
		span, err := m.MemoryManager.AllocRegion(nil, memmgr.RegionDescription{
			Size:  pageSize,
			Len:   pages,
			Flags: perm | riscv.User | riscv.Valid,
			Fill:  fill,
			Kind:  addrspace.UserAllocated,
		})
		if err != nil {
			code = ErrNoMemory
			return
		}
		start = span.Start
	})
	if code == OK {
		frame.SetArg(1, uint64(start))
	}
	return code
}

func pagesFor(nBytes uint64, size riscv.PageSize) int {
	if nBytes == 0 {
		return 1
	}
	b := size.Bytes()
	return int((nBytes + b - 1) / b)
}

// sysSend: a1 = cptr, a2 = msgDataAddr, a3 = hasCap, a4 = capSource,
// a5 = capRights, a6 = wantReply; out a1 = reply id, if wantReply.
func (d *Dispatcher) sysSend(hart uint64, t *task.Task, frame *task.TrapFrame) RawSyscallError {
	cptr := capability.Ptr(frame.Arg(1))
	msgAddr := riscv.VirtualAddress(frame.Arg(2))
	hasCap := frame.Arg(3) != 0
	capSource := capability.Ptr(frame.Arg(4))
	capRights := capability.Rights(frame.Arg(5))
	wantReply := frame.Arg(6) != 0

	var code RawSyscallError
	var replyID endpoint.ReplyId
	t.WithMutable(hart, func(m *task.Mutable) {
		ep, perr := resolveWritableChannel(m.CapabilitySpace, cptr)
		if perr != OK {
			code = perr
			return
		}

		data, err := readMessageData(m.MemoryManager, d.arena, msgAddr)
		if err != nil {
			code = mapUserptrErr(err)
			return
		}
		msg := endpoint.Message{Data: data}

		if hasCap {
			plans, verr := endpoint.ValidateTransfer(m.CapabilitySpace, []endpoint.TransferRequest{{Source: capSource, RequestRights: capRights}})
			if verr != nil {
				code = ErrInvalidCapability
				return
			}
			endpoint.FinalizeSend(m.CapabilitySpace, plans)
			endpoint.AttachTransfer(&msg, plans)
		}

		if wantReply {
			_, id, serr := endpoint.SendWithReply(ep, msg, &m.ReplyCounter, endpoint.FireAndForget)
			if serr != nil {
				code = ErrBrokenChannel
				return
			}
			replyID = id
			return
		}
		if serr := ep.Send(msg); serr != nil {
			code = ErrBrokenChannel
		}
	})
	if code == OK && wantReply {
		frame.SetArg(1, uint64(replyID))
	}
	return code
}

// sysRecv: a1 = msgOutAddr, a2 = flags (1 = nonblocking), a3 = capOutAddr
// (0 to ignore an attached capability); out a1 = sender identifier. The
// ptr of a capability homed from the message is written to capOutAddr.
func (d *Dispatcher) sysRecv(hart uint64, t *task.Task, frame *task.TrapFrame) RawSyscallError {
	msgOutAddr := riscv.VirtualAddress(frame.Arg(1))
	nonblocking := frame.Arg(2) != 0
	capOutAddr := riscv.VirtualAddress(frame.Arg(3))

	var ep *endpoint.Endpoint
	var code RawSyscallError
	t.WithMutable(hart, func(m *task.Mutable) {
		if m.Endpoint == nil {
			code = ErrInvalidCapability
			return
		}
		ep = m.Endpoint
	})
	if code != OK {
		return code
	}

	var id endpoint.Identifier
	var msg endpoint.Message
	var err error
	if nonblocking {
		id, msg, err = ep.TryRecv()
		if errors.Is(err, endpoint.ErrWouldBlock) {
			return ErrWouldBlock
		}
	} else {
		d.scheduler.Block(hart, t.Tid)
		id, msg, err = ep.Recv()
		d.scheduler.Wake(hart, t.Tid)
	}
	if err != nil {
		return ErrBrokenChannel
	}

	t.WithMutable(hart, func(m *task.Mutable) {
		if werr := writeMessageData(m.MemoryManager, d.arena, msgOutAddr, msg.Data); werr != nil {
			code = mapUserptrErr(werr)
			return
		}
		if plans := endpoint.TakeTransfer(msg); len(plans) > 0 && capOutAddr != 0 {
			newPtrs, herr := endpoint.HomeInReceiver(m.CapabilitySpace, m.MemoryManager, plans)
			if herr != nil {
				code = ErrNoMemory
				return
			}
			if werr := writeCapPtr(m.MemoryManager, d.arena, capOutAddr, newPtrs[0]); werr != nil {
				code = mapUserptrErr(werr)
			}
		}
	})
	if code == OK {
		frame.SetArg(1, uint64(id))
	}
	return code
}

// sysCall: a1 = cptr, a2 = msgDataAddr, a3 = hasCap, a4 = capSource,
// a5 = capRights, a6 = replyMsgOutAddr, a7 = replyCapOutAddr.
func (d *Dispatcher) sysCall(hart uint64, t *task.Task, frame *task.TrapFrame) RawSyscallError {
	cptr := capability.Ptr(frame.Arg(1))
	msgAddr := riscv.VirtualAddress(frame.Arg(2))
	hasCap := frame.Arg(3) != 0
	capSource := capability.Ptr(frame.Arg(4))
	capRights := capability.Rights(frame.Arg(5))
	replyMsgAddr := riscv.VirtualAddress(frame.Arg(6))
	replyCapAddr := riscv.VirtualAddress(frame.Arg(7))

	var code RawSyscallError
	var keep *endpoint.Endpoint
	t.WithMutable(hart, func(m *task.Mutable) {
		ep, perr := resolveWritableChannel(m.CapabilitySpace, cptr)
		if perr != OK {
			code = perr
			return
		}

		data, err := readMessageData(m.MemoryManager, d.arena, msgAddr)
		if err != nil {
			code = mapUserptrErr(err)
			return
		}
		msg := endpoint.Message{Data: data}

		if hasCap {
			plans, verr := endpoint.ValidateTransfer(m.CapabilitySpace, []endpoint.TransferRequest{{Source: capSource, RequestRights: capRights}})
			if verr != nil {
				code = ErrInvalidCapability
				return
			}
			endpoint.FinalizeSend(m.CapabilitySpace, plans)
			endpoint.AttachTransfer(&msg, plans)
		}

		k, _, serr := endpoint.SendWithReply(ep, msg, &m.ReplyCounter, endpoint.WithReplyCapability)
		if serr != nil {
			code = ErrBrokenChannel
			return
		}
		keep = k
	})
	if code != OK {
		return code
	}

	d.scheduler.Block(hart, t.Tid)
	_, reply, err := keep.Recv()
	d.scheduler.Wake(hart, t.Tid)
	if err != nil {
		return ErrBrokenChannel
	}

	t.WithMutable(hart, func(m *task.Mutable) {
		if werr := writeMessageData(m.MemoryManager, d.arena, replyMsgAddr, reply.Data); werr != nil {
			code = mapUserptrErr(werr)
			return
		}
		if plans := endpoint.TakeTransfer(reply); len(plans) > 0 && replyCapAddr != 0 {
			newPtrs, herr := endpoint.HomeInReceiver(m.CapabilitySpace, m.MemoryManager, plans)
			if herr != nil {
				code = ErrNoMemory
				return
			}
			if werr := writeCapPtr(m.MemoryManager, d.arena, replyCapAddr, newPtrs[0]); werr != nil {
				code = mapUserptrErr(werr)
			}
		}
	})
	return code
}

// sysCreateEndpoint mints a fresh channel's Sender and Receiver handles as
// two new capabilities in the caller's own space; out a1 = sender cptr,
// a2 = receiver cptr.
func (d *Dispatcher) sysCreateEndpoint(hart uint64, t *task.Task, frame *task.TrapFrame) RawSyscallError {
	sender, receiver := endpoint.NewChannel()
	var senderPtr, receiverPtr capability.Ptr
	t.WithMutable(hart, func(m *task.Mutable) {
		senderPtr = m.CapabilitySpace.Mint(capability.Capability{
			Resource: capability.Resource{Kind: capability.ChannelResource, EndpointHandle: sender},
			Rights:   capability.Read | capability.Write | capability.Grant | capability.Move,
		})
		receiverPtr = m.CapabilitySpace.Mint(capability.Capability{
			Resource: capability.Resource{Kind: capability.ChannelResource, EndpointHandle: receiver},
			Rights:   capability.Read | capability.Write | capability.Grant | capability.Move,
		})
	})
	frame.SetArg(1, uint64(senderPtr))
	frame.SetArg(2, uint64(receiverPtr))
	return OK
}

// sysMintIdentifier: a1 = cptr, a2 = requested identifier.
func (d *Dispatcher) sysMintIdentifier(hart uint64, t *task.Task, frame *task.TrapFrame) RawSyscallError {
	cptr := capability.Ptr(frame.Arg(1))
	id := endpoint.Identifier(frame.Arg(2))
	var code RawSyscallError
	t.WithMutable(hart, func(m *task.Mutable) {
		capv, ok := m.CapabilitySpace.Resolve(cptr)
		if !ok || capv.Resource.Kind != capability.ChannelResource {
			code = ErrInvalidCapability
			return
		}
		ep, ok := capv.Resource.EndpointHandle.(*endpoint.Endpoint)
		if !ok {
			code = ErrInvalidCapability
			return
		}
		if err := ep.Mint(id); err != nil {
			code = ErrInvalidArgument
		}
	})
	return code
}

// sysClaimInterrupt: a1 = irq.
func (d *Dispatcher) sysClaimInterrupt(hart uint64, t *task.Task, frame *task.TrapFrame) RawSyscallError {
	irq := uint32(frame.Arg(1))
	if !d.interrupts.Claim(irq, t.Tid) {
		return ErrPermissionDenied
	}
	t.WithMutable(hart, func(m *task.Mutable) {
		m.ClaimedInterrupts = append(m.ClaimedInterrupts, irq)
	})
	return OK
}

func resolveWritableChannel(space *capability.Space, cptr capability.Ptr) (*endpoint.Endpoint, RawSyscallError) {
	capv, ok := space.Resolve(cptr)
	if !ok || capv.Resource.Kind != capability.ChannelResource {
		return nil, ErrInvalidCapability
	}
	if !capv.Rights.Has(capability.Write) {
		return nil, ErrPermissionDenied
	}
	ep, ok := capv.Resource.EndpointHandle.(*endpoint.Endpoint)
	if !ok {
		return nil, ErrInvalidCapability
	}
	return ep, OK
}

func readMessageData(mm *memmgr.MemoryManager, arena *physmem.Arena, addr riscv.VirtualAddress) ([7]uint64, error) {
	var out [7]uint64
	s := userptr.NewSlice[uint64](addr, 7, userptr.ReadOnly)
	guard, err := s.Validate(mm, arena)
	if err != nil {
		return out, err
	}
	b := guard.Bytes()
	for i := range out {
		out[i] = binary.LittleEndian.Uint64(b[i*8:])
	}
	return out, nil
}

func writeMessageData(mm *memmgr.MemoryManager, arena *physmem.Arena, addr riscv.VirtualAddress, data [7]uint64) error {
	if addr == 0 {
		return nil
	}
	s := userptr.NewSlice[uint64](addr, 7, userptr.ReadWrite)
	guard, err := s.Validate(mm, arena)
	if err != nil {
		return err
	}
	b := make([]byte, 56)
	for i := range data {
		binary.LittleEndian.PutUint64(b[i*8:], data[i])
	}
	_, err = guard.Write(b)
	return err
}

func writeCapPtr(mm *memmgr.MemoryManager, arena *physmem.Arena, addr riscv.VirtualAddress, ptr capability.Ptr) error {
	p := userptr.NewPtr[uint64](addr, userptr.ReadWrite)
	guard, err := p.Validate(mm, arena)
	if err != nil {
		return err
	}
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, uint64(ptr))
	_, err = guard.Write(b)
	return err
}
