// Package endpoint implements IPC endpoints, reply endpoints, and
// capability transfer during message send. Endpoints are shared between
// tasks by cloning a handle around a common inner queue/waitqueue; recv
// blocks a goroutine standing in for a blocked task on a channel rather
// than a kernel wait token, which is the in-process simulation's stand-in
// for schedule(Blocked)/wake(tid).
package endpoint

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/vanadinite-os/vanadinite/internal/addrspace"
	"github.com/vanadinite-os/vanadinite/internal/capability"
	"github.com/vanadinite-os/vanadinite/internal/memmgr"
	"github.com/vanadinite-os/vanadinite/internal/riscv"
)

// Identifier distinguishes senders sharing one logical endpoint once
// stamped by Mint. Zero means unidentified.
type Identifier uint64

const Unidentified Identifier = 0

// Message is one IPC message: scalar data plus an optional attached
// capability and reply handle.
type Message struct {
	Data           [7]uint64
	Cap            *capability.Capability
	ReplyCap       *ReplyEndpoint
	ReplyID        ReplyId
	HasReply       bool
	SharedPhysAddr *riscv.PhysicalAddress

	// pending carries validated-but-not-yet-homed capability transfer
	// plans attached by syscall Send dispatch; HomeInReceiver consumes it
	// once the receiving task actually dequeues the message. Unexported
	// because only internal/trap (via AttachTransfer/TakeTransfer) and
	// this package need to see it.
	pending []transferPlan
}

// AttachTransfer stashes plans onto msg for the receiving task to home in
// with HomeInReceiver once it dequeues msg.
func AttachTransfer(msg *Message, plans []transferPlan) { msg.pending = plans }

// TakeTransfer returns msg's attached transfer plans, if any.
func TakeTransfer(msg Message) []transferPlan { return msg.pending }

var (
	// ErrAlreadyIdentified is returned by Mint when the handle already
	// carries a non-zero Identifier.
	ErrAlreadyIdentified = errors.New("endpoint: already minted")
	// ErrBrokenChannel is returned once the peer side of a channel has
	// been fully dropped: sends fail immediately, receives fail once the
	// queue has drained.
	ErrBrokenChannel = errors.New("endpoint: broken channel")
	// ErrWouldBlock is returned by TryRecv when the queue is empty.
	ErrWouldBlock = errors.New("endpoint: would block")
)

type queued struct {
	id  Identifier
	msg Message
}

// inner is the shared state between every handle cloned from one logical
// channel: the FIFO queue and the waiters parked on Recv.
type inner struct {
	mu       sync.Mutex
	queue    []queued
	waiters  []chan queued

	senderRefs   atomic.Int32
	receiverRefs atomic.Int32
	senderGone   atomic.Bool
	receiverGone atomic.Bool
}

// Role distinguishes which side of the channel a handle was cloned for,
// so Close() decrements the matching ref count.
type Role int

const (
	SenderRole Role = iota
	ReceiverRole
)

// Endpoint is one handle onto a shared channel. Multiple Endpoint values
// may share the same *inner; each carries its own Identifier, settable
// once via Mint.
type Endpoint struct {
	in   *inner
	role Role
	id   atomic.Uint64
}

// NewChannel creates a fresh channel and returns one Sender-role handle
// and one Receiver-role handle onto it.
func NewChannel() (sender, receiver *Endpoint) {
	in := &inner{}
	in.senderRefs.Store(1)
	in.receiverRefs.Store(1)
	return &Endpoint{in: in, role: SenderRole}, &Endpoint{in: in, role: ReceiverRole}
}

// Clone returns a new handle of the same role sharing this endpoint's
// queue, incrementing that role's reference count.
func (e *Endpoint) Clone() *Endpoint {
	if e.role == SenderRole {
		e.in.senderRefs.Add(1)
	} else {
		e.in.receiverRefs.Add(1)
	}
	return &Endpoint{in: e.in, role: e.role}
}

// Close drops this handle. Once every handle of a role has been closed,
// dropping the last Receiver or Sender marks the other side broken, and
// the other side observes ErrBrokenChannel.
func (e *Endpoint) Close() {
	switch e.role {
	case SenderRole:
		if e.in.senderRefs.Add(-1) == 0 {
			e.in.senderGone.Store(true)
			e.wakeAllWithBrokenChannel()
		}
	case ReceiverRole:
		if e.in.receiverRefs.Add(-1) == 0 {
			e.in.receiverGone.Store(true)
		}
	}
}

func (e *Endpoint) wakeAllWithBrokenChannel() {
	e.in.mu.Lock()
	waiters := e.in.waiters
	e.in.waiters = nil
	e.in.mu.Unlock()
	for _, w := range waiters {
		close(w)
	}
}

// Mint stamps id onto this handle; it fails once a non-zero id is already
// set. A minted handle's Identifier is attached to every Message it sends.
func (e *Endpoint) Mint(id Identifier) error {
	if !e.id.CompareAndSwap(uint64(Unidentified), uint64(id)) {
		return ErrAlreadyIdentified
	}
	return nil
}

// Identifier returns this handle's stamped id, or Unidentified.
func (e *Endpoint) Identifier() Identifier { return Identifier(e.id.Load()) }

// Send appends msg to the queue tagged with this handle's Identifier and
// wakes one waiter, or delivers directly to a parked waiter if one exists.
func (e *Endpoint) Send(msg Message) error {
	if e.in.receiverGone.Load() {
		return ErrBrokenChannel
	}
	q := queued{id: e.Identifier(), msg: msg}

	e.in.mu.Lock()
	if len(e.in.waiters) > 0 {
		w := e.in.waiters[0]
		e.in.waiters = e.in.waiters[1:]
		e.in.mu.Unlock()
		w <- q
		return nil
	}
	e.in.queue = append(e.in.queue, q)
	e.in.mu.Unlock()
	return nil
}

// Recv pops the head of the queue, blocking the calling goroutine if it
// is empty, until either a message arrives or the channel breaks.
func (e *Endpoint) Recv() (Identifier, Message, error) {
	e.in.mu.Lock()
	if len(e.in.queue) > 0 {
		q := e.in.queue[0]
		e.in.queue = e.in.queue[1:]
		e.in.mu.Unlock()
		return q.id, q.msg, nil
	}
	if e.in.senderGone.Load() {
		e.in.mu.Unlock()
		return 0, Message{}, ErrBrokenChannel
	}
	ch := make(chan queued, 1)
	e.in.waiters = append(e.in.waiters, ch)
	e.in.mu.Unlock()

	q, ok := <-ch
	if !ok {
		return 0, Message{}, ErrBrokenChannel
	}
	return q.id, q.msg, nil
}

// TryRecv never blocks: it returns ErrWouldBlock on an empty queue.
func (e *Endpoint) TryRecv() (Identifier, Message, error) {
	e.in.mu.Lock()
	defer e.in.mu.Unlock()
	if len(e.in.queue) == 0 {
		if e.in.senderGone.Load() {
			return 0, Message{}, ErrBrokenChannel
		}
		return 0, Message{}, ErrWouldBlock
	}
	q := e.in.queue[0]
	e.in.queue = e.in.queue[1:]
	return q.id, q.msg, nil
}

// ReplyId correlates a fire-and-forget reply when the sender doesn't want
// a synchronous back-channel.
type ReplyId uint64

// ReplyCounter is a per-task monotonically increasing source of ReplyIds.
type ReplyCounter struct {
	next atomic.Uint64
}

func (c *ReplyCounter) Next() ReplyId {
	return ReplyId(c.next.Add(1))
}

// ReplyEndpoint is a single-use handle pairing a reply channel with a
// ReplyId; Reply consumes it.
type ReplyEndpoint struct {
	back *Endpoint
	id   ReplyId
	used atomic.Bool
}

var ErrReplyAlreadyUsed = errors.New("endpoint: reply endpoint already used")

// Reply sends msg on the backing reply channel. It may be called exactly
// once.
func (r *ReplyEndpoint) Reply(msg Message) error {
	if !r.used.CompareAndSwap(false, true) {
		return ErrReplyAlreadyUsed
	}
	return r.back.Send(msg)
}

// ID returns the ReplyId this reply endpoint correlates with.
func (r *ReplyEndpoint) ID() ReplyId { return r.id }

// BackChannel selects whether SendWithReply gives the receiver a
// single-use ReplyEndpoint capability or a bare ReplyId for
// fire-and-forget correlation.
type BackChannel int

const (
	WithReplyCapability BackChannel = iota
	FireAndForget
)

// SendWithReply allocates a fresh ReplyId, optionally opens a temporary
// reply channel, stashes the appropriate
// reply attachment in msg, and sends it on ep. When back == FireAndForget
// the returned *Endpoint is nil; the caller correlates replies itself out
// of band using the ReplyId.
func SendWithReply(ep *Endpoint, msg Message, counter *ReplyCounter, back BackChannel) (*Endpoint, ReplyId, error) {
	id := counter.Next()
	msg.ReplyID = id
	msg.HasReply = true

	var keep *Endpoint
	if back == WithReplyCapability {
		giveaway, retain := NewChannel()
		keep = retain
		msg.ReplyCap = &ReplyEndpoint{back: giveaway, id: id}
	}

	if err := ep.Send(msg); err != nil {
		return nil, 0, err
	}
	return keep, id, nil
}

// Call is send_with_reply followed by a blocking Recv on the temporary
// reply channel the sender created for this call, returning the reply
// message synchronously.
func Call(ep *Endpoint, msg Message, counter *ReplyCounter) (Message, error) {
	keep, _, err := SendWithReply(ep, msg, counter, WithReplyCapability)
	if err != nil {
		return Message{}, err
	}
	_, reply, err := keep.Recv()
	return reply, err
}

// bundlePermissions are the two page-flag states a Bundle capability's
// shared memory toggles between around a call.
var (
	bundleIdle   = riscv.User | riscv.Valid
	bundleActive = riscv.User | riscv.Valid | riscv.Read | riscv.Write
)

// ToggleBundleMemory flips the page flags of a Bundle capability's shared
// region between (User+Valid) and (User+Valid+Read+Write), handing the
// memory over to the other party for the duration of a send/recv and
// reclaiming it afterward.
func ToggleBundleMemory(mm *memmgr.MemoryManager, span addrspace.Span, handedOver bool) error {
	flags := bundleIdle
	if handedOver {
		flags = bundleActive
	}
	pageBytes := riscv.VirtualAddress(riscv.KiloPageSize)
	for v := span.Start; v < span.End; v += pageBytes {
		if err := mm.ModifyPageFlags(v, flags); err != nil {
			return err
		}
	}
	return nil
}
