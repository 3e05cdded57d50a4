package endpoint

import (
	"errors"
	"fmt"

	"github.com/vanadinite-os/vanadinite/internal/addrspace"
	"github.com/vanadinite-os/vanadinite/internal/capability"
	"github.com/vanadinite-os/vanadinite/internal/memmgr"
	"github.com/vanadinite-os/vanadinite/internal/physmem"
	"github.com/vanadinite-os/vanadinite/internal/riscv"
)

// ErrInvalidArgument is returned when a transfer request is rejected
// outright rather than merely lacking a right (e.g. Write without Read on
// a SharedMemory capability).
var ErrInvalidArgument = errors.New("endpoint: invalid capability transfer argument")

// ErrNotGrantable is returned when a referenced capability lacks the
// Grant right and so cannot be transferred at all.
var ErrNotGrantable = errors.New("endpoint: capability lacks Grant right")

// TransferRequest names one capability the sender wants to attach to an
// outgoing message, plus the rights the sender is willing to grant (the
// final rights are the intersection of this and the source capability's
// own rights).
type TransferRequest struct {
	Source        capability.Ptr
	RequestRights capability.Rights
}

// transferPlan is the validated, not-yet-applied outcome of checking one
// TransferRequest: everything needed to perform the mutation in the
// second pass without any further fallible lookup.
type transferPlan struct {
	req        TransferRequest
	source     capability.Capability
	finalRights capability.Rights
}

// ValidateTransfer is the first pass of an atomic-or-nothing
// multi-capability send: every requested capability is looked up and
// checked (existence, Grant right, Write-without-Read-on-SharedMemory)
// before anything is mutated. It never modifies senderSpace.
func ValidateTransfer(senderSpace *capability.Space, reqs []TransferRequest) ([]transferPlan, error) {
	plans := make([]transferPlan, 0, len(reqs))
	for _, req := range reqs {
		cap, ok := senderSpace.Resolve(req.Source)
		if !ok {
			return nil, fmt.Errorf("endpoint: transfer: %w: ptr %d", capability.ErrNotFound, req.Source)
		}
		if !cap.Rights.Has(capability.Grant) {
			return nil, fmt.Errorf("%w: ptr %d", ErrNotGrantable, req.Source)
		}
		final := capability.Intersect(req.RequestRights, cap.Rights)
		if cap.Resource.Kind == capability.SharedMemoryResource && final.Has(capability.Write) && !final.Has(capability.Read) {
			return nil, fmt.Errorf("%w: write without read on shared memory", ErrInvalidArgument)
		}
		plans = append(plans, transferPlan{req: req, source: cap, finalRights: final})
	}
	return plans, nil
}

// FinalizeSend removes every Move-right capability, and every Mmio
// capability whatever its rights, that a validated plan referenced from
// senderSpace. This happens at Send time, before the receiving task is even
// known, so it is split out from the receiver-side homing below.
func FinalizeSend(senderSpace *capability.Space, plans []transferPlan) {
	for _, p := range plans {
		if p.source.Rights.Has(capability.Move) || p.source.Resource.Kind == capability.MmioResource {
			senderSpace.Remove(p.req.Source)
		}
	}
}

// HomeInReceiver performs the second pass, run once the receiving task has
// actually dequeued the message: Channel capabilities are cloned into the
// receiver's space; SharedMemory capabilities are mapped into receiverMM at
// a newly chosen virtual range; Mmio capabilities are moved exclusively,
// never cloned, with interrupts left for the caller (trap dispatch, which
// owns the PLIC interface) to re-register against the receiver.
//
// Because ValidateTransfer already confirmed every plan is well-formed, the
// only failures left here are memory-manager placement failures (e.g. the
// receiver's address space is full).
func HomeInReceiver(receiverSpace *capability.Space, receiverMM *memmgr.MemoryManager, plans []transferPlan) ([]capability.Ptr, error) {
	out := make([]capability.Ptr, 0, len(plans))
	for _, p := range plans {
		newCap, err := applyOne(receiverMM, p)
		if err != nil {
			return nil, fmt.Errorf("endpoint: transfer: %w", err)
		}
		out = append(out, receiverSpace.Mint(newCap))
	}
	return out, nil
}

func applyOne(receiverMM *memmgr.MemoryManager, p transferPlan) (capability.Capability, error) {
	switch p.source.Resource.Kind {
	case capability.ChannelResource:
		ep, _ := p.source.Resource.EndpointHandle.(*Endpoint)
		var cloned *Endpoint
		if ep != nil {
			cloned = ep.Clone()
		}
		return capability.Capability{
			Resource: capability.Resource{Kind: capability.ChannelResource, EndpointHandle: cloned},
			Rights:   p.finalRights,
		}, nil

	case capability.SharedMemoryResource:
		region, ok := p.source.Resource.Region.(*physmem.Region)
		if !ok {
			return capability.Capability{}, fmt.Errorf("endpoint: transfer: shared-memory capability has no backing region")
		}
		span, err := receiverMM.ApplySharedRegion(nil, rightsToFlags(p.finalRights), region, addrspace.UserSharedMemory)
		if err != nil {
			return capability.Capability{}, err
		}
		return capability.Capability{
			Resource: capability.Resource{
				Kind:         capability.SharedMemoryResource,
				Region:       region,
				VirtualStart: uint64(span.Start),
				VirtualLen:   span.Len(),
			},
			Rights: p.finalRights,
		}, nil

	case capability.MmioResource:
		region, ok := p.source.Resource.Region.(*physmem.Region)
		if !ok {
			return capability.Capability{}, fmt.Errorf("endpoint: transfer: mmio capability has no backing region")
		}
		span, err := receiverMM.ApplySharedRegion(nil, rightsToFlags(p.finalRights), region, addrspace.Mmio)
		if err != nil {
			return capability.Capability{}, err
		}
		return capability.Capability{
			Resource: capability.Resource{
				Kind:         capability.MmioResource,
				Region:       region,
				VirtualStart: uint64(span.Start),
				VirtualLen:   span.Len(),
				Interrupts:   p.source.Resource.Interrupts,
			},
			Rights: p.finalRights,
		}, nil

	case capability.ReplyResource, capability.BundleResource:
		// Reply capabilities are single-use and not re-grantable by
		// design; Bundle transfer is handled by the caller invoking
		// ToggleBundleMemory around the send, not by cloning the
		// capability itself.
		return p.source, nil

	default:
		return capability.Capability{}, fmt.Errorf("endpoint: transfer: unknown resource kind %d", p.source.Resource.Kind)
	}
}

func rightsToFlags(r capability.Rights) riscv.Flags {
	f := riscv.Valid | riscv.User
	if r.Has(capability.Read) {
		f |= riscv.Read
	}
	if r.Has(capability.Write) {
		f |= riscv.Write
	}
	if r.Has(capability.Execute) {
		f |= riscv.Execute
	}
	return f
}
