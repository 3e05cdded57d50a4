// Package sbi models the kernel's consumed view of the RISC-V Supervisor
// Binary Interface: set_timer for preemption, hart_start/hart_stop for
// secondary-hart lifecycle, and the legacy console_putchar extension for
// early logging before klog's structured console is wired up. There is no
// real firmware underneath a Go process, so Client is backed here by a
// software Model answering SBI calls with plain Go struct state instead of
// trapping to real M-mode firmware.
package sbi

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Extension and function IDs, matching the real SBI v1.0 assignments the
// teacher's rv64.sbi.go also reproduces, so a log of (ext, fid) pairs
// reads the same as a trace against real firmware would.
const (
	ExtBase          = 0x10
	ExtTimer         = 0x54494D45 // "TIME"
	ExtHSM           = 0x48534D   // "HSM"
	ExtLegacyPutchar = 0x01
)

const (
	HSMHartStart  = 0
	HSMHartStop   = 1
	HSMHartStatus = 2
)

// Error codes, mirroring the SBI spec's negative return values.
const (
	Success         = 0
	ErrFailed       = -1
	ErrNotSupported = -2
	ErrInvalidParam = -3
	ErrDenied       = -4
	ErrAlreadyAvail = -6
)

// CallError wraps a nonzero SBI return code with the extension/function
// pair that produced it, so callers (and klog) can report which call
// failed without re-deriving ext/fid from context.
type CallError struct {
	Ext, Fid int64
	Code     int64
}

func (e *CallError) Error() string {
	return fmt.Sprintf("sbi: call ext=%#x fid=%d failed: code %d", e.Ext, e.Fid, e.Code)
}

// HartEntry is the function a secondary hart begins executing at once
// hart_start brings it up, standing in for entry_phys/a1 in the real call.
type HartEntry func(hartID uint64, a1 uint64)

// Client is the kernel's consumed SBI surface. Every method is
// scoped to the hart issuing the call, since a Go object has no implicit
// "calling hart" the way a real ecall does.
type Client interface {
	SetTimer(hart uint64, nextTicks uint64) error
	HartStart(hart uint64, entry HartEntry, a1 uint64) error
	HartStop(hart uint64) error
	ConsolePutchar(b byte) error
}

// Model is a software SBI implementation for the in-process simulation.
// set_timer records a deadline callers can poll with TimerDue;
// hart_start spawns entry in a new goroutine, standing in for bringing up
// a physical hart, and is rejected for a hart that is already running;
// hart_stop marks the hart halted, after which hart_start may start it
// again, matching HSMHartStatus semantics.
type Model struct {
	mu      sync.Mutex
	timers  map[uint64]uint64
	started map[uint64]bool
	halted  map[uint64]bool
	console func(byte) error
}

// NewModel returns a Model whose legacy console_putchar writes through
// console. A nil console makes ConsolePutchar a no-op, matching how the
// teacher's machine silently drops UART writes when no Output is wired.
func NewModel(console func(byte) error) *Model {
	return &Model{
		timers:  make(map[uint64]uint64),
		started: make(map[uint64]bool),
		halted:  make(map[uint64]bool),
		console: console,
	}
}

func (m *Model) SetTimer(hart, nextTicks uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timers[hart] = nextTicks
	return nil
}

// TimerDue reports whether hart's most recently set timer deadline has
// been reached by now (in the simulation's own tick units), consuming the
// deadline if so — the caller's stand-in for "the supervisor timer
// interrupt fired".
func (m *Model) TimerDue(hart, now uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	deadline, ok := m.timers[hart]
	if !ok || now < deadline {
		return false
	}
	delete(m.timers, hart)
	return true
}

var errHartAlreadyStarted = errors.New("sbi: hart already started")

func (m *Model) HartStart(hart uint64, entry HartEntry, a1 uint64) error {
	m.mu.Lock()
	if m.started[hart] && !m.halted[hart] {
		m.mu.Unlock()
		return &CallError{Ext: ExtHSM, Fid: HSMHartStart, Code: ErrAlreadyAvail}
	}
	m.started[hart] = true
	m.halted[hart] = false
	m.mu.Unlock()

	if entry != nil {
		go entry(hart, a1)
	}
	return nil
}

func (m *Model) HartStop(hart uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started[hart] || m.halted[hart] {
		return &CallError{Ext: ExtHSM, Fid: HSMHartStop, Code: ErrFailed}
	}
	m.halted[hart] = true
	return nil
}

// Started reports whether hart is currently running (started and not
// halted), the software equivalent of HSMHartStatus.
func (m *Model) Started(hart uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started[hart] && !m.halted[hart]
}

func (m *Model) ConsolePutchar(b byte) error {
	if m.console == nil {
		return nil
	}
	if err := m.console(b); err != nil {
		// unix.Errno gives a host-recognizable error string for the
		// legacy putchar path's failure mode, the one place this
		// simulation's SBI client touches a real OS syscall surface.
		return fmt.Errorf("sbi: console_putchar: %w: %w", err, unix.Errno(unix.EIO))
	}
	return nil
}
