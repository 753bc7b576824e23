// Package proc is the kernel's process and thread representation: a
// fixed-size thread table of saved register files plus the per-process
// connection map. The execution targets (bare-metal and hosted) share
// this record; only the way a resumed thread observes its registers
// differs, which the hosted target expresses through a result sink.
package proc

import (
	"fmt"

	"github.com/betrusted-io/xous-hosted/internal/xous"
)

// MaxThreads is the size of the per-process thread table. Slot 0 is the
// reserved trap/IRQ context, leaving 31 usable thread IDs.
const MaxThreads = 32

// IrqTID is the reserved interrupt context slot.
const IrqTID xous.TID = 1

// InitialTID is the thread every new process starts on; Init enforces
// this by convention so slot 1 stays free for interrupt handling.
const InitialTID xous.TID = 2

// numRegisters matches the bare-metal register file (x1..x31).
const numRegisters = 31

// resultOffset is where a syscall result lands in the register file:
// registers 9..17 are the argument/return window, so a resuming thread
// observes the result exactly as if the instruction after the trap had
// produced it.
const resultOffset = 9

// Thread is one saved execution context. A thread whose PC is zero is a
// free slot.
type Thread struct {
	Registers [numRegisters]uintptr
	PC        uintptr
	SP        uintptr
}

// Free reports whether the slot is unallocated.
func (t *Thread) Free() bool { return t.PC == 0 }

// MaxConnections bounds the per-process connection map.
const MaxConnections = 32

// firstCID is the lowest connection number handed out; 0 is invalid and
// 1 is reserved for the process's loopback connection.
const firstCID xous.CID = 2

// Process is one address space plus its thread table and connection
// state. The record is mutated only while its owner is the activated
// process, so it carries no lock.
type Process struct {
	PID      xous.PID
	PPID     xous.PID
	Name     string
	Runnable bool

	threads    [MaxThreads]Thread
	blocked    uint32 // bitmask of parked TIDs
	currentTID xous.TID

	// connections maps CID-firstCID to a server ID. A zero SID is a
	// free slot.
	connections [MaxConnections]xous.SID

	// resultSink, when set, mirrors thread results out to a hosted
	// client over its syscall stream. Bare-metal targets resume the
	// thread from its register file instead.
	resultSink func(tid xous.TID, result xous.Result)
}

// New creates a process record in the Setup state. The first thread is
// established separately via Init.
func New(pid, ppid xous.PID, name string) *Process {
	return &Process{PID: pid, PPID: ppid, Name: name}
}

// Init performs the one-time setup of a brand-new process's first
// thread. The initial thread must be InitialTID; anything else is a bug
// in the creation path. All other slots are zeroed.
func (p *Process) Init(entrypoint, sp uintptr, tid xous.TID) {
	if tid != InitialTID {
		panic(fmt.Sprintf("proc: %s init on thread %d, want %d", p.PID, tid, InitialTID))
	}
	if entrypoint == 0 {
		panic(fmt.Sprintf("proc: %s init with zero entrypoint", p.PID))
	}
	for i := range p.threads {
		p.threads[i] = Thread{}
	}
	p.threads[tid] = Thread{PC: entrypoint, SP: sp}
	p.currentTID = tid
	p.Runnable = true
}

// Thread returns the bounds-checked thread slot. An out-of-range,
// reserved, or unallocated TID is a programmer error and panics: the
// callers are the kernel and privileged servers, and continuing with a
// bogus context would corrupt shared state.
func (p *Process) Thread(tid xous.TID) *Thread {
	if tid <= 0 || tid >= MaxThreads {
		panic(fmt.Sprintf("proc: %s thread %d out of range", p.PID, tid))
	}
	t := &p.threads[tid]
	if t.Free() {
		panic(fmt.Sprintf("proc: %s thread %d not allocated", p.PID, tid))
	}
	return t
}

// ThreadAllocated reports whether tid names a live slot. Paths fed by
// caller-controlled TID words check this instead of Thread, which
// panics.
func (p *Process) ThreadAllocated(tid xous.TID) bool {
	return tid > 0 && tid < MaxThreads && !p.threads[tid].Free()
}

// CurrentTID returns the thread the process will resume on.
func (p *Process) CurrentTID() xous.TID { return p.currentTID }

// SetCurrentTID records which thread is active.
func (p *Process) SetCurrentTID(tid xous.TID) {
	_ = p.Thread(tid)
	p.currentTID = tid
}

// CurrentThread returns the active thread's context.
func (p *Process) CurrentThread() *Thread { return p.Thread(p.currentTID) }

// FindFreeThread scans for an unallocated slot, skipping the reserved
// index 0. It returns false when all 31 slots are in use; that is a
// capacity exhaustion the caller surfaces as ThreadNotAvailable, not a
// panic.
func (p *Process) FindFreeThread() (xous.TID, bool) {
	for tid := 1; tid < MaxThreads; tid++ {
		if p.threads[tid].Free() {
			return xous.TID(tid), true
		}
	}
	return 0, false
}

// AllocThread claims a free slot for a new thread. Claiming a slot that
// is already live is a bug and panics.
func (p *Process) AllocThread(tid xous.TID, entrypoint, sp uintptr) {
	if tid <= 0 || tid >= MaxThreads {
		panic(fmt.Sprintf("proc: %s alloc thread %d out of range", p.PID, tid))
	}
	if !p.threads[tid].Free() {
		panic(fmt.Sprintf("proc: %s thread slot %d already allocated", p.PID, tid))
	}
	if entrypoint == 0 {
		panic(fmt.Sprintf("proc: %s alloc thread %d with zero entrypoint", p.PID, tid))
	}
	p.threads[tid] = Thread{PC: entrypoint, SP: sp}
}

// ReleaseThread frees a slot on thread exit and reports how many live
// threads remain.
func (p *Process) ReleaseThread(tid xous.TID) int {
	_ = p.Thread(tid)
	p.threads[tid] = Thread{}
	p.blocked &^= 1 << uint(tid)
	return p.LiveThreads()
}

// LiveThreads counts allocated thread slots.
func (p *Process) LiveThreads() int {
	n := 0
	for tid := 1; tid < MaxThreads; tid++ {
		if !p.threads[tid].Free() {
			n++
		}
	}
	return n
}

// BlockThread parks a live thread at a suspension point. When the last
// live thread parks, the process drops out of the scheduler's view.
func (p *Process) BlockThread(tid xous.TID) {
	_ = p.Thread(tid)
	p.blocked |= 1 << uint(tid)
	if p.RunnableThreads() == 0 {
		p.Runnable = false
	}
}

// UnblockThread marks a parked thread runnable again.
func (p *Process) UnblockThread(tid xous.TID) {
	_ = p.Thread(tid)
	p.blocked &^= 1 << uint(tid)
	p.Runnable = true
}

// Blocked reports whether a thread is parked.
func (p *Process) Blocked(tid xous.TID) bool {
	return p.blocked&(1<<uint(tid)) != 0
}

// RunnableThreads counts live threads that are not parked.
func (p *Process) RunnableThreads() int {
	n := 0
	for tid := 1; tid < MaxThreads; tid++ {
		if !p.threads[tid].Free() && p.blocked&(1<<uint(tid)) == 0 {
			n++
		}
	}
	return n
}

// SetThreadResult marshals a syscall result into the target thread's
// register file at the return window, and forwards it to the hosted
// result sink when one is attached.
func (p *Process) SetThreadResult(tid xous.TID, result xous.Result) {
	t := p.Thread(tid)
	frame := result.Frame()
	copy(t.Registers[resultOffset:resultOffset+len(frame)], frame[:])
	if p.resultSink != nil {
		p.resultSink(tid, result)
	}
}

// ThreadResult reads back the result window of a thread's register
// file, the hosted equivalent of the thread resuming and observing its
// return registers.
func (p *Process) ThreadResult(tid xous.TID) xous.Result {
	t := p.Thread(tid)
	var frame [8]uintptr
	copy(frame[:], t.Registers[resultOffset:resultOffset+len(frame)])
	return xous.ResultFromFrame(frame)
}

// SetResultSink attaches the hosted-mode result stream.
func (p *Process) SetResultSink(sink func(tid xous.TID, result xous.Result)) {
	p.resultSink = sink
}

// Connect allocates a connection slot for the given server. Connecting
// twice to the same SID returns the existing CID, keeping the bounded
// table from filling with duplicates.
func (p *Process) Connect(sid xous.SID) (xous.CID, error) {
	free := -1
	for i, s := range p.connections {
		if s == sid {
			return firstCID + xous.CID(i), nil
		}
		if s.IsZero() && free < 0 {
			free = i
		}
	}
	if free < 0 {
		return xous.NoCID, xous.OutOfMemory
	}
	p.connections[free] = sid
	return firstCID + xous.CID(free), nil
}

// Disconnect invalidates a connection slot. The caller is responsible
// for having drained in-flight messages first; the kernel does not
// cancel an active rendezvous.
func (p *Process) Disconnect(cid xous.CID) error {
	idx, ok := p.connIndex(cid)
	if !ok || p.connections[idx].IsZero() {
		return xous.ServerNotFound
	}
	p.connections[idx] = xous.SID{}
	return nil
}

// Lookup resolves a CID to the server it names.
func (p *Process) Lookup(cid xous.CID) (xous.SID, error) {
	idx, ok := p.connIndex(cid)
	if !ok || p.connections[idx].IsZero() {
		return xous.SID{}, xous.ServerNotFound
	}
	return p.connections[idx], nil
}

// Connections counts live connection table entries.
func (p *Process) Connections() int {
	n := 0
	for _, s := range p.connections {
		if !s.IsZero() {
			n++
		}
	}
	return n
}

func (p *Process) connIndex(cid xous.CID) (int, bool) {
	if cid < firstCID || cid >= firstCID+MaxConnections {
		return 0, false
	}
	return int(cid - firstCID), true
}
