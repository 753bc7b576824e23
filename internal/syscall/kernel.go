// Package syscall is the kernel's dispatch layer: it decodes syscalls
// arriving as 8-word register frames, coordinates the memory manager,
// process table and scheduler, and implements the rendezvous message
// substrate every inter-process interaction flows through.
package syscall

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/betrusted-io/xous-hosted/internal/ipc"
	"github.com/betrusted-io/xous-hosted/internal/mem"
	"github.com/betrusted-io/xous-hosted/internal/proc"
	"github.com/betrusted-io/xous-hosted/internal/sched"
	"github.com/betrusted-io/xous-hosted/internal/services"
	"github.com/betrusted-io/xous-hosted/internal/xous"
)

type waitKey struct {
	pid xous.PID
	tid xous.TID
}

// Kernel ties the subsystems together behind a single dispatch lock.
// On the reference hardware the kernel is not preemptible during
// syscall handling; the hosted build gets the same property from mu.
// Parked threads wait on per-thread channels outside the lock, which is
// the hosted stand-in for "not runnable until set_thread_result".
type Kernel struct {
	mu      sync.Mutex
	mem     *mem.Manager
	sys     *services.SystemServices
	sched   *sched.RoundRobin
	log     *zap.Logger
	sink    Sink
	waiters map[waitKey]chan xous.Result
}

// Option configures optional kernel collaborators.
type Option func(*Kernel)

// WithSink attaches a trace event sink.
func WithSink(s Sink) Option {
	return func(k *Kernel) {
		if s != nil {
			k.sink = s
		}
	}
}

// NewKernel builds a kernel over fresh tables.
func NewKernel(pages int, log *zap.Logger, opts ...Option) *Kernel {
	if log == nil {
		log = zap.NewNop()
	}
	m := mem.NewManager(pages)
	sys := services.New(m, log)
	k := &Kernel{
		mem:     m,
		sys:     sys,
		sched:   sched.New(sys, log),
		log:     log,
		sink:    nopSink{},
		waiters: make(map[waitKey]chan xous.Result),
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// Memory exposes the memory manager for in-process clients that need to
// fill message buffers before sending.
func (k *Kernel) Memory() *mem.Manager { return k.mem }

// Services exposes the registry for diagnostics.
func (k *Kernel) Services() *services.SystemServices { return k.sys }

// Scheduler exposes scheduler state for diagnostics.
func (k *Kernel) Scheduler() *sched.RoundRobin { return k.sched }

// invoke runs a dispatch function under the kernel lock, then blocks
// the calling goroutine when the dispatcher parked its thread. Blocking
// happens strictly outside the lock so receivers and repliers can make
// progress.
func (k *Kernel) invoke(pid xous.PID, tid xous.TID, f func() xous.Result) xous.Result {
	k.mu.Lock()
	res := f()
	var ch chan xous.Result
	if res.Tag == xous.TagBlocked {
		ch = k.waiters[waitKey{pid, tid}]
	}
	k.mu.Unlock()
	if ch != nil {
		res = <-ch
	}
	return res
}

// park marks the thread not runnable and registers its wake channel.
// Caller holds the lock.
func (k *Kernel) park(p *proc.Process, tid xous.TID) {
	key := waitKey{p.PID, tid}
	if _, dup := k.waiters[key]; dup {
		panic(fmt.Sprintf("syscall: %s thread %d parked twice", p.PID, tid))
	}
	p.BlockThread(tid)
	k.waiters[key] = make(chan xous.Result, 1)
}

// validateThreadLocked checks a caller-supplied TID before an operation
// that suspends or retires it: the slot must be live, with no call
// already outstanding on it. Hosted frames carry whatever TID word the
// remote client chose, so a violation here is a caller error, not a
// kernel bug. Caller holds the lock.
func (k *Kernel) validateThreadLocked(p *proc.Process, tid xous.TID) *xous.Result {
	if !p.ThreadAllocated(tid) {
		r := xous.Err(xous.InvalidThread)
		return &r
	}
	if _, busy := k.waiters[waitKey{p.PID, tid}]; busy {
		r := xous.Err(xous.ShareViolation)
		return &r
	}
	return nil
}

// complete writes a parked thread's result into its register file,
// marks it runnable, and wakes its goroutine. Caller holds the lock.
func (k *Kernel) complete(p *proc.Process, tid xous.TID, res xous.Result) {
	p.SetThreadResult(tid, res)
	p.UnblockThread(tid)
	key := waitKey{p.PID, tid}
	if ch, ok := k.waiters[key]; ok {
		delete(k.waiters, key)
		ch <- res
	}
}

// dropWaiter releases a parked thread's goroutine during teardown. The
// thread observes ProcessTerminated instead of waiting forever on a
// result that will never be written.
func (k *Kernel) dropWaiter(pid xous.PID, tid xous.TID) {
	key := waitKey{pid, tid}
	if ch, ok := k.waiters[key]; ok {
		delete(k.waiters, key)
		ch <- xous.Err(xous.ProcessTerminated)
	}
}

// CreateProcess spawns a child of pid with the given entrypoint and
// initial stack, returning the new PID.
func (k *Kernel) CreateProcess(pid xous.PID, name string, entry, sp uintptr) (xous.PID, error) {
	res := k.invoke(pid, 0, func() xous.Result {
		child, err := k.sys.CreateProcess(pid, name, entry, sp)
		if err != nil {
			return errResult(err)
		}
		k.sink.Emit(Event{Kind: EvProcessCreated, PID: pid, Target: child})
		return xous.ProcessResult(child)
	})
	if res.IsError() {
		return xous.NoPID, res.Err()
	}
	return xous.PID(res.Words[0]), nil
}

// CreateThread allocates a thread slot in the calling process.
func (k *Kernel) CreateThread(pid xous.PID, entry, sp uintptr) (xous.TID, error) {
	res := k.invoke(pid, 0, func() xous.Result {
		p, err := k.sys.Get(pid)
		if err != nil {
			return errResult(err)
		}
		tid, ok := p.FindFreeThread()
		if !ok {
			return xous.Err(xous.ThreadNotAvailable)
		}
		p.AllocThread(tid, entry, sp)
		return xous.ThreadResult(tid)
	})
	if res.IsError() {
		return 0, res.Err()
	}
	return xous.TID(res.Words[0]), nil
}

// ReturnToParent retires a thread. When the last thread exits the
// process is destroyed, provided no lends are outstanding.
func (k *Kernel) ReturnToParent(pid xous.PID, tid xous.TID) error {
	res := k.invoke(pid, tid, func() xous.Result {
		p, err := k.sys.Get(pid)
		if err != nil {
			return errResult(err)
		}
		if res := k.validateThreadLocked(p, tid); res != nil {
			return *res
		}
		if p.ReleaseThread(tid) == 0 {
			k.destroyProcessLocked(p)
		}
		return xous.Ok()
	})
	if res.IsError() {
		return res.Err()
	}
	return nil
}

// TerminateProcess destroys the target, which must be the caller itself
// or one of its children.
func (k *Kernel) TerminateProcess(pid, target xous.PID) error {
	res := k.invoke(pid, 0, func() xous.Result {
		p, err := k.sys.Get(target)
		if err != nil {
			return errResult(err)
		}
		if target != pid && p.PPID != pid {
			return xous.Err(xous.ProcessNotChild)
		}
		k.destroyProcessLocked(p)
		return xous.Ok()
	})
	if res.IsError() {
		return res.Err()
	}
	return nil
}

// ReportFault handles a hardware-architecture fault (illegal
// instruction, misaligned access) reported against a process. The
// faulting process is terminated and its callers released; the kernel
// itself survives.
func (k *Kernel) ReportFault(pid xous.PID, tid xous.TID, pc uintptr, cause string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	p, err := k.sys.Get(pid)
	if err != nil {
		return
	}
	k.log.Error("hardware fault",
		zap.Stringer("pid", pid),
		zap.Int("tid", int(tid)),
		zap.Uintptr("pc", pc),
		zap.String("cause", cause),
	)
	k.sink.Emit(Event{Kind: EvFault, PID: pid, TID: tid, Error: cause})
	k.destroyProcessLocked(p)
}

// destroyProcessLocked tears a process down: every server it owns is
// removed with its parked callers released via a synthesized
// ServerNotFound, any borrows it holds or has granted are unwound, and
// its pages return to the free list. Caller holds the lock.
func (k *Kernel) destroyProcessLocked(p *proc.Process) {
	pid := p.PID
	if pid == 1 {
		panic("syscall: attempt to destroy init")
	}

	// Servers this process owns: unwind every borrow mapped into the
	// dying address space and synthesize ServerNotFound to each parked
	// caller. In-flight slots are claimed at send time, so this also
	// covers queued-but-undelivered blocking messages.
	for _, srv := range k.sys.ServersOwnedBy(pid) {
		for _, rec := range srv.DrainInFlight() {
			if rec.Kind == xous.KindBorrow || rec.Kind == xous.KindMutableBorrow {
				_ = k.mem.ReturnLend(pid, rec.ServerRange)
			}
			k.failSenderLocked(rec, xous.ServerNotFound)
		}
		for {
			if _, ok := srv.Next(); !ok {
				break
			}
		}
		k.sys.RemoveServer(srv.SID)
	}

	// Messages this process sent and is still parked on: scrub the
	// in-flight slots so a later reply cannot target a dead thread, and
	// release any pages it lent while blocked.
	for idx := 0; idx < services.MaxServers; idx++ {
		srv, err := k.sys.ServerByIndex(idx)
		if err != nil {
			continue
		}
		for slot := 0; slot < ipc.MaxInFlight; slot++ {
			rec, err := srv.PeekInFlight(slot)
			if err != nil || rec.SenderPID != pid {
				continue
			}
			taken, _ := srv.TakeInFlight(slot)
			if taken.Kind == xous.KindBorrow || taken.Kind == xous.KindMutableBorrow {
				_ = k.mem.ReturnLend(srv.Owner, taken.ServerRange)
			}
			k.dropWaiter(pid, taken.SenderTID)
		}
	}

	for tid := 1; tid < proc.MaxThreads; tid++ {
		k.dropWaiter(pid, xous.TID(tid))
	}

	k.mem.DestroySpace(pid)
	k.sys.RemoveProcess(pid)
	k.sink.Emit(Event{Kind: EvProcessExited, PID: pid})
	k.log.Info("process destroyed", zap.Stringer("pid", pid), zap.String("name", p.Name))
}

// Stats snapshots the process and server tables under the dispatch
// lock, for the diagnostic surface.
func (k *Kernel) Stats() services.Snapshot {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.sys.Stats()
}

// MemStats reports free page counts under the dispatch lock.
func (k *Kernel) MemStats() (free, total int) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.mem.FreePages(), k.mem.TotalPages()
}

// ReadBytes copies out of a process mapping under the dispatch lock.
func (k *Kernel) ReadBytes(pid xous.PID, addr, size uintptr) ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.mem.ReadBytes(pid, addr, size)
}

// WriteBytes copies into a process mapping under the dispatch lock.
func (k *Kernel) WriteBytes(pid xous.PID, addr uintptr, data []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.mem.WriteBytes(pid, addr, data)
}

// errResult converts an internal error into a result frame. Anything
// that is not a kernel error code collapses to InternalError.
func errResult(err error) xous.Result {
	if e, ok := err.(xous.Error); ok {
		return xous.Err(e)
	}
	return xous.Err(xous.InternalError)
}

// failSenderLocked wakes a parked sender with an error result. The
// sender may itself be gone already, in which case there is nothing to
// wake.
func (k *Kernel) failSenderLocked(rec ipc.InFlight, e xous.Error) {
	sp, err := k.sys.Get(rec.SenderPID)
	if err != nil {
		return
	}
	k.complete(sp, rec.SenderTID, xous.Err(e))
}
