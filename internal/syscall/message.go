package syscall

import (
	"github.com/betrusted-io/xous-hosted/internal/ipc"
	"github.com/betrusted-io/xous-hosted/internal/mem"
	"github.com/betrusted-io/xous-hosted/internal/proc"
	"github.com/betrusted-io/xous-hosted/internal/xous"
)

// MapMemory maps pages into the caller's address space. A zero phys
// allocates fresh owned pages; flags follow xous.MemoryFlags.
func (k *Kernel) MapMemory(pid xous.PID, phys, virt, size uintptr, flags xous.MemoryFlags) (xous.MemoryRange, error) {
	res := k.invoke(pid, 0, func() xous.Result {
		r, err := k.mem.MapMemory(phys, virt, size, pid, flags)
		if err != nil {
			return errResult(err)
		}
		return xous.RangeResult(r)
	})
	if res.IsError() {
		return xous.MemoryRange{}, res.Err()
	}
	return xous.MemoryRange{Addr: res.Words[0], Size: res.Words[1]}, nil
}

// UnmapMemory releases a mapping the caller owns.
func (k *Kernel) UnmapMemory(pid xous.PID, r xous.MemoryRange) error {
	res := k.invoke(pid, 0, func() xous.Result {
		if err := k.mem.UnmapMemory(pid, r); err != nil {
			return errResult(err)
		}
		return xous.Ok()
	})
	if res.IsError() {
		return res.Err()
	}
	return nil
}

// CreateServer mints a random SID and registers an endpoint for the
// caller. The SID is returned only to the creating process.
func (k *Kernel) CreateServer(pid xous.PID) (xous.SID, error) {
	return k.CreateServerWithAddress(pid, xous.NewSID())
}

// CreateServerWithAddress registers an endpoint under a caller-chosen
// SID, used by servers that derive their address from a shared secret.
func (k *Kernel) CreateServerWithAddress(pid xous.PID, sid xous.SID) (xous.SID, error) {
	res := k.invoke(pid, 0, func() xous.Result {
		_, _, err := k.sys.CreateServer(pid, sid)
		if err != nil {
			return errResult(err)
		}
		k.sink.Emit(Event{Kind: EvServerCreated, PID: pid})
		return xous.ServerResult(sid)
	})
	if res.IsError() {
		return xous.SID{}, res.Err()
	}
	return sid, nil
}

// DestroyServer removes an endpoint the caller owns. It fails loudly
// with MemoryInUse while lends are outstanding.
func (k *Kernel) DestroyServer(pid xous.PID, sid xous.SID) error {
	res := k.invoke(pid, 0, func() xous.Result {
		if err := k.sys.DestroyServer(pid, sid); err != nil {
			return errResult(err)
		}
		return xous.Ok()
	})
	if res.IsError() {
		return res.Err()
	}
	return nil
}

// Connect allocates a connection capability to the server named by sid.
func (k *Kernel) Connect(pid xous.PID, sid xous.SID) (xous.CID, error) {
	res := k.invoke(pid, 0, func() xous.Result {
		if _, _, err := k.sys.ServerBySID(sid); err != nil {
			return errResult(err)
		}
		p, err := k.sys.Get(pid)
		if err != nil {
			return errResult(err)
		}
		cid, err := p.Connect(sid)
		if err != nil {
			return errResult(err)
		}
		return xous.ConnResult(cid)
	})
	if res.IsError() {
		return xous.NoCID, res.Err()
	}
	return xous.CID(res.Words[0]), nil
}

// Disconnect invalidates a connection slot. In-flight messages against
// it must already be drained; the kernel does not cancel an active
// rendezvous.
func (k *Kernel) Disconnect(pid xous.PID, cid xous.CID) error {
	res := k.invoke(pid, 0, func() xous.Result {
		p, err := k.sys.Get(pid)
		if err != nil {
			return errResult(err)
		}
		if err := p.Disconnect(cid); err != nil {
			return errResult(err)
		}
		return xous.Ok()
	})
	if res.IsError() {
		return res.Err()
	}
	return nil
}

// SendMessage delivers a message through a connection. Blocking kinds
// park the calling thread until the receiver replies; the returned
// result is what the resumed thread observes in its register file.
func (k *Kernel) SendMessage(pid xous.PID, tid xous.TID, cid xous.CID, msg xous.Message) xous.Result {
	return k.invoke(pid, tid, func() xous.Result {
		return k.sendLocked(pid, tid, cid, msg, true)
	})
}

// TrySendMessage is the non-blocking send: the message is enqueued if
// the receiver's queue has capacity and rejected with ServerQueueFull
// otherwise, never suspending the caller. Blocking kinds other than
// Move are refused.
func (k *Kernel) TrySendMessage(pid xous.PID, tid xous.TID, cid xous.CID, msg xous.Message) xous.Result {
	return k.invoke(pid, tid, func() xous.Result {
		if msg.Kind.IsBlocking() {
			return xous.Err(xous.UnhandledSyscall)
		}
		return k.sendLocked(pid, tid, cid, msg, false)
	})
}

// sendLocked implements the shared send path. Caller holds the lock.
func (k *Kernel) sendLocked(pid xous.PID, tid xous.TID, cid xous.CID, msg xous.Message, mayBlock bool) xous.Result {
	p, err := k.sys.Get(pid)
	if err != nil {
		return errResult(err)
	}
	sid, err := p.Lookup(cid)
	if err != nil {
		return errResult(err)
	}
	srv, srvIdx, err := k.sys.ServerBySID(sid)
	if err != nil {
		return errResult(err)
	}
	if srv.Depth() >= ipc.QueueDepth {
		return xous.Err(xous.ServerQueueFull)
	}
	if msg.Kind.IsBlocking() && mayBlock {
		if res := k.validateThreadLocked(p, tid); res != nil {
			return *res
		}
	}

	env := xous.Envelope{Message: msg}

	if msg.Kind.IsMemory() {
		buf := msg.Memory.Buf
		buf.Size = mem.RoundUp(buf.Size)
		if !buf.IsAligned() || !buf.IsValid() {
			return xous.Err(xous.BadAlignment)
		}
		switch msg.Kind {
		case xous.KindMove:
			dst, err := k.mem.Move(pid, srv.Owner, buf)
			if err != nil {
				return errResult(err)
			}
			env.Message.Memory.Buf = dst
		case xous.KindBorrow, xous.KindMutableBorrow:
			dst, err := k.mem.Lend(pid, srv.Owner, buf, msg.Kind == xous.KindMutableBorrow)
			if err != nil {
				return errResult(err)
			}
			env.Message.Memory.Buf = dst
			slot, err := srv.AllocInFlight(ipc.InFlight{
				SenderPID:   pid,
				SenderTID:   tid,
				Kind:        msg.Kind,
				ClientRange: buf,
				ServerRange: dst,
			})
			if err != nil {
				_ = k.mem.ReturnLend(srv.Owner, dst)
				return errResult(err)
			}
			env.Sender = ipc.MakeSender(srvIdx, slot)
		}
	} else if msg.Kind == xous.KindBlockingScalar {
		slot, err := srv.AllocInFlight(ipc.InFlight{
			SenderPID: pid,
			SenderTID: tid,
			Kind:      msg.Kind,
		})
		if err != nil {
			return errResult(err)
		}
		env.Sender = ipc.MakeSender(srvIdx, slot)
	}

	if err := srv.Queue(env); err != nil {
		// Capacity was checked above; a failure here means another
		// message raced in, which the dispatch lock makes impossible.
		panic("syscall: server queue overflow after capacity check")
	}
	k.sink.Emit(Event{Kind: EvSend, PID: pid, TID: tid, Target: srv.Owner, Message: msg.Kind})

	k.wakeReceiverLocked(srv)

	if msg.Kind.IsBlocking() && mayBlock {
		k.park(p, tid)
		return xous.Blocked()
	}
	return xous.Ok()
}

// wakeReceiverLocked hands the oldest queued envelope to a parked
// receiver, if there is one.
func (k *Kernel) wakeReceiverLocked(srv *ipc.Server) {
	rtid, waiting := srv.TakeReceiver()
	if !waiting {
		return
	}
	env, ok := srv.Next()
	if !ok {
		panic("syscall: receiver woken on empty queue")
	}
	rp, err := k.sys.Get(srv.Owner)
	if err != nil {
		return
	}
	k.sink.Emit(Event{Kind: EvDeliver, PID: srv.Owner, TID: rtid, Message: env.Message.Kind})
	k.complete(rp, rtid, xous.MessageResult(env))
}

// ReceiveMessage blocks the owning thread until a message arrives on
// the server's queue. Only the server's owner may receive.
func (k *Kernel) ReceiveMessage(pid xous.PID, tid xous.TID, sid xous.SID) xous.Result {
	return k.invoke(pid, tid, func() xous.Result {
		srv, p, res := k.receiverLocked(pid, sid)
		if res != nil {
			return *res
		}
		if res := k.validateThreadLocked(p, tid); res != nil {
			return *res
		}
		if srv.ReceiverParked() {
			return xous.Err(xous.ShareViolation)
		}
		env, ok := srv.Next()
		if !ok {
			srv.ParkReceiver(tid)
			k.park(p, tid)
			return xous.Blocked()
		}
		k.sink.Emit(Event{Kind: EvDeliver, PID: pid, TID: tid, Message: env.Message.Kind})
		return xous.MessageResult(env)
	})
}

// TryReceiveMessage pops the oldest queued message without blocking; an
// empty queue returns a bare Ok with no envelope.
func (k *Kernel) TryReceiveMessage(pid xous.PID, tid xous.TID, sid xous.SID) xous.Result {
	return k.invoke(pid, tid, func() xous.Result {
		srv, _, res := k.receiverLocked(pid, sid)
		if res != nil {
			return *res
		}
		env, ok := srv.Next()
		if !ok {
			return xous.Ok()
		}
		k.sink.Emit(Event{Kind: EvDeliver, PID: pid, TID: tid, Message: env.Message.Kind})
		return xous.MessageResult(env)
	})
}

func (k *Kernel) receiverLocked(pid xous.PID, sid xous.SID) (*ipc.Server, *proc.Process, *xous.Result) {
	srv, _, err := k.sys.ServerBySID(sid)
	if err != nil {
		r := errResult(err)
		return nil, nil, &r
	}
	if srv.Owner != pid {
		r := xous.Err(xous.AccessDenied)
		return nil, nil, &r
	}
	p, err := k.sys.Get(pid)
	if err != nil {
		r := errResult(err)
		return nil, nil, &r
	}
	return srv, p, nil
}

// ReturnScalar replies to a blocking scalar with one result word,
// resuming the parked sender.
func (k *Kernel) ReturnScalar(pid xous.PID, sender xous.Sender, val uintptr) error {
	return k.returnScalarLocked(pid, sender, xous.Scalar1(val))
}

// ReturnScalar2 replies with two result words.
func (k *Kernel) ReturnScalar2(pid xous.PID, sender xous.Sender, a, b uintptr) error {
	return k.returnScalarLocked(pid, sender, xous.Scalar2(a, b))
}

func (k *Kernel) returnScalarLocked(pid xous.PID, sender xous.Sender, reply xous.Result) error {
	res := k.invoke(pid, 0, func() xous.Result {
		rec, errRes := k.claimReply(pid, sender)
		if errRes != nil {
			return *errRes
		}
		if rec.Kind != xous.KindBlockingScalar {
			return xous.Err(xous.ShareViolation)
		}
		sp, err := k.sys.Get(rec.SenderPID)
		if err == nil {
			k.sink.Emit(Event{Kind: EvReply, PID: pid, Target: rec.SenderPID, Message: rec.Kind})
			k.complete(sp, rec.SenderTID, reply)
		}
		return xous.Ok()
	})
	if res.IsError() {
		return res.Err()
	}
	return nil
}

// ReturnMemory ends a borrow: the lent range is unmapped from the
// receiver exactly once and the parked sender resumes with its own
// buffer range.
func (k *Kernel) ReturnMemory(pid xous.PID, sender xous.Sender, r xous.MemoryRange) error {
	res := k.invoke(pid, 0, func() xous.Result {
		rec, errRes := k.claimReply(pid, sender)
		if errRes != nil {
			return *errRes
		}
		if rec.Kind != xous.KindBorrow && rec.Kind != xous.KindMutableBorrow {
			return xous.Err(xous.ShareViolation)
		}
		if r.IsValid() && r != rec.ServerRange {
			return xous.Err(xous.BadAddress)
		}
		if err := k.mem.ReturnLend(pid, rec.ServerRange); err != nil {
			return errResult(err)
		}
		sp, err := k.sys.Get(rec.SenderPID)
		if err == nil {
			k.sink.Emit(Event{Kind: EvReply, PID: pid, Target: rec.SenderPID, Message: rec.Kind})
			k.complete(sp, rec.SenderTID, xous.RangeResult(rec.ClientRange))
		}
		return xous.Ok()
	})
	if res.IsError() {
		return res.Err()
	}
	return nil
}

// claimReply validates a reply token against the caller and removes the
// in-flight record. Caller holds the lock.
func (k *Kernel) claimReply(pid xous.PID, sender xous.Sender) (ipc.InFlight, *xous.Result) {
	srvIdx, slot, ok := ipc.ParseSender(sender)
	if !ok {
		r := xous.Err(xous.BadAddress)
		return ipc.InFlight{}, &r
	}
	srv, err := k.sys.ServerByIndex(srvIdx)
	if err != nil {
		r := errResult(err)
		return ipc.InFlight{}, &r
	}
	if srv.Owner != pid {
		r := xous.Err(xous.AccessDenied)
		return ipc.InFlight{}, &r
	}
	rec, err := srv.TakeInFlight(slot)
	if err != nil {
		r := errResult(err)
		return ipc.InFlight{}, &r
	}
	return rec, nil
}

// SwitchTo activates a process's page tables and resumes its current
// thread. Only the init root drives scheduling, so only PID 1 may call.
func (k *Kernel) SwitchTo(pid, target xous.PID, tid xous.TID) error {
	res := k.invoke(pid, 0, func() xous.Result {
		if pid != 1 {
			return xous.Err(xous.AccessDenied)
		}
		if err := k.sys.Activate(target); err != nil {
			return errResult(err)
		}
		if tid != 0 {
			p, _ := k.sys.Get(target)
			p.SetCurrentTID(tid)
		}
		k.sched.NoteSwitch(target)
		k.sink.Emit(Event{Kind: EvSwitch, PID: pid, Target: target})
		return xous.Ok()
	})
	if res.IsError() {
		return res.Err()
	}
	return nil
}

// Yield relinquishes the rest of the caller's time slice. In hosted
// mode the host scheduler does the actual preemption; the syscall
// exists so the contract matches the bare-metal targets.
func (k *Kernel) Yield(pid xous.PID, tid xous.TID) {
	k.invoke(pid, tid, func() xous.Result {
		k.sink.Emit(Event{Kind: EvSyscall, PID: pid, TID: tid})
		return xous.Ok()
	})
}
