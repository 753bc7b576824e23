package syscall

import "github.com/betrusted-io/xous-hosted/internal/xous"

// Opcode is the syscall number carried in the first argument word. The
// numbering is part of the wire ABI shared with the bare-metal targets
// and must not be reordered.
type Opcode uintptr

const (
	OpMapMemory               Opcode = 2
	OpYield                   Opcode = 3
	OpReturnToParent          Opcode = 4
	OpSwitchTo                Opcode = 7
	OpCreateServerWithAddress Opcode = 14
	OpReceiveMessage          Opcode = 15
	OpSendMessage             Opcode = 16
	OpConnect                 Opcode = 17
	OpCreateThread            Opcode = 18
	OpUnmapMemory             Opcode = 19
	OpReturnMemory            Opcode = 20
	OpCreateProcess           Opcode = 21
	OpTerminateProcess        Opcode = 22
	OpTrySendMessage          Opcode = 24
	OpReturnScalar1           Opcode = 26
	OpReturnScalar2           Opcode = 27
	OpTryReceiveMessage       Opcode = 28
	OpCreateServer            Opcode = 29
	OpGetThreadID             Opcode = 32
	OpGetProcessID            Opcode = 33
	OpDestroyServer           Opcode = 34
	OpDisconnect              Opcode = 35
)

// Dispatch decodes one syscall frame on behalf of (pid, tid) and
// returns the result frame the thread observes on resume. All syscalls
// pass up to 8 usize words in fixed registers and return up to 8 words
// through the same registers; the hosted transport carries the
// identical layout over its byte stream.
func (k *Kernel) Dispatch(pid xous.PID, tid xous.TID, frame [8]uintptr) [8]uintptr {
	res := k.dispatch(pid, tid, frame)
	if res.Tag == xous.TagBlocked {
		// Blocked never crosses the wire; invoke has already waited
		// for the real result, so seeing it here is a kernel bug.
		panic("syscall: blocked result escaped dispatch")
	}
	return res.Frame()
}

func (k *Kernel) dispatch(pid xous.PID, tid xous.TID, f [8]uintptr) xous.Result {
	switch Opcode(f[0]) {
	case OpMapMemory:
		r, err := k.MapMemory(pid, f[1], f[2], f[3], xous.MemoryFlags(f[4]))
		if err != nil {
			return errResult(err)
		}
		return xous.RangeResult(r)

	case OpUnmapMemory:
		if err := k.UnmapMemory(pid, xous.MemoryRange{Addr: f[1], Size: f[2]}); err != nil {
			return errResult(err)
		}
		return xous.Ok()

	case OpYield:
		k.Yield(pid, tid)
		return xous.Ok()

	case OpReturnToParent:
		if err := k.ReturnToParent(pid, tid); err != nil {
			return errResult(err)
		}
		return xous.Ok()

	case OpSwitchTo:
		if err := k.SwitchTo(pid, xous.PID(f[1]), xous.TID(f[2])); err != nil {
			return errResult(err)
		}
		return xous.Ok()

	case OpCreateServer:
		sid, err := k.CreateServer(pid)
		if err != nil {
			return errResult(err)
		}
		return xous.ServerResult(sid)

	case OpCreateServerWithAddress:
		sid, err := k.CreateServerWithAddress(pid, xous.SIDFromWords(f[1], f[2], f[3], f[4]))
		if err != nil {
			return errResult(err)
		}
		return xous.ServerResult(sid)

	case OpDestroyServer:
		if err := k.DestroyServer(pid, xous.SIDFromWords(f[1], f[2], f[3], f[4])); err != nil {
			return errResult(err)
		}
		return xous.Ok()

	case OpConnect:
		cid, err := k.Connect(pid, xous.SIDFromWords(f[1], f[2], f[3], f[4]))
		if err != nil {
			return errResult(err)
		}
		return xous.ConnResult(cid)

	case OpDisconnect:
		if err := k.Disconnect(pid, xous.CID(f[1])); err != nil {
			return errResult(err)
		}
		return xous.Ok()

	case OpSendMessage:
		return k.SendMessage(pid, tid, xous.CID(f[1]), messageFromFrame(f))

	case OpTrySendMessage:
		return k.TrySendMessage(pid, tid, xous.CID(f[1]), messageFromFrame(f))

	case OpReceiveMessage:
		return k.ReceiveMessage(pid, tid, xous.SIDFromWords(f[1], f[2], f[3], f[4]))

	case OpTryReceiveMessage:
		return k.TryReceiveMessage(pid, tid, xous.SIDFromWords(f[1], f[2], f[3], f[4]))

	case OpReturnScalar1:
		if err := k.ReturnScalar(pid, xous.Sender(f[1]), f[2]); err != nil {
			return errResult(err)
		}
		return xous.Ok()

	case OpReturnScalar2:
		if err := k.ReturnScalar2(pid, xous.Sender(f[1]), f[2], f[3]); err != nil {
			return errResult(err)
		}
		return xous.Ok()

	case OpReturnMemory:
		if err := k.ReturnMemory(pid, xous.Sender(f[1]), xous.MemoryRange{Addr: f[2], Size: f[3]}); err != nil {
			return errResult(err)
		}
		return xous.Ok()

	case OpCreateThread:
		ntid, err := k.CreateThread(pid, f[1], f[2])
		if err != nil {
			return errResult(err)
		}
		return xous.ThreadResult(ntid)

	case OpCreateProcess:
		child, err := k.CreateProcess(pid, "", f[1], f[2])
		if err != nil {
			return errResult(err)
		}
		return xous.ProcessResult(child)

	case OpTerminateProcess:
		target := xous.PID(f[1])
		if target == xous.NoPID {
			target = pid
		}
		if err := k.TerminateProcess(pid, target); err != nil {
			return errResult(err)
		}
		return xous.Ok()

	case OpGetThreadID:
		return xous.ThreadResult(tid)

	case OpGetProcessID:
		return xous.ProcessResult(pid)

	default:
		return xous.Err(xous.InvalidSyscall)
	}
}

// messageFromFrame decodes the message portion of a send frame:
// f[1]=cid, f[2]=kind, f[3]=opcode, f[4..7]=args or addr/size/offset/valid.
func messageFromFrame(f [8]uintptr) xous.Message {
	kind := xous.MessageKind(f[2])
	id := uint32(f[3])
	if kind.IsMemory() {
		return xous.NewMemory(kind, id,
			xous.MemoryRange{Addr: f[4], Size: f[5]}, f[6], f[7])
	}
	m := xous.NewScalar(id, f[4], f[5], f[6], f[7])
	m.Kind = kind
	return m
}
