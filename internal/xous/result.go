package xous

// ResultTag discriminates a syscall result frame.
type ResultTag uintptr

const (
	TagOk ResultTag = iota
	TagError
	TagMemoryRange
	TagConnectionID
	TagServerID
	TagThreadID
	TagProcessID
	TagScalar1
	TagScalar2
	TagMessage
	// TagBlocked never crosses the wire: it tells the dispatch loop that
	// the calling thread has been parked and the real result will be
	// written into its register file later.
	TagBlocked
)

// Result is a syscall return value. It marshals to at most 8 usize
// words: the tag followed by up to 7 payload words, exactly the window
// set_thread_result writes into the resuming thread's register file.
type Result struct {
	Tag   ResultTag
	Words [7]uintptr

	// Envelope rides along for TagMessage results delivered in-process;
	// its memory range is also mirrored into Words.
	Envelope *Envelope
}

// Envelope is a delivered message plus its reply token.
type Envelope struct {
	Sender  Sender
	Message Message
}

// Ok is the bare success result.
func Ok() Result { return Result{Tag: TagOk} }

// Err wraps a kernel error code.
func Err(e Error) Result {
	return Result{Tag: TagError, Words: [7]uintptr{uintptr(e)}}
}

// RangeResult returns a freshly created memory mapping.
func RangeResult(r MemoryRange) Result {
	return Result{Tag: TagMemoryRange, Words: [7]uintptr{r.Addr, r.Size}}
}

// ConnResult returns a connection capability.
func ConnResult(cid CID) Result {
	return Result{Tag: TagConnectionID, Words: [7]uintptr{uintptr(cid)}}
}

// ServerResult returns a newly minted server ID to its creator.
func ServerResult(sid SID) Result {
	a, b, c, d := sid.Words()
	return Result{Tag: TagServerID, Words: [7]uintptr{a, b, c, d}}
}

// ThreadResult returns a newly created thread ID.
func ThreadResult(tid TID) Result {
	return Result{Tag: TagThreadID, Words: [7]uintptr{uintptr(tid)}}
}

// ProcessResult returns a newly created process ID.
func ProcessResult(pid PID) Result {
	return Result{Tag: TagProcessID, Words: [7]uintptr{uintptr(pid)}}
}

// Scalar1 returns one result word to a blocking scalar sender.
func Scalar1(a uintptr) Result {
	return Result{Tag: TagScalar1, Words: [7]uintptr{a}}
}

// Scalar2 returns two result words to a blocking scalar sender.
func Scalar2(a, b uintptr) Result {
	return Result{Tag: TagScalar2, Words: [7]uintptr{a, b}}
}

// MessageResult delivers an envelope to a receiver.
func MessageResult(env Envelope) Result {
	r := Result{Tag: TagMessage, Envelope: &env}
	m := env.Message
	r.Words[0] = uintptr(env.Sender)
	r.Words[1] = uintptr(m.Kind)
	r.Words[2] = uintptr(m.Opcode())
	if m.Kind.IsMemory() {
		r.Words[3] = m.Memory.Buf.Addr
		r.Words[4] = m.Memory.Buf.Size
		r.Words[5] = m.Memory.Offset
		r.Words[6] = m.Memory.Valid
	} else {
		r.Words[3] = m.Scalar.Args[0]
		r.Words[4] = m.Scalar.Args[1]
		r.Words[5] = m.Scalar.Args[2]
		r.Words[6] = m.Scalar.Args[3]
	}
	return r
}

// Blocked marks the caller as parked; it must never be marshalled.
func Blocked() Result { return Result{Tag: TagBlocked} }

// IsError reports whether the result carries an error code.
func (r Result) IsError() bool { return r.Tag == TagError }

// Err extracts the error code from a TagError result.
func (r Result) Err() Error {
	if r.Tag != TagError {
		return NoError
	}
	return ErrorFromWord(r.Words[0])
}

// Frame marshals the result into the 8-word register image.
func (r Result) Frame() [8]uintptr {
	var f [8]uintptr
	f[0] = uintptr(r.Tag)
	copy(f[1:], r.Words[:])
	return f
}

// ResultFromFrame reconstructs a result from its register image.
func ResultFromFrame(f [8]uintptr) Result {
	r := Result{Tag: ResultTag(f[0])}
	copy(r.Words[:], f[1:])
	if r.Tag == TagMessage {
		env := Envelope{Sender: Sender(r.Words[0])}
		kind := MessageKind(r.Words[1])
		id := uint32(r.Words[2])
		if kind.IsMemory() {
			env.Message = NewMemory(kind,
				id,
				MemoryRange{Addr: r.Words[3], Size: r.Words[4]},
				r.Words[5], r.Words[6])
		} else {
			env.Message = NewScalar(id, r.Words[3], r.Words[4], r.Words[5], r.Words[6])
			env.Message.Kind = kind
		}
		r.Envelope = &env
	}
	return r
}
