package xous

// Error is the kernel's caller-recoverable error code. Codes cross the
// syscall boundary as integers; in-process they are matched as values.
//
// Two families exist:
//   - capability errors (ServerNotFound, MemoryInUse, AccessDenied) and
//     resource exhaustion (OutOfMemory, ServerQueueFull) are returned as
//     values and are expected under load;
//   - programmer-error invariant violations (reusing an allocated
//     thread slot, double destroy) panic inside the kernel and never
//     surface as an Error. A bad TID arriving in a syscall frame is a
//     caller error and returns InvalidThread instead.
type Error uint32

const (
	// NoError is the zero value; it is never returned as an error.
	NoError Error = iota
	BadAlignment
	BadAddress
	OutOfMemory
	MemoryInUse
	InterruptNotFound
	InterruptInUse
	InvalidString
	ServerExists
	ServerNotFound
	ProcessNotFound
	ProcessNotChild
	ProcessTerminated
	Timeout
	InternalError
	ServerQueueFull
	ThreadNotAvailable
	UnhandledSyscall
	InvalidSyscall
	ShareViolation
	InvalidThread
	InvalidPID
	AccessDenied
	UseBeforeInit
	DoubleFree
	InvalidLimit
)

var errorNames = map[Error]string{
	NoError:            "no error",
	BadAlignment:       "bad alignment",
	BadAddress:         "bad address",
	OutOfMemory:        "out of memory",
	MemoryInUse:        "memory in use",
	InterruptNotFound:  "interrupt not found",
	InterruptInUse:     "interrupt in use",
	InvalidString:      "invalid string",
	ServerExists:       "server exists",
	ServerNotFound:     "server not found",
	ProcessNotFound:    "process not found",
	ProcessNotChild:    "process not child",
	ProcessTerminated:  "process terminated",
	Timeout:            "timeout",
	InternalError:      "internal error",
	ServerQueueFull:    "server queue full",
	ThreadNotAvailable: "thread not available",
	UnhandledSyscall:   "unhandled syscall",
	InvalidSyscall:     "invalid syscall",
	ShareViolation:     "share violation",
	InvalidThread:      "invalid thread",
	InvalidPID:         "invalid PID",
	AccessDenied:       "access denied",
	UseBeforeInit:      "use before init",
	DoubleFree:         "double free",
	InvalidLimit:       "invalid limit",
}

func (e Error) Error() string {
	if name, ok := errorNames[e]; ok {
		return name
	}
	return "unknown error"
}

// ErrorFromWord decodes an error code arriving in a result frame.
// Unknown codes collapse to InternalError rather than minting new ones.
func ErrorFromWord(w uintptr) Error {
	e := Error(w)
	if _, ok := errorNames[e]; !ok {
		return InternalError
	}
	return e
}
