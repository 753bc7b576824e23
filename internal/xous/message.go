package xous

import "fmt"

// PageSize is the fixed MMU page granularity of every supported target.
const PageSize = 4096

// MemoryRange describes a page-aligned virtual mapping a process holds.
type MemoryRange struct {
	Addr uintptr
	Size uintptr
}

// IsValid reports whether the range is non-empty.
func (r MemoryRange) IsValid() bool { return r.Addr != 0 && r.Size != 0 }

// IsAligned reports whether both base and length sit on page boundaries.
func (r MemoryRange) IsAligned() bool {
	return r.Addr%PageSize == 0 && r.Size%PageSize == 0
}

// Pages returns the number of pages the range spans, rounding up.
func (r MemoryRange) Pages() int {
	return int((r.Size + PageSize - 1) / PageSize)
}

func (r MemoryRange) String() string {
	return fmt.Sprintf("%#x+%#x", r.Addr, r.Size)
}

// MemoryFlags control a mapping's access permissions.
type MemoryFlags uint32

const (
	MemFlagFree MemoryFlags = 0
	MemFlagRead MemoryFlags = 1 << iota
	MemFlagWrite
	MemFlagExecute
	MemFlagDevice
	// MemFlagReserve allocates address space without backing pages.
	MemFlagReserve
)

// MessageKind discriminates the message union.
type MessageKind uint32

const (
	// KindScalar is a fire-and-forget scalar: the sender does not block
	// and observes only queued/rejected.
	KindScalar MessageKind = iota
	// KindBlockingScalar parks the sender until the receiver replies
	// with up to two result words.
	KindBlockingScalar
	// KindBorrow lends the payload pages read-only; the sender blocks
	// until the receiver returns the memory.
	KindBorrow
	// KindMutableBorrow lends the payload pages read-write so the
	// receiver can fill a response in place; the sender blocks.
	KindMutableBorrow
	// KindMove transfers page ownership permanently; the sender's
	// mapping is torn down as part of the send and no reply releases
	// anything.
	KindMove
)

func (k MessageKind) String() string {
	switch k {
	case KindScalar:
		return "scalar"
	case KindBlockingScalar:
		return "blocking-scalar"
	case KindBorrow:
		return "borrow"
	case KindMutableBorrow:
		return "mutable-borrow"
	case KindMove:
		return "move"
	default:
		return "unknown"
	}
}

// IsMemory reports whether the kind carries a MemoryRange payload.
func (k MessageKind) IsMemory() bool {
	return k == KindBorrow || k == KindMutableBorrow || k == KindMove
}

// IsBlocking reports whether the sender suspends until a reply.
func (k MessageKind) IsBlocking() bool {
	return k == KindBlockingScalar || k == KindBorrow || k == KindMutableBorrow
}

// ScalarMessage carries up to four immediate argument words.
type ScalarMessage struct {
	ID   uint32
	Args [4]uintptr
}

// MemoryMessage carries a page-aligned buffer plus an optional
// offset/valid sub-region describing the meaningful bytes inside it.
type MemoryMessage struct {
	ID     uint32
	Buf    MemoryRange
	Offset uintptr
	Valid  uintptr
}

// Message is the tagged union over scalar and memory messages.
type Message struct {
	Kind   MessageKind
	Scalar ScalarMessage
	Memory MemoryMessage
}

// NewScalar builds a non-blocking scalar message.
func NewScalar(id uint32, args ...uintptr) Message {
	m := Message{Kind: KindScalar, Scalar: ScalarMessage{ID: id}}
	copy(m.Scalar.Args[:], args)
	return m
}

// NewBlockingScalar builds a blocking scalar message.
func NewBlockingScalar(id uint32, args ...uintptr) Message {
	m := NewScalar(id, args...)
	m.Kind = KindBlockingScalar
	return m
}

// NewMemory builds a memory message of the given transfer kind.
func NewMemory(kind MessageKind, id uint32, buf MemoryRange, offset, valid uintptr) Message {
	return Message{
		Kind:   kind,
		Memory: MemoryMessage{ID: id, Buf: buf, Offset: offset, Valid: valid},
	}
}

// Opcode returns the server-defined operation number regardless of kind.
func (m Message) Opcode() uint32 {
	if m.Kind.IsMemory() {
		return m.Memory.ID
	}
	return m.Scalar.ID
}

// Sender is the opaque reply token delivered with a message. The
// receiver passes it back to ReturnScalar/ReturnMemory; it encodes the
// in-flight slot the kernel uses to find the parked sender.
type Sender uintptr

// NoSender marks a message that needs no reply.
const NoSender Sender = 0
