// Package ipc holds the server-side message machinery: the bounded
// per-server FIFO queue and the in-flight rendezvous table that tracks
// blocking senders until the receiver replies.
package ipc

import (
	"fmt"

	"github.com/betrusted-io/xous-hosted/internal/xous"
)

// QueueDepth bounds each server's message queue. A full queue rejects
// non-blocking sends with ServerQueueFull instead of applying
// backpressure to the producer.
const QueueDepth = 32

// MaxInFlight bounds concurrently outstanding blocking messages per
// server. Each parked sender pins exactly one slot until the reply.
const MaxInFlight = 32

// InFlight records one parked blocking sender awaiting a reply.
type InFlight struct {
	SenderPID xous.PID
	SenderTID xous.TID
	Kind      xous.MessageKind

	// ClientRange is the sender-side buffer of a memory message;
	// ServerRange is where the kernel mapped it in the receiver. Both
	// are zero for blocking scalars.
	ClientRange xous.MemoryRange
	ServerRange xous.MemoryRange
}

// Server is one message-receiving endpoint: its random SID, the owning
// process, the FIFO queue, and the rendezvous table. Like the rest of
// the kernel tables it is mutated only under the dispatch lock.
type Server struct {
	SID   xous.SID
	Owner xous.PID

	// Bounded ring buffer; head/tail arithmetic wraps modulo the
	// slot count.
	slots [QueueDepth]xous.Envelope
	head  uint32
	tail  uint32

	inflight [MaxInFlight]*InFlight

	receiverParked bool
	receiverTID    xous.TID
}

// NewServer creates a server endpoint owned by pid.
func NewServer(sid xous.SID, owner xous.PID) *Server {
	return &Server{SID: sid, Owner: owner}
}

// Depth reports the number of queued, undelivered messages.
func (s *Server) Depth() int { return int(s.head - s.tail) }

// Queue appends an envelope in FIFO order, rejecting when full.
func (s *Server) Queue(env xous.Envelope) error {
	if s.head-s.tail >= QueueDepth {
		return xous.ServerQueueFull
	}
	s.slots[s.head%QueueDepth] = env
	s.head++
	return nil
}

// Next pops the oldest queued envelope.
func (s *Server) Next() (xous.Envelope, bool) {
	if s.tail == s.head {
		return xous.Envelope{}, false
	}
	env := s.slots[s.tail%QueueDepth]
	s.tail++
	return env, true
}

// ParkReceiver records that the owner's thread is blocked on an empty
// queue. Only one receiver may wait at a time; a second waiter is a
// bug in the owning server's main loop.
func (s *Server) ParkReceiver(tid xous.TID) {
	if s.receiverParked {
		panic(fmt.Sprintf("ipc: server %s already has a parked receiver", s.SID))
	}
	s.receiverParked = true
	s.receiverTID = tid
}

// ReceiverParked reports whether the owner already has a thread waiting
// on the queue.
func (s *Server) ReceiverParked() bool { return s.receiverParked }

// TakeReceiver claims the parked receiver, if any, for wakeup.
func (s *Server) TakeReceiver() (xous.TID, bool) {
	if !s.receiverParked {
		return 0, false
	}
	s.receiverParked = false
	return s.receiverTID, true
}

// AllocInFlight records a parked blocking sender and returns its slot.
func (s *Server) AllocInFlight(rec InFlight) (int, error) {
	for i := range s.inflight {
		if s.inflight[i] == nil {
			cp := rec
			s.inflight[i] = &cp
			return i, nil
		}
	}
	return 0, xous.ServerQueueFull
}

// TakeInFlight removes and returns the record in a slot. Replying twice
// to the same message surfaces as DoubleFree to the (misbehaving)
// server rather than corrupting another sender's slot.
func (s *Server) TakeInFlight(slot int) (InFlight, error) {
	if slot < 0 || slot >= MaxInFlight || s.inflight[slot] == nil {
		return InFlight{}, xous.DoubleFree
	}
	rec := *s.inflight[slot]
	s.inflight[slot] = nil
	return rec, nil
}

// PeekInFlight inspects a slot without claiming it.
func (s *Server) PeekInFlight(slot int) (InFlight, error) {
	if slot < 0 || slot >= MaxInFlight || s.inflight[slot] == nil {
		return InFlight{}, xous.DoubleFree
	}
	return *s.inflight[slot], nil
}

// DrainInFlight removes and returns every outstanding record, used when
// the owning process is destroyed and its callers must be released.
func (s *Server) DrainInFlight() []InFlight {
	var out []InFlight
	for i := range s.inflight {
		if s.inflight[i] != nil {
			out = append(out, *s.inflight[i])
			s.inflight[i] = nil
		}
	}
	return out
}

// PendingLends counts outstanding borrows. DestroyServer must fail
// loudly while this is nonzero: tearing down the endpoint would strand
// lent pages in the receiver's address space.
func (s *Server) PendingLends() int {
	n := 0
	for _, rec := range s.inflight {
		if rec == nil {
			continue
		}
		if rec.Kind == xous.KindBorrow || rec.Kind == xous.KindMutableBorrow {
			n++
		}
	}
	return n
}

// Sender tokens encode the server table index and in-flight slot so a
// reply can find its parked sender. Bit 31 marks a valid token; a zero
// word stays NoSender.
const senderMark = 1 << 31

// MakeSender builds the reply token for a parked message.
func MakeSender(serverIdx, slot int) xous.Sender {
	return xous.Sender(senderMark | (serverIdx << 8) | slot)
}

// ParseSender splits a reply token. ok is false for NoSender or a
// malformed word.
func ParseSender(s xous.Sender) (serverIdx, slot int, ok bool) {
	w := uintptr(s)
	if w&senderMark == 0 {
		return 0, 0, false
	}
	return int(w>>8) & 0x7fffff, int(w & 0xff), true
}
