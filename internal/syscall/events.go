package syscall

import "github.com/betrusted-io/xous-hosted/internal/xous"

// Event is one kernel trace record, consumed by the metrics collector
// and the websocket event stream.
type Event struct {
	Kind    string           `json:"kind"`
	PID     xous.PID         `json:"pid"`
	TID     xous.TID         `json:"tid,omitempty"`
	Target  xous.PID         `json:"target,omitempty"`
	Message xous.MessageKind `json:"message_kind,omitempty"`
	Error   string           `json:"error,omitempty"`
}

// Event kinds emitted by the dispatcher.
const (
	EvSyscall        = "syscall"
	EvSend           = "send"
	EvDeliver        = "deliver"
	EvReply          = "reply"
	EvSwitch         = "switch"
	EvProcessCreated = "process_created"
	EvProcessExited  = "process_exited"
	EvServerCreated  = "server_created"
	EvFault          = "fault"
)

// Sink receives kernel trace events. Emit must not block: it is called
// under the dispatch lock.
type Sink interface {
	Emit(Event)
}

type nopSink struct{}

func (nopSink) Emit(Event) {}
