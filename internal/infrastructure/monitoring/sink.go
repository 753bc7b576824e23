package monitoring

import "github.com/betrusted-io/xous-hosted/internal/syscall"

// EventSink adapts the metrics collector to the kernel trace interface.
// Emit runs under the kernel dispatch lock, so it only touches counters.
type EventSink struct {
	metrics *Metrics
	next    syscall.Sink
}

// NewEventSink wraps an optional downstream sink with metric recording.
func NewEventSink(m *Metrics, next syscall.Sink) *EventSink {
	return &EventSink{metrics: m, next: next}
}

// Emit implements syscall.Sink.
func (s *EventSink) Emit(ev syscall.Event) {
	s.metrics.RecordSyscall(ev.Kind)
	switch ev.Kind {
	case syscall.EvSend:
		s.metrics.RecordSend(ev.Message.String())
	case syscall.EvSwitch:
		s.metrics.ContextSwitches.Inc()
	case syscall.EvFault:
		s.metrics.Faults.Inc()
	}
	if s.next != nil {
		s.next.Emit(ev)
	}
}
