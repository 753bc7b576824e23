// Package sched selects the next runnable process. The kernel drives it
// from the init loop by issuing SwitchTo to itself; correctness here is
// bounded-wait round-robin, not fairness tuning.
package sched

import (
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/betrusted-io/xous-hosted/internal/proc"
	"github.com/betrusted-io/xous-hosted/internal/xous"
)

// Table is the view of the process table the scheduler scans.
type Table interface {
	Process(pid xous.PID) (*proc.Process, bool)
	MaxPID() xous.PID
}

// RoundRobin scans the process table in PID order, wrapping once.
type RoundRobin struct {
	table Table
	log   *zap.Logger

	lastPID  atomic.Uint32
	switches atomic.Uint64
	idles    atomic.Uint64
}

// New creates a scheduler over the given process table.
func New(table Table, log *zap.Logger) *RoundRobin {
	if log == nil {
		log = zap.NewNop()
	}
	return &RoundRobin{table: table, log: log}
}

// eligible reports whether a process may be picked: it must be a direct
// child of the init root (deeper descendants are scheduled transitively
// by their parents) and runnable.
func eligible(p *proc.Process) bool {
	return p.PPID == 1 && p.Runnable
}

// NextPIDToRun returns the first eligible PID strictly after last,
// wrapping over the whole table once. It returns false when nothing is
// runnable and the kernel should idle until an interrupt. As long as at
// least one child of PID 1 stays runnable, every runnable child is
// reached within one full sweep.
func (r *RoundRobin) NextPIDToRun(last xous.PID) (xous.PID, bool) {
	max := int(r.table.MaxPID())
	start := int(last)
	for i := 1; i <= max; i++ {
		pid := xous.PID((start+i-1)%max + 1)
		p, ok := r.table.Process(pid)
		if !ok || !eligible(p) {
			continue
		}
		return pid, true
	}
	r.idles.Add(1)
	return xous.NoPID, false
}

// Pick advances the scheduler state: it selects the successor of the
// previously picked PID and records the switch.
func (r *RoundRobin) Pick() (xous.PID, bool) {
	pid, ok := r.NextPIDToRun(xous.PID(r.lastPID.Load()))
	if !ok {
		return xous.NoPID, false
	}
	r.lastPID.Store(uint32(pid))
	r.switches.Add(1)
	return pid, true
}

// NoteSwitch records an externally driven context switch (an explicit
// SwitchTo syscall rather than a scheduler pick).
func (r *RoundRobin) NoteSwitch(pid xous.PID) {
	r.lastPID.Store(uint32(pid))
	r.switches.Add(1)
}

// Stats is the diagnostic snapshot of scheduler activity.
type Stats struct {
	LastPID  uint8  `json:"last_pid"`
	Switches uint64 `json:"switches"`
	Idles    uint64 `json:"idles"`
}

// Snapshot returns current counters.
func (r *RoundRobin) Snapshot() Stats {
	return Stats{
		LastPID:  uint8(r.lastPID.Load()),
		Switches: r.switches.Load(),
		Idles:    r.idles.Load(),
	}
}
