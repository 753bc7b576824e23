// Package services is the authoritative registry the syscall layer
// consults: the process table indexed by PID-1 and the server table
// with its SID index. All mutation funnels through the kernel dispatch
// lock, so the tables themselves carry no locking.
package services

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/betrusted-io/xous-hosted/internal/ipc"
	"github.com/betrusted-io/xous-hosted/internal/mem"
	"github.com/betrusted-io/xous-hosted/internal/proc"
	"github.com/betrusted-io/xous-hosted/internal/xous"
)

// MaxProcesses bounds the process table.
const MaxProcesses = 64

// MaxServers bounds the server table across all processes.
const MaxServers = 128

// SystemServices owns the process and server tables.
type SystemServices struct {
	processes [MaxProcesses]*proc.Process
	servers   [MaxServers]*ipc.Server
	sidIndex  map[xous.SID]int

	current xous.PID
	mem     *mem.Manager
	log     *zap.Logger
}

// New creates the registry and installs the init process as PID 1. The
// init process is the scheduler's root: only its direct children are
// eligible for kernel scheduling.
func New(m *mem.Manager, log *zap.Logger) *SystemServices {
	if log == nil {
		log = zap.NewNop()
	}
	s := &SystemServices{
		sidIndex: make(map[xous.SID]int),
		mem:      m,
		log:      log,
	}
	init := proc.New(1, 0, "init")
	m.CreateSpace(1)
	init.Init(initEntry, initStack, proc.InitialTID)
	s.processes[0] = init
	s.current = 1
	return s
}

// Synthetic entry/stack for the init record; init never "runs" in
// hosted mode, it exists as the scheduling root.
const (
	initEntry uintptr = 0x1000
	initStack uintptr = 0x1_0000
)

// CreateProcess allocates a PID, builds the address space, and sets up
// the initial thread from the supplied entrypoint and stack.
func (s *SystemServices) CreateProcess(ppid xous.PID, name string, entry, sp uintptr) (xous.PID, error) {
	if _, err := s.Get(ppid); err != nil {
		return xous.NoPID, err
	}
	for i := range s.processes {
		if s.processes[i] != nil {
			continue
		}
		pid := xous.PID(i + 1)
		p := proc.New(pid, ppid, name)
		s.mem.CreateSpace(pid)
		p.Init(entry, sp, proc.InitialTID)
		s.processes[i] = p
		s.log.Debug("process created",
			zap.Stringer("pid", pid),
			zap.Stringer("ppid", ppid),
			zap.String("name", name),
		)
		return pid, nil
	}
	return xous.NoPID, xous.OutOfMemory
}

// Get returns the process record, or ProcessNotFound.
func (s *SystemServices) Get(pid xous.PID) (*proc.Process, error) {
	if pid == xous.NoPID || int(pid) > MaxProcesses {
		return nil, xous.ProcessNotFound
	}
	p := s.processes[pid-1]
	if p == nil {
		return nil, xous.ProcessNotFound
	}
	return p, nil
}

// Process returns the record without error plumbing, for the scheduler
// scan. ok is false for empty slots.
func (s *SystemServices) Process(pid xous.PID) (*proc.Process, bool) {
	p, err := s.Get(pid)
	return p, err == nil
}

// MaxPID returns the table size for wrap-around scans.
func (s *SystemServices) MaxPID() xous.PID { return MaxProcesses }

// CurrentPID returns the activated process.
func (s *SystemServices) CurrentPID() xous.PID { return s.current }

// Activate switches the "resident" process, the hosted analogue of
// loading a page-table root. Thread-register access is only valid for
// the activated process.
func (s *SystemServices) Activate(pid xous.PID) error {
	if _, err := s.Get(pid); err != nil {
		return err
	}
	s.current = pid
	return nil
}

// WithCurrent runs f against the activated process. The reference must
// not escape f.
func (s *SystemServices) WithCurrent(f func(p *proc.Process)) {
	p, err := s.Get(s.current)
	if err != nil {
		panic(fmt.Sprintf("services: current %s vanished", s.current))
	}
	f(p)
}

// ProcessName is a debug/diagnostic accessor; it never panics.
func (s *SystemServices) ProcessName(pid xous.PID) string {
	p, err := s.Get(pid)
	if err != nil {
		return ""
	}
	return p.Name
}

// RemoveProcess clears a PID slot. Destroying a PID twice is a
// programmer error and panics.
func (s *SystemServices) RemoveProcess(pid xous.PID) {
	if pid == xous.NoPID || int(pid) > MaxProcesses || s.processes[pid-1] == nil {
		panic(fmt.Sprintf("services: double destroy of %s", pid))
	}
	s.processes[pid-1] = nil
	if s.current == pid {
		s.current = 1
	}
}

// CreateServer registers a new endpoint under the owner. The SID must
// be unique; a collision on 128 random bits means the caller is
// replaying an existing SID.
func (s *SystemServices) CreateServer(owner xous.PID, sid xous.SID) (*ipc.Server, int, error) {
	if sid.IsZero() {
		return nil, 0, xous.InvalidString
	}
	if _, dup := s.sidIndex[sid]; dup {
		return nil, 0, xous.ServerExists
	}
	for i := range s.servers {
		if s.servers[i] != nil {
			continue
		}
		srv := ipc.NewServer(sid, owner)
		s.servers[i] = srv
		s.sidIndex[sid] = i
		s.log.Debug("server created",
			zap.Stringer("owner", owner),
			zap.Stringer("sid", sid),
		)
		return srv, i, nil
	}
	return nil, 0, xous.OutOfMemory
}

// ServerBySID resolves an endpoint, or ServerNotFound.
func (s *SystemServices) ServerBySID(sid xous.SID) (*ipc.Server, int, error) {
	idx, ok := s.sidIndex[sid]
	if !ok {
		return nil, 0, xous.ServerNotFound
	}
	return s.servers[idx], idx, nil
}

// ServerByIndex resolves a reply token's server slot.
func (s *SystemServices) ServerByIndex(idx int) (*ipc.Server, error) {
	if idx < 0 || idx >= MaxServers || s.servers[idx] == nil {
		return nil, xous.ServerNotFound
	}
	return s.servers[idx], nil
}

// DestroyServer removes an endpoint. Only the owner may destroy it, and
// the destroy fails loudly while borrows are outstanding.
func (s *SystemServices) DestroyServer(owner xous.PID, sid xous.SID) error {
	srv, idx, err := s.ServerBySID(sid)
	if err != nil {
		return err
	}
	if srv.Owner != owner {
		return xous.AccessDenied
	}
	if srv.PendingLends() > 0 {
		return xous.MemoryInUse
	}
	s.servers[idx] = nil
	delete(s.sidIndex, sid)
	return nil
}

// ServersOwnedBy returns the endpoints a process owns, with their table
// indexes, for the destroy path.
func (s *SystemServices) ServersOwnedBy(pid xous.PID) []*ipc.Server {
	var out []*ipc.Server
	for _, srv := range s.servers {
		if srv != nil && srv.Owner == pid {
			out = append(out, srv)
		}
	}
	return out
}

// RemoveServer drops a server unconditionally during process teardown.
func (s *SystemServices) RemoveServer(sid xous.SID) {
	idx, ok := s.sidIndex[sid]
	if !ok {
		return
	}
	s.servers[idx] = nil
	delete(s.sidIndex, sid)
}

// Snapshot summarizes the tables for the diagnostic API.
type Snapshot struct {
	Processes []ProcessInfo `json:"processes"`
	Servers   []ServerInfo  `json:"servers"`
}

// ProcessInfo is the externally visible view of one process.
type ProcessInfo struct {
	PID         uint8  `json:"pid"`
	PPID        uint8  `json:"ppid"`
	Name        string `json:"name"`
	Runnable    bool   `json:"runnable"`
	Threads     int    `json:"threads"`
	Connections int    `json:"connections"`
	OwnedPages  int    `json:"owned_pages"`
}

// ServerInfo is the externally visible view of one server. The SID is
// deliberately absent: it is a capability and never leaves the kernel.
type ServerInfo struct {
	Owner        uint8 `json:"owner"`
	QueueDepth   int   `json:"queue_depth"`
	PendingLends int   `json:"pending_lends"`
}

// Stats captures the tables for diagnostics.
func (s *SystemServices) Stats() Snapshot {
	var snap Snapshot
	for _, p := range s.processes {
		if p == nil {
			continue
		}
		snap.Processes = append(snap.Processes, ProcessInfo{
			PID:         uint8(p.PID),
			PPID:        uint8(p.PPID),
			Name:        p.Name,
			Runnable:    p.Runnable,
			Threads:     p.LiveThreads(),
			Connections: p.Connections(),
			OwnedPages:  s.mem.OwnedPages(p.PID),
		})
	}
	for _, srv := range s.servers {
		if srv == nil {
			continue
		}
		snap.Servers = append(snap.Servers, ServerInfo{
			Owner:        uint8(srv.Owner),
			QueueDepth:   srv.Depth(),
			PendingLends: srv.PendingLends(),
		})
	}
	return snap
}
