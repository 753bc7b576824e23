package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betrusted-io/xous-hosted/internal/mem"
	"github.com/betrusted-io/xous-hosted/internal/xous"
)

func newTestRegistry() *SystemServices {
	return New(mem.NewManager(64), nil)
}

func TestInitInstalled(t *testing.T) {
	sys := newTestRegistry()
	p, err := sys.Get(1)
	require.NoError(t, err)
	assert.Equal(t, "init", p.Name)
	assert.Equal(t, xous.PID(1), sys.CurrentPID())
}

func TestCreateProcess(t *testing.T) {
	sys := newTestRegistry()
	pid, err := sys.CreateProcess(1, "shell", 0x1000, 0x2_0000)
	require.NoError(t, err)
	assert.Equal(t, xous.PID(2), pid)

	p, err := sys.Get(pid)
	require.NoError(t, err)
	assert.Equal(t, xous.PID(1), p.PPID)
	assert.True(t, p.Runnable)

	_, err = sys.CreateProcess(99, "orphan", 0x1000, 0x2_0000)
	assert.Equal(t, xous.ProcessNotFound, err)
}

func TestGetBounds(t *testing.T) {
	sys := newTestRegistry()
	_, err := sys.Get(xous.NoPID)
	assert.Equal(t, xous.ProcessNotFound, err)
	_, err = sys.Get(xous.PID(MaxProcesses))
	assert.Equal(t, xous.ProcessNotFound, err)
	assert.Equal(t, "", sys.ProcessName(50))
}

func TestRemoveProcess(t *testing.T) {
	sys := newTestRegistry()
	pid, err := sys.CreateProcess(1, "doomed", 0x1000, 0x2_0000)
	require.NoError(t, err)

	require.NoError(t, sys.Activate(pid))
	sys.RemoveProcess(pid)
	_, err = sys.Get(pid)
	assert.Equal(t, xous.ProcessNotFound, err)

	// Removing the activated process falls back to init.
	assert.Equal(t, xous.PID(1), sys.CurrentPID())
	assert.Panics(t, func() { sys.RemoveProcess(pid) })
}

func TestCreateServer(t *testing.T) {
	sys := newTestRegistry()
	sid := xous.NewSID()

	srv, idx, err := sys.CreateServer(2, sid)
	require.NoError(t, err)
	assert.Equal(t, xous.PID(2), srv.Owner)

	got, gotIdx, err := sys.ServerBySID(sid)
	require.NoError(t, err)
	assert.Same(t, srv, got)
	assert.Equal(t, idx, gotIdx)

	byIdx, err := sys.ServerByIndex(idx)
	require.NoError(t, err)
	assert.Same(t, srv, byIdx)

	_, _, err = sys.CreateServer(3, sid)
	assert.Equal(t, xous.ServerExists, err)
	_, _, err = sys.CreateServer(3, xous.SID{})
	assert.Equal(t, xous.InvalidString, err)
}

func TestDestroyServer(t *testing.T) {
	sys := newTestRegistry()
	sid := xous.NewSID()
	_, _, err := sys.CreateServer(2, sid)
	require.NoError(t, err)

	assert.Equal(t, xous.AccessDenied, sys.DestroyServer(3, sid))
	require.NoError(t, sys.DestroyServer(2, sid))
	_, _, err = sys.ServerBySID(sid)
	assert.Equal(t, xous.ServerNotFound, err)
	assert.Equal(t, xous.ServerNotFound, sys.DestroyServer(2, sid))
}

func TestServersOwnedBy(t *testing.T) {
	sys := newTestRegistry()
	for i := 0; i < 3; i++ {
		_, _, err := sys.CreateServer(2, xous.NewSID())
		require.NoError(t, err)
	}
	_, _, err := sys.CreateServer(3, xous.NewSID())
	require.NoError(t, err)

	assert.Len(t, sys.ServersOwnedBy(2), 3)
	assert.Len(t, sys.ServersOwnedBy(3), 1)
	assert.Empty(t, sys.ServersOwnedBy(4))
}

func TestStatsSnapshot(t *testing.T) {
	sys := newTestRegistry()
	pid, err := sys.CreateProcess(1, "svc", 0x1000, 0x2_0000)
	require.NoError(t, err)
	_, _, err = sys.CreateServer(pid, xous.NewSID())
	require.NoError(t, err)

	snap := sys.Stats()
	require.Len(t, snap.Processes, 2)
	require.Len(t, snap.Servers, 1)
	assert.Equal(t, "svc", snap.Processes[1].Name)
	assert.Equal(t, uint8(pid), snap.Servers[0].Owner)
	assert.Equal(t, 0, snap.Servers[0].QueueDepth)
}
