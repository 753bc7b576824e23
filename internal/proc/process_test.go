package proc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betrusted-io/xous-hosted/internal/xous"
)

func newTestProcess() *Process {
	p := New(2, 1, "test")
	p.Init(0x1000, 0x2_0000, InitialTID)
	return p
}

func TestInit(t *testing.T) {
	p := newTestProcess()
	assert.True(t, p.Runnable)
	assert.Equal(t, InitialTID, p.CurrentTID())
	assert.Equal(t, 1, p.LiveThreads())
	assert.Equal(t, uintptr(0x1000), p.Thread(InitialTID).PC)
}

func TestInitInvariants(t *testing.T) {
	assert.Panics(t, func() {
		New(2, 1, "bad").Init(0x1000, 0x2_0000, 3)
	})
	assert.Panics(t, func() {
		New(2, 1, "bad").Init(0, 0x2_0000, InitialTID)
	})
}

func TestThreadSlotChecks(t *testing.T) {
	p := newTestProcess()
	assert.Panics(t, func() { p.Thread(0) })
	assert.Panics(t, func() { p.Thread(MaxThreads) })
	assert.Panics(t, func() { p.Thread(5) }) // unallocated
	assert.Panics(t, func() { p.AllocThread(InitialTID, 0x3000, 0x4000) })
	assert.Panics(t, func() { p.AllocThread(3, 0, 0x4000) })
}

func TestThreadAllocation(t *testing.T) {
	p := newTestProcess()

	// The reserved IRQ slot is skipped by Init, so it comes back first.
	tid, ok := p.FindFreeThread()
	require.True(t, ok)
	assert.Equal(t, IrqTID, tid)

	// Slot 0 is reserved and the initial thread holds one slot, leaving
	// 30 further allocations before exhaustion.
	for i := 0; i < 30; i++ {
		tid, ok := p.FindFreeThread()
		require.True(t, ok, "allocation %d", i)
		p.AllocThread(tid, 0x3000, 0x4000)
	}
	assert.Equal(t, 31, p.LiveThreads())

	_, ok = p.FindFreeThread()
	assert.False(t, ok)
}

func TestReleaseThread(t *testing.T) {
	p := newTestProcess()
	p.AllocThread(3, 0x3000, 0x4000)
	require.Equal(t, 2, p.LiveThreads())

	assert.Equal(t, 1, p.ReleaseThread(3))
	assert.Equal(t, 0, p.ReleaseThread(InitialTID))
}

func TestBlockUnblock(t *testing.T) {
	p := newTestProcess()
	p.AllocThread(3, 0x3000, 0x4000)

	p.BlockThread(InitialTID)
	assert.True(t, p.Blocked(InitialTID))
	assert.True(t, p.Runnable, "another thread is still runnable")

	p.BlockThread(3)
	assert.False(t, p.Runnable, "all threads parked")

	p.UnblockThread(3)
	assert.True(t, p.Runnable)
	assert.Equal(t, 1, p.RunnableThreads())
}

func TestReleaseClearsBlocked(t *testing.T) {
	p := newTestProcess()
	p.AllocThread(3, 0x3000, 0x4000)
	p.BlockThread(3)
	p.ReleaseThread(3)

	assert.False(t, p.Blocked(3))
}

func TestThreadResultWindow(t *testing.T) {
	p := newTestProcess()
	res := xous.Scalar2(11, 22)
	p.SetThreadResult(InitialTID, res)

	// The result lands in registers 9..17, the syscall return window.
	regs := p.Thread(InitialTID).Registers
	assert.Equal(t, uintptr(xous.TagScalar2), regs[9])
	assert.Equal(t, uintptr(11), regs[10])
	assert.Equal(t, uintptr(22), regs[11])

	back := p.ThreadResult(InitialTID)
	assert.Equal(t, xous.TagScalar2, back.Tag)
	assert.Equal(t, uintptr(11), back.Words[0])
	assert.Equal(t, uintptr(22), back.Words[1])
}

func TestResultSink(t *testing.T) {
	p := newTestProcess()
	var gotTID xous.TID
	var gotRes xous.Result
	p.SetResultSink(func(tid xous.TID, res xous.Result) {
		gotTID = tid
		gotRes = res
	})

	p.SetThreadResult(InitialTID, xous.Scalar1(7))
	assert.Equal(t, InitialTID, gotTID)
	assert.Equal(t, xous.TagScalar1, gotRes.Tag)
}

func TestConnect(t *testing.T) {
	p := newTestProcess()
	sid := xous.NewSID()

	cid, err := p.Connect(sid)
	require.NoError(t, err)
	assert.Equal(t, xous.CID(2), cid)

	// Reconnecting to the same SID returns the existing slot.
	again, err := p.Connect(sid)
	require.NoError(t, err)
	assert.Equal(t, cid, again)
	assert.Equal(t, 1, p.Connections())

	got, err := p.Lookup(cid)
	require.NoError(t, err)
	assert.Equal(t, sid, got)
}

func TestConnectExhaustion(t *testing.T) {
	p := newTestProcess()
	for i := 0; i < MaxConnections; i++ {
		_, err := p.Connect(xous.NewSID())
		require.NoError(t, err)
	}
	_, err := p.Connect(xous.NewSID())
	assert.Equal(t, xous.OutOfMemory, err)
}

func TestDisconnect(t *testing.T) {
	p := newTestProcess()
	cid, err := p.Connect(xous.NewSID())
	require.NoError(t, err)

	require.NoError(t, p.Disconnect(cid))
	_, err = p.Lookup(cid)
	assert.Equal(t, xous.ServerNotFound, err)
	assert.Equal(t, xous.ServerNotFound, p.Disconnect(cid))

	assert.Equal(t, xous.ServerNotFound, p.Disconnect(xous.NoCID))
	assert.Equal(t, xous.ServerNotFound, p.Disconnect(xous.CID(999)))
}
